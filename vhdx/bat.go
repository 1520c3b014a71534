package vhdx

/*
Copyright (c) 2024 the libvdk authors
Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:
The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.
THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
*/

import "github.com/lingedeng/libvdk/vdk"

// BatEntry packs a 3-bit status into the low bits and a 1 MiB aligned file
// offset into bits 20..63.
type BatEntry = uint64

const (
	batInitOffsetInMb    = 3
	BatInitOffsetInBytes = batInitOffsetInMb * vdk.MiB

	payloadOffsetMask = uint64(0xFFFFFFFFFFF00000)

	// one bitmap block tracks this many logical sectors
	SectorsPerBitmap = 8 * vdk.MiB

	batEntrySize = 8
)

type PayloadBatEntryStatus uint8

const (
	PayloadBlockNotPresent       PayloadBatEntryStatus = 0
	PayloadBlockUndefined        PayloadBatEntryStatus = 1
	PayloadBlockZero             PayloadBatEntryStatus = 2
	PayloadBlockUnmapped         PayloadBatEntryStatus = 3
	PayloadBlockFullPresent      PayloadBatEntryStatus = 6
	PayloadBlockPartiallyPresent PayloadBatEntryStatus = 7
)

func (s PayloadBatEntryStatus) String() string {
	switch s {
	case PayloadBlockNotPresent:
		return "Block not present"
	case PayloadBlockUndefined:
		return "Block undefined"
	case PayloadBlockZero:
		return "Block zero"
	case PayloadBlockUnmapped:
		return "Block unmapped"
	case PayloadBlockFullPresent:
		return "Block full present"
	case PayloadBlockPartiallyPresent:
		return "Block partially present"
	}
	return "Unknown"
}

type BitmapBatEntryStatus uint8

const (
	BitmapBlockNotPresent BitmapBatEntryStatus = 0
	BitmapBlockPresent    BitmapBatEntryStatus = 6
)

func (s BitmapBatEntryStatus) String() string {
	switch s {
	case BitmapBlockNotPresent:
		return "Block not present"
	case BitmapBlockPresent:
		return "Block present"
	}
	return "Unknown"
}

// makePayloadBatEntry builds an entry, offset must be a multiple of 1 MiB.
func makePayloadBatEntry(status PayloadBatEntryStatus, offset uint64) BatEntry {
	return offset | uint64(status)
}

func makeBitmapBatEntry(status BitmapBatEntryStatus, offset uint64) BatEntry {
	return offset | uint64(status)
}

func payloadBatStatusOffset(be BatEntry) (PayloadBatEntryStatus, uint64) {
	return PayloadBatEntryStatus(be & 0x7), be & payloadOffsetMask
}

func bitmapBatStatusOffset(be BatEntry) (BitmapBatEntryStatus, uint64) {
	return BitmapBatEntryStatus(be & 0x7), be & payloadOffsetMask
}
