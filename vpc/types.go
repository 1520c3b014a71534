package vpc

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

import (
	"bytes"
	"encoding/binary"

	"github.com/lingedeng/libvdk/vdk"
)

/*
 * All values in the VHD format, unless otherwise specified, are stored in
 * network byte order (big endian).
 */

var (
	footerCookie = [8]byte{'c', 'o', 'n', 'e', 'c', 't', 'i', 'x'}
	headerCookie = [8]byte{'c', 'x', 's', 'p', 'a', 'r', 's', 'e'}

	creatorApp    = [4]byte{'v', 'd', 'k', 0}
	creatorHostOs = [4]byte{'W', 'O', 'R', 'L'} // windows or linux

	platformCodeNone = [4]byte{0, 0, 0, 0}
	platformCodeW2ru = [4]byte{'W', '2', 'r', 'u'} // relative path, UTF-16-LE
	platformCodeW2ku = [4]byte{'W', '2', 'k', 'u'} // absolute path, UTF-16-LE
)

const (
	footerFeatures    = 0x00000002
	fileFormatVersion = 0x00010000
	creatorVersion    = 0x00000001
	headerVersion     = 0x00010000

	FooterSize = 512
	HeaderSize = 1024

	SectorBytesShift = 9
	SectorSize       = 1 << SectorBytesShift

	BlockBytesShift = 21
	BlockSize       = 1 << BlockBytesShift // 2 MiB

	BitmapSize       = SectorSize
	SectorsPerBitmap = SectorSize << 3

	invalidDataOffset = uint64(0xFFFFFFFFFFFFFFFF)
)

/* VHD uses an epoch of 12:00AM, Jan 1, 2000. This is the Unix timestamp for
 * the start of the VHD epoch. */
const vhdEpochStart = 946684800

type DiskType uint32

const (
	DiskTypeFixed        DiskType = 2
	DiskTypeDynamic      DiskType = 3
	DiskTypeDifferencing DiskType = 4
)

func (t DiskType) String() string {
	switch t {
	case DiskTypeFixed:
		return "Fixed"
	case DiskTypeDynamic:
		return "Dynamic"
	case DiskTypeDifferencing:
		return "Differencing"
	}
	return "Unknown"
}

type DiskGeometry struct {
	Cylinder        uint16
	Heads           uint8
	SectorsPerTrack uint8
}

// Footer is the 512-byte hard disk footer, stored at the end of the file
// and, for dynamic and differencing disks, mirrored at offset 0.
type Footer struct {
	Cookie            [8]byte
	Features          uint32
	FileFormatVersion uint32
	DataOffset        uint64
	Timestamp         uint32
	CreatorApp        [4]byte
	CreatorVersion    uint32
	CreatorHostOs     [4]byte
	OriginalSize      uint64
	CurrentSize       uint64
	DiskGeometry      DiskGeometry
	DiskType          uint32
	Checksum          uint32
	UniqueID          [16]byte
	SavedState        uint8
	Reserved          [427]byte
}

type ParentLocatorEntry struct {
	PlatformCode       [4]byte
	PlatformDataSpace  uint32
	PlatformDataLength uint32
	Reserved           uint32
	PlatformDataOffset uint64
}

// Header is the 1024-byte dynamic disk header, pointed to by the footer's
// data offset.
type Header struct {
	Cookie            [8]byte
	DataOffset        uint64
	TableOffset       uint64
	HeaderVersion     uint32
	MaxTableEntries   uint32
	BlockSize         uint32
	Checksum          uint32
	ParentUniqueID    [16]byte
	ParentTimestamp   uint32
	Reserved1         uint32
	ParentUnicodeName [512]byte
	ParentLocators    [8]ParentLocatorEntry
	Reserved2         [256]byte
}

type BatEntry = uint32

const batEntryUnused = BatEntry(0xFFFFFFFF)

const (
	footerChecksumOffset = 64
	headerChecksumOffset = 36
)

func serializeFooter(f *Footer) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, f)
	return buf.Bytes()
}

func deserializeFooter(b []byte, f *Footer) error {
	if len(b) < FooterSize {
		return vdk.ErrCorrupt
	}
	return binary.Read(bytes.NewReader(b), binary.BigEndian, f)
}

func serializeHeader(h *Header) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, h)
	return buf.Bytes()
}

func deserializeHeader(b []byte, h *Header) error {
	if len(b) < HeaderSize {
		return vdk.ErrCorrupt
	}
	return binary.Read(bytes.NewReader(b), binary.BigEndian, h)
}

// calcFooterChecksum is the ones-complement sum over the wire form with the
// checksum field zeroed.
func calcFooterChecksum(f *Footer) uint32 {
	buf := serializeFooter(f)
	for i := footerChecksumOffset; i < footerChecksumOffset+4; i++ {
		buf[i] = 0
	}
	return vdk.Checksum(buf)
}

func calcHeaderChecksum(h *Header) uint32 {
	buf := serializeHeader(h)
	for i := headerChecksumOffset; i < headerChecksumOffset+4; i++ {
		buf[i] = 0
	}
	return vdk.Checksum(buf)
}

/* classical CHS computation for the footer's disk geometry field */
func calcDiskGeometry(totalSectors uint64) DiskGeometry {
	var dg DiskGeometry

	if totalSectors > 65535*16*255 {
		totalSectors = 65535 * 16 * 255
	}

	var cylinderTimesHeads uint64
	if totalSectors >= 65535*16*63 {
		dg.SectorsPerTrack = 255
		dg.Heads = 16
		cylinderTimesHeads = totalSectors / uint64(dg.SectorsPerTrack)
	} else {
		dg.SectorsPerTrack = 17
		cylinderTimesHeads = totalSectors / uint64(dg.SectorsPerTrack)

		dg.Heads = uint8((cylinderTimesHeads + 1023) / 1024)
		if dg.Heads < 4 {
			dg.Heads = 4
		}
		if cylinderTimesHeads >= uint64(dg.Heads)*1024 || dg.Heads > 16 {
			dg.SectorsPerTrack = 31
			dg.Heads = 16
			cylinderTimesHeads = totalSectors / uint64(dg.SectorsPerTrack)
		}
		if cylinderTimesHeads >= uint64(dg.Heads)*1024 {
			dg.SectorsPerTrack = 63
			dg.Heads = 16
			cylinderTimesHeads = totalSectors / uint64(dg.SectorsPerTrack)
		}
	}

	dg.Cylinder = uint16(cylinderTimesHeads / uint64(dg.Heads))
	return dg
}
