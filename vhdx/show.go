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

import (
	"fmt"

	"github.com/lingedeng/libvdk/vdk"
)

// ShowHeaderSection prints the file identifier, both headers and both
// region tables, marking unreadable fields but continuing past them.
func (v *Vhdx) ShowHeaderSection() {
	hs := v.hdrSection

	fmt.Printf("=== file identifier ===\n")
	fmt.Printf("signature : %s\n", string(hs.fileIdentifier.Signature[:]))
	if creator, err := vdk.Utf16LEToUtf8(hs.fileIdentifier.Creator[:]); err == nil {
		fmt.Printf("creator   : %s\n\n", creator)
	}

	for i := 0; i < 2; i++ {
		h := &hs.headers[i]
		fmt.Printf("=== Header[%d] ===\n", i)
		fmt.Printf("signature       : %s\n", string(h.Signature[:]))
		fmt.Printf("checksum        : 0x%X\n", h.Checksum)
		fmt.Printf("SequenceNumber  : %d (0x%X)\n", h.SeqNum, h.SeqNum)
		fmt.Printf("file write guid : %s\n", h.FileWriteGuid)
		fmt.Printf("data write guid : %s\n", h.DataWriteGuid)
		fmt.Printf("log guid        : %s\n", h.LogGuid)
		fmt.Printf("log version     : %d\n", h.LogVersion)
		fmt.Printf("file version    : %d\n", h.Version)
		fmt.Printf("log length      : %d (0x%X)\n", h.LogLength, h.LogLength)
		fmt.Printf("log offset      : %d (0x%X)\n\n", h.LogOffset, h.LogOffset)
	}

	for i := 0; i < 2; i++ {
		rt := &hs.regionTables[i]
		fmt.Printf("=== Region header[%d] ===\n", i)
		fmt.Printf("signature   : %s\n", string(rt.Header.Signature[:]))
		fmt.Printf("checksum    : 0x%08X\n", rt.Header.Checksum)
		fmt.Printf("entry count : %d\n", rt.Header.EntryCount)

		for j := 0; j < 2; j++ {
			kind := "Metadata"
			if rt.Entries[j].Guid == batRegionGuid {
				kind = "BAT"
			}
			fmt.Printf("Region entry[%d]\n", j)
			fmt.Printf("\tguid        : %s (%s)\n", rt.Entries[j].Guid, kind)
			fmt.Printf("\tfile offset : %d (0x%X)\n", rt.Entries[j].FileOffset, rt.Entries[j].FileOffset)
			fmt.Printf("\tlength      : %d (0x%X)\n", rt.Entries[j].Length, rt.Entries[j].Length)
			fmt.Printf("\trequired    : %d\n\n", rt.Entries[j].Required)
		}
	}
}

// ShowMetadataSection prints the metadata items and the derived BAT
// geometry.
func (v *Vhdx) ShowMetadataSection() {
	ms := v.mtdSection

	fmt.Printf("=== metadata ===\n")
	fmt.Printf("block size           : %d\n", ms.fileParameters.BlockSizeInBytes)
	fmt.Printf("file size            : %d\n", ms.virtualDiskSize)
	fmt.Printf("file guid            : %s\n", ms.virtualDiskGuid)
	fmt.Printf("logical sector size  : %d\n", ms.logicalSectorSize)
	fmt.Printf("physical sector size : %d\n\n", ms.physicalSectorSize)
	fmt.Printf("disk type            : %s\n\n", ms.diskType())

	if ms.diskType() == DiskTypeDifferencing {
		fmt.Printf("linkage              : %s\n", ms.parentLinkage)
		fmt.Printf("linkage2             : %s\n", ms.parentLinkage2)
		fmt.Printf("relative_path        : %s\n", ms.parentRelativePath)
		fmt.Printf("volume_path          : %s\n", ms.parentVolumePath)
		fmt.Printf("absolute_win32_path  : %s\n\n", ms.parentAbsoluteWin32Path)
	}

	fmt.Printf("chunk ratio          : %d\n", ms.chunkRatio)
	fmt.Printf("data block count     : %d\n", ms.dataBlockCount)
	fmt.Printf("bitmap block count   : %d\n", ms.bitmapBlockCount)
	fmt.Printf("total bat count      : %d\n\n", ms.totalBatCount)
}

// ShowLogEntries walks the log ring and prints every readable entry.
func (v *Vhdx) ShowLogEntries() {
	v.logSection.show()
}

// ShowParentInfo prints the metadata of every resolved parent.
func (v *Vhdx) ShowParentInfo() {
	fmt.Printf("=== parent ===\n")
	for _, parent := range v.parents {
		parent.ShowMetadataSection()
	}
}

func printLogEntryHeader(readOffset uint32, hdr *LogEntryHeader) {
	fmt.Printf("=== Log entry at offset[0x%08X] ===\n", readOffset)
	fmt.Printf("signature         : %s\n", string(hdr.Signature[:]))
	fmt.Printf("checksum          : 0x%08X\n", hdr.Checksum)
	fmt.Printf("entry length      : %d (0x%08X)\n", hdr.EntryLength, hdr.EntryLength)
	fmt.Printf("tail              : %d (0x%08X)\n", hdr.Tail, hdr.Tail)
	fmt.Printf("sequence num      : %d\n", hdr.SeqNum)
	fmt.Printf("descriptor count  : %d\n", hdr.DescCount)
	fmt.Printf("log guid          : %s\n", hdr.Guid)
	fmt.Printf("flush file offset : %d (0x%X)\n", hdr.FlushedFileOffset, hdr.FlushedFileOffset)
	fmt.Printf("last file offset  : %d (0x%X)\n", hdr.LastFileOffset, hdr.LastFileOffset)
}

func printLogDescriptor(desc *LogDescriptor) {
	switch desc.Signature {
	case dataDescriptorSignature:
		fmt.Printf("\tsignature    : %s\n", string(desc.Signature[:]))
		fmt.Printf("\ttrail bytes  : 0x%08X\n", desc.TrailingBytes)
		fmt.Printf("\tlead  bytes  : 0x%X\n", desc.LeadingBytes)
	case zeroDescriptorSignature:
		fmt.Printf("\tsignature    : %s\n", string(desc.Signature[:]))
		fmt.Printf("\tzero length  : %d (0x%X)\n", desc.zeroLength(), desc.zeroLength())
	default:
		fmt.Printf("\tsignature    : unknown\n")
	}
	fmt.Printf("\tfile offset  : %d (0x%X)\n", desc.FileOffset, desc.FileOffset)
	fmt.Printf("\tsequence num : %d\n", desc.SeqNum)
}
