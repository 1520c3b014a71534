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
	"fmt"

	"github.com/lingedeng/libvdk/vdk"
)

// Show prints the parsed footer, sparse header and parent locators.
func (v *Vpc) Show() {
	fmt.Printf("=== Footer ===\n--------------\n")
	fmt.Printf("cookie              : %s\n", string(footerCookie[:]))
	fmt.Printf("features            : 0x%08X\n", v.footer.Features)
	fmt.Printf("file format version : 0x%08X\n", v.footer.FileFormatVersion)
	fmt.Printf("data offset         : %d (0x%08X)\n", v.footer.DataOffset, v.footer.DataOffset)
	fmt.Printf("timestamp           : 0x%08X\n", v.footer.Timestamp)
	fmt.Printf("creator app         : %s\n", string(v.footer.CreatorApp[:]))
	fmt.Printf("creator version     : 0x%08X\n", v.footer.CreatorVersion)
	fmt.Printf("creator host os     : %s\n", string(v.footer.CreatorHostOs[:]))
	fmt.Printf("original size       : %d (0x%X)\n", v.footer.OriginalSize, v.footer.OriginalSize)
	fmt.Printf("current size        : %d (0x%X)\n", v.footer.CurrentSize, v.footer.CurrentSize)
	fmt.Printf("CHS                 : c: %d, h: %d, s: %d\n",
		v.footer.DiskGeometry.Cylinder, v.footer.DiskGeometry.Heads, v.footer.DiskGeometry.SectorsPerTrack)
	fmt.Printf("disk type           : %s\n", v.DiskType())
	fmt.Printf("checksum            : 0x%08X\n", v.footer.Checksum)
	fmt.Printf("disk uuid           : %s\n", vdk.GUIDFromBytes(v.footer.UniqueID).String())

	if v.DiskType() == DiskTypeFixed {
		return
	}

	fmt.Printf("\n=== Header ===\n--------------\n")
	fmt.Printf("cookie            : %s\n", string(headerCookie[:]))
	fmt.Printf("data offset       : 0x%016X\n", v.header.DataOffset)
	fmt.Printf("table offset      : %d (0x%08X)\n", v.header.TableOffset, v.header.TableOffset)
	fmt.Printf("header version    : 0x%08X\n", v.header.HeaderVersion)
	fmt.Printf("max table entries : %d (0x%08X)\n", v.header.MaxTableEntries, v.header.MaxTableEntries)
	fmt.Printf("block size        : %d (0x%08X)\n", v.header.BlockSize, v.header.BlockSize)
	fmt.Printf("checksum          : 0x%08X\n", v.header.Checksum)
	fmt.Printf("parent disk uuid  : %s\n", vdk.GUIDFromBytes(v.header.ParentUniqueID).String())
	fmt.Printf("parent timestamp  : 0x%08X\n", v.header.ParentTimestamp)
	if name, err := vdk.Utf16BEToUtf8(v.header.ParentUnicodeName[:]); err == nil {
		fmt.Printf("parent disk name  : %s\n", name)
	}

	if v.DiskType() != DiskTypeDifferencing {
		return
	}

	fmt.Printf("\n=== Parent locator ===\n----------------------\n")
	for i := range v.header.ParentLocators {
		ple := &v.header.ParentLocators[i]
		if ple.PlatformCode == platformCodeNone {
			continue
		}

		fmt.Printf("locator : %d\n", i)
		switch ple.PlatformCode {
		case platformCodeW2ru:
			fmt.Printf("\tdata code    : %s\n", string(platformCodeW2ru[:]))
			fmt.Printf("\tdata value   : %s\n", v.parentRelativePath)
		case platformCodeW2ku:
			fmt.Printf("\tdata code    : %s\n", string(platformCodeW2ku[:]))
			fmt.Printf("\tdata value   : %s\n", v.parentAbsolutePath)
		default:
			fmt.Printf("\tdata code    : %s (Not Support)\n", string(ple.PlatformCode[:]))
		}
		fmt.Printf("\tdata space   : %d (0x%08X)\n", ple.PlatformDataSpace, ple.PlatformDataSpace)
		fmt.Printf("\tdata length  : %d (0x%08X)\n", ple.PlatformDataLength, ple.PlatformDataLength)
		fmt.Printf("\tdata offset  : %d (0x%08X)\n", ple.PlatformDataOffset, ple.PlatformDataOffset)
	}
	fmt.Printf("\n")
}
