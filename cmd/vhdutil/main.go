package main

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
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lingedeng/libvdk/vdk"
	"github.com/lingedeng/libvdk/vpc"
)

type options struct {
	DiskType     int
	ParentFile   string
	Size         string
	AbsolutePath string
	RelativePath string
	Modify       bool
	Read         string
	Write        string
	Bat          string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "vhdutil [flags] /path/to/vhd_file",
		Short: "create, inspect, read and write VHD virtual disks",
		Long: "vhdutil /path/to/vhd_file\n" +
			"vhdutil -c [2|3] -s x[M|G|T] /path/to/vhd_file\n" +
			"vhdutil -c 4 -p /path/to/parent_vhd_file /path/to/vhd_file\n" +
			"vhdutil -m -a 'parent_absolute_path' -e 'parent_relative_path' /path/to/vhd_file\n" +
			"vhdutil -r sector_num[:sectors(default:1)] /path/to/vhd_file\n" +
			"vhdutil -w sector_num[:sectors(default:1)] /path/to/vhd_file (for test)\n" +
			"vhdutil -b sector_num /path/to/vhd_file\n" +
			"vhdutil -c 0 /path/to/vhd_file (empty dynamic or differencing)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.DiskType, "create", "c", -1, "create disk of type: 0=empty, 2=fixed, 3=dynamic, 4=differencing")
	flags.StringVarP(&opts.Size, "size", "s", "", "disk size, valid unit is 'M', 'G', 'T', limited to 64T")
	flags.StringVarP(&opts.ParentFile, "parent", "p", "", "parent file for differencing disk")
	flags.StringVarP(&opts.AbsolutePath, "absolute-path", "a", "", "parent absolute path")
	flags.StringVarP(&opts.RelativePath, "relative-path", "e", "", "parent relative path")
	flags.BoolVarP(&opts.Modify, "modify-locator", "m", false, "modify parent locator in place")
	flags.StringVarP(&opts.Read, "read", "r", "", "read sectors: sector_num[:sectors]")
	flags.StringVarP(&opts.Write, "write", "w", "", "write test pattern: sector_num[:sectors]")
	flags.StringVarP(&opts.Bat, "bat", "b", "", "show the BAT entry and bitmap for a sector")
	return cmd
}

func run(cmd *cobra.Command, opts *options, file string) error {
	switch {
	case opts.DiskType == 0:
		if err := vpc.EmptyDisk(file); err != nil {
			fail("empty disk failed: %v", err)
		}
	case opts.DiskType != -1:
		return runCreate(cmd, opts, file)
	case opts.Modify:
		if opts.AbsolutePath == "" && opts.RelativePath == "" {
			cmd.Help()
			return fmt.Errorf("modify requires a parent path")
		}
		runModify(opts, file)
	case opts.Read != "":
		runRead(opts.Read, file)
	case opts.Write != "":
		runWrite(opts.Write, file)
	case opts.Bat != "":
		runBat(opts.Bat, file)
	default:
		v := openParsed(file, true, true)
		defer v.Close()
		v.Show()
	}
	return nil
}

func runCreate(cmd *cobra.Command, opts *options, file string) error {
	switch opts.DiskType {
	case 2, 3:
		size, ok := parseSize(opts.Size)
		if !ok {
			cmd.Help()
			return fmt.Errorf("invalid disk size: %s", opts.Size)
		}
		var err error
		if opts.DiskType == 2 {
			err = vpc.CreateFixed(file, size)
		} else {
			err = vpc.CreateDynamic(file, size)
		}
		if err != nil {
			fail("create vhd file failed: %v", err)
		}
	case 4:
		if opts.ParentFile == "" {
			cmd.Help()
			return fmt.Errorf("differencing disk requires a parent file")
		}
		if err := vpc.CreateDifferencing(file, opts.ParentFile, opts.AbsolutePath, opts.RelativePath); err != nil {
			fail("create vhd file failed: %v", err)
		}
	default:
		cmd.Help()
		return fmt.Errorf("invalid disk type: %d", opts.DiskType)
	}
	return nil
}

func runModify(opts *options, file string) {
	v, err := vpc.Load(file, false)
	if err != nil {
		fail("%v", err)
	}
	defer v.Close()
	if err = v.Parse(false); err != nil {
		fail("%v", err)
	}

	if v.DiskType() != vpc.DiskTypeDifferencing {
		fail("file: %s type is not differencing", file)
	}
	if err = v.ModifyParentLocator(opts.AbsolutePath, opts.RelativePath); err != nil {
		fail("modify parent locator failed: %v", err)
	}
}

func runRead(arg, file string) {
	sectorNum, nbSectors := parseSectorRange(arg)

	v := openParsed(file, true, true)
	defer v.Close()
	checkSectorRange(v.DiskSize(), sectorNum, file)

	batIdx := uint32(sectorNum / uint64(vpc.BlockSize>>vpc.SectorBytesShift))
	if v.DiskType() != vpc.DiskTypeFixed {
		fmt.Printf("sector num: %d at bat table[%d]: 0x%08X\n", sectorNum, batIdx, v.BatTable()[batIdx])
	}

	buf := make([]byte, uint64(nbSectors)<<vpc.SectorBytesShift)
	if err := v.Read(sectorNum, nbSectors, buf); err != nil {
		fail("read failed: %v", err)
	}
	printContent(buf, true)
}

func runWrite(arg, file string) {
	sectorNum, nbSectors := parseSectorRange(arg)

	v := openParsed(file, false, true)
	defer v.Close()
	checkSectorRange(v.DiskSize(), sectorNum, file)

	buf := make([]byte, uint64(nbSectors)<<vpc.SectorBytesShift)
	for i := range buf {
		buf[i] = byte(i)
	}
	if err := v.Write(sectorNum, nbSectors, buf); err != nil {
		fail("write failed: %v", err)
	}
}

func runBat(arg, file string) {
	sectorNum, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		fail("invalid sector num: %s", arg)
	}

	v := openParsed(file, true, true)
	defer v.Close()
	checkSectorRange(v.DiskSize(), sectorNum, file)

	bentry, bitmap, err := v.ReadBatEntryBitmap(sectorNum)
	if err != nil {
		fail("read bat entry bitmap failed: %v", err)
	}

	fmt.Printf("sector num: %d, bat entry: 0x%08X\n", sectorNum, bentry)
	if bitmap != nil {
		fmt.Printf("the sector belongs block bitmap:\n")
		printContent(bitmap, false)
	} else {
		fmt.Printf("the sector belongs block is not allocated\n")
	}
}

func openParsed(file string, readOnly, buildParents bool) *vpc.Vpc {
	v, err := vpc.Load(file, readOnly)
	if err != nil {
		fail("%v", err)
	}
	if err = v.Parse(buildParents); err != nil {
		v.Close()
		fail("%v", err)
	}
	return v
}

func checkSectorRange(diskSize, sectorNum uint64, file string) {
	maxSectorNum := diskSize >> vpc.SectorBytesShift
	if sectorNum >= maxSectorNum {
		fail("file: %s, requested #sector: %d exceeds max #sector: %d", file, sectorNum, maxSectorNum)
	}
}

func fail(format string, args ...any) {
	fmt.Printf(format+"\n", args...)
	os.Exit(-1)
}

// parseSize accepts <N>{M|G|T}, greater than zero and at most 64 TiB.
func parseSize(s string) (uint64, bool) {
	if len(s) < 2 {
		return 0, false
	}
	value, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, false
	}

	var size uint64
	switch s[len(s)-1] {
	case 'M':
		size = value * vdk.MiB
	case 'G':
		size = value * vdk.GiB
	case 'T':
		size = value * vdk.TiB
	default:
		return 0, false
	}

	if size == 0 || size > 64*vdk.TiB {
		fmt.Printf("disk size must > 0 and the max is 64T\n")
		return 0, false
	}
	return size, true
}

func parseSectorRange(arg string) (uint64, uint32) {
	sectorNum := uint64(0)
	nbSectors := uint32(1)

	part := arg
	if pos := strings.IndexByte(arg, ':'); pos != -1 {
		part = arg[:pos]
		n, err := strconv.ParseUint(arg[pos+1:], 10, 32)
		if err != nil || n == 0 {
			fail("invalid sector count: %s", arg[pos+1:])
		}
		nbSectors = uint32(n)
	}

	n, err := strconv.ParseUint(part, 10, 64)
	if err != nil {
		fail("invalid sector num: %s", part)
	}
	sectorNum = n
	return sectorNum, nbSectors
}

// printContent hex dumps buf, 16 bytes per line with an ASCII gutter.
func printContent(buf []byte, showAscii bool) {
	line := uint32(0)
	var asciiBuf [16]byte
	asciiIndex := 0

	for i := 0; i < len(buf); i++ {
		if i%16 == 0 {
			fmt.Printf("%08X: ", line)
			line += 16
		}

		fmt.Printf("%02X ", buf[i])
		if showAscii {
			if buf[i] >= 0x20 && buf[i] < 0x7F {
				asciiBuf[asciiIndex] = buf[i]
			} else {
				asciiBuf[asciiIndex] = '.'
			}
			asciiIndex++
		}

		if (i+1)%16 == 0 {
			if showAscii {
				fmt.Printf("%s", string(asciiBuf[:asciiIndex]))
				asciiIndex = 0
			}
			fmt.Printf("\n")
		}
	}
}
