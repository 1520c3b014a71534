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
	"github.com/lingedeng/libvdk/vhdx"
)

type options struct {
	DiskType     int
	ParentFile   string
	Size         string
	AbsolutePath string
	RelativePath string
	Modify       bool
	Read         string
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
		Use:   "vhdxutil [flags] /path/to/vhdx_file",
		Short: "create, inspect, read and write VHDX virtual disks",
		Long: "vhdxutil /path/to/vhdx_file\n" +
			"vhdxutil -c [2|3] -s x[M|G|T] /path/to/vhdx_file\n" +
			"vhdxutil -c 4 -p /path/to/parent_vhdx_file /path/to/vhdx_file\n" +
			"vhdxutil -m -a 'parent_absolute_path' -e 'parent_relative_path' /path/to/vhdx_file\n" +
			"vhdxutil -r sector_num[:sectors(default:1)] /path/to/vhdx_file\n" +
			"vhdxutil -b sector_num /path/to/vhdx_file (read bat table per one chunk)",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, &opts, args[0])
		},
	}

	flags := cmd.Flags()
	flags.IntVarP(&opts.DiskType, "create", "c", -1, "create disk of type: 2=fixed, 3=dynamic, 4=differencing")
	flags.StringVarP(&opts.Size, "size", "s", "", "disk size, valid unit is 'M', 'G', 'T', limited to 64T")
	flags.StringVarP(&opts.ParentFile, "parent", "p", "", "parent file for differencing disk")
	flags.StringVarP(&opts.AbsolutePath, "absolute-path", "a", "", "parent absolute path")
	flags.StringVarP(&opts.RelativePath, "relative-path", "e", "", "parent relative path")
	flags.BoolVarP(&opts.Modify, "modify-locator", "m", false, "modify parent locator in place")
	flags.StringVarP(&opts.Read, "read", "r", "", "read sectors: sector_num[:sectors]")
	flags.StringVarP(&opts.Bat, "bat", "b", "", "show the payload BAT entry for a sector (differencing: also bitmap entry and chunk)")
	return cmd
}

func run(cmd *cobra.Command, opts *options, file string) error {
	switch {
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
	case opts.Bat != "":
		runBat(opts.Bat, file)
	default:
		v := openParsed(file, true)
		defer v.Close()
		v.ShowHeaderSection()
		v.ShowMetadataSection()
		if v.DiskType() == vhdx.DiskTypeDifferencing && v.BuildParentList() == nil {
			v.ShowParentInfo()
		}
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
			err = vhdx.CreateFixed(file, size)
		} else {
			err = vhdx.CreateDynamic(file, size)
		}
		if err != nil {
			fail("create vhdx file failed: %v", err)
		}
	case 4:
		if opts.ParentFile == "" {
			cmd.Help()
			return fmt.Errorf("differencing disk requires a parent file")
		}
		if err := vhdx.CreateDifferencing(file, opts.ParentFile, opts.AbsolutePath, opts.RelativePath); err != nil {
			fail("create vhdx file failed: %v", err)
		}
	default:
		cmd.Help()
		return fmt.Errorf("invalid disk type: %d", opts.DiskType)
	}
	return nil
}

func runModify(opts *options, file string) {
	v := openParsed(file, false)
	defer v.Close()

	if v.DiskType() != vhdx.DiskTypeDifferencing {
		fail("file: %s type is not differencing", file)
	}
	if err := v.ModifyParentLocator(opts.AbsolutePath, opts.RelativePath); err != nil {
		fail("modify parent locator failed: %v", err)
	}
}

func runRead(arg, file string) {
	sectorNum, nbSectors := parseSectorRange(arg)

	v := openParsed(file, true)
	defer v.Close()
	checkSectorRange(v, sectorNum, file)

	buf := make([]byte, uint64(nbSectors)<<v.LogicalSectorSizeBits())
	if err := v.Read(sectorNum, nbSectors, buf); err != nil {
		fail("read failed: %v", err)
	}
	printContent(buf, true)
}

// runBat shows the payload BAT entry covering the sector; for differencing
// disks it also shows the bitmap BAT entry and dumps the surrounding chunk's
// BAT values. For fixed and dynamic disks only the payload entry is printed.
func runBat(arg, file string) {
	sectorNum, err := strconv.ParseUint(arg, 10, 64)
	if err != nil {
		fail("invalid sector num: %s", arg)
	}

	v := openParsed(file, true)
	defer v.Close()
	checkSectorRange(v, sectorNum, file)

	batIndex := uint32(sectorNum >> v.SectorsPerBlockBits())
	batIndex += batIndex >> v.ChunkRatioBits()

	pe := v.Bat()[batIndex]
	pstatus := vhdx.PayloadBatEntryStatus(pe & 0x7)
	poffset := pe &^ 0xFFFFF
	fmt.Printf("#sector: %d, payload bat index: %d, raw value: 0x%016X\n", sectorNum, batIndex, pe)
	fmt.Printf("status: %s, offset: 0x%016X\n\n", pstatus, poffset)

	if v.DiskType() != vhdx.DiskTypeDifferencing {
		return
	}

	batIdxInChunk := batIndex >> v.ChunkRatioBits()
	bbatIndex := (batIdxInChunk+1)<<v.ChunkRatioBits() + batIdxInChunk

	be := v.Bat()[bbatIndex]
	bstatus := vhdx.BitmapBatEntryStatus(be & 0x7)
	boffset := be &^ 0xFFFFF
	fmt.Printf("#sector: %d, bitmap bat index: %d, raw value: 0x%016X\n", sectorNum, bbatIndex, be)
	fmt.Printf("status: %s, offset: 0x%016X\n\n", bstatus, boffset)

	batIdxBegin := batIdxInChunk*v.ChunkRatio() + batIdxInChunk
	fmt.Printf("bat index: %d, chunk bat index begin: %d\n", batIndex, batIdxBegin)
	for i := uint32(0); i <= v.ChunkRatio(); i++ {
		if batIdxBegin+i >= uint32(len(v.Bat())) {
			break
		}
		if i%4 == 0 {
			fmt.Printf("%08X: ", i)
		}
		fmt.Printf("%016x ", v.Bat()[batIdxBegin+i])
		if (i+1)%4 == 0 {
			fmt.Printf("\n")
		}
	}
	fmt.Printf("\n")
}

func openParsed(file string, readOnly bool) *vhdx.Vhdx {
	v, err := vhdx.Load(file, readOnly)
	if err != nil {
		fail("%v", err)
	}
	if err = v.Parse(); err != nil {
		v.Close()
		fail("%v", err)
	}
	return v
}

func checkSectorRange(v *vhdx.Vhdx, sectorNum uint64, file string) {
	maxSectorNum := v.DiskSize() >> v.LogicalSectorSizeBits()
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
