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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingedeng/libvdk/vdk"
)

func openVpc(t *testing.T, file string, readOnly bool) *Vpc {
	v, err := Load(file, readOnly)
	require.Nil(t, err)
	require.Nil(t, v.Parse(true))
	return v
}

func Test_vpc_create_dynamic_parse(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhd")

	err := CreateDynamic(file, 2*vdk.MiB)
	assert.Nil(t, err)

	v := openVpc(t, file, true)
	defer v.Close()

	assert.Equal(t, DiskTypeDynamic, v.DiskType())
	assert.Equal(t, 2*vdk.MiB, v.DiskSize())
	assert.Equal(t, uint32(1), v.MaxBatTableEntries())
	assert.Equal(t, uint64(FooterSize+HeaderSize), v.BatTableOffset())
	assert.Equal(t, uint32(BlockSize>>SectorBytesShift), v.SectorsPerBlock())
	assert.Equal(t, batEntryUnused, v.BatTable()[0])
	assert.Equal(t, footerCookie, v.Footer().Cookie)
}

func Test_vpc_leading_trailing_footer_agree(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhd")
	require.Nil(t, CreateDynamic(file, 2*vdk.MiB))

	raw, err := os.ReadFile(file)
	require.Nil(t, err)
	assert.Equal(t, raw[:FooterSize], raw[len(raw)-FooterSize:])
}

func Test_vpc_dynamic_read_write(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhd")
	require.Nil(t, CreateDynamic(file, 2*vdk.MiB))

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse(true))

	// a never-written sector reads as zeroes
	buf := make([]byte, SectorSize)
	assert.Nil(t, v.Read(0, 1, buf))
	assert.Equal(t, make([]byte, SectorSize), buf)

	pattern := make([]byte, SectorSize)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	assert.Nil(t, v.Write(0, 1, pattern))
	assert.Nil(t, v.Close())

	v = openVpc(t, file, true)
	defer v.Close()

	out := make([]byte, SectorSize)
	assert.Nil(t, v.Read(0, 1, out))
	assert.Equal(t, pattern, out)
	assert.NotEqual(t, batEntryUnused, v.BatTable()[0])

	size, err := os.Stat(file)
	require.Nil(t, err)
	assert.GreaterOrEqual(t, uint64(size.Size()), uint64(1024+512+2*vdk.MiB+512))

	// the sector after the written one stays zero inside the same block
	assert.Nil(t, v.Read(1, 1, out))
	assert.Equal(t, make([]byte, SectorSize), out)
}

func Test_vpc_write_cross_block_boundary(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhd")
	require.Nil(t, CreateDynamic(file, 4*vdk.MiB))

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse(true))
	defer v.Close()

	sectorsPerBlock := uint64(v.SectorsPerBlock())
	start := sectorsPerBlock - 3
	nb := uint32(6)

	pattern := make([]byte, uint64(nb)*SectorSize)
	for i := range pattern {
		pattern[i] = byte(i % 251)
	}
	assert.Nil(t, v.Write(start, nb, pattern))

	assert.NotEqual(t, batEntryUnused, v.BatTable()[0])
	assert.NotEqual(t, batEntryUnused, v.BatTable()[1])

	out := make([]byte, len(pattern))
	assert.Nil(t, v.Read(start, nb, out))
	assert.Equal(t, pattern, out)
}

func Test_vpc_fixed_read_write(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f.vhd")
	require.Nil(t, CreateFixed(file, 2*vdk.MiB))

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse(true))
	defer v.Close()

	assert.Equal(t, DiskTypeFixed, v.DiskType())

	buf := make([]byte, SectorSize)
	assert.Nil(t, v.Read(10, 1, buf))
	assert.Equal(t, make([]byte, SectorSize), buf)

	pattern := make([]byte, SectorSize)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	assert.Nil(t, v.Write(10, 1, pattern))

	out := make([]byte, SectorSize)
	assert.Nil(t, v.Read(10, 1, out))
	assert.Equal(t, pattern, out)
}

func Test_vpc_read_out_of_range(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhd")
	require.Nil(t, CreateDynamic(file, 2*vdk.MiB))

	v := openVpc(t, file, true)
	defer v.Close()

	maxSectors := v.DiskSize() >> SectorBytesShift
	buf := make([]byte, 2*SectorSize)

	assert.Nil(t, v.Read(maxSectors-1, 1, buf))
	assert.ErrorIs(t, v.Read(maxSectors, 1, buf), vdk.ErrEndOfRange)
	assert.ErrorIs(t, v.Read(maxSectors-1, 2, buf), vdk.ErrEndOfRange)
}

func Test_vpc_differencing_chain(t *testing.T) {
	dir := t.TempDir()
	parentFile := filepath.Join(dir, "p.vhd")
	childFile := filepath.Join(dir, "c.vhd")

	require.Nil(t, CreateDynamic(parentFile, 2*vdk.MiB))

	patternA := make([]byte, 8*SectorSize)
	for i := range patternA {
		patternA[i] = 0xAA
	}
	p, err := Load(parentFile, false)
	require.Nil(t, err)
	require.Nil(t, p.Parse(true))
	require.Nil(t, p.Write(0, 8, patternA))
	require.Nil(t, p.Close())

	require.Nil(t, CreateDifferencing(childFile, parentFile, "", ""))

	c, err := Load(childFile, false)
	require.Nil(t, err)
	require.Nil(t, c.Parse(true))
	defer c.Close()

	assert.Equal(t, DiskTypeDifferencing, c.DiskType())
	assert.Equal(t, 2*vdk.MiB, c.DiskSize())

	patternB := make([]byte, SectorSize)
	for i := range patternB {
		patternB[i] = 0xBB
	}
	require.Nil(t, c.Write(0, 1, patternB))

	out := make([]byte, 8*SectorSize)
	require.Nil(t, c.Read(0, 8, out))

	// sector 0 comes from the child, the rest from the parent
	assert.Equal(t, patternB, out[:SectorSize])
	assert.Equal(t, patternA[SectorSize:], out[SectorSize:])

	// sectors present in neither disk read as zeroes
	zero := make([]byte, 8*SectorSize)
	require.Nil(t, c.Read(100, 8, out))
	assert.Equal(t, zero, out)

	// the child block carries a bitmap with only the written sector set
	bentry, bitmap, err := c.ReadBatEntryBitmap(0)
	require.Nil(t, err)
	assert.NotEqual(t, batEntryUnused, bentry)
	assert.Equal(t, uint8(0x80), bitmap[0])
	for _, b := range bitmap[1:] {
		assert.Equal(t, uint8(0), b)
	}
}

func Test_vpc_differencing_linkage_mismatch(t *testing.T) {
	dir := t.TempDir()
	parentFile := filepath.Join(dir, "p.vhd")
	childFile := filepath.Join(dir, "c.vhd")

	require.Nil(t, CreateDynamic(parentFile, 2*vdk.MiB))
	require.Nil(t, CreateDifferencing(childFile, parentFile, "", ""))

	// recreating the parent gives it a new unique id
	require.Nil(t, os.Remove(parentFile))
	require.Nil(t, CreateDynamic(parentFile, 2*vdk.MiB))

	c, err := Load(childFile, true)
	require.Nil(t, err)
	defer c.Close()
	assert.ErrorIs(t, c.Parse(true), vdk.ErrLinkageMismatch)
}

func Test_vpc_differencing_parent_not_found(t *testing.T) {
	dir := t.TempDir()
	parentFile := filepath.Join(dir, "p.vhd")
	childFile := filepath.Join(dir, "c.vhd")

	require.Nil(t, CreateDynamic(parentFile, 2*vdk.MiB))
	require.Nil(t, CreateDifferencing(childFile, parentFile, "", ""))
	require.Nil(t, os.Remove(parentFile))

	c, err := Load(childFile, true)
	require.Nil(t, err)
	defer c.Close()
	assert.ErrorIs(t, c.Parse(true), vdk.ErrNotFound)
}

func Test_vpc_empty_disk(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhd")
	require.Nil(t, CreateDynamic(file, 4*vdk.MiB))

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse(true))
	pattern := make([]byte, SectorSize)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	require.Nil(t, v.Write(0, 1, pattern))
	require.Nil(t, v.Close())

	require.Nil(t, EmptyDisk(file))

	v = openVpc(t, file, true)
	defer v.Close()
	for _, be := range v.BatTable() {
		assert.Equal(t, batEntryUnused, be)
	}

	out := make([]byte, SectorSize)
	assert.Nil(t, v.Read(0, 1, out))
	assert.Equal(t, make([]byte, SectorSize), out)

	batBytes := vdk.RoundUp(uint64(v.MaxBatTableEntries())<<2, uint64(SectorSize))
	fi, err := os.Stat(file)
	require.Nil(t, err)
	assert.Equal(t, v.BatTableOffset()+batBytes+FooterSize, uint64(fi.Size()))
}

func Test_vpc_trailing_footer_fallback(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhd")
	require.Nil(t, CreateDynamic(file, 2*vdk.MiB))

	// corrupt the trailing footer cookie, parse falls back to the leading
	// copy
	f, err := os.OpenFile(file, os.O_RDWR, 0)
	require.Nil(t, err)
	fi, err := f.Stat()
	require.Nil(t, err)
	_, err = f.WriteAt([]byte{'X'}, fi.Size()-FooterSize)
	require.Nil(t, err)
	require.Nil(t, f.Close())

	v := openVpc(t, file, true)
	defer v.Close()
	assert.Equal(t, DiskTypeDynamic, v.DiskType())
}

func Test_vpc_footer_checksum_mismatch(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f.vhd")
	require.Nil(t, CreateFixed(file, 2*vdk.MiB))

	// flip a payload byte of the only footer copy
	f, err := os.OpenFile(file, os.O_RDWR, 0)
	require.Nil(t, err)
	fi, err := f.Stat()
	require.Nil(t, err)
	_, err = f.WriteAt([]byte{0xFF}, fi.Size()-FooterSize+100)
	require.Nil(t, err)
	require.Nil(t, f.Close())

	v, err := Load(file, true)
	require.Nil(t, err)
	defer v.Close()
	assert.ErrorIs(t, v.Parse(false), vdk.ErrCorrupt)
}

func Test_vpc_modify_parent_locator(t *testing.T) {
	dir := t.TempDir()
	parentFile := filepath.Join(dir, "p.vhd")
	childFile := filepath.Join(dir, "c.vhd")

	require.Nil(t, CreateDynamic(parentFile, 2*vdk.MiB))
	require.Nil(t, CreateDifferencing(childFile, parentFile, "", ""))

	v, err := Load(childFile, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse(false))
	require.Nil(t, v.ModifyParentLocator(parentFile, "p.vhd"))
	require.Nil(t, v.Close())

	v, err = Load(childFile, true)
	require.Nil(t, err)
	defer v.Close()
	require.Nil(t, v.Parse(false))
	assert.Equal(t, parentFile, v.ParentAbsolutePath())
	assert.Equal(t, "p.vhd", v.ParentRelativePath())
}

func Test_vpc_disk_geometry(t *testing.T) {
	dg := calcDiskGeometry((2 * vdk.MiB) >> SectorBytesShift)
	assert.Equal(t, uint8(17), dg.SectorsPerTrack)
	assert.Equal(t, uint8(4), dg.Heads)
	assert.Equal(t, uint16(60), dg.Cylinder)

	dg = calcDiskGeometry(uint64(65535) * 16 * 63)
	assert.Equal(t, uint8(255), dg.SectorsPerTrack)
	assert.Equal(t, uint8(16), dg.Heads)

	// the cap applies above 65535*16*255 total sectors
	dg = calcDiskGeometry(uint64(65535) * 16 * 255 * 2)
	assert.Equal(t, uint16(65535), dg.Cylinder)
}

func Test_vpc_checksum_round_trip(t *testing.T) {
	var f Footer
	f.Cookie = footerCookie
	f.CurrentSize = 2 * vdk.MiB
	f.Checksum = calcFooterChecksum(&f)

	buf := serializeFooter(&f)
	var parsed Footer
	require.Nil(t, deserializeFooter(buf, &parsed))
	assert.Equal(t, f, parsed)

	stored := parsed.Checksum
	assert.Equal(t, stored, calcFooterChecksum(&parsed))
}
