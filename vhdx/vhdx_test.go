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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingedeng/libvdk/vdk"
)

func openVhdx(t *testing.T, file string, readOnly bool) *Vhdx {
	v, err := Load(file, readOnly)
	require.Nil(t, err)
	require.Nil(t, v.Parse())
	return v
}

func Test_vhdx_create_dynamic_geometry(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	v := openVhdx(t, file, true)
	defer v.Close()

	assert.Equal(t, DiskTypeDynamic, v.DiskType())
	assert.Equal(t, 32*vdk.MiB, v.DiskSize())
	assert.Equal(t, uint32(8*vdk.MiB), v.BlockSize())
	assert.Equal(t, uint32(512), v.LogicalSectorSize())
	assert.Equal(t, uint32(4096), v.PhysicalSectorSize())
	assert.Equal(t, uint32(16384), v.SectorsPerBlock())
	assert.Equal(t, uint32(512), v.ChunkRatio())
	assert.Equal(t, uint32(4), v.DataBlockCount())
	assert.Equal(t, uint32(1), v.BitmapBlockCount())
	assert.Equal(t, uint32(4), v.TotalBatCount())

	for _, be := range v.Bat() {
		status, offset := payloadBatStatusOffset(be)
		assert.Equal(t, PayloadBlockNotPresent, status)
		assert.Equal(t, uint64(0), offset)
	}
}

func Test_vhdx_block_size_scaling(t *testing.T) {
	var ms metadataSection
	ms.initContent(DiskTypeDynamic, 2*vdk.GiB, 0, 0, 0)
	assert.Equal(t, uint32(16*vdk.MiB), ms.blockSize())

	ms = metadataSection{}
	ms.initContent(DiskTypeDynamic, 200*vdk.GiB, 0, 0, 0)
	assert.Equal(t, uint32(32*vdk.MiB), ms.blockSize())

	ms = metadataSection{}
	ms.initContent(DiskTypeDynamic, 33*vdk.TiB, 0, 0, 0)
	assert.Equal(t, uint32(64*vdk.MiB), ms.blockSize())
}

func Test_vhdx_differencing_bat_geometry(t *testing.T) {
	var ms metadataSection
	ms.fileParameters.Flags = fileParametersHasParent
	ms.fileParameters.BlockSizeInBytes = uint32(8 * vdk.MiB)
	ms.virtualDiskSize = 32 * vdk.MiB
	ms.logicalSectorSize = 512
	ms.physicalSectorSize = 4096
	ms.calcBatInfo()

	assert.Equal(t, uint32(512), ms.chunkRatio)
	assert.Equal(t, uint32(4), ms.dataBlockCount)
	assert.Equal(t, uint32(1), ms.bitmapBlockCount)
	assert.Equal(t, uint32(513), ms.totalBatCount)
}

func Test_vhdx_block_translate(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	v := openVhdx(t, file, true)
	defer v.Close()

	si := v.blockTranslate(0, 8)
	assert.Equal(t, uint32(0), si.batIdx)
	assert.Equal(t, uint32(8), si.sectorsAvail)
	assert.Equal(t, uint32(8*512), si.bytesAvail)
	assert.Equal(t, uint64(0), si.fileOffset)
	assert.Equal(t, uint32(512), si.bitmapIdx)

	// span capped at the block boundary
	si = v.blockTranslate(16383, 10)
	assert.Equal(t, uint32(0), si.batIdx)
	assert.Equal(t, uint32(1), si.sectorsAvail)

	si = v.blockTranslate(16384, 10)
	assert.Equal(t, uint32(1), si.batIdx)
	assert.Equal(t, uint32(10), si.sectorsAvail)
	assert.Equal(t, uint64(0), si.blockOffset)
}

// crossing a chunk boundary steps the BAT index over the interleaved
// bitmap entry
func Test_vhdx_block_translate_chunk_boundary(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 5*vdk.GiB))

	v := openVhdx(t, file, true)
	defer v.Close()

	assert.Equal(t, uint32(16*vdk.MiB), v.BlockSize())
	assert.Equal(t, uint32(256), v.ChunkRatio())
	assert.Equal(t, uint32(320), v.DataBlockCount())
	assert.Equal(t, uint32(321), v.TotalBatCount())

	sectorsPerBlock := uint64(v.SectorsPerBlock())

	// the last block of chunk 0 sits right before the bitmap slot
	si := v.blockTranslate(255*sectorsPerBlock, 1)
	assert.Equal(t, uint32(255), si.batIdx)
	assert.Equal(t, uint32(256), si.bitmapIdx)

	// the first block of chunk 1 skips over BAT index 256
	si = v.blockTranslate(256*sectorsPerBlock, 1)
	assert.Equal(t, uint32(257), si.batIdx)
	assert.Equal(t, uint32(513), si.bitmapIdx)
}

func Test_vhdx_write_zero_status_block(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse())
	defer v.Close()

	// a zero-status block allocates on write like an absent one
	v.bat[0] = makePayloadBatEntry(PayloadBlockZero, 0)

	pattern := make([]byte, 512)
	for i := range pattern {
		pattern[i] = 0x5A
	}
	require.Nil(t, v.Write(0, 1, pattern))

	status, _ := payloadBatStatusOffset(v.bat[0])
	assert.Equal(t, PayloadBlockFullPresent, status)

	out := make([]byte, 512)
	require.Nil(t, v.Read(0, 1, out))
	assert.Equal(t, pattern, out)
}

func Test_vhdx_dynamic_read_write(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse())

	sectorSize := uint64(v.LogicalSectorSize())
	pattern := make([]byte, 8*sectorSize)
	for i := range pattern {
		pattern[i] = byte(i % 253)
	}
	require.Nil(t, v.Write(0, 8, pattern))

	// BAT[0] transitions to full-present, the log is replayed and reset
	status, offset := payloadBatStatusOffset(v.Bat()[0])
	assert.Equal(t, PayloadBlockFullPresent, status)
	assert.NotEqual(t, uint64(0), offset)
	assert.Equal(t, uint64(0), offset%vdk.MiB)
	assert.True(t, v.hdrSection.logGuid().IsNull())

	out := make([]byte, 16384*sectorSize)
	require.Nil(t, v.Read(0, 16384, out))
	assert.Equal(t, pattern, out[:len(pattern)])
	for _, b := range out[len(pattern):] {
		if b != 0 {
			t.Fatalf("expected zero fill past the written sectors")
		}
	}
	require.Nil(t, v.Close())

	// the BAT update is durable across a reopen
	v = openVhdx(t, file, true)
	defer v.Close()
	status, _ = payloadBatStatusOffset(v.Bat()[0])
	assert.Equal(t, PayloadBlockFullPresent, status)

	out = make([]byte, len(pattern))
	require.Nil(t, v.Read(0, 8, out))
	assert.Equal(t, pattern, out)
}

func Test_vhdx_write_cross_block_boundary(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse())
	defer v.Close()

	sectorSize := uint64(v.LogicalSectorSize())
	start := uint64(v.SectorsPerBlock()) - 3
	nb := uint32(6)

	pattern := make([]byte, uint64(nb)*sectorSize)
	for i := range pattern {
		pattern[i] = byte(i % 249)
	}
	require.Nil(t, v.Write(start, nb, pattern))

	status, _ := payloadBatStatusOffset(v.Bat()[0])
	assert.Equal(t, PayloadBlockFullPresent, status)
	status, _ = payloadBatStatusOffset(v.Bat()[1])
	assert.Equal(t, PayloadBlockFullPresent, status)

	out := make([]byte, len(pattern))
	require.Nil(t, v.Read(start, nb, out))
	assert.Equal(t, pattern, out)
}

func Test_vhdx_fixed_read_write(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f.vhdx")
	require.Nil(t, CreateFixed(file, 8*vdk.MiB))

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse())
	defer v.Close()

	assert.Equal(t, DiskTypeFixed, v.DiskType())

	status, offset := payloadBatStatusOffset(v.Bat()[0])
	assert.Equal(t, PayloadBlockFullPresent, status)
	assert.Equal(t, uint64(BatInitOffsetInBytes)+vdk.MiB, offset)

	sectorSize := uint64(v.LogicalSectorSize())
	buf := make([]byte, sectorSize)
	require.Nil(t, v.Read(10, 1, buf))
	assert.Equal(t, make([]byte, sectorSize), buf)

	pattern := make([]byte, sectorSize)
	for i := range pattern {
		pattern[i] = byte(i)
	}
	require.Nil(t, v.Write(10, 1, pattern))

	out := make([]byte, sectorSize)
	require.Nil(t, v.Read(10, 1, out))
	assert.Equal(t, pattern, out)
}

func Test_vhdx_read_out_of_range(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	v := openVhdx(t, file, true)
	defer v.Close()

	maxSectors := v.DiskSize() >> v.LogicalSectorSizeBits()
	buf := make([]byte, 2*512)

	assert.Nil(t, v.Read(maxSectors-1, 1, buf))
	assert.ErrorIs(t, v.Read(maxSectors, 1, buf), vdk.ErrEndOfRange)
	assert.ErrorIs(t, v.Read(maxSectors-1, 2, buf), vdk.ErrEndOfRange)
}

func Test_vhdx_differencing_chain(t *testing.T) {
	dir := t.TempDir()
	parentFile := filepath.Join(dir, "p.vhdx")
	childFile := filepath.Join(dir, "c.vhdx")

	require.Nil(t, CreateDynamic(parentFile, 32*vdk.MiB))

	patternA := make([]byte, 8*512)
	for i := range patternA {
		patternA[i] = 0xAA
	}
	p, err := Load(parentFile, false)
	require.Nil(t, err)
	require.Nil(t, p.Parse())
	require.Nil(t, p.Write(0, 8, patternA))
	require.Nil(t, p.Close())

	require.Nil(t, CreateDifferencing(childFile, parentFile, "", ""))

	c, err := Load(childFile, false)
	require.Nil(t, err)
	require.Nil(t, c.Parse())

	assert.Equal(t, DiskTypeDifferencing, c.DiskType())
	assert.Equal(t, 32*vdk.MiB, c.DiskSize())
	assert.Equal(t, uint32(513), c.TotalBatCount())

	patternB := make([]byte, 512)
	for i := range patternB {
		patternB[i] = 0xBB
	}
	require.Nil(t, c.Write(0, 1, patternB))

	// the child block is partially present with an allocated bitmap block
	status, _ := payloadBatStatusOffset(c.Bat()[0])
	assert.Equal(t, PayloadBlockPartiallyPresent, status)

	si := c.blockTranslate(0, 1)
	bitmapStatus, bitmapOffset := bitmapBatStatusOffset(c.Bat()[si.bitmapIdx])
	assert.Equal(t, BitmapBlockPresent, bitmapStatus)
	assert.NotEqual(t, uint64(0), bitmapOffset)
	assert.Equal(t, uint64(0), bitmapOffset%vdk.MiB)

	// only the bit for sector 0 is set in the bitmap
	bitmapHead := make([]byte, 2)
	require.Nil(t, vdk.ReadAtFull(c.f, bitmapOffset, bitmapHead))
	assert.Equal(t, uint8(0x80), bitmapHead[0])
	assert.Equal(t, uint8(0), bitmapHead[1])

	out := make([]byte, 8*512)
	require.Nil(t, c.Read(0, 8, out))
	assert.Equal(t, patternB, out[:512])
	assert.Equal(t, patternA[512:], out[512:])

	// sectors in neither disk read as zeroes
	zero := make([]byte, 8*512)
	require.Nil(t, c.Read(100, 8, out))
	assert.Equal(t, zero, out)
	require.Nil(t, c.Close())

	// everything above is durable across a reopen
	c = openVhdx(t, childFile, true)
	defer c.Close()
	status, _ = payloadBatStatusOffset(c.Bat()[0])
	assert.Equal(t, PayloadBlockPartiallyPresent, status)
	require.Nil(t, c.Read(0, 8, out))
	assert.Equal(t, patternB, out[:512])
	assert.Equal(t, patternA[512:], out[512:])
}

func Test_vhdx_differencing_linkage_mismatch(t *testing.T) {
	dir := t.TempDir()
	parentFile := filepath.Join(dir, "p.vhdx")
	childFile := filepath.Join(dir, "c.vhdx")

	require.Nil(t, CreateDynamic(parentFile, 32*vdk.MiB))
	require.Nil(t, CreateDifferencing(childFile, parentFile, "", ""))

	// writing to the parent regenerates its data write guid, invalidating
	// the child's linkage
	p, err := Load(parentFile, false)
	require.Nil(t, err)
	require.Nil(t, p.Parse())
	buf := make([]byte, 512)
	require.Nil(t, p.Write(0, 1, buf))
	require.Nil(t, p.Close())

	c := openVhdx(t, childFile, true)
	defer c.Close()
	out := make([]byte, 512)
	assert.ErrorIs(t, c.Read(0, 1, out), vdk.ErrLinkageMismatch)
}

func Test_vhdx_differencing_parent_not_found(t *testing.T) {
	dir := t.TempDir()
	parentFile := filepath.Join(dir, "p.vhdx")
	childFile := filepath.Join(dir, "c.vhdx")

	require.Nil(t, CreateDynamic(parentFile, 32*vdk.MiB))
	require.Nil(t, CreateDifferencing(childFile, parentFile, "", ""))
	require.Nil(t, os.Remove(parentFile))

	c := openVhdx(t, childFile, true)
	defer c.Close()
	out := make([]byte, 512)
	assert.ErrorIs(t, c.Read(0, 1, out), vdk.ErrNotFound)
}

func Test_vhdx_modify_parent_locator(t *testing.T) {
	dir := t.TempDir()
	parentFile := filepath.Join(dir, "p.vhdx")
	childFile := filepath.Join(dir, "c.vhdx")

	require.Nil(t, CreateDynamic(parentFile, 32*vdk.MiB))
	require.Nil(t, CreateDifferencing(childFile, parentFile, "", ""))

	v, err := Load(childFile, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse())
	require.Nil(t, v.ModifyParentLocator(parentFile, "p.vhdx"))
	require.Nil(t, v.Close())

	v = openVhdx(t, childFile, true)
	defer v.Close()
	assert.Equal(t, parentFile, v.ParentAbsoluteWin32Path())
	assert.Equal(t, "p.vhdx", v.ParentRelativePath())
	assert.NotEmpty(t, v.ParentLinkage())
}
