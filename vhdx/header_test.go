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

func Test_header_init_parse(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	v := openVhdx(t, file, true)
	defer v.Close()

	hs := v.hdrSection
	assert.Equal(t, fileIdentifierSignature, hs.fileIdentifier.Signature)

	creatorStr, err := vdk.Utf16LEToUtf8(hs.fileIdentifier.Creator[:])
	assert.Nil(t, err)
	assert.Equal(t, creator, creatorStr)

	assert.Equal(t, uint64(headerSeqNumForCreate), hs.headers[0].SeqNum)
	assert.Equal(t, uint64(headerSeqNumForCreate+1), hs.headers[1].SeqNum)
	assert.Equal(t, 1, hs.activeHeaderIndex)
	assert.Equal(t, uint16(1), hs.activeHeader().Version)
	assert.Equal(t, uint16(0), hs.logVersion())
	assert.Equal(t, uint64(1*vdk.MiB), hs.logOffset())
	assert.Equal(t, uint32(1*vdk.MiB), hs.logLength())
	assert.True(t, hs.logGuid().IsNull())

	assert.Equal(t, batRegionGuid, hs.batEntry.Guid)
	assert.Equal(t, uint64(BatInitOffsetInBytes), hs.batEntry.FileOffset)
	assert.Equal(t, metadataRegionGuid, hs.metadataEntry.Guid)
	assert.Equal(t, uint64(metadataSectionInitOffset), hs.metadataEntry.FileOffset)
}

// stored header and region table checksums equal a CRC-32C over their
// sector with the checksum field zeroed
func Test_header_crc_on_disk(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	raw, err := os.ReadFile(file)
	require.Nil(t, err)

	for _, offset := range []uint64{header1InitOffset, header2InitOffset} {
		sector := make([]byte, headerCrcBufSize)
		copy(sector, raw[offset:offset+headerCrcBufSize])

		var h Header
		require.Nil(t, deserializeLE(sector, &h))

		for i := crcFieldOffset; i < crcFieldOffset+4; i++ {
			sector[i] = 0
		}
		assert.Equal(t, h.Checksum, vdk.Crc32c(sector))
	}

	for _, offset := range []uint64{region1InitOffset, region2InitOffset} {
		sector := make([]byte, regionCrcBufSize)
		copy(sector, raw[offset:offset+regionCrcBufSize])

		var rt RegionTable
		require.Nil(t, deserializeLE(sector, &rt))

		for i := crcFieldOffset; i < crcFieldOffset+4; i++ {
			sector[i] = 0
		}
		assert.Equal(t, rt.Header.Checksum, vdk.Crc32c(sector))
	}
}

// a corrupted inactive header does not fail the parse; the next header
// update heals it
func Test_header_corrupt_inactive_heals(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	// header slot 0 is the inactive one after creation
	f, err := os.OpenFile(file, os.O_RDWR, 0)
	require.Nil(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(header1InitOffset+50))
	require.Nil(t, err)
	require.Nil(t, f.Close())

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse())
	assert.Equal(t, 1, v.hdrSection.activeHeaderIndex)

	// a write triggers a header update that rewrites the inactive slot
	buf := make([]byte, 512)
	require.Nil(t, v.Write(0, 1, buf))
	require.Nil(t, v.Close())

	v = openVhdx(t, file, true)
	defer v.Close()
	assert.Equal(t, headerSignature, v.hdrSection.headers[0].Signature)
	assert.Equal(t, headerSignature, v.hdrSection.headers[1].Signature)
	assert.NotEqual(t, uint64(0), v.hdrSection.headers[0].SeqNum)
	assert.NotEqual(t, uint64(0), v.hdrSection.headers[1].SeqNum)
}

func Test_header_both_corrupt_fails(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	f, err := os.OpenFile(file, os.O_RDWR, 0)
	require.Nil(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(header1InitOffset+50))
	require.Nil(t, err)
	_, err = f.WriteAt([]byte{0xFF}, int64(header2InitOffset+50))
	require.Nil(t, err)
	require.Nil(t, f.Close())

	v, err := Load(file, true)
	require.Nil(t, err)
	defer v.Close()
	assert.ErrorIs(t, v.Parse(), vdk.ErrCorrupt)
}

func Test_header_update_protocol(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse())

	hs := v.hdrSection
	seqBefore := hs.activeHeader().SeqNum
	indexBefore := hs.activeHeaderIndex
	dataGuidBefore := hs.dataWriteGuid()

	fileWriteGuid := vdk.GenerateGUID()
	require.Nil(t, hs.updateHeader(v.f, &fileWriteGuid, nil))

	// both slots were rewritten, the active index is back where it started
	assert.Equal(t, indexBefore, hs.activeHeaderIndex)
	assert.Equal(t, seqBefore+2, hs.activeHeader().SeqNum)
	assert.Equal(t, fileWriteGuid, hs.headers[0].FileWriteGuid)
	assert.Equal(t, fileWriteGuid, hs.headers[1].FileWriteGuid)
	assert.NotEqual(t, dataGuidBefore, hs.dataWriteGuid())

	logGuid := vdk.GenerateGUID()
	require.Nil(t, hs.updateHeader(v.f, nil, &logGuid))
	assert.Equal(t, logGuid, hs.headers[0].LogGuid)
	assert.Equal(t, logGuid, hs.headers[1].LogGuid)

	require.Nil(t, hs.updateHeader(v.f, nil, &vdk.NullGUID))
	assert.True(t, hs.logGuid().IsNull())
	require.Nil(t, v.Close())

	// everything persists and still parses
	v = openVhdx(t, file, true)
	defer v.Close()
	assert.Equal(t, seqBefore+6, v.hdrSection.activeHeader().SeqNum)
}
