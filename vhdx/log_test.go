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
	"encoding/binary"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lingedeng/libvdk/vdk"
)

func Test_calc_desc_sectors(t *testing.T) {
	assert.Equal(t, uint32(1), calcDescSectors(0))
	assert.Equal(t, uint32(1), calcDescSectors(1))
	assert.Equal(t, uint32(1), calcDescSectors(126))
	assert.Equal(t, uint32(2), calcDescSectors(127))
	assert.Equal(t, uint32(2), calcDescSectors(254))
	assert.Equal(t, uint32(3), calcDescSectors(255))
}

func Test_inc_log_index(t *testing.T) {
	length := uint32(1 * vdk.MiB)
	assert.Equal(t, uint32(4096), incLogIndex(0, length))
	assert.Equal(t, uint32(0), incLogIndex(length-4096, length))
}

func Test_log_write_entry_and_flush(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse())
	defer v.Close()

	// journal an unaligned 8-byte update into the BAT region and let the
	// replay pass apply it
	target := v.hdrSection.batEntry.FileOffset + 16
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x01, 0x02, 0x03, 0x04}
	require.Nil(t, v.logSection.writeLogEntryAndFlush(target, payload))

	out := make([]byte, len(payload))
	require.Nil(t, vdk.ReadAtFull(v.f, target, out))
	assert.Equal(t, payload, out)

	// the replay-and-reset cycle leaves the log guid cleared
	assert.True(t, v.hdrSection.logGuid().IsNull())

	// surrounding bytes of the read-modify-write sector are untouched
	head := make([]byte, 16)
	require.Nil(t, vdk.ReadAtFull(v.f, v.hdrSection.batEntry.FileOffset, head))
	assert.Equal(t, make([]byte, 16), head)
}

/*
 * Simulates a crash between the log flush and the replay: the entry is in
 * the ring and the header's log guid is set, but the update was never
 * applied. A read-only open must refuse to touch the file; a read-write
 * open replays and resets.
 */
func Test_log_replay_on_open(t *testing.T) {
	file := filepath.Join(t.TempDir(), "d.vhdx")
	require.Nil(t, CreateDynamic(file, 32*vdk.MiB))

	v, err := Load(file, false)
	require.Nil(t, err)
	require.Nil(t, v.Parse())

	batEntryOffset := v.hdrSection.batEntry.FileOffset
	wantEntry := makePayloadBatEntry(PayloadBlockZero, 0)
	payload := make([]byte, batEntrySize)
	binary.LittleEndian.PutUint64(payload, wantEntry)

	require.Nil(t, vdk.FlushFile(v.f))
	require.Nil(t, v.logSection.writeLogEntry(batEntryOffset, payload))
	require.Nil(t, vdk.FlushFile(v.f))
	require.Nil(t, v.Close())

	// read-only sees the pending sequence and refuses
	ro, err := Load(file, true)
	require.Nil(t, err)
	assert.ErrorIs(t, ro.Parse(), vdk.ErrNotPermitted)
	require.Nil(t, ro.Close())

	// read-write replays the sequence and clears the log guid
	rw, err := Load(file, false)
	require.Nil(t, err)
	defer rw.Close()
	require.Nil(t, rw.Parse())
	assert.True(t, rw.hdrSection.logGuid().IsNull())

	status, _ := payloadBatStatusOffset(rw.Bat()[0])
	assert.Equal(t, PayloadBlockZero, status)
}

func Test_log_init_content_crc(t *testing.T) {
	var ls logSection
	ls.initContent(1, 0)

	eh := ls.entryHeader
	assert.Equal(t, entryHeaderSignature, eh.Signature)
	assert.Equal(t, uint64(logSeqNumForCreate), eh.SeqNum)
	assert.Equal(t, uint32(logEntrySectorSize), eh.EntryLength)
	assert.Equal(t, uint64(4*vdk.MiB), eh.FlushedFileOffset)

	buf := make([]byte, eh.EntryLength)
	copy(buf, serializeLE(&eh))
	for i := crcFieldOffset; i < crcFieldOffset+4; i++ {
		buf[i] = 0
	}
	assert.Equal(t, eh.Checksum, vdk.Crc32c(buf))
}

func Test_log_wire_sizes(t *testing.T) {
	assert.Equal(t, logEntryHeaderSize, len(serializeLE(&LogEntryHeader{})))
	assert.Equal(t, logDescriptorSize, len(serializeLE(&LogDescriptor{})))
	assert.Equal(t, int(logEntrySectorSize), len(serializeLE(&LogDataSector{})))
}
