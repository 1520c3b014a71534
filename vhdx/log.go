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
	"os"

	"github.com/pkg/errors"

	"github.com/lingedeng/libvdk/vdk"
)

var (
	entryHeaderSignature    = [4]byte{'l', 'o', 'g', 'e'}
	zeroDescriptorSignature = [4]byte{'z', 'e', 'r', 'o'}
	dataDescriptorSignature = [4]byte{'d', 'e', 's', 'c'}
	dataSectorSignature     = [4]byte{'d', 'a', 't', 'a'}
)

const (
	logSeqNumForCreate = 0x0a

	logSectionInitOffset = 1 * vdk.MiB
	logSectionInitSize   = 1 * vdk.MiB

	logEntrySectorSize = uint32(4 * vdk.KiB)
	logMinSize         = uint32(1 * vdk.MiB)

	logEntryHeaderSize = 64
	logDescriptorSize  = 32
)

// LogEntryHeader leads every log entry; the CRC-32C covers the whole entry
// (header, descriptor sectors and data sectors) with the checksum zeroed.
type LogEntryHeader struct {
	Signature   [4]byte
	Checksum    uint32
	EntryLength uint32 // multiple of 4 KiB
	// Tail is the offset from the beginning of the log to the first entry
	// of the sequence ending with this entry, a multiple of 4 KiB.
	Tail      uint32
	SeqNum    uint64 // must be > 0
	DescCount uint64
	Guid      vdk.GUID // must equal the active header's log guid
	// FlushedFileOffset is at least the file size at the time the entry was
	// written, a multiple of 1 MiB.
	FlushedFileOffset uint64
	LastFileOffset    uint64
}

// LogDescriptor is the 32-byte on-disk descriptor. For "desc" entries
// TrailingBytes/LeadingBytes carry the bytes split off the data sector,
// for "zero" entries LeadingBytes holds the zero length.
type LogDescriptor struct {
	Signature     [4]byte
	TrailingBytes uint32
	LeadingBytes  uint64
	FileOffset    uint64 // multiple of 4 KiB
	SeqNum        uint64 // must match the entry header
}

func (d *LogDescriptor) zeroLength() uint64 { return d.LeadingBytes }

// LogDataSector carries bytes 8 through 4091 of a 4 KiB update; the first
// eight and last four bytes live in the descriptor so every data sector is
// self identifying through the split sequence number.
type LogDataSector struct {
	Signature [4]byte
	SeqHigh   uint32
	Data      [4084]byte
	SeqLow    uint32
}

// logPosition is a cursor pair into the sector-aligned log ring.
// read == write means empty; both wrap at the log length.
type logPosition struct {
	offset uint64 // log region file offset
	length uint32 // log region length
	read   uint32
	write  uint32
	seq    uint64 // next sequence number for writes
	tail   uint32
}

type logSequence struct {
	valid bool
	count uint32
	pos   logPosition
	hdr   LogEntryHeader // head entry of the sequence
}

// logSection drives the write-ahead journal of one Vhdx handle.
type logSection struct {
	vhdx *Vhdx

	entryHeader LogEntryHeader // initial entry emitted at create time
	pos         logPosition
}

func calcDescSectors(descCount uint32) uint32 {
	/* The first sector in a log entry has a 64 byte header and up to 126
	 * 32-byte descriptors, subsequent sectors hold up to 128. Data sectors
	 * follow the descriptor sectors. Never returns 0. */
	descCount += 2
	descSectors := descCount / 128
	if descCount%128 != 0 {
		descSectors++
	}
	return descSectors
}

func incLogIndex(idx, logLength uint32) uint32 {
	idx += logEntrySectorSize
	/* we are guaranteed that a) log sectors are 4096 bytes, and b) the log
	 * length is a multiple of 1MB, so there is always a round number of
	 * sectors in the buffer */
	if idx >= logLength {
		return 0
	}
	return idx
}

func (ls *logSection) initContent(filePayloadInMb uint32, seqNum uint64) {
	sn := seqNum
	if sn == 0 {
		sn = logSeqNumForCreate
	}

	eh := &ls.entryHeader
	eh.Signature = entryHeaderSignature
	eh.EntryLength = logEntrySectorSize
	eh.SeqNum = sn
	eh.Guid = vdk.GenerateGUID()
	eh.FlushedFileOffset = (batInitOffsetInMb + uint64(filePayloadInMb)) << vdk.MibShift
	eh.LastFileOffset = eh.FlushedFileOffset

	crcBuf := make([]byte, eh.EntryLength)
	copy(crcBuf, serializeLE(eh))
	for i := crcFieldOffset; i < crcFieldOffset+4; i++ {
		crcBuf[i] = 0
	}
	eh.Checksum = vdk.Crc32c(crcBuf)
}

func (ls *logSection) writeContent(f *os.File) error {
	buf := make([]byte, logEntrySectorSize)
	copy(buf, serializeLE(&ls.entryHeader))
	return errors.Wrap(vdk.WriteAtFull(f, logSectionInitOffset, buf),
		"write log entry header failed")
}

/*
 * parseContent discovers any active log sequence and replays it. With a
 * zero log guid or a zero log length there is nothing to do. A read-only
 * handle over a disk that needs replay fails with ErrNotPermitted and the
 * file is left untouched.
 */
func (ls *logSection) parseContent() error {
	hs := ls.vhdx.hdrSection

	ls.pos = logPosition{
		offset: hs.logOffset(),
		length: hs.logLength(),
		seq:    logSeqNumForCreate,
	}

	if ls.pos.offset < uint64(logMinSize) || ls.pos.offset%uint64(logMinSize) != 0 {
		return errors.Wrapf(vdk.ErrCorrupt, "log offset: %d invalid", ls.pos.offset)
	}
	if hs.logVersion() != 0 {
		return errors.Wrap(vdk.ErrUnsupported, "log version must be zero")
	}

	/* if either the log guid or the log length is zero, then a replay log
	 * is not present */
	if hs.logGuid().IsNull() || ls.pos.length == 0 {
		return nil
	}
	if ls.pos.length%logMinSize != 0 {
		return errors.Wrapf(vdk.ErrCorrupt, "log length: %d invalid", ls.pos.length)
	}

	var logs logSequence
	if err := ls.searchLog(&logs); err != nil {
		return err
	}

	if logs.valid {
		if ls.vhdx.readOnly {
			return errors.Wrap(vdk.ErrNotPermitted,
				"file readonly, but contains a log that needs to be replayed")
		}
		return ls.flushLog(&logs)
	}
	return nil
}

/*
 * searchLog walks the whole log sector by sector, treating every 4 KiB
 * boundary as a potential head of a valid sequence. A sequence is extended
 * greedily while entries validate and their sequence numbers increment by
 * exactly one; the winner is the valid sequence with the greatest starting
 * sequence number.
 */
func (ls *logSection) searchLog(candidate *logSequence) error {
	scanStart := uint32(0)
	for scanStart < ls.pos.length {
		currentLog := ls.pos
		currentLog.read = scanStart
		currentLog.write = currentLog.length /* assume log is full */

		valid, hdr, err := ls.validateLogEntry(&currentLog, 0)
		if err != nil {
			return err
		}
		if !valid {
			scanStart += logEntrySectorSize
			continue
		}

		current := logSequence{
			valid: true,
			count: 1,
			pos:   currentLog,
			hdr:   hdr,
		}
		current.pos.read = scanStart
		current.pos.write = currentLog.read

		lastSeq := hdr.SeqNum
		for {
			valid, next, err := ls.validateLogEntry(&currentLog, lastSeq)
			if err != nil {
				return err
			}
			if !valid {
				break
			}
			current.pos.write = currentLog.read
			current.count++
			lastSeq = next.SeqNum
		}

		if !candidate.valid || current.hdr.SeqNum > candidate.hdr.SeqNum {
			*candidate = current
			/* this is the next sequence number, for writes */
			ls.pos.seq = lastSeq + 1
		}

		/* keep scanning past the consumed sequence; a wrap means the whole
		 * ring has been examined */
		if currentLog.read <= scanStart {
			break
		}
		scanStart = currentLog.read
	}
	return nil
}

// peekEntryHeader reads the entry header at log.read without consuming it.
func (ls *logSection) peekEntryHeader(pos logPosition) (LogEntryHeader, error) {
	var hdr LogEntryHeader

	/* peek is only supported on sector boundaries */
	if pos.read%logEntrySectorSize != 0 {
		return hdr, errors.Wrap(vdk.ErrInvalidArgument, "log read index misaligned")
	}

	read := pos.read
	if read+logEntryHeaderSize > pos.length {
		read = 0
	}
	if read == pos.write {
		return hdr, errors.Wrap(vdk.ErrInvalidArgument, "log is empty")
	}

	err := readObjectAt(ls.vhdx.f, pos.offset+uint64(read), &hdr)
	return hdr, err
}

func (ls *logSection) validateEntryHeader(pos logPosition, hdr *LogEntryHeader) bool {
	if hdr.Signature != entryHeaderSignature {
		return false
	}
	/* if the individual entry length is larger than the whole log buffer,
	 * that is obviously invalid */
	if pos.length < hdr.EntryLength {
		log.Warnf("log entry length too long")
		return false
	}
	if hdr.EntryLength%logEntrySectorSize != 0 {
		log.Warnf("log entry length not aligned to log sector")
		return false
	}
	/* per spec, sequence # must be > 0 */
	if hdr.SeqNum == 0 {
		return false
	}
	/* log entries are only valid if they match the file-wide log guid found
	 * in the active header */
	if hdr.Guid != ls.vhdx.hdrSection.logGuid() {
		return false
	}
	if hdr.DescCount*logDescriptorSize > uint64(hdr.EntryLength) {
		log.Warnf("log entry length too small")
		return false
	}
	return true
}

func (ls *logSection) validateDescriptor(hdr *LogEntryHeader, desc *LogDescriptor) bool {
	if desc.SeqNum != hdr.SeqNum {
		log.Warnf("desc sequence number mismatch")
		return false
	}
	if desc.FileOffset%uint64(logEntrySectorSize) != 0 {
		log.Warnf("desc file offset: %d not aligned to log sector", desc.FileOffset)
		return false
	}

	switch desc.Signature {
	case zeroDescriptorSignature:
		if desc.zeroLength()%uint64(logEntrySectorSize) != 0 {
			log.Warnf("desc zero length: %d is not aligned", desc.zeroLength())
			return false
		}
		return true
	case dataDescriptorSignature:
		return true
	}
	return false
}

/*
 * readSectors consumes up to numSectors 4 KiB sectors from the ring into
 * buf, advancing pos.read with wrap-around.
 */
func (ls *logSection) readSectors(pos *logPosition, buf []byte, numSectors uint32) (uint32, error) {
	read := pos.read
	readSectors := uint32(0)

	for numSectors > 0 {
		if read == pos.write {
			log.Warnf("log reach end, read[%d]|write[%d]", read, pos.write)
			break
		}

		offset := pos.offset + uint64(read)
		dst := buf[readSectors*logEntrySectorSize : (readSectors+1)*logEntrySectorSize]
		if err := vdk.ReadAtFull(ls.vhdx.f, offset, dst); err != nil {
			return readSectors, errors.Wrapf(err, "read log sector from offset: %d failed", offset)
		}

		read = incLogIndex(read, pos.length)
		readSectors++
		numSectors--
	}

	pos.read = read
	return readSectors, nil
}

// readDescriptors consumes the header-plus-descriptor sectors of the entry
// at pos.read and validates every descriptor. The returned buffer starts
// with the raw entry header.
func (ls *logSection) readDescriptors(pos *logPosition, hdr *LogEntryHeader) ([]byte, error) {
	descSectors := calcDescSectors(uint32(hdr.DescCount))
	buf := make([]byte, descSectors*logEntrySectorSize)

	n, err := ls.readSectors(pos, buf, descSectors)
	if err != nil {
		return nil, err
	}
	if n != descSectors {
		return nil, errors.Wrapf(vdk.ErrCorrupt, "not read all desc sectors[%d|%d]", descSectors, n)
	}

	for i := uint64(0); i < hdr.DescCount; i++ {
		var desc LogDescriptor
		if err = deserializeLE(buf[logEntryHeaderSize+i*logDescriptorSize:], &desc); err != nil {
			return nil, err
		}
		if !ls.validateDescriptor(hdr, &desc) {
			return nil, errors.Wrapf(vdk.ErrCorrupt, "desc index[%d] is invalid", i)
		}
	}
	return buf, nil
}

/*
 * validateLogEntry validates the entry at pos.read; on success pos.read is
 * advanced past the whole entry and its header is returned. An entry that
 * fails validation leaves pos untouched and reports invalid without error.
 */
func (ls *logSection) validateLogEntry(pos *logPosition, prevSeq uint64) (bool, LogEntryHeader, error) {
	var hdr LogEntryHeader

	hdr, err := ls.peekEntryHeader(*pos)
	if err != nil {
		return false, hdr, nil
	}
	if !ls.validateEntryHeader(*pos, &hdr) {
		return false, hdr, nil
	}
	if prevSeq > 0 && hdr.SeqNum != prevSeq+1 {
		return false, hdr, nil
	}

	tryPos := *pos

	descSectors := calcDescSectors(uint32(hdr.DescCount))
	totalSectors := hdr.EntryLength / logEntrySectorSize
	if descSectors > totalSectors {
		return false, hdr, nil
	}

	descBuf, err := ls.readDescriptors(&tryPos, &hdr)
	if err != nil {
		return false, hdr, nil
	}

	/* the CRC covers header + descriptor sectors + data sectors with the
	 * entry's checksum field zeroed */
	crcBuf := make([]byte, len(descBuf))
	copy(crcBuf, descBuf)
	for i := crcFieldOffset; i < crcFieldOffset+4; i++ {
		crcBuf[i] = 0
	}
	crc := vdk.Crc32c(crcBuf)

	dataSectorBuf := make([]byte, logEntrySectorSize)
	for i := uint32(0); i < totalSectors-descSectors; i++ {
		n, rerr := ls.readSectors(&tryPos, dataSectorBuf, 1)
		if rerr != nil || n != 1 {
			return false, hdr, nil
		}
		crc = vdk.ExtendCrc32c(crc, dataSectorBuf)
	}

	if crc != hdr.Checksum {
		log.Warnf("log checksum mismatch[%d|%d]", hdr.Checksum, crc)
		return false, hdr, nil
	}

	*pos = tryPos
	return true, hdr, nil
}

/*
 * flushLog replays every entry of the sequence into the disk file, grows
 * the file to the recorded last file offset if needed, flushes and resets
 * the log through a header update.
 */
func (ls *logSection) flushLog(logs *logSequence) error {
	if err := ls.vhdx.userVisibleWrite(); err != nil {
		return errors.Wrap(err, "user visible write failed")
	}

	dataSectorBuf := make([]byte, logEntrySectorSize)
	for cnt := logs.count; cnt > 0; cnt-- {
		hdr, err := ls.peekEntryHeader(logs.pos)
		if err != nil {
			return errors.Wrap(err, "peek entry header failed")
		}

		fileLength, err := vdk.FileSize(ls.vhdx.f)
		if err != nil {
			return err
		}

		/* if the log shows a FlushedFileOffset larger than our current file
		 * size, then that means the file has been truncated / corrupted,
		 * and we must refuse to open it / use it */
		if hdr.FlushedFileOffset > fileLength {
			return errors.Wrap(vdk.ErrCorrupt, "file is too small")
		}

		descBuf, err := ls.readDescriptors(&logs.pos, &hdr)
		if err != nil {
			return err
		}

		for i := uint64(0); i < hdr.DescCount; i++ {
			var desc LogDescriptor
			if err = deserializeLE(descBuf[logEntryHeaderSize+i*logDescriptorSize:], &desc); err != nil {
				return err
			}

			if desc.Signature == dataDescriptorSignature {
				/* data sector, so read a sector to flush */
				n, rerr := ls.readSectors(&logs.pos, dataSectorBuf, 1)
				if rerr != nil {
					return rerr
				}
				if n != 1 {
					return errors.Wrap(vdk.ErrCorrupt, "read data sector failed")
				}
			}

			if err = ls.flushDescriptor(&desc, dataSectorBuf); err != nil {
				return err
			}
		}

		if fileLength < hdr.LastFileOffset {
			newFileSize := vdk.RoundUp(hdr.LastFileOffset, vdk.MiB)
			if err = vdk.TruncateFile(ls.vhdx.f, newFileSize); err != nil {
				return errors.Wrapf(err, "truncate file to length: %d failed", newFileSize)
			}
		}
	}

	if err := vdk.FlushFile(ls.vhdx.f); err != nil {
		return err
	}
	return ls.resetLog()
}

// flushDescriptor applies one descriptor: a reconstructed 4 KiB sector for
// "desc", zeroLength/4096 zeroed sectors for "zero".
func (ls *logSection) flushDescriptor(desc *LogDescriptor, sectorBuf []byte) error {
	count := uint64(1)
	out := make([]byte, logEntrySectorSize)

	switch desc.Signature {
	case dataDescriptorSignature:
		var ds LogDataSector
		if err := deserializeLE(sectorBuf, &ds); err != nil {
			return err
		}

		dataSectorSeq := uint64(ds.SeqHigh)<<32 | uint64(ds.SeqLow)
		if dataSectorSeq != desc.SeqNum {
			return errors.Wrap(vdk.ErrCorrupt, "desc and data sector seq mismatch")
		}

		binary.LittleEndian.PutUint64(out[0:8], desc.LeadingBytes)
		copy(out[8:8+len(ds.Data)], ds.Data[:])
		binary.LittleEndian.PutUint32(out[len(out)-4:], desc.TrailingBytes)
	case zeroDescriptorSignature:
		count = desc.zeroLength() / uint64(logEntrySectorSize)
	default:
		return errors.Wrap(vdk.ErrCorrupt, "unknown descriptor signature")
	}

	flushOffset := desc.FileOffset
	for i := uint64(0); i < count; i++ {
		if err := vdk.WriteAtFull(ls.vhdx.f, flushOffset, out); err != nil {
			return errors.Wrapf(err, "write desc data at offset: %d failed", flushOffset)
		}
		flushOffset += uint64(logEntrySectorSize)
	}
	return nil
}

func (ls *logSection) resetLog() error {
	return ls.vhdx.hdrSection.updateHeader(ls.vhdx.f, nil, &vdk.NullGUID)
}

/*
 * writeSectors appends whole 4 KiB sectors to the ring at pos.write.
 */
func (ls *logSection) writeSectors(pos *logPosition, buf []byte, numSectors uint32) (uint32, error) {
	if err := ls.vhdx.userVisibleWrite(); err != nil {
		return 0, errors.Wrap(err, "user visible write failed")
	}

	written := uint32(0)
	for numSectors > 0 {
		next := incLogIndex(pos.write, pos.length)
		if next == pos.read {
			/* full */
			break
		}

		offset := pos.offset + uint64(pos.write)
		src := buf[written*logEntrySectorSize : (written+1)*logEntrySectorSize]
		if err := vdk.WriteAtFull(ls.vhdx.f, offset, src); err != nil {
			return written, errors.Wrapf(err, "write log sector at offset: %d failed", offset)
		}

		pos.write = next
		written++
		numSectors--
	}
	return written, nil
}

/*
 * writeLogEntryAndFlush makes one (file offset, payload) update durable:
 * the payload already in the file is flushed first, then the log entry is
 * written and flushed, then the entry is replayed into place and the log is
 * reset through a header update.
 */
func (ls *logSection) writeLogEntryAndFlush(offset uint64, data []byte) error {
	/* make sure data written (new and/or changed blocks) is stable on
	 * disk, before creating the log entry */
	if err := vdk.FlushFile(ls.vhdx.f); err != nil {
		return err
	}

	entryStart := ls.pos.write
	if err := ls.writeLogEntry(offset, data); err != nil {
		return errors.Wrap(err, "write log entry failed")
	}

	/* make sure the log is stable on disk */
	if err := vdk.FlushFile(ls.vhdx.f); err != nil {
		return err
	}

	logs := logSequence{
		valid: true,
		count: 1,
		pos:   ls.pos,
	}
	logs.pos.read = entryStart

	if err := ls.flushLog(&logs); err != nil {
		return errors.Wrap(err, "flush log failed")
	}
	ls.pos.read = logs.pos.read
	return nil
}

func (ls *logSection) writeLogEntry(offset uint64, data []byte) error {
	hs := ls.vhdx.hdrSection

	if hs.logLength() == 0 {
		return errors.Wrap(vdk.ErrCorrupt, "log length invalid")
	}

	var newLogGuid vdk.GUID
	if hs.logGuid().IsNull() {
		newLogGuid = vdk.GenerateGUID()
		if err := hs.updateHeader(ls.vhdx.f, nil, &newLogGuid); err != nil {
			return err
		}
	} else {
		/* currently, we require that the log be flushed after every
		 * write */
		return vdk.ErrUnsupported
	}

	length := uint32(len(data))
	sectorOffset := uint32(offset % uint64(logEntrySectorSize))
	fileOffset := vdk.RoundDown(offset, uint64(logEntrySectorSize))

	/* add in the unaligned head and tail bytes */
	alignedLength := length
	leadingLength := uint32(0)
	trailingLength := uint32(0)
	partialSectors := uint32(0)
	if sectorOffset != 0 {
		leadingLength = logEntrySectorSize - sectorOffset
		if leadingLength > length {
			leadingLength = length
		}
		alignedLength -= leadingLength
		partialSectors++
	}

	sectors := alignedLength / logEntrySectorSize
	trailingLength = alignedLength - sectors*logEntrySectorSize
	if trailingLength != 0 {
		partialSectors++
	}
	sectors += partialSectors /* count of data sectors */

	fileLength, err := vdk.FileSize(ls.vhdx.f)
	if err != nil {
		return err
	}

	eh := LogEntryHeader{
		Signature:         entryHeaderSignature,
		Tail:              ls.pos.tail,
		SeqNum:            ls.pos.seq,
		DescCount:         uint64(sectors),
		Guid:              newLogGuid,
		FlushedFileOffset: fileLength,
		LastFileOffset:    fileLength,
	}

	descSectors := calcDescSectors(sectors)
	totalLength := (descSectors + sectors) * logEntrySectorSize
	eh.EntryLength = totalLength

	logBuf := make([]byte, totalLength)
	merged := make([]byte, logEntrySectorSize)

	descOffset := uint32(logEntryHeaderSize)
	dataOffset := descSectors * logEntrySectorSize
	dataLeft := data

	for i := uint32(0); i < sectors; i++ {
		var sectorData []byte
		var bytesWritten uint32

		if i == 0 && leadingLength != 0 {
			/* partial sector at the front of the buffer */
			if err = vdk.ReadAtFull(ls.vhdx.f, fileOffset, merged); err != nil {
				return err
			}
			copy(merged[sectorOffset:], dataLeft[:leadingLength])
			bytesWritten = leadingLength
			sectorData = merged
		} else if i == sectors-1 && trailingLength != 0 {
			/* partial sector at the end of the buffer */
			if err = vdk.ReadAtFull(ls.vhdx.f, fileOffset+uint64(trailingLength),
				merged[trailingLength:]); err != nil {
				return err
			}
			copy(merged[:trailingLength], dataLeft)
			bytesWritten = trailingLength
			sectorData = merged
		} else {
			bytesWritten = logEntrySectorSize
			sectorData = dataLeft[:logEntrySectorSize]
		}

		/* split the raw sector into the descriptor's leading/trailing
		 * bytes and the data sector body */
		dd := LogDescriptor{
			Signature:     dataDescriptorSignature,
			TrailingBytes: binary.LittleEndian.Uint32(sectorData[logEntrySectorSize-4:]),
			LeadingBytes:  binary.LittleEndian.Uint64(sectorData[0:8]),
			FileOffset:    fileOffset,
			SeqNum:        ls.pos.seq,
		}
		ds := LogDataSector{
			Signature: dataSectorSignature,
			SeqHigh:   uint32(ls.pos.seq >> 32),
			SeqLow:    uint32(ls.pos.seq & 0xFFFFFFFF),
		}
		copy(ds.Data[:], sectorData[8:8+len(ds.Data)])

		copy(logBuf[descOffset:], serializeLE(&dd))
		copy(logBuf[dataOffset:], serializeLE(&ds))

		descOffset += logDescriptorSize
		dataOffset += logEntrySectorSize
		dataLeft = dataLeft[bytesWritten:]
		fileOffset += uint64(logEntrySectorSize)
	}

	copy(logBuf[0:logEntryHeaderSize], serializeLE(&eh))
	eh.Checksum = vdk.Crc32c(logBuf)
	copy(logBuf[0:logEntryHeaderSize], serializeLE(&eh))

	written, err := ls.writeSectors(&ls.pos, logBuf, descSectors+sectors)
	if err != nil {
		return err
	}
	if written != descSectors+sectors {
		return errors.Wrap(vdk.ErrCorrupt, "write log sectors failed")
	}

	ls.pos.seq++
	/* write new tail */
	ls.pos.tail = ls.pos.write
	return nil
}

// Show walks the log ring and prints every readable entry.
func (ls *logSection) show() {
	pos := logPosition{
		offset: ls.vhdx.hdrSection.logOffset(),
		length: ls.vhdx.hdrSection.logLength(),
		write:  ls.vhdx.hdrSection.logLength(),
	}

	for {
		hdr, err := ls.peekEntryHeader(pos)
		if err != nil || hdr.EntryLength == 0 {
			return
		}
		if hdr.Signature != entryHeaderSignature {
			return
		}

		printLogEntryHeader(pos.read, &hdr)

		descBuf, err := ls.readDescriptors(&pos, &hdr)
		if err != nil {
			log.Warnf("read descriptor failed: %v", err)
			return
		}

		dataSectorCount := uint32(0)
		for i := uint64(0); i < hdr.DescCount; i++ {
			var desc LogDescriptor
			if deserializeLE(descBuf[logEntryHeaderSize+i*logDescriptorSize:], &desc) != nil {
				return
			}
			if desc.Signature == dataDescriptorSignature {
				dataSectorCount++
			}
			printLogDescriptor(&desc)
		}

		for i := uint32(0); i < dataSectorCount; i++ {
			pos.read = incLogIndex(pos.read, pos.length)
		}
	}
}
