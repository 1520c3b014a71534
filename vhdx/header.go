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

	"github.com/pkg/errors"

	"github.com/lingedeng/libvdk/vdk"
)

var (
	fileIdentifierSignature = [8]byte{'v', 'h', 'd', 'x', 'f', 'i', 'l', 'e'}
	headerSignature         = [4]byte{'h', 'e', 'a', 'd'}
	regionTableSignature    = [4]byte{'r', 'e', 'g', 'i'}

	batRegionGuid      = vdk.MustGUID("2DC27766-F623-4200-9D64-115E9BFD4A08")
	metadataRegionGuid = vdk.MustGUID("8B7CA206-4790-4B9A-B8FE-575F050F886E")
)

const (
	creator = "libvdk v0.1"

	headerSeqNumForCreate = 0x07

	headerSectionBaseOffset  = 64 * vdk.KiB
	fileIdentifierInitOffset = 0 * headerSectionBaseOffset
	header1InitOffset        = 1 * headerSectionBaseOffset
	header2InitOffset        = 2 * headerSectionBaseOffset
	region1InitOffset        = 3 * headerSectionBaseOffset
	region2InitOffset        = 4 * headerSectionBaseOffset

	headerCrcBufSize = 4 * vdk.KiB
	regionCrcBufSize = 64 * vdk.KiB

	crcFieldOffset = 4 // checksum field position in header and region table
)

// FileIdentifier lives at offset 0 inside a 64 KiB sector.
type FileIdentifier struct {
	Signature [8]byte
	Creator   [512]byte
}

// Header is one of two header copies at 64 KiB and 128 KiB. The CRC-32C is
// computed over the 4 KiB header sector with the checksum field zeroed.
type Header struct {
	Signature     [4]byte
	Checksum      uint32
	SeqNum        uint64
	FileWriteGuid vdk.GUID
	DataWriteGuid vdk.GUID
	// LogGuid zero means the log is empty or has no valid entries and must
	// not be replayed; otherwise only entries carrying this identifier are
	// valid.
	LogGuid    vdk.GUID
	LogVersion uint16
	Version    uint16 // must be 1
	LogLength  uint32 // multiple of 1 MiB
	LogOffset  uint64 // multiple of 1 MiB, at least 1 MiB
}

type RegionTableHeader struct {
	Signature  [4]byte
	Checksum   uint32 // CRC-32C over the 64 KiB region-table sector
	EntryCount uint32
	Reserved   uint32
}

type RegionTableEntry struct {
	Guid       vdk.GUID
	FileOffset uint64 // multiple of 1 MiB, at least 1 MiB
	Length     uint32 // multiple of 1 MiB
	Required   uint32
}

type RegionTable struct {
	Header  RegionTableHeader
	Entries [2]RegionTableEntry
}

// headerSection holds the parsed copies of the file identifier, both
// headers and both region tables, plus the resolved BAT and metadata
// region entries.
type headerSection struct {
	fileIdentifier FileIdentifier
	headers        [2]Header
	regionTables   [2]RegionTable

	activeHeaderIndex int
	batEntry          *RegionTableEntry
	metadataEntry     *RegionTableEntry
}

func (hs *headerSection) activeHeader() *Header {
	return &hs.headers[hs.activeHeaderIndex]
}

func (hs *headerSection) logGuid() vdk.GUID   { return hs.activeHeader().LogGuid }
func (hs *headerSection) logLength() uint32   { return hs.activeHeader().LogLength }
func (hs *headerSection) logOffset() uint64   { return hs.activeHeader().LogOffset }
func (hs *headerSection) logVersion() uint16  { return hs.activeHeader().LogVersion }
func (hs *headerSection) dataWriteGuid() vdk.GUID {
	return hs.activeHeader().DataWriteGuid
}

func calcHeaderCrc(h *Header) uint32 {
	buf := make([]byte, headerCrcBufSize)
	copy(buf, serializeLE(h))
	for i := crcFieldOffset; i < crcFieldOffset+4; i++ {
		buf[i] = 0
	}
	return vdk.Crc32c(buf)
}

func calcRegionTableCrc(rt *RegionTable) uint32 {
	buf := make([]byte, regionCrcBufSize)
	copy(buf, serializeLE(rt))
	for i := crcFieldOffset; i < crcFieldOffset+4; i++ {
		buf[i] = 0
	}
	return vdk.Crc32c(buf)
}

func (hs *headerSection) initContent(totalBatOccupyMbCount uint32, initSeqNum uint64) {
	hs.initFileIdentifier()
	hs.initHeader(initSeqNum)
	hs.initRegionTable(totalBatOccupyMbCount)
}

func (hs *headerSection) initFileIdentifier() {
	hs.fileIdentifier.Signature = fileIdentifierSignature
	if data, err := vdk.Utf8ToUtf16LE(creator); err == nil {
		copy(hs.fileIdentifier.Creator[:], data)
	}
}

func (hs *headerSection) initHeader(initSeqNum uint64) {
	sn := initSeqNum
	if sn == 0 {
		sn = headerSeqNumForCreate
	}

	h := Header{
		Signature:     headerSignature,
		FileWriteGuid: vdk.GenerateGUID(),
		DataWriteGuid: vdk.GenerateGUID(),
		LogVersion:    0,
		Version:       1,
		LogLength:     uint32(logSectionInitSize),
		LogOffset:     logSectionInitOffset,
	}

	for i := 0; i < 2; i++ {
		h.SeqNum = sn
		sn++
		hs.headers[i] = h
	}
	hs.activeHeaderIndex = 1
}

func (hs *headerSection) initRegionTable(totalBatOccupyMbCount uint32) {
	rt := RegionTable{
		Header: RegionTableHeader{
			Signature:  regionTableSignature,
			EntryCount: 2,
		},
	}
	rt.Entries[0] = RegionTableEntry{
		Guid:       batRegionGuid,
		FileOffset: BatInitOffsetInBytes,
		Length:     totalBatOccupyMbCount << vdk.MibShift,
		Required:   1,
	}
	rt.Entries[1] = RegionTableEntry{
		Guid:       metadataRegionGuid,
		FileOffset: metadataSectionInitOffset,
		Length:     uint32(metadataSectionInitSize),
		Required:   1,
	}
	rt.Header.Checksum = calcRegionTableCrc(&rt)

	hs.regionTables[0] = rt
	hs.regionTables[1] = rt
	hs.batEntry = &hs.regionTables[0].Entries[0]
	hs.metadataEntry = &hs.regionTables[0].Entries[1]
}

func (hs *headerSection) writeContent(f *os.File) error {
	idBuf := make([]byte, headerSectionBaseOffset)
	copy(idBuf, serializeLE(&hs.fileIdentifier))
	if err := vdk.WriteAtFull(f, fileIdentifierInitOffset, idBuf); err != nil {
		return errors.Wrap(err, "write file identifier failed")
	}

	for i, offset := range []uint64{header1InitOffset, header2InitOffset} {
		if err := writeHeader(f, offset, &hs.headers[i]); err != nil {
			return err
		}
	}
	for i, offset := range []uint64{region1InitOffset, region2InitOffset} {
		if err := writeRegionTable(f, offset, &hs.regionTables[i]); err != nil {
			return err
		}
	}
	return nil
}

func writeHeader(f *os.File, offset uint64, h *Header) error {
	h.Checksum = calcHeaderCrc(h)

	buf := make([]byte, headerCrcBufSize)
	copy(buf, serializeLE(h))
	return errors.Wrap(vdk.WriteAtFull(f, offset, buf), "write header failed")
}

func writeRegionTable(f *os.File, offset uint64, rt *RegionTable) error {
	rt.Header.Checksum = calcRegionTableCrc(rt)

	buf := make([]byte, regionCrcBufSize)
	copy(buf, serializeLE(rt))
	return errors.Wrap(vdk.WriteAtFull(f, offset, buf), "write region table failed")
}

func (hs *headerSection) parseContent(f *os.File) error {
	if err := hs.parseFileIdentifier(f); err != nil {
		return err
	}
	if err := hs.parseHeader(f); err != nil {
		return err
	}
	return hs.parseRegionTable(f)
}

func (hs *headerSection) parseFileIdentifier(f *os.File) error {
	if err := readObjectAt(f, fileIdentifierInitOffset, &hs.fileIdentifier); err != nil {
		return err
	}
	if hs.fileIdentifier.Signature != fileIdentifierSignature {
		return errors.Wrap(vdk.ErrCorrupt, "file identifier signature mismatch")
	}
	return nil
}

/*
 * A header is current if it is the only valid header or if it is valid and
 * its sequence number is greater than the other header's. A corrupted
 * inactive slot does not fail the parse; it is healed by the next header
 * update.
 */
func (hs *headerSection) parseHeader(f *os.File) error {
	offset := uint64(header1InitOffset)
	hs.activeHeaderIndex = -1
	maxSeqNum := uint64(0)

	for i := 0; i < 2; i++ {
		buf := make([]byte, headerCrcBufSize)
		if err := vdk.ReadAtFull(f, offset, buf); err != nil {
			return errors.Wrapf(err, "read header[%d] failed", i)
		}
		offset += 64 * vdk.KiB

		var h Header
		if err := deserializeLE(buf, &h); err != nil {
			return err
		}
		if h.Signature != headerSignature {
			log.Warnf("header[%d] signature mismatch", i)
			continue
		}

		chksum := h.Checksum
		for j := crcFieldOffset; j < crcFieldOffset+4; j++ {
			buf[j] = 0
		}
		newChksum := vdk.Crc32c(buf)
		if chksum != newChksum {
			log.Warnf("header[%d] checksum[0x%X|0x%X] mismatch", i, chksum, newChksum)
			continue
		}

		if h.Version != 1 {
			return errors.Wrapf(vdk.ErrUnsupported, "header[%d] version: %d", i, h.Version)
		}

		hs.headers[i] = h
		if h.SeqNum > maxSeqNum {
			hs.activeHeaderIndex = i
			maxSeqNum = h.SeqNum
		}
	}

	if hs.activeHeaderIndex == -1 {
		return errors.Wrap(vdk.ErrCorrupt, "no valid header")
	}
	return nil
}

func (hs *headerSection) parseRegionTable(f *os.File) error {
	offset := uint64(region1InitOffset)
	validIndex := -1

	for i := 0; i < 2; i++ {
		buf := make([]byte, regionCrcBufSize)
		if err := vdk.ReadAtFull(f, offset, buf); err != nil {
			return errors.Wrapf(err, "read region[%d] failed", i)
		}
		offset += 64 * vdk.KiB

		var rt RegionTable
		if err := deserializeLE(buf, &rt); err != nil {
			return err
		}
		if rt.Header.Signature != regionTableSignature {
			log.Warnf("region[%d] signature mismatch", i)
			continue
		}

		chksum := rt.Header.Checksum
		for j := crcFieldOffset; j < crcFieldOffset+4; j++ {
			buf[j] = 0
		}
		newChksum := vdk.Crc32c(buf)
		if chksum != newChksum {
			log.Warnf("region[%d] checksum[0x%X|0x%X] mismatch", i, chksum, newChksum)
			continue
		}

		if rt.Entries[0].Guid != batRegionGuid && rt.Entries[1].Guid != batRegionGuid {
			log.Warnf("region[%d] not content BAT regions", i)
			continue
		}
		if rt.Entries[0].Guid != metadataRegionGuid && rt.Entries[1].Guid != metadataRegionGuid {
			log.Warnf("region[%d] not content Metadata regions", i)
			continue
		}

		hs.regionTables[i] = rt
		if validIndex == -1 {
			validIndex = i
		}
	}

	if validIndex == -1 {
		return errors.Wrap(vdk.ErrCorrupt, "no valid region table")
	}

	rt := &hs.regionTables[validIndex]
	if rt.Entries[0].Guid == batRegionGuid {
		hs.batEntry = &rt.Entries[0]
		hs.metadataEntry = &rt.Entries[1]
	} else {
		hs.batEntry = &rt.Entries[1]
		hs.metadataEntry = &rt.Entries[0]
	}
	return nil
}

/*
 * The VHDX spec calls for header updates to be performed twice, so that
 * both the current and non-current header have valid info after the call.
 */
func (hs *headerSection) updateHeader(f *os.File, fileWriteGuid, logGuid *vdk.GUID) error {
	if err := hs.updateInactiveHeader(f, fileWriteGuid, logGuid); err != nil {
		return err
	}
	return hs.updateInactiveHeader(f, fileWriteGuid, logGuid)
}

func (hs *headerSection) updateInactiveHeader(f *os.File, fileWriteGuid, logGuid *vdk.GUID) error {
	hdrIndex := 0
	headerOffset := uint64(header1InitOffset)
	if hs.activeHeaderIndex == 0 {
		hdrIndex = 1
		headerOffset = header2InitOffset
	}

	active := &hs.headers[hs.activeHeaderIndex]
	inactive := &hs.headers[hdrIndex]

	*inactive = *active
	inactive.SeqNum = active.SeqNum + 1

	/* a new file write guid must be in place before any file write,
	 * including headers */
	if fileWriteGuid != nil {
		inactive.FileWriteGuid = *fileWriteGuid
	}
	inactive.DataWriteGuid = vdk.GenerateGUID()
	if logGuid != nil {
		inactive.LogGuid = *logGuid
	}

	if err := writeHeader(f, headerOffset, inactive); err != nil {
		return errors.Wrapf(err, "write header[%d] failed", hdrIndex)
	}
	if err := vdk.FlushFile(f); err != nil {
		return err
	}

	hs.activeHeaderIndex = hdrIndex
	return nil
}
