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
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/lingedeng/libvdk/vdk"
)

var log = vdk.Logger("vhdx")

type sectorInfo struct {
	batIdx       uint32 /* BAT entry index */
	sectorsAvail uint32 /* sectors available in payload block */
	bytesAvail   uint32 /* bytes available in payload block */
	fileOffset   uint64 /* absolute offset in bytes, in file */
	blockOffset  uint64 /* block offset, in bytes */

	bitmapIdx    uint32 /* bitmap entry index */
	bitmapOffset uint64 /* bitmap offset for differencing, in bytes */
}

// Vhdx is a handle to one VHDX container file. It owns the file descriptor,
// the parsed sections, the in-memory BAT and, once built, the chain of
// parent handles. A handle is not safe for concurrent use.
type Vhdx struct {
	file     string
	f        *os.File
	readOnly bool

	hdrSection *headerSection
	logSection *logSection
	mtdSection *metadataSection

	bat []BatEntry

	firstVisibleWrite bool
	/* This is used for any header updates, for the file write guid. The
	 * spec dictates that a new value should be used for the first header
	 * update. */
	fileRwGuid vdk.GUID

	parents []*Vhdx
}

// Load opens the container file without parsing it. A read-write handle
// gets a fresh file-write GUID, written with the first user-visible write.
func Load(file string, readOnly bool) (*Vhdx, error) {
	var f *os.File
	var err error
	if readOnly {
		f, err = vdk.OpenFileRO(file)
	} else {
		f, err = vdk.OpenFileRW(file)
	}
	if err != nil {
		return nil, err
	}

	v := &Vhdx{
		file:              file,
		f:                 f,
		readOnly:          readOnly,
		hdrSection:        &headerSection{},
		mtdSection:        &metadataSection{},
		firstVisibleWrite: true,
	}
	v.logSection = &logSection{vhdx: v}
	if !readOnly {
		v.fileRwGuid = vdk.GenerateGUID()
	}
	return v, nil
}

func (v *Vhdx) Close() error {
	for _, p := range v.parents {
		p.Close()
	}
	v.parents = nil
	v.bat = nil

	var err error
	if v.f != nil {
		err = v.f.Close()
		v.f = nil
	}
	return err
}

// Parse validates the file identifier, headers and region tables, replays
// the log, reads the metadata section and loads the BAT.
func (v *Vhdx) Parse() error {
	if v.f == nil {
		return errors.Wrapf(vdk.ErrInvalidArgument, "file: %s not load", v.file)
	}

	if err := v.hdrSection.parseContent(v.f); err != nil {
		return errors.Wrapf(err, "parse file: %s header section failed", v.file)
	}

	if err := v.logSection.parseContent(); err != nil {
		return errors.Wrap(err, "replay log failed")
	}

	if err := v.mtdSection.parseContent(v.f, v.hdrSection.metadataEntry.FileOffset); err != nil {
		return errors.Wrapf(err, "parse file: %s metadata section failed", v.file)
	}

	return v.loadBat()
}

func (v *Vhdx) loadBat() error {
	batOffset := v.hdrSection.batEntry.FileOffset
	totalBatSize := v.mtdSection.totalBatSizeInBytes()

	batBuf := make([]byte, totalBatSize)
	if err := vdk.ReadAtFull(v.f, batOffset, batBuf); err != nil {
		return errors.Wrapf(err, "read bat at offset: %d failed", batOffset)
	}

	v.bat = make([]BatEntry, v.mtdSection.totalBatCount)
	for i := range v.bat {
		v.bat[i] = binary.LittleEndian.Uint64(batBuf[i*batEntrySize:])
	}
	return nil
}

func (v *Vhdx) DiskType() DiskType         { return v.mtdSection.diskType() }
func (v *Vhdx) DiskSize() uint64           { return v.mtdSection.diskSize() }
func (v *Vhdx) BlockSize() uint32          { return v.mtdSection.blockSize() }
func (v *Vhdx) LogicalSectorSize() uint32  { return v.mtdSection.logicalSectorSize }
func (v *Vhdx) PhysicalSectorSize() uint32 { return v.mtdSection.physicalSectorSize }
func (v *Vhdx) ChunkRatio() uint32         { return v.mtdSection.chunkRatio }
func (v *Vhdx) DataBlockCount() uint32     { return v.mtdSection.dataBlockCount }
func (v *Vhdx) BitmapBlockCount() uint32   { return v.mtdSection.bitmapBlockCount }
func (v *Vhdx) TotalBatCount() uint32      { return v.mtdSection.totalBatCount }
func (v *Vhdx) SectorsPerBlock() uint32    { return v.mtdSection.sectorsPerBlock }

func (v *Vhdx) LogicalSectorSizeBits() uint32 { return v.mtdSection.logicalSectorSizeBits }
func (v *Vhdx) ChunkRatioBits() uint32        { return v.mtdSection.chunkRatioBits }
func (v *Vhdx) SectorsPerBlockBits() uint32   { return v.mtdSection.sectorsPerBlockBits }

func (v *Vhdx) DataWriteGuid() vdk.GUID { return v.hdrSection.dataWriteGuid() }
func (v *Vhdx) Bat() []BatEntry         { return v.bat }
func (v *Vhdx) File() string            { return v.file }

func (v *Vhdx) ParentLinkage() string           { return v.mtdSection.parentLinkage }
func (v *Vhdx) ParentLinkage2() string          { return v.mtdSection.parentLinkage2 }
func (v *Vhdx) ParentRelativePath() string      { return v.mtdSection.parentRelativePath }
func (v *Vhdx) ParentVolumePath() string        { return v.mtdSection.parentVolumePath }
func (v *Vhdx) ParentAbsoluteWin32Path() string { return v.mtdSection.parentAbsoluteWin32Path }

// ModifyParentLocator re-emits the parent locator metadata item in place.
func (v *Vhdx) ModifyParentLocator(parentAbsolutePath, parentRelativePath string) error {
	return v.mtdSection.modifyParentLocator(v.f, v.hdrSection.metadataEntry.FileOffset,
		parentAbsolutePath, parentRelativePath)
}

/*
 * Perform sector to block offset translations, to get various sector and
 * file offsets into the image.
 */
func (v *Vhdx) blockTranslate(sectorNum uint64, nbSectors uint32) sectorInfo {
	var si sectorInfo
	ms := v.mtdSection

	si.batIdx = uint32(sectorNum >> ms.sectorsPerBlockBits)

	/* effectively a modulo - this gives us the offset into the block
	 * (in sector sizes) for our sector number */
	blockOffset := uint32(sectorNum - uint64(si.batIdx)<<ms.sectorsPerBlockBits)

	/* the chunk ratio gives us the interleaving of the sector bitmaps, so
	 * we need to advance our page block index by the sector bitmaps entry
	 * number */
	si.batIdx += si.batIdx >> ms.chunkRatioBits

	/* the number of sectors we can read/write in this cycle */
	si.sectorsAvail = ms.sectorsPerBlock - blockOffset
	if si.sectorsAvail > nbSectors {
		si.sectorsAvail = nbSectors
	}

	si.bytesAvail = si.sectorsAvail << ms.logicalSectorSizeBits
	si.blockOffset = uint64(blockOffset) << ms.logicalSectorSizeBits

	_, si.fileOffset = payloadBatStatusOffset(v.bat[si.batIdx])

	batIdxInChunk := si.batIdx >> ms.chunkRatioBits
	si.bitmapIdx = (batIdxInChunk+1)<<ms.chunkRatioBits + batIdxInChunk

	/* The file offset must be past the header section, so must be > 0 */
	if si.fileOffset == 0 {
		return si
	}

	/* block offset is the offset in vhdx logical sectors, in the payload
	 * data block. Convert that to a byte offset in the block, and add in
	 * the payload data block offset in the file, in bytes, to get the
	 * final read address */
	si.fileOffset += si.blockOffset
	return si
}

func (v *Vhdx) checkRange(sectorNum uint64, nbSectors uint32, buf []byte) error {
	maxSectors := v.DiskSize() >> v.mtdSection.logicalSectorSizeBits
	if sectorNum+uint64(nbSectors) > maxSectors {
		return errors.Wrapf(vdk.ErrEndOfRange,
			"sector num: %d + sectors: %d exceeds max sector num: %d", sectorNum, nbSectors, maxSectors)
	}
	if uint64(len(buf)) < uint64(nbSectors)<<v.mtdSection.logicalSectorSizeBits {
		return errors.Wrapf(vdk.ErrInvalidArgument, "buffer too small for %d sectors", nbSectors)
	}
	return nil
}

// Read fills buf with nbSectors logical sectors starting at sectorNum,
// composing child and parent content at sector granularity.
func (v *Vhdx) Read(sectorNum uint64, nbSectors uint32, buf []byte) error {
	if err := v.checkRange(sectorNum, nbSectors, buf); err != nil {
		return err
	}

	if v.DiskType() == DiskTypeDifferencing {
		if err := v.buildParentList(); err != nil {
			return err
		}
	}
	return v.readRecursion(-1, sectorNum, nbSectors, buf)
}

func (v *Vhdx) readRecursion(vhdxIndex int, sectorNum uint64, nbSectors uint32, buf []byte) error {
	if vhdxIndex >= len(v.parents) && vhdxIndex >= 0 {
		return nil
	}

	current := v
	if vhdxIndex >= 0 {
		current = v.parents[vhdxIndex]
	}

	for nbSectors > 0 {
		si := current.blockTranslate(sectorNum, nbSectors)
		status, _ := payloadBatStatusOffset(current.bat[si.batIdx])

		switch status {
		case PayloadBlockNotPresent, PayloadBlockUndefined, PayloadBlockUnmapped, PayloadBlockZero:
			if current.DiskType() == DiskTypeDifferencing {
				if err := v.readFromParents(vhdxIndex+1, sectorNum, si.sectorsAvail, buf[:si.bytesAvail]); err != nil {
					return err
				}
			} else if current.DiskType() == DiskTypeDynamic {
				zeroFill(buf[:si.bytesAvail])
			} else {
				return errors.Wrapf(vdk.ErrCorrupt,
					"fixed disk bat[%d] status: %s", si.batIdx, status)
			}
		case PayloadBlockFullPresent:
			if err := current.readFromCurrent(si.fileOffset, buf[:si.bytesAvail]); err != nil {
				return err
			}
		case PayloadBlockPartiallyPresent:
			if err := v.readPartiallyPresent(vhdxIndex, current, &si, sectorNum, buf[:si.bytesAvail]); err != nil {
				return err
			}
		default:
			return errors.Wrapf(vdk.ErrCorrupt, "bat[%d] unknown status: %d", si.batIdx, status)
		}

		sectorNum += uint64(si.sectorsAvail)
		nbSectors -= si.sectorsAvail
		buf = buf[si.bytesAvail:]
	}
	return nil
}

/*
 * readPartiallyPresent walks the block bitmap bit by bit and splits the
 * span into runs served from this file and runs deferred to the parent.
 * Sectors are emitted in ascending order, each exactly once.
 */
func (v *Vhdx) readPartiallyPresent(vhdxIndex int, current *Vhdx, si *sectorInfo, sectorNum uint64, buf []byte) error {
	bitmapStatus, bitmapOffset := bitmapBatStatusOffset(current.bat[si.bitmapIdx])
	if bitmapStatus != BitmapBlockPresent || bitmapOffset == 0 {
		return errors.Wrapf(vdk.ErrCorrupt,
			"bitmap bat[%d] status: %s, offset: %d", si.bitmapIdx, bitmapStatus, bitmapOffset)
	}

	bitmapBuf, secs, _, err := current.loadPartialBlockBitmap(bitmapOffset, sectorNum, si.sectorsAvail)
	if err != nil {
		return errors.Wrap(err, "load block bitmap failed")
	}

	lsBits := current.mtdSection.logicalSectorSizeBits
	partialSectorNum := sectorNum
	availSectors := uint32(0)
	unavailSectors := uint32(0)

	flushAvail := func() error {
		if availSectors == 0 {
			return nil
		}
		availBytes := availSectors << lsBits
		availOffset := si.fileOffset + ((partialSectorNum - sectorNum) << lsBits)
		if err := current.readFromCurrent(availOffset, buf[:availBytes]); err != nil {
			return err
		}
		partialSectorNum += uint64(availSectors)
		buf = buf[availBytes:]
		availSectors = 0
		return nil
	}
	flushUnavail := func() error {
		if unavailSectors == 0 {
			return nil
		}
		unavailBytes := unavailSectors << lsBits
		if err := v.readFromParents(vhdxIndex+1, partialSectorNum, unavailSectors, buf[:unavailBytes]); err != nil {
			return err
		}
		partialSectorNum += uint64(unavailSectors)
		buf = buf[unavailBytes:]
		unavailSectors = 0
		return nil
	}

	for i := uint32(0); i < si.sectorsAvail; i++ {
		if testBit(bitmapBuf, secs+i) {
			if err := flushUnavail(); err != nil {
				return err
			}
			availSectors++
		} else {
			if err := flushAvail(); err != nil {
				return err
			}
			unavailSectors++
		}
	}
	if err := flushAvail(); err != nil {
		return err
	}
	return flushUnavail()
}

func (v *Vhdx) readFromParents(parentsIndex int, sectorNum uint64, nbSectors uint32, buf []byte) error {
	if err := v.readRecursion(parentsIndex, sectorNum, nbSectors, buf); err != nil {
		return errors.Wrapf(err, "recursion read sector: %d, sectors: %d with parents index: %d failed",
			sectorNum, nbSectors, parentsIndex)
	}
	return nil
}

func (v *Vhdx) readFromCurrent(offset uint64, buf []byte) error {
	return errors.Wrapf(vdk.ReadAtFull(v.f, offset, buf),
		"read from offset %d with length %d failed", offset, len(buf))
}

/*
 * loadPartialBlockBitmap reads only the byte range of the 1 MiB block
 * bitmap that covers [sectorNum, sectorNum+nbSectors). It returns the
 * bytes, the bit index of sectorNum within the first byte and the file
 * offset the bytes came from.
 */
func (v *Vhdx) loadPartialBlockBitmap(bitmapOffset, sectorNum uint64, nbSectors uint32) ([]byte, uint32, uint64, error) {
	secsIndex := uint32(sectorNum % SectorsPerBitmap)
	byteIndex := secsIndex / 8
	secs := secsIndex % 8

	needBytes := vdk.DivRoundUp(secs+nbSectors, 8)
	buf := make([]byte, needBytes)

	offset := bitmapOffset + uint64(byteIndex)
	if err := vdk.ReadAtFull(v.f, offset, buf); err != nil {
		return nil, 0, 0, errors.Wrapf(err, "read bitmap from offset %d failed", offset)
	}
	return buf, secs, offset, nil
}

// modifyPartialBitmap read-modify-writes the affected bitmap byte range in
// memory, setting the bits for the written sectors. The caller persists the
// returned bytes through the log.
func (v *Vhdx) modifyPartialBitmap(bitmapOffset, sectorNum uint64, nbSectors uint32) ([]byte, uint64, error) {
	buf, secs, offset, err := v.loadPartialBlockBitmap(bitmapOffset, sectorNum, nbSectors)
	if err != nil {
		return nil, 0, err
	}
	for i := uint32(0); i < nbSectors; i++ {
		setBit(buf, secs+i)
	}
	return buf, offset, nil
}

// Write stores nbSectors logical sectors starting at sectorNum. Blocks are
// allocated on first touch; BAT and bitmap changes are made durable through
// the write-ahead log.
func (v *Vhdx) Write(sectorNum uint64, nbSectors uint32, buf []byte) error {
	if v.readOnly {
		return errors.Wrapf(vdk.ErrNotPermitted, "file: %s opened read-only", v.file)
	}
	if err := v.checkRange(sectorNum, nbSectors, buf); err != nil {
		return err
	}

	if err := v.userVisibleWrite(); err != nil {
		return err
	}

	if v.DiskType() == DiskTypeDifferencing {
		if err := v.buildParentList(); err != nil {
			return err
		}
	}

	for nbSectors > 0 {
		si := v.blockTranslate(sectorNum, nbSectors)
		status, blockPresentOffset := payloadBatStatusOffset(v.bat[si.batIdx])

		batUpdate := false
		bitmapBatUpdate := false
		bitmapUpdate := false
		var batEntry, bitmapBatEntry BatEntry
		var batEntryOffset, bitmapBatEntryOffset uint64
		var partialBitmapBuf []byte
		var partialBitmapOffset uint64

		switch status {
		case PayloadBlockZero, PayloadBlockNotPresent, PayloadBlockUndefined, PayloadBlockUnmapped:
			parentAlreadyAllocBlock := false
			if v.DiskType() == DiskTypeDifferencing {
				parentAlreadyAllocBlock = v.isParentAlreadyAllocBlock(si.batIdx)
			}

			priorBatEntry := v.bat[si.batIdx]

			newOffset, bitmapOffset, err := v.allocateBlock(parentAlreadyAllocBlock)
			if err != nil {
				return err
			}
			si.fileOffset = newOffset
			si.bitmapOffset = bitmapOffset

			if parentAlreadyAllocBlock {
				batEntry, batEntryOffset = v.updateBatTablePayloadEntry(&si, PayloadBlockPartiallyPresent)
				bitmapBatEntry, bitmapBatEntryOffset = v.updateBatTableBitmapEntry(&si, BitmapBlockPresent)
				bitmapBatUpdate = true
			} else {
				batEntry, batEntryOffset = v.updateBatTablePayloadEntry(&si, PayloadBlockFullPresent)
			}
			batUpdate = true

			/* Since we just allocated a block, file offset is the beginning
			 * of the payload block. It needs to be the write address, which
			 * includes the offset into the block. */
			si.fileOffset += si.blockOffset

			if err = v.writePayload(&si, sectorNum, buf); err != nil {
				/* the BAT entries were not persisted yet, restore the
				 * in-memory view */
				v.bat[si.batIdx] = priorBatEntry
				if bitmapBatUpdate {
					v.bat[si.bitmapIdx] = 0
				}
				return err
			}

			if parentAlreadyAllocBlock {
				partialBitmapBuf, partialBitmapOffset, err = v.modifyPartialBitmap(si.bitmapOffset, sectorNum, si.sectorsAvail)
				if err != nil {
					return errors.Wrap(err, "modify partially bitmap failed")
				}
				bitmapUpdate = true
			}

		case PayloadBlockFullPresent:
			if err := v.writePayload(&si, sectorNum, buf); err != nil {
				return err
			}

		case PayloadBlockPartiallyPresent:
			si.fileOffset = blockPresentOffset + si.blockOffset

			bmStatus, bitmapOffset := bitmapBatStatusOffset(v.bat[si.bitmapIdx])
			if bmStatus != BitmapBlockPresent {
				return errors.Wrapf(vdk.ErrCorrupt, "bitmap bat[%d] status: %s", si.bitmapIdx, bmStatus)
			}
			si.bitmapOffset = bitmapOffset

			if err := v.writePayload(&si, sectorNum, buf); err != nil {
				return err
			}

			var err error
			partialBitmapBuf, partialBitmapOffset, err = v.modifyPartialBitmap(si.bitmapOffset, sectorNum, si.sectorsAvail)
			if err != nil {
				return errors.Wrap(err, "modify partially bitmap failed")
			}
			bitmapUpdate = true

		default:
			return errors.Wrapf(vdk.ErrCorrupt, "bat[%d] unknown status: %d", si.batIdx, status)
		}

		/* the BAT entry change and any bitmap byte change go through the
		 * log journal and are flushed out to disk by replay */
		if batUpdate {
			var be [batEntrySize]byte
			binary.LittleEndian.PutUint64(be[:], batEntry)
			if err := v.logSection.writeLogEntryAndFlush(batEntryOffset, be[:]); err != nil {
				return errors.Wrap(err, "write payload bat log entry failed")
			}
		}
		if bitmapUpdate {
			if err := v.logSection.writeLogEntryAndFlush(partialBitmapOffset, partialBitmapBuf); err != nil {
				return errors.Wrap(err, "write partially bitmap log entry failed")
			}
		}
		if bitmapBatUpdate {
			var be [batEntrySize]byte
			binary.LittleEndian.PutUint64(be[:], bitmapBatEntry)
			if err := v.logSection.writeLogEntryAndFlush(bitmapBatEntryOffset, be[:]); err != nil {
				return errors.Wrap(err, "write bitmap bat log entry failed")
			}
		}

		sectorNum += uint64(si.sectorsAvail)
		nbSectors -= si.sectorsAvail
		buf = buf[si.bytesAvail:]
	}
	return nil
}

func (v *Vhdx) writePayload(si *sectorInfo, sectorNum uint64, buf []byte) error {
	/* if the write address is in the header zone, there is a problem */
	if si.fileOffset < 1*vdk.MiB {
		return errors.Wrapf(vdk.ErrCorrupt, "write file offset: %d too small", si.fileOffset)
	}
	return errors.Wrapf(vdk.WriteAtFull(v.f, si.fileOffset, buf[:si.bytesAvail]),
		"write to offset %d with length %d failed", si.fileOffset, si.bytesAvail)
}

/*
 * allocateBlock appends one payload block at the end of the file, rounded
 * up to 1 MiB. When a parent already holds this block a 1 MiB bitmap region
 * is allocated in front of the payload.
 */
func (v *Vhdx) allocateBlock(parentAlreadyAllocBlock bool) (uint64, uint64, error) {
	currentLen, err := vdk.FileSize(v.f)
	if err != nil {
		return 0, 0, err
	}

	newOffset := vdk.RoundUp(currentLen, vdk.MiB)
	bitmapOffset := uint64(0)

	if parentAlreadyAllocBlock {
		bitmapOffset = newOffset
		newOffset += 1 * vdk.MiB
	}

	newFileSize := newOffset + uint64(v.mtdSection.blockSize())
	if err = vdk.TruncateFile(v.f, newFileSize); err != nil {
		return 0, 0, errors.Wrapf(err, "truncate file: %s to size: %d failed", v.file, newFileSize)
	}
	return newOffset, bitmapOffset, nil
}

func (v *Vhdx) updateBatTablePayloadEntry(si *sectorInfo, status PayloadBatEntryStatus) (BatEntry, uint64) {
	v.bat[si.batIdx] = makePayloadBatEntry(status, si.fileOffset)
	return v.bat[si.batIdx],
		v.hdrSection.batEntry.FileOffset + uint64(si.batIdx)*batEntrySize
}

func (v *Vhdx) updateBatTableBitmapEntry(si *sectorInfo, status BitmapBatEntryStatus) (BatEntry, uint64) {
	v.bat[si.bitmapIdx] = makeBitmapBatEntry(status, si.bitmapOffset)
	return v.bat[si.bitmapIdx],
		v.hdrSection.batEntry.FileOffset + uint64(si.bitmapIdx)*batEntrySize
}

/* Per the spec, on the first write of guest-visible data to the file the
 * file write guid must be updated in the header */
func (v *Vhdx) userVisibleWrite() error {
	if !v.firstVisibleWrite {
		return nil
	}
	v.firstVisibleWrite = false
	return v.hdrSection.updateHeader(v.f, &v.fileRwGuid, nil)
}

func (v *Vhdx) isParentAlreadyAllocBlock(batIndex uint32) bool {
	for _, parent := range v.parents {
		status, _ := payloadBatStatusOffset(parent.bat[batIndex])
		if status == PayloadBlockFullPresent || status == PayloadBlockPartiallyPresent {
			return true
		}
	}
	return false
}

// BuildParentList resolves the parent chain: the absolute path is preferred
// when it exists, then the relative path; every parent's data-write GUID
// must equal the child's stored linkage.
func (v *Vhdx) BuildParentList() error {
	return v.buildParentList()
}

func (v *Vhdx) buildParentList() error {
	if len(v.parents) > 0 || v.DiskType() != DiskTypeDifferencing {
		return nil
	}

	current := v
	for {
		parentPath := ""
		if vdk.ExistFile(current.ParentAbsoluteWin32Path()) {
			parentPath = current.ParentAbsoluteWin32Path()
		} else if vdk.ExistFile(current.resolveRelativeParent()) {
			parentPath = current.resolveRelativeParent()
		}
		if parentPath == "" {
			v.clearParents()
			return errors.Wrapf(vdk.ErrNotFound, "cannot find parent by %s or %s",
				current.ParentAbsoluteWin32Path(), current.ParentRelativePath())
		}

		parent, err := Load(parentPath, true)
		if err != nil {
			v.clearParents()
			return err
		}
		if err = parent.Parse(); err != nil {
			parent.Close()
			v.clearParents()
			return errors.Wrapf(err, "parse parent file: %s failed", parentPath)
		}

		parentDataWriteGuid := parent.DataWriteGuid().WinString()
		currentLinkage := current.mtdSection.parentLinkageForCompare()
		if parentDataWriteGuid != currentLinkage {
			parent.Close()
			v.clearParents()
			return errors.Wrapf(vdk.ErrLinkageMismatch, "linkage mismatch[%s|%s]",
				currentLinkage, parentDataWriteGuid)
		}
		// a parent cannot be its own descendant
		if parent.mtdSection.virtualDiskGuid == v.mtdSection.virtualDiskGuid {
			parent.Close()
			v.clearParents()
			return errors.Wrapf(vdk.ErrLinkageMismatch, "parent chain cycle at %s", parentPath)
		}

		v.parents = append(v.parents, parent)

		if parent.DiskType() != DiskTypeDifferencing {
			return nil
		}
		current = parent
	}
}

func (v *Vhdx) resolveRelativeParent() string {
	rel := v.ParentRelativePath()
	if rel == "" {
		return ""
	}
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(filepath.Dir(v.file), rel)
}

func (v *Vhdx) clearParents() {
	for _, p := range v.parents {
		p.Close()
	}
	v.parents = nil
}

const bitMask = uint8(0x80)

func testBit(addr []byte, nr uint32) bool {
	return (addr[nr>>3]<<(nr&7))&bitMask != 0
}

func setBit(addr []byte, nr uint32) {
	addr[nr>>3] |= bitMask >> (nr & 7)
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
