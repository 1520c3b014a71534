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
	"encoding/binary"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/lingedeng/libvdk/vdk"
)

var log = vdk.Logger("vpc")

type sectorInfo struct {
	batIdx       uint32 /* BAT entry index */
	sectorsAvail uint32 /* sectors available in payload block */
	bytesAvail   uint32 /* bytes available in payload block */
	fileOffset   uint64 /* absolute offset in bytes, in file */
	blockOffset  uint64 /* block offset, in bytes */
}

// Vpc is a handle to one VHD container file. It owns the file descriptor,
// the in-memory BAT and, once built, the chain of parent handles. A handle
// is not safe for concurrent use.
type Vpc struct {
	file     string
	f        *os.File
	readOnly bool
	parsed   bool

	footer Footer
	header Header

	bat             []BatEntry
	sectorsPerBlock uint32

	// rewrite the trailing footer on close after the file grew
	rewriteFooter bool

	parentAbsolutePath string
	parentRelativePath string
	parents            []*Vpc
}

// Load opens the container file without parsing it.
func Load(file string, readOnly bool) (*Vpc, error) {
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
	return &Vpc{file: file, f: f, readOnly: readOnly}, nil
}

// Close releases the handle. A read-write handle that allocated blocks
// rewrites the trailing footer first.
func (v *Vpc) Close() error {
	var err error
	if v.rewriteFooter {
		v.rewriteFooter = false
		var size uint64
		if size, err = vdk.FileSize(v.f); err == nil {
			err = vdk.WriteAtFull(v.f, size, serializeFooter(&v.footer))
		}
		if err != nil {
			log.Errorf("rewrite trailing footer failed: %v", err)
		}
	}
	for _, p := range v.parents {
		p.Close()
	}
	v.parents = nil
	v.bat = nil
	v.parsed = false
	if v.f != nil {
		if cerr := v.f.Close(); err == nil {
			err = cerr
		}
		v.f = nil
	}
	return err
}

// Parse reads the footer, the sparse header, the parent locators and the
// BAT. The trailing footer copy is preferred, the leading copy is the
// fallback.
func (v *Vpc) Parse(buildParentList bool) error {
	if v.f == nil {
		return errors.Wrapf(vdk.ErrInvalidArgument, "file: %s not load", v.file)
	}
	if v.parsed {
		return nil
	}

	buf := make([]byte, FooterSize)
	footerOk := false
	if size, err := vdk.FileSize(v.f); err == nil && size >= FooterSize {
		if err = vdk.ReadAtFull(v.f, size-FooterSize, buf); err != nil {
			log.Warnf("read footer failed, try copy footer: %v", err)
		} else if err = deserializeFooter(buf, &v.footer); err == nil && v.footer.Cookie == footerCookie {
			footerOk = true
		} else {
			log.Warnf("file: %s footer cookie mismatch", v.file)
		}
	}
	if !footerOk {
		if err := vdk.ReadAtFull(v.f, 0, buf); err != nil {
			return err
		}
		if err := deserializeFooter(buf, &v.footer); err != nil || v.footer.Cookie != footerCookie {
			return errors.Wrapf(vdk.ErrCorrupt, "file: %s copy footer cookie mismatch", v.file)
		}
	}

	checksum := v.footer.Checksum
	calcChksum := calcFooterChecksum(&v.footer)
	if checksum != calcChksum {
		return errors.Wrapf(vdk.ErrCorrupt,
			"file: %s footer checksum mismatch(0x%08X|0x%08X)", v.file, checksum, calcChksum)
	}

	if v.DiskType() != DiskTypeFixed {
		hbuf := make([]byte, HeaderSize)
		if err := vdk.ReadAtFull(v.f, v.footer.DataOffset, hbuf); err != nil {
			return err
		}
		if err := deserializeHeader(hbuf, &v.header); err != nil || v.header.Cookie != headerCookie {
			return errors.Wrapf(vdk.ErrCorrupt, "file: %s header cookie mismatch", v.file)
		}

		checksum = v.header.Checksum
		calcChksum = calcHeaderChecksum(&v.header)
		if checksum != calcChksum {
			return errors.Wrapf(vdk.ErrCorrupt,
				"file: %s header checksum mismatch(0x%08X|0x%08X)", v.file, checksum, calcChksum)
		}

		if v.DiskType() == DiskTypeDifferencing {
			if err := v.parseParentLocators(); err != nil {
				return err
			}
			if buildParentList {
				if err := v.buildParentList(); err != nil {
					return err
				}
			}
		}

		v.sectorsPerBlock = v.header.BlockSize >> SectorBytesShift

		batBytes := uint64(v.header.MaxTableEntries) << 2
		batBuf := make([]byte, batBytes)
		if err := vdk.ReadAtFull(v.f, v.header.TableOffset, batBuf); err != nil {
			return errors.Wrap(err, "read bat table failed")
		}
		v.bat = make([]BatEntry, v.header.MaxTableEntries)
		for i := range v.bat {
			v.bat[i] = binary.BigEndian.Uint32(batBuf[i*4:])
		}
	}

	v.parsed = true
	return nil
}

func (v *Vpc) parseParentLocators() error {
	for i := range v.header.ParentLocators {
		ple := &v.header.ParentLocators[i]
		if ple.PlatformCode == platformCodeNone {
			continue
		}

		data := make([]byte, ple.PlatformDataLength)
		if err := vdk.ReadAtFull(v.f, ple.PlatformDataOffset, data); err != nil {
			log.Warnf("read file: %s platform locator data with index: %d failed", v.file, i)
			continue
		}

		path, err := vdk.Utf16LEToUtf8(data)
		if err != nil {
			log.Warnf("decode platform locator data with index: %d failed", i)
			continue
		}
		switch ple.PlatformCode {
		case platformCodeW2ru:
			v.parentRelativePath = path
		case platformCodeW2ku:
			v.parentAbsolutePath = path
		}
	}

	if v.parentRelativePath == "" && v.parentAbsolutePath == "" {
		return errors.Wrapf(vdk.ErrCorrupt, "differencing file: %s, not found parent path", v.file)
	}
	return nil
}

func (v *Vpc) buildParentList() error {
	if len(v.parents) > 0 || v.DiskType() != DiskTypeDifferencing {
		return nil
	}

	current := v
	for {
		parentPath := ""
		if vdk.ExistFile(current.parentAbsolutePath) {
			parentPath = current.parentAbsolutePath
		} else if vdk.ExistFile(current.resolveRelativeParent()) {
			parentPath = current.resolveRelativeParent()
		}
		if parentPath == "" {
			v.clearParents()
			return errors.Wrapf(vdk.ErrNotFound, "cannot find parent by %s or %s",
				current.parentAbsolutePath, current.parentRelativePath)
		}

		parent, err := Load(parentPath, true)
		if err != nil {
			v.clearParents()
			return err
		}
		if err = parent.Parse(false); err != nil {
			parent.Close()
			v.clearParents()
			return errors.Wrapf(err, "parse parent file: %s failed", parentPath)
		}

		if parent.footer.UniqueID != current.header.ParentUniqueID {
			parent.Close()
			v.clearParents()
			return errors.Wrapf(vdk.ErrLinkageMismatch, "parent linkage mismatch[%s|%s]",
				vdk.GUIDFromBytes(parent.footer.UniqueID).String(),
				vdk.GUIDFromBytes(current.header.ParentUniqueID).String())
		}
		// a parent cannot be its own descendant
		if parent.footer.UniqueID == v.footer.UniqueID {
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

// resolveRelativeParent interprets the stored relative locator against the
// directory holding the child file.
func (v *Vpc) resolveRelativeParent() string {
	if v.parentRelativePath == "" {
		return ""
	}
	if filepath.IsAbs(v.parentRelativePath) {
		return v.parentRelativePath
	}
	return filepath.Join(filepath.Dir(v.file), v.parentRelativePath)
}

func (v *Vpc) clearParents() {
	for _, p := range v.parents {
		p.Close()
	}
	v.parents = nil
}

func (v *Vpc) checkRange(sectorNum uint64, nbSectors uint32, buf []byte) error {
	maxSectors := v.footer.CurrentSize >> SectorBytesShift
	if sectorNum+uint64(nbSectors) > maxSectors {
		return errors.Wrapf(vdk.ErrEndOfRange,
			"sector num: %d + sectors: %d exceeds max sector num: %d", sectorNum, nbSectors, maxSectors)
	}
	if uint64(len(buf)) < uint64(nbSectors)<<SectorBytesShift {
		return errors.Wrapf(vdk.ErrInvalidArgument, "buffer too small for %d sectors", nbSectors)
	}
	return nil
}

// Read fills buf with nbSectors logical sectors starting at sectorNum,
// composing child and parent content at sector granularity.
func (v *Vpc) Read(sectorNum uint64, nbSectors uint32, buf []byte) error {
	if err := v.checkRange(sectorNum, nbSectors, buf); err != nil {
		return err
	}
	return v.readRecursion(-1, sectorNum, nbSectors, buf)
}

func (v *Vpc) readRecursion(parentIndex int, sectorNum uint64, nbSectors uint32, buf []byte) error {
	if parentIndex >= len(v.parents) && parentIndex >= 0 {
		return nil
	}

	current := v
	if parentIndex >= 0 {
		current = v.parents[parentIndex]
	}

	for nbSectors > 0 {
		si := current.blockTranslate(sectorNum, nbSectors)

		if current.DiskType() != DiskTypeFixed {
			bentry := current.bat[si.batIdx]
			switch {
			case bentry != batEntryUnused:
				if err := v.readPresentBlock(parentIndex, current, &si, sectorNum, buf[:si.bytesAvail]); err != nil {
					return err
				}
			case current.DiskType() == DiskTypeDifferencing:
				if err := v.readRecursion(parentIndex+1, sectorNum, si.sectorsAvail, buf[:si.bytesAvail]); err != nil {
					return err
				}
			default:
				zeroFill(buf[:si.bytesAvail])
			}
		} else {
			if err := vdk.ReadAtFull(current.f, si.fileOffset, buf[:si.bytesAvail]); err != nil {
				return errors.Wrap(err, "read fixed payload failed")
			}
		}

		sectorNum += uint64(si.sectorsAvail)
		nbSectors -= si.sectorsAvail
		buf = buf[si.bytesAvail:]
	}
	return nil
}

/*
 * readPresentBlock walks the block bitmap bit by bit and splits the span
 * into runs served locally and runs deferred to the parent (or zero filled
 * on a dynamic disk). Sectors are emitted in ascending order, each exactly
 * once.
 */
func (v *Vpc) readPresentBlock(parentIndex int, current *Vpc, si *sectorInfo, sectorNum uint64, buf []byte) error {
	bentry := current.bat[si.batIdx]
	bitmapOffset := uint64(bentry) << SectorBytesShift

	bitmapBuf := make([]byte, BitmapSize)
	if err := vdk.ReadAtFull(current.f, bitmapOffset, bitmapBuf); err != nil {
		return errors.Wrapf(err, "sector num: %d, bat table[%d]: %d, read bitmap failed",
			sectorNum, si.batIdx, bentry)
	}

	secs := uint32(sectorNum % SectorsPerBitmap)
	partialSectorNum := sectorNum
	availSectors := uint32(0)
	unavailSectors := uint32(0)

	flushAvail := func() error {
		if availSectors == 0 {
			return nil
		}
		availBytes := availSectors << SectorBytesShift
		availOffset := si.fileOffset + ((partialSectorNum - sectorNum) << SectorBytesShift)
		if err := vdk.ReadAtFull(current.f, availOffset, buf[:availBytes]); err != nil {
			return errors.Wrap(err, "read payload failed")
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
		unavailBytes := unavailSectors << SectorBytesShift
		if current.DiskType() == DiskTypeDifferencing {
			if err := v.readRecursion(parentIndex+1, partialSectorNum, unavailSectors, buf[:unavailBytes]); err != nil {
				return errors.Wrapf(err, "recursion read sector: %d, sectors: %d with parents index: %d failed",
					partialSectorNum, unavailSectors, parentIndex+1)
			}
		} else {
			zeroFill(buf[:unavailBytes])
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

// Write stores nbSectors logical sectors starting at sectorNum, allocating
// absent blocks and marking the written sectors in the block bitmap.
func (v *Vpc) Write(sectorNum uint64, nbSectors uint32, buf []byte) error {
	if v.readOnly {
		return errors.Wrapf(vdk.ErrNotPermitted, "file: %s opened read-only", v.file)
	}
	if err := v.checkRange(sectorNum, nbSectors, buf); err != nil {
		return err
	}

	bitmapBuf := make([]byte, BitmapSize)
	for nbSectors > 0 {
		si := v.blockTranslate(sectorNum, nbSectors)

		if v.DiskType() != DiskTypeFixed {
			oldBentry := v.bat[si.batIdx]
			bentry := oldBentry
			var bitmapOffset uint64

			if bentry == batEntryUnused {
				newOffset, err := v.allocateNewBlock()
				if err != nil {
					return err
				}
				bitmapOffset = newOffset
				zeroFill(bitmapBuf)

				bentry = BatEntry(bitmapOffset >> SectorBytesShift)
				v.bat[si.batIdx] = bentry
				si.fileOffset = newOffset + BitmapSize + si.blockOffset
			} else {
				bitmapOffset = uint64(bentry) << SectorBytesShift
				if err := vdk.ReadAtFull(v.f, bitmapOffset, bitmapBuf); err != nil {
					return err
				}
			}

			secs := uint32(sectorNum % SectorsPerBitmap)
			for i := uint32(0); i < si.sectorsAvail; i++ {
				setBit(bitmapBuf, secs+i)
			}

			if err := vdk.WriteAtFull(v.f, si.fileOffset, buf[:si.bytesAvail]); err != nil {
				return errors.Wrap(err, "write payload data failed")
			}
			if err := vdk.WriteAtFull(v.f, bitmapOffset, bitmapBuf); err != nil {
				return errors.Wrap(err, "write bitmap failed")
			}

			if oldBentry != bentry {
				batEntryOffset := v.header.TableOffset + uint64(si.batIdx)<<2
				var be [4]byte
				binary.BigEndian.PutUint32(be[:], bentry)
				if err := vdk.WriteAtFull(v.f, batEntryOffset, be[:]); err != nil {
					return errors.Wrapf(err, "write bat entry to offset %d failed", batEntryOffset)
				}
			}
		} else {
			if err := vdk.WriteAtFull(v.f, si.fileOffset, buf[:si.bytesAvail]); err != nil {
				return errors.Wrap(err, "write payload data failed")
			}
		}

		sectorNum += uint64(si.sectorsAvail)
		nbSectors -= si.sectorsAvail
		buf = buf[si.bytesAvail:]
	}
	return nil
}

// allocateNewBlock appends a bitmap sector plus one payload block at the
// current end of the file, displacing the trailing footer until close.
func (v *Vpc) allocateNewBlock() (uint64, error) {
	currentLen, err := vdk.FileSize(v.f)
	if err != nil {
		return 0, err
	}

	newOffset := currentLen
	if !v.rewriteFooter {
		newOffset = currentLen - FooterSize
	}
	newOffset = vdk.RoundUp(newOffset, uint64(SectorSize))

	// bitmap (512 bytes) + block (2M)
	newFileSize := newOffset + BitmapSize + uint64(v.header.BlockSize)
	if err = vdk.TruncateFile(v.f, newFileSize); err != nil {
		return 0, errors.Wrapf(err, "truncate file: %s to size: %d failed", v.file, newFileSize)
	}

	v.rewriteFooter = true
	return newOffset, nil
}

func (v *Vpc) blockTranslate(sectorNum uint64, nbSectors uint32) sectorInfo {
	var si sectorInfo

	if v.DiskType() != DiskTypeFixed {
		si.batIdx = uint32(sectorNum / uint64(v.sectorsPerBlock))

		/* effectively a modulo - this gives us the offset into the block
		 * (in sector sizes) for our sector number */
		blockOffset := uint32(sectorNum % uint64(v.sectorsPerBlock))

		/* the number of sectors we can read/write in this cycle */
		si.sectorsAvail = v.sectorsPerBlock - blockOffset
		if si.sectorsAvail > nbSectors {
			si.sectorsAvail = nbSectors
		}

		si.bytesAvail = si.sectorsAvail << SectorBytesShift
		si.blockOffset = uint64(blockOffset) << SectorBytesShift

		batEntry := v.bat[si.batIdx]
		if batEntry == batEntryUnused {
			return si
		}

		si.fileOffset = (uint64(batEntry)+1)<<SectorBytesShift + si.blockOffset
	} else {
		maxSectors := v.footer.CurrentSize >> SectorBytesShift
		if sectorNum >= maxSectors {
			sectorNum = maxSectors - 1
		}

		si.sectorsAvail = uint32(maxSectors - sectorNum)
		if si.sectorsAvail > nbSectors {
			si.sectorsAvail = nbSectors
		}

		si.bytesAvail = si.sectorsAvail << SectorBytesShift
		si.blockOffset = sectorNum << SectorBytesShift
		si.fileOffset = si.blockOffset
	}
	return si
}

// ModifyParentLocator re-emits the stored parent paths in place and
// rewrites the sparse header with a fresh checksum.
func (v *Vpc) ModifyParentLocator(paPath, prPath string) error {
	for i := range v.header.ParentLocators {
		ple := &v.header.ParentLocators[i]
		if ple.PlatformCode == platformCodeNone {
			continue
		}

		parentPath := ""
		if ple.PlatformCode == platformCodeW2ru && prPath != "" {
			parentPath = prPath
		} else if ple.PlatformCode == platformCodeW2ku && paPath != "" {
			parentPath = paPath
		}
		if parentPath == "" {
			continue
		}

		data, err := vdk.Utf8ToUtf16LE(parentPath)
		if err != nil {
			return errors.Wrapf(err, "encode parent path %s failed", parentPath)
		}
		if uint32(len(data)) > ple.PlatformDataSpace {
			return errors.Wrapf(vdk.ErrInvalidArgument,
				"parent path %s exceeds locator data space", parentPath)
		}
		padded := make([]byte, ple.PlatformDataSpace)
		copy(padded, data)

		if err = vdk.WriteAtFull(v.f, ple.PlatformDataOffset, padded); err != nil {
			return errors.Wrapf(err, "write file: %s platform locator data failed", v.file)
		}

		ple.PlatformDataLength = uint32(len(data))
	}

	v.header.Checksum = calcHeaderChecksum(&v.header)
	return vdk.WriteAtFull(v.f, FooterSize, serializeHeader(&v.header))
}

// ReadBatEntryBitmap returns the BAT entry covering sectorNum and, when the
// block is allocated, its 512-byte bitmap.
func (v *Vpc) ReadBatEntryBitmap(sectorNum uint64) (BatEntry, []byte, error) {
	batIdx := uint32(sectorNum / uint64(v.sectorsPerBlock))
	bentry := v.bat[batIdx]
	if bentry == batEntryUnused {
		return bentry, nil, nil
	}

	offset := uint64(bentry) << SectorBytesShift
	buf := make([]byte, BitmapSize)
	if err := vdk.ReadAtFull(v.f, offset, buf); err != nil {
		return bentry, nil, err
	}
	return bentry, buf, nil
}

func (v *Vpc) File() string                  { return v.file }
func (v *Vpc) DiskType() DiskType            { return DiskType(v.footer.DiskType) }
func (v *Vpc) DiskSize() uint64              { return v.footer.CurrentSize }
func (v *Vpc) UniqueID() [16]byte            { return v.footer.UniqueID }
func (v *Vpc) ParentUniqueID() [16]byte      { return v.header.ParentUniqueID }
func (v *Vpc) Timestamp() uint32             { return v.footer.Timestamp }
func (v *Vpc) MaxBatTableEntries() uint32    { return v.header.MaxTableEntries }
func (v *Vpc) BatTableOffset() uint64        { return v.header.TableOffset }
func (v *Vpc) BatTable() []BatEntry          { return v.bat }
func (v *Vpc) ParentAbsolutePath() string    { return v.parentAbsolutePath }
func (v *Vpc) ParentRelativePath() string    { return v.parentRelativePath }
func (v *Vpc) Footer() *Footer               { return &v.footer }
func (v *Vpc) SectorsPerBlock() uint32       { return v.sectorsPerBlock }

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

func calcTimestamp() uint32 {
	return uint32(time.Now().Unix() - vhdEpochStart)
}
