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
	metadataTableSignature = [8]byte{'m', 'e', 't', 'a', 'd', 'a', 't', 'a'}

	fileParametersGuid     = vdk.MustGUID("CAA16737-FA36-4D43-B3B6-33F0AA44E76B")
	virtualDiskSizeGuid    = vdk.MustGUID("2FA54224-CD1B-4876-B211-5DBED83BF4B8")
	virtualDiskIdGuid      = vdk.MustGUID("BECA12AB-B2E6-4523-93EF-C309E000C746")
	logicalSectorSizeGuid  = vdk.MustGUID("8141BF1D-A96F-4709-BA47-F233A8FAAB5F")
	physicalSectorSizeGuid = vdk.MustGUID("CDA348C7-445D-4471-9CC9-E9885251C556")
	parentLocatorGuid      = vdk.MustGUID("A8D35F2D-B30B-454D-ABF7-D3D84834AB0C")
	locatorTypeGuid        = vdk.MustGUID("B04AEFB7-D19E-4A81-B789-25B8E9445913")
)

const (
	defaultLogicalSectorSize  = 0x0200
	defaultPhysicalSectorSize = 4 * 1024

	metadataSectionInitOffset         = 2 * vdk.MiB
	metadataValueOffsetFromTableHeader = 64 * vdk.KiB
	metadataSectionInitSize           = 1 * vdk.MiB

	maxWellKnownEntries = 6
)

const (
	parentLocatorLinkage           = "parent_linkage"
	parentLocatorLinkage2          = "parent_linkage2"
	parentLocatorRelativePath      = "relative_path"
	parentLocatorVolumePath        = "volume_path"
	parentLocatorAbsoluteWin32Path = "absolute_win32_path"
)

// emit order for parent locator key/value pairs
var parentLocatorKeys = []string{
	parentLocatorLinkage,
	parentLocatorAbsoluteWin32Path,
	parentLocatorRelativePath,
	parentLocatorLinkage2,
	parentLocatorVolumePath,
}

type DiskType uint32

const (
	DiskTypeFixed        DiskType = 2
	DiskTypeDynamic      DiskType = 3
	DiskTypeDifferencing DiskType = 4
)

func (t DiskType) String() string {
	switch t {
	case DiskTypeFixed:
		return "Fixed"
	case DiskTypeDynamic:
		return "Dynamic"
	case DiskTypeDifferencing:
		return "Differencing"
	}
	return "Unknown"
}

type MetadataTableHeader struct {
	Signature  [8]byte
	Reserved   uint16
	EntryCount uint16 // must be <= 2047
	Reserved2  [20]byte
}

const (
	entryFlagIsUser        = 1 << 0
	entryFlagIsVirtualDisk = 1 << 1
	entryFlagIsRequired    = 1 << 2
)

type MetadataTableEntry struct {
	ItemId   vdk.GUID
	Offset   uint32 // byte offset from the table header
	Length   uint32
	Flags    uint32
	Reserved uint32
}

const (
	fileParametersLeaveBlockAllocated = 1 << 0
	fileParametersHasParent           = 1 << 1
)

type FileParameters struct {
	BlockSizeInBytes uint32
	Flags            uint32
}

type ParentLocatorHeader struct {
	LocatorTypeGuid vdk.GUID
	Reserved        uint16
	KeyValueCount   uint16
}

// key/value offsets are relative to the ParentLocatorHeader start
type ParentLocatorEntry struct {
	KeyOffset   uint32
	ValueOffset uint32
	KeyLength   uint16
	ValueLength uint16
}

type parentLocatorWithData struct {
	header  ParentLocatorHeader
	entries [5]ParentLocatorEntry
	data    []byte // concatenated UTF-16-LE key/value pairs
}

// metadataSection is the parsed metadata region plus the BAT geometry
// derived from it. Power-of-two fields cache their trailing-zero counts so
// translation uses shifts.
type metadataSection struct {
	tableHeader  MetadataTableHeader
	tableEntries [maxWellKnownEntries]MetadataTableEntry

	fileParameters     FileParameters
	virtualDiskSize    uint64
	virtualDiskGuid    vdk.GUID
	logicalSectorSize  uint32
	physicalSectorSize uint32

	parentLocator parentLocatorWithData

	parentLinkage           string
	parentLinkage2          string
	parentRelativePath      string
	parentVolumePath        string
	parentAbsoluteWin32Path string

	chunkRatio       uint32
	dataBlockCount   uint32
	bitmapBlockCount uint32
	totalBatCount    uint32
	sectorsPerBlock  uint32

	blockSizeBits         uint32
	logicalSectorSizeBits uint32
	chunkRatioBits        uint32
	sectorsPerBlockBits   uint32
}

func (ms *metadataSection) diskType() DiskType {
	switch {
	case ms.fileParameters.Flags == fileParametersLeaveBlockAllocated:
		return DiskTypeFixed
	case ms.fileParameters.Flags == fileParametersHasParent:
		return DiskTypeDifferencing
	}
	return DiskTypeDynamic
}

func (ms *metadataSection) blockSize() uint32 { return ms.fileParameters.BlockSizeInBytes }
func (ms *metadataSection) diskSize() uint64  { return ms.virtualDiskSize }

func (ms *metadataSection) totalBatSizeInBytes() uint64 {
	return uint64(ms.totalBatCount) * batEntrySize
}

func (ms *metadataSection) batOccupySizeInBytes() uint64 {
	return vdk.RoundUp(ms.totalBatSizeInBytes(), vdk.MiB)
}

func (ms *metadataSection) batOccupyMbCount() uint32 {
	return uint32(ms.batOccupySizeInBytes() >> vdk.MibShift)
}

// parentLinkageForCompare strips the braces around the stored linkage value.
func (ms *metadataSection) parentLinkageForCompare() string {
	if len(ms.parentLinkage) < 2 {
		return ms.parentLinkage
	}
	return ms.parentLinkage[1 : len(ms.parentLinkage)-1]
}

func (ms *metadataSection) initContent(diskType DiskType, vdkSizeInBytes uint64,
	blockSize, logicalSectorSize, physicalSectorSize uint32) {

	ms.tableHeader.Signature = metadataTableSignature
	ms.tableHeader.EntryCount = 5

	if blockSize == 0 {
		/* These are pretty arbitrary, and mainly designed to keep the BAT
		 * size reasonable to load into RAM */
		switch {
		case vdkSizeInBytes > 32*vdk.TiB:
			blockSize = uint32(64 * vdk.MiB)
		case vdkSizeInBytes > 100*vdk.GiB:
			blockSize = uint32(32 * vdk.MiB)
		case vdkSizeInBytes > 1*vdk.GiB:
			blockSize = uint32(16 * vdk.MiB)
		default:
			blockSize = uint32(8 * vdk.MiB)
		}
	}
	ms.fileParameters.BlockSizeInBytes = blockSize

	switch diskType {
	case DiskTypeFixed:
		ms.fileParameters.Flags = fileParametersLeaveBlockAllocated
	case DiskTypeDifferencing:
		ms.fileParameters.Flags = fileParametersHasParent
	default:
		ms.fileParameters.Flags = 0
	}

	ms.virtualDiskSize = vdkSizeInBytes
	ms.virtualDiskGuid = vdk.GenerateGUID()

	ms.logicalSectorSize = logicalSectorSize
	if ms.logicalSectorSize == 0 {
		ms.logicalSectorSize = defaultLogicalSectorSize
	}
	ms.physicalSectorSize = physicalSectorSize
	if ms.physicalSectorSize == 0 {
		ms.physicalSectorSize = defaultPhysicalSectorSize
	}

	teOffset := uint32(metadataValueOffsetFromTableHeader)
	items := []struct {
		guid   vdk.GUID
		length uint32
		flags  uint32
	}{
		{fileParametersGuid, 8, entryFlagIsRequired},
		{virtualDiskSizeGuid, 8, entryFlagIsVirtualDisk | entryFlagIsRequired},
		{virtualDiskIdGuid, 16, entryFlagIsVirtualDisk | entryFlagIsRequired},
		{logicalSectorSizeGuid, 4, entryFlagIsVirtualDisk | entryFlagIsRequired},
		{physicalSectorSizeGuid, 4, entryFlagIsVirtualDisk | entryFlagIsRequired},
	}
	for i, item := range items {
		ms.tableEntries[i] = MetadataTableEntry{
			ItemId: item.guid,
			Offset: teOffset,
			Length: item.length,
			Flags:  item.flags,
		}
		teOffset += item.length
	}

	if diskType == DiskTypeDifferencing {
		ms.initParentLocatorData(int(ms.tableHeader.EntryCount))
		ms.tableHeader.EntryCount++
	}

	ms.calcBatInfo()
}

// initParentLocatorContent resolves the parent paths and records the
// linkage, which must populate the parent's data-write GUID.
func (ms *metadataSection) initParentLocatorContent(file, parentFile, linkage,
	parentAbsolutePath, parentRelativePath string) error {

	if parentAbsolutePath == "" {
		absolutePath, err := vdk.AbsolutePath(parentFile)
		if err != nil {
			return errors.Wrapf(err, "get parent file: %s absolute path failed", parentFile)
		}
		fi, err := os.Stat(absolutePath)
		if err != nil {
			return errors.Wrapf(err, "stat parent file: %s failed", parentFile)
		}
		if !fi.Mode().IsRegular() {
			return errors.Wrapf(vdk.ErrInvalidArgument, "parent file: %s is not normal file", parentFile)
		}
		ms.parentAbsoluteWin32Path = absolutePath
	} else {
		ms.parentAbsoluteWin32Path = parentAbsolutePath
	}

	relativePath := parentRelativePath
	if relativePath == "" {
		rel, err := vdk.RelativePathTo(file, parentFile)
		if err != nil {
			log.Warnf("get parent file: %s relative path failed: %v", parentFile, err)
		} else {
			relativePath = rel
		}
	}
	ms.parentRelativePath = relativePath

	ms.parentLinkage = "{" + linkage + "}"
	ms.parentLinkage2 = "{" + vdk.NullGUID.WinString() + "}"

	ms.initParentLocatorHeader()
	return nil
}

func (ms *metadataSection) initParentLocatorHeader() {
	kvCount := uint16(0)
	for _, value := range []string{ms.parentLinkage, ms.parentLinkage2,
		ms.parentAbsoluteWin32Path, ms.parentRelativePath, ms.parentVolumePath} {
		if value != "" {
			kvCount++
		}
	}

	ms.parentLocator.header.LocatorTypeGuid = locatorTypeGuid
	ms.parentLocator.header.KeyValueCount = kvCount
}

func (ms *metadataSection) locatorValue(key string) string {
	switch key {
	case parentLocatorLinkage:
		return ms.parentLinkage
	case parentLocatorLinkage2:
		return ms.parentLinkage2
	case parentLocatorRelativePath:
		return ms.parentRelativePath
	case parentLocatorVolumePath:
		return ms.parentVolumePath
	case parentLocatorAbsoluteWin32Path:
		return ms.parentAbsoluteWin32Path
	}
	return ""
}

func (ms *metadataSection) initParentLocatorData(tableEntryIndex int) {
	otherMetadataOffset := uint32(metadataValueOffsetFromTableHeader) + 8 + 8 + 16 + 4 + 4

	kvCount := int(ms.parentLocator.header.KeyValueCount)
	locatorHeaderEntriesSize := uint32(20 + kvCount*12)

	var kvBuf []byte
	kvOffset := locatorHeaderEntriesSize
	pleIndex := 0
	for _, key := range parentLocatorKeys {
		value := ms.locatorValue(key)
		if value == "" {
			continue
		}

		keyData, _ := vdk.Utf8ToUtf16LE(key)
		valueData, _ := vdk.Utf8ToUtf16LE(value)

		ms.parentLocator.entries[pleIndex] = ParentLocatorEntry{
			KeyOffset:   kvOffset,
			ValueOffset: kvOffset + uint32(len(keyData)),
			KeyLength:   uint16(len(keyData)),
			ValueLength: uint16(len(valueData)),
		}
		kvBuf = append(kvBuf, keyData...)
		kvBuf = append(kvBuf, valueData...)
		kvOffset += uint32(len(keyData) + len(valueData))
		pleIndex++
		if pleIndex == kvCount {
			break
		}
	}

	ms.tableEntries[tableEntryIndex] = MetadataTableEntry{
		ItemId: parentLocatorGuid,
		Offset: otherMetadataOffset,
		Length: locatorHeaderEntriesSize + uint32(len(kvBuf)),
		Flags:  entryFlagIsRequired,
	}
	ms.parentLocator.data = kvBuf
}

func (ms *metadataSection) calcBatInfo() {
	ms.chunkRatio = uint32((uint64(1) << 23) * uint64(ms.logicalSectorSize) /
		uint64(ms.fileParameters.BlockSizeInBytes))

	ms.dataBlockCount = uint32(vdk.DivRoundUp(ms.virtualDiskSize, uint64(ms.fileParameters.BlockSizeInBytes)))
	ms.bitmapBlockCount = vdk.DivRoundUp(ms.dataBlockCount, ms.chunkRatio)

	if ms.diskType() == DiskTypeDifferencing {
		ms.totalBatCount = ms.bitmapBlockCount * (ms.chunkRatio + 1)
	} else {
		ms.totalBatCount = ms.dataBlockCount + (ms.dataBlockCount-1)/ms.chunkRatio
	}

	ms.sectorsPerBlock = ms.fileParameters.BlockSizeInBytes / ms.logicalSectorSize

	ms.blockSizeBits = vdk.Ctz32(ms.fileParameters.BlockSizeInBytes)
	ms.logicalSectorSizeBits = vdk.Ctz32(ms.logicalSectorSize)
	ms.chunkRatioBits = vdk.Ctz32(ms.chunkRatio)
	ms.sectorsPerBlockBits = vdk.Ctz32(ms.sectorsPerBlock)
}

func (ms *metadataSection) parseContent(f *os.File, offset uint64) error {
	if err := readObjectAt(f, offset, &ms.tableHeader); err != nil {
		return errors.Wrap(err, "read metadata table header failed")
	}
	if ms.tableHeader.Signature != metadataTableSignature {
		return errors.Wrap(vdk.ErrCorrupt, "metadata signature mismatch")
	}

	entryCount := int(ms.tableHeader.EntryCount)
	if entryCount > maxWellKnownEntries {
		return errors.Wrapf(vdk.ErrUnsupported, "metadata entry count: %d", entryCount)
	}

	entryOffset := offset + 32
	for i := 0; i < entryCount; i++ {
		te := &ms.tableEntries[i]
		if err := readObjectAt(f, entryOffset, te); err != nil {
			return errors.Wrapf(err, "read metadata entry[%d] failed", i)
		}
		entryOffset += 32

		valueBuf := make([]byte, te.Length)
		if err := vdk.ReadAtFull(f, offset+uint64(te.Offset), valueBuf); err != nil {
			return errors.Wrapf(err, "read metadata entry[0x%08X] data failed", te.ItemId.Data1)
		}

		var err error
		switch te.ItemId {
		case fileParametersGuid:
			err = deserializeLE(valueBuf, &ms.fileParameters)
		case virtualDiskSizeGuid:
			err = deserializeLE(valueBuf, &ms.virtualDiskSize)
		case virtualDiskIdGuid:
			err = deserializeLE(valueBuf, &ms.virtualDiskGuid)
		case logicalSectorSizeGuid:
			err = deserializeLE(valueBuf, &ms.logicalSectorSize)
		case physicalSectorSizeGuid:
			err = deserializeLE(valueBuf, &ms.physicalSectorSize)
		case parentLocatorGuid:
			err = ms.parseParentLocator(valueBuf)
		default:
			log.Warnf("unknown metadata item: %s", te.ItemId)
		}
		if err != nil {
			return err
		}
	}

	ms.calcBatInfo()
	return nil
}

func (ms *metadataSection) parseParentLocator(buf []byte) error {
	if err := deserializeLE(buf, &ms.parentLocator.header); err != nil {
		return err
	}
	if ms.parentLocator.header.LocatorTypeGuid != locatorTypeGuid {
		return errors.Wrap(vdk.ErrCorrupt, "parent locator type mismatch")
	}

	kvCount := int(ms.parentLocator.header.KeyValueCount)
	if kvCount > len(ms.parentLocator.entries) {
		return errors.Wrapf(vdk.ErrUnsupported, "parent locator key count: %d", kvCount)
	}

	pos := 20
	for i := 0; i < kvCount; i++ {
		if err := deserializeLE(buf[pos:], &ms.parentLocator.entries[i]); err != nil {
			return err
		}
		pos += 12
	}

	for i := 0; i < kvCount; i++ {
		ple := &ms.parentLocator.entries[i]
		if int(ple.KeyOffset)+int(ple.KeyLength) > len(buf) ||
			int(ple.ValueOffset)+int(ple.ValueLength) > len(buf) {
			return errors.Wrap(vdk.ErrCorrupt, "parent locator entry out of bounds")
		}

		key, err := vdk.Utf16LEToUtf8(buf[ple.KeyOffset : ple.KeyOffset+uint32(ple.KeyLength)])
		if err != nil {
			return err
		}
		value, err := vdk.Utf16LEToUtf8(buf[ple.ValueOffset : ple.ValueOffset+uint32(ple.ValueLength)])
		if err != nil {
			return err
		}

		switch key {
		case parentLocatorLinkage:
			ms.parentLinkage = value
		case parentLocatorLinkage2:
			ms.parentLinkage2 = value
		case parentLocatorRelativePath:
			ms.parentRelativePath = value
		case parentLocatorVolumePath:
			ms.parentVolumePath = value
		case parentLocatorAbsoluteWin32Path:
			ms.parentAbsoluteWin32Path = value
		default:
			log.Warnf("unknown locator entry key: %s", key)
		}
	}

	ms.parentLocator.data = buf
	return nil
}

func (ms *metadataSection) writeContent(f *os.File) error {
	if err := ms.writeTableHeaderEntries(f, metadataSectionInitOffset); err != nil {
		return err
	}

	for i := 0; i < int(ms.tableHeader.EntryCount); i++ {
		te := &ms.tableEntries[i]
		valueOffset := uint64(metadataSectionInitOffset) + uint64(te.Offset)

		var err error
		switch te.ItemId {
		case fileParametersGuid:
			err = writeObjectAt(f, valueOffset, &ms.fileParameters)
		case virtualDiskSizeGuid:
			err = writeObjectAt(f, valueOffset, &ms.virtualDiskSize)
		case virtualDiskIdGuid:
			err = writeObjectAt(f, valueOffset, &ms.virtualDiskGuid)
		case logicalSectorSizeGuid:
			err = writeObjectAt(f, valueOffset, &ms.logicalSectorSize)
		case physicalSectorSizeGuid:
			err = writeObjectAt(f, valueOffset, &ms.physicalSectorSize)
		case parentLocatorGuid:
			err = ms.writeParentLocatorContent(f, valueOffset)
		}
		if err != nil {
			return errors.Wrap(err, "write metadata entry value failed")
		}
	}
	return nil
}

func (ms *metadataSection) writeTableHeaderEntries(f *os.File, offset uint64) error {
	if err := writeObjectAt(f, offset, &ms.tableHeader); err != nil {
		return errors.Wrap(err, "write metadata table header failed")
	}
	entryOffset := offset + 32
	for i := 0; i < int(ms.tableHeader.EntryCount); i++ {
		if err := writeObjectAt(f, entryOffset, &ms.tableEntries[i]); err != nil {
			return errors.Wrapf(err, "write metadata entry[%d] failed", i)
		}
		entryOffset += 32
	}
	return nil
}

func (ms *metadataSection) writeParentLocatorContent(f *os.File, offset uint64) error {
	buf := serializeLE(&ms.parentLocator.header)
	for i := 0; i < int(ms.parentLocator.header.KeyValueCount); i++ {
		buf = append(buf, serializeLE(&ms.parentLocator.entries[i])...)
	}
	buf = append(buf, ms.parentLocator.data...)
	return errors.Wrap(vdk.WriteAtFull(f, offset, buf), "write parent locator failed")
}

// modifyParentLocator re-emits the parent locator in place at its existing
// offset, zeroing the old extent first and recomputing key/value offsets.
func (ms *metadataSection) modifyParentLocator(f *os.File, metadataOffset uint64,
	parentAbsolutePath, parentRelativePath string) error {

	plEntryIndex := -1
	for i := 0; i < int(ms.tableHeader.EntryCount); i++ {
		if ms.tableEntries[i].ItemId == parentLocatorGuid {
			plEntryIndex = i
			break
		}
	}
	if plEntryIndex == -1 {
		return errors.Wrap(vdk.ErrNotFound, "no parent locator metadata entry")
	}

	te := &ms.tableEntries[plEntryIndex]
	plOffset := metadataOffset + uint64(te.Offset)

	clearBuf := make([]byte, te.Length)
	if err := vdk.WriteAtFull(f, plOffset, clearBuf); err != nil {
		return errors.Wrap(err, "clear parent locator failed")
	}

	if parentAbsolutePath != "" {
		ms.parentAbsoluteWin32Path = parentAbsolutePath
	}
	if parentRelativePath != "" {
		ms.parentRelativePath = parentRelativePath
	}

	ms.initParentLocatorHeader()
	ms.initParentLocatorData(plEntryIndex)

	plEntryOffset := metadataOffset + 32 + uint64(plEntryIndex)*32
	if err := writeObjectAt(f, plEntryOffset, te); err != nil {
		return errors.Wrap(err, "write parent locator table entry failed")
	}

	return ms.writeParentLocatorContent(f, plOffset)
}
