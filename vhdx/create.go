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

	"github.com/pkg/errors"

	"github.com/lingedeng/libvdk/vdk"
)

func CreateFixed(file string, sizeInBytes uint64) error {
	return createVdkFile(file, "", sizeInBytes, true, "", "")
}

func CreateDynamic(file string, sizeInBytes uint64) error {
	return createVdkFile(file, "", sizeInBytes, false, "", "")
}

func CreateDifferencing(file, parentFile, parentAbsolutePath, parentRelativePath string) error {
	return createVdkFile(file, parentFile, 0, false, parentAbsolutePath, parentRelativePath)
}

// createVdkFile creates and populates all sections in order: file
// identifier, both headers, both region tables, log entry header, metadata
// table and values, parent locator for differencing disks, the BAT, and
// finally truncates the file to its initial size.
func createVdkFile(file, parentFile string, sizeInBytes uint64, isFixed bool,
	parentAbsolutePath, parentRelativePath string) (err error) {

	roundSize := vdk.RoundUp(sizeInBytes, vdk.MiB)

	diskType := DiskTypeDynamic
	if isFixed {
		diskType = DiskTypeFixed
	} else if parentFile != "" {
		diskType = DiskTypeDifferencing
	}
	if diskType != DiskTypeDifferencing && roundSize == 0 {
		return errors.Wrap(vdk.ErrInvalidArgument, "disk size must be > 0")
	}

	f, err := vdk.CreateFile(file)
	if err != nil {
		return err
	}
	defer func() {
		f.Close()
		if err != nil {
			vdk.DeleteFile(file)
		}
	}()

	var hdr headerSection
	var logSec logSection
	var mtd metadataSection

	var blockSize, logicalSectorSize, physicalSectorSize uint32

	if diskType == DiskTypeDifferencing {
		parent, perr := Load(parentFile, true)
		if perr != nil {
			return perr
		}
		defer parent.Close()
		if err = parent.Parse(); err != nil {
			return errors.Wrapf(err, "parse parent file: %s failed", parentFile)
		}

		/* When a differencing VHDX file is created the linkage value must
		 * populate the parent's data write guid field */
		if err = mtd.initParentLocatorContent(file, parentFile,
			parent.DataWriteGuid().WinString(), parentAbsolutePath, parentRelativePath); err != nil {
			return errors.Wrapf(err, "init parent locator with parent file: %s failed", parentFile)
		}

		roundSize = parent.DiskSize()
		blockSize = parent.BlockSize()
		logicalSectorSize = parent.LogicalSectorSize()
		physicalSectorSize = parent.PhysicalSectorSize()
	}
	mtd.initContent(diskType, roundSize, blockSize, logicalSectorSize, physicalSectorSize)

	hdr.initContent(mtd.batOccupyMbCount(), 0)

	logPayloadInMb := mtd.batOccupyMbCount()
	if isFixed {
		logPayloadInMb += uint32(roundSize >> vdk.MibShift)
	}
	logSec.initContent(logPayloadInMb, 0)

	if err = hdr.writeContent(f); err != nil {
		return err
	}
	if err = logSec.writeContent(f); err != nil {
		return err
	}
	if err = mtd.writeContent(f); err != nil {
		return err
	}

	/* the BAT is zero initialized except for fixed disks, which prefill
	 * every payload entry as full-present over the preallocated payload */
	batBuf := make([]byte, mtd.totalBatSizeInBytes())
	if isFixed {
		payloadOffset := uint64(BatInitOffsetInBytes) + mtd.batOccupySizeInBytes()
		for i := uint32(0); i < mtd.totalBatCount; i++ {
			if (i+1)%(mtd.chunkRatio+1) == 0 {
				/* interleaved bitmap entry, left not present */
				continue
			}
			entry := makePayloadBatEntry(PayloadBlockFullPresent, payloadOffset)
			binary.LittleEndian.PutUint64(batBuf[uint64(i)*batEntrySize:], entry)
			payloadOffset += uint64(mtd.blockSize())
		}
	}
	if err = vdk.WriteAtFull(f, BatInitOffsetInBytes, batBuf); err != nil {
		return errors.Wrap(err, "write bat failed")
	}

	fileSize := uint64(BatInitOffsetInBytes) + mtd.batOccupySizeInBytes()
	if isFixed {
		fileSize += roundSize
	}
	if err = vdk.TruncateFile(f, fileSize); err != nil {
		return errors.Wrapf(err, "truncate file: %s to size: %d failed", file, fileSize)
	}
	return nil
}
