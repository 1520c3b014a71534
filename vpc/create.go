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
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/lingedeng/libvdk/vdk"
)

func CreateFixed(file string, sizeInBytes uint64) error {
	return createVdkFile(file, "", sizeInBytes, DiskTypeFixed, "", "")
}

func CreateDynamic(file string, sizeInBytes uint64) error {
	return createVdkFile(file, "", sizeInBytes, DiskTypeDynamic, "", "")
}

func CreateDifferencing(file, parentFile, parentAbsolutePath, parentRelativePath string) error {
	return createVdkFile(file, parentFile, 0, DiskTypeDifferencing, parentAbsolutePath, parentRelativePath)
}

func createVdkFile(file, parentFile string, sizeInBytes uint64, diskType DiskType,
	parentAbsolutePath, parentRelativePath string) (err error) {

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

	var roundDiskSize uint64
	if sizeInBytes != 0 {
		roundDiskSize = vdk.RoundUp(sizeInBytes, 2*vdk.MiB)
	}

	var footer Footer
	var header Header
	footerDataOffset := invalidDataOffset
	var batTableOffset uint64
	var maxBatEntries uint32
	var prPathData, paPathData []byte

	if diskType != DiskTypeFixed {
		footerDataOffset = FooterSize
		batTableOffset = FooterSize + HeaderSize

		if diskType == DiskTypeDifferencing {
			parent, perr := Load(parentFile, true)
			if perr != nil {
				return perr
			}
			defer parent.Close()
			if err = parent.Parse(true); err != nil {
				return errors.Wrapf(err, "parse parent file: %s failed", parentFile)
			}

			roundDiskSize = parent.DiskSize()
			header.ParentUniqueID = parent.footer.UniqueID
			header.ParentTimestamp = parent.footer.Timestamp

			// the parent's basename is stored as UTF-16-BE
			parentName, nerr := vdk.Utf8ToUtf16BE(filepath.Base(parentFile))
			if nerr != nil {
				return nerr
			}
			copy(header.ParentUnicodeName[:], parentName)

			paPath := parentAbsolutePath
			if paPath == "" {
				if paPath, err = vdk.AbsolutePath(parentFile); err != nil {
					return errors.Wrapf(err, "get parent file: %s absolute path failed", parentFile)
				}
			}
			if paPathData, err = vdk.Utf8ToUtf16LE(paPath); err != nil {
				return err
			}

			prPath := parentRelativePath
			if prPath == "" {
				if prPath, err = vdk.RelativePathTo(file, parentFile); err != nil {
					return errors.Wrapf(err, "get parent file: %s relative path failed", parentFile)
				}
			}
			if prPathData, err = vdk.Utf8ToUtf16LE(prPath); err != nil {
				return err
			}

			header.ParentLocators[0] = ParentLocatorEntry{
				PlatformCode:       platformCodeW2ru,
				PlatformDataSpace:  SectorSize,
				PlatformDataLength: uint32(len(prPathData)),
				PlatformDataOffset: batTableOffset,
			}
			batTableOffset += SectorSize

			header.ParentLocators[1] = ParentLocatorEntry{
				PlatformCode:       platformCodeW2ku,
				PlatformDataSpace:  SectorSize,
				PlatformDataLength: uint32(len(paPathData)),
				PlatformDataOffset: header.ParentLocators[0].PlatformDataOffset + SectorSize,
			}
			batTableOffset += SectorSize
		}

		header.Cookie = headerCookie
		header.DataOffset = invalidDataOffset
		header.TableOffset = batTableOffset
		header.HeaderVersion = headerVersion
		maxBatEntries = uint32(roundDiskSize >> BlockBytesShift)
		header.MaxTableEntries = maxBatEntries
		header.BlockSize = BlockSize
		header.Checksum = calcHeaderChecksum(&header)
	}

	totalSectors := roundDiskSize >> SectorBytesShift

	footer.Cookie = footerCookie
	footer.Features = footerFeatures
	footer.FileFormatVersion = fileFormatVersion
	footer.DataOffset = footerDataOffset
	footer.Timestamp = calcTimestamp()
	footer.CreatorApp = creatorApp
	footer.CreatorVersion = creatorVersion
	footer.CreatorHostOs = creatorHostOs
	footer.OriginalSize = roundDiskSize
	footer.CurrentSize = roundDiskSize
	footer.DiskGeometry = calcDiskGeometry(totalSectors)
	footer.DiskType = uint32(diskType)
	footer.UniqueID = vdk.GenerateGUID().Bytes()
	footer.Checksum = calcFooterChecksum(&footer)

	footerBuf := serializeFooter(&footer)

	if diskType != DiskTypeFixed {
		if err = vdk.WriteAtFull(f, 0, footerBuf); err != nil {
			return errors.Wrap(err, "write footer failed")
		}
		if err = vdk.WriteAtFull(f, FooterSize, serializeHeader(&header)); err != nil {
			return errors.Wrap(err, "write header failed")
		}

		for i, data := range [][]byte{prPathData, paPathData} {
			if data == nil {
				continue
			}
			padded := make([]byte, SectorSize)
			copy(padded, data)
			if err = vdk.WriteAtFull(f, header.ParentLocators[i].PlatformDataOffset, padded); err != nil {
				return errors.Wrap(err, "write parent locator path failed")
			}
		}

		batBytes := vdk.RoundUp(uint64(maxBatEntries)<<2, uint64(SectorSize))
		batBuf := make([]byte, batBytes)
		for i := range batBuf {
			batBuf[i] = 0xFF
		}
		if err = vdk.WriteAtFull(f, batTableOffset, batBuf); err != nil {
			return errors.Wrap(err, "write bat table failed")
		}

		if err = vdk.WriteAtFull(f, batTableOffset+batBytes, footerBuf); err != nil {
			return errors.Wrap(err, "write last footer failed")
		}
	} else {
		if err = vdk.TruncateFile(f, roundDiskSize); err != nil {
			return err
		}
		if err = vdk.WriteAtFull(f, roundDiskSize, footerBuf); err != nil {
			return errors.Wrap(err, "write last footer failed")
		}
	}

	return nil
}

// EmptyDisk resets a dynamic or differencing disk to its freshly created
// state: an all-unused BAT and no payload blocks.
func EmptyDisk(file string) error {
	v, err := Load(file, false)
	if err != nil {
		return err
	}
	defer v.Close()
	if err = v.Parse(false); err != nil {
		return err
	}

	if v.DiskType() == DiskTypeFixed {
		return errors.Wrapf(vdk.ErrUnsupported, "file: %s type is %s", file, v.DiskType())
	}

	batBytes := vdk.RoundUp(uint64(v.MaxBatTableEntries())<<2, uint64(SectorSize))
	batBuf := make([]byte, batBytes)
	for i := range batBuf {
		batBuf[i] = 0xFF
	}
	if err = vdk.WriteAtFull(v.f, v.BatTableOffset(), batBuf); err != nil {
		return errors.Wrap(err, "write bat table failed")
	}

	if err = vdk.WriteAtFull(v.f, v.BatTableOffset()+batBytes, serializeFooter(&v.footer)); err != nil {
		return errors.Wrap(err, "write footer failed")
	}

	newFileSize := v.BatTableOffset() + batBytes + FooterSize
	return vdk.TruncateFile(v.f, newFileSize)
}
