package vdk

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

	"github.com/pkg/errors"
)

func CreateFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	return f, errors.Wrapf(err, "create file: %s", path)
}

func OpenFileRO(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	return f, errors.Wrapf(err, "open file: %s for RO", path)
}

func OpenFileRW(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	return f, errors.Wrapf(err, "open file: %s for RW", path)
}

func DeleteFile(path string) error {
	return os.Remove(path)
}

// ExistFile reports whether path names an existing file.
func ExistFile(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

/*
 * read exactly len(buf) bytes at the absolute offset, short reads are
 * retried until the buffer is full.
 */
func ReadAtFull(f *os.File, offset uint64, buf []byte) error {
	done := 0
	for done < len(buf) {
		n, err := f.ReadAt(buf[done:], int64(offset)+int64(done))
		if n > 0 {
			done += n
		} else if err != nil {
			return errors.Wrapf(err, "read %d bytes at offset %d", len(buf), offset)
		}
	}
	return nil
}

/*
 * write exactly len(buf) bytes at the absolute offset.
 */
func WriteAtFull(f *os.File, offset uint64, buf []byte) error {
	done := 0
	for done < len(buf) {
		n, err := f.WriteAt(buf[done:], int64(offset)+int64(done))
		if n > 0 {
			done += n
		} else if err != nil {
			return errors.Wrapf(err, "write %d bytes at offset %d", len(buf), offset)
		}
	}
	return nil
}

func FileSize(f *os.File) (uint64, error) {
	fi, err := f.Stat()
	if err != nil {
		return 0, errors.Wrap(err, "get file size")
	}
	return uint64(fi.Size()), nil
}

func TruncateFile(f *os.File, size uint64) error {
	return errors.Wrapf(f.Truncate(int64(size)), "truncate file to %d", size)
}

func FlushFile(f *os.File) error {
	return errors.Wrap(f.Sync(), "flush file")
}

// AbsolutePath resolves path to an absolute path with symlinks evaluated,
// the libvdk analogue of realpath(3).
func AbsolutePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.Wrapf(err, "absolute path of %s", path)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		// the target may not exist yet, fall back to the lexical form
		return abs, nil
	}
	return resolved, nil
}

// RelativePathTo computes the path of target relative to the directory
// holding file.
func RelativePathTo(file, target string) (string, error) {
	base, err := filepath.Abs(filepath.Dir(file))
	if err != nil {
		return "", errors.Wrapf(err, "absolute path of %s", file)
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return "", errors.Wrapf(err, "absolute path of %s", target)
	}
	rel, err := filepath.Rel(base, absTarget)
	return rel, errors.Wrapf(err, "relative path from %s to %s", base, absTarget)
}
