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
	"golang.org/x/text/encoding/unicode"
)

/*
 * The two on-disk wide-string encodings are kept explicit: VHDX metadata
 * strings are UTF-16-LE, the VHD parent unicode name is UTF-16-BE. Neither
 * direction carries a terminating NUL on the wire.
 */

var (
	utf16le = unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	utf16be = unicode.UTF16(unicode.BigEndian, unicode.IgnoreBOM)
)

func Utf8ToUtf16LE(s string) ([]byte, error) {
	return utf16le.NewEncoder().Bytes([]byte(s))
}

func Utf8ToUtf16BE(s string) ([]byte, error) {
	return utf16be.NewEncoder().Bytes([]byte(s))
}

func Utf16LEToUtf8(b []byte) (string, error) {
	out, err := utf16le.NewDecoder().Bytes(trimWideNul(b))
	return string(out), err
}

func Utf16BEToUtf8(b []byte) (string, error) {
	out, err := utf16be.NewDecoder().Bytes(trimWideNul(b))
	return string(out), err
}

// trimWideNul cuts the buffer at the first 16-bit NUL, fixed-size on-disk
// fields are zero padded.
func trimWideNul(b []byte) []byte {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			return b[:i]
		}
	}
	return b
}
