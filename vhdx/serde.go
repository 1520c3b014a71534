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
	"bytes"
	"encoding/binary"
	"os"

	"github.com/lingedeng/libvdk/vdk"
)

/*
 * Every on-disk structure crosses the boundary through these helpers,
 * converting each field's endianness exactly once. All VHDX integers are
 * little-endian, GUID Data1/2/3 included.
 */

func serializeLE(obj any) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, obj)
	return buf.Bytes()
}

func deserializeLE(b []byte, obj any) error {
	if len(b) < binary.Size(obj) {
		return vdk.ErrCorrupt
	}
	return binary.Read(bytes.NewReader(b), binary.LittleEndian, obj)
}

func readObjectAt(f *os.File, offset uint64, obj any) error {
	buf := make([]byte, binary.Size(obj))
	if err := vdk.ReadAtFull(f, offset, buf); err != nil {
		return err
	}
	return deserializeLE(buf, obj)
}

func writeObjectAt(f *os.File, offset uint64, obj any) error {
	return vdk.WriteAtFull(f, offset, serializeLE(obj))
}
