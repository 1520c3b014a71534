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
	"testing"

	"github.com/stretchr/testify/assert"
)

func Test_crc32c(t *testing.T) {
	// RFC 3720 reference vector
	assert.Equal(t, uint32(0xE3069283), Crc32c([]byte("123456789")))
}

func Test_crc32c_extend(t *testing.T) {
	data := []byte("the quick brown fox jumps over the lazy dog")

	whole := Crc32c(data)
	crc := Crc32c(data[:17])
	crc = ExtendCrc32c(crc, data[17:])
	assert.Equal(t, whole, crc)

	assert.Equal(t, whole, Crc32cSlices(data[:5], data[5:20], data[20:]))
}

func Test_ones_complement_checksum(t *testing.T) {
	assert.Equal(t, ^uint32(0), Checksum(nil))
	assert.Equal(t, ^uint32(1+2+3), Checksum([]byte{1, 2, 3}))

	// the sum over an unchanged buffer is stable
	buf := make([]byte, 512)
	for i := range buf {
		buf[i] = byte(i)
	}
	sum := Checksum(buf)
	assert.Equal(t, sum, Checksum(buf))
}
