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

func Test_round_up_down(t *testing.T) {
	assert.Equal(t, uint64(0), RoundUp(uint64(0), MiB))
	assert.Equal(t, MiB, RoundUp(uint64(1), MiB))
	assert.Equal(t, MiB, RoundUp(MiB, MiB))
	assert.Equal(t, 2*MiB, RoundUp(MiB+1, MiB))

	assert.Equal(t, uint64(0), RoundDown(MiB-1, MiB))
	assert.Equal(t, MiB, RoundDown(MiB+512, MiB))

	assert.Equal(t, uint32(1), DivRoundUp(uint32(1), uint32(8)))
	assert.Equal(t, uint32(1), DivRoundUp(uint32(8), uint32(8)))
	assert.Equal(t, uint32(2), DivRoundUp(uint32(9), uint32(8)))
}

func Test_ctz(t *testing.T) {
	assert.Equal(t, uint32(9), Ctz32(512))
	assert.Equal(t, uint32(21), Ctz32(2*1024*1024))
	assert.Equal(t, uint32(23), Ctz64(8*MiB))
	assert.Equal(t, uint32(32), Ctz32(0))
}

func Test_guid_round_trip(t *testing.T) {
	g := GenerateGUID()
	assert.False(t, g.IsNull())
	assert.True(t, NullGUID.IsNull())

	parsed, err := ParseGUID(g.WinString())
	assert.Nil(t, err)
	assert.Equal(t, g, parsed)

	braced, err := ParseGUID("{" + g.WinString() + "}")
	assert.Nil(t, err)
	assert.Equal(t, g, braced)

	assert.Equal(t, g, GUIDFromBytes(g.Bytes()))
}

func Test_guid_known_layout(t *testing.T) {
	g := MustGUID("2DC27766-F623-4200-9D64-115E9BFD4A08")
	assert.Equal(t, uint32(0x2DC27766), g.Data1)
	assert.Equal(t, uint16(0xF623), g.Data2)
	assert.Equal(t, uint16(0x4200), g.Data3)
	assert.Equal(t, [8]byte{0x9D, 0x64, 0x11, 0x5E, 0x9B, 0xFD, 0x4A, 0x08}, g.Data4)
}

func Test_unicode_round_trip(t *testing.T) {
	le, err := Utf8ToUtf16LE("parent_linkage")
	assert.Nil(t, err)
	assert.Equal(t, 28, len(le))
	assert.Equal(t, byte('p'), le[0])
	assert.Equal(t, byte(0), le[1])

	s, err := Utf16LEToUtf8(le)
	assert.Nil(t, err)
	assert.Equal(t, "parent_linkage", s)

	be, err := Utf8ToUtf16BE("parent.vhd")
	assert.Nil(t, err)
	assert.Equal(t, byte(0), be[0])
	assert.Equal(t, byte('p'), be[1])

	s, err = Utf16BEToUtf8(be)
	assert.Nil(t, err)
	assert.Equal(t, "parent.vhd", s)
}

func Test_unicode_zero_padded(t *testing.T) {
	le, err := Utf8ToUtf16LE("abc")
	assert.Nil(t, err)

	padded := make([]byte, 64)
	copy(padded, le)
	s, err := Utf16LEToUtf8(padded)
	assert.Nil(t, err)
	assert.Equal(t, "abc", s)
}
