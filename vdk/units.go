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

import "math/bits"

const (
	KibShift = 10
	MibShift = 20
	GibShift = 30
	TibShift = 40

	KiB = uint64(1) << KibShift
	MiB = uint64(1) << MibShift
	GiB = uint64(1) << GibShift
	TiB = uint64(1) << TibShift
)

// RoundDown rounds n down to a multiple of m, m must be a power of two.
func RoundDown[V uint64 | uint32 | int | int64](n, m V) V {
	return n &^ (m - 1)
}

// RoundUp rounds n up to a multiple of m, m must be a power of two.
func RoundUp[V uint64 | uint32 | int | int64](n, m V) V {
	return RoundDown(n+m-1, m)
}

func DivRoundUp[V uint64 | uint32](n, m V) V {
	return (n + m - 1) / m
}

func IsAligned[V uint64 | uint32 | int | int64](n, m V) bool {
	return n%m == 0
}

func Ctz32(v uint32) uint32 {
	return uint32(bits.TrailingZeros32(v))
}

func Ctz64(v uint64) uint32 {
	return uint32(bits.TrailingZeros64(v))
}
