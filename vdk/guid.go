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
	"encoding/binary"
	"strings"

	"github.com/google/uuid"
)

/*
 * GUID follows the Microsoft on-disk layout: Data1/Data2/Data3 are stored
 * little-endian, Data4 is byte-exact. Serializing a GUID with
 * binary.LittleEndian therefore reproduces the wire format.
 */
type GUID struct {
	Data1 uint32
	Data2 uint16
	Data3 uint16
	Data4 [8]byte
}

var NullGUID = GUID{}

// GenerateGUID returns a fresh random GUID.
func GenerateGUID() GUID {
	return GUIDFromBytes(uuid.New())
}

// GUIDFromBytes converts RFC 4122 big-endian bytes into the mixed-endian
// in-memory form.
func GUIDFromBytes(b [16]byte) GUID {
	var g GUID
	g.Data1 = binary.BigEndian.Uint32(b[0:4])
	g.Data2 = binary.BigEndian.Uint16(b[4:6])
	g.Data3 = binary.BigEndian.Uint16(b[6:8])
	copy(g.Data4[:], b[8:16])
	return g
}

// Bytes returns the RFC 4122 big-endian byte form.
func (g GUID) Bytes() [16]byte {
	var b [16]byte
	binary.BigEndian.PutUint32(b[0:4], g.Data1)
	binary.BigEndian.PutUint16(b[4:6], g.Data2)
	binary.BigEndian.PutUint16(b[6:8], g.Data3)
	copy(b[8:16], g.Data4[:])
	return b
}

func (g GUID) IsNull() bool {
	return g == NullGUID
}

// String formats like uuid_unparse_upper.
func (g GUID) String() string {
	return strings.ToUpper(uuid.UUID(g.Bytes()).String())
}

// WinString formats the canonical lowercase form used for parent linkage
// values, without braces.
func (g GUID) WinString() string {
	return uuid.UUID(g.Bytes()).String()
}

// ParseGUID accepts the canonical form, with or without braces.
func ParseGUID(s string) (GUID, error) {
	s = strings.TrimPrefix(strings.TrimSuffix(s, "}"), "{")
	u, err := uuid.Parse(s)
	if err != nil {
		return NullGUID, err
	}
	return GUIDFromBytes(u), nil
}

// MustGUID is for compile-time constants of well-known GUIDs.
func MustGUID(s string) GUID {
	g, err := ParseGUID(s)
	if err != nil {
		panic(err)
	}
	return g
}
