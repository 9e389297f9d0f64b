// Copyright 2026 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package checksum provides the implementation of the Internet checksum
// (RFC 1071) and its incremental update (RFC 1624).
package checksum

import (
	"encoding/binary"
	"net/netip"
)

// Size is the size of a checksum.
//
// The checksum is held in a uint16 which is 2 bytes.
const Size = 2

// Put puts the checksum in the provided byte slice.
func Put(b []byte, xsum uint16) {
	binary.BigEndian.PutUint16(b, xsum)
}

// calculateChecksum sums buf into initial. odd indicates that initial covers
// an odd number of bytes, in which case buf[0] is the low half of a word.
func calculateChecksum(buf []byte, odd bool, initial uint32) (uint16, bool) {
	v := initial

	if odd && len(buf) > 0 {
		v += uint32(buf[0])
		buf = buf[1:]
	}

	l := len(buf)
	odd = l&1 != 0
	if odd {
		l--
		v += uint32(buf[l]) << 8
	}

	for i := 0; i < l; i += 2 {
		v += (uint32(buf[i]) << 8) + uint32(buf[i+1])
		// Fold early so that the accumulator can't overflow on
		// jumbo buffers.
		if v&0x80000000 != 0 {
			v = (v & 0xffff) + (v >> 16)
		}
	}

	return Combine(uint16(v), uint16(v>>16)), odd
}

// Checksum calculates the checksum (as defined in RFC 1071) of the bytes in the
// given byte array.
//
// The initial checksum must have been computed on an even number of bytes.
func Checksum(buf []byte, initial uint16) uint16 {
	s, _ := calculateChecksum(buf, false, uint32(initial))
	return s
}

// Checksumer calculates checksum defined in RFC 1071 over several buffers
// whose lengths may be odd.
type Checksumer struct {
	sum uint16
	odd bool
}

// Add adds b to checksum.
func (c *Checksumer) Add(b []byte) {
	if len(b) > 0 {
		c.sum, c.odd = calculateChecksum(b, c.odd, uint32(c.sum))
	}
}

// Checksum returns the latest checksum value.
func (c *Checksumer) Checksum() uint16 {
	return c.sum
}

// Combine combines the two uint16 to form their checksum. This is done
// by adding them and the carry.
//
// Note that checksum a must have been computed on an even number of bytes.
func Combine(a, b uint16) uint16 {
	v := uint32(a) + uint32(b)
	return uint16(v + v>>16)
}

// Update returns the checksum field value xsum adjusted for a 16-bit word of
// the covered data changing from old to new (RFC 1624, eqn. 3). xsum is the
// value as stored in the header, i.e. already complemented.
func Update(xsum, old, new uint16) uint16 {
	return ^Combine(Combine(^xsum, ^old), new)
}

// UpdateAddress adjusts xsum for an address changing from old to new. Both
// addresses must be of the same family.
func UpdateAddress(xsum uint16, old, new netip.Addr) uint16 {
	o := old.AsSlice()
	n := new.AsSlice()
	for i := 0; i+1 < len(o) && i+1 < len(n); i += 2 {
		xsum = Update(xsum, binary.BigEndian.Uint16(o[i:]), binary.BigEndian.Uint16(n[i:]))
	}
	return xsum
}
