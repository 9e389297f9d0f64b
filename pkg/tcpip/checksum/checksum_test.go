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

package checksum

import (
	"encoding/binary"
	"math/rand"
	"net/netip"
	"testing"
)

func TestChecksumRFC1071Example(t *testing.T) {
	// RFC 1071 section 3 worked example: the sum of these words is ddf2.
	buf := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	if got, want := Checksum(buf, 0), uint16(0xddf2); got != want {
		t.Errorf("Checksum() = %#04x, want %#04x", got, want)
	}
}

func TestChecksumerMatchesChecksum(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for _, size := range []int{0, 1, 2, 3, 7, 64, 1499, 1500} {
		buf := make([]byte, size)
		rng.Read(buf)
		want := Checksum(buf, 0)
		for split := 0; split <= size; split++ {
			var c Checksumer
			c.Add(buf[:split])
			c.Add(buf[split:])
			if got := c.Checksum(); got != want {
				t.Fatalf("size %d split %d: Checksumer = %#04x, want %#04x", size, split, got, want)
			}
		}
	}
}

func TestUpdate(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	buf := make([]byte, 40)
	rng.Read(buf)
	binary.BigEndian.PutUint16(buf[10:], 0)
	xsum := ^Checksum(buf, 0)
	binary.BigEndian.PutUint16(buf[10:], xsum)

	for i := 0; i < 100; i++ {
		off := 2 * rng.Intn(20)
		if off == 10 {
			continue
		}
		old := binary.BigEndian.Uint16(buf[off:])
		nv := uint16(rng.Intn(0x10000))
		binary.BigEndian.PutUint16(buf[off:], nv)
		xsum = Update(xsum, old, nv)
		binary.BigEndian.PutUint16(buf[10:], xsum)
		if got := Checksum(buf, 0); got != 0xffff {
			t.Fatalf("iteration %d: checksum over updated buffer = %#04x, want 0xffff", i, got)
		}
	}
}

func TestUpdateAddress(t *testing.T) {
	old := netip.MustParseAddr("10.0.0.5")
	nu := netip.MustParseAddr("203.0.113.1")
	buf := make([]byte, 12)
	copy(buf, old.AsSlice())
	binary.BigEndian.PutUint16(buf[4:], 0x1234)
	xsum := ^Checksum(buf, 0)

	copy(buf, nu.AsSlice())
	want := ^Checksum(buf, 0)
	if got := UpdateAddress(xsum, old, nu); got != want {
		t.Errorf("UpdateAddress() = %#04x, want %#04x", got, want)
	}
}
