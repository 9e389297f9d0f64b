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

package fragmentation

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"time"

	"netengine.dev/netengine/pkg/tcpip/timer"
)

type hole struct {
	first   uint16
	last    uint16
	deleted bool
}

type fragment struct {
	first, last uint16
	data        []byte
}

// reassembler holds the fragments of one datagram. It is protected by the
// owning Fragmentation's mutex.
type reassembler struct {
	id        FragmentID
	size      int
	holes     []hole
	deleted   int
	frags     []fragment
	header    []byte
	end       uint16
	endKnown  bool
	done      bool
	createdAt time.Time
	timer     *timer.Timer
}

func newReassembler(id FragmentID, now time.Time) *reassembler {
	r := &reassembler{
		id:        id,
		holes:     make([]hole, 0, 16),
		createdAt: now,
	}
	r.holes = append(r.holes, hole{
		first:   0,
		last:    math.MaxUint16,
		deleted: false})
	return r
}

// updateHoles updates the list of holes for an incoming fragment and
// returns true iff the fragment filled at least part of an existing hole.
func (r *reassembler) updateHoles(first, last uint16, more bool) bool {
	used := false
	for i := range r.holes {
		if r.holes[i].deleted || first > r.holes[i].last || last < r.holes[i].first {
			continue
		}
		used = true
		r.deleted++
		r.holes[i].deleted = true
		if first > r.holes[i].first {
			r.holes = append(r.holes, hole{r.holes[i].first, first - 1, false})
		}
		if last < r.holes[i].last && more {
			r.holes = append(r.holes, hole{last + 1, r.holes[i].last, false})
		}
	}
	return used
}

// checkOverlap verifies that bytes shared with already stored fragments
// are identical.
func (r *reassembler) checkOverlap(first, last uint16, data []byte) error {
	for _, f := range r.frags {
		if f.last < first || f.first > last {
			continue
		}
		lo := max(first, f.first)
		hi := min(last, f.last)
		if !bytes.Equal(data[lo-first:hi-first+1], f.data[lo-f.first:hi-f.first+1]) {
			return fmt.Errorf("%w: [%d, %d] of %s", ErrFragmentOverlap, lo, hi, r.id)
		}
	}
	return nil
}

// checkEnd verifies the fragment agrees with the datagram's known end.
func (r *reassembler) checkEnd(last uint16, more bool) error {
	if !more {
		if r.endKnown && r.end != last {
			return fmt.Errorf("%w: %s ends at both %d and %d", ErrFragmentConflict, r.id, r.end, last)
		}
		for _, f := range r.frags {
			if f.last > last {
				return fmt.Errorf("%w: %s has data past its final fragment", ErrFragmentConflict, r.id)
			}
		}
		return nil
	}
	if r.endKnown && last >= r.end {
		return fmt.Errorf("%w: %s has data past its final fragment", ErrFragmentConflict, r.id)
	}
	return nil
}

func (r *reassembler) process(first, last uint16, more bool, hdr, data []byte) (*Fragment, bool, int, error) {
	if r.done {
		return nil, false, 0, nil
	}
	if err := r.checkEnd(last, more); err != nil {
		return nil, false, 0, err
	}
	if err := r.checkOverlap(first, last, data); err != nil {
		return nil, false, 0, err
	}
	if !more {
		r.end = last
		r.endKnown = true
	}

	consumed := 0
	if r.updateHoles(first, last, more) {
		// We store the incoming packet only if it filled some holes.
		f := fragment{first: first, last: last, data: append([]byte(nil), data...)}
		i := sort.Search(len(r.frags), func(i int) bool { return r.frags[i].first > first })
		r.frags = append(r.frags, fragment{})
		copy(r.frags[i+1:], r.frags[i:])
		r.frags[i] = f
		consumed = len(data)
		r.size += consumed
		if first == 0 {
			r.header = append([]byte(nil), hdr...)
		}
	}

	// Check if all the holes have been deleted and we are ready to reassamble.
	if r.deleted < len(r.holes) {
		return nil, false, consumed, nil
	}
	return r.reassemble(), true, consumed, nil
}

// reassemble copies the stored fragments into one payload. All holes must
// be filled.
func (r *reassembler) reassemble() *Fragment {
	payload := make([]byte, int(r.end)+1)
	for _, f := range r.frags {
		copy(payload[f.first:], f.data)
	}
	return &Fragment{Header: r.header, Data: payload}
}

// firstFragment returns the fragment at offset zero, if it arrived.
func (r *reassembler) firstFragment() *Fragment {
	if len(r.frags) == 0 || r.frags[0].first != 0 {
		return nil
	}
	return &Fragment{Header: r.header, Data: r.frags[0].data}
}

// markDone marks r as finished and returns the memory it held.
func (r *reassembler) markDone() int {
	if r.done {
		return 0
	}
	r.done = true
	size := r.size
	r.size = 0
	r.frags = nil
	return size
}
