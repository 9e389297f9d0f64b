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

// Package fragmentation implements IP datagram reassembly. It is shared by
// the IPv4 and IPv6 engines.
package fragmentation

import (
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/timer"
)

const (
	// DefaultIPv4Timeout is how long an incomplete IPv4 datagram is held.
	DefaultIPv4Timeout = 30 * time.Second

	// DefaultIPv6Timeout is how long an incomplete IPv6 datagram is held,
	// per RFC 8200, section 4.5.
	DefaultIPv6Timeout = 60 * time.Second

	// HighFragThreshold is the threshold at which we start trimming old
	// fragmented packets. Linux uses a default value of 4 MB. See
	// net.ipv4.ipfrag_high_thresh for more information.
	HighFragThreshold = 4 << 20 // 4MB

	// LowFragThreshold is the threshold we reach to when we start dropping
	// older fragmented packets. It's important that we keep enough room for
	// newer packets to be re-assembled. Hence, this needs to be lower than
	// HighFragThreshold enough. Linux uses a default value of 3 MB. See
	// net.ipv4.ipfrag_low_thresh for more information.
	LowFragThreshold = 3 << 20 // 3MB
)

var (
	// ErrInvalidArgs indicates to the caller that an invalid argument was
	// provided.
	ErrInvalidArgs = errors.New("invalid args")

	// ErrFragmentOverlap indicates that, during reassembly, a fragment
	// overlapped an already received fragment with different content.
	ErrFragmentOverlap = errors.New("overlapping fragments with conflicting content")

	// ErrFragmentConflict indicates that, during reassembly, some fragments
	// disagree on where the datagram ends.
	ErrFragmentConflict = errors.New("conflicting final fragments")
)

// FragmentID is the identifier for a fragment.
type FragmentID struct {
	// Source is the source address of the fragment.
	Source netip.Addr

	// Destination is the destination address of the fragment.
	Destination netip.Addr

	// ID is the identification value of the fragment.
	//
	// This is a uint32 because IPv6 uses a 32-bit identification value.
	ID uint32

	// Protocol is the protocol number (IPv4) or next header (IPv6) carried
	// by the fragments.
	Protocol uint8
}

// String implements fmt.Stringer.
func (id FragmentID) String() string {
	return fmt.Sprintf("%s->%s id=%d proto=%d", id.Source, id.Destination, id.ID, id.Protocol)
}

// TimeoutHandler is called, without any fragmentation lock held, when an
// incomplete datagram expires. first holds the header and payload of the
// fragment at offset zero, or is nil if it never arrived.
type TimeoutHandler func(id FragmentID, first *Fragment)

// Fragment is a stored fragment.
type Fragment struct {
	// Header is the network header the fragment arrived with.
	Header []byte

	// Data is the fragment payload.
	Data []byte
}

// Options configure a Fragmentation.
type Options struct {
	// HighLimit is the number of payload bytes held across all pending
	// datagrams above which the oldest are evicted.
	HighLimit int

	// LowLimit is the level eviction brings memory back down to.
	LowLimit int

	// Timeout is how long an incomplete datagram is held.
	Timeout time.Duration

	// Clock stamps new reassemblers. Defaults to tcpip.StdClock.
	Clock tcpip.Clock

	// Timers runs the reassembly timeouts. A private queue is created when
	// nil; the owner must then call Sweep.
	Timers *timer.Queue

	// OnTimeout is called for every expired datagram.
	OnTimeout TimeoutHandler

	// Stats are incremented on reassembly, timeouts and evictions.
	Stats *tcpip.IPStats
}

// Fragmentation is the main structure that other modules of the stack should
// use to implement IP Fragmentation.
type Fragmentation struct {
	mu           sync.Mutex
	highLimit    int
	lowLimit     int
	reassemblers map[FragmentID]*reassembler
	size         int
	timeout      time.Duration
	clock        tcpip.Clock
	timers       *timer.Queue
	ownTimers    bool
	onTimeout    TimeoutHandler
	stats        *tcpip.IPStats
}

// NewFragmentation creates a new Fragmentation.
//
// opts.HighLimit bounds the memory consumed by the fragments stored by
// Fragmentation (overhead of internal data-structures is not accounted).
// When it is exceeded the oldest datagrams are dropped until memory falls to
// opts.LowLimit. Incomplete datagrams are dropped opts.Timeout after their
// first fragment arrived.
func NewFragmentation(opts Options) *Fragmentation {
	if opts.HighLimit <= 0 {
		opts.HighLimit = HighFragThreshold
	}
	if opts.LowLimit <= 0 || opts.LowLimit >= opts.HighLimit {
		opts.LowLimit = opts.HighLimit * 3 / 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultIPv4Timeout
	}
	if opts.Clock == nil {
		opts.Clock = tcpip.StdClock{}
	}
	if opts.Stats == nil {
		opts.Stats = &tcpip.IPStats{}
	}
	f := &Fragmentation{
		highLimit:    opts.HighLimit,
		lowLimit:     opts.LowLimit,
		reassemblers: make(map[FragmentID]*reassembler),
		timeout:      opts.Timeout,
		clock:        opts.Clock,
		timers:       opts.Timers,
		onTimeout:    opts.OnTimeout,
		stats:        opts.Stats,
	}
	if f.timers == nil {
		f.timers = timer.NewQueue()
		f.ownTimers = true
	}
	return f
}

// Sweep expires timed out datagrams when the Fragmentation owns its timer
// queue. It is a no-op when the queue was supplied through Options.
func (f *Fragmentation) Sweep(now time.Time) {
	if f.ownTimers {
		f.timers.Sweep(now)
	}
}

// Process processes an incoming fragment belonging to an ID and returns a
// complete datagram when all the fragments are available.
//
// first and last are the byte offsets of the first and last payload bytes
// carried by the fragment; more is the "more fragments" flag. hdr is the
// network header the fragment arrived with; the header of the fragment at
// offset zero is returned alongside the reassembled payload. Both slices are
// copied.
func (f *Fragmentation) Process(id FragmentID, first, last uint16, more bool, hdr, data []byte) (*Fragment, bool, error) {
	if first > last {
		return nil, false, fmt.Errorf("first=%d is greater than last=%d: %w", first, last, ErrInvalidArgs)
	}
	if int(last)-int(first)+1 != len(data) {
		return nil, false, fmt.Errorf("fragment range [%d, %d] does not match %d payload bytes: %w", first, last, len(data), ErrInvalidArgs)
	}
	if more && len(data)%8 != 0 {
		// Every fragment but the last carries a multiple of 8 bytes.
		return nil, false, fmt.Errorf("non-final fragment of %d bytes is not a multiple of 8: %w", len(data), ErrInvalidArgs)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.reassemblers[id]
	if !ok {
		r = newReassembler(id, f.clock.Now())
		f.reassemblers[id] = r
		r.timer = f.timers.NewTimer(func(time.Time) { f.expire(id, r) })
		r.timer.Reset(r.createdAt.Add(f.timeout))
	}

	res, done, consumed, err := r.process(first, last, more, hdr, data)
	if err != nil {
		// Conflicting fragments invalidate the whole datagram.
		f.release(r)
		return nil, false, err
	}

	f.size += consumed
	if done {
		f.release(r)
		f.stats.PacketsReassembled.Increment()
	}
	// Evict reassemblers if we are consuming more memory than highLimit
	// until we reach lowLimit.
	if f.size > f.highLimit {
		for f.size > f.lowLimit {
			oldest := f.oldest()
			if oldest == nil {
				break
			}
			log.Debugf("fragmentation: evicting %s to bound memory (%d bytes held)", oldest.id, f.size)
			f.release(oldest)
		}
	}
	return res, done, nil
}

// Pending returns the number of incomplete datagrams being held.
func (f *Fragmentation) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reassemblers)
}

// MemSize returns the number of payload bytes held for incomplete datagrams.
func (f *Fragmentation) MemSize() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.size
}

func (f *Fragmentation) expire(id FragmentID, r *reassembler) {
	f.mu.Lock()
	if f.reassemblers[id] != r {
		// Already completed, evicted or replaced.
		f.mu.Unlock()
		return
	}
	first := r.firstFragment()
	f.release(r)
	f.mu.Unlock()

	f.stats.ReassemblyTimeouts.Increment()
	log.Debugf("fragmentation: reassembly of %s timed out", id)
	if f.onTimeout != nil {
		f.onTimeout(id, first)
	}
}

// oldest returns the reassembler created first. Eviction is rare, so a scan
// is fine. f.mu must be held.
func (f *Fragmentation) oldest() *reassembler {
	var oldest *reassembler
	for _, r := range f.reassemblers {
		if oldest == nil || r.createdAt.Before(oldest.createdAt) {
			oldest = r
		}
	}
	return oldest
}

// release removes r and returns its memory. f.mu must be held.
func (f *Fragmentation) release(r *reassembler) {
	if f.reassemblers[r.id] == r {
		delete(f.reassemblers, r.id)
	}
	r.timer.Stop()
	f.size -= r.markDone()
	if f.size < 0 {
		panic(fmt.Sprintf("fragmentation: memory accounting went negative: %d", f.size))
	}
}
