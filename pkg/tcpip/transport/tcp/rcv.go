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

package tcp

import (
	"github.com/google/btree"

	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/seqnum"
	"netengine.dev/netengine/pkg/waiter"
)

// oooDegree is the degree of the out-of-order queue's btree.
const oooDegree = 8

// receiver holds the state necessary to receive TCP segments and turn them
// into a stream of bytes. All fields are protected by the endpoint's mutex.
type receiver struct {
	ep *endpoint

	irs    seqnum.Value
	rcvNxt seqnum.Value

	// rcvAcc is the right edge of the largest window ever advertised. The
	// window never shrinks below it.
	rcvAcc seqnum.Value

	rcvWndScale uint8

	// pending holds segments that arrived ahead of rcvNxt, ordered by
	// sequence number. Only bytes inside the advertised window are kept.
	pending      *btree.BTreeG[*segment]
	pendingBytes int

	// finRcvd is set once the FIN was consumed in order.
	finRcvd bool
}

func segmentLess(a, b *segment) bool {
	return a.sequenceNumber.LessThan(b.sequenceNumber)
}

func newReceiver(ep *endpoint, irs seqnum.Value, scale uint8) *receiver {
	r := &receiver{
		ep:          ep,
		irs:         irs,
		rcvNxt:      irs.Add(1),
		rcvWndScale: scale,
		pending:     btree.NewG[*segment](oooDegree, segmentLess),
	}
	r.rcvAcc = r.rcvNxt
	return r
}

// windowScaleFor returns the smallest shift that lets a window of bufSize
// bytes fit in the 16-bit header field.
func windowScaleFor(bufSize int) uint8 {
	s := uint8(0)
	for bufSize > 0xffff && s < header.MaxWndScale {
		bufSize >>= 1
		s++
	}
	return s
}

// freeSpace returns the receive buffer space not taken by unread or
// out-of-order bytes.
func (r *receiver) freeSpace() int {
	n := r.ep.rcvBufSize - len(r.ep.rcvBuf) - r.pendingBytes
	if n < 0 {
		return 0
	}
	return n
}

// window returns the number of bytes the peer may send beyond rcvNxt
// according to the last advertisement.
func (r *receiver) window() seqnum.Size {
	return r.rcvNxt.Size(r.rcvAcc)
}

// advertise returns the window field for an outbound segment and records
// the advertised right edge.
func (r *receiver) advertise() uint16 {
	wnd := r.freeSpace() >> r.rcvWndScale
	if wnd > 0xffff {
		wnd = 0xffff
	}
	edge := r.rcvNxt.Add(seqnum.Size(wnd << r.rcvWndScale))
	if edge.LessThan(r.rcvAcc) {
		// Keep the right edge where it was.
		wnd = int(r.window() >> r.rcvWndScale)
		edge = r.rcvAcc
	}
	r.rcvAcc = edge
	return uint16(wnd)
}

// windowUpdateDue reports whether the space freed by the application is
// worth announcing (RFC 1122, 4.2.3.3).
func (r *receiver) windowUpdateDue() bool {
	grown := r.rcvNxt.Add(seqnum.Size(r.freeSpace()))
	if !r.rcvAcc.LessThan(grown) {
		return false
	}
	threshold := min(r.ep.rcvBufSize/2, r.ep.snd.mss)
	return int(r.rcvAcc.Size(grown)) >= threshold
}

// acceptable implements the segment acceptability test of RFC 793, page 69.
func (r *receiver) acceptable(s *segment) bool {
	segLen := s.logicalLen()
	wnd := r.window()
	seq := s.sequenceNumber
	if segLen == 0 {
		if wnd == 0 {
			return seq == r.rcvNxt
		}
		return seq.InWindow(r.rcvNxt, wnd)
	}
	if wnd == 0 {
		return false
	}
	return seq.InWindow(r.rcvNxt, wnd) || seq.Add(segLen-1).InWindow(r.rcvNxt, wnd)
}

// handleData accepts the data and FIN of an acceptable segment. It returns
// whether the FIN was consumed and whether the segment calls for an ACK.
func (r *receiver) handleData(s *segment) (fin, needAck bool) {
	if len(s.data) == 0 && !s.flagIsSet(header.TCPFlagFin) {
		return false, false
	}
	if s.sequenceNumber.LessThan(r.rcvNxt) {
		s.trimFront(r.sequenceDistance(s))
	}
	r.trimToWindow(s)
	if len(s.data) == 0 && !s.flagIsSet(header.TCPFlagFin) {
		// Only old or out-of-window bytes.
		return false, true
	}

	if s.sequenceNumber != r.rcvNxt {
		r.stash(s)
		r.ep.stats().TCP.OutOfOrderSegments.Increment()
		// Immediate duplicate ACK (RFC 5681, section 4.2).
		return false, true
	}

	fin = r.consume(s)
	for !fin {
		head, ok := r.pending.Min()
		if !ok || r.rcvNxt.LessThan(head.sequenceNumber) {
			break
		}
		r.pending.DeleteMin()
		r.pendingBytes -= len(head.data)
		if head.end().LessThanEq(r.rcvNxt) {
			continue
		}
		head.trimFront(r.sequenceDistance(head))
		fin = r.consume(head)
	}
	return fin, true
}

func (r *receiver) sequenceDistance(s *segment) seqnum.Size {
	return s.sequenceNumber.Size(r.rcvNxt)
}

// trimToWindow drops the bytes of s beyond the advertised window. A FIN
// beyond the window is dropped with them.
func (r *receiver) trimToWindow(s *segment) {
	if !s.sequenceNumber.LessThan(r.rcvAcc) {
		s.data = nil
		s.flags &^= header.TCPFlagFin
		return
	}
	room := int(s.sequenceNumber.Size(r.rcvAcc))
	if len(s.data) > room {
		s.data = s.data[:room]
		s.flags &^= header.TCPFlagFin
	}
}

// stash queues an out-of-order segment. A segment starting where a queued
// one starts replaces it only if it is longer.
func (r *receiver) stash(s *segment) {
	if old, ok := r.pending.Get(s); ok {
		if old.logicalLen() >= s.logicalLen() {
			return
		}
		r.pendingBytes -= len(old.data)
	}
	// Own the bytes: the packet they point into is gone once we return.
	s.data = append([]byte(nil), s.data...)
	r.pending.ReplaceOrInsert(s)
	r.pendingBytes += len(s.data)
}

// consume appends the in-order segment s to the receive buffer.
func (r *receiver) consume(s *segment) bool {
	if len(s.data) > 0 {
		r.ep.rcvBuf = append(r.ep.rcvBuf, s.data...)
		r.rcvNxt = r.rcvNxt.Add(seqnum.Size(len(s.data)))
		r.ep.notify(waiter.EventIn)
	}
	if s.flagIsSet(header.TCPFlagFin) {
		r.rcvNxt++
		r.finRcvd = true
		r.pending.Clear(false)
		r.pendingBytes = 0
		return true
	}
	return false
}
