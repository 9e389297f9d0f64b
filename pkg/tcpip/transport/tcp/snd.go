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
	"time"

	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/seqnum"
	"netengine.dev/netengine/pkg/tcpip/timer"
	"netengine.dev/netengine/pkg/waiter"
)

// rttClockGranularity is G in RFC 6298.
const rttClockGranularity = time.Millisecond

// sender holds the state necessary to send TCP segments. All fields are
// protected by the endpoint's mutex.
type sender struct {
	ep *endpoint

	iss seqnum.Value

	// sndUna is the oldest unacknowledged sequence number, sndNxt the next
	// one to send and sndMax the highest ever sent. sndNxt falls behind
	// sndMax after a retransmission timeout.
	sndUna seqnum.Value
	sndNxt seqnum.Value
	sndMax seqnum.Value

	// sndWnd is the peer's receive window, already scaled.
	sndWnd      seqnum.Size
	sndWndScale uint8
	sndWl1      seqnum.Value
	sndWl2      seqnum.Value

	// mss is the effective send MSS.
	mss int

	// buf holds the unacknowledged bytes followed by the unsent ones. Its
	// first byte has sequence number bufSeq.
	buf    []byte
	bufSeq seqnum.Value

	finQueued bool
	finSent   bool
	finSeq    seqnum.Value

	// RTT estimation (RFC 6298). At most one segment is timed at once and
	// never a retransmitted one (Karn's rule).
	srtt         time.Duration
	rttvar       time.Duration
	rto          time.Duration
	srttInited   bool
	rttMeasuring bool
	rttSeq       seqnum.Value
	rttTime      time.Time

	// retries counts consecutive retransmission timeouts.
	retries int

	rtoTimer *timer.Timer

	cc renoState
}

func newSender(ep *endpoint, iss seqnum.Value, mss int) *sender {
	opts := ep.protocol.options()
	s := &sender{
		ep:     ep,
		iss:    iss,
		sndUna: iss,
		sndNxt: iss,
		sndMax: iss,
		bufSeq: iss.Add(1),
		mss:    mss,
		rto:    opts.InitialRTO,
		cc:     newRenoState(opts.InitialCwnd, mss, opts.DupAckThreshold),
	}
	s.rtoTimer = ep.stack.Timers().NewTimer(ep.handleRTO)
	return s
}

// flight returns the number of sequence numbers sent and not yet
// acknowledged.
func (s *sender) flight() int {
	return int(s.sndUna.Size(s.sndNxt))
}

func (s *sender) bufEnd() seqnum.Value {
	return s.bufSeq.Add(seqnum.Size(len(s.buf)))
}

// unsent returns the number of queued data bytes not yet sent.
func (s *sender) unsent() int {
	end := s.bufEnd()
	if !s.sndNxt.LessThan(end) {
		return 0
	}
	return int(s.sndNxt.Size(end))
}

// updateMaxSent records that everything before end was transmitted.
func (s *sender) updateMaxSent(end seqnum.Value) {
	if s.sndMax.LessThan(end) {
		s.sndMax = end
	}
}

// sendData sends as much queued data, and then the FIN, as the congestion
// and receive windows allow.
func (s *sender) sendData() {
	switch s.ep.state {
	case StateEstablished, StateCloseWait, StateFinWait1, StateClosing, StateLastAck:
	default:
		return
	}
	if s.sndUna == s.iss {
		// Data waits for the SYN to be acknowledged.
		return
	}
	wnd := min(s.cc.cwnd, int(s.sndWnd))
	for !s.finSent {
		unsent := s.unsent()
		if unsent == 0 {
			if s.finQueued {
				s.sendSegment(s.sndNxt, nil, header.TCPFlagAck|header.TCPFlagFin)
			}
			break
		}
		inFlight := s.flight()
		n := min(unsent, s.mss)
		if avail := wnd - inFlight; avail < n {
			if avail <= 0 || inFlight > 0 {
				break
			}
			// Nothing in flight: use whatever window there is instead
			// of stalling.
			n = avail
		}
		if !s.ep.noDelay && n < s.mss && inFlight > 0 {
			// Nagle's algorithm: hold small segments while data is
			// unacknowledged.
			break
		}
		off := int(s.bufSeq.Size(s.sndNxt))
		flags := header.TCPFlagAck
		if n == unsent {
			flags |= header.TCPFlagPsh
			if s.finQueued {
				flags |= header.TCPFlagFin
			}
		}
		s.sendSegment(s.sndNxt, s.buf[off:off+n], flags)
	}
	s.armTimer()
}

// sendSegment transmits data at seq and advances sndNxt past it.
func (s *sender) sendSegment(seq seqnum.Value, data []byte, flags header.TCPFlags) {
	end := seq.Add(seqnum.Size(len(data)))
	if flags.Contains(header.TCPFlagFin) {
		s.finSent = true
		s.finSeq = end
		end++
	}
	if seq.LessThan(s.sndMax) {
		s.ep.stats().TCP.Retransmits.Increment()
		s.ep.retransmits++
		s.rttMeasuring = false
	} else if !s.rttMeasuring {
		s.rttMeasuring = true
		s.rttSeq = end
		s.rttTime = s.ep.now()
	}
	s.ep.sendRaw(flags, seq, data, nil)
	if s.sndNxt.LessThan(end) {
		s.sndNxt = end
	}
	s.updateMaxSent(end)
}

// retransmitFirst resends the segment at sndUna.
func (s *sender) retransmitFirst() {
	if s.sndUna == s.iss {
		s.ep.sendSyn()
		return
	}
	off := int(s.bufSeq.Size(s.sndUna))
	n := min(s.mss, len(s.buf)-off)
	if n < 0 {
		n = 0
	}
	flags := header.TCPFlagAck
	if s.finSent && s.sndUna.Add(seqnum.Size(n)) == s.finSeq {
		flags |= header.TCPFlagFin
	}
	if n == 0 && !flags.Contains(header.TCPFlagFin) {
		return
	}
	saved := s.sndNxt
	s.sendSegment(s.sndUna, s.buf[off:off+n], flags)
	s.sndNxt = seqnum.Max(saved, s.sndNxt)
}

// armTimer starts the retransmission timer when data is outstanding, or
// when the peer's zero window blocks queued data, and stops it otherwise.
func (s *sender) armTimer() {
	switch {
	case s.flight() > 0 || (s.sndWnd == 0 && s.unsent() > 0):
		if !s.rtoTimer.Enabled() {
			s.rtoTimer.Reset(s.ep.now().Add(s.rto))
		}
	default:
		s.rtoTimer.Stop()
	}
}

// updateRTO folds one RTT sample into the estimate (RFC 6298, section 2).
func (s *sender) updateRTO(rtt time.Duration) {
	if !s.srttInited {
		s.srtt = rtt
		s.rttvar = rtt / 2
		s.srttInited = true
	} else {
		diff := s.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		s.rttvar = (3*s.rttvar + diff) / 4
		s.srtt = (7*s.srtt + rtt) / 8
	}
	s.rto = s.computeRTO()
}

func (s *sender) computeRTO() time.Duration {
	opts := s.ep.protocol.options()
	rto := s.srtt + max(rttClockGranularity, 4*s.rttvar)
	if rto < opts.MinRTO {
		rto = opts.MinRTO
	}
	if rto > opts.MaxRTO {
		rto = opts.MaxRTO
	}
	return rto
}

// handleTimeout runs when the retransmission timer fires. It returns false
// once the retry limit is exceeded.
func (s *sender) handleTimeout() bool {
	opts := s.ep.protocol.options()
	if s.sndWnd == 0 && s.ep.state.connected() && s.sndUna.LessThan(s.bufEnd()) {
		// Zero window probe: the byte at sndUna, beyond the window. Any
		// answer from the peer resets retries.
		s.retries++
		if s.retries > opts.MaxRetries {
			return false
		}
		off := int(s.bufSeq.Size(s.sndUna))
		saved := s.sndNxt
		s.sendSegment(s.sndUna, s.buf[off:off+1], header.TCPFlagAck)
		s.sndNxt = seqnum.Max(saved, s.sndNxt)
		s.rto = min(s.rto*2, opts.MaxRTO)
		s.rtoTimer.Reset(s.ep.now().Add(s.rto))
		return true
	}
	if s.flight() == 0 {
		return true
	}

	s.retries++
	if s.retries > opts.MaxRetries {
		return false
	}
	s.ep.stats().TCP.Timeouts.Increment()

	// Exponential backoff (RFC 6298, section 5.5).
	s.rto = min(s.rto*2, opts.MaxRTO)
	s.rttMeasuring = false

	if s.ep.state.connected() {
		s.cc.onRTO(s.flight(), s.mss)
		// Go back to the first unacknowledged byte; the collapsed window
		// lets exactly one segment out.
		s.sndNxt = s.sndUna
		if s.finSent && !s.finSeq.LessThan(s.sndNxt) {
			s.finSent = false
		}
		s.sendData()
		if s.flight() == 0 {
			// The peer's window closed: the head byte still goes out.
			s.retransmitFirst()
		}
	} else {
		s.retransmitFirst()
	}
	s.rtoTimer.Reset(s.ep.now().Add(s.rto))
	return true
}

// ackResult is the outcome of handleAck.
type ackResult int

const (
	ackOK ackResult = iota
	// ackUnsent acknowledges data never sent; the segment is dropped.
	ackUnsent
	// ackFin acknowledges the FIN.
	ackFin
)

// handleAck processes the acknowledgement and window of an inbound segment
// in a synchronized state.
func (s *sender) handleAck(seg *segment) ackResult {
	ack := seg.ackNumber
	if s.sndMax.LessThan(ack) {
		return ackUnsent
	}

	// Window update, RFC 793 page 72.
	oldWnd := s.sndWnd
	if s.sndWl1.LessThan(seg.sequenceNumber) || (s.sndWl1 == seg.sequenceNumber && s.sndWl2.LessThanEq(ack)) {
		s.sndWnd = seg.window << s.sndWndScale
		s.sndWl1 = seg.sequenceNumber
		s.sndWl2 = ack
	}

	if ack.LessThan(s.sndUna) {
		return ackOK
	}

	if ack == s.sndUna {
		isDup := len(seg.data) == 0 && !seg.flagIsSet(header.TCPFlagFin) &&
			s.sndWnd == oldWnd && s.flight() > 0
		if isDup && s.cc.onDupAck(s.flight(), s.mss, uint32(s.sndNxt)) {
			s.ep.stats().TCP.FastRetransmit.Increment()
			s.retransmitFirst()
		}
		if s.sndWnd == 0 || oldWnd == 0 {
			// The peer answered a zero window probe.
			s.retries = 0
		}
		s.sendData()
		return ackOK
	}

	acked := int(s.sndUna.Size(ack))

	// Release acknowledged bytes.
	if s.bufSeq.LessThan(ack) {
		n := min(int(s.bufSeq.Size(ack)), len(s.buf))
		s.buf = s.buf[n:]
		if len(s.buf) == 0 {
			s.buf = nil
		}
		s.bufSeq = s.bufSeq.Add(seqnum.Size(n))
	}
	finAcked := s.finSent && s.finSeq.LessThan(ack)

	s.sndUna = ack
	if s.sndNxt.LessThan(ack) {
		s.sndNxt = ack
	}

	if s.rttMeasuring && s.rttSeq.LessThanEq(ack) {
		s.rttMeasuring = false
		s.updateRTO(seg.rcvdTime.Sub(s.rttTime))
	} else if s.srttInited {
		s.rto = s.computeRTO()
	}
	s.retries = 0

	if s.cc.inRecovery {
		if s.cc.onRecoveryAck(uint32(ack), acked, s.mss) {
			s.retransmitFirst()
		}
	} else {
		s.cc.onAck(acked, s.mss)
	}

	s.rtoTimer.Stop()
	s.ep.notify(waiter.EventOut)
	if finAcked {
		s.armTimer()
		return ackFin
	}
	s.sendData()
	return ackOK
}

// queueFin requests a FIN after the queued data.
func (s *sender) queueFin() {
	s.finQueued = true
	s.sendData()
}

// finAcked reports whether the FIN was sent and acknowledged.
func (s *sender) finAcked() bool {
	return s.finSent && s.finSeq.LessThan(s.sndUna)
}
