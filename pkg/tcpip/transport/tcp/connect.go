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
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/seqnum"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

// outSegment describes a segment to transmit.
type outSegment struct {
	flags  header.TCPFlags
	seq    seqnum.Value
	ack    seqnum.Value
	window uint16
	opts   []byte
	data   []byte
}

// sendTCP builds a TCP segment and writes it on r.
func sendTCP(r *stack.Route, id stack.TransportEndpointID, ttl uint8, out outSegment) *tcpip.Error {
	hdrLen := header.TCPMinimumSize + len(out.opts)
	pkt := buffer.NewPacketBuffer(int(r.MaxHeaderLength())+hdrLen, out.data)
	h := header.TCP(pkt.PushTransportHeader(hdrLen))
	h.Encode(&header.TCPFields{
		SrcPort:    id.LocalPort,
		DstPort:    id.RemotePort,
		SeqNum:     uint32(out.seq),
		AckNum:     uint32(out.ack),
		DataOffset: uint8(hdrLen),
		Flags:      out.flags,
		WindowSize: out.window,
	})
	copy(h[header.TCPMinimumSize:], out.opts)
	h.SetChecksum(header.TransportChecksum(ProtocolNumber, r.LocalAddress, r.RemoteAddress, pkt.Data()))

	stats := r.Stats()
	if ttl == 0 {
		ttl = r.DefaultTTL()
	}
	if err := r.WritePacket(stack.NetworkHeaderParams{Protocol: ProtocolNumber, TTL: ttl}, pkt); err != nil {
		stats.TCP.SegmentSendErrors.Increment()
		return err
	}
	stats.TCP.SegmentsSent.Increment()
	if out.flags.Contains(header.TCPFlagRst) {
		stats.TCP.ResetsSent.Increment()
	}
	return nil
}

// sendRaw sends a segment on the endpoint's connection, acknowledging
// everything received so far.
func (e *endpoint) sendRaw(flags header.TCPFlags, seq seqnum.Value, data, opts []byte) {
	out := outSegment{
		flags:  flags,
		seq:    seq,
		window: uint16(min(e.rcvBufSize, 0xffff)),
		opts:   opts,
		data:   data,
	}
	if e.rcv != nil {
		if flags.Contains(header.TCPFlagAck) {
			out.ack = e.rcv.rcvNxt
		}
		if flags.Contains(header.TCPFlagSyn) {
			// The window of a SYN is never scaled.
			out.window = uint16(min(e.rcv.freeSpace(), 0xffff))
			if edge := e.rcv.rcvNxt.Add(seqnum.Size(out.window)); e.rcv.rcvAcc.LessThan(edge) {
				e.rcv.rcvAcc = edge
			}
		} else {
			out.window = e.rcv.advertise()
		}
	}
	// Send errors are not fatal: retransmission covers lost segments.
	_ = sendTCP(e.route, e.id, e.ttl, out)
}

func (e *endpoint) sendAck() {
	e.sendRaw(header.TCPFlagAck, e.snd.sndNxt, nil, nil)
}

// sendSyn sends, or resends, the SYN or SYN-ACK. It carries the MSS option
// and, when negotiated, the window scale option.
func (e *endpoint) sendSyn() {
	var opts [8]byte
	n := header.EncodeMSSOption(uint32(e.advertisedMSS), opts[:])
	if e.sendWS {
		n += header.EncodeNOP(opts[n:])
		n += header.EncodeWSOption(int(e.rcvScale), opts[n:])
	}
	n += header.AddTCPOptionPadding(opts[:], n)

	flags := header.TCPFlagSyn
	if e.rcv != nil {
		flags |= header.TCPFlagAck
	}
	e.snd.sendSyn(flags, opts[:n])
}

// sendSyn transmits the SYN at iss. Only a first transmission is timed.
func (s *sender) sendSyn(flags header.TCPFlags, opts []byte) {
	if s.sndMax == s.iss {
		s.rttMeasuring = true
		s.rttSeq = s.iss.Add(1)
		s.rttTime = s.ep.now()
	} else {
		s.ep.stats().TCP.Retransmits.Increment()
		s.ep.retransmits++
		s.rttMeasuring = false
	}
	s.ep.sendRaw(flags, s.iss, nil, opts)
	s.sndNxt = seqnum.Max(s.sndNxt, s.iss.Add(1))
	s.updateMaxSent(s.iss.Add(1))
	if !s.rtoTimer.Enabled() {
		s.rtoTimer.Reset(s.ep.now().Add(s.rto))
	}
}

// synAcked records the acknowledgement of our SYN. window is the peer's
// window, already scaled.
func (s *sender) synAcked(seg *segment, window seqnum.Size) {
	s.sndUna = s.iss.Add(1)
	s.sndNxt = seqnum.Max(s.sndNxt, s.sndUna)
	s.sndWnd = window
	s.sndWl1 = seg.sequenceNumber
	s.sndWl2 = seg.ackNumber
	if s.rttMeasuring && s.rttSeq.LessThanEq(seg.ackNumber) {
		s.updateRTO(seg.rcvdTime.Sub(s.rttTime))
	}
	s.rttMeasuring = false
	s.retries = 0
	s.rtoTimer.Stop()
}

// replyWithReset answers s with a RST as if no connection existed (RFC 793,
// page 36).
func (e *endpoint) replyWithReset(s *segment) {
	r, err := e.stack.FindRoute(0, s.id.LocalAddress, s.id.RemoteAddress, e.netProto)
	if err != nil {
		return
	}
	out := outSegment{flags: header.TCPFlagRst}
	if s.flagIsSet(header.TCPFlagAck) {
		out.seq = s.ackNumber
	} else {
		out.flags |= header.TCPFlagAck
		out.ack = s.end()
	}
	_ = sendTCP(r, s.id, 0, out)
}

// initFromSyn records the peer's SYN: its initial sequence number, window
// and options.
func (e *endpoint) initFromSyn(s *segment) {
	opts := s.parsedOptions
	if opts.WS >= 0 && (e.sendWS || e.state == StateListen) {
		if !e.sendWS {
			e.sendWS = true
			e.rcvScale = windowScaleFor(e.rcvBufSize)
		}
		e.snd.sndWndScale = uint8(min(opts.WS, header.MaxWndScale))
	} else {
		e.sendWS = false
		e.rcvScale = 0
		e.snd.sndWndScale = 0
	}

	mss := int(opts.MSS)
	if mss == 0 {
		mss = header.TCPDefaultMSS
	}
	mss = min(mss, e.advertisedMSS)
	snd := e.snd
	snd.mss = mss
	snd.cc = newRenoState(e.protocol.options().InitialCwnd, mss, e.protocol.options().DupAckThreshold)
	snd.sndWnd = s.window
	snd.sndWl1 = s.sequenceNumber
	snd.sndWl2 = s.ackNumber

	e.rcv = newReceiver(e, s.sequenceNumber, e.rcvScale)
	e.rcv.rcvAcc = e.rcv.rcvNxt.Add(seqnum.Size(min(e.rcvBufSize, 0xffff)))
}

// handleSynSentSegment processes a segment while our SYN is outstanding
// (RFC 793, page 66).
func (e *endpoint) handleSynSentSegment(s *segment) {
	snd := e.snd
	hasAck := s.flagIsSet(header.TCPFlagAck)
	if hasAck && (s.ackNumber.LessThanEq(snd.iss) || snd.sndMax.LessThan(s.ackNumber)) {
		if !s.flagIsSet(header.TCPFlagRst) {
			e.replyWithReset(s)
		}
		return
	}
	if s.flagIsSet(header.TCPFlagRst) {
		if hasAck {
			e.doTransition(evRcvRst, nil)
		}
		return
	}
	if !s.flagIsSet(header.TCPFlagSyn) {
		return
	}

	e.initFromSyn(s)
	if !hasAck {
		// Simultaneous open.
		e.doTransition(evRcvSyn, nil)
		return
	}
	snd.synAcked(s, s.window)
	e.doTransition(evRcvSynAck, nil)

	s.trimFront(1)
	if fin, _ := e.rcv.handleData(s); fin {
		e.doTransition(evRcvFin, nil)
	}
}

// handleSynchronizedSegment processes a segment once both sequence spaces
// are known (RFC 793, page 69 onwards).
func (e *endpoint) handleSynchronizedSegment(s *segment) {
	rst := s.flagIsSet(header.TCPFlagRst)

	switch {
	case e.state == StateTimeWait && s.flagIsSet(header.TCPFlagFin) && !rst:
		// The peer retransmitted its FIN: our ACK was lost.
		e.doTransition(evRcvFin, nil)
		return
	case e.state == StateSynRecv && s.flagIsSet(header.TCPFlagSyn) && !s.flagIsSet(header.TCPFlagAck) && s.sequenceNumber == e.rcv.irs:
		// The peer retransmitted its SYN: our SYN-ACK was lost.
		e.sendSyn()
		return
	}

	if !e.rcv.acceptable(s) {
		if !rst {
			e.sendAck()
		}
		return
	}
	if rst {
		e.doTransition(evRcvRst, nil)
		return
	}
	if s.flagIsSet(header.TCPFlagSyn) {
		// A SYN in the window gets a challenge ACK (RFC 5961, section 4).
		e.sendAck()
		return
	}
	if !s.flagIsSet(header.TCPFlagAck) {
		return
	}

	if e.state == StateSynRecv {
		if s.ackNumber != e.snd.iss.Add(1) {
			e.replyWithReset(s)
			return
		}
		e.snd.synAcked(s, s.window<<e.snd.sndWndScale)
		e.doTransition(evRcvAckOfSyn, nil)
		if e.state == StateClosed {
			return
		}
	}

	switch e.snd.handleAck(s) {
	case ackUnsent:
		e.sendAck()
		return
	case ackFin:
		e.doTransition(evRcvAckOfFin, nil)
		if e.state != StateFinWait2 {
			return
		}
	}

	if e.state.acceptsData() {
		if e.closed && len(s.data) > 0 {
			// Nobody will read it (RFC 2525, section 2.17).
			e.doTransition(evAbort, nil)
			return
		}
		fin, needAck := e.rcv.handleData(s)
		switch {
		case fin:
			e.doTransition(evRcvFin, nil)
		case needAck:
			e.sendAck()
		}
		return
	}
	if len(s.data) > 0 || s.flagIsSet(header.TCPFlagFin) {
		e.sendAck()
	}
}
