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


// Package tcpconntrack follows the TCP state of a tracked connection from
// the segments the firewall sees in both directions. It tells the connection
// table when the handshake completes, when the connection is reset and when
// both directions were closed.
//
// Directions use the conntrack tuple names: Original is the direction of the
// first SYN, Reply the direction of the answers.
package tcpconntrack

import (
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/seqnum"
)

// Direction is the tuple direction of a segment within its connection.
type Direction int

const (
	// Original segments travel from the connection's initiator.
	Original Direction = iota

	// Reply segments travel back from the responder.
	Reply
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	if d == Original {
		return "original"
	}
	return "reply"
}

func (d Direction) opposite() Direction {
	return Reply - d
}

// Result is the verdict of TCB.Update on one segment.
type Result int

const (
	// ResultDrop indicates that the segment should be dropped.
	ResultDrop Result = iota

	// ResultConnecting indicates that the reply SYN was not seen yet.
	ResultConnecting

	// ResultAlive indicates that the connection is synchronized and at
	// least one direction is still open.
	ResultAlive

	// ResultReset indicates that an in-window RST ended the connection.
	ResultReset

	// ResultClosedByReply indicates that both directions were closed and
	// the reply direction sent the first FIN.
	ResultClosedByReply

	// ResultClosedByOriginal indicates that both directions were closed and
	// the original direction sent the first FIN.
	ResultClosedByOriginal
)

// String implements fmt.Stringer.
func (r Result) String() string {
	switch r {
	case ResultDrop:
		return "drop"
	case ResultConnecting:
		return "connecting"
	case ResultAlive:
		return "alive"
	case ResultReset:
		return "reset"
	case ResultClosedByReply:
		return "closed-by-reply"
	case ResultClosedByOriginal:
		return "closed-by-original"
	}
	return "unknown"
}

// Closed reports whether r ends the connection.
func (r Result) Closed() bool {
	return r == ResultReset || r == ResultClosedByReply || r == ResultClosedByOriginal
}

// TCB is the TCP state of one tracked connection. It is not safe for
// concurrent use; the connection table serializes updates.
type TCB struct {
	// streams is the sequence space of each direction, indexed by
	// Direction.
	streams [2]stream

	// synced is set once the reply SYN was seen.
	synced bool

	// firstFin is the direction of the first FIN. It is valid once that
	// direction's stream has finSeen set.
	firstFin Direction

	// state is the last result that was not ResultDrop.
	state Result
}

// Init starts tracking from syn, the first SYN of the original direction.
func (t *TCB) Init(syn header.TCP) {
	*t = TCB{state: ResultConnecting}

	orig := &t.streams[Original]
	iss := seqnum.Value(syn.SequenceNumber())
	orig.una = iss
	orig.nxt = iss.Add(logicalLen(syn))
	orig.end = orig.nxt
	orig.shift = syn.ParsedOptions().WS

	// The reply sequence space is unknown until its SYN. Until then end
	// holds the window the original SYN offers, relative to zero.
	reply := &t.streams[Reply]
	reply.end = seqnum.Value(syn.WindowSize())
	reply.shift = -1
}

// Update records seg, sent in direction dir, and returns its verdict.
func (t *TCB) Update(dir Direction, seg header.TCP) Result {
	var r Result
	switch {
	case t.synced:
		r = t.closeResult(t.track(dir, seg))
	case dir == Original:
		r = t.originalBeforeSync(seg)
	default:
		r = t.replyBeforeSync(seg)
	}
	if r != ResultDrop {
		t.state = r
	}
	return r
}

// State returns the result of the last segment that was not dropped.
func (t *TCB) State() Result {
	return t.state
}

// Alive reports whether the connection was neither reset nor closed in
// both directions.
func (t *TCB) Alive() bool {
	orig, reply := &t.streams[Original], &t.streams[Reply]
	if orig.rstSeen || reply.rstSeen {
		return false
	}
	return !orig.closed() || !reply.closed()
}

// Established reports whether the handshake completed and neither
// direction has started closing.
func (t *TCB) Established() bool {
	if t.state != ResultAlive {
		return false
	}
	for i := range t.streams {
		if s := &t.streams[i]; s.finSeen || s.rstSeen {
			return false
		}
	}
	return true
}

// scaled reports whether both SYNs carried a window scale option. RFC 7323
// scales later window fields only then.
func (t *TCB) scaled() bool {
	return t.streams[Original].shift >= 0 && t.streams[Reply].shift >= 0
}

// closeResult turns ResultAlive into the matching closed result once both
// directions were closed.
func (t *TCB) closeResult(r Result) Result {
	if r != ResultAlive || !t.streams[Original].closed() || !t.streams[Reply].closed() {
		return r
	}
	if t.firstFin == Original {
		return ResultClosedByOriginal
	}
	return ResultClosedByReply
}

// originalBeforeSync accepts only retransmissions of the original SYN.
func (t *TCB) originalBeforeSync(seg header.TCP) Result {
	orig := &t.streams[Original]
	if seg.Flags() != header.TCPFlagSyn || seqnum.Value(seg.SequenceNumber()) != orig.una {
		return ResultDrop
	}
	if wnd := seqnum.Value(seg.WindowSize()); wnd > t.streams[Reply].end {
		t.streams[Reply].end = wnd
	}
	return ResultConnecting
}

// replyBeforeSync waits for the reply SYN. A RST with an acceptable ACK
// refuses the connection.
func (t *TCB) replyBeforeSync(seg header.TCP) Result {
	orig, reply := &t.streams[Original], &t.streams[Reply]
	flags := seg.Flags()
	hasAck := flags.Contains(header.TCPFlagAck)
	ack := seqnum.Value(seg.AckNumber())

	if hasAck && !(ack - 1).InRange(orig.una, orig.nxt) {
		return ResultConnecting
	}
	if flags.Contains(header.TCPFlagRst) {
		if !hasAck {
			return ResultConnecting
		}
		reply.rstSeen = true
		return ResultReset
	}
	if !flags.Contains(header.TCPFlagSyn) {
		return ResultConnecting
	}

	irs := seqnum.Value(seg.SequenceNumber())
	reply.una = irs
	reply.nxt = irs.Add(logicalLen(seg))
	reply.end += irs
	reply.shift = seg.ParsedOptions().WS

	// SYN windows are never scaled.
	orig.end = orig.una.Add(seqnum.Size(seg.WindowSize()))
	if hasAck {
		if orig.una.LessThan(ack) {
			orig.una = ack
		}
		if end := ack.Add(seqnum.Size(seg.WindowSize())); orig.end.LessThan(end) {
			orig.end = end
		}
	}

	t.synced = true
	return ResultAlive
}

// track updates both streams for a segment sent in direction dir once the
// connection is synchronized.
func (t *TCB) track(dir Direction, seg header.TCP) Result {
	snd, rcv := &t.streams[dir], &t.streams[dir.opposite()]

	seq := seqnum.Value(seg.SequenceNumber())
	if !snd.acceptable(seq, dataLen(seg)) {
		return ResultAlive
	}
	flags := seg.Flags()
	if flags.Contains(header.TCPFlagRst) {
		snd.rstSeen = true
		return ResultReset
	}
	if !flags.Contains(header.TCPFlagAck) || flags.Contains(header.TCPFlagSyn) {
		return ResultAlive
	}

	// An ACK of data never sent is ignored.
	ack := seqnum.Value(seg.AckNumber())
	if rcv.nxt.LessThan(ack) {
		return ResultAlive
	}
	if rcv.una.LessThan(ack) {
		rcv.una = ack
	}
	wnd := seqnum.Size(seg.WindowSize())
	if t.scaled() {
		wnd <<= uint(snd.shift)
	}
	if end := ack.Add(wnd); rcv.end.LessThan(end) {
		rcv.end = end
	}

	end := seq.Add(logicalLen(seg))
	if snd.nxt.LessThan(end) {
		snd.nxt = end
	}
	if flags.Contains(header.TCPFlagFin) && !snd.finSeen {
		if !rcv.finSeen {
			t.firstFin = dir
		}
		snd.finSeen = true
		snd.fin = end - 1
	}
	return ResultAlive
}

// stream is the sequence space of one direction.
type stream struct {
	// [una, end) is what the receiver accepts: below una is acknowledged,
	// from end on is beyond its window. [una, nxt) is sent but not yet
	// acknowledged.
	una seqnum.Value
	nxt seqnum.Value
	end seqnum.Value

	// shift is the window scale the sender announced in its SYN, or -1.
	shift int

	// fin is the sequence number of the FIN, valid when finSeen is set.
	finSeen bool
	fin     seqnum.Value

	rstSeen bool
}

// acceptable reports whether a segment at seq carrying n bytes overlaps
// [una, end). A zero window only accepts an empty segment at una.
func (s *stream) acceptable(seq seqnum.Value, n seqnum.Size) bool {
	wnd := s.una.Size(s.end)
	if wnd == 0 {
		return n == 0 && seq == s.una
	}
	if n == 0 {
		n = 1
	}
	return seqnum.Overlap(s.una, wnd, seq, n)
}

// closed reports whether the direction's FIN was acknowledged.
func (s *stream) closed() bool {
	return s.finSeen && s.fin.LessThan(s.una)
}

func dataLen(seg header.TCP) seqnum.Size {
	return seqnum.Size(len(seg) - int(seg.DataOffset()))
}

// logicalLen is the sequence space seg occupies: its payload plus one for
// each of SYN and FIN.
func logicalLen(seg header.TCP) seqnum.Size {
	n := dataLen(seg)
	flags := seg.Flags()
	if flags.Contains(header.TCPFlagSyn) {
		n++
	}
	if flags.Contains(header.TCPFlagFin) {
		n++
	}
	return n
}
