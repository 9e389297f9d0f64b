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

	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/seqnum"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

// segment represents a TCP segment. It holds the payload and parsed TCP
// segment information.
type segment struct {
	id stack.TransportEndpointID

	sequenceNumber seqnum.Value
	ackNumber      seqnum.Value
	flags          header.TCPFlags
	window         seqnum.Size

	// data is a view into the received packet. It stays valid after the
	// packet is released.
	data []byte

	// parsedOptions stores the parsed values from the options in the
	// segment. Only SYN segments carry meaningful values.
	parsedOptions header.TCPSynOptions

	rcvdTime time.Time
}

// parseSegment validates the TCP header at the front of pkt's view and
// returns the decoded segment. ok is false for a malformed segment; csumOK
// is false for a segment whose checksum does not verify.
func parseSegment(id stack.TransportEndpointID, pkt *buffer.PacketBuffer, now time.Time) (s *segment, ok bool, csumOK bool) {
	h := header.TCP(pkt.Data())
	if !h.IsValid() {
		return nil, false, false
	}
	if !h.IsChecksumValid(pkt.Src, pkt.Dst) {
		return nil, true, false
	}
	s = &segment{
		id:             id,
		sequenceNumber: seqnum.Value(h.SequenceNumber()),
		ackNumber:      seqnum.Value(h.AckNumber()),
		flags:          h.Flags(),
		window:         seqnum.Size(h.WindowSize()),
		data:           h.Payload(),
		rcvdTime:       now,
	}
	if s.flags.Contains(header.TCPFlagSyn) {
		s.parsedOptions = h.ParsedOptions()
	}
	return s, true, true
}

func (s *segment) flagIsSet(flag header.TCPFlags) bool {
	return s.flags.Contains(flag)
}

// logicalLen is the segment length in the sequence number space. It's
// defined as the data length plus one for each of the SYN and FIN bits set.
func (s *segment) logicalLen() seqnum.Size {
	l := seqnum.Size(len(s.data))
	if s.flagIsSet(header.TCPFlagSyn) {
		l++
	}
	if s.flagIsSet(header.TCPFlagFin) {
		l++
	}
	return l
}

// end returns the sequence number following the segment.
func (s *segment) end() seqnum.Value {
	return s.sequenceNumber.Add(s.logicalLen())
}

// trimFront drops the first n sequence numbers of the segment. A SYN counts
// as the first of them.
func (s *segment) trimFront(n seqnum.Size) {
	if n == 0 {
		return
	}
	if s.flagIsSet(header.TCPFlagSyn) {
		s.flags &^= header.TCPFlagSyn
		s.sequenceNumber++
		n--
	}
	if int(n) > len(s.data) {
		n = seqnum.Size(len(s.data))
	}
	s.data = s.data[n:]
	s.sequenceNumber = s.sequenceNumber.Add(n)
}
