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

// Package ip holds the pieces shared by the IPv4 and IPv6 engines: the
// inbound decision type, the ICMP error rate limiter and the reset builder
// used by firewall rejects.
package ip

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/time/rate"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
)

// DecisionKind is the outcome of inbound processing.
type DecisionKind int

const (
	// Deliver hands the payload to the local transport protocol.
	Deliver DecisionKind = iota

	// Forward routes the datagram to another host.
	Forward

	// Drop discards the packet; Reason says why.
	Drop

	// Held means the packet is a fragment kept for reassembly.
	Held
)

// String implements fmt.Stringer.
func (k DecisionKind) String() string {
	switch k {
	case Deliver:
		return "deliver"
	case Forward:
		return "forward"
	case Drop:
		return "drop"
	case Held:
		return "held"
	default:
		return fmt.Sprintf("DecisionKind(%d)", int(k))
	}
}

// DropReason explains a Drop decision.
type DropReason int

// Drop reasons.
const (
	DropNone DropReason = iota
	DropMalformed
	DropChecksum
	DropInvalidSource
	DropInvalidDestination
	DropFragment
	DropUnsupportedExtension
	DropFirewall
	DropForwardingDisabled
)

// String implements fmt.Stringer.
func (r DropReason) String() string {
	switch r {
	case DropNone:
		return "none"
	case DropMalformed:
		return "malformed"
	case DropChecksum:
		return "bad checksum"
	case DropInvalidSource:
		return "invalid source"
	case DropInvalidDestination:
		return "invalid destination"
	case DropFragment:
		return "bad fragment"
	case DropUnsupportedExtension:
		return "unsupported extension header"
	case DropFirewall:
		return "firewall"
	case DropForwardingDisabled:
		return "forwarding disabled"
	default:
		return fmt.Sprintf("DropReason(%d)", int(r))
	}
}

// Decision is the result of processing an inbound datagram.
type Decision struct {
	Kind DecisionKind

	// Reason is set for Drop.
	Reason DropReason

	// Protocol is the transport protocol of a Deliver decision.
	Protocol tcpip.TransportProtocolNumber

	// Packet is the datagram to deliver or forward. Reassembly replaces the
	// packet that was passed in. It is nil for Drop and Held, whose input
	// packet has been released.
	Packet *buffer.PacketBuffer
}

// String implements fmt.Stringer.
func (d Decision) String() string {
	switch d.Kind {
	case Deliver:
		return fmt.Sprintf("deliver(%s)", d.Protocol)
	case Drop:
		return fmt.Sprintf("drop(%s)", d.Reason)
	}
	return d.Kind.String()
}

// Defaults for the ICMP error rate limiter, as in Linux.
const (
	DefaultICMPRateLimit = 1000
	DefaultICMPBurst     = 50
)

// ICMPRateLimiter bounds the rate of generated ICMP errors.
type ICMPRateLimiter struct {
	clock   tcpip.Clock
	limiter *rate.Limiter
}

// NewICMPRateLimiter returns a limiter allowing limit errors per second with
// the given burst. A zero limit selects the defaults.
func NewICMPRateLimiter(limit rate.Limit, burst int, clock tcpip.Clock) *ICMPRateLimiter {
	if limit == 0 {
		limit = DefaultICMPRateLimit
	}
	if burst <= 0 {
		burst = DefaultICMPBurst
	}
	if clock == nil {
		clock = tcpip.StdClock{}
	}
	return &ICMPRateLimiter{clock: clock, limiter: rate.NewLimiter(limit, burst)}
}

// Allow reports whether one more error may be sent now.
func (l *ICMPRateLimiter) Allow() bool {
	return l.limiter.AllowN(l.clock.Now(), 1)
}

// SetLimit changes the rate.
func (l *ICMPRateLimiter) SetLimit(limit rate.Limit) {
	l.limiter.SetLimitAt(l.clock.Now(), limit)
}

// IsUnicastSource reports whether an error may be sent back to src: ICMP
// errors never go to unspecified, multicast or broadcast sources.
func IsUnicastSource(src netip.Addr) bool {
	if !src.IsValid() || src.IsUnspecified() || src.IsMulticast() {
		return false
	}
	return src != header.IPv4Broadcast
}

// BuildReset returns the TCP reset answering seg, a segment sent from src to
// dst (RFC 793, page 36). ok is false when seg is itself a reset or is too
// short to answer.
func BuildReset(seg header.TCP, src, dst netip.Addr) (rst []byte, ok bool) {
	if !seg.IsValid() || seg.Flags().Contains(header.TCPFlagRst) {
		return nil, false
	}
	f := header.TCPFields{
		SrcPort:    seg.DestinationPort(),
		DstPort:    seg.SourcePort(),
		DataOffset: header.TCPMinimumSize,
	}
	if seg.Flags().Contains(header.TCPFlagAck) {
		f.SeqNum = seg.AckNumber()
		f.Flags = header.TCPFlagRst
	} else {
		n := uint32(len(seg) - int(seg.DataOffset()))
		if seg.Flags().Contains(header.TCPFlagSyn) {
			n++
		}
		if seg.Flags().Contains(header.TCPFlagFin) {
			n++
		}
		f.AckNum = seg.SequenceNumber() + n
		f.Flags = header.TCPFlagRst | header.TCPFlagAck
	}
	b := make(header.TCP, header.TCPMinimumSize)
	b.Encode(&f)
	b.SetChecksum(header.TransportChecksum(header.TCPProtocolNumber, dst, src, b))
	return b, true
}

// ICMPRateLimitOption sets the number of ICMP errors a protocol may send
// per second.
type ICMPRateLimitOption rate.Limit

// Timeouts for reassembly, per protocol.
const (
	DefaultIPv4ReassemblyTimeout = 30 * time.Second
	DefaultIPv6ReassemblyTimeout = 60 * time.Second
)
