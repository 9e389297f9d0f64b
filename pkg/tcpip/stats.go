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

package tcpip

import (
	"reflect"
	"strconv"
	"sync/atomic"
)

// A StatCounter keeps track of a statistic.
type StatCounter struct {
	count atomic.Uint64
}

// Increment adds one to the counter.
func (s *StatCounter) Increment() {
	s.IncrementBy(1)
}

// Decrement minuses one to the counter.
func (s *StatCounter) Decrement() {
	s.IncrementBy(^uint64(0))
}

// Value returns the current value of the counter.
func (s *StatCounter) Value() uint64 {
	return s.count.Load()
}

// IncrementBy increments the counter by v.
func (s *StatCounter) IncrementBy(v uint64) {
	s.count.Add(v)
}

func (s *StatCounter) String() string {
	return strconv.FormatUint(s.Value(), 10)
}

// ICMPPacketStats enumerates counts for the ICMP message types handled by
// the stack. The same structure is used for ICMPv4 and ICMPv6.
type ICMPPacketStats struct {
	Echo           *StatCounter
	EchoReply      *StatCounter
	DstUnreachable *StatCounter
	TimeExceeded   *StatCounter
	Redirect       *StatCounter
	PacketTooBig   *StatCounter
	ParamProblem   *StatCounter
}

// ICMPSentPacketStats collects outbound ICMP-specific stats.
type ICMPSentPacketStats struct {
	ICMPPacketStats

	// Dropped is the total number of ICMP packets dropped due to link layer
	// errors.
	Dropped *StatCounter

	// RateLimited is the total number of ICMP error messages that were not
	// sent because of the rate limiter.
	RateLimited *StatCounter
}

// ICMPReceivedPacketStats collects inbound ICMP-specific stats.
type ICMPReceivedPacketStats struct {
	ICMPPacketStats

	// Invalid is the total number of ICMP packets received that the
	// transport layer could not parse.
	Invalid *StatCounter

	// DeliveredToRaw is the number of ICMP messages handed to raw sockets.
	DeliveredToRaw *StatCounter
}

// ICMPVersionStats collects ICMP statistics for one IP version.
type ICMPVersionStats struct {
	PacketsSent     ICMPSentPacketStats
	PacketsReceived ICMPReceivedPacketStats
}

// ICMPStats collects ICMP-specific stats (both v4 and v6).
type ICMPStats struct {
	V4 ICMPVersionStats
	V6 ICMPVersionStats
}

// IPStats collects IP-specific stats (both v4 and v6).
type IPStats struct {
	// PacketsReceived is the total number of IP packets received from the
	// link layer.
	PacketsReceived *StatCounter

	// InvalidDestinationAddressesReceived is the total number of IP packets
	// received with an unknown or invalid destination address that were
	// not forwarded.
	InvalidDestinationAddressesReceived *StatCounter

	// InvalidSourceAddressesReceived is the total number of IP packets
	// received with a source address that should never have been received
	// on the wire.
	InvalidSourceAddressesReceived *StatCounter

	// MalformedPacketsReceived is the total number of IP packets that were
	// dropped due to the IP packet header failing validation checks.
	MalformedPacketsReceived *StatCounter

	// MalformedFragmentsReceived is the total number of IP fragments that
	// were dropped because they were invalid or conflicted with a
	// previously received fragment.
	MalformedFragmentsReceived *StatCounter

	// FragmentsReceived is the number of fragments held for reassembly.
	FragmentsReceived *StatCounter

	// PacketsReassembled is the number of datagrams rebuilt from fragments.
	PacketsReassembled *StatCounter

	// ReassemblyTimeouts is the number of fragment sets released after the
	// reassembly timeout.
	ReassemblyTimeouts *StatCounter

	// PacketsDelivered is the total number of incoming IP packets that are
	// successfully delivered to the transport layer.
	PacketsDelivered *StatCounter

	// PacketsSent is the total number of IP packets sent via WritePacket.
	PacketsSent *StatCounter

	// OutgoingPacketErrors is the total number of IP packets which failed
	// to write to a link-layer endpoint.
	OutgoingPacketErrors *StatCounter

	// FragmentsCreated is the number of fragments produced by outbound
	// fragmentation.
	FragmentsCreated *StatCounter

	// Forwarding collects stats related to IP forwarding.
	Forwarding IPForwardingStats

	// UnknownProtocolReceived is the number of datagrams carrying an
	// unsupported transport protocol or extension header.
	UnknownProtocolReceived *StatCounter
}

// IPForwardingStats collects stats related to IP forwarding.
type IPForwardingStats struct {
	// Forwarded is the number of packets successfully forwarded.
	Forwarded *StatCounter

	// ExhaustedTTL is the number of packets dropped due to an exhausted
	// TTL or hop limit.
	ExhaustedTTL *StatCounter

	// Unrouteable is the number of packets dropped because no route was
	// found.
	Unrouteable *StatCounter

	// PacketTooBig is the number of packets dropped because they were too
	// big for the outgoing MTU and could not be fragmented.
	PacketTooBig *StatCounter

	// Disabled is the number of packets that would have been forwarded had
	// forwarding been enabled.
	Disabled *StatCounter

	// Errors is the number of forwarding failures of any kind.
	Errors *StatCounter
}

// TCPStats collects TCP-specific stats.
type TCPStats struct {
	// ActiveConnectionOpenings is the number of connections opened
	// successfully via Connect.
	ActiveConnectionOpenings *StatCounter

	// PassiveConnectionOpenings is the number of connections opened
	// successfully via Listen.
	PassiveConnectionOpenings *StatCounter

	// CurrentEstablished is the number of TCP connections for which the
	// current state is ESTABLISHED.
	CurrentEstablished *StatCounter

	// CurrentConnected is the number of TCP connections that are in a
	// connected state.
	CurrentConnected *StatCounter

	// EstablishedResets is the number of times TCP connections have made
	// a direct transition to the CLOSED state from either the ESTABLISHED
	// state or the CLOSE-WAIT state.
	EstablishedResets *StatCounter

	// EstablishedClosed is the number of times established TCP connections
	// made a transition to CLOSED state.
	EstablishedClosed *StatCounter

	// EstablishedTimedout is the number of times an established connection
	// was reset because of the retransmission limit.
	EstablishedTimedout *StatCounter

	// ListenOverflowSynDrop is the number of times the listen queue
	// overflowed and a SYN was dropped.
	ListenOverflowSynDrop *StatCounter

	// FailedConnectionAttempts is the number of calls to Connect or Listen
	// (active and passive openings, respectively) that end in an error.
	FailedConnectionAttempts *StatCounter

	// ValidSegmentsReceived is the number of TCP segments received that
	// the transport layer successfully parsed.
	ValidSegmentsReceived *StatCounter

	// InvalidSegmentsReceived is the number of TCP segments received that
	// the transport layer could not parse.
	InvalidSegmentsReceived *StatCounter

	// ChecksumErrors is the number of segments dropped due to bad
	// checksums.
	ChecksumErrors *StatCounter

	// SegmentsSent is the number of TCP segments sent.
	SegmentsSent *StatCounter

	// SegmentSendErrors is the number of TCP segments failed to be sent.
	SegmentSendErrors *StatCounter

	// ResetsSent is the number of TCP resets sent.
	ResetsSent *StatCounter

	// ResetsReceived is the number of TCP resets received.
	ResetsReceived *StatCounter

	// Retransmits is the number of TCP segments retransmitted.
	Retransmits *StatCounter

	// FastRetransmit is the number of segments retransmitted by fast
	// retransmit.
	FastRetransmit *StatCounter

	// Timeouts is the number of times the RTO expired.
	Timeouts *StatCounter

	// OutOfOrderSegments is the number of segments queued ahead of
	// RCV.NXT.
	OutOfOrderSegments *StatCounter
}

// UDPStats collects UDP-specific stats.
type UDPStats struct {
	// PacketsReceived is the number of UDP datagrams received via
	// HandlePacket.
	PacketsReceived *StatCounter

	// UnknownPortErrors is the number of incoming UDP datagrams dropped
	// because they did not have a known destination port.
	UnknownPortErrors *StatCounter

	// ReceiveBufferErrors is the number of incoming UDP datagrams dropped
	// due to the receiving buffer being in an invalid state.
	ReceiveBufferErrors *StatCounter

	// MalformedPacketsReceived is the number of incoming UDP datagrams
	// dropped due to the UDP header being in a malformed state.
	MalformedPacketsReceived *StatCounter

	// ChecksumErrors is the number of datagrams dropped due to bad
	// checksums.
	ChecksumErrors *StatCounter

	// PacketsSent is the number of UDP datagrams sent via sendUDP.
	PacketsSent *StatCounter

	// PacketSendErrors is the number of datagrams failed to be sent.
	PacketSendErrors *StatCounter
}

// NATStats collects firewall and address translation stats.
type NATStats struct {
	// Allowed is the number of packets accepted by the firewall.
	Allowed *StatCounter

	// Denied is the number of packets dropped by a deny verdict.
	Denied *StatCounter

	// Rejected is the number of packets dropped by a reject verdict.
	Rejected *StatCounter

	// Blocked is the number of packets dropped by the address blocklist.
	Blocked *StatCounter

	// Logged is the number of packets that matched a log rule.
	Logged *StatCounter

	// Translated is the number of packets whose addresses or ports were
	// rewritten.
	Translated *StatCounter

	// ConnectionsCreated is the number of connection tracking entries
	// created.
	ConnectionsCreated *StatCounter

	// ConnectionsExpired is the number of entries removed by idle timeout.
	ConnectionsExpired *StatCounter

	// ConnectionsClosed is the number of TCP entries removed after a RST or
	// a completed FIN exchange.
	ConnectionsClosed *StatCounter

	// TableFull is the number of packets dropped because the connection
	// tracking table was full.
	TableFull *StatCounter

	// PortsExhausted is the number of packets dropped because no
	// translation port was free.
	PortsExhausted *StatCounter

	// Malformed is the number of packets the firewall could not parse.
	Malformed *StatCounter
}

// Stats holds statistics about the networking stack.
//
// All fields are optional.
type Stats struct {
	// UnknownProtocolRcvdPackets is the number of packets received by the
	// stack that were for an unknown or unsupported protocol.
	UnknownProtocolRcvdPackets *StatCounter

	// MalformedRcvdPackets is the number of packets received by the stack
	// that were deemed malformed.
	MalformedRcvdPackets *StatCounter

	// DroppedPackets is the number of packets dropped due to full queues.
	DroppedPackets *StatCounter

	// ICMP breaks out ICMP-specific stats (both v4 and v6).
	ICMP ICMPStats

	// IP breaks out IP-specific stats (both v4 and v6).
	IP IPStats

	// TCP breaks out TCP-specific stats.
	TCP TCPStats

	// UDP breaks out UDP-specific stats.
	UDP UDPStats

	// NAT breaks out firewall and NAT stats.
	NAT NATStats
}

func fillIn(v reflect.Value) {
	for i := 0; i < v.NumField(); i++ {
		v := v.Field(i)
		if s, ok := v.Addr().Interface().(**StatCounter); ok {
			if *s == nil {
				*s = new(StatCounter)
			}
		} else if v.Kind() == reflect.Struct {
			fillIn(v)
		}
	}
}

// FillIn returns a copy of s with nil fields initialized to new StatCounters.
func (s Stats) FillIn() Stats {
	fillIn(reflect.ValueOf(&s).Elem())
	return s
}

// VisitCounters calls fn for every counter in s with a dotted path built
// from the field names, e.g. "TCP.ResetsSent".
func (s *Stats) VisitCounters(fn func(path string, c *StatCounter)) {
	visit(reflect.ValueOf(s).Elem(), "", fn)
}

func visit(v reflect.Value, prefix string, fn func(string, *StatCounter)) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		f := t.Field(i)
		fv := v.Field(i)
		name := f.Name
		if !f.Anonymous && prefix != "" {
			name = prefix + "." + f.Name
		} else if f.Anonymous {
			name = prefix
		}
		switch c := fv.Interface().(type) {
		case *StatCounter:
			if c != nil {
				fn(name, c)
			}
		default:
			if fv.Kind() == reflect.Struct {
				visit(fv, name, fn)
			}
		}
	}
}
