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

package iptables

import (
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/header"
)

// A Matcher is an extra condition attached to a rule.
type Matcher interface {
	// Match reports whether pkt matches. hotdrop asks for the packet to be
	// denied without looking at further rules.
	Match(dir Direction, pkt *Packet) (matches bool, hotdrop bool)
}

// TCPFlagsMatcher matches TCP segments whose flags under Mask equal Flags.
// Mask SYN|ACK with Flags SYN selects connection attempts.
type TCPFlagsMatcher struct {
	Mask  header.TCPFlags
	Flags header.TCPFlags
}

// Match implements Matcher.Match.
func (m TCPFlagsMatcher) Match(_ Direction, pkt *Packet) (bool, bool) {
	if pkt.Proto != header.TCPProtocolNumber {
		return false, false
	}
	// A TCP packet without a parsed header is a fragment that slipped past
	// reassembly; nobody legitimate sends those.
	if !pkt.HasPorts {
		return false, true
	}
	return pkt.TCPFlags&m.Mask == m.Flags, false
}

// ICMPTypeMatcher matches ICMP messages of one type, and one code when
// AnyCode is false.
type ICMPTypeMatcher struct {
	Type    uint8
	Code    uint8
	AnyCode bool
}

// Match implements Matcher.Match.
func (m ICMPTypeMatcher) Match(_ Direction, pkt *Packet) (bool, bool) {
	if pkt.Proto != header.ICMPv4ProtocolNumber && pkt.Proto != header.ICMPv6ProtocolNumber {
		return false, false
	}
	return pkt.ICMPType == m.Type && (m.AnyCode || pkt.ICMPCode == m.Code), false
}

// matches reports whether the rule's own selectors and all its matchers
// accept pkt at dir.
func (r *Rule) matches(dir Direction, pkt *Packet) (bool, bool) {
	if r.Direction != 0 && r.Direction&dir == 0 {
		return false, false
	}
	if r.Protocol != 0 && r.Protocol != pkt.Proto {
		return false, false
	}
	if r.Src.IsValid() && !r.Src.Contains(pkt.Src) {
		return false, false
	}
	if r.Dst.IsValid() && !r.Dst.Contains(pkt.Dst) {
		return false, false
	}
	if !r.SrcPorts.Any() || !r.DstPorts.Any() {
		if !pkt.HasPorts || !r.SrcPorts.Contains(pkt.SrcPort) || !r.DstPorts.Contains(pkt.DstPort) {
			return false, false
		}
	}
	for _, m := range r.Matchers {
		ok, hotdrop := m.Match(dir, pkt)
		if hotdrop {
			return false, true
		}
		if !ok {
			return false, false
		}
	}
	return true, false
}

// matches reports whether the NAT rule selects the first packet of a flow at
// dir through nic.
func (r *NATRule) matches(dir Direction, nic tcpip.NICID, pkt *Packet) bool {
	if r.Kind.direction() != dir {
		return false
	}
	if r.NIC != 0 && r.NIC != nic {
		return false
	}
	if r.Protocol != 0 && r.Protocol != pkt.Proto {
		return false
	}
	if r.Src.IsValid() && !r.Src.Contains(pkt.Src) {
		return false
	}
	if r.Dst.IsValid() && !r.Dst.Contains(pkt.Dst) {
		return false
	}
	if !r.DstPorts.Any() && (!pkt.HasPorts || !r.DstPorts.Contains(pkt.DstPort)) {
		return false
	}
	return true
}
