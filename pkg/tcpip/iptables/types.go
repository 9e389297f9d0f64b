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

// Package iptables is the stateful firewall and address translation engine.
//
// An Engine holds an ordered rule list evaluated first match wins, a default
// policy, a prefix blocklist, NAT rules and a connection tracking table. The
// stack calls Evaluate once on the inbound path of every datagram and once on
// the outbound path; forwarded packets pass both points.
package iptables

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"netengine.dev/netengine/pkg/tcpip"
)

// Verdict is the decision taken for a packet.
type Verdict int

const (
	// Allow lets the packet continue.
	Allow Verdict = iota

	// Deny drops the packet silently.
	Deny

	// Reject drops the packet and asks the caller to tell the sender: a RST
	// for TCP, ICMP port-unreachable otherwise.
	Reject
)

// String implements fmt.Stringer.
func (v Verdict) String() string {
	switch v {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	case Reject:
		return "reject"
	}
	return fmt.Sprintf("Verdict(%d)", int(v))
}

// ParseVerdict parses a verdict name as written in configuration files.
func ParseVerdict(s string) (Verdict, error) {
	switch s {
	case "allow", "accept":
		return Allow, nil
	case "deny", "drop":
		return Deny, nil
	case "reject":
		return Reject, nil
	}
	return 0, fmt.Errorf("unknown verdict %q", s)
}

// Direction is the evaluation point a packet is at. Rules use it as a mask.
type Direction uint8

const (
	// In is the inbound path, after reassembly and before the local versus
	// forward decision is final.
	In Direction = 1 << iota

	// Out is the outbound path, before fragmentation.
	Out

	// Both matches either evaluation point.
	Both = In | Out
)

// String implements fmt.Stringer.
func (d Direction) String() string {
	switch d {
	case In:
		return "in"
	case Out:
		return "out"
	case Both, 0:
		return "both"
	}
	return fmt.Sprintf("Direction(%d)", uint8(d))
}

// ParseDirection parses "in", "out" or "both". The empty string is Both.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "in":
		return In, nil
	case "out":
		return Out, nil
	case "both", "":
		return Both, nil
	}
	return 0, fmt.Errorf("unknown direction %q", s)
}

// Action is what a firewall rule does with a matching packet.
type Action int

const (
	// ActionAllow accepts the packet.
	ActionAllow Action = iota

	// ActionDeny drops the packet.
	ActionDeny

	// ActionReject drops the packet with a notification to the sender.
	ActionReject

	// ActionLog records the packet and continues with the next rule.
	ActionLog
)

// String implements fmt.Stringer.
func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	case ActionReject:
		return "reject"
	case ActionLog:
		return "log"
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ParseAction parses an action name as written in configuration files.
func ParseAction(s string) (Action, error) {
	switch s {
	case "allow", "accept":
		return ActionAllow, nil
	case "deny", "drop":
		return ActionDeny, nil
	case "reject":
		return ActionReject, nil
	case "log":
		return ActionLog, nil
	}
	return 0, fmt.Errorf("unknown action %q", s)
}

func (a Action) verdict() Verdict {
	switch a {
	case ActionDeny:
		return Deny
	case ActionReject:
		return Reject
	default:
		return Allow
	}
}

// PortRange is an inclusive range of ports. The zero value matches any port.
type PortRange struct {
	First uint16
	Last  uint16
}

// Port returns the range holding only p.
func Port(p uint16) PortRange {
	return PortRange{First: p, Last: p}
}

// Common ranges.
var (
	WellKnownPorts  = PortRange{First: 1, Last: 1023}
	RegisteredPorts = PortRange{First: 1024, Last: 49151}
	EphemeralPorts  = PortRange{First: 49152, Last: 65535}
)

// Any reports whether r is the zero value.
func (r PortRange) Any() bool {
	return r.First == 0 && r.Last == 0
}

// Contains reports whether p lies in r.
func (r PortRange) Contains(p uint16) bool {
	return r.Any() || (p >= r.First && p <= r.Last)
}

// Valid reports whether the bounds are ordered.
func (r PortRange) Valid() bool {
	return r.Any() || r.First <= r.Last
}

// String implements fmt.Stringer.
func (r PortRange) String() string {
	switch {
	case r.Any():
		return "any"
	case r.First == r.Last:
		return fmt.Sprintf("%d", r.First)
	}
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// ParsePortRange parses "80", "1000-2000" or one of the names "any",
// "well-known", "registered" and "ephemeral".
func ParsePortRange(s string) (PortRange, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "any":
		return PortRange{}, nil
	case "well-known":
		return WellKnownPorts, nil
	case "registered":
		return RegisteredPorts, nil
	case "ephemeral":
		return EphemeralPorts, nil
	}
	first, last, ok := strings.Cut(s, "-")
	if !ok {
		last = first
	}
	lo, err := strconv.ParseUint(strings.TrimSpace(first), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("bad port range %q", s)
	}
	hi, err := strconv.ParseUint(strings.TrimSpace(last), 10, 16)
	if err != nil {
		return PortRange{}, fmt.Errorf("bad port range %q", s)
	}
	r := PortRange{First: uint16(lo), Last: uint16(hi)}
	if lo == 0 || !r.Valid() {
		return PortRange{}, fmt.Errorf("bad port range %q", s)
	}
	return r, nil
}

// Rule is a firewall rule. The zero value is an enabled rule that allows
// every packet in both directions.
type Rule struct {
	// ID identifies the rule. AddRule assigns one when it is zero.
	ID uint32

	// Name is free-form and only used in logs.
	Name string

	// Disabled rules are skipped.
	Disabled bool

	// Protocol restricts the rule to one transport protocol. Zero matches
	// all.
	Protocol tcpip.TransportProtocolNumber

	// Src and Dst restrict the network addresses. The zero Prefix matches
	// all.
	Src netip.Prefix
	Dst netip.Prefix

	// SrcPorts and DstPorts restrict the transport ports. ICMP echo
	// messages use the identifier as their port.
	SrcPorts PortRange
	DstPorts PortRange

	// Direction is the evaluation point the rule applies to. Zero is Both.
	Direction Direction

	// Action is taken when the rule matches.
	Action Action

	// Log records every match in addition to the action.
	Log bool

	// Matchers are extra conditions that must all hold.
	Matchers []Matcher
}

// RuleInfo is a rule with its counters.
type RuleInfo struct {
	Rule

	// Packets and Bytes count the packets that matched the rule.
	Packets uint64
	Bytes   uint64
}

// NATKind is the translation a NAT rule performs.
type NATKind int

const (
	// SNAT rewrites the source of outgoing flows to ToAddr.
	SNAT NATKind = iota

	// Masquerade rewrites the source of outgoing flows to the address of
	// the egress interface.
	Masquerade

	// DNAT rewrites the destination of incoming flows to ToAddr.
	DNAT
)

// String implements fmt.Stringer.
func (k NATKind) String() string {
	switch k {
	case SNAT:
		return "snat"
	case Masquerade:
		return "masquerade"
	case DNAT:
		return "dnat"
	}
	return fmt.Sprintf("NATKind(%d)", int(k))
}

// ParseNATKind parses a NAT kind name.
func ParseNATKind(s string) (NATKind, error) {
	switch s {
	case "snat":
		return SNAT, nil
	case "masquerade":
		return Masquerade, nil
	case "dnat":
		return DNAT, nil
	}
	return 0, fmt.Errorf("unknown nat kind %q", s)
}

// direction returns the evaluation point at which rules of kind k apply.
func (k NATKind) direction() Direction {
	if k == DNAT {
		return In
	}
	return Out
}

// NATRule describes an address translation. NAT rules are evaluated first
// match wins for the first packet of a flow; later packets follow the
// connection tracking entry.
type NATRule struct {
	// ID identifies the rule. AddNATRule assigns one when it is zero.
	ID uint32

	Name string

	Kind NATKind

	// Protocol, Src, Dst and DstPorts select flows like the Rule fields of
	// the same name.
	Protocol tcpip.TransportProtocolNumber
	Src      netip.Prefix
	Dst      netip.Prefix
	DstPorts PortRange

	// NIC restricts the rule to flows leaving (SNAT, Masquerade) or
	// entering (DNAT) through one interface. Zero matches all.
	NIC tcpip.NICID

	// ToAddr is the replacement address. Masquerade ignores it.
	ToAddr netip.Addr

	// ToPorts bounds the replacement port. For SNAT and Masquerade the
	// original port is kept when it is in range and free, otherwise the
	// lowest free port is used; the zero value means 1024-65535. For DNAT
	// the first port is used, zero keeps the original port.
	ToPorts PortRange
}

// Meta describes where a packet is being evaluated.
type Meta struct {
	// NIC is the interface the packet arrived on (In) or leaves through
	// (Out).
	NIC tcpip.NICID

	// NICAddr is the primary address of NIC in the packet's family, used
	// by Masquerade.
	NICAddr netip.Addr
}

// Result is the outcome of Evaluate.
type Result struct {
	Verdict Verdict

	// Logged is set when a log rule or a rule with Log matched.
	Logged bool

	// Translated is set when addresses or ports of the packet were
	// rewritten.
	Translated bool

	// Established is set when the packet belongs to a tracked connection.
	Established bool

	// RuleID is the firewall rule that decided the verdict, or zero for the
	// default policy, the blocklist and tracked connections.
	RuleID uint32

	// Err is set when the packet was dropped for lack of a resource:
	// ErrConnTrackTableFull or ErrNoPortAvailable.
	Err *tcpip.Error
}
