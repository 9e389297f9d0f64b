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

package iptables_test

import (
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/faketime"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/iptables"
	"netengine.dev/netengine/pkg/tcpip/timer"
)

var (
	inside  = iptables.Meta{NIC: 1, NICAddr: netip.MustParseAddr("10.0.0.1")}
	outside = iptables.Meta{NIC: 2, NICAddr: netip.MustParseAddr("1.1.1.1")}
)

func ipv4(src, dst string, proto tcpip.TransportProtocolNumber, payload []byte) []byte {
	b := make([]byte, header.IPv4MinimumSize+len(payload))
	ip := header.IPv4(b)
	ip.Encode(&header.IPv4Fields{
		TotalLength: uint16(len(b)),
		TTL:         64,
		Protocol:    uint8(proto),
		SrcAddr:     netip.MustParseAddr(src),
		DstAddr:     netip.MustParseAddr(dst),
	})
	ip.SetChecksum(^ip.CalculateChecksum())
	copy(b[header.IPv4MinimumSize:], payload)
	return b
}

func tcpPacket(src, dst string, sport, dport uint16, flags header.TCPFlags, seq, ack uint32) *buffer.PacketBuffer {
	seg := header.TCP(make([]byte, header.TCPMinimumSize))
	seg.Encode(&header.TCPFields{
		SrcPort:    sport,
		DstPort:    dport,
		SeqNum:     seq,
		AckNum:     ack,
		DataOffset: header.TCPMinimumSize,
		Flags:      flags,
		WindowSize: 65535,
	})
	seg.SetChecksum(header.TransportChecksum(header.TCPProtocolNumber, netip.MustParseAddr(src), netip.MustParseAddr(dst), seg))
	return buffer.NewPacketBuffer(0, ipv4(src, dst, header.TCPProtocolNumber, seg))
}

func udpDatagram(src, dst string, sport, dport uint16, payload string) []byte {
	u := header.UDP(make([]byte, header.UDPMinimumSize+len(payload)))
	u.Encode(&header.UDPFields{SrcPort: sport, DstPort: dport, Length: uint16(len(u))})
	copy(u.Payload(), payload)
	u.CalculateChecksum(netip.MustParseAddr(src), netip.MustParseAddr(dst))
	return ipv4(src, dst, header.UDPProtocolNumber, u)
}

func udpPacket(src, dst string, sport, dport uint16) *buffer.PacketBuffer {
	return buffer.NewPacketBuffer(0, udpDatagram(src, dst, sport, dport, "hello"))
}

func icmpPacket(src, dst string, typ header.ICMPv4Type, code header.ICMPv4Code, ident uint16, body []byte) *buffer.PacketBuffer {
	ic := header.ICMPv4(make([]byte, header.ICMPv4MinimumSize+len(body)))
	ic.SetType(typ)
	ic.SetCode(code)
	ic.SetIdent(ident)
	copy(ic[header.ICMPv4MinimumSize:], body)
	ic.SetChecksum(header.ICMPv4Checksum(ic, ic[header.ICMPv4MinimumSize:]))
	return buffer.NewPacketBuffer(0, ipv4(src, dst, header.ICMPv4ProtocolNumber, ic))
}

// endpoints returns the addresses and ports of pkt after checking every
// checksum it carries.
func endpoints(t *testing.T, pkt *buffer.PacketBuffer) (netip.AddrPort, netip.AddrPort) {
	t.Helper()
	ip := header.IPv4(pkt.Data())
	if !ip.IsChecksumValid() {
		t.Errorf("bad IPv4 checksum")
	}
	src, dst := ip.SourceAddress(), ip.DestinationAddress()
	payload := ip.Payload()
	switch ip.TransportProtocol() {
	case header.TCPProtocolNumber:
		tcp := header.TCP(payload)
		if !tcp.IsChecksumValid(src, dst) {
			t.Errorf("bad TCP checksum")
		}
		return netip.AddrPortFrom(src, tcp.SourcePort()), netip.AddrPortFrom(dst, tcp.DestinationPort())
	case header.UDPProtocolNumber:
		udp := header.UDP(payload)
		if !udp.IsChecksumValid(src, dst) {
			t.Errorf("bad UDP checksum")
		}
		return netip.AddrPortFrom(src, udp.SourcePort()), netip.AddrPortFrom(dst, udp.DestinationPort())
	case header.ICMPv4ProtocolNumber:
		ic := header.ICMPv4(payload)
		if !ic.IsChecksumValid() {
			t.Errorf("bad ICMP checksum")
		}
		return netip.AddrPortFrom(src, ic.Ident()), netip.AddrPortFrom(dst, ic.Ident())
	}
	return netip.AddrPortFrom(src, 0), netip.AddrPortFrom(dst, 0)
}

// forward runs both passes of a routed packet.
func forward(e *iptables.Engine, pkt *buffer.PacketBuffer, from, to iptables.Meta) iptables.Result {
	res := e.Evaluate(pkt, iptables.In, from)
	if res.Verdict != iptables.Allow {
		return res
	}
	out := e.Evaluate(pkt, iptables.Out, to)
	out.Translated = out.Translated || res.Translated
	return out
}

var prefixComparer = cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })

func ap(s string) netip.AddrPort {
	return netip.MustParseAddrPort(s)
}

func quietLogger() log.Logger {
	return log.New(io.Discard, log.FormatText, log.Info)
}

func TestMasqueradeTCPRoundTrip(t *testing.T) {
	e := iptables.NewEngine(iptables.Options{Logger: quietLogger()})
	if _, err := e.AddNATRule(iptables.NATRule{Kind: iptables.Masquerade, NIC: outside.NIC}); err != nil {
		t.Fatalf("AddNATRule: %v", err)
	}

	steps := []struct {
		name      string
		pkt       *buffer.PacketBuffer
		from, to  iptables.Meta
		wantSrc   netip.AddrPort
		wantDst   netip.AddrPort
		wantConns int
	}{
		{
			name:    "syn",
			pkt:     tcpPacket("10.0.0.5", "1.2.3.4", 4000, 80, header.TCPFlagSyn, 100, 0),
			from:    inside,
			to:      outside,
			wantSrc: ap("1.1.1.1:4000"), wantDst: ap("1.2.3.4:80"), wantConns: 1,
		},
		{
			name:    "syn-ack",
			pkt:     tcpPacket("1.2.3.4", "1.1.1.1", 80, 4000, header.TCPFlagSyn|header.TCPFlagAck, 500, 101),
			from:    outside,
			to:      inside,
			wantSrc: ap("1.2.3.4:80"), wantDst: ap("10.0.0.5:4000"), wantConns: 1,
		},
		{
			name:    "ack",
			pkt:     tcpPacket("10.0.0.5", "1.2.3.4", 4000, 80, header.TCPFlagAck, 101, 501),
			from:    inside,
			to:      outside,
			wantSrc: ap("1.1.1.1:4000"), wantDst: ap("1.2.3.4:80"), wantConns: 1,
		},
		{
			name:    "fin",
			pkt:     tcpPacket("10.0.0.5", "1.2.3.4", 4000, 80, header.TCPFlagFin|header.TCPFlagAck, 101, 501),
			from:    inside,
			to:      outside,
			wantSrc: ap("1.1.1.1:4000"), wantDst: ap("1.2.3.4:80"), wantConns: 1,
		},
		{
			name:    "fin-ack",
			pkt:     tcpPacket("1.2.3.4", "1.1.1.1", 80, 4000, header.TCPFlagFin|header.TCPFlagAck, 501, 102),
			from:    outside,
			to:      inside,
			wantSrc: ap("1.2.3.4:80"), wantDst: ap("10.0.0.5:4000"), wantConns: 1,
		},
		{
			name:    "last ack",
			pkt:     tcpPacket("10.0.0.5", "1.2.3.4", 4000, 80, header.TCPFlagAck, 102, 502),
			from:    inside,
			to:      outside,
			wantSrc: ap("1.1.1.1:4000"), wantDst: ap("1.2.3.4:80"), wantConns: 0,
		},
	}
	for _, s := range steps {
		res := forward(e, s.pkt, s.from, s.to)
		if res.Verdict != iptables.Allow {
			t.Fatalf("%s: got verdict %s, want %s", s.name, res.Verdict, iptables.Allow)
		}
		src, dst := endpoints(t, s.pkt)
		if src != s.wantSrc || dst != s.wantDst {
			t.Errorf("%s: got %s -> %s, want %s -> %s", s.name, src, dst, s.wantSrc, s.wantDst)
		}
		if got := e.Connections(); got != s.wantConns {
			t.Errorf("%s: got %d connections, want %d", s.name, got, s.wantConns)
		}
	}

	st := e.Stats()
	if got := st.ConnectionsCreated.Value(); got != 1 {
		t.Errorf("got ConnectionsCreated = %d, want 1", got)
	}
	if got := st.ConnectionsClosed.Value(); got != 1 {
		t.Errorf("got ConnectionsClosed = %d, want 1", got)
	}
}

func TestMasqueradePortCollisionAndReclaim(t *testing.T) {
	e := iptables.NewEngine(iptables.Options{Logger: quietLogger()})
	if _, err := e.AddNATRule(iptables.NATRule{Kind: iptables.Masquerade, NIC: outside.NIC}); err != nil {
		t.Fatalf("AddNATRule: %v", err)
	}

	first := tcpPacket("10.0.0.5", "1.2.3.4", 4000, 80, header.TCPFlagSyn, 100, 0)
	forward(e, first, inside, outside)
	if src, _ := endpoints(t, first); src != ap("1.1.1.1:4000") {
		t.Fatalf("first flow: got source %s, want 1.1.1.1:4000", src)
	}

	second := tcpPacket("10.0.0.6", "1.2.3.4", 4000, 80, header.TCPFlagSyn, 100, 0)
	forward(e, second, inside, outside)
	if src, _ := endpoints(t, second); src != ap("1.1.1.1:1024") {
		t.Fatalf("second flow: got source %s, want 1.1.1.1:1024", src)
	}

	// The reply to the second flow goes to the second host.
	reply := tcpPacket("1.2.3.4", "1.1.1.1", 80, 1024, header.TCPFlagSyn|header.TCPFlagAck, 900, 101)
	forward(e, reply, outside, inside)
	if _, dst := endpoints(t, reply); dst != ap("10.0.0.6:4000") {
		t.Errorf("reply: got destination %s, want 10.0.0.6:4000", dst)
	}

	// A reset from the server ends the first flow and frees its port.
	rst := tcpPacket("1.2.3.4", "1.1.1.1", 80, 4000, header.TCPFlagRst|header.TCPFlagAck, 0, 101)
	forward(e, rst, outside, inside)
	if got, want := e.Connections(), 1; got != want {
		t.Fatalf("got %d connections after reset, want %d", got, want)
	}

	third := tcpPacket("10.0.0.7", "1.2.3.4", 4000, 80, header.TCPFlagSyn, 100, 0)
	forward(e, third, inside, outside)
	if src, _ := endpoints(t, third); src != ap("1.1.1.1:4000") {
		t.Errorf("third flow: got source %s, want 1.1.1.1:4000", src)
	}
}

func TestSNATUDPIdleTimeout(t *testing.T) {
	clock := faketime.NewManualClock()
	e := iptables.NewEngine(iptables.Options{Clock: clock, Logger: quietLogger()})
	if _, err := e.AddNATRule(iptables.NATRule{
		Kind:    iptables.SNAT,
		ToAddr:  netip.MustParseAddr("1.1.1.1"),
		ToPorts: iptables.Port(5000),
	}); err != nil {
		t.Fatalf("AddNATRule: %v", err)
	}

	a := udpPacket("10.0.0.5", "8.8.8.8", 4000, 53)
	if res := e.Evaluate(a, iptables.Out, outside); res.Verdict != iptables.Allow || !res.Translated {
		t.Fatalf("first flow: got %+v, want translated allow", res)
	}
	if src, _ := endpoints(t, a); src != ap("1.1.1.1:5000") {
		t.Fatalf("first flow: got source %s, want 1.1.1.1:5000", src)
	}

	// The only port is in use.
	b := udpPacket("10.0.0.6", "8.8.8.8", 4000, 53)
	res := e.Evaluate(b, iptables.Out, outside)
	if res.Verdict != iptables.Deny || res.Err != tcpip.ErrNoPortAvailable {
		t.Fatalf("second flow: got %+v, want deny with %v", res, tcpip.ErrNoPortAvailable)
	}

	reply := udpPacket("8.8.8.8", "1.1.1.1", 53, 5000)
	if res := e.Evaluate(reply, iptables.In, outside); res.Verdict != iptables.Allow || !res.Established {
		t.Fatalf("reply: got %+v, want established allow", res)
	}
	if _, dst := endpoints(t, reply); dst != ap("10.0.0.5:4000") {
		t.Errorf("reply: got destination %s, want 10.0.0.5:4000", dst)
	}

	clock.Advance(iptables.DefaultUDPTimeout + time.Second)
	b = udpPacket("10.0.0.6", "8.8.8.8", 4000, 53)
	if res := e.Evaluate(b, iptables.Out, outside); res.Verdict != iptables.Allow {
		t.Fatalf("second flow after timeout: got %+v, want allow", res)
	}
	if src, _ := endpoints(t, b); src != ap("1.1.1.1:5000") {
		t.Errorf("second flow after timeout: got source %s, want 1.1.1.1:5000", src)
	}

	st := e.Stats()
	got := map[string]uint64{
		"PortsExhausted":     st.PortsExhausted.Value(),
		"ConnectionsExpired": st.ConnectionsExpired.Value(),
		"ConnectionsCreated": st.ConnectionsCreated.Value(),
	}
	want := map[string]uint64{
		"PortsExhausted":     1,
		"ConnectionsExpired": 1,
		"ConnectionsCreated": 2,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestPeriodicReap(t *testing.T) {
	clock := faketime.NewManualClock()
	q := timer.NewQueue()
	e := iptables.NewEngine(iptables.Options{
		Clock:        clock,
		Timers:       q,
		ReapInterval: 10 * time.Second,
		Stateful:     true,
		Logger:       quietLogger(),
	})
	defer e.Close()

	e.Evaluate(udpPacket("10.0.0.5", "8.8.8.8", 4000, 53), iptables.Out, outside)
	if got := e.Connections(); got != 1 {
		t.Fatalf("got %d connections, want 1", got)
	}

	clock.Advance(iptables.DefaultUDPTimeout + time.Second)
	if got := e.Connections(); got != 1 {
		t.Fatalf("got %d connections before the sweep, want 1", got)
	}
	q.Sweep(clock.Now())
	if got := e.Connections(); got != 0 {
		t.Errorf("got %d connections after the sweep, want 0", got)
	}
	if got := q.Len(); got != 1 {
		t.Errorf("got %d armed timers, want the reap timer re-armed", got)
	}
}

func TestDefaultDenyRules(t *testing.T) {
	e := iptables.NewEngine(iptables.Options{DefaultPolicy: iptables.Deny, Logger: quietLogger()})
	web, err := e.AddRule(iptables.Rule{
		Name:      "web",
		Protocol:  header.TCPProtocolNumber,
		DstPorts:  iptables.Port(80),
		Direction: iptables.In,
		Action:    iptables.ActionAllow,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	ssh, err := e.AddRule(iptables.Rule{
		Name:     "ssh",
		Protocol: header.TCPProtocolNumber,
		DstPorts: iptables.Port(22),
		Action:   iptables.ActionReject,
	})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	for _, tc := range []struct {
		port uint16
		want iptables.Result
	}{
		{port: 80, want: iptables.Result{Verdict: iptables.Allow, RuleID: web}},
		{port: 22, want: iptables.Result{Verdict: iptables.Reject, RuleID: ssh}},
		{port: 443, want: iptables.Result{Verdict: iptables.Deny}},
	} {
		pkt := tcpPacket("5.5.5.5", "10.0.0.1", 1234, tc.port, header.TCPFlagSyn, 1, 0)
		got := e.Evaluate(pkt, iptables.In, inside)
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("port %d: result mismatch (-want +got):\n%s", tc.port, diff)
		}
	}

	// The web rule only applies inbound.
	pkt := tcpPacket("10.0.0.1", "5.5.5.5", 1234, 80, header.TCPFlagSyn, 1, 0)
	if got := e.Evaluate(pkt, iptables.Out, inside); got.Verdict != iptables.Deny {
		t.Errorf("outbound to port 80: got %s, want %s", got.Verdict, iptables.Deny)
	}

	st := e.Stats()
	if got, want := []uint64{st.Allowed.Value(), st.Denied.Value(), st.Rejected.Value()}, []uint64{1, 2, 1}; !cmp.Equal(got, want) {
		t.Errorf("got allowed/denied/rejected %v, want %v", got, want)
	}
}

func TestStatefulReplies(t *testing.T) {
	e := iptables.NewEngine(iptables.Options{
		DefaultPolicy: iptables.Deny,
		Stateful:      true,
		Logger:        quietLogger(),
	})
	if _, err := e.AddRule(iptables.Rule{
		Protocol:  header.TCPProtocolNumber,
		DstPorts:  iptables.Port(80),
		Direction: iptables.Out,
		Action:    iptables.ActionAllow,
	}); err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	syn := tcpPacket("10.0.0.5", "1.2.3.4", 4000, 80, header.TCPFlagSyn, 100, 0)
	if res := e.Evaluate(syn, iptables.Out, outside); res.Verdict != iptables.Allow || res.Established {
		t.Fatalf("syn: got %+v, want a new allowed flow", res)
	}
	synAck := tcpPacket("1.2.3.4", "10.0.0.5", 80, 4000, header.TCPFlagSyn|header.TCPFlagAck, 500, 101)
	if res := e.Evaluate(synAck, iptables.In, outside); res.Verdict != iptables.Allow || !res.Established {
		t.Errorf("syn-ack: got %+v, want established allow", res)
	}
	stray := tcpPacket("1.2.3.4", "10.0.0.5", 80, 4001, header.TCPFlagSyn|header.TCPFlagAck, 500, 101)
	if res := e.Evaluate(stray, iptables.In, outside); res.Verdict != iptables.Deny {
		t.Errorf("unsolicited segment: got %s, want %s", res.Verdict, iptables.Deny)
	}
}

func TestLogRules(t *testing.T) {
	e := iptables.NewEngine(iptables.Options{DefaultPolicy: iptables.Deny, Logger: quietLogger()})
	logID, err := e.AddRule(iptables.Rule{Name: "log udp", Protocol: header.UDPProtocolNumber, Action: iptables.ActionLog})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}
	dnsID, err := e.AddRule(iptables.Rule{Name: "dns", Protocol: header.UDPProtocolNumber, DstPorts: iptables.Port(53), Action: iptables.ActionAllow})
	if err != nil {
		t.Fatalf("AddRule: %v", err)
	}

	pkt := udpPacket("10.0.0.5", "8.8.8.8", 4000, 53)
	size := uint64(pkt.Size())
	want := iptables.Result{Verdict: iptables.Allow, Logged: true, RuleID: dnsID}
	if diff := cmp.Diff(want, e.Evaluate(pkt, iptables.Out, outside)); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}

	var counters []uint64
	for _, r := range e.Rules() {
		counters = append(counters, r.Packets, r.Bytes)
	}
	if diff := cmp.Diff([]uint64{1, size, 1, size}, counters); diff != "" {
		t.Errorf("rule counters mismatch (-want +got):\n%s", diff)
	}

	if err := e.DisableRule(logID); err != nil {
		t.Fatalf("DisableRule: %v", err)
	}
	want.Logged = false
	if diff := cmp.Diff(want, e.Evaluate(udpPacket("10.0.0.5", "8.8.8.8", 4000, 53), iptables.Out, outside)); diff != "" {
		t.Errorf("with log rule disabled, result mismatch (-want +got):\n%s", diff)
	}
	if got := e.Stats().Logged.Value(); got != 1 {
		t.Errorf("got Logged = %d, want 1", got)
	}
}

func TestRuleManagement(t *testing.T) {
	e := iptables.NewEngine(iptables.Options{Logger: quietLogger()})
	for i := 0; i < 3; i++ {
		if _, err := e.AddRule(iptables.Rule{Action: iptables.ActionAllow}); err != nil {
			t.Fatalf("AddRule: %v", err)
		}
	}
	front, err := e.InsertRule(0, iptables.Rule{Action: iptables.ActionDeny})
	if err != nil {
		t.Fatalf("InsertRule: %v", err)
	}

	ids := func() []uint32 {
		var ids []uint32
		for _, r := range e.Rules() {
			ids = append(ids, r.ID)
		}
		return ids
	}
	if diff := cmp.Diff([]uint32{front, 1, 2, 3}, ids()); diff != "" {
		t.Errorf("rule order mismatch (-want +got):\n%s", diff)
	}

	if err := e.RemoveRule(2); err != nil {
		t.Errorf("RemoveRule(2): %v", err)
	}
	if err := e.RemoveRule(2); err != tcpip.ErrRuleNotFound {
		t.Errorf("RemoveRule(2) again: got %v, want %v", err, tcpip.ErrRuleNotFound)
	}
	if err := e.EnableRule(99); err != tcpip.ErrRuleNotFound {
		t.Errorf("EnableRule(99): got %v, want %v", err, tcpip.ErrRuleNotFound)
	}
	if _, err := e.AddRule(iptables.Rule{ID: 1}); err != tcpip.ErrInvalidOptionValue {
		t.Errorf("AddRule with a duplicate ID: got %v, want %v", err, tcpip.ErrInvalidOptionValue)
	}
	if _, err := e.AddRule(iptables.Rule{DstPorts: iptables.PortRange{First: 10, Last: 5}}); err != tcpip.ErrInvalidOptionValue {
		t.Errorf("AddRule with an empty port range: got %v, want %v", err, tcpip.ErrInvalidOptionValue)
	}
	if diff := cmp.Diff([]uint32{front, 1, 3}, ids()); diff != "" {
		t.Errorf("rule order mismatch (-want +got):\n%s", diff)
	}

	// The deny rule in front shadows the rest until it is disabled.
	pkt := udpPacket("10.0.0.5", "8.8.8.8", 4000, 53)
	if got := e.Evaluate(pkt, iptables.Out, outside).Verdict; got != iptables.Deny {
		t.Errorf("got %s, want %s", got, iptables.Deny)
	}
	if err := e.DisableRule(front); err != nil {
		t.Fatalf("DisableRule: %v", err)
	}
	pkt = udpPacket("10.0.0.5", "8.8.8.8", 4000, 53)
	if got := e.Evaluate(pkt, iptables.Out, outside); got.Verdict != iptables.Allow || got.RuleID != 1 {
		t.Errorf("got %+v, want allow by rule 1", got)
	}
}

func TestBlocklist(t *testing.T) {
	clock := faketime.NewManualClock()
	e := iptables.NewEngine(iptables.Options{Clock: clock, Logger: quietLogger()})

	net := netip.MustParsePrefix("203.0.113.0/24")
	if err := e.Block(net, 10*time.Second); err != nil {
		t.Fatalf("Block: %v", err)
	}
	host := netip.MustParsePrefix("198.51.100.1/32")
	if err := e.Block(host, 0); err != nil {
		t.Fatalf("Block: %v", err)
	}

	want := []iptables.BlockEntry{
		{Prefix: host},
		{Prefix: net, Expires: clock.Now().Add(10 * time.Second)},
	}
	if diff := cmp.Diff(want, e.Blocked(), prefixComparer); diff != "" {
		t.Errorf("Blocked mismatch (-want +got):\n%s", diff)
	}

	if got := e.Evaluate(udpPacket("203.0.113.7", "10.0.0.1", 1, 2), iptables.In, outside).Verdict; got != iptables.Deny {
		t.Errorf("from blocked source: got %s, want %s", got, iptables.Deny)
	}
	if got := e.Evaluate(udpPacket("10.0.0.1", "198.51.100.1", 1, 2), iptables.Out, outside).Verdict; got != iptables.Deny {
		t.Errorf("to blocked destination: got %s, want %s", got, iptables.Deny)
	}

	clock.Advance(11 * time.Second)
	if got := e.Evaluate(udpPacket("203.0.113.7", "10.0.0.1", 1, 2), iptables.In, outside).Verdict; got != iptables.Allow {
		t.Errorf("after expiry: got %s, want %s", got, iptables.Allow)
	}
	if diff := cmp.Diff([]iptables.BlockEntry{{Prefix: host}}, e.Blocked(), prefixComparer); diff != "" {
		t.Errorf("Blocked after expiry mismatch (-want +got):\n%s", diff)
	}

	if !e.Unblock(host) {
		t.Errorf("Unblock(%s) = false, want true", host)
	}
	if e.Unblock(host) {
		t.Errorf("second Unblock(%s) = true, want false", host)
	}
	if got := e.Evaluate(udpPacket("10.0.0.1", "198.51.100.1", 1, 2), iptables.Out, outside).Verdict; got != iptables.Allow {
		t.Errorf("after Unblock: got %s, want %s", got, iptables.Allow)
	}
	if got := e.Stats().Blocked.Value(); got != 2 {
		t.Errorf("got Blocked = %d, want 2", got)
	}
}

func TestConnTrackTableFull(t *testing.T) {
	e := iptables.NewEngine(iptables.Options{Stateful: true, MaxConnections: 1, Logger: quietLogger()})
	if res := e.Evaluate(udpPacket("10.0.0.5", "8.8.8.8", 4000, 53), iptables.Out, outside); res.Verdict != iptables.Allow {
		t.Fatalf("first flow: got %+v, want allow", res)
	}
	res := e.Evaluate(udpPacket("10.0.0.5", "8.8.4.4", 4000, 53), iptables.Out, outside)
	if res.Verdict != iptables.Deny || res.Err != tcpip.ErrConnTrackTableFull {
		t.Errorf("second flow: got %+v, want deny with %v", res, tcpip.ErrConnTrackTableFull)
	}
	if got := e.Stats().TableFull.Value(); got != 1 {
		t.Errorf("got TableFull = %d, want 1", got)
	}

	e.FlushConnections()
	if res := e.Evaluate(udpPacket("10.0.0.5", "8.8.4.4", 4000, 53), iptables.Out, outside); res.Verdict != iptables.Allow {
		t.Errorf("after flush: got %+v, want allow", res)
	}
}

func TestDNATWithICMPError(t *testing.T) {
	e := iptables.NewEngine(iptables.Options{Logger: quietLogger()})
	if _, err := e.AddNATRule(iptables.NATRule{
		Kind:     iptables.DNAT,
		Protocol: header.UDPProtocolNumber,
		Dst:      netip.MustParsePrefix("1.1.1.1/32"),
		DstPorts: iptables.Port(53),
		ToAddr:   netip.MustParseAddr("10.0.0.9"),
		ToPorts:  iptables.Port(5353),
	}); err != nil {
		t.Fatalf("AddNATRule: %v", err)
	}

	query := udpPacket("5.5.5.5", "1.1.1.1", 1234, 53)
	if res := forward(e, query, outside, inside); res.Verdict != iptables.Allow || !res.Translated {
		t.Fatalf("query: got %+v, want translated allow", res)
	}
	if _, dst := endpoints(t, query); dst != ap("10.0.0.9:5353") {
		t.Fatalf("query: got destination %s, want 10.0.0.9:5353", dst)
	}

	// The server has nothing on the port and says so, quoting the query it
	// received.
	quote := query.Data()[:header.IPv4MinimumSize+header.UDPMinimumSize]
	icmpErr := icmpPacket("10.0.0.9", "5.5.5.5", header.ICMPv4DstUnreachable, header.ICMPv4PortUnreachable, 0, quote)
	if res := forward(e, icmpErr, inside, outside); res.Verdict != iptables.Allow || !res.Translated || !res.Established {
		t.Fatalf("ICMP error: got %+v, want translated established allow", res)
	}
	src, dst := endpoints(t, icmpErr)
	if src.Addr() != netip.MustParseAddr("1.1.1.1") || dst.Addr() != netip.MustParseAddr("5.5.5.5") {
		t.Errorf("ICMP error: got %s -> %s, want 1.1.1.1 -> 5.5.5.5", src.Addr(), dst.Addr())
	}

	inner := header.IPv4(header.ICMPv4(header.IPv4(icmpErr.Data()).Payload()).Payload())
	if !inner.IsChecksumValid() {
		t.Errorf("bad checksum on the quoted header")
	}
	udp := header.UDP(inner[header.IPv4MinimumSize:])
	got := []netip.AddrPort{
		netip.AddrPortFrom(inner.SourceAddress(), udp.SourcePort()),
		netip.AddrPortFrom(inner.DestinationAddress(), udp.DestinationPort()),
	}
	if diff := cmp.Diff([]netip.AddrPort{ap("5.5.5.5:1234"), ap("1.1.1.1:53")}, got, cmp.Comparer(func(a, b netip.AddrPort) bool { return a == b })); diff != "" {
		t.Errorf("quoted packet mismatch (-want +got):\n%s", diff)
	}
}

func TestMasqueradeEcho(t *testing.T) {
	e := iptables.NewEngine(iptables.Options{Logger: quietLogger()})
	if _, err := e.AddNATRule(iptables.NATRule{Kind: iptables.Masquerade, NIC: outside.NIC}); err != nil {
		t.Fatalf("AddNATRule: %v", err)
	}

	a := icmpPacket("10.0.0.5", "8.8.8.8", header.ICMPv4Echo, 0, 7, []byte("ping"))
	forward(e, a, inside, outside)
	if src, _ := endpoints(t, a); src != ap("1.1.1.1:7") {
		t.Errorf("first echo: got source %s, want 1.1.1.1:7", src)
	}
	b := icmpPacket("10.0.0.6", "8.8.8.8", header.ICMPv4Echo, 0, 7, []byte("ping"))
	forward(e, b, inside, outside)
	if src, _ := endpoints(t, b); src != ap("1.1.1.1:1") {
		t.Errorf("second echo: got source %s, want 1.1.1.1:1", src)
	}

	reply := icmpPacket("8.8.8.8", "1.1.1.1", header.ICMPv4EchoReply, 0, 1, []byte("ping"))
	if res := forward(e, reply, outside, inside); res.Verdict != iptables.Allow || !res.Established {
		t.Fatalf("echo reply: got %+v, want established allow", res)
	}
	if _, dst := endpoints(t, reply); dst != ap("10.0.0.6:7") {
		t.Errorf("echo reply: got destination %s, want 10.0.0.6:7", dst)
	}
}

func TestMalformed(t *testing.T) {
	e := iptables.NewEngine(iptables.Options{Logger: quietLogger()})
	pkt := buffer.NewPacketBuffer(0, []byte{0x45, 0, 0})
	if got := e.Evaluate(pkt, iptables.In, inside).Verdict; got != iptables.Deny {
		t.Errorf("got %s, want %s", got, iptables.Deny)
	}
	if got := e.Stats().Malformed.Value(); got != 1 {
		t.Errorf("got Malformed = %d, want 1", got)
	}
}

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		in      string
		verdict iptables.Verdict
		dir     iptables.Direction
		kind    iptables.NATKind
	}{
		{in: "allow", verdict: iptables.Allow, dir: iptables.In, kind: iptables.SNAT},
		{in: "reject", verdict: iptables.Reject, dir: iptables.Out, kind: iptables.DNAT},
	} {
		if got, err := iptables.ParseVerdict(tc.in); err != nil || got != tc.verdict {
			t.Errorf("ParseVerdict(%q) = %s, %v, want %s", tc.in, got, err, tc.verdict)
		}
		if got, err := iptables.ParseDirection(tc.dir.String()); err != nil || got != tc.dir {
			t.Errorf("ParseDirection(%q) = %s, %v, want %s", tc.dir, got, err, tc.dir)
		}
		if got, err := iptables.ParseNATKind(tc.kind.String()); err != nil || got != tc.kind {
			t.Errorf("ParseNATKind(%q) = %s, %v, want %s", tc.kind, got, err, tc.kind)
		}
	}
	if _, err := iptables.ParseVerdict("maybe"); err == nil {
		t.Errorf("ParseVerdict(%q) succeeded, want error", "maybe")
	}
}

func TestParsePortRange(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want iptables.PortRange
	}{
		{in: "", want: iptables.PortRange{}},
		{in: "any", want: iptables.PortRange{}},
		{in: "80", want: iptables.Port(80)},
		{in: "1000-2000", want: iptables.PortRange{First: 1000, Last: 2000}},
		{in: "well-known", want: iptables.WellKnownPorts},
		{in: "ephemeral", want: iptables.EphemeralPorts},
	} {
		got, err := iptables.ParsePortRange(tc.in)
		if err != nil {
			t.Errorf("ParsePortRange(%q): %v", tc.in, err)
			continue
		}
		if diff := cmp.Diff(tc.want, got); diff != "" {
			t.Errorf("ParsePortRange(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
	for _, in := range []string{"0", "2000-1000", "http", "70000"} {
		if _, err := iptables.ParsePortRange(in); err == nil {
			t.Errorf("ParsePortRange(%q) succeeded, want error", in)
		}
	}
}
