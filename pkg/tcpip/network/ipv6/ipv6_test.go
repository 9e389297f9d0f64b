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

package ipv6_test

import (
	"bytes"
	"encoding/binary"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/faketime"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/link/channel"
	"netengine.dev/netengine/pkg/tcpip/network/ipv6"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/transport/udp"
	"netengine.dev/netengine/pkg/waiter"
)

const (
	nicID     = 1
	localPort = 5000
)

var (
	localAddr  = netip.MustParseAddr("fd00::1")
	remoteAddr = netip.MustParseAddr("fd00::2")
)

type testContext struct {
	t     *testing.T
	clock *faketime.ManualClock
	s     *stack.Stack
	link  *channel.Endpoint
}

func newTestContext(t *testing.T, opts ipv6.Options, mtu uint32) *testContext {
	t.Helper()
	clock := faketime.NewManualClock()
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv6.NewProtocolWithOptions(opts)},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol},
		Clock:              clock,
		ManualSweep:        true,
	})
	link := channel.New(64, mtu)
	if err := s.CreateNIC(nicID, link, stack.NICOptions{}); err != nil {
		t.Fatalf("CreateNIC: %s", err)
	}
	if err := s.AddAddress(nicID, netip.PrefixFrom(localAddr, 64)); err != nil {
		t.Fatalf("AddAddress: %s", err)
	}
	t.Cleanup(func() {
		s.Close()
		s.Wait()
	})
	return &testContext{t: t, clock: clock, s: s, link: link}
}

func (c *testContext) advance(d time.Duration) {
	c.clock.Advance(d)
	c.s.Sweep(c.clock.Now())
}

func (c *testContext) inject(frame []byte) {
	c.link.InjectInbound(append([]byte(nil), frame...))
}

func (c *testContext) read() gopacket.Packet {
	c.t.Helper()
	pkt, ok := c.link.Read()
	if !ok {
		c.t.Fatalf("no packet was sent")
	}
	defer pkt.Release()
	b := append([]byte(nil), pkt.Data()...)
	return gopacket.NewPacket(b, layers.LayerTypeIPv6, gopacket.Default)
}

func (c *testContext) expectNothing() {
	c.t.Helper()
	if n := c.link.NumQueued(); n != 0 {
		c.t.Fatalf("%d unexpected packets were sent", n)
	}
}

func (c *testContext) bindUDP(port uint16) tcpip.Endpoint {
	c.t.Helper()
	ep, err := c.s.NewEndpoint(udp.ProtocolNumber, ipv6.ProtocolNumber, new(waiter.Queue))
	if err != nil {
		c.t.Fatalf("NewEndpoint: %s", err)
	}
	c.t.Cleanup(ep.Close)
	if err := ep.Bind(tcpip.FullAddress{Port: port}); err != nil {
		c.t.Fatalf("Bind(%d): %s", port, err)
	}
	return ep
}

func ipLayer(next layers.IPProtocol) *layers.IPv6 {
	return &layers.IPv6{
		Version:    6,
		HopLimit:   64,
		NextHeader: next,
		SrcIP:      net.IP(remoteAddr.AsSlice()),
		DstIP:      net.IP(localAddr.AsSlice()),
	}
}

func serialize(t *testing.T, ls ...gopacket.SerializableLayer) []byte {
	t.Helper()
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ls...); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	return buf.Bytes()
}

func udpSegment(t *testing.T, dport uint16, payload []byte) []byte {
	t.Helper()
	u := &layers.UDP{SrcPort: 1234, DstPort: layers.UDPPort(dport)}
	if err := u.SetNetworkLayerForChecksum(ipLayer(layers.IPProtocolUDP)); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	return serialize(t, u, gopacket.Payload(payload))
}

// fragments splits seg, a UDP segment, into datagrams carrying a fragment
// header and at most size bytes of it each.
func fragments(t *testing.T, id uint32, seg []byte, size int) [][]byte {
	t.Helper()
	var out [][]byte
	for off := 0; off < len(seg); off += size {
		end := off + size
		more := end < len(seg)
		if !more {
			end = len(seg)
		}
		fh := make([]byte, header.IPv6FragmentHeaderSize, header.IPv6FragmentHeaderSize+end-off)
		header.IPv6Fragment(fh).Encode(&header.IPv6FragmentFields{
			NextHeader:     uint8(header.UDPProtocolNumber),
			FragmentOffset: uint16(off / 8),
			M:              more,
			Identification: id,
		})
		payload := append(fh, seg[off:end]...)
		out = append(out, serialize(t, ipLayer(layers.IPProtocolIPv6Fragment), gopacket.Payload(payload)))
	}
	return out
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 13)
	}
	return b
}

// icmpError splits an ICMPv6 error into its type specific word and the
// quoted datagram.
func icmpError(t *testing.T, p gopacket.Packet) (*layers.ICMPv6, uint32, []byte) {
	t.Helper()
	icmp, ok := p.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
	if !ok || len(icmp.Payload) < 4 {
		t.Fatalf("sent %s, want an ICMPv6 error", p)
	}
	return icmp, binary.BigEndian.Uint32(icmp.Payload), icmp.Payload[4:]
}

func TestReassembly(t *testing.T) {
	c := newTestContext(t, ipv6.Options{}, 1500)
	ep := c.bindUDP(localPort)

	payload := pattern(2500)
	frags := fragments(t, 0xabcd, udpSegment(t, localPort, payload), 1232)
	if len(frags) != 3 {
		t.Fatalf("got %d fragments, want 3", len(frags))
	}
	for _, i := range []int{1, 2, 0} {
		c.inject(frags[i])
	}

	buf := make([]byte, 3000)
	n, err := ep.Read(buf, nil)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("reassembled payload differs: got %d bytes, want %d", n, len(payload))
	}
	if got := c.s.Stats().IP.PacketsReassembled.Value(); got != 1 {
		t.Errorf("PacketsReassembled = %d, want 1", got)
	}
}

func TestAtomicFragment(t *testing.T) {
	c := newTestContext(t, ipv6.Options{}, 1500)
	ep := c.bindUDP(localPort)

	frags := fragments(t, 1, udpSegment(t, localPort, []byte("whole")), 1000)
	if len(frags) != 1 {
		t.Fatalf("got %d fragments, want 1", len(frags))
	}
	c.inject(frags[0])

	buf := make([]byte, 16)
	n, err := ep.Read(buf, nil)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if got := string(buf[:n]); got != "whole" {
		t.Errorf("Read = %q, want %q", got, "whole")
	}
	if got := c.s.Stats().IP.FragmentsReceived.Value(); got != 0 {
		t.Errorf("FragmentsReceived = %d, want 0", got)
	}
}

func TestReassemblyTimeout(t *testing.T) {
	c := newTestContext(t, ipv6.Options{ReassemblyTimeout: 5 * time.Second}, 1500)
	c.bindUDP(localPort)

	frags := fragments(t, 3, udpSegment(t, localPort, pattern(100)), 56)
	c.inject(frags[0])
	c.advance(6 * time.Second)

	icmp, _, quote := icmpError(t, c.read())
	want := layers.CreateICMPv6TypeCode(layers.ICMPv6TypeTimeExceeded, layers.ICMPv6CodeFragmentReassemblyTimeExceeded)
	if icmp.TypeCode != want {
		t.Errorf("TypeCode = %s, want %s", icmp.TypeCode, want)
	}
	if len(quote) < header.IPv6MinimumSize {
		t.Fatalf("quote is %d bytes, too short for a header", len(quote))
	}
	if got := header.IPv6(quote).SourceAddress(); got != remoteAddr {
		t.Errorf("quoted source = %s, want %s", got, remoteAddr)
	}
}

func TestFragmentOutbound(t *testing.T) {
	c := newTestContext(t, ipv6.Options{}, header.IPv6MinimumMTU)
	ep := c.bindUDP(localPort)

	payload := pattern(3000)
	to := tcpip.FullAddress{Addr: remoteAddr, Port: 53}
	if _, err := ep.Write(payload, tcpip.WriteOptions{To: &to}); err != nil {
		t.Fatalf("Write: %s", err)
	}

	var (
		seg   []byte
		ids   = map[uint32]bool{}
		count int
		last  bool
	)
	for c.link.NumQueued() > 0 {
		p := c.read()
		count++
		if got := len(p.Data()); got > header.IPv6MinimumMTU {
			t.Errorf("fragment %d is %d bytes, exceeds the MTU", count, got)
		}
		f, ok := p.Layer(layers.LayerTypeIPv6Fragment).(*layers.IPv6Fragment)
		if !ok {
			t.Fatalf("packet %d has no fragment header: %s", count, p)
		}
		if f.NextHeader != layers.IPProtocolUDP {
			t.Errorf("fragment %d next header = %s, want UDP", count, f.NextHeader)
		}
		ids[f.Identification] = true
		if off := int(f.FragmentOffset) * 8; off != len(seg) {
			t.Fatalf("fragment %d at offset %d, want %d", count, off, len(seg))
		}
		seg = append(seg, f.Payload...)
		last = !f.MoreFragments
	}
	if !last {
		t.Errorf("final fragment has the more flag set")
	}
	if len(ids) != 1 {
		t.Errorf("fragments use %d identifications, want 1", len(ids))
	}
	if len(seg) < header.UDPMinimumSize {
		t.Fatalf("reassembled %d bytes, want a UDP segment", len(seg))
	}
	if !bytes.Equal(seg[header.UDPMinimumSize:], payload) {
		t.Errorf("reassembled payload differs")
	}
	if got := c.s.Stats().IP.FragmentsCreated.Value(); got != uint64(count) {
		t.Errorf("FragmentsCreated = %d, want %d", got, count)
	}
}

func TestEchoReply(t *testing.T) {
	c := newTestContext(t, ipv6.Options{}, 1500)
	ip := ipLayer(layers.IPProtocolICMPv6)
	icmp := &layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeEchoRequest, 0)}
	if err := icmp.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	echo := &layers.ICMPv6Echo{Identifier: 77, SeqNumber: 3}
	c.inject(serialize(t, ip, icmp, echo, gopacket.Payload("hello")))

	p := c.read()
	reply, ok := p.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
	if !ok {
		t.Fatalf("sent %s, want an ICMPv6 reply", p)
	}
	if got := reply.TypeCode.Type(); got != layers.ICMPv6TypeEchoReply {
		t.Errorf("type = %d, want echo reply", got)
	}
	e, ok := p.Layer(layers.LayerTypeICMPv6Echo).(*layers.ICMPv6Echo)
	if !ok {
		t.Fatalf("reply has no echo body: %s", p)
	}
	if e.Identifier != 77 || e.SeqNumber != 3 {
		t.Errorf("reply id %d seq %d, want id 77 seq 3", e.Identifier, e.SeqNumber)
	}
	if got := string(e.Payload); got != "hello" {
		t.Errorf("reply payload = %q, want %q", got, "hello")
	}
}

func TestUnreachable(t *testing.T) {
	for _, tc := range []struct {
		name    string
		frame   func(t *testing.T) []byte
		want    layers.ICMPv6TypeCode
		pointer uint32
	}{
		{
			name: "port",
			frame: func(t *testing.T) []byte {
				return serialize(t, ipLayer(layers.IPProtocolUDP), gopacket.Payload(udpSegment(t, 9, []byte("x"))))
			},
			want: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeDestinationUnreachable, layers.ICMPv6CodePortUnreachable),
		},
		{
			name: "next header",
			frame: func(t *testing.T) []byte {
				return serialize(t, ipLayer(layers.IPProtocol(253)), gopacket.Payload(pattern(16)))
			},
			want:    layers.CreateICMPv6TypeCode(layers.ICMPv6TypeParameterProblem, layers.ICMPv6CodeUnrecognizedNextHeader),
			pointer: header.IPv6NextHeaderOffset,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestContext(t, ipv6.Options{}, 1500)
			orig := tc.frame(t)
			c.inject(orig)

			icmp, pointer, quote := icmpError(t, c.read())
			if icmp.TypeCode != tc.want {
				t.Errorf("TypeCode = %s, want %s", icmp.TypeCode, tc.want)
			}
			if pointer != tc.pointer {
				t.Errorf("pointer = %d, want %d", pointer, tc.pointer)
			}
			// The whole offending datagram fits in the quote.
			if diff := cmp.Diff(orig, quote); diff != "" {
				t.Errorf("quote mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDrops(t *testing.T) {
	for _, tc := range []struct {
		name    string
		frame   func(t *testing.T) []byte
		counter func(tcpip.IPStats) *tcpip.StatCounter
	}{
		{
			name: "destination options",
			frame: func(t *testing.T) []byte {
				return serialize(t, ipLayer(layers.IPProtocolIPv6Destination), gopacket.Payload(pattern(16)))
			},
			counter: func(s tcpip.IPStats) *tcpip.StatCounter { return s.MalformedPacketsReceived },
		},
		{
			name: "multicast source",
			frame: func(t *testing.T) []byte {
				ip := ipLayer(layers.IPProtocolUDP)
				ip.SrcIP = net.ParseIP("ff02::1")
				return serialize(t, ip, gopacket.Payload(udpSegment(t, localPort, nil)))
			},
			counter: func(s tcpip.IPStats) *tcpip.StatCounter { return s.InvalidSourceAddressesReceived },
		},
		{
			name: "truncated",
			frame: func(t *testing.T) []byte {
				b := serialize(t, ipLayer(layers.IPProtocolUDP), gopacket.Payload(udpSegment(t, localPort, []byte("data"))))
				return b[:len(b)-2]
			},
			counter: func(s tcpip.IPStats) *tcpip.StatCounter { return s.MalformedPacketsReceived },
		},
		{
			name: "not for us",
			frame: func(t *testing.T) []byte {
				ip := ipLayer(layers.IPProtocolUDP)
				ip.DstIP = net.ParseIP("fd00::99")
				return serialize(t, ip, gopacket.Payload(udpSegment(t, localPort, nil)))
			},
			counter: func(s tcpip.IPStats) *tcpip.StatCounter { return s.Forwarding.Disabled },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestContext(t, ipv6.Options{}, 1500)
			c.inject(tc.frame(t))
			if got := tc.counter(c.s.Stats().IP).Value(); got != 1 {
				t.Errorf("drop counter = %d, want 1", got)
			}
			c.expectNothing()
		})
	}
}
