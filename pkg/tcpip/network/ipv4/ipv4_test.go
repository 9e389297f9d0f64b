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

package ipv4_test

import (
	"bytes"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/ip4defrag"
	"github.com/google/gopacket/layers"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/faketime"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/link/channel"
	"netengine.dev/netengine/pkg/tcpip/network/ipv4"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/transport/udp"
	"netengine.dev/netengine/pkg/waiter"
)

const (
	nicID     = 1
	localPort = 5000
)

var (
	localAddr  = netip.MustParseAddr("10.0.0.1")
	remoteAddr = netip.MustParseAddr("10.0.0.2")
)

type testContext struct {
	t     *testing.T
	clock *faketime.ManualClock
	s     *stack.Stack
	link  *channel.Endpoint
}

func newTestContext(t *testing.T, opts ipv4.Options, mtu uint32) *testContext {
	t.Helper()
	clock := faketime.NewManualClock()
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocolWithOptions(opts)},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol},
		Clock:              clock,
		ManualSweep:        true,
	})
	link := channel.New(64, mtu)
	if err := s.CreateNIC(nicID, link, stack.NICOptions{}); err != nil {
		t.Fatalf("CreateNIC: %s", err)
	}
	if err := s.AddAddress(nicID, netip.PrefixFrom(localAddr, 24)); err != nil {
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

// inject hands frame to the stack as if it arrived on the link.
func (c *testContext) inject(frame []byte) {
	c.link.InjectInbound(append([]byte(nil), frame...))
}

// read returns the next frame the stack sent, decoded.
func (c *testContext) read() gopacket.Packet {
	c.t.Helper()
	pkt, ok := c.link.Read()
	if !ok {
		c.t.Fatalf("no packet was sent")
	}
	defer pkt.Release()
	b := append([]byte(nil), pkt.Data()...)
	return gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
}

func (c *testContext) expectNothing() {
	c.t.Helper()
	if n := c.link.NumQueued(); n != 0 {
		c.t.Fatalf("%d unexpected packets were sent", n)
	}
}

func (c *testContext) bindUDP(port uint16) (tcpip.Endpoint, *waiter.Queue) {
	c.t.Helper()
	wq := new(waiter.Queue)
	ep, err := c.s.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, wq)
	if err != nil {
		c.t.Fatalf("NewEndpoint: %s", err)
	}
	c.t.Cleanup(ep.Close)
	if err := ep.Bind(tcpip.FullAddress{Port: port}); err != nil {
		c.t.Fatalf("Bind(%d): %s", port, err)
	}
	return ep, wq
}

func ipLayer(proto layers.IPProtocol) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IP(remoteAddr.AsSlice()),
		DstIP:    net.IP(localAddr.AsSlice()),
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

// udpSegment returns the UDP header and payload of a datagram carried by
// ip.
func udpSegment(t *testing.T, ip *layers.IPv4, dport uint16, payload []byte) []byte {
	t.Helper()
	u := &layers.UDP{SrcPort: 1234, DstPort: layers.UDPPort(dport)}
	if err := u.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	return serialize(t, u, gopacket.Payload(payload))
}

// fragments splits seg into IPv4 fragments whose payloads hold at most size
// bytes each.
func fragments(t *testing.T, id uint16, seg []byte, size int) [][]byte {
	t.Helper()
	var out [][]byte
	for off := 0; off < len(seg); off += size {
		end := off + size
		ip := ipLayer(layers.IPProtocolUDP)
		ip.Id = id
		ip.FragOffset = uint16(off / 8)
		if end < len(seg) {
			ip.Flags = layers.IPv4MoreFragments
		} else {
			end = len(seg)
		}
		out = append(out, serialize(t, ip, gopacket.Payload(seg[off:end])))
	}
	return out
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestReassemblyOutOfOrder(t *testing.T) {
	c := newTestContext(t, ipv4.Options{}, 1500)
	ep, _ := c.bindUDP(localPort)

	payload := pattern(3000)
	seg := udpSegment(t, ipLayer(layers.IPProtocolUDP), localPort, payload)
	frags := fragments(t, 42, seg, 1480)
	if len(frags) != 3 {
		t.Fatalf("got %d fragments, want 3", len(frags))
	}
	for _, i := range []int{2, 0, 1} {
		c.inject(frags[i])
	}

	buf := make([]byte, 4000)
	n, err := ep.Read(buf, nil)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if !bytes.Equal(buf[:n], payload) {
		t.Errorf("reassembled payload differs: got %d bytes, want %d", n, len(payload))
	}
	stats := c.s.Stats().IP
	if got := stats.FragmentsReceived.Value(); got != 3 {
		t.Errorf("FragmentsReceived = %d, want 3", got)
	}
	if got := stats.PacketsReassembled.Value(); got != 1 {
		t.Errorf("PacketsReassembled = %d, want 1", got)
	}
	c.expectNothing()
}

func TestOverlappingFragmentDropped(t *testing.T) {
	c := newTestContext(t, ipv4.Options{}, 1500)
	ep, _ := c.bindUDP(localPort)

	seg := udpSegment(t, ipLayer(layers.IPProtocolUDP), localPort, pattern(64))
	frags := fragments(t, 7, seg, 32)
	c.inject(frags[0])

	// Same offset, different bytes.
	bad := append([]byte(nil), frags[0]...)
	bad[len(bad)-1] ^= 0xff
	c.inject(bad)
	for _, f := range frags[1:] {
		c.inject(f)
	}
	if _, err := ep.Read(make([]byte, 128), nil); err != tcpip.ErrWouldBlock {
		t.Errorf("Read = %v, want %s", err, tcpip.ErrWouldBlock)
	}
	if got := c.s.Stats().IP.MalformedFragmentsReceived.Value(); got == 0 {
		t.Errorf("MalformedFragmentsReceived = 0, want > 0")
	}
}

func TestReassemblyTimeout(t *testing.T) {
	c := newTestContext(t, ipv4.Options{ReassemblyTimeout: 10 * time.Second}, 1500)
	c.bindUDP(localPort)

	seg := udpSegment(t, ipLayer(layers.IPProtocolUDP), localPort, pattern(200))
	frags := fragments(t, 9, seg, 104)
	c.inject(frags[0])
	c.advance(9 * time.Second)
	c.expectNothing()
	c.advance(2 * time.Second)

	p := c.read()
	icmp, ok := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok {
		t.Fatalf("sent %s, want an ICMP message", p)
	}
	want := layers.CreateICMPv4TypeCode(layers.ICMPv4TypeTimeExceeded, layers.ICMPv4CodeFragmentReassemblyTimeExceeded)
	if icmp.TypeCode != want {
		t.Errorf("TypeCode = %s, want %s", icmp.TypeCode, want)
	}
	if got := c.s.Stats().IP.ReassemblyTimeouts.Value(); got != 1 {
		t.Errorf("ReassemblyTimeouts = %d, want 1", got)
	}

	// Without the first fragment nobody is told.
	c.inject(frags[1])
	c.advance(11 * time.Second)
	c.expectNothing()
}

func TestFragmentOutbound(t *testing.T) {
	c := newTestContext(t, ipv4.Options{}, 1500)
	ep, _ := c.bindUDP(localPort)

	payload := pattern(4000)
	to := tcpip.FullAddress{Addr: remoteAddr, Port: 53}
	if _, err := ep.Write(payload, tcpip.WriteOptions{To: &to}); err != nil {
		t.Fatalf("Write: %s", err)
	}

	defrag := ip4defrag.NewIPv4Defragmenter()
	var whole *layers.IPv4
	n := 0
	for c.link.NumQueued() > 0 {
		p := c.read()
		n++
		if got := len(p.Data()); got > 1500 {
			t.Errorf("fragment %d is %d bytes, exceeds the MTU", n, got)
		}
		ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if ip.Flags&layers.IPv4MoreFragments != 0 && len(ip.Payload)%8 != 0 {
			t.Errorf("fragment %d carries %d bytes, not a multiple of 8", n, len(ip.Payload))
		}
		out, err := defrag.DefragIPv4(ip)
		if err != nil {
			t.Fatalf("DefragIPv4: %v", err)
		}
		if out != nil {
			whole = out
		}
	}
	if n != 3 {
		t.Errorf("sent %d fragments, want 3", n)
	}
	if whole == nil {
		t.Fatalf("fragments did not reassemble")
	}
	p := gopacket.NewPacket(whole.Payload, layers.LayerTypeUDP, gopacket.Default)
	u, ok := p.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if !ok {
		t.Fatalf("reassembled datagram is not UDP: %s", p)
	}
	if !bytes.Equal(u.Payload, payload) {
		t.Errorf("reassembled payload differs")
	}
	if got := c.s.Stats().IP.FragmentsCreated.Value(); got != 3 {
		t.Errorf("FragmentsCreated = %d, want 3", got)
	}
}

func TestBuildOutboundDontFragment(t *testing.T) {
	pkt := buffer.NewPacketBuffer(header.IPv4MinimumSize, make([]byte, 1000))
	f := header.IPv4Fields{
		TTL:      64,
		Protocol: uint8(header.UDPProtocolNumber),
		Flags:    header.IPv4FlagDontFragment,
		SrcAddr:  localAddr,
		DstAddr:  remoteAddr,
	}
	if _, err := ipv4.BuildOutbound(pkt, &f, 576, nil); err != tcpip.ErrMessageTooLong {
		t.Errorf("BuildOutbound(DF, 1020 bytes, mtu 576) = %v, want %s", err, tcpip.ErrMessageTooLong)
	}
	if !pkt.Released() {
		t.Errorf("packet was not released")
	}
}

func TestFragmentCopiesOptions(t *testing.T) {
	ip := ipLayer(layers.IPProtocolUDP)
	ip.Options = []layers.IPv4Option{
		// Router alert, copied.
		{OptionType: 0x94, OptionLength: 4, OptionData: []byte{0, 0}},
		// Record route, first fragment only.
		{OptionType: 0x07, OptionLength: 7, OptionData: []byte{4, 0, 0, 0, 0}},
		{OptionType: 0x00, OptionLength: 1},
	}
	frame := serialize(t, ip, gopacket.Payload(pattern(1000)))
	pkt := buffer.NewInboundPacketBuffer(frame)
	frags, err := ipv4.Fragment(pkt, 600)
	if err != nil {
		t.Fatalf("Fragment: %s", err)
	}
	if len(frags) != 2 {
		t.Fatalf("got %d fragments, want 2", len(frags))
	}

	first := header.IPv4(frags[0].Data())
	if got := first.HeaderLength(); got != 32 {
		t.Errorf("first fragment header length = %d, want 32", got)
	}
	rest := header.IPv4(frags[1].Data())
	if got := rest.HeaderLength(); got != 24 {
		t.Errorf("second fragment header length = %d, want 24", got)
	}
	if diff := cmp.Diff([]byte{0x94, 4, 0, 0}, []byte(rest[header.IPv4MinimumSize:24])); diff != "" {
		t.Errorf("copied options mismatch (-want +got):\n%s", diff)
	}
	if !rest.IsChecksumValid() {
		t.Errorf("second fragment has a bad checksum")
	}
	total := 0
	for _, f := range frags {
		h := header.IPv4(f.Data())
		total += int(h.TotalLength()) - int(h.HeaderLength())
	}
	if total != 1000 {
		t.Errorf("fragments carry %d payload bytes, want 1000", total)
	}
}

func TestEchoReply(t *testing.T) {
	c := newTestContext(t, ipv4.Options{}, 1500)
	req := &layers.ICMPv4{
		TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeEchoRequest, 0),
		Id:       0x1234,
		Seq:      7,
	}
	c.inject(serialize(t, ipLayer(layers.IPProtocolICMPv4), req, gopacket.Payload("ping payload")))

	p := c.read()
	ip := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if got, want := ip.SrcIP.String(), localAddr.String(); got != want {
		t.Errorf("reply source = %s, want %s", got, want)
	}
	if got, want := ip.DstIP.String(), remoteAddr.String(); got != want {
		t.Errorf("reply destination = %s, want %s", got, want)
	}
	reply, ok := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok {
		t.Fatalf("sent %s, want an ICMP reply", p)
	}
	if reply.TypeCode.Type() != layers.ICMPv4TypeEchoReply || reply.Id != 0x1234 || reply.Seq != 7 {
		t.Errorf("reply = %s id %#x seq %d, want echo reply id 0x1234 seq 7", reply.TypeCode, reply.Id, reply.Seq)
	}
	if got := string(reply.Payload); got != "ping payload" {
		t.Errorf("reply payload = %q, want %q", got, "ping payload")
	}
	sent := c.s.Stats().ICMP.V4.PacketsSent
	if got := sent.EchoReply.Value(); got != 1 {
		t.Errorf("EchoReply sent = %d, want 1", got)
	}
}

func TestUnreachable(t *testing.T) {
	for _, tc := range []struct {
		name  string
		frame func(t *testing.T) []byte
		code  uint8
	}{
		{
			name: "port",
			frame: func(t *testing.T) []byte {
				ip := ipLayer(layers.IPProtocolUDP)
				return serialize(t, ip, gopacket.Payload(udpSegment(t, ip, 9, []byte("x"))))
			},
			code: layers.ICMPv4CodePort,
		},
		{
			name: "protocol",
			frame: func(t *testing.T) []byte {
				return serialize(t, ipLayer(layers.IPProtocol(253)), gopacket.Payload(pattern(16)))
			},
			code: layers.ICMPv4CodeProtocol,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestContext(t, ipv4.Options{}, 1500)
			orig := tc.frame(t)
			c.inject(orig)

			p := c.read()
			icmp, ok := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
			if !ok {
				t.Fatalf("sent %s, want an ICMP error", p)
			}
			want := layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, tc.code)
			if icmp.TypeCode != want {
				t.Errorf("TypeCode = %s, want %s", icmp.TypeCode, want)
			}
			// The quote is the offending header and 8 bytes of payload.
			if diff := cmp.Diff(orig[:header.IPv4MinimumSize+8], []byte(icmp.Payload)); diff != "" {
				t.Errorf("quote mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestICMPRateLimit(t *testing.T) {
	c := newTestContext(t, ipv4.Options{ICMPRateLimit: 1, ICMPBurst: 1}, 1500)
	ip := ipLayer(layers.IPProtocolUDP)
	frame := serialize(t, ip, gopacket.Payload(udpSegment(t, ip, 9, nil)))
	c.inject(frame)
	c.inject(frame)
	c.read()
	c.expectNothing()
	if got := c.s.Stats().ICMP.V4.PacketsSent.RateLimited.Value(); got != 1 {
		t.Errorf("RateLimited = %d, want 1", got)
	}
	c.clock.Advance(time.Second)
	c.inject(frame)
	c.read()
}

func TestNoErrorAboutErrors(t *testing.T) {
	c := newTestContext(t, ipv4.Options{}, 1500)
	// A port unreachable error quoting a datagram we never sent carries no
	// ports anyone listens on. It must not trigger another error.
	quoted := serialize(t, ipLayer(layers.IPProtocolUDP), gopacket.Payload(pattern(8)))
	msg := &layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodePort)}
	c.inject(serialize(t, ipLayer(layers.IPProtocolICMPv4), msg, gopacket.Payload(quoted)))
	c.expectNothing()
	if got := c.s.Stats().ICMP.V4.PacketsReceived.DstUnreachable.Value(); got != 1 {
		t.Errorf("DstUnreachable received = %d, want 1", got)
	}
}

func TestDrops(t *testing.T) {
	for _, tc := range []struct {
		name    string
		mangle  func(ip *layers.IPv4)
		corrupt bool
		counter func(tcpip.IPStats) *tcpip.StatCounter
	}{
		{
			name:    "bad checksum",
			corrupt: true,
			counter: func(s tcpip.IPStats) *tcpip.StatCounter { return s.MalformedPacketsReceived },
		},
		{
			name:    "broadcast source",
			mangle:  func(ip *layers.IPv4) { ip.SrcIP = net.IPv4bcast },
			counter: func(s tcpip.IPStats) *tcpip.StatCounter { return s.InvalidSourceAddressesReceived },
		},
		{
			name:    "multicast source",
			mangle:  func(ip *layers.IPv4) { ip.SrcIP = net.IPv4(224, 0, 0, 1) },
			counter: func(s tcpip.IPStats) *tcpip.StatCounter { return s.InvalidSourceAddressesReceived },
		},
		{
			name:    "not for us",
			mangle:  func(ip *layers.IPv4) { ip.DstIP = net.IPv4(10, 0, 0, 99) },
			counter: func(s tcpip.IPStats) *tcpip.StatCounter { return s.Forwarding.Disabled },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestContext(t, ipv4.Options{}, 1500)
			ep, _ := c.bindUDP(localPort)
			ip := ipLayer(layers.IPProtocolUDP)
			if tc.mangle != nil {
				tc.mangle(ip)
			}
			frame := serialize(t, ip, gopacket.Payload(udpSegment(t, ip, localPort, []byte("data"))))
			if tc.corrupt {
				frame[10] ^= 0xff
			}
			c.inject(frame)

			if got := tc.counter(c.s.Stats().IP).Value(); got != 1 {
				t.Errorf("drop counter = %d, want 1", got)
			}
			if _, err := ep.Read(make([]byte, 16), nil); err != tcpip.ErrWouldBlock {
				t.Errorf("Read = %v, want %s", err, tcpip.ErrWouldBlock)
			}
			c.expectNothing()
		})
	}
}

func TestTTLOption(t *testing.T) {
	c := newTestContext(t, ipv4.Options{DefaultTTL: 20}, 1500)
	var ttl tcpip.TTLOption
	if err := c.s.NetworkProtocolOption(ipv4.ProtocolNumber, &ttl); err != nil {
		t.Fatalf("NetworkProtocolOption: %s", err)
	}
	if ttl != 20 {
		t.Errorf("TTLOption = %d, want 20", ttl)
	}
	if err := c.s.SetNetworkProtocolOption(ipv4.ProtocolNumber, tcpip.TTLOption(0)); err != tcpip.ErrInvalidOptionValue {
		t.Errorf("SetNetworkProtocolOption(TTLOption(0)) = %v, want %s", err, tcpip.ErrInvalidOptionValue)
	}

	ep, _ := c.bindUDP(localPort)
	to := tcpip.FullAddress{Addr: remoteAddr, Port: 53}
	if _, err := ep.Write([]byte("x"), tcpip.WriteOptions{To: &to}); err != nil {
		t.Fatalf("Write: %s", err)
	}
	ip := c.read().Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if ip.TTL != 20 {
		t.Errorf("TTL = %d, want 20", ip.TTL)
	}
}
