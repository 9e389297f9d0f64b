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

package integration_test

import (
	"bytes"
	"net"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/network/ipv4"
	"netengine.dev/netengine/pkg/tcpip/transport/icmp"
	"netengine.dev/netengine/pkg/tcpip/transport/tcp"
	"netengine.dev/netengine/pkg/tcpip/transport/udp"
)

func TestForwardUDP(t *testing.T) {
	for _, f := range families {
		t.Run(f.name, func(t *testing.T) {
			tp := newTopology(t, options{})
			client, server := tp.udpPair(f.netProto, 7)

			to := tcpip.FullAddress{Addr: f.server, Port: 7}
			send(t, client, []byte("request"), &to)
			tp.shuttle()

			got, from := recv(t, server)
			if diff := cmp.Diff([]byte("request"), got); diff != "" {
				t.Errorf("server read mismatch (-want +got):\n%s", diff)
			}
			if from.Addr != f.client {
				t.Errorf("request came from %s, want %s", from.Addr, f.client)
			}

			send(t, server, []byte("reply"), &from)
			tp.shuttle()
			got, from = recv(t, client)
			if diff := cmp.Diff([]byte("reply"), got); diff != "" {
				t.Errorf("client read mismatch (-want +got):\n%s", diff)
			}
			if from.Addr != f.server || from.Port != 7 {
				t.Errorf("reply came from %s:%d, want %s:7", from.Addr, from.Port, f.server)
			}
			if got := tp.router.Stats().IP.Forwarding.Forwarded.Value(); got != 2 {
				t.Errorf("Forwarded = %d, want 2", got)
			}
		})
	}
}

func TestForwardDecrementsTTL(t *testing.T) {
	for _, f := range families {
		t.Run(f.name, func(t *testing.T) {
			tp := newTopology(t, options{})
			var ttls []uint8
			tp.wan.drop = func(forward bool, frame []byte) bool {
				if forward {
					if f.netProto == ipv4.ProtocolNumber {
						ttls = append(ttls, header.IPv4(frame).TTL())
					} else {
						ttls = append(ttls, header.IPv6(frame).HopLimit())
					}
				}
				return false
			}
			client, _ := tp.udpPair(f.netProto, 7)
			if err := client.SetSockOpt(tcpip.TTLOption(10)); err != nil {
				t.Fatalf("SetSockOpt(TTLOption(10)): %s", err)
			}
			send(t, client, []byte("x"), &tcpip.FullAddress{Addr: f.server, Port: 7})
			tp.shuttle()
			if diff := cmp.Diff([]uint8{9}, ttls); diff != "" {
				t.Errorf("TTL on the far side mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTTLExceeded(t *testing.T) {
	for _, f := range families {
		t.Run(f.name, func(t *testing.T) {
			tp := newTopology(t, options{})
			client, server := tp.udpPair(f.netProto, 7)
			if err := client.SetSockOpt(tcpip.TTLOption(1)); err != nil {
				t.Fatalf("SetSockOpt(TTLOption(1)): %s", err)
			}
			send(t, client, []byte("x"), &tcpip.FullAddress{Addr: f.server, Port: 7})
			tp.shuttle()

			if _, err := server.Read(make([]byte, 8), nil); err != tcpip.ErrWouldBlock {
				t.Errorf("server Read = %v, want %s", err, tcpip.ErrWouldBlock)
			}
			if got := tp.router.Stats().IP.Forwarding.ExhaustedTTL.Value(); got != 1 {
				t.Errorf("ExhaustedTTL = %d, want 1", got)
			}
			received := tp.client.Stats().ICMP.V4.PacketsReceived
			if f.netProto != ipv4.ProtocolNumber {
				received = tp.client.Stats().ICMP.V6.PacketsReceived
			}
			if got := received.TimeExceeded.Value(); got != 1 {
				t.Errorf("client TimeExceeded received = %d, want 1", got)
			}
		})
	}
}

func TestNetworkUnreachable(t *testing.T) {
	for _, tc := range []struct {
		family
		dst netip.Addr
	}{
		{families[0], unreachable4},
		{families[1], netip.MustParseAddr("fd00:3::1")},
	} {
		t.Run(tc.name, func(t *testing.T) {
			tp := newTopology(t, options{})
			client, _ := tp.endpoint(tp.client, udp.ProtocolNumber, tc.netProto)
			if err := client.Connect(tcpip.FullAddress{Addr: tc.dst, Port: 53}); err != nil {
				t.Fatalf("Connect: %s", err)
			}
			send(t, client, []byte("query"), nil)
			tp.shuttle()

			if got := tp.router.Stats().IP.Forwarding.Unrouteable.Value(); got != 1 {
				t.Errorf("Unrouteable = %d, want 1", got)
			}
			if _, err := client.Read(make([]byte, 8), nil); err != tcpip.ErrNetworkUnreachable {
				t.Errorf("Read = %v, want %s", err, tcpip.ErrNetworkUnreachable)
			}
		})
	}
}

func TestForwardFragmentsV4(t *testing.T) {
	tp := newTopology(t, options{wanMTU: 576})
	client, server := tp.udpPair(ipv4.ProtocolNumber, 7)

	want := pattern(1400)
	send(t, client, want, &tcpip.FullAddress{Addr: serverV4, Port: 7})
	tp.shuttle()

	got, _ := recv(t, server)
	if !bytes.Equal(got, want) {
		t.Errorf("server read %d bytes, want %d identical bytes", len(got), len(want))
	}
	if got := tp.router.Stats().IP.FragmentsCreated.Value(); got != 3 {
		t.Errorf("router FragmentsCreated = %d, want 3", got)
	}
	if got := tp.server.Stats().IP.PacketsReassembled.Value(); got != 1 {
		t.Errorf("server PacketsReassembled = %d, want 1", got)
	}
}

func TestForwardDontFragmentV4(t *testing.T) {
	tp := newTopology(t, options{wanMTU: 576})

	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Flags:    layers.IPv4DontFragment,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(clientV4.AsSlice()),
		DstIP:    net.IP(serverV4.AsSlice()),
	}
	u := &layers.UDP{SrcPort: 4000, DstPort: 7}
	if err := u.SetNetworkLayerForChecksum(ip); err != nil {
		t.Fatalf("SetNetworkLayerForChecksum: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, ip, u, gopacket.Payload(pattern(1000))); err != nil {
		t.Fatalf("SerializeLayers: %v", err)
	}
	// Straight into the router, as if the client sent it.
	tp.lan.b.InjectInbound(buf.Bytes())

	pkt, ok := tp.lan.b.Read()
	if !ok {
		t.Fatalf("router sent nothing back")
	}
	p := gopacket.NewPacket(append([]byte(nil), pkt.Data()...), layers.LayerTypeIPv4, gopacket.Default)
	pkt.Release()
	msg, ok := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
	if !ok {
		t.Fatalf("router sent %s, want an ICMP error", p)
	}
	want := layers.CreateICMPv4TypeCode(layers.ICMPv4TypeDestinationUnreachable, layers.ICMPv4CodeFragmentationNeeded)
	if msg.TypeCode != want {
		t.Errorf("TypeCode = %s, want %s", msg.TypeCode, want)
	}
	// The next hop MTU sits in the low half of the second word.
	if msg.Seq != 576 {
		t.Errorf("next hop MTU = %d, want 576", msg.Seq)
	}
	if n := tp.wan.a.NumQueued(); n != 0 {
		t.Errorf("%d packets leaked to the far side", n)
	}
}

func TestPacketTooBigV6(t *testing.T) {
	tp := newTopology(t, options{wanMTU: header.IPv6MinimumMTU})
	client, server := tp.udpPair(families[1].netProto, 7)

	send(t, client, pattern(1400), &tcpip.FullAddress{Addr: serverV6, Port: 7})
	tp.shuttle()

	if _, err := server.Read(make([]byte, 8), nil); err != tcpip.ErrWouldBlock {
		t.Errorf("server Read = %v, want %s", err, tcpip.ErrWouldBlock)
	}
	if got := tp.router.Stats().IP.Forwarding.PacketTooBig.Value(); got != 1 {
		t.Errorf("router PacketTooBig = %d, want 1", got)
	}
	if got := tp.client.Stats().ICMP.V6.PacketsReceived.PacketTooBig.Value(); got != 1 {
		t.Errorf("client PacketTooBig received = %d, want 1", got)
	}
}

func TestTCPAcrossRouter(t *testing.T) {
	for _, f := range families {
		t.Run(f.name, func(t *testing.T) {
			tp := newTopology(t, options{})
			l, _ := tp.endpoint(tp.server, tcp.ProtocolNumber, f.netProto)
			if err := l.Bind(tcpip.FullAddress{Port: 80}); err != nil {
				t.Fatalf("Bind: %s", err)
			}
			if err := l.Listen(4); err != nil {
				t.Fatalf("Listen: %s", err)
			}

			client, _ := tp.endpoint(tp.client, tcp.ProtocolNumber, f.netProto)
			if err := client.Connect(tcpip.FullAddress{Addr: f.server, Port: 80}); err != tcpip.ErrConnectStarted {
				t.Fatalf("Connect = %v, want %s", err, tcpip.ErrConnectStarted)
			}
			tp.shuttle()
			if got := tcp.EndpointState(client.State()); got != tcp.StateEstablished {
				t.Fatalf("client state = %v, want %v", got, tcp.StateEstablished)
			}
			var peer tcpip.FullAddress
			server, _, err := l.Accept(&peer)
			if err != nil {
				t.Fatalf("Accept: %s", err)
			}
			defer server.Close()
			if peer.Addr != f.client {
				t.Errorf("peer = %s, want %s", peer.Addr, f.client)
			}

			want := pattern(20000)
			for b := want; len(b) > 0; {
				n, err := client.Write(b, tcpip.WriteOptions{})
				if err == tcpip.ErrWouldBlock {
					tp.shuttle()
					continue
				}
				if err != nil {
					t.Fatalf("Write: %s", err)
				}
				b = b[n:]
				tp.shuttle()
			}
			tp.shuttle()
			var got []byte
			buf := make([]byte, 4096)
			for {
				n, err := server.Read(buf, nil)
				if err != nil {
					break
				}
				got = append(got, buf[:n]...)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("server read %d bytes, want %d identical bytes", len(got), len(want))
			}
		})
	}
}

func TestPingAcrossRouter(t *testing.T) {
	for _, f := range families {
		t.Run(f.name, func(t *testing.T) {
			tp := newTopology(t, options{})
			proto, echo, reply := icmp.ProtocolNumber4, byte(header.ICMPv4Echo), byte(header.ICMPv4EchoReply)
			if f.netProto != ipv4.ProtocolNumber {
				proto, echo, reply = icmp.ProtocolNumber6, byte(header.ICMPv6EchoRequest), byte(header.ICMPv6EchoReply)
			}
			ep, _ := tp.endpoint(tp.client, proto, f.netProto)

			msg := make([]byte, 8, 16)
			msg[0] = echo
			msg = append(msg, "payload!"...)
			send(t, ep, msg, &tcpip.FullAddress{Addr: f.server})
			tp.shuttle()

			got, from := recv(t, ep)
			if from.Addr != f.server {
				t.Errorf("reply from %s, want %s", from.Addr, f.server)
			}
			if len(got) != len(msg) || got[0] != reply {
				t.Fatalf("reply = %x, want an echo reply of %d bytes", got, len(msg))
			}
			if diff := cmp.Diff(msg[8:], got[8:]); diff != "" {
				t.Errorf("reply payload mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
