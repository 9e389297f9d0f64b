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

package udp_test

import (
	"bytes"
	"net/netip"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/network/ipv4"
	"netengine.dev/netengine/pkg/tcpip/network/ipv6"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/transport/testing/context"
	"netengine.dev/netengine/pkg/tcpip/transport/udp"
	"netengine.dev/netengine/pkg/waiter"
)

const (
	serverPort = 5353
	clientPort = 4096
)

var netProtos = []struct {
	name  string
	proto tcpip.NetworkProtocolNumber
}{
	{"IPv4", ipv4.ProtocolNumber},
	{"IPv6", ipv6.ProtocolNumber},
}

func newContext(t *testing.T, opts udp.Options) *context.Context {
	t.Helper()
	return context.New(t, []stack.TransportProtocolFactory{udp.NewProtocolWithOptions(opts)})
}

func bind(t *testing.T, ep tcpip.Endpoint, addr tcpip.FullAddress) {
	t.Helper()
	if err := ep.Bind(addr); err != nil {
		t.Fatalf("Bind(%+v): %s", addr, err)
	}
}

func writeTo(t *testing.T, ep tcpip.Endpoint, p []byte, to *tcpip.FullAddress) {
	t.Helper()
	n, err := ep.Write(p, tcpip.WriteOptions{To: to})
	if err != nil {
		t.Fatalf("Write(%d bytes): %s", len(p), err)
	}
	if n != len(p) {
		t.Fatalf("Write returned %d, want %d", n, len(p))
	}
}

func TestDatagramBoundaries(t *testing.T) {
	for _, np := range netProtos {
		t.Run(np.name, func(t *testing.T) {
			c := newContext(t, udp.Options{})
			server, wq := c.NewEndpoint(c.Server, udp.ProtocolNumber, np.proto)
			bind(t, server, tcpip.FullAddress{Port: serverPort})

			we, ch := waiter.NewChannelEntry(nil)
			wq.EventRegister(&we, waiter.EventIn)
			defer wq.EventUnregister(&we)

			client, _ := c.NewEndpoint(c.Client, udp.ProtocolNumber, np.proto)
			to := tcpip.FullAddress{Addr: context.ServerAddr(np.proto), Port: serverPort}
			msgs := [][]byte{[]byte("first"), []byte("second datagram"), {}}
			for _, m := range msgs {
				writeTo(t, client, m, &to)
			}
			c.Shuttle()

			select {
			case <-ch:
			default:
				t.Fatalf("no EventIn notification")
			}

			local, err := client.GetLocalAddress()
			if err != nil {
				t.Fatalf("GetLocalAddress: %s", err)
			}
			if local.Port == 0 {
				t.Fatalf("client was not bound to an ephemeral port")
			}
			for _, want := range msgs {
				buf := make([]byte, 64)
				var from tcpip.FullAddress
				n, err := server.Read(buf, &from)
				if err != nil {
					t.Fatalf("Read: %s", err)
				}
				if diff := cmp.Diff(want, buf[:n]); diff != "" {
					t.Errorf("datagram mismatch (-want +got):\n%s", diff)
				}
				wantFrom := tcpip.FullAddress{NIC: context.NICID, Addr: context.ClientAddr(np.proto), Port: local.Port}
				if diff := cmp.Diff(wantFrom, from, cmpopts.EquateComparable(netip.Addr{})); diff != "" {
					t.Errorf("sender mismatch (-want +got):\n%s", diff)
				}
			}
			if _, err := server.Read(make([]byte, 1), nil); err != tcpip.ErrWouldBlock {
				t.Errorf("Read on empty queue = %v, want %s", err, tcpip.ErrWouldBlock)
			}
			if got := c.Server.Stats().UDP.PacketsReceived.Value(); got != uint64(len(msgs)) {
				t.Errorf("PacketsReceived = %d, want %d", got, len(msgs))
			}
		})
	}
}

func TestReadTruncates(t *testing.T) {
	c := newContext(t, udp.Options{})
	server, _ := c.NewEndpoint(c.Server, udp.ProtocolNumber, ipv4.ProtocolNumber)
	bind(t, server, tcpip.FullAddress{Port: serverPort})
	client, _ := c.NewEndpoint(c.Client, udp.ProtocolNumber, ipv4.ProtocolNumber)
	to := tcpip.FullAddress{Addr: context.ServerV4, Port: serverPort}
	writeTo(t, client, []byte("0123456789"), &to)
	writeTo(t, client, []byte("next"), &to)
	c.Shuttle()

	var size tcpip.ReceiveQueueSizeOption
	if err := server.GetSockOpt(&size); err != nil {
		t.Fatalf("GetSockOpt(ReceiveQueueSizeOption): %s", err)
	}
	if size != 10 {
		t.Errorf("ReceiveQueueSizeOption = %d, want 10", size)
	}

	buf := make([]byte, 4)
	n, err := server.Read(buf, nil)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if got := string(buf[:n]); got != "0123" {
		t.Errorf("Read = %q, want %q", got, "0123")
	}
	// The rest of the first datagram is gone.
	n, err = server.Read(make([]byte, 64), nil)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if n != len("next") {
		t.Errorf("second Read returned %d bytes, want %d", n, len("next"))
	}
}

func TestWriteErrors(t *testing.T) {
	c := newContext(t, udp.Options{})
	ep, _ := c.NewEndpoint(c.Client, udp.ProtocolNumber, ipv4.ProtocolNumber)

	if _, err := ep.Write([]byte("x"), tcpip.WriteOptions{}); err != tcpip.ErrDestinationRequired {
		t.Errorf("Write without destination = %v, want %s", err, tcpip.ErrDestinationRequired)
	}
	to := tcpip.FullAddress{Addr: context.ServerV4, Port: serverPort}
	big := make([]byte, header.UDPMaximumPacketSize)
	if _, err := ep.Write(big, tcpip.WriteOptions{To: &to}); err != tcpip.ErrMessageTooLong {
		t.Errorf("oversized Write = %v, want %s", err, tcpip.ErrMessageTooLong)
	}
	v6 := tcpip.FullAddress{Addr: context.ServerV6, Port: serverPort}
	if _, err := ep.Write([]byte("x"), tcpip.WriteOptions{To: &v6}); err != tcpip.ErrBadAddress {
		t.Errorf("Write to other family = %v, want %s", err, tcpip.ErrBadAddress)
	}
	if err := ep.Shutdown(tcpip.ShutdownWrite); err != tcpip.ErrNotConnected {
		t.Errorf("Shutdown on unconnected endpoint = %v, want %s", err, tcpip.ErrNotConnected)
	}
	if err := ep.Listen(1); err != tcpip.ErrNotSupported {
		t.Errorf("Listen = %v, want %s", err, tcpip.ErrNotSupported)
	}
}

func TestConnectedPortUnreachable(t *testing.T) {
	for _, np := range netProtos {
		t.Run(np.name, func(t *testing.T) {
			c := newContext(t, udp.Options{})
			client, wq := c.NewEndpoint(c.Client, udp.ProtocolNumber, np.proto)
			if err := client.Connect(tcpip.FullAddress{Addr: context.ServerAddr(np.proto), Port: serverPort}); err != nil {
				t.Fatalf("Connect: %s", err)
			}
			we, ch := waiter.NewChannelEntry(nil)
			wq.EventRegister(&we, waiter.EventErr)
			defer wq.EventUnregister(&we)

			writeTo(t, client, []byte("anyone there?"), nil)
			c.Shuttle()

			select {
			case <-ch:
			default:
				t.Fatalf("no EventErr notification")
			}
			if got := client.Readiness(waiter.EventErr); got != waiter.EventErr {
				t.Errorf("Readiness(EventErr) = %v, want %v", got, waiter.EventErr)
			}
			if _, err := client.Read(make([]byte, 8), nil); err != tcpip.ErrConnectionRefused {
				t.Errorf("Read = %v, want %s", err, tcpip.ErrConnectionRefused)
			}
			// The error is reported once.
			if _, err := client.Read(make([]byte, 8), nil); err != tcpip.ErrWouldBlock {
				t.Errorf("second Read = %v, want %s", err, tcpip.ErrWouldBlock)
			}

			stats := c.Server.Stats()
			if got := stats.UDP.UnknownPortErrors.Value(); got != 1 {
				t.Errorf("UnknownPortErrors = %d, want 1", got)
			}
			sent := stats.ICMP.V4.PacketsSent.DstUnreachable.Value()
			if np.proto == ipv6.ProtocolNumber {
				sent = stats.ICMP.V6.PacketsSent.DstUnreachable.Value()
			}
			if sent != 1 {
				t.Errorf("ICMP DstUnreachable sent = %d, want 1", sent)
			}
		})
	}
}

func TestUnconnectedIgnoresPortUnreachable(t *testing.T) {
	c := newContext(t, udp.Options{})
	client, _ := c.NewEndpoint(c.Client, udp.ProtocolNumber, ipv4.ProtocolNumber)
	to := tcpip.FullAddress{Addr: context.ServerV4, Port: serverPort}
	writeTo(t, client, []byte("hello"), &to)
	c.Shuttle()

	if got := client.Readiness(waiter.EventErr); got != 0 {
		t.Errorf("Readiness(EventErr) = %v, want 0", got)
	}
	if err := client.GetSockOpt(tcpip.ErrorOption{}); err != nil {
		t.Errorf("GetSockOpt(ErrorOption) = %s, want nil", err)
	}
}

func TestReceiveBufferOverflow(t *testing.T) {
	c := newContext(t, udp.Options{ReceiveBufferSize: udp.MinBufferSize})
	server, _ := c.NewEndpoint(c.Server, udp.ProtocolNumber, ipv4.ProtocolNumber)
	bind(t, server, tcpip.FullAddress{Port: serverPort})

	client, _ := c.NewEndpoint(c.Client, udp.ProtocolNumber, ipv4.ProtocolNumber)
	to := tcpip.FullAddress{Addr: context.ServerV4, Port: serverPort}
	// A datagram is accepted while the queue is below the limit, so the
	// third one overshoots it and the fourth is dropped.
	for i := 0; i < 4; i++ {
		writeTo(t, client, bytes.Repeat([]byte{byte(i)}, 2000), &to)
	}
	c.Shuttle()

	got := 0
	for {
		if _, err := server.Read(make([]byte, 2000), nil); err != nil {
			break
		}
		got++
	}
	if got != 3 {
		t.Errorf("read %d datagrams, want 3", got)
	}
	if v := c.Server.Stats().UDP.ReceiveBufferErrors.Value(); v != 1 {
		t.Errorf("ReceiveBufferErrors = %d, want 1", v)
	}
}

func TestDemuxPrefersMostSpecific(t *testing.T) {
	c := newContext(t, udp.Options{})
	newServer := func(addr tcpip.FullAddress) tcpip.Endpoint {
		ep, _ := c.NewEndpoint(c.Server, udp.ProtocolNumber, ipv4.ProtocolNumber)
		if err := ep.SetSockOpt(tcpip.ReuseAddressOption(true)); err != nil {
			t.Fatalf("SetSockOpt(ReuseAddressOption): %s", err)
		}
		bind(t, ep, addr)
		return ep
	}
	wildcard := newServer(tcpip.FullAddress{Port: serverPort})
	specific := newServer(tcpip.FullAddress{Addr: context.ServerV4, Port: serverPort})
	connected := newServer(tcpip.FullAddress{Port: serverPort})
	if err := connected.Connect(tcpip.FullAddress{Addr: context.ClientV4, Port: clientPort}); err != nil {
		t.Fatalf("Connect: %s", err)
	}

	fromPeer, _ := c.NewEndpoint(c.Client, udp.ProtocolNumber, ipv4.ProtocolNumber)
	bind(t, fromPeer, tcpip.FullAddress{Port: clientPort})
	other, _ := c.NewEndpoint(c.Client, udp.ProtocolNumber, ipv4.ProtocolNumber)
	bind(t, other, tcpip.FullAddress{Port: clientPort + 1})

	to := tcpip.FullAddress{Addr: context.ServerV4, Port: serverPort}
	writeTo(t, fromPeer, []byte("peer"), &to)
	writeTo(t, other, []byte("other"), &to)
	c.Shuttle()

	read := func(ep tcpip.Endpoint) string {
		buf := make([]byte, 16)
		n, err := ep.Read(buf, nil)
		if err != nil {
			return ""
		}
		return string(buf[:n])
	}
	got := map[string]string{
		"connected": read(connected),
		"specific":  read(specific),
		"wildcard":  read(wildcard),
	}
	want := map[string]string{
		"connected": "peer",
		"specific":  "other",
		"wildcard":  "",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delivery mismatch (-want +got):\n%s", diff)
	}
}

func TestBindConflict(t *testing.T) {
	c := newContext(t, udp.Options{})
	first, _ := c.NewEndpoint(c.Server, udp.ProtocolNumber, ipv4.ProtocolNumber)
	bind(t, first, tcpip.FullAddress{Port: serverPort})

	second, _ := c.NewEndpoint(c.Server, udp.ProtocolNumber, ipv4.ProtocolNumber)
	if err := second.Bind(tcpip.FullAddress{Addr: context.ServerV4, Port: serverPort}); err != tcpip.ErrPortInUse {
		t.Errorf("Bind to taken port = %v, want %s", err, tcpip.ErrPortInUse)
	}
	if err := second.Bind(tcpip.FullAddress{Addr: context.ClientV4, Port: serverPort}); err != tcpip.ErrBadLocalAddress {
		t.Errorf("Bind to foreign address = %v, want %s", err, tcpip.ErrBadLocalAddress)
	}
	if err := first.Bind(tcpip.FullAddress{Port: serverPort + 1}); err != tcpip.ErrAlreadyBound {
		t.Errorf("second Bind = %v, want %s", err, tcpip.ErrAlreadyBound)
	}

	first.Close()
	if err := second.Bind(tcpip.FullAddress{Port: serverPort}); err != nil {
		t.Errorf("Bind after Close: %s", err)
	}
}

func TestChecksum(t *testing.T) {
	c := newContext(t, udp.Options{})
	server, _ := c.NewEndpoint(c.Server, udp.ProtocolNumber, ipv4.ProtocolNumber)
	bind(t, server, tcpip.FullAddress{Port: serverPort})
	client, _ := c.NewEndpoint(c.Client, udp.ProtocolNumber, ipv4.ProtocolNumber)
	to := tcpip.FullAddress{Addr: context.ServerV4, Port: serverPort}

	var corrupt bool
	c.Drop = func(toServer bool, frame []byte) bool {
		if !toServer {
			return false
		}
		udpHdr := header.UDP(frame[header.IPv4MinimumSize:])
		if corrupt {
			udpHdr.SetChecksum(^udpHdr.Checksum())
		} else {
			// IPv4 senders may omit the checksum.
			udpHdr.SetChecksum(0)
		}
		return false
	}

	writeTo(t, client, []byte("unchecked"), &to)
	c.Shuttle()
	if _, err := server.Read(make([]byte, 16), nil); err != nil {
		t.Errorf("Read of datagram without checksum: %s", err)
	}

	corrupt = true
	writeTo(t, client, []byte("corrupted"), &to)
	c.Shuttle()
	if _, err := server.Read(make([]byte, 16), nil); err != tcpip.ErrWouldBlock {
		t.Errorf("Read after corrupted datagram = %v, want %s", err, tcpip.ErrWouldBlock)
	}
	if got := c.Server.Stats().UDP.ChecksumErrors.Value(); got != 1 {
		t.Errorf("ChecksumErrors = %d, want 1", got)
	}
}

func TestDisconnect(t *testing.T) {
	c := newContext(t, udp.Options{})
	ep, _ := c.NewEndpoint(c.Client, udp.ProtocolNumber, ipv4.ProtocolNumber)
	if err := ep.Connect(tcpip.FullAddress{Addr: context.ServerV4, Port: serverPort}); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	if _, err := ep.GetRemoteAddress(); err != nil {
		t.Fatalf("GetRemoteAddress: %s", err)
	}
	if err := ep.Connect(tcpip.FullAddress{}); err != nil {
		t.Fatalf("Connect to unspecified address: %s", err)
	}
	if _, err := ep.GetRemoteAddress(); err != tcpip.ErrNotConnected {
		t.Errorf("GetRemoteAddress after disconnect = %v, want %s", err, tcpip.ErrNotConnected)
	}
	if got, want := udp.EndpointState(ep.State()), udp.StateBound; got != want {
		t.Errorf("State = %s, want %s", got, want)
	}
}

func TestCloseReleasesPort(t *testing.T) {
	c := newContext(t, udp.Options{})
	ep, wq := c.NewEndpoint(c.Server, udp.ProtocolNumber, ipv4.ProtocolNumber)
	bind(t, ep, tcpip.FullAddress{Port: serverPort})
	we, ch := waiter.NewChannelEntry(nil)
	wq.EventRegister(&we, waiter.EventHUp)
	defer wq.EventUnregister(&we)

	ep.Close()
	select {
	case <-ch:
	default:
		t.Errorf("no EventHUp notification on Close")
	}
	if got := c.Server.PortManager().Reserved(); got != 0 {
		t.Errorf("Reserved() = %d, want 0", got)
	}
	if _, err := ep.Read(make([]byte, 1), nil); err != tcpip.ErrClosedForReceive {
		t.Errorf("Read after Close = %v, want %s", err, tcpip.ErrClosedForReceive)
	}
}
