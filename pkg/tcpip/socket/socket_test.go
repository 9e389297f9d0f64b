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

package socket_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"golang.org/x/sync/errgroup"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/link/pipe"
	"netengine.dev/netengine/pkg/tcpip/network/ipv4"
	"netengine.dev/netengine/pkg/tcpip/network/ipv6"
	"netengine.dev/netengine/pkg/tcpip/socket"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/transport/icmp"
	"netengine.dev/netengine/pkg/tcpip/transport/tcp"
	tcpctx "netengine.dev/netengine/pkg/tcpip/transport/testing/context"
	"netengine.dev/netengine/pkg/tcpip/transport/udp"
	"netengine.dev/netengine/pkg/waiter"
)

var (
	clientAddr = netip.MustParseAddr("10.0.0.1")
	serverAddr = netip.MustParseAddr("10.0.0.2")
)

// hosts is a client and a server stack joined by a pipe, each with its own
// socket table.
type hosts struct {
	client, server *socket.Table
}

func newStack(t *testing.T, ep stack.LinkEndpoint, addr string) *stack.Stack {
	t.Helper()
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4, icmp.NewProtocol6},
		SweepInterval:      5 * time.Millisecond,
	})
	if err := s.CreateNIC(1, ep, stack.NICOptions{}); err != nil {
		t.Fatalf("CreateNIC: %s", err)
	}
	if err := s.AddAddress(1, netip.MustParsePrefix(addr)); err != nil {
		t.Fatalf("AddAddress(%s): %s", addr, err)
	}
	return s
}

func newHosts(t *testing.T, opts socket.Options) *hosts {
	t.Helper()
	a, b := pipe.New(1500)
	cs := newStack(t, a, "10.0.0.1/24")
	ss := newStack(t, b, "10.0.0.2/24")
	h := &hosts{
		client: socket.NewTable(cs, opts),
		server: socket.NewTable(ss, opts),
	}
	t.Cleanup(func() {
		h.client.CloseAll()
		h.server.CloseAll()
		for _, s := range []*stack.Stack{cs, ss} {
			s.Close()
		}
		a.Close()
		b.Close()
		for _, s := range []*stack.Stack{cs, ss} {
			s.Wait()
		}
	})
	return h
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func open(t *testing.T, tbl *socket.Table, typ socket.Type) socket.Handle {
	t.Helper()
	h, err := tbl.Socket(typ, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("Socket(%s): %s", typ, err)
	}
	return h
}

func listen(t *testing.T, tbl *socket.Table, port uint16) socket.Handle {
	t.Helper()
	h := open(t, tbl, socket.Stream)
	if err := tbl.Bind(h, tcpip.FullAddress{Port: port}); err != nil {
		t.Fatalf("Bind: %s", err)
	}
	if err := tbl.Listen(h, 10); err != nil {
		t.Fatalf("Listen: %s", err)
	}
	return h
}

func TestStreamChunkedRead(t *testing.T) {
	h := newHosts(t, socket.Options{})
	ctx := testContext(t)
	ln := listen(t, h.server, 80)
	want := bytes.Repeat([]byte("0123456789"), 1000)

	var g errgroup.Group
	g.Go(func() error {
		c, err := h.client.Socket(socket.Stream, ipv4.ProtocolNumber)
		if err != nil {
			return err
		}
		if err := h.client.Connect(ctx, c, tcpip.FullAddress{Addr: serverAddr, Port: 80}); err != nil {
			return err
		}
		n, err := h.client.Send(ctx, c, want)
		if err != nil {
			return err
		}
		if n != len(want) {
			return errors.New("short send")
		}
		return h.client.Close(c)
	})

	conn, peer, err := h.server.Accept(ctx, ln)
	if err != nil {
		t.Fatalf("Accept: %s", err)
	}
	if peer.Addr != clientAddr {
		t.Errorf("peer address = %s, want %s", peer.Addr, clientAddr)
	}

	var got []byte
	chunk := make([]byte, 100)
	for {
		n, err := h.server.Recv(ctx, conn, chunk)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv after %d bytes: %s", len(got), err)
		}
		if n > len(chunk) {
			t.Fatalf("Recv returned %d bytes into a %d byte buffer", n, len(chunk))
		}
		got = append(got, chunk[:n]...)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("client: %s", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("received %d bytes, want the %d bytes sent", len(got), len(want))
	}
}

func TestEcho(t *testing.T) {
	h := newHosts(t, socket.Options{})
	ctx := testContext(t)
	ln := listen(t, h.server, 7)

	var g errgroup.Group
	g.Go(func() error {
		conn, _, err := h.server.Accept(ctx, ln)
		if err != nil {
			return err
		}
		defer h.server.Close(conn)
		buf := make([]byte, 1024)
		for {
			n, err := h.server.Recv(ctx, conn, buf)
			if err == io.EOF {
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := h.server.Send(ctx, conn, buf[:n]); err != nil {
				return err
			}
		}
	})

	c := open(t, h.client, socket.Stream)
	if err := h.client.SetOption(c, tcpip.NoDelayOption(true)); err != nil {
		t.Fatalf("SetOption(NoDelay): %s", err)
	}
	if err := h.client.Connect(ctx, c, tcpip.FullAddress{Addr: serverAddr, Port: 7}); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	remote, err := h.client.RemoteAddress(c)
	if err != nil {
		t.Fatalf("RemoteAddress: %s", err)
	}
	if diff := cmp.Diff(tcpip.FullAddress{NIC: 1, Addr: serverAddr, Port: 7}, remote, cmpopts.EquateComparable(netip.Addr{})); diff != "" {
		t.Errorf("RemoteAddress mismatch (-want +got):\n%s", diff)
	}

	msg := []byte("ping over the pipe")
	if _, err := h.client.Send(ctx, c, msg); err != nil {
		t.Fatalf("Send: %s", err)
	}
	got := make([]byte, 0, len(msg))
	buf := make([]byte, 64)
	for len(got) < len(msg) {
		n, err := h.client.Recv(ctx, c, buf)
		if err != nil {
			t.Fatalf("Recv: %s", err)
		}
		got = append(got, buf[:n]...)
	}
	if diff := cmp.Diff(msg, got); diff != "" {
		t.Errorf("echo mismatch (-want +got):\n%s", diff)
	}
	if err := h.client.Shutdown(c, tcpip.ShutdownWrite); err != nil {
		t.Fatalf("Shutdown: %s", err)
	}
	if _, err := h.client.Recv(ctx, c, buf); err != io.EOF {
		t.Errorf("Recv after peer close = %v, want EOF", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("server: %s", err)
	}
}

func TestConnectRefused(t *testing.T) {
	h := newHosts(t, socket.Options{})
	c := open(t, h.client, socket.Stream)
	err := h.client.Connect(testContext(t), c, tcpip.FullAddress{Addr: serverAddr, Port: 81})
	if err != tcpip.ErrConnectionRefused {
		t.Errorf("Connect = %v, want %s", err, tcpip.ErrConnectionRefused)
	}
}

func TestNonBlockingConnect(t *testing.T) {
	h := newHosts(t, socket.Options{})
	ctx := testContext(t)
	listen(t, h.server, 80)
	c := open(t, h.client, socket.Stream)
	if err := h.client.SetNonBlocking(c, true); err != nil {
		t.Fatalf("SetNonBlocking: %s", err)
	}
	if err := h.client.Connect(ctx, c, tcpip.FullAddress{Addr: serverAddr, Port: 80}); err != tcpip.ErrConnectStarted {
		t.Fatalf("Connect = %v, want %s", err, tcpip.ErrConnectStarted)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		ev, err := h.client.Readiness(c, waiter.EventOut)
		if err != nil {
			t.Fatalf("Readiness: %s", err)
		}
		if ev != 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("connection never became writable")
		}
		time.Sleep(time.Millisecond)
	}
	if _, err := h.client.Recv(ctx, c, make([]byte, 8)); err != tcpip.ErrWouldBlock {
		t.Errorf("Recv = %v, want %s", err, tcpip.ErrWouldBlock)
	}
}

func TestAcceptCanceled(t *testing.T) {
	h := newHosts(t, socket.Options{})
	ln := listen(t, h.server, 80)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := h.server.Accept(ctx, ln); err != context.DeadlineExceeded {
		t.Fatalf("Accept = %v, want %v", err, context.DeadlineExceeded)
	}

	// The listener is still usable.
	ctx = testContext(t)
	var g errgroup.Group
	g.Go(func() error {
		c, err := h.client.Socket(socket.Stream, ipv4.ProtocolNumber)
		if err != nil {
			return err
		}
		return h.client.Connect(ctx, c, tcpip.FullAddress{Addr: serverAddr, Port: 80})
	})
	if _, _, err := h.server.Accept(ctx, ln); err != nil {
		t.Fatalf("Accept after cancel: %s", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Connect: %s", err)
	}
}

func TestReceiveTimeout(t *testing.T) {
	h := newHosts(t, socket.Options{})
	u := open(t, h.server, socket.Datagram)
	if err := h.server.Bind(u, tcpip.FullAddress{Port: 53}); err != nil {
		t.Fatalf("Bind: %s", err)
	}
	if err := h.server.SetOption(u, tcpip.ReceiveTimeoutOption(20*time.Millisecond)); err != nil {
		t.Fatalf("SetOption: %s", err)
	}
	var got tcpip.ReceiveTimeoutOption
	if err := h.server.GetOption(u, &got); err != nil {
		t.Fatalf("GetOption: %s", err)
	}
	if got != tcpip.ReceiveTimeoutOption(20*time.Millisecond) {
		t.Errorf("ReceiveTimeoutOption = %v, want 20ms", time.Duration(got))
	}

	start := time.Now()
	if _, err := h.server.Recv(testContext(t), u, make([]byte, 16)); err != tcpip.ErrWouldBlock {
		t.Fatalf("Recv = %v, want %s", err, tcpip.ErrWouldBlock)
	}
	if d := time.Since(start); d < 20*time.Millisecond {
		t.Errorf("Recv returned after %v, before the timeout", d)
	}
	if err := h.server.SetOption(u, tcpip.ReceiveTimeoutOption(-1)); err != tcpip.ErrInvalidOptionValue {
		t.Errorf("SetOption(-1) = %v, want %s", err, tcpip.ErrInvalidOptionValue)
	}
}

func TestDatagram(t *testing.T) {
	h := newHosts(t, socket.Options{})
	ctx := testContext(t)
	srv := open(t, h.server, socket.Datagram)
	if err := h.server.Bind(srv, tcpip.FullAddress{Port: 53}); err != nil {
		t.Fatalf("Bind: %s", err)
	}
	cli := open(t, h.client, socket.Datagram)
	if _, err := h.client.SendTo(ctx, cli, []byte("query"), tcpip.FullAddress{Addr: serverAddr, Port: 53}); err != nil {
		t.Fatalf("SendTo: %s", err)
	}

	buf := make([]byte, 64)
	n, from, err := h.server.RecvFrom(ctx, srv, buf)
	if err != nil {
		t.Fatalf("RecvFrom: %s", err)
	}
	if string(buf[:n]) != "query" || from.Addr != clientAddr {
		t.Errorf("RecvFrom = %q from %s, want %q from %s", buf[:n], from.Addr, "query", clientAddr)
	}
	local, err := h.client.LocalAddress(cli)
	if err != nil {
		t.Fatalf("LocalAddress: %s", err)
	}
	if local.Port != from.Port {
		t.Errorf("client port = %d, server saw %d", local.Port, from.Port)
	}

	if _, err := h.server.SendTo(ctx, srv, []byte("answer"), from); err != nil {
		t.Fatalf("SendTo: %s", err)
	}
	n, err = h.client.Recv(ctx, cli, buf)
	if err != nil {
		t.Fatalf("Recv: %s", err)
	}
	if string(buf[:n]) != "answer" {
		t.Errorf("Recv = %q, want %q", buf[:n], "answer")
	}
}

func TestPortInUse(t *testing.T) {
	h := newHosts(t, socket.Options{})
	a := open(t, h.server, socket.Datagram)
	b := open(t, h.server, socket.Datagram)
	if err := h.server.Bind(a, tcpip.FullAddress{Port: 53}); err != nil {
		t.Fatalf("Bind: %s", err)
	}
	if err := h.server.Bind(b, tcpip.FullAddress{Port: 53}); err != tcpip.ErrPortInUse {
		t.Errorf("second Bind = %v, want %s", err, tcpip.ErrPortInUse)
	}
}

func TestTooManySockets(t *testing.T) {
	h := newHosts(t, socket.Options{MaxSockets: 2})
	a := open(t, h.client, socket.Datagram)
	open(t, h.client, socket.Stream)
	if _, err := h.client.Socket(socket.Datagram, ipv4.ProtocolNumber); err != tcpip.ErrTooManySockets {
		t.Fatalf("third Socket = %v, want %s", err, tcpip.ErrTooManySockets)
	}
	if err := h.client.Close(a); err != nil {
		t.Fatalf("Close: %s", err)
	}
	open(t, h.client, socket.Datagram)
	if got := h.client.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestBadHandle(t *testing.T) {
	h := newHosts(t, socket.Options{})
	a := open(t, h.client, socket.Datagram)
	if err := h.client.Close(a); err != nil {
		t.Fatalf("Close: %s", err)
	}
	for name, err := range map[string]error{
		"Close":  h.client.Close(a),
		"Bind":   h.client.Bind(a, tcpip.FullAddress{}),
		"Listen": h.client.Listen(a, 1),
	} {
		if err != tcpip.ErrBadDescriptor {
			t.Errorf("%s on a closed handle = %v, want %s", name, err, tcpip.ErrBadDescriptor)
		}
	}
	if _, err := h.client.Send(testContext(t), a, nil); err != tcpip.ErrBadDescriptor {
		t.Errorf("Send on a closed handle = %v, want %s", err, tcpip.ErrBadDescriptor)
	}
}

func TestListenOnDatagram(t *testing.T) {
	h := newHosts(t, socket.Options{})
	u := open(t, h.client, socket.Datagram)
	if err := h.client.Listen(u, 1); err != tcpip.ErrNotSupported {
		t.Errorf("Listen = %v, want %s", err, tcpip.ErrNotSupported)
	}
}

func TestLingerClose(t *testing.T) {
	h := newHosts(t, socket.Options{})
	ctx := testContext(t)
	ln := listen(t, h.server, 80)

	c := open(t, h.client, socket.Stream)
	linger := tcpip.LingerOption{Enabled: true, Timeout: 5 * time.Second}
	if err := h.client.SetOption(c, linger); err != nil {
		t.Fatalf("SetOption(Linger): %s", err)
	}
	var got tcpip.LingerOption
	if err := h.client.GetOption(c, &got); err != nil {
		t.Fatalf("GetOption(Linger): %s", err)
	}
	if diff := cmp.Diff(linger, got); diff != "" {
		t.Errorf("LingerOption mismatch (-want +got):\n%s", diff)
	}
	if err := h.client.Connect(ctx, c, tcpip.FullAddress{Addr: serverAddr, Port: 80}); err != nil {
		t.Fatalf("Connect: %s", err)
	}
	conn, _, err := h.server.Accept(ctx, ln)
	if err != nil {
		t.Fatalf("Accept: %s", err)
	}

	data := bytes.Repeat([]byte{'x'}, 32<<10)
	var g errgroup.Group
	g.Go(func() error {
		if _, err := h.client.Send(ctx, c, data); err != nil {
			return err
		}
		// Close returns once the data and the FIN were acknowledged.
		return h.client.Close(c)
	})

	var n int
	buf := make([]byte, 4096)
	for {
		m, err := h.server.Recv(ctx, conn, buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Recv: %s", err)
		}
		n += m
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("client: %s", err)
	}
	if n != len(data) {
		t.Errorf("received %d bytes, want %d", n, len(data))
	}
}

func TestLingerTimeoutResets(t *testing.T) {
	c := tcpctx.New(t, []stack.TransportProtocolFactory{tcp.NewProtocol})
	client := socket.NewTable(c.Client, socket.Options{})
	server := socket.NewTable(c.Server, socket.Options{})
	ctx := testContext(t)
	ln := listen(t, server, 80)

	h := open(t, client, socket.Stream)
	if err := client.SetNonBlocking(h, true); err != nil {
		t.Fatalf("SetNonBlocking: %s", err)
	}
	if err := client.SetOption(h, tcpip.LingerOption{Enabled: true, Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("SetOption(Linger): %s", err)
	}
	if err := client.Connect(ctx, h, tcpip.FullAddress{Addr: tcpctx.ServerV4, Port: 80}); err != tcpip.ErrConnectStarted {
		t.Fatalf("Connect = %v, want %s", err, tcpip.ErrConnectStarted)
	}
	c.Shuttle()
	conn, _, err := server.Accept(ctx, ln)
	if err != nil {
		t.Fatalf("Accept: %s", err)
	}

	// The server never sees the data or the FIN, only the final reset.
	c.Drop = func(toServer bool, frame []byte) bool {
		seg := header.TCP(header.IPv4(frame).Payload())
		return toServer && !seg.Flags().Contains(header.TCPFlagRst)
	}
	if _, err := client.Send(ctx, h, []byte("never acknowledged")); err != nil {
		t.Fatalf("Send: %s", err)
	}
	c.Shuttle()

	done := make(chan error, 1)
	go func() { done <- client.Close(h) }()

	// Close waits on the stack clock, so it is still lingering after any
	// amount of real time until five seconds of it have passed.
	steps := 0
	for closed := false; !closed; {
		if steps == 10 {
			t.Fatal("Close still lingering after 10s")
		}
		c.Advance(time.Second)
		steps++
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("Close: %s", err)
			}
			closed = true
		case <-time.After(50 * time.Millisecond):
		}
	}
	if steps < 5 {
		t.Errorf("Close returned after %ds, want at least 5s", steps)
	}

	c.Shuttle()
	if _, err := server.Recv(ctx, conn, make([]byte, 64)); err != tcpip.ErrConnectionReset {
		t.Errorf("Recv = %v, want %s", err, tcpip.ErrConnectionReset)
	}
}

func TestRawICMP(t *testing.T) {
	h := newHosts(t, socket.Options{})
	ctx := testContext(t)
	r, err := h.client.Socket(socket.Raw, ipv4.ProtocolNumber)
	if err != nil {
		t.Fatalf("Socket(raw): %s", err)
	}
	// Echo request, identifier 1, sequence 1, checksum filled in on write.
	req := []byte{8, 0, 0, 0, 0, 1, 0, 1, 'h', 'i'}
	if _, err := h.client.SendTo(ctx, r, req, tcpip.FullAddress{Addr: serverAddr}); err != nil {
		t.Fatalf("SendTo: %s", err)
	}
	buf := make([]byte, 128)
	for {
		n, from, err := h.client.RecvFrom(ctx, r, buf)
		if err != nil {
			t.Fatalf("RecvFrom: %s", err)
		}
		// Skip anything but the echo reply.
		if n >= 8 && buf[0] == 0 {
			if from.Addr != serverAddr {
				t.Errorf("reply from %s, want %s", from.Addr, serverAddr)
			}
			if diff := cmp.Diff(req[4:], buf[4:n]); diff != "" {
				t.Errorf("reply body mismatch (-want +got):\n%s", diff)
			}
			return
		}
	}
}
