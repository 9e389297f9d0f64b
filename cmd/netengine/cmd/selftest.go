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

package cmd

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/google/subcommands"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"
	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/adapters/gonet"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/iptables"
	"netengine.dev/netengine/pkg/tcpip/link/pipe"
	"netengine.dev/netengine/pkg/tcpip/network/ipv4"
	"netengine.dev/netengine/pkg/tcpip/network/ipv6"
	"netengine.dev/netengine/pkg/tcpip/routetable"
	"netengine.dev/netengine/pkg/tcpip/socket"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/transport/icmp"
	"netengine.dev/netengine/pkg/tcpip/transport/tcp"
	"netengine.dev/netengine/pkg/tcpip/transport/udp"
)

// The self test network: a client behind a masquerading router, talking to a
// server on the router's WAN side.
var (
	clientV4 = netip.MustParsePrefix("10.0.1.2/24")
	clientV6 = netip.MustParsePrefix("fd00:1::2/64")
	lanV4    = netip.MustParsePrefix("10.0.1.1/24")
	lanV6    = netip.MustParsePrefix("fd00:1::1/64")
	wanV4    = netip.MustParsePrefix("192.168.0.1/24")
	wanV6    = netip.MustParsePrefix("fd00:2::1/64")
	serverV4 = netip.MustParsePrefix("192.168.0.2/24")
	serverV6 = netip.MustParsePrefix("fd00:2::2/64")
)

const (
	lanMTU = 1500

	// wanMTU is small enough that large datagrams are fragmented again on
	// the way out of the router.
	wanMTU = 1280

	echoPort = 7
)

// selfTest is a three stack network connected by pipes.
type selfTest struct {
	client, router, server *stack.Stack
	firewall               *iptables.Engine
	sockets                *socket.Table
	pipes                  []*pipe.Endpoint
	out                    io.Writer
}

func newStack(opts stack.Options) *stack.Stack {
	opts.NetworkProtocols = []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol}
	opts.TransportProtocols = []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol, icmp.NewProtocol4, icmp.NewProtocol6}
	return stack.New(opts)
}

func addNIC(s *stack.Stack, id tcpip.NICID, ep stack.LinkEndpoint, addrs ...netip.Prefix) error {
	if err := s.CreateNIC(id, ep, stack.NICOptions{}); err != nil {
		return err
	}
	for _, a := range addrs {
		if err := s.AddAddress(id, a); err != nil {
			return fmt.Errorf("adding %s: %w", a, err)
		}
	}
	return nil
}

func addDefaultRoutes(s *stack.Stack, id tcpip.NICID, gws ...netip.Prefix) error {
	for _, gw := range gws {
		dst := netip.PrefixFrom(netip.IPv4Unspecified(), 0)
		if gw.Addr().Is6() {
			dst = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
		}
		if err := s.RouteTable().Add(routetable.Entry{Destination: dst, Gateway: gw.Addr(), NIC: id, Kind: routetable.KindDefault}); err != nil {
			return err
		}
	}
	return nil
}

func newSelfTest(out io.Writer) (*selfTest, error) {
	st := &selfTest{out: out}
	logger := log.Log().With(log.Fields{"component": "selftest"})

	lanClient, lanRouter := pipe.New(lanMTU)
	wanRouter, wanServer := pipe.New(wanMTU)
	st.pipes = []*pipe.Endpoint{lanClient, lanRouter, wanRouter, wanServer}

	st.client = newStack(stack.Options{Logger: logger.With(log.Fields{"host": "client"})})
	st.router = newStack(stack.Options{Forwarding: true, Logger: logger.With(log.Fields{"host": "router"})})
	st.server = newStack(stack.Options{Logger: logger.With(log.Fields{"host": "server"})})

	st.firewall = iptables.NewEngine(iptables.Options{
		DefaultPolicy: iptables.Allow,
		Stateful:      true,
		Timers:        st.router.Timers(),
	})
	st.router.SetFirewall(st.firewall)

	for _, step := range []func() error{
		func() error { return addNIC(st.client, 1, lanClient, clientV4, clientV6) },
		func() error { return addDefaultRoutes(st.client, 1, lanV4, lanV6) },
		func() error { return addNIC(st.router, 1, lanRouter, lanV4, lanV6) },
		func() error { return addNIC(st.router, 2, wanRouter, wanV4, wanV6) },
		func() error { return addNIC(st.server, 1, wanServer, serverV4, serverV6) },
		func() error { return addDefaultRoutes(st.server, 1, wanV4, wanV6) },
		func() error {
			_, err := st.firewall.AddNATRule(iptables.NATRule{
				Kind: iptables.Masquerade,
				Src:  clientV4.Masked(),
				NIC:  2,
			})
			return asErr(err)
		},
	} {
		if err := step(); err != nil {
			st.Close()
			return nil, err
		}
	}
	st.sockets = socket.NewTable(st.client, socket.Options{})
	return st, nil
}

// asErr avoids wrapping a nil *tcpip.Error in a non-nil error.
func asErr(err *tcpip.Error) error {
	if err == nil {
		return nil
	}
	return err
}

func (st *selfTest) Close() {
	if st.sockets != nil {
		st.sockets.CloseAll()
	}
	stacks := []*stack.Stack{st.client, st.router, st.server}
	for _, s := range stacks {
		if s != nil {
			s.Close()
		}
	}
	for _, p := range st.pipes {
		p.Close()
	}
	for _, s := range stacks {
		if s != nil {
			s.Wait()
		}
	}
	if st.firewall != nil {
		st.firewall.Close()
	}
}

// pattern returns n bytes that do not repeat with a period of 256.
func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i ^ i>>8)
	}
	return b
}

// tcpEcho sends a stream through the NAT and reads it back.
func (st *selfTest) tcpEcho(ctx context.Context) error {
	ln, err := gonet.ListenTCP(st.server, tcpip.FullAddress{Addr: serverV4.Addr(), Port: echoPort}, ipv4.ProtocolNumber)
	if err != nil {
		return err
	}
	defer ln.Close()

	var peer net.Addr
	g, ctx := errgroup.WithContext(ctx)
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	g.Go(func() error {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		defer c.Close()
		peer = c.RemoteAddr()
		_, err = io.Copy(c, c)
		return err
	})

	want := pattern(256 << 10)
	got := make([]byte, 0, len(want))
	g.Go(func() error {
		h, err := st.sockets.Socket(socket.Stream, ipv4.ProtocolNumber)
		if err != nil {
			return err
		}
		defer st.sockets.Close(h)
		if err := st.sockets.Connect(ctx, h, tcpip.FullAddress{Addr: serverV4.Addr(), Port: echoPort}); err != nil {
			return err
		}
		wg, wctx := errgroup.WithContext(ctx)
		wg.Go(func() error {
			if _, err := st.sockets.Send(wctx, h, want); err != nil {
				return err
			}
			return st.sockets.Shutdown(h, tcpip.ShutdownWrite)
		})
		buf := make([]byte, 16<<10)
		for {
			n, err := st.sockets.Recv(ctx, h, buf)
			got = append(got, buf[:n]...)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
		}
		return wg.Wait()
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if !bytes.Equal(got, want) {
		return fmt.Errorf("echoed %d bytes differ from the %d sent", len(got), len(want))
	}
	if ap, err := netip.ParseAddrPort(peer.String()); err != nil || ap.Addr() != wanV4.Addr() {
		return fmt.Errorf("server saw peer %v, want the router's address %s", peer, wanV4.Addr())
	}
	return nil
}

// udpEcho sends one datagram of size bytes and waits for its echo.
func (st *selfTest) udpEcho(ctx context.Context, server netip.Addr, size int) error {
	netProto := header.IPv4ProtocolNumber
	if server.Is6() {
		netProto = header.IPv6ProtocolNumber
	}
	conn, err := gonet.DialUDP(st.server, &tcpip.FullAddress{Addr: server, Port: echoPort}, nil, netProto)
	if err != nil {
		return err
	}
	defer conn.Close()

	g, ctx := errgroup.WithContext(ctx)
	// The server blocks until the datagram arrives. Closing the conn
	// releases it when the client gives up.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	g.Go(func() error {
		buf := make([]byte, 64<<10)
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			return err
		}
		_, err = conn.WriteTo(buf[:n], from)
		return err
	})
	g.Go(func() error {
		h, err := st.sockets.Socket(socket.Datagram, netProto)
		if err != nil {
			return err
		}
		defer st.sockets.Close(h)
		to := tcpip.FullAddress{Addr: server, Port: echoPort}
		want := pattern(size)
		if _, err := st.sockets.SendTo(ctx, h, want, to); err != nil {
			return err
		}
		buf := make([]byte, size+1)
		n, from, err := st.sockets.RecvFrom(ctx, h, buf)
		if err != nil {
			return err
		}
		if from.Addr != server || from.Port != echoPort {
			return fmt.Errorf("reply from %s:%d, want %s:%d", from.Addr, from.Port, server, echoPort)
		}
		if !bytes.Equal(buf[:n], want) {
			return fmt.Errorf("echoed %d bytes differ from the %d sent", n, size)
		}
		return nil
	})
	return g.Wait()
}

func (st *selfTest) ping(ctx context.Context, target netip.Addr, raw bool) error {
	p := &pinger{
		table:    st.sockets,
		target:   target,
		count:    3,
		interval: 10 * time.Millisecond,
		timeout:  time.Second,
		size:     56,
		raw:      raw,
	}
	stats, err := p.run(ctx)
	if err != nil {
		return err
	}
	if stats.Received != stats.Sent {
		return fmt.Errorf("%d of %d echo requests answered", stats.Received, stats.Sent)
	}
	return nil
}

// check is one self test step.
type check struct {
	name string
	run  func(context.Context) error
}

func (st *selfTest) checks() []check {
	return []check{
		{"tcp echo through NAT", st.tcpEcho},
		{"udp echo through NAT", func(ctx context.Context) error { return st.udpEcho(ctx, serverV4.Addr(), 512) }},
		{"udp echo, fragmented", func(ctx context.Context) error { return st.udpEcho(ctx, serverV4.Addr(), 4000) }},
		{"udp echo over IPv6, fragmented", func(ctx context.Context) error { return st.udpEcho(ctx, serverV6.Addr(), 3000) }},
		{"ping", func(ctx context.Context) error { return st.ping(ctx, serverV4.Addr(), false) }},
		{"ping IPv6", func(ctx context.Context) error { return st.ping(ctx, serverV6.Addr(), false) }},
		{"raw ping", func(ctx context.Context) error { return st.ping(ctx, lanV4.Addr(), true) }},
		{"connection tracking", func(context.Context) error {
			if n := st.firewall.Connections(); n == 0 {
				return errors.New("no tracked connections")
			}
			if n := st.router.Stats().NAT.Translated.Value(); n == 0 {
				return errors.New("no translated packets")
			}
			return nil
		}},
	}
}

// run executes every check, each bounded by timeout, and reports the number
// of failures.
func (st *selfTest) run(ctx context.Context, timeout time.Duration) int {
	failed := 0
	for _, c := range st.checks() {
		cctx, cancel := context.WithTimeout(ctx, timeout)
		start := time.Now()
		err := c.run(cctx)
		cancel()
		if err != nil {
			failed++
			fmt.Fprintf(st.out, "FAIL  %-32s %v\n", c.name, err)
			continue
		}
		fmt.Fprintf(st.out, "ok    %-32s %v\n", c.name, time.Since(start).Round(time.Microsecond))
	}
	return failed
}

// SelfTest implements subcommands.Command for the "selftest" command.
type SelfTest struct {
	timeout time.Duration
	metrics bool
}

// Name implements subcommands.Command.Name.
func (*SelfTest) Name() string {
	return "selftest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*SelfTest) Synopsis() string {
	return "exercise the stack over an in-memory network"
}

// Usage implements subcommands.Command.Usage.
func (*SelfTest) Usage() string {
	return `selftest [flags] - run TCP, UDP, fragmentation, NAT and ping checks between three in-memory stacks.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *SelfTest) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&s.timeout, "timeout", 10*time.Second, "time limit of each check.")
	f.BoolVar(&s.metrics, "metrics", false, "print the router's metrics after the checks.")
}

// Execute implements subcommands.Command.Execute.
func (s *SelfTest) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	g := args[0].(*Global)
	st, err := newSelfTest(g.stdout())
	if err != nil {
		return failure("building test network: %v", err)
	}
	defer st.Close()
	failed := st.run(ctx, s.timeout)
	if s.metrics {
		if err := st.writeMetrics(g.stdout()); err != nil {
			return failure("writing metrics: %v", err)
		}
	}
	if failed > 0 {
		return failure("%d checks failed", failed)
	}
	return subcommands.ExitSuccess
}

// writeMetrics writes the router's metrics in the Prometheus text format.
func (st *selfTest) writeMetrics(w io.Writer) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(stack.NewCollector(st.router)); err != nil {
		return err
	}
	mfs, err := reg.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
