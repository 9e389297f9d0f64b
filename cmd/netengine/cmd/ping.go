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
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/netip"
	"time"

	"github.com/google/subcommands"
	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/socket"
	"netengine.dev/netengine/pkg/tcpip/transport/icmp"
)

// pingStats summarizes a ping run.
type pingStats struct {
	Target   netip.Addr
	Sent     int
	Received int
	RTTs     []time.Duration
}

// Loss returns the fraction of unanswered requests, in percent.
func (s pingStats) Loss() float64 {
	if s.Sent == 0 {
		return 0
	}
	return 100 * float64(s.Sent-s.Received) / float64(s.Sent)
}

// RTT returns the minimum, average, maximum and mean deviation of the round
// trip times.
func (s pingStats) RTT() (min, avg, max, mdev time.Duration) {
	if len(s.RTTs) == 0 {
		return 0, 0, 0, 0
	}
	min, max = s.RTTs[0], s.RTTs[0]
	var sum, sum2 float64
	for _, r := range s.RTTs {
		if r < min {
			min = r
		}
		if r > max {
			max = r
		}
		sum += float64(r)
		sum2 += float64(r) * float64(r)
	}
	n := float64(len(s.RTTs))
	mean := sum / n
	return min, time.Duration(mean), max, time.Duration(math.Sqrt(math.Max(sum2/n-mean*mean, 0)))
}

func (s pingStats) write(w io.Writer) {
	fmt.Fprintf(w, "--- %s ping statistics ---\n", s.Target)
	fmt.Fprintf(w, "%d packets transmitted, %d received, %.0f%% packet loss\n", s.Sent, s.Received, s.Loss())
	if len(s.RTTs) > 0 {
		min, avg, max, mdev := s.RTT()
		fmt.Fprintf(w, "rtt min/avg/max/mdev = %v/%v/%v/%v\n", min, avg, max, mdev)
	}
}

// pinger sends echo requests over a socket table.
type pinger struct {
	table  *socket.Table
	target netip.Addr

	count    int
	interval time.Duration
	timeout  time.Duration
	size     int

	// raw uses a raw socket and matches replies by identifier itself.
	raw bool

	out io.Writer
}

func (p *pinger) protocols() (tcpip.NetworkProtocolNumber, tcpip.TransportProtocolNumber) {
	if p.target.Is4() {
		return header.IPv4ProtocolNumber, icmp.ProtocolNumber4
	}
	return header.IPv6ProtocolNumber, icmp.ProtocolNumber6
}

func (p *pinger) echo(ident, seq uint16) []byte {
	b := make([]byte, header.ICMPv4MinimumSize+p.size)
	for i := header.ICMPv4MinimumSize; i < len(b); i++ {
		b[i] = byte(i)
	}
	if p.target.Is4() {
		h := header.ICMPv4(b)
		h.SetType(header.ICMPv4Echo)
		h.SetIdent(ident)
		h.SetSequence(seq)
	} else {
		h := header.ICMPv6(b)
		h.SetType(header.ICMPv6EchoRequest)
		h.SetIdent(ident)
		h.SetSequence(seq)
	}
	return b
}

// parseReply returns the identifier and sequence of an echo reply.
func (p *pinger) parseReply(b []byte) (ident, seq uint16, ok bool) {
	if len(b) < header.ICMPv4MinimumSize {
		return 0, 0, false
	}
	if p.target.Is4() {
		h := header.ICMPv4(b)
		return h.Ident(), h.Sequence(), h.Type() == header.ICMPv4EchoReply
	}
	h := header.ICMPv6(b)
	return h.Ident(), h.Sequence(), h.Type() == header.ICMPv6EchoReply
}

// run pings until count requests were sent or ctx is done.
func (p *pinger) run(ctx context.Context) (pingStats, error) {
	stats := pingStats{Target: p.target}
	netProto, transProto := p.protocols()

	typ := socket.Datagram
	if p.raw {
		typ = socket.Raw
	}
	h, err := p.table.SocketProtocol(typ, netProto, transProto)
	if err != nil {
		return stats, fmt.Errorf("opening %s ICMP socket: %w", typ, err)
	}
	defer p.table.Close(h)
	if err := p.table.Connect(ctx, h, tcpip.FullAddress{Addr: p.target}); err != nil {
		return stats, fmt.Errorf("connecting to %s: %w", p.target, err)
	}

	// Datagram sockets replace the identifier with their own and only see
	// their replies.
	ident := uint16(rand.Uint32())
	if !p.raw {
		local, err := p.table.LocalAddress(h)
		if err != nil {
			return stats, err
		}
		ident = local.Port
	}

	sent := make(map[uint16]time.Time)
	buf := make([]byte, header.ICMPv4MinimumSize+p.size+64)
	for seq := uint16(1); int(seq) <= p.count; seq++ {
		if seq > 1 {
			select {
			case <-ctx.Done():
				return stats, nil
			case <-time.After(p.interval):
			}
		}
		sent[seq] = time.Now()
		if _, err := p.table.Send(ctx, h, p.echo(ident, seq)); err != nil {
			return stats, fmt.Errorf("sending echo request %d: %w", seq, err)
		}
		stats.Sent++

		rctx, cancel := context.WithTimeout(ctx, p.timeout)
		for {
			n, err := p.table.Recv(rctx, h, buf)
			if err != nil {
				cancel()
				if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
					log.Debugf("ping %s: request %d timed out", p.target, seq)
					break
				}
				if ctx.Err() != nil {
					return stats, nil
				}
				return stats, fmt.Errorf("receiving: %w", err)
			}
			rid, rseq, ok := p.parseReply(buf[:n])
			if !ok || rid != ident {
				continue
			}
			start, pending := sent[rseq]
			if !pending {
				continue
			}
			delete(sent, rseq)
			rtt := time.Since(start)
			stats.Received++
			stats.RTTs = append(stats.RTTs, rtt)
			if p.out != nil {
				fmt.Fprintf(p.out, "%d bytes from %s: icmp_seq=%d time=%v\n", n, p.target, rseq, rtt)
			}
			if rseq == seq {
				cancel()
				break
			}
		}
	}
	return stats, nil
}

// Ping implements subcommands.Command for the "ping" command.
type Ping struct {
	count    int
	interval time.Duration
	timeout  time.Duration
	size     int
	raw      bool
}

// Name implements subcommands.Command.Name.
func (*Ping) Name() string {
	return "ping"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Ping) Synopsis() string {
	return "send ICMP echo requests from the engine's own stack"
}

// Usage implements subcommands.Command.Usage.
func (*Ping) Usage() string {
	return `ping [flags] <address> - bring up the configured interfaces and ping address through them.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (p *Ping) SetFlags(f *flag.FlagSet) {
	f.IntVar(&p.count, "count", 4, "number of echo requests to send.")
	f.DurationVar(&p.interval, "interval", time.Second, "wait between requests.")
	f.DurationVar(&p.timeout, "timeout", time.Second, "wait for each reply.")
	f.IntVar(&p.size, "size", 56, "payload bytes per request.")
	f.BoolVar(&p.raw, "raw", false, "use a raw ICMP socket instead of a ping socket.")
}

// Execute implements subcommands.Command.Execute.
func (p *Ping) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	target, err := netip.ParseAddr(f.Arg(0))
	if err != nil {
		return failure("invalid address %q: %v", f.Arg(0), err)
	}
	if p.count < 1 || p.size < 0 {
		return failure("count must be positive and size non-negative")
	}
	g := args[0].(*Global)
	conf, err := g.loadConfig()
	if err != nil {
		return failure("loading configuration: %v", err)
	}

	e, err := newEngine(ctx, conf, engineOptions{})
	if err != nil {
		return failure("building engine: %v", err)
	}
	defer e.Close()
	table := socket.NewTable(e.stack, socket.Options{MaxSockets: conf.Stack.MaxSockets})
	defer table.CloseAll()

	pg := &pinger{
		table:    table,
		target:   target.Unmap(),
		count:    p.count,
		interval: p.interval,
		timeout:  p.timeout,
		size:     p.size,
		raw:      p.raw,
		out:      g.stdout(),
	}
	fmt.Fprintf(g.stdout(), "PING %s: %d data bytes\n", pg.target, p.size)
	stats, err := pg.run(ctx)
	stats.write(g.stdout())
	if err != nil {
		return failure("ping: %v", err)
	}
	if stats.Received == 0 {
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
