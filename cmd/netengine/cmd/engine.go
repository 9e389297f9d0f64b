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
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"time"

	"netengine.dev/netengine/pkg/config"
	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/iptables"
	"netengine.dev/netengine/pkg/tcpip/link/loopback"
	"netengine.dev/netengine/pkg/tcpip/link/sniffer"
	"netengine.dev/netengine/pkg/tcpip/link/waitable"
	"netengine.dev/netengine/pkg/tcpip/network/ipv4"
	"netengine.dev/netengine/pkg/tcpip/network/ipv6"
	"netengine.dev/netengine/pkg/tcpip/routetable"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/transport/icmp"
	"netengine.dev/netengine/pkg/tcpip/transport/tcp"
	"netengine.dev/netengine/pkg/tcpip/transport/udp"
)

const (
	defaultTUNMTU = 1500

	// pcapSnapLen keeps whole datagrams.
	pcapSnapLen = 65536

	// firewallLogEvery bounds the rate of records from log rules.
	firewallLogEvery = 100 * time.Millisecond
)

// engineOptions are the command line knobs of an engine.
type engineOptions struct {
	// PCAPDir, when set, receives one capture file per interface.
	PCAPDir string

	// Sniff logs a summary of every packet.
	Sniff bool

	// Stack is merged into the options derived from the configuration.
	Stack stack.Options
}

// nicLink is the link stack of one configured interface. The stack only sees
// gate; stop tears the rest down.
type nicLink struct {
	name string
	id   tcpip.NICID
	gate *waitable.Endpoint
	stop func()
}

// engine is a stack built from a configuration.
type engine struct {
	conf     *config.Config
	logger   *log.BasicLogger
	stack    *stack.Stack
	firewall *iptables.Engine
	links    []*nicLink

	// linkErrs receives the error of every link whose device went away.
	linkErrs chan error
}

// newEngine builds the stack, its interfaces, routes and firewall from conf.
func newEngine(ctx context.Context, conf *config.Config, opts engineOptions) (*engine, error) {
	e := &engine{
		conf:     conf,
		logger:   log.Log(),
		linkErrs: make(chan error, len(conf.Interfaces)),
	}

	so := conf.StackOptions()
	so.Clock = opts.Stack.Clock
	so.ManualSweep = opts.Stack.ManualSweep
	so.Logger = e.logger
	so.RouteTable = routetable.New()
	so.NetworkProtocols = []stack.NetworkProtocolFactory{
		ipv4.NewProtocolWithOptions(conf.IPv4Options()),
		ipv6.NewProtocolWithOptions(conf.IPv6Options()),
	}
	so.TransportProtocols = []stack.TransportProtocolFactory{
		tcp.NewProtocolWithOptions(conf.TCPOptions()),
		udp.NewProtocolWithOptions(conf.UDPOptions()),
		icmp.NewProtocol4,
		icmp.NewProtocol6,
	}
	e.stack = stack.New(so)

	if err := e.addInterfaces(ctx, opts); err != nil {
		e.Close()
		return nil, err
	}

	routes, err := conf.RouteEntries(e.nicByName)
	if err != nil {
		e.Close()
		return nil, err
	}
	for _, r := range routes {
		if err := e.stack.RouteTable().Add(r); err != nil {
			e.Close()
			return nil, fmt.Errorf("route %s: %w", r.Destination, err)
		}
	}

	if conf.Firewall.Enabled {
		fo, err := conf.FirewallOptions()
		if err != nil {
			e.Close()
			return nil, err
		}
		fo.Clock = e.stack.Clock()
		fo.Timers = e.stack.Timers()
		fo.Logger = log.RateLimitedLogger(e.logger.With(log.Fields{"component": "firewall"}), firewallLogEvery)
		e.firewall = iptables.NewEngine(fo)
		if err := conf.ApplyFirewall(e.firewall, e.nicByName); err != nil {
			e.Close()
			return nil, err
		}
		e.stack.SetFirewall(e.firewall)
	}
	return e, nil
}

func (e *engine) addInterfaces(ctx context.Context, opts engineOptions) error {
	for i, ifc := range e.conf.Interfaces {
		id := tcpip.NICID(i + 1)
		logger := e.logger.With(log.Fields{"nic": ifc.Name})

		var (
			lower stack.LinkEndpoint
			stop  func()
			err   error
		)
		switch ifc.Kind {
		case "loopback":
			ep := loopback.New()
			lower, stop = ep, ep.Close
		default:
			mtu := ifc.MTU
			if mtu == 0 {
				mtu = defaultTUNMTU
			}
			lower, stop, err = openTUN(ctx, ifc.Name, mtu, func(err *tcpip.Error) {
				logger.Warningf("link closed: %v", err)
				e.linkErrs <- fmt.Errorf("interface %s: %w", ifc.Name, err)
			})
			if err != nil {
				return err
			}
		}

		if opts.PCAPDir != "" {
			f, err := os.Create(filepath.Join(opts.PCAPDir, ifc.Name+".pcap"))
			if err != nil {
				stop()
				return err
			}
			lower, err = sniffer.NewWithWriter(lower, f, pcapSnapLen)
			if err != nil {
				f.Close()
				stop()
				return err
			}
			prev := stop
			stop = func() {
				prev()
				f.Close()
			}
		} else if opts.Sniff {
			lower = sniffer.New(lower)
		}

		l := &nicLink{name: ifc.Name, id: id, gate: waitable.New(lower), stop: stop}
		e.links = append(e.links, l)
		if err := e.stack.CreateNIC(id, l.gate, stack.NICOptions{Name: ifc.Name}); err != nil {
			return fmt.Errorf("interface %s: %w", ifc.Name, err)
		}
		for _, a := range ifc.Addresses {
			p, err := netip.ParsePrefix(a)
			if err != nil {
				return fmt.Errorf("interface %s: %w", ifc.Name, err)
			}
			if err := e.stack.AddAddress(id, p); err != nil {
				return fmt.Errorf("interface %s: address %s: %w", ifc.Name, p, err)
			}
		}
		if ifc.Kind != "loopback" && len(ifc.HostAddresses) > 0 {
			if err := configureHost(ifc.Name, ifc.MTU, ifc.HostAddresses); err != nil {
				return fmt.Errorf("interface %s: %w", ifc.Name, err)
			}
		}
		logger.Infof("interface up: id %d, mtu %d, addresses %v", id, l.gate.MTU(), ifc.Addresses)
	}
	return nil
}

// nicByName resolves configured interface names.
func (e *engine) nicByName(name string) (tcpip.NICID, bool) {
	for _, l := range e.links {
		if l.name == name {
			return l.id, true
		}
	}
	return 0, false
}

// Close stops the links, then the stack and the firewall.
func (e *engine) Close() {
	for _, l := range e.links {
		l.gate.WaitWrite()
	}
	for _, l := range e.links {
		l.gate.WaitDispatch()
	}
	e.stack.Close()
	for _, l := range e.links {
		l.stop()
	}
	e.stack.Wait()
	if e.firewall != nil {
		e.firewall.Close()
	}
}
