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

//go:build linux

// This sample creates a stack with TCP and IPv4/IPv6 protocols on top of a
// TUN device, and listens on a port. Data received by the server in the
// accepted connections is echoed back to the clients.
package main

import (
	"flag"
	"net/netip"
	"os"
	"strconv"

	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/link/fdbased"
	"netengine.dev/netengine/pkg/tcpip/link/tun"
	"netengine.dev/netengine/pkg/tcpip/network/ipv4"
	"netengine.dev/netengine/pkg/tcpip/network/ipv6"
	"netengine.dev/netengine/pkg/tcpip/routetable"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/transport/tcp"
	"netengine.dev/netengine/pkg/waiter"
)

var mtu = flag.Uint("mtu", 1500, "MTU of the tun device")

func fatalf(format string, v ...any) {
	log.Warningf(format, v...)
	os.Exit(1)
}

func echo(wq *waiter.Queue, ep tcpip.Endpoint) {
	defer ep.Close()

	// Create wait queue entry that notifies a channel.
	waitEntry, notifyCh := waiter.NewChannelEntry(nil)

	wq.EventRegister(&waitEntry, waiter.EventIn)
	defer wq.EventUnregister(&waitEntry)

	writeEntry, writeCh := waiter.NewChannelEntry(nil)
	wq.EventRegister(&writeEntry, waiter.EventOut)
	defer wq.EventUnregister(&writeEntry)

	buf := make([]byte, 16<<10)
	for {
		n, err := ep.Read(buf, nil)
		if err != nil {
			if err == tcpip.ErrWouldBlock {
				<-notifyCh
				continue
			}

			return
		}

		for v := buf[:n]; len(v) > 0; {
			m, err := ep.Write(v, tcpip.WriteOptions{})
			v = v[m:]
			if err == tcpip.ErrWouldBlock {
				<-writeCh
				continue
			}
			if err != nil {
				return
			}
		}
	}
}

func main() {
	flag.Parse()
	if len(flag.Args()) != 3 {
		fatalf("Usage: %s <tun-device> <local-address/prefix> <local-port>", os.Args[0])
	}

	tunName := flag.Arg(0)
	addrName := flag.Arg(1)
	portName := flag.Arg(2)

	// Parse the IP address. Support both ipv4 and ipv6.
	prefix, err := netip.ParsePrefix(addrName)
	if err != nil {
		fatalf("Bad IP address: %v", addrName)
	}
	proto := tcpip.NetworkProtocolFor(prefix.Addr())

	localPort, err := strconv.ParseUint(portName, 10, 16)
	if err != nil {
		fatalf("Unable to convert port %v: %v", portName, err)
	}

	// Create the stack with ip and tcp protocols, then add a tun-based
	// NIC and address.
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol},
	})

	fd, err := tun.Open(tunName)
	if err != nil {
		fatalf("%v", err)
	}

	linkEP, err := fdbased.New(&fdbased.Options{
		FD:  fd,
		MTU: uint32(*mtu),
	})
	if err != nil {
		fatalf("%v", err)
	}
	if err := s.CreateNIC(1, linkEP, stack.NICOptions{Name: tunName}); err != nil {
		fatalf("%v", err)
	}

	if err := s.AddAddress(1, prefix); err != nil {
		fatalf("%v", err)
	}

	// Add default route.
	if err := s.RouteTable().Add(routetable.Entry{
		Destination: netip.PrefixFrom(prefix.Addr(), 0).Masked(),
		NIC:         1,
		Kind:        routetable.KindDefault,
	}); err != nil {
		fatalf("%v", err)
	}

	// Create TCP endpoint, bind it, then start listening.
	var wq waiter.Queue
	ep, e := s.NewEndpoint(tcp.ProtocolNumber, proto, &wq)
	if e != nil {
		fatalf("%v", e)
	}

	defer ep.Close()

	if err := ep.Bind(tcpip.FullAddress{Port: uint16(localPort)}); err != nil {
		fatalf("Bind failed: %v", err)
	}

	if err := ep.Listen(10); err != nil {
		fatalf("Listen failed: %v", err)
	}

	// Wait for connections to appear.
	waitEntry, notifyCh := waiter.NewChannelEntry(nil)
	wq.EventRegister(&waitEntry, waiter.EventIn)
	defer wq.EventUnregister(&waitEntry)

	for {
		n, wq, err := ep.Accept(nil)
		if err != nil {
			if err == tcpip.ErrWouldBlock {
				<-notifyCh
				continue
			}

			fatalf("Accept() failed: %v", err)
		}

		go echo(wq, n)
	}
}
