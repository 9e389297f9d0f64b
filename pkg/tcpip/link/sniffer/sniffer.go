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

// Package sniffer provides the implementation of data-link layer endpoints that
// wrap another endpoint and logs inbound and outbound packets.
//
// Sniffer endpoints can be used in the networking stack by calling New(lower)
// to create a new endpoint wrapping lower, and then passing it as an argument
// to Stack.CreateNIC().
package sniffer

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

// LogPackets is a flag used to enable or disable packet logging via the log
// package.
var LogPackets atomic.Bool

// LogPacketsToPCAP is a flag used to enable or disable logging packets to a
// pcap writer. A writer must have been specified when the sniffer was created
// for this flag to have effect.
var LogPacketsToPCAP atomic.Bool

func init() {
	LogPackets.Store(true)
	LogPacketsToPCAP.Store(true)
}

type endpoint struct {
	lower stack.LinkEndpoint

	mu         sync.RWMutex
	dispatcher stack.NetworkDispatcher

	pcapMu  sync.Mutex
	pcap    *pcapgo.Writer
	snapLen uint32
}

var _ stack.LinkEndpoint = (*endpoint)(nil)
var _ stack.NetworkDispatcher = (*endpoint)(nil)

// New creates a new sniffer link-layer endpoint. It wraps around another
// endpoint and logs packets and they traverse the endpoint.
func New(lower stack.LinkEndpoint) stack.LinkEndpoint {
	return &endpoint{lower: lower}
}

// NewWithWriter creates a new sniffer link-layer endpoint. It wraps around
// another endpoint and logs packets as they traverse the endpoint.
//
// Packets are logged to writer in the pcap format. A sniffer created with this
// function will not emit packets using the standard log package.
//
// snapLen is the maximum amount of a packet to be saved. Packets with a length
// less than or equal to snapLen will be saved in their entirety. Longer
// packets will be truncated to snapLen.
func NewWithWriter(lower stack.LinkEndpoint, writer io.Writer, snapLen uint32) (stack.LinkEndpoint, error) {
	w := pcapgo.NewWriter(writer)
	if err := w.WriteFileHeader(snapLen, layers.LinkTypeRaw); err != nil {
		return nil, err
	}
	return &endpoint{lower: lower, pcap: w, snapLen: snapLen}, nil
}

// DeliverNetworkPacket implements the stack.NetworkDispatcher interface. It is
// called by the link-layer endpoint being wrapped when a packet arrives, and
// logs the packet before forwarding to the actual dispatcher.
func (e *endpoint) DeliverNetworkPacket(pkt *buffer.PacketBuffer) {
	e.dumpPacket("recv", pkt.Data())
	e.mu.RLock()
	d := e.dispatcher
	e.mu.RUnlock()
	if d == nil {
		pkt.Release()
		return
	}
	d.DeliverNetworkPacket(pkt)
}

// WritePacket implements the stack.LinkEndpoint interface. It is called by
// higher-level protocols to write packets; it just logs the packet and
// forwards the request to the lower endpoint.
func (e *endpoint) WritePacket(pkt *buffer.PacketBuffer) *tcpip.Error {
	e.dumpPacket("send", pkt.Data())
	return e.lower.WritePacket(pkt)
}

// Attach implements stack.LinkEndpoint. The sniffer sits between the lower
// endpoint and dispatcher.
func (e *endpoint) Attach(dispatcher stack.NetworkDispatcher) {
	e.mu.Lock()
	e.dispatcher = dispatcher
	e.mu.Unlock()
	if dispatcher == nil {
		e.lower.Attach(nil)
		return
	}
	e.lower.Attach(e)
}

// IsAttached implements stack.LinkEndpoint.
func (e *endpoint) IsAttached() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dispatcher != nil
}

// MTU implements stack.LinkEndpoint.
func (e *endpoint) MTU() uint32 { return e.lower.MTU() }

// LinkUp implements stack.LinkEndpoint.
func (e *endpoint) LinkUp() bool { return e.lower.LinkUp() }

// Wait implements stack.LinkEndpoint.
func (e *endpoint) Wait() { e.lower.Wait() }

func (e *endpoint) dumpPacket(prefix string, b []byte) {
	if e.pcap == nil {
		if LogPackets.Load() && log.IsLogging(log.Info) {
			log.Infof("%s %s", prefix, Summary(b))
		}
		return
	}
	if !LogPacketsToPCAP.Load() {
		return
	}
	data := b
	if len(data) > int(e.snapLen) {
		data = data[:e.snapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(b),
	}
	e.pcapMu.Lock()
	defer e.pcapMu.Unlock()
	if err := e.pcap.WritePacket(ci, data); err != nil {
		log.Warningf("sniffer: pcap write failed: %v", err)
	}
}

// Summary describes the IP datagram in b on one line: addresses, ports,
// transport details and sizes.
func Summary(b []byte) string {
	var first gopacket.LayerType
	switch header.IPVersion(b) {
	case header.IPv4Version:
		first = layers.LayerTypeIPv4
	case header.IPv6Version:
		first = layers.LayerTypeIPv6
	default:
		return "unknown network protocol"
	}
	p := gopacket.NewPacket(b, first, gopacket.DecodeOptions{Lazy: true, NoCopy: true})

	var sb strings.Builder
	var src, dst string
	switch n := p.NetworkLayer().(type) {
	case *layers.IPv4:
		src, dst = n.SrcIP.String(), n.DstIP.String()
		fmt.Fprintf(&sb, "ipv4 id:%d ttl:%d", n.Id, n.TTL)
		if n.FragOffset != 0 || n.Flags&layers.IPv4MoreFragments != 0 {
			fmt.Fprintf(&sb, " frag off:%d more:%t", int(n.FragOffset)*8, n.Flags&layers.IPv4MoreFragments != 0)
		}
	case *layers.IPv6:
		src, dst = n.SrcIP.String(), n.DstIP.String()
		fmt.Fprintf(&sb, "ipv6 hop:%d", n.HopLimit)
	default:
		return "malformed ip datagram"
	}

	switch t := p.TransportLayer().(type) {
	case *layers.TCP:
		fmt.Fprintf(&sb, " tcp %s:%d -> %s:%d len:%d seq:%d ack:%d win:%d flags:%s",
			src, t.SrcPort, dst, t.DstPort, len(t.Payload), t.Seq, t.Ack, t.Window, tcpFlags(t))
	case *layers.UDP:
		fmt.Fprintf(&sb, " udp %s:%d -> %s:%d len:%d", src, t.SrcPort, dst, t.DstPort, len(t.Payload))
	default:
		if l := p.Layer(layers.LayerTypeICMPv4); l != nil {
			icmp := l.(*layers.ICMPv4)
			fmt.Fprintf(&sb, " icmp %s -> %s %s id:%d seq:%d", src, dst, icmp.TypeCode, icmp.Id, icmp.Seq)
		} else if l := p.Layer(layers.LayerTypeICMPv6); l != nil {
			fmt.Fprintf(&sb, " icmpv6 %s -> %s %s", src, dst, l.(*layers.ICMPv6).TypeCode)
		} else {
			fmt.Fprintf(&sb, " %s -> %s", src, dst)
		}
	}
	fmt.Fprintf(&sb, " size:%d", len(b))
	return sb.String()
}

func tcpFlags(t *layers.TCP) string {
	var f []byte
	for _, v := range []struct {
		set bool
		c   byte
	}{{t.FIN, 'F'}, {t.SYN, 'S'}, {t.RST, 'R'}, {t.PSH, 'P'}, {t.ACK, 'A'}, {t.URG, 'U'}} {
		if v.set {
			f = append(f, v.c)
		} else {
			f = append(f, ' ')
		}
	}
	return string(f)
}
