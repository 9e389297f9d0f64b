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

package iptables

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/transport/tcpconntrack"
)

// Connection tracking is used to track and manipulate packets for NAT rules
// and the stateful firewall. Every connection contains two tuples (original
// and reply). The reply tuple is what the answers look like on the wire once
// NAT rules have been applied, so a packet matching either tuple is mapped
// back to its connection and direction.

// ctDirection is the direction of a packet within its connection.
type ctDirection int

const (
	dirOriginal ctDirection = iota
	dirReply
)

func (d ctDirection) String() string {
	if d == dirOriginal {
		return "original"
	}
	return "reply"
}

// tupleID identifies one direction of a flow.
type tupleID struct {
	srcAddr    netip.Addr
	srcPort    uint16
	dstAddr    netip.Addr
	dstPort    uint16
	transProto tcpip.TransportProtocolNumber
	netProto   tcpip.NetworkProtocolNumber
}

// reply returns the tuple of a packet travelling the other way.
func (t tupleID) reply() tupleID {
	return tupleID{
		srcAddr:    t.dstAddr,
		srcPort:    t.dstPort,
		dstAddr:    t.srcAddr,
		dstPort:    t.srcPort,
		transProto: t.transProto,
		netProto:   t.netProto,
	}
}

func (t tupleID) String() string {
	return fmt.Sprintf("%s %s -> %s", t.transProto,
		netip.AddrPortFrom(t.srcAddr, t.srcPort), netip.AddrPortFrom(t.dstAddr, t.dstPort))
}

func packetTuple(p *Packet) tupleID {
	return tupleID{
		srcAddr:    p.Src,
		srcPort:    p.SrcPort,
		dstAddr:    p.Dst,
		dstPort:    p.DstPort,
		transProto: p.Proto,
		netProto:   p.NetProto,
	}
}

// tupleHolder is a map value: the connection and the direction the key
// tuple describes.
type tupleHolder struct {
	conn *conn
	dir  ctDirection
}

// conn is a tracked connection.
type conn struct {
	// original is set at creation and is immutable.
	original tupleID

	mu struct {
		sync.Mutex

		// reply is the expected reply tuple. It changes only when the
		// outbound half of NAT is decided, under the table lock.
		reply tupleID

		// outDone is set once the outbound NAT rules were considered.
		outDone bool

		// tcb tracks TCP connections opened by a SYN. It is nil for
		// other protocols and for TCP flows picked up mid-stream.
		tcb *tcpconntrack.TCB

		// lastUsed is the last time the connection saw a packet.
		lastUsed time.Time
	}
}

func newConn(p *Packet, now time.Time) *conn {
	c := &conn{original: packetTuple(p)}
	c.mu.reply = c.original.reply()
	c.mu.lastUsed = now
	if p.Proto == header.TCPProtocolNumber && p.TCPFlags&(header.TCPFlagSyn|header.TCPFlagAck) == header.TCPFlagSyn {
		c.mu.tcb = &tcpconntrack.TCB{}
		c.mu.tcb.Init(header.TCP(p.transport))
	}
	return c
}

// outboundDone reports whether the outbound NAT rules were considered.
func (c *conn) outboundDone() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mu.outDone
}

// tuples returns both tuples of c.
func (c *conn) tuples() (original, reply tupleID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.original, c.mu.reply
}

// update records a packet of the connection and reports whether the
// connection is now finished.
func (c *conn) update(p *Packet, dir ctDirection, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.lastUsed = now
	if c.mu.tcb == nil || p.Proto != header.TCPProtocolNumber || p.icmpErr {
		return false
	}
	tdir := tcpconntrack.Original
	if dir == dirReply {
		tdir = tcpconntrack.Reply
	}
	return c.mu.tcb.Update(tdir, header.TCP(p.transport)).Closed()
}

// timeouts are the idle timeouts per protocol and TCP state.
type timeouts struct {
	tcpEstablished time.Duration
	tcpTransitory  time.Duration
	udp            time.Duration
	icmp           time.Duration
}

// timedOut returns whether the connection timed out based on its state.
func (c *conn) timedOut(now time.Time, to *timeouts) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	var limit time.Duration
	switch c.original.transProto {
	case header.TCPProtocolNumber:
		if c.mu.tcb == nil || c.mu.tcb.Established() {
			limit = to.tcpEstablished
		} else {
			limit = to.tcpTransitory
		}
	case header.ICMPv4ProtocolNumber, header.ICMPv6ProtocolNumber:
		limit = to.icmp
	default:
		limit = to.udp
	}
	return now.Sub(c.mu.lastUsed) > limit
}

// connTable holds all tracked connections.
type connTable struct {
	timeouts timeouts
	max      int
	expired  *tcpip.StatCounter

	// mu protects m and n, and is taken before any conn.mu.
	mu sync.RWMutex

	// m maps both tuples of every connection to it.
	m map[tupleID]tupleHolder
	n int
}

func (ct *connTable) init(max int, to timeouts, expired *tcpip.StatCounter) {
	ct.max = max
	ct.timeouts = to
	ct.expired = expired
	ct.m = make(map[tupleID]tupleHolder)
}

// lookup finds the connection t belongs to. Timed out connections are
// removed on the way and reported as absent.
func (ct *connTable) lookup(t tupleID, now time.Time) (*conn, ctDirection, bool) {
	ct.mu.RLock()
	h, ok := ct.m[t]
	ct.mu.RUnlock()
	if !ok {
		return nil, 0, false
	}
	if h.conn.timedOut(now, &ct.timeouts) {
		if ct.remove(h.conn) {
			ct.expired.Increment()
		}
		return nil, 0, false
	}
	return h.conn, h.dir, true
}

// len returns the number of connections.
func (ct *connTable) len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.n
}

// remove deletes c and reports whether it was still present.
func (ct *connTable) remove(c *conn) bool {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	return ct.removeLocked(c)
}

func (ct *connTable) removeLocked(c *conn) bool {
	h, ok := ct.m[c.original]
	if !ok || h.conn != c {
		return false
	}
	delete(ct.m, c.original)
	c.mu.Lock()
	reply := c.mu.reply
	c.mu.Unlock()
	if h, ok := ct.m[reply]; ok && h.conn == c {
		delete(ct.m, reply)
	}
	ct.n--
	return true
}

// takenLocked reports whether t is the key of a live connection. Timed out
// holders are removed.
//
// Precondition: ct.mu is held for writing.
func (ct *connTable) takenLocked(t tupleID, now time.Time) bool {
	h, ok := ct.m[t]
	if !ok {
		return false
	}
	if h.conn.timedOut(now, &ct.timeouts) {
		if ct.removeLocked(h.conn) {
			ct.expired.Increment()
		}
		return false
	}
	return true
}

// reapLocked removes every timed out connection and returns how many.
//
// Precondition: ct.mu is held for writing.
func (ct *connTable) reapLocked(now time.Time) int {
	var expired []*conn
	for t, h := range ct.m {
		if h.dir == dirOriginal && t == h.conn.original && h.conn.timedOut(now, &ct.timeouts) {
			expired = append(expired, h.conn)
		}
	}
	for _, c := range expired {
		ct.removeLocked(c)
	}
	ct.expired.IncrementBy(uint64(len(expired)))
	return len(expired)
}

// natChoice is a NAT decision waiting for its port to be picked.
type natChoice struct {
	kind  NATKind
	addr  netip.Addr
	ports PortRange
}

// defaultNATPorts and icmpIdents are used by SNAT and Masquerade when no
// range is given.
var (
	defaultNATPorts = PortRange{First: 1024, Last: 65535}
	icmpIdents      = PortRange{First: 1, Last: 65535}
)

// applyLocked derives the reply tuple of c from nat.
//
// Precondition: ct.mu is held for writing and c is not yet visible under its
// new reply tuple.
func (ct *connTable) applyLocked(reply tupleID, nat *natChoice, now time.Time) (tupleID, *tcpip.Error) {
	if nat == nil {
		return reply, nil
	}
	if nat.kind == DNAT {
		reply.srcAddr = nat.addr
		if !nat.ports.Any() {
			reply.srcPort = nat.ports.First
		}
		if ct.takenLocked(reply, now) {
			return reply, tcpip.ErrNoPortAvailable
		}
		return reply, nil
	}

	reply.dstAddr = nat.addr
	// Flows without ports (ICMP errors never get here) only translate the
	// address.
	if reply.transProto != header.TCPProtocolNumber && reply.transProto != header.UDPProtocolNumber &&
		reply.transProto != header.ICMPv4ProtocolNumber && reply.transProto != header.ICMPv6ProtocolNumber {
		if ct.takenLocked(reply, now) {
			return reply, tcpip.ErrNoPortAvailable
		}
		return reply, nil
	}
	ports := nat.ports
	if ports.Any() {
		ports = defaultNATPorts
		if reply.transProto == header.ICMPv4ProtocolNumber || reply.transProto == header.ICMPv6ProtocolNumber {
			ports = icmpIdents
		}
	}
	if ports.Contains(reply.dstPort) && !ct.takenLocked(reply, now) {
		return reply, nil
	}
	for p := uint32(ports.First); p <= uint32(ports.Last); p++ {
		reply.dstPort = uint16(p)
		if !ct.takenLocked(reply, now) {
			return reply, nil
		}
	}
	return reply, tcpip.ErrNoPortAvailable
}

// insert adds c, applying nat to its reply tuple. If a live connection
// already owns c's original tuple, that connection is returned instead.
func (ct *connTable) insert(c *conn, nat *natChoice, now time.Time) (*conn, ctDirection, *tcpip.Error) {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	if ct.takenLocked(c.original, now) {
		h := ct.m[c.original]
		return h.conn, h.dir, nil
	}
	if ct.n >= ct.max {
		ct.reapLocked(now)
		if ct.n >= ct.max {
			return nil, 0, tcpip.ErrConnTrackTableFull
		}
	}

	// c is not visible to other goroutines yet.
	reply, err := ct.applyLocked(c.original.reply(), nat, now)
	if err != nil {
		return nil, 0, err
	}
	c.mu.reply = reply
	ct.m[c.original] = tupleHolder{conn: c, dir: dirOriginal}
	ct.m[reply] = tupleHolder{conn: c, dir: dirReply}
	ct.n++
	return c, dirOriginal, nil
}

// finish records the outbound half of NAT for a connection created on the
// inbound path.
func (ct *connTable) finish(c *conn, nat *natChoice, now time.Time) *tcpip.Error {
	ct.mu.Lock()
	defer ct.mu.Unlock()
	if h, ok := ct.m[c.original]; !ok || h.conn != c {
		// Removed meanwhile.
		return nil
	}
	c.mu.Lock()
	done, old := c.mu.outDone, c.mu.reply
	c.mu.outDone = true
	c.mu.Unlock()
	if done || nat == nil {
		return nil
	}

	if h, ok := ct.m[old]; ok && h.conn == c {
		delete(ct.m, old)
	}
	reply, err := ct.applyLocked(old, nat, now)
	if err != nil {
		ct.m[old] = tupleHolder{conn: c, dir: dirReply}
		return err
	}
	c.mu.Lock()
	c.mu.reply = reply
	c.mu.Unlock()
	ct.m[reply] = tupleHolder{conn: c, dir: dirReply}
	return nil
}
