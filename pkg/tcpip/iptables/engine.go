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
	"net/netip"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gaissmai/bart"

	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/timer"
)

// Defaults for Options fields left at zero.
const (
	// Linux keeps established TCP connections for 5(!) days and most other
	// states for 120 seconds; so do we.
	DefaultTCPEstablishedTimeout = 5 * 24 * time.Hour
	DefaultTCPTransitoryTimeout  = 120 * time.Second

	DefaultUDPTimeout     = 30 * time.Second
	DefaultICMPTimeout    = 30 * time.Second
	DefaultMaxConnections = 65536
	DefaultReapInterval   = 30 * time.Second
)

// Options configure an Engine.
type Options struct {
	// DefaultPolicy is the verdict for packets no rule matched.
	DefaultPolicy Verdict

	// Stateful makes every allowed flow tracked, so that later packets of
	// the flow in either direction skip the rules. Flows a NAT rule applies
	// to are always tracked.
	Stateful bool

	// MaxConnections bounds the connection tracking table.
	MaxConnections int

	TCPEstablishedTimeout time.Duration
	TCPTransitoryTimeout  time.Duration
	UDPTimeout            time.Duration
	ICMPTimeout           time.Duration

	// Clock is the time source, tcpip.StdClock by default.
	Clock tcpip.Clock

	// Timers, when set, runs a periodic reap of idle connections every
	// ReapInterval. Without it idle connections are only removed when a
	// lookup stumbles on them or Reap is called.
	Timers       *timer.Queue
	ReapInterval time.Duration

	// Stats receives the firewall counters. Nil counters are allocated.
	Stats tcpip.NATStats

	// Logger records packets matching log rules. It defaults to a rate
	// limited wrapper of the global logger.
	Logger log.Logger
}

// BlockEntry is a blocklist entry.
type BlockEntry struct {
	Prefix netip.Prefix

	// Expires is the end of the block, zero for a permanent one.
	Expires time.Time
}

type ruleEntry struct {
	Rule
	packets atomic.Uint64
	bytes   atomic.Uint64
}

// tracking is what the inbound pass leaves on a packet for the outbound pass.
type tracking struct {
	conn    *conn
	dir     ctDirection
	related bool
}

// Engine is a firewall with connection tracking and NAT. It is safe for
// concurrent use.
type Engine struct {
	clock  tcpip.Clock
	stats  tcpip.NATStats
	logger log.Logger

	// rulesMu protects the rule lists, the policy and the mode.
	rulesMu  sync.RWMutex
	rules    []*ruleEntry
	natRules []NATRule
	policy   Verdict
	stateful bool
	nextID   uint32

	// blockMu protects block and blocked.
	blockMu sync.RWMutex
	block   bart.Table[BlockEntry]
	blocked map[netip.Prefix]time.Time

	conns connTable

	reapTimer *timer.Timer
}

// NewEngine returns an Engine without rules.
func NewEngine(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = tcpip.StdClock{}
	}
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = DefaultMaxConnections
	}
	if opts.TCPEstablishedTimeout <= 0 {
		opts.TCPEstablishedTimeout = DefaultTCPEstablishedTimeout
	}
	if opts.TCPTransitoryTimeout <= 0 {
		opts.TCPTransitoryTimeout = DefaultTCPTransitoryTimeout
	}
	if opts.UDPTimeout <= 0 {
		opts.UDPTimeout = DefaultUDPTimeout
	}
	if opts.ICMPTimeout <= 0 {
		opts.ICMPTimeout = DefaultICMPTimeout
	}
	if opts.ReapInterval <= 0 {
		opts.ReapInterval = DefaultReapInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.BasicRateLimitedLogger(100 * time.Millisecond)
	}
	e := &Engine{
		clock:    opts.Clock,
		stats:    tcpip.Stats{NAT: opts.Stats}.FillIn().NAT,
		logger:   opts.Logger,
		policy:   opts.DefaultPolicy,
		stateful: opts.Stateful,
		blocked:  make(map[netip.Prefix]time.Time),
	}
	e.conns.init(opts.MaxConnections, timeouts{
		tcpEstablished: opts.TCPEstablishedTimeout,
		tcpTransitory:  opts.TCPTransitoryTimeout,
		udp:            opts.UDPTimeout,
		icmp:           opts.ICMPTimeout,
	}, e.stats.ConnectionsExpired)

	if opts.Timers != nil {
		interval := opts.ReapInterval
		e.reapTimer = opts.Timers.NewTimer(func(now time.Time) {
			e.Reap(now)
			e.reapTimer.Reset(now.Add(interval))
		})
		e.reapTimer.Reset(e.clock.Now().Add(interval))
	}
	return e
}

// Close stops the periodic reap.
func (e *Engine) Close() {
	if e.reapTimer != nil {
		e.reapTimer.Stop()
	}
}

// Stats returns the engine's counters.
func (e *Engine) Stats() tcpip.NATStats {
	return e.stats
}

// Evaluate decides the fate of pkt at evaluation point dir and performs any
// address translation in place. pkt must span the whole datagram from its IP
// header (see buffer.PacketBuffer.NetworkPacket).
//
// On the inbound pass the connection found or created is attached to pkt so
// that the outbound pass of a forwarded packet continues with it.
func (e *Engine) Evaluate(pkt *buffer.PacketBuffer, dir Direction, meta Meta) Result {
	tr, _ := pkt.Tracking.(*tracking)
	pkt.Tracking = nil

	p, ok := parsePacket(pkt.NetworkPacket())
	if !ok {
		e.stats.Malformed.Increment()
		e.stats.Denied.Increment()
		return Result{Verdict: Deny}
	}
	now := e.clock.Now()

	if e.isBlocked(p.Src, now) || e.isBlocked(p.Dst, now) {
		e.stats.Blocked.Increment()
		e.stats.Denied.Increment()
		return Result{Verdict: Deny}
	}

	var res Result
	switch {
	case tr != nil && dir == Out:
		res = e.continueTracked(&p, tr, meta, now)
	default:
		res = e.evaluate(pkt, &p, dir, meta, now)
	}

	if res.Translated {
		pkt.Src, pkt.Dst = p.Src, p.Dst
		e.stats.Translated.Increment()
	}
	switch res.Verdict {
	case Allow:
		e.stats.Allowed.Increment()
	case Deny:
		e.stats.Denied.Increment()
	case Reject:
		e.stats.Rejected.Increment()
	}
	if res.Verdict != Allow {
		pkt.Tracking = nil
	}
	return res
}

func (e *Engine) evaluate(pkt *buffer.PacketBuffer, p *Packet, dir Direction, meta Meta, now time.Time) Result {
	if p.icmpErr {
		if c, d, ok := e.conns.lookup(packetTuple(p.inner).reply(), now); ok {
			c.update(p, d, now)
			if dir == In {
				pkt.Tracking = &tracking{conn: c, dir: d, related: true}
			}
			return Result{
				Verdict:     Allow,
				Established: true,
				Translated:  e.translateRelated(p, c, d, dir),
			}
		}
	}

	if p.trackable() {
		if c, d, ok := e.conns.lookup(packetTuple(p), now); ok {
			if d == dirOriginal && dir == Out && !c.outboundDone() {
				return e.finishFlow(p, c, meta, now)
			}
			return e.tracked(pkt, p, c, d, dir, now)
		}
	}
	return e.newFlow(pkt, p, dir, meta, now)
}

// tracked handles a packet of a known connection.
func (e *Engine) tracked(pkt *buffer.PacketBuffer, p *Packet, c *conn, d ctDirection, dir Direction, now time.Time) Result {
	closed := c.update(p, d, now)
	res := Result{
		Verdict:     Allow,
		Established: true,
		Translated:  e.translate(p, c, d, dir),
	}
	if dir == In {
		pkt.Tracking = &tracking{conn: c, dir: d}
	}
	if closed && e.conns.remove(c) {
		e.stats.ConnectionsClosed.Increment()
	}
	return res
}

// continueTracked is the outbound pass of a forwarded packet whose inbound
// pass found or created a connection.
func (e *Engine) continueTracked(p *Packet, tr *tracking, meta Meta, now time.Time) Result {
	c := tr.conn
	if tr.related {
		if p.inner == nil {
			return Result{Verdict: Allow, Established: true}
		}
		return Result{
			Verdict:     Allow,
			Established: true,
			Translated:  e.translateRelated(p, c, tr.dir, Out),
		}
	}
	if tr.dir == dirOriginal && !c.outboundDone() {
		return e.finishFlow(p, c, meta, now)
	}
	return Result{
		Verdict:     Allow,
		Established: true,
		Translated:  e.translate(p, c, tr.dir, Out),
	}
}

// newFlow handles the first packet of a flow: rules, default policy, NAT
// rules and connection creation.
func (e *Engine) newFlow(pkt *buffer.PacketBuffer, p *Packet, dir Direction, meta Meta, now time.Time) Result {
	res := e.filter(p, dir)
	if res.Verdict != Allow || !p.trackable() {
		return res
	}

	nat := e.matchNAT(p, dir, meta)
	e.rulesMu.RLock()
	stateful := e.stateful
	e.rulesMu.RUnlock()
	if nat == nil && !stateful {
		return res
	}

	fresh := newConn(p, now)
	fresh.mu.outDone = dir == Out
	c, d, err := e.conns.insert(fresh, nat, now)
	switch err {
	case nil:
	case tcpip.ErrConnTrackTableFull:
		e.stats.TableFull.Increment()
		return Result{Verdict: Deny, Err: err, RuleID: res.RuleID, Logged: res.Logged}
	default:
		e.stats.PortsExhausted.Increment()
		return Result{Verdict: Deny, Err: err, RuleID: res.RuleID, Logged: res.Logged}
	}
	if c != fresh {
		// Lost a race with another first packet of the same flow.
		return e.tracked(pkt, p, c, d, dir, now)
	}
	e.stats.ConnectionsCreated.Increment()
	res.Translated = e.translate(p, c, dirOriginal, dir)
	if dir == In {
		pkt.Tracking = &tracking{conn: c, dir: dirOriginal}
	}
	return res
}

// finishFlow runs the outbound rules and NAT rules for a connection created
// on the inbound path.
func (e *Engine) finishFlow(p *Packet, c *conn, meta Meta, now time.Time) Result {
	res := e.filter(p, Out)
	if res.Verdict != Allow {
		e.conns.remove(c)
		return res
	}
	if err := e.conns.finish(c, e.matchNAT(p, Out, meta), now); err != nil {
		e.conns.remove(c)
		e.stats.PortsExhausted.Increment()
		return Result{Verdict: Deny, Err: err, RuleID: res.RuleID, Logged: res.Logged}
	}
	res.Translated = e.translate(p, c, dirOriginal, Out)
	return res
}

// target returns the tuple a packet of direction d has once fully
// translated.
func target(c *conn, d ctDirection) tupleID {
	original, reply := c.tuples()
	if d == dirOriginal {
		return reply.reply()
	}
	return original.reply()
}

// translate rewrites p, a packet of c in direction d: destinations on the
// inbound pass, sources on the outbound pass.
func (e *Engine) translate(p *Packet, c *conn, d ctDirection, dir Direction) bool {
	t := target(c, d)
	switch dir {
	case In:
		if p.Dst == t.dstAddr && p.DstPort == t.dstPort {
			return false
		}
		p.setDst(t.dstAddr, t.dstPort)
	case Out:
		if p.Src == t.srcAddr && p.SrcPort == t.srcPort {
			return false
		}
		p.setSrc(t.srcAddr, t.srcPort)
	default:
		return false
	}
	return true
}

// translateRelated rewrites an ICMP error of direction d about a packet of
// c: the quoted packet is translated like a packet of the opposite
// direction, and the outer address follows when it named the same host.
func (e *Engine) translateRelated(p *Packet, c *conn, d ctDirection, dir Direction) bool {
	t := target(c, d)
	in := p.inner
	changed := false
	switch dir {
	case In:
		if in.Src != t.dstAddr || in.SrcPort != t.dstPort {
			if p.Dst == in.Src {
				p.setDst(t.dstAddr, p.DstPort)
			}
			in.setSrc(t.dstAddr, t.dstPort)
			changed = true
		}
	case Out:
		if in.Dst != t.srcAddr || in.DstPort != t.srcPort {
			if p.Src == in.Dst {
				p.setSrc(t.srcAddr, p.SrcPort)
			}
			in.setDst(t.srcAddr, t.srcPort)
			changed = true
		}
	}
	if changed {
		p.fixICMPChecksum()
	}
	return changed
}

// filter runs the rules and the default policy.
func (e *Engine) filter(p *Packet, dir Direction) Result {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	var res Result
	for _, r := range e.rules {
		if r.Disabled {
			continue
		}
		ok, hotdrop := r.matches(dir, p)
		if hotdrop {
			res.Verdict, res.RuleID = Deny, r.ID
			return res
		}
		if !ok {
			continue
		}
		r.packets.Add(1)
		r.bytes.Add(uint64(p.Length))
		if r.Log || r.Action == ActionLog {
			res.Logged = true
			e.stats.Logged.Increment()
			e.logger.Infof("firewall: rule %d %q %s %s %s -> %s len %d: %s",
				r.ID, r.Name, dir, p.Proto,
				netip.AddrPortFrom(p.Src, p.SrcPort), netip.AddrPortFrom(p.Dst, p.DstPort),
				p.Length, r.Action)
		}
		if r.Action == ActionLog {
			continue
		}
		res.Verdict, res.RuleID = r.Action.verdict(), r.ID
		return res
	}
	res.Verdict = e.policy
	return res
}

// matchNAT returns the first NAT rule selecting p, or nil.
func (e *Engine) matchNAT(p *Packet, dir Direction, meta Meta) *natChoice {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	for i := range e.natRules {
		r := &e.natRules[i]
		if !r.matches(dir, meta.NIC, p) {
			continue
		}
		addr := r.ToAddr
		if r.Kind == Masquerade {
			addr = meta.NICAddr
		}
		if !addr.IsValid() || addr.Is4() != p.v4() {
			continue
		}
		return &natChoice{kind: r.Kind, addr: addr, ports: r.ToPorts}
	}
	return nil
}

// Reap removes idle connections and returns how many were removed.
func (e *Engine) Reap(now time.Time) int {
	e.conns.mu.Lock()
	defer e.conns.mu.Unlock()
	return e.conns.reapLocked(now)
}

// Connections returns the number of tracked connections.
func (e *Engine) Connections() int {
	return e.conns.len()
}

// FlushConnections forgets every tracked connection.
func (e *Engine) FlushConnections() {
	e.conns.mu.Lock()
	defer e.conns.mu.Unlock()
	e.conns.m = make(map[tupleID]tupleHolder)
	e.conns.n = 0
}

// SetDefaultPolicy sets the verdict for packets no rule matches.
func (e *Engine) SetDefaultPolicy(v Verdict) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	e.policy = v
}

// DefaultPolicy returns the verdict for packets no rule matches.
func (e *Engine) DefaultPolicy() Verdict {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return e.policy
}

// SetStateful switches connection tracking of allowed flows on or off.
// Existing connections are kept.
func (e *Engine) SetStateful(v bool) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	e.stateful = v
}

func validRule(r *Rule) bool {
	if !r.SrcPorts.Valid() || !r.DstPorts.Valid() {
		return false
	}
	if r.Direction&^Both != 0 {
		return false
	}
	return r.Action >= ActionAllow && r.Action <= ActionLog
}

// assignIDLocked gives r an ID if it has none and checks for duplicates.
//
// Precondition: e.rulesMu is held for writing.
func (e *Engine) assignIDLocked(id *uint32) bool {
	if *id == 0 {
		e.nextID++
		*id = e.nextID
	}
	for _, r := range e.rules {
		if r.ID == *id {
			return false
		}
	}
	for _, r := range e.natRules {
		if r.ID == *id {
			return false
		}
	}
	if *id > e.nextID {
		e.nextID = *id
	}
	return true
}

// AddRule appends r to the rule list and returns its ID.
func (e *Engine) AddRule(r Rule) (uint32, *tcpip.Error) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	return e.insertLocked(len(e.rules), r)
}

// InsertRule inserts r before position pos, clamped to the list.
func (e *Engine) InsertRule(pos int, r Rule) (uint32, *tcpip.Error) {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	return e.insertLocked(max(0, min(pos, len(e.rules))), r)
}

func (e *Engine) insertLocked(pos int, r Rule) (uint32, *tcpip.Error) {
	if !validRule(&r) {
		return 0, tcpip.ErrInvalidOptionValue
	}
	if !e.assignIDLocked(&r.ID) {
		return 0, tcpip.ErrInvalidOptionValue
	}
	r.Src, r.Dst = r.Src.Masked(), r.Dst.Masked()
	e.rules = slices.Insert(e.rules, pos, &ruleEntry{Rule: r})
	return r.ID, nil
}

// SetRules replaces the whole rule list. Counters start from zero.
func (e *Engine) SetRules(rules []Rule) *tcpip.Error {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	old := e.rules
	e.rules = nil
	for _, r := range rules {
		if _, err := e.insertLocked(len(e.rules), r); err != nil {
			e.rules = old
			return err
		}
	}
	return nil
}

func (e *Engine) findLocked(id uint32) int {
	return slices.IndexFunc(e.rules, func(r *ruleEntry) bool { return r.ID == id })
}

// RemoveRule deletes the rule with the given ID.
func (e *Engine) RemoveRule(id uint32) *tcpip.Error {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	i := e.findLocked(id)
	if i < 0 {
		return tcpip.ErrRuleNotFound
	}
	e.rules = slices.Delete(e.rules, i, i+1)
	return nil
}

func (e *Engine) setDisabled(id uint32, disabled bool) *tcpip.Error {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	i := e.findLocked(id)
	if i < 0 {
		return tcpip.ErrRuleNotFound
	}
	e.rules[i].Disabled = disabled
	return nil
}

// EnableRule enables the rule with the given ID.
func (e *Engine) EnableRule(id uint32) *tcpip.Error {
	return e.setDisabled(id, false)
}

// DisableRule disables the rule with the given ID. A disabled rule keeps its
// position and counters.
func (e *Engine) DisableRule(id uint32) *tcpip.Error {
	return e.setDisabled(id, true)
}

// Rules returns the rule list in evaluation order with counters.
func (e *Engine) Rules() []RuleInfo {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	out := make([]RuleInfo, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, RuleInfo{Rule: r.Rule, Packets: r.packets.Load(), Bytes: r.bytes.Load()})
	}
	return out
}

// AddNATRule appends r to the NAT rule list and returns its ID.
func (e *Engine) AddNATRule(r NATRule) (uint32, *tcpip.Error) {
	if r.Kind != Masquerade && !r.ToAddr.IsValid() {
		return 0, tcpip.ErrBadAddress
	}
	if !r.ToPorts.Valid() || !r.DstPorts.Valid() || r.Kind < SNAT || r.Kind > DNAT {
		return 0, tcpip.ErrInvalidOptionValue
	}
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	if !e.assignIDLocked(&r.ID) {
		return 0, tcpip.ErrInvalidOptionValue
	}
	r.Src, r.Dst = r.Src.Masked(), r.Dst.Masked()
	e.natRules = append(e.natRules, r)
	return r.ID, nil
}

// RemoveNATRule deletes the NAT rule with the given ID. Connections already
// translated by it keep their translation.
func (e *Engine) RemoveNATRule(id uint32) *tcpip.Error {
	e.rulesMu.Lock()
	defer e.rulesMu.Unlock()
	i := slices.IndexFunc(e.natRules, func(r NATRule) bool { return r.ID == id })
	if i < 0 {
		return tcpip.ErrRuleNotFound
	}
	e.natRules = slices.Delete(e.natRules, i, i+1)
	return nil
}

// NATRules returns the NAT rules in evaluation order.
func (e *Engine) NATRules() []NATRule {
	e.rulesMu.RLock()
	defer e.rulesMu.RUnlock()
	return slices.Clone(e.natRules)
}

// Block drops every packet from or to prefix for ttl, or for good when ttl
// is zero.
func (e *Engine) Block(prefix netip.Prefix, ttl time.Duration) *tcpip.Error {
	if !prefix.IsValid() || ttl < 0 {
		return tcpip.ErrBadAddress
	}
	prefix = prefix.Masked()
	var expires time.Time
	if ttl > 0 {
		expires = e.clock.Now().Add(ttl)
	}
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	e.block.Insert(prefix, BlockEntry{Prefix: prefix, Expires: expires})
	e.blocked[prefix] = expires
	return nil
}

// Unblock removes prefix from the blocklist and reports whether it was
// there.
func (e *Engine) Unblock(prefix netip.Prefix) bool {
	prefix = prefix.Masked()
	e.blockMu.Lock()
	defer e.blockMu.Unlock()
	if _, ok := e.blocked[prefix]; !ok {
		return false
	}
	e.block.Delete(prefix)
	delete(e.blocked, prefix)
	return true
}

// Blocked returns the blocklist sorted by prefix, without expired entries.
func (e *Engine) Blocked() []BlockEntry {
	now := e.clock.Now()
	e.blockMu.RLock()
	defer e.blockMu.RUnlock()
	var out []BlockEntry
	for p, exp := range e.blocked {
		if exp.IsZero() || now.Before(exp) {
			out = append(out, BlockEntry{Prefix: p, Expires: exp})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Prefix, out[j].Prefix
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c < 0
		}
		return a.Bits() < b.Bits()
	})
	return out
}

// isBlocked reports whether addr is covered by a live blocklist entry.
// Expired entries are dropped when found.
func (e *Engine) isBlocked(addr netip.Addr, now time.Time) bool {
	for {
		e.blockMu.RLock()
		be, ok := e.block.Lookup(addr)
		e.blockMu.RUnlock()
		if !ok {
			return false
		}
		if be.Expires.IsZero() || now.Before(be.Expires) {
			return true
		}
		e.blockMu.Lock()
		if cur, ok := e.block.Get(be.Prefix); ok && cur.Expires.Equal(be.Expires) {
			e.block.Delete(be.Prefix)
			delete(e.blocked, be.Prefix)
		}
		e.blockMu.Unlock()
	}
}
