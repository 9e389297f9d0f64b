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

// Package routetable provides the stack's routing table: longest prefix
// match from a destination address to a next hop and egress NIC.
package routetable

import (
	"fmt"
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/gaissmai/bart"

	"netengine.dev/netengine/pkg/tcpip"
)

// Kind classifies how a route was installed.
type Kind int

const (
	// KindStatic is a route added by configuration.
	KindStatic Kind = iota

	// KindConnected is the subnet route of an address assigned to a NIC.
	KindConnected

	// KindDefault is a default route (a /0 prefix).
	KindDefault

	// KindRedirect is a host route learned from an ICMP redirect.
	KindRedirect
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindStatic:
		return "static"
	case KindConnected:
		return "connected"
	case KindDefault:
		return "default"
	case KindRedirect:
		return "redirect"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Entry is a row in the routing table.
type Entry struct {
	// Destination is the prefix this route covers.
	Destination netip.Prefix

	// Gateway is the next hop. The zero value means the destination is
	// directly connected.
	Gateway netip.Addr

	// NIC is the egress interface.
	NIC tcpip.NICID

	// Metric orders routes sharing a prefix; lower is preferred.
	Metric uint32

	// Kind records how the route was installed.
	Kind Kind

	// seq orders routes added later before earlier ones on equal metric.
	seq uint64
}

// String implements fmt.Stringer.
func (e Entry) String() string {
	via := "direct"
	if e.Gateway.IsValid() {
		via = "via " + e.Gateway.String()
	}
	return fmt.Sprintf("%s %s nic %d metric %d (%s)", e.Destination, via, e.NIC, e.Metric, e.Kind)
}

// NextHop returns the address a packet to dst must be sent to: the gateway,
// or dst itself on a connected route.
func (e Entry) NextHop(dst netip.Addr) netip.Addr {
	if e.Gateway.IsValid() {
		return e.Gateway
	}
	return dst
}

func (e Entry) sameRoute(o Entry) bool {
	return e.Destination == o.Destination && e.Gateway == o.Gateway && e.NIC == o.NIC
}

// Stats are lookup statistics.
type Stats struct {
	Lookups uint64
	Hits    uint64
	Misses  uint64
}

// Table is a routing table. It is safe for concurrent use: lookups share a
// read lock, modifications take the write lock.
type Table struct {
	mu sync.RWMutex

	// lpm maps a prefix to its entries, best first.
	lpm bart.Table[[]Entry]

	// prefixes is the set of prefixes present in lpm.
	prefixes map[netip.Prefix]struct{}
	seq      uint64

	lookups atomic.Uint64
	hits    atomic.Uint64
	misses  atomic.Uint64
}

// New returns an empty Table.
func New() *Table {
	return &Table{prefixes: make(map[netip.Prefix]struct{})}
}

func sortEntries(es []Entry) {
	slices.SortStableFunc(es, func(a, b Entry) int {
		if a.Metric != b.Metric {
			if a.Metric < b.Metric {
				return -1
			}
			return 1
		}
		// Most recently added first.
		switch {
		case a.seq > b.seq:
			return -1
		case a.seq < b.seq:
			return 1
		}
		return 0
	})
}

func normalize(e Entry) (Entry, *tcpip.Error) {
	if !e.Destination.IsValid() {
		return e, tcpip.ErrBadAddress
	}
	e.Destination = e.Destination.Masked()
	if e.Gateway.IsValid() && e.Gateway.Is4() != e.Destination.Addr().Is4() {
		return e, tcpip.ErrBadAddress
	}
	if e.Destination.Bits() == 0 && e.Kind == KindStatic {
		e.Kind = KindDefault
	}
	return e, nil
}

// Add inserts a route. Routes sharing a prefix must share the gateway; a
// route whose destination, gateway and NIC match an existing one is a
// duplicate. Both cases return ErrRouteExists.
func (t *Table) Add(e Entry) *tcpip.Error {
	e, err := normalize(e)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	existing, _ := t.lpm.Get(e.Destination)
	for _, o := range existing {
		if o.Gateway != e.Gateway || o.sameRoute(e) {
			return tcpip.ErrRouteExists
		}
	}
	t.insertLocked(e, existing)
	return nil
}

// Replace inserts a route, removing every route for the same prefix first.
func (t *Table) Replace(e Entry) *tcpip.Error {
	e, err := normalize(e)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertLocked(e, nil)
	return nil
}

func (t *Table) insertLocked(e Entry, existing []Entry) {
	t.seq++
	e.seq = t.seq
	es := append(slices.Clone(existing), e)
	sortEntries(es)
	t.lpm.Insert(e.Destination, es)
	t.prefixes[e.Destination] = struct{}{}
}

// Remove deletes the route with e's destination, gateway and NIC.
func (t *Table) Remove(e Entry) *tcpip.Error {
	dst := e.Destination.Masked()

	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.lpm.Get(dst)
	if !ok {
		return tcpip.ErrRouteNotFound
	}
	e.Destination = dst
	kept := slices.DeleteFunc(slices.Clone(existing), e.sameRoute)
	if len(kept) == len(existing) {
		return tcpip.ErrRouteNotFound
	}
	t.setLocked(dst, kept)
	return nil
}

// RemovePrefix deletes every route for prefix and returns how many were
// removed.
func (t *Table) RemovePrefix(prefix netip.Prefix) int {
	prefix = prefix.Masked()

	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.lpm.Get(prefix)
	if !ok {
		return 0
	}
	t.setLocked(prefix, nil)
	return len(existing)
}

// RemoveNIC deletes every route through nic and returns how many were
// removed.
func (t *Table) RemoveNIC(nic tcpip.NICID) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	removed := 0
	for p := range t.prefixes {
		existing, _ := t.lpm.Get(p)
		kept := slices.DeleteFunc(slices.Clone(existing), func(e Entry) bool { return e.NIC == nic })
		if len(kept) != len(existing) {
			removed += len(existing) - len(kept)
			t.setLocked(p, kept)
		}
	}
	return removed
}

func (t *Table) setLocked(p netip.Prefix, es []Entry) {
	if len(es) == 0 {
		t.lpm.Delete(p)
		delete(t.prefixes, p)
		return
	}
	t.lpm.Insert(p, es)
}

// Lookup returns the best route to addr: the longest matching prefix, then
// the lowest metric, then the most recently added.
func (t *Table) Lookup(addr netip.Addr) (Entry, bool) {
	t.lookups.Add(1)
	if !addr.IsValid() {
		t.misses.Add(1)
		return Entry{}, false
	}
	t.mu.RLock()
	es, ok := t.lpm.Lookup(addr.Unmap())
	t.mu.RUnlock()
	if !ok || len(es) == 0 {
		t.misses.Add(1)
		return Entry{}, false
	}
	t.hits.Add(1)
	return es[0], true
}

// LookupFunc is like Lookup but skips entries for which usable returns
// false, for instance routes through a NIC that is down. When every entry of
// a prefix is skipped, the next shorter matching prefix is tried, down to
// the default route.
func (t *Table) LookupFunc(addr netip.Addr, usable func(Entry) bool) (Entry, bool) {
	t.lookups.Add(1)
	if !addr.IsValid() {
		t.misses.Add(1)
		return Entry{}, false
	}
	addr = addr.Unmap()
	t.mu.RLock()
	defer t.mu.RUnlock()
	for bits := addr.BitLen(); bits >= 0; bits-- {
		p := netip.PrefixFrom(addr, bits).Masked()
		if _, ok := t.prefixes[p]; !ok {
			continue
		}
		es, _ := t.lpm.Get(p)
		for _, e := range es {
			if usable(e) {
				t.hits.Add(1)
				return e, true
			}
		}
	}
	t.misses.Add(1)
	return Entry{}, false
}

// DefaultRoute returns the preferred default route of the given family.
func (t *Table) DefaultRoute(v6 bool) (Entry, bool) {
	p := netip.PrefixFrom(netip.IPv4Unspecified(), 0)
	if v6 {
		p = netip.PrefixFrom(netip.IPv6Unspecified(), 0)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	es, ok := t.lpm.Get(p)
	if !ok || len(es) == 0 {
		return Entry{}, false
	}
	return es[0], true
}

// Routes returns every route, ordered by prefix and then preference.
func (t *Table) Routes() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	prefixes := make([]netip.Prefix, 0, len(t.prefixes))
	for p := range t.prefixes {
		prefixes = append(prefixes, p)
	}
	slices.SortFunc(prefixes, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
	var out []Entry
	for _, p := range prefixes {
		es, _ := t.lpm.Get(p)
		out = append(out, es...)
	}
	return out
}

// Len returns the number of routes.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for p := range t.prefixes {
		es, _ := t.lpm.Get(p)
		n += len(es)
	}
	return n
}

// Stats returns lookup statistics.
func (t *Table) Stats() Stats {
	return Stats{
		Lookups: t.lookups.Load(),
		Hits:    t.hits.Load(),
		Misses:  t.misses.Load(),
	}
}
