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

// Package stack provides the glue between networking protocols and the
// consumers of the networking stack.
//
// For consumers, the only function of interest is New(), everything else is
// provided by the tcpip/public package.
package stack

import (
	"net/netip"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/buffer"
	"netengine.dev/netengine/pkg/tcpip/header"
	"netengine.dev/netengine/pkg/tcpip/iptables"
	"netengine.dev/netengine/pkg/tcpip/ports"
	"netengine.dev/netengine/pkg/tcpip/routetable"
	"netengine.dev/netengine/pkg/tcpip/timer"
	"netengine.dev/netengine/pkg/waiter"
)

const (
	// DefaultTTL is the TTL used when neither the socket nor the protocol
	// sets one.
	DefaultTTL = 64

	// DefaultSweepInterval is how often the timer goroutine runs expired
	// timers.
	DefaultSweepInterval = 5 * time.Millisecond

	// DefaultLoopbackQueueLen bounds the packets waiting for local
	// delivery.
	DefaultLoopbackQueueLen = 1024
)

type transportProtocolState struct {
	proto TransportProtocol
}

// Options contains optional Stack configuration.
type Options struct {
	// NetworkProtocols lists the network protocols to enable.
	NetworkProtocols []NetworkProtocolFactory

	// TransportProtocols lists the transport protocols to enable.
	TransportProtocols []TransportProtocolFactory

	// Clock is an optional clock source used for timestamping packets and
	// running timers.
	//
	// If no Clock is specified, the clock source will be time.Now.
	Clock tcpip.Clock

	// Stats are optional statistic counters.
	Stats tcpip.Stats

	// RouteTable is the routing table. A private one is created when nil.
	RouteTable *routetable.Table

	// Firewall, when set, filters and translates every packet. It can also
	// be installed later with SetFirewall.
	Firewall *iptables.Engine

	// SweepInterval is the period of the timer goroutine.
	SweepInterval time.Duration

	// ManualSweep disables the timer goroutine: timers only run when Sweep
	// is called. Tests pair it with a manual clock.
	ManualSweep bool

	// Forwarding enables IP forwarding for all network protocols.
	Forwarding bool

	// AcceptRedirects makes ICMP redirects install host routes.
	AcceptRedirects bool

	// LoopbackQueueLen bounds the packets waiting for delivery to a local
	// address.
	LoopbackQueueLen int

	// Logger receives the stack's diagnostics. It defaults to the global
	// logger.
	Logger log.Logger
}

// Stack is a networking stack, with all supported protocols, NICs, and route
// table.
type Stack struct {
	transportProtocols map[tcpip.TransportProtocolNumber]*transportProtocolState
	networkProtocols   map[tcpip.NetworkProtocolNumber]NetworkProtocol

	demux *transportDemuxer

	stats tcpip.Stats

	mu   sync.RWMutex
	nics map[tcpip.NICID]*NIC

	forwarding      atomic.Bool
	acceptRedirects atomic.Bool

	routeTable *routetable.Table
	firewall   atomic.Pointer[iptables.Engine]

	clock  tcpip.Clock
	timers *timer.Queue
	logger log.Logger

	// PortManager is used to reserve ports.
	portManager *ports.PortManager

	loopback chan *buffer.PacketBuffer

	closeOnce sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

// New allocates a new networking stack with only the requested networking and
// transport protocols configured with default options.
//
// Protocol options can be changed by calling the
// SetNetworkProtocolOption/SetTransportProtocolOption methods provided by the
// stack. Please refer to individual protocol implementations as to what
// options are supported.
func New(opts Options) *Stack {
	clock := opts.Clock
	if clock == nil {
		clock = tcpip.StdClock{}
	}
	if opts.RouteTable == nil {
		opts.RouteTable = routetable.New()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.LoopbackQueueLen <= 0 {
		opts.LoopbackQueueLen = DefaultLoopbackQueueLen
	}
	if opts.Logger == nil {
		opts.Logger = log.Log()
	}

	s := &Stack{
		transportProtocols: make(map[tcpip.TransportProtocolNumber]*transportProtocolState),
		networkProtocols:   make(map[tcpip.NetworkProtocolNumber]NetworkProtocol),
		nics:               make(map[tcpip.NICID]*NIC),
		routeTable:         opts.RouteTable,
		clock:              clock,
		timers:             timer.NewQueue(),
		logger:             opts.Logger,
		stats:              opts.Stats.FillIn(),
		portManager:        ports.NewPortManager(),
		loopback:           make(chan *buffer.PacketBuffer, opts.LoopbackQueueLen),
		stop:               make(chan struct{}),
	}
	s.forwarding.Store(opts.Forwarding)
	s.acceptRedirects.Store(opts.AcceptRedirects)
	if opts.Firewall != nil {
		s.SetFirewall(opts.Firewall)
	}

	// Add specified network protocols.
	for _, netProtoFactory := range opts.NetworkProtocols {
		netProto := netProtoFactory(s)
		s.networkProtocols[netProto.Number()] = netProto
	}

	// Add specified transport protocols.
	for _, transProtoFactory := range opts.TransportProtocols {
		transProto := transProtoFactory(s)
		s.transportProtocols[transProto.Number()] = &transportProtocolState{
			proto: transProto,
		}
	}

	// Create the global transport demuxer.
	s.demux = newTransportDemuxer(s)

	s.wg.Add(1)
	go s.loopbackLoop()
	if !opts.ManualSweep {
		s.wg.Add(1)
		go s.sweepLoop(opts.SweepInterval)
	}
	return s
}

func (s *Stack) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-t.C:
			s.timers.Sweep(s.clock.Now())
		}
	}
}

// loopbackLoop delivers packets sent to the stack's own addresses. Delivery
// happens on this goroutine so that a sender holding an endpoint lock never
// re-enters that endpoint.
func (s *Stack) loopbackLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stop:
			return
		case pkt := <-s.loopback:
			s.mu.RLock()
			nic := s.nics[pkt.NICID]
			s.mu.RUnlock()
			if nic == nil {
				pkt.Release()
				continue
			}
			nic.DeliverNetworkPacket(pkt)
		}
	}
}

// deliverLocal queues pkt, a complete datagram, for delivery on nic.
func (s *Stack) deliverLocal(nic *NIC, pkt *buffer.PacketBuffer) *tcpip.Error {
	fresh := buffer.NewInboundPacketBuffer(append([]byte(nil), pkt.NetworkPacket()...))
	fresh.NICID = nic.id
	pkt.Release()
	select {
	case s.loopback <- fresh:
		return nil
	default:
		s.stats.DroppedPackets.Increment()
		return tcpip.ErrNoBufferSpace
	}
}

// Sweep runs the timers due at now. It is how timers advance when the stack
// was created with ManualSweep.
func (s *Stack) Sweep(now time.Time) int {
	return s.timers.Sweep(now)
}

// Timers returns the stack's timer queue. Every protocol deadline lives
// there.
func (s *Stack) Timers() *timer.Queue {
	return s.timers
}

// Clock returns the stack's clock.
func (s *Stack) Clock() tcpip.Clock {
	return s.clock
}

// Logger returns the stack's logger.
func (s *Stack) Logger() log.Logger {
	return s.logger
}

// Stats returns a mutable copy of the current stats.
//
// This is not generally exported via the public interface, but is available
// internally.
func (s *Stack) Stats() tcpip.Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

// PortManager returns the stack's port reservations.
func (s *Stack) PortManager() *ports.PortManager {
	return s.portManager
}

// RouteTable returns the routing table.
func (s *Stack) RouteTable() *routetable.Table {
	return s.routeTable
}

// Firewall returns the installed firewall, or nil.
func (s *Stack) Firewall() *iptables.Engine {
	return s.firewall.Load()
}

// SetFirewall installs fw. A nil fw removes the firewall. The firewall's
// counters become the stack's NAT counters.
func (s *Stack) SetFirewall(fw *iptables.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.firewall.Store(fw)
	if fw != nil {
		s.stats.NAT = fw.Stats()
	}
}

// SetForwarding enables or disables the packet forwarding between NICs.
func (s *Stack) SetForwarding(enable bool) {
	s.forwarding.Store(enable)
}

// Forwarding returns if the packet forwarding between NICs is enabled.
func (s *Stack) Forwarding() bool {
	return s.forwarding.Load()
}

// SetAcceptRedirects controls whether ICMP redirects update the routing
// table.
func (s *Stack) SetAcceptRedirects(enable bool) {
	s.acceptRedirects.Store(enable)
}

// AcceptRedirects reports whether ICMP redirects update the routing table.
func (s *Stack) AcceptRedirects() bool {
	return s.acceptRedirects.Load()
}

// SetNetworkProtocolOption allows configuring individual protocol level
// options. This method returns an error if the protocol is not supported or
// option is not supported by the protocol implementation or the provided value
// is incorrect.
func (s *Stack) SetNetworkProtocolOption(network tcpip.NetworkProtocolNumber, option any) *tcpip.Error {
	netProto, ok := s.networkProtocols[network]
	if !ok {
		return tcpip.ErrUnknownProtocol
	}
	return netProto.SetOption(option)
}

// NetworkProtocolOption allows retrieving individual protocol level option
// values. This method returns an error if the protocol is not supported or
// option is not supported by the protocol implementation.
func (s *Stack) NetworkProtocolOption(network tcpip.NetworkProtocolNumber, option any) *tcpip.Error {
	netProto, ok := s.networkProtocols[network]
	if !ok {
		return tcpip.ErrUnknownProtocol
	}
	return netProto.Option(option)
}

// SetTransportProtocolOption allows configuring individual protocol level
// options. This method returns an error if the protocol is not supported or
// option is not supported by the protocol implementation or the provided value
// is incorrect.
func (s *Stack) SetTransportProtocolOption(transport tcpip.TransportProtocolNumber, option any) *tcpip.Error {
	transProtoState, ok := s.transportProtocols[transport]
	if !ok {
		return tcpip.ErrUnknownProtocol
	}
	return transProtoState.proto.SetOption(option)
}

// TransportProtocolOption allows retrieving individual protocol level option
// values. This method returns an error if the protocol is not supported or
// option is not supported by the protocol implementation.
func (s *Stack) TransportProtocolOption(transport tcpip.TransportProtocolNumber, option any) *tcpip.Error {
	transProtoState, ok := s.transportProtocols[transport]
	if !ok {
		return tcpip.ErrUnknownProtocol
	}
	return transProtoState.proto.Option(option)
}

// NetworkProtocolInstance returns the protocol instance in the stack for the
// specified network protocol. This method is public for protocol implementers
// and tests to use.
func (s *Stack) NetworkProtocolInstance(num tcpip.NetworkProtocolNumber) NetworkProtocol {
	if p, ok := s.networkProtocols[num]; ok {
		return p
	}
	return nil
}

// TransportProtocolInstance returns the protocol instance in the stack for the
// specified transport protocol. This method is public for protocol implementers
// and tests to use.
func (s *Stack) TransportProtocolInstance(num tcpip.TransportProtocolNumber) TransportProtocol {
	if pState, ok := s.transportProtocols[num]; ok {
		return pState.proto
	}
	return nil
}

// NewEndpoint creates a new transport layer endpoint of the given protocol.
func (s *Stack) NewEndpoint(transport tcpip.TransportProtocolNumber, network tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) (tcpip.Endpoint, *tcpip.Error) {
	t, ok := s.transportProtocols[transport]
	if !ok {
		return nil, tcpip.ErrUnknownProtocol
	}
	if _, ok := s.networkProtocols[network]; !ok {
		return nil, tcpip.ErrAddressFamilyNotSupported
	}
	return t.proto.NewEndpoint(network, waiterQueue)
}

// NewRawEndpoint creates a new raw transport layer endpoint of the given
// protocol. Raw endpoints receive all traffic for a given protocol regardless
// of address.
func (s *Stack) NewRawEndpoint(transport tcpip.TransportProtocolNumber, network tcpip.NetworkProtocolNumber, waiterQueue *waiter.Queue) (tcpip.Endpoint, *tcpip.Error) {
	t, ok := s.transportProtocols[transport]
	if !ok {
		return nil, tcpip.ErrUnknownProtocol
	}
	if _, ok := s.networkProtocols[network]; !ok {
		return nil, tcpip.ErrAddressFamilyNotSupported
	}
	return t.proto.NewRawEndpoint(network, waiterQueue)
}

// NICOptions configure a NIC.
type NICOptions struct {
	// Name is the interface name, for logs and metrics.
	Name string

	// Disabled creates the NIC without enabling it.
	Disabled bool
}

// CreateNIC creates a NIC with the provided id and LinkEndpoint and enables
// it unless opts.Disabled is set.
func (s *Stack) CreateNIC(id tcpip.NICID, ep LinkEndpoint, opts NICOptions) *tcpip.Error {
	if id <= 0 {
		return tcpip.ErrUnknownNICID
	}
	s.mu.Lock()
	if _, ok := s.nics[id]; ok {
		s.mu.Unlock()
		return tcpip.ErrDuplicateNICID
	}
	n := newNIC(s, id, opts.Name, ep)
	s.nics[id] = n
	s.mu.Unlock()

	if !opts.Disabled {
		return n.enable()
	}
	return nil
}

// NIC returns the NIC with the given id, or nil.
func (s *Stack) NIC(id tcpip.NICID) *NIC {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nics[id]
}

// NICs returns every NIC ordered by ID.
func (s *Stack) NICs() []*NIC {
	s.mu.RLock()
	nics := make([]*NIC, 0, len(s.nics))
	for _, n := range s.nics {
		nics = append(nics, n)
	}
	s.mu.RUnlock()
	sort.Slice(nics, func(i, j int) bool { return nics[i].id < nics[j].id })
	return nics
}

// EnableNIC enables the given NIC so that the link-layer endpoint can start
// delivering packets to it.
func (s *Stack) EnableNIC(id tcpip.NICID) *tcpip.Error {
	n := s.NIC(id)
	if n == nil {
		return tcpip.ErrUnknownNICID
	}
	return n.enable()
}

// DisableNIC disables the given NIC. Packets it receives are dropped and no
// route through it is used.
func (s *Stack) DisableNIC(id tcpip.NICID) *tcpip.Error {
	n := s.NIC(id)
	if n == nil {
		return tcpip.ErrUnknownNICID
	}
	n.disable()
	return nil
}

// RemoveNIC removes the NIC and every route through it.
func (s *Stack) RemoveNIC(id tcpip.NICID) *tcpip.Error {
	s.mu.Lock()
	n, ok := s.nics[id]
	if !ok {
		s.mu.Unlock()
		return tcpip.ErrUnknownNICID
	}
	delete(s.nics, id)
	s.mu.Unlock()

	n.disable()
	n.linkEP.Attach(nil)
	n.closeEndpoints()
	s.routeTable.RemoveNIC(id)
	return nil
}

// AddAddress adds a new network-layer address to the specified NIC together
// with the connected route of its subnet.
func (s *Stack) AddAddress(id tcpip.NICID, addr netip.Prefix) *tcpip.Error {
	if !addr.IsValid() || !addr.Addr().IsValid() || addr.Addr().IsUnspecified() {
		return tcpip.ErrBadAddress
	}
	n := s.NIC(id)
	if n == nil {
		return tcpip.ErrUnknownNICID
	}
	if _, ok := s.networkProtocols[tcpip.NetworkProtocolFor(addr.Addr())]; !ok {
		return tcpip.ErrUnknownProtocol
	}
	if s.CheckLocalAddress(0, addr.Addr()) != 0 {
		return tcpip.ErrDuplicateAddress
	}
	if err := n.addAddress(addr); err != nil {
		return err
	}
	if err := s.routeTable.Add(routetable.Entry{
		Destination: addr.Masked(),
		NIC:         id,
		Kind:        routetable.KindConnected,
	}); err != nil && err != tcpip.ErrRouteExists {
		return err
	}
	return nil
}

// RemoveAddress removes an existing network-layer address from the specified
// NIC, and its connected route.
func (s *Stack) RemoveAddress(id tcpip.NICID, addr netip.Addr) *tcpip.Error {
	n := s.NIC(id)
	if n == nil {
		return tcpip.ErrUnknownNICID
	}
	p, err := n.removeAddress(addr)
	if err != nil {
		return err
	}
	s.routeTable.Remove(routetable.Entry{Destination: p.Masked(), NIC: id, Kind: routetable.KindConnected})
	return nil
}

// CheckLocalAddress determines if the given local address exists, and if it
// does, returns the id of the NIC it's bound to. Returns 0 if the address
// does not exist. nicID restricts the search when not zero.
func (s *Stack) CheckLocalAddress(nicID tcpip.NICID, addr netip.Addr) tcpip.NICID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if nicID != 0 {
		if n, ok := s.nics[nicID]; ok && n.hasAddress(addr) {
			return nicID
		}
		return 0
	}
	for id, n := range s.nics {
		if n.hasAddress(addr) {
			return id
		}
	}
	return 0
}

// IsLocalDestination reports whether a packet to addr received on nic is
// for this host: one of its addresses, or a broadcast or multicast address.
func (s *Stack) IsLocalDestination(nic *NIC, addr netip.Addr) bool {
	if addr.IsMulticast() || addr == header.IPv4Broadcast {
		return true
	}
	if nic.hasAddress(addr) || nic.isSubnetBroadcast(addr) {
		return true
	}
	return s.CheckLocalAddress(0, addr) != 0
}

// FindRoute creates a route to the given destination address, leaving
// through the given NIC and local address (if provided).
func (s *Stack) FindRoute(id tcpip.NICID, localAddr, remoteAddr netip.Addr, netProto tcpip.NetworkProtocolNumber) (*Route, *tcpip.Error) {
	if !remoteAddr.IsValid() {
		return nil, tcpip.ErrBadAddress
	}
	remoteAddr = remoteAddr.Unmap()
	if tcpip.NetworkProtocolFor(remoteAddr) != netProto {
		return nil, tcpip.ErrNoRoute
	}
	if localAddr.IsValid() {
		localAddr = localAddr.Unmap()
		if localAddr.IsUnspecified() {
			localAddr = netip.Addr{}
		}
	}
	if localAddr.IsValid() && s.CheckLocalAddress(id, localAddr) == 0 {
		return nil, tcpip.ErrBadLocalAddress
	}

	// Traffic to one of our own addresses never leaves the host.
	if nicID := s.CheckLocalAddress(0, remoteAddr); nicID != 0 {
		n := s.NIC(nicID)
		if n == nil || !n.Enabled() {
			return nil, tcpip.ErrNoRoute
		}
		if !localAddr.IsValid() {
			localAddr = remoteAddr
		}
		return &Route{
			NetProto:      netProto,
			LocalAddress:  localAddr,
			RemoteAddress: remoteAddr,
			NextHop:       remoteAddr,
			Loop:          true,
			nic:           n,
		}, nil
	}

	e, ok := s.routeTable.LookupFunc(remoteAddr, func(e routetable.Entry) bool {
		if id != 0 && e.NIC != id {
			return false
		}
		n := s.NIC(e.NIC)
		return n != nil && n.Enabled()
	})
	if !ok {
		return nil, tcpip.ErrNoRoute
	}
	n := s.NIC(e.NIC)
	if n == nil {
		return nil, tcpip.ErrNoRoute
	}
	if !localAddr.IsValid() {
		p, ok := n.PrimaryAddress(netProto)
		if !ok {
			return nil, tcpip.ErrNoRoute
		}
		localAddr = p.Addr()
	}
	return &Route{
		NetProto:      netProto,
		LocalAddress:  localAddr,
		RemoteAddress: remoteAddr,
		NextHop:       e.NextHop(remoteAddr),
		nic:           n,
	}, nil
}

// RegisterTransportEndpoint registers the given endpoint with the stack
// transport dispatcher. Received packets that match the provided id will be
// delivered to the given endpoint; specifying a nic is optional, but
// nic-specific IDs have precedence over global ones.
func (s *Stack) RegisterTransportEndpoint(netProtos []tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint, reuse bool) *tcpip.Error {
	return s.demux.registerEndpoint(netProtos, protocol, id, ep, reuse)
}

// UnregisterTransportEndpoint removes the endpoint with the given id from the
// stack transport dispatcher.
func (s *Stack) UnregisterTransportEndpoint(netProtos []tcpip.NetworkProtocolNumber, protocol tcpip.TransportProtocolNumber, id TransportEndpointID, ep TransportEndpoint) {
	s.demux.unregisterEndpoint(netProtos, protocol, id, ep)
}

// RegisterRawTransportEndpoint registers the given endpoint with the stack
// transport dispatcher. Received packets that match the provided transport
// protocol will be delivered to the given endpoint.
func (s *Stack) RegisterRawTransportEndpoint(netProto tcpip.NetworkProtocolNumber, transProto tcpip.TransportProtocolNumber, ep RawTransportEndpoint) *tcpip.Error {
	return s.demux.registerRawEndpoint(netProto, transProto, ep)
}

// UnregisterRawTransportEndpoint removes the endpoint for the transport
// protocol from the stack transport dispatcher.
func (s *Stack) UnregisterRawTransportEndpoint(netProto tcpip.NetworkProtocolNumber, transProto tcpip.TransportProtocolNumber, ep RawTransportEndpoint) {
	s.demux.unregisterRawEndpoint(netProto, transProto, ep)
}

// FirewallMeta describes nic to the firewall for packets of netProto.
func (s *Stack) FirewallMeta(nic *NIC, netProto tcpip.NetworkProtocolNumber) iptables.Meta {
	m := iptables.Meta{NIC: nic.id}
	if p, ok := nic.PrimaryAddress(netProto); ok {
		m.NICAddr = p.Addr()
	}
	return m
}

// Filter runs the firewall on pkt, a whole datagram, at evaluation point
// dir on nic. Without a firewall every packet is allowed.
func (s *Stack) Filter(pkt *buffer.PacketBuffer, dir iptables.Direction, nic *NIC) iptables.Result {
	fw := s.firewall.Load()
	if fw == nil {
		return iptables.Result{Verdict: iptables.Allow}
	}
	prev := pkt.Owner()
	pkt.Transfer(buffer.OwnerFirewall)
	res := fw.Evaluate(pkt, dir, s.FirewallMeta(nic, pkt.NetworkProtocolNumber))
	pkt.Transfer(prev)
	if res.Logged && s.logger.IsLogging(log.Debug) {
		s.logger.Debugf("nic %d: firewall %s verdict %s (rule %d)", nic.id, dir, res.Verdict, res.RuleID)
	}
	return res
}

// Close stops the timer and loopback goroutines, the protocols and every
// NIC. It does not wait for them; see Wait.
func (s *Stack) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
		for _, t := range s.transportProtocols {
			t.proto.Close()
		}
		for _, p := range s.networkProtocols {
			p.Close()
		}
		for _, n := range s.NICs() {
			n.disable()
			n.closeEndpoints()
		}
	})
}

// Wait waits for all transport, link endpoints and the stack's goroutines to
// halt their worker goroutines.
//
// Endpoints created or modified during this call may not get waited on.
//
// Note that link endpoints must be stopped via an implementation specific
// mechanism.
func (s *Stack) Wait() {
	for _, t := range s.transportProtocols {
		t.proto.Wait()
	}
	for _, n := range s.NICs() {
		n.linkEP.Wait()
	}
	s.wg.Wait()
}
