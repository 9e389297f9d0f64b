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

package stack_test

import (
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/faketime"
	"netengine.dev/netengine/pkg/tcpip/link/channel"
	"netengine.dev/netengine/pkg/tcpip/network/ipv4"
	"netengine.dev/netengine/pkg/tcpip/network/ipv6"
	"netengine.dev/netengine/pkg/tcpip/routetable"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/transport/udp"
	"netengine.dev/netengine/pkg/waiter"
)

var (
	lanPrefix = netip.MustParsePrefix("10.0.0.1/24")
	lanV6     = netip.MustParsePrefix("fd00::1/64")
	gateway   = netip.MustParseAddr("10.0.0.254")
	remote    = netip.MustParseAddr("198.51.100.7")

	ignoreSeq = cmpopts.IgnoreUnexported(routetable.Entry{})
)

func newStack(t *testing.T) (*stack.Stack, *channel.Endpoint) {
	t.Helper()
	s := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{udp.NewProtocol},
		Clock:              faketime.NewManualClock(),
		ManualSweep:        true,
	})
	link := channel.New(16, 1500)
	if err := s.CreateNIC(1, link, stack.NICOptions{Name: "eth0"}); err != nil {
		t.Fatalf("CreateNIC: %s", err)
	}
	t.Cleanup(func() {
		s.Close()
		s.Wait()
	})
	return s, link
}

func TestCreateNIC(t *testing.T) {
	s, _ := newStack(t)
	for _, tc := range []struct {
		name string
		id   tcpip.NICID
		want *tcpip.Error
	}{
		{name: "zero", id: 0, want: tcpip.ErrUnknownNICID},
		{name: "negative", id: -1, want: tcpip.ErrUnknownNICID},
		{name: "duplicate", id: 1, want: tcpip.ErrDuplicateNICID},
		{name: "new", id: 3},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.CreateNIC(tc.id, channel.New(1, 1500), stack.NICOptions{}); got != tc.want {
				t.Errorf("CreateNIC(%d) = %v, want %v", tc.id, got, tc.want)
			}
		})
	}
	if err := s.CreateNIC(2, channel.New(1, 1500), stack.NICOptions{Name: "eth1", Disabled: true}); err != nil {
		t.Fatalf("CreateNIC(2): %s", err)
	}

	var ids []tcpip.NICID
	for _, n := range s.NICs() {
		ids = append(ids, n.ID())
	}
	if diff := cmp.Diff([]tcpip.NICID{1, 2, 3}, ids); diff != "" {
		t.Errorf("NICs() mismatch (-want +got):\n%s", diff)
	}
	if n := s.NIC(2); n.Enabled() || n.Name() != "eth1" {
		t.Errorf("NIC(2) = %q enabled %t, want \"eth1\" disabled", n.Name(), n.Enabled())
	}
	if err := s.EnableNIC(2); err != nil {
		t.Fatalf("EnableNIC(2): %s", err)
	}
	if !s.NIC(2).Enabled() {
		t.Errorf("NIC(2) still disabled after EnableNIC")
	}
	if err := s.EnableNIC(9); err != tcpip.ErrUnknownNICID {
		t.Errorf("EnableNIC(9) = %v, want %v", err, tcpip.ErrUnknownNICID)
	}
}

func TestAddressAndConnectedRoute(t *testing.T) {
	s, _ := newStack(t)

	for _, tc := range []struct {
		name string
		nic  tcpip.NICID
		addr netip.Prefix
		want *tcpip.Error
	}{
		{name: "v4", nic: 1, addr: lanPrefix},
		{name: "v6", nic: 1, addr: lanV6},
		{name: "duplicate", nic: 1, addr: lanPrefix, want: tcpip.ErrDuplicateAddress},
		{name: "unspecified", nic: 1, addr: netip.MustParsePrefix("0.0.0.0/0"), want: tcpip.ErrBadAddress},
		{name: "invalid", nic: 1, addr: netip.Prefix{}, want: tcpip.ErrBadAddress},
		{name: "unknown nic", nic: 7, addr: netip.MustParsePrefix("10.1.0.1/24"), want: tcpip.ErrUnknownNICID},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if got := s.AddAddress(tc.nic, tc.addr); got != tc.want {
				t.Errorf("AddAddress(%d, %s) = %v, want %v", tc.nic, tc.addr, got, tc.want)
			}
		})
	}

	want := []routetable.Entry{
		{Destination: netip.MustParsePrefix("10.0.0.0/24"), NIC: 1, Kind: routetable.KindConnected},
		{Destination: netip.MustParsePrefix("fd00::/64"), NIC: 1, Kind: routetable.KindConnected},
	}
	if diff := cmp.Diff(want, s.RouteTable().Routes(), ignoreSeq, cmpopts.EquateComparable(netip.Prefix{}, netip.Addr{})); diff != "" {
		t.Errorf("Routes() mismatch (-want +got):\n%s", diff)
	}
	if got := s.CheckLocalAddress(0, lanPrefix.Addr()); got != 1 {
		t.Errorf("CheckLocalAddress(0, %s) = %d, want 1", lanPrefix.Addr(), got)
	}
	if p, ok := s.NIC(1).PrimaryAddress(ipv6.ProtocolNumber); !ok || p != lanV6 {
		t.Errorf("PrimaryAddress(ipv6) = %s, %t, want %s", p, ok, lanV6)
	}

	if err := s.RemoveAddress(1, lanPrefix.Addr()); err != nil {
		t.Fatalf("RemoveAddress: %s", err)
	}
	if err := s.RemoveAddress(1, lanPrefix.Addr()); err != tcpip.ErrBadLocalAddress {
		t.Errorf("second RemoveAddress = %v, want %v", err, tcpip.ErrBadLocalAddress)
	}
	if got := s.CheckLocalAddress(0, lanPrefix.Addr()); got != 0 {
		t.Errorf("CheckLocalAddress after removal = %d, want 0", got)
	}
	if diff := cmp.Diff(want[1:], s.RouteTable().Routes(), ignoreSeq, cmpopts.EquateComparable(netip.Prefix{}, netip.Addr{})); diff != "" {
		t.Errorf("Routes() after RemoveAddress mismatch (-want +got):\n%s", diff)
	}
}

func TestFindRoute(t *testing.T) {
	s, _ := newStack(t)
	if err := s.AddAddress(1, lanPrefix); err != nil {
		t.Fatalf("AddAddress: %s", err)
	}
	if err := s.RouteTable().Add(routetable.Entry{
		Destination: netip.MustParsePrefix("0.0.0.0/0"),
		Gateway:     gateway,
		NIC:         1,
	}); err != nil {
		t.Fatalf("Add default route: %s", err)
	}

	type result struct {
		Local, Remote, NextHop netip.Addr
		Loop                   bool
	}
	for _, tc := range []struct {
		name    string
		local   netip.Addr
		remote  netip.Addr
		proto   tcpip.NetworkProtocolNumber
		want    result
		wantErr *tcpip.Error
	}{
		{
			name:   "on link",
			remote: netip.MustParseAddr("10.0.0.9"),
			proto:  ipv4.ProtocolNumber,
			want:   result{Local: lanPrefix.Addr(), Remote: netip.MustParseAddr("10.0.0.9"), NextHop: netip.MustParseAddr("10.0.0.9")},
		},
		{
			name:   "via gateway",
			remote: remote,
			proto:  ipv4.ProtocolNumber,
			want:   result{Local: lanPrefix.Addr(), Remote: remote, NextHop: gateway},
		},
		{
			name:   "local",
			remote: lanPrefix.Addr(),
			proto:  ipv4.ProtocolNumber,
			want:   result{Local: lanPrefix.Addr(), Remote: lanPrefix.Addr(), NextHop: lanPrefix.Addr(), Loop: true},
		},
		{
			name:   "mapped remote",
			remote: netip.MustParseAddr("::ffff:10.0.0.9"),
			proto:  ipv4.ProtocolNumber,
			want:   result{Local: lanPrefix.Addr(), Remote: netip.MustParseAddr("10.0.0.9"), NextHop: netip.MustParseAddr("10.0.0.9")},
		},
		{
			name:    "no v6 route",
			remote:  netip.MustParseAddr("2001:db8::1"),
			proto:   ipv6.ProtocolNumber,
			wantErr: tcpip.ErrNoRoute,
		},
		{
			name:    "protocol mismatch",
			remote:  remote,
			proto:   ipv6.ProtocolNumber,
			wantErr: tcpip.ErrNoRoute,
		},
		{
			name:    "foreign local",
			local:   netip.MustParseAddr("10.0.0.77"),
			remote:  remote,
			proto:   ipv4.ProtocolNumber,
			wantErr: tcpip.ErrBadLocalAddress,
		},
		{
			name:    "no remote",
			proto:   ipv4.ProtocolNumber,
			wantErr: tcpip.ErrBadAddress,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r, err := s.FindRoute(0, tc.local, tc.remote, tc.proto)
			if err != tc.wantErr {
				t.Fatalf("FindRoute(%s, %s) = %v, want %v", tc.local, tc.remote, err, tc.wantErr)
			}
			if err != nil {
				return
			}
			got := result{Local: r.LocalAddress, Remote: r.RemoteAddress, NextHop: r.NextHop, Loop: r.Loop}
			if diff := cmp.Diff(tc.want, got, cmpopts.EquateComparable(netip.Addr{})); diff != "" {
				t.Errorf("FindRoute mismatch (-want +got):\n%s", diff)
			}
			if r.NICID() != 1 {
				t.Errorf("NICID() = %d, want 1", r.NICID())
			}
		})
	}

	if err := s.DisableNIC(1); err != nil {
		t.Fatalf("DisableNIC: %s", err)
	}
	if _, err := s.FindRoute(0, netip.Addr{}, remote, ipv4.ProtocolNumber); err != tcpip.ErrNoRoute {
		t.Errorf("FindRoute through a disabled NIC = %v, want %v", err, tcpip.ErrNoRoute)
	}
}

func TestFindRouteFallsBackToShorterPrefix(t *testing.T) {
	s, _ := newStack(t)
	if err := s.CreateNIC(2, channel.New(1, 1500), stack.NICOptions{Name: "eth1"}); err != nil {
		t.Fatalf("CreateNIC(2): %s", err)
	}
	wan := netip.MustParsePrefix("203.0.113.1/24")
	for _, a := range []struct {
		nic  tcpip.NICID
		addr netip.Prefix
	}{{1, lanPrefix}, {2, wan}} {
		if err := s.AddAddress(a.nic, a.addr); err != nil {
			t.Fatalf("AddAddress(%d, %s): %s", a.nic, a.addr, err)
		}
	}
	wanGateway := netip.MustParseAddr("203.0.113.254")
	for _, e := range []routetable.Entry{
		{Destination: netip.MustParsePrefix("198.51.100.0/24"), Gateway: gateway, NIC: 1},
		{Destination: netip.MustParsePrefix("0.0.0.0/0"), Gateway: wanGateway, NIC: 2},
	} {
		if err := s.RouteTable().Add(e); err != nil {
			t.Fatalf("Add(%s): %s", e, err)
		}
	}

	check := func(nic tcpip.NICID, wantNIC tcpip.NICID, wantLocal, wantNextHop netip.Addr) {
		t.Helper()
		r, err := s.FindRoute(nic, netip.Addr{}, remote, ipv4.ProtocolNumber)
		if err != nil {
			t.Fatalf("FindRoute(%d, %s): %s", nic, remote, err)
		}
		if r.NICID() != wantNIC || r.LocalAddress != wantLocal || r.NextHop != wantNextHop {
			t.Errorf("FindRoute(%d, %s) = nic %d from %s via %s, want nic %d from %s via %s",
				nic, remote, r.NICID(), r.LocalAddress, r.NextHop, wantNIC, wantLocal, wantNextHop)
		}
	}

	check(0, 1, lanPrefix.Addr(), gateway)
	// Bound to the other NIC, the default route is the best match.
	check(2, 2, wan.Addr(), wanGateway)

	if err := s.DisableNIC(1); err != nil {
		t.Fatalf("DisableNIC: %s", err)
	}
	check(0, 2, wan.Addr(), wanGateway)
	if _, err := s.FindRoute(1, netip.Addr{}, remote, ipv4.ProtocolNumber); err != tcpip.ErrNoRoute {
		t.Errorf("FindRoute bound to the disabled NIC = %v, want %v", err, tcpip.ErrNoRoute)
	}
}

func TestRemoveNICDropsRoutes(t *testing.T) {
	s, _ := newStack(t)
	if err := s.AddAddress(1, lanPrefix); err != nil {
		t.Fatalf("AddAddress: %s", err)
	}
	if err := s.RemoveNIC(1); err != nil {
		t.Fatalf("RemoveNIC: %s", err)
	}
	if n := s.RouteTable().Len(); n != 0 {
		t.Errorf("RouteTable().Len() = %d after RemoveNIC, want 0", n)
	}
	if err := s.RemoveNIC(1); err != tcpip.ErrUnknownNICID {
		t.Errorf("second RemoveNIC = %v, want %v", err, tcpip.ErrUnknownNICID)
	}
}

func TestDisabledNICDrops(t *testing.T) {
	s, link := newStack(t)
	if err := s.DisableNIC(1); err != nil {
		t.Fatalf("DisableNIC: %s", err)
	}
	link.InjectInbound([]byte{0x45, 0, 0, 20, 0, 0, 0, 0, 64, 17, 0, 0, 10, 0, 0, 2, 10, 0, 0, 1})
	stats := s.Stats()
	if got := stats.DroppedPackets.Value(); got != 1 {
		t.Errorf("DroppedPackets = %d, want 1", got)
	}
}

func TestLoopbackDelivery(t *testing.T) {
	s, link := newStack(t)
	if err := s.AddAddress(1, lanPrefix); err != nil {
		t.Fatalf("AddAddress: %s", err)
	}

	var wq waiter.Queue
	server, err := s.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if err != nil {
		t.Fatalf("NewEndpoint: %s", err)
	}
	defer server.Close()
	if err := server.Bind(tcpip.FullAddress{Port: 5000}); err != nil {
		t.Fatalf("Bind: %s", err)
	}
	we, ch := waiter.NewChannelEntry(nil)
	wq.EventRegister(&we, waiter.EventIn)
	defer wq.EventUnregister(&we)

	client, err := s.NewEndpoint(udp.ProtocolNumber, ipv4.ProtocolNumber, new(waiter.Queue))
	if err != nil {
		t.Fatalf("NewEndpoint: %s", err)
	}
	defer client.Close()
	payload := []byte("over the loopback queue")
	to := tcpip.FullAddress{Addr: lanPrefix.Addr(), Port: 5000}
	if _, err := client.Write(payload, tcpip.WriteOptions{To: &to}); err != nil {
		t.Fatalf("Write: %s", err)
	}

	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("datagram was not delivered")
	}
	buf := make([]byte, 100)
	var from tcpip.FullAddress
	n, err := server.Read(buf, &from)
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	if diff := cmp.Diff(payload, buf[:n]); diff != "" {
		t.Errorf("payload mismatch (-want +got):\n%s", diff)
	}
	if from.Addr != lanPrefix.Addr() {
		t.Errorf("source = %s, want %s", from.Addr, lanPrefix.Addr())
	}
	if n := link.NumQueued(); n != 0 {
		t.Errorf("%d packets leaked to the link", n)
	}
}

func TestCollector(t *testing.T) {
	s, _ := newStack(t)
	if err := s.CreateNIC(2, channel.New(1, 1500), stack.NICOptions{Name: "eth1", Disabled: true}); err != nil {
		t.Fatalf("CreateNIC: %s", err)
	}
	if err := s.AddAddress(1, lanPrefix); err != nil {
		t.Fatalf("AddAddress: %s", err)
	}
	if err := s.RouteTable().Add(routetable.Entry{
		Destination: netip.MustParsePrefix("0.0.0.0/0"),
		Gateway:     gateway,
		NIC:         1,
	}); err != nil {
		t.Fatalf("Add default route: %s", err)
	}

	c := stack.NewCollector(s)
	const want = `
# HELP netengine_nic_up Whether a NIC is enabled and its link is up.
# TYPE netengine_nic_up gauge
netengine_nic_up{name="eth0",nic="1"} 1
netengine_nic_up{name="eth1",nic="2"} 0
# HELP netengine_route_entries Routing table entries.
# TYPE netengine_route_entries gauge
netengine_route_entries 2
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want), "netengine_nic_up", "netengine_route_entries"); err != nil {
		t.Errorf("CollectAndCompare: %s", err)
	}

	stats := s.Stats()
	stats.UDP.PacketsReceived.IncrementBy(3)
	const wantUDP = `
# HELP netengine_udp_packets_received_total Stack counter UDP.PacketsReceived.
# TYPE netengine_udp_packets_received_total counter
netengine_udp_packets_received_total 3
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(wantUDP), "netengine_udp_packets_received_total"); err != nil {
		t.Errorf("CollectAndCompare: %s", err)
	}
}
