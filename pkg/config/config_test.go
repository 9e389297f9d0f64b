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

package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/iptables"
	"netengine.dev/netengine/pkg/tcpip/routetable"
)

func nicByName(name string) (tcpip.NICID, bool) {
	switch name {
	case "lan":
		return 1, true
	case "wan":
		return 2, true
	}
	return 0, false
}

func TestLoadFormatsAgree(t *testing.T) {
	fromTOML, err := Load("testdata/router.toml")
	if err != nil {
		t.Fatalf("Load(toml): %v", err)
	}
	fromYAML, err := Load("testdata/router.yaml")
	if err != nil {
		t.Fatalf("Load(yaml): %v", err)
	}
	if diff := cmp.Diff(fromTOML, fromYAML); diff != "" {
		t.Errorf("TOML and YAML configurations differ (-toml +yaml):\n%s", diff)
	}
}

func TestLoad(t *testing.T) {
	c, err := Load("testdata/router.toml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if lvl, err := c.LogLevel(); err != nil || lvl != log.Debug {
		t.Errorf("LogLevel() = %v, %v, want %v", lvl, err, log.Debug)
	}
	if got := c.StackOptions(); !got.Forwarding || got.SweepInterval != 10*time.Millisecond {
		t.Errorf("StackOptions() = %+v, want forwarding with a 10ms sweep", got)
	}

	// Values the file leaves out keep their defaults.
	d := Default()
	tcpOpts := c.TCPOptions()
	if tcpOpts.InitialRTO != 500*time.Millisecond || tcpOpts.MaxRTO != d.TCP.MaxRTO || !tcpOpts.NoDelay {
		t.Errorf("TCPOptions() = %+v", tcpOpts)
	}
	if got := c.IPv4Options().DefaultTTL; got != d.Stack.TTL {
		t.Errorf("IPv4Options().DefaultTTL = %d, want %d", got, d.Stack.TTL)
	}

	fw, err := c.FirewallOptions()
	if err != nil {
		t.Fatalf("FirewallOptions: %v", err)
	}
	if fw.DefaultPolicy != iptables.Deny || !fw.Stateful || fw.UDPTimeout != time.Minute {
		t.Errorf("FirewallOptions() = %+v", fw)
	}

	rules, err := c.FirewallRules()
	if err != nil {
		t.Fatalf("FirewallRules: %v", err)
	}
	wantRules := []iptables.Rule{
		{Name: "lan out", Src: netip.MustParsePrefix("10.0.0.0/24"), Direction: iptables.In},
		{Name: "ssh", Protocol: tcpip.TCPProtocolNumber, DstPorts: iptables.Port(22), Action: iptables.ActionReject},
	}
	if diff := cmp.Diff(wantRules, rules, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })); diff != "" {
		t.Errorf("FirewallRules() mismatch (-want +got):\n%s", diff)
	}

	nat, err := c.NATRules(nicByName)
	if err != nil {
		t.Fatalf("NATRules: %v", err)
	}
	if len(nat) != 1 || nat[0].Kind != iptables.Masquerade || nat[0].NIC != 2 {
		t.Errorf("NATRules() = %+v, want one masquerade rule on NIC 2", nat)
	}

	routes, err := c.RouteEntries(nicByName)
	if err != nil {
		t.Fatalf("RouteEntries: %v", err)
	}
	wantRoutes := []routetable.Entry{{
		Destination: netip.MustParsePrefix("0.0.0.0/0"),
		Gateway:     netip.MustParseAddr("192.0.2.1"),
		NIC:         2,
		Kind:        routetable.KindStatic,
	}}
	if diff := cmp.Diff(wantRoutes, routes, cmp.Comparer(func(a, b netip.Prefix) bool { return a == b }), cmp.Comparer(func(a, b netip.Addr) bool { return a == b })); diff != "" {
		t.Errorf("RouteEntries() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		toml string
		want string
	}{
		{name: "unknown key", toml: "[stack]\nttl = 3\nbogus = 1\n", want: "unknown key"},
		{name: "log level", toml: "[log]\nlevel = \"loud\"\n", want: "log level"},
		{name: "log format", toml: "[log]\nformat = \"xml\"\n", want: "unknown format"},
		{name: "policy", toml: "[firewall]\ndefault_policy = \"maybe\"\n", want: "verdict"},
		{name: "rule protocol", toml: "[[firewall.rule]]\nprotocol = \"sctp\"\n", want: "unknown protocol"},
		{name: "rule ports", toml: "[[firewall.rule]]\ndst_ports = \"90-80\"\n", want: "bad port range"},
		{name: "rule prefix", toml: "[[firewall.rule]]\nsrc = \"10.0.0.0/33\"\n", want: "bad address"},
		{name: "snat without address", toml: "[[firewall.nat]]\nkind = \"snat\"\n", want: "needs to_addr"},
		{name: "nat interface", toml: "[[firewall.nat]]\nkind = \"masquerade\"\ninterface = \"eth9\"\n", want: "unknown interface"},
		{name: "block prefix", toml: "[[firewall.block]]\nprefix = \"\"\n", want: "bad prefix"},
		{name: "duplicate interface", toml: "[[interface]]\nname = \"a\"\n[[interface]]\nname = \"a\"\n", want: "duplicate name"},
		{name: "small mtu", toml: "[[interface]]\nname = \"a\"\nmtu = 100\n", want: "below 576"},
		{name: "interface kind", toml: "[[interface]]\nname = \"a\"\nkind = \"wifi\"\n", want: "unknown kind"},
		{name: "interface address", toml: "[[interface]]\nname = \"a\"\naddresses = [\"10.0.0.1\"]\n", want: "interface \"a\""},
		{name: "route interface", toml: "[[route]]\ndestination = \"10.1.0.0/16\"\ninterface = \"x\"\n", want: "unknown interface"},
		{name: "route family", toml: "[[interface]]\nname = \"a\"\n[[route]]\ndestination = \"10.1.0.0/16\"\ngateway = \"fe80::1\"\ninterface = \"a\"\n", want: "does not match"},
		{name: "rto order", toml: "[tcp]\nmin_rto = \"10s\"\nmax_rto = \"1s\"\n", want: "min_rto"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.toml), FormatTOML)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("Parse = %v, want an error containing %q", err, tc.want)
			}
		})
	}
}

func TestParseYAMLUnknownField(t *testing.T) {
	if _, err := Parse([]byte("stack:\n  bogus: 1\n"), FormatYAML); err == nil {
		t.Errorf("Parse succeeded with an unknown field")
	}
	c, err := Parse(nil, FormatYAML)
	if err != nil {
		t.Fatalf("Parse(empty): %v", err)
	}
	if diff := cmp.Diff(Default(), c); diff != "" {
		t.Errorf("empty document mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatOf(t *testing.T) {
	for in, want := range map[string]Format{"a.toml": FormatTOML, "b.YAML": FormatYAML, "c.yml": FormatYAML} {
		if got, err := FormatOf(in); err != nil || got != want {
			t.Errorf("FormatOf(%q) = %q, %v, want %q", in, got, err, want)
		}
	}
	if _, err := FormatOf("d.json"); err == nil {
		t.Errorf("FormatOf(%q) succeeded, want error", "d.json")
	}
	path := filepath.Join(t.TempDir(), "x.ini")
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Errorf("Load(%q) succeeded, want error", path)
	}
}

func TestClone(t *testing.T) {
	c, err := Load("testdata/router.toml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cp := c.Clone()
	if diff := cmp.Diff(c, cp); diff != "" {
		t.Fatalf("Clone mismatch (-want +got):\n%s", diff)
	}
	cp.Interfaces[0].Addresses[0] = "10.9.9.9/24"
	cp.Firewall.Rules = nil
	if c.Interfaces[0].Addresses[0] != "10.0.0.1/24" || len(c.Firewall.Rules) != 2 {
		t.Errorf("modifying the clone changed the original")
	}
}

func TestApplyFirewall(t *testing.T) {
	c, err := Load("testdata/router.toml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	opts, err := c.FirewallOptions()
	if err != nil {
		t.Fatalf("FirewallOptions: %v", err)
	}
	fw := iptables.NewEngine(opts)
	defer fw.Close()
	if err := c.ApplyFirewall(fw, nicByName); err != nil {
		t.Fatalf("ApplyFirewall: %v", err)
	}
	if got := len(fw.Rules()); got != 2 {
		t.Errorf("engine has %d rules, want 2", got)
	}
	if got := len(fw.NATRules()); got != 1 {
		t.Errorf("engine has %d NAT rules, want 1", got)
	}
	blocked := fw.Blocked()
	if len(blocked) != 1 || blocked[0].Prefix != netip.MustParsePrefix("198.51.100.0/24") {
		t.Errorf("Blocked() = %+v, want 198.51.100.0/24", blocked)
	}
}
