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

// Package config loads the engine configuration from a TOML or YAML file and
// converts it to the typed options of the stack packages.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/iptables"
	"netengine.dev/netengine/pkg/tcpip/network/fragmentation"
	"netengine.dev/netengine/pkg/tcpip/network/ip"
	"netengine.dev/netengine/pkg/tcpip/network/ipv4"
	"netengine.dev/netengine/pkg/tcpip/network/ipv6"
	"netengine.dev/netengine/pkg/tcpip/routetable"
	"netengine.dev/netengine/pkg/tcpip/stack"
	"netengine.dev/netengine/pkg/tcpip/transport/tcp"
	"netengine.dev/netengine/pkg/tcpip/transport/udp"
)

// Format is the encoding of a configuration file.
type Format string

// Supported formats.
const (
	FormatTOML Format = "toml"
	FormatYAML Format = "yaml"
)

// Config is the configuration of a netengine instance.
type Config struct {
	Log        Log         `toml:"log" yaml:"log"`
	Stack      Stack       `toml:"stack" yaml:"stack"`
	IP         IP          `toml:"ip" yaml:"ip"`
	TCP        TCP         `toml:"tcp" yaml:"tcp"`
	UDP        UDP         `toml:"udp" yaml:"udp"`
	Firewall   Firewall    `toml:"firewall" yaml:"firewall"`
	Interfaces []Interface `toml:"interface" yaml:"interfaces"`
	Routes     []Route     `toml:"route" yaml:"routes"`
	Metrics    Metrics     `toml:"metrics" yaml:"metrics"`
}

// Log configures logging.
type Log struct {
	// Level is one of "warning", "info" and "debug".
	Level string `toml:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" yaml:"format"`
}

// Stack holds the stack wide settings.
type Stack struct {
	TTL             uint8         `toml:"ttl" yaml:"ttl"`
	HopLimit        uint8         `toml:"hop_limit" yaml:"hop_limit"`
	Forwarding      bool          `toml:"forwarding" yaml:"forwarding"`
	AcceptRedirects bool          `toml:"accept_redirects" yaml:"accept_redirects"`
	SweepInterval   time.Duration `toml:"sweep_interval" yaml:"sweep_interval"`
	MaxSockets      int           `toml:"max_sockets" yaml:"max_sockets"`
}

// IP configures reassembly and ICMP error generation.
type IP struct {
	ReassemblyTimeoutV4 time.Duration `toml:"reassembly_timeout_v4" yaml:"reassembly_timeout_v4"`
	ReassemblyTimeoutV6 time.Duration `toml:"reassembly_timeout_v6" yaml:"reassembly_timeout_v6"`

	// ReassemblyHighLimit and ReassemblyLowLimit are the memory watermarks
	// of the reassembly buffers in bytes.
	ReassemblyHighLimit int `toml:"reassembly_high_limit" yaml:"reassembly_high_limit"`
	ReassemblyLowLimit  int `toml:"reassembly_low_limit" yaml:"reassembly_low_limit"`

	// ICMPRateLimit is in errors per second.
	ICMPRateLimit float64 `toml:"icmp_rate_limit" yaml:"icmp_rate_limit"`
	ICMPBurst     int     `toml:"icmp_burst" yaml:"icmp_burst"`
}

// TCP holds the TCP tunables.
type TCP struct {
	InitialRTO        time.Duration `toml:"initial_rto" yaml:"initial_rto"`
	MinRTO            time.Duration `toml:"min_rto" yaml:"min_rto"`
	MaxRTO            time.Duration `toml:"max_rto" yaml:"max_rto"`
	MaxRetries        int           `toml:"max_retries" yaml:"max_retries"`
	InitialCwnd       int           `toml:"initial_cwnd" yaml:"initial_cwnd"`
	DupAckThreshold   int           `toml:"dup_ack_threshold" yaml:"dup_ack_threshold"`
	TimeWaitTimeout   time.Duration `toml:"time_wait_timeout" yaml:"time_wait_timeout"`
	FinWait2Timeout   time.Duration `toml:"fin_wait2_timeout" yaml:"fin_wait2_timeout"`
	SendBufferSize    int           `toml:"send_buffer_size" yaml:"send_buffer_size"`
	ReceiveBufferSize int           `toml:"receive_buffer_size" yaml:"receive_buffer_size"`
	NoDelay           bool          `toml:"no_delay" yaml:"no_delay"`
}

// UDP holds the UDP tunables.
type UDP struct {
	SendBufferSize    int `toml:"send_buffer_size" yaml:"send_buffer_size"`
	ReceiveBufferSize int `toml:"receive_buffer_size" yaml:"receive_buffer_size"`
}

// Firewall configures the filter and translation engine.
type Firewall struct {
	Enabled bool `toml:"enabled" yaml:"enabled"`

	// DefaultPolicy is "allow", "deny" or "reject".
	DefaultPolicy string `toml:"default_policy" yaml:"default_policy"`
	Stateful      bool   `toml:"stateful" yaml:"stateful"`

	MaxConnections        int           `toml:"max_connections" yaml:"max_connections"`
	TCPEstablishedTimeout time.Duration `toml:"tcp_established_timeout" yaml:"tcp_established_timeout"`
	TCPTransitoryTimeout  time.Duration `toml:"tcp_transitory_timeout" yaml:"tcp_transitory_timeout"`
	UDPTimeout            time.Duration `toml:"udp_timeout" yaml:"udp_timeout"`
	ICMPTimeout           time.Duration `toml:"icmp_timeout" yaml:"icmp_timeout"`

	Rules     []Rule    `toml:"rule" yaml:"rules"`
	NAT       []NATRule `toml:"nat" yaml:"nat"`
	Blocklist []Block   `toml:"block" yaml:"blocklist"`
}

// Rule is a firewall rule. Empty fields match everything.
type Rule struct {
	Name      string `toml:"name" yaml:"name"`
	Protocol  string `toml:"protocol" yaml:"protocol"`
	Src       string `toml:"src" yaml:"src"`
	Dst       string `toml:"dst" yaml:"dst"`
	SrcPorts  string `toml:"src_ports" yaml:"src_ports"`
	DstPorts  string `toml:"dst_ports" yaml:"dst_ports"`
	Direction string `toml:"direction" yaml:"direction"`
	Action    string `toml:"action" yaml:"action"`
	Log       bool   `toml:"log" yaml:"log"`
	Disabled  bool   `toml:"disabled" yaml:"disabled"`
}

// NATRule is an address translation rule.
type NATRule struct {
	// Kind is "snat", "masquerade" or "dnat".
	Kind      string `toml:"kind" yaml:"kind"`
	Protocol  string `toml:"protocol" yaml:"protocol"`
	Src       string `toml:"src" yaml:"src"`
	Dst       string `toml:"dst" yaml:"dst"`
	DstPorts  string `toml:"dst_ports" yaml:"dst_ports"`
	Interface string `toml:"interface" yaml:"interface"`
	ToAddr    string `toml:"to_addr" yaml:"to_addr"`
	ToPorts   string `toml:"to_ports" yaml:"to_ports"`
}

// Block is a blocklist entry. A zero TTL blocks for good.
type Block struct {
	Prefix string        `toml:"prefix" yaml:"prefix"`
	TTL    time.Duration `toml:"ttl" yaml:"ttl"`
}

// Interface is a network interface driven by the engine.
type Interface struct {
	Name string `toml:"name" yaml:"name"`

	// Kind is "tun" or "loopback".
	Kind string `toml:"kind" yaml:"kind"`
	MTU  uint32 `toml:"mtu" yaml:"mtu"`

	// Addresses are assigned to the engine's side of the interface.
	Addresses []string `toml:"addresses" yaml:"addresses"`

	// HostAddresses are assigned to the host side of a TUN device.
	HostAddresses []string `toml:"host_addresses" yaml:"host_addresses"`
}

// Route is a static route.
type Route struct {
	Destination string `toml:"destination" yaml:"destination"`
	Gateway     string `toml:"gateway" yaml:"gateway"`
	Interface   string `toml:"interface" yaml:"interface"`
	Metric      uint32 `toml:"metric" yaml:"metric"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	// Listen is the address of the HTTP server. Empty disables it.
	Listen string `toml:"listen" yaml:"listen"`
}

// Default returns the configuration used for settings a file leaves out.
func Default() *Config {
	t := tcp.DefaultOptions()
	return &Config{
		Log: Log{Level: "info", Format: string(log.FormatText)},
		Stack: Stack{
			TTL:           ipv4.DefaultTTL,
			HopLimit:      ipv6.DefaultHopLimit,
			SweepInterval: stack.DefaultSweepInterval,
		},
		IP: IP{
			ReassemblyTimeoutV4: ip.DefaultIPv4ReassemblyTimeout,
			ReassemblyTimeoutV6: ip.DefaultIPv6ReassemblyTimeout,
			ReassemblyHighLimit: fragmentation.HighFragThreshold,
			ReassemblyLowLimit:  fragmentation.LowFragThreshold,
			ICMPRateLimit:       ip.DefaultICMPRateLimit,
			ICMPBurst:           ip.DefaultICMPBurst,
		},
		TCP: TCP{
			InitialRTO:        t.InitialRTO,
			MinRTO:            t.MinRTO,
			MaxRTO:            t.MaxRTO,
			MaxRetries:        t.MaxRetries,
			InitialCwnd:       t.InitialCwnd,
			DupAckThreshold:   t.DupAckThreshold,
			TimeWaitTimeout:   t.TimeWaitTimeout,
			FinWait2Timeout:   t.FinWait2Timeout,
			SendBufferSize:    t.SendBufferSize,
			ReceiveBufferSize: t.ReceiveBufferSize,
		},
		UDP: UDP{
			SendBufferSize:    udp.DefaultSendBufferSize,
			ReceiveBufferSize: udp.DefaultReceiveBufferSize,
		},
		Firewall: Firewall{
			DefaultPolicy:         "allow",
			MaxConnections:        iptables.DefaultMaxConnections,
			TCPEstablishedTimeout: iptables.DefaultTCPEstablishedTimeout,
			TCPTransitoryTimeout:  iptables.DefaultTCPTransitoryTimeout,
			UDPTimeout:            iptables.DefaultUDPTimeout,
			ICMPTimeout:           iptables.DefaultICMPTimeout,
		},
	}
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// FormatOf picks the format from a file name extension.
func FormatOf(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return FormatTOML, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	}
	return "", fmt.Errorf("unknown configuration format for %q", path)
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	format, err := FormatOf(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// Parse decodes data over the defaults and validates the result. Unknown
// keys are errors.
func Parse(data []byte, format Format) (*Config, error) {
	c := Default()
	switch format {
	case FormatTOML:
		md, err := toml.Decode(string(data), c)
		if err != nil {
			return nil, err
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown key %q", undecoded[0].String())
		}
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document leaves the defaults.
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unknown configuration format %q", format)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks every field that has a parsed form.
func (c *Config) Validate() error {
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	switch log.Format(c.Log.Format) {
	case log.FormatText, log.FormatJSON:
	default:
		return fmt.Errorf("log: unknown format %q", c.Log.Format)
	}
	if c.IP.ReassemblyLowLimit > c.IP.ReassemblyHighLimit {
		return fmt.Errorf("ip: reassembly_low_limit %d above reassembly_high_limit %d", c.IP.ReassemblyLowLimit, c.IP.ReassemblyHighLimit)
	}
	if c.TCP.MinRTO > c.TCP.MaxRTO {
		return fmt.Errorf("tcp: min_rto %s above max_rto %s", c.TCP.MinRTO, c.TCP.MaxRTO)
	}

	names := make(map[string]bool)
	for i, ifc := range c.Interfaces {
		if ifc.Name == "" {
			return fmt.Errorf("interface %d: missing name", i)
		}
		if names[ifc.Name] {
			return fmt.Errorf("interface %q: duplicate name", ifc.Name)
		}
		names[ifc.Name] = true
		switch ifc.Kind {
		case "", "tun", "loopback":
		default:
			return fmt.Errorf("interface %q: unknown kind %q", ifc.Name, ifc.Kind)
		}
		if ifc.MTU != 0 && ifc.MTU < 576 {
			return fmt.Errorf("interface %q: mtu %d below 576", ifc.Name, ifc.MTU)
		}
		for _, a := range append(append([]string(nil), ifc.Addresses...), ifc.HostAddresses...) {
			if _, err := netip.ParsePrefix(a); err != nil {
				return fmt.Errorf("interface %q: %w", ifc.Name, err)
			}
		}
	}

	lookup := func(name string) (tcpip.NICID, bool) {
		return 1, names[name]
	}
	if _, err := c.RouteEntries(lookup); err != nil {
		return err
	}
	if _, err := c.FirewallOptions(); err != nil {
		return err
	}
	if _, err := c.FirewallRules(); err != nil {
		return err
	}
	if _, err := c.NATRules(lookup); err != nil {
		return err
	}
	if _, err := c.Blocklist(); err != nil {
		return err
	}
	return nil
}

// LogLevel returns the parsed log level.
func (c *Config) LogLevel() (log.Level, error) {
	l, err := log.ParseLevel(c.Log.Level)
	if err != nil {
		return 0, fmt.Errorf("log: %w", err)
	}
	return l, nil
}

// IPv4Options returns the options of the ipv4 protocol.
func (c *Config) IPv4Options() ipv4.Options {
	return ipv4.Options{
		ReassemblyTimeout:   c.IP.ReassemblyTimeoutV4,
		ReassemblyHighLimit: c.IP.ReassemblyHighLimit,
		ReassemblyLowLimit:  c.IP.ReassemblyLowLimit,
		DefaultTTL:          c.Stack.TTL,
		ICMPRateLimit:       rate.Limit(c.IP.ICMPRateLimit),
		ICMPBurst:           c.IP.ICMPBurst,
	}
}

// IPv6Options returns the options of the ipv6 protocol.
func (c *Config) IPv6Options() ipv6.Options {
	return ipv6.Options{
		ReassemblyTimeout:   c.IP.ReassemblyTimeoutV6,
		ReassemblyHighLimit: c.IP.ReassemblyHighLimit,
		ReassemblyLowLimit:  c.IP.ReassemblyLowLimit,
		DefaultHopLimit:     c.Stack.HopLimit,
		ICMPRateLimit:       rate.Limit(c.IP.ICMPRateLimit),
		ICMPBurst:           c.IP.ICMPBurst,
	}
}

// TCPOptions returns the options of the tcp protocol.
func (c *Config) TCPOptions() tcp.Options {
	return tcp.Options{
		InitialRTO:        c.TCP.InitialRTO,
		MinRTO:            c.TCP.MinRTO,
		MaxRTO:            c.TCP.MaxRTO,
		MaxRetries:        c.TCP.MaxRetries,
		InitialCwnd:       c.TCP.InitialCwnd,
		DupAckThreshold:   c.TCP.DupAckThreshold,
		TimeWaitTimeout:   c.TCP.TimeWaitTimeout,
		FinWait2Timeout:   c.TCP.FinWait2Timeout,
		SendBufferSize:    c.TCP.SendBufferSize,
		ReceiveBufferSize: c.TCP.ReceiveBufferSize,
		NoDelay:           c.TCP.NoDelay,
	}
}

// UDPOptions returns the options of the udp protocol.
func (c *Config) UDPOptions() udp.Options {
	return udp.Options{
		SendBufferSize:    c.UDP.SendBufferSize,
		ReceiveBufferSize: c.UDP.ReceiveBufferSize,
	}
}

// StackOptions returns the stack options the configuration covers. The
// caller adds protocols, clock and firewall.
func (c *Config) StackOptions() stack.Options {
	return stack.Options{
		SweepInterval:   c.Stack.SweepInterval,
		Forwarding:      c.Stack.Forwarding,
		AcceptRedirects: c.Stack.AcceptRedirects,
	}
}

// FirewallOptions returns the engine options. Clock, timers and logger are
// left for the caller.
func (c *Config) FirewallOptions() (iptables.Options, error) {
	policy, err := iptables.ParseVerdict(strings.ToLower(c.Firewall.DefaultPolicy))
	if err != nil {
		return iptables.Options{}, fmt.Errorf("firewall: %w", err)
	}
	return iptables.Options{
		DefaultPolicy:         policy,
		Stateful:              c.Firewall.Stateful,
		MaxConnections:        c.Firewall.MaxConnections,
		TCPEstablishedTimeout: c.Firewall.TCPEstablishedTimeout,
		TCPTransitoryTimeout:  c.Firewall.TCPTransitoryTimeout,
		UDPTimeout:            c.Firewall.UDPTimeout,
		ICMPTimeout:           c.Firewall.ICMPTimeout,
	}, nil
}

// ParseProtocol maps a protocol name to its number. The empty name is zero,
// which matches every protocol.
func ParseProtocol(s string) (tcpip.TransportProtocolNumber, error) {
	switch strings.ToLower(s) {
	case "", "any":
		return 0, nil
	case "tcp":
		return tcpip.TCPProtocolNumber, nil
	case "udp":
		return tcpip.UDPProtocolNumber, nil
	case "icmp":
		return tcpip.ICMPv4ProtocolNumber, nil
	case "icmpv6":
		return tcpip.ICMPv6ProtocolNumber, nil
	}
	return 0, fmt.Errorf("unknown protocol %q", s)
}

func parsePrefix(s string) (netip.Prefix, error) {
	if s == "" {
		return netip.Prefix{}, nil
	}
	if p, err := netip.ParsePrefix(s); err == nil {
		return p.Masked(), nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("bad address or prefix %q", s)
	}
	return netip.PrefixFrom(a, a.BitLen()), nil
}

// FirewallRules converts the configured rules.
func (c *Config) FirewallRules() ([]iptables.Rule, error) {
	var rules []iptables.Rule
	for i, r := range c.Firewall.Rules {
		rule, err := r.convert()
		if err != nil {
			return nil, fmt.Errorf("firewall rule %d (%s): %w", i, r.Name, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (r Rule) convert() (iptables.Rule, error) {
	out := iptables.Rule{Name: r.Name, Log: r.Log, Disabled: r.Disabled}
	var err error
	if out.Protocol, err = ParseProtocol(r.Protocol); err != nil {
		return out, err
	}
	if out.Src, err = parsePrefix(r.Src); err != nil {
		return out, err
	}
	if out.Dst, err = parsePrefix(r.Dst); err != nil {
		return out, err
	}
	if out.SrcPorts, err = iptables.ParsePortRange(r.SrcPorts); err != nil {
		return out, err
	}
	if out.DstPorts, err = iptables.ParsePortRange(r.DstPorts); err != nil {
		return out, err
	}
	if r.Direction != "" {
		if out.Direction, err = iptables.ParseDirection(strings.ToLower(r.Direction)); err != nil {
			return out, err
		}
	}
	if r.Action != "" {
		if out.Action, err = iptables.ParseAction(strings.ToLower(r.Action)); err != nil {
			return out, err
		}
	}
	return out, nil
}

// NATRules converts the configured NAT rules. nic resolves interface names.
func (c *Config) NATRules(nic func(name string) (tcpip.NICID, bool)) ([]iptables.NATRule, error) {
	var rules []iptables.NATRule
	for i, r := range c.Firewall.NAT {
		rule, err := r.convert(nic)
		if err != nil {
			return nil, fmt.Errorf("nat rule %d: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func (r NATRule) convert(nic func(string) (tcpip.NICID, bool)) (iptables.NATRule, error) {
	var out iptables.NATRule
	var err error
	if out.Kind, err = iptables.ParseNATKind(strings.ToLower(r.Kind)); err != nil {
		return out, err
	}
	if out.Protocol, err = ParseProtocol(r.Protocol); err != nil {
		return out, err
	}
	if out.Src, err = parsePrefix(r.Src); err != nil {
		return out, err
	}
	if out.Dst, err = parsePrefix(r.Dst); err != nil {
		return out, err
	}
	if out.DstPorts, err = iptables.ParsePortRange(r.DstPorts); err != nil {
		return out, err
	}
	if out.ToPorts, err = iptables.ParsePortRange(r.ToPorts); err != nil {
		return out, err
	}
	if r.Interface != "" {
		id, ok := nic(r.Interface)
		if !ok {
			return out, fmt.Errorf("unknown interface %q", r.Interface)
		}
		out.NIC = id
	}
	switch {
	case r.ToAddr != "":
		if out.ToAddr, err = netip.ParseAddr(r.ToAddr); err != nil {
			return out, err
		}
	case out.Kind != iptables.Masquerade:
		return out, fmt.Errorf("%s needs to_addr", out.Kind)
	}
	return out, nil
}

// Blocklist converts the configured blocklist.
func (c *Config) Blocklist() ([]Block, error) {
	for _, b := range c.Firewall.Blocklist {
		if _, err := parsePrefix(b.Prefix); err != nil || b.Prefix == "" {
			return nil, fmt.Errorf("blocklist: bad prefix %q", b.Prefix)
		}
		if b.TTL < 0 {
			return nil, fmt.Errorf("blocklist: negative ttl for %q", b.Prefix)
		}
	}
	return c.Firewall.Blocklist, nil
}

// ApplyFirewall installs the configured rules, NAT rules and blocklist on
// fw.
func (c *Config) ApplyFirewall(fw *iptables.Engine, nic func(name string) (tcpip.NICID, bool)) error {
	rules, err := c.FirewallRules()
	if err != nil {
		return err
	}
	if err := fw.SetRules(rules); err != nil {
		return fmt.Errorf("firewall rules: %w", err)
	}
	nat, err := c.NATRules(nic)
	if err != nil {
		return err
	}
	for _, r := range nat {
		if _, err := fw.AddNATRule(r); err != nil {
			return fmt.Errorf("nat rule: %w", err)
		}
	}
	blocks, err := c.Blocklist()
	if err != nil {
		return err
	}
	for _, b := range blocks {
		p, _ := parsePrefix(b.Prefix)
		if err := fw.Block(p, b.TTL); err != nil {
			return fmt.Errorf("blocklist %s: %w", b.Prefix, err)
		}
	}
	return nil
}

// RouteEntries converts the configured routes. nic resolves interface
// names.
func (c *Config) RouteEntries(nic func(name string) (tcpip.NICID, bool)) ([]routetable.Entry, error) {
	var out []routetable.Entry
	for i, r := range c.Routes {
		dst, err := netip.ParsePrefix(r.Destination)
		if err != nil {
			return nil, fmt.Errorf("route %d: %w", i, err)
		}
		e := routetable.Entry{Destination: dst.Masked(), Metric: r.Metric, Kind: routetable.KindStatic}
		if r.Gateway != "" {
			if e.Gateway, err = netip.ParseAddr(r.Gateway); err != nil {
				return nil, fmt.Errorf("route %d: %w", i, err)
			}
			if e.Gateway.Is4() != dst.Addr().Is4() {
				return nil, fmt.Errorf("route %d: gateway %s does not match %s", i, e.Gateway, dst)
			}
		}
		id, ok := nic(r.Interface)
		if !ok {
			return nil, fmt.Errorf("route %d: unknown interface %q", i, r.Interface)
		}
		e.NIC = id
		out = append(out, e)
	}
	return out, nil
}
