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

package stack

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"netengine.dev/netengine/pkg/tcpip"
)

const metricsNamespace = "netengine"

// Collector exports a stack's counters, its firewall rule counters and its
// routing table to Prometheus.
type Collector struct {
	stack *Stack

	counters map[string]*prometheus.Desc

	ruleMatches  *prometheus.Desc
	ruleBytes    *prometheus.Desc
	connections  *prometheus.Desc
	routes       *prometheus.Desc
	routeLookups *prometheus.Desc
	routeHits    *prometheus.Desc
	routeMisses  *prometheus.Desc
	timers       *prometheus.Desc
	nicUp        *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector returns a collector reading s. Register it with a
// prometheus.Registerer.
func NewCollector(s *Stack) *Collector {
	c := &Collector{
		stack:    s,
		counters: make(map[string]*prometheus.Desc),
	}
	stats := s.Stats()
	stats.VisitCounters(func(path string, _ *tcpip.StatCounter) {
		c.counters[path] = prometheus.NewDesc(
			prometheus.BuildFQName(metricsNamespace, "", metricName(path)+"_total"),
			"Stack counter "+path+".", nil, nil)
	})
	c.ruleMatches = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "firewall", "rule_packets_total"),
		"Packets matched by a firewall rule.", []string{"rule", "name", "action"}, nil)
	c.ruleBytes = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "firewall", "rule_bytes_total"),
		"Bytes matched by a firewall rule.", []string{"rule", "name", "action"}, nil)
	c.connections = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "firewall", "connections"),
		"Tracked connections.", nil, nil)
	c.routes = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "route", "entries"),
		"Routing table entries.", nil, nil)
	c.routeLookups = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "route", "lookups_total"),
		"Routing table lookups.", nil, nil)
	c.routeHits = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "route", "hits_total"),
		"Routing table lookups that found a route.", nil, nil)
	c.routeMisses = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "route", "misses_total"),
		"Routing table lookups that found no route.", nil, nil)
	c.timers = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "", "pending_timers"),
		"Armed protocol timers.", nil, nil)
	c.nicUp = prometheus.NewDesc(
		prometheus.BuildFQName(metricsNamespace, "nic", "up"),
		"Whether a NIC is enabled and its link is up.", []string{"nic", "name"}, nil)
	return c
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range c.counters {
		ch <- d
	}
	ch <- c.ruleMatches
	ch <- c.ruleBytes
	ch <- c.connections
	ch <- c.routes
	ch <- c.routeLookups
	ch <- c.routeHits
	ch <- c.routeMisses
	ch <- c.timers
	ch <- c.nicUp
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	stats := c.stack.Stats()
	stats.VisitCounters(func(path string, sc *tcpip.StatCounter) {
		if d, ok := c.counters[path]; ok {
			ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(sc.Value()))
		}
	})

	if fw := c.stack.Firewall(); fw != nil {
		for _, r := range fw.Rules() {
			id := strconv.FormatUint(uint64(r.ID), 10)
			action := r.Action.String()
			ch <- prometheus.MustNewConstMetric(c.ruleMatches, prometheus.CounterValue, float64(r.Packets), id, r.Name, action)
			ch <- prometheus.MustNewConstMetric(c.ruleBytes, prometheus.CounterValue, float64(r.Bytes), id, r.Name, action)
		}
		ch <- prometheus.MustNewConstMetric(c.connections, prometheus.GaugeValue, float64(fw.Connections()))
	}

	rt := c.stack.RouteTable()
	rs := rt.Stats()
	ch <- prometheus.MustNewConstMetric(c.routes, prometheus.GaugeValue, float64(rt.Len()))
	ch <- prometheus.MustNewConstMetric(c.routeLookups, prometheus.CounterValue, float64(rs.Lookups))
	ch <- prometheus.MustNewConstMetric(c.routeHits, prometheus.CounterValue, float64(rs.Hits))
	ch <- prometheus.MustNewConstMetric(c.routeMisses, prometheus.CounterValue, float64(rs.Misses))
	ch <- prometheus.MustNewConstMetric(c.timers, prometheus.GaugeValue, float64(c.stack.Timers().Len()))

	for _, n := range c.stack.NICs() {
		up := 0.0
		if n.Enabled() && n.linkEP.LinkUp() {
			up = 1
		}
		ch <- prometheus.MustNewConstMetric(c.nicUp, prometheus.GaugeValue, up, strconv.Itoa(int(n.id)), n.name)
	}
}

// metricName turns a counter path such as "ICMP.V4.PacketsSent.EchoRequest"
// into "icmp_v4_packets_sent_echo_request".
func metricName(path string) string {
	var b strings.Builder
	for _, part := range strings.Split(path, ".") {
		if b.Len() > 0 {
			b.WriteByte('_')
		}
		rs := []rune(part)
		for i, r := range rs {
			if i > 0 && unicode.IsUpper(r) {
				prev := rs[i-1]
				nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
		}
	}
	return b.String()
}
