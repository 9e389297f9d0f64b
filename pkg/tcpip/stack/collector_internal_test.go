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

import "testing"

func TestMetricName(t *testing.T) {
	for _, tc := range []struct {
		path string
		want string
	}{
		{"DroppedPackets", "dropped_packets"},
		{"TCP.ResetsSent", "tcp_resets_sent"},
		{"ICMP.V4.PacketsSent.EchoRequest", "icmp_v4_packets_sent_echo_request"},
		{"IP.MalformedFragmentsReceived", "ip_malformed_fragments_received"},
		{"NAT.TranslatedPackets", "nat_translated_packets"},
		{"UDP.ReceiveBufferErrors", "udp_receive_buffer_errors"},
	} {
		if got := metricName(tc.path); got != tc.want {
			t.Errorf("metricName(%q) = %q, want %q", tc.path, got, tc.want)
		}
	}
}
