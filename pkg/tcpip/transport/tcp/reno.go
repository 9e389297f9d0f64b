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

package tcp

import "math"

// renoState is the Reno congestion control of RFC 5681 with the NewReno
// recovery of RFC 6582. Windows are in bytes.
type renoState struct {
	cwnd     int
	ssthresh int

	dupAcks      int
	dupThreshold int

	// inRecovery is set between a fast retransmit and the ACK covering
	// recover.
	inRecovery bool
	recover    uint32

	// acked accumulates acknowledged bytes during congestion avoidance.
	acked int
}

func newRenoState(initialCwnd, mss, dupThreshold int) renoState {
	return renoState{
		cwnd:         initialCwnd * mss,
		ssthresh:     math.MaxInt32,
		dupThreshold: dupThreshold,
	}
}

// onAck grows the window for newly acknowledged bytes outside recovery.
func (r *renoState) onAck(acked, mss int) {
	r.dupAcks = 0
	if r.cwnd < r.ssthresh {
		// Slow start: one MSS per ACK, at most the bytes it acknowledged.
		r.cwnd += min(acked, mss)
		return
	}
	// Congestion avoidance: one MSS per window of acknowledged data.
	r.acked += acked
	if r.acked >= r.cwnd {
		r.acked -= r.cwnd
		r.cwnd += mss
	}
}

// onDupAck counts a duplicate ACK. It returns true when the duplicate
// threshold is reached and the first unacknowledged segment must be
// retransmitted.
func (r *renoState) onDupAck(flight, mss int, sndNxt uint32) bool {
	if r.inRecovery {
		// Each further duplicate means one more segment left the network.
		r.cwnd += mss
		return false
	}
	r.dupAcks++
	if r.dupAcks != r.dupThreshold {
		return false
	}
	r.ssthresh = reducedSsthresh(flight, mss)
	r.cwnd = r.ssthresh + r.dupThreshold*mss
	r.inRecovery = true
	r.recover = sndNxt
	return true
}

// onRecoveryAck handles an ACK that advances SND.UNA during fast recovery.
// It returns true when the ACK is partial and the next hole must be
// retransmitted.
func (r *renoState) onRecoveryAck(ack uint32, acked, mss int) bool {
	if int32(ack-r.recover) >= 0 {
		r.inRecovery = false
		r.dupAcks = 0
		r.cwnd = r.ssthresh
		return false
	}
	// Partial ACK: deflate by the amount acknowledged, then add back one
	// MSS for the retransmission.
	r.cwnd -= acked
	if r.cwnd < mss {
		r.cwnd = mss
	}
	r.cwnd += mss
	return true
}

// onRTO collapses the window after a retransmission timeout.
func (r *renoState) onRTO(flight, mss int) {
	r.ssthresh = reducedSsthresh(flight, mss)
	r.cwnd = mss
	r.dupAcks = 0
	r.inRecovery = false
	r.acked = 0
}

func reducedSsthresh(flight, mss int) int {
	return max(flight/2, 2*mss)
}
