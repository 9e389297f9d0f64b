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

import "fmt"

// EndpointState represents the state of a TCP endpoint.
type EndpointState uint32

// TCP endpoint states, RFC 793 section 3.2.
const (
	StateClosed EndpointState = iota
	StateListen
	StateSynSent
	StateSynRecv
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

// String implements fmt.Stringer.
func (s EndpointState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateListen:
		return "LISTEN"
	case StateSynSent:
		return "SYN-SENT"
	case StateSynRecv:
		return "SYN-RCVD"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait1:
		return "FIN-WAIT1"
	case StateFinWait2:
		return "FIN-WAIT2"
	case StateCloseWait:
		return "CLOSE-WAIT"
	case StateClosing:
		return "CLOSING"
	case StateLastAck:
		return "LAST-ACK"
	case StateTimeWait:
		return "TIME-WAIT"
	}
	return fmt.Sprintf("EndpointState(%d)", uint32(s))
}

// connected reports whether the handshake completed and the connection was
// not torn down yet.
func (s EndpointState) connected() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait, StateClosing, StateLastAck, StateTimeWait:
		return true
	}
	return false
}

// synchronized reports whether both sides' sequence numbers are known.
func (s EndpointState) synchronized() bool {
	return s == StateSynRecv || s.connected()
}

// acceptsData reports whether in-sequence payload is queued for the reader.
func (s EndpointState) acceptsData() bool {
	switch s {
	case StateEstablished, StateFinWait1, StateFinWait2:
		return true
	}
	return false
}

// canSend reports whether the application may still queue data.
func (s EndpointState) canSend() bool {
	return s == StateEstablished || s == StateCloseWait
}

// event is an input of the control state machine: an application call, a
// classified segment or a timer expiry.
type event int

const (
	evActiveOpen event = iota
	evPassiveOpen
	evClose
	evAbort
	evRcvSyn
	evRcvSynAck
	evRcvAckOfSyn
	evRcvAckOfFin
	evRcvFin
	evRcvRst
	evRetransmitLimit
	evTimeWaitExpired
	evFinWait2Timeout
)

func (e event) String() string {
	switch e {
	case evActiveOpen:
		return "active-open"
	case evPassiveOpen:
		return "passive-open"
	case evClose:
		return "close"
	case evAbort:
		return "abort"
	case evRcvSyn:
		return "syn"
	case evRcvSynAck:
		return "syn-ack"
	case evRcvAckOfSyn:
		return "ack-of-syn"
	case evRcvAckOfFin:
		return "ack-of-fin"
	case evRcvFin:
		return "fin"
	case evRcvRst:
		return "rst"
	case evRetransmitLimit:
		return "retransmit-limit"
	case evTimeWaitExpired:
		return "time-wait-expired"
	case evFinWait2Timeout:
		return "fin-wait2-timeout"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// action is a set of side effects requested by a transition.
type action uint16

const (
	actSendSyn action = 1 << iota
	actSendSynAck
	actSendAck
	actSendFin
	actSendRst
	actStartTimeWait
	actNotifyConnected
	actNotifyRefused
	actNotifyReset
	actNotifyTimedOut
	actNotifyEOF
)

func (a action) has(b action) bool {
	return a&b != 0
}

type transition struct {
	next    EndpointState
	actions action
}

type transitionKey struct {
	state EndpointState
	ev    event
}

// transitions is the complete control state machine. Pairs that are absent
// are invalid: the call fails with ErrInvalidEndpointState, or the segment
// is handled by the data path alone.
var transitions = map[transitionKey]transition{
	{StateClosed, evActiveOpen}:  {StateSynSent, actSendSyn},
	{StateClosed, evPassiveOpen}: {StateListen, 0},
	{StateClosed, evClose}:       {StateClosed, 0},
	{StateClosed, evAbort}:       {StateClosed, 0},

	{StateListen, evRcvSyn}: {StateSynRecv, actSendSynAck},
	{StateListen, evClose}:  {StateClosed, 0},
	{StateListen, evAbort}:  {StateClosed, 0},

	{StateSynSent, evRcvSynAck}:       {StateEstablished, actSendAck | actNotifyConnected},
	{StateSynSent, evRcvSyn}:          {StateSynRecv, actSendSynAck},
	{StateSynSent, evRcvRst}:          {StateClosed, actNotifyRefused},
	{StateSynSent, evClose}:           {StateClosed, 0},
	{StateSynSent, evAbort}:           {StateClosed, 0},
	{StateSynSent, evRetransmitLimit}: {StateClosed, actNotifyTimedOut},

	{StateSynRecv, evRcvAckOfSyn}:     {StateEstablished, actNotifyConnected},
	{StateSynRecv, evRcvRst}:          {StateClosed, actNotifyReset},
	{StateSynRecv, evClose}:           {StateFinWait1, actSendFin},
	{StateSynRecv, evAbort}:           {StateClosed, actSendRst},
	{StateSynRecv, evRetransmitLimit}: {StateClosed, actNotifyTimedOut},

	{StateEstablished, evClose}:           {StateFinWait1, actSendFin},
	{StateEstablished, evRcvFin}:          {StateCloseWait, actSendAck | actNotifyEOF},
	{StateEstablished, evRcvRst}:          {StateClosed, actNotifyReset},
	{StateEstablished, evAbort}:           {StateClosed, actSendRst},
	{StateEstablished, evRetransmitLimit}: {StateClosed, actSendRst | actNotifyTimedOut},

	{StateFinWait1, evRcvAckOfFin}:     {StateFinWait2, 0},
	{StateFinWait1, evRcvFin}:          {StateClosing, actSendAck | actNotifyEOF},
	{StateFinWait1, evRcvRst}:          {StateClosed, actNotifyReset},
	{StateFinWait1, evAbort}:           {StateClosed, actSendRst},
	{StateFinWait1, evRetransmitLimit}: {StateClosed, actSendRst | actNotifyTimedOut},

	{StateFinWait2, evRcvFin}:          {StateTimeWait, actSendAck | actStartTimeWait | actNotifyEOF},
	{StateFinWait2, evRcvRst}:          {StateClosed, actNotifyReset},
	{StateFinWait2, evAbort}:           {StateClosed, actSendRst},
	{StateFinWait2, evFinWait2Timeout}: {StateClosed, 0},

	{StateCloseWait, evClose}:           {StateLastAck, actSendFin},
	{StateCloseWait, evRcvRst}:          {StateClosed, actNotifyReset},
	{StateCloseWait, evAbort}:           {StateClosed, actSendRst},
	{StateCloseWait, evRetransmitLimit}: {StateClosed, actSendRst | actNotifyTimedOut},

	{StateClosing, evRcvAckOfFin}:     {StateTimeWait, actStartTimeWait},
	{StateClosing, evRcvRst}:          {StateClosed, actNotifyReset},
	{StateClosing, evAbort}:           {StateClosed, actSendRst},
	{StateClosing, evRetransmitLimit}: {StateClosed, actNotifyTimedOut},

	{StateLastAck, evRcvAckOfFin}:     {StateClosed, 0},
	{StateLastAck, evRcvRst}:          {StateClosed, actNotifyReset},
	{StateLastAck, evAbort}:           {StateClosed, actSendRst},
	{StateLastAck, evRetransmitLimit}: {StateClosed, actNotifyTimedOut},

	{StateTimeWait, evRcvFin}:          {StateTimeWait, actSendAck | actStartTimeWait},
	{StateTimeWait, evTimeWaitExpired}: {StateClosed, 0},
	{StateTimeWait, evRcvRst}:          {StateClosed, 0},
	{StateTimeWait, evAbort}:           {StateClosed, 0},
}

// lookupTransition returns the transition for ev in state s.
func lookupTransition(s EndpointState, ev event) (transition, bool) {
	t, ok := transitions[transitionKey{s, ev}]
	return t, ok
}
