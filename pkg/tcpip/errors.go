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

package tcpip

// ErrorKind classifies an Error by how it reaches the caller.
type ErrorKind int

const (
	// KindOther is used for errors that don't fit any other class.
	KindOther ErrorKind = iota

	// KindResource errors report exhaustion of a bounded resource. They are
	// returned to the call that needed the resource and never affect other
	// connections.
	KindResource

	// KindProtocol errors are terminal connection errors caused by the peer.
	// They are latched on the endpoint and returned by its next call.
	KindProtocol

	// KindConfig errors are returned synchronously by the call that made an
	// invalid request.
	KindConfig

	// KindState errors report a call that is not valid in the endpoint's
	// current state.
	KindState

	// KindTransient errors report that the call would have to wait.
	KindTransient
)

// String implements fmt.Stringer.
func (k ErrorKind) String() string {
	switch k {
	case KindResource:
		return "resource"
	case KindProtocol:
		return "protocol"
	case KindConfig:
		return "config"
	case KindState:
		return "state"
	case KindTransient:
		return "transient"
	default:
		return "other"
	}
}

// Error represents an error in the netstack error space. Errors are compared
// by identity against the variables below.
//
// Functions in this module return *Error rather than error; convert with
// care since a nil *Error stored in an error interface is not nil.
type Error struct {
	msg  string
	kind ErrorKind

	ignoreStats bool
}

// String implements fmt.Stringer.String.
func (e *Error) String() string {
	if e == nil {
		return "<nil>"
	}
	return e.msg
}

// Error implements error.
func (e *Error) Error() string {
	return e.String()
}

// Kind returns the class of the error.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

// IgnoreStats indicates whether this error type should be included in failure
// counts in tcpip.Stats structs.
func (e *Error) IgnoreStats() bool {
	return e.ignoreStats
}

// Errors that can be returned by the network stack.
var (
	ErrUnknownProtocol       = &Error{msg: "unknown protocol", kind: KindConfig}
	ErrUnknownNICID          = &Error{msg: "unknown nic id", kind: KindConfig}
	ErrUnknownProtocolOption = &Error{msg: "unknown option for protocol", kind: KindConfig}
	ErrDuplicateNICID        = &Error{msg: "duplicate nic id", kind: KindConfig}
	ErrDuplicateAddress      = &Error{msg: "duplicate address", kind: KindConfig}
	ErrNoRoute               = &Error{msg: "no route", kind: KindConfig}
	ErrBadLinkEndpoint       = &Error{msg: "bad link layer endpoint", kind: KindConfig}
	ErrAlreadyBound          = &Error{msg: "endpoint already bound", kind: KindConfig, ignoreStats: true}
	ErrInvalidEndpointState  = &Error{msg: "endpoint is in invalid state", kind: KindState}
	ErrAlreadyConnecting     = &Error{msg: "endpoint is already connecting", kind: KindState, ignoreStats: true}
	ErrAlreadyConnected      = &Error{msg: "endpoint is already connected", kind: KindState, ignoreStats: true}
	ErrNoPortAvailable       = &Error{msg: "no ports are available", kind: KindResource}
	ErrPortInUse             = &Error{msg: "port is in use", kind: KindConfig}
	ErrBadLocalAddress       = &Error{msg: "bad local address", kind: KindConfig}
	ErrClosedForSend         = &Error{msg: "endpoint is closed for send", kind: KindState}
	ErrClosedForReceive      = &Error{msg: "endpoint is closed for receive", kind: KindState}
	ErrWouldBlock            = &Error{msg: "operation would block", kind: KindTransient, ignoreStats: true}
	ErrConnectionRefused     = &Error{msg: "connection was refused", kind: KindProtocol}
	ErrTimeout               = &Error{msg: "operation timed out", kind: KindProtocol}
	ErrAborted               = &Error{msg: "operation aborted", kind: KindState}
	ErrConnectStarted        = &Error{msg: "connection attempt started", kind: KindTransient, ignoreStats: true}
	ErrDestinationRequired   = &Error{msg: "destination address is required", kind: KindConfig}
	ErrNotSupported          = &Error{msg: "operation not supported", kind: KindConfig}
	ErrNotConnected          = &Error{msg: "endpoint not connected", kind: KindState}
	ErrConnectionReset       = &Error{msg: "connection reset by peer", kind: KindProtocol}
	ErrConnectionAborted     = &Error{msg: "connection aborted", kind: KindProtocol}
	ErrInvalidOptionValue    = &Error{msg: "invalid option value specified", kind: KindConfig}
	ErrBadAddress            = &Error{msg: "bad address", kind: KindConfig}
	ErrNetworkUnreachable    = &Error{msg: "network is unreachable", kind: KindProtocol}
	ErrHostUnreachable       = &Error{msg: "host is unreachable", kind: KindProtocol}
	ErrMessageTooLong        = &Error{msg: "message too long", kind: KindConfig}
	ErrNoBufferSpace         = &Error{msg: "no buffer space available", kind: KindResource}
	ErrNotPermitted          = &Error{msg: "operation not permitted", kind: KindConfig}
	ErrBadDescriptor         = &Error{msg: "bad socket handle", kind: KindConfig}
	ErrTooManySockets        = &Error{msg: "too many open sockets", kind: KindResource}
	ErrConnTrackTableFull    = &Error{msg: "connection tracking table full", kind: KindResource}
	ErrReassemblyFull        = &Error{msg: "reassembly buffer full", kind: KindResource}
	ErrRouteExists           = &Error{msg: "route already exists", kind: KindConfig}
	ErrRouteNotFound         = &Error{msg: "route not found", kind: KindConfig}
	ErrRuleNotFound          = &Error{msg: "firewall rule not found", kind: KindConfig}

	ErrAddressFamilyNotSupported = &Error{msg: "address family not supported by protocol", kind: KindConfig}
)
