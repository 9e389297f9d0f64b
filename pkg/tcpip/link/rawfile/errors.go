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

//go:build linux

package rawfile

import (
	"golang.org/x/sys/unix"
	"netengine.dev/netengine/pkg/tcpip"
)

var translations = map[unix.Errno]*tcpip.Error{
	unix.EEXIST:        tcpip.ErrDuplicateAddress,
	unix.ENETUNREACH:   tcpip.ErrNoRoute,
	unix.EINVAL:        tcpip.ErrInvalidEndpointState,
	unix.EALREADY:      tcpip.ErrAlreadyConnecting,
	unix.EISCONN:       tcpip.ErrAlreadyConnected,
	unix.EADDRINUSE:    tcpip.ErrPortInUse,
	unix.EADDRNOTAVAIL: tcpip.ErrBadLocalAddress,
	unix.EPIPE:         tcpip.ErrClosedForSend,
	unix.EWOULDBLOCK:   tcpip.ErrWouldBlock,
	unix.ECONNREFUSED:  tcpip.ErrConnectionRefused,
	unix.ETIMEDOUT:     tcpip.ErrTimeout,
	unix.EINPROGRESS:   tcpip.ErrConnectStarted,
	unix.EDESTADDRREQ:  tcpip.ErrDestinationRequired,
	unix.ENOTSUP:       tcpip.ErrNotSupported,
	unix.ENOTCONN:      tcpip.ErrNotConnected,
	unix.ECONNRESET:    tcpip.ErrConnectionReset,
	unix.ECONNABORTED:  tcpip.ErrConnectionAborted,
	unix.EMSGSIZE:      tcpip.ErrMessageTooLong,
	unix.ENOBUFS:       tcpip.ErrNoBufferSpace,
	unix.EBADF:         tcpip.ErrBadDescriptor,
}

// TranslateErrno translate an errno from the unix package into a
// *tcpip.Error.
//
// Unrecognized errnos map to ErrInvalidEndpointState.
func TranslateErrno(e unix.Errno) *tcpip.Error {
	if err, ok := translations[e]; ok {
		return err
	}
	return tcpip.ErrInvalidEndpointState
}
