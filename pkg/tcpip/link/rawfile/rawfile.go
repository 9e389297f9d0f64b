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

// Package rawfile contains utilities for using the netstack with raw host
// files on Linux hosts.
package rawfile

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
	"netengine.dev/netengine/pkg/tcpip"
)

func translate(err error) *tcpip.Error {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return TranslateErrno(errno)
	}
	return tcpip.ErrInvalidEndpointState
}

// NonBlockingWrite writes the given buffer to a file descriptor. It fails if
// partial data is written.
func NonBlockingWrite(fd int, buf []byte) *tcpip.Error {
	for {
		n, err := unix.Write(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return translate(err)
		}
		if n != len(buf) {
			return tcpip.ErrMessageTooLong
		}
		return nil
	}
}

// BlockingRead reads one datagram from a file descriptor into buf, waiting
// at most timeout for it to become readable. ok is false when the wait
// timed out and nothing was read.
func BlockingRead(fd int, buf []byte, timeout time.Duration) (n int, ok bool, err *tcpip.Error) {
	for {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
		ready, perr := unix.Poll(fds, int(timeout/time.Millisecond))
		if perr == unix.EINTR {
			continue
		}
		if perr != nil {
			return 0, false, translate(perr)
		}
		if ready == 0 {
			return 0, false, nil
		}
		if fds[0].Revents&unix.POLLIN == 0 && fds[0].Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0 {
			return 0, false, tcpip.ErrClosedForReceive
		}

		n, rerr := unix.Read(fd, buf)
		switch rerr {
		case nil:
			if n == 0 {
				return 0, false, tcpip.ErrClosedForReceive
			}
			return n, true, nil
		case unix.EINTR, unix.EAGAIN:
			continue
		default:
			return 0, false, translate(rerr)
		}
	}
}
