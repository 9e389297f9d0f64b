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

// Package tun opens Linux TUN devices. The descriptors it returns carry bare
// IP datagrams and are meant for fdbased.New.
package tun

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Device is the path of the TUN clone device.
const Device = "/dev/net/tun"

// Open opens the TUN interface name, creating it if needed, and returns its
// file descriptor. Datagrams are exchanged without the packet information
// header.
func Open(name string) (int, error) {
	return open(name, unix.IFF_TUN|unix.IFF_NO_PI)
}

func open(name string, flags uint16) (int, error) {
	if len(name) >= unix.IFNAMSIZ {
		return -1, fmt.Errorf("tun: interface name %q too long", name)
	}
	fd, err := unix.Open(Device, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("tun: open %s: %w", Device, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tun: %w", err)
	}
	ifr.SetUint16(flags)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tun: TUNSETIFF %s: %w", name, err)
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("tun: %w", err)
	}
	return fd, nil
}

// Name returns the name of the interface behind a TUN descriptor.
func Name(fd int) (string, error) {
	ifr, err := unix.NewIfreq("")
	if err != nil {
		return "", err
	}
	if err := unix.IoctlIfreq(fd, unix.TUNGETIFF, ifr); err != nil {
		return "", fmt.Errorf("tun: TUNGETIFF: %w", err)
	}
	return ifr.Name(), nil
}
