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

package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"netengine.dev/netengine/pkg/log"
	"netengine.dev/netengine/pkg/tcpip"
	"netengine.dev/netengine/pkg/tcpip/link/fdbased"
	"netengine.dev/netengine/pkg/tcpip/link/qdisc/fifo"
	"netengine.dev/netengine/pkg/tcpip/link/tun"
	"netengine.dev/netengine/pkg/tcpip/stack"
)

const (
	// tunOpenTimeout bounds the retries of a busy TUN device, which the
	// kernel keeps for a short while after its previous owner exits.
	tunOpenTimeout = 5 * time.Second

	qdiscQueues   = 1
	qdiscQueueLen = 1000
)

// openTUN attaches to the TUN device name. The returned link queues
// outbound packets; stop closes it and the device.
func openTUN(ctx context.Context, name string, mtu uint32, closed func(*tcpip.Error)) (stack.LinkEndpoint, func(), error) {
	ctx, cancel := context.WithTimeout(ctx, tunOpenTimeout)
	defer cancel()

	var fd int
	op := func() error {
		var err error
		fd, err = tun.Open(name)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, unix.EBUSY):
			log.Debugf("TUN device %s busy, retrying", name)
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	b := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, nil, fmt.Errorf("opening TUN device %s: %w", name, err)
	}

	ep, err := fdbased.New(&fdbased.Options{FD: fd, MTU: mtu, ClosedFunc: closed})
	if err != nil {
		unix.Close(fd)
		return nil, nil, err
	}
	qd := fifo.New(ep, qdiscQueues, qdiscQueueLen)
	stop := func() {
		qd.Close()
		ep.Close()
		ep.Wait()
		unix.Close(fd)
	}
	return qd, stop, nil
}

// configureHost assigns the host side addresses of the TUN device name and
// brings it up.
func configureHost(name string, mtu uint32, addrs []string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("looking up link: %w", err)
	}
	if mtu != 0 {
		if err := netlink.LinkSetMTU(link, int(mtu)); err != nil {
			return fmt.Errorf("setting MTU %d: %w", mtu, err)
		}
	}
	for _, a := range addrs {
		addr, err := netlink.ParseAddr(a)
		if err != nil {
			return err
		}
		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("adding address %s: %w", a, err)
		}
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("setting link up: %w", err)
	}
	return nil
}
