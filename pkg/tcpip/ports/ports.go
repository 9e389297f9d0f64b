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

// Package ports provides PortManager that manages allocating, reserving and releasing ports.
package ports

import (
	"math"
	"math/rand"
	"net/netip"
	"sync"
	"sync/atomic"

	"netengine.dev/netengine/pkg/tcpip"
)

const (
	// FirstEphemeral is the first ephemeral port.
	FirstEphemeral = 16000

	// numEphemeralPorts it the mnumber of available ephemeral ports to
	// the stack.
	numEphemeralPorts = math.MaxUint16 - FirstEphemeral + 1
)

type portDescriptor struct {
	network   tcpip.NetworkProtocolNumber
	transport tcpip.TransportProtocolNumber
	port      uint16
}

// Flags represents the type of port reservation.
type Flags struct {
	// Reuse represents SO_REUSEADDR. A port may be shared only when every
	// sharer, the new one included, sets it.
	Reuse bool
}

// bindEntry counts the reservations of one (addr, port) pair.
type bindEntry struct {
	refs      int
	reuseRefs int
}

func (e bindEntry) allows(flags Flags) bool {
	return e.refs == 0 || (flags.Reuse && e.reuseRefs == e.refs)
}

// bindAddresses maps bound addresses to their reservations. The zero
// netip.Addr is the "any" address.
type bindAddresses map[netip.Addr]bindEntry

// isAvailable checks whether an IP address is available to bind to. If the
// address is the "any" address, check all other addresses. Otherwise, just
// check against the "any" address and the provided address.
func (b bindAddresses) isAvailable(addr netip.Addr, flags Flags) bool {
	if !addr.IsValid() {
		// If binding to the "any" address then check that there are no conflicts
		// with all addresses.
		for _, e := range b {
			if !e.allows(flags) {
				return false
			}
		}
		return true
	}

	// Check that there is no conflict with the "any" address.
	if e, ok := b[netip.Addr{}]; ok && !e.allows(flags) {
		return false
	}

	// Check that this is no conflict with the provided address.
	if e, ok := b[addr]; ok && !e.allows(flags) {
		return false
	}

	return true
}

// PortManager manages allocating, reserving and releasing ports.
type PortManager struct {
	mu             sync.RWMutex
	allocatedPorts map[portDescriptor]bindAddresses

	// hint is used to pick ports ephemeral ports in a stable order for
	// a given port offset.
	hint atomic.Uint32
}

// NewPortManager creates new PortManager.
func NewPortManager() *PortManager {
	return &PortManager{allocatedPorts: make(map[portDescriptor]bindAddresses)}
}

// PickEphemeralPort randomly chooses a starting point and iterates over all
// possible ephemeral ports, allowing the caller to decide whether a given port
// is suitable for its needs, and stopping when a port is found or an error
// occurs.
func (s *PortManager) PickEphemeralPort(testPort func(p uint16) (bool, *tcpip.Error)) (port uint16, err *tcpip.Error) {
	offset := uint32(rand.Int31n(numEphemeralPorts))
	return s.pickEphemeralPort(offset, numEphemeralPorts, testPort)
}

// PickEphemeralPortStable starts at the specified offset + s.hint and
// iterates over all ephemeral ports, allowing the caller to decide whether a
// given port is suitable for its needs and stopping when a port is found or an
// error occurs.
func (s *PortManager) PickEphemeralPortStable(offset uint32, testPort func(p uint16) (bool, *tcpip.Error)) (port uint16, err *tcpip.Error) {
	p, err := s.pickEphemeralPort(s.hint.Load()+offset, numEphemeralPorts, testPort)
	if err == nil {
		s.hint.Add(1)
	}
	return p, err
}

// pickEphemeralPort starts at the offset specified from the FirstEphemeral port
// and iterates over the number of ports specified by count and allows the
// caller to decide whether a given port is suitable for its needs, and stopping
// when a port is found or an error occurs.
func (s *PortManager) pickEphemeralPort(offset, count uint32, testPort func(p uint16) (bool, *tcpip.Error)) (port uint16, err *tcpip.Error) {
	for i := uint32(0); i < count; i++ {
		port = uint16(FirstEphemeral + (offset+i)%count)
		ok, err := testPort(port)
		if err != nil {
			return 0, err
		}

		if ok {
			return port, nil
		}
	}

	return 0, tcpip.ErrNoPortAvailable
}

// IsPortAvailable tests if the given port is available on all given protocols.
func (s *PortManager) IsPortAvailable(networks []tcpip.NetworkProtocolNumber, transport tcpip.TransportProtocolNumber, addr netip.Addr, port uint16, flags Flags) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isPortAvailableLocked(networks, transport, addr, port, flags)
}

func (s *PortManager) isPortAvailableLocked(networks []tcpip.NetworkProtocolNumber, transport tcpip.TransportProtocolNumber, addr netip.Addr, port uint16, flags Flags) bool {
	for _, network := range networks {
		desc := portDescriptor{network, transport, port}
		if addrs, ok := s.allocatedPorts[desc]; ok {
			if !addrs.isAvailable(addr, flags) {
				return false
			}
		}
	}
	return true
}

// ReservePort marks a port/IP combination as reserved so that it cannot be
// reserved by another endpoint. If port is zero, ReservePort will search for
// an unreserved ephemeral port and reserve it, returning its value in the
// "port" return value.
func (s *PortManager) ReservePort(networks []tcpip.NetworkProtocolNumber, transport tcpip.TransportProtocolNumber, addr netip.Addr, port uint16, flags Flags) (reservedPort uint16, err *tcpip.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// If a port is specified, just try to reserve it for all network
	// protocols.
	if port != 0 {
		if !s.reserveSpecificPort(networks, transport, addr, port, flags) {
			return 0, tcpip.ErrPortInUse
		}
		return port, nil
	}

	// A port wasn't specified, so try to find one.
	return s.PickEphemeralPort(func(p uint16) (bool, *tcpip.Error) {
		return s.reserveSpecificPort(networks, transport, addr, p, flags), nil
	})
}

// reserveSpecificPort tries to reserve the given port on all given protocols.
func (s *PortManager) reserveSpecificPort(networks []tcpip.NetworkProtocolNumber, transport tcpip.TransportProtocolNumber, addr netip.Addr, port uint16, flags Flags) bool {
	if !s.isPortAvailableLocked(networks, transport, addr, port, flags) {
		return false
	}

	// Reserve port on all network protocols.
	for _, network := range networks {
		desc := portDescriptor{network, transport, port}
		m, ok := s.allocatedPorts[desc]
		if !ok {
			m = make(bindAddresses)
			s.allocatedPorts[desc] = m
		}
		e := m[addr]
		e.refs++
		if flags.Reuse {
			e.reuseRefs++
		}
		m[addr] = e
	}

	return true
}

// ReleasePort releases the reservation on a port/IP combination so that it can
// be reserved by other endpoints. flags must be those the port was reserved
// with.
func (s *PortManager) ReleasePort(networks []tcpip.NetworkProtocolNumber, transport tcpip.TransportProtocolNumber, addr netip.Addr, port uint16, flags Flags) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, network := range networks {
		desc := portDescriptor{network, transport, port}
		m, ok := s.allocatedPorts[desc]
		if !ok {
			continue
		}
		e, ok := m[addr]
		if !ok {
			continue
		}
		e.refs--
		if flags.Reuse {
			e.reuseRefs--
		}
		if e.refs <= 0 {
			delete(m, addr)
		} else {
			m[addr] = e
		}
		if len(m) == 0 {
			delete(s.allocatedPorts, desc)
		}
	}
}

// Reserved returns the number of distinct (protocol, port) pairs currently
// reserved.
func (s *PortManager) Reserved() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.allocatedPorts)
}
