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

// Package faketime provides a fake clock that implements tcpip.Clock interface.
package faketime

import (
	"sync"
	"time"

	"netengine.dev/netengine/pkg/tcpip"
)

// NullClock implements a clock that never advances.
type NullClock struct{}

var _ tcpip.Clock = (*NullClock)(nil)

// Now implements tcpip.Clock.Now.
func (*NullClock) Now() time.Time {
	return time.Unix(0, 0)
}

// ManualClock implements tcpip.Clock and only advances manually with Advance
// method.
type ManualClock struct {
	mu  sync.RWMutex
	now time.Time
}

var _ tcpip.Clock = (*ManualClock)(nil)

// NewManualClock creates a new ManualClock instance. It starts at an
// arbitrary fixed instant so that tests are reproducible.
func NewManualClock() *ManualClock {
	return &ManualClock{now: time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)}
}

// Now implements tcpip.Clock.Now.
func (mc *ManualClock) Now() time.Time {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.now
}

// Advance advances the ManualClock by the specified duration. A negative
// duration panics: time never runs backwards.
func (mc *ManualClock) Advance(d time.Duration) {
	if d < 0 {
		panic("faketime: negative Advance")
	}
	mc.mu.Lock()
	mc.now = mc.now.Add(d)
	mc.mu.Unlock()
}
