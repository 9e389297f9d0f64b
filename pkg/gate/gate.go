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

// Package gate provides a usage Gate synchronization primitive.
package gate

import (
	"sync"
	"sync/atomic"
)

const (
	// gateClosed is the bit set in the gate's user count to indicate that
	// it has been closed. It is the MSB of the 32-bit field; the other 31
	// bits carry the actual count.
	gateClosed = 0x80000000
)

// Gate is a synchronization primitive that allows concurrent goroutines to
// "enter" it as long as it hasn't been closed yet. Once it's been closed,
// goroutines cannot enter it anymore, but are allowed to leave, and the closer
// will be informed when all goroutines have left.
//
// Entering never blocks: it either succeeds immediately or fails. The closer
// blocks until everybody inside has left.
//
// Users:
//
//	if !g.Enter() {
//		// Gate is closed, we can't use the object.
//		return
//	}
//
//	// Do something with object.
//	[...]
//
//	g.Leave()
//
// Closer:
//
//	// Prevent new users from using the object, and wait for the existing
//	// ones to complete.
//	g.Close()
//
//	// Clean up the object.
//	[...]
//
// The zero value is an open gate.
type Gate struct {
	userCount atomic.Uint32

	once sync.Once
	done chan struct{}
}

func (g *Gate) doneChan() chan struct{} {
	g.once.Do(func() { g.done = make(chan struct{}) })
	return g.done
}

// Enter tries to enter the gate. It will succeed if it hasn't been closed yet,
// in which case the caller must eventually call Leave().
func (g *Gate) Enter() bool {
	if g == nil {
		return false
	}
	for {
		v := g.userCount.Load()
		if v&gateClosed != 0 {
			return false
		}
		if g.userCount.CompareAndSwap(v, v+1) {
			return true
		}
	}
}

// Leave leaves the gate. This must only be called after a successful call to
// Enter(). If the gate has been closed and this is the last one inside the
// gate, it will notify the closer that the gate is done.
func (g *Gate) Leave() {
	v := g.userCount.Add(^uint32(0))
	if v&^gateClosed == ^uint32(0)&^gateClosed {
		panic("leaving a gate with zero usage count")
	}
	if v == gateClosed {
		close(g.doneChan())
	}
}

// Close closes the gate for entering, and waits until all goroutines [that are
// currently inside the gate] leave before returning.
//
// Only one goroutine can call this function.
func (g *Gate) Close() {
	done := g.doneChan()
	for {
		v := g.userCount.Load()
		if g.userCount.CompareAndSwap(v, v|gateClosed) {
			if v&^gateClosed != 0 {
				<-done
			}
			return
		}
	}
}

// Closed reports whether Close was called.
func (g *Gate) Closed() bool {
	return g.userCount.Load()&gateClosed != 0
}
