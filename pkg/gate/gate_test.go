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

package gate_test

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"netengine.dev/netengine/pkg/gate"
)

func TestBasicEnter(t *testing.T) {
	var g gate.Gate

	if !g.Enter() {
		t.Fatalf("Enter failed before Close")
	}
	g.Leave()

	g.Close()
	if g.Enter() {
		t.Fatalf("Enter succeeded after Close")
	}
	if !g.Closed() {
		t.Errorf("Closed() = false after Close")
	}
}

func TestCloseWaitsForLeave(t *testing.T) {
	var g gate.Gate
	if !g.Enter() {
		t.Fatalf("Enter failed before Close")
	}

	closed := make(chan struct{})
	go func() {
		g.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatalf("Close returned while a user was inside")
	case <-time.After(50 * time.Millisecond):
	}
	g.Leave()
	<-closed
}

func TestLeaveWithoutEnterPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("Leave without Enter did not panic")
		}
	}()
	var g gate.Gate
	g.Leave()
}

func TestConcurrent(t *testing.T) {
	// Each round exercises a single Close, so many short rounds raise the
	// odds of hitting a bad interleaving.
	for i := 0; i < 50; i++ {
		concurrentOnce(t, 20*time.Millisecond)
	}
}

func concurrentOnce(t *testing.T, d time.Duration) {
	const numGoroutines = 200

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	var g gate.Gate
	var closeState atomic.Int32 // 1 before g.Close(), 2 after it returns

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				closedBeforeEnter := closeState.Load() == 2
				if g.Enter() {
					closedBeforeLeave := closeState.Load() == 2
					g.Leave()
					if closedBeforeEnter {
						t.Errorf("Enter succeeded after Close")
						return
					}
					if closedBeforeLeave {
						t.Errorf("Close returned before Leave")
						return
					}
				} else if closeState.Load() == 0 {
					t.Errorf("Enter failed before Close")
					return
				}
				runtime.Gosched()
			}
		}()
	}

	time.Sleep(d / 2)
	closeState.Store(1)
	g.Close()
	closeState.Store(2)
	time.Sleep(d / 2)
}

func BenchmarkEnterLeave(b *testing.B) {
	var g gate.Gate
	for i := 0; i < b.N; i++ {
		g.Enter()
		g.Leave()
	}
}
