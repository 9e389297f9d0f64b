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

// Package timer provides the deadline queue behind every protocol timer in
// the stack: retransmission, TIME_WAIT, reassembly and connection tracking
// timeouts.
//
// Timers never fire on their own. The owner of a Queue calls Sweep with the
// current time, either from a periodic goroutine or manually in tests, and
// every timer whose deadline has passed runs its callback. Callbacks run
// without the queue lock held, so they may re-arm their own or other timers.
// A callback may still observe a timer that was re-armed concurrently and
// must re-check the state it guards.
package timer

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// Func is a timer callback. now is the time passed to Sweep.
type Func func(now time.Time)

// Timer is a one-shot timer owned by a Queue. The zero value is not usable;
// create timers with Queue.NewTimer.
type Timer struct {
	q  *Queue
	fn Func

	// The fields below are protected by q.mu.
	deadline time.Time
	seq      uint64
	gen      uint64
	armed    bool
}

// Queue orders armed timers by deadline. Timers with equal deadlines fire
// in the order they were armed.
type Queue struct {
	mu   sync.Mutex
	tree *btree.BTreeG[*Timer]
	seq  uint64
}

func less(a, b *Timer) bool {
	if !a.deadline.Equal(b.deadline) {
		return a.deadline.Before(b.deadline)
	}
	return a.seq < b.seq
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{tree: btree.NewG(8, less)}
}

// NewTimer returns a disarmed timer that runs fn when it expires.
func (q *Queue) NewTimer(fn Func) *Timer {
	return &Timer{q: q, fn: fn}
}

// Reset arms t to fire at deadline, replacing any previous deadline.
func (t *Timer) Reset(deadline time.Time) {
	q := t.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if t.armed {
		q.tree.Delete(t)
	}
	q.seq++
	t.seq = q.seq
	t.gen++
	t.deadline = deadline
	t.armed = true
	q.tree.ReplaceOrInsert(t)
}

// Stop disarms t. It returns true if t was armed.
func (t *Timer) Stop() bool {
	q := t.q
	q.mu.Lock()
	defer q.mu.Unlock()
	t.gen++
	if !t.armed {
		return false
	}
	q.tree.Delete(t)
	t.armed = false
	return true
}

// Enabled returns true if t is armed.
func (t *Timer) Enabled() bool {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.armed
}

// Deadline returns the deadline of an armed timer.
func (t *Timer) Deadline() (time.Time, bool) {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.deadline, t.armed
}

type expired struct {
	t   *Timer
	gen uint64
}

// Sweep fires every timer whose deadline is not after now and returns the
// number of callbacks run. Timers re-armed by a callback for a deadline that
// has already passed fire on the next Sweep, not this one.
func (q *Queue) Sweep(now time.Time) int {
	var due []expired
	q.mu.Lock()
	for {
		t, ok := q.tree.Min()
		if !ok || t.deadline.After(now) {
			break
		}
		q.tree.DeleteMin()
		t.armed = false
		due = append(due, expired{t: t, gen: t.gen})
	}
	q.mu.Unlock()

	fired := 0
	for _, e := range due {
		q.mu.Lock()
		stale := e.t.gen != e.gen
		q.mu.Unlock()
		if stale {
			continue
		}
		e.t.fn(now)
		fired++
	}
	return fired
}

// Len returns the number of armed timers.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tree.Len()
}

// Next returns the earliest armed deadline.
func (q *Queue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tree.Min()
	if !ok {
		return time.Time{}, false
	}
	return t.deadline, true
}
