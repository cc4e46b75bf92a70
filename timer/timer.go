// Package timer provides deadline scheduling for the timeline engine.
//
// Provides two implementations:
// 1. RealScheduler - Production scheduler using time.AfterFunc
// 2. MockScheduler - Controllable scheduler for testing
//
// The engine never busy-polls: every future piece of work is a single
// one-shot deadline computed from a clock correlation, armed here.
package timer

import (
	"container/heap"
	"sync"
	"time"
)

// Handle represents a pending one-shot callback.
type Handle interface {
	// Stop cancels the callback. Returns true if the callback was still
	// pending, false if it already fired or was already stopped.
	Stop() bool
}

// Scheduler arms one-shot callbacks against a time source.
// All implementations must be safe for concurrent use.
type Scheduler interface {
	// Now returns the scheduler's current time.
	Now() time.Time

	// AfterFunc arms f to run once after d has elapsed. A non-positive d
	// fires on the next dispatch opportunity.
	AfterFunc(d time.Duration, f func()) Handle

	// Pending returns the number of armed callbacks that have not yet
	// fired or been stopped. Used by tests to assert cleanup.
	Pending() int
}

// RealScheduler implements Scheduler using the runtime timer facility.
// Safe for concurrent use.
type RealScheduler struct {
	mu      sync.Mutex
	pending int
}

// NewRealScheduler creates a new RealScheduler.
func NewRealScheduler() *RealScheduler {
	return &RealScheduler{}
}

// Now returns the current wall-clock time.
func (s *RealScheduler) Now() time.Time {
	return time.Now()
}

// AfterFunc arms f on a runtime timer.
func (s *RealScheduler) AfterFunc(d time.Duration, f func()) Handle {
	s.mu.Lock()
	s.pending++
	s.mu.Unlock()

	h := &realHandle{sched: s}
	h.timer = time.AfterFunc(d, func() {
		h.mu.Lock()
		fired := h.done
		h.done = true
		h.mu.Unlock()
		if fired {
			return
		}
		s.mu.Lock()
		s.pending--
		s.mu.Unlock()
		f()
	})
	return h
}

// Pending returns the number of armed callbacks.
func (s *RealScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

type realHandle struct {
	mu    sync.Mutex
	sched *RealScheduler
	timer *time.Timer
	done  bool
}

func (h *realHandle) Stop() bool {
	h.mu.Lock()
	if h.done {
		h.mu.Unlock()
		return false
	}
	h.done = true
	h.mu.Unlock()

	h.timer.Stop()
	h.sched.mu.Lock()
	h.sched.pending--
	h.sched.mu.Unlock()
	return true
}

// MockScheduler implements Scheduler with manually advanced time.
// Time only moves when Advance or AdvanceTo is called; due callbacks run
// synchronously on the advancing goroutine, in deadline order, with Now()
// set to each callback's deadline while it runs.
// Safe for concurrent use.
type MockScheduler struct {
	mu    sync.Mutex
	now   time.Time
	seq   uint64
	queue eventQueue
}

// NewMockScheduler creates a MockScheduler starting at an arbitrary epoch.
func NewMockScheduler() *MockScheduler {
	return &MockScheduler{now: time.Unix(1_000_000, 0)}
}

// Now returns the mock's current time.
func (s *MockScheduler) Now() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// AfterFunc arms f at now+d without firing it.
func (s *MockScheduler) AfterFunc(d time.Duration, f func()) Handle {
	s.mu.Lock()
	defer s.mu.Unlock()

	if d < 0 {
		d = 0
	}
	s.seq++
	ev := &event{deadline: s.now.Add(d), seq: s.seq, fn: f}
	heap.Push(&s.queue, ev)
	return &mockHandle{sched: s, ev: ev}
}

// Pending returns the number of armed callbacks.
func (s *MockScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, ev := range s.queue {
		if !ev.stopped {
			n++
		}
	}
	return n
}

// Advance moves time forward by d, firing every due callback in order.
func (s *MockScheduler) Advance(d time.Duration) {
	s.AdvanceTo(s.Now().Add(d))
}

// AdvanceTo moves time forward to t, firing every due callback in order.
// Callbacks armed during the advance are honored if they fall within t.
func (s *MockScheduler) AdvanceTo(t time.Time) {
	for {
		s.mu.Lock()
		if len(s.queue) == 0 || s.queue[0].deadline.After(t) {
			if t.After(s.now) {
				s.now = t
			}
			s.mu.Unlock()
			return
		}
		ev := heap.Pop(&s.queue).(*event)
		if ev.stopped {
			s.mu.Unlock()
			continue
		}
		ev.fired = true
		if ev.deadline.After(s.now) {
			s.now = ev.deadline
		}
		s.mu.Unlock()

		ev.fn()
	}
}

type mockHandle struct {
	sched *MockScheduler
	ev    *event
}

func (h *mockHandle) Stop() bool {
	h.sched.mu.Lock()
	defer h.sched.mu.Unlock()
	if h.ev.fired || h.ev.stopped {
		return false
	}
	h.ev.stopped = true
	return true
}

type event struct {
	deadline time.Time
	seq      uint64
	fn       func()
	fired    bool
	stopped  bool
}

type eventQueue []*event

func (q eventQueue) Len() int { return len(q) }

func (q eventQueue) Less(i, j int) bool {
	if q[i].deadline.Equal(q[j].deadline) {
		return q[i].seq < q[j].seq
	}
	return q[i].deadline.Before(q[j].deadline)
}

func (q eventQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *eventQueue) Push(x any) { *q = append(*q, x.(*event)) }

func (q *eventQueue) Pop() any {
	old := *q
	n := len(old)
	ev := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return ev
}
