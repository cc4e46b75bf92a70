package timer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMockScheduler_FireOrder tests that callbacks fire in deadline order.
func TestMockScheduler_FireOrder(t *testing.T) {
	s := NewMockScheduler()

	var order []int
	s.AfterFunc(30*time.Millisecond, func() { order = append(order, 3) })
	s.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	s.AfterFunc(20*time.Millisecond, func() { order = append(order, 2) })

	s.Advance(100 * time.Millisecond)

	assert.Equal(t, []int{1, 2, 3}, order)
	assert.Equal(t, 0, s.Pending(), "all callbacks should have fired")
}

// TestMockScheduler_SameDeadline tests arming order is preserved for equal deadlines.
func TestMockScheduler_SameDeadline(t *testing.T) {
	s := NewMockScheduler()

	var order []int
	s.AfterFunc(10*time.Millisecond, func() { order = append(order, 1) })
	s.AfterFunc(10*time.Millisecond, func() { order = append(order, 2) })

	s.Advance(10 * time.Millisecond)

	assert.Equal(t, []int{1, 2}, order)
}

// TestMockScheduler_NowDuringCallback tests that Now reflects the deadline
// while a callback runs.
func TestMockScheduler_NowDuringCallback(t *testing.T) {
	s := NewMockScheduler()
	start := s.Now()

	var seen time.Time
	s.AfterFunc(25*time.Millisecond, func() { seen = s.Now() })

	s.Advance(time.Second)

	assert.Equal(t, start.Add(25*time.Millisecond), seen)
	assert.Equal(t, start.Add(time.Second), s.Now())
}

// TestMockScheduler_Stop tests cancellation before firing.
func TestMockScheduler_Stop(t *testing.T) {
	s := NewMockScheduler()

	fired := false
	h := s.AfterFunc(10*time.Millisecond, func() { fired = true })

	require.Equal(t, 1, s.Pending())
	assert.True(t, h.Stop(), "first Stop should succeed")
	assert.False(t, h.Stop(), "second Stop should report already stopped")
	assert.Equal(t, 0, s.Pending())

	s.Advance(time.Second)
	assert.False(t, fired, "stopped callback must not fire")
}

// TestMockScheduler_StopAfterFire tests Stop on an already-fired handle.
func TestMockScheduler_StopAfterFire(t *testing.T) {
	s := NewMockScheduler()

	h := s.AfterFunc(5*time.Millisecond, func() {})
	s.Advance(10 * time.Millisecond)

	assert.False(t, h.Stop())
}

// TestMockScheduler_RearmDuringAdvance tests that callbacks armed while
// advancing still fire if they fall within the advance window.
func TestMockScheduler_RearmDuringAdvance(t *testing.T) {
	s := NewMockScheduler()

	var order []int
	s.AfterFunc(10*time.Millisecond, func() {
		order = append(order, 1)
		s.AfterFunc(10*time.Millisecond, func() { order = append(order, 2) })
	})

	s.Advance(50 * time.Millisecond)

	assert.Equal(t, []int{1, 2}, order)
}

// TestMockScheduler_NegativeDelay tests that a negative delay fires immediately.
func TestMockScheduler_NegativeDelay(t *testing.T) {
	s := NewMockScheduler()

	fired := false
	s.AfterFunc(-time.Second, func() { fired = true })
	s.Advance(0)

	assert.True(t, fired)
}

// TestRealScheduler_Fire tests the production scheduler end to end.
func TestRealScheduler_Fire(t *testing.T) {
	s := NewRealScheduler()

	var wg sync.WaitGroup
	wg.Add(1)
	s.AfterFunc(time.Millisecond, func() { wg.Done() })

	wg.Wait()
	assert.Equal(t, 0, s.Pending())
}

// TestRealScheduler_Stop tests cancellation bookkeeping.
func TestRealScheduler_Stop(t *testing.T) {
	s := NewRealScheduler()

	h := s.AfterFunc(time.Hour, func() { t.Error("should not fire") })
	require.Equal(t, 1, s.Pending())

	assert.True(t, h.Stop())
	assert.False(t, h.Stop())
	assert.Equal(t, 0, s.Pending())
}
