package timeline

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaflow/timeline/timer"
)

func TestSystemClockTracksScheduler(t *testing.T) {
	sched := timer.NewMockScheduler()
	c := NewSystemClock(sched)

	before := c.Now()
	sched.Advance(3 * time.Second)
	assert.InDelta(t, before+3, c.Now(), 1e-9)
	assert.True(t, c.Available())
	assert.Equal(t, 1.0, c.EffectiveSpeed())
}

func TestMonotonicClockStartsAtZero(t *testing.T) {
	sched := timer.NewMockScheduler()
	c := NewMonotonicClock(sched)

	assert.Equal(t, 0.0, c.Now())
	sched.Advance(1500 * time.Millisecond)
	assert.InDelta(t, 1.5, c.Now(), 1e-9)
}

func TestCorrelatedClockMapsParentTime(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	sched.Advance(10 * time.Second)

	// Child reads 100 when the parent reads 10, advancing at 2x.
	c := NewCorrelatedClock(mono, Correlation{ParentTime: 10, ChildTime: 100})
	c.SetSpeed(2)

	assert.InDelta(t, 100.0, c.Now(), 1e-9)
	sched.Advance(5 * time.Second)
	assert.InDelta(t, 110.0, c.Now(), 1e-9)
	assert.Equal(t, 2.0, c.EffectiveSpeed())
}

func TestCorrelatedClockUnavailableWithoutParent(t *testing.T) {
	c := NewCorrelatedClock(nil, Correlation{})

	assert.False(t, c.Available())
	assert.True(t, math.IsNaN(c.Now()))
	assert.Equal(t, 0.0, c.EffectiveSpeed())
}

func TestCorrelatedClockAvailabilityRequiresBothFlags(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	parent := NewCorrelatedClock(mono, Correlation{})
	child := NewCorrelatedClock(parent, Correlation{})

	require.True(t, child.Available())

	parent.SetAvailable(false)
	assert.False(t, child.Available(), "parent unavailability must propagate")

	parent.SetAvailable(true)
	child.SetAvailable(false)
	assert.False(t, child.Available(), "own flag must gate availability")

	child.SetAvailable(true)
	assert.True(t, child.Available())
}

func TestCorrelatedClockEventPropagation(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	parent := NewCorrelatedClock(mono, Correlation{})
	child := NewCorrelatedClock(parent, Correlation{})

	changes, changeSub := countEvents(child, EventChange)
	unavail, unavailSub := countEvents(child, EventUnavailable)
	avail, availSub := countEvents(child, EventAvailable)
	defer changeSub.Cancel()
	defer unavailSub.Cancel()
	defer availSub.Cancel()

	parent.SetCorrelation(Correlation{ParentTime: 0, ChildTime: 5})
	assert.Equal(t, 1, *changes, "parent change must reach the child")

	parent.SetAvailable(false)
	parent.SetAvailable(true)
	assert.Equal(t, 1, *unavail)
	assert.Equal(t, 1, *avail)
}

func TestCorrelatedClockListenerOrder(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	c := NewCorrelatedClock(mono, Correlation{})

	var order []int
	s1 := c.OnEvent(func(ClockEvent) { order = append(order, 1) })
	s2 := c.OnEvent(func(ClockEvent) { order = append(order, 2) })
	s3 := c.OnEvent(func(ClockEvent) { order = append(order, 3) })
	defer s1.Cancel()
	defer s2.Cancel()
	defer s3.Cancel()

	c.SetCorrelation(Correlation{ParentTime: 0, ChildTime: 1})
	assert.Equal(t, []int{1, 2, 3}, order, "listeners run in registration order")
}

func TestCorrelatedClockCycleDetection(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	a := NewCorrelatedClock(mono, Correlation{})
	b := NewCorrelatedClock(a, Correlation{})
	c := NewCorrelatedClock(b, Correlation{})

	err := a.SetParent(c)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClockCycle)
	assert.Equal(t, Clock(mono), a.Parent(), "failed reparent must not change the graph")

	err = a.SetParent(a)
	assert.ErrorIs(t, err, ErrClockCycle)
}

func TestRebaseSuppressesAvailabilityBounce(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	c := NewCorrelatedClock(mono, Correlation{})

	changes, changeSub := countEvents(c, EventChange)
	unavail, unavailSub := countEvents(c, EventUnavailable)
	defer changeSub.Cancel()
	defer unavailSub.Cancel()

	var parent Clock = mono
	corr := Correlation{ParentTime: 1, ChildTime: 2}
	speed := 0.0
	require.NoError(t, c.Rebase(&parent, &corr, &speed, nil))

	assert.Equal(t, 1, *changes, "batched update emits one change")
	assert.Equal(t, 0, *unavail, "no availability bounce when parent stays available")
}

func TestSetPositionRebasesCorrelation(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	sched.Advance(4 * time.Second)
	c := NewCorrelatedClock(mono, Correlation{})

	require.NoError(t, c.SetPosition(50))
	assert.InDelta(t, 50.0, c.Now(), 1e-9)

	sched.Advance(2 * time.Second)
	assert.InDelta(t, 52.0, c.Now(), 1e-9)
}

func TestSetPositionUnavailableParent(t *testing.T) {
	c := NewCorrelatedClock(nil, Correlation{})
	assert.ErrorIs(t, c.SetPosition(10), ErrClockUnavailable)
}

func TestCorrelationFromTicks(t *testing.T) {
	corr := CorrelationFromTicks(5000, 1000, 1000, 1000)
	assert.Equal(t, 5.0, corr.ParentTime)
	assert.Equal(t, 1.0, corr.ChildTime)
}

func TestCheckAncestorSpeeds(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	a := NewCorrelatedClock(mono, Correlation{})
	b := NewCorrelatedClock(a, Correlation{})

	assert.NoError(t, checkAncestorSpeeds(b))

	a.SetSpeed(0)
	assert.NoError(t, checkAncestorSpeeds(b), "paused ancestors are fine")

	a.SetSpeed(1.5)
	assert.ErrorIs(t, checkAncestorSpeeds(b), ErrUnsupportedRate)
}

func TestUntilPosition(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	c := NewCorrelatedClock(mono, Correlation{})
	c.SetSpeed(2)

	d, ok := untilPosition(c, 10)
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d, "2x clock reaches 10 in 5 wall seconds")

	c.SetSpeed(0)
	_, ok = untilPosition(c, 10)
	assert.False(t, ok, "paused clocks never arm timers")

	c.SetSpeed(1)
	c.SetAvailable(false)
	_, ok = untilPosition(c, 10)
	assert.False(t, ok)
}

func TestCloseCancelsParentSubscription(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	c := NewCorrelatedClock(mono, Correlation{})

	require.Equal(t, 1, mono.NumListeners())
	c.Close()
	assert.Equal(t, 0, mono.NumListeners(), "close must release the parent listener")
}
