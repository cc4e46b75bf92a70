package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaflow/timeline/timer"
)

func TestStickyClockFollowsSource(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	source := NewCorrelatedClock(mono, Correlation{ChildTime: 100})

	s := NewStickyClock(mono, source)
	defer s.Close()

	assert.InDelta(t, 100.0, s.Now(), 1e-9)
	assert.Equal(t, 1.0, s.EffectiveSpeed())

	sched.Advance(5 * time.Second)
	assert.InDelta(t, 105.0, s.Now(), 1e-9)

	source.SetCorrelation(Correlation{ParentTime: mono.Now(), ChildTime: 200})
	assert.InDelta(t, 200.0, s.Now(), 1e-9, "source changes are copied through")
}

func TestStickyClockFreezesOnSourceLoss(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	source := NewCorrelatedClock(mono, Correlation{ChildTime: 50})

	s := NewStickyClock(mono, source)
	defer s.Close()

	sched.Advance(10 * time.Second)
	require.InDelta(t, 60.0, s.Now(), 1e-9)

	source.SetAvailable(false)
	assert.True(t, s.Available(), "sticky clocks never go unavailable")
	assert.InDelta(t, 60.0, s.Now(), 1e-9, "frozen at the last copied correlation")

	sched.Advance(5 * time.Second)
	assert.InDelta(t, 65.0, s.Now(), 1e-9, "the last rate keeps running")
}

func TestStickyClockNilSourceStaysFrozen(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)

	s := NewStickyClock(mono, nil)
	defer s.Close()

	assert.True(t, s.Available())
	assert.InDelta(t, 0.0, s.Now(), 1e-9)
	sched.Advance(time.Minute)
	assert.InDelta(t, 0.0, s.Now(), 1e-9, "speed 0 until a source is seen")
}

func TestStickyClockSourceSwap(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	a := NewCorrelatedClock(mono, Correlation{ChildTime: 10})
	b := NewCorrelatedClock(mono, Correlation{ChildTime: 99})

	s := NewStickyClock(mono, a)
	defer s.Close()
	require.InDelta(t, 10.0, s.Now(), 1e-9)
	require.Equal(t, 1, a.NumListeners())

	s.SetSource(b)
	assert.Zero(t, a.NumListeners(), "old source listener released")
	assert.InDelta(t, 99.0, s.Now(), 1e-9)
	assert.Equal(t, Clock(b), s.Source())
}

func TestMediaElementClockTracksElement(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	el := NewTestMediaElement(600)

	c := NewMediaElementClock(mono, el, 0)
	defer c.Close()

	assert.True(t, c.Available(), "ready element yields an available clock")
	assert.InDelta(t, 0.0, c.Now(), 1e-9)
	assert.Equal(t, 0.0, c.EffectiveSpeed(), "paused element pauses the clock")

	require.NoError(t, el.Play())
	assert.Equal(t, 1.0, c.EffectiveSpeed())

	el.SetCurrentTime(42)
	assert.InDelta(t, 42.0, c.Now(), 1e-9)

	sched.Advance(3 * time.Second)
	assert.InDelta(t, 45.0, c.Now(), 1e-9, "the clock extrapolates between element events")
}

func TestMediaElementClockUnavailableOnError(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	el := NewTestMediaElement(600)

	c := NewMediaElementClock(mono, el, 0)
	defer c.Close()
	require.True(t, c.Available())

	el.Fail()
	assert.False(t, c.Available(), "element errors take the clock down")

	el.SetCurrentTime(10)
	assert.True(t, c.Available(), "a successful seek recovers the clock")
}

func TestMediaElementClockZeroUpdateThreshold(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	el := NewTestMediaElement(600)

	c := NewMediaElementClock(mono, el, 0.25)
	defer c.Close()
	require.NoError(t, el.Play())

	changes, sub := countEvents(c, EventChange)
	defer sub.Cancel()

	// Jitter below the threshold at an unchanged rate is suppressed.
	sched.Advance(time.Second)
	el.AdvanceMedia(1.1)
	assert.Equal(t, 0, *changes, "0.1s of drift sits inside the threshold")

	el.AdvanceMedia(2)
	assert.Positive(t, *changes, "real movement beyond the threshold updates")
}
