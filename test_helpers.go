package timeline

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/mediaflow/timeline/timer"
)

// Compile-time interface verification.
// These ensure test types correctly implement production interfaces.
var (
	_ Clock        = (*SystemClock)(nil)
	_ Clock        = (*MonotonicClock)(nil)
	_ Clock        = (*CorrelatedClock)(nil)
	_ Clock        = (*StickyClock)(nil)
	_ MediaElement = (*TestMediaElement)(nil)
	_ ExternalSync = (*TestExternalSync)(nil)
)

// TestMediaElement implements MediaElement for testing: position advances
// only through AdvanceMedia, so tests drive media time in lockstep with a
// MockScheduler.
type TestMediaElement struct {
	mu       sync.Mutex
	position float64
	duration float64
	rate     float64
	paused   bool
	ready    ReadyState
	notify   *notifierOf[ElementEvent]

	// Operation counters for behavioral assertions.
	SeekCount  int
	PlayCount  int
	PauseCount int
	RateCount  int
}

// NewTestMediaElement creates a paused element at position 0 with the given
// duration (NaN = unknown), rate 1, and HaveEnoughData readiness.
func NewTestMediaElement(duration float64) *TestMediaElement {
	return &TestMediaElement{
		duration: duration,
		rate:     1,
		paused:   true,
		ready:    HaveEnoughData,
		notify:   newNotifierOf[ElementEvent](),
	}
}

// AdvanceMedia moves playback time forward by dt seconds of wall time,
// honoring the paused flag and playback rate, then emits a timeupdate.
func (e *TestMediaElement) AdvanceMedia(dt float64) {
	e.mu.Lock()
	if !e.paused {
		e.position += dt * e.rate
		if !math.IsNaN(e.duration) && e.position > e.duration {
			e.position = e.duration
		}
	}
	e.mu.Unlock()
	e.notify.emit(ElementTimeUpdate)
}

func (e *TestMediaElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.position
}

func (e *TestMediaElement) SetCurrentTime(pos float64) {
	e.mu.Lock()
	e.position = pos
	e.SeekCount++
	e.mu.Unlock()
	e.notify.emit(ElementSeeked)
}

func (e *TestMediaElement) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

func (e *TestMediaElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *TestMediaElement) Play() error {
	e.mu.Lock()
	e.PlayCount++
	was := e.paused
	e.paused = false
	e.mu.Unlock()
	if was {
		e.notify.emit(ElementPlay)
	}
	return nil
}

func (e *TestMediaElement) Pause() error {
	e.mu.Lock()
	e.PauseCount++
	was := e.paused
	e.paused = true
	e.mu.Unlock()
	if !was {
		e.notify.emit(ElementPause)
	}
	return nil
}

func (e *TestMediaElement) PlaybackRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func (e *TestMediaElement) SetPlaybackRate(rate float64) {
	e.mu.Lock()
	changed := e.rate != rate
	e.rate = rate
	if changed {
		e.RateCount++
	}
	e.mu.Unlock()
	if changed {
		e.notify.emit(ElementRateChange)
	}
}

func (e *TestMediaElement) ReadyState() ReadyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

// SetReadyState changes readiness and emits loadedmetadata on upgrade past
// HaveMetadata.
func (e *TestMediaElement) SetReadyState(rs ReadyState) {
	e.mu.Lock()
	prev := e.ready
	e.ready = rs
	e.mu.Unlock()
	if prev < HaveMetadata && rs >= HaveMetadata {
		e.notify.emit(ElementMetadataLoaded)
	}
}

// Fail emits a fatal element error.
func (e *TestMediaElement) Fail() {
	e.notify.emit(ElementError)
}

func (e *TestMediaElement) OnEvent(fn func(ElementEvent)) *Subscription {
	return e.notify.subscribe(fn)
}

// notifierOf is a typed variant of the clock notifier for element events.
type notifierOf[T any] struct {
	mu      sync.Mutex
	entries []*entryOf[T]
}

type entryOf[T any] struct {
	fn      func(T)
	removed bool
}

func newNotifierOf[T any]() *notifierOf[T] {
	return &notifierOf[T]{}
}

func (n *notifierOf[T]) subscribe(fn func(T)) *Subscription {
	e := &entryOf[T]{fn: fn}
	n.mu.Lock()
	n.entries = append(n.entries, e)
	n.mu.Unlock()

	return &Subscription{cancel: func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		e.removed = true
		for i, cur := range n.entries {
			if cur == e {
				n.entries = append(n.entries[:i], n.entries[i+1:]...)
				break
			}
		}
	}}
}

func (n *notifierOf[T]) emit(ev T) {
	n.mu.Lock()
	snapshot := make([]*entryOf[T], len(n.entries))
	copy(snapshot, n.entries)
	n.mu.Unlock()

	for _, e := range snapshot {
		n.mu.Lock()
		removed := e.removed
		n.mu.Unlock()
		if !removed {
			e.fn(ev)
		}
	}
}

// TestExternalSync records SyncToClock/StopSync calls.
type TestExternalSync struct {
	mu         sync.Mutex
	SyncCalls  int
	StopCalls  int
	LastClock  Clock
	LastOffset float64
}

func (x *TestExternalSync) SyncToClock(clock Clock, offset float64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.SyncCalls++
	x.LastClock = clock
	x.LastOffset = offset
}

func (x *TestExternalSync) StopSync() {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.StopCalls++
}

// newTestTimeline builds a timeline on a mock scheduler for deterministic
// tests.
func newTestTimeline(opts ...Option) (*Timeline, *timer.MockScheduler) {
	sched := timer.NewMockScheduler()
	all := append([]Option{
		WithScheduler(sched),
		WithLogger(zap.NewNop()),
	}, opts...)
	t, err := New(all...)
	if err != nil {
		panic(err)
	}
	return t, sched
}

// countEvents subscribes a counter to a clock. The caller cancels the
// returned subscription.
func countEvents(c Clock, want ClockEvent) (*int, *Subscription) {
	n := new(int)
	sub := c.OnEvent(func(ev ClockEvent) {
		if ev == want {
			*n++
		}
	})
	return n, sub
}
