package simulator

import (
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/mediaflow/timeline"
)

// SimElement is a simulated media player: position advances from wall time
// while playing, clamped to the media duration, with the same event
// vocabulary a real element emits. It stands in for a device's player so the
// demo can run many agents in one process.
type SimElement struct {
	mu        sync.Mutex
	duration  float64
	position  float64
	rate      float64
	paused    bool
	updatedAt time.Time
	listeners []*elementListener

	// Counters read by the demo's status output.
	Seeks       atomic.Int64
	RateChanges atomic.Int64
}

type elementListener struct {
	fn      func(timeline.ElementEvent)
	removed bool
}

var _ timeline.MediaElement = (*SimElement)(nil)

// NewSimElement creates a paused element at position 0.
func NewSimElement(duration float64) *SimElement {
	return &SimElement{
		duration:  duration,
		rate:      1,
		paused:    true,
		updatedAt: time.Now(),
	}
}

// settle folds elapsed wall time into the stored position. Callers hold mu.
func (e *SimElement) settle(now time.Time) {
	if !e.paused {
		e.position += now.Sub(e.updatedAt).Seconds() * e.rate
		if !math.IsNaN(e.duration) && e.position > e.duration {
			e.position = e.duration
		}
		if e.position < 0 {
			e.position = 0
		}
	}
	e.updatedAt = now
}

// Tick emits a timeupdate, or ended once playback hits the duration. The
// demo loop calls this at roughly the cadence a real player fires
// timeupdate.
func (e *SimElement) Tick() {
	e.mu.Lock()
	e.settle(time.Now())
	ended := !e.paused && !math.IsNaN(e.duration) && e.position >= e.duration
	e.mu.Unlock()

	if ended {
		e.emit(timeline.ElementEnded)
		return
	}
	e.emit(timeline.ElementTimeUpdate)
}

func (e *SimElement) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.settle(time.Now())
	return e.position
}

func (e *SimElement) SetCurrentTime(pos float64) {
	e.mu.Lock()
	e.settle(time.Now())
	e.position = pos
	e.mu.Unlock()
	e.Seeks.Inc()
	e.emit(timeline.ElementSeeked)
}

func (e *SimElement) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

func (e *SimElement) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *SimElement) Play() error {
	e.mu.Lock()
	e.settle(time.Now())
	was := e.paused
	e.paused = false
	e.mu.Unlock()
	if was {
		e.emit(timeline.ElementPlay)
	}
	return nil
}

func (e *SimElement) Pause() error {
	e.mu.Lock()
	e.settle(time.Now())
	was := e.paused
	e.paused = true
	e.mu.Unlock()
	if !was {
		e.emit(timeline.ElementPause)
	}
	return nil
}

func (e *SimElement) PlaybackRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rate
}

func (e *SimElement) SetPlaybackRate(rate float64) {
	e.mu.Lock()
	e.settle(time.Now())
	changed := e.rate != rate
	e.rate = rate
	e.mu.Unlock()
	if changed {
		e.RateChanges.Inc()
		e.emit(timeline.ElementRateChange)
	}
}

func (e *SimElement) ReadyState() timeline.ReadyState {
	return timeline.HaveEnoughData
}

func (e *SimElement) OnEvent(fn func(timeline.ElementEvent)) *timeline.Subscription {
	l := &elementListener{fn: fn}
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()

	return timeline.NewSubscription(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		l.removed = true
		for i, cur := range e.listeners {
			if cur == l {
				e.listeners = append(e.listeners[:i], e.listeners[i+1:]...)
				break
			}
		}
	})
}

func (e *SimElement) emit(ev timeline.ElementEvent) {
	e.mu.Lock()
	snapshot := make([]*elementListener, len(e.listeners))
	copy(snapshot, e.listeners)
	e.mu.Unlock()

	for _, l := range snapshot {
		e.mu.Lock()
		removed := l.removed
		e.mu.Unlock()
		if !removed {
			l.fn(ev)
		}
	}
}
