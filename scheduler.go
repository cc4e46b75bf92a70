package timeline

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/mediaflow/timeline/timer"
)

// Interval is a frozen snapshot of the scheduler's position within its
// schedule.
type Interval struct {
	// Index is the 0-based index of the greatest schedule entry at or
	// below the clock position, or -1 before every entry. Meaningless
	// while ClockAvailable is false.
	Index int

	// ClockAvailable mirrors the observed clock's availability at the
	// time of the snapshot.
	ClockAvailable bool

	// ClockTime is the clock position the snapshot was taken at, NaN
	// while unavailable.
	ClockTime float64
}

// same reports whether two snapshots describe the same interval state.
// ClockTime is deliberately excluded.
func (iv Interval) same(other Interval) bool {
	if iv.ClockAvailable != other.ClockAvailable {
		return false
	}
	return !iv.ClockAvailable || iv.Index == other.Index
}

// IntervalSchedulerConfig transforms raw schedule values before
// validation: value*Multiplier + Offset, optionally rounded to a quantum.
type IntervalSchedulerConfig struct {
	// Multiplier scales raw schedule values. Default 1.
	Multiplier float64

	// Offset shifts scaled values, in seconds.
	Offset float64

	// RoundTo, when positive, rounds transformed values to the nearest
	// multiple of this quantum.
	RoundTo float64
}

// DefaultIntervalSchedulerConfig returns the identity transform.
func DefaultIntervalSchedulerConfig() IntervalSchedulerConfig {
	return IntervalSchedulerConfig{Multiplier: 1}
}

// IntervalScheduler converts a clock's continuous position into discrete
// interval-change events against a fixed ascending schedule.
//
// One pending timer is kept at the next boundary in the clock's forward
// direction of travel. Nothing is armed while the clock is paused or
// running backward - those crossings are caught via clock change events
// only. At most one change event fires per distinct interval transition.
type IntervalScheduler struct {
	mu       sync.Mutex
	sched    timer.Scheduler
	logger   *zap.Logger
	clock    Clock
	schedule []float64 // NaN marks dropped entries; indices preserved

	listeners []*intervalListener
	clockSub  *Subscription
	pending   timer.Handle
	last      Interval
	closed    bool
}

type intervalListener struct {
	fn      func(Interval)
	removed bool
}

// NewIntervalScheduler validates and transforms the schedule, snapshots
// the initial interval without emitting, and arms the first boundary
// timer. Non-ascending entries (after transform) are dropped with a
// warning; the prior value stays the comparison baseline, and dropped
// slots keep their index.
func NewIntervalScheduler(sched timer.Scheduler, logger *zap.Logger, clock Clock, values []float64, cfg IntervalSchedulerConfig) *IntervalScheduler {
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	schedule := make([]float64, 0, len(values))
	prev := math.Inf(-1)
	for i, raw := range values {
		v := raw*cfg.Multiplier + cfg.Offset
		if cfg.RoundTo > 0 {
			v = math.Round(v/cfg.RoundTo) * cfg.RoundTo
		}
		if v <= prev || math.IsNaN(v) {
			logger.Warn("dropping non-ascending schedule entry",
				zap.Int("index", i),
				zap.Float64("value", v),
				zap.Float64("baseline", prev))
			schedule = append(schedule, math.NaN())
			continue
		}
		schedule = append(schedule, v)
		prev = v
	}

	s := &IntervalScheduler{
		sched:    sched,
		logger:   logger,
		schedule: schedule,
	}
	s.attach(clock, false)
	return s
}

// CurrentInterval computes the interval for the clock's position right now.
func (s *IntervalScheduler) CurrentInterval() Interval {
	s.mu.Lock()
	clock := s.clock
	s.mu.Unlock()
	return s.intervalFor(clock)
}

// OnChange subscribes to interval transitions. The callback receives a
// frozen snapshot and runs synchronously on the emitting goroutine.
func (s *IntervalScheduler) OnChange(fn func(Interval)) *Subscription {
	e := &intervalListener{fn: fn}
	s.mu.Lock()
	s.listeners = append(s.listeners, e)
	s.mu.Unlock()

	return &Subscription{cancel: func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		e.removed = true
		for i, cur := range s.listeners {
			if cur == e {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				break
			}
		}
	}}
}

// NumListeners returns the number of registered change listeners.
func (s *IntervalScheduler) NumListeners() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners)
}

// SetClock swaps the observed clock, releasing the prior clock's listener
// and pending timer, and re-evaluates immediately.
func (s *IntervalScheduler) SetClock(clock Clock) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	oldSub := s.clockSub
	oldTimer := s.pending
	s.clockSub = nil
	s.pending = nil
	s.mu.Unlock()

	oldSub.Cancel()
	if oldTimer != nil {
		oldTimer.Stop()
	}
	s.attach(clock, true)
	s.evaluate()
}

// Close releases the clock listener and any pending timer. Subsequent
// events are ignored.
func (s *IntervalScheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sub := s.clockSub
	pending := s.pending
	s.clockSub = nil
	s.pending = nil
	s.listeners = nil
	s.mu.Unlock()

	sub.Cancel()
	if pending != nil {
		pending.Stop()
	}
}

// attach installs the clock. keepBaseline preserves the last emitted
// interval as the comparison baseline so a clock swap still emits if the
// new clock sits in a different bucket; construction snapshots instead.
func (s *IntervalScheduler) attach(clock Clock, keepBaseline bool) {
	var sub *Subscription
	if clock != nil {
		sub = clock.OnEvent(func(ClockEvent) { s.evaluate() })
	}

	s.mu.Lock()
	s.clock = clock
	s.clockSub = sub
	if !keepBaseline {
		s.last = s.intervalForLocked(clock)
	}
	s.mu.Unlock()

	s.reschedule()
}

// evaluate recomputes the interval, emits on transition, and re-arms the
// boundary timer. Redundant re-evaluations with no interval change are
// silent.
func (s *IntervalScheduler) evaluate() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	clock := s.clock
	cur := s.intervalForLocked(clock)
	transition := !cur.same(s.last)
	if transition {
		s.last = cur
	}
	snapshot := make([]*intervalListener, len(s.listeners))
	copy(snapshot, s.listeners)
	s.mu.Unlock()

	if transition {
		for _, e := range snapshot {
			s.mu.Lock()
			removed := e.removed
			s.mu.Unlock()
			if !removed {
				e.fn(cur)
			}
		}
	}
	s.reschedule()
}

func (s *IntervalScheduler) intervalFor(clock Clock) Interval {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalForLocked(clock)
}

func (s *IntervalScheduler) intervalForLocked(clock Clock) Interval {
	if clock == nil || !clock.Available() {
		return Interval{Index: -1, ClockAvailable: false, ClockTime: math.NaN()}
	}
	now := clock.Now()
	idx := -1
	for i, v := range s.schedule {
		if math.IsNaN(v) {
			continue
		}
		if v <= now {
			idx = i
		} else {
			break
		}
	}
	return Interval{Index: idx, ClockAvailable: true, ClockTime: now}
}

// reschedule arms exactly one timer at the next non-dropped boundary above
// the current position, or none when the clock is unavailable, paused, or
// running backward.
func (s *IntervalScheduler) reschedule() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
	clock := s.clock
	if clock == nil || !clock.Available() || clock.EffectiveSpeed() <= 0 {
		s.mu.Unlock()
		return
	}

	now := clock.Now()
	target := math.NaN()
	for _, v := range s.schedule {
		if math.IsNaN(v) {
			continue
		}
		if v > now {
			target = v
			break
		}
	}
	if math.IsNaN(target) {
		s.mu.Unlock()
		return
	}

	d, ok := untilPosition(clock, target)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.logger.Debug("interval boundary armed",
		zap.Float64("target", target),
		zap.Duration("delay", d))
	s.pending = s.sched.AfterFunc(d, func() {
		s.mu.Lock()
		s.pending = nil
		s.mu.Unlock()
		s.evaluate()
	})
	s.mu.Unlock()
}
