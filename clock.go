package timeline

import (
	"math"
	"sync"
	"time"

	"github.com/mediaflow/timeline/timer"
)

// Clock is a time source with a position, a rate, and an availability flag.
//
// Positions are expressed in seconds on the clock's own timeline. A clock
// whose availability flag is false has no meaningful position; Now returns
// NaN until the next EventAvailable.
//
// Clocks form a DAG via parent links. Availability and change events
// propagate downstream from parent to child. Reparenting is an explicit
// operation, never automatic.
type Clock interface {
	// Now returns the current position in seconds, or NaN if unavailable.
	Now() float64

	// TickRate returns the ticks-per-second used when converting raw
	// integer correlation units to seconds.
	TickRate() float64

	// Speed returns this clock's own speed multiplier relative to its
	// parent. Root clocks report 1.
	Speed() float64

	// EffectiveSpeed returns the product of speeds from this clock up to
	// the root. It is 0 exactly when the clock is logically paused.
	EffectiveSpeed() float64

	// Available reports whether positions are currently meaningful.
	Available() bool

	// Parent returns the upstream clock, or nil for roots.
	Parent() Clock

	// OnEvent subscribes to change/available/unavailable events.
	// Listeners run synchronously in registration order.
	OnEvent(fn Listener) *Subscription

	// NumListeners returns the number of registered listeners.
	NumListeners() int
}

// DefaultTickRate is the tick rate assigned to clocks created without an
// explicit one. One tick per millisecond, matching broadcast practice.
const DefaultTickRate = 1000.0

// Correlation defines a linear map from a parent clock's timeline onto a
// child's: at the instant the parent reads ParentTime, the child reads
// ChildTime; the child then advances at the child's speed multiplier.
type Correlation struct {
	ParentTime float64
	ChildTime  float64
}

// CorrelationFromTicks builds a Correlation from raw tick counts using the
// respective tick rates.
func CorrelationFromTicks(parentTicks, childTicks, parentTickRate, childTickRate float64) Correlation {
	return Correlation{
		ParentTime: parentTicks / parentTickRate,
		ChildTime:  childTicks / childTickRate,
	}
}

// SystemClock is a root clock tracking wall-clock time (seconds since the
// Unix epoch) as reported by a timer.Scheduler. Always available, speed 1.
type SystemClock struct {
	notifier
	sched    timer.Scheduler
	tickRate float64
}

// NewSystemClock creates a wall-clock root driven by sched.
func NewSystemClock(sched timer.Scheduler) *SystemClock {
	return &SystemClock{sched: sched, tickRate: DefaultTickRate}
}

// Now returns seconds since the Unix epoch.
func (c *SystemClock) Now() float64 {
	return float64(c.sched.Now().UnixNano()) / float64(time.Second)
}

// TickRate returns the clock's tick rate.
func (c *SystemClock) TickRate() float64 { return c.tickRate }

// Speed returns 1.
func (c *SystemClock) Speed() float64 { return 1 }

// EffectiveSpeed returns 1.
func (c *SystemClock) EffectiveSpeed() float64 { return 1 }

// Available returns true; wall clocks never go away.
func (c *SystemClock) Available() bool { return true }

// Parent returns nil.
func (c *SystemClock) Parent() Clock { return nil }

// OnEvent subscribes to clock events. SystemClock never emits any, but the
// subscription surface is uniform so consumers need not special-case roots.
func (c *SystemClock) OnEvent(fn Listener) *Subscription { return c.subscribe(fn) }

// NumListeners returns the number of registered listeners.
func (c *SystemClock) NumListeners() int { return c.numListeners() }

// MonotonicClock is a root clock counting seconds since its creation.
// Always available, speed 1. Immune to wall-clock adjustments when driven
// by a monotonic scheduler.
type MonotonicClock struct {
	notifier
	sched    timer.Scheduler
	epoch    time.Time
	tickRate float64
}

// NewMonotonicClock creates a monotonic root driven by sched, reading 0 at
// the moment of creation.
func NewMonotonicClock(sched timer.Scheduler) *MonotonicClock {
	return &MonotonicClock{sched: sched, epoch: sched.Now(), tickRate: DefaultTickRate}
}

// Now returns seconds since the clock was created.
func (c *MonotonicClock) Now() float64 {
	return c.sched.Now().Sub(c.epoch).Seconds()
}

// TickRate returns the clock's tick rate.
func (c *MonotonicClock) TickRate() float64 { return c.tickRate }

// Speed returns 1.
func (c *MonotonicClock) Speed() float64 { return 1 }

// EffectiveSpeed returns 1.
func (c *MonotonicClock) EffectiveSpeed() float64 { return 1 }

// Available returns true.
func (c *MonotonicClock) Available() bool { return true }

// Parent returns nil.
func (c *MonotonicClock) Parent() Clock { return nil }

// OnEvent subscribes to clock events.
func (c *MonotonicClock) OnEvent(fn Listener) *Subscription { return c.subscribe(fn) }

// NumListeners returns the number of registered listeners.
func (c *MonotonicClock) NumListeners() int { return c.numListeners() }

// CorrelatedClock maps a parent clock's timeline onto its own through a
// Correlation and a speed multiplier. It is the reparentable workhorse of
// the graph: derived component clocks, the default clock, slave clocks and
// sticky clocks are all correlated clocks.
//
// A correlated clock is available only while its own availability flag is
// set AND it has an available parent.
type CorrelatedClock struct {
	notifier
	mu        sync.Mutex
	parent    Clock
	parentSub *Subscription
	corr      Correlation
	speed     float64
	avail     bool
	tickRate  float64
	lastEff   bool
}

// NewCorrelatedClock creates a correlated clock on parent with the given
// correlation, speed 1, and its availability flag set. parent may be nil,
// in which case the clock starts unavailable.
func NewCorrelatedClock(parent Clock, corr Correlation) *CorrelatedClock {
	c := &CorrelatedClock{
		corr:     corr,
		speed:    1,
		avail:    true,
		tickRate: DefaultTickRate,
	}
	c.parent = parent
	if parent != nil {
		c.parentSub = parent.OnEvent(c.onParentEvent)
	}
	c.lastEff = c.effAvailLocked()
	return c
}

// Now returns the mapped position, or NaN while unavailable.
func (c *CorrelatedClock) Now() float64 {
	c.mu.Lock()
	parent, corr, speed := c.parent, c.corr, c.speed
	avail := c.effAvailLocked()
	c.mu.Unlock()

	if !avail {
		return math.NaN()
	}
	return (parent.Now()-corr.ParentTime)*speed + corr.ChildTime
}

// TickRate returns the clock's tick rate.
func (c *CorrelatedClock) TickRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tickRate
}

// SetTickRate sets the tick rate used for raw tick conversions.
func (c *CorrelatedClock) SetTickRate(rate float64) {
	c.mu.Lock()
	c.tickRate = rate
	c.mu.Unlock()
}

// Speed returns the clock's own speed multiplier.
func (c *CorrelatedClock) Speed() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.speed
}

// EffectiveSpeed returns speed multiplied up the ancestor chain, or 0 when
// the clock has no parent.
func (c *CorrelatedClock) EffectiveSpeed() float64 {
	c.mu.Lock()
	parent, speed := c.parent, c.speed
	c.mu.Unlock()

	if parent == nil {
		return 0
	}
	return speed * parent.EffectiveSpeed()
}

// Available reports effective availability: own flag AND parent availability.
func (c *CorrelatedClock) Available() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.effAvailLocked()
}

// Parent returns the upstream clock, or nil.
func (c *CorrelatedClock) Parent() Clock {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.parent
}

// Correlation returns the current correlation.
func (c *CorrelatedClock) Correlation() Correlation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.corr
}

// OnEvent subscribes to clock events.
func (c *CorrelatedClock) OnEvent(fn Listener) *Subscription { return c.subscribe(fn) }

// NumListeners returns the number of registered listeners.
func (c *CorrelatedClock) NumListeners() int { return c.numListeners() }

// SetParent reparents the clock, failing fast with ErrClockCycle if the new
// parent is (or descends from) this clock. A nil parent detaches the clock,
// making it unavailable.
func (c *CorrelatedClock) SetParent(parent Clock) error {
	return c.update(&parent, nil, nil, nil)
}

// SetCorrelation replaces the correlation, emitting one change event.
func (c *CorrelatedClock) SetCorrelation(corr Correlation) {
	_ = c.update(nil, &corr, nil, nil)
}

// SetSpeed sets the clock's own speed multiplier.
func (c *CorrelatedClock) SetSpeed(speed float64) {
	_ = c.update(nil, nil, &speed, nil)
}

// SetCorrelationAndSpeed updates both atomically, emitting one change event.
func (c *CorrelatedClock) SetCorrelationAndSpeed(corr Correlation, speed float64) {
	_ = c.update(nil, &corr, &speed, nil)
}

// SetAvailable sets the clock's own availability flag.
func (c *CorrelatedClock) SetAvailable(avail bool) {
	_ = c.update(nil, nil, nil, &avail)
}

// Rebase updates parent, correlation, speed and availability in one step,
// emitting only the net transition. Intermediate unavailable/available
// bounces that would result from applying the fields one at a time are
// suppressed. Nil fields are left untouched.
func (c *CorrelatedClock) Rebase(parent *Clock, corr *Correlation, speed *float64, avail *bool) error {
	return c.update(parent, corr, speed, avail)
}

// SetPosition rebases the correlation so the clock reads pos at this
// instant. Requires an available parent.
func (c *CorrelatedClock) SetPosition(pos float64) error {
	c.mu.Lock()
	parent := c.parent
	c.mu.Unlock()

	if parent == nil || !parent.Available() {
		return ErrClockUnavailable
	}
	corr := Correlation{ParentTime: parent.Now(), ChildTime: pos}
	return c.update(nil, &corr, nil, nil)
}

// Close detaches the clock from its parent without emitting events.
// Pending subscriptions held by downstream consumers are left to their
// owners' trackers.
func (c *CorrelatedClock) Close() {
	c.mu.Lock()
	sub := c.parentSub
	c.parentSub = nil
	c.parent = nil
	c.mu.Unlock()
	sub.Cancel()
}

func (c *CorrelatedClock) effAvailLocked() bool {
	return c.avail && c.parent != nil && c.parent.Available()
}

// update is the single mutation path. It computes the net availability
// transition and emits at most one change plus one availability event.
func (c *CorrelatedClock) update(parent *Clock, corr *Correlation, speed *float64, avail *bool) error {
	c.mu.Lock()

	var oldSub *Subscription
	changed := false

	if parent != nil && *parent != c.parent {
		if wouldCycle(c, *parent) {
			c.mu.Unlock()
			return wrapCycle("new parent is a descendant of this clock")
		}
		oldSub = c.parentSub
		c.parent = *parent
		if *parent != nil {
			c.parentSub = (*parent).OnEvent(c.onParentEvent)
		} else {
			c.parentSub = nil
		}
		changed = true
	}
	if corr != nil && *corr != c.corr {
		c.corr = *corr
		changed = true
	}
	if speed != nil && *speed != c.speed {
		c.speed = *speed
		changed = true
	}
	if avail != nil && *avail != c.avail {
		c.avail = *avail
	}

	wasEff := c.lastEff
	nowEff := c.effAvailLocked()
	c.lastEff = nowEff
	c.mu.Unlock()

	oldSub.Cancel()

	if changed && nowEff {
		c.emit(EventChange)
	}
	if wasEff != nowEff {
		if nowEff {
			c.emit(EventAvailable)
		} else {
			c.emit(EventUnavailable)
		}
	}
	return nil
}

func (c *CorrelatedClock) onParentEvent(ev ClockEvent) {
	c.mu.Lock()
	wasEff := c.lastEff
	nowEff := c.effAvailLocked()
	c.lastEff = nowEff
	c.mu.Unlock()

	switch {
	case wasEff != nowEff && nowEff:
		c.emit(EventAvailable)
	case wasEff != nowEff && !nowEff:
		c.emit(EventUnavailable)
	case ev == EventChange && nowEff:
		c.emit(EventChange)
	}
}

// wouldCycle walks candidate's ancestor chain looking for child.
func wouldCycle(child Clock, candidate Clock) bool {
	for p := candidate; p != nil; p = p.Parent() {
		if p == child {
			return true
		}
	}
	return false
}

// checkAncestorSpeeds verifies that every correlated clock from c to the
// root (the root itself excepted) carries a speed of 0 or 1. Compound-rate
// graphs cannot be media-synchronised and are rejected eagerly.
func checkAncestorSpeeds(c Clock) error {
	for cur := c; cur != nil && cur.Parent() != nil; cur = cur.Parent() {
		s := cur.Speed()
		if s != 0 && s != 1 {
			return wrapUnsupportedRate("ancestor clock speed must be 0 or 1")
		}
	}
	return nil
}

// untilPosition returns the wall-clock delay until c reaches target going
// forward. Returns false when the clock is unavailable, paused, or running
// backward - interval changes in those regimes are only caught via change
// events, never a timer.
func untilPosition(c Clock, target float64) (time.Duration, bool) {
	if !c.Available() {
		return 0, false
	}
	eff := c.EffectiveSpeed()
	if eff <= 0 {
		return 0, false
	}
	d := time.Duration((target - c.Now()) / eff * float64(time.Second))
	if d < 0 {
		d = 0
	}
	return d, true
}
