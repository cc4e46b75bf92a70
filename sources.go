package timeline

import "sync"

// StickyClock tracks a source clock while it is available and freezes at
// the last copied correlation and rate when the source goes away, instead
// of itself becoming unavailable. It is the fallback the default clock
// drops to when every candidate source has been removed.
//
// The sticky clock is itself a correlated clock parented on a reference
// root, so it stays available unconditionally.
type StickyClock struct {
	*CorrelatedClock
	srcMu     sync.Mutex
	source    Clock
	sourceSub *Subscription
}

// NewStickyClock creates a sticky clock on the given reference root,
// initially frozen at position 0. source may be nil.
func NewStickyClock(reference Clock, source Clock) *StickyClock {
	s := &StickyClock{
		CorrelatedClock: NewCorrelatedClock(reference, Correlation{
			ParentTime: reference.Now(),
			ChildTime:  0,
		}),
	}
	s.CorrelatedClock.SetSpeed(0)
	s.SetSource(source)
	return s
}

// SetSource swaps the followed clock. A nil source freezes the sticky
// clock at its current correlation.
func (s *StickyClock) SetSource(source Clock) {
	s.srcMu.Lock()
	old := s.sourceSub
	s.source = source
	if source != nil {
		s.sourceSub = source.OnEvent(s.onSourceEvent)
	} else {
		s.sourceSub = nil
	}
	s.srcMu.Unlock()

	old.Cancel()
	s.follow()
}

// Source returns the currently followed clock, or nil.
func (s *StickyClock) Source() Clock {
	s.srcMu.Lock()
	defer s.srcMu.Unlock()
	return s.source
}

// Close stops following the source and detaches from the reference.
func (s *StickyClock) Close() {
	s.srcMu.Lock()
	sub := s.sourceSub
	s.sourceSub = nil
	s.source = nil
	s.srcMu.Unlock()
	sub.Cancel()
	s.CorrelatedClock.Close()
}

func (s *StickyClock) onSourceEvent(ev ClockEvent) {
	// Unavailable freezes: keep the last correlation and speed.
	if ev == EventUnavailable {
		return
	}
	s.follow()
}

// follow copies the source's current position and effective rate into this
// clock's correlation against the reference root.
func (s *StickyClock) follow() {
	s.srcMu.Lock()
	source := s.source
	s.srcMu.Unlock()

	if source == nil || !source.Available() {
		return
	}
	ref := s.CorrelatedClock.Parent()
	if ref == nil {
		return
	}
	corr := Correlation{ParentTime: ref.Now(), ChildTime: source.Now()}
	speed := source.EffectiveSpeed() / ref.EffectiveSpeed()
	s.CorrelatedClock.SetCorrelationAndSpeed(corr, speed)
}

// MediaElementClock derives a clock from a media element's playback
// position and rate, making the element eligible as a candidate source for
// re-assignable clocks. Availability follows the element's readiness.
//
// Position updates below the zero-update threshold with an unchanged rate
// are dropped, so listeners are not flooded by timeupdate jitter.
type MediaElementClock struct {
	*CorrelatedClock
	elMu      sync.Mutex
	el        MediaElement
	elSub     *Subscription
	threshold float64
	offsetFn  func() float64
}

// NewMediaElementClock creates a clock tracking el against the given
// reference root. threshold is the zero-update suppression window in
// seconds; 0 forwards every update.
func NewMediaElementClock(reference Clock, el MediaElement, threshold float64) *MediaElementClock {
	m := &MediaElementClock{
		CorrelatedClock: NewCorrelatedClock(reference, Correlation{
			ParentTime: reference.Now(),
			ChildTime:  0,
		}),
		el:        el,
		threshold: threshold,
	}
	m.CorrelatedClock.SetSpeed(0)
	m.CorrelatedClock.SetAvailable(false)
	m.elSub = el.OnEvent(m.onElementEvent)
	m.Refresh()
	return m
}

// Element returns the wrapped media element.
func (m *MediaElementClock) Element() MediaElement {
	return m.el
}

// Refresh re-reads the element and updates correlation, speed and
// availability. Called automatically on element events; callers may invoke
// it from a poll when the element emits no fine-grained position events.
func (m *MediaElementClock) Refresh() {
	ready := m.el.ReadyState() >= HaveMetadata
	if !ready {
		m.CorrelatedClock.SetAvailable(false)
		return
	}

	pos := m.el.CurrentTime()
	rate := m.el.PlaybackRate()
	if m.el.Paused() {
		rate = 0
	}

	ref := m.CorrelatedClock.Parent()
	if ref == nil {
		return
	}

	m.elMu.Lock()
	threshold := m.threshold
	offsetFn := m.offsetFn
	m.elMu.Unlock()

	if offsetFn != nil {
		pos += offsetFn()
	}

	if m.CorrelatedClock.Available() && rate == m.CorrelatedClock.Speed() {
		predicted := m.CorrelatedClock.Now()
		if diff := predicted - pos; diff <= threshold && diff >= -threshold {
			return
		}
	}

	corr := Correlation{ParentTime: ref.Now(), ChildTime: pos}
	avail := true
	_ = m.CorrelatedClock.Rebase(nil, &corr, &rate, &avail)
}

// SetZeroUpdateThreshold adjusts the zero-update suppression window, in
// seconds, and re-reads the element.
func (m *MediaElementClock) SetZeroUpdateThreshold(threshold float64) {
	m.elMu.Lock()
	m.threshold = threshold
	m.elMu.Unlock()
	m.Refresh()
}

// SetElementOffset installs a callback whose result is added, in seconds,
// to the element position this clock reports. nil removes the offset.
func (m *MediaElementClock) SetElementOffset(fn func() float64) {
	m.elMu.Lock()
	m.offsetFn = fn
	m.elMu.Unlock()
	m.Refresh()
}

// Close stops observing the element and detaches from the reference.
func (m *MediaElementClock) Close() {
	m.elSub.Cancel()
	m.CorrelatedClock.Close()
}

func (m *MediaElementClock) onElementEvent(ev ElementEvent) {
	switch ev {
	case ElementError, ElementStalled:
		m.CorrelatedClock.SetAvailable(false)
	default:
		m.Refresh()
	}
}
