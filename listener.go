package timeline

import "sync"

// ClockEvent identifies a clock state transition delivered to listeners.
type ClockEvent uint8

const (
	// EventChange signals that the clock's correlation, speed, or parent
	// changed, so positions computed before and after may disagree.
	EventChange ClockEvent = iota

	// EventAvailable signals the availability flag transitioned to true.
	EventAvailable

	// EventUnavailable signals the availability flag transitioned to false.
	EventUnavailable
)

// String returns the string representation of the event.
func (e ClockEvent) String() string {
	switch e {
	case EventChange:
		return "CHANGE"
	case EventAvailable:
		return "AVAILABLE"
	case EventUnavailable:
		return "UNAVAILABLE"
	default:
		return "UNKNOWN"
	}
}

// Listener receives clock events. Listeners run synchronously in
// registration order; implementations should be fast or dispatch to a
// goroutine to avoid blocking the emitting clock.
type Listener func(ev ClockEvent)

// Subscription is a cancellation token returned from every subscribe call.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps a cancel function in a Subscription token, for
// event sources implemented outside this package.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Cancel removes the listener. Safe to call more than once.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// notifier maintains an ordered listener list for one clock.
// Emission copies the list under lock and invokes outside it, so listeners
// may safely call back into the clock.
type notifier struct {
	mu      sync.Mutex
	entries []*listenerEntry
}

type listenerEntry struct {
	fn      Listener
	removed bool
}

func (n *notifier) subscribe(fn Listener) *Subscription {
	e := &listenerEntry{fn: fn}
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

func (n *notifier) emit(ev ClockEvent) {
	n.mu.Lock()
	snapshot := make([]*listenerEntry, len(n.entries))
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

func (n *notifier) numListeners() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.entries)
}

// ListenerTracker aggregates subscriptions so one Close call is the sole
// cleanup path for an owning object. Tracking after Close cancels the
// subscription immediately.
type ListenerTracker struct {
	mu     sync.Mutex
	subs   []*Subscription
	closed bool
}

// NewListenerTracker creates an empty tracker.
func NewListenerTracker() *ListenerTracker {
	return &ListenerTracker{}
}

// Track registers a subscription for cleanup and returns it unchanged.
func (t *ListenerTracker) Track(s *Subscription) *Subscription {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		s.Cancel()
		return s
	}
	t.subs = append(t.subs, s)
	t.mu.Unlock()
	return s
}

// Close cancels every tracked subscription.
func (t *ListenerTracker) Close() {
	t.mu.Lock()
	subs := t.subs
	t.subs = nil
	t.closed = true
	t.mu.Unlock()

	for _, s := range subs {
		s.Cancel()
	}
}

// Active returns the number of tracked, not-yet-closed subscriptions.
func (t *ListenerTracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}
