package timeline

import "go.uber.org/zap"

// Sync-state bookkeeping: per-(clock, target) records that lazily construct
// and tear down the actual synchronisation machinery as the clock's
// availability toggles. The availability listener is installed once per
// clock metadata record, not per target, so a flap of the clock batches the
// (un)sync of every target bound to it.

type syncKind int

const (
	syncMedia syncKind = iota
	syncExternal
)

// syncState binds one sync target to a clock. For media targets the
// MediaSynchroniser exists only while the clock is available; for external
// targets availability maps onto SyncToClock/StopSync calls.
type syncState struct {
	kind            syncKind
	element         MediaElement
	external        ExternalSync
	offset          float64
	pauseOnSyncStop bool

	synchroniser *MediaSynchroniser
	extActive    bool
}

// SynchroniseElementToClock binds a media element to a registered clock: a
// MediaSynchroniser is constructed while the clock is available and torn
// down while it is not. At most one sync per (clock, element) pair;
// duplicates return ErrAlreadySynchronised. Compound-rate clock graphs are
// rejected eagerly with ErrUnsupportedRate.
func (t *Timeline) SynchroniseElementToClock(clock Clock, element MediaElement, offset float64, pauseOnSyncStop bool) error {
	if err := checkAncestorSpeeds(clock); err != nil {
		return err
	}
	st := &syncState{
		kind:            syncMedia,
		element:         element,
		offset:          offset,
		pauseOnSyncStop: pauseOnSyncStop,
	}
	return t.addSyncState(clock, element, st)
}

// SynchroniseExternalToClock binds an external sync consumer to a
// registered clock. SyncToClock is called while the clock is available,
// StopSync while it is not.
func (t *Timeline) SynchroniseExternalToClock(clock Clock, ext ExternalSync, offset float64) error {
	st := &syncState{
		kind:     syncExternal,
		external: ext,
		offset:   offset,
	}
	return t.addSyncState(clock, ext, st)
}

// UnsynchroniseFromClock removes the sync state for a (clock, target)
// pair, tearing down its synchroniser if one is active. target is the
// element or external consumer passed at sync time. Unknown pairs are a
// silent no-op. When the last target for a clock goes, the shared
// availability listener is released too.
func (t *Timeline) UnsynchroniseFromClock(clock Clock, target interface{}) {
	t.mu.Lock()
	meta, ok := t.metaByClock[clock]
	if !ok {
		t.mu.Unlock()
		return
	}
	st, ok := meta.syncTargets[target]
	if !ok {
		t.mu.Unlock()
		return
	}
	delete(meta.syncTargets, target)
	var sub *Subscription
	if len(meta.syncTargets) == 0 {
		sub = meta.availSub
		meta.availSub = nil
	}
	t.mu.Unlock()

	t.deactivateSyncState(st)
	sub.Cancel()
}

// addSyncState registers a sync state, installing the clock's shared
// availability listener on first use, and activates it immediately if the
// clock is available right now.
func (t *Timeline) addSyncState(clock Clock, key interface{}, st *syncState) error {
	t.mu.Lock()
	meta, ok := t.metaByClock[clock]
	if !ok {
		t.mu.Unlock()
		return wrapNotReassignable("unknown clock")
	}
	if _, dup := meta.syncTargets[key]; dup {
		t.mu.Unlock()
		return wrapAlreadySynchronised(meta.name)
	}
	meta.syncTargets[key] = st
	if meta.availSub == nil {
		meta.availSub = clock.OnEvent(func(ev ClockEvent) {
			switch ev {
			case EventAvailable:
				t.syncAvailabilityChanged(clock, true)
			case EventUnavailable:
				t.syncAvailabilityChanged(clock, false)
			}
		})
	}
	t.mu.Unlock()

	if clock.Available() {
		t.activateSyncState(clock, st)
	}
	return nil
}

// syncAvailabilityChanged batches (de)activation of every sync state bound
// to the clock. Runs on the clock's event goroutine, outside t.mu.
func (t *Timeline) syncAvailabilityChanged(clock Clock, available bool) {
	t.mu.Lock()
	meta, ok := t.metaByClock[clock]
	if !ok {
		t.mu.Unlock()
		return
	}
	states := make([]*syncState, 0, len(meta.syncTargets))
	for _, st := range meta.syncTargets {
		states = append(states, st)
	}
	t.mu.Unlock()

	for _, st := range states {
		if available {
			t.activateSyncState(clock, st)
		} else {
			t.deactivateSyncState(st)
		}
	}
}

func (t *Timeline) activateSyncState(clock Clock, st *syncState) {
	switch st.kind {
	case syncMedia:
		if st.synchroniser != nil {
			return
		}
		// The element that is itself driving the clock must not be
		// slaved back to it.
		if opts, ok := t.ActiveSourceOptions(clock); ok && opts.Element == st.element {
			t.logger.Debug("skipping self-sync of source element")
			return
		}
		s, err := NewMediaSynchroniserToClock(t.sched, t.logger, t.syncCfg, SyncHooks{},
			st.element, clock, st.offset, st.pauseOnSyncStop)
		if err != nil {
			t.logger.Warn("media sync activation failed", zap.Error(err))
			return
		}
		st.synchroniser = s
	case syncExternal:
		if st.extActive {
			return
		}
		st.extActive = true
		st.external.SyncToClock(clock, st.offset)
	}
}

func (t *Timeline) deactivateSyncState(st *syncState) {
	switch st.kind {
	case syncMedia:
		if st.synchroniser == nil {
			return
		}
		st.synchroniser.StopSync()
		st.synchroniser = nil
	case syncExternal:
		if !st.extActive {
			return
		}
		st.extActive = false
		st.external.StopSync()
	}
}

// teardownSyncStates releases the clock's availability listener and stops
// every sync state bound to it.
func (t *Timeline) teardownSyncStates(meta *clockMeta) {
	t.mu.Lock()
	sub := meta.availSub
	meta.availSub = nil
	states := make([]*syncState, 0, len(meta.syncTargets))
	for _, st := range meta.syncTargets {
		states = append(states, st)
	}
	meta.syncTargets = make(map[interface{}]*syncState)
	t.mu.Unlock()

	sub.Cancel()
	for _, st := range states {
		t.deactivateSyncState(st)
	}
}
