package timeline

import (
	"math"
	"sync"

	"go.uber.org/zap"

	"github.com/mediaflow/timeline/timer"
)

// Well-known clock names.
const (
	ClockNameWall          = "wall"
	ClockNameMonotonic     = "monotonic"
	ClockNameDefault       = "default"
	ClockNameTimelineStart = "timeline-start"
)

// Timeline owns the canonical clocks of a presentation, mediates
// competition between candidate drivers of re-assignable clocks, and
// provides safe clock derivation operations.
//
// All candidate-list mutation is serialized through SetClockSource and
// UnsetClockSource; callers never mutate clock metadata directly. Methods
// are safe for concurrent use, but clock events fire on the calling or
// timer goroutine - listeners run to completion before the next event.
type Timeline struct {
	mu     sync.Mutex
	logger *zap.Logger
	sched  timer.Scheduler

	wall  *SystemClock
	mono  *MonotonicClock
	deflt *CorrelatedClock
	start *CorrelatedClock

	metaByClock map[Clock]*clockMeta
	metaByID    map[ClockID]*clockMeta
	byName      map[string]*clockMeta
	nextID      ClockID

	stickyDefault bool
	syncCfg       SyncConfig
	closed        bool
}

// New creates a Timeline with its well-known clocks: wall, monotonic, the
// re-assignable default clock (initially unavailable, no sources), and the
// timeline-start clock derived from the default.
func New(opts ...Option) (*Timeline, error) {
	t := &Timeline{
		logger:        zap.NewNop(),
		stickyDefault: true,
		syncCfg:       DefaultSyncConfig(),
		metaByClock:   make(map[Clock]*clockMeta),
		metaByID:      make(map[ClockID]*clockMeta),
		byName:        make(map[string]*clockMeta),
	}

	for _, opt := range opts {
		if err := opt(t); err != nil {
			return nil, wrapConfigf("invalid option: %v", err)
		}
	}
	if t.sched == nil {
		t.sched = timer.NewRealScheduler()
	}

	t.wall = NewSystemClock(t.sched)
	t.mono = NewMonotonicClock(t.sched)
	t.deflt = NewCorrelatedClock(nil, Correlation{})
	t.start = NewCorrelatedClock(t.deflt, Correlation{})

	t.mu.Lock()
	t.registerLocked(ClockNameWall, t.wall, RegisterOptions{NonReassignable: true, NonOffsettable: true})
	t.registerLocked(ClockNameMonotonic, t.mono, RegisterOptions{NonReassignable: true, NonOffsettable: true})
	dm := t.registerLocked(ClockNameDefault, t.deflt, RegisterOptions{})
	dm.source = &sourceRecord{}
	t.registerLocked(ClockNameTimelineStart, t.start, RegisterOptions{NonReassignable: true, Parent: t.deflt})
	t.mu.Unlock()

	return t, nil
}

// WallClock returns the wall-clock root.
func (t *Timeline) WallClock() *SystemClock { return t.wall }

// Monotonic returns the monotonic root.
func (t *Timeline) Monotonic() *MonotonicClock { return t.mono }

// DefaultClock returns the re-assignable default clock, the one the remote
// timeline service and local masters compete to drive.
func (t *Timeline) DefaultClock() *CorrelatedClock { return t.deflt }

// TimelineStart returns the timeline-start clock, correlated 1:1 with the
// default clock until retargeted.
func (t *Timeline) TimelineStart() *CorrelatedClock { return t.start }

// Scheduler returns the timeline's deadline scheduler.
func (t *Timeline) Scheduler() timer.Scheduler { return t.sched }

// Logger returns the timeline's logger.
func (t *Timeline) Logger() *zap.Logger { return t.logger }

// SyncConfig returns the synchronisation tuning used for media sync.
func (t *Timeline) SyncConfig() SyncConfig { return t.syncCfg }

// RegisterClock adds a clock to the registry under a unique name and
// returns its metadata handle. Registering under a taken name or with a
// reassignable clock that is not a *CorrelatedClock is a config error.
func (t *Timeline) RegisterClock(name string, clock Clock, opts RegisterOptions) (ClockID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if name == "" {
		return 0, wrapConfig("clock name cannot be empty")
	}
	if _, taken := t.byName[name]; taken {
		return 0, wrapConfigf("clock name %q already registered", name)
	}
	if _, dup := t.metaByClock[clock]; dup {
		return 0, wrapConfig("clock already registered")
	}
	if !opts.NonReassignable {
		if _, ok := clock.(*CorrelatedClock); !ok {
			return 0, wrapConfig("reassignable clocks must be correlated clocks")
		}
	}

	meta := t.registerLocked(name, clock, opts)
	if !opts.NonReassignable {
		meta.source = &sourceRecord{}
	}
	return meta.id, nil
}

// registerLocked allocates an arena slot. Caller holds t.mu.
func (t *Timeline) registerLocked(name string, clock Clock, opts RegisterOptions) *clockMeta {
	t.nextID++
	meta := &clockMeta{
		id:              t.nextID,
		name:            name,
		clock:           clock,
		nonReassignable: opts.NonReassignable,
		nonOffsettable:  opts.NonOffsettable,
		syncTargets:     make(map[interface{}]*syncState),
	}
	if opts.Parent != nil {
		meta.parentMeta = t.metaByClock[opts.Parent]
	}
	t.metaByClock[clock] = meta
	t.metaByID[meta.id] = meta
	t.byName[name] = meta
	return meta
}

// ReleaseClock frees a metadata slot, tearing down any sync states bound
// to the clock. The clock object itself is left to its owner.
func (t *Timeline) ReleaseClock(id ClockID) {
	t.mu.Lock()
	meta, ok := t.metaByID[id]
	if ok {
		delete(t.metaByID, id)
		delete(t.metaByClock, meta.clock)
		delete(t.byName, meta.name)
	}
	t.mu.Unlock()

	if ok {
		t.teardownSyncStates(meta)
	}
}

// ClockByName returns a registered clock, or nil.
func (t *Timeline) ClockByName(name string) Clock {
	t.mu.Lock()
	defer t.mu.Unlock()
	if meta, ok := t.byName[name]; ok {
		return meta.clock
	}
	return nil
}

// DescribeClock renders a human-readable snapshot of a registered clock.
func (t *Timeline) DescribeClock(clock Clock) string {
	t.mu.Lock()
	meta, ok := t.metaByClock[clock]
	t.mu.Unlock()
	if !ok {
		return "unregistered clock"
	}
	return describeClock(meta)
}

// SetClockSource inserts or replaces a candidate source for a
// re-assignable clock. The candidate list stays sorted ascending by
// (PriorityGroup, Priority); if the resulting highest-priority entry
// differs from the applied one, the clock is reparented onto the new
// winner with its availability flag toggled around the swap so downstream
// consumers see one clean unavailable/available pair instead of a burst of
// transients. A call that leaves the applied winner and options unchanged
// is a no-op.
func (t *Timeline) SetClockSource(clock Clock, source Clock, opts SourceOptions) error {
	if source == nil {
		return wrapConfig("source cannot be nil; use UnsetClockSource to remove")
	}
	if clock == source {
		return wrapNotReassignable("clock cannot source itself")
	}
	if math.IsNaN(opts.Priority) {
		opts.Priority = math.Inf(-1)
	}

	t.mu.Lock()
	meta, rec, err := t.sourceRecordLocked(clock)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	before := describeClock(meta)
	rec.upsert(source, opts)
	win, _ := rec.winner()

	if rec.hasCurrent && rec.currentSource == win.source && rec.currentOpts.equivalent(win.opts) {
		t.mu.Unlock()
		t.logger.Debug("clock source unchanged",
			zap.String("clock", meta.name),
			zap.String("source", win.opts.SourceName))
		return nil
	}
	rec.hasCurrent = true
	rec.currentSource = win.source
	rec.currentOpts = win.opts
	cc := meta.clock.(*CorrelatedClock)
	t.mu.Unlock()

	configureElementSource(win.source, win.opts)
	if err := applySource(cc, win.source); err != nil {
		return err
	}

	t.logger.Info("clock source changed",
		zap.String("before", before),
		zap.String("after", t.DescribeClock(clock)))
	return nil
}

// UnsetClockSource removes a candidate source. If the removed entry was
// the applied winner, the next-greatest candidate takes over; with none
// remaining the clock falls back to its sticky source if configured,
// otherwise it becomes unavailable with a nil parent.
func (t *Timeline) UnsetClockSource(clock Clock, source Clock) error {
	t.mu.Lock()
	meta, rec, err := t.sourceRecordLocked(clock)
	if err != nil {
		t.mu.Unlock()
		return err
	}

	before := describeClock(meta)
	if !rec.remove(source) {
		t.mu.Unlock()
		return nil
	}
	if !rec.hasCurrent || rec.currentSource != source {
		// A non-applied candidate went away; nothing to retarget.
		t.mu.Unlock()
		return nil
	}

	cc := meta.clock.(*CorrelatedClock)
	win, haveWin := rec.winner()
	if haveWin {
		rec.currentSource = win.source
		rec.currentOpts = win.opts
	} else {
		rec.hasCurrent = false
		rec.currentSource = nil
		rec.currentOpts = SourceOptions{}
	}

	var sticky *StickyClock
	if !haveWin && t.stickyDefault && meta.clock == Clock(t.deflt) {
		if rec.sticky == nil {
			rec.sticky = NewStickyClock(t.mono, nil)
		}
		sticky = rec.sticky
	}
	t.mu.Unlock()

	switch {
	case haveWin:
		configureElementSource(win.source, win.opts)
		if err := applySource(cc, win.source); err != nil {
			return err
		}
	case sticky != nil:
		freezeOnto(cc, sticky, t.mono)
	default:
		_ = cc.SetParent(nil)
	}

	t.logger.Info("clock source removed",
		zap.String("before", before),
		zap.String("after", t.DescribeClock(clock)))
	return nil
}

// IsClockMasterOverride reports whether the applied source for a clock was
// registered with MasterOverride. Aspiring local masters consult this to
// demote themselves to slave without an explicit message.
func (t *Timeline) IsClockMasterOverride(clock Clock) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	meta, ok := t.metaByClock[clock]
	if !ok || meta.source == nil {
		return false
	}
	return meta.source.hasCurrent && meta.source.currentOpts.MasterOverride
}

// ActiveSourceOptions returns the applied source options for a clock.
func (t *Timeline) ActiveSourceOptions(clock Clock) (SourceOptions, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	meta, ok := t.metaByClock[clock]
	if !ok || meta.source == nil || !meta.source.hasCurrent {
		return SourceOptions{}, false
	}
	return meta.source.currentOpts, true
}

// NewOffsetClock derives a clock reading parent+offset, registered under
// name, non-reassignable. The offset is fixed for the clock's lifetime.
func (t *Timeline) NewOffsetClock(parent Clock, offset float64, name string) (*CorrelatedClock, error) {
	c := NewCorrelatedClock(parent, Correlation{ParentTime: 0, ChildTime: offset})
	if _, err := t.RegisterClock(name, c, RegisterOptions{NonReassignable: true, NonOffsettable: true, Parent: parent}); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewDerivedClock derives a clock with an explicit correlation and speed
// onto parent, registered under name, non-reassignable but retargetable
// through SetCorrelatedClockParent.
func (t *Timeline) NewDerivedClock(parent Clock, corr Correlation, speed float64, name string) (*CorrelatedClock, error) {
	c := NewCorrelatedClock(parent, corr)
	c.SetSpeed(speed)
	if _, err := t.RegisterClock(name, c, RegisterOptions{NonReassignable: true, Parent: parent}); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// SetCorrelatedClockParent retargets a derived clock's parent, correlation
// and speed in one step. When the parent is unchanged only a single change
// event fires - intermediate availability bouncing is suppressed.
func (t *Timeline) SetCorrelatedClockParent(clock *CorrelatedClock, parent Clock, corr Correlation, speed float64) error {
	t.mu.Lock()
	meta, ok := t.metaByClock[clock]
	if ok && meta.nonOffsettable {
		t.mu.Unlock()
		return wrapNotReassignablef("clock %q is not offsettable", meta.name)
	}
	t.mu.Unlock()

	return clock.Rebase(&parent, &corr, &speed, nil)
}

// Close tears down every sync state and sticky fallback the timeline owns.
// Registered clocks remain usable but are no longer tracked.
func (t *Timeline) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	metas := make([]*clockMeta, 0, len(t.metaByID))
	for _, m := range t.metaByID {
		metas = append(metas, m)
	}
	t.metaByClock = make(map[Clock]*clockMeta)
	t.metaByID = make(map[ClockID]*clockMeta)
	t.byName = make(map[string]*clockMeta)
	t.mu.Unlock()

	for _, m := range metas {
		t.teardownSyncStates(m)
		if m.source != nil && m.source.sticky != nil {
			m.source.sticky.Close()
		}
	}
	t.start.Close()
	t.deflt.Close()
}

// sourceRecordLocked resolves a clock to its source record, enforcing the
// known + reassignable preconditions. Caller holds t.mu.
func (t *Timeline) sourceRecordLocked(clock Clock) (*clockMeta, *sourceRecord, error) {
	meta, ok := t.metaByClock[clock]
	if !ok {
		return nil, nil, wrapNotReassignable("unknown clock")
	}
	if meta.nonReassignable || meta.source == nil {
		return nil, nil, wrapNotReassignablef("clock %q does not accept sources", meta.name)
	}
	return meta, meta.source, nil
}

// configureElementSource pushes the winning options' element tuning into a
// media-element source before it is applied. The options are authoritative
// only when they declare the element the source actually wraps.
func configureElementSource(source Clock, opts SourceOptions) {
	mec, ok := source.(*MediaElementClock)
	if !ok || opts.Element == nil || opts.Element != mec.Element() {
		return
	}
	mec.SetZeroUpdateThreshold(opts.ZeroUpdateThreshold)
	mec.SetElementOffset(opts.ElementOffset)
}

// applySource reparents a re-assignable clock 1:1 onto the winning source.
// The availability flag is toggled false then true around the swap.
func applySource(cc *CorrelatedClock, source Clock) error {
	cc.SetAvailable(false)
	identity := Correlation{}
	speed := 1.0
	if err := cc.Rebase(&source, &identity, &speed, nil); err != nil {
		cc.SetAvailable(true)
		return err
	}
	cc.SetAvailable(true)
	return nil
}

// freezeOnto snapshots cc's position and effective rate into the sticky
// clock, then reparents cc onto it, so the clock keeps its last known
// value and rate instead of going unavailable.
func freezeOnto(cc *CorrelatedClock, sticky *StickyClock, reference Clock) {
	pos := cc.Now()
	eff := cc.EffectiveSpeed()
	if math.IsNaN(pos) {
		pos = 0
		eff = 0
	}
	sticky.SetCorrelationAndSpeed(Correlation{
		ParentTime: reference.Now(),
		ChildTime:  pos,
	}, eff)

	cc.SetAvailable(false)
	var parent Clock = sticky
	identity := Correlation{}
	speed := 1.0
	_ = cc.Rebase(&parent, &identity, &speed, nil)
	cc.SetAvailable(true)
}
