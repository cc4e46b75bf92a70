package timeline

import (
	"errors"
	"math"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/mediaflow/timeline/sharedstate"
)

// Shared-state key layout for inter-context sync. The payloads must stay
// bit-compatible across implementations sharing a group.
const (
	keyMaster = "master"
	keyClock  = "clock"
)

// SyncSample is the wire record for both the master claim and the clock
// correlation: who, and where the default clock sat at which wall-clock
// instant, moving at what rate.
type SyncSample struct {
	AgentID   string  `msgpack:"agentId"`
	Wallclock float64 `msgpack:"wallclock"`
	Clock     float64 `msgpack:"clock"`
	ClockRate float64 `msgpack:"clockRate"`
}

// SyncMode is an InterContextSyncCtl's election outcome.
type SyncMode uint8

const (
	// ModeUninitialized means no election has resolved yet.
	ModeUninitialized SyncMode = iota

	// ModeMaster means this agent publishes the clock correlation.
	ModeMaster

	// ModeSlave means this agent follows another agent's correlation.
	ModeSlave
)

// String returns the string representation of the mode.
func (m SyncMode) String() string {
	switch m {
	case ModeMaster:
		return "MASTER"
	case ModeSlave:
		return "SLAVE"
	default:
		return "UNINITIALIZED"
	}
}

// ElectionConfig parameterizes inter-context sync.
type ElectionConfig struct {
	// SyncID names the sync session; it labels the slave clock and log
	// lines, distinguishing concurrent sessions on one timeline.
	SyncID string

	// PositionThreshold is the positional drift, in seconds, beyond which
	// a master republishes the clock correlation while running. Default
	// 0.02s.
	PositionThreshold float64

	// PriorityGroup is the arbitration group the slave clock competes in.
	// Default 5, above every local candidate's default group 0.
	PriorityGroup int
}

// DefaultElectionConfig returns the standard election tuning.
func DefaultElectionConfig(syncID string) ElectionConfig {
	return ElectionConfig{
		SyncID:            syncID,
		PositionThreshold: 0.02,
		PriorityGroup:     5,
	}
}

// Validate checks the configuration.
func (c ElectionConfig) Validate() error {
	if c.SyncID == "" {
		return wrapConfig("SyncID cannot be empty")
	}
	if c.PositionThreshold <= 0 {
		return wrapConfig("PositionThreshold must be positive")
	}
	return nil
}

// InterContextSyncCtl elects one master per sync session across the agents
// sharing a state store, and keeps every other agent's default clock slaved
// to the master's published correlation.
//
// Election is best-effort compare-and-set: racing writers converge because
// they all observe the same eventual winner. The elected master publishes
// {agentId, wallclock, clock, clockRate} under the significant-change rule;
// slaves install the correlation as a MasterOverride candidate source on
// the default clock, demoting local aspiring masters through ordinary
// arbitration.
type InterContextSyncCtl struct {
	mu       sync.Mutex
	timeline *Timeline
	store    sharedstate.Store
	logger   *zap.Logger
	cfg      ElectionConfig

	mode       SyncMode
	slaveClock *CorrelatedClock
	slaveID    ClockID

	lastSample  SyncSample
	havePublish bool

	cancels []func()
	subs    []*Subscription
	closed  bool
}

// NewInterContextSyncCtl starts inter-context sync for one session over the
// given store. The election resolves once the store reports open.
func NewInterContextSyncCtl(t *Timeline, store sharedstate.Store, cfg ElectionConfig) (*InterContextSyncCtl, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ctl := &InterContextSyncCtl{
		timeline: t,
		store:    store,
		logger: t.Logger().With(
			zap.String("sync_id", cfg.SyncID),
			zap.String("agent", store.AgentID())),
		cfg: cfg,
	}

	ctl.cancels = append(ctl.cancels,
		store.OnChange(ctl.onStoreChange),
		store.OnPresence(func(sharedstate.PresenceEvent) { ctl.evaluate() }),
		store.OnReadyState(func(rs sharedstate.ReadyState) {
			if rs == sharedstate.ReadyOpen {
				ctl.evaluate()
			}
		}),
	)
	ctl.subs = append(ctl.subs,
		t.DefaultClock().OnEvent(func(ClockEvent) { ctl.onClockChanged() }),
	)

	if store.ReadyState() == sharedstate.ReadyOpen {
		ctl.evaluate()
	}
	return ctl, nil
}

// Mode returns the current election outcome.
func (ctl *InterContextSyncCtl) Mode() SyncMode {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	return ctl.mode
}

// Close withdraws from the session: a master retracts its claim, a slave
// tears down its slave clock. The store is left open for the caller.
func (ctl *InterContextSyncCtl) Close() {
	ctl.mu.Lock()
	if ctl.closed {
		ctl.mu.Unlock()
		return
	}
	ctl.closed = true
	cancels := ctl.cancels
	subs := ctl.subs
	ctl.cancels = nil
	ctl.subs = nil
	wasMaster := ctl.mode == ModeMaster
	ctl.mode = ModeUninitialized
	ctl.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	for _, s := range subs {
		s.Cancel()
	}
	ctl.teardownSlave()

	if wasMaster {
		if raw, ok := ctl.store.GetItem(keyMaster); ok {
			var claim SyncSample
			if msgpack.Unmarshal(raw, &claim) == nil && claim.AgentID == ctl.store.AgentID() {
				_ = ctl.store.SetItem(keyMaster, nil, sharedstate.SetOptions{})
			}
		}
	}
}

func (ctl *InterContextSyncCtl) onStoreChange(ev sharedstate.ChangeEvent) {
	switch ev.Key {
	case keyMaster:
		ctl.evaluate()
	case keyClock:
		ctl.applyClockSample(ev.Value)
	}
}

// evaluate runs the election rule: claim mastership if the recorded master
// is absent or offline, otherwise follow it.
func (ctl *InterContextSyncCtl) evaluate() {
	ctl.mu.Lock()
	if ctl.closed {
		ctl.mu.Unlock()
		return
	}
	ctl.mu.Unlock()

	if ctl.store.ReadyState() != sharedstate.ReadyOpen {
		return
	}

	self := ctl.store.AgentID()
	raw, ok := ctl.store.GetItem(keyMaster)
	var claim SyncSample
	valid := ok && msgpack.Unmarshal(raw, &claim) == nil && claim.AgentID != ""

	if !valid || (claim.AgentID != self &&
		ctl.store.GetPresence(claim.AgentID) != sharedstate.PresenceOnline) {
		sample := ctl.currentSample()
		payload, err := msgpack.Marshal(&sample)
		if err != nil {
			ctl.logger.Error("master claim encode failed", zap.Error(err))
			return
		}
		var expected []byte
		if ok {
			expected = raw
		}
		err = ctl.store.SetItem(keyMaster, payload, sharedstate.SetOptions{CAS: true, Expected: expected})
		if err != nil && !errors.Is(err, sharedstate.ErrCASMismatch) {
			ctl.logger.Warn("master claim write failed", zap.Error(err))
			return
		}
		// Re-read: under a race the convergent winner is whoever the
		// store now records.
		raw, ok = ctl.store.GetItem(keyMaster)
		if !ok || msgpack.Unmarshal(raw, &claim) != nil {
			return
		}
	}

	if claim.AgentID == self {
		ctl.becomeMaster()
	} else {
		ctl.becomeSlave(claim.AgentID)
	}
}

func (ctl *InterContextSyncCtl) becomeMaster() {
	ctl.mu.Lock()
	if ctl.closed || ctl.mode == ModeMaster {
		ctl.mu.Unlock()
		return
	}
	ctl.mode = ModeMaster
	ctl.havePublish = false
	ctl.mu.Unlock()

	ctl.teardownSlave()
	ctl.logger.Info("elected inter-context master")
	ctl.publishSample(true)
}

func (ctl *InterContextSyncCtl) becomeSlave(masterID string) {
	ctl.mu.Lock()
	if ctl.closed || ctl.mode == ModeSlave {
		ctl.mu.Unlock()
		return
	}
	ctl.mode = ModeSlave
	ctl.mu.Unlock()

	ctl.logger.Info("following inter-context master",
		zap.String("master", masterID))

	slave := NewCorrelatedClock(ctl.timeline.WallClock(), Correlation{})
	slave.SetAvailable(false)

	id, err := ctl.timeline.RegisterClock("intercontext-slave/"+ctl.cfg.SyncID, slave,
		RegisterOptions{NonReassignable: true})
	if err != nil {
		ctl.logger.Error("slave clock registration failed", zap.Error(err))
		slave.Close()
		return
	}

	ctl.mu.Lock()
	ctl.slaveClock = slave
	ctl.slaveID = id
	ctl.mu.Unlock()

	opts := DefaultSourceOptions()
	opts.MasterOverride = true
	opts.SourceName = "intercontext/" + ctl.cfg.SyncID
	opts.PriorityGroup = ctl.cfg.PriorityGroup
	if err := ctl.timeline.SetClockSource(ctl.timeline.DefaultClock(), slave, opts); err != nil {
		ctl.logger.Error("slave clock source install failed", zap.Error(err))
	}

	if raw, ok := ctl.store.GetItem(keyClock); ok {
		ctl.applyClockSample(raw)
	}
}

func (ctl *InterContextSyncCtl) teardownSlave() {
	ctl.mu.Lock()
	slave := ctl.slaveClock
	id := ctl.slaveID
	ctl.slaveClock = nil
	ctl.slaveID = 0
	ctl.mu.Unlock()

	if slave == nil {
		return
	}
	if err := ctl.timeline.UnsetClockSource(ctl.timeline.DefaultClock(), slave); err != nil {
		ctl.logger.Warn("slave clock source removal failed", zap.Error(err))
	}
	ctl.timeline.ReleaseClock(id)
	slave.Close()
}

// applyClockSample installs a published correlation into the slave clock.
func (ctl *InterContextSyncCtl) applyClockSample(raw []byte) {
	ctl.mu.Lock()
	slave := ctl.slaveClock
	ctl.mu.Unlock()
	if slave == nil || raw == nil {
		return
	}

	var sample SyncSample
	if err := msgpack.Unmarshal(raw, &sample); err != nil {
		ctl.logger.Warn("clock sample decode failed", zap.Error(err))
		return
	}
	if sample.AgentID == ctl.store.AgentID() {
		return
	}

	corr := Correlation{ParentTime: sample.Wallclock, ChildTime: sample.Clock}
	avail := true
	if err := slave.Rebase(nil, &corr, &sample.ClockRate, &avail); err != nil {
		ctl.logger.Warn("slave clock update failed", zap.Error(err))
	}
}

func (ctl *InterContextSyncCtl) onClockChanged() {
	ctl.mu.Lock()
	isMaster := ctl.mode == ModeMaster && !ctl.closed
	ctl.mu.Unlock()
	if isMaster {
		ctl.publishSample(false)
	}
}

func (ctl *InterContextSyncCtl) currentSample() SyncSample {
	deflt := ctl.timeline.DefaultClock()
	pos := deflt.Now()
	rate := deflt.EffectiveSpeed()
	if math.IsNaN(pos) {
		pos = 0
		rate = 0
	}
	return SyncSample{
		AgentID:   ctl.store.AgentID(),
		Wallclock: ctl.timeline.WallClock().Now(),
		Clock:     pos,
		ClockRate: rate,
	}
}

// publishSample writes the clock correlation, throttled by the
// significant-change rule unless forced.
func (ctl *InterContextSyncCtl) publishSample(force bool) {
	sample := ctl.currentSample()

	ctl.mu.Lock()
	if !force && ctl.havePublish && !ctl.significantLocked(sample) {
		ctl.mu.Unlock()
		return
	}
	ctl.lastSample = sample
	ctl.havePublish = true
	ctl.mu.Unlock()

	payload, err := msgpack.Marshal(&sample)
	if err != nil {
		ctl.logger.Error("clock sample encode failed", zap.Error(err))
		return
	}

	ctl.store.Request()
	_ = ctl.store.SetItem(keyClock, payload, sharedstate.SetOptions{})
	if err := ctl.store.Send(); err != nil {
		ctl.logger.Warn("clock sample publish failed", zap.Error(err))
		return
	}
	ctl.logger.Debug("clock correlation published",
		zap.Float64("clock", sample.Clock),
		zap.Float64("rate", sample.ClockRate))
}

// significantLocked implements the republish throttle: a rate change always
// publishes; while running, positional drift beyond the threshold relative
// to the extrapolated previous sample publishes; while stopped, any
// positional movement publishes.
func (ctl *InterContextSyncCtl) significantLocked(sample SyncSample) bool {
	last := ctl.lastSample
	if sample.ClockRate != last.ClockRate {
		return true
	}
	expected := last.Clock + (sample.Wallclock-last.Wallclock)*last.ClockRate
	drift := math.Abs(sample.Clock - expected)
	if sample.ClockRate != 0 {
		return drift >= ctl.cfg.PositionThreshold
	}
	return drift > 0
}
