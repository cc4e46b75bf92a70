package timeline

import (
	"math"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/mediaflow/timeline/timer"
)

// RateTier maps an absolute average drift band to a playback-rate
// correction. Larger errors get more aggressive gains but tighter clamps,
// so convergence stays fast without audible pitch excursions.
type RateTier struct {
	// Threshold is the lower bound of the band, in seconds of drift.
	Threshold float64

	// Gain multiplies the average drift into a rate adjustment.
	Gain float64

	// MaxAdjust clamps the resulting adjustment, in rate units.
	MaxAdjust float64
}

// SyncConfig tunes the drift-correction control loop.
//
// The defaults are empirically tuned values carried over from production
// deployments. They are exposed as configuration rather than structural
// constants, but treat them as a matched set: changing one band without
// its neighbours tends to produce oscillation.
type SyncConfig struct {
	// SeekThreshold is the drift, in seconds, beyond which the engine
	// corrects by seeking instead of adjusting rate. Default 1s.
	SeekThreshold float64

	// SeekAdjustLimit bounds the seek-latency compensation term, in
	// seconds. A computed adjustment beyond this is discarded as an
	// outlier. Default 5s.
	SeekAdjustLimit float64

	// ThrashWindow is the spacing below which consecutive seeks count as
	// thrashing. Default 1500ms.
	ThrashWindow time.Duration

	// ThrashLimit is the number of rapid consecutive seeks tolerated
	// before one correction cycle is suppressed and the thrash callback
	// fires. Default 3.
	ThrashLimit int

	// PollInterval is the position poll period while the master is a
	// running clock; media surfaces emit no fine-grained position
	// events, so this poll is the one permitted recurring timer.
	// Default 100ms.
	PollInterval time.Duration

	// DeltaWindow is the rolling-average sample count for rate
	// correction. Default 3.
	DeltaWindow int

	// RateTiers is the banded drift-to-rate map, ordered by descending
	// Threshold. See DefaultSyncConfig for the production values.
	RateTiers []RateTier

	// SmallRateCorrection is the gentle correction applied below the
	// smallest tier, in rate units. Default 0.02 (2%).
	SmallRateCorrection float64

	// SmallRateDeadband is the drift below which no correction is applied
	// at all, so a well-synced element is not nudged over measurement
	// noise. Default 0.005s.
	SmallRateDeadband float64
}

// DefaultSyncConfig returns the production control-loop tuning.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		SeekThreshold:   1.0,
		SeekAdjustLimit: 5.0,
		ThrashWindow:    1500 * time.Millisecond,
		ThrashLimit:     3,
		PollInterval:    100 * time.Millisecond,
		DeltaWindow:     3,
		RateTiers: []RateTier{
			{Threshold: 1.0, Gain: 1.0, MaxAdjust: 0.5},
			{Threshold: 0.5, Gain: 0.8, MaxAdjust: 0.3},
			{Threshold: 0.4, Gain: 0.6, MaxAdjust: 0.2},
			{Threshold: 0.1, Gain: 0.4, MaxAdjust: 0.1},
			{Threshold: 0.025, Gain: 0.25, MaxAdjust: 0.05},
		},
		SmallRateCorrection: 0.02,
		SmallRateDeadband:   0.005,
	}
}

// Validate checks that the configuration values are sensible.
func (c SyncConfig) Validate() error {
	if c.SeekThreshold <= 0 {
		return wrapConfig("SeekThreshold must be positive")
	}
	if c.SeekAdjustLimit <= 0 {
		return wrapConfig("SeekAdjustLimit must be positive")
	}
	if c.ThrashWindow <= 0 {
		return wrapConfig("ThrashWindow must be positive")
	}
	if c.ThrashLimit < 1 {
		return wrapConfig("ThrashLimit must be at least 1")
	}
	if c.PollInterval <= 0 {
		return wrapConfig("PollInterval must be positive")
	}
	if c.DeltaWindow < 1 {
		return wrapConfig("DeltaWindow must be at least 1")
	}
	prev := math.Inf(1)
	for i, tier := range c.RateTiers {
		if tier.Threshold <= 0 || tier.Gain <= 0 || tier.MaxAdjust <= 0 {
			return wrapConfigf("RateTiers[%d] fields must be positive", i)
		}
		if tier.Threshold >= prev {
			return wrapConfigf("RateTiers[%d] thresholds must descend", i)
		}
		prev = tier.Threshold
	}
	if c.SmallRateCorrection < 0 {
		return wrapConfig("SmallRateCorrection must be non-negative")
	}
	if c.SmallRateDeadband < 0 {
		return wrapConfig("SmallRateDeadband must be non-negative")
	}
	return nil
}

// SyncHooks provides callbacks for sync events. All callbacks are optional
// and invoked synchronously from the correction pass.
type SyncHooks struct {
	// OnSeek is called after a corrective seek, with the slave position
	// before and after.
	OnSeek func(from, to float64)

	// OnRateAdjust is called after a playback-rate correction.
	OnRateAdjust func(rate float64)

	// OnThrash is called when rapid consecutive seeks exceed the limit
	// and a correction cycle is suppressed.
	OnThrash func()

	// OnEndLatch is called when the slave is pinned at end-of-media.
	OnEndLatch func()
}

// SyncStats is a snapshot of a synchroniser's correction counters.
type SyncStats struct {
	Seeks           uint64
	RateAdjustments uint64
	ThrashEvents    uint64
	EndLatches      uint64
}

// MediaSynchroniser drags a slave media element's position and rate to
// match a master - either a clock or another media element - using a
// hybrid seek/rate-adjustment strategy with thrash detection.
//
// Corrections run on master events and, for running clock masters, on a
// poll. Synchronisation failures degrade to best-effort drift: the slave
// stays uncorrected until the next successful cycle, playback never halts.
type MediaSynchroniser struct {
	mu     sync.Mutex
	sched  timer.Scheduler
	logger *zap.Logger
	cfg    SyncConfig
	hooks  SyncHooks

	slave           MediaElement
	masterClock     Clock
	masterEl        MediaElement
	offset          float64
	pauseOnSyncStop bool

	tracker *ListenerTracker
	poll    timer.Handle

	deltas         []float64
	haveSeek       bool
	lastSeekWall   time.Time
	lastSeekTarget float64
	thrashCount    int
	endLatched     bool
	stopped        bool

	seeks       atomic.Uint64
	rateAdjusts atomic.Uint64
	thrashes    atomic.Uint64
	endLatches  atomic.Uint64
}

// NewMediaSynchroniserToClock creates a synchroniser slaving element to a
// clock. Fails eagerly with ErrUnsupportedRate if any ancestor correlated
// clock carries a speed other than 0 or 1.
func NewMediaSynchroniserToClock(sched timer.Scheduler, logger *zap.Logger, cfg SyncConfig, hooks SyncHooks, slave MediaElement, master Clock, offset float64, pauseOnSyncStop bool) (*MediaSynchroniser, error) {
	if err := checkAncestorSpeeds(master); err != nil {
		return nil, err
	}
	m := newMediaSynchroniser(sched, logger, cfg, hooks, slave, offset, pauseOnSyncStop)
	m.masterClock = master
	m.tracker.Track(master.OnEvent(func(ev ClockEvent) {
		m.correct(false)
		m.updatePoll()
	}))
	m.correct(true)
	m.updatePoll()
	return m, nil
}

// NewMediaSynchroniserToElement creates a synchroniser slaving element to
// another media element. The master's own events pace the corrections; no
// poll is armed.
func NewMediaSynchroniserToElement(sched timer.Scheduler, logger *zap.Logger, cfg SyncConfig, hooks SyncHooks, slave, master MediaElement, offset float64, pauseOnSyncStop bool) *MediaSynchroniser {
	m := newMediaSynchroniser(sched, logger, cfg, hooks, slave, offset, pauseOnSyncStop)
	m.masterEl = master
	m.tracker.Track(master.OnEvent(func(ev ElementEvent) {
		switch ev {
		case ElementTimeUpdate:
			m.correct(false)
		case ElementPlay, ElementPause, ElementSeeked, ElementRateChange:
			// Explicit transitions resync immediately rather than
			// waiting for the next timeupdate.
			m.correct(true)
		}
	}))
	m.correct(true)
	return m
}

func newMediaSynchroniser(sched timer.Scheduler, logger *zap.Logger, cfg SyncConfig, hooks SyncHooks, slave MediaElement, offset float64, pauseOnSyncStop bool) *MediaSynchroniser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MediaSynchroniser{
		sched:           sched,
		logger:          logger,
		cfg:             cfg,
		hooks:           hooks,
		slave:           slave,
		offset:          offset,
		pauseOnSyncStop: pauseOnSyncStop,
		tracker:         NewListenerTracker(),
	}
}

// Offset returns the slave's offset from the master, in seconds.
func (m *MediaSynchroniser) Offset() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offset
}

// SetOffset changes the offset and resyncs immediately: a seek right now
// if the master is not running, a normal correction pass otherwise.
func (m *MediaSynchroniser) SetOffset(offset float64) {
	m.mu.Lock()
	m.offset = offset
	m.deltas = m.deltas[:0]
	m.mu.Unlock()
	m.correct(true)
}

// Stats returns a snapshot of the correction counters.
func (m *MediaSynchroniser) Stats() SyncStats {
	return SyncStats{
		Seeks:           m.seeks.Load(),
		RateAdjustments: m.rateAdjusts.Load(),
		ThrashEvents:    m.thrashes.Load(),
		EndLatches:      m.endLatches.Load(),
	}
}

// StopSync halts correction, restores the slave's natural rate, and
// pauses or resumes it per PauseOnSyncStop.
func (m *MediaSynchroniser) StopSync() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	poll := m.poll
	m.poll = nil
	pause := m.pauseOnSyncStop
	m.mu.Unlock()

	m.tracker.Close()
	if poll != nil {
		poll.Stop()
	}
	m.slave.SetPlaybackRate(1)
	if pause {
		_ = m.slave.Pause()
	} else {
		_ = m.slave.Play()
	}
}

// masterState reads the master's position, rate and running flag.
func (m *MediaSynchroniser) masterState() (pos, rate float64, running, ok bool) {
	if m.masterClock != nil {
		if !m.masterClock.Available() {
			return 0, 0, false, false
		}
		pos = m.masterClock.Now()
		rate = m.masterClock.EffectiveSpeed()
		return pos, rate, rate != 0, true
	}
	pos = m.masterEl.CurrentTime()
	rate = m.masterEl.PlaybackRate()
	if m.masterEl.Paused() {
		return pos, 0, false, true
	}
	return pos, rate, true, true
}

// correct runs one pass of the control loop. force applies position even
// while the master is not running (used by SetOffset and explicit master
// transitions).
func (m *MediaSynchroniser) correct(force bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	masterPos, masterRate, running, ok := m.masterState()
	if !ok {
		return
	}
	target := masterPos - m.offset

	// End-of-media latch: force the slave to its end, pause, and
	// suppress correction until the target re-enters the media.
	dur := m.slave.Duration()
	if !math.IsNaN(dur) && dur > 0 && dur <= target {
		if !m.endLatched {
			m.endLatched = true
			m.endLatches.Inc()
			m.slave.SetCurrentTime(dur)
			_ = m.slave.Pause()
			if m.hooks.OnEndLatch != nil {
				m.hooks.OnEndLatch()
			}
		}
		return
	}
	m.endLatched = false

	delta := target - m.slave.CurrentTime()

	if !running {
		// Mirror the pause; on a forced pass also pin the position so
		// paused masters and offset changes take effect now.
		if !m.slave.Paused() {
			_ = m.slave.Pause()
		}
		if force && math.Abs(delta) > 0 {
			m.seekLocked(target, false)
		}
		return
	}

	if math.Abs(delta) > m.cfg.SeekThreshold {
		m.seekCorrectionLocked(target, delta)
		return
	}
	m.rateCorrectionLocked(masterRate, delta)
}

// seekCorrectionLocked performs the seek arm of the loop: latency
// compensation from the previous seek's residual error, thrash detection,
// then pause-seek-resume.
func (m *MediaSynchroniser) seekCorrectionLocked(target, delta float64) {
	wallNow := m.sched.Now()

	adjust := 0.0
	if m.haveSeek {
		// The element runs at rate 1 after a corrective seek, whatever
		// the master's rate, so the expectation extrapolates at 1.
		elapsed := wallNow.Sub(m.lastSeekWall).Seconds()
		expected := m.lastSeekTarget + elapsed
		adjust = expected - m.slave.CurrentTime()
		if math.Abs(adjust) > m.cfg.SeekAdjustLimit {
			// Outlier: the element moved for reasons other than seek
			// latency. Discard rather than amplify.
			adjust = 0
		}
	}

	if m.haveSeek && wallNow.Sub(m.lastSeekWall) < m.cfg.ThrashWindow {
		m.thrashCount++
		if m.thrashCount > m.cfg.ThrashLimit {
			m.thrashCount = 0
			m.thrashes.Inc()
			m.logger.Warn("sync thrashing, suppressing corrective seek",
				zap.Float64("delta", delta))
			if m.hooks.OnThrash != nil {
				m.hooks.OnThrash()
			}
			return
		}
	} else {
		m.thrashCount = 0
	}

	m.seekLocked(target+adjust, true)
}

// seekLocked executes a pause-seek-resume. Pausing first makes the seek
// reliable on real playback surfaces.
func (m *MediaSynchroniser) seekLocked(target float64, resume bool) {
	from := m.slave.CurrentTime()
	_ = m.slave.Pause()
	m.slave.SetCurrentTime(target)
	m.slave.SetPlaybackRate(1)
	if resume {
		_ = m.slave.Play()
	}

	m.haveSeek = true
	m.lastSeekWall = m.sched.Now()
	m.lastSeekTarget = target
	m.deltas = m.deltas[:0]
	m.seeks.Inc()

	m.logger.Debug("corrective seek",
		zap.Float64("from", from),
		zap.Float64("to", target))
	if m.hooks.OnSeek != nil {
		m.hooks.OnSeek(from, target)
	}
}

// rateCorrectionLocked performs the rate arm: a rolling average of the
// drift mapped through the tier table onto a clamped rate adjustment.
func (m *MediaSynchroniser) rateCorrectionLocked(masterRate, delta float64) {
	if m.slave.Paused() {
		_ = m.slave.Play()
	}

	m.deltas = append(m.deltas, delta)
	if len(m.deltas) > m.cfg.DeltaWindow {
		m.deltas = m.deltas[len(m.deltas)-m.cfg.DeltaWindow:]
	}
	if len(m.deltas) < m.cfg.DeltaWindow {
		return
	}

	avg := 0.0
	for _, d := range m.deltas {
		avg += d
	}
	avg /= float64(len(m.deltas))

	adjust := 0.0
	abs := math.Abs(avg)
	matched := false
	for _, tier := range m.cfg.RateTiers {
		if abs >= tier.Threshold {
			adjust = clamp(avg*tier.Gain, tier.MaxAdjust)
			matched = true
			break
		}
	}
	if !matched && abs >= m.cfg.SmallRateDeadband {
		adjust = math.Copysign(m.cfg.SmallRateCorrection, avg)
	}

	rate := masterRate + adjust
	if rate != m.slave.PlaybackRate() {
		m.slave.SetPlaybackRate(rate)
		m.rateAdjusts.Inc()
		m.logger.Debug("rate correction",
			zap.Float64("avg_delta", avg),
			zap.Float64("rate", rate))
		if m.hooks.OnRateAdjust != nil {
			m.hooks.OnRateAdjust(rate)
		}
	}
}

// updatePoll arms or clears the position poll: it runs only while the
// master is a clock that is available and moving.
func (m *MediaSynchroniser) updatePoll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updatePollLocked()
}

func (m *MediaSynchroniser) updatePollLocked() {
	want := !m.stopped && m.masterClock != nil &&
		m.masterClock.Available() && m.masterClock.EffectiveSpeed() > 0

	if !want {
		if m.poll != nil {
			m.poll.Stop()
			m.poll = nil
		}
		return
	}
	if m.poll != nil {
		return
	}
	m.poll = m.sched.AfterFunc(m.cfg.PollInterval, m.pollTick)
}

func (m *MediaSynchroniser) pollTick() {
	m.mu.Lock()
	m.poll = nil
	m.mu.Unlock()

	m.correct(false)

	m.mu.Lock()
	m.updatePollLocked()
	m.mu.Unlock()
}

func clamp(v, limit float64) float64 {
	if v > limit {
		return limit
	}
	if v < -limit {
		return -limit
	}
	return v
}
