package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaflow/timeline/timer"
)

// clockAt returns a running clock reading pos now at speed 1.
func clockAt(sched *timer.MockScheduler, pos float64) *CorrelatedClock {
	mono := NewMonotonicClock(sched)
	return NewCorrelatedClock(mono, Correlation{ParentTime: mono.Now(), ChildTime: pos})
}

func TestSyncConfigValidate(t *testing.T) {
	require.NoError(t, DefaultSyncConfig().Validate())

	cfg := DefaultSyncConfig()
	cfg.SeekThreshold = 0
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)

	cfg = DefaultSyncConfig()
	cfg.RateTiers[2].Threshold = 2.0 // breaks descending order
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)

	cfg = DefaultSyncConfig()
	cfg.DeltaWindow = 0
	assert.ErrorIs(t, cfg.Validate(), ErrConfig)
}

func TestSyncSeekCorrectionOnLargeDelta(t *testing.T) {
	sched := timer.NewMockScheduler()
	master := clockAt(sched, 100)
	el := NewTestMediaElement(600)

	m, err := NewMediaSynchroniserToClock(sched, nil, DefaultSyncConfig(), SyncHooks{}, el, master, 0, true)
	require.NoError(t, err)
	defer m.StopSync()

	assert.InDelta(t, 100.0, el.CurrentTime(), 1e-9, "first cycle seeks onto the master")
	assert.False(t, el.Paused(), "running master resumes the slave after the seek")
	assert.Equal(t, uint64(1), m.Stats().Seeks)
}

func TestSyncRateTierCorrection(t *testing.T) {
	sched := timer.NewMockScheduler()
	master := clockAt(sched, 100)
	el := NewTestMediaElement(600)

	m, err := NewMediaSynchroniserToClock(sched, nil, DefaultSyncConfig(), SyncHooks{}, el, master, 0, true)
	require.NoError(t, err)
	defer m.StopSync()
	require.InDelta(t, 100.0, el.CurrentTime(), 1e-9)

	// Leave the slave behind across three polls; the drift samples are
	// 0.1, 0.2, 0.3, so the rolling average of 0.2 lands in the 0.1s tier
	// (gain 0.4, clamp 0.1): rate = 1 + 0.2*0.4 = 1.08.
	sched.Advance(100 * time.Millisecond)
	sched.Advance(100 * time.Millisecond)
	sched.Advance(100 * time.Millisecond)

	assert.InDelta(t, 1.08, el.PlaybackRate(), 1e-6)
	assert.Equal(t, uint64(1), m.Stats().RateAdjustments)
}

func TestSyncPerfectTrackingLeavesRateAlone(t *testing.T) {
	sched := timer.NewMockScheduler()
	master := clockAt(sched, 100)
	el := NewTestMediaElement(600)

	m, err := NewMediaSynchroniserToClock(sched, nil, DefaultSyncConfig(), SyncHooks{}, el, master, 0, true)
	require.NoError(t, err)
	defer m.StopSync()

	for i := 0; i < 10; i++ {
		el.AdvanceMedia(0.1)
		sched.Advance(100 * time.Millisecond)
	}

	assert.Equal(t, 1.0, el.PlaybackRate(), "zero drift needs no correction")
	assert.Zero(t, m.Stats().RateAdjustments)
}

func TestSyncThrashSuppression(t *testing.T) {
	sched := timer.NewMockScheduler()
	masterEl := NewTestMediaElement(600)
	require.NoError(t, masterEl.Play())
	el := NewTestMediaElement(600)

	thrashed := 0
	hooks := SyncHooks{OnThrash: func() { thrashed++ }}
	m := NewMediaSynchroniserToElement(sched, nil, DefaultSyncConfig(), hooks, el, masterEl, 0, true)
	defer m.StopSync()

	// Five master jumps 100ms apart: four corrective seeks land, the
	// rapid-seek counter passes the limit, and the fifth is suppressed.
	targets := []float64{10, 30, 50, 70, 90}
	for i, pos := range targets {
		if i > 0 {
			sched.Advance(100 * time.Millisecond)
		}
		masterEl.SetCurrentTime(pos)
	}

	assert.Equal(t, 4, el.SeekCount)
	assert.Equal(t, 1, thrashed)
	assert.Equal(t, uint64(1), m.Stats().ThrashEvents)
	assert.Less(t, el.CurrentTime(), 90.0, "suppressed cycle leaves the slave where it was")
}

func TestSyncSpacedSeeksNeverThrash(t *testing.T) {
	sched := timer.NewMockScheduler()
	masterEl := NewTestMediaElement(600)
	require.NoError(t, masterEl.Play())
	el := NewTestMediaElement(600)

	m := NewMediaSynchroniserToElement(sched, nil, DefaultSyncConfig(), SyncHooks{}, el, masterEl, 0, true)
	defer m.StopSync()

	for _, pos := range []float64{10, 30, 50, 70, 90} {
		sched.Advance(2 * time.Second)
		masterEl.SetCurrentTime(pos)
	}

	assert.Equal(t, 5, el.SeekCount)
	assert.Zero(t, m.Stats().ThrashEvents)
}

func TestSyncSeekResidualUsesAppliedRate(t *testing.T) {
	sched := timer.NewMockScheduler()
	masterEl := NewTestMediaElement(600)
	masterEl.SetPlaybackRate(2)
	require.NoError(t, masterEl.Play())
	masterEl.SetCurrentTime(100)
	el := NewTestMediaElement(600)

	m := NewMediaSynchroniserToElement(sched, nil, DefaultSyncConfig(), SyncHooks{}, el, masterEl, 0, true)
	defer m.StopSync()
	require.InDelta(t, 100.0, el.CurrentTime(), 1e-9)
	require.Equal(t, 1.0, el.PlaybackRate(), "corrective seeks leave the slave at rate 1")

	// Two seconds pass: the master gains 4s at rate 2, the slave 2s at its
	// applied rate of 1. The residual from the previous seek is zero - the
	// slave sits exactly where rate-1 extrapolation predicts - so the next
	// corrective seek must land on the target with no adjustment.
	sched.Advance(2 * time.Second)
	el.AdvanceMedia(2)
	masterEl.AdvanceMedia(2)

	assert.InDelta(t, 104.0, el.CurrentTime(), 1e-9,
		"expectation extrapolates at the applied rate, not the master's")
	assert.Equal(t, uint64(2), m.Stats().Seeks)
	assert.Zero(t, m.Stats().ThrashEvents)
}

func TestSyncEndOfMediaLatch(t *testing.T) {
	sched := timer.NewMockScheduler()
	master := clockAt(sched, 700)
	el := NewTestMediaElement(600)

	latched := 0
	hooks := SyncHooks{OnEndLatch: func() { latched++ }}
	m, err := NewMediaSynchroniserToClock(sched, nil, DefaultSyncConfig(), hooks, el, master, 0, true)
	require.NoError(t, err)
	defer m.StopSync()

	assert.InDelta(t, 600.0, el.CurrentTime(), 1e-9, "pinned to the end")
	assert.True(t, el.Paused())
	assert.Equal(t, 1, latched)

	// Master returning into the media unlatches and resyncs.
	master.SetCorrelation(Correlation{ParentTime: master.Parent().Now(), ChildTime: 100})
	assert.InDelta(t, 100.0, el.CurrentTime(), 1e-9)
	assert.False(t, el.Paused())
}

func TestSyncOffsetAppliedWhilePaused(t *testing.T) {
	sched := timer.NewMockScheduler()
	master := clockAt(sched, 100)
	master.SetSpeed(0)
	el := NewTestMediaElement(600)

	m, err := NewMediaSynchroniserToClock(sched, nil, DefaultSyncConfig(), SyncHooks{}, el, master, 0, true)
	require.NoError(t, err)
	defer m.StopSync()

	require.InDelta(t, 100.0, el.CurrentTime(), 1e-9)
	require.True(t, el.Paused(), "paused master keeps the slave paused")

	m.SetOffset(30)
	assert.Equal(t, 30.0, m.Offset())
	assert.InDelta(t, 70.0, el.CurrentTime(), 1e-9, "offset change seeks immediately even while paused")
	assert.True(t, el.Paused())
}

func TestSyncPauseMirroring(t *testing.T) {
	sched := timer.NewMockScheduler()
	master := clockAt(sched, 50)
	el := NewTestMediaElement(600)

	m, err := NewMediaSynchroniserToClock(sched, nil, DefaultSyncConfig(), SyncHooks{}, el, master, 0, true)
	require.NoError(t, err)
	defer m.StopSync()
	require.False(t, el.Paused())

	master.SetSpeed(0)
	assert.True(t, el.Paused(), "master pausing pauses the slave")

	master.SetSpeed(1)
	assert.False(t, el.Paused(), "master resuming resumes the slave")
}

func TestSyncStopSyncRestoresElement(t *testing.T) {
	sched := timer.NewMockScheduler()
	master := clockAt(sched, 100)
	el := NewTestMediaElement(600)

	m, err := NewMediaSynchroniserToClock(sched, nil, DefaultSyncConfig(), SyncHooks{}, el, master, 0, true)
	require.NoError(t, err)

	listeners := master.NumListeners()
	require.Positive(t, listeners)

	m.StopSync()
	assert.Equal(t, 1.0, el.PlaybackRate())
	assert.True(t, el.Paused(), "PauseOnSyncStop pauses")
	assert.Zero(t, master.NumListeners(), "master listener released")
	assert.Zero(t, sched.Pending(), "poll timer released")

	// Idempotent.
	m.StopSync()
}

func TestSyncRejectsCompoundRateGraph(t *testing.T) {
	sched := timer.NewMockScheduler()
	mono := NewMonotonicClock(sched)
	fast := NewCorrelatedClock(mono, Correlation{})
	fast.SetSpeed(1.5)
	master := NewCorrelatedClock(fast, Correlation{})
	el := NewTestMediaElement(600)

	_, err := NewMediaSynchroniserToClock(sched, nil, DefaultSyncConfig(), SyncHooks{}, el, master, 0, true)
	assert.ErrorIs(t, err, ErrUnsupportedRate)
}

func TestSyncUnavailableMasterDefersCorrection(t *testing.T) {
	sched := timer.NewMockScheduler()
	master := clockAt(sched, 100)
	master.SetAvailable(false)
	el := NewTestMediaElement(600)

	m, err := NewMediaSynchroniserToClock(sched, nil, DefaultSyncConfig(), SyncHooks{}, el, master, 0, true)
	require.NoError(t, err)
	defer m.StopSync()

	assert.Zero(t, el.SeekCount, "no correction against an unavailable master")
	assert.Zero(t, sched.Pending(), "no poll against an unavailable master")

	master.SetAvailable(true)
	assert.InDelta(t, 100.0, el.CurrentTime(), 1e-9, "availability resyncs")
	assert.Equal(t, 1, sched.Pending())
}
