package timeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaflow/timeline/timer"
)

// flush drains the zero-delay debounce timer.
func flush(sched *timer.MockScheduler) {
	sched.Advance(0)
}

func TestRunnerMidWindowStartsDirectly(t *testing.T) {
	sched := timer.NewMockScheduler()
	clock := clockAt(sched, 15)

	var visible []bool
	destroys := 0
	r := NewComponentRunner(sched, nil, clock, DefaultRunnerConfig("video-main"), RunnerHooks{
		OnVisibility:   func(v bool) { visible = append(visible, v) },
		OnSelfDestruct: func() { destroys++ },
	})
	defer r.Close()

	r.SetTimes(TimeAt(10), TimeAt(20))
	flush(sched)

	assert.Equal(t, StateStarted, r.State(), "clock at 15 inside [10,20) starts directly")
	assert.Equal(t, []bool{true}, visible, "no spurious waiting transition first")
	assert.Equal(t, StatusRunning, r.Status())

	// Past the stop bound: stopped, destroyed exactly once.
	sched.Advance(5 * time.Second)
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 1, destroys)

	r.EvaluateNow()
	sched.Advance(time.Minute)
	assert.Equal(t, 1, destroys, "self-destruct fires exactly once")
}

func TestRunnerWaitsThenStarts(t *testing.T) {
	sched := timer.NewMockScheduler()
	clock := clockAt(sched, 0)

	var visible []bool
	r := NewComponentRunner(sched, nil, clock, DefaultRunnerConfig("late"), RunnerHooks{
		OnVisibility: func(v bool) { visible = append(visible, v) },
	})
	defer r.Close()

	r.SetTimes(TimeAt(10), TimeAt(20))
	flush(sched)
	assert.Equal(t, StateWaiting, r.State())

	sched.Advance(10 * time.Second)
	assert.Equal(t, StateStarted, r.State(), "start boundary timer fires")
	assert.Equal(t, []bool{true}, visible)

	sched.Advance(10 * time.Second)
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, []bool{true, false}, visible)
}

func TestRunnerAlwaysRunning(t *testing.T) {
	sched := timer.NewMockScheduler()

	// No clock needed when both bounds are "always".
	r := NewComponentRunner(sched, nil, nil, DefaultRunnerConfig("background"), RunnerHooks{})
	defer r.Close()

	r.SetTimes(TimeAlways(), TimeAlways())
	flush(sched)
	assert.Equal(t, StateStarted, r.State())
	assert.Equal(t, RunningActive, r.RunningState())
}

func TestRunnerBothImmediateWaits(t *testing.T) {
	sched := timer.NewMockScheduler()
	r := NewComponentRunner(sched, nil, nil, DefaultRunnerConfig("pending"), RunnerHooks{})
	defer r.Close()

	r.SetTimes(TimeImmediate(), TimeImmediate())
	flush(sched)
	assert.Equal(t, StateWaiting, r.State())
}

func TestRunnerImmediateDestructionDirective(t *testing.T) {
	sched := timer.NewMockScheduler()
	destroys := 0
	r := NewComponentRunner(sched, nil, nil, DefaultRunnerConfig("doomed"), RunnerHooks{
		OnSelfDestruct: func() { destroys++ },
	})
	defer r.Close()

	// Stop bound set while the start bound is still "always".
	r.SetTimes(TimeAlways(), TimeAt(20))
	flush(sched)
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, 1, destroys)
}

func TestRunnerDefersOnUnavailableClock(t *testing.T) {
	sched := timer.NewMockScheduler()
	clock := clockAt(sched, 15)
	clock.SetAvailable(false)

	r := NewComponentRunner(sched, nil, clock, DefaultRunnerConfig("deferred"), RunnerHooks{})
	defer r.Close()

	r.SetTimes(TimeAt(10), TimeAt(20))
	flush(sched)
	assert.Equal(t, StateWaiting, r.State(), "no transition while the clock is unavailable")
	assert.Zero(t, sched.Pending(), "no timer while deferred")

	clock.SetAvailable(true)
	flush(sched)
	assert.Equal(t, StateStarted, r.State(), "availability re-evaluates")
}

func TestRunnerStatusInsteadOfDestruction(t *testing.T) {
	sched := timer.NewMockScheduler()
	clock := clockAt(sched, 30)

	var statuses []RunStatus
	cfg := DefaultRunnerConfig("kept")
	cfg.SelfDestructOnStop = false
	r := NewComponentRunner(sched, nil, clock, cfg, RunnerHooks{
		OnStatus: func(s RunStatus) { statuses = append(statuses, s) },
	})
	defer r.Close()

	r.SetTimes(TimeAt(10), TimeAt(20))
	flush(sched)
	assert.Equal(t, StateStopped, r.State())
	assert.Equal(t, []RunStatus{StatusStopped}, statuses)
}

func TestRunnerSoftStopDeactivating(t *testing.T) {
	sched := timer.NewMockScheduler()

	var running []RunningState
	r := NewComponentRunner(sched, nil, nil, DefaultRunnerConfig("soft"), RunnerHooks{
		OnRunningState: func(s RunningState) { running = append(running, s) },
	})
	defer r.Close()

	r.SetTimes(TimeAlways(), TimeAlways())
	flush(sched)
	require.Equal(t, RunningActive, r.RunningState())

	r.SetSoftStopBlocked(true)
	flush(sched)
	assert.Equal(t, RunningDeactivating, r.RunningState(), "blocked while active deactivates")

	r.EvaluateNow()
	assert.Equal(t, RunningDeactivating, r.RunningState(), "deactivating holds while blocked")

	r.SetSoftStopBlocked(false)
	flush(sched)
	assert.Equal(t, RunningActive, r.RunningState())
}

func TestRunnerExitTransitionRefcount(t *testing.T) {
	sched := timer.NewMockScheduler()
	r := NewComponentRunner(sched, nil, nil, DefaultRunnerConfig("exit"), RunnerHooks{})
	defer r.Close()

	r.SetTimes(TimeAlways(), TimeAlways())
	flush(sched)

	r.AcquireExitTransition()
	r.AcquireExitTransition()
	flush(sched)
	assert.Equal(t, RunningDeactivating, r.RunningState())

	r.ReleaseExitTransition()
	flush(sched)
	assert.Equal(t, RunningDeactivating, r.RunningState(), "one reference still held")

	r.ReleaseExitTransition()
	flush(sched)
	assert.Equal(t, RunningActive, r.RunningState())
}

func TestRunnerDebounceCoalesces(t *testing.T) {
	sched := timer.NewMockScheduler()
	clock := clockAt(sched, 15)

	evals := 0
	r := NewComponentRunner(sched, nil, clock, DefaultRunnerConfig("burst"), RunnerHooks{
		OnStatus: func(RunStatus) { evals++ },
	})
	defer r.Close()

	// A burst of input changes collapses into one evaluation.
	r.SetTimes(TimeAt(0), TimeAt(100))
	r.SetTimes(TimeAt(0), TimeAt(200))
	r.SetTimes(TimeAt(10), TimeAt(20))
	assert.Equal(t, StateWaiting, r.State(), "nothing applied before the debounce fires")

	flush(sched)
	assert.Equal(t, StateStarted, r.State())
	assert.Equal(t, 1, evals)
}

func TestRunnerSelfDestructPanicRecovered(t *testing.T) {
	sched := timer.NewMockScheduler()
	r := NewComponentRunner(sched, nil, nil, DefaultRunnerConfig("panicky"), RunnerHooks{
		OnSelfDestruct: func() { panic("user callback exploded") },
	})
	defer r.Close()

	require.NotPanics(t, func() {
		r.SetTimes(TimeAlways(), TimeAt(5))
		flush(sched)
	})
	assert.Equal(t, StateStopped, r.State(), "bookkeeping completes despite the panic")
}

func TestRunnerCloseReleasesTimers(t *testing.T) {
	sched := timer.NewMockScheduler()
	clock := clockAt(sched, 0)

	r := NewComponentRunner(sched, nil, clock, DefaultRunnerConfig("closed"), RunnerHooks{})
	r.SetTimes(TimeAt(10), TimeAt(20))
	flush(sched)
	require.Equal(t, 1, sched.Pending(), "start boundary armed")

	r.Close()
	assert.Zero(t, sched.Pending())
	assert.Zero(t, clock.NumListeners())
}

func TestTimeValueString(t *testing.T) {
	assert.Equal(t, "always", TimeAlways().String())
	assert.Equal(t, "immediate", TimeImmediate().String())
	assert.Equal(t, "12.5", TimeAt(12.5).String())
}
