package timeline

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/mediaflow/timeline/timer"
)

// timeKind distinguishes the three meanings a lifecycle boundary can carry.
type timeKind uint8

const (
	kindAlways timeKind = iota
	kindImmediate
	kindAt
)

// TimeValue is a component lifecycle boundary: a clock-relative timestamp,
// an "immediate/unbounded" marker, or an "always" marker. The zero value is
// Always, matching a boundary the control service has not set.
type TimeValue struct {
	kind timeKind
	at   float64
}

// TimeAlways returns the boundary meaning "no bound, run regardless".
func TimeAlways() TimeValue { return TimeValue{kind: kindAlways} }

// TimeImmediate returns the boundary meaning "right now" as a start bound
// and "never" as a stop bound.
func TimeImmediate() TimeValue { return TimeValue{kind: kindImmediate} }

// TimeAt returns a clock-relative boundary at the given position in seconds.
func TimeAt(seconds float64) TimeValue { return TimeValue{kind: kindAt, at: seconds} }

// IsAlways reports whether the boundary is the "always" marker.
func (v TimeValue) IsAlways() bool { return v.kind == kindAlways }

// IsImmediate reports whether the boundary is the "immediate" marker.
func (v TimeValue) IsImmediate() bool { return v.kind == kindImmediate }

// At returns the clock-relative position and whether one is set.
func (v TimeValue) At() (float64, bool) { return v.at, v.kind == kindAt }

// String returns the string representation of the boundary.
func (v TimeValue) String() string {
	switch v.kind {
	case kindAlways:
		return "always"
	case kindImmediate:
		return "immediate"
	default:
		return fmt.Sprintf("%g", v.at)
	}
}

// StartStopState is the component lifecycle state machine's position.
type StartStopState uint8

const (
	// StateWaiting means the component has not reached its start bound.
	StateWaiting StartStopState = iota

	// StateStarted means the component is between its bounds.
	StateStarted

	// StateStopped means the component passed its stop bound. Terminal.
	StateStopped
)

// String returns the string representation of the state.
func (s StartStopState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateStarted:
		return "STARTED"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// RunningState is derived from the lifecycle state plus the soft-stop and
// exit-transition signals. It is what presentation layers key effects off.
type RunningState uint8

const (
	// RunningInactive means the component is not presenting.
	RunningInactive RunningState = iota

	// RunningActive means started and not blocked by soft-stop.
	RunningActive

	// RunningDeactivating means a transition out is in progress: either an
	// exit transition holds a reference, or soft-stop blocked a previously
	// active component.
	RunningDeactivating
)

// String returns the string representation of the running state.
func (s RunningState) String() string {
	switch s {
	case RunningInactive:
		return "INACTIVE"
	case RunningActive:
		return "ACTIVE"
	case RunningDeactivating:
		return "DEACTIVATING"
	default:
		return "UNKNOWN"
	}
}

// RunnerHooks are the component runner's outbound callbacks. All optional,
// invoked synchronously after the owning evaluation pass, outside locks.
type RunnerHooks struct {
	// OnStatus fires when the reported status changes.
	OnStatus func(RunStatus)

	// OnVisibility fires when the desired visibility changes.
	OnVisibility func(visible bool)

	// OnRunningState fires when the derived running state changes.
	OnRunningState func(RunningState)

	// OnSelfDestruct fires exactly once, on entering stopped with
	// self-destruction enabled. Panics are recovered and logged; the state
	// machine completes its own bookkeeping regardless.
	OnSelfDestruct func()
}

// RunnerConfig parameterizes a component runner.
type RunnerConfig struct {
	// Name labels log lines.
	Name string

	// SelfDestructOnStop fires OnSelfDestruct on entering stopped instead
	// of reporting StatusStopped. Default true.
	SelfDestructOnStop bool

	// Destroyable permits the immediate-destruction directive (stop bound
	// set while the start bound is still "always"). Default true; disable
	// for components the control service may not tear down.
	Destroyable bool
}

// DefaultRunnerConfig returns the standard runner configuration.
func DefaultRunnerConfig(name string) RunnerConfig {
	return RunnerConfig{Name: name, SelfDestructOnStop: true, Destroyable: true}
}

// ComponentRunner drives one component's waiting/started/stopped lifecycle
// from clock-relative start/stop bounds.
//
// Evaluation is debounced through a zero-delay timer with an explicit
// pending flag, so a burst of input changes collapses into one pass. Future
// boundaries are armed as one-shot clock-relative timers; an unavailable
// reference clock defers evaluation until its next available event.
type ComponentRunner struct {
	mu     sync.Mutex
	sched  timer.Scheduler
	logger *zap.Logger
	cfg    RunnerConfig
	hooks  RunnerHooks

	clock    Clock
	clockSub *Subscription
	start    TimeValue
	stop     TimeValue

	state       StartStopState
	status      RunStatus
	visible     bool
	running     RunningState
	wasActive   bool
	softStopped bool
	exitRefs    int
	destroyed   bool

	evalPending bool
	evalHandle  timer.Handle
	boundary    timer.Handle
	closed      bool
}

// NewComponentRunner creates a runner observing clock (may be nil until
// SetReferenceClock). Both bounds begin as "always", so the first
// evaluation reports started unless bounds arrive first.
func NewComponentRunner(sched timer.Scheduler, logger *zap.Logger, clock Clock, cfg RunnerConfig, hooks RunnerHooks) *ComponentRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &ComponentRunner{
		sched:  sched,
		logger: logger.With(zap.String("component", cfg.Name)),
		cfg:    cfg,
		hooks:  hooks,
		state:  StateWaiting,
	}
	r.attachClock(clock)
	return r
}

// State returns the lifecycle state.
func (r *ComponentRunner) State() StartStopState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Status returns the reported status.
func (r *ComponentRunner) Status() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// RunningState returns the derived running state.
func (r *ComponentRunner) RunningState() RunningState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// SetTimes updates the start/stop bounds and schedules an evaluation.
func (r *ComponentRunner) SetTimes(start, stop TimeValue) {
	r.mu.Lock()
	r.start = start
	r.stop = stop
	r.mu.Unlock()
	r.scheduleEvaluate()
}

// SetReferenceClock swaps the observed clock and schedules an evaluation.
func (r *ComponentRunner) SetReferenceClock(clock Clock) {
	r.mu.Lock()
	oldSub := r.clockSub
	r.clockSub = nil
	r.mu.Unlock()

	oldSub.Cancel()
	r.attachClock(clock)
	r.scheduleEvaluate()
}

// SetSoftStopBlocked raises or clears the soft-stop block. A blocked
// component that was active derives DEACTIVATING until unblocked or stopped.
func (r *ComponentRunner) SetSoftStopBlocked(blocked bool) {
	r.mu.Lock()
	r.softStopped = blocked
	r.mu.Unlock()
	r.scheduleEvaluate()
}

// AcquireExitTransition takes an exit-transition reference. While any are
// held the running state derives DEACTIVATING.
func (r *ComponentRunner) AcquireExitTransition() {
	r.mu.Lock()
	r.exitRefs++
	r.mu.Unlock()
	r.scheduleEvaluate()
}

// ReleaseExitTransition drops an exit-transition reference.
func (r *ComponentRunner) ReleaseExitTransition() {
	r.mu.Lock()
	if r.exitRefs > 0 {
		r.exitRefs--
	}
	r.mu.Unlock()
	r.scheduleEvaluate()
}

// EvaluateNow runs the transition rule immediately, bypassing the debounce.
func (r *ComponentRunner) EvaluateNow() {
	r.evaluate()
}

// Close releases the clock subscription and any pending timers. The state
// machine makes no further transitions.
func (r *ComponentRunner) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	sub := r.clockSub
	r.clockSub = nil
	evalH := r.evalHandle
	r.evalHandle = nil
	boundary := r.boundary
	r.boundary = nil
	r.mu.Unlock()

	sub.Cancel()
	if evalH != nil {
		evalH.Stop()
	}
	if boundary != nil {
		boundary.Stop()
	}
}

func (r *ComponentRunner) attachClock(clock Clock) {
	var sub *Subscription
	if clock != nil {
		sub = clock.OnEvent(func(ClockEvent) { r.scheduleEvaluate() })
	}
	r.mu.Lock()
	r.clock = clock
	r.clockSub = sub
	r.mu.Unlock()
}

// scheduleEvaluate arms the zero-delay debounce. The pending flag keeps a
// burst of triggers down to one evaluation pass.
func (r *ComponentRunner) scheduleEvaluate() {
	r.mu.Lock()
	if r.closed || r.evalPending {
		r.mu.Unlock()
		return
	}
	r.evalPending = true
	r.evalHandle = r.sched.AfterFunc(0, func() {
		r.mu.Lock()
		r.evalHandle = nil
		r.mu.Unlock()
		r.evaluate()
	})
	r.mu.Unlock()
}

// evaluate runs the transition rule, applies the resulting state, and arms
// at most one boundary timer at the next relevant bound going forward.
func (r *ComponentRunner) evaluate() {
	r.mu.Lock()
	r.evalPending = false
	if r.closed || r.state == StateStopped {
		r.mu.Unlock()
		return
	}
	if r.boundary != nil {
		r.boundary.Stop()
		r.boundary = nil
	}

	target, boundaryAt, decided := r.decideLocked()
	if !decided {
		// Reference clock unavailable: defer, no transition, no timer.
		// The clock's next available event re-triggers evaluation.
		r.mu.Unlock()
		return
	}

	var fire []func()
	if target != r.state {
		r.logger.Debug("lifecycle transition",
			zap.Stringer("from", r.state),
			zap.Stringer("to", target))
		r.state = target
		fire = append(fire, r.applyStateLocked(target)...)
	}
	fire = append(fire, r.deriveRunningLocked()...)

	if boundaryAt != nil && r.clock != nil {
		if d, ok := untilPosition(r.clock, *boundaryAt); ok {
			r.boundary = r.sched.AfterFunc(d, func() {
				r.mu.Lock()
				r.boundary = nil
				r.mu.Unlock()
				r.evaluate()
			})
		}
	}
	r.mu.Unlock()

	for _, f := range fire {
		f()
	}
}

// decideLocked implements the transition rule. Returns the target state, an
// optional future boundary position to arm a timer at, and whether a
// decision could be made at all (false defers).
func (r *ComponentRunner) decideLocked() (StartStopState, *float64, bool) {
	start, stop := r.start, r.stop

	// A stop bound arriving while the start bound is still "always" is
	// the control service's immediate-destruction directive.
	if r.cfg.Destroyable && !stop.IsAlways() && start.IsAlways() {
		return StateStopped, nil, true
	}
	if start.IsImmediate() && stop.IsImmediate() {
		return StateWaiting, nil, true
	}
	if start.IsAlways() && stop.IsAlways() {
		return StateStarted, nil, true
	}

	if r.clock == nil || !r.clock.Available() {
		return 0, nil, false
	}
	now := r.clock.Now()

	if stopAt, ok := stop.At(); ok {
		if now >= stopAt {
			return StateStopped, nil, true
		}
		if startAt, ok := start.At(); ok && now < startAt {
			return StateWaiting, &startAt, true
		}
		return StateStarted, &stopAt, true
	}
	if startAt, ok := start.At(); ok && now < startAt {
		return StateWaiting, &startAt, true
	}
	return StateStarted, nil, true
}

// applyStateLocked performs the side effects of entering a state and
// returns the hook invocations to run outside the lock.
func (r *ComponentRunner) applyStateLocked(s StartStopState) []func() {
	var fire []func()
	switch s {
	case StateStarted:
		fire = append(fire, r.setVisibleLocked(true)...)
		if r.status != StatusRunning {
			r.status = StatusRunning
			if r.hooks.OnStatus != nil {
				fire = append(fire, func() { r.hooks.OnStatus(StatusRunning) })
			}
		}
	case StateWaiting:
		fire = append(fire, r.setVisibleLocked(false)...)
	case StateStopped:
		fire = append(fire, r.setVisibleLocked(false)...)
		if r.cfg.SelfDestructOnStop {
			if !r.destroyed {
				r.destroyed = true
				fire = append(fire, r.invokeSelfDestruct)
			}
		} else if r.status != StatusStopped {
			r.status = StatusStopped
			if r.hooks.OnStatus != nil {
				fire = append(fire, func() { r.hooks.OnStatus(StatusStopped) })
			}
		}
	}
	return fire
}

func (r *ComponentRunner) setVisibleLocked(v bool) []func() {
	if r.visible == v {
		return nil
	}
	r.visible = v
	if r.hooks.OnVisibility == nil {
		return nil
	}
	return []func(){func() { r.hooks.OnVisibility(v) }}
}

// deriveRunningLocked recomputes the running state and returns the hook
// invocation if it changed.
func (r *ComponentRunner) deriveRunningLocked() []func() {
	next := RunningInactive
	switch {
	case r.exitRefs > 0:
		next = RunningDeactivating
	case r.state == StateStarted && !r.softStopped:
		next = RunningActive
	case r.state == StateStarted && r.wasActive:
		next = RunningDeactivating
	}
	// wasActive latches across the blocked period so DEACTIVATING holds
	// until the block clears or the component leaves started.
	if next == RunningActive {
		r.wasActive = true
	} else if r.state != StateStarted {
		r.wasActive = false
	}

	if next == r.running {
		return nil
	}
	r.running = next
	if r.hooks.OnRunningState == nil {
		return nil
	}
	return []func(){func() { r.hooks.OnRunningState(next) }}
}

func (r *ComponentRunner) invokeSelfDestruct() {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("self-destruct callback panicked",
				zap.Any("panic", p))
		}
	}()
	if r.hooks.OnSelfDestruct != nil {
		r.hooks.OnSelfDestruct()
	}
}
