package timeline

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/mediaflow/timeline/timer"
)

// Option is a functional option for configuring a Timeline.
type Option func(*Timeline) error

// WithLogger sets the logger. Defaults to zap.NewNop().
func WithLogger(logger *zap.Logger) Option {
	return func(t *Timeline) error {
		if logger == nil {
			return fmt.Errorf("logger cannot be nil")
		}
		t.logger = logger
		return nil
	}
}

// WithScheduler sets the deadline scheduler. Defaults to a RealScheduler;
// tests inject a timer.MockScheduler to drive virtual time.
func WithScheduler(sched timer.Scheduler) Option {
	return func(t *Timeline) error {
		if sched == nil {
			return fmt.Errorf("scheduler cannot be nil")
		}
		t.sched = sched
		return nil
	}
}

// WithStickyDefault controls whether the default clock falls back to a
// sticky frozen source when its last candidate source is removed, instead
// of becoming unavailable. Defaults to true.
func WithStickyDefault(enabled bool) Option {
	return func(t *Timeline) error {
		t.stickyDefault = enabled
		return nil
	}
}

// WithSyncConfig sets the synchronisation tuning used for media sync
// created through this timeline. Defaults to DefaultSyncConfig().
func WithSyncConfig(cfg SyncConfig) Option {
	return func(t *Timeline) error {
		if err := cfg.Validate(); err != nil {
			return err
		}
		t.syncCfg = cfg
		return nil
	}
}

// DefaultSourceOptions returns the baseline candidate-source options:
// lowest possible priority in group 0, no master aspirations.
// Start from this value so an explicit Priority of 0 remains expressible.
func DefaultSourceOptions() SourceOptions {
	return SourceOptions{Priority: math.Inf(-1)}
}

// RegisterOptions parameterize clock registration.
type RegisterOptions struct {
	// NonReassignable forbids SetClockSource/UnsetClockSource on the
	// clock. Derived clocks default to non-reassignable.
	NonReassignable bool

	// NonOffsettable forbids correlation updates through the timeline's
	// derivation operations.
	NonOffsettable bool

	// Parent optionally links this clock's metadata to another registered
	// clock's, composing display names for debug output.
	Parent Clock
}
