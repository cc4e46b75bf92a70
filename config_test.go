package timeline

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediaflow/timeline/timer"
)

func TestNewRejectsNilLogger(t *testing.T) {
	_, err := New(WithLogger(nil))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewRejectsNilScheduler(t *testing.T) {
	_, err := New(WithScheduler(nil))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewRejectsInvalidSyncConfig(t *testing.T) {
	cfg := DefaultSyncConfig()
	cfg.PollInterval = 0
	_, err := New(WithSyncConfig(cfg))
	assert.ErrorIs(t, err, ErrConfig)
}

func TestNewDefaults(t *testing.T) {
	tl, err := New(WithScheduler(timer.NewMockScheduler()))
	require.NoError(t, err)
	defer tl.Close()

	assert.Equal(t, DefaultSyncConfig(), tl.SyncConfig())
	assert.NotNil(t, tl.Logger())
}

func TestDefaultSourceOptionsLosesToExplicitZero(t *testing.T) {
	opts := DefaultSourceOptions()
	assert.True(t, math.IsInf(opts.Priority, -1))

	// An explicit priority of 0 must stay expressible above the default.
	tl, _ := newTestTimeline()
	defer tl.Close()
	deflt := tl.DefaultClock()

	low := NewCorrelatedClock(tl.Monotonic(), Correlation{ChildTime: 1})
	lowOpts := DefaultSourceOptions()
	lowOpts.SourceName = "implicit"
	require.NoError(t, tl.SetClockSource(deflt, low, lowOpts))

	high := NewCorrelatedClock(tl.Monotonic(), Correlation{ChildTime: 2})
	highOpts := DefaultSourceOptions()
	highOpts.SourceName = "explicit-zero"
	highOpts.Priority = 0
	require.NoError(t, tl.SetClockSource(deflt, high, highOpts))

	active, ok := tl.ActiveSourceOptions(deflt)
	require.True(t, ok)
	assert.Equal(t, "explicit-zero", active.SourceName)
}
