package timeline

import (
	"errors"
	"fmt"
)

// Error classes for timeline operations.
// These represent categories of errors that integrators can handle uniformly.
// Use errors.Is() to check error class, then inspect the error message for details.
//
// Error Classification:
//   - ErrConfig: Hard configuration errors - must fix before the engine starts
//   - ErrNotReassignable: A source operation targeted a clock that refuses sources
//   - ErrClockCycle: A reparent operation would create a cycle in the clock graph
//   - ErrClockUnavailable: An operation required a clock position but the clock is unavailable
//   - ErrAlreadySynchronised: A duplicate sync was requested for the same (source, target) pair
//   - ErrUnsupportedRate: A sync target sits under a correlated clock with a speed other than 0 or 1
var (
	// ErrConfig indicates a configuration error.
	// These are hard errors that require fixing the configuration.
	// Examples: nil logger, invalid tier table, non-positive thresholds.
	ErrConfig = errors.New("configuration error")

	// ErrNotReassignable indicates a source arbitration call named a clock
	// that was registered as non-reassignable, or tried to parent a clock
	// onto itself. Callers are expected to catch-and-log; arbitration
	// failures never stop the timeline from servicing other clocks.
	ErrNotReassignable = errors.New("clock is not reassignable")

	// ErrClockCycle indicates a reparent operation would make a clock its
	// own ancestor. The graph must remain a DAG; this is rejected eagerly.
	ErrClockCycle = errors.New("clock reparent would create a cycle")

	// ErrClockUnavailable indicates a position was requested from a clock
	// whose availability flag is false. Transient by nature - callers
	// usually wait for the next available event instead of retrying.
	ErrClockUnavailable = errors.New("clock is unavailable")

	// ErrAlreadySynchronised indicates a second sync was requested for a
	// (source, element) pair that already holds one.
	ErrAlreadySynchronised = errors.New("target is already synchronised")

	// ErrUnsupportedRate indicates an ancestor correlated clock carries a
	// speed other than 0 or 1. Compound-rate graphs are rejected eagerly
	// rather than silently mis-syncing.
	ErrUnsupportedRate = errors.New("unsupported clock speed for synchronisation")
)

// Unexported helpers to wrap errors with the appropriate class.

func wrapConfig(msg string) error {
	return fmt.Errorf("%w: %s", ErrConfig, msg)
}

func wrapConfigf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...))
}

func wrapNotReassignable(msg string) error {
	return fmt.Errorf("%w: %s", ErrNotReassignable, msg)
}

func wrapNotReassignablef(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrNotReassignable, fmt.Sprintf(format, args...))
}

func wrapCycle(msg string) error {
	return fmt.Errorf("%w: %s", ErrClockCycle, msg)
}

func wrapAlreadySynchronised(msg string) error {
	return fmt.Errorf("%w: %s", ErrAlreadySynchronised, msg)
}

func wrapUnsupportedRate(msg string) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedRate, msg)
}
