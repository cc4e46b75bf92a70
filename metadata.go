package timeline

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// ClockID is an opaque handle into the timeline's metadata arena. Metadata
// lifetime is tied to the handle: ReleaseClock frees it deterministically,
// no garbage-collector assistance involved.
type ClockID uint64

// SourceOptions parameterize a candidate source registration.
type SourceOptions struct {
	// IsMaster marks the source as an aspiring master for its clock.
	IsMaster bool

	// MasterOverride causes competing local sources registered without it
	// to self-demote to slave mode (see Timeline.IsClockMasterOverride).
	MasterOverride bool

	// SourceName is a human-readable label used in clock descriptions.
	SourceName string

	// Priority orders candidates within a priority group, ascending.
	// The zero registration defaults to -Inf (lowest possible).
	Priority float64

	// PriorityGroup orders candidates before Priority is consulted.
	PriorityGroup int

	// Element optionally names the media element this source wraps, so
	// sync bookkeeping can avoid self-synchronising an element to a clock
	// the element itself drives.
	Element MediaElement

	// ElementOffset optionally supplies the element's position offset
	// relative to the clock, in seconds.
	ElementOffset func() float64

	// ZeroUpdateThreshold suppresses source updates whose positional
	// delta is below this many seconds at an unchanged rate.
	ZeroUpdateThreshold float64

	// DumpCallback contributes a fragment to debug descriptions of the
	// clock. Called under engine locks; it must not call back into the
	// timeline.
	DumpCallback func() string
}

// equivalent reports whether two option sets are interchangeable for the
// purposes of the no-op check in SetClockSource. Function fields are
// excluded; identity of the source clock is compared by the caller.
func (o SourceOptions) equivalent(other SourceOptions) bool {
	return o.IsMaster == other.IsMaster &&
		o.MasterOverride == other.MasterOverride &&
		o.SourceName == other.SourceName &&
		samePriority(o.Priority, other.Priority) &&
		o.PriorityGroup == other.PriorityGroup &&
		o.Element == other.Element &&
		o.ZeroUpdateThreshold == other.ZeroUpdateThreshold
}

// samePriority treats two NaNs (unset priorities) as equal.
func samePriority(a, b float64) bool {
	if math.IsNaN(a) && math.IsNaN(b) {
		return true
	}
	return a == b
}

// clockMeta is the per-clock metadata record. Mutated only by Timeline
// methods; callers never touch metadata directly.
type clockMeta struct {
	id              ClockID
	name            string
	clock           Clock
	parentMeta      *clockMeta
	nonReassignable bool
	nonOffsettable  bool
	source          *sourceRecord

	// Sync bookkeeping: one state per sync target, plus the shared
	// availability listener installed once per metadata source.
	syncTargets map[interface{}]*syncState
	availSub    *Subscription
}

// displayName composes the metadata name chain for human-readable output.
func (m *clockMeta) displayName() string {
	if m.parentMeta != nil {
		return m.parentMeta.displayName() + "/" + m.name
	}
	return m.name
}

// sourceEntry is one candidate source for a re-assignable clock.
type sourceEntry struct {
	source Clock
	opts   SourceOptions
}

// sourceRecord is the ordered candidate list for one re-assignable clock.
// Kept sorted ascending by (PriorityGroup, Priority); the last entry is the
// active source.
type sourceRecord struct {
	entries []sourceEntry

	// The applied winner. Tracked by value: entry storage moves on
	// re-sorts.
	hasCurrent    bool
	currentSource Clock
	currentOpts   SourceOptions

	sticky *StickyClock
}

// upsert inserts or replaces the entry for source and re-sorts.
func (r *sourceRecord) upsert(source Clock, opts SourceOptions) {
	for i := range r.entries {
		if r.entries[i].source == source {
			r.entries[i].opts = opts
			r.resort()
			return
		}
	}
	r.entries = append(r.entries, sourceEntry{source: source, opts: opts})
	r.resort()
}

// remove deletes the entry for source. Returns true if one was removed.
func (r *sourceRecord) remove(source Clock) bool {
	for i := range r.entries {
		if r.entries[i].source == source {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			return true
		}
	}
	return false
}

// winner returns the highest-priority candidate, if any remain.
func (r *sourceRecord) winner() (sourceEntry, bool) {
	if len(r.entries) == 0 {
		return sourceEntry{}, false
	}
	return r.entries[len(r.entries)-1], true
}

func (r *sourceRecord) resort() {
	sort.SliceStable(r.entries, func(i, j int) bool {
		a, b := r.entries[i].opts, r.entries[j].opts
		if a.PriorityGroup != b.PriorityGroup {
			return a.PriorityGroup < b.PriorityGroup
		}
		return lessPriority(a.Priority, b.Priority)
	})
}

// lessPriority orders NaN (unset) below every real priority.
func lessPriority(a, b float64) bool {
	if math.IsNaN(a) {
		return !math.IsNaN(b)
	}
	if math.IsNaN(b) {
		return false
	}
	return a < b
}

// describeClock renders a human-readable snapshot of a clock for the
// arbitration log lines.
func describeClock(meta *clockMeta) string {
	var b strings.Builder
	c := meta.clock
	fmt.Fprintf(&b, "%s[avail=%t speed=%g", meta.displayName(), c.Available(), c.EffectiveSpeed())
	if c.Available() {
		fmt.Fprintf(&b, " pos=%.3f", c.Now())
	}
	if meta.source != nil {
		if w, ok := meta.source.winner(); ok {
			name := w.opts.SourceName
			if name == "" {
				name = "unnamed"
			}
			fmt.Fprintf(&b, " source=%s group=%d prio=%g", name, w.opts.PriorityGroup, w.opts.Priority)
			if w.opts.MasterOverride {
				b.WriteString(" override")
			}
			if w.opts.DumpCallback != nil {
				fmt.Fprintf(&b, " %s", w.opts.DumpCallback())
			}
		} else {
			b.WriteString(" source=none")
		}
	}
	b.WriteString("]")
	return b.String()
}
