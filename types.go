// Package timeline implements a clock hierarchy and media synchronization
// engine for multi-device, multi-component media presentations.
//
// The engine owns a directed, dynamically-reparentable graph of logical
// clocks with offset/speed correlation, arbitrates between competing
// candidate sources for re-assignable clocks, keeps media playback aligned
// to clocks through a hybrid seek/rate-adjustment control loop, converts
// continuous clock positions into discrete interval-change events, and runs
// component start/stop lifecycles off clock-relative timestamps.
//
// Collaborators - media elements, the shared-state service, and the timer
// facility - are consumed through the narrow interfaces in this file and in
// the sharedstate and timer subpackages.
package timeline

// ReadyState mirrors the readiness ladder of a media element.
type ReadyState uint8

const (
	// HaveNothing means no information about the media is available.
	HaveNothing ReadyState = iota

	// HaveMetadata means duration and dimensions are known.
	HaveMetadata

	// HaveCurrentData means data for the current position is available.
	HaveCurrentData

	// HaveFutureData means playback can advance at least a little.
	HaveFutureData

	// HaveEnoughData means playback can proceed uninterrupted.
	HaveEnoughData
)

// ElementEvent identifies a media element notification.
type ElementEvent uint8

const (
	// ElementTimeUpdate signals coarse playback position progress.
	ElementTimeUpdate ElementEvent = iota

	// ElementPlay signals playback started or resumed.
	ElementPlay

	// ElementPause signals playback paused.
	ElementPause

	// ElementSeeked signals a seek completed.
	ElementSeeked

	// ElementEnded signals playback reached the end of the media.
	ElementEnded

	// ElementRateChange signals the playback rate changed.
	ElementRateChange

	// ElementMetadataLoaded signals duration and timing are now known.
	ElementMetadataLoaded

	// ElementStalled signals the element is not receiving data.
	ElementStalled

	// ElementError signals a fatal element error.
	ElementError
)

// String returns the string representation of the event.
func (e ElementEvent) String() string {
	switch e {
	case ElementTimeUpdate:
		return "TIMEUPDATE"
	case ElementPlay:
		return "PLAY"
	case ElementPause:
		return "PAUSE"
	case ElementSeeked:
		return "SEEKED"
	case ElementEnded:
		return "ENDED"
	case ElementRateChange:
		return "RATECHANGE"
	case ElementMetadataLoaded:
		return "METADATA"
	case ElementStalled:
		return "STALLED"
	case ElementError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// MediaElement is the playback surface the sync engine drags into alignment.
//
// Implementations wrap whatever actually plays media - a browser media
// element across a bridge, a player process, or the simulator in demo/.
// Methods are called from engine callbacks and must not block.
type MediaElement interface {
	// CurrentTime returns the playback position in seconds.
	CurrentTime() float64

	// SetCurrentTime seeks to the given position in seconds.
	SetCurrentTime(pos float64)

	// Duration returns the media duration in seconds, or NaN if unknown.
	Duration() float64

	// Paused reports whether playback is paused.
	Paused() bool

	// Play starts or resumes playback.
	Play() error

	// Pause halts playback, keeping the current position.
	Pause() error

	// PlaybackRate returns the current playback rate (1 = natural).
	PlaybackRate() float64

	// SetPlaybackRate adjusts the playback rate.
	SetPlaybackRate(rate float64)

	// ReadyState returns the element's data readiness.
	ReadyState() ReadyState

	// OnEvent subscribes to element events.
	OnEvent(fn func(ev ElementEvent)) *Subscription
}

// ExternalSync is implemented by components that perform their own
// synchronization (for example a player with a native sync protocol).
// The timeline drives it through the same availability bookkeeping as
// media-element sync.
type ExternalSync interface {
	// SyncToClock starts or retargets synchronization against clock with
	// the given offset in seconds.
	SyncToClock(clock Clock, offset float64)

	// StopSync halts synchronization, leaving the component free-running.
	StopSync()
}

// RunStatus is reported by the component state machine to its owner.
type RunStatus uint8

const (
	// StatusIdle is the initial status before any transition.
	StatusIdle RunStatus = iota

	// StatusRunning is reported when the component enters started.
	StatusRunning

	// StatusStopped is reported when the component enters stopped and
	// self-destruction is disabled.
	StatusStopped
)

// String returns the string representation of the status.
func (s RunStatus) String() string {
	switch s {
	case StatusIdle:
		return "IDLE"
	case StatusRunning:
		return "RUNNING"
	case StatusStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}
