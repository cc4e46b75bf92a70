// Package sharedstate provides the small replicated key/value collaborator
// the timeline engine uses for cross-agent coordination: string keys, opaque
// byte values, per-agent presence, and change notification.
//
// Two implementations are provided: an in-process Hub for tests and
// single-process demos, and an MQTT-backed store for real multi-device
// deployments. Consumers program against Store and cannot tell them apart.
package sharedstate

import (
	"errors"
	"fmt"
)

// ReadyState describes a store's connection lifecycle.
type ReadyState string

const (
	// ReadyConnecting means the store is not yet usable.
	ReadyConnecting ReadyState = "connecting"

	// ReadyOpen means the store is connected and serving.
	ReadyOpen ReadyState = "open"

	// ReadyClosed means the store has shut down. Terminal.
	ReadyClosed ReadyState = "closed"
)

// Presence describes an agent's liveness as seen by the group.
type Presence string

const (
	// PresenceOnline means the agent is connected.
	PresenceOnline Presence = "online"

	// PresenceOffline means the agent is gone or never seen.
	PresenceOffline Presence = "offline"
)

// ChangeEvent notifies one key mutation. A nil Value means deletion.
type ChangeEvent struct {
	Key   string
	Value []byte
}

// PresenceEvent notifies one agent's liveness transition.
type PresenceEvent struct {
	AgentID string
	Status  Presence
}

var (
	// ErrCASMismatch indicates a compare-and-set write found the key
	// already changed. Election code treats this as "someone else won".
	ErrCASMismatch = errors.New("compare-and-set mismatch")

	// ErrClosed indicates an operation on a closed store.
	ErrClosed = errors.New("shared state store is closed")
)

// SetOptions parameterize SetItem.
type SetOptions struct {
	// CAS makes the write conditional: it applies only while the key's
	// current value equals Expected (nil = key absent). A lost race
	// returns ErrCASMismatch.
	CAS      bool
	Expected []byte
}

// Store is the replicated key/value collaborator. Implementations are safe
// for concurrent use; event callbacks run synchronously in subscription
// order and must not block.
type Store interface {
	// AgentID returns this store's agent identity within the group.
	AgentID() string

	// ReadyState returns the connection lifecycle state.
	ReadyState() ReadyState

	// GetItem returns the current value for key.
	GetItem(key string) ([]byte, bool)

	// SetItem writes key. A nil value deletes. Inside a Request/Send
	// batch the write is buffered until Send.
	SetItem(key string, value []byte, opts SetOptions) error

	// Request opens a write batch; mutations buffer until Send.
	Request()

	// Send flushes the open batch as one burst of changes.
	Send() error

	// GetPresence returns the liveness of an agent.
	GetPresence(agentID string) Presence

	// OnChange subscribes to key mutations. The returned function cancels.
	OnChange(fn func(ChangeEvent)) (cancel func())

	// OnPresence subscribes to liveness transitions.
	OnPresence(fn func(PresenceEvent)) (cancel func())

	// OnReadyState subscribes to connection lifecycle transitions.
	OnReadyState(fn func(ReadyState)) (cancel func())

	// Close leaves the group, flipping this agent's presence to offline
	// for the others.
	Close() error
}

func wrapClosed(op string) error {
	return fmt.Errorf("%w: %s", ErrClosed, op)
}
