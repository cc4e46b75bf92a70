package sharedstate

import (
	"bytes"
	"sync"
)

// Hub is the in-process rendezvous for MemoryStores: one shared item table,
// one presence table, broadcast to every connected store. It stands in for
// the network service in tests and single-process demos.
type Hub struct {
	mu       sync.Mutex
	items    map[string][]byte
	presence map[string]Presence
	stores   []*MemoryStore
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		items:    make(map[string][]byte),
		presence: make(map[string]Presence),
	}
}

// Connect joins the hub as agentID and returns an open store. The join is
// announced to every already-connected store.
func (h *Hub) Connect(agentID string) *MemoryStore {
	s := &MemoryStore{
		hub:     h,
		agentID: agentID,
		ready:   ReadyOpen,
	}

	h.mu.Lock()
	h.stores = append(h.stores, s)
	h.presence[agentID] = PresenceOnline
	targets := h.snapshotStoresLocked()
	h.mu.Unlock()

	h.broadcastPresence(targets, PresenceEvent{AgentID: agentID, Status: PresenceOnline})
	return s
}

func (h *Hub) snapshotStoresLocked() []*MemoryStore {
	out := make([]*MemoryStore, len(h.stores))
	copy(out, h.stores)
	return out
}

// apply commits a set of writes under the hub lock and broadcasts the
// resulting change events to every store, writer included.
func (h *Hub) apply(writes []ChangeEvent) {
	h.mu.Lock()
	for _, w := range writes {
		if w.Value == nil {
			delete(h.items, w.Key)
		} else {
			h.items[w.Key] = w.Value
		}
	}
	targets := h.snapshotStoresLocked()
	h.mu.Unlock()

	for _, ev := range writes {
		for _, s := range targets {
			s.emitChange(ev)
		}
	}
}

func (h *Hub) broadcastPresence(targets []*MemoryStore, ev PresenceEvent) {
	for _, s := range targets {
		s.emitPresence(ev)
	}
}

func (h *Hub) disconnect(s *MemoryStore) {
	h.mu.Lock()
	for i, cur := range h.stores {
		if cur == s {
			h.stores = append(h.stores[:i], h.stores[i+1:]...)
			break
		}
	}
	h.presence[s.agentID] = PresenceOffline
	targets := h.snapshotStoresLocked()
	h.mu.Unlock()

	h.broadcastPresence(targets, PresenceEvent{AgentID: s.agentID, Status: PresenceOffline})
}

// MemoryStore is one agent's view onto a Hub.
type MemoryStore struct {
	hub     *Hub
	agentID string

	mu        sync.Mutex
	ready     ReadyState
	batching  bool
	batch     []ChangeEvent
	changeFns []*callback[ChangeEvent]
	presFns   []*callback[PresenceEvent]
	readyFns  []*callback[ReadyState]
}

type callback[T any] struct {
	fn      func(T)
	removed bool
}

var _ Store = (*MemoryStore)(nil)

// AgentID returns this store's agent identity.
func (s *MemoryStore) AgentID() string { return s.agentID }

// ReadyState returns the connection lifecycle state.
func (s *MemoryStore) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// GetItem returns the current value for key.
func (s *MemoryStore) GetItem(key string) ([]byte, bool) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	v, ok := s.hub.items[key]
	return v, ok
}

// SetItem writes key, honoring CAS and an open batch.
func (s *MemoryStore) SetItem(key string, value []byte, opts SetOptions) error {
	s.mu.Lock()
	if s.ready == ReadyClosed {
		s.mu.Unlock()
		return wrapClosed("SetItem")
	}
	batching := s.batching
	s.mu.Unlock()

	if opts.CAS {
		s.hub.mu.Lock()
		cur, ok := s.hub.items[key]
		mismatch := ok != (opts.Expected != nil) || (ok && !bytes.Equal(cur, opts.Expected))
		s.hub.mu.Unlock()
		if mismatch {
			return ErrCASMismatch
		}
	}

	ev := ChangeEvent{Key: key, Value: value}
	if batching {
		s.mu.Lock()
		s.batch = append(s.batch, ev)
		s.mu.Unlock()
		return nil
	}
	s.hub.apply([]ChangeEvent{ev})
	return nil
}

// Request opens a write batch.
func (s *MemoryStore) Request() {
	s.mu.Lock()
	s.batching = true
	s.mu.Unlock()
}

// Send flushes the open batch as one burst.
func (s *MemoryStore) Send() error {
	s.mu.Lock()
	if s.ready == ReadyClosed {
		s.mu.Unlock()
		return wrapClosed("Send")
	}
	writes := s.batch
	s.batch = nil
	s.batching = false
	s.mu.Unlock()

	if len(writes) > 0 {
		s.hub.apply(writes)
	}
	return nil
}

// GetPresence returns the liveness of an agent.
func (s *MemoryStore) GetPresence(agentID string) Presence {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	if p, ok := s.hub.presence[agentID]; ok {
		return p
	}
	return PresenceOffline
}

// OnChange subscribes to key mutations.
func (s *MemoryStore) OnChange(fn func(ChangeEvent)) func() {
	return subscribe(&s.mu, &s.changeFns, fn)
}

// OnPresence subscribes to liveness transitions.
func (s *MemoryStore) OnPresence(fn func(PresenceEvent)) func() {
	return subscribe(&s.mu, &s.presFns, fn)
}

// OnReadyState subscribes to connection lifecycle transitions.
func (s *MemoryStore) OnReadyState(fn func(ReadyState)) func() {
	return subscribe(&s.mu, &s.readyFns, fn)
}

// Close leaves the hub, flipping presence to offline for the others.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.ready == ReadyClosed {
		s.mu.Unlock()
		return nil
	}
	s.ready = ReadyClosed
	s.mu.Unlock()

	s.hub.disconnect(s)
	s.emitReady(ReadyClosed)
	return nil
}

func (s *MemoryStore) emitChange(ev ChangeEvent) { emit(&s.mu, &s.changeFns, ev) }

func (s *MemoryStore) emitPresence(ev PresenceEvent) { emit(&s.mu, &s.presFns, ev) }

func (s *MemoryStore) emitReady(rs ReadyState) { emit(&s.mu, &s.readyFns, rs) }

func subscribe[T any](mu *sync.Mutex, list *[]*callback[T], fn func(T)) func() {
	cb := &callback[T]{fn: fn}
	mu.Lock()
	*list = append(*list, cb)
	mu.Unlock()

	return func() {
		mu.Lock()
		defer mu.Unlock()
		cb.removed = true
		for i, cur := range *list {
			if cur == cb {
				*list = append((*list)[:i], (*list)[i+1:]...)
				break
			}
		}
	}
}

// emit invokes subscribers in registration order, outside the lock, honoring
// removals that happen mid-emission.
func emit[T any](mu *sync.Mutex, list *[]*callback[T], ev T) {
	mu.Lock()
	snapshot := make([]*callback[T], len(*list))
	copy(snapshot, *list)
	mu.Unlock()

	for _, cb := range snapshot {
		mu.Lock()
		removed := cb.removed
		mu.Unlock()
		if !removed {
			cb.fn(ev)
		}
	}
}
