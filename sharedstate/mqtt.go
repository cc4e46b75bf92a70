package sharedstate

import (
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// MQTTConfig parameterizes an MQTT-backed store.
type MQTTConfig struct {
	// Broker is the host:port of the MQTT broker.
	Broker string

	// Group is the topic namespace shared by all agents of one
	// presentation, e.g. "mediaflow/ctx-42/sync".
	Group string

	// AgentID identifies this agent. Also used as the MQTT client id.
	AgentID string

	// QoS for item and presence publishes. Default 1: item values are
	// retained state, duplicates are harmless, losses are not.
	QoS byte

	// ConnectTimeout bounds the initial broker handshake. Default 5s.
	ConnectTimeout time.Duration

	// PublishTimeout bounds each publish token wait. Default 2s.
	PublishTimeout time.Duration
}

// Validate checks the configuration.
func (c MQTTConfig) Validate() error {
	if c.Broker == "" {
		return fmt.Errorf("broker cannot be empty")
	}
	if c.Group == "" {
		return fmt.Errorf("group cannot be empty")
	}
	if strings.ContainsAny(c.Group, "+#") {
		return fmt.Errorf("group cannot contain wildcards")
	}
	if c.AgentID == "" {
		return fmt.Errorf("agent id cannot be empty")
	}
	return nil
}

func (c *MQTTConfig) applyDefaults() {
	if c.QoS == 0 {
		c.QoS = 1
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 2 * time.Second
	}
}

// MQTTStore replicates the key/value table over MQTT retained messages.
//
// Layout: item values live under <group>/items/<key> as retained payloads
// (empty retained payload = deletion), presence under
// <group>/presence/<agentID> as retained "online"/"offline" with an
// offline last-will, so a crashed agent still reads as gone. Every agent
// keeps a local cache fed by the subscriptions; reads never touch the
// network. CAS is checked against the local cache - good enough for the
// election's convergence guarantee, which tolerates races by design.
type MQTTStore struct {
	cfg    MQTTConfig
	logger *zap.Logger
	client mqtt.Client

	mu        sync.Mutex
	items     map[string][]byte
	presence  map[string]Presence
	ready     ReadyState
	batching  bool
	batch     []ChangeEvent
	changeFns []*callback[ChangeEvent]
	presFns   []*callback[PresenceEvent]
	readyFns  []*callback[ReadyState]
}

var _ Store = (*MQTTStore)(nil)

// NewMQTTStore connects to the broker, announces presence, and subscribes
// to the group's item and presence topics. The store reaches ReadyOpen once
// the subscriptions are established.
func NewMQTTStore(cfg MQTTConfig, logger *zap.Logger) (*MQTTStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mqtt store config: %w", err)
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &MQTTStore{
		cfg:      cfg,
		logger:   logger.With(zap.String("agent", cfg.AgentID)),
		items:    make(map[string][]byte),
		presence: make(map[string]Presence),
		ready:    ReadyConnecting,
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", cfg.Broker))
	opts.SetClientID(cfg.AgentID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetWill(s.presenceTopic(cfg.AgentID), string(PresenceOffline), cfg.QoS, true)

	opts.OnConnect = func(c mqtt.Client) {
		s.logger.Info("shared state broker connected",
			zap.String("broker", cfg.Broker))
		s.afterConnect()
	}
	opts.OnConnectionLost = func(c mqtt.Client, err error) {
		s.logger.Warn("shared state broker connection lost, will auto-reconnect",
			zap.Error(err))
	}

	s.client = mqtt.NewClient(opts)

	token := s.client.Connect()
	if !token.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connection failed: %w", err)
	}
	return s, nil
}

// afterConnect (re)establishes subscriptions and presence. Runs on every
// connect, including auto-reconnects.
func (s *MQTTStore) afterConnect() {
	sub := s.client.Subscribe(s.cfg.Group+"/items/#", s.cfg.QoS, s.onItemMessage)
	if !sub.WaitTimeout(s.cfg.ConnectTimeout) || sub.Error() != nil {
		s.logger.Error("item subscription failed", zap.Error(sub.Error()))
		return
	}
	sub = s.client.Subscribe(s.cfg.Group+"/presence/+", s.cfg.QoS, s.onPresenceMessage)
	if !sub.WaitTimeout(s.cfg.ConnectTimeout) || sub.Error() != nil {
		s.logger.Error("presence subscription failed", zap.Error(sub.Error()))
		return
	}

	if err := s.publish(s.presenceTopic(s.cfg.AgentID), []byte(PresenceOnline)); err != nil {
		s.logger.Error("presence announce failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	s.presence[s.cfg.AgentID] = PresenceOnline
	wasOpen := s.ready == ReadyOpen
	s.ready = ReadyOpen
	s.mu.Unlock()

	if !wasOpen {
		s.emitReady(ReadyOpen)
	}
}

func (s *MQTTStore) presenceTopic(agentID string) string {
	return s.cfg.Group + "/presence/" + agentID
}

func (s *MQTTStore) itemTopic(key string) string {
	return s.cfg.Group + "/items/" + key
}

func (s *MQTTStore) onItemMessage(_ mqtt.Client, msg mqtt.Message) {
	key := strings.TrimPrefix(msg.Topic(), s.cfg.Group+"/items/")
	payload := msg.Payload()

	s.mu.Lock()
	var value []byte
	if len(payload) == 0 {
		delete(s.items, key)
	} else {
		value = make([]byte, len(payload))
		copy(value, payload)
		s.items[key] = value
	}
	s.mu.Unlock()

	s.emitChange(ChangeEvent{Key: key, Value: value})
}

func (s *MQTTStore) onPresenceMessage(_ mqtt.Client, msg mqtt.Message) {
	agentID := strings.TrimPrefix(msg.Topic(), s.cfg.Group+"/presence/")
	status := Presence(msg.Payload())
	if status != PresenceOnline {
		status = PresenceOffline
	}

	s.mu.Lock()
	prev, known := s.presence[agentID]
	s.presence[agentID] = status
	s.mu.Unlock()

	if !known || prev != status {
		s.emitPresence(PresenceEvent{AgentID: agentID, Status: status})
	}
}

func (s *MQTTStore) publish(topic string, payload []byte) error {
	token := s.client.Publish(topic, s.cfg.QoS, true, payload)
	if !token.WaitTimeout(s.cfg.PublishTimeout) {
		return fmt.Errorf("publish timeout on %s", topic)
	}
	return token.Error()
}

// AgentID returns this store's agent identity.
func (s *MQTTStore) AgentID() string { return s.cfg.AgentID }

// ReadyState returns the connection lifecycle state.
func (s *MQTTStore) ReadyState() ReadyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// GetItem returns the locally-cached value for key.
func (s *MQTTStore) GetItem(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok
}

// SetItem writes key. Inside a batch the publish is deferred until Send.
func (s *MQTTStore) SetItem(key string, value []byte, opts SetOptions) error {
	s.mu.Lock()
	if s.ready == ReadyClosed {
		s.mu.Unlock()
		return wrapClosed("SetItem")
	}
	if opts.CAS {
		cur, ok := s.items[key]
		if ok != (opts.Expected != nil) || (ok && string(cur) != string(opts.Expected)) {
			s.mu.Unlock()
			return ErrCASMismatch
		}
	}
	if s.batching {
		s.batch = append(s.batch, ChangeEvent{Key: key, Value: value})
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	return s.publishItem(key, value)
}

// Request opens a write batch.
func (s *MQTTStore) Request() {
	s.mu.Lock()
	s.batching = true
	s.mu.Unlock()
}

// Send flushes the open batch.
func (s *MQTTStore) Send() error {
	s.mu.Lock()
	if s.ready == ReadyClosed {
		s.mu.Unlock()
		return wrapClosed("Send")
	}
	writes := s.batch
	s.batch = nil
	s.batching = false
	s.mu.Unlock()

	for _, w := range writes {
		if err := s.publishItem(w.Key, w.Value); err != nil {
			return err
		}
	}
	return nil
}

func (s *MQTTStore) publishItem(key string, value []byte) error {
	// An empty retained payload clears the topic on the broker, which is
	// exactly the deletion semantics we want.
	return s.publish(s.itemTopic(key), value)
}

// GetPresence returns the cached liveness of an agent.
func (s *MQTTStore) GetPresence(agentID string) Presence {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.presence[agentID]; ok {
		return p
	}
	return PresenceOffline
}

// OnChange subscribes to key mutations.
func (s *MQTTStore) OnChange(fn func(ChangeEvent)) func() {
	return subscribe(&s.mu, &s.changeFns, fn)
}

// OnPresence subscribes to liveness transitions.
func (s *MQTTStore) OnPresence(fn func(PresenceEvent)) func() {
	return subscribe(&s.mu, &s.presFns, fn)
}

// OnReadyState subscribes to connection lifecycle transitions.
func (s *MQTTStore) OnReadyState(fn func(ReadyState)) func() {
	return subscribe(&s.mu, &s.readyFns, fn)
}

// Close publishes offline presence and disconnects from the broker.
func (s *MQTTStore) Close() error {
	s.mu.Lock()
	if s.ready == ReadyClosed {
		s.mu.Unlock()
		return nil
	}
	s.ready = ReadyClosed
	s.mu.Unlock()

	if err := s.publish(s.presenceTopic(s.cfg.AgentID), []byte(PresenceOffline)); err != nil {
		s.logger.Warn("offline presence publish failed", zap.Error(err))
	}
	s.client.Disconnect(250)
	s.emitReady(ReadyClosed)
	return nil
}

func (s *MQTTStore) emitChange(ev ChangeEvent) { emit(&s.mu, &s.changeFns, ev) }

func (s *MQTTStore) emitPresence(ev PresenceEvent) { emit(&s.mu, &s.presFns, ev) }

func (s *MQTTStore) emitReady(rs ReadyState) { emit(&s.mu, &s.readyFns, rs) }
