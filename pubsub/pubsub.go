// Package pubsub keeps, for every declared topic, the set of live connections subscribed
// to it, and fans published data out to exactly that set.
//
// Topics are only created by RegisterTopic. Each topic owns a thread-safe set, so
// subscribes, disconnects and publishes on different connections never need a global lock;
// a publish sends to a snapshot of the set taken when it starts.
package pubsub

import (
	"sort"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/fatih/set.v0"

	"uds-rpc/codec"
	"uds-rpc/marshal"
	"uds-rpc/message"
	"uds-rpc/protocol"
	"uds-rpc/rpcerr"
)

// PublishMsg is the msg text of every pushed envelope.
const PublishMsg = "publish"

// Subscriber is a connection that can receive pushed frames. Implementations must be
// comparable; *transport.Conn is the production one.
type Subscriber interface {
	ID() uint64
	Send(msgType protocol.MsgType, body []byte) error
}

type Manager struct {
	mu     sync.RWMutex
	topics map[string]set.Interface
	codec  codec.Codec
	logger *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.L()
	}
	return &Manager{
		topics: make(map[string]set.Interface),
		codec:  codec.Default,
		logger: logger,
	}
}

// RegisterTopic declares a topic with an empty subscriber set.
func (m *Manager) RegisterTopic(name string) error {
	if name == "" {
		return rpcerr.Register("invalid registration target: empty topic name")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.topics[name]; ok {
		return rpcerr.Register("topic %q already registered", name)
	}
	m.topics[name] = set.New(set.ThreadSafe)
	topicSubscribers.WithLabelValues(name).Set(0)
	return nil
}

func (m *Manager) topic(name string) (set.Interface, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.topics[name]
	return s, ok
}

func (m *Manager) Has(name string) bool {
	_, ok := m.topic(name)
	return ok
}

// Topics lists declared topic names in order.
func (m *Manager) Topics() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Subscribe adds sub to the topic. Undeclared topics are a RegisterError.
func (m *Manager) Subscribe(name string, sub Subscriber) error {
	s, ok := m.topic(name)
	if !ok {
		return rpcerr.Register("no such signal: %s", name)
	}
	s.Add(sub)
	topicSubscribers.WithLabelValues(name).Set(float64(s.Size()))
	return nil
}

// Unsubscribe removes sub from every topic; called when its connection closes.
func (m *Manager) Unsubscribe(sub Subscriber) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for name, s := range m.topics {
		if s.Has(sub) {
			s.Remove(sub)
			topicSubscribers.WithLabelValues(name).Set(float64(s.Size()))
		}
	}
}

// Subscribers returns the current member count of a topic, 0 when undeclared.
func (m *Manager) Subscribers(name string) int {
	s, ok := m.topic(name)
	if !ok {
		return 0
	}
	return s.Size()
}

// Publish pushes payload as a subData envelope to every current subscriber of the topic
// and returns how many writes succeeded. A failed write is logged; the reader side of that
// connection notices the breakage and unsubscribes it.
func (m *Manager) Publish(name string, payload any) (int, error) {
	s, ok := m.topic(name)
	if !ok {
		return 0, rpcerr.Register("topic %q is not declared", name)
	}
	body, err := m.envelope(payload)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, item := range s.List() {
		sub := item.(Subscriber)
		if err := sub.Send(protocol.MsgTypeResponse, body); err != nil {
			m.logger.Warn("publish delivery failed",
				zap.String("topic", name), zap.Uint64("conn", sub.ID()), zap.Error(err))
			publishDeliveries.WithLabelValues(name, "error").Inc()
			continue
		}
		delivered++
		publishDeliveries.WithLabelValues(name, "ok").Inc()
	}
	return delivered, nil
}

func (m *Manager) envelope(payload any) ([]byte, error) {
	if _, err := marshal.TagOfValue(payload); err != nil {
		return nil, err
	}
	data, err := marshal.Render(payload)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindParam, err, "payload")
	}
	resp := message.OK(PublishMsg, data)
	resp.Type = message.TypeSubData
	body, err := m.codec.Encode(resp)
	if err != nil {
		return nil, rpcerr.Wrap(rpcerr.KindParam, err, "payload not serializable")
	}
	return body, nil
}
