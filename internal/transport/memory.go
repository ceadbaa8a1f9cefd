package transport

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process loopback transport with retained-message support.
// Every connected Memory instance sharing a Hub sees every publish, which
// is exactly what multi-device tests need.
type Memory struct {
	hub *Hub
	mu  sync.Mutex
	// filters this instance subscribed, for Unsubscribe bookkeeping
	subs map[string]int
}

// Hub is the shared broker state behind Memory transports.
type Hub struct {
	mu       sync.Mutex
	next     int
	subs     map[int]*memSub
	retained map[string][]byte
}

type memSub struct {
	filter  string
	handler Handler
}

// NewHub creates a shared in-memory broker.
func NewHub() *Hub {
	return &Hub{
		subs:     make(map[int]*memSub),
		retained: make(map[string][]byte),
	}
}

// NewMemory creates a transport attached to hub.
func NewMemory(hub *Hub) *Memory {
	return &Memory{hub: hub, subs: make(map[string]int)}
}

// Connect is a no-op for the loopback transport.
func (m *Memory) Connect(_ context.Context) error { return nil }

// Close drops all of this instance's subscriptions.
func (m *Memory) Close() {
	m.mu.Lock()
	ids := make([]int, 0, len(m.subs))
	for _, id := range m.subs {
		ids = append(ids, id)
	}
	m.subs = make(map[string]int)
	m.mu.Unlock()

	m.hub.mu.Lock()
	for _, id := range ids {
		delete(m.hub.subs, id)
	}
	m.hub.mu.Unlock()
}

// Publish delivers payload to every matching subscriber synchronously.
// An empty retained payload clears the topic's retained value.
func (m *Memory) Publish(topic string, payload []byte, retained bool) error {
	m.hub.mu.Lock()
	if retained {
		if len(payload) == 0 {
			delete(m.hub.retained, topic)
		} else {
			m.hub.retained[topic] = append([]byte(nil), payload...)
		}
	}
	var handlers []Handler
	for _, sub := range m.hub.subs {
		if topicMatches(sub.filter, topic) {
			handlers = append(handlers, sub.handler)
		}
	}
	m.hub.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return nil
}

// Subscribe registers h for topics matching filter. A retained payload on a
// matching topic is delivered immediately.
func (m *Memory) Subscribe(filter string, h Handler) error {
	m.hub.mu.Lock()
	id := m.hub.next
	m.hub.next++
	m.hub.subs[id] = &memSub{filter: filter, handler: h}

	type retainedMsg struct {
		topic   string
		payload []byte
	}
	var replay []retainedMsg
	for topic, payload := range m.hub.retained {
		if topicMatches(filter, topic) {
			replay = append(replay, retainedMsg{topic, payload})
		}
	}
	m.hub.mu.Unlock()

	m.mu.Lock()
	m.subs[filter] = id
	m.mu.Unlock()

	for _, r := range replay {
		h(r.topic, r.payload)
	}
	return nil
}

// Unsubscribe removes this instance's subscription for filter.
func (m *Memory) Unsubscribe(filter string) error {
	m.mu.Lock()
	id, ok := m.subs[filter]
	delete(m.subs, filter)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.hub.mu.Lock()
	delete(m.hub.subs, id)
	m.hub.mu.Unlock()
	return nil
}

// topicMatches implements MQTT-style filters: "+" matches one level, a
// trailing "#" matches the rest.
func topicMatches(filter, topic string) bool {
	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")
	for i, seg := range fp {
		if seg == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if seg != "+" && seg != tp[i] {
			return false
		}
	}
	return len(fp) == len(tp)
}
