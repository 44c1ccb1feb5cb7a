package transport

import (
	"context"
	"sync"
	"time"

	"shieldrelay/observability"
)

// Hub connects in-memory transports. It stands in for the pub/sub network in
// tests and single process deployments.
type Hub struct {
	mu        sync.RWMutex
	endpoints map[*Memory]struct{}
	now       func() time.Time
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{endpoints: make(map[*Memory]struct{}), now: time.Now}
}

// Join attaches a new endpoint to the hub.
func (h *Hub) Join() *Memory {
	m := &Memory{hub: h, inbox: newInbox(defaultInboxSize)}
	h.mu.Lock()
	h.endpoints[m] = struct{}{}
	h.mu.Unlock()
	return m
}

func (h *Hub) deliver(from *Memory, raw []byte) {
	msg, err := decodeFrame(raw)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for endpoint := range h.endpoints {
		if endpoint == from {
			continue
		}
		if accepted, _ := endpoint.inbox.push(msg); accepted {
			observability.Transport().Received("memory")
		}
	}
}

func (h *Hub) leave(m *Memory) {
	h.mu.Lock()
	delete(h.endpoints, m)
	h.mu.Unlock()
}

// Memory is an in-process Transport endpoint. Messages are never delivered back
// to the publishing endpoint.
type Memory struct {
	hub   *Hub
	inbox *inbox
	once  sync.Once
}

// Publish frames the payload and hands it to every other endpoint on the hub.
func (m *Memory) Publish(ctx context.Context, contentTopic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeFrame(contentTopic, payload, m.hub.now())
	if err == nil {
		m.hub.deliver(m, raw)
	}
	observability.Transport().Published("memory", err)
	return err
}

// Subscribe implements Transport.
func (m *Memory) Subscribe(contentTopics ...string) error {
	return m.inbox.subscribe(contentTopics...)
}

// Poll implements Transport.
func (m *Memory) Poll(ctx context.Context) ([]Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.inbox.drain()
}

// Close detaches the endpoint from the hub.
func (m *Memory) Close() error {
	m.once.Do(func() {
		m.hub.leave(m)
		m.inbox.close()
	})
	return nil
}

var _ Transport = (*Memory)(nil)
