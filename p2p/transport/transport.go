// Package transport adapts a publish/subscribe network to the broadcaster's
// content-topic model: every message travels on one pub/sub topic, framed with
// the logical content topic it belongs to, and inbound messages are collected
// until the next Poll.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("transport: closed")

const (
	defaultInboxSize = 4096
	frameVersion     = 1
)

// Message is an inbound message delivered by Poll.
type Message struct {
	ContentTopic string
	Payload      []byte
	Timestamp    time.Time
}

// Transport is the black-box publish/subscribe/poll API used by the broadcaster.
type Transport interface {
	// Publish sends payload on contentTopic.
	Publish(ctx context.Context, contentTopic string, payload []byte) error
	// Subscribe adds content topics whose messages should be retained for Poll.
	Subscribe(contentTopics ...string) error
	// Poll drains the messages received since the previous call.
	Poll(ctx context.Context) ([]Message, error)
	Close() error
}

type frame struct {
	Version      int    `json:"version"`
	ContentTopic string `json:"contentTopic"`
	Payload      []byte `json:"payload"`
	Timestamp    int64  `json:"timestamp"`
}

func encodeFrame(contentTopic string, payload []byte, now time.Time) ([]byte, error) {
	if contentTopic == "" {
		return nil, fmt.Errorf("transport: content topic required")
	}
	return json.Marshal(frame{
		Version:      frameVersion,
		ContentTopic: contentTopic,
		Payload:      payload,
		Timestamp:    now.UnixMilli(),
	})
}

func decodeFrame(raw []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Message{}, fmt.Errorf("transport: decode frame: %w", err)
	}
	if f.ContentTopic == "" {
		return Message{}, fmt.Errorf("transport: frame without content topic")
	}
	return Message{
		ContentTopic: f.ContentTopic,
		Payload:      f.Payload,
		Timestamp:    time.UnixMilli(f.Timestamp),
	}, nil
}

// inbox is a bounded buffer of messages on subscribed content topics. When full
// the oldest message is discarded.
type inbox struct {
	mu       sync.Mutex
	topics   map[string]struct{}
	messages []Message
	capacity int
	closed   bool
}

func newInbox(capacity int) *inbox {
	if capacity <= 0 {
		capacity = defaultInboxSize
	}
	return &inbox{
		topics:   make(map[string]struct{}),
		capacity: capacity,
	}
}

func (b *inbox) subscribe(topics ...string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	for _, topic := range topics {
		if topic == "" {
			return fmt.Errorf("transport: empty content topic")
		}
		b.topics[topic] = struct{}{}
	}
	return nil
}

// push stores msg when its topic is subscribed. The return values report whether
// the message was accepted and whether an older message had to be evicted.
func (b *inbox) push(msg Message) (accepted bool, evicted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return false, false
	}
	if _, ok := b.topics[msg.ContentTopic]; !ok {
		return false, false
	}
	if len(b.messages) >= b.capacity {
		b.messages = b.messages[1:]
		evicted = true
	}
	b.messages = append(b.messages, msg)
	return true, evicted
}

func (b *inbox) drain() ([]Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	out := b.messages
	b.messages = nil
	return out, nil
}

func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.messages = nil
}
