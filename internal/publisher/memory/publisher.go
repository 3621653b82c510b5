// Package memory keeps published escalation events in process. It backs
// development runs without Pub/Sub and tests.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// PublishedMessage captures one publish call. Data holds the JSON encoding
// the Pub/Sub publisher would have sent.
type PublishedMessage struct {
	ID    string
	Topic string
	Data  json.RawMessage
}

// Publisher stores published payloads for inspection.
type Publisher struct {
	logger *zap.Logger

	mu       sync.RWMutex
	messages []PublishedMessage
}

// New returns a memory Publisher. A nil logger disables logging.
func New(logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{logger: logger}
}

// Publish encodes the payload, records it and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	p.mu.Lock()
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Data: data})
	p.mu.Unlock()

	p.logger.Info("event published", zap.String("topic", topic), zap.String("message_id", id))
	return id, nil
}

// Messages returns a copy of the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}
