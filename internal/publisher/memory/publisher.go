// Package memory contains an in-memory publisher for tests and offline runs.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
)

// Publisher stores published payloads for inspection.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	err      error
}

// PublishedMessage captures one publish call.
type PublishedMessage struct {
	Topic   string
	Payload any
}

// New returns a memory Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err. Pass nil to recover.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.err = err
}

// Publish records the message and returns a pseudo ID.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.messages = append(p.messages, PublishedMessage{Topic: topic, Payload: payload})
	return fmt.Sprintf("memory-%d", len(p.messages)), nil
}

// Messages returns the recorded publishes.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Events returns the dataset events recorded for topic, in publish order.
func (p *Publisher) Events(topic string) []pipeline.DatasetEvent {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []pipeline.DatasetEvent
	for _, msg := range p.messages {
		if msg.Topic != topic {
			continue
		}
		switch ev := msg.Payload.(type) {
		case pipeline.DatasetEvent:
			out = append(out, ev)
		case *pipeline.DatasetEvent:
			out = append(out, *ev)
		}
	}
	return out
}
