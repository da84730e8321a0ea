// Package pubsub publishes dataset events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	pubsub "cloud.google.com/go/pubsub/v2"

	"github.com/JakeFAU/opendata-harvester/internal/pipeline"
	"github.com/JakeFAU/opendata-harvester/internal/telemetry"
)

// Publisher keeps one topic publisher per topic name on a shared client.
type Publisher struct {
	client *pubsub.Client

	mu     sync.Mutex
	topics map[string]*pubsub.Publisher
}

// New wraps an existing client. The caller keeps ownership of client.
func New(client *pubsub.Client) *Publisher {
	return &Publisher{client: client, topics: make(map[string]*pubsub.Publisher)}
}

// Publish marshals payload to JSON and publishes it to topic, waiting for the
// server-assigned message id. Dataset events also carry their type and dataset
// as attributes so subscribers can filter without decoding, next to the
// caller's trace context.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if p.client == nil {
		return "", errors.New("pubsub client is not configured")
	}
	if topic == "" {
		return "", errors.New("pubsub topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	msg := &pubsub.Message{Data: data, Attributes: attributes(payload)}
	telemetry.InjectAttributes(ctx, msg.Attributes)
	id, err := p.publisher(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish to %s: %w", topic, err)
	}
	return id, nil
}

// Stop flushes and stops every topic publisher.
func (p *Publisher) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
}

func (p *Publisher) publisher(topic string) *pubsub.Publisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[topic]
	if !ok {
		t = p.client.Publisher(topic)
		p.topics[topic] = t
	}
	return t
}

func attributes(payload any) map[string]string {
	var event *pipeline.DatasetEvent
	switch v := payload.(type) {
	case pipeline.DatasetEvent:
		event = &v
	case *pipeline.DatasetEvent:
		event = v
	}
	if event == nil {
		return map[string]string{}
	}
	return map[string]string{
		"event_type": event.Type,
		"dataset":    event.Dataset,
	}
}
