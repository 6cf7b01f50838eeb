// Package pubsub publishes completion events to Google Cloud Pub/Sub.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
)

// topicPublisher is the slice of *pubsub.Topic the Publisher needs.
type topicPublisher interface {
	Publish(ctx context.Context, msg *pubsub.Message) publishResult
	Stop()
}

type publishResult interface {
	Get(ctx context.Context) (string, error)
}

type clientTopic struct {
	topic *pubsub.Topic
}

func (t clientTopic) Publish(ctx context.Context, msg *pubsub.Message) publishResult {
	return t.topic.Publish(ctx, msg)
}

func (t clientTopic) Stop() {
	t.topic.Stop()
}

// Publisher marshals payloads to JSON and publishes them to per-name topics.
type Publisher struct {
	mu     sync.Mutex
	topics map[string]topicPublisher
	open   func(name string) topicPublisher
	attrs  map[string]string
}

// New creates a Publisher on client. attrs are attached to every message.
func New(client *pubsub.Client, attrs map[string]string) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client is required")
	}
	return newPublisher(func(name string) topicPublisher {
		return clientTopic{topic: client.Topic(name)}
	}, attrs), nil
}

func newPublisher(open func(string) topicPublisher, attrs map[string]string) *Publisher {
	return &Publisher{topics: make(map[string]topicPublisher), open: open, attrs: attrs}
}

func (p *Publisher) topic(name string) topicPublisher {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.topics[name]
	if !ok {
		t = p.open(name)
		p.topics[name] = t
	}
	return t
}

// Publish blocks until the server acknowledges the message.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if topic == "" {
		return "", fmt.Errorf("pubsub topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	msg := &pubsub.Message{Data: data}
	if len(p.attrs) > 0 {
		msg.Attributes = make(map[string]string, len(p.attrs))
		for k, v := range p.attrs {
			msg.Attributes[k] = v
		}
	}
	id, err := p.topic(topic).Publish(ctx, msg).Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish message: %w", err)
	}
	return id, nil
}

// Close flushes and stops every topic opened by the publisher.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for name, t := range p.topics {
		t.Stop()
		delete(p.topics, name)
	}
}
