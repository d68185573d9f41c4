// Package memory records job notifications in memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/article-ingest/internal/progress/sinks"
)

var _ sinks.Publisher = (*Publisher)(nil)

// PublishedMessage is one recorded publish call.
type PublishedMessage struct {
	ID      string
	Topic   string
	Payload any
}

// Publisher keeps every published payload. Setting Err makes subsequent
// publishes fail, which lets callers exercise notification failure paths.
type Publisher struct {
	mu       sync.RWMutex
	messages []PublishedMessage
	err      error
}

// New returns an empty Publisher.
func New() *Publisher {
	return &Publisher{}
}

// FailWith makes every later Publish return err. A nil err restores success.
func (p *Publisher) FailWith(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// Publish implements sinks.Publisher.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	id := fmt.Sprintf("memory-%d", len(p.messages)+1)
	p.messages = append(p.messages, PublishedMessage{ID: id, Topic: topic, Payload: payload})
	return id, nil
}

// Messages returns a copy of everything published so far.
func (p *Publisher) Messages() []PublishedMessage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PublishedMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

// Notifications returns the JobNotification payloads published to topic.
func (p *Publisher) Notifications(topic string) []sinks.JobNotification {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []sinks.JobNotification
	for _, m := range p.messages {
		if n, ok := m.Payload.(sinks.JobNotification); ok && m.Topic == topic {
			out = append(out, n)
		}
	}
	return out
}

// Close is a no-op.
func (p *Publisher) Close() error {
	return nil
}
