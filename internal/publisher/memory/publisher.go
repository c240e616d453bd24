// Package memory keeps membership activation events in process when no
// message broker is configured.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/stateofplay-edge/internal/reconcile"
)

// DefaultCapacity bounds how many activations are retained.
const DefaultCapacity = 256

// Delivery is one accepted activation.
type Delivery struct {
	ID    string
	Topic string
	Event reconcile.ActivationEvent
}

// Publisher retains the most recent activations in a ring and logs each one.
type Publisher struct {
	mu         sync.RWMutex
	deliveries []Delivery
	capacity   int
	seq        uint64
	logger     *zap.Logger
}

// New returns a Publisher. A non-positive capacity uses DefaultCapacity.
func New(capacity int, logger *zap.Logger) *Publisher {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{capacity: capacity, logger: logger.Named("activations")}
}

// Publish accepts a reconcile.ActivationEvent, evicting the oldest delivery
// beyond capacity. Any other payload is rejected.
func (p *Publisher) Publish(_ context.Context, topic string, payload any) (string, error) {
	var event reconcile.ActivationEvent
	switch v := payload.(type) {
	case reconcile.ActivationEvent:
		event = v
	case *reconcile.ActivationEvent:
		if v == nil {
			return "", fmt.Errorf("publish %s: nil activation event", topic)
		}
		event = *v
	default:
		return "", fmt.Errorf("publish %s: unsupported payload %T", topic, payload)
	}

	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("memory-%d", p.seq)
	p.deliveries = append(p.deliveries, Delivery{ID: id, Topic: topic, Event: event})
	if over := len(p.deliveries) - p.capacity; over > 0 {
		p.deliveries = append([]Delivery(nil), p.deliveries[over:]...)
	}
	p.mu.Unlock()

	p.logger.Info("activation recorded",
		zap.String("message_id", id),
		zap.String("topic", topic),
		zap.String("session_id", event.SessionID),
		zap.String("status", string(event.Status)),
	)
	return id, nil
}

// Recent returns up to limit deliveries, newest first. A non-positive limit
// returns everything retained.
func (p *Publisher) Recent(limit int) []Delivery {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.deliveries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Delivery, 0, n)
	for i := len(p.deliveries) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, p.deliveries[i])
	}
	return out
}

// Len reports how many deliveries are retained.
func (p *Publisher) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.deliveries)
}
