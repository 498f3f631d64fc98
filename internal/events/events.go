// Package events publishes domain events about audits and inventory.
//
// Events are fire-and-forget: an emitter never fails the operation that
// produced the event. Delivery problems are logged and dropped.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event names.
const (
	SessionOpened        = "audit.session.opened"
	SessionUpdated       = "audit.session.updated"
	SessionClosed        = "audit.session.closed"
	SessionDeleted       = "audit.session.deleted"
	ItemDeductionPending = "audit.item.deduction_pending"
	InventoryChanged     = "inventory.changed"
)

// Envelope is the wire form of every published event.
type Envelope struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

// NewEnvelope wraps payload in an envelope with a fresh id.
func NewEnvelope(name string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", name, err)
	}
	return Envelope{
		ID:         uuid.NewString(),
		Name:       name,
		OccurredAt: time.Now().UTC(),
		Payload:    data,
	}, nil
}

// NATSEmitter publishes envelopes to <prefix>.<event name>.
type NATSEmitter struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewNATSEmitter creates an emitter on an established connection.
func NewNATSEmitter(nc *nats.Conn, prefix string, logger *zap.Logger) *NATSEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NATSEmitter{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (e *NATSEmitter) Subject(name string) string {
	if e.prefix == "" {
		return name
	}
	return e.prefix + "." + name
}

// Emit publishes the event. Errors are logged, never returned.
func (e *NATSEmitter) Emit(_ context.Context, name string, payload any) {
	env, err := NewEnvelope(name, payload)
	if err != nil {
		e.logger.Warn("dropping event", zap.String("event", name), zap.Error(err))
		return
	}
	data, err := json.Marshal(env)
	if err != nil {
		e.logger.Warn("dropping event", zap.String("event", name), zap.Error(err))
		return
	}
	if err := e.nc.Publish(e.Subject(name), data); err != nil {
		e.logger.Warn("publish event failed",
			zap.String("event", name),
			zap.String("subject", e.Subject(name)),
			zap.Error(err),
		)
	}
}

// Nop discards every event.
type Nop struct{}

// Emit implements the emitter contract.
func (Nop) Emit(context.Context, string, any) {}

// Recorded is one event captured by a Recorder.
type Recorded struct {
	Name    string
	Payload any
}

// Recorder keeps emitted events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Recorded
}

// Emit implements the emitter contract.
func (r *Recorder) Emit(_ context.Context, name string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, Recorded{Name: name, Payload: payload})
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recorded(nil), r.events...)
}

// Named returns the recorded events with the given name.
func (r *Recorder) Named(name string) []Recorded {
	var out []Recorded
	for _, ev := range r.Events() {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
