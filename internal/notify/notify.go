// Package notify publishes change notifications after committed mutations.
//
// Delivery is at-least-once: a consumer may see the same event twice and
// should de-duplicate on Event.ID or simply refresh idempotently.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// EntityType names the kind of record that changed.
type EntityType string

const (
	EntityBalance  EntityType = "balance"
	EntityPosition EntityType = "position"
	EntityPnL      EntityType = "pnl"
	EntityContract EntityType = "contract"
	EntityPayout   EntityType = "payout"
	EntityTransfer EntityType = "transfer"
)

// Event is keyed by the affected (user, entity type).
type Event struct {
	ID       string     `json:"id"`
	Type     EntityType `json:"type"`
	UserID   string     `json:"user_id"`
	EntityID string     `json:"entity_id,omitempty"`
	Currency string     `json:"currency,omitempty"`
	At       time.Time  `json:"at"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(typ EntityType, userID, entityID string) Event {
	return Event{
		ID:       uuid.New().String(),
		Type:     typ,
		UserID:   userID,
		EntityID: entityID,
		At:       time.Now().UTC(),
	}
}

// Publisher delivers events to a downstream channel.
type Publisher interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers. A failing sink is logged
// and does not stop delivery to the others; Publish never fails.
type Multi struct {
	sinks []Publisher
	log   zerolog.Logger
}

// NewMulti creates a fan-out publisher. Nil sinks are skipped.
func NewMulti(log zerolog.Logger, sinks ...Publisher) *Multi {
	m := &Multi{log: log}
	for _, s := range sinks {
		if s != nil {
			m.sinks = append(m.sinks, s)
		}
	}
	return m
}

func (m *Multi) Publish(ctx context.Context, evt Event) error {
	for _, s := range m.sinks {
		if err := s.Publish(ctx, evt); err != nil {
			m.log.Warn().Err(err).
				Str("event_id", evt.ID).
				Str("type", string(evt.Type)).
				Str("user", evt.UserID).
				Msg("notification publish failed")
		}
	}
	return nil
}

// Recorder keeps every published event in memory. Used in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of typ were recorded for userID.
func (r *Recorder) Count(typ EntityType, userID string) int {
	n := 0
	for _, e := range r.Events() {
		if e.Type == typ && e.UserID == userID {
			n++
		}
	}
	return n
}

// Reset drops the recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}
