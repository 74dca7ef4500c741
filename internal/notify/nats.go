package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName is the JetStream stream holding ledger change events.
	StreamName = "LEDGER_EVENTS"

	subjectPrefix = "ledger.events"
)

// NATSPublisher publishes events to JetStream on
// ledger.events.{type}.{user_id}.
type NATSPublisher struct {
	js jetstream.JetStream
}

// NewNATSPublisher creates a JetStream publisher.
func NewNATSPublisher(js jetstream.JetStream) *NATSPublisher {
	return &NATSPublisher{js: js}
}

func (p *NATSPublisher) Publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The message ID lets JetStream drop duplicates inside its window.
	_, err = p.js.Publish(ctx, Subject(evt), data, jetstream.WithMsgID(evt.ID))
	return err
}

// Subject builds the NATS subject for evt.
func Subject(evt Event) string {
	return fmt.Sprintf("%s.%s.%s", subjectPrefix, evt.Type, evt.UserID)
}

// EnsureStream creates or updates the ledger events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}
