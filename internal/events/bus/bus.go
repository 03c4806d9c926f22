// Package bus provides the pub/sub relay for normalized session events.
// Every event persisted to the store is also published here; in-process
// consumers and the optional NATS relay subscribe by session subject.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"

	v1 "github.com/codesdk/codesdk/pkg/api/v1"
)

// Envelope wraps a normalized event for transport on the bus.
type Envelope struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Published time.Time `json:"published"`
	Event     *v1.Event `json:"event"`
}

// NewEnvelope wraps an event with a transport ID and publish timestamp.
func NewEnvelope(sessionID string, ev *v1.Event) *Envelope {
	return &Envelope{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Published: time.Now().UTC(),
		Event:     ev,
	}
}

// SubjectForSession returns the subject events for one session are published on.
func SubjectForSession(sessionID string) string {
	return "events." + sessionID
}

// SubjectAllSessions matches events from every session.
const SubjectAllSessions = "events.>"

// Handler processes one envelope. Returning an error is logged, not retried.
type Handler func(ctx context.Context, env *Envelope) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the event relay interface.
type Bus interface {
	// Publish sends an envelope to a subject.
	Publish(ctx context.Context, subject string, env *Envelope) error

	// Subscribe creates a subscription to a subject pattern. NATS-style
	// wildcards are supported: * matches one token, > matches the rest.
	Subscribe(subject string, handler Handler) (Subscription, error)

	// Close shuts the bus down.
	Close()

	// IsConnected reports whether the bus is usable.
	IsConnected() bool
}
