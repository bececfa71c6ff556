package events

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/clinicore/platform/internal/shared/types"
)

// Signing lifecycle event types
const (
	TypeDocumentSigned       = "signing.document_signed"
	TypeCredentialRegistered = "signing.credential_registered"
	TypeCredentialRevoked    = "signing.credential_revoked"
	TypeTimestampAnchored    = "signing.timestamp_anchored"
	TypeIntegrityStamped     = "signing.integrity_stamped"
)

// Event represents a domain event
type Event struct {
	ID            string    `json:"id"`
	Type          string    `json:"type"`
	Source        string    `json:"source"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`

	// Actor information
	ActorID   types.ID `json:"actor_id"`
	ActorType string   `json:"actor_type"` // clinician, admin, system

	// Event data
	Data any `json:"data"`
}

// NewEvent creates a new event with auto-generated ID and timestamp
func NewEvent(eventType, source string, data any) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// WithActor sets the actor information on the event
func (e Event) WithActor(actorID types.ID, actorType string) Event {
	e.ActorID = actorID
	e.ActorType = actorType
	return e
}

// WithCorrelation sets the correlation ID for request tracing
func (e Event) WithCorrelation(correlationID string) Event {
	e.CorrelationID = correlationID
	return e
}

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Publisher publishes domain events. Publishing happens after the state change has
// committed; a failed publish never rolls anything back.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// EventBus adds subscription and lifecycle to a Publisher.
type EventBus interface {
	Publisher
	Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error
	Close()
	Health() error
}

// Nop discards every event. Used when no event store is configured.
type Nop struct{}

func (Nop) Publish(ctx context.Context, event Event) error { return nil }

// matchesPattern checks if an event type matches a wildcard pattern
func matchesPattern(eventType, pattern string) bool {
	if pattern == "*" || pattern == ">" {
		return true
	}

	// "signing.*" matches "signing.document_signed"
	patternParts := strings.Split(pattern, ".")
	typeParts := strings.Split(eventType, ".")

	for i, pp := range patternParts {
		if pp == "*" {
			return true
		}
		if i >= len(typeParts) {
			return false
		}
		if pp != typeParts[i] {
			return false
		}
	}

	return len(patternParts) == len(typeParts)
}
