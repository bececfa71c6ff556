package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/clinicore/platform/internal/shared/events"
	"github.com/clinicore/platform/internal/shared/types"
)

// Activity is one entry of the operator activity trail built from signing events.
type Activity struct {
	EventID       string    `json:"event_id"`
	Action        string    `json:"action"`
	ActorID       types.ID  `json:"actor_id,omitempty"`
	ActorType     string    `json:"actor_type,omitempty"`
	ResourceID    string    `json:"resource_id,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Subscriber listens to signing events and keeps a bounded activity trail.
// The ledger itself stays the source of truth; the trail is for operators.
type Subscriber struct {
	bus    events.EventBus
	logger *slog.Logger

	mu       sync.RWMutex
	entries  []Activity
	capacity int
}

// NewSubscriber creates a subscriber keeping at most capacity entries.
func NewSubscriber(bus events.EventBus, logger *slog.Logger, capacity int) *Subscriber {
	if capacity <= 0 {
		capacity = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{bus: bus, logger: logger, capacity: capacity}
}

// Start subscribes to all signing events
func (s *Subscriber) Start(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, "signing.*", "audit-signing-subscriber", s.handleEvent); err != nil {
		return fmt.Errorf("failed to subscribe to signing events: %w", err)
	}
	return nil
}

func (s *Subscriber) handleEvent(ctx context.Context, event events.Event) error {
	entry := eventToActivity(event)
	if entry == nil {
		return nil
	}

	s.logger.Info("signing activity",
		"action", entry.Action,
		"actor_id", entry.ActorID,
		"resource_id", entry.ResourceID,
		"correlation_id", entry.CorrelationID,
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *entry)
	if over := len(s.entries) - s.capacity; over > 0 {
		s.entries = append([]Activity(nil), s.entries[over:]...)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (s *Subscriber) Recent(limit int) []Activity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.entries) {
		limit = len(s.entries)
	}
	out := make([]Activity, 0, limit)
	for i := len(s.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, s.entries[i])
	}
	return out
}

func eventToActivity(event events.Event) *Activity {
	if !strings.HasPrefix(event.Type, "signing.") {
		return nil
	}

	entry := &Activity{
		EventID:       event.ID,
		Action:        strings.TrimPrefix(event.Type, "signing."),
		ActorID:       event.ActorID,
		ActorType:     event.ActorType,
		CorrelationID: event.CorrelationID,
		Timestamp:     event.Timestamp.UTC().Truncate(time.Microsecond),
	}

	// Events published on the bus arrive decoded as maps; in-process ones keep their type.
	if data, ok := event.Data.(map[string]any); ok {
		for _, field := range []string{"signature_id", "credential_id", "id"} {
			switch v := data[field].(type) {
			case string:
				entry.ResourceID = v
			case types.ID:
				entry.ResourceID = v.String()
			}
			if entry.ResourceID != "" {
				break
			}
		}
	}
	return entry
}
