package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"

	"github.com/clinicore/platform/internal/shared/config"
)

// Bus provides event publishing and subscription using KurrentDB
type Bus struct {
	client *esdb.Client
	prefix string
	logger *slog.Logger
}

// NewBus creates a new event bus connected to KurrentDB
func NewBus(ctx context.Context, cfg config.KurrentDBConfig, logger *slog.Logger) (*Bus, error) {
	settings, err := esdb.ParseConnectionString(buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create KurrentDB client: %w", err)
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Bus{
		client: client,
		prefix: "clinicore",
		logger: logger,
	}, nil
}

// buildConnectionString creates the esdb:// connection string
func buildConnectionString(cfg config.KurrentDBConfig) string {
	var auth string
	if cfg.Username != "" && cfg.Password != "" {
		auth = fmt.Sprintf("%s:%s@", cfg.Username, cfg.Password)
	}

	params := ""
	if cfg.Insecure {
		params = "?tls=false&tlsVerifyCert=false&keepAliveInterval=10000&keepAliveTimeout=10000"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, cfg.Host, cfg.Port, params)
}

// StreamName maps an event type to its stream: signing.document_signed -> clinicore-signing-document_signed
func (b *Bus) StreamName(eventType string) string {
	return fmt.Sprintf("%s-%s", b.prefix, strings.ReplaceAll(eventType, ".", "-"))
}

// Publish publishes an event to the bus
func (b *Bus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		eventID = uuid.New()
	}

	_, err = b.client.AppendToStream(ctx, b.StreamName(event.Type), esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, esdb.EventData{
		EventType:   event.Type,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		EventID:     eventID,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Subscribe starts a catch-up subscription on $all, filtered to event types
// matching pattern ("signing.*"), from the end of the log.
func (b *Bus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error {
	sub, err := b.client.SubscribeToAll(ctx, esdb.SubscribeToAllOptions{
		From: esdb.End{},
		Filter: &esdb.SubscriptionFilter{
			Type:  esdb.EventFilterType,
			Regex: patternToRegex(pattern),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to pattern: %w", err)
	}

	go b.handleSubscription(ctx, sub, pattern, consumerName, handler)
	return nil
}

// patternToRegex converts "signing.*" to "^signing\..*"
func patternToRegex(pattern string) string {
	var sb strings.Builder
	sb.WriteByte('^')
	for i := 0; i < len(pattern); i++ {
		switch pattern[i] {
		case '.':
			sb.WriteString(`\.`)
		case '*':
			sb.WriteString(".*")
		default:
			sb.WriteByte(pattern[i])
		}
	}
	return sb.String()
}

func (b *Bus) handleSubscription(ctx context.Context, sub *esdb.Subscription, pattern, consumerName string, handler Handler) {
	defer sub.Close()
	logger := b.logger.With("consumer", consumerName, "pattern", pattern)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		subEvent := sub.Recv()
		if subEvent.EventAppeared == nil {
			if subEvent.SubscriptionDropped != nil {
				logger.Warn("subscription dropped", "error", subEvent.SubscriptionDropped.Error)
				return
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}

		recorded := subEvent.EventAppeared.Event
		if recorded == nil || strings.HasPrefix(recorded.EventType, "$") {
			continue
		}
		if !matchesPattern(recorded.EventType, pattern) {
			continue
		}

		var event Event
		if err := json.Unmarshal(recorded.Data, &event); err != nil {
			logger.Error("failed to decode event", "event_id", recorded.EventID.String(), "error", err)
			continue
		}
		if event.ID == "" {
			event.ID = recorded.EventID.String()
		}

		if err := handler(ctx, event); err != nil {
			logger.Error("event handler failed", "event_id", event.ID, "error", err)
		}
	}
}

// Close closes the event bus connection
func (b *Bus) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

// Health checks the KurrentDB connection
func (b *Bus) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := b.client.ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)
	if err != nil {
		return fmt.Errorf("KurrentDB health check failed: %w", err)
	}
	defer stream.Close()

	return nil
}
