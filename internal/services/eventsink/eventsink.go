// Package eventsink records classified webhook events for observation.
package eventsink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/DIMO-Network/cloudevent"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/events"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// EventType is the cloud event type of a recorded webhook event.
	EventType   = "avito.messenger.webhook"
	dataVersion = "messenger.webhook/v1.0"
)

// Sink records an event. Implementations never see requests that failed verification.
type Sink interface {
	Record(ctx context.Context, ev events.Event) error
}

// EventData is the published form of a webhook event. Message text is never included.
type EventData struct {
	Kind           string `json:"kind"`
	RawKind        string `json:"rawKind,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	Direction      string `json:"direction,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	HasText        bool   `json:"hasText"`
}

// NewEventData converts ev for publishing.
func NewEventData(ev events.Event) EventData {
	data := EventData{
		Kind:    ev.Kind.String(),
		RawKind: ev.RawKind,
	}
	if ev.Message != nil {
		data.ConversationID = ev.Message.ConversationID
		data.Direction = ev.Message.Direction.String()
		data.MessageID = ev.Message.MessageID
		data.HasText = ev.Message.TextValue() != ""
	}
	return data
}

// Logger writes one log line per event.
type Logger struct {
	logger zerolog.Logger
}

// NewLogger creates a new Logger sink.
func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Record logs ev.
func (l *Logger) Record(_ context.Context, ev events.Event) error {
	data := NewEventData(ev)
	l.logger.Info().
		Str("kind", data.Kind).
		Str("raw_kind", data.RawKind).
		Str("conversation_id", data.ConversationID).
		Str("direction", data.Direction).
		Str("message_id", data.MessageID).
		Bool("has_text", data.HasText).
		Msg("webhook event received")
	return nil
}

// Publisher wraps events in cloud events and publishes them to a topic.
type Publisher struct {
	publisher message.Publisher
	topic     string
	source    string
	now       func() time.Time
}

// NewPublisher creates a Publisher. source is the cloud event source, usually the service name.
func NewPublisher(publisher message.Publisher, topic, source string) *Publisher {
	return &Publisher{
		publisher: publisher,
		topic:     topic,
		source:    source,
		now:       time.Now,
	}
}

// Record publishes ev.
func (p *Publisher) Record(_ context.Context, ev events.Event) error {
	data := NewEventData(ev)
	ce := cloudevent.CloudEvent[EventData]{
		CloudEventHeader: cloudevent.CloudEventHeader{
			ID:              uuid.New().String(),
			Source:          p.source,
			Subject:         data.ConversationID,
			Time:            p.now().UTC(),
			DataContentType: "application/json",
			DataVersion:     dataVersion,
			Type:            EventType,
			SpecVersion:     "1.0",
		},
		Data: data,
	}
	payload, err := json.Marshal(ce)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	msg := message.NewMessage(ce.ID, payload)
	if data.ConversationID != "" {
		msg.Metadata.Set("conversation_id", data.ConversationID)
	}
	if err := p.publisher.Publish(p.topic, msg); err != nil {
		return fmt.Errorf("failed to publish event to %s: %w", p.topic, err)
	}
	return nil
}

// Multi records to every sink and joins their errors.
type Multi []Sink

// Record records ev to all sinks.
func (m Multi) Record(ctx context.Context, ev events.Event) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
