// Package events classifies verified webhook payloads into typed events.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPayload is returned when the body is not a JSON object of the expected shape.
var ErrMalformedPayload = errors.New("malformed webhook payload")

// Kind is the routing kind of a webhook event.
type Kind int

const (
	KindOther Kind = iota
	KindPing
	KindMessage
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindMessage:
		return "message"
	default:
		return "other"
	}
}

// Direction tells whether a message was written by a user or by the account itself.
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionIncoming
	DirectionOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "in"
	case DirectionOutgoing:
		return "out"
	default:
		return "unknown"
	}
}

// ParseDirection maps a wire value to a Direction.
func ParseDirection(v string) Direction {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "in", "incoming", "inbound":
		return DirectionIncoming
	case "out", "outgoing", "outbound":
		return DirectionOutgoing
	default:
		return DirectionUnknown
	}
}

// Message is the routable part of a message event.
type Message struct {
	// ConversationID is the chat the message belongs to; never empty.
	ConversationID string
	Direction      Direction
	// Text is nil when the payload carries no text.
	Text *string
	// MessageID is the platform id of the message, empty when absent.
	MessageID string
}

// TextValue returns the message text or "".
func (m *Message) TextValue() string {
	if m == nil || m.Text == nil {
		return ""
	}
	return *m.Text
}

// Event is a classified webhook event.
type Event struct {
	Kind Kind
	// RawKind is the "event" field exactly as sent.
	RawKind string
	// Message is set for routable message events only.
	Message *Message
}

// Routable reports whether a message event resolved a conversation id.
func (e Event) Routable() bool {
	return e.Kind == KindMessage && e.Message != nil
}

type envelope struct {
	Event   json.RawMessage `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Classify parses a verified body into an Event. It must only be called with bytes whose
// signature has already been checked.
func Classify(rawBody []byte) (Event, error) {
	if !bytes.HasPrefix(bytes.TrimSpace(rawBody), []byte("{")) {
		return Event{}, fmt.Errorf("%w: body is not a JSON object", ErrMalformedPayload)
	}
	var env envelope
	if err := decode(rawBody, &env); err != nil {
		return Event{}, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}

	rawKind := rawString(env.Event)
	ev := Event{RawKind: rawKind}
	switch strings.ToLower(rawKind) {
	case "ping":
		ev.Kind = KindPing
		return ev, nil
	case "message":
		ev.Kind = KindMessage
	default:
		ev.Kind = KindOther
		return ev, nil
	}

	payload, err := decodePayload(env.Payload)
	if err != nil {
		return Event{}, err
	}
	ev.Message = extractMessage(payload)
	return ev, nil
}

func decode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func decodePayload(raw json.RawMessage) (map[string]any, error) {
	if len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil, nil
	}
	var payload map[string]any
	if err := decode(raw, &payload); err != nil {
		return nil, fmt.Errorf("%w: payload is not an object: %w", ErrMalformedPayload, err)
	}
	return payload, nil
}

// rawString returns the event kind when it is a JSON string; any other type counts as absent.
func rawString(raw json.RawMessage) string {
	var s string
	if len(raw) == 0 || json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

func extractMessage(payload map[string]any) *Message {
	if payload == nil {
		return nil
	}
	conversationID, ok := firstString(payload, conversationIDStrategies)
	if !ok {
		return nil
	}
	msg := &Message{
		ConversationID: conversationID,
		Direction:      DirectionUnknown,
	}
	for _, strategy := range directionStrategies {
		if d, ok := strategy(payload); ok {
			msg.Direction = d
			break
		}
	}
	if text, ok := firstString(payload, textStrategies); ok {
		msg.Text = &text
	}
	if id, ok := firstString(payload, messageIDStrategies); ok {
		msg.MessageID = id
	}
	return msg
}
