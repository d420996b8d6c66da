package events

import (
	"encoding/json"
	"strings"
)

// stringStrategy looks up one candidate location in a payload.
type stringStrategy func(payload map[string]any) (string, bool)

// directionStrategy derives a message direction from a payload.
type directionStrategy func(payload map[string]any) (Direction, bool)

// Payload shapes differ across schema versions; candidates are tried in order.
var (
	conversationIDStrategies = []stringStrategy{
		at("chat_id"),
		at("value", "chat_id"),
		at("message", "chat_id"),
		at("conversation_id"),
		at("chat", "id"),
	}

	directionStrategies = []directionStrategy{
		directionAt("direction"),
		directionAt("value", "direction"),
		directionAt("message", "direction"),
		directionFromAuthor,
	}

	textStrategies = []stringStrategy{
		at("text"),
		at("value", "content", "text"),
		at("message", "text"),
		at("content", "text"),
	}

	messageIDStrategies = []stringStrategy{
		at("id"),
		at("value", "id"),
		at("message", "id"),
	}
)

// at returns a strategy that resolves a nested path to a non-empty string or number.
func at(path ...string) stringStrategy {
	return func(payload map[string]any) (string, bool) {
		v, ok := lookup(payload, path)
		if !ok {
			return "", false
		}
		s, ok := scalarString(v)
		if !ok || strings.TrimSpace(s) == "" {
			return "", false
		}
		return s, true
	}
}

func directionAt(path ...string) directionStrategy {
	return func(payload map[string]any) (Direction, bool) {
		v, ok := lookup(payload, path)
		if !ok {
			return DirectionUnknown, false
		}
		s, ok := v.(string)
		if !ok {
			return DirectionUnknown, false
		}
		d := ParseDirection(s)
		return d, d != DirectionUnknown
	}
}

// directionFromAuthor treats a message authored by the account owner as outgoing.
func directionFromAuthor(payload map[string]any) (Direction, bool) {
	author, ok := at("value", "author_id")(payload)
	if !ok || author == "0" {
		return DirectionUnknown, false
	}
	owner, ok := at("value", "user_id")(payload)
	if !ok || owner == "0" {
		return DirectionUnknown, false
	}
	if author == owner {
		return DirectionOutgoing, true
	}
	return DirectionIncoming, true
}

func firstString(payload map[string]any, strategies []stringStrategy) (string, bool) {
	for _, strategy := range strategies {
		if s, ok := strategy(payload); ok {
			return s, true
		}
	}
	return "", false
}

func lookup(payload map[string]any, path []string) (any, bool) {
	var cur any = payload
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[key]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	default:
		return "", false
	}
}
