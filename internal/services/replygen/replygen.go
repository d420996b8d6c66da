// Package replygen produces the text sent back to an incoming message.
package replygen

import (
	"context"
	"strings"

	"github.com/DIMO-Network/messenger-webhook-gateway/internal/events"
)

// textPlaceholder is replaced by the incoming message text in static templates.
const textPlaceholder = "{text}"

// Static answers every message with the same template.
type Static struct {
	template string
}

// NewStatic creates a Static generator. The template may contain {text}.
func NewStatic(template string) *Static {
	return &Static{template: template}
}

// GenerateReply renders the template for msg.
func (s *Static) GenerateReply(_ context.Context, msg events.Message) (string, error) {
	return strings.ReplaceAll(s.template, textPlaceholder, msg.TextValue()), nil
}
