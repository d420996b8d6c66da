package webhook

// Response is the JSON body of every webhook answer.
type Response struct {
	OK bool `json:"ok"`
	// Error is set on rejected requests and on replies that could not be delivered.
	Error string `json:"error,omitempty"`
	// Pong is the server time in unix milliseconds, set for ping events.
	Pong int64 `json:"pong,omitempty"`
	// Skipped names why a message event was not answered.
	Skipped SkipReason `json:"skipped,omitempty"`
	// Replied is set for message events that reached the reply stage.
	Replied *bool `json:"replied,omitempty"`
	// Received is the kind of an event that needs no action.
	Received string `json:"received,omitempty"`
}

// SkipReason tells why a message event was acknowledged without a reply.
type SkipReason string

const (
	SkipUnroutable SkipReason = "unroutable"
	SkipOutgoing   SkipReason = "outgoing"
	SkipEmpty      SkipReason = "empty"
	SkipDuplicate  SkipReason = "duplicate"
	SkipCondition  SkipReason = "condition"
)

// Error messages returned to the platform.
const (
	errMethodNotAllowed = "Method Not Allowed"
	errNotConfigured    = "webhook secret is not configured"
	errInternal         = "internal"
	errTooLarge         = "Payload Too Large"
	errUnauthorized     = "Unauthorized"
	errInvalidJSON      = "Invalid JSON"
	errReplyDeadline    = "reply deadline exceeded"
)
