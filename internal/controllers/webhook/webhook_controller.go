package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/DIMO-Network/messenger-webhook-gateway/internal/events"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/metrics"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/rawbody"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/services/dispatcher"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/signature"
	"github.com/gofiber/fiber/v2"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

const (
	defaultMaxBodySize   = 1 << 20
	defaultReplyDeadline = 20 * time.Second
	defaultDedupeTTL     = 10 * time.Minute
)

type Dispatcher interface {
	Send(ctx context.Context, conversationID, text string) (dispatcher.Result, error)
}

type ReplyGenerator interface {
	GenerateReply(ctx context.Context, msg events.Message) (string, error)
}

type EventSink interface {
	Record(ctx context.Context, ev events.Event) error
}

type ReplyCondition interface {
	Allow(msg events.Message) (bool, error)
}

// Config holds the request handling settings.
type Config struct {
	SignatureHeader string
	MaxBodySize     int64
	// AllowUnsigned skips verification while no secret is configured. Test deployments only.
	AllowUnsigned bool
	ReplyDeadline time.Duration
	DedupeTTL     time.Duration
}

// WebhookController authenticates and answers inbound platform webhooks.
type WebhookController struct {
	cfg        Config
	secrets    signature.SecretSource
	dispatcher Dispatcher
	replies    ReplyGenerator
	sink       EventSink
	condition  ReplyCondition
	seen       *cache.Cache
	now        func() time.Time
}

// NewWebhookController creates a new WebhookController.
func NewWebhookController(cfg Config, secrets signature.SecretSource, sender Dispatcher,
	replies ReplyGenerator, sink EventSink, condition ReplyCondition) *WebhookController {
	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = "X-Avito-Signature"
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = defaultMaxBodySize
	}
	if cfg.ReplyDeadline <= 0 {
		cfg.ReplyDeadline = defaultReplyDeadline
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = defaultDedupeTTL
	}
	return &WebhookController{
		cfg:        cfg,
		secrets:    secrets,
		dispatcher: sender,
		replies:    replies,
		sink:       sink,
		condition:  condition,
		seen:       cache.New(cfg.DedupeTTL, 2*cfg.DedupeTTL),
		now:        time.Now,
	}
}

// HandleWebhook processes a platform notification.
func (w *WebhookController) HandleWebhook(c *fiber.Ctx) error {
	logger := zerolog.Ctx(c.UserContext())

	if c.Method() != fiber.MethodPost {
		c.Set(fiber.HeaderAllow, fiber.MethodPost)
		return w.respond(c, fiber.StatusMethodNotAllowed, "rejected", Response{Error: errMethodNotAllowed})
	}

	secret := w.secrets.Secret()
	if len(secret) == 0 && !w.cfg.AllowUnsigned {
		logger.Error().Msg("webhook secret is not configured, rejecting request")
		return w.respond(c, fiber.StatusInternalServerError, "misconfigured", Response{Error: errNotConfigured})
	}

	body, err := rawbody.FromFiber(c, w.cfg.MaxBodySize)
	if errors.Is(err, rawbody.ErrTooLarge) {
		return w.respond(c, fiber.StatusRequestEntityTooLarge, "rejected", Response{Error: errTooLarge})
	}
	if err != nil {
		logger.Error().Err(err).Msg("failed to read webhook body")
		return w.respond(c, fiber.StatusInternalServerError, "error", Response{Error: errInternal})
	}

	if len(secret) > 0 && !signature.Verify(body, c.Get(w.cfg.SignatureHeader), secret) {
		logger.Warn().Str("ip", c.IP()).Int("body_size", len(body)).
			Bool("signature_present", c.Get(w.cfg.SignatureHeader) != "").
			Msg("webhook signature verification failed")
		return w.respond(c, fiber.StatusUnauthorized, "unauthorized", Response{Error: errUnauthorized})
	}

	ev, err := events.Classify(body)
	if err != nil {
		logger.Warn().Err(err).Msg("failed to parse webhook payload")
		return w.respond(c, fiber.StatusBadRequest, "invalid", Response{Error: errInvalidJSON})
	}

	if err := w.sink.Record(c.UserContext(), ev); err != nil {
		logger.Warn().Err(err).Str("kind", ev.Kind.String()).Msg("failed to record webhook event")
	}

	switch ev.Kind {
	case events.KindPing:
		return w.respondOK(c, ev, "pong", Response{Pong: w.now().UnixMilli()})
	case events.KindMessage:
		return w.handleMessage(c, ev)
	default:
		kind := ev.RawKind
		if kind == "" {
			kind = ev.Kind.String()
		}
		return w.respondOK(c, ev, "received", Response{Received: kind})
	}
}

func (w *WebhookController) handleMessage(c *fiber.Ctx, ev events.Event) error {
	if !ev.Routable() {
		return w.skip(c, ev, SkipUnroutable)
	}
	msg := *ev.Message
	// Unknown direction may be the platform echoing our own reply.
	if msg.Direction != events.DirectionIncoming {
		return w.skip(c, ev, SkipOutgoing)
	}
	if msg.TextValue() == "" {
		return w.skip(c, ev, SkipEmpty)
	}
	if msg.MessageID != "" {
		if err := w.seen.Add(msg.ConversationID+"/"+msg.MessageID, struct{}{}, cache.DefaultExpiration); err != nil {
			return w.skip(c, ev, SkipDuplicate)
		}
	}
	if w.condition != nil {
		allow, err := w.condition.Allow(msg)
		if err != nil {
			zerolog.Ctx(c.UserContext()).Error().Err(err).Msg("failed to evaluate reply condition")
		}
		if err != nil || !allow {
			return w.skip(c, ev, SkipCondition)
		}
	}

	ctx := context.WithoutCancel(c.UserContext())
	done := make(chan error, 1)
	go func() {
		done <- w.reply(ctx, msg)
	}()

	timer := time.NewTimer(w.cfg.ReplyDeadline)
	defer timer.Stop()
	var replyErr error
	select {
	case replyErr = <-done:
	case <-timer.C:
		replyErr = errors.New(errReplyDeadline)
	}

	replied := replyErr == nil
	if !replied {
		zerolog.Ctx(ctx).Error().Err(replyErr).Str("conversation_id", msg.ConversationID).Msg("failed to reply to message")
		return w.respondOK(c, ev, "reply_failed", Response{Replied: &replied, Error: replyErr.Error()})
	}
	return w.respondOK(c, ev, "replied", Response{Replied: &replied})
}

func (w *WebhookController) reply(ctx context.Context, msg events.Message) error {
	text, err := w.replies.GenerateReply(ctx, msg)
	if err != nil {
		return fmt.Errorf("failed to generate reply: %w", err)
	}
	if text == "" {
		return errors.New("reply generator returned empty text")
	}
	res, err := w.dispatcher.Send(ctx, msg.ConversationID, text)
	if err != nil {
		return err
	}
	zerolog.Ctx(ctx).Info().Str("conversation_id", msg.ConversationID).Int("attempts", res.Attempts).Msg("reply sent")
	return nil
}

func (w *WebhookController) skip(c *fiber.Ctx, ev events.Event, reason SkipReason) error {
	return w.respondOK(c, ev, "skipped_"+string(reason), Response{Skipped: reason})
}

func (w *WebhookController) respondOK(c *fiber.Ctx, ev events.Event, result string, resp Response) error {
	metrics.WebhookRequests.WithLabelValues(ev.Kind.String(), result).Inc()
	resp.OK = true
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (w *WebhookController) respond(c *fiber.Ctx, status int, result string, resp Response) error {
	metrics.WebhookRequests.WithLabelValues("none", result).Inc()
	return c.Status(status).JSON(resp)
}
