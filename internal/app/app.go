package app

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/DIMO-Network/messenger-webhook-gateway/internal/celcondition"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/clients/avitoauth"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/config"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/controllers/webhook"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/kafka"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/services/dispatcher"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/services/eventsink"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/services/replygen"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/services/tokenmanager"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/signature"
	"github.com/DIMO-Network/server-garage/pkg/fibercommon"
	"github.com/IBM/sarama"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// Diagnostics reports which collaborators are configured, never their values.
type Diagnostics struct {
	WebhookSecretConfigured     bool          `json:"webhookSecretConfigured"`
	UnsignedWebhooksAllowed     bool          `json:"unsignedWebhooksAllowed"`
	ClientCredentialsConfigured bool          `json:"clientCredentialsConfigured"`
	AccountIDConfigured         bool          `json:"accountIdConfigured"`
	ReplyGenerator              string        `json:"replyGenerator"`
	ReplyConditionConfigured    bool          `json:"replyConditionConfigured"`
	EventPublisherConfigured    bool          `json:"eventPublisherConfigured"`
	Token                       TokenDiagnose `json:"token"`
}

// TokenDiagnose is the token manager state without token values.
type TokenDiagnose struct {
	Status          string     `json:"status"`
	HasAccessToken  bool       `json:"hasAccessToken"`
	HasRefreshToken bool       `json:"hasRefreshToken"`
	ExpiresAt       *time.Time `json:"expiresAt,omitempty"`
	LastRefresh     *time.Time `json:"lastRefresh,omitempty"`
}

// Gateway holds the wired components served by the web app.
type Gateway struct {
	Settings   *config.Settings
	Secrets    *signature.Holder
	Tokens     *tokenmanager.Manager
	Controller *webhook.WebhookController
	// ReplyGenerator names the configured generator.
	ReplyGenerator string
	Publisher      bool
}

// Diagnose returns the current diagnostics.
func (g *Gateway) Diagnose() Diagnostics {
	snap := g.Tokens.Snapshot()
	token := TokenDiagnose{
		Status:          snap.Status.String(),
		HasAccessToken:  snap.HasAccessToken,
		HasRefreshToken: snap.HasRefreshToken,
	}
	if !snap.ExpiresAt.IsZero() {
		token.ExpiresAt = &snap.ExpiresAt
	}
	if !snap.LastRefresh.IsZero() {
		token.LastRefresh = &snap.LastRefresh
	}
	return Diagnostics{
		WebhookSecretConfigured:     g.Secrets.Configured(),
		UnsignedWebhooksAllowed:     g.Settings.AllowUnsignedWebhooks,
		ClientCredentialsConfigured: g.Settings.AvitoClientID != "" && g.Settings.AvitoClientSecret != "",
		AccountIDConfigured:         g.Settings.AvitoUserID != "",
		ReplyGenerator:              g.ReplyGenerator,
		ReplyConditionConfigured:    strings.TrimSpace(g.Settings.ReplyCondition) != "",
		EventPublisherConfigured:    g.Publisher,
		Token:                       token,
	}
}

func CreateServers(ctx context.Context, settings *config.Settings, logger zerolog.Logger) (*fiber.App, error) {
	gateway, err := NewGateway(ctx, settings, logger)
	if err != nil {
		return nil, err
	}
	return CreateFiberApp(logger, gateway), nil
}

// NewGateway wires the webhook pipeline from settings.
func NewGateway(ctx context.Context, settings *config.Settings, logger zerolog.Logger) (*Gateway, error) {
	expiresAt, err := settings.TokenExpiresAt()
	if err != nil {
		return nil, err
	}

	auth := avitoauth.New(avitoauth.Config{
		BaseURL:      settings.AvitoAPIURL,
		ClientID:     settings.AvitoClientID,
		ClientSecret: settings.AvitoClientSecret,
		Timeout:      settings.TokenTimeout,
	}, nil)
	tokens := tokenmanager.New(auth, tokenmanager.State{
		AccessToken:  settings.AvitoAccessToken,
		RefreshToken: settings.AvitoRefreshToken,
		ExpiresAt:    expiresAt,
	},
		tokenmanager.WithRefreshTimeout(settings.TokenTimeout),
		tokenmanager.WithLogger(logger.With().Str("component", "tokenmanager").Logger()),
	)

	sender := dispatcher.New(dispatcher.Config{
		BaseURL:   settings.AvitoAPIURL,
		AccountID: settings.AvitoUserID,
	}, tokens, &http.Client{Timeout: settings.SendTimeout}, logger.With().Str("component", "dispatcher").Logger())

	var replies webhook.ReplyGenerator = replygen.NewStatic(settings.ReplyText)
	generator := "static"
	if settings.OpenAIAPIKey != "" {
		replies = replygen.NewOpenAI(replygen.OpenAIConfig{
			APIKey:       settings.OpenAIAPIKey,
			Model:        settings.OpenAIModel,
			BaseURL:      settings.OpenAIBaseURL,
			SystemPrompt: settings.ReplySystemPrompt,
			Timeout:      settings.ReplyTimeout,
		})
		generator = "openai"
	}

	condition, err := celcondition.New(settings.ReplyCondition)
	if err != nil {
		return nil, fmt.Errorf("invalid REPLY_CONDITION: %w", err)
	}

	sink := eventsink.Multi{eventsink.NewLogger(logger.With().Str("component", "eventsink").Logger())}
	publishing := false
	if settings.KafkaBrokers != "" {
		publisher, err := startEventPublisher(ctx, logger, settings)
		if err != nil {
			return nil, err
		}
		sink = append(sink, publisher)
		publishing = true
	}

	secrets := signature.NewHolder(settings.WebhookSecret)
	controller := webhook.NewWebhookController(webhook.Config{
		SignatureHeader: settings.SignatureHeader,
		MaxBodySize:     int64(settings.MaxBodySize),
		AllowUnsigned:   settings.AllowUnsignedWebhooks,
		ReplyDeadline:   settings.ReplyDeadline,
		DedupeTTL:       settings.DedupeTTL,
	}, secrets, sender, replies, sink, condition)

	return &Gateway{
		Settings:       settings,
		Secrets:        secrets,
		Tokens:         tokens,
		Controller:     controller,
		ReplyGenerator: generator,
		Publisher:      publishing,
	}, nil
}

// CreateFiberApp sets up the routes.
func CreateFiberApp(logger zerolog.Logger, gateway *Gateway) *fiber.App {
	logger.Info().Msg("Starting messenger webhook gateway...")

	bodyLimit := gateway.Settings.MaxBodySize
	if bodyLimit <= 0 {
		bodyLimit = fiber.DefaultBodyLimit
	}
	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			return fibercommon.ErrorHandler(c, err)
		},
		DisableStartupMessage: true,
		BodyLimit:             bodyLimit,
		ReadTimeout:           30 * time.Second,
		WriteTimeout:          gateway.Settings.ReplyDeadline + 10*time.Second,
	})
	app.Use(fibercommon.ContextLoggerMiddleware)

	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"data": "Server is up and running",
		})
	})
	app.Get("/diag", func(c *fiber.Ctx) error {
		return c.JSON(gateway.Diagnose())
	})

	logger.Info().Str("path", gateway.Settings.WebhookPath).Msg("Registering webhook route...")
	app.All(gateway.Settings.WebhookPath, gateway.Controller.HandleWebhook)

	return app
}

// startEventPublisher connects the Kafka publisher and closes it when ctx ends.
func startEventPublisher(ctx context.Context, logger zerolog.Logger, settings *config.Settings) (*eventsink.Publisher, error) {
	clusterConfig := sarama.NewConfig()
	clusterConfig.Version = sarama.V2_8_1_0
	clusterConfig.ClientID = settings.ServiceName

	publisher, err := kafka.NewPublisher(&kafka.Config{
		ClusterConfig:   clusterConfig,
		BrokerAddresses: strings.Split(settings.KafkaBrokers, ","),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start event publisher: %w", err)
	}
	go func() {
		<-ctx.Done()
		if err := publisher.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close event publisher")
		}
	}()

	logger.Info().Msgf("Event publisher started on topic: %s", settings.EventsTopic)
	return eventsink.NewPublisher(publisher, settings.EventsTopic, settings.ServiceName), nil
}
