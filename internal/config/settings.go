package config

import (
	"errors"
	"fmt"
	"time"
)

const (
	defaultPort            = 8080
	defaultMonPort         = 8888
	defaultServiceName     = "messenger-webhook-gateway"
	defaultWebhookPath     = "/webhook"
	defaultSignatureHeader = "X-Avito-Signature"
	defaultMaxBodySize     = 1 << 20
	defaultAvitoAPIURL     = "https://api.avito.ru"
	defaultTokenTimeout    = 10 * time.Second
	defaultSendTimeout     = 10 * time.Second
	defaultReplyTimeout    = 15 * time.Second
	defaultReplyDeadline   = 20 * time.Second
	defaultDedupeTTL       = 10 * time.Minute
	defaultOpenAIModel     = "gpt-4o-mini"
	defaultEventsTopic     = "topic.messenger.webhook.events"
	defaultReplyText       = "Спасибо за сообщение! Мы скоро ответим."
)

// ErrMissingWebhookSecret is reported when no shared secret is configured and unsigned
// webhooks were not explicitly allowed.
var ErrMissingWebhookSecret = errors.New("WEBHOOK_SECRET is not configured")

// Settings contains the application config
type Settings struct {
	Port        int    `env:"PORT"`
	MonPort     int    `env:"MON_PORT"`
	EnablePprof bool   `env:"ENABLE_PPROF"`
	LogLevel    string `env:"LOG_LEVEL"`
	ServiceName string `env:"SERVICE_NAME"`

	WebhookPath           string `env:"WEBHOOK_PATH"`
	WebhookSecret         string `env:"WEBHOOK_SECRET"`
	SignatureHeader       string `env:"SIGNATURE_HEADER"`
	AllowUnsignedWebhooks bool   `env:"ALLOW_UNSIGNED_WEBHOOKS"`
	MaxBodySize           int    `env:"MAX_BODY_SIZE"`

	AvitoAPIURL         string `env:"AVITO_API_URL"`
	AvitoClientID       string `env:"AVITO_CLIENT_ID"`
	AvitoClientSecret   string `env:"AVITO_CLIENT_SECRET"`
	AvitoUserID         string `env:"AVITO_USER_ID"`
	AvitoAccessToken    string `env:"AVITO_ACCESS_TOKEN"`
	AvitoRefreshToken   string `env:"AVITO_REFRESH_TOKEN"`
	AvitoTokenExpiresAt string `env:"AVITO_TOKEN_EXPIRES_AT"`

	TokenTimeout  time.Duration `env:"TOKEN_TIMEOUT"`
	SendTimeout   time.Duration `env:"SEND_TIMEOUT"`
	ReplyTimeout  time.Duration `env:"REPLY_TIMEOUT"`
	ReplyDeadline time.Duration `env:"REPLY_DEADLINE"`

	ReplyText         string `env:"REPLY_TEXT"`
	ReplyCondition    string `env:"REPLY_CONDITION"`
	ReplySystemPrompt string `env:"REPLY_SYSTEM_PROMPT"`
	OpenAIAPIKey      string `env:"OPENAI_API_KEY"`
	OpenAIModel       string `env:"OPENAI_MODEL"`
	OpenAIBaseURL     string `env:"OPENAI_BASE_URL"`

	DedupeTTL time.Duration `env:"DEDUPE_TTL"`

	KafkaBrokers string `env:"KAFKA_BROKERS"`
	EventsTopic  string `env:"EVENTS_TOPIC"`
}

// SetDefaults fills every unset optional field with its default value.
func (s *Settings) SetDefaults() {
	if s.Port == 0 {
		s.Port = defaultPort
	}
	if s.MonPort == 0 {
		s.MonPort = defaultMonPort
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.ServiceName == "" {
		s.ServiceName = defaultServiceName
	}
	if s.WebhookPath == "" {
		s.WebhookPath = defaultWebhookPath
	}
	if s.SignatureHeader == "" {
		s.SignatureHeader = defaultSignatureHeader
	}
	if s.MaxBodySize <= 0 {
		s.MaxBodySize = defaultMaxBodySize
	}
	if s.AvitoAPIURL == "" {
		s.AvitoAPIURL = defaultAvitoAPIURL
	}
	if s.TokenTimeout <= 0 {
		s.TokenTimeout = defaultTokenTimeout
	}
	if s.SendTimeout <= 0 {
		s.SendTimeout = defaultSendTimeout
	}
	if s.ReplyTimeout <= 0 {
		s.ReplyTimeout = defaultReplyTimeout
	}
	if s.ReplyDeadline <= 0 {
		s.ReplyDeadline = defaultReplyDeadline
	}
	if s.ReplyText == "" {
		s.ReplyText = defaultReplyText
	}
	if s.OpenAIModel == "" {
		s.OpenAIModel = defaultOpenAIModel
	}
	if s.DedupeTTL <= 0 {
		s.DedupeTTL = defaultDedupeTTL
	}
	if s.EventsTopic == "" {
		s.EventsTopic = defaultEventsTopic
	}
}

// TokenExpiresAt parses AVITO_TOKEN_EXPIRES_AT (RFC3339). A blank value yields the zero time.
func (s *Settings) TokenExpiresAt() (time.Time, error) {
	if s.AvitoTokenExpiresAt == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s.AvitoTokenExpiresAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid AVITO_TOKEN_EXPIRES_AT %q: %w", s.AvitoTokenExpiresAt, err)
	}
	return t, nil
}

// Validate reports configuration errors. A missing webhook secret is returned as
// ErrMissingWebhookSecret so callers can keep serving and answer 500 per request.
func (s *Settings) Validate() error {
	var errs []error
	if s.WebhookSecret == "" && !s.AllowUnsignedWebhooks {
		errs = append(errs, ErrMissingWebhookSecret)
	}
	if s.AvitoClientID == "" || s.AvitoClientSecret == "" {
		if s.AvitoRefreshToken == "" && s.AvitoAccessToken == "" {
			errs = append(errs, errors.New("AVITO_CLIENT_ID and AVITO_CLIENT_SECRET are required to obtain tokens"))
		}
	}
	if s.AvitoUserID == "" {
		errs = append(errs, errors.New("AVITO_USER_ID is required to send messages"))
	}
	if _, err := s.TokenExpiresAt(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
