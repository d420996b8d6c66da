package replygen

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/DIMO-Network/messenger-webhook-gateway/internal/events"
	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultReplyTimeout = 15 * time.Second
	defaultMaxTokens    = 512
	defaultSystemPrompt = "You are a polite support assistant for a marketplace seller. " +
		"Answer the buyer briefly in the language of their message."
)

// ErrEmptyCompletion is returned when the model produced no text.
var ErrEmptyCompletion = errors.New("completion returned no text")

// OpenAIConfig configures the chat completion generator.
type OpenAIConfig struct {
	APIKey string
	Model  string
	// BaseURL overrides the API root for compatible providers.
	BaseURL      string
	SystemPrompt string
	Timeout      time.Duration
}

// OpenAI answers messages with a chat completion.
type OpenAI struct {
	client       *openai.Client
	model        string
	systemPrompt string
	timeout      time.Duration
}

// NewOpenAI creates a new OpenAI generator.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	prompt := cfg.SystemPrompt
	if prompt == "" {
		prompt = defaultSystemPrompt
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultReplyTimeout
	}
	return &OpenAI{
		client:       openai.NewClientWithConfig(clientCfg),
		model:        cfg.Model,
		systemPrompt: prompt,
		timeout:      timeout,
	}
}

// GenerateReply asks the model for an answer to msg.
func (o *OpenAI) GenerateReply(ctx context.Context, msg events.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     o.model,
		MaxTokens: defaultMaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: msg.TextValue()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to create chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyCompletion
	}
	return text, nil
}
