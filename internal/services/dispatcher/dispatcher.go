package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/DIMO-Network/messenger-webhook-gateway/internal/metrics"
	"github.com/DIMO-Network/server-garage/pkg/richerrors"
	"github.com/rs/zerolog"
)

const (
	// DispatchFailureCode is the code attached to errors returned by Send.
	DispatchFailureCode = -1

	// Default timeout for a single send attempt
	defaultSendTimeout = 10 * time.Second
	// Maximum response body size to read for error details
	maxResponseBodySize = 1024
)

var conversationIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:~-]+$`)

// ErrMalformedConversationID is returned when a conversation id cannot be used in the send URL.
var ErrMalformedConversationID = errors.New("malformed conversation id")

// TokenProvider serves bearer tokens for outbound calls.
type TokenProvider interface {
	GetToken(ctx context.Context) (string, error)
	ForceRefresh(ctx context.Context) (string, error)
}

// Result describes the outcome of a Send.
type Result struct {
	Success bool `json:"success"`
	// HTTPStatus is the status of the last attempt, 0 when no response was received.
	HTTPStatus  int    `json:"httpStatus"`
	ErrorDetail string `json:"errorDetail,omitempty"`
	Attempts    int    `json:"attempts"`
}

// Config holds the send endpoint settings.
type Config struct {
	// BaseURL is the platform API root.
	BaseURL string
	// AccountID is the platform user id the messages are sent as.
	AccountID string
}

// Dispatcher sends text messages to a conversation on behalf of the account.
type Dispatcher struct {
	client    *http.Client
	tokens    TokenProvider
	baseURL   string
	accountID string
	logger    zerolog.Logger
}

// New creates a new Dispatcher. A nil client gets a client with the default timeout.
func New(cfg Config, tokens TokenProvider, client *http.Client, logger zerolog.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{
			Timeout: defaultSendTimeout,
		}
	}
	return &Dispatcher{
		client:    client,
		tokens:    tokens,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		accountID: cfg.AccountID,
		logger:    logger,
	}
}

type sendMessageRequest struct {
	Message messageContent `json:"message"`
}

type messageContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Send posts text to the conversation. When the platform rejects the token the credential
// is refreshed once and the send is retried once; nothing else is retried.
func (d *Dispatcher) Send(ctx context.Context, conversationID, text string) (Result, error) {
	// Once started, a dispatch runs to completion or timeout.
	ctx = context.WithoutCancel(ctx)

	if !conversationIDPattern.MatchString(conversationID) {
		return d.fail(Result{}, fmt.Errorf("%w: %q", ErrMalformedConversationID, conversationID))
	}
	body, err := json.Marshal(sendMessageRequest{Message: messageContent{Type: "text", Text: text}})
	if err != nil {
		return d.fail(Result{}, fmt.Errorf("failed to marshal message: %w", err))
	}
	target := fmt.Sprintf("%s/messenger/v1/accounts/%s/chats/%s/messages",
		d.baseURL, url.PathEscape(d.accountID), url.PathEscape(conversationID))

	token, err := d.tokens.GetToken(ctx)
	if err != nil {
		return d.fail(Result{}, fmt.Errorf("failed to get access token: %w", err))
	}

	res, err := d.attempt(ctx, target, token, body)
	if err != nil || !isAuthFailure(res.HTTPStatus) {
		return d.finish(res, err)
	}

	metrics.DispatchRetries.Inc()
	d.logger.Warn().Int("status", res.HTTPStatus).Str("conversation_id", conversationID).
		Msg("access token rejected, refreshing and retrying once")
	token, err = d.tokens.ForceRefresh(ctx)
	if err != nil {
		return d.fail(res, fmt.Errorf("failed to refresh access token after status %d: %w", res.HTTPStatus, err))
	}

	retry, err := d.attempt(ctx, target, token, body)
	retry.Attempts += res.Attempts
	return d.finish(retry, err)
}

// attempt performs a single POST. Transport errors are returned as errors; any HTTP
// response, successful or not, is returned in the Result.
func (d *Dispatcher) attempt(ctx context.Context, target, token string, body []byte) (Result, error) {
	res := Result{Attempts: 1}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return res, fmt.Errorf("failed to create send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := d.client.Do(req)
	if err != nil {
		metrics.DispatchAttempts.WithLabelValues("transport_error").Inc()
		return res, fmt.Errorf("failed to POST message: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	res.HTTPStatus = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBodySize))
		metrics.DispatchAttempts.WithLabelValues(metrics.OutcomeSuccess).Inc()
		res.Success = true
		return res, nil
	}

	// Read response body for error details (limited size)
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	res.ErrorDetail = fmt.Sprintf("send returned status code %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	metrics.DispatchAttempts.WithLabelValues(statusClass(resp.StatusCode)).Inc()
	return res, nil
}

func (d *Dispatcher) finish(res Result, err error) (Result, error) {
	if err != nil {
		return d.fail(res, err)
	}
	if !res.Success {
		return d.fail(res, errors.New(res.ErrorDetail))
	}
	return res, nil
}

func (d *Dispatcher) fail(res Result, err error) (Result, error) {
	res.Success = false
	res.ErrorDetail = err.Error()
	return res, richerrors.Error{
		Code:        DispatchFailureCode,
		ExternalMsg: res.ErrorDetail,
		Err:         err,
	}
}

func isAuthFailure(status int) bool {
	return status == http.StatusUnauthorized || status == http.StatusForbidden
}

func statusClass(status int) string {
	switch {
	case isAuthFailure(status):
		return "unauthorized"
	case status >= 500:
		return "server_error"
	default:
		return "client_error"
	}
}
