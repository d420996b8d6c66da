// Package avitoauth exchanges Avito OAuth credentials for access tokens.
package avitoauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	defaultTimeout = 10 * time.Second
	// Upper bound on a token response we are willing to buffer.
	maxTokenResponseSize = 64 << 10
	// Maximum response body size kept in errors.
	maxErrorBodySize = 1024
)

// Grant is the result of a successful token exchange.
type Grant struct {
	AccessToken string
	// RefreshToken is the refresh token to use next time. When the server did not rotate
	// it, this is the refresh token that was sent.
	RefreshToken string
	// Expiry is zero when the server did not report a lifetime.
	Expiry time.Time
}

// TokenRefreshError is returned when the token endpoint rejects an exchange or cannot be reached.
type TokenRefreshError struct {
	// StatusCode is the upstream HTTP status, 0 when no response was received.
	StatusCode int
	// Body is the (truncated) upstream response body.
	Body string
	// RotatedRefreshToken is a refresh token the server issued in a response that was
	// otherwise unusable. It must still replace the stored one.
	RotatedRefreshToken string
	Err                 error
}

func (e *TokenRefreshError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("token refresh failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *TokenRefreshError) Unwrap() error {
	return e.Err
}

// Config holds the token endpoint settings.
type Config struct {
	// BaseURL is the platform API root, the token endpoint is BaseURL + "/token".
	BaseURL      string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Client talks to the platform token endpoint.
type Client struct {
	clientID     string
	clientSecret string
	tokenURL     string
	transport    http.RoundTripper
	timeout      time.Duration
}

// New creates a new token endpoint client. A nil transport uses http.DefaultTransport.
func New(cfg Config, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		tokenURL:     strings.TrimRight(cfg.BaseURL, "/") + "/token",
		transport:    transport,
		timeout:      timeout,
	}
}

// Exchange obtains a new access token. A non-empty refreshToken is exchanged with the
// refresh_token grant, otherwise the client_credentials grant is used.
func (c *Client) Exchange(ctx context.Context, refreshToken string) (*Grant, error) {
	recorder := &rotationRecorder{base: c.transport}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &http.Client{
		Transport: recorder,
		Timeout:   c.timeout,
	})

	var (
		tok *oauth2.Token
		err error
	)
	endpoint := oauth2.Endpoint{TokenURL: c.tokenURL, AuthStyle: oauth2.AuthStyleInParams}
	if refreshToken != "" {
		conf := &oauth2.Config{
			ClientID:     c.clientID,
			ClientSecret: c.clientSecret,
			Endpoint:     endpoint,
		}
		tok, err = conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	} else {
		conf := &clientcredentials.Config{
			ClientID:     c.clientID,
			ClientSecret: c.clientSecret,
			TokenURL:     endpoint.TokenURL,
			AuthStyle:    endpoint.AuthStyle,
		}
		tok, err = conf.Token(ctx)
	}
	if err != nil {
		return nil, newRefreshError(err, recorder)
	}

	grant := &Grant{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	if grant.RefreshToken == "" {
		grant.RefreshToken = refreshToken
	}
	return grant, nil
}

func newRefreshError(err error, recorder *rotationRecorder) *TokenRefreshError {
	refreshErr := &TokenRefreshError{
		StatusCode:          recorder.statusCode,
		Body:                truncate(recorder.body),
		RotatedRefreshToken: recorder.refreshToken,
		Err:                 err,
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		if retrieveErr.Response != nil {
			refreshErr.StatusCode = retrieveErr.Response.StatusCode
		}
		if len(retrieveErr.Body) > 0 {
			refreshErr.Body = truncate(retrieveErr.Body)
		}
	}
	return refreshErr
}

func truncate(b []byte) string {
	if len(b) > maxErrorBodySize {
		b = b[:maxErrorBodySize]
	}
	return string(b)
}

// rotationRecorder remembers the token response so a refresh token issued alongside an
// unusable response is not lost.
type rotationRecorder struct {
	base         http.RoundTripper
	statusCode   int
	body         []byte
	refreshToken string
}

func (r *rotationRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := r.base.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	_ = resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read token response: %w", err)
	}

	r.statusCode = resp.StatusCode
	r.body = body
	var peek struct {
		RefreshToken string `json:"refresh_token"`
	}
	if json.Unmarshal(body, &peek) == nil && peek.RefreshToken != "" {
		r.refreshToken = peek.RefreshToken
	}

	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}
