package tokenmanager

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/DIMO-Network/messenger-webhook-gateway/internal/clients/avitoauth"
	"github.com/DIMO-Network/messenger-webhook-gateway/internal/metrics"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	defaultRefreshTimeout = 10 * time.Second
	// Tokens this close to expiry are treated as expired.
	expirySkew = 30 * time.Second
	refreshKey = "refresh"
)

// Exchanger obtains a new token from the upstream token endpoint.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*avitoauth.Grant, error)
}

// Status is the lifecycle state of the cached credential.
type Status int

const (
	StatusUninitialized Status = iota
	StatusValid
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "uninitialized"
	}
}

// State is the access/refresh token pair owned by the Manager.
type State struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is zero when the lifetime is unknown.
	ExpiresAt time.Time
}

// Snapshot describes the manager without exposing token values.
type Snapshot struct {
	Status          Status
	HasAccessToken  bool
	HasRefreshToken bool
	ExpiresAt       time.Time
	LastRefresh     time.Time
}

// Manager serves access tokens and refreshes them, with at most one refresh in flight.
type Manager struct {
	exchanger      Exchanger
	refreshTimeout time.Duration
	logger         zerolog.Logger
	now            func() time.Time

	group singleflight.Group

	mu          sync.RWMutex
	state       State
	status      Status
	lastRefresh time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithRefreshTimeout bounds every upstream refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.refreshTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// New creates a Manager seeded with the configured credentials.
func New(exchanger Exchanger, initial State, opts ...Option) *Manager {
	m := &Manager{
		exchanger:      exchanger,
		refreshTimeout: defaultRefreshTimeout,
		logger:         zerolog.Nop(),
		now:            time.Now,
		state:          initial,
		status:         StatusUninitialized,
	}
	for _, opt := range opts {
		opt(m)
	}
	if initial.AccessToken != "" {
		m.status = StatusValid
	}
	return m
}

// GetToken returns the cached access token, refreshing first when it is missing or expired.
func (m *Manager) GetToken(ctx context.Context) (string, error) {
	m.mu.RLock()
	token, usable := m.usableLocked()
	m.mu.RUnlock()
	if usable {
		return token, nil
	}
	return m.refresh(ctx, false)
}

// ForceRefresh exchanges the stored credentials for a new access token. Callers arriving
// while a refresh is in flight share its result.
func (m *Manager) ForceRefresh(ctx context.Context) (string, error) {
	return m.refresh(ctx, true)
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Snapshot returns a copy of the manager state without token values.
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{
		Status:          m.status,
		HasAccessToken:  m.state.AccessToken != "",
		HasRefreshToken: m.state.RefreshToken != "",
		ExpiresAt:       m.state.ExpiresAt,
		LastRefresh:     m.lastRefresh,
	}
}

func (m *Manager) usableLocked() (string, bool) {
	if m.state.AccessToken == "" {
		return "", false
	}
	if !m.state.ExpiresAt.IsZero() && !m.now().Add(expirySkew).Before(m.state.ExpiresAt) {
		return "", false
	}
	return m.state.AccessToken, true
}

func (m *Manager) refresh(ctx context.Context, forced bool) (string, error) {
	// The shared refresh must not be cancelled by whichever caller happened to start it.
	ctx = context.WithoutCancel(ctx)
	v, err, shared := m.group.Do(refreshKey, func() (any, error) {
		if !forced {
			// A refresh that finished while this caller was queued already produced a token.
			m.mu.RLock()
			token, usable := m.usableLocked()
			m.mu.RUnlock()
			if usable {
				return token, nil
			}
		}
		return m.doRefresh(ctx)
	})
	if shared {
		m.logger.Debug().Msg("joined in-flight token refresh")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.refreshTimeout)
	defer cancel()

	m.mu.RLock()
	refreshToken := m.state.RefreshToken
	m.mu.RUnlock()

	grant, err := m.exchanger.Exchange(ctx, refreshToken)
	if err == nil && (grant == nil || grant.AccessToken == "") {
		err = &avitoauth.TokenRefreshError{Err: errors.New("token endpoint returned no access token")}
	}
	if err != nil {
		var refreshErr *avitoauth.TokenRefreshError
		if !errors.As(err, &refreshErr) {
			err = &avitoauth.TokenRefreshError{Err: err}
		}
		m.recordFailure(err)
		return "", err
	}

	m.mu.Lock()
	m.state.AccessToken = grant.AccessToken
	if grant.RefreshToken != "" {
		m.state.RefreshToken = grant.RefreshToken
	}
	m.state.ExpiresAt = grant.Expiry
	m.status = StatusValid
	m.lastRefresh = m.now()
	m.mu.Unlock()

	metrics.TokenRefreshes.WithLabelValues(metrics.OutcomeSuccess).Inc()
	m.logger.Info().Time("expires_at", grant.Expiry).Msg("access token refreshed")
	return grant.AccessToken, nil
}

// recordFailure keeps the cached pair, applying only a refresh token rotation the upstream
// reported with the failed response.
func (m *Manager) recordFailure(err error) {
	var refreshErr *avitoauth.TokenRefreshError
	rotated := ""
	if errors.As(err, &refreshErr) {
		rotated = refreshErr.RotatedRefreshToken
	}

	m.mu.Lock()
	if rotated != "" {
		m.state.RefreshToken = rotated
	}
	m.status = StatusInvalid
	m.mu.Unlock()

	metrics.TokenRefreshes.WithLabelValues(metrics.OutcomeFailure).Inc()
	event := m.logger.Error().Err(err).Bool("refresh_token_rotated", rotated != "")
	if refreshErr != nil {
		event = event.Int("upstream_status", refreshErr.StatusCode)
	}
	event.Msg("access token refresh failed")
}
