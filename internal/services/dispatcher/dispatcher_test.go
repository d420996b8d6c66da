//go:generate go tool mockgen -source=dispatcher.go -destination=dispatcher_mock_test.go -package=dispatcher
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DIMO-Network/server-garage/pkg/richerrors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

// sendServer answers each send attempt with the next status in statuses.
type sendServer struct {
	*httptest.Server
	attempts atomic.Int32
	tokens   chan string
}

func newSendServer(t *testing.T, statuses ...int) *sendServer {
	t.Helper()
	s := &sendServer{tokens: make(chan string, 8)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(s.attempts.Add(1))
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/messenger/v1/accounts/94235311/chats/u2i-abc~1/messages", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		s.tokens <- r.Header.Get("Authorization")

		var body map[string]map[string]string
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "text", body["message"]["type"])
		assert.Equal(t, "Добрый день!", body["message"]["text"])

		status := http.StatusOK
		if n <= len(statuses) {
			status = statuses[n-1]
		}
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"attempt":%d}`, n)
	}))
	t.Cleanup(s.Close)
	return s
}

func newDispatcher(t *testing.T, baseURL string, client *http.Client) (*Dispatcher, *MockTokenProvider) {
	t.Helper()
	ctrl := gomock.NewController(t)
	tokens := NewMockTokenProvider(ctrl)
	d := New(Config{BaseURL: baseURL, AccountID: "94235311"}, tokens, client, zerolog.Nop())
	return d, tokens
}

func TestDispatcher_Send(t *testing.T) {
	t.Parallel()

	t.Run("successful send", func(t *testing.T) {
		srv := newSendServer(t, http.StatusOK)
		d, tokens := newDispatcher(t, srv.URL+"/", nil)
		tokens.EXPECT().GetToken(gomock.Any()).Return("token-1", nil).Times(1)

		res, err := d.Send(context.Background(), "u2i-abc~1", "Добрый день!")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, http.StatusOK, res.HTTPStatus)
		assert.Equal(t, 1, res.Attempts)
		assert.Empty(t, res.ErrorDetail)
		assert.Equal(t, "Bearer token-1", <-srv.tokens)
	})

	t.Run("unauthorized refreshes once and retries once", func(t *testing.T) {
		srv := newSendServer(t, http.StatusUnauthorized, http.StatusOK)
		d, tokens := newDispatcher(t, srv.URL, nil)
		gomock.InOrder(
			tokens.EXPECT().GetToken(gomock.Any()).Return("stale", nil).Times(1),
			tokens.EXPECT().ForceRefresh(gomock.Any()).Return("fresh", nil).Times(1),
		)

		res, err := d.Send(context.Background(), "u2i-abc~1", "Добрый день!")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 2, res.Attempts)
		assert.Equal(t, int32(2), srv.attempts.Load())
		assert.Equal(t, "Bearer stale", <-srv.tokens)
		assert.Equal(t, "Bearer fresh", <-srv.tokens)
	})

	t.Run("forbidden is treated as an authorization failure", func(t *testing.T) {
		srv := newSendServer(t, http.StatusForbidden, http.StatusOK)
		d, tokens := newDispatcher(t, srv.URL, nil)
		tokens.EXPECT().GetToken(gomock.Any()).Return("stale", nil).Times(1)
		tokens.EXPECT().ForceRefresh(gomock.Any()).Return("fresh", nil).Times(1)

		res, err := d.Send(context.Background(), "u2i-abc~1", "Добрый день!")
		require.NoError(t, err)
		assert.Equal(t, 2, res.Attempts)
	})

	t.Run("second authorization failure is terminal", func(t *testing.T) {
		srv := newSendServer(t, http.StatusUnauthorized, http.StatusUnauthorized, http.StatusOK)
		d, tokens := newDispatcher(t, srv.URL, nil)
		tokens.EXPECT().GetToken(gomock.Any()).Return("stale", nil).Times(1)
		tokens.EXPECT().ForceRefresh(gomock.Any()).Return("still-bad", nil).Times(1)

		res, err := d.Send(context.Background(), "u2i-abc~1", "Добрый день!")
		require.Error(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, http.StatusUnauthorized, res.HTTPStatus)
		assert.Equal(t, 2, res.Attempts)
		assert.Equal(t, int32(2), srv.attempts.Load())
		assert.Contains(t, res.ErrorDetail, "401")

		richErr, ok := richerrors.AsRichError(err)
		require.True(t, ok)
		assert.Equal(t, DispatchFailureCode, richErr.Code)
	})

	t.Run("refresh failure stops after one attempt", func(t *testing.T) {
		srv := newSendServer(t, http.StatusUnauthorized)
		d, tokens := newDispatcher(t, srv.URL, nil)
		refreshErr := errors.New("invalid_grant")
		tokens.EXPECT().GetToken(gomock.Any()).Return("stale", nil).Times(1)
		tokens.EXPECT().ForceRefresh(gomock.Any()).Return("", refreshErr).Times(1)

		res, err := d.Send(context.Background(), "u2i-abc~1", "Добрый день!")
		require.Error(t, err)
		assert.Equal(t, 1, res.Attempts)
		assert.Equal(t, int32(1), srv.attempts.Load())
		assert.Contains(t, res.ErrorDetail, "invalid_grant")

		richErr, ok := richerrors.AsRichError(err)
		require.True(t, ok)
		assert.ErrorIs(t, richErr.Err, refreshErr)
	})

	t.Run("server error is not retried", func(t *testing.T) {
		srv := newSendServer(t, http.StatusInternalServerError)
		d, tokens := newDispatcher(t, srv.URL, nil)
		tokens.EXPECT().GetToken(gomock.Any()).Return("token", nil).Times(1)

		res, err := d.Send(context.Background(), "u2i-abc~1", "Добрый день!")
		require.Error(t, err)
		assert.Equal(t, http.StatusInternalServerError, res.HTTPStatus)
		assert.Equal(t, 1, res.Attempts)
		assert.Contains(t, res.ErrorDetail, `{"attempt":1}`)
		assert.Equal(t, int32(1), srv.attempts.Load())
	})

	t.Run("client error is not retried", func(t *testing.T) {
		srv := newSendServer(t, http.StatusBadRequest)
		d, tokens := newDispatcher(t, srv.URL, nil)
		tokens.EXPECT().GetToken(gomock.Any()).Return("token", nil).Times(1)

		res, err := d.Send(context.Background(), "u2i-abc~1", "Добрый день!")
		require.Error(t, err)
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("malformed conversation id never calls upstream", func(t *testing.T) {
		srv := newSendServer(t)
		d, _ := newDispatcher(t, srv.URL, nil)

		for _, id := range []string{"", "../admin", "chat id", "chat/1", "чат"} {
			res, err := d.Send(context.Background(), id, "Добрый день!")
			require.Error(t, err, id)
			assert.Equal(t, 0, res.Attempts)
			richErr, ok := richerrors.AsRichError(err)
			require.True(t, ok)
			assert.ErrorIs(t, richErr.Err, ErrMalformedConversationID)
		}
		assert.Equal(t, int32(0), srv.attempts.Load())
	})

	t.Run("token acquisition failure", func(t *testing.T) {
		srv := newSendServer(t)
		d, tokens := newDispatcher(t, srv.URL, nil)
		tokens.EXPECT().GetToken(gomock.Any()).Return("", errors.New("no credentials")).Times(1)

		res, err := d.Send(context.Background(), "u2i-abc~1", "Добрый день!")
		require.Error(t, err)
		assert.Equal(t, 0, res.Attempts)
		assert.Equal(t, int32(0), srv.attempts.Load())
	})

	t.Run("network failure", func(t *testing.T) {
		d, tokens := newDispatcher(t, "http://invalid.localhost:0", nil)
		tokens.EXPECT().GetToken(gomock.Any()).Return("token", nil).Times(1)

		res, err := d.Send(context.Background(), "u2i-abc~1", "Добрый день!")
		require.Error(t, err)
		assert.Equal(t, 0, res.HTTPStatus)
		assert.Equal(t, 1, res.Attempts)
	})

	t.Run("request timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer srv.Close()
		d, tokens := newDispatcher(t, srv.URL, &http.Client{Timeout: 10 * time.Millisecond})
		tokens.EXPECT().GetToken(gomock.Any()).Return("token", nil).Times(1)

		res, err := d.Send(context.Background(), "u2i-abc~1", "Добрый день!")
		require.Error(t, err)
		assert.False(t, res.Success)
	})

	t.Run("inbound cancellation does not abort the send", func(t *testing.T) {
		srv := newSendServer(t, http.StatusOK)
		d, tokens := newDispatcher(t, srv.URL, nil)
		tokens.EXPECT().GetToken(gomock.Any()).Return("token", nil).Times(1)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		res, err := d.Send(ctx, "u2i-abc~1", "Добрый день!")
		require.NoError(t, err)
		assert.True(t, res.Success)
	})
}
