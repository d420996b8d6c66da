package app

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// mockPlatform fakes the token and messenger endpoints and records every call.
type mockPlatform struct {
	server *httptest.Server

	mu            sync.RWMutex
	tokenRequests []map[string]string
	sends         []platformSend
	// validToken is the only bearer the send endpoint accepts.
	validToken string
}

type platformSend struct {
	Path          string
	Authorization string
	Text          string
}

func newMockPlatform(t *testing.T) *mockPlatform {
	t.Helper()
	p := &mockPlatform{validToken: "fresh-token"}
	p.server = httptest.NewServer(http.HandlerFunc(p.handle))
	t.Cleanup(p.server.Close)
	return p
}

func (p *mockPlatform) URL() string {
	return p.server.URL
}

func (p *mockPlatform) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/token":
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		form := make(map[string]string)
		for key := range r.PostForm {
			form[key] = r.PostForm.Get(key)
		}
		p.mu.Lock()
		p.tokenRequests = append(p.tokenRequests, form)
		token := p.validToken
		p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  token,
			"refresh_token": "rotated-refresh",
			"expires_in":    86400,
		})
	case strings.HasPrefix(r.URL.Path, "/messenger/v1/accounts/"):
		body, _ := io.ReadAll(r.Body)
		var req struct {
			Message struct {
				Text string `json:"text"`
			} `json:"message"`
		}
		_ = json.Unmarshal(body, &req)
		p.mu.Lock()
		p.sends = append(p.sends, platformSend{
			Path:          r.URL.Path,
			Authorization: r.Header.Get("Authorization"),
			Text:          req.Message.Text,
		})
		valid := r.Header.Get("Authorization") == "Bearer "+p.validToken
		p.mu.Unlock()
		if !valid {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"code":401,"message":"unauthorized"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"sent-1","type":"text"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (p *mockPlatform) TokenRequests() []map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]map[string]string(nil), p.tokenRequests...)
}

func (p *mockPlatform) Sends() []platformSend {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]platformSend(nil), p.sends...)
}
