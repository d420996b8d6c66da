// Package signature verifies HMAC-SHA256 webhook signatures computed over the raw body.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync/atomic"
)

// SecretSource supplies the shared webhook secret current at request time.
type SecretSource interface {
	Secret() []byte
}

// Verify reports whether providedSignatureHex is the hex HMAC-SHA256 of rawBody under secret.
// An empty secret never verifies. Comparison runs in constant time.
func Verify(rawBody []byte, providedSignatureHex string, secret []byte) bool {
	if len(secret) == 0 {
		return false
	}
	provided := strings.TrimSpace(providedSignatureHex)
	if provided == "" {
		return false
	}
	providedMAC, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	expectedMAC := mac.Sum(nil)
	if len(providedMAC) != len(expectedMAC) {
		return false
	}
	return hmac.Equal(expectedMAC, providedMAC)
}

// Compute returns the lowercase hex HMAC-SHA256 of rawBody under secret.
func Compute(rawBody []byte, secret []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// Holder is a SecretSource whose value can be replaced while requests are served.
type Holder struct {
	secret atomic.Pointer[[]byte]
}

// NewHolder creates a Holder with the given initial secret.
func NewHolder(secret string) *Holder {
	h := &Holder{}
	h.Set(secret)
	return h
}

// Set replaces the secret.
func (h *Holder) Set(secret string) {
	b := []byte(secret)
	h.secret.Store(&b)
}

// Secret returns the current secret, or nil when unset.
func (h *Holder) Secret() []byte {
	p := h.secret.Load()
	if p == nil {
		return nil
	}
	return *p
}

// Configured reports whether a non-empty secret is set.
func (h *Holder) Configured() bool {
	return len(h.Secret()) > 0
}
