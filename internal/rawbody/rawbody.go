// Package rawbody captures the exact bytes of an inbound request body before any parsing.
package rawbody

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/gofiber/fiber/v2"
)

// ErrTooLarge is returned when the body exceeds the configured limit.
var ErrTooLarge = errors.New("request body too large")

// Read reads the complete body from r. At most limit bytes are accepted; a non-positive
// limit disables the check.
func Read(r io.Reader, limit int64) ([]byte, error) {
	if r == nil {
		return []byte{}, nil
	}
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if limit > 0 && int64(len(body)) > limit {
		return nil, ErrTooLarge
	}
	return body, nil
}

// FromFiber returns a copy of the request body exactly as it was received.
// c.Body() is not used because it decodes Content-Encoding, which would change the bytes
// the sender signed.
func FromFiber(c *fiber.Ctx, limit int64) ([]byte, error) {
	req := c.Request()
	if req.IsBodyStream() {
		return Read(req.BodyStream(), limit)
	}
	// fasthttp reuses the underlying buffer once the handler returns.
	return Read(bytes.NewReader(req.Body()), limit)
}
