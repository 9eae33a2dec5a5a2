// Package content provides access to the off-chain content-addressed
// storage holding encrypted envelopes. The core never interprets payloads
// here; it fetches bytes by content id and hands them to the envelope
// package.
package content

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a content id does not resolve.
var ErrNotFound = errors.New("content not found")

// Store is content-addressed storage: payloads are immutable once uploaded
// and always resolve to the same bytes for a given id.
type Store interface {
	// Upload stores a payload and returns its content id.
	Upload(ctx context.Context, data []byte) (string, error)

	// Fetch resolves a content id to its payload. Returns ErrNotFound for
	// unknown ids.
	Fetch(ctx context.Context, cid string) ([]byte, error)
}
