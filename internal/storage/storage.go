package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get when the slot is absent or expired.
	ErrNotFound = errors.New("slot not found")
	// ErrCorrupt is returned by Get when the slot exists but its content
	// cannot be decoded.
	ErrCorrupt = errors.New("slot corrupt")
	// ErrUnavailable wraps failures of a networked backend.
	ErrUnavailable = errors.New("storage unavailable")
)

// DefaultTTL is the expiry horizon of every slot, counted from its last write.
const DefaultTTL = 7 * 24 * time.Hour

// Backend is a durable key/value store of named string slots. Each slot
// expires independently.
type Backend interface {
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	// Delete removes every given key in a single call. Missing keys are not
	// an error.
	Delete(ctx context.Context, keys ...string) error
}
