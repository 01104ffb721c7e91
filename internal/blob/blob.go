// Package blob stores encrypted attachment binaries, decoupled from the
// metadata rows so envelope scans never read large payloads.
package blob

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("blob not found")

// Store holds ciphertext blobs keyed by attachment ID. Delete is
// idempotent: removing a missing blob is a no-op.
type Store interface {
	Put(ctx context.Context, id string, data []byte) error
	Get(ctx context.Context, id string) ([]byte, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
