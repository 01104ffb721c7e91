// Package store defines the persistence contracts for message envelopes,
// attachment metadata, the audit trail and cleanup markers, plus the
// sentinel errors all backends map their failures to. Callers match with
// errors.Is; HTTP codes are assigned only at the api boundary.
package store

import (
	"context"
	"errors"
	"time"

	"ember.share/internal/models"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrExpired        = errors.New("message has expired")
	ErrSlugTaken      = errors.New("slug is already taken")
	ErrDuplicateToken = errors.New("token collision detected")
	// ErrBusy reports a retryable contention failure, not a row state. The
	// api layer maps it to 503 so callers retry instead of treating it as
	// a server bug.
	ErrBusy = errors.New("storage contention")
)

// ViewResult is the outcome of one successful atomic consume.
type ViewResult struct {
	// Message is the row as of this consume (view count already bumped).
	Message *models.Message
	// Remaining is the number of read+confirm cycles still available.
	Remaining int
	// Burned is true when this consume was the last one and the row is gone.
	Burned bool
}

// MessageStore persists envelopes. Implementations must make ConsumeView a
// single atomic conditional transition: under any number of concurrent
// calls for one token, exactly one caller per remaining view succeeds and
// the final success deletes the row. Get must reject expired rows itself
// rather than relying on the sweep having run.
type MessageStore interface {
	// Save stores a new envelope. A token collision is a hard
	// ErrDuplicateToken, never a silent overwrite. A custom slug collision
	// is ErrSlugTaken.
	Save(ctx context.Context, msg *models.Message) error

	// Get returns the envelope if it exists and has not expired.
	Get(ctx context.Context, token string) (*models.Message, error)

	// ResolveSlug maps a custom slug to its token.
	ResolveSlug(ctx context.Context, slug string) (string, error)

	// RecordAttempt bumps the view-attempt counter and returns the new
	// value. The counter is a soft limit; a lost increment under extreme
	// concurrency is tolerable.
	RecordAttempt(ctx context.Context, token string) (int, error)

	// ConsumeView performs the atomic accessed transition, filling in the
	// creator country on first access when it is still unset.
	ConsumeView(ctx context.Context, token, country string) (*ViewResult, error)

	// Burn unconditionally deletes the row if present and returns it.
	Burn(ctx context.Context, token string) (*models.Message, error)

	// SweepExpired removes expired envelopes and returns how many went.
	SweepExpired(ctx context.Context) (int, error)
}

// AttachmentStore persists attachment metadata rows, one row per
// attachment referencing its message token. Ciphertext lives in the blob
// store, keyed by attachment ID.
type AttachmentStore interface {
	SaveAttachment(ctx context.Context, att *models.Attachment) error
	GetAttachment(ctx context.Context, id string) (*models.Attachment, error)
	ListAttachments(ctx context.Context, token string) ([]*models.Attachment, error)
	// OrphanedAttachments returns attachments whose message row no longer
	// exists, whatever removed it: burn, expiry sweep, read-path delete or
	// native TTL. The sweeper hands them to deferred cleanup.
	OrphanedAttachments(ctx context.Context) ([]*models.Attachment, error)
	// DeleteAttachment is a no-op when the row is already gone.
	DeleteAttachment(ctx context.Context, id string) error
}

// AuditStore persists the append-only trail. Events and the capability
// record outlive the message row so the creator can read the trail after
// a burn.
type AuditStore interface {
	AppendEvent(ctx context.Context, ev *models.AuditEvent) error
	Events(ctx context.Context, token string) ([]*models.AuditEvent, error)
	EventsSince(ctx context.Context, token string, since time.Time) ([]*models.AuditEvent, error)
	SetCapability(ctx context.Context, token, capability string) error
	Capability(ctx context.Context, token string) (string, error)
	// PruneEvents removes events recorded before the cutoff and returns how
	// many went. Backends with native expiry may implement it as a no-op.
	PruneEvents(ctx context.Context, before time.Time) (int, error)
}

// MarkerStore persists cleanup markers keyed by attachment ID.
type MarkerStore interface {
	PutMarker(ctx context.Context, m *models.CleanupMarker) error
	Marker(ctx context.Context, attachmentID string) (*models.CleanupMarker, error)
	// DueMarkers returns markers whose DeleteAfter is at or before now.
	DueMarkers(ctx context.Context, now time.Time) ([]*models.CleanupMarker, error)
	// DeleteMarker is a no-op when the marker is already consumed.
	DeleteMarker(ctx context.Context, attachmentID string) error
}

// Store is the full persistence surface a backend provides.
type Store interface {
	MessageStore
	AttachmentStore
	AuditStore
	MarkerStore
	Close() error
}
