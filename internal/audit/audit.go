// Package audit maintains the append-only, privacy-bounded event trail.
// Recording never fails the action that triggered it; reading requires
// the creator's capability token.
package audit

import (
	"context"
	"crypto/subtle"
	"errors"
	"time"

	"github.com/google/uuid"

	"ember.share/internal/logging"
	"ember.share/internal/models"
	"ember.share/internal/store"
)

// ErrUnauthorized is returned by Query when the capability token does not
// match.
var ErrUnauthorized = errors.New("capability token mismatch")

// Trail wraps an AuditStore with the never-fail recording contract and
// the capability check for queries.
type Trail struct {
	store  store.AuditStore
	logger logging.Logger
}

func NewTrail(s store.AuditStore, logger logging.Logger) *Trail {
	return &Trail{store: s, logger: logger}
}

// Record appends an event. Store failures are logged and swallowed: a
// broken trail must never block a create, read or burn. Country is
// normalized to country-code granularity before persisting.
func (t *Trail) Record(ctx context.Context, token, eventType, country string, success bool, metadata map[string]string) {
	ev := &models.AuditEvent{
		ID:           uuid.NewString(),
		MessageToken: token,
		Type:         eventType,
		Country:      models.NormalizeCountry(country),
		Timestamp:    time.Now().UTC(),
		Success:      success,
		Metadata:     metadata,
	}

	if err := t.store.AppendEvent(ctx, ev); err != nil {
		t.logger.Warn(ctx, "audit append failed", "token", token, "type", eventType, "error", err)
	}
}

// Grant registers the capability token that authorizes reading this
// message's trail.
func (t *Trail) Grant(ctx context.Context, token, capability string) error {
	return t.store.SetCapability(ctx, token, capability)
}

// Query returns the trail for a message, authorized by exact capability
// match. Authorization is against the capability record, not the message
// row, so the creator can still read the trail after a burn.
func (t *Trail) Query(ctx context.Context, token, capability string) ([]*models.AuditEvent, error) {
	want, err := t.store.Capability(ctx, token)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(want), []byte(capability)) != 1 {
		return nil, ErrUnauthorized
	}
	return t.store.Events(ctx, token)
}

// Recent returns the message's events inside the given window. Used by
// the policy engine; no capability needed, the caller is trusted code.
func (t *Trail) Recent(ctx context.Context, token string, window time.Duration) []*models.AuditEvent {
	events, err := t.store.EventsSince(ctx, token, time.Now().Add(-window))
	if err != nil {
		t.logger.Warn(ctx, "audit query failed", "token", token, "error", err)
		return nil
	}
	return events
}
