package cleanup

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember.share/internal/blob"
	"ember.share/internal/logging"
	"ember.share/internal/models"
	"ember.share/internal/store"
)

func newSweeper(t *testing.T) (*Sweeper, *store.MemoryStore, *blob.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	return NewSweeper(s, blobs, logging.NewJSON(io.Discard), time.Hour, time.Hour), s, blobs
}

func TestSweepExpiredMessages(t *testing.T) {
	sw, s, _ := newSweeper(t)
	ctx := context.Background()

	now := time.Now()
	s.SetClock(func() time.Time { return now })

	require.NoError(t, s.Save(ctx, &models.Message{
		Token:     "gone",
		MaxViews:  1,
		ExpiresAt: now.Add(-time.Minute),
	}))
	require.NoError(t, s.Save(ctx, &models.Message{
		Token:     "kept",
		MaxViews:  1,
		ExpiresAt: now.Add(time.Hour),
	}))

	sw.SweepExpiredMessages(ctx)

	_, err := s.Get(ctx, "kept")
	assert.NoError(t, err)

	// The expired row is fully gone, not merely hidden: 404 territory now.
	s.SetClock(func() time.Time { return now.Add(2 * time.Hour) })
	_, err = s.Get(ctx, "gone")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSweepMarkedAttachmentsHonorsGrace(t *testing.T) {
	sw, s, blobs := newSweeper(t)
	ctx := context.Background()

	now := time.Now()
	deadline := now.Add(time.Hour)

	require.NoError(t, blobs.Put(ctx, "att-1", []byte("blob")))
	require.NoError(t, s.SaveAttachment(ctx, &models.Attachment{ID: "att-1", MessageToken: "tok"}))
	require.NoError(t, s.PutMarker(ctx, &models.CleanupMarker{
		AttachmentID: "att-1",
		DeleteAfter:  deadline,
		MarkedAt:     now,
	}))

	// One second before the deadline nothing is collected.
	sw.SetClock(func() time.Time { return deadline.Add(-time.Second) })
	sw.SweepMarkedAttachments(ctx)

	_, err := blobs.Get(ctx, "att-1")
	assert.NoError(t, err)
	_, err = s.GetAttachment(ctx, "att-1")
	assert.NoError(t, err)

	// One second past it, blob, row and marker all go.
	sw.SetClock(func() time.Time { return deadline.Add(time.Second) })
	sw.SweepMarkedAttachments(ctx)

	_, err = blobs.Get(ctx, "att-1")
	assert.ErrorIs(t, err, blob.ErrNotFound)
	_, err = s.GetAttachment(ctx, "att-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Marker(ctx, "att-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

type flakyBlobStore struct {
	*blob.MemoryStore
	fail map[string]bool
}

func (f *flakyBlobStore) Delete(ctx context.Context, id string) error {
	if f.fail[id] {
		return errors.New("storage unavailable")
	}
	return f.MemoryStore.Delete(ctx, id)
}

func TestSweepMarkedAttachmentsRetriesFailures(t *testing.T) {
	s := store.NewMemoryStore()
	blobs := &flakyBlobStore{MemoryStore: blob.NewMemoryStore(), fail: map[string]bool{"att-1": true}}
	sw := NewSweeper(s, blobs, logging.NewJSON(io.Discard), time.Hour, time.Hour)
	ctx := context.Background()

	now := time.Now()
	sw.SetClock(func() time.Time { return now })

	for _, id := range []string{"att-1", "att-2"} {
		require.NoError(t, blobs.Put(ctx, id, []byte("blob")))
		require.NoError(t, s.SaveAttachment(ctx, &models.Attachment{ID: id, MessageToken: "tok"}))
		require.NoError(t, s.PutMarker(ctx, &models.CleanupMarker{
			AttachmentID: id,
			DeleteAfter:  now.Add(-time.Minute),
			MarkedAt:     now.Add(-time.Hour),
		}))
	}

	sw.SweepMarkedAttachments(ctx)

	// att-2 went; att-1 failed but kept its marker for the next run.
	_, err := s.GetAttachment(ctx, "att-2")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Marker(ctx, "att-1")
	assert.NoError(t, err)

	// Backend recovers; the retry collects it.
	blobs.fail["att-1"] = false
	sw.SweepMarkedAttachments(ctx)
	_, err = s.Marker(ctx, "att-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExpiredMessageAttachmentsReclaimed(t *testing.T) {
	sw, s, blobs := newSweeper(t)
	ctx := context.Background()

	start := time.Now()
	s.SetClock(func() time.Time { return start })
	sw.SetClock(func() time.Time { return start })

	// A message that expires without ever burning, carrying an attachment.
	require.NoError(t, s.Save(ctx, &models.Message{
		Token:     "tok",
		MaxViews:  1,
		ExpiresAt: start.Add(time.Hour),
	}))
	require.NoError(t, blobs.Put(ctx, "att-1", []byte("blob")))
	require.NoError(t, s.SaveAttachment(ctx, &models.Attachment{ID: "att-1", MessageToken: "tok"}))

	// Two hours later the sweep removes the message and, in the same
	// cycle, hands its attachment to deferred cleanup.
	expired := start.Add(2 * time.Hour)
	s.SetClock(func() time.Time { return expired })
	sw.SetClock(func() time.Time { return expired })
	sw.Sweep(ctx)

	_, err := s.Get(ctx, "tok")
	assert.ErrorIs(t, err, store.ErrNotFound)

	m, err := s.Marker(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, expired.Add(time.Hour), m.DeleteAfter)

	// Still fetchable inside the grace window.
	_, err = s.GetAttachment(ctx, "att-1")
	assert.NoError(t, err)

	// Past the window the next sweep reclaims blob, row and marker.
	past := expired.Add(time.Hour + time.Second)
	s.SetClock(func() time.Time { return past })
	sw.SetClock(func() time.Time { return past })
	sw.Sweep(ctx)

	_, err = blobs.Get(ctx, "att-1")
	assert.ErrorIs(t, err, blob.ErrNotFound)
	_, err = s.GetAttachment(ctx, "att-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = s.Marker(ctx, "att-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestMarkOrphansKeepsExistingDeadline(t *testing.T) {
	sw, s, blobs := newSweeper(t)
	ctx := context.Background()

	now := time.Now()
	sw.SetClock(func() time.Time { return now })

	// An attachment already marked by a burn keeps its earlier deadline.
	deadline := now.Add(30 * time.Minute)
	require.NoError(t, blobs.Put(ctx, "att-1", []byte("blob")))
	require.NoError(t, s.SaveAttachment(ctx, &models.Attachment{ID: "att-1", MessageToken: "gone"}))
	require.NoError(t, s.PutMarker(ctx, &models.CleanupMarker{
		AttachmentID: "att-1",
		DeleteAfter:  deadline,
		MarkedAt:     now.Add(-time.Minute),
	}))

	sw.MarkOrphanedAttachments(ctx)

	m, err := s.Marker(ctx, "att-1")
	require.NoError(t, err)
	assert.Equal(t, deadline, m.DeleteAfter)
}

func TestSweepAuditRetention(t *testing.T) {
	sw, s, _ := newSweeper(t)
	ctx := context.Background()

	now := time.Now()
	sw.SetClock(func() time.Time { return now })

	require.NoError(t, s.AppendEvent(ctx, &models.AuditEvent{
		ID:           "old",
		MessageToken: "tok",
		Type:         models.EventViewed,
		Timestamp:    now.Add(-2 * time.Hour),
	}))
	require.NoError(t, s.AppendEvent(ctx, &models.AuditEvent{
		ID:           "recent",
		MessageToken: "tok",
		Type:         models.EventViewed,
		Timestamp:    now.Add(-time.Minute),
	}))
	require.NoError(t, s.SetCapability(ctx, "tok", "cap"))

	sw.SweepAudit(ctx)

	events, err := s.Events(ctx, "tok")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "recent", events[0].ID)

	// The capability record is untouched by retention.
	_, err = s.Capability(ctx, "tok")
	assert.NoError(t, err)
}

func TestSweepIsIdempotent(t *testing.T) {
	sw, s, blobs := newSweeper(t)
	ctx := context.Background()

	now := time.Now()
	sw.SetClock(func() time.Time { return now })

	require.NoError(t, blobs.Put(ctx, "att-1", []byte("blob")))
	require.NoError(t, s.SaveAttachment(ctx, &models.Attachment{ID: "att-1", MessageToken: "tok"}))
	require.NoError(t, s.PutMarker(ctx, &models.CleanupMarker{
		AttachmentID: "att-1",
		DeleteAfter:  now.Add(-time.Minute),
		MarkedAt:     now.Add(-time.Hour),
	}))

	sw.Sweep(ctx)
	sw.Sweep(ctx)

	_, err := s.Marker(ctx, "att-1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
