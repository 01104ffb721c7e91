// Package cleanup runs the deferred reaper: expired envelopes go as soon
// as a sweep sees them, marked attachments only after their grace window.
// Sweeps are idempotent and safe to run concurrently with each other and
// with the read/burn path; deleting something already gone is a no-op.
package cleanup

import (
	"context"
	"time"

	"ember.share/internal/blob"
	"ember.share/internal/logging"
	"ember.share/internal/models"
	"ember.share/internal/store"
)

type Sweeper struct {
	store           store.Store
	blobs           blob.Store
	logger          logging.Logger
	attachmentGrace time.Duration
	auditRetention  time.Duration
	now             func() time.Time
}

// NewSweeper builds a sweeper. attachmentGrace is the window orphaned
// attachments stay fetchable after their message disappears;
// auditRetention bounds how long audit events are kept (zero disables
// the audit pass).
func NewSweeper(s store.Store, blobs blob.Store, logger logging.Logger, attachmentGrace, auditRetention time.Duration) *Sweeper {
	if attachmentGrace <= 0 {
		attachmentGrace = 24 * time.Hour
	}
	return &Sweeper{
		store:           s,
		blobs:           blobs,
		logger:          logger,
		attachmentGrace: attachmentGrace,
		auditRetention:  auditRetention,
		now:             time.Now,
	}
}

// SetClock replaces the sweeper's time source. Test hook.
func (s *Sweeper) SetClock(now func() time.Time) {
	s.now = now
}

// Run ticks until the context is cancelled. It lives off the request
// path; handlers never wait on a sweep.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs all passes once. Orphan marking runs after the expiry pass
// so an attachment orphaned by that same pass gets its marker in the
// same cycle.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.SweepExpiredMessages(ctx)
	s.MarkOrphanedAttachments(ctx)
	s.SweepMarkedAttachments(ctx)
	s.SweepAudit(ctx)
}

// SweepExpiredMessages removes envelopes past their expiry. The read
// path rejects expired rows on its own, so this only reclaims storage.
func (s *Sweeper) SweepExpiredMessages(ctx context.Context) {
	removed, err := s.store.SweepExpired(ctx)
	if err != nil {
		s.logger.Warn(ctx, "expiry sweep failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info(ctx, "expired messages removed", "count", removed)
	}
}

// MarkOrphanedAttachments writes grace markers for attachments whose
// message is gone but that were never marked, which happens when the
// message expires instead of burning. Attachments already marked by a
// burn keep their original deadline.
func (s *Sweeper) MarkOrphanedAttachments(ctx context.Context) {
	orphans, err := s.store.OrphanedAttachments(ctx)
	if err != nil {
		s.logger.Warn(ctx, "orphan query failed", "error", err)
		return
	}

	now := s.now()
	marked := 0
	for _, att := range orphans {
		if _, err := s.store.Marker(ctx, att.ID); err == nil {
			continue
		}
		m := &models.CleanupMarker{
			AttachmentID: att.ID,
			DeleteAfter:  now.Add(s.attachmentGrace),
			MarkedAt:     now,
		}
		if err := s.store.PutMarker(ctx, m); err != nil {
			s.logger.Warn(ctx, "marker write failed", "attachment", att.ID, "error", err)
			continue
		}
		marked++
	}
	if marked > 0 {
		s.logger.Info(ctx, "orphaned attachments marked", "count", marked)
	}
}

// SweepMarkedAttachments deletes blobs whose grace window has closed.
// Per-item failures are logged and skipped; the marker stays, so the
// next run retries (at-least-once).
func (s *Sweeper) SweepMarkedAttachments(ctx context.Context) {
	due, err := s.store.DueMarkers(ctx, s.now())
	if err != nil {
		s.logger.Warn(ctx, "marker query failed", "error", err)
		return
	}

	removed := 0
	for _, m := range due {
		if err := s.blobs.Delete(ctx, m.AttachmentID); err != nil {
			s.logger.Warn(ctx, "blob delete failed", "attachment", m.AttachmentID, "error", err)
			continue
		}
		if err := s.store.DeleteAttachment(ctx, m.AttachmentID); err != nil {
			s.logger.Warn(ctx, "attachment delete failed", "attachment", m.AttachmentID, "error", err)
			continue
		}
		if err := s.store.DeleteMarker(ctx, m.AttachmentID); err != nil {
			s.logger.Warn(ctx, "marker delete failed", "attachment", m.AttachmentID, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info(ctx, "marked attachments removed", "count", removed)
	}
}

// SweepAudit prunes events past the retention window. Capability records
// stay; a trail that pruned to empty just reads as empty.
func (s *Sweeper) SweepAudit(ctx context.Context) {
	if s.auditRetention <= 0 {
		return
	}

	removed, err := s.store.PruneEvents(ctx, s.now().Add(-s.auditRetention))
	if err != nil {
		s.logger.Warn(ctx, "audit prune failed", "error", err)
		return
	}
	if removed > 0 {
		s.logger.Info(ctx, "audit events pruned", "count", removed)
	}
}
