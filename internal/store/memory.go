package store

import (
	"context"
	"sync"
	"time"

	"ember.share/internal/models"
)

// Compile-time interface check
var _ Store = (*MemoryStore)(nil)

// MemoryStore is the mutex-map backend: the default for single-instance
// deployments and the baseline for the store contract tests.
type MemoryStore struct {
	mu           sync.RWMutex
	messages     map[string]*models.Message
	slugs        map[string]string // slug -> token
	attachments  map[string]*models.Attachment
	events       map[string][]*models.AuditEvent
	capabilities map[string]string // token -> capability
	markers      map[string]*models.CleanupMarker

	// now is swappable so tests can steer expiry and grace windows.
	now func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages:     make(map[string]*models.Message),
		slugs:        make(map[string]string),
		attachments:  make(map[string]*models.Attachment),
		events:       make(map[string][]*models.AuditEvent),
		capabilities: make(map[string]string),
		markers:      make(map[string]*models.CleanupMarker),
		now:          time.Now,
	}
}

// SetClock replaces the store's time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Save(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.Token]; ok {
		return ErrDuplicateToken
	}
	if msg.CustomSlug != "" {
		if _, ok := s.slugs[msg.CustomSlug]; ok {
			return ErrSlugTaken
		}
		s.slugs[msg.CustomSlug] = msg.Token
	}

	cp := *msg
	s.messages[msg.Token] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, token string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[token]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.Expired(s.now()) {
		return nil, ErrExpired
	}

	cp := *msg
	return &cp, nil
}

func (s *MemoryStore) ResolveSlug(ctx context.Context, slug string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	token, ok := s.slugs[slug]
	if !ok {
		return "", ErrNotFound
	}
	return token, nil
}

func (s *MemoryStore) RecordAttempt(ctx context.Context, token string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[token]
	if !ok {
		return 0, ErrNotFound
	}
	if msg.Expired(s.now()) {
		return 0, ErrExpired
	}

	msg.PasswordAttemptCount++
	return msg.PasswordAttemptCount, nil
}

func (s *MemoryStore) ConsumeView(ctx context.Context, token, country string) (*ViewResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[token]
	if !ok {
		return nil, ErrNotFound
	}
	if msg.Expired(s.now()) {
		s.deleteLocked(token)
		return nil, ErrExpired
	}
	if msg.ViewCount >= msg.MaxViews {
		// Should have been deleted on the final consume; treat as gone.
		s.deleteLocked(token)
		return nil, ErrNotFound
	}

	msg.ViewCount++
	msg.Accessed = true
	if msg.CreatorCountry == "" {
		msg.CreatorCountry = country
	}

	cp := *msg
	res := &ViewResult{
		Message:   &cp,
		Remaining: msg.MaxViews - msg.ViewCount,
	}
	if msg.ViewCount >= msg.MaxViews {
		s.deleteLocked(token)
		res.Burned = true
	}
	return res, nil
}

func (s *MemoryStore) Burn(ctx context.Context, token string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.messages[token]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *msg
	s.deleteLocked(token)
	return &cp, nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, msg := range s.messages {
		if msg.Expired(now) {
			s.deleteLocked(token)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryStore) deleteLocked(token string) {
	if msg, ok := s.messages[token]; ok && msg.CustomSlug != "" {
		delete(s.slugs, msg.CustomSlug)
	}
	delete(s.messages, token)
}

// Attachments

func (s *MemoryStore) SaveAttachment(ctx context.Context, att *models.Attachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *att
	s.attachments[att.ID] = &cp
	return nil
}

func (s *MemoryStore) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	att, ok := s.attachments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *att
	return &cp, nil
}

func (s *MemoryStore) ListAttachments(ctx context.Context, token string) ([]*models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Attachment
	for _, att := range s.attachments {
		if att.MessageToken == token {
			cp := *att
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) OrphanedAttachments(ctx context.Context) ([]*models.Attachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.Attachment
	for _, att := range s.attachments {
		if _, ok := s.messages[att.MessageToken]; ok {
			continue
		}
		cp := *att
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) DeleteAttachment(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.attachments, id)
	return nil
}

// Audit trail

func (s *MemoryStore) AppendEvent(ctx context.Context, ev *models.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *ev
	s.events[ev.MessageToken] = append(s.events[ev.MessageToken], &cp)
	return nil
}

func (s *MemoryStore) Events(ctx context.Context, token string) ([]*models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	evs := s.events[token]
	result := make([]*models.AuditEvent, 0, len(evs))
	for _, ev := range evs {
		cp := *ev
		result = append(result, &cp)
	}
	return result, nil
}

func (s *MemoryStore) EventsSince(ctx context.Context, token string, since time.Time) ([]*models.AuditEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*models.AuditEvent
	for _, ev := range s.events[token] {
		if !ev.Timestamp.Before(since) {
			cp := *ev
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (s *MemoryStore) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, evs := range s.events {
		kept := evs[:0]
		for _, ev := range evs {
			if ev.Timestamp.Before(before) {
				removed++
				continue
			}
			kept = append(kept, ev)
		}
		if len(kept) == 0 {
			delete(s.events, token)
			continue
		}
		s.events[token] = kept
	}
	return removed, nil
}

func (s *MemoryStore) SetCapability(ctx context.Context, token, capability string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.capabilities[token] = capability
	return nil
}

func (s *MemoryStore) Capability(ctx context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	capability, ok := s.capabilities[token]
	if !ok {
		return "", ErrNotFound
	}
	return capability, nil
}

// Cleanup markers

func (s *MemoryStore) PutMarker(ctx context.Context, m *models.CleanupMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *m
	s.markers[m.AttachmentID] = &cp
	return nil
}

func (s *MemoryStore) Marker(ctx context.Context, attachmentID string) (*models.CleanupMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.markers[attachmentID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) DueMarkers(ctx context.Context, now time.Time) ([]*models.CleanupMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*models.CleanupMarker
	for _, m := range s.markers {
		if !m.DeleteAfter.After(now) {
			cp := *m
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (s *MemoryStore) DeleteMarker(ctx context.Context, attachmentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.markers, attachmentID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = nil
	s.slugs = nil
	s.attachments = nil
	s.events = nil
	s.capabilities = nil
	s.markers = nil
	return nil
}
