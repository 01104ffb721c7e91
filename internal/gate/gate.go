// Package gate is the access state machine: Active → Consumed | Expired |
// PolicyBurned, with every terminal state converging to row deletion.
// The one linearizable operation is the per-token consume; everything
// else is soft counters and bookkeeping around it.
package gate

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ember.share/internal/audit"
	"ember.share/internal/blob"
	"ember.share/internal/crypto"
	"ember.share/internal/logging"
	"ember.share/internal/models"
	"ember.share/internal/policy"
	"ember.share/internal/store"
)

// ErrUnauthorized is returned when a creator capability token does not
// match the message it claims.
var ErrUnauthorized = errors.New("creator token mismatch")

// Gate coordinates stores, policy and audit around the atomic consume.
type Gate struct {
	store  store.Store
	blobs  blob.Store
	trail  *audit.Trail
	policy *policy.Engine
	logger logging.Logger

	grace           time.Duration
	suspicionWindow time.Duration
	now             func() time.Time
}

// Options tunes gate behavior; zero values fall back to defaults.
type Options struct {
	// AttachmentGrace is how long a burned message's attachments stay
	// fetchable, covering downloads already in flight when the burn landed.
	AttachmentGrace time.Duration
	// SuspicionWindow bounds how much audit history the policy engine sees.
	SuspicionWindow time.Duration
}

func New(s store.Store, blobs blob.Store, trail *audit.Trail, eng *policy.Engine, logger logging.Logger, opts Options) *Gate {
	if opts.AttachmentGrace <= 0 {
		opts.AttachmentGrace = 24 * time.Hour
	}
	if opts.SuspicionWindow <= 0 {
		opts.SuspicionWindow = 5 * time.Minute
	}
	return &Gate{
		store:           s,
		blobs:           blobs,
		trail:           trail,
		policy:          eng,
		logger:          logger,
		grace:           opts.AttachmentGrace,
		suspicionWindow: opts.SuspicionWindow,
		now:             time.Now,
	}
}

// SetClock replaces the gate's time source. Test hook.
func (g *Gate) SetClock(now func() time.Time) {
	g.now = now
}

// CreateParams is a validated create request. The ciphertext arrives
// already encrypted; the server never sees plaintext or passwords.
type CreateParams struct {
	Ciphertext          []byte
	IV                  []byte
	Salt                []byte
	ExpiresIn           time.Duration // 0 = never
	MaxViews            int
	MaxPasswordAttempts int // 0 = unlimited
	RequireGeoMatch     bool
	AutoBurnOnSuspicion bool
	CustomSlug          string
	Country             string
}

// Create stores a new envelope in the Active state and grants the audit
// capability. A token collision is reported loudly, never retried into a
// silent overwrite.
func (g *Gate) Create(ctx context.Context, p CreateParams) (*models.Message, error) {
	now := g.now()
	msg := &models.Message{
		Token:               crypto.GenerateToken(),
		Ciphertext:          p.Ciphertext,
		IV:                  p.IV,
		Salt:                p.Salt,
		CreatedAt:           now,
		MaxViews:            p.MaxViews,
		MaxPasswordAttempts: p.MaxPasswordAttempts,
		RequireGeoMatch:     p.RequireGeoMatch,
		CreatorCountry:      models.NormalizeCountry(p.Country),
		AutoBurnOnSuspicion: p.AutoBurnOnSuspicion,
		CreatorToken:        crypto.GenerateCreatorToken(),
		CustomSlug:          p.CustomSlug,
	}
	if p.ExpiresIn > 0 {
		msg.ExpiresAt = now.Add(p.ExpiresIn)
	}

	if err := g.store.Save(ctx, msg); err != nil {
		if errors.Is(err, store.ErrDuplicateToken) {
			return nil, fmt.Errorf("token space collision for %q: %w", msg.Token, err)
		}
		return nil, err
	}

	if err := g.trail.Grant(ctx, msg.Token, msg.CreatorToken); err != nil {
		g.logger.Warn(ctx, "capability grant failed", "token", msg.Token, "error", err)
	}
	g.trail.Record(ctx, msg.Token, models.EventCreated, p.Country, true, nil)

	return msg, nil
}

// Resolve maps a token-or-slug reference to the canonical token.
func (g *Gate) Resolve(ctx context.Context, ref string) (string, error) {
	if _, err := g.store.Get(ctx, ref); err == nil || errors.Is(err, store.ErrExpired) {
		return ref, nil
	}
	return g.store.ResolveSlug(ctx, ref)
}

// AttemptRead hands out the envelope if the message is Active. It bumps
// the attempt counter and runs the policy rules; a forced burn surfaces
// as a plain ErrNotFound so an outside observer learns nothing about
// which rule fired. The server cannot check the password, so a
// successful read proves nothing about decryptability.
func (g *Gate) AttemptRead(ctx context.Context, ref, country string) (*models.Message, []*models.Attachment, error) {
	token, err := g.Resolve(ctx, ref)
	if err != nil {
		return nil, nil, err
	}

	msg, err := g.store.Get(ctx, token)
	if err != nil {
		return nil, nil, err
	}

	attempts, err := g.store.RecordAttempt(ctx, token)
	if err != nil {
		// The row vanished between Get and the increment: consumed or
		// expired concurrently. Indistinguishable NotFound either way.
		if errors.Is(err, store.ErrExpired) {
			return nil, nil, store.ErrExpired
		}
		return nil, nil, store.ErrNotFound
	}
	msg.PasswordAttemptCount = attempts

	country = models.NormalizeCountry(country)
	recent := g.trail.Recent(ctx, token, g.suspicionWindow)
	decision := g.policy.Evaluate(msg, policy.AccessContext{Country: country, Now: g.now()}, recent)
	if decision.Burn {
		g.forceBurn(ctx, token, decision.Reason, country)
		return nil, nil, store.ErrNotFound
	}

	g.trail.Record(ctx, token, models.EventPasswordAttempt, country, true, nil)

	atts, err := g.store.ListAttachments(ctx, token)
	if err != nil {
		g.logger.Warn(ctx, "attachment list failed", "token", token, "error", err)
		atts = nil
	}
	return msg, atts, nil
}

// BurnResult reports one confirmed read.
type BurnResult struct {
	Remaining         int
	Burned            bool
	MarkedAttachments int
}

// ConfirmBurn performs the atomic accessed transition after the client
// decrypted successfully. Under N concurrent calls for one token exactly
// one per remaining view succeeds; the rest, like calls for consumed or
// expired tokens, see ErrNotFound.
func (g *Gate) ConfirmBurn(ctx context.Context, ref, country string) (*BurnResult, error) {
	token, err := g.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	country = models.NormalizeCountry(country)

	res, err := g.store.ConsumeView(ctx, token, country)
	if err != nil {
		if errors.Is(err, store.ErrExpired) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	g.trail.Record(ctx, token, models.EventViewed, country, true, nil)

	out := &BurnResult{Remaining: res.Remaining, Burned: res.Burned}
	if res.Burned {
		out.MarkedAttachments = g.markAttachments(ctx, token)
		g.trail.Record(ctx, token, models.EventBurned, country, true,
			map[string]string{"reason": "viewed"})
	}
	return out, nil
}

// forceBurn executes a policy decision through the same terminal
// transition an ordinary burn takes. Losing the race against a
// concurrent consume is fine: the row is gone either way.
func (g *Gate) forceBurn(ctx context.Context, token string, reason policy.Reason, country string) {
	if _, err := g.store.Burn(ctx, token); err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			g.logger.Error(ctx, "force burn failed", "token", token, "reason", reason, "error", err)
		}
		return
	}

	switch reason {
	case policy.ReasonSuspicious:
		g.trail.Record(ctx, token, models.EventSuspicious, country, false, nil)
	case policy.ReasonTooManyAttempts:
		g.trail.Record(ctx, token, models.EventPasswordFailed, country, false, nil)
	}
	g.trail.Record(ctx, token, models.EventBurned, country, false,
		map[string]string{"reason": string(reason)})

	marked := g.markAttachments(ctx, token)
	g.logger.Info(ctx, "policy burn", "token", token, "reason", reason, "marked_attachments", marked)
}

// markAttachments hands the burned message's attachments to deferred
// cleanup: each gets a marker and stays fetchable until the grace window
// closes, so in-flight downloads finish.
func (g *Gate) markAttachments(ctx context.Context, token string) int {
	atts, err := g.store.ListAttachments(ctx, token)
	if err != nil {
		g.logger.Warn(ctx, "attachment list failed", "token", token, "error", err)
		return 0
	}

	now := g.now()
	marked := 0
	for _, att := range atts {
		m := &models.CleanupMarker{
			AttachmentID: att.ID,
			DeleteAfter:  now.Add(g.grace),
			MarkedAt:     now,
		}
		if err := g.store.PutMarker(ctx, m); err != nil {
			g.logger.Warn(ctx, "marker write failed", "attachment", att.ID, "error", err)
			continue
		}
		marked++
	}
	return marked
}

// AddAttachment stores an encrypted blob for an Active message. Only the
// creator (proven by the capability token) may attach.
func (g *Gate) AddAttachment(ctx context.Context, token, creatorToken string, att *models.Attachment, data []byte) (*models.Attachment, error) {
	msg, err := g.store.Get(ctx, token)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(msg.CreatorToken), []byte(creatorToken)) != 1 {
		return nil, ErrUnauthorized
	}

	att.ID = uuid.NewString()
	att.MessageToken = token
	att.Size = int64(len(data))
	att.CreatedAt = g.now()

	if err := g.blobs.Put(ctx, att.ID, data); err != nil {
		return nil, err
	}
	if err := g.store.SaveAttachment(ctx, att); err != nil {
		_ = g.blobs.Delete(ctx, att.ID)
		return nil, err
	}
	return att, nil
}

// GetAttachment returns metadata and ciphertext. During the post-burn
// grace window the attachment is still served; once the marker is due it
// is rejected here even if the sweep has not run yet.
func (g *Gate) GetAttachment(ctx context.Context, id string) (*models.Attachment, []byte, error) {
	att, err := g.store.GetAttachment(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if m, err := g.store.Marker(ctx, id); err == nil && !g.now().Before(m.DeleteAfter) {
		return nil, nil, store.ErrNotFound
	}

	data, err := g.blobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return nil, nil, store.ErrNotFound
		}
		return nil, nil, err
	}
	return att, data, nil
}

// ConfirmAttachmentDelete removes an attachment ahead of its grace
// deadline, typically right after the reader finished downloading.
func (g *Gate) ConfirmAttachmentDelete(ctx context.Context, id string) error {
	if _, err := g.store.GetAttachment(ctx, id); err != nil {
		return err
	}

	if err := g.blobs.Delete(ctx, id); err != nil {
		return err
	}
	if err := g.store.DeleteAttachment(ctx, id); err != nil {
		return err
	}
	return g.store.DeleteMarker(ctx, id)
}

// Status is a non-consuming existence probe: no counters move, no policy
// runs.
func (g *Gate) Status(ctx context.Context, ref string) (*models.Message, error) {
	token, err := g.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return g.store.Get(ctx, token)
}
