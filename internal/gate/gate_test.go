package gate

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ember.share/internal/audit"
	"ember.share/internal/blob"
	"ember.share/internal/logging"
	"ember.share/internal/models"
	"ember.share/internal/policy"
	"ember.share/internal/store"
)

type fixture struct {
	gate  *Gate
	store *store.MemoryStore
	blobs *blob.MemoryStore
	trail *audit.Trail
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	blobs := blob.NewMemoryStore()
	log := logging.NewJSON(io.Discard)
	trail := audit.NewTrail(s, log)
	eng := policy.NewEngine(policy.DefaultConfig())
	return &fixture{
		gate:  New(s, blobs, trail, eng, log, opts),
		store: s,
		blobs: blobs,
		trail: trail,
	}
}

func baseParams() CreateParams {
	return CreateParams{
		Ciphertext: []byte("ciphertext"),
		IV:         []byte("iv"),
		Salt:       []byte("salt"),
		MaxViews:   1,
	}
}

func TestCreateGeneratesTokensAndRecordsEvent(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p := baseParams()
	p.ExpiresIn = time.Hour
	p.Country = "us"

	msg, err := f.gate.Create(ctx, p)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Token)
	assert.NotEmpty(t, msg.CreatorToken)
	assert.Equal(t, "US", msg.CreatorCountry)
	assert.False(t, msg.ExpiresAt.IsZero())

	events, err := f.trail.Query(ctx, msg.Token, msg.CreatorToken)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventCreated, events[0].Type)
}

func TestResolveTokenAndSlug(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p := baseParams()
	p.CustomSlug = "team-offsite"
	msg, err := f.gate.Create(ctx, p)
	require.NoError(t, err)

	token, err := f.gate.Resolve(ctx, msg.Token)
	require.NoError(t, err)
	assert.Equal(t, msg.Token, token)

	token, err = f.gate.Resolve(ctx, "team-offsite")
	require.NoError(t, err)
	assert.Equal(t, msg.Token, token)

	_, err = f.gate.Resolve(ctx, "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAttemptReadReturnsEnvelopeWithoutConsuming(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	msg, err := f.gate.Create(ctx, baseParams())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, atts, err := f.gate.AttemptRead(ctx, msg.Token, "US")
		require.NoError(t, err)
		assert.Equal(t, []byte("ciphertext"), got.Ciphertext)
		assert.Empty(t, atts)
	}

	// Reads alone never consume a view.
	status, err := f.gate.Status(ctx, msg.Token)
	require.NoError(t, err)
	assert.Zero(t, status.ViewCount)
	assert.Equal(t, 3, status.PasswordAttemptCount)
}

func TestConfirmBurnSingleView(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	msg, err := f.gate.Create(ctx, baseParams())
	require.NoError(t, err)

	res, err := f.gate.ConfirmBurn(ctx, msg.Token, "DE")
	require.NoError(t, err)
	assert.True(t, res.Burned)
	assert.Zero(t, res.Remaining)

	_, _, err = f.gate.AttemptRead(ctx, msg.Token, "DE")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.gate.ConfirmBurn(ctx, msg.Token, "DE")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// The trail survives the burn.
	events, err := f.trail.Query(ctx, msg.Token, msg.CreatorToken)
	require.NoError(t, err)
	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, models.EventViewed)
	assert.Contains(t, types, models.EventBurned)
}

func TestConfirmBurnMultiView(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p := baseParams()
	p.MaxViews = 2
	msg, err := f.gate.Create(ctx, p)
	require.NoError(t, err)

	res, err := f.gate.ConfirmBurn(ctx, msg.Token, "")
	require.NoError(t, err)
	assert.False(t, res.Burned)
	assert.Equal(t, 1, res.Remaining)

	// Still readable between the first and final view.
	_, _, err = f.gate.AttemptRead(ctx, msg.Token, "")
	require.NoError(t, err)

	res, err = f.gate.ConfirmBurn(ctx, msg.Token, "")
	require.NoError(t, err)
	assert.True(t, res.Burned)

	_, err = f.gate.ConfirmBurn(ctx, msg.Token, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfirmBurnExactlyOnceUnderConcurrency(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	msg, err := f.gate.Create(ctx, baseParams())
	require.NoError(t, err)

	const n = 64
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if _, err := f.gate.ConfirmBurn(ctx, msg.Token, ""); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
}

func TestAttemptBudgetForcesBurn(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p := baseParams()
	p.MaxPasswordAttempts = 3
	msg, err := f.gate.Create(ctx, p)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, _, err := f.gate.AttemptRead(ctx, msg.Token, "US")
		require.NoError(t, err)
	}

	// The fourth attempt exceeds the budget: burned, reported as NotFound.
	_, _, err = f.gate.AttemptRead(ctx, msg.Token, "US")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.gate.ConfirmBurn(ctx, msg.Token, "US")
	assert.ErrorIs(t, err, store.ErrNotFound)

	events, err := f.trail.Query(ctx, msg.Token, msg.CreatorToken)
	require.NoError(t, err)
	var failed, burned bool
	for _, ev := range events {
		switch ev.Type {
		case models.EventPasswordFailed:
			failed = true
		case models.EventBurned:
			burned = true
			assert.Equal(t, string(policy.ReasonTooManyAttempts), ev.Metadata["reason"])
		}
	}
	assert.True(t, failed)
	assert.True(t, burned)
}

func TestGeoMismatchForcesBurn(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p := baseParams()
	p.RequireGeoMatch = true
	p.Country = "US"
	msg, err := f.gate.Create(ctx, p)
	require.NoError(t, err)

	_, _, err = f.gate.AttemptRead(ctx, msg.Token, "RU")
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.gate.Status(ctx, msg.Token)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGeoMatchAllowsRead(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p := baseParams()
	p.RequireGeoMatch = true
	p.Country = "US"
	msg, err := f.gate.Create(ctx, p)
	require.NoError(t, err)

	_, _, err = f.gate.AttemptRead(ctx, msg.Token, "US")
	assert.NoError(t, err)
}

func TestSuspicionForcesBurn(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p := baseParams()
	p.AutoBurnOnSuspicion = true
	msg, err := f.gate.Create(ctx, p)
	require.NoError(t, err)

	// Attempts from two countries are fine; the third distinct one trips
	// the rule.
	_, _, err = f.gate.AttemptRead(ctx, msg.Token, "US")
	require.NoError(t, err)
	_, _, err = f.gate.AttemptRead(ctx, msg.Token, "DE")
	require.NoError(t, err)

	_, _, err = f.gate.AttemptRead(ctx, msg.Token, "BR")
	assert.ErrorIs(t, err, store.ErrNotFound)

	events, err := f.trail.Query(ctx, msg.Token, msg.CreatorToken)
	require.NoError(t, err)
	var suspicious bool
	for _, ev := range events {
		if ev.Type == models.EventSuspicious {
			suspicious = true
		}
	}
	assert.True(t, suspicious)
}

func TestExpiredMessageRejectedBeforeSweep(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	now := time.Now()
	f.store.SetClock(func() time.Time { return now })
	f.gate.SetClock(func() time.Time { return now })

	p := baseParams()
	p.ExpiresIn = time.Second
	msg, err := f.gate.Create(ctx, p)
	require.NoError(t, err)

	later := now.Add(2 * time.Second)
	f.store.SetClock(func() time.Time { return later })
	f.gate.SetClock(func() time.Time { return later })

	_, _, err = f.gate.AttemptRead(ctx, msg.Token, "")
	assert.ErrorIs(t, err, store.ErrExpired)
	_, err = f.gate.ConfirmBurn(ctx, msg.Token, "")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAttachmentLifecycle(t *testing.T) {
	f := newFixture(t, Options{AttachmentGrace: time.Hour})
	ctx := context.Background()

	msg, err := f.gate.Create(ctx, baseParams())
	require.NoError(t, err)

	att, err := f.gate.AddAttachment(ctx, msg.Token, msg.CreatorToken, &models.Attachment{
		IV:           []byte("iv"),
		Salt:         []byte("salt"),
		OriginalName: "notes.txt",
		ContentType:  "text/plain",
	}, []byte("encrypted blob"))
	require.NoError(t, err)
	require.NotEmpty(t, att.ID)

	got, data, err := f.gate.GetAttachment(ctx, att.ID)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", got.OriginalName)
	assert.Equal(t, []byte("encrypted blob"), data)

	// Wrong creator token may not attach.
	_, err = f.gate.AddAttachment(ctx, msg.Token, "wrong", &models.Attachment{}, []byte("x"))
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestBurnedAttachmentServedWithinGrace(t *testing.T) {
	f := newFixture(t, Options{AttachmentGrace: time.Hour})
	ctx := context.Background()

	now := time.Now()
	f.store.SetClock(func() time.Time { return now })
	f.gate.SetClock(func() time.Time { return now })

	msg, err := f.gate.Create(ctx, baseParams())
	require.NoError(t, err)
	att, err := f.gate.AddAttachment(ctx, msg.Token, msg.CreatorToken, &models.Attachment{OriginalName: "a"}, []byte("blob"))
	require.NoError(t, err)

	res, err := f.gate.ConfirmBurn(ctx, msg.Token, "")
	require.NoError(t, err)
	assert.True(t, res.Burned)
	assert.Equal(t, 1, res.MarkedAttachments)

	// Just inside the grace window: still served.
	almost := now.Add(time.Hour - time.Second)
	f.gate.SetClock(func() time.Time { return almost })
	_, data, err := f.gate.GetAttachment(ctx, att.ID)
	require.NoError(t, err)
	assert.Equal(t, []byte("blob"), data)

	// Past the deadline: rejected even though nothing swept yet.
	past := now.Add(time.Hour + time.Second)
	f.gate.SetClock(func() time.Time { return past })
	_, _, err = f.gate.GetAttachment(ctx, att.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfirmAttachmentDelete(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	msg, err := f.gate.Create(ctx, baseParams())
	require.NoError(t, err)
	att, err := f.gate.AddAttachment(ctx, msg.Token, msg.CreatorToken, &models.Attachment{OriginalName: "a"}, []byte("blob"))
	require.NoError(t, err)

	require.NoError(t, f.gate.ConfirmAttachmentDelete(ctx, att.ID))

	_, _, err = f.gate.GetAttachment(ctx, att.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.blobs.Get(ctx, att.ID)
	assert.ErrorIs(t, err, blob.ErrNotFound)

	err = f.gate.ConfirmAttachmentDelete(ctx, att.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAuditCountryGranularity(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	p := baseParams()
	p.Country = "US"
	msg, err := f.gate.Create(ctx, p)
	require.NoError(t, err)

	_, _, err = f.gate.AttemptRead(ctx, msg.Token, "de")
	require.NoError(t, err)
	_, err = f.gate.ConfirmBurn(ctx, msg.Token, "203.0.113.7")
	require.NoError(t, err)

	events, err := f.trail.Query(ctx, msg.Token, msg.CreatorToken)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	for _, ev := range events {
		// Country codes only; anything else must have been dropped.
		if ev.Country != "" {
			assert.Len(t, ev.Country, 2)
			assert.Equal(t, ev.Country, models.NormalizeCountry(ev.Country))
		}
	}
}
