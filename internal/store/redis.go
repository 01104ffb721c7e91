package store

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"ember.share/internal/models"
)

var _ Store = (*RedisStore)(nil)

// Key prefixes. Message and slug keys carry the envelope's TTL so redis
// expires them natively; audit keys carry the retention TTL so trails do
// not accumulate forever.
const (
	msgKeyPrefix    = "msg:"
	slugKeyPrefix   = "slug:"
	attKeyPrefix    = "att:"
	msgAttKeyPrefix = "msgatt:"
	auditKeyPrefix  = "audit:"
	capKeyPrefix    = "cap:"
	markerKeyPrefix = "marker:"
	markerIndexKey  = "markers"
)

// consumeRetries bounds optimistic-transaction retries under contention.
const consumeRetries = 5

// RedisStore is the multi-instance backend. The atomic consume is a
// WATCH/MULTI optimistic transaction on the message key; concurrent
// consumers of the same token serialize through transaction failures.
type RedisStore struct {
	client         *redis.Client
	auditRetention time.Duration
}

func NewRedisStore(options *redis.Options, auditRetention time.Duration) (*RedisStore, error) {
	client := redis.NewClient(options)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client, auditRetention: auditRetention}, nil
}

func (r *RedisStore) Save(ctx context.Context, msg *models.Message) error {
	data, err := gobEncode(msg)
	if err != nil {
		return err
	}

	var ttl time.Duration
	if !msg.ExpiresAt.IsZero() {
		ttl = time.Until(msg.ExpiresAt)
		if ttl <= 0 {
			return ErrExpired
		}
	}

	if msg.CustomSlug != "" {
		ok, err := r.client.SetNX(ctx, slugKeyPrefix+msg.CustomSlug, msg.Token, ttl).Result()
		if err != nil {
			return err
		}
		if !ok {
			return ErrSlugTaken
		}
	}

	ok, err := r.client.SetNX(ctx, msgKeyPrefix+msg.Token, data, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		if msg.CustomSlug != "" {
			_ = r.client.Del(ctx, slugKeyPrefix+msg.CustomSlug).Err()
		}
		return ErrDuplicateToken
	}
	return nil
}

func (r *RedisStore) Get(ctx context.Context, token string) (*models.Message, error) {
	data, err := r.client.Get(ctx, msgKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	msg, err := gobDecode[models.Message](data)
	if err != nil {
		return nil, err
	}

	// Redis TTL normally handles expiry; check anyway so a pending-expiry
	// key is never served.
	if msg.Expired(time.Now()) {
		return nil, ErrExpired
	}
	return msg, nil
}

func (r *RedisStore) ResolveSlug(ctx context.Context, slug string) (string, error) {
	token, err := r.client.Get(ctx, slugKeyPrefix+slug).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return token, nil
}

func (r *RedisStore) RecordAttempt(ctx context.Context, token string) (int, error) {
	var attempts int
	err := r.updateMessage(ctx, token, func(msg *models.Message) (burn bool, err error) {
		if msg.Expired(time.Now()) {
			return false, ErrExpired
		}
		msg.PasswordAttemptCount++
		attempts = msg.PasswordAttemptCount
		return false, nil
	})
	if err != nil {
		return 0, err
	}
	return attempts, nil
}

func (r *RedisStore) ConsumeView(ctx context.Context, token, country string) (*ViewResult, error) {
	var res *ViewResult
	err := r.updateMessage(ctx, token, func(msg *models.Message) (burn bool, err error) {
		if msg.Expired(time.Now()) {
			return false, ErrExpired
		}
		if msg.ViewCount >= msg.MaxViews {
			return false, ErrNotFound
		}

		msg.ViewCount++
		msg.Accessed = true
		if msg.CreatorCountry == "" {
			msg.CreatorCountry = country
		}

		cp := *msg
		res = &ViewResult{
			Message:   &cp,
			Remaining: msg.MaxViews - msg.ViewCount,
			Burned:    msg.ViewCount >= msg.MaxViews,
		}
		return res.Burned, nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// updateMessage runs fn against the decoded message inside a WATCH
// transaction. When fn reports burn (or returns ErrExpired), the message
// and slug keys are deleted in the same transaction; otherwise the
// updated message is written back preserving its TTL.
func (r *RedisStore) updateMessage(ctx context.Context, token string, fn func(*models.Message) (bool, error)) error {
	key := msgKeyPrefix + token

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}

		msg, err := gobDecode[models.Message](data)
		if err != nil {
			return err
		}

		burn, fnErr := fn(msg)
		if fnErr != nil && !errors.Is(fnErr, ErrExpired) {
			return fnErr
		}

		ttl := tx.TTL(ctx, key).Val()

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if burn || errors.Is(fnErr, ErrExpired) {
				pipe.Del(ctx, key)
				if msg.CustomSlug != "" {
					pipe.Del(ctx, slugKeyPrefix+msg.CustomSlug)
				}
				return nil
			}

			newData, encErr := gobEncode(msg)
			if encErr != nil {
				return encErr
			}
			if ttl > 0 {
				pipe.Set(ctx, key, newData, ttl)
			} else {
				pipe.Set(ctx, key, newData, 0)
			}
			return nil
		})
		if err != nil {
			return err
		}
		return fnErr
	}

	for i := 0; i < consumeRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	// Every retry lost its race against another writer while the key still
	// existed. Retryable, not a row state and not a server fault.
	return ErrBusy
}

func (r *RedisStore) Burn(ctx context.Context, token string) (*models.Message, error) {
	data, err := r.client.GetDel(ctx, msgKeyPrefix+token).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	msg, err := gobDecode[models.Message](data)
	if err != nil {
		return nil, err
	}
	if msg.CustomSlug != "" {
		_ = r.client.Del(ctx, slugKeyPrefix+msg.CustomSlug).Err()
	}
	return msg, nil
}

// SweepExpired is a no-op for redis: message and slug keys carry the
// envelope TTL and expire natively.
func (r *RedisStore) SweepExpired(ctx context.Context) (int, error) {
	return 0, nil
}

// Attachments

func (r *RedisStore) SaveAttachment(ctx context.Context, att *models.Attachment) error {
	data, err := gobEncode(att)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, attKeyPrefix+att.ID, data, 0)
	pipe.SAdd(ctx, msgAttKeyPrefix+att.MessageToken, att.ID)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	data, err := r.client.Get(ctx, attKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return gobDecode[models.Attachment](data)
}

func (r *RedisStore) ListAttachments(ctx context.Context, token string) ([]*models.Attachment, error) {
	ids, err := r.client.SMembers(ctx, msgAttKeyPrefix+token).Result()
	if err != nil {
		return nil, err
	}

	var result []*models.Attachment
	for _, id := range ids {
		att, err := r.GetAttachment(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, att)
	}
	return result, nil
}

// OrphanedAttachments scans the attachment keys and checks each message
// key for existence. Covers burns, explicit deletes and native TTL expiry
// alike, since all of them end with the message key gone.
func (r *RedisStore) OrphanedAttachments(ctx context.Context) ([]*models.Attachment, error) {
	var (
		result []*models.Attachment
		cursor uint64
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, attKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue // deleted between scan and read
			}
			if err != nil {
				return nil, err
			}
			att, err := gobDecode[models.Attachment](data)
			if err != nil {
				return nil, err
			}
			exists, err := r.client.Exists(ctx, msgKeyPrefix+att.MessageToken).Result()
			if err != nil {
				return nil, err
			}
			if exists == 0 {
				result = append(result, att)
			}
		}
		cursor = next
		if cursor == 0 {
			return result, nil
		}
	}
}

func (r *RedisStore) DeleteAttachment(ctx context.Context, id string) error {
	att, err := r.GetAttachment(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Del(ctx, attKeyPrefix+id)
	pipe.SRem(ctx, msgAttKeyPrefix+att.MessageToken, id)
	_, err = pipe.Exec(ctx)
	return err
}

// Audit trail

func (r *RedisStore) AppendEvent(ctx context.Context, ev *models.AuditEvent) error {
	data, err := gobEncode(ev)
	if err != nil {
		return err
	}

	key := auditKeyPrefix + ev.MessageToken
	pipe := r.client.TxPipeline()
	pipe.RPush(ctx, key, data)
	if r.auditRetention > 0 {
		pipe.Expire(ctx, key, r.auditRetention)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Events(ctx context.Context, token string) ([]*models.AuditEvent, error) {
	items, err := r.client.LRange(ctx, auditKeyPrefix+token, 0, -1).Result()
	if err != nil {
		return nil, err
	}

	result := make([]*models.AuditEvent, 0, len(items))
	for _, item := range items {
		ev, err := gobDecode[models.AuditEvent]([]byte(item))
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, nil
}

func (r *RedisStore) EventsSince(ctx context.Context, token string, since time.Time) ([]*models.AuditEvent, error) {
	all, err := r.Events(ctx, token)
	if err != nil {
		return nil, err
	}

	var result []*models.AuditEvent
	for _, ev := range all {
		if !ev.Timestamp.Before(since) {
			result = append(result, ev)
		}
	}
	return result, nil
}

// PruneEvents is a no-op: audit keys carry a native TTL set on append.
func (r *RedisStore) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	return 0, nil
}

func (r *RedisStore) SetCapability(ctx context.Context, token, capability string) error {
	return r.client.Set(ctx, capKeyPrefix+token, capability, r.auditRetention).Err()
}

func (r *RedisStore) Capability(ctx context.Context, token string) (string, error) {
	capability, err := r.client.Get(ctx, capKeyPrefix+token).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", ErrNotFound
		}
		return "", err
	}
	return capability, nil
}

// Cleanup markers: one gob record per attachment plus a ZSET index scored
// by the unix DeleteAfter, so the sweep reads only due markers.

func (r *RedisStore) PutMarker(ctx context.Context, m *models.CleanupMarker) error {
	data, err := gobEncode(m)
	if err != nil {
		return err
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, markerKeyPrefix+m.AttachmentID, data, 0)
	pipe.ZAdd(ctx, markerIndexKey, redis.Z{
		Score:  float64(m.DeleteAfter.Unix()),
		Member: m.AttachmentID,
	})
	_, err = pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Marker(ctx context.Context, attachmentID string) (*models.CleanupMarker, error) {
	data, err := r.client.Get(ctx, markerKeyPrefix+attachmentID).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return gobDecode[models.CleanupMarker](data)
}

func (r *RedisStore) DueMarkers(ctx context.Context, now time.Time) ([]*models.CleanupMarker, error) {
	ids, err := r.client.ZRangeByScore(ctx, markerIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return nil, err
	}

	var due []*models.CleanupMarker
	for _, id := range ids {
		m, err := r.Marker(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = r.client.ZRem(ctx, markerIndexKey, id).Err()
			continue
		}
		if err != nil {
			return nil, err
		}
		due = append(due, m)
	}
	return due, nil
}

func (r *RedisStore) DeleteMarker(ctx context.Context, attachmentID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, markerKeyPrefix+attachmentID)
	pipe.ZRem(ctx, markerIndexKey, attachmentID)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

// Helpers

func gobEncode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gobDecode[T any](data []byte) (*T, error) {
	var v T
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&v); err != nil {
		return nil, err
	}
	return &v, nil
}
