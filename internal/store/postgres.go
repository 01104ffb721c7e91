package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"ember.share/internal/models"
	"ember.share/internal/store/migrations"
)

var _ Store = (*PostgresStore)(nil)

// pgUniqueViolation is the SQLSTATE for unique constraint violations.
const pgUniqueViolation = "23505"

// PostgresStore is the durable multi-instance backend over database/sql
// with the pgx stdlib driver. The atomic consume is a conditional
// UPDATE … RETURNING inside a transaction; row locking serializes
// concurrent consumers of the same token.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.runMigrations(context.Background()); err != nil {
		return nil, fmt.Errorf("migration error: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("pgx"); err != nil {
		return err
	}
	return goose.UpContext(ctx, s.db, ".")
}

const messageColumns = `token, ciphertext, iv, salt, created_at, expires_at,
	max_views, view_count, max_password_attempts, password_attempt_count,
	require_geo_match, creator_country, auto_burn_on_suspicion, accessed,
	creator_token, custom_slug`

func scanMessage(row interface{ Scan(...any) error }) (*models.Message, error) {
	var (
		msg       models.Message
		expiresAt sql.NullTime
		slug      sql.NullString
	)
	err := row.Scan(
		&msg.Token, &msg.Ciphertext, &msg.IV, &msg.Salt, &msg.CreatedAt, &expiresAt,
		&msg.MaxViews, &msg.ViewCount, &msg.MaxPasswordAttempts, &msg.PasswordAttemptCount,
		&msg.RequireGeoMatch, &msg.CreatorCountry, &msg.AutoBurnOnSuspicion, &msg.Accessed,
		&msg.CreatorToken, &slug,
	)
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		msg.ExpiresAt = expiresAt.Time
	}
	msg.CustomSlug = slug.String
	return &msg, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (s *PostgresStore) Save(ctx context.Context, msg *models.Message) error {
	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err := s.db.ExecContext(ctx, query,
		msg.Token, msg.Ciphertext, msg.IV, msg.Salt, msg.CreatedAt, nullTime(msg.ExpiresAt),
		msg.MaxViews, msg.ViewCount, msg.MaxPasswordAttempts, msg.PasswordAttemptCount,
		msg.RequireGeoMatch, msg.CreatorCountry, msg.AutoBurnOnSuspicion, msg.Accessed,
		msg.CreatorToken, nullString(msg.CustomSlug),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			if pgErr.ConstraintName == "messages_custom_slug_key" {
				return ErrSlugTaken
			}
			return ErrDuplicateToken
		}
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, token string) (*models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE token = $1`

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	if msg.Expired(time.Now()) {
		return nil, ErrExpired
	}
	return msg, nil
}

func (s *PostgresStore) ResolveSlug(ctx context.Context, slug string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT token FROM messages WHERE custom_slug = $1`, slug).Scan(&token)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	return token, nil
}

func (s *PostgresStore) RecordAttempt(ctx context.Context, token string) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx, `
		UPDATE messages SET password_attempt_count = password_attempt_count + 1
		WHERE token = $1 AND (expires_at IS NULL OR expires_at > now())
		RETURNING password_attempt_count
	`, token).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, s.classifyMissing(ctx, token)
	}
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return attempts, nil
}

// classifyMissing tells ErrExpired apart from ErrNotFound after a
// conditional update matched no row.
func (s *PostgresStore) classifyMissing(ctx context.Context, token string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE token = $1)`, token).Scan(&exists)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if exists {
		return ErrExpired
	}
	return ErrNotFound
}

func (s *PostgresStore) ConsumeView(ctx context.Context, token, country string) (*ViewResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer tx.Rollback()

	query := `
		UPDATE messages SET
			view_count = view_count + 1,
			accessed = TRUE,
			creator_country = CASE WHEN creator_country = '' THEN $2 ELSE creator_country END
		WHERE token = $1
			AND view_count < max_views
			AND (expires_at IS NULL OR expires_at > now())
		RETURNING ` + messageColumns

	msg, err := scanMessage(tx.QueryRowContext(ctx, query, token, country))
	if errors.Is(err, sql.ErrNoRows) {
		// Expired rows are removed here as well so the read path never has
		// to wait for the sweep.
		if classified := s.classifyMissing(ctx, token); errors.Is(classified, ErrExpired) {
			_, _ = s.db.ExecContext(ctx,
				`DELETE FROM messages WHERE token = $1 AND expires_at <= now()`, token)
			return nil, ErrExpired
		}
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	res := &ViewResult{
		Message:   msg,
		Remaining: msg.MaxViews - msg.ViewCount,
		Burned:    msg.ViewCount >= msg.MaxViews,
	}
	if res.Burned {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE token = $1`, token); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return res, nil
}

func (s *PostgresStore) Burn(ctx context.Context, token string) (*models.Message, error) {
	query := `DELETE FROM messages WHERE token = $1 RETURNING ` + messageColumns

	msg, err := scanMessage(s.db.QueryRowContext(ctx, query, token))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) SweepExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected error: %w", err)
	}
	return int(n), nil
}

// Attachments

func (s *PostgresStore) SaveAttachment(ctx context.Context, att *models.Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, message_token, iv, salt, original_name, content_type, size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, att.ID, att.MessageToken, att.IV, att.Salt, att.OriginalName, att.ContentType, att.Size, att.CreatedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAttachment(ctx context.Context, id string) (*models.Attachment, error) {
	var att models.Attachment
	err := s.db.QueryRowContext(ctx, `
		SELECT id, message_token, iv, salt, original_name, content_type, size, created_at
		FROM attachments WHERE id = $1
	`, id).Scan(&att.ID, &att.MessageToken, &att.IV, &att.Salt,
		&att.OriginalName, &att.ContentType, &att.Size, &att.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &att, nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, token string) ([]*models.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_token, iv, salt, original_name, content_type, size, created_at
		FROM attachments WHERE message_token = $1 ORDER BY created_at
	`, token)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Attachment
	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(&att.ID, &att.MessageToken, &att.IV, &att.Salt,
			&att.OriginalName, &att.ContentType, &att.Size, &att.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &att)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) OrphanedAttachments(ctx context.Context) ([]*models.Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_token, iv, salt, original_name, content_type, size, created_at
		FROM attachments a
		WHERE NOT EXISTS (SELECT 1 FROM messages m WHERE m.token = a.message_token)
	`)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.Attachment
	for rows.Next() {
		var att models.Attachment
		if err := rows.Scan(&att.ID, &att.MessageToken, &att.IV, &att.Salt,
			&att.OriginalName, &att.ContentType, &att.Size, &att.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, &att)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) DeleteAttachment(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM attachments WHERE id = $1`, id); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

// Audit trail

func (s *PostgresStore) AppendEvent(ctx context.Context, ev *models.AuditEvent) error {
	var metadata []byte
	if len(ev.Metadata) > 0 {
		var err error
		metadata, err = json.Marshal(ev.Metadata)
		if err != nil {
			return err
		}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, message_token, event_type, country, ts, success, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ev.ID, ev.MessageToken, ev.Type, ev.Country, ev.Timestamp, ev.Success, metadata)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) Events(ctx context.Context, token string) ([]*models.AuditEvent, error) {
	return s.queryEvents(ctx, `
		SELECT id, message_token, event_type, country, ts, success, metadata
		FROM audit_events WHERE message_token = $1 ORDER BY ts
	`, token)
}

func (s *PostgresStore) EventsSince(ctx context.Context, token string, since time.Time) ([]*models.AuditEvent, error) {
	return s.queryEvents(ctx, `
		SELECT id, message_token, event_type, country, ts, success, metadata
		FROM audit_events WHERE message_token = $1 AND ts >= $2 ORDER BY ts
	`, token, since)
}

func (s *PostgresStore) queryEvents(ctx context.Context, query string, args ...any) ([]*models.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var result []*models.AuditEvent
	for rows.Next() {
		var (
			ev       models.AuditEvent
			metadata []byte
		)
		if err := rows.Scan(&ev.ID, &ev.MessageToken, &ev.Type, &ev.Country,
			&ev.Timestamp, &ev.Success, &metadata); err != nil {
			return nil, err
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, err
			}
		}
		result = append(result, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *PostgresStore) PruneEvents(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM audit_events WHERE ts < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *PostgresStore) SetCapability(ctx context.Context, token, capability string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_access (message_token, capability, created_at)
		VALUES ($1, $2, now())
		ON CONFLICT (message_token) DO NOTHING
	`, token, capability)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) Capability(ctx context.Context, token string) (string, error) {
	var capability string
	err := s.db.QueryRowContext(ctx,
		`SELECT capability FROM audit_access WHERE message_token = $1`, token).Scan(&capability)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("db error: %w", err)
	}
	return capability, nil
}

// Cleanup markers

func (s *PostgresStore) PutMarker(ctx context.Context, m *models.CleanupMarker) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cleanup_markers (attachment_id, delete_after, marked_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (attachment_id) DO NOTHING
	`, m.AttachmentID, m.DeleteAfter, m.MarkedAt)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) Marker(ctx context.Context, attachmentID string) (*models.CleanupMarker, error) {
	var m models.CleanupMarker
	err := s.db.QueryRowContext(ctx, `
		SELECT attachment_id, delete_after, marked_at
		FROM cleanup_markers WHERE attachment_id = $1
	`, attachmentID).Scan(&m.AttachmentID, &m.DeleteAfter, &m.MarkedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) DueMarkers(ctx context.Context, now time.Time) ([]*models.CleanupMarker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT attachment_id, delete_after, marked_at
		FROM cleanup_markers WHERE delete_after <= $1
	`, now)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	var due []*models.CleanupMarker
	for rows.Next() {
		var m models.CleanupMarker
		if err := rows.Scan(&m.AttachmentID, &m.DeleteAfter, &m.MarkedAt); err != nil {
			return nil, err
		}
		due = append(due, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return due, nil
}

func (s *PostgresStore) DeleteMarker(ctx context.Context, attachmentID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM cleanup_markers WHERE attachment_id = $1`, attachmentID); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
