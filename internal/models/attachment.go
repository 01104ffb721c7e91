package models

import "time"

// Attachment is the metadata row for an encrypted blob. The ciphertext
// itself lives in the blob store keyed by ID, so envelope scans never
// read attachment binaries. MessageToken is a back-reference, not
// ownership: after a burn the row is kept alive by a CleanupMarker until
// the grace window closes.
type Attachment struct {
	ID           string    `json:"id"`
	MessageToken string    `json:"-"`
	IV           []byte    `json:"-"`
	Salt         []byte    `json:"-"`
	OriginalName string    `json:"original_name"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

// CleanupMarker schedules an attachment for deferred deletion. Created at
// burn time, consumed exactly once by the cleanup sweep.
type CleanupMarker struct {
	AttachmentID string    `json:"attachment_id"`
	DeleteAfter  time.Time `json:"delete_after"`
	MarkedAt     time.Time `json:"marked_at"`
}
