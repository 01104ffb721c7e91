package models

import "time"

// Message is the server-visible envelope of an encrypted note. The server
// stores ciphertext, IV and salt and never sees plaintext or passwords.
type Message struct {
	Token                string    `json:"token"`
	Ciphertext           []byte    `json:"-"`
	IV                   []byte    `json:"-"`
	Salt                 []byte    `json:"-"`
	CreatedAt            time.Time `json:"created_at"`
	ExpiresAt            time.Time `json:"expires_at"` // zero = never expires
	MaxViews             int       `json:"max_views"`
	ViewCount            int       `json:"view_count"`
	MaxPasswordAttempts  int       `json:"max_password_attempts"` // 0 = unlimited
	PasswordAttemptCount int       `json:"password_attempt_count"`
	RequireGeoMatch      bool      `json:"require_geo_match"`
	CreatorCountry       string    `json:"creator_country,omitempty"`
	AutoBurnOnSuspicion  bool      `json:"auto_burn_on_suspicion"`
	Accessed             bool      `json:"accessed"`
	CreatorToken         string    `json:"-"`
	CustomSlug           string    `json:"custom_slug,omitempty"`
}

// Expired reports whether the message has an expiry and it has passed.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && now.After(m.ExpiresAt)
}
