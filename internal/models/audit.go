package models

import (
	"time"
)

// Audit event types recorded by the trail.
const (
	EventCreated         = "created"
	EventViewed          = "viewed"
	EventPasswordAttempt = "password_attempt"
	EventPasswordFailed  = "password_failed"
	EventBurned          = "burned"
	EventSuspicious      = "suspicious"
)

// AuditEvent is one append-only trail entry. Location granularity is
// country-code only: the struct has no field capable of holding an IP,
// city or device identifier, and Country is normalized to ISO 3166
// alpha-2 (or empty) before persisting.
type AuditEvent struct {
	ID           string            `json:"id"`
	MessageToken string            `json:"message_token"`
	Type         string            `json:"type"`
	Country      string            `json:"country,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
	Success      bool              `json:"success"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// NormalizeCountry reduces a client-supplied country hint to an uppercase
// two-letter code, or empty when the hint is unusable.
func NormalizeCountry(s string) string {
	if len(s) != 2 {
		return ""
	}
	b := []byte(s)
	for i, c := range b {
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
			b[i] = c - 'a' + 'A'
		default:
			return ""
		}
	}
	return string(b)
}
