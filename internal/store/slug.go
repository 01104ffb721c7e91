package store

import (
	"errors"
	"regexp"
	"strings"
)

// ErrSlugInvalid covers malformed, reserved and blocked slugs. The api
// layer reports it as a validation failure, distinct from ErrSlugTaken.
var ErrSlugInvalid = errors.New("slug is not allowed")

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{2,63}$`)

// Route prefixes and operational names a slug must never shadow.
var reservedSlugs = map[string]bool{
	"api":         true,
	"admin":       true,
	"attachments": true,
	"audit":       true,
	"burn":        true,
	"health":      true,
	"login":       true,
	"messages":    true,
	"metrics":     true,
	"s":           true,
	"static":      true,
	"status":      true,
	"www":         true,
}

// Coarse profanity filter. Links get pasted into chats and emails; keep
// the obvious slurs and shock words out of them.
var blockedSlugWords = []string{
	"anal", "ass", "bastard", "bitch", "cock", "cunt", "dick", "fag",
	"fuck", "nazi", "nigg", "penis", "piss", "porn", "pussy", "rape",
	"sex", "shit", "slut", "tits", "whore",
}

// ValidateSlug checks a human-chosen slug against the charset rule, the
// reserved-word list and the profanity filter. Uniqueness is the store's
// concern, not this function's.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return ErrSlugInvalid
	}
	if reservedSlugs[slug] {
		return ErrSlugInvalid
	}
	compact := strings.ReplaceAll(slug, "-", "")
	for _, w := range blockedSlugWords {
		if strings.Contains(compact, w) {
			return ErrSlugInvalid
		}
	}
	return nil
}
