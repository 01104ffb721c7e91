package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateSlug(t *testing.T) {
	valid := []string{"abc", "my-secret", "q4-report-2026", "0ff"}
	for _, slug := range valid {
		assert.NoError(t, ValidateSlug(slug), slug)
	}

	invalid := []string{
		"",            // empty
		"ab",          // too short
		"My-Secret",   // uppercase
		"-leading",    // must start alphanumeric
		"has space",   // bad charset
		"has_under",   // bad charset
		"api",         // reserved
		"status",      // reserved
		"fuck-this",   // blocked word
		"s-h-i-t",     // blocked word hidden by dashes
		strings.Repeat("a", 80), // too long
	}
	for _, slug := range invalid {
		assert.ErrorIs(t, ValidateSlug(slug), ErrSlugInvalid, slug)
	}
}
