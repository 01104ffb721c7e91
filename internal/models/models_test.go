package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMessageExpired(t *testing.T) {
	now := time.Now()

	never := &Message{Token: "t"}
	assert.False(t, never.Expired(now))

	future := &Message{Token: "t", ExpiresAt: now.Add(time.Hour)}
	assert.False(t, future.Expired(now))

	past := &Message{Token: "t", ExpiresAt: now.Add(-time.Second)}
	assert.True(t, past.Expired(now))
}

func TestNormalizeCountry(t *testing.T) {
	cases := map[string]string{
		"US":          "US",
		"us":          "US",
		"De":          "DE",
		"":            "",
		"USA":         "",
		"1X":          "",
		"203.0.113.7": "",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeCountry(in), in)
	}
}
