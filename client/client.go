// Package client is the Go SDK for the ember.share API. All encryption
// happens inside this package, on the caller's machine: the password and
// the derived key are never part of any request.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ember.share/internal/crypto"
)

// ErrNotFound covers every terminal server answer: unknown token,
// consumed, expired or policy-burned. The server does not distinguish
// them and neither can this client.
var ErrNotFound = errors.New("message not found")

// ErrWrongPassword is returned when the envelope does not decrypt. The
// message is left unburned so a retry within the attempt budget can
// still succeed.
var ErrWrongPassword = errors.New("wrong password or corrupted message")

type Client struct {
	baseURL string
	http    *http.Client
}

type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateOptions tunes a new message; zero values take server defaults.
type CreateOptions struct {
	ExpiresIn           time.Duration
	MaxViews            int
	CustomSlug          string
	MaxPasswordAttempts int
	RequireGeoMatch     bool
	AutoBurnOnSuspicion bool
}

// Created is the server's answer to a successful create.
type Created struct {
	Token        string     `json:"token"`
	CreatorToken string     `json:"creator_token"`
	URL          string     `json:"url"`
	ExpiresAt    *time.Time `json:"expires_at"`
	MaxViews     int        `json:"max_views"`
}

// Create encrypts plaintext locally and stores the envelope.
func (c *Client) Create(ctx context.Context, plaintext []byte, password string, opts CreateOptions) (*Created, error) {
	env, err := crypto.Encrypt(plaintext, password)
	if err != nil {
		return nil, err
	}

	req := map[string]any{
		"ciphertext": crypto.EncodeTransport(env.Ciphertext),
		"iv":         crypto.EncodeTransport(env.IV),
		"salt":       crypto.EncodeTransport(env.Salt),
	}
	if opts.ExpiresIn > 0 {
		req["expires_in"] = int(opts.ExpiresIn.Seconds())
	}
	if opts.MaxViews > 0 {
		req["max_views"] = opts.MaxViews
	}
	if opts.CustomSlug != "" {
		req["custom_slug"] = opts.CustomSlug
	}
	if opts.MaxPasswordAttempts > 0 {
		req["max_password_attempts"] = opts.MaxPasswordAttempts
	}
	if opts.RequireGeoMatch {
		req["require_geo_match"] = true
	}
	if opts.AutoBurnOnSuspicion {
		req["auto_burn_on_suspicion"] = true
	}

	var out Created
	if err := c.do(ctx, http.MethodPost, "/api/messages", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type envelopeResponse struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
	Salt       string `json:"salt"`
}

// Fetch retrieves the envelope without decrypting or burning. Each fetch
// counts against the message's attempt budget.
func (c *Client) Fetch(ctx context.Context, token string) (*crypto.Envelope, error) {
	var resp envelopeResponse
	if err := c.do(ctx, http.MethodGet, "/api/messages/"+token, nil, &resp); err != nil {
		return nil, err
	}

	ct, err := crypto.DecodeTransport(resp.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	iv, err := crypto.DecodeTransport(resp.IV)
	if err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	salt, err := crypto.DecodeTransport(resp.Salt)
	if err != nil {
		return nil, fmt.Errorf("malformed envelope: %w", err)
	}
	return &crypto.Envelope{Ciphertext: ct, IV: iv, Salt: salt}, nil
}

// Burn confirms a successful local decrypt, consuming one view.
func (c *Client) Burn(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/api/messages/"+token+"/burn", nil, nil)
}

// Open fetches, decrypts and confirms the burn in one step. On a wrong
// password the burn is NOT confirmed: the message stays readable for a
// retry, and the failed fetch has already counted against the attempt
// budget server-side.
func (c *Client) Open(ctx context.Context, token, password string) ([]byte, error) {
	env, err := c.Fetch(ctx, token)
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.Decrypt(env, password)
	if err != nil {
		return nil, ErrWrongPassword
	}

	if err := c.Burn(ctx, token); err != nil {
		return nil, err
	}
	return plaintext, nil
}

type apiError struct {
	Error string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	case resp.StatusCode == http.StatusNotFound, resp.StatusCode == http.StatusGone:
		return ErrNotFound
	default:
		var ae apiError
		if json.NewDecoder(resp.Body).Decode(&ae) == nil && ae.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, ae.Error)
		}
		return fmt.Errorf("server error (%d)", resp.StatusCode)
	}
}
