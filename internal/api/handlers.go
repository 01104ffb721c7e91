package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"ember.share/config"
	"ember.share/internal/audit"
	"ember.share/internal/crypto"
	"ember.share/internal/gate"
	"ember.share/internal/logging"
	"ember.share/internal/models"
	"ember.share/internal/store"
)

type Handler struct {
	gate   *gate.Gate
	trail  *audit.Trail
	config *config.Config
	logger logging.Logger
}

func NewHandler(g *gate.Gate, trail *audit.Trail, cfg *config.Config, logger logging.Logger) *Handler {
	return &Handler{
		gate:   g,
		trail:  trail,
		config: cfg,
		logger: logger,
	}
}

// Binary fields travel as base64 strings (see crypto.EncodeTransport).

type CreateMessageRequest struct {
	Ciphertext          string `json:"ciphertext"`
	IV                  string `json:"iv"`
	Salt                string `json:"salt"`
	ExpiresIn           int    `json:"expires_in,omitempty"` // seconds
	MaxViews            int    `json:"max_views,omitempty"`
	CustomSlug          string `json:"custom_slug,omitempty"`
	MaxPasswordAttempts int    `json:"max_password_attempts,omitempty"`
	RequireGeoMatch     bool   `json:"require_geo_match,omitempty"`
	AutoBurnOnSuspicion bool   `json:"auto_burn_on_suspicion,omitempty"`
}

type CreateMessageResponse struct {
	Token        string     `json:"token"`
	CreatorToken string     `json:"creator_token"`
	URL          string     `json:"url"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	MaxViews     int        `json:"max_views"`
}

type AttachmentRef struct {
	ID           string `json:"id"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
	Size         int64  `json:"size"`
}

type ReadMessageResponse struct {
	Ciphertext  string          `json:"ciphertext"`
	IV          string          `json:"iv"`
	Salt        string          `json:"salt"`
	Attachments []AttachmentRef `json:"attachments"`
	CreatedAt   time.Time       `json:"created_at"`
}

type BurnResponse struct {
	Success           bool `json:"success"`
	ViewsRemaining    int  `json:"views_remaining"`
	MarkedAttachments int  `json:"marked_attachments"`
}

type StatusResponse struct {
	Exists         bool       `json:"exists"`
	Expired        bool       `json:"expired"`
	ViewsRemaining int        `json:"views_remaining,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

type CreateAttachmentRequest struct {
	MessageToken string `json:"message_token"`
	Ciphertext   string `json:"ciphertext"`
	IV           string `json:"iv"`
	Salt         string `json:"salt"`
	OriginalName string `json:"original_name"`
	ContentType  string `json:"content_type"`
}

type AttachmentResponse struct {
	ID           string    `json:"id"`
	Ciphertext   string    `json:"ciphertext,omitempty"`
	IV           string    `json:"iv,omitempty"`
	Salt         string    `json:"salt,omitempty"`
	OriginalName string    `json:"original_name"`
	ContentType  string    `json:"content_type"`
	Size         int64     `json:"size"`
	CreatedAt    time.Time `json:"created_at"`
}

type AuditResponse struct {
	Events []*models.AuditEvent `json:"events"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	var req CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	ciphertext, iv, salt, ok := h.decodeEnvelope(w, req.Ciphertext, req.IV, req.Salt)
	if !ok {
		return
	}
	if int64(len(ciphertext)) > h.config.Messages.MaxCiphertextBytes {
		h.error(w, http.StatusBadRequest, "ciphertext too large")
		return
	}

	if req.CustomSlug != "" {
		if err := store.ValidateSlug(req.CustomSlug); err != nil {
			h.error(w, http.StatusBadRequest, "slug is not allowed")
			return
		}
	}

	maxViews := clamp(
		req.MaxViews,
		h.config.Messages.DefaultViews,
		h.config.Messages.MaxViews,
	)

	ttl := clampDuration(
		time.Duration(req.ExpiresIn)*time.Second,
		h.config.Messages.DefaultTTL,
		h.config.Messages.MaxTTL,
	)

	maxAttempts := req.MaxPasswordAttempts
	if maxAttempts < 0 {
		maxAttempts = 0
	}

	msg, err := h.gate.Create(r.Context(), gate.CreateParams{
		Ciphertext:          ciphertext,
		IV:                  iv,
		Salt:                salt,
		ExpiresIn:           ttl,
		MaxViews:            maxViews,
		MaxPasswordAttempts: maxAttempts,
		RequireGeoMatch:     req.RequireGeoMatch,
		AutoBurnOnSuspicion: req.AutoBurnOnSuspicion,
		CustomSlug:          req.CustomSlug,
		Country:             requestCountry(r),
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	ref := msg.Token
	if msg.CustomSlug != "" {
		ref = msg.CustomSlug
	}

	resp := CreateMessageResponse{
		Token:        msg.Token,
		CreatorToken: msg.CreatorToken,
		URL:          h.config.Server.BaseURL + "/s/" + ref,
		MaxViews:     msg.MaxViews,
	}
	if !msg.ExpiresAt.IsZero() {
		resp.ExpiresAt = &msg.ExpiresAt
	}
	h.json(w, http.StatusCreated, resp)
}

func (h *Handler) ReadMessage(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "token")

	msg, atts, err := h.gate.AttemptRead(r.Context(), ref, requestCountry(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	refs := make([]AttachmentRef, 0, len(atts))
	for _, att := range atts {
		refs = append(refs, AttachmentRef{
			ID:           att.ID,
			OriginalName: att.OriginalName,
			ContentType:  att.ContentType,
			Size:         att.Size,
		})
	}

	h.json(w, http.StatusOK, ReadMessageResponse{
		Ciphertext:  crypto.EncodeTransport(msg.Ciphertext),
		IV:          crypto.EncodeTransport(msg.IV),
		Salt:        crypto.EncodeTransport(msg.Salt),
		Attachments: refs,
		CreatedAt:   msg.CreatedAt,
	})
}

func (h *Handler) BurnMessage(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "token")

	res, err := h.gate.ConfirmBurn(r.Context(), ref, requestCountry(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.json(w, http.StatusOK, BurnResponse{
		Success:           true,
		ViewsRemaining:    res.Remaining,
		MarkedAttachments: res.MarkedAttachments,
	})
}

func (h *Handler) MessageStatus(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "token")

	msg, err := h.gate.Status(r.Context(), ref)
	if err != nil {
		status := StatusResponse{Exists: false}
		if errors.Is(err, store.ErrExpired) {
			status.Expired = true
		}
		h.json(w, http.StatusOK, status)
		return
	}

	resp := StatusResponse{
		Exists:         true,
		ViewsRemaining: msg.MaxViews - msg.ViewCount,
	}
	if !msg.ExpiresAt.IsZero() {
		resp.ExpiresAt = &msg.ExpiresAt
	}
	h.json(w, http.StatusOK, resp)
}

func (h *Handler) CreateAttachment(w http.ResponseWriter, r *http.Request) {
	creatorToken := r.Header.Get("X-Creator-Token")
	if creatorToken == "" {
		h.error(w, http.StatusUnauthorized, "creator token required")
		return
	}

	var req CreateAttachmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.MessageToken == "" {
		h.error(w, http.StatusBadRequest, "message_token is required")
		return
	}

	ciphertext, iv, salt, ok := h.decodeEnvelope(w, req.Ciphertext, req.IV, req.Salt)
	if !ok {
		return
	}
	if int64(len(ciphertext)) > h.config.Messages.MaxAttachmentBytes {
		h.error(w, http.StatusBadRequest, "attachment too large")
		return
	}

	att := &models.Attachment{
		IV:           iv,
		Salt:         salt,
		OriginalName: req.OriginalName,
		ContentType:  req.ContentType,
	}

	att, err := h.gate.AddAttachment(r.Context(), req.MessageToken, creatorToken, att, ciphertext)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.json(w, http.StatusCreated, AttachmentResponse{
		ID:           att.ID,
		OriginalName: att.OriginalName,
		ContentType:  att.ContentType,
		Size:         att.Size,
		CreatedAt:    att.CreatedAt,
	})
}

func (h *Handler) GetAttachment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	att, data, err := h.gate.GetAttachment(r.Context(), id)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.json(w, http.StatusOK, AttachmentResponse{
		ID:           att.ID,
		Ciphertext:   crypto.EncodeTransport(data),
		IV:           crypto.EncodeTransport(att.IV),
		Salt:         crypto.EncodeTransport(att.Salt),
		OriginalName: att.OriginalName,
		ContentType:  att.ContentType,
		Size:         att.Size,
		CreatedAt:    att.CreatedAt,
	})
}

func (h *Handler) ConfirmAttachmentDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.gate.ConfirmAttachmentDelete(r.Context(), id); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.json(w, http.StatusOK, map[string]bool{"success": true})
}

func (h *Handler) QueryAudit(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	capability := r.Header.Get("X-Creator-Token")
	if capability == "" {
		h.error(w, http.StatusUnauthorized, "creator token required")
		return
	}

	events, err := h.trail.Query(r.Context(), token, capability)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.json(w, http.StatusOK, AuditResponse{Events: events})
}

// decodeEnvelope decodes the three base64 envelope fields, writing a 400
// and returning ok=false when any is missing or malformed.
func (h *Handler) decodeEnvelope(w http.ResponseWriter, ciphertext, iv, salt string) ([]byte, []byte, []byte, bool) {
	if ciphertext == "" || iv == "" || salt == "" {
		h.error(w, http.StatusBadRequest, "ciphertext, iv and salt are required")
		return nil, nil, nil, false
	}

	ct, err := crypto.DecodeTransport(ciphertext)
	if err != nil {
		h.error(w, http.StatusBadRequest, "invalid ciphertext encoding")
		return nil, nil, nil, false
	}
	ivb, err := crypto.DecodeTransport(iv)
	if err != nil {
		h.error(w, http.StatusBadRequest, "invalid iv encoding")
		return nil, nil, nil, false
	}
	saltb, err := crypto.DecodeTransport(salt)
	if err != nil {
		h.error(w, http.StatusBadRequest, "invalid salt encoding")
		return nil, nil, nil, false
	}
	return ct, ivb, saltb, true
}

func (h *Handler) json(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) error(w http.ResponseWriter, status int, message string) {
	h.json(w, status, ErrorResponse{Error: message})
}

// handleError maps internal errors to the wire taxonomy. Missing,
// consumed and policy-burned are deliberately the same 404; expired is a
// 410 only while the row still exists (UX nicety, no extra information).
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.error(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrExpired):
		h.error(w, http.StatusGone, "message has expired")
	case errors.Is(err, store.ErrSlugTaken):
		h.error(w, http.StatusConflict, "slug is already taken")
	case errors.Is(err, gate.ErrUnauthorized), errors.Is(err, audit.ErrUnauthorized):
		h.error(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, store.ErrBusy):
		w.Header().Set("Retry-After", "1")
		h.error(w, http.StatusServiceUnavailable, "busy, retry shortly")
	default:
		h.logger.Error(r.Context(), "internal error", "path", r.URL.Path, "error", err)
		h.error(w, http.StatusInternalServerError, "internal error")
	}
}

// requestCountry reads the edge-supplied country hint. Only the two
// letter code ever enters the system.
func requestCountry(r *http.Request) string {
	if cc := r.Header.Get("X-Country-Code"); cc != "" {
		return cc
	}
	return r.Header.Get("CF-IPCountry")
}

func clamp(val, defaultVal, maxVal int) int {
	if val <= 0 {
		return defaultVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}

func clampDuration(val, defaultVal, maxVal time.Duration) time.Duration {
	if val <= 0 {
		return defaultVal
	}
	if val > maxVal {
		return maxVal
	}
	return val
}
