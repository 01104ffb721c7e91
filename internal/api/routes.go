package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"ember.share/config"
	"ember.share/internal/audit"
	"ember.share/internal/gate"
	"ember.share/internal/logging"
)

func SetupRouter(g *gate.Gate, trail *audit.Trail, cfg *config.Config, log logging.Logger) *chi.Mux {
	h := NewHandler(g, trail, cfg, log)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS
	r.Use(CORS(CORSConfig{
		AllowedOrigins: []string{cfg.Server.BaseURL},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID", "X-Creator-Token", "X-Country-Code"},
		MaxAge:         86400,
	}))

	// Health
	r.Get("/health", h.Health)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Use(JSONOnly)

		if cfg.RateLimit.Enabled {
			apiLimiter := NewRateLimiter(cfg.RateLimit.RequestsPerMin, time.Minute)
			revealLimiter := NewRateLimiter(cfg.RateLimit.RevealPerMin, time.Minute)

			r.Use(apiLimiter.Middleware)

			r.Route("/messages", func(r chi.Router) {
				r.Post("/", h.CreateMessage)
				r.With(revealLimiter.Middleware).Get("/{token}", h.ReadMessage)
				r.Post("/{token}/burn", h.BurnMessage)
				r.Get("/{token}/status", h.MessageStatus)
			})
		} else {
			r.Route("/messages", func(r chi.Router) {
				r.Post("/", h.CreateMessage)
				r.Get("/{token}", h.ReadMessage)
				r.Post("/{token}/burn", h.BurnMessage)
				r.Get("/{token}/status", h.MessageStatus)
			})
		}

		r.Route("/attachments", func(r chi.Router) {
			r.Post("/", h.CreateAttachment)
			r.Get("/{id}", h.GetAttachment)
			r.Post("/{id}/confirm-delete", h.ConfirmAttachmentDelete)
		})

		r.Get("/audit/{token}", h.QueryAudit)
	})

	return r
}
