package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/hackgods/appointment-negotiation/internal/appointment"
	"github.com/hackgods/appointment-negotiation/internal/metrics"
)

type RouterConfig struct {
	Service *appointment.Service
	Health  *HealthHandler
	Metrics *metrics.Metrics
	Log     zerolog.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// Apply middleware
	r.Use(middleware.RealIP)
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Log, cfg.Metrics))
	r.Use(middleware.Recoverer)

	// Health endpoints
	if cfg.Health != nil {
		r.Get("/health/live", cfg.Health.Liveness)
		r.Get("/health/ready", cfg.Health.Readiness)
	}
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics.Handler())
	}

	h := NewHandler(cfg.Service, cfg.Metrics, cfg.Log)

	r.Route("/slots", func(r chi.Router) {
		r.Get("/", h.Slots)
		r.Post("/hold", h.HoldSlot)
		r.Post("/release", h.ReleaseSlot)
	})

	r.Route("/appointments", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", h.Get)
			r.Post("/respond", h.Respond())
			r.Post("/repropose", h.Repropose())
			r.Post("/accept", h.Accept())
			r.Post("/reject", h.Reject())
			r.Post("/counter-propose", h.CounterPropose())
			r.Post("/modify", h.Modify())
			r.Post("/cancel", h.Cancel())
			r.Post("/complete", h.Complete())
			r.Post("/no-show", h.NoShow())
			r.Get("/history", h.History)
			r.Get("/history/verify", h.VerifyHistory)
			r.Get("/proposals", h.Proposals)
		})
	})

	return r
}
