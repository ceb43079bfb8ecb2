package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/mmmika/construct/internal/api/handlers"
	"github.com/mmmika/construct/internal/api/middleware"
)

// NewRouter builds the HTTP surface: federation inbound endpoints,
// local injection, health/metrics. Middleware ordering follows the
// teacher's router: metrics first to capture every request including
// rejections, then security, then the standard chi stack.
func NewRouter(logger zerolog.Logger, h *handlers.Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Metrics)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // one pdu is capped at 64KiB; a send transaction may carry several
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Federation peers call in from arbitrary origins; there is no
	// browser session to protect against CSRF here.
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)

	r.Route("/_matrix/federation/v1", func(r chi.Router) {
		r.Get("/event/{eventID}", h.GetEvent)
		r.Put("/send/{txnID}", h.Send)
	})

	r.Post("/inject/{roomID}", h.Inject)
	r.Get("/room/{roomID}/state", h.RoomState)

	return r
}
