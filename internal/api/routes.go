package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterDeps are the handlers mounted by NewRouter. A nil handler leaves its
// routes unmounted.
type RouterDeps struct {
	Health      *HealthChecker
	Inbound     *InboundHandler
	Webhooks    *WebhookHandler
	Pipeline    *PipelineHandler
	CORSOrigins []string
}

// NewRouter configures all routes.
//
// Provider callbacks are unauthenticated (they carry signatures); everything
// under /api requires the caller identity header.
func NewRouter(d RouterDeps) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	if len(d.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   d.CORSOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Content-Type", HeaderUserID},
			ExposedHeaders:   []string{"Link"},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	if d.Health != nil {
		r.Get("/health", d.Health.HandleHealth)
		r.Get("/health/live", d.Health.HandleLiveness)
		r.Get("/health/ready", d.Health.HandleReadiness)
	} else {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"status":"healthy"}`))
		})
	}

	if d.Inbound != nil {
		r.Post("/webhooks/provider", d.Inbound.HandleProviderWebhook)
		r.Post("/webhooks/provider/{credentialID}", d.Inbound.HandleProviderWebhook)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(RequireUser)

		if d.Webhooks != nil {
			r.Route("/webhooks", d.Webhooks.Routes)
		}
		if d.Pipeline != nil {
			r.Post("/sends", d.Pipeline.HandleSubmitSend)
			r.Post("/events", d.Pipeline.HandlePublishEvent)
			r.Get("/dispatcher/stats", d.Pipeline.HandleDispatcherStats)
		}
	})

	return r
}
