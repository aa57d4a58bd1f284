package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func (s *Server) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealthCheck)
		// The change feed streams indefinitely, so it sits outside the
		// request timeout applied to the rest of the API.
		r.Get("/events", s.handleEvents)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/tabs", s.handleListTabs)
			r.Post("/tabs", s.handleOpenTab)
			r.Post("/tabs/{id}/activate", s.handleActivateTab)
			r.Delete("/tabs/{id}", s.handleCloseTab)

			r.Get("/domains", s.handleListDomains)
			r.Get("/domains/{domain}", s.handleGetDomain)
			r.Post("/domains/{domain}/pin", s.handlePinDomain)
			r.Post("/domains/{domain}/unpin", s.handleUnpinDomain)
			r.Delete("/domains/{domain}/activity", s.handleClearActivity)
			r.Get("/domains/{domain}/config", s.handleGetConfig)
			r.Get("/domains/{domain}/entity", s.handleGetEntity)

			r.Post("/redetect", s.handleRedetect)

			r.Get("/settings", s.handleGetSettings)
			r.Put("/settings", s.handlePutSettings)
		})
	})

	return r
}
