package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Get("/{dev_eui}", s.HandleGetDevice)
		})
		r.Get("/gateway", s.HandleGetGateway)
	})
}

func (s *RESTServer) setupMetricsRoute(r chi.Router) {
	r.Handle("/metrics", promhttp.Handler())
}
