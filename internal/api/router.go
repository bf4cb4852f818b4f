package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter mounts the WebSocket endpoints, the REST API, health and metrics.
func NewRouter(h *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.HandleHealth)
	r.Handle("/metrics", h.metrics.Handler())

	r.Get("/ws", h.HandleWebSocket)
	r.Get("/ws/sensor-data", h.HandleSensorDataSocket)

	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/token", h.HandleToken)

		r.Group(func(r chi.Router) {
			// --> Apply Authentication Middleware to the data endpoints <--
			r.Use(h.auth.JWTMiddleware)
			r.Get("/thresholds", h.HandleListThresholds)
			r.Post("/thresholds", h.HandleSaveThreshold)
			r.Get("/alerts", h.HandleListAlerts)
			r.Post("/alerts/{id}/resolve", h.HandleResolveAlert)
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}
