package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
)

// RegisterRoutes mounts every endpoint on r.
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	// Health and version
	r.HandleFunc("/health", h.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/healthz", h.HealthCheck).Methods(http.MethodGet)
	r.HandleFunc("/livez", h.LivenessCheck).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/readyz", h.ReadinessCheck).Methods(http.MethodGet)
	r.HandleFunc("/version", h.GetVersion).Methods(http.MethodGet)

	// Progress subscriptions
	r.HandleFunc("/ws", h.WebSocket).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/conversions", h.CreateConversion).Methods(http.MethodPost)
	api.HandleFunc("/conversions", h.ListConversions).Methods(http.MethodGet)
	api.HandleFunc("/conversions/clear", h.ClearConversions).Methods(http.MethodPost)
	api.HandleFunc("/conversions/files/{name}", h.DownloadConversion).Methods(http.MethodGet, http.MethodHead)
	api.HandleFunc("/conversions/{id}", h.GetConversion).Methods(http.MethodGet)

	api.HandleFunc("/troubleshoot/encoder", h.CheckEncoder).Methods(http.MethodGet)

	// Diagnostics: publish synthetic events without converting anything
	api.HandleFunc("/test/progress", h.PublishTestProgress).Methods(http.MethodPost)
	api.HandleFunc("/test/simulate", h.SimulateConversion).Methods(http.MethodPost)
	api.HandleFunc("/test/simulate-error", h.SimulateError).Methods(http.MethodPost)
}
