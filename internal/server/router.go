package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jasmin-sec/apiguard/internal/handlers"
	"github.com/jasmin-sec/apiguard/internal/middleware"
)

// NewRouter constructs a ServeMux with the detection API routes
// registered.
func NewRouter(h *handlers.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", h.HealthCheck)
	mux.HandleFunc("/readyz", h.ReadyCheck)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/v1/check", h.Check)

	return middleware.RequestID(mux)
}
