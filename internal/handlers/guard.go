// Package handlers exposes the detection pipeline over HTTP.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/jasmin-sec/apiguard/internal/httputil"
	"github.com/jasmin-sec/apiguard/internal/logging"
	"github.com/jasmin-sec/apiguard/internal/model"
	"github.com/jasmin-sec/apiguard/internal/service"
)

// maxRequestBytes bounds the event payload a caller may submit.
const maxRequestBytes = 1 << 20

type Handler struct {
	guard *service.Guard
	ready func() error
	log   *logging.Logger
}

func NewHandler(guard *service.Guard, ready func() error, log *logging.Logger) *Handler {
	return &Handler{guard: guard, ready: ready, log: log}
}

// Check handles POST /v1/check: the caller submits a security event and
// receives the verdict. A clean event yields an empty threat list; the
// HTTP status is 200 either way, since detection succeeded.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.WriteError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	var ev model.SecurityEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		httputil.WriteError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	if ev.Method == "" || ev.Path == "" {
		httputil.WriteError(w, http.StatusBadRequest, "event requires method and path")
		return
	}

	verdict := h.guard.Check(r.Context(), &ev)

	resp := checkResponse{
		Safe:      verdict.IsEmpty(),
		Timestamp: time.Now().UTC(),
	}
	if !verdict.IsEmpty() {
		resp.Verdict = verdict
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

type checkResponse struct {
	Safe      bool           `json:"safe"`
	Verdict   *model.Verdict `json:"verdict,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// HealthCheck handles /healthz: process is up.
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// ReadyCheck handles /readyz: dependencies are reachable.
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(); err != nil {
			h.log.WarnContext(r.Context(), "readiness check failed", logging.Err(err))
			httputil.WriteError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
