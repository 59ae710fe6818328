package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-verify-broker/internal/application/verification"
)

// HealthHandler handles liveness pings and the provider health endpoint.
type HealthHandler struct {
	svc verification.Service
}

func NewHealthHandler(svc verification.Service) *HealthHandler {
	return &HealthHandler{svc: svc}
}

func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	action := chi.URLParam(r, "action")
	if action == "ping" {
		writeJSON(w, http.StatusOK, MessageEnvelope{Message: "pong"})
		return
	}
	writeError(w, http.StatusBadRequest, "unknown action")
}

// Status reports provider reachability and account balance. It always
// returns a structured result, whatever state the provider is in.
func (h *HealthHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Health(r.Context()))
}
