package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/okrlinkhub/agent-bridge/internal/circuit"
	"github.com/okrlinkhub/agent-bridge/internal/model"
)

type circuitHandler struct {
	breaker *circuit.Breaker
}

func scopeParam(r *http.Request) string {
	if s := r.URL.Query().Get("scope"); s != "" {
		return s
	}
	return circuit.AgentScope
}

// Status handles GET /api/v1/admin/circuit/{agentID}?scope=.
func (h *circuitHandler) Status(w http.ResponseWriter, r *http.Request) {
	c, err := h.breaker.Status(r.Context(), chi.URLParam(r, "agentID"), scopeParam(r))
	if err != nil {
		slog.Error("failed to read circuit counter", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to read circuit counter")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// Reset handles DELETE /api/v1/admin/circuit/{agentID}?scope=.
func (h *circuitHandler) Reset(w http.ResponseWriter, r *http.Request) {
	agentID, scope := chi.URLParam(r, "agentID"), scopeParam(r)
	if err := h.breaker.Reset(r.Context(), agentID, scope); err != nil {
		slog.Error("failed to reset circuit counter", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to reset circuit counter")
		return
	}
	auditLog(r, "reset", "circuit_counter", agentID, "scope", scope)
	w.WriteHeader(http.StatusNoContent)
}

// ListBlocked handles GET /api/v1/admin/circuit/blocked.
func (h *circuitHandler) ListBlocked(w http.ResponseWriter, r *http.Request) {
	list, err := h.breaker.ListBlocked(r.Context())
	if err != nil {
		slog.Error("failed to list blocked counters", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list blocked counters")
		return
	}
	if list == nil {
		list = []*model.CircuitCounter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"blocked": list})
}
