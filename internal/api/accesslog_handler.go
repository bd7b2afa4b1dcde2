package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/audit"
	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

type accessLogHandler struct {
	reader *audit.Reader
}

// Query handles GET /api/v1/admin/access-log.
func (h *accessLogHandler) Query(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	q := model.AccessLogQuery{
		AgentID:     v.Get("agent_id"),
		FunctionKey: v.Get("function_key"),
		Cursor:      v.Get("cursor"),
	}
	if s := v.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_param", "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = &t
	}
	if s := v.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_param", "limit must be a non-negative integer")
			return
		}
		q.Limit = n
	}
	if q.Cursor != "" {
		if _, _, err := store.DecodeCursor(q.Cursor); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_param", "invalid cursor")
			return
		}
	}

	page, err := h.reader.Query(r.Context(), q)
	if err != nil {
		slog.Error("failed to query access log", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to query access log")
		return
	}
	writeJSON(w, http.StatusOK, page)
}
