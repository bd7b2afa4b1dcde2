package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/okrlinkhub/agent-bridge/internal/linking"
	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

type linksHandler struct {
	links   *linking.Service
	metrics MetricsRecorder
}

func writeLinkError(w http.ResponseWriter, err error, fallback string) {
	var le *linking.Error
	switch {
	case errors.As(err, &le):
		if le.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(le.RetryAfter))
		}
		writeError(w, le.Status, le.Code, le.Message)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, linking.CodeNotFound, "link not found")
	default:
		slog.Error(fallback, "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", fallback)
	}
}

// Upsert handles PUT /api/v1/admin/links.
func (h *linksHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	var in linking.UpsertInput
	if !decodeValid(w, r, &in) {
		return
	}
	link, created, err := h.links.Upsert(r.Context(), in)
	if err != nil {
		writeLinkError(w, err, "failed to upsert link")
		return
	}
	auditLog(r, "upsert", "link", link.ID, "provider", link.Provider, "app_key", link.AppKey, "created", created)
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"link": link, "created": created})
}

// Resolve handles POST /api/v1/admin/links/resolve.
func (h *linksHandler) Resolve(w http.ResponseWriter, r *http.Request) {
	var in linking.ResolveInput
	if !decodeValid(w, r, &in) {
		return
	}
	ctx, span := tracer.Start(r.Context(), "links.resolve", trace.WithAttributes(
		attribute.String("agentbridge.link_provider", in.Provider),
	))
	defer span.End()

	link, err := h.links.Resolve(ctx, in)
	if h.metrics != nil {
		outcome := "resolved"
		var le *linking.Error
		if errors.As(err, &le) {
			outcome = le.Code
		} else if err != nil {
			outcome = "error"
		}
		h.metrics.IncLinkResolution(outcome)
	}
	if err != nil {
		span.RecordError(err)
		writeLinkError(w, err, "failed to resolve link")
		return
	}
	writeJSON(w, http.StatusOK, link)
}

// Revoke handles POST /api/v1/admin/links/revoke.
func (h *linksHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var id linking.Identity
	if !decodeValid(w, r, &id) {
		return
	}
	link, err := h.links.Revoke(r.Context(), id)
	if err != nil {
		writeLinkError(w, err, "failed to revoke link")
		return
	}
	auditLog(r, "revoke", "link", link.ID)
	writeJSON(w, http.StatusOK, link)
}

// List handles GET /api/v1/admin/links.
func (h *linksHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := model.LinkFilter{
		AppKey:   q.Get("app_key"),
		Provider: q.Get("provider"),
		Status:   model.LinkStatus(q.Get("status")),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_param", "limit must be an integer")
			return
		}
		f.Limit = n
	}
	list, err := h.links.List(r.Context(), f)
	if err != nil {
		writeLinkError(w, err, "failed to list links")
		return
	}
	if list == nil {
		list = []*model.Link{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"links": list})
}

// RefreshToken handles GET /api/v1/admin/links/{id}/refresh-token.
func (h *linksHandler) RefreshToken(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tok, err := h.links.RefreshToken(r.Context(), id)
	if err != nil {
		writeLinkError(w, err, "failed to read refresh token")
		return
	}
	auditLog(r, "read_refresh_token", "link", id)
	writeJSON(w, http.StatusOK, map[string]string{"refresh_token": tok})
}
