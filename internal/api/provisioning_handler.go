package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/provisioning"
)

type provisioningHandler struct {
	prov    *provisioning.Service
	metrics MetricsRecorder
}

type createTokenRequest struct {
	Email      string `json:"email" validate:"required,email"`
	Department string `json:"department" validate:"max=200"`
	MaxApps    int    `json:"max_apps" validate:"gte=0"`
	TTLHours   int    `json:"ttl_hours" validate:"gte=0"`
	CreatedBy  string `json:"created_by" validate:"max=200"`
}

type createTokenResponse struct {
	*model.ProvisioningToken
	Token string `json:"token"`
}

// CreateToken handles POST /api/v1/admin/provisioning-tokens. The
// plaintext token is only returned here.
func (h *provisioningHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	var req createTokenRequest
	if !decodeValid(w, r, &req) {
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = "admin"
	}
	pt, plaintext, err := h.prov.GenerateToken(r.Context(), provisioning.GenerateTokenInput{
		Email:      req.Email,
		Department: req.Department,
		MaxApps:    req.MaxApps,
		TTL:        time.Duration(req.TTLHours) * time.Hour,
		CreatedBy:  req.CreatedBy,
	})
	if h.metrics != nil {
		outcome := "success"
		if err != nil {
			outcome = "error"
		}
		h.metrics.IncProvisioning("generate_token", outcome)
	}
	if err != nil {
		if errors.Is(err, provisioning.ErrEmailInvalid) || errors.Is(err, provisioning.ErrMaxAppsInvalid) {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
			return
		}
		slog.Error("failed to generate provisioning token", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate provisioning token")
		return
	}
	auditLog(r, "create", "provisioning_token", pt.ID, "email", pt.Email, "prefix", pt.TokenPrefix)
	writeJSON(w, http.StatusCreated, createTokenResponse{ProvisioningToken: pt, Token: plaintext})
}

// ListTokens handles GET /api/v1/admin/provisioning-tokens.
func (h *provisioningHandler) ListTokens(w http.ResponseWriter, r *http.Request) {
	list, err := h.prov.ListTokens(r.Context())
	if err != nil {
		slog.Error("failed to list provisioning tokens", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list provisioning tokens")
		return
	}
	if list == nil {
		list = []*model.ProvisioningToken{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tokens": list})
}
