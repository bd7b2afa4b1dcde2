package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/okrlinkhub/agent-bridge/internal/auth"
	"github.com/okrlinkhub/agent-bridge/internal/gateway"
	"github.com/okrlinkhub/agent-bridge/internal/provisioning"
)

var tracer = otel.Tracer("github.com/okrlinkhub/agent-bridge/internal/api")

// Pinger reports store reachability for the health endpoint.
type Pinger interface {
	Ping(ctx context.Context) error
}

// gatewayHandler serves the agent-facing routes under the path prefix.
type gatewayHandler struct {
	gw      *gateway.Orchestrator
	prov    *provisioning.Service
	db      Pinger
	maxBody int64
	metrics MetricsRecorder
}

type executeRequest struct {
	FunctionKey   string         `json:"functionKey"`
	Args          map[string]any `json:"args"`
	EstimatedCost *float64       `json:"estimatedCost,omitempty"`
}

type executeResponse struct {
	Success bool `json:"success"`
	Result  any  `json:"result"`
}

// gatewayErrorResponse keeps the error envelope and adds the fields agent
// clients branch on.
type gatewayErrorResponse struct {
	Success           bool        `json:"success"`
	Error             errorDetail `json:"error"`
	RetryAfterSeconds int         `json:"retryAfterSeconds,omitempty"`
	MatchedPattern    string      `json:"matchedPattern,omitempty"`
	MatchedPermission string      `json:"matchedPermission,omitempty"`
	AgentID           string      `json:"agentId,omitempty"`
}

func writeGatewayError(w http.ResponseWriter, err error) {
	var ge *gateway.Error
	if !errors.As(err, &ge) {
		slog.Error("gateway call failed", "error", err)
		ge = &gateway.Error{Code: gateway.CodeMisconfigured, Status: http.StatusInternalServerError, Message: "internal error"}
	}
	if ge.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(ge.RetryAfter))
	}
	writeJSON(w, ge.Status, gatewayErrorResponse{
		Success:           false,
		Error:             errorDetail{Code: ge.Code, Message: ge.Message},
		RetryAfterSeconds: ge.RetryAfter,
		MatchedPattern:    ge.MatchedPattern,
		MatchedPermission: string(ge.MatchedPermission),
		AgentID:           ge.AgentID,
	})
}

func malformedRequest(msg string) *gateway.Error {
	return &gateway.Error{Code: gateway.CodeMalformed, Status: http.StatusBadRequest, Message: msg}
}

// Execute handles POST {prefix}/execute.
func (h *gatewayHandler) Execute(w http.ResponseWriter, r *http.Request) {
	cred, err := auth.ExtractCredential(r)
	switch {
	case errors.Is(err, auth.ErrIncompleteServiceHeaders):
		writeGatewayError(w, h.gw.Reject(cred, "", malformedRequest(err.Error())))
		return
	case err != nil:
		writeGatewayError(w, h.gw.Reject(cred, "", &gateway.Error{Code: gateway.CodeInvalidCredential, Status: http.StatusUnauthorized, Message: err.Error()}))
		return
	}

	var req executeRequest
	if err := readJSON(r, h.maxBody, &req); err != nil {
		if errors.Is(err, errBodyTooLarge) {
			writeGatewayError(w, h.gw.Reject(cred, "", &gateway.Error{Code: gateway.CodeMalformed, Status: http.StatusRequestEntityTooLarge, Message: "request body too large"}))
			return
		}
		writeGatewayError(w, h.gw.Reject(cred, "", malformedRequest("body must be a JSON object with functionKey and optional args")))
		return
	}

	res, err := h.gw.Execute(r.Context(), gateway.ExecuteRequest{
		Credential:    cred,
		FunctionKey:   req.FunctionKey,
		Args:          req.Args,
		EstimatedCost: req.EstimatedCost,
	})
	if err != nil {
		writeGatewayError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, executeResponse{Success: true, Result: res.Value})
}

// ListFunctions handles GET {prefix}/functions.
func (h *gatewayHandler) ListFunctions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"functions": h.gw.Registry().List(),
	})
}

type provisionRequest struct {
	ProvisioningToken string `json:"provisioningToken"`
}

// Provision handles POST {prefix}/provision.
func (h *gatewayHandler) Provision(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "gateway.provision")
	defer span.End()

	var req provisionRequest
	if err := readJSON(r, h.maxBody, &req); err != nil {
		writeGatewayError(w, malformedRequest("failed to parse request body"))
		return
	}
	if strings.TrimSpace(req.ProvisioningToken) == "" {
		writeGatewayError(w, malformedRequest("provisioningToken is required"))
		return
	}

	res, err := h.prov.Provision(ctx, req.ProvisioningToken, h.gw.AppName())
	h.recordProvisioning("provision", err)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		writeGatewayError(w, provisioningError(err))
		return
	}
	slog.Info("instance provisioned", "agent_id", res.AgentID, "app", res.AppName, "rotated", res.Rotated)
	writeJSON(w, http.StatusOK, res)
}

type refreshRequest struct {
	AgentID          string `json:"agentId"`
	AppName          string `json:"appName"`
	CurrentTokenHash string `json:"currentTokenHash"`
}

// Refresh handles POST {prefix}/refresh.
func (h *gatewayHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(r, h.maxBody, &req); err != nil {
		writeGatewayError(w, malformedRequest("failed to parse request body"))
		return
	}
	if req.AgentID == "" || req.CurrentTokenHash == "" {
		writeGatewayError(w, malformedRequest("agentId and currentTokenHash are required"))
		return
	}
	if req.AppName == "" {
		req.AppName = h.gw.AppName()
	}

	res, err := h.prov.Refresh(r.Context(), req.AgentID, req.AppName, req.CurrentTokenHash)
	h.recordProvisioning("refresh", err)
	if err != nil {
		writeGatewayError(w, provisioningError(err))
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *gatewayHandler) recordProvisioning(op string, err error) {
	if h.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = provisioningError(err).Code
	}
	h.metrics.IncProvisioning(op, outcome)
}

func provisioningError(err error) *gateway.Error {
	switch {
	case errors.Is(err, provisioning.ErrInvalidToken), errors.Is(err, provisioning.ErrHashMismatch):
		return &gateway.Error{Code: gateway.CodeInvalidCredential, Status: http.StatusUnauthorized, Message: err.Error()}
	case errors.Is(err, provisioning.ErrTokenInactive), errors.Is(err, provisioning.ErrTokenExpired),
		errors.Is(err, provisioning.ErrTokenExhausted), errors.Is(err, provisioning.ErrAgentRevoked):
		return &gateway.Error{Code: gateway.CodeDisabled, Status: http.StatusForbidden, Message: err.Error()}
	case errors.Is(err, provisioning.ErrNoInstance):
		return &gateway.Error{Code: "not_found", Status: http.StatusNotFound, Message: err.Error()}
	case errors.Is(err, provisioning.ErrAppRequired):
		return malformedRequest(err.Error())
	default:
		slog.Error("provisioning failed", "error", err)
		return &gateway.Error{Code: gateway.CodeMisconfigured, Status: http.StatusInternalServerError, Message: "internal error"}
	}
}

// Health handles GET {prefix}/health and GET /health.
func (h *gatewayHandler) Health(w http.ResponseWriter, r *http.Request) {
	status, code, db := "ok", http.StatusOK, "connected"
	if h.db != nil {
		if err := h.db.Ping(r.Context()); err != nil {
			slog.Warn("health check: store unreachable", "error", err)
			status, code, db = "degraded", http.StatusServiceUnavailable, "unreachable"
		}
	}
	writeJSON(w, code, map[string]any{
		"status":        status,
		"database":      db,
		"appName":       h.gw.AppName(),
		"functionCount": h.gw.Registry().Len(),
	})
}
