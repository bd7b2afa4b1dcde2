package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/okrlinkhub/agent-bridge/internal/agent"
	"github.com/okrlinkhub/agent-bridge/internal/audit"
	"github.com/okrlinkhub/agent-bridge/internal/auth"
	"github.com/okrlinkhub/agent-bridge/internal/circuit"
	"github.com/okrlinkhub/agent-bridge/internal/gateway"
	"github.com/okrlinkhub/agent-bridge/internal/linking"
	"github.com/okrlinkhub/agent-bridge/internal/metrics"
	"github.com/okrlinkhub/agent-bridge/internal/permission"
	"github.com/okrlinkhub/agent-bridge/internal/provisioning"
	"github.com/okrlinkhub/agent-bridge/internal/ratelimit"
)

// MetricsRecorder is an optional interface for recording HTTP-level metrics.
type MetricsRecorder interface {
	ObserveHTTP(kind, method, pattern string, status int, seconds float64)
	IncProvisioning(operation, outcome string)
	IncLinkResolution(outcome string)
	IncRateLimitRejection(limiterType, scope string)
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Gateway        *gateway.Orchestrator
	Agents         *agent.Service
	Permissions    *permission.Service
	Provisioning   *provisioning.Service
	Links          *linking.Service
	Circuit        *circuit.Breaker
	AccessLog      *audit.Reader
	DB             Pinger
	Limiter        *ratelimit.Limiter
	AdminKeys      *auth.AdminKeyChecker
	Metrics        *metrics.Metrics
	PathPrefix     string
	AllowedOrigins []string
	MaxBodySize    int64
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	var rec MetricsRecorder
	if deps.Metrics != nil {
		rec = deps.Metrics
	}

	r.Use(requestIDMiddleware)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(secureHeaders)
	r.Use(slogRequestLogger)
	r.Use(corsHandler(deps.AllowedOrigins))

	prefix := "/" + strings.Trim(deps.PathPrefix, "/")
	if prefix == "/" {
		prefix = "/agent"
	}

	gw := &gatewayHandler{
		gw:      deps.Gateway,
		prov:    deps.Provisioning,
		db:      deps.DB,
		maxBody: deps.MaxBodySize,
		metrics: rec,
	}

	r.Get("/health", gw.Health)
	r.Get("/.well-known/agent-bridge.json", wellKnownHandler(prefix))
	if deps.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}

	// Agent-facing gateway routes, throttled per client address.
	r.Route(prefix, func(gr chi.Router) {
		gr.Use(observeHTTP("gateway", rec))
		gr.Use(ratelimit.Middleware(deps.Limiter, func(*http.Request) {
			if rec != nil {
				rec.IncRateLimitRejection("ip", "gateway")
			}
		}))

		gr.Post("/execute", gw.Execute)
		gr.Get("/functions", gw.ListFunctions)
		gr.Post("/provision", gw.Provision)
		gr.Post("/refresh", gw.Refresh)
		gr.Get("/health", gw.Health)
	})

	agents := &agentsHandler{agents: deps.Agents, prov: deps.Provisioning}
	perms := &permissionsHandler{perms: deps.Permissions}
	tokens := &provisioningHandler{prov: deps.Provisioning, metrics: rec}
	breaker := &circuitHandler{breaker: deps.Circuit}
	links := &linksHandler{links: deps.Links, metrics: rec}
	accessLog := &accessLogHandler{reader: deps.AccessLog}

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		ar.Use(observeHTTP("admin", rec))
		ar.Use(auth.AdminAuthMiddleware(deps.AdminKeys))

		ar.Post("/agents", agents.CreateAgent)
		ar.Get("/agents", agents.ListAgents)
		ar.Get("/agents/{id}", agents.GetAgent)
		ar.Put("/agents/{id}", agents.UpdateAgent)
		ar.Post("/agents/{id}/rotate-key", agents.RotateKey)
		ar.Post("/agents/{id}/revoke", agents.RevokeAgent)
		ar.Get("/agents/{id}/instances", agents.ListInstances)
		ar.Delete("/agents/{id}/instances/{app}", agents.RevokeInstance)

		ar.Get("/agents/{id}/rules", perms.GetRules)
		ar.Put("/agents/{id}/rules", perms.SetRules)
		ar.Get("/overrides", perms.ListOverrides)
		ar.Put("/overrides/{key}", perms.SetOverride)

		ar.Post("/provisioning-tokens", tokens.CreateToken)
		ar.Get("/provisioning-tokens", tokens.ListTokens)

		ar.Get("/circuit/blocked", breaker.ListBlocked)
		ar.Get("/circuit/{agentID}", breaker.Status)
		ar.Delete("/circuit/{agentID}", breaker.Reset)

		ar.Put("/links", links.Upsert)
		ar.Get("/links", links.List)
		ar.Post("/links/resolve", links.Resolve)
		ar.Post("/links/revoke", links.Revoke)
		ar.Get("/links/{id}/refresh-token", links.RefreshToken)

		ar.Get("/access-log", accessLog.Query)

		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}
	})

	return r
}
