// Package gateway composes credential lookup, permission resolution and the
// circuit breaker into one atomic authorization decision, then runs the
// authorized function and records the outcome.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okrlinkhub/agent-bridge/internal/auth"
	"github.com/okrlinkhub/agent-bridge/internal/circuit"
	"github.com/okrlinkhub/agent-bridge/internal/functions"
	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/permission"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

// Settings is the operator-level configuration injected at startup.
type Settings struct {
	AppName              string
	DefaultEstimatedCost float64
	DefaultQuota         circuit.Limits
	ExecuteTimeout       time.Duration
}

// MetricsRecorder is an optional interface for recording gateway metrics.
type MetricsRecorder interface {
	IncDecision(outcome, credentialKind string)
	IncCircuitTrip(level string)
	IncUserTokenRejection(reason string)
	ObserveExecution(functionKey, fnType, status string, seconds float64)
	IncExecutionError(errorType, functionKey string)
	IncActiveExecutions()
	DecActiveExecutions()
}

// AuditRecorder receives one entry per gateway call.
type AuditRecorder interface {
	Record(e model.AccessLogEntry)
}

type Orchestrator struct {
	store       store.Store
	registry    *functions.Registry
	host        functions.Host
	serviceKeys *auth.ServiceKeySource
	userTokens  *auth.UserTokenValidator
	audit       AuditRecorder
	settings    Settings
	metrics     MetricsRecorder
	tracer      trace.Tracer
	now         func() time.Time
}

func New(st store.Store, reg *functions.Registry, host functions.Host, serviceKeys *auth.ServiceKeySource,
	userTokens *auth.UserTokenValidator, audit AuditRecorder, settings Settings) *Orchestrator {
	if host == nil {
		host = functions.DirectHost{}
	}
	return &Orchestrator{
		store:       st,
		registry:    reg,
		host:        host,
		serviceKeys: serviceKeys,
		userTokens:  userTokens,
		audit:       audit,
		settings:    settings,
		tracer:      otel.Tracer("github.com/okrlinkhub/agent-bridge/internal/gateway"),
		now:         time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (o *Orchestrator) SetMetrics(m MetricsRecorder) {
	o.metrics = m
}

func (o *Orchestrator) Registry() *functions.Registry { return o.registry }

func (o *Orchestrator) AppName() string { return o.settings.AppName }

// Decision is a successful authorization.
type Decision struct {
	AgentID           string
	AppName           string
	CredentialKind    auth.CredentialKind
	Function          *functions.Definition
	MatchedPattern    string
	MatchedPermission model.PermissionKind
	Quota             *circuit.Decision
}

// Authorize decides whether cred may call functionKey. Credential lookup,
// permission resolution, quota consumption and the activity update happen in
// one transaction. A quota rejection still commits the counters it touched.
func (o *Orchestrator) Authorize(ctx context.Context, cred auth.Credential, functionKey string, estimatedCost float64) (*Decision, error) {
	ctx, span := o.tracer.Start(ctx, "gateway.authorize", trace.WithAttributes(
		attribute.String("agentbridge.function_key", functionKey),
		attribute.String("agentbridge.credential_kind", cred.Kind.String()),
	))
	defer span.End()

	d, err := o.authorize(ctx, cred, functionKey, estimatedCost)
	outcome := "allowed"
	if err != nil {
		outcome = CodeMisconfigured
		var ge *Error
		if errors.As(err, &ge) {
			outcome = ge.Code
		}
		span.SetStatus(codes.Error, outcome)
	} else {
		span.SetAttributes(attribute.String("agentbridge.agent_id", d.AgentID))
	}
	if o.metrics != nil {
		o.metrics.IncDecision(outcome, cred.Kind.String())
	}
	return d, err
}

func (o *Orchestrator) authorize(ctx context.Context, cred auth.Credential, functionKey string, cost float64) (*Decision, error) {
	functionKey = strings.TrimSpace(functionKey)
	if functionKey == "" {
		return nil, malformed("functionKey is required")
	}
	if cost < 0 {
		return nil, malformed("estimatedCost must not be negative")
	}
	def, ok := o.registry.Lookup(functionKey)
	if !ok {
		return nil, &Error{Code: CodeFunctionUnknown, Status: http.StatusNotFound, Message: fmt.Sprintf("function %q is not configured", functionKey)}
	}

	switch cred.Kind {
	case auth.CredentialAPIKey, auth.CredentialInstance:
		if cred.Secret == "" {
			return nil, invalidCredential("missing credential")
		}
	case auth.CredentialService:
		if err := o.verifyService(cred); err != nil {
			return nil, err
		}
	default:
		return nil, invalidCredential("missing credential")
	}

	var (
		decision *Decision
		failure  *Error
		agentID  string
		appName  string
	)
	err := o.store.Update(ctx, func(tx store.Tx) error {
		decision, failure, agentID, appName = nil, nil, "", ""
		now := o.now().UTC()

		agent, inst, fail, err := o.resolveAgent(ctx, tx, cred, now)
		if err != nil {
			return err
		}
		if fail != nil {
			failure = fail
			return nil
		}
		agentID = agent.ID
		if inst != nil {
			appName = inst.AppName
		}
		if !agent.Active() {
			failure = disabled("agent is disabled or revoked")
			return nil
		}

		override, err := tx.GetOverride(ctx, functionKey)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if override != nil && !override.Enabled {
			failure = disabled(fmt.Sprintf("function %q is disabled by the operator", functionKey))
			return nil
		}

		rules, err := o.rulesFor(ctx, tx, agent.ID, appName)
		if err != nil {
			return err
		}
		rule, ok := permission.BestMatch(functionKey, rules)
		if !ok {
			failure = &Error{Code: CodeNotAuthorized, Status: http.StatusForbidden,
				Message: fmt.Sprintf("no permission rule matches %q", functionKey)}
			return nil
		}
		if rule.Permission == model.PermissionDeny {
			failure = &Error{Code: CodeNotAuthorized, Status: http.StatusForbidden,
				Message:           fmt.Sprintf("access to %q is denied", functionKey),
				MatchedPattern:    rule.Pattern,
				MatchedPermission: rule.Permission}
			return nil
		}

		quota, fail, err := o.consumeQuota(ctx, tx, agent, override, rule, functionKey, cost, now)
		if err != nil {
			return err
		}
		if fail != nil {
			failure = fail
			return nil
		}

		agent.LastUsed = &now
		if err := tx.UpdateAgent(ctx, agent); err != nil {
			return err
		}
		if inst != nil {
			if inst.LastActivity == nil || !sameMonth(*inst.LastActivity, now) {
				inst.MonthlyRequests = 0
			}
			inst.MonthlyRequests++
			inst.LastActivity = &now
			if err := tx.PutInstance(ctx, inst); err != nil {
				return err
			}
		}

		decision = &Decision{
			AgentID:           agent.ID,
			AppName:           appName,
			CredentialKind:    cred.Kind,
			Function:          def,
			MatchedPattern:    rule.Pattern,
			MatchedPermission: rule.Permission,
			Quota:             quota,
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("authorizing %s: %w", functionKey, err)
	}
	if failure != nil {
		failure.AgentID, failure.AppName = agentID, appName
		return nil, failure
	}
	return decision, nil
}

func (o *Orchestrator) verifyService(cred auth.Credential) error {
	if o.serviceKeys == nil {
		return &Error{Code: CodeMisconfigured, Status: http.StatusInternalServerError, Message: "service keys are not configured"}
	}
	err := o.serviceKeys.Verify(cred.ServiceID, cred.ServiceKey)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, auth.ErrInvalidServiceKey):
		return invalidCredential("invalid service credentials")
	default:
		slog.Error("service key map unavailable", "error", err)
		return &Error{Code: CodeMisconfigured, Status: http.StatusInternalServerError, Message: "service keys are not configured"}
	}
}

// resolveAgent maps the credential to its agent, and for instance tokens to
// the instance row.
func (o *Orchestrator) resolveAgent(ctx context.Context, tx store.Tx, cred auth.Credential, now time.Time) (*model.Agent, *model.AppInstance, *Error, error) {
	var (
		agent *model.Agent
		inst  *model.AppInstance
		err   error
	)
	switch cred.Kind {
	case auth.CredentialAPIKey:
		agent, err = tx.GetAgentByKeyHash(ctx, auth.HashKey(cred.Secret))
	case auth.CredentialService:
		agent, err = tx.GetAgentByAppKey(ctx, cred.AppKey)
	case auth.CredentialInstance:
		inst, err = tx.GetInstanceByTokenHash(ctx, auth.HashKey(cred.Secret))
		if err == nil {
			if !now.Before(inst.ExpiresAt) {
				return nil, nil, invalidCredential("instance token has expired"), nil
			}
			if o.settings.AppName != "" && inst.AppName != o.settings.AppName {
				return nil, nil, invalidCredential("instance token is not valid for this application"), nil
			}
			agent, err = tx.GetAgent(ctx, inst.AgentID)
		}
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, invalidCredential("invalid credential"), nil
	}
	if err != nil {
		return nil, nil, nil, err
	}
	return agent, inst, nil, nil
}

// rulesFor returns the app-scoped rule set when one exists, else the
// agent-wide set.
func (o *Orchestrator) rulesFor(ctx context.Context, tx store.Tx, agentID, appName string) ([]model.PermissionRule, error) {
	if appName != "" {
		rules, err := tx.ListRules(ctx, agentID, appName)
		if err != nil || len(rules) > 0 {
			return rules, err
		}
	}
	return tx.ListRules(ctx, agentID, "")
}

// consumeQuota charges the function-wide, agent-wide and rule counters in
// that order, stopping at the first rejection.
func (o *Orchestrator) consumeQuota(ctx context.Context, tx store.Tx, agent *model.Agent, override *model.FunctionOverride,
	rule model.PermissionRule, functionKey string, cost float64, now time.Time) (*circuit.Decision, *Error, error) {

	type charge struct {
		level   string
		agentID string
		scope   string
		limits  circuit.Limits
	}
	var charges []charge
	if override != nil && override.GlobalRateLimit > 0 {
		charges = append(charges, charge{"function", circuit.AgentScope, circuit.FunctionScope(functionKey),
			circuit.Limits{RequestsPerHour: override.GlobalRateLimit}})
	}
	if agent.RateLimit > 0 {
		charges = append(charges, charge{"agent", agent.ID, circuit.AgentScope,
			circuit.Limits{RequestsPerHour: agent.RateLimit}})
	}
	if rule.Permission == model.PermissionRateLimited {
		scope := rule.Pattern
		if rule.AppName != "" {
			scope = rule.AppName + "/" + rule.Pattern
		}
		charges = append(charges, charge{"rule", agent.ID, scope,
			circuit.RuleLimits(rule.RateLimit, o.settings.DefaultQuota)})
	}

	var last *circuit.Decision
	for _, c := range charges {
		d, err := circuit.Consume(ctx, tx, c.agentID, c.scope, cost, c.limits, now)
		if err != nil {
			return nil, nil, err
		}
		if !d.Allowed {
			if o.metrics != nil {
				o.metrics.IncCircuitTrip(c.level)
			}
			return nil, rateLimited(d.Reason, d.RetryAfter, rule), nil
		}
		if c.level == "rule" {
			last = &d
		}
	}
	return last, nil, nil
}

func sameMonth(a, b time.Time) bool {
	a, b = a.UTC(), b.UTC()
	return a.Year() == b.Year() && a.Month() == b.Month()
}
