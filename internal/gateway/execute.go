package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/okrlinkhub/agent-bridge/internal/auth"
	"github.com/okrlinkhub/agent-bridge/internal/functions"
	"github.com/okrlinkhub/agent-bridge/internal/model"
)

// maxLoggedResult caps the serialized result kept in an access log entry.
const maxLoggedResult = 16 << 10

// ExecuteRequest is one gateway call. A nil EstimatedCost uses the
// configured default.
type ExecuteRequest struct {
	Credential    auth.Credential
	FunctionKey   string
	Args          map[string]any
	EstimatedCost *float64
}

type Result struct {
	Value      any
	Decision   *Decision
	DurationMs int64
}

// Execute authorizes req and, when allowed, runs the function on the host
// with the configured timeout. Every call produces one access log entry.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*Result, error) {
	start := o.now()
	entry := model.AccessLogEntry{
		CredentialKind: req.Credential.Kind.String(),
		ServiceID:      req.Credential.ServiceID,
		FunctionKey:    req.FunctionKey,
		UserSubject:    o.userSubject(req.Credential.UserToken),
	}
	if req.Args != nil {
		if b, err := json.Marshal(req.Args); err == nil {
			entry.Args = b
		}
	}
	defer func() {
		entry.DurationMs = o.now().Sub(start).Milliseconds()
		if o.audit != nil {
			o.audit.Record(entry)
		}
	}()

	cost := o.settings.DefaultEstimatedCost
	if req.EstimatedCost != nil {
		cost = *req.EstimatedCost
	}

	decision, err := o.Authorize(ctx, req.Credential, req.FunctionKey, cost)
	if err != nil {
		entry.ErrorCode, entry.Error = errorFields(err)
		var ge *Error
		if errors.As(err, &ge) {
			entry.AgentID, entry.AppName = ge.AgentID, ge.AppName
		}
		return nil, err
	}
	entry.Authorized = true
	entry.AgentID = decision.AgentID
	entry.AppName = decision.AppName

	value, err := o.run(ctx, decision.Function, req.Args)
	duration := o.now().Sub(start)
	if err != nil {
		entry.ErrorCode = CodeExecution
		entry.Error = err.Error()
		slog.Warn("function execution failed",
			"function", decision.Function.Key,
			"agent_id", decision.AgentID,
			"error", err)
		msg := "function execution failed"
		if errors.Is(err, context.DeadlineExceeded) {
			msg = "function execution timed out"
		}
		return nil, &Error{Code: CodeExecution, Status: http.StatusInternalServerError, Message: msg}
	}

	if b, err := json.Marshal(value); err == nil && len(b) <= maxLoggedResult {
		entry.Result = b
	}
	return &Result{Value: value, Decision: decision, DurationMs: duration.Milliseconds()}, nil
}

// Reject records an access log entry for a call the surface refused before
// authorization ran (unreadable credential or body) and returns err.
func (o *Orchestrator) Reject(cred auth.Credential, functionKey string, err error) error {
	entry := model.AccessLogEntry{
		CredentialKind: cred.Kind.String(),
		ServiceID:      cred.ServiceID,
		FunctionKey:    functionKey,
		UserSubject:    o.userSubject(cred.UserToken),
	}
	entry.ErrorCode, entry.Error = errorFields(err)
	if o.metrics != nil {
		o.metrics.IncDecision(entry.ErrorCode, entry.CredentialKind)
	}
	if o.audit != nil {
		o.audit.Record(entry)
	}
	return err
}

// run invokes def under the execute timeout. A handle that ignores its
// context is abandoned when the deadline passes; a panic becomes an error.
func (o *Orchestrator) run(ctx context.Context, def *functions.Definition, args map[string]any) (any, error) {
	ctx, span := o.tracer.Start(ctx, "gateway.execute", trace.WithAttributes(
		attribute.String("agentbridge.function_key", def.Key),
		attribute.String("agentbridge.function_type", string(def.Type)),
	))
	defer span.End()

	if o.settings.ExecuteTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.settings.ExecuteTimeout)
		defer cancel()
	}
	if args == nil {
		args = map[string]any{}
	}

	if o.metrics != nil {
		o.metrics.IncActiveExecutions()
		defer o.metrics.DecActiveExecutions()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("function panicked: %v", r)}
			}
		}()
		v, err := functions.Invoke(ctx, o.host, def, args)
		done <- outcome{value: v, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-ctx.Done():
		out = outcome{err: fmt.Errorf("executing %s: %w", def.Key, ctx.Err())}
	}

	status := "success"
	if out.err != nil {
		status = "error"
		span.RecordError(out.err)
		span.SetStatus(codes.Error, "execution failed")
	}
	if o.metrics != nil {
		o.metrics.ObserveExecution(def.Key, string(def.Type), status, time.Since(start).Seconds())
		if out.err != nil {
			kind := functions.ErrorKind(out.err)
			if kind == "" {
				kind = executionErrorKind(out.err)
			}
			o.metrics.IncExecutionError(kind, def.Key)
		}
	}
	return out.value, out.err
}

// userSubject returns the subject of a valid user token. An invalid token
// is logged and otherwise ignored; it never changes the decision.
func (o *Orchestrator) userSubject(token string) string {
	if token == "" || o.userTokens == nil {
		return ""
	}
	claims, err := o.userTokens.Parse(token)
	if err != nil {
		reason := auth.TokenReason(err)
		slog.Warn("ignoring invalid user token", "reason", reason)
		if o.metrics != nil {
			o.metrics.IncUserTokenRejection(reason)
		}
		return ""
	}
	return claims.Subject
}

func executionErrorKind(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "function"
	}
}

func errorFields(err error) (string, string) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge.Code, ge.Message
	}
	return CodeMisconfigured, err.Error()
}
