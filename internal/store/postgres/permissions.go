package postgres

import (
	"context"

	"github.com/okrlinkhub/agent-bridge/internal/model"
)

func (t *tx) ReplaceRules(ctx context.Context, agentID, appName string, rules []model.PermissionRule) error {
	if _, err := t.q.Exec(ctx,
		`DELETE FROM permission_rules WHERE agent_id = $1 AND app_name = $2`, agentID, appName,
	); err != nil {
		return mapErr(err, "deleting permission rules")
	}

	for i, r := range rules {
		var rph *int
		var budget *float64
		if r.RateLimit != nil {
			rph = &r.RateLimit.RequestsPerHour
			budget = &r.RateLimit.TokenBudget
		}
		if _, err := t.q.Exec(ctx,
			`INSERT INTO permission_rules (agent_id, app_name, position, pattern, permission,
				rate_requests_per_hour, rate_token_budget, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			agentID, appName, i, r.Pattern, string(r.Permission), rph, budget, r.CreatedAt,
		); err != nil {
			return mapErr(err, "inserting permission rule")
		}
	}
	return nil
}

func (t *tx) ListRules(ctx context.Context, agentID, appName string) ([]model.PermissionRule, error) {
	rows, err := t.q.Query(ctx,
		`SELECT pattern, permission, rate_requests_per_hour, rate_token_budget, created_at
		 FROM permission_rules WHERE agent_id = $1 AND app_name = $2
		 ORDER BY position`,
		agentID, appName,
	)
	if err != nil {
		return nil, mapErr(err, "listing permission rules")
	}
	defer rows.Close()

	var rules []model.PermissionRule
	for rows.Next() {
		r := model.PermissionRule{AgentID: agentID, AppName: appName}
		var perm string
		var rph *int
		var budget *float64
		if err := rows.Scan(&r.Pattern, &perm, &rph, &budget, &r.CreatedAt); err != nil {
			return nil, mapErr(err, "scanning permission rule")
		}
		r.Permission = model.PermissionKind(perm)
		if rph != nil {
			r.RateLimit = &model.RateLimitConfig{RequestsPerHour: *rph}
			if budget != nil {
				r.RateLimit.TokenBudget = *budget
			}
		}
		rules = append(rules, r)
	}
	return rules, mapErr(rows.Err(), "iterating permission rules")
}

func (t *tx) UpsertOverride(ctx context.Context, o model.FunctionOverride) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO function_overrides (function_key, enabled, global_rate_limit, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (function_key) DO UPDATE
		 SET enabled = EXCLUDED.enabled, global_rate_limit = EXCLUDED.global_rate_limit,
		     updated_at = EXCLUDED.updated_at`,
		o.FunctionKey, o.Enabled, o.GlobalRateLimit, o.UpdatedAt,
	)
	return mapErr(err, "upserting function override")
}

func (t *tx) GetOverride(ctx context.Context, functionKey string) (*model.FunctionOverride, error) {
	o := &model.FunctionOverride{}
	err := t.q.QueryRow(ctx,
		`SELECT function_key, enabled, global_rate_limit, updated_at
		 FROM function_overrides WHERE function_key = $1`,
		functionKey,
	).Scan(&o.FunctionKey, &o.Enabled, &o.GlobalRateLimit, &o.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "getting function override")
	}
	return o, nil
}

func (t *tx) ListOverrides(ctx context.Context) ([]model.FunctionOverride, error) {
	rows, err := t.q.Query(ctx,
		`SELECT function_key, enabled, global_rate_limit, updated_at
		 FROM function_overrides ORDER BY function_key`)
	if err != nil {
		return nil, mapErr(err, "listing function overrides")
	}
	defer rows.Close()

	var out []model.FunctionOverride
	for rows.Next() {
		var o model.FunctionOverride
		if err := rows.Scan(&o.FunctionKey, &o.Enabled, &o.GlobalRateLimit, &o.UpdatedAt); err != nil {
			return nil, mapErr(err, "scanning function override")
		}
		out = append(out, o)
	}
	return out, mapErr(rows.Err(), "iterating function overrides")
}
