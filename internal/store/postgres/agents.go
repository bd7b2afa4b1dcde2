package postgres

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

const agentColumns = `id, name, app_key, email, department, api_key_hash, api_key_prefix,
	enabled, rate_limit, last_used, revoked_at, revoked_by, created_at`

func scanAgent(row pgx.Row) (*model.Agent, error) {
	a := &model.Agent{}
	err := row.Scan(&a.ID, &a.Name, &a.AppKey, &a.Email, &a.Department, &a.APIKeyHash, &a.APIKeyPrefix,
		&a.Enabled, &a.RateLimit, &a.LastUsed, &a.RevokedAt, &a.RevokedBy, &a.CreatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}

func (t *tx) CreateAgent(ctx context.Context, a *model.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO agents (id, name, app_key, email, department, api_key_hash, api_key_prefix,
			enabled, rate_limit, last_used, revoked_at, revoked_by, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		a.ID, a.Name, a.AppKey, a.Email, a.Department, a.APIKeyHash, a.APIKeyPrefix,
		a.Enabled, a.RateLimit, a.LastUsed, a.RevokedAt, a.RevokedBy, a.CreatedAt,
	)
	return mapErr(err, "creating agent")
}

func (t *tx) getAgentWhere(ctx context.Context, where string, arg any) (*model.Agent, error) {
	a, err := scanAgent(t.q.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE `+where+` = $1`, arg))
	if err != nil {
		return nil, mapErr(err, "getting agent by "+where)
	}
	return a, nil
}

func (t *tx) GetAgent(ctx context.Context, id string) (*model.Agent, error) {
	return t.getAgentWhere(ctx, "id", id)
}

func (t *tx) GetAgentByKeyHash(ctx context.Context, hash string) (*model.Agent, error) {
	return t.getAgentWhere(ctx, "api_key_hash", hash)
}

func (t *tx) GetAgentByAppKey(ctx context.Context, appKey string) (*model.Agent, error) {
	return t.getAgentWhere(ctx, "app_key", appKey)
}

func (t *tx) GetAgentByEmail(ctx context.Context, email string) (*model.Agent, error) {
	return t.getAgentWhere(ctx, "email", email)
}

func (t *tx) UpdateAgent(ctx context.Context, a *model.Agent) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE agents SET name = $2, app_key = $3, email = $4, department = $5, api_key_hash = $6,
			api_key_prefix = $7, enabled = $8, rate_limit = $9, last_used = $10, revoked_at = $11,
			revoked_by = $12
		 WHERE id = $1`,
		a.ID, a.Name, a.AppKey, a.Email, a.Department, a.APIKeyHash,
		a.APIKeyPrefix, a.Enabled, a.RateLimit, a.LastUsed, a.RevokedAt,
		a.RevokedBy,
	)
	if err != nil {
		return mapErr(err, "updating agent")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) ListAgents(ctx context.Context, f model.AgentFilter) ([]*model.Agent, error) {
	var where []string
	if f.ActiveOnly {
		where = append(where, "enabled AND revoked_at IS NULL")
	}
	if f.ProvisionedOnly {
		where = append(where, "email IS NOT NULL")
	}
	query := `SELECT ` + agentColumns + ` FROM agents`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at, id`

	rows, err := t.q.Query(ctx, query)
	if err != nil {
		return nil, mapErr(err, "listing agents")
	}
	defer rows.Close()

	var agents []*model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, mapErr(err, "scanning agent")
		}
		agents = append(agents, a)
	}
	return agents, mapErr(rows.Err(), "iterating agents")
}
