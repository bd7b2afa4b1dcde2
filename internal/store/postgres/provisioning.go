package postgres

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

const tokenColumns = `id, token_hash, token_prefix, email, department, max_apps, used_count,
	expires_at, active, created_by, created_at`

func scanToken(row pgx.Row) (*model.ProvisioningToken, error) {
	p := &model.ProvisioningToken{}
	err := row.Scan(&p.ID, &p.TokenHash, &p.TokenPrefix, &p.Email, &p.Department, &p.MaxApps,
		&p.UsedCount, &p.ExpiresAt, &p.Active, &p.CreatedBy, &p.CreatedAt)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (t *tx) CreateProvisioningToken(ctx context.Context, p *model.ProvisioningToken) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO provisioning_tokens (`+tokenColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		p.ID, p.TokenHash, p.TokenPrefix, p.Email, p.Department, p.MaxApps,
		p.UsedCount, p.ExpiresAt, p.Active, p.CreatedBy, p.CreatedAt,
	)
	return mapErr(err, "creating provisioning token")
}

func (t *tx) GetProvisioningTokenByHash(ctx context.Context, hash string) (*model.ProvisioningToken, error) {
	p, err := scanToken(t.q.QueryRow(ctx,
		`SELECT `+tokenColumns+` FROM provisioning_tokens WHERE token_hash = $1`, hash))
	if err != nil {
		return nil, mapErr(err, "getting provisioning token")
	}
	return p, nil
}

func (t *tx) UpdateProvisioningToken(ctx context.Context, p *model.ProvisioningToken) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE provisioning_tokens SET used_count = $2, active = $3, expires_at = $4 WHERE id = $1`,
		p.ID, p.UsedCount, p.Active, p.ExpiresAt,
	)
	if err != nil {
		return mapErr(err, "updating provisioning token")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) ListProvisioningTokens(ctx context.Context) ([]*model.ProvisioningToken, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+tokenColumns+` FROM provisioning_tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, mapErr(err, "listing provisioning tokens")
	}
	defer rows.Close()

	var out []*model.ProvisioningToken
	for rows.Next() {
		p, err := scanToken(rows)
		if err != nil {
			return nil, mapErr(err, "scanning provisioning token")
		}
		out = append(out, p)
	}
	return out, mapErr(rows.Err(), "iterating provisioning tokens")
}

const instanceColumns = `agent_id, app_name, token_hash, registered_at, expires_at,
	last_activity, monthly_requests`

func scanInstance(row pgx.Row) (*model.AppInstance, error) {
	i := &model.AppInstance{}
	err := row.Scan(&i.AgentID, &i.AppName, &i.TokenHash, &i.RegisteredAt, &i.ExpiresAt,
		&i.LastActivity, &i.MonthlyRequests)
	if err != nil {
		return nil, err
	}
	return i, nil
}

func (t *tx) GetInstance(ctx context.Context, agentID, appName string) (*model.AppInstance, error) {
	i, err := scanInstance(t.q.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM app_instances WHERE agent_id = $1 AND app_name = $2`,
		agentID, appName))
	if err != nil {
		return nil, mapErr(err, "getting app instance")
	}
	return i, nil
}

func (t *tx) GetInstanceByTokenHash(ctx context.Context, hash string) (*model.AppInstance, error) {
	i, err := scanInstance(t.q.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM app_instances WHERE token_hash = $1`, hash))
	if err != nil {
		return nil, mapErr(err, "getting app instance by token")
	}
	return i, nil
}

func (t *tx) PutInstance(ctx context.Context, i *model.AppInstance) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO app_instances (`+instanceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (agent_id, app_name) DO UPDATE
		 SET token_hash = EXCLUDED.token_hash, registered_at = EXCLUDED.registered_at,
		     expires_at = EXCLUDED.expires_at, last_activity = EXCLUDED.last_activity,
		     monthly_requests = EXCLUDED.monthly_requests`,
		i.AgentID, i.AppName, i.TokenHash, i.RegisteredAt, i.ExpiresAt,
		i.LastActivity, i.MonthlyRequests,
	)
	return mapErr(err, "writing app instance")
}

func (t *tx) DeleteInstance(ctx context.Context, agentID, appName string) (bool, error) {
	tag, err := t.q.Exec(ctx,
		`DELETE FROM app_instances WHERE agent_id = $1 AND app_name = $2`, agentID, appName)
	if err != nil {
		return false, mapErr(err, "deleting app instance")
	}
	return tag.RowsAffected() > 0, nil
}

func (t *tx) ListInstances(ctx context.Context, agentID string) ([]*model.AppInstance, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+instanceColumns+` FROM app_instances
		 WHERE ($1 = '' OR agent_id = $1)
		 ORDER BY agent_id, app_name`,
		agentID,
	)
	if err != nil {
		return nil, mapErr(err, "listing app instances")
	}
	defer rows.Close()

	var out []*model.AppInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, mapErr(err, "scanning app instance")
		}
		out = append(out, i)
	}
	return out, mapErr(rows.Err(), "iterating app instances")
}
