package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/okrlinkhub/agent-bridge/internal/model"
)

const counterColumns = `agent_id, scope, window_label, request_count, cost_estimate,
	blocked, block_reason, blocked_at, updated_at`

func scanCounter(row pgx.Row) (*model.CircuitCounter, error) {
	c := &model.CircuitCounter{}
	err := row.Scan(&c.AgentID, &c.Scope, &c.Window, &c.RequestCount, &c.CostEstimate,
		&c.Blocked, &c.BlockReason, &c.BlockedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (t *tx) GetCounter(ctx context.Context, agentID, scope, window string) (*model.CircuitCounter, error) {
	c, err := scanCounter(t.q.QueryRow(ctx,
		`SELECT `+counterColumns+` FROM circuit_counters
		 WHERE agent_id = $1 AND scope = $2 AND window_label = $3`,
		agentID, scope, window,
	))
	if err != nil {
		return nil, mapErr(err, "getting circuit counter")
	}
	return c, nil
}

func (t *tx) PutCounter(ctx context.Context, c *model.CircuitCounter) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO circuit_counters (`+counterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (agent_id, scope, window_label) DO UPDATE
		 SET request_count = EXCLUDED.request_count, cost_estimate = EXCLUDED.cost_estimate,
		     blocked = EXCLUDED.blocked, block_reason = EXCLUDED.block_reason,
		     blocked_at = EXCLUDED.blocked_at, updated_at = EXCLUDED.updated_at`,
		c.AgentID, c.Scope, c.Window, c.RequestCount, c.CostEstimate,
		c.Blocked, c.BlockReason, c.BlockedAt, c.UpdatedAt,
	)
	return mapErr(err, "writing circuit counter")
}

func (t *tx) ListBlockedCounters(ctx context.Context, window string) ([]*model.CircuitCounter, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+counterColumns+` FROM circuit_counters
		 WHERE blocked AND ($1 = '' OR window_label = $1)
		 ORDER BY agent_id, scope`,
		window,
	)
	if err != nil {
		return nil, mapErr(err, "listing blocked counters")
	}
	defer rows.Close()

	var out []*model.CircuitCounter
	for rows.Next() {
		c, err := scanCounter(rows)
		if err != nil {
			return nil, mapErr(err, "scanning circuit counter")
		}
		out = append(out, c)
	}
	return out, mapErr(rows.Err(), "iterating circuit counters")
}
