package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

// InsertAccessLogs writes entries in a single multi-row INSERT. It is a no-op
// when entries is empty.
func (s *Store) InsertAccessLogs(ctx context.Context, entries []model.AccessLogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	const cols = 14
	args := make([]any, 0, len(entries)*cols)
	rows := make([]string, 0, len(entries))

	for i, e := range entries {
		base := i * cols
		placeholders := make([]string, cols)
		for c := 0; c < cols; c++ {
			placeholders[c] = fmt.Sprintf("$%d", base+c+1)
		}
		placeholders[7] += "::jsonb"
		placeholders[8] += "::jsonb"
		rows = append(rows, "("+strings.Join(placeholders, ", ")+")")

		id := e.ID
		if id == "" {
			id = uuid.NewString()
		}
		args = append(args,
			id,
			e.AgentID,
			e.CredentialKind,
			e.ServiceID,
			e.AppName,
			e.UserSubject,
			e.FunctionKey,
			jsonArg(e.Args),
			jsonArg(e.Result),
			e.ErrorCode,
			e.Error,
			e.Authorized,
			e.DurationMs,
			e.Timestamp,
		)
	}

	query := `INSERT INTO access_log
		(id, agent_id, credential_kind, service_id, app_name, user_subject, function_key,
		 args, result, error_code, error, authorized, duration_ms, timestamp)
		VALUES ` + strings.Join(rows, ", ") + `
		ON CONFLICT (id) DO NOTHING`

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting access log: %w", err)
	}
	return nil
}

// ListAccessLogs returns entries newest first with cursor pagination.
func (s *Store) ListAccessLogs(ctx context.Context, q model.AccessLogQuery) ([]model.AccessLogEntry, string, error) {
	limit := store.ClampLimit(q.Limit, 50, 500)

	var where []string
	var args []any
	argIdx := 1

	if q.AgentID != "" {
		where = append(where, fmt.Sprintf("agent_id = $%d", argIdx))
		args = append(args, q.AgentID)
		argIdx++
	}
	if q.FunctionKey != "" {
		where = append(where, fmt.Sprintf("function_key = $%d", argIdx))
		args = append(args, q.FunctionKey)
		argIdx++
	}
	if q.Since != nil {
		where = append(where, fmt.Sprintf("timestamp >= $%d", argIdx))
		args = append(args, *q.Since)
		argIdx++
	}
	if q.Cursor != "" {
		ts, id, err := store.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		where = append(where, fmt.Sprintf("(timestamp, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, ts, id)
		argIdx += 2
	}

	query := `SELECT id, agent_id, credential_kind, service_id, app_name, user_subject, function_key,
		args, result, error_code, error, authorized, duration_ms, timestamp
		FROM access_log`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY timestamp DESC, id DESC LIMIT $%d", argIdx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("querying access log: %w", err)
	}
	defer rows.Close()

	var out []model.AccessLogEntry
	for rows.Next() {
		var e model.AccessLogEntry
		var argsJSON, resultJSON []byte
		if err := rows.Scan(&e.ID, &e.AgentID, &e.CredentialKind, &e.ServiceID, &e.AppName,
			&e.UserSubject, &e.FunctionKey, &argsJSON, &resultJSON, &e.ErrorCode, &e.Error,
			&e.Authorized, &e.DurationMs, &e.Timestamp); err != nil {
			return nil, "", fmt.Errorf("scanning access log entry: %w", err)
		}
		if len(argsJSON) > 0 {
			e.Args = argsJSON
		}
		if len(resultJSON) > 0 {
			e.Result = resultJSON
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating access log: %w", err)
	}

	var next string
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = store.EncodeCursor(last.Timestamp, last.ID)
	}
	return out, next, nil
}
