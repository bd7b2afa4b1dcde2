package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

const linkColumns = `id, provider, provider_user_id, app_key, app_user_subject, status,
	created_at, updated_at, last_used_at, expires_at, revoked_at, metadata,
	refresh_token_sealed, refresh_token_expires_at, token_version`

func scanLink(row pgx.Row) (*model.Link, error) {
	l := &model.Link{}
	var status string
	var metadata []byte
	err := row.Scan(&l.ID, &l.Provider, &l.ProviderUserID, &l.AppKey, &l.AppUserSubject, &status,
		&l.CreatedAt, &l.UpdatedAt, &l.LastUsedAt, &l.ExpiresAt, &l.RevokedAt, &metadata,
		&l.RefreshTokenSealed, &l.RefreshTokenExpiresAt, &l.TokenVersion)
	if err != nil {
		return nil, err
	}
	l.Status = model.LinkStatus(status)
	if len(metadata) > 0 {
		l.Metadata = metadata
	}
	return l, nil
}

// jsonArg passes nil for an empty document so the column stays NULL.
func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (t *tx) GetLink(ctx context.Context, provider, providerUserID, appKey string) (*model.Link, error) {
	l, err := scanLink(t.q.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM identity_links
		 WHERE provider = $1 AND provider_user_id = $2 AND app_key = $3`,
		provider, providerUserID, appKey))
	if err != nil {
		return nil, mapErr(err, "getting identity link")
	}
	return l, nil
}

func (t *tx) GetLinkByID(ctx context.Context, id string) (*model.Link, error) {
	l, err := scanLink(t.q.QueryRow(ctx,
		`SELECT `+linkColumns+` FROM identity_links WHERE id = $1`, id))
	if err != nil {
		return nil, mapErr(err, "getting identity link by id")
	}
	return l, nil
}

func (t *tx) CreateLink(ctx context.Context, l *model.Link) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	_, err := t.q.Exec(ctx,
		`INSERT INTO identity_links (`+linkColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb, $13, $14, $15)`,
		l.ID, l.Provider, l.ProviderUserID, l.AppKey, l.AppUserSubject, string(l.Status),
		l.CreatedAt, l.UpdatedAt, l.LastUsedAt, l.ExpiresAt, l.RevokedAt, jsonArg(l.Metadata),
		l.RefreshTokenSealed, l.RefreshTokenExpiresAt, l.TokenVersion,
	)
	return mapErr(err, "creating identity link")
}

func (t *tx) UpdateLink(ctx context.Context, l *model.Link) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE identity_links SET app_user_subject = $2, status = $3, updated_at = $4,
			last_used_at = $5, expires_at = $6, revoked_at = $7, metadata = $8::jsonb,
			refresh_token_sealed = $9, refresh_token_expires_at = $10, token_version = $11
		 WHERE id = $1`,
		l.ID, l.AppUserSubject, string(l.Status), l.UpdatedAt,
		l.LastUsedAt, l.ExpiresAt, l.RevokedAt, jsonArg(l.Metadata),
		l.RefreshTokenSealed, l.RefreshTokenExpiresAt, l.TokenVersion,
	)
	if err != nil {
		return mapErr(err, "updating identity link")
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *tx) ListLinks(ctx context.Context, f model.LinkFilter) ([]*model.Link, error) {
	var where []string
	var args []any
	argIdx := 1

	if f.AppKey != "" {
		where = append(where, fmt.Sprintf("app_key = $%d", argIdx))
		args = append(args, f.AppKey)
		argIdx++
	}
	if f.Provider != "" {
		where = append(where, fmt.Sprintf("provider = $%d", argIdx))
		args = append(args, f.Provider)
		argIdx++
	}
	if f.Status != "" {
		where = append(where, fmt.Sprintf("status = $%d", argIdx))
		args = append(args, string(f.Status))
		argIdx++
	}

	query := `SELECT ` + linkColumns + ` FROM identity_links`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY updated_at DESC, id`
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, f.Limit)
	}

	rows, err := t.q.Query(ctx, query, args...)
	if err != nil {
		return nil, mapErr(err, "listing identity links")
	}
	defer rows.Close()

	var out []*model.Link
	for rows.Next() {
		l, err := scanLink(rows)
		if err != nil {
			return nil, mapErr(err, "scanning identity link")
		}
		out = append(out, l)
	}
	return out, mapErr(rows.Err(), "iterating identity links")
}

func (t *tx) GetLinkBucket(ctx context.Context, key string, start time.Time) (*model.LinkBucket, error) {
	b := &model.LinkBucket{}
	err := t.q.QueryRow(ctx,
		`SELECT bucket_key, bucket_start, request_count, updated_at
		 FROM link_rate_buckets WHERE bucket_key = $1 AND bucket_start = $2`,
		key, start,
	).Scan(&b.Key, &b.BucketStart, &b.RequestCount, &b.UpdatedAt)
	if err != nil {
		return nil, mapErr(err, "getting link rate bucket")
	}
	return b, nil
}

func (t *tx) PutLinkBucket(ctx context.Context, b *model.LinkBucket) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO link_rate_buckets (bucket_key, bucket_start, request_count, updated_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (bucket_key, bucket_start) DO UPDATE
		 SET request_count = EXCLUDED.request_count, updated_at = EXCLUDED.updated_at`,
		b.Key, b.BucketStart, b.RequestCount, b.UpdatedAt,
	)
	return mapErr(err, "writing link rate bucket")
}
