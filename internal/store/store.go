// Package store defines the transactional persistence boundary shared by the
// gateway services. Two backends implement it: postgres for deployments and
// memory for single-process development and tests.
package store

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/model"
)

var (
	// ErrNotFound is returned by single-row lookups that match nothing.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a write violates a uniqueness constraint.
	ErrConflict = errors.New("conflict")
	// ErrReadOnly is returned when a View transaction attempts a write.
	ErrReadOnly = errors.New("write in read-only transaction")
)

// Store runs transactions. Update transactions are serialized and
// all-or-nothing: if fn returns an error nothing it wrote is kept. View
// transactions never observe a half-committed Update.
type Store interface {
	Update(ctx context.Context, fn func(tx Tx) error) error
	View(ctx context.Context, fn func(tx Tx) error) error
	AccessLog
	Ping(ctx context.Context) error
	Close()
}

// Tx is the repository surface available inside a transaction.
type Tx interface {
	Agents
	Permissions
	Counters
	Provisioning
	Links
}

type Agents interface {
	CreateAgent(ctx context.Context, a *model.Agent) error
	GetAgent(ctx context.Context, id string) (*model.Agent, error)
	GetAgentByKeyHash(ctx context.Context, hash string) (*model.Agent, error)
	GetAgentByAppKey(ctx context.Context, appKey string) (*model.Agent, error)
	GetAgentByEmail(ctx context.Context, email string) (*model.Agent, error)
	UpdateAgent(ctx context.Context, a *model.Agent) error
	ListAgents(ctx context.Context, f model.AgentFilter) ([]*model.Agent, error)
}

type Permissions interface {
	// ReplaceRules deletes every rule for (agentID, appName) and inserts rules.
	ReplaceRules(ctx context.Context, agentID, appName string, rules []model.PermissionRule) error
	ListRules(ctx context.Context, agentID, appName string) ([]model.PermissionRule, error)
	UpsertOverride(ctx context.Context, o model.FunctionOverride) error
	GetOverride(ctx context.Context, functionKey string) (*model.FunctionOverride, error)
	ListOverrides(ctx context.Context) ([]model.FunctionOverride, error)
}

type Counters interface {
	GetCounter(ctx context.Context, agentID, scope, window string) (*model.CircuitCounter, error)
	PutCounter(ctx context.Context, c *model.CircuitCounter) error
	ListBlockedCounters(ctx context.Context, window string) ([]*model.CircuitCounter, error)
}

type Provisioning interface {
	CreateProvisioningToken(ctx context.Context, t *model.ProvisioningToken) error
	GetProvisioningTokenByHash(ctx context.Context, hash string) (*model.ProvisioningToken, error)
	UpdateProvisioningToken(ctx context.Context, t *model.ProvisioningToken) error
	ListProvisioningTokens(ctx context.Context) ([]*model.ProvisioningToken, error)

	GetInstance(ctx context.Context, agentID, appName string) (*model.AppInstance, error)
	GetInstanceByTokenHash(ctx context.Context, hash string) (*model.AppInstance, error)
	// PutInstance inserts or replaces the row for (AgentID, AppName).
	PutInstance(ctx context.Context, i *model.AppInstance) error
	DeleteInstance(ctx context.Context, agentID, appName string) (bool, error)
	ListInstances(ctx context.Context, agentID string) ([]*model.AppInstance, error)
}

type Links interface {
	GetLink(ctx context.Context, provider, providerUserID, appKey string) (*model.Link, error)
	GetLinkByID(ctx context.Context, id string) (*model.Link, error)
	CreateLink(ctx context.Context, l *model.Link) error
	UpdateLink(ctx context.Context, l *model.Link) error
	ListLinks(ctx context.Context, f model.LinkFilter) ([]*model.Link, error)

	GetLinkBucket(ctx context.Context, key string, start time.Time) (*model.LinkBucket, error)
	PutLinkBucket(ctx context.Context, b *model.LinkBucket) error
}

// AccessLog is append-only and lives outside the authorization transaction.
type AccessLog interface {
	InsertAccessLogs(ctx context.Context, entries []model.AccessLogEntry) error
	// ListAccessLogs returns entries newest first and the cursor for the next
	// page (empty when there are no more).
	ListAccessLogs(ctx context.Context, q model.AccessLogQuery) ([]model.AccessLogEntry, string, error)
}

// EncodeCursor produces an opaque cursor from a timestamp and id.
func EncodeCursor(ts time.Time, id string) string {
	raw := ts.UTC().Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor decodes an opaque cursor string into a timestamp and id.
func DecodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}

// ClampLimit applies a default and an upper bound to a page size.
func ClampLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
