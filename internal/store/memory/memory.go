// Package memory is a single-process store backend. Update transactions hold
// one writer lock and keep an undo journal, so a failed transaction leaves no
// trace. Values are copied in and out; callers never share pointers with the
// store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

type ruleKey struct{ agentID, appName string }

type counterKey struct{ agentID, scope, window string }

type instanceKey struct{ agentID, appName string }

type bucketKey struct {
	key   string
	start int64
}

// Store implements store.Store in memory.
type Store struct {
	mu        sync.RWMutex
	agents    map[string]*model.Agent
	rules     map[ruleKey][]model.PermissionRule
	overrides map[string]model.FunctionOverride
	counters  map[counterKey]*model.CircuitCounter
	tokens    map[string]*model.ProvisioningToken
	instances map[instanceKey]*model.AppInstance
	links     map[string]*model.Link
	buckets   map[bucketKey]*model.LinkBucket

	logMu sync.Mutex
	logs  []model.AccessLogEntry
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		agents:    make(map[string]*model.Agent),
		rules:     make(map[ruleKey][]model.PermissionRule),
		overrides: make(map[string]model.FunctionOverride),
		counters:  make(map[counterKey]*model.CircuitCounter),
		tokens:    make(map[string]*model.ProvisioningToken),
		instances: make(map[instanceKey]*model.AppInstance),
		links:     make(map[string]*model.Link),
		buckets:   make(map[bucketKey]*model.LinkBucket),
	}
}

func (s *Store) Update(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	t := &tx{s: s, writable: true}
	defer func() {
		if r := recover(); r != nil {
			t.rollback()
			panic(r)
		}
		if err != nil {
			t.rollback()
		}
	}()
	return fn(t)
}

func (s *Store) View(ctx context.Context, fn func(tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&tx{s: s})
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() {}

type tx struct {
	s        *Store
	writable bool
	undo     []func()
}

func (t *tx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *tx) check() error {
	if !t.writable {
		return store.ErrReadOnly
	}
	return nil
}

func put[K comparable, V any](t *tx, m map[K]V, k K, v V) {
	old, had := m[k]
	t.undo = append(t.undo, func() {
		if had {
			m[k] = old
		} else {
			delete(m, k)
		}
	})
	m[k] = v
}

func del[K comparable, V any](t *tx, m map[K]V, k K) bool {
	old, had := m[k]
	if !had {
		return false
	}
	t.undo = append(t.undo, func() { m[k] = old })
	delete(m, k)
	return true
}

func newID(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

// --- agents ---

func copyAgent(a *model.Agent) *model.Agent {
	c := *a
	return &c
}

func strEq(a, b *string) bool {
	return a != nil && b != nil && *a == *b
}

func (t *tx) agentConflict(a *model.Agent) bool {
	for id, other := range t.s.agents {
		if id == a.ID {
			continue
		}
		if strEq(a.APIKeyHash, other.APIKeyHash) || strEq(a.AppKey, other.AppKey) || strEq(a.Email, other.Email) {
			return true
		}
	}
	return false
}

func (t *tx) CreateAgent(_ context.Context, a *model.Agent) error {
	if err := t.check(); err != nil {
		return err
	}
	a.ID = newID(a.ID)
	if _, exists := t.s.agents[a.ID]; exists || t.agentConflict(a) {
		return store.ErrConflict
	}
	put(t, t.s.agents, a.ID, copyAgent(a))
	return nil
}

func (t *tx) GetAgent(_ context.Context, id string) (*model.Agent, error) {
	a, ok := t.s.agents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyAgent(a), nil
}

func (t *tx) findAgent(match func(*model.Agent) bool) (*model.Agent, error) {
	for _, a := range t.s.agents {
		if match(a) {
			return copyAgent(a), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) GetAgentByKeyHash(_ context.Context, hash string) (*model.Agent, error) {
	return t.findAgent(func(a *model.Agent) bool { return a.APIKeyHash != nil && *a.APIKeyHash == hash })
}

func (t *tx) GetAgentByAppKey(_ context.Context, appKey string) (*model.Agent, error) {
	return t.findAgent(func(a *model.Agent) bool { return a.AppKey != nil && *a.AppKey == appKey })
}

func (t *tx) GetAgentByEmail(_ context.Context, email string) (*model.Agent, error) {
	return t.findAgent(func(a *model.Agent) bool { return a.Email != nil && *a.Email == email })
}

func (t *tx) UpdateAgent(_ context.Context, a *model.Agent) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, ok := t.s.agents[a.ID]; !ok {
		return store.ErrNotFound
	}
	if t.agentConflict(a) {
		return store.ErrConflict
	}
	put(t, t.s.agents, a.ID, copyAgent(a))
	return nil
}

func (t *tx) ListAgents(_ context.Context, f model.AgentFilter) ([]*model.Agent, error) {
	out := make([]*model.Agent, 0, len(t.s.agents))
	for _, a := range t.s.agents {
		if f.ActiveOnly && !a.Active() {
			continue
		}
		if f.ProvisionedOnly && a.Email == nil {
			continue
		}
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// --- permissions ---

func copyRules(rules []model.PermissionRule) []model.PermissionRule {
	out := make([]model.PermissionRule, len(rules))
	for i, r := range rules {
		if r.RateLimit != nil {
			rl := *r.RateLimit
			r.RateLimit = &rl
		}
		out[i] = r
	}
	return out
}

func (t *tx) ReplaceRules(_ context.Context, agentID, appName string, rules []model.PermissionRule) error {
	if err := t.check(); err != nil {
		return err
	}
	k := ruleKey{agentID, appName}
	if len(rules) == 0 {
		del(t, t.s.rules, k)
		return nil
	}
	put(t, t.s.rules, k, copyRules(rules))
	return nil
}

func (t *tx) ListRules(_ context.Context, agentID, appName string) ([]model.PermissionRule, error) {
	return copyRules(t.s.rules[ruleKey{agentID, appName}]), nil
}

func (t *tx) UpsertOverride(_ context.Context, o model.FunctionOverride) error {
	if err := t.check(); err != nil {
		return err
	}
	put(t, t.s.overrides, o.FunctionKey, o)
	return nil
}

func (t *tx) GetOverride(_ context.Context, functionKey string) (*model.FunctionOverride, error) {
	o, ok := t.s.overrides[functionKey]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &o, nil
}

func (t *tx) ListOverrides(_ context.Context) ([]model.FunctionOverride, error) {
	out := make([]model.FunctionOverride, 0, len(t.s.overrides))
	for _, o := range t.s.overrides {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FunctionKey < out[j].FunctionKey })
	return out, nil
}

// --- circuit counters ---

func copyCounter(c *model.CircuitCounter) *model.CircuitCounter {
	cc := *c
	return &cc
}

func (t *tx) GetCounter(_ context.Context, agentID, scope, window string) (*model.CircuitCounter, error) {
	c, ok := t.s.counters[counterKey{agentID, scope, window}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyCounter(c), nil
}

func (t *tx) PutCounter(_ context.Context, c *model.CircuitCounter) error {
	if err := t.check(); err != nil {
		return err
	}
	put(t, t.s.counters, counterKey{c.AgentID, c.Scope, c.Window}, copyCounter(c))
	return nil
}

func (t *tx) ListBlockedCounters(_ context.Context, window string) ([]*model.CircuitCounter, error) {
	var out []*model.CircuitCounter
	for _, c := range t.s.counters {
		if c.Blocked && (window == "" || c.Window == window) {
			out = append(out, copyCounter(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentID != out[j].AgentID {
			return out[i].AgentID < out[j].AgentID
		}
		return out[i].Scope < out[j].Scope
	})
	return out, nil
}

// --- provisioning ---

func copyToken(p *model.ProvisioningToken) *model.ProvisioningToken {
	c := *p
	return &c
}

func (t *tx) CreateProvisioningToken(_ context.Context, p *model.ProvisioningToken) error {
	if err := t.check(); err != nil {
		return err
	}
	p.ID = newID(p.ID)
	for _, other := range t.s.tokens {
		if other.ID == p.ID || other.TokenHash == p.TokenHash {
			return store.ErrConflict
		}
	}
	put(t, t.s.tokens, p.ID, copyToken(p))
	return nil
}

func (t *tx) GetProvisioningTokenByHash(_ context.Context, hash string) (*model.ProvisioningToken, error) {
	for _, p := range t.s.tokens {
		if p.TokenHash == hash {
			return copyToken(p), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) UpdateProvisioningToken(_ context.Context, p *model.ProvisioningToken) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, ok := t.s.tokens[p.ID]; !ok {
		return store.ErrNotFound
	}
	put(t, t.s.tokens, p.ID, copyToken(p))
	return nil
}

func (t *tx) ListProvisioningTokens(_ context.Context) ([]*model.ProvisioningToken, error) {
	out := make([]*model.ProvisioningToken, 0, len(t.s.tokens))
	for _, p := range t.s.tokens {
		out = append(out, copyToken(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func copyInstance(i *model.AppInstance) *model.AppInstance {
	c := *i
	return &c
}

func (t *tx) GetInstance(_ context.Context, agentID, appName string) (*model.AppInstance, error) {
	i, ok := t.s.instances[instanceKey{agentID, appName}]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyInstance(i), nil
}

func (t *tx) GetInstanceByTokenHash(_ context.Context, hash string) (*model.AppInstance, error) {
	for _, i := range t.s.instances {
		if i.TokenHash == hash {
			return copyInstance(i), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) PutInstance(_ context.Context, i *model.AppInstance) error {
	if err := t.check(); err != nil {
		return err
	}
	k := instanceKey{i.AgentID, i.AppName}
	for otherKey, other := range t.s.instances {
		if otherKey != k && other.TokenHash == i.TokenHash {
			return store.ErrConflict
		}
	}
	put(t, t.s.instances, k, copyInstance(i))
	return nil
}

func (t *tx) DeleteInstance(_ context.Context, agentID, appName string) (bool, error) {
	if err := t.check(); err != nil {
		return false, err
	}
	return del(t, t.s.instances, instanceKey{agentID, appName}), nil
}

func (t *tx) ListInstances(_ context.Context, agentID string) ([]*model.AppInstance, error) {
	var out []*model.AppInstance
	for k, i := range t.s.instances {
		if agentID == "" || k.agentID == agentID {
			out = append(out, copyInstance(i))
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].AgentID != out[b].AgentID {
			return out[a].AgentID < out[b].AgentID
		}
		return out[a].AppName < out[b].AppName
	})
	return out, nil
}

// --- links ---

func copyLink(l *model.Link) *model.Link {
	c := *l
	if l.Metadata != nil {
		c.Metadata = append([]byte(nil), l.Metadata...)
	}
	return &c
}

func (t *tx) GetLink(_ context.Context, provider, providerUserID, appKey string) (*model.Link, error) {
	for _, l := range t.s.links {
		if l.Provider == provider && l.ProviderUserID == providerUserID && l.AppKey == appKey {
			return copyLink(l), nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) GetLinkByID(_ context.Context, id string) (*model.Link, error) {
	l, ok := t.s.links[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyLink(l), nil
}

func (t *tx) CreateLink(ctx context.Context, l *model.Link) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, err := t.GetLink(ctx, l.Provider, l.ProviderUserID, l.AppKey); err == nil {
		return store.ErrConflict
	}
	l.ID = newID(l.ID)
	put(t, t.s.links, l.ID, copyLink(l))
	return nil
}

func (t *tx) UpdateLink(_ context.Context, l *model.Link) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, ok := t.s.links[l.ID]; !ok {
		return store.ErrNotFound
	}
	put(t, t.s.links, l.ID, copyLink(l))
	return nil
}

func (t *tx) ListLinks(_ context.Context, f model.LinkFilter) ([]*model.Link, error) {
	var out []*model.Link
	for _, l := range t.s.links {
		if f.AppKey != "" && l.AppKey != f.AppKey {
			continue
		}
		if f.Provider != "" && l.Provider != f.Provider {
			continue
		}
		if f.Status != "" && l.Status != f.Status {
			continue
		}
		out = append(out, copyLink(l))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *tx) GetLinkBucket(_ context.Context, key string, start time.Time) (*model.LinkBucket, error) {
	b, ok := t.s.buckets[bucketKey{key, start.UnixMilli()}]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *b
	return &c, nil
}

func (t *tx) PutLinkBucket(_ context.Context, b *model.LinkBucket) error {
	if err := t.check(); err != nil {
		return err
	}
	c := *b
	put(t, t.s.buckets, bucketKey{b.Key, b.BucketStart.UnixMilli()}, &c)
	return nil
}

// --- access log ---

func (s *Store) InsertAccessLogs(ctx context.Context, entries []model.AccessLogEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logMu.Lock()
	defer s.logMu.Unlock()
	for _, e := range entries {
		e.ID = newID(e.ID)
		s.logs = append(s.logs, e)
	}
	return nil
}

func (s *Store) ListAccessLogs(_ context.Context, q model.AccessLogQuery) ([]model.AccessLogEntry, string, error) {
	limit := store.ClampLimit(q.Limit, 50, 500)

	var (
		hasCursor bool
		curTS     time.Time
		curID     string
	)
	if q.Cursor != "" {
		ts, id, err := store.DecodeCursor(q.Cursor)
		if err != nil {
			return nil, "", err
		}
		hasCursor, curTS, curID = true, ts, id
	}

	s.logMu.Lock()
	matched := make([]model.AccessLogEntry, 0, len(s.logs))
	for _, e := range s.logs {
		if q.AgentID != "" && e.AgentID != q.AgentID {
			continue
		}
		if q.FunctionKey != "" && e.FunctionKey != q.FunctionKey {
			continue
		}
		if q.Since != nil && e.Timestamp.Before(*q.Since) {
			continue
		}
		matched = append(matched, e)
	}
	s.logMu.Unlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].Timestamp.Equal(matched[j].Timestamp) {
			return matched[i].ID > matched[j].ID
		}
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})

	out := make([]model.AccessLogEntry, 0, limit+1)
	for _, e := range matched {
		if hasCursor {
			if e.Timestamp.After(curTS) || (e.Timestamp.Equal(curTS) && e.ID >= curID) {
				continue
			}
		}
		out = append(out, e)
		if len(out) > limit {
			break
		}
	}

	var next string
	if len(out) > limit {
		out = out[:limit]
		last := out[len(out)-1]
		next = store.EncodeCursor(last.Timestamp, last.ID)
	}
	return out, next, nil
}
