// Package functions is the registry of host functions an agent can call.
// The gateway never inspects a function: it looks the key up, checks the
// declared type, and hands the call to a Host.
package functions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Type is the declared kind of a host function.
type Type string

const (
	Query    Type = "query"    // read-only
	Mutation Type = "mutation" // writes host state
	Action   Type = "action"   // side effects outside the host (network, email, ...)
)

func (t Type) Valid() bool {
	switch t {
	case Query, Mutation, Action:
		return true
	}
	return false
}

var (
	ErrNoFunctions  = errors.New("function registry requires at least one function")
	ErrEmptyKey     = errors.New("function key must not be empty")
	ErrUnknownType  = errors.New("function type must be query, mutation or action")
	ErrDuplicateKey = errors.New("duplicate function key")
	ErrNoHandle     = errors.New("function has no handle")
)

// Invocable is an opaque function handle.
type Invocable interface {
	Invoke(ctx context.Context, args map[string]any) (any, error)
}

// InvocableFunc adapts a plain function to Invocable.
type InvocableFunc func(ctx context.Context, args map[string]any) (any, error)

func (f InvocableFunc) Invoke(ctx context.Context, args map[string]any) (any, error) {
	return f(ctx, args)
}

type Metadata struct {
	Description string `json:"description,omitempty"`
	RiskLevel   string `json:"riskLevel,omitempty"`
	Category    string `json:"category,omitempty"`
}

// Definition binds a function key to its handle and declared type.
type Definition struct {
	Key      string
	Type     Type
	Handle   Invocable
	Metadata Metadata
}

// Summary is the public description of a function.
type Summary struct {
	FunctionKey string   `json:"functionKey"`
	Type        Type     `json:"type"`
	Metadata    Metadata `json:"metadata"`
}

// Host runs function handles. Each method corresponds to one Type.
type Host interface {
	RunQuery(ctx context.Context, h Invocable, args map[string]any) (any, error)
	RunMutation(ctx context.Context, h Invocable, args map[string]any) (any, error)
	RunAction(ctx context.Context, h Invocable, args map[string]any) (any, error)
}

// DirectHost invokes handles in-process.
type DirectHost struct{}

func (DirectHost) RunQuery(ctx context.Context, h Invocable, args map[string]any) (any, error) {
	return h.Invoke(ctx, args)
}

func (DirectHost) RunMutation(ctx context.Context, h Invocable, args map[string]any) (any, error) {
	return h.Invoke(ctx, args)
}

func (DirectHost) RunAction(ctx context.Context, h Invocable, args map[string]any) (any, error) {
	return h.Invoke(ctx, args)
}

// Registry is an immutable set of function definitions.
type Registry struct {
	defs map[string]*Definition
	keys []string
}

// NewRegistry normalizes and validates defs. Keys are trimmed; an empty
// registry, an empty key, an unknown type or a duplicate key is an error.
func NewRegistry(defs ...Definition) (*Registry, error) {
	if len(defs) == 0 {
		return nil, ErrNoFunctions
	}
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, d := range defs {
		d.Key = strings.TrimSpace(d.Key)
		if d.Key == "" {
			return nil, ErrEmptyKey
		}
		if !d.Type.Valid() {
			return nil, fmt.Errorf("%w: %q has type %q", ErrUnknownType, d.Key, d.Type)
		}
		if d.Handle == nil {
			return nil, fmt.Errorf("%w: %q", ErrNoHandle, d.Key)
		}
		if _, dup := r.defs[d.Key]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateKey, d.Key)
		}
		def := d
		r.defs[d.Key] = &def
		r.keys = append(r.keys, d.Key)
	}
	sort.Strings(r.keys)
	return r, nil
}

// Lookup returns the definition for key.
func (r *Registry) Lookup(key string) (*Definition, bool) {
	d, ok := r.defs[key]
	return d, ok
}

// Keys returns all function keys, sorted.
func (r *Registry) Keys() []string {
	out := make([]string, len(r.keys))
	copy(out, r.keys)
	return out
}

func (r *Registry) Len() int { return len(r.keys) }

// List returns a summary of every function, sorted by key.
func (r *Registry) List() []Summary {
	out := make([]Summary, 0, len(r.keys))
	for _, k := range r.keys {
		d := r.defs[k]
		out = append(out, Summary{FunctionKey: d.Key, Type: d.Type, Metadata: d.Metadata})
	}
	return out
}

// Invoke dispatches def to host according to its type.
func Invoke(ctx context.Context, host Host, def *Definition, args map[string]any) (any, error) {
	switch def.Type {
	case Query:
		return host.RunQuery(ctx, def.Handle, args)
	case Mutation:
		return host.RunMutation(ctx, def.Handle, args)
	case Action:
		return host.RunAction(ctx, def.Handle, args)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, def.Type)
	}
}
