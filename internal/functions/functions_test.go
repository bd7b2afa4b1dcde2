package functions

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/config"
)

func echo(ctx context.Context, args map[string]any) (any, error) { return args, nil }

func TestNewRegistryValidation(t *testing.T) {
	tests := []struct {
		name string
		defs []Definition
		want error
	}{
		{"empty", nil, ErrNoFunctions},
		{"blank key", []Definition{{Key: "  ", Type: Query, Handle: InvocableFunc(echo)}}, ErrEmptyKey},
		{"bad type", []Definition{{Key: "a", Type: "job", Handle: InvocableFunc(echo)}}, ErrUnknownType},
		{"no handle", []Definition{{Key: "a", Type: Query}}, ErrNoHandle},
		{"duplicate", []Definition{
			{Key: "a", Type: Query, Handle: InvocableFunc(echo)},
			{Key: " a ", Type: Mutation, Handle: InvocableFunc(echo)},
		}, ErrDuplicateKey},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.defs...)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestRegistryLookupAndList(t *testing.T) {
	r, err := NewRegistry(
		Definition{Key: "users.update", Type: Mutation, Handle: InvocableFunc(echo)},
		Definition{Key: " users.get ", Type: Query, Handle: InvocableFunc(echo), Metadata: Metadata{RiskLevel: "low"}},
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	d, ok := r.Lookup("users.get")
	if !ok || d.Type != Query {
		t.Fatalf("expected trimmed key to be found, got %v %v", d, ok)
	}
	if _, ok := r.Lookup("users.delete"); ok {
		t.Fatal("expected unknown key to be missing")
	}

	keys := r.Keys()
	if len(keys) != 2 || keys[0] != "users.get" || keys[1] != "users.update" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	list := r.List()
	if list[0].Metadata.RiskLevel != "low" {
		t.Fatalf("expected metadata in summary, got %+v", list[0])
	}
}

type recordingHost struct{ calls []Type }

func (h *recordingHost) RunQuery(ctx context.Context, fn Invocable, args map[string]any) (any, error) {
	h.calls = append(h.calls, Query)
	return fn.Invoke(ctx, args)
}

func (h *recordingHost) RunMutation(ctx context.Context, fn Invocable, args map[string]any) (any, error) {
	h.calls = append(h.calls, Mutation)
	return fn.Invoke(ctx, args)
}

func (h *recordingHost) RunAction(ctx context.Context, fn Invocable, args map[string]any) (any, error) {
	h.calls = append(h.calls, Action)
	return fn.Invoke(ctx, args)
}

func TestInvokeDispatchesByType(t *testing.T) {
	host := &recordingHost{}
	for _, typ := range []Type{Query, Mutation, Action} {
		def := &Definition{Key: "k", Type: typ, Handle: InvocableFunc(echo)}
		if _, err := Invoke(context.Background(), host, def, map[string]any{"x": 1}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if len(host.calls) != 3 || host.calls[0] != Query || host.calls[1] != Mutation || host.calls[2] != Action {
		t.Fatalf("unexpected dispatch: %v", host.calls)
	}

	_, err := Invoke(context.Background(), host, &Definition{Key: "k", Type: "job", Handle: InvocableFunc(echo)}, nil)
	if !errors.Is(err, ErrUnknownType) {
		t.Fatalf("expected ErrUnknownType, got %v", err)
	}
}

func TestResolveTemplate(t *testing.T) {
	got, err := ResolveTemplate("https://{host}/v1/{tenant}/call", map[string]string{"host": "api.example.com", "tenant": "acme"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "https://api.example.com/v1/acme/call" {
		t.Fatalf("got %q", got)
	}

	if _, err := ResolveTemplate("https://{host}/x", nil); err == nil || !strings.Contains(err.Error(), "host") {
		t.Fatalf("expected missing variable error, got %v", err)
	}
	_, err = ResolveTemplate("https://{host}/{tenant}/{host}", map[string]string{})
	if err == nil || !strings.HasSuffix(err.Error(), "host, tenant") {
		t.Fatalf("expected both missing names once, got %v", err)
	}
}

func TestUpstreamInvoke(t *testing.T) {
	var gotAuth, gotKey string
	var gotBody upstreamRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.URL.Query().Get("api_key")
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"n":2}`))
	}))
	defer srv.Close()

	u := &Upstream{Key: "users.get", Type: Query, Endpoint: srv.URL, AuthType: "bearer", AuthConfig: map[string]string{"key": "sk"}}
	res, err := u.Invoke(context.Background(), map[string]any{"id": "u1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m, ok := res.(map[string]any)
	if !ok || m["ok"] != true {
		t.Fatalf("unexpected result: %#v", res)
	}
	if gotAuth != "Bearer sk" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotBody.FunctionKey != "users.get" || gotBody.Args["id"] != "u1" {
		t.Fatalf("unexpected upstream body: %+v", gotBody)
	}

	u.AuthType = "query"
	if _, err := u.Invoke(context.Background(), nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotKey != "sk" {
		t.Fatalf("expected query key, got %q", gotKey)
	}
}

func TestUpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"error":{"code":"bad","message":"title too long"}}`))
	}))
	defer srv.Close()

	u := &Upstream{Key: "k", Type: Mutation, Endpoint: srv.URL}
	_, err := u.Invoke(context.Background(), nil)
	var ue *UpstreamError
	if !errors.As(err, &ue) {
		t.Fatalf("expected UpstreamError, got %v", err)
	}
	if ue.StatusCode != http.StatusUnprocessableEntity || ue.Message != "title too long" {
		t.Fatalf("unexpected error: %+v", ue)
	}
	if ErrorKind(err) != "status" {
		t.Fatalf("expected status kind, got %q", ErrorKind(err))
	}
}

func TestUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	u := &Upstream{Key: "k", Type: Query, Endpoint: srv.URL}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := u.Invoke(ctx, nil)
	if ErrorKind(err) != "timeout" {
		t.Fatalf("expected timeout kind, got %v", err)
	}
}

func TestDemoFunctions(t *testing.T) {
	r, err := NewRegistry(DemoDefinitions()...)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ctx := context.Background()

	create, _ := r.Lookup("demo.createItem")
	created, err := Invoke(ctx, DirectHost{}, create, map[string]any{"title": "Third"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	item := created.(DemoItem)

	get, _ := r.Lookup("demo.getItem")
	got, err := Invoke(ctx, DirectHost{}, get, map[string]any{"id": item.ID})
	if err != nil || got.(DemoItem).Title != "Third" {
		t.Fatalf("get: %v %v", got, err)
	}

	if _, err := Invoke(ctx, DirectHost{}, create, map[string]any{}); err == nil {
		t.Fatal("expected missing title error")
	}

	list, _ := r.Lookup("demo.listItems")
	all, _ := Invoke(ctx, DirectHost{}, list, nil)
	if len(all.([]DemoItem)) != 3 {
		t.Fatalf("expected 3 items, got %v", all)
	}
}

func TestFromConfig(t *testing.T) {
	defs, err := FromConfig([]config.FunctionConfig{{
		Key:       "crm.lookup",
		Type:      "query",
		Endpoint:  "https://{host}/lookup",
		Variables: map[string]string{"host": "crm.internal"},
	}}, true, time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(defs) != 4 {
		t.Fatalf("expected demo + 1 definitions, got %d", len(defs))
	}
	up := defs[3].Handle.(*Upstream)
	if up.Endpoint != "https://crm.internal/lookup" {
		t.Fatalf("unexpected endpoint: %s", up.Endpoint)
	}

	_, err = FromConfig([]config.FunctionConfig{{Key: "x", Type: "query", Endpoint: "https://{missing}/"}}, false, time.Second)
	if err == nil {
		t.Fatal("expected unresolved template error")
	}
}
