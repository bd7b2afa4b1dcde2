package metrics

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSummaryHandler(t *testing.T) {
	m := New()
	m.ObserveHTTP("gateway", "POST", "/agent/execute", 200, 0.01)
	m.ObserveHTTP("gateway", "POST", "/agent/execute", 429, 0.01)
	m.ObserveHTTP("admin", "GET", "/api/v1/admin/agents", 200, 0.02)
	m.IncDecision("allowed", "api_key")
	m.IncDecision("allowed", "instance")
	m.IncDecision("rate_limited", "api_key")
	m.IncCircuitTrip("agent")
	m.ObserveExecution("demo.listItems", "query", "ok", 0.005)
	m.IncExecutionError("timeout", "demo.listItems")
	m.IncLinkResolution("resolved")
	m.IncLinkResolution("link_revoked")
	m.ObserveFlush(3, 0.001, nil)
	m.ObserveFlush(2, 0.001, errors.New("boom"))
	m.AddCollectorDropped(4)
	m.RegisterDBPoolCollector(func() (int32, int32, int32) { return 4, 3, 1 })

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}

	var s Summary
	if err := json.NewDecoder(rec.Body).Decode(&s); err != nil {
		t.Fatalf("decoding summary: %v", err)
	}
	if s.Gateway.TotalRequests != 2 || s.Gateway.ErrorRate != 0.5 || s.Admin.TotalRequests != 1 {
		t.Errorf("unexpected http summary: %+v %+v", s.Gateway, s.Admin)
	}
	if s.Decisions.Allowed != 2 || s.Decisions.Rejected != 1 || s.Decisions.RateLimited != 1 || s.Decisions.CircuitTrips != 1 {
		t.Errorf("unexpected decisions: %+v", s.Decisions)
	}
	if s.Execution.Total != 1 || s.Execution.Errors != 1 {
		t.Errorf("unexpected execution: %+v", s.Execution)
	}
	if s.Links.Resolved != 1 || s.Links.Failed != 1 {
		t.Errorf("unexpected links: %+v", s.Links)
	}
	if s.Collector.TotalFlushes != 2 || s.Collector.FlushErrors != 1 || s.Collector.Entries != 3 || s.Collector.Dropped != 4 {
		t.Errorf("unexpected collector: %+v", s.Collector)
	}
	if s.DB.TotalConns != 4 || s.DB.AcquiredConns != 1 {
		t.Errorf("unexpected db: %+v", s.DB)
	}
	if s.Server.StartTime == 0 {
		t.Error("expected start time")
	}
}
