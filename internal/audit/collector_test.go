package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store/memory"
)

// mockStore records all batches that were inserted.
type mockStore struct {
	mu       sync.Mutex
	batches  [][]model.AccessLogEntry
	insertFn func(ctx context.Context, entries []model.AccessLogEntry) error
}

func (m *mockStore) InsertAccessLogs(ctx context.Context, entries []model.AccessLogEntry) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, entries)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]model.AccessLogEntry, len(entries))
	copy(cp, entries)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockStore) totalInserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func sampleEntry(fn string) model.AccessLogEntry {
	return model.AccessLogEntry{
		AgentID:        "agent-1",
		CredentialKind: "api_key",
		FunctionKey:    fn,
		Authorized:     true,
		DurationMs:     12,
	}
}

type recorder struct {
	mu      sync.Mutex
	flushes int
	errors  int
	dropped int
}

func (r *recorder) SetCollectorBuffer(int) {}

func (r *recorder) AddCollectorDropped(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped += n
}

func (r *recorder) ObserveFlush(_ int, _ float64, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	if err != nil {
		r.errors++
	}
}

func TestCollector_RecordAddsToBuffer(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)

	c.Record(sampleEntry("demo.listItems"))
	c.Record(sampleEntry("demo.getItem"))

	if c.Len() != 2 {
		t.Fatalf("expected buffer length 2, got %d", c.Len())
	}
	if ms.totalInserted() != 0 {
		t.Fatalf("expected 0 inserted before flush, got %d", ms.totalInserted())
	}
}

func TestCollector_RecordStampsTimestamp(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)
	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	c.Record(sampleEntry("demo.listItems"))
	c.Flush(context.Background())

	if got := ms.batches[0][0].Timestamp; !got.Equal(fixed) {
		t.Fatalf("expected stamped timestamp, got %v", got)
	}
}

func TestCollector_FlushOnBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		records   int
		wantFlush int
	}{
		{"exact batch size triggers flush", 3, 3, 3},
		{"under batch size does not flush", 5, 3, 0},
		{"double batch size triggers two flushes", 2, 4, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockStore{}
			c := NewCollector(ms, tt.batchSize, time.Hour)

			for i := 0; i < tt.records; i++ {
				c.Record(sampleEntry("demo.listItems"))
			}

			// Allow the flush goroutines to complete.
			time.Sleep(50 * time.Millisecond)

			if got := ms.totalInserted(); got != tt.wantFlush {
				t.Errorf("expected %d flushed entries, got %d", tt.wantFlush, got)
			}
		})
	}
}

func TestCollector_StopDoesFinalFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Record(sampleEntry("a"))
	c.Record(sampleEntry("b"))
	c.Record(sampleEntry("c"))

	c.Stop()
	time.Sleep(50 * time.Millisecond)

	if got := ms.totalInserted(); got != 3 {
		t.Fatalf("expected 3 entries after Stop, got %d", got)
	}
}

func TestCollector_StopWithoutStart(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)
	c.Record(sampleEntry("a"))

	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked without a running Start")
	}
	if ms.totalInserted() != 1 {
		t.Fatalf("expected final flush, got %d", ms.totalInserted())
	}
}

func TestCollector_TimerFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	c.Record(sampleEntry("a"))
	time.Sleep(200 * time.Millisecond)

	if got := ms.totalInserted(); got != 1 {
		t.Fatalf("expected 1 entry after timer flush, got %d", got)
	}
	c.Stop()
}

func TestCollector_ConcurrentRecords(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.Start(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record(sampleEntry("a"))
		}()
	}
	wg.Wait()

	time.Sleep(50 * time.Millisecond)
	c.Stop()
	time.Sleep(50 * time.Millisecond)

	if got := ms.totalInserted(); got != 50 {
		t.Fatalf("expected 50 entries, got %d", got)
	}
}

func TestCollector_FailedBatchIsRetried(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	ms := &mockStore{}
	ms.insertFn = func(ctx context.Context, entries []model.AccessLogEntry) error {
		if fail.Load() {
			return errors.New("db down")
		}
		ms.mu.Lock()
		defer ms.mu.Unlock()
		ms.batches = append(ms.batches, append([]model.AccessLogEntry(nil), entries...))
		return nil
	}
	rec := &recorder{}
	c := NewCollector(ms, 100, time.Hour)
	c.SetMetrics(rec)

	c.Record(sampleEntry("a"))
	c.Flush(context.Background())

	if rec.flushes != 1 || rec.errors != 1 {
		t.Fatalf("expected one failed flush, got %+v", rec)
	}
	if c.Len() != 1 {
		t.Fatalf("failed batch should stay buffered, have %d", c.Len())
	}

	c.Record(sampleEntry("b"))
	fail.Store(false)
	c.Flush(context.Background())

	if got := ms.totalInserted(); got != 2 || c.Len() != 0 {
		t.Fatalf("expected both entries written, got %d (buffer %d)", got, c.Len())
	}
	if ms.batches[0][0].FunctionKey != "a" || ms.batches[0][0].ID == "" {
		t.Errorf("retried entry should come first with a stable id: %+v", ms.batches[0][0])
	}
}

func TestCollector_DropsOverflowAfterFailures(t *testing.T) {
	ms := &mockStore{insertFn: func(context.Context, []model.AccessLogEntry) error {
		return errors.New("db down")
	}}
	rec := &recorder{}
	c := NewCollector(ms, 2, time.Hour)
	c.SetMetrics(rec)

	// Record only triggers background flushes at batchSize; flush by hand.
	for i := 0; i < 25; i++ {
		c.mu.Lock()
		c.buffer = append(c.buffer, sampleEntry("a"))
		c.mu.Unlock()
	}
	c.Flush(context.Background())

	if c.Len() != 2*retryBatches {
		t.Fatalf("buffer = %d, want %d", c.Len(), 2*retryBatches)
	}
	if rec.dropped != 5 {
		t.Fatalf("dropped = %d, want 5", rec.dropped)
	}
}

func TestReaderQuery(t *testing.T) {
	st := memory.New()
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var entries []model.AccessLogEntry
	for i := 0; i < 5; i++ {
		e := sampleEntry("demo.listItems")
		e.Timestamp = base.Add(time.Duration(i) * time.Minute)
		entries = append(entries, e)
	}
	if err := st.InsertAccessLogs(ctx, entries); err != nil {
		t.Fatal(err)
	}

	r := NewReader(st)
	page, err := r.Query(ctx, model.AccessLogQuery{Limit: 3})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Entries) != 3 || page.NextCursor == "" {
		t.Fatalf("expected a full first page with cursor, got %d %q", len(page.Entries), page.NextCursor)
	}
	if !page.Entries[0].Timestamp.Equal(base.Add(4 * time.Minute)) {
		t.Fatalf("expected newest first, got %v", page.Entries[0].Timestamp)
	}

	next, err := r.Query(ctx, model.AccessLogQuery{Limit: 3, Cursor: page.NextCursor})
	if err != nil || len(next.Entries) != 2 || next.NextCursor != "" {
		t.Fatalf("unexpected second page: %+v %v", next, err)
	}

	empty, _ := r.Query(ctx, model.AccessLogQuery{AgentID: "nobody"})
	if empty.Entries == nil {
		t.Fatal("expected empty slice, not nil")
	}
}
