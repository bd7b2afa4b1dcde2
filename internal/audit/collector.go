// Package audit buffers access log entries and writes them to the store in
// batches, off the request path.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/okrlinkhub/agent-bridge/internal/model"
)

// retryBatches bounds how many batches of failed entries are kept for the
// next flush.
const retryBatches = 10

// BatchInserter is the interface used by Collector to persist entries.
type BatchInserter interface {
	InsertAccessLogs(ctx context.Context, entries []model.AccessLogEntry) error
}

// MetricsRecorder is an optional interface for recording collector metrics.
type MetricsRecorder interface {
	SetCollectorBuffer(n int)
	ObserveFlush(entries int, seconds float64, err error)
	AddCollectorDropped(n int)
}

// Collector buffers entries in memory and flushes them when the buffer
// reaches batchSize or every flushInterval, whichever comes first. It is safe
// for concurrent use.
type Collector struct {
	store         BatchInserter
	buffer        []model.AccessLogEntry
	mu            sync.Mutex
	flushMu       sync.Mutex
	batchSize     int
	flushInterval time.Duration
	done          chan struct{}
	stopped       chan struct{}
	stopOnce      sync.Once
	started       atomic.Bool
	metrics       MetricsRecorder
	now           func() time.Time
}

func NewCollector(store BatchInserter, batchSize int, flushInterval time.Duration) *Collector {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Collector{
		store:         store,
		buffer:        make([]model.AccessLogEntry, 0, batchSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		now:           time.Now,
	}
}

// SetMetrics sets the optional metrics recorder.
func (c *Collector) SetMetrics(m MetricsRecorder) {
	c.metrics = m
}

// Start flushes buffered entries on a timer. It blocks until Stop is called
// or ctx is cancelled, then performs a final flush.
func (c *Collector) Start(ctx context.Context) {
	c.started.Store(true)
	defer close(c.stopped)
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Flush(context.Background())
		case <-ctx.Done():
			c.Flush(context.Background())
			return
		case <-c.done:
			c.Flush(context.Background())
			return
		}
	}
}

// Record adds an entry to the buffer.
func (c *Collector) Record(e model.AccessLogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = c.now().UTC()
	}
	c.mu.Lock()
	c.buffer = append(c.buffer, e)
	n := len(c.buffer)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.SetCollectorBuffer(n)
	}
	if n >= c.batchSize {
		go c.Flush(context.Background())
	}
}

// Flush drains the buffer and writes it to the store. A failed batch goes
// back to the front of the buffer for the next flush; once the buffer holds
// more than retryBatches batches the oldest entries are dropped and counted.
func (c *Collector) Flush(ctx context.Context) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	if len(c.buffer) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buffer
	c.buffer = make([]model.AccessLogEntry, 0, c.batchSize)
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	start := time.Now()
	err := c.store.InsertAccessLogs(ctx, batch)
	if c.metrics != nil {
		c.metrics.ObserveFlush(len(batch), time.Since(start).Seconds(), err)
		c.metrics.SetCollectorBuffer(c.Len())
	}
	if err != nil {
		slog.Error("failed to flush access log entries", "count", len(batch), "error", err)
		c.requeue(batch)
	}
}

func (c *Collector) requeue(batch []model.AccessLogEntry) {
	c.mu.Lock()
	pending := make([]model.AccessLogEntry, 0, len(batch)+len(c.buffer))
	pending = append(pending, batch...)
	pending = append(pending, c.buffer...)
	dropped := 0
	if limit := c.batchSize * retryBatches; len(pending) > limit {
		dropped = len(pending) - limit
		pending = pending[dropped:]
	}
	c.buffer = pending
	n := len(pending)
	c.mu.Unlock()

	if dropped > 0 {
		slog.Error("dropped access log entries after repeated flush failures", "count", dropped)
	}
	if c.metrics != nil {
		if dropped > 0 {
			c.metrics.AddCollectorDropped(dropped)
		}
		c.metrics.SetCollectorBuffer(n)
	}
}

// Len returns the number of buffered entries.
func (c *Collector) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// Stop signals Start to exit and waits for its final flush. Without a
// running Start it flushes directly.
func (c *Collector) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	if !c.started.Load() {
		c.Flush(context.Background())
		return
	}
	<-c.stopped
}
