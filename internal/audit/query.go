package audit

import (
	"context"

	"github.com/okrlinkhub/agent-bridge/internal/model"
	"github.com/okrlinkhub/agent-bridge/internal/store"
)

// Page is one page of access log entries, newest first.
type Page struct {
	Entries    []model.AccessLogEntry `json:"entries"`
	NextCursor string                 `json:"next_cursor,omitempty"`
}

// Reader queries the access log.
type Reader struct {
	log store.AccessLog
}

func NewReader(log store.AccessLog) *Reader {
	return &Reader{log: log}
}

func (r *Reader) Query(ctx context.Context, q model.AccessLogQuery) (*Page, error) {
	entries, next, err := r.log.ListAccessLogs(ctx, q)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []model.AccessLogEntry{}
	}
	return &Page{Entries: entries, NextCursor: next}, nil
}
