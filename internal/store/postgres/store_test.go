package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/okrlinkhub/agent-bridge/internal/store"
)

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"serialization failure", &pgconn.PgError{Code: codeSerializationFailure}, true},
		{"wrapped deadlock", fmt.Errorf("committing: %w", &pgconn.PgError{Code: codeDeadlockDetected}), true},
		{"unique violation", &pgconn.PgError{Code: codeUniqueViolation}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := retryable(tt.err); got != tt.want {
				t.Errorf("retryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMapErr(t *testing.T) {
	if err := mapErr(nil, "x"); err != nil {
		t.Errorf("mapErr(nil) = %v", err)
	}
	if err := mapErr(pgx.ErrNoRows, "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if err := mapErr(&pgconn.PgError{Code: codeUniqueViolation}, "creating agent"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	serial := &pgconn.PgError{Code: codeSerializationFailure}
	if err := mapErr(serial, "x"); !retryable(err) {
		t.Errorf("serialization failures must stay retryable after mapping, got %v", err)
	}
}
