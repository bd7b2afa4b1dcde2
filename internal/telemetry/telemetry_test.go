package telemetry

import (
	"context"
	"testing"

	"github.com/okrlinkhub/agent-bridge/internal/config"
)

func TestInitDisabled(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{Enabled: false}, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestInitEnabledWithoutEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), config.TelemetryConfig{Enabled: true}, "test")
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected a no-op shutdown func")
	}
}
