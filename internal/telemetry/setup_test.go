package telemetry

import (
	"context"
	"strings"
	"testing"

	"github.com/acme/masked-call/internal/config"
)

func TestSetupDisabledIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{}, config.AppConfig{Name: "masked-call"})
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestServiceNameFallsBackToApp(t *testing.T) {
	if got := serviceName(config.TelemetryConfig{}, config.AppConfig{Name: "masked-call"}); got != "masked-call" {
		t.Fatalf("service name = %q", got)
	}
	if got := serviceName(config.TelemetryConfig{ServiceName: "edge"}, config.AppConfig{Name: "masked-call"}); got != "edge" {
		t.Fatalf("service name = %q", got)
	}
}

func TestSampler(t *testing.T) {
	for _, ratio := range []float64{0, -1, 1, 3} {
		if desc := sampler(ratio).Description(); !strings.Contains(desc, "AlwaysOnSampler") {
			t.Fatalf("ratio %v: sampler = %s", ratio, desc)
		}
	}
	if desc := sampler(0.25).Description(); !strings.Contains(desc, "TraceIDRatioBased{0.25}") {
		t.Fatalf("sampler = %s", desc)
	}
}

func TestExporterOptions(t *testing.T) {
	if n := len(exporterOptions(config.TelemetryConfig{Endpoint: "collector:4318"})); n != 1 {
		t.Fatalf("expected endpoint only, got %d options", n)
	}
	cfg := config.TelemetryConfig{Endpoint: "collector:4318", Insecure: true, Headers: map[string]string{"x-api-key": "k"}}
	if n := len(exporterOptions(cfg)); n != 3 {
		t.Fatalf("expected 3 options, got %d", n)
	}
}
