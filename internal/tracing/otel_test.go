package tracing

import (
	"context"
	"net/http"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nextlevelbuilder/inboundq/internal/config"
)

func TestSetupDisabledInstallsPropagator(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}

	fields := otel.GetTextMapPropagator().Fields()
	want := map[string]bool{"traceparent": false, "baggage": false}
	for _, f := range fields {
		if _, ok := want[f]; ok {
			want[f] = true
		}
	}
	for f, seen := range want {
		if !seen {
			t.Errorf("propagator missing field %q (got %v)", f, fields)
		}
	}

	h := http.Header{}
	otel.GetTextMapPropagator().Inject(context.Background(), propagation.HeaderCarrier(h))
	if h.Get("traceparent") != "" {
		t.Errorf("no span in context, but traceparent = %q", h.Get("traceparent"))
	}
}

func TestSetupEnabledHTTP(t *testing.T) {
	// Exporter construction does not dial; spans are only sent on flush.
	shutdown, err := Setup(context.Background(), config.TelemetryConfig{
		Enabled:  true,
		Protocol: "http",
		Endpoint: "http://127.0.0.1:1/v1/traces",
		Insecure: true,
		Headers:  map[string]string{"x-api-key": "k"},
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = shutdown(ctx)
	})
}

func TestProtocolOf(t *testing.T) {
	tests := map[string]string{"": "grpc", "grpc": "grpc", "HTTP": "http", "http": "http"}
	for in, want := range tests {
		if got := protocolOf(config.TelemetryConfig{Protocol: in}); got != want {
			t.Errorf("protocolOf(%q) = %q, want %q", in, got, want)
		}
	}
}
