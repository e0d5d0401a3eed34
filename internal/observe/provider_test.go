package observe

import (
	"context"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// keepGlobals restores the global OTel providers after the test.
func keepGlobals(t *testing.T) {
	t.Helper()
	mp, tp := otel.GetMeterProvider(), otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(mp)
		otel.SetTracerProvider(tp)
	})
}

func TestInitProvider_ExportsMetricsToRegistry(t *testing.T) {
	keepGlobals(t)
	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{Registerer: reg, ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	c, err := otel.Meter("provider_test").Int64Counter("relay.probe")
	if err != nil {
		t.Fatalf("Int64Counter: %v", err)
	}
	c.Add(context.Background(), 3)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "relay_probe") {
			if got := f.GetMetric()[0].GetCounter().GetValue(); got != 3 {
				t.Errorf("relay_probe = %v, want 3", got)
			}
			return
		}
	}
	t.Fatalf("relay_probe not exported; got %d families", len(families))
}

func TestInitProvider_FlushesSpansOnShutdown(t *testing.T) {
	keepGlobals(t)
	exp := tracetest.NewInMemoryExporter()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		Registerer:    prometheus.NewRegistry(),
		TraceExporter: exp,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	_, span := StartSpan(WithSession(context.Background(), "s-1"), "probe")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "probe" {
		t.Fatalf("exported spans = %v, want one named probe", spans)
	}
}

func TestInitProvider_RejectsSampleRatio(t *testing.T) {
	for _, r := range []float64{-0.1, 1.5} {
		if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: r}); err == nil {
			t.Errorf("SampleRatio %v: expected error", r)
		}
	}
}
