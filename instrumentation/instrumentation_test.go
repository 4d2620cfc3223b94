package instrumentation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name:   "disabled",
			config: Config{Enabled: false},
		},
		{
			name: "with service name and version",
			config: Config{
				Enabled:        true,
				ServiceName:    "test-service",
				ServiceVersion: "1.0.0",
			},
		},
		{
			name:   "explicit none exporter",
			config: Config{Enabled: true, MetricExporter: MetricExporterNone},
		},
		{
			name:    "unknown exporter",
			config:  Config{Enabled: true, MetricExporter: "statsd"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := New(tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}

			if inst.Meter("http") == nil {
				t.Error("Meter('http') returned nil")
			}
			if inst.Tracer("pipeline") == nil {
				t.Error("Tracer('pipeline') returned nil")
			}
			if inst.Metrics() == nil {
				t.Error("Metrics() returned nil")
			}
			if inst.TracerProvider() == nil || inst.MeterProvider() == nil {
				t.Error("providers must not be nil")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("Shutdown() error = %v", err)
			}
			if err := inst.Shutdown(ctx); err != nil {
				t.Errorf("second Shutdown() error = %v", err)
			}
		})
	}
}

func TestInstrumentation_NoOpProviders(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx := context.Background()
	inst.Metrics().RecordCodeExchange(ctx, "test-client", "s256")
	inst.Metrics().RecordTokenRefresh(ctx, "github", true)

	_, span := inst.Tracer("pipeline").Start(ctx, "test-span")
	span.End()
}

func TestInstrumentation_ConcurrentAccess(t *testing.T) {
	inst, err := New(Config{
		Enabled:        true,
		ServiceName:    "concurrent-test",
		ServiceVersion: "1.0.0",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				inst.Metrics().RecordCodeExchange(ctx, fmt.Sprintf("client-%d", id), "s256")
				_, span := inst.Tracer("pipeline").Start(ctx, "concurrent-span")
				span.End()
			}
		}(i)
	}
	wg.Wait()
}

func TestConfig_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	if inst.config.ServiceName != DefaultServiceName {
		t.Errorf("default ServiceName = %q, want %q", inst.config.ServiceName, DefaultServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("default ServiceVersion = %q, want %q", inst.config.ServiceVersion, DefaultServiceVersion)
	}
}

func TestRegisterFlowStateCallback(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	inst, err := New(Config{Enabled: true, MetricReader: reader})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer func() { _ = inst.Shutdown(context.Background()) }()

	if err := inst.RegisterFlowStateCallback("memory", func() int64 { return 7 }); err != nil {
		t.Fatalf("RegisterFlowStateCallback() error = %v", err)
	}
	if err := inst.RegisterFlowStateCallback("memory", nil); err == nil {
		t.Error("RegisterFlowStateCallback(nil) expected error")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}

	got, ok := findGauge(rm, "storage.flow_states")
	if !ok {
		t.Fatal("storage.flow_states gauge not collected")
	}
	if got != 7 {
		t.Errorf("storage.flow_states = %d, want 7", got)
	}
}

func findGauge(rm metricdata.ResourceMetrics, name string) (int64, bool) {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if g, ok := m.Data.(metricdata.Gauge[int64]); ok && len(g.DataPoints) > 0 {
				return g.DataPoints[0].Value, true
			}
		}
	}
	return 0, false
}

func BenchmarkMetrics_RecordHTTPRequest(b *testing.B) {
	inst, _ := New(Config{Enabled: true})
	defer func() { _ = inst.Shutdown(context.Background()) }()

	ctx := context.Background()
	metrics := inst.Metrics()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.RecordHTTPRequest(ctx, "GET", "/api/auth/ok", 200, 1.5)
	}
}

func BenchmarkMetrics_RecordHTTPRequest_NoOp(b *testing.B) {
	inst, _ := New(Config{Enabled: false})

	ctx := context.Background()
	metrics := inst.Metrics()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.RecordHTTPRequest(ctx, "GET", "/api/auth/ok", 200, 1.5)
	}
}
