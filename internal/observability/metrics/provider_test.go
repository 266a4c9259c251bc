package metrics

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func restoreMeterProvider(t *testing.T) {
	t.Helper()
	prev := otel.GetMeterProvider()
	t.Cleanup(func() { otel.SetMeterProvider(prev) })
}

func TestNewProviderDisabledInstallsNoop(t *testing.T) {
	restoreMeterProvider(t)

	shutdown, err := NewProvider(Config{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if _, ok := otel.GetMeterProvider().(noop.MeterProvider); !ok {
		t.Errorf("meter provider = %T, want noop", otel.GetMeterProvider())
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestNewProviderEnabledInstallsSDK(t *testing.T) {
	restoreMeterProvider(t)

	shutdown, err := NewProvider(Config{
		Enabled:          true,
		ServiceName:      "manyfutures-test",
		ExporterEndpoint: "127.0.0.1:1",
		ExporterProtocol: "http",
		ExportInterval:   time.Hour,
	}, nil)
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	if _, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider); !ok {
		t.Errorf("meter provider = %T, want *sdkmetric.MeterProvider", otel.GetMeterProvider())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	// nothing listens on the endpoint, so the final flush may fail
	_ = shutdown(ctx)
}

func TestNewProviderRejectsUnknownProtocol(t *testing.T) {
	restoreMeterProvider(t)

	if _, err := NewProvider(Config{Enabled: true, ExporterProtocol: "carrier-pigeon"}, nil); err == nil {
		t.Fatal("expected error for unknown protocol")
	}
}

func TestWorkerMetricsExport(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewWorkerMetrics(provider)
	if err != nil {
		t.Fatalf("NewWorkerMetrics: %v", err)
	}
	ctx := context.Background()
	m.JobClaimed(ctx, false)
	m.JobClaimed(ctx, true)
	m.SpendRecorded(ctx, "GBP", 42)
	m.SpendRecorded(ctx, "GBP", -10)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			sum, ok := md.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				sums[md.Name] += dp.Value
			}
		}
	}
	if sums["scheduler.jobs.claimed"] != 2 {
		t.Errorf("claimed = %d, want 2", sums["scheduler.jobs.claimed"])
	}
	if sums["scheduler.spend.recorded_minor"] != 42 {
		t.Errorf("spend = %d, want 42", sums["scheduler.spend.recorded_minor"])
	}
}
