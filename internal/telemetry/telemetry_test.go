package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.Equal(t, HealthStatus{Healthy: true}, tel.Health())
	assert.NoError(t, tel.ForceFlush(context.Background()))

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.Health().Healthy)
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true})
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_EnabledLazyExporters(t *testing.T) {
	// OTLP exporters connect lazily, so construction succeeds without a
	// collector.
	for _, protocol := range []string{"grpc", "http/protobuf"} {
		t.Run(protocol, func(t *testing.T) {
			cfg := NewDefaultConfig()
			cfg.Enabled = true
			cfg.Protocol = protocol
			cfg.Shutdown.Timeout = config.Duration(100 * time.Millisecond)

			tel, err := New(context.Background(), cfg)
			require.NoError(t, err)
			assert.True(t, tel.IsEnabled())
			assert.False(t, tel.Health().Degraded)
			_ = tel.Shutdown(context.Background())
		})
	}
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotPanics(t, func() {
		_ = tel.Tracer("test")
		_ = tel.Meter("test")
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
		tel.Stages().Record(context.Background(), "train", "training", "ok", time.Second)
	})
	assert.Equal(t, HealthStatus{Healthy: false, Degraded: true}, tel.Health())
}

func TestTestTelemetry_Spans(t *testing.T) {
	tt := NewTestTelemetry()
	tracer := tt.Tracer(Scope)

	_, span := tracer.Start(context.Background(), "stage.quantize")
	span.SetAttributes(
		attribute.String("artifact", "quantized_models/model.tflite"),
		attribute.Int64("epochs", 10),
		attribute.Bool("interrupted", false),
	)
	span.End()
	_, span = tracer.Start(context.Background(), "stage.evaluate")
	span.End()

	assert.Equal(t, []string{"stage.quantize", "stage.evaluate"}, tt.SpanNames())
	tt.AssertSpanExists(t, "stage.evaluate")
	tt.AssertSpanAttribute(t, "stage.quantize", "artifact", "quantized_models/model.tflite")
	tt.AssertSpanAttribute(t, "stage.quantize", "epochs", int64(10))
	tt.AssertSpanAttribute(t, "stage.quantize", "interrupted", false)
	assert.Nil(t, tt.SpanByName("stage.deploy"))
}

func TestStageInstruments(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	stages := tt.Stages()
	require.NotNil(t, stages)
	assert.Same(t, stages, tt.Stages())

	stages.Record(ctx, "train", "chain_tqe", "ok", 2*time.Second)
	stages.Record(ctx, "quantize", "chain_tqe", "ok", time.Second)
	stages.Record(ctx, "evaluate", "chain_tqe", "failed", time.Second)

	assert.Equal(t, int64(3), tt.Counter(t, "modelzoo.stage.runs"))
	assert.Equal(t, int64(2), tt.CounterWith(t, "modelzoo.stage.runs", attribute.String("status", "ok")))
	assert.Equal(t, int64(-1), tt.Counter(t, "modelzoo.unknown"))

	require.NoError(t, tt.Shutdown(ctx))
	assert.False(t, tt.Health().Healthy)
}
