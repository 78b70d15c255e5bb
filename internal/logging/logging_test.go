package logging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
)

func newBufferedLogger(t *testing.T, cfg *Config) (*Logger, *zaptest.Buffer) {
	t.Helper()
	buf := &zaptest.Buffer{}
	l, err := newLogger(cfg, buf, nil)
	require.NoError(t, err)
	return l, buf
}

func TestLogger_ConsolePrefixes(t *testing.T) {
	l, buf := newBufferedLogger(t, NewDefaultConfig())
	ctx := context.Background()

	l.Debug(ctx, "hidden")
	l.Info(ctx, "loading configuration")
	l.Warn(ctx, "no quantization set")
	l.Error(ctx, "stage failed")
	l.Results(ctx, "accuracy", zap.Float64("accuracy", 0.91))

	assert.Equal(t, []string{
		"[INFO] loading configuration",
		"[WARN] no quantization set",
		"[FAIL] stage failed",
		`[RESULTS] accuracy {"accuracy": 0.91}`,
	}, buf.Lines())
}

func TestLogger_ResultsIgnoreLevel(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Level = zapcore.ErrorLevel
	l, buf := newBufferedLogger(t, cfg)

	l.Info(context.Background(), "progress")
	l.Results(context.Background(), "done")

	assert.Equal(t, []string{"[RESULTS] done"}, buf.Lines())
}

func TestLogger_JSONFormat(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "json"
	l, buf := newBufferedLogger(t, cfg)

	l.Results(context.Background(), "footprint")
	require.Len(t, buf.Lines(), 1)
	assert.Contains(t, buf.Lines()[0], `"level":"results"`)
	assert.Contains(t, buf.Lines()[0], `"ts":`)
}

func TestLogger_WithRunLog(t *testing.T) {
	l, buf := newBufferedLogger(t, NewDefaultConfig())
	dir := filepath.Join(t.TempDir(), "run")

	runLogger, closeLog, err := l.WithRunLog(dir)
	require.NoError(t, err)
	runLogger.Info(context.Background(), "training started")
	closeLog()

	assert.Equal(t, []string{"[INFO] training started"}, buf.Lines())

	data, err := os.ReadFile(filepath.Join(dir, RunLogFile))
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Regexp(t, regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}`), line)
	assert.True(t, strings.HasSuffix(line, "[INFO] training started"), line)

	l.Info(context.Background(), "after close")
	data, err = os.ReadFile(filepath.Join(dir, RunLogFile))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "after close", "parent logger does not write the run log")
}

func TestLogger_Redaction(t *testing.T) {
	l, buf := newBufferedLogger(t, NewDefaultConfig())

	l.Info(context.Background(), "login with password=hunter2",
		zap.String("stmai_password", "hunter2"),
		zap.String("header", "Bearer abc.def"),
		zap.String("user", "alice"),
		Secret("board_password", config.Secret("s3cret")),
	)

	out := buf.String()
	assert.NotContains(t, out, "hunter2")
	assert.NotContains(t, out, "abc.def")
	assert.NotContains(t, out, "s3cret")
	assert.Contains(t, out, `"user": "alice"`)
	assert.Contains(t, out, "[REDACTED]")
}

func TestContextFields(t *testing.T) {
	ctx := WithRun(context.Background(), &Run{ID: "3f2a-run", UseCase: "image_classification", Mode: "chain_tqe"})
	ctx = WithStage(ctx, "quantize")

	tl := NewTestLogger()
	tl.Info(ctx, "saved")
	tl.AssertField(t, "saved", "run.id", "3f2a-run")
	tl.AssertField(t, "saved", "use_case", "image_classification")
	tl.AssertField(t, "saved", "mode", "chain_tqe")
	tl.AssertField(t, "saved", "stage", "quantize")

	assert.Empty(t, ContextFields(context.Background()))
	assert.Equal(t, "quantize", StageFromContext(ctx))

	assert.Panics(t, func() { WithStage(context.Background(), "bad stage") })
	assert.Panics(t, func() { WithRun(context.Background(), nil) })
	assert.Panics(t, func() { WithRun(context.Background(), &Run{}) })
}

func TestFromContext(t *testing.T) {
	assert.NotNil(t, FromContext(context.Background()))

	tl := NewTestLogger()
	ctx := WithLogger(context.Background(), tl.Logger)
	FromContext(ctx).Warn(ctx, "fake calibration")
	tl.AssertLogged(t, zapcore.WarnLevel, "fake calibration")
}

func TestSampling(t *testing.T) {
	core, observed := observer.New(TraceLevel)
	sampled := newSampledCore(core, SamplingConfig{
		Enabled:    true,
		Tick:       config.Duration(time.Minute),
		Initial:    2,
		Thereafter: 0,
	})
	l := &Logger{zap: zap.New(sampled), config: NewDefaultConfig()}
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		l.Debug(ctx, "batch done")
		l.Info(ctx, "epoch done")
	}
	l.Results(ctx, "final")

	assert.Equal(t, 2, observed.FilterMessage("batch done").Len())
	assert.Equal(t, 10, observed.FilterMessage("epoch done").Len())
	assert.Equal(t, 1, observed.FilterMessage("final").Len())

	assert.Equal(t, core, newSampledCore(core, SamplingConfig{}))
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"bad format", func(c *Config) { c.Format = "xml" }, "format"},
		{"no output", func(c *Config) { c.Output.Stdout = false }, "output"},
		{"zero tick", func(c *Config) { c.Sampling.Enabled = true; c.Sampling.Tick = 0 }, "tick"},
		{"bad pattern", func(c *Config) { c.Redaction.Patterns = []string{"("} }, "pattern"},
		{"empty field", func(c *Config) { c.Fields = map[string]string{"k": ""} }, "empty value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLevelFromString(t *testing.T) {
	for in, want := range map[string]zapcore.Level{
		"trace":   TraceLevel,
		"debug":   zapcore.DebugLevel,
		"warn":    zapcore.WarnLevel,
		"results": ResultsLevel,
	} {
		got, err := LevelFromString(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := LevelFromString("loud")
	assert.Error(t, err)
}

func TestTestLogger_Prefixed(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()
	tl.Info(ctx, "a")
	tl.Error(ctx, "b")
	tl.Results(ctx, "c")
	assert.Equal(t, []string{"[INFO] a", "[FAIL] b", "[RESULTS] c"}, tl.Prefixed())

	tl.Reset()
	assert.Empty(t, tl.All())
}

func TestTestLogger_AssertNoSecrets(t *testing.T) {
	tl := NewTestLogger()
	ctx := context.Background()
	tl.Info(ctx, "connecting to board", zap.String("user", "root"), Secret("board_password", config.Secret("pw")))
	tl.AssertNoSecrets(t)

	rec := &recordingTB{}
	tl.Warn(ctx, "retrying", zap.String("board_password", "pw"))
	tl.AssertNoSecrets(rec)
	assert.Equal(t, []string{`secret in field "board_password"`}, rec.errors)
}

type recordingTB struct {
	testing.TB
	errors []string
}

func (r *recordingTB) Helper() {}

func (r *recordingTB) Errorf(format string, args ...any) {
	r.errors = append(r.errors, fmt.Sprintf(format, args...))
}
