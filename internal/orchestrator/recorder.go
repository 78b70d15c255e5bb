package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/modelzoo/internal/mlflow"
	"github.com/fyrsmithlabs/modelzoo/internal/mode"
)

// TrackerRecorder mirrors stage outcomes to an MLflow run.
type TrackerRecorder struct {
	run mlflow.Run
}

// NewTrackerRecorder creates a recorder writing to run.
func NewTrackerRecorder(run mlflow.Run) *TrackerRecorder {
	return &TrackerRecorder{run: run}
}

// RecordStage logs the stage metrics at step index state.Current and tags
// the stage status.
func (r *TrackerRecorder) RecordStage(ctx context.Context, state *RunState, result *StageResult) error {
	prefix := metricPrefix(result.Step)
	values := make(map[string]float64, len(result.Metrics)+1)
	for k, v := range result.Metrics {
		values[prefix+k] = v
	}
	if !result.CompletedAt.IsZero() {
		values[string(result.Step.Stage)+"_duration_s"] = result.CompletedAt.Sub(result.StartedAt).Seconds()
	}
	if err := r.run.LogMetrics(ctx, values, int64(state.Current)); err != nil {
		return fmt.Errorf("failed to record stage metrics: %w", err)
	}

	tags := map[string]string{
		fmt.Sprintf("stage.%d.%s", state.Current, result.Step.Stage): string(result.Status),
	}
	for _, a := range result.Artifacts {
		tags[fmt.Sprintf("artifact.%s", a.Kind)] = a.Path
	}
	if result.Interrupted {
		tags["interrupted"] = string(result.Step.Stage)
	}
	if err := r.run.SetTags(ctx, tags); err != nil {
		return fmt.Errorf("failed to record stage tags: %w", err)
	}
	return nil
}

// RecordViolation tags the run with a gate violation.
func (r *TrackerRecorder) RecordViolation(ctx context.Context, v Violation) error {
	key := strings.Join([]string{"violation", string(v.Stage), string(v.Type)}, ".")
	if err := r.run.SetTags(ctx, map[string]string{key: fmt.Sprintf("[%s] %s", v.Severity, v.Description)}); err != nil {
		return fmt.Errorf("failed to record violation: %w", err)
	}
	return nil
}

// metricPrefix separates the float and quantized evaluations of a chain.
func metricPrefix(step mode.Step) string {
	if step.Precision == mode.PrecisionAny {
		return ""
	}
	return string(step.Precision) + "_"
}
