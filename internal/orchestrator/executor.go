package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/logging"
	"github.com/fyrsmithlabs/modelzoo/internal/metrics"
	"github.com/fyrsmithlabs/modelzoo/internal/mode"
	"github.com/fyrsmithlabs/modelzoo/internal/telemetry"
)

// StageProgress reports progress during execution.
type StageProgress struct {
	Step       mode.Step   `json:"step"`
	Status     StageStatus `json:"status"`
	Message    string      `json:"message"`
	Percentage int         `json:"percentage"`
}

// ProgressCallback receives progress updates during execution.
type ProgressCallback func(progress StageProgress)

// Executor runs a step sequence with gate checks.
type Executor struct {
	recorder         Recorder
	logger           *logging.Logger
	handlers         map[mode.Stage]StageHandler
	gates            map[mode.Stage][]Gate
	progressCallback ProgressCallback
	interrupts       *Interrupts
	metrics          *metrics.Run
	tracer           trace.Tracer
	instruments      *telemetry.StageInstruments
}

// NewExecutor creates an executor. recorder may be nil.
func NewExecutor(recorder Recorder, logger *logging.Logger) *Executor {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Executor{
		recorder:   recorder,
		logger:     logger,
		handlers:   make(map[mode.Stage]StageHandler),
		gates:      make(map[mode.Stage][]Gate),
		interrupts: NewInterrupts(),
		tracer:     otel.Tracer(telemetry.Scope),
	}
}

// RegisterHandler registers a stage handler.
func (e *Executor) RegisterHandler(handler StageHandler) {
	e.handlers[handler.Stage()] = handler
}

// RegisterGate registers a gate for a stage.
func (e *Executor) RegisterGate(stage mode.Stage, gate Gate) {
	e.gates[stage] = append(e.gates[stage], gate)
}

// RegisterGateAll registers gate for every stage.
func (e *Executor) RegisterGateAll(gate Gate) {
	for _, s := range []mode.Stage{
		mode.StagePreprocess, mode.StagePreprocessPred, mode.StageTrain, mode.StageEvaluate,
		mode.StageQuantize, mode.StageBenchmark, mode.StageDeploy, mode.StagePredict,
	} {
		e.RegisterGate(s, gate)
	}
}

// OnProgress sets the progress callback.
func (e *Executor) OnProgress(callback ProgressCallback) {
	e.progressCallback = callback
}

// SetMetrics records stage durations in m.
func (e *Executor) SetMetrics(m *metrics.Run) {
	e.metrics = m
}

// SetTelemetry emits stage spans and instruments through tel.
func (e *Executor) SetTelemetry(tel *telemetry.Telemetry) {
	e.tracer = tel.Tracer(telemetry.Scope)
	e.instruments = tel.Stages()
}

// SetInterrupts replaces the interrupt router, so callers can wire
// signals before the executor exists.
func (e *Executor) SetInterrupts(i *Interrupts) {
	if i != nil {
		e.interrupts = i
	}
}

// Interrupts returns the router fed by the signal handler.
func (e *Executor) Interrupts() *Interrupts {
	return e.interrupts
}

// Execute runs every step of config in order. The first failing stage
// aborts the run.
func (e *Executor) Execute(ctx context.Context, config RunConfig) (*RunState, error) {
	state := NewRunState(config)
	state.Status = StatusInProgress
	total := len(config.Steps)

	for i, step := range config.Steps {
		state.Current = i

		if err := ctx.Err(); err != nil {
			state.Status = StatusFailed
			return state, errkind.Wrap(errkind.KindStage, errkind.Interrupted,
				fmt.Sprintf("run cancelled before %s", step), err)
		}

		e.reportProgress(StageProgress{
			Step:       step,
			Status:     StatusInProgress,
			Message:    fmt.Sprintf("Starting stage: %s", step),
			Percentage: (i * 100) / total,
		})

		handler, ok := e.handlers[step.Stage]
		if !ok {
			state.Status = StatusFailed
			return state, errkind.New(errkind.KindStage, errkind.StageFailed,
				fmt.Sprintf("no handler registered for stage %s", step.Stage))
		}

		if step.Optional {
			if sk, ok := handler.(Skipper); ok && sk.Skip(state) {
				now := time.Now()
				result := &StageResult{Step: step, Status: StatusSkipped, StartedAt: now, CompletedAt: now}
				state.Results = append(state.Results, result)
				e.observe(ctx, state, step, metrics.StatusSkipped, 0)
				e.logger.Debug(ctx, "skipping optional stage", zap.Stringer("step", step))
				continue
			}
		}

		violations, err := e.checkGates(ctx, step, state)
		if err != nil {
			state.Status = StatusFailed
			return state, fmt.Errorf("gate check error for stage %s: %w", step, err)
		}
		for _, v := range violations {
			state.Violations = append(state.Violations, v)
			if e.recorder != nil {
				_ = e.recorder.RecordViolation(ctx, v)
			}
			if v.Severity == SeverityWarning {
				e.logger.Warn(ctx, v.Description, zap.String("gate", string(v.Type)))
			}
		}
		if hasBlockingViolation(violations) {
			state.Status = StatusFailed
			return state, violationError(step, violations)
		}

		result, err := e.runStage(ctx, handler, step, state)
		state.Results = append(state.Results, result)
		e.record(ctx, state, result)
		if err != nil {
			state.Status = StatusFailed
			return state, err
		}

		e.reportProgress(StageProgress{
			Step:       step,
			Status:     result.Status,
			Message:    fmt.Sprintf("Completed stage: %s", step),
			Percentage: ((i + 1) * 100) / total,
		})
	}

	state.Status = StatusCompleted
	return state, nil
}

// runStage executes one handler inside its span, stage context and
// interrupt scope. The returned result is never nil.
func (e *Executor) runStage(ctx context.Context, handler StageHandler, step mode.Step, state *RunState) (*StageResult, error) {
	ctx = logging.WithStage(ctx, string(step.Stage))
	ctx, span := e.tracer.Start(ctx, "stage."+string(step.Stage), trace.WithAttributes(
		attribute.String("stage", step.String()),
		attribute.String("mode", string(state.Config.Mode)),
	))
	defer span.End()

	if kinds := Consumes(step); kinds != nil {
		if a, err := state.Artifacts.Resolve(kinds...); err == nil {
			span.SetAttributes(attribute.String("artifact", a.Path))
		}
	}

	sctx, leave := e.interrupts.enter(ctx)
	defer leave()

	started := time.Now()
	e.logger.Info(ctx, fmt.Sprintf("running %s", step))
	result, err := handler.Execute(sctx, step, state)
	elapsed := time.Since(started)

	if result == nil {
		result = &StageResult{}
	}
	result.Step = step
	if result.StartedAt.IsZero() {
		result.StartedAt = started
	}
	result.CompletedAt = started.Add(elapsed)

	if err == nil && Interrupted(sctx) && !consumesInterrupt(handler) {
		err = errInterrupt
	}
	if err != nil {
		err = stageError(sctx, step, err)
		result.Status = StatusFailed
		result.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.observe(ctx, state, step, metrics.StatusFailed, elapsed)
		e.logger.Error(ctx, err.Error(), zap.Duration("elapsed", elapsed))
		return result, err
	}

	if result.Status == "" || result.Status == StatusInProgress {
		result.Status = StatusCompleted
	}
	state.Artifacts.Add(result.Artifacts...)
	for _, a := range result.Artifacts {
		span.SetAttributes(attribute.String("artifact", a.Path))
	}

	status := metrics.StatusOK
	if result.Status == StatusWarned {
		status = metrics.StatusWarned
	}
	e.observe(ctx, state, step, status, elapsed)
	e.logger.Info(ctx, fmt.Sprintf("%s done", step), zap.Duration("elapsed", elapsed))
	return result, nil
}

func (e *Executor) observe(ctx context.Context, state *RunState, step mode.Step, status string, d time.Duration) {
	e.metrics.ObserveStage(string(step.Stage), status, d)
	e.instruments.Record(ctx, string(step.Stage), string(state.Config.Mode), status, d)
}

func (e *Executor) record(ctx context.Context, state *RunState, result *StageResult) {
	if e.recorder == nil {
		return
	}
	if err := e.recorder.RecordStage(ctx, state, result); err != nil {
		e.logger.Warn(ctx, "could not record stage in tracker", zap.Error(err))
	}
}

// checkGates runs all gates for a stage and returns violations.
func (e *Executor) checkGates(ctx context.Context, step mode.Step, state *RunState) ([]Violation, error) {
	var all []Violation
	for _, gate := range e.gates[step.Stage] {
		violations, err := gate.Check(ctx, step, state)
		if err != nil {
			return nil, fmt.Errorf("gate %s check failed: %w", gate.Name(), err)
		}
		all = append(all, violations...)
	}
	return all, nil
}

// reportProgress sends progress updates to the callback.
func (e *Executor) reportProgress(progress StageProgress) {
	if e.progressCallback != nil {
		e.progressCallback(progress)
	}
}

func consumesInterrupt(h StageHandler) bool {
	c, ok := h.(InterruptConsumer)
	return ok && c.ConsumesInterrupt()
}

// stageError classifies a handler failure. Classified errors pass
// through unchanged.
func stageError(sctx context.Context, step mode.Step, err error) error {
	if Interrupted(sctx) || errors.Is(err, errInterrupt) {
		return errkind.Wrap(errkind.KindStage, errkind.Interrupted,
			fmt.Sprintf("stage %s interrupted", step), err)
	}
	if _, _, ok := errkind.KindOf(err); ok {
		return err
	}
	return errkind.Wrap(errkind.KindStage, errkind.StageFailed,
		fmt.Sprintf("stage %s failed", step), err)
}

func violationError(step mode.Step, violations []Violation) error {
	code := errkind.StageFailed
	for _, v := range violations {
		if v.Type == ViolationArtifactMissing || v.Type == ViolationHandoff {
			code = errkind.ArtifactMissing
		}
	}
	return errkind.New(errkind.KindStage, code,
		fmt.Sprintf("gate violation for stage %s: %s", step, describeViolations(violations)))
}

// hasBlockingViolation checks if any violation should block execution.
func hasBlockingViolation(violations []Violation) bool {
	for _, v := range violations {
		if v.Severity == SeverityError || v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// describeViolations creates a summary of violations.
func describeViolations(violations []Violation) string {
	var parts []string
	for _, v := range violations {
		if v.Severity == SeverityWarning {
			continue
		}
		parts = append(parts, fmt.Sprintf("[%s] %s", v.Type, v.Description))
	}
	return strings.Join(parts, "; ")
}
