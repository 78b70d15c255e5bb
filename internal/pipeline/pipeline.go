// Package pipeline runs one resolved configuration: it reconciles the
// dataset, opens the tracker run and drives the stage executor with the
// concrete stage handlers.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/dataset"
	"github.com/fyrsmithlabs/modelzoo/internal/deploy"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/framework"
	"github.com/fyrsmithlabs/modelzoo/internal/logging"
	"github.com/fyrsmithlabs/modelzoo/internal/metrics"
	"github.com/fyrsmithlabs/modelzoo/internal/mlflow"
	"github.com/fyrsmithlabs/modelzoo/internal/mode"
	"github.com/fyrsmithlabs/modelzoo/internal/orchestrator"
	"github.com/fyrsmithlabs/modelzoo/internal/stedgeai"
	"github.com/fyrsmithlabs/modelzoo/internal/telemetry"
)

// ResolvedConfigFile is where the normalized configuration is saved,
// relative to the output directory.
const ResolvedConfigFile = ".hydra/config.yaml"

// Compiler measures and generates models. *stedgeai.Service implements it.
type Compiler interface {
	Benchmark(ctx context.Context, req stedgeai.Request) (*stedgeai.Result, error)
	Analyze(ctx context.Context, req stedgeai.Request) (*stedgeai.Result, error)
	Generate(ctx context.Context, req stedgeai.Request) ([]string, stedgeai.Source, error)
	GenerateNBG(ctx context.Context, model string) (string, error)
}

// MCUDeployer flashes microcontroller boards. *deploy.MCU implements it.
type MCUDeployer interface {
	Deploy(ctx context.Context, t deploy.MCUTarget) (*deploy.MCUResult, error)
}

// MPUDeployer installs applications on MPU boards. *deploy.MPU implements it.
type MPUDeployer interface {
	Deploy(ctx context.Context, t deploy.MPUTarget) (*deploy.MPUResult, error)
}

// Dependencies are the collaborators of a run. Nil fields are built from
// the configuration and process settings when a stage needs them.
type Dependencies struct {
	Framework framework.Framework
	Compiler  Compiler
	MCU       MCUDeployer
	MPU       MPUDeployer

	// Tracker replaces the MLflow run opened from mlflow.uri.
	Tracker   mlflow.Run
	Telemetry *telemetry.Telemetry
	Metrics   *metrics.Run
	Logger    *logging.Logger
	// Progress receives the benchmark spinner. Nil disables it.
	Progress io.Writer
}

// Pipeline executes one configuration.
type Pipeline struct {
	cfg      *config.Config
	settings *config.Settings
	deps     Dependencies
	logger   *logging.Logger
	metrics  *metrics.Run

	runID      string
	steps      []mode.Step
	interrupts *orchestrator.Interrupts

	// Set by Run.
	rng        *rand.Rand
	plan       *dataset.Plan
	prepared   *dataset.Prepared
	configFile string
	cleanup    []func()
}

// New prepares a run of cfg. settings may be nil in tests that inject
// every dependency.
func New(cfg *config.Config, settings *config.Settings, deps Dependencies) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration required")
	}
	if cfg.OutputDir() == "" {
		return nil, errkind.Config(errkind.MissingValue, "hydra", "run.dir", "no output directory", "")
	}
	if settings == nil {
		settings = &config.Settings{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.Nop()
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.New(string(cfg.UseCase), string(cfg.Mode))
	}
	return &Pipeline{
		cfg:        cfg,
		settings:   settings,
		deps:       deps,
		logger:     logger,
		metrics:    m,
		runID:      uuid.NewString(),
		steps:      mode.Sequence(cfg.Mode),
		interrupts: orchestrator.NewInterrupts(),
	}, nil
}

// RunID identifies the run in logs, metrics and the tracker.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Steps returns the stage plan of the run.
func (p *Pipeline) Steps() []mode.Step {
	return append([]mode.Step(nil), p.steps...)
}

// Interrupts is the router the signal handler feeds.
func (p *Pipeline) Interrupts() *orchestrator.Interrupts {
	return p.interrupts
}

// Run executes every stage of the configured mode.
func (p *Pipeline) Run(ctx context.Context) (state *orchestrator.RunState, err error) {
	cfg := p.cfg
	outDir := cfg.OutputDir()
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, errkind.Wrap(errkind.KindPath, errkind.NotADir, "creating output directory "+outDir, err)
	}

	runLogger, closeLog, err := p.logger.WithRunLog(outDir)
	if err != nil {
		return nil, err
	}
	defer closeLog()
	p.logger = runLogger
	defer func() {
		for _, f := range p.cleanup {
			f()
		}
		p.cleanup = nil
	}()

	ctx = logging.WithRun(ctx, &logging.Run{ID: p.runID, UseCase: string(cfg.UseCase), Mode: string(cfg.Mode)})
	ctx = logging.WithLogger(ctx, p.logger)

	seed := cfg.General.GlobalSeed
	p.rng = rand.New(rand.NewSource(seed))
	p.logger.Info(ctx, "starting run",
		zap.String("use_case", string(cfg.UseCase)),
		zap.String("mode", string(cfg.Mode)),
		zap.Int64("global_seed", seed),
		zap.String("output_dir", outDir))

	if p.configFile, err = p.saveConfig(); err != nil {
		return nil, err
	}

	tracker := p.startTracker(ctx)
	if tracker != nil {
		defer func() {
			status := mlflow.StatusFinished
			switch {
			case errors.Is(err, errkind.ErrInterrupted):
				status = mlflow.StatusKilled
			case err != nil:
				status = mlflow.StatusFailed
			}
			if endErr := tracker.End(context.WithoutCancel(ctx), status); endErr != nil {
				p.logger.Warn(ctx, "could not end tracker run", zap.Error(endErr))
			}
		}()
	}

	if err := p.reconcile(ctx); err != nil {
		return nil, err
	}

	exec := p.executor(tracker)
	state, err = exec.Execute(ctx, orchestrator.RunConfig{
		ID:        p.runID,
		UseCase:   string(cfg.UseCase),
		Mode:      cfg.Mode,
		OutputDir: outDir,
		ModelPath: cfg.General.ModelPath,
		Steps:     p.steps,
	})

	if path, werr := p.metrics.WriteTextfile(outDir); werr != nil {
		p.logger.Warn(ctx, "could not write run metrics", zap.Error(werr))
	} else {
		p.logger.Debug(ctx, "run metrics written", zap.String("path", path))
	}
	return state, err
}

func (p *Pipeline) executor(tracker mlflow.Run) *orchestrator.Executor {
	var recorder orchestrator.Recorder
	if tracker != nil {
		recorder = orchestrator.NewTrackerRecorder(tracker)
	}
	exec := orchestrator.NewExecutor(recorder, p.logger)
	exec.SetInterrupts(p.interrupts)
	exec.SetMetrics(p.metrics)
	exec.SetTelemetry(p.deps.Telemetry)
	exec.RegisterGateAll(orchestrator.NewHandoffGate())
	exec.RegisterGateAll(orchestrator.NewInputGate())
	for _, h := range p.handlers() {
		exec.RegisterHandler(h)
	}
	exec.OnProgress(func(pr orchestrator.StageProgress) {
		p.logger.Trace(context.Background(), pr.Message,
			zap.String("status", string(pr.Status)), zap.Int("percent", pr.Percentage))
	})
	return exec
}

// saveConfig writes the normalized tree next to the run outputs.
func (p *Pipeline) saveConfig() (string, error) {
	if p.cfg.Tree == nil {
		return "", nil
	}
	data, err := config.MarshalTree(p.cfg.Tree)
	if err != nil {
		return "", fmt.Errorf("serializing configuration: %w", err)
	}
	path := filepath.Join(p.cfg.OutputDir(), filepath.FromSlash(ResolvedConfigFile))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("saving configuration: %w", err)
	}
	return path, nil
}

// startTracker opens the MLflow run. Tracking is best effort: a store that
// cannot be opened is logged and the run carries on untracked.
func (p *Pipeline) startTracker(ctx context.Context) mlflow.Run {
	cfg := p.cfg
	tags := map[string]string{
		"mode":     string(cfg.Mode),
		"use_case": string(cfg.UseCase),
		"run_id":   p.runID,
	}
	if commit := mlflow.GitCommit("."); commit != "" {
		tags[mlflow.TagGitCommit] = commit
	}

	run := p.deps.Tracker
	if run == nil {
		var err error
		run, err = mlflow.Start(ctx, cfg.MLflow.URI, cfg.General.ProjectName, mlflow.Options{
			RunName: filepath.Base(cfg.OutputDir()),
			Tags:    tags,
		})
		if err != nil {
			p.logger.Warn(ctx, "experiment tracking disabled", zap.String("uri", cfg.MLflow.URI), zap.Error(err))
			return nil
		}
	} else if err := run.SetTags(ctx, tags); err != nil {
		p.logger.Warn(ctx, "could not tag tracker run", zap.Error(err))
	}

	if err := run.LogParams(ctx, p.params()); err != nil {
		p.logger.Warn(ctx, "could not log run parameters", zap.Error(err))
	}
	return run
}

func (p *Pipeline) params() map[string]string {
	cfg := p.cfg
	params := map[string]string{
		"operation_mode": string(cfg.Mode),
		"use_case":       string(cfg.UseCase),
		"global_seed":    strconv.FormatInt(cfg.General.GlobalSeed, 10),
	}
	if cfg.General.ModelPath != "" {
		params["model_path"] = cfg.General.ModelPath
	}
	if cfg.Dataset.Name != "" {
		params["dataset"] = cfg.Dataset.Name
	}
	if t := cfg.Training; t != nil {
		params["epochs"] = strconv.Itoa(t.Epochs)
		params["batch_size"] = strconv.Itoa(t.BatchSize)
		if t.Model != nil && t.Model.Name != "" {
			params["model"] = t.Model.Name
		}
	}
	if q := cfg.Quantization; q != nil {
		params["quantizer"] = q.Quantizer
	}
	if b := cfg.Benchmarking; b != nil && b.Board != "" {
		params["board"] = b.Board
	}
	return params
}

// reconcile plans dataset usage and writes the split manifests.
func (p *Pipeline) reconcile(ctx context.Context) error {
	plan, err := dataset.Reconcile(p.cfg)
	if err != nil {
		return err
	}
	for _, w := range plan.Warnings {
		p.logger.Warn(ctx, w)
	}
	if plan.ClassesInferred {
		p.logger.Info(ctx, "class names read from the dataset", zap.Strings("class_names", plan.ClassNames))
	}
	p.plan = plan
	if plan.Empty() {
		return nil
	}

	started := time.Now()
	prepared, err := dataset.Prepare(plan, p.cfg.OutputDir())
	if err != nil {
		return err
	}
	p.prepared = prepared
	for split, n := range prepared.Counts {
		p.logger.Debug(ctx, "split manifest written",
			zap.String("split", string(split)), zap.Int("samples", n),
			zap.String("manifest", prepared.Manifest(split)))
	}
	p.logger.Debug(ctx, "dataset reconciled", zap.Duration("elapsed", time.Since(started)))
	return nil
}
