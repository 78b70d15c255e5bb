package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/deploy"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/footprint"
	"github.com/fyrsmithlabs/modelzoo/internal/framework"
	"github.com/fyrsmithlabs/modelzoo/internal/logging"
	"github.com/fyrsmithlabs/modelzoo/internal/metrics"
	"github.com/fyrsmithlabs/modelzoo/internal/mlflow"
	"github.com/fyrsmithlabs/modelzoo/internal/mode"
	"github.com/fyrsmithlabs/modelzoo/internal/orchestrator"
	"github.com/fyrsmithlabs/modelzoo/internal/stedgeai"
)

type fakeCompiler struct {
	report  *footprint.Report
	err     error
	nb      string
	benched []stedgeai.Request
}

func (f *fakeCompiler) Benchmark(_ context.Context, req stedgeai.Request) (*stedgeai.Result, error) {
	f.benched = append(f.benched, req)
	if f.err != nil {
		return nil, f.err
	}
	return &stedgeai.Result{Report: f.report, Source: stedgeai.SourceBenchmark}, nil
}

func (f *fakeCompiler) Analyze(_ context.Context, _ stedgeai.Request) (*stedgeai.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &stedgeai.Result{Report: f.report, Source: stedgeai.SourceAnalyze}, nil
}

func (f *fakeCompiler) Generate(context.Context, stedgeai.Request) ([]string, stedgeai.Source, error) {
	return nil, stedgeai.SourceRemote, f.err
}

func (f *fakeCompiler) GenerateNBG(_ context.Context, model string) (string, error) {
	if f.nb == "" {
		return "", errkind.New(errkind.KindRemote, errkind.LoginFailed, "no session")
	}
	return f.nb, nil
}

type fakeTracker struct {
	mu      sync.Mutex
	params  map[string]string
	metrics map[string]float64
	tags    map[string]string
	status  mlflow.Status
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{params: map[string]string{}, metrics: map[string]float64{}, tags: map[string]string{}}
}

func (f *fakeTracker) ID() string { return "fake" }

func (f *fakeTracker) LogParams(_ context.Context, params map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range params {
		f.params[k] = v
	}
	return nil
}

func (f *fakeTracker) LogMetrics(_ context.Context, metrics map[string]float64, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range metrics {
		f.metrics[k] = v
	}
	return nil
}

func (f *fakeTracker) SetTags(_ context.Context, tags map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, v := range tags {
		f.tags[k] = v
	}
	return nil
}

func (f *fakeTracker) End(_ context.Context, status mlflow.Status) error {
	f.status = status
	return nil
}

type fakeMCU struct {
	target deploy.MCUTarget
}

func (f *fakeMCU) Deploy(_ context.Context, t deploy.MCUTarget) (*deploy.MCUResult, error) {
	f.target = t
	return &deploy.MCUResult{
		Report:   &footprint.Report{WeightsROM: 300 * 1024, ActivationsRAM: 90 * 1024},
		Source:   stedgeai.SourceAnalyze,
		Firmware: "Debug/app.elf",
	}, nil
}

type fakeMPU struct {
	target deploy.MPUTarget
}

func (f *fakeMPU) Deploy(_ context.Context, t deploy.MPUTarget) (*deploy.MPUResult, error) {
	f.target = t
	return &deploy.MPUResult{LaunchCommand: "/usr/local/app/Application/launch.sh"}, nil
}

func touch(t *testing.T, path string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("model"), 0o600))
	return path
}

func classDir(t *testing.T, classes map[string]int) string {
	t.Helper()
	root := t.TempDir()
	for class, n := range classes {
		for i := 0; i < n; i++ {
			touch(t, filepath.Join(root, class, fmt.Sprintf("img_%02d.png", i)))
		}
	}
	return root
}

func newConfig(t *testing.T, u config.UseCase, m mode.Mode) *config.Config {
	t.Helper()
	cfg := &config.Config{
		UseCase: u,
		Mode:    m,
		General: config.GeneralConfig{GlobalSeed: 123},
		Dataset: config.DatasetConfig{Seed: 123, ValidationSplit: 0.2, Paths: map[string]string{}},
		Tree:    map[string]any{"general": map[string]any{"global_seed": 123}},
	}
	cfg.Hydra.Run.Dir = filepath.Join(t.TempDir(), "experiments_outputs", "run")
	return cfg
}

type harness struct {
	fw       *framework.Mock
	compiler *fakeCompiler
	tracker  *fakeTracker
	logs     *logging.TestLogger
	deps     Dependencies
}

func newHarness() *harness {
	h := &harness{
		fw:       &framework.Mock{},
		compiler: &fakeCompiler{report: &footprint.Report{WeightsROM: 120 * 1024, ActivationsRAM: 40 * 1024}},
		tracker:  newFakeTracker(),
		logs:     logging.NewTestLogger(),
	}
	h.deps = Dependencies{
		Framework: h.fw,
		Compiler:  h.compiler,
		Tracker:   h.tracker,
		Logger:    h.logs.Logger,
	}
	return h
}

func (h *harness) run(t *testing.T, cfg *config.Config) (*Pipeline, *orchestrator.RunState, error) {
	t.Helper()
	p, err := New(cfg, nil, h.deps)
	require.NoError(t, err)
	state, err := p.Run(context.Background())
	return p, state, err
}

func TestRun_ChainTQEB(t *testing.T) {
	h := newHarness()
	cfg := newConfig(t, config.ImageClassification, mode.ChainTQEB)
	cfg.Dataset.Paths["training_path"] = classDir(t, map[string]int{"daisy": 10, "rose": 10})
	cfg.Training = &config.TrainingConfig{
		Epochs: 4,
		Callbacks: map[string]any{
			"LRCosineDecay": map[string]any{"initial_lr": 0.01, "decay_steps": 4, "end_lr": 1e-5},
		},
	}
	cfg.Quantization = &config.QuantizationConfig{Quantizer: "TFlite_converter"}
	cfg.Tools = &config.ToolsConfig{STEdgeAI: &config.ToolchainConfig{Optimization: "balanced", OnCloud: true}}
	cfg.Benchmarking = &config.BenchmarkingConfig{Board: "B-U585I-IOT02A"}

	out := cfg.OutputDir()
	trained := filepath.Join(out, "saved_models", "best_model.h5")
	quantized := filepath.Join(out, "quantized_models", "quantized_model.tflite")

	h.fw.On("Preprocess", mock.Anything, mock.Anything).Return(&framework.Response{}, nil)
	h.fw.On("Train", mock.Anything, mock.MatchedBy(func(r *framework.Request) bool {
		return len(r.LearningRates) == 4 && r.Datasets["validation"].Manifest != "" &&
			assert.ObjectsAreEqual([]string{"daisy", "rose"}, r.ClassNames)
	})).Run(func(mock.Arguments) { touch(t, trained) }).
		Return(&framework.Response{Model: trained, Metrics: map[string]float64{"val_accuracy": 0.93}}, nil)
	h.fw.On("Quantize", mock.Anything, mock.MatchedBy(func(r *framework.Request) bool {
		return r.Model == trained && r.Quantizer == "TFlite_converter" && !r.FakeCalibration
	})).Run(func(mock.Arguments) { touch(t, quantized) }).
		Return(&framework.Response{Model: quantized}, nil)
	h.fw.On("Evaluate", mock.Anything, mock.MatchedBy(func(r *framework.Request) bool {
		return r.Model == quantized && r.Precision == "quantized"
	})).Return(&framework.Response{Metrics: map[string]float64{"accuracy": 0.91}}, nil)

	_, state, err := h.run(t, cfg)
	require.NoError(t, err)
	h.fw.AssertExpectations(t)

	assert.Equal(t, orchestrator.StatusCompleted, state.Status)
	require.Len(t, state.Results, 5)
	for _, r := range state.Results {
		assert.Equal(t, orchestrator.StatusCompleted, r.Status, r.Step.String())
	}

	require.Len(t, h.compiler.benched, 1)
	assert.Equal(t, quantized, h.compiler.benched[0].Model)
	assert.Equal(t, "B-U585I-IOT02A", h.compiler.benched[0].Board)
	assert.Equal(t, "balanced", h.compiler.benched[0].Optimization)

	h.logs.AssertLogged(t, logging.ResultsLevel, "footprint (benchmark)")
	h.logs.AssertLogged(t, logging.ResultsLevel, "quantized model evaluation")
	h.logs.AssertLogged(t, zapcore.InfoLevel, "trained model saved")

	assert.Equal(t, mlflow.StatusFinished, h.tracker.status)
	assert.Equal(t, string(mode.ChainTQEB), h.tracker.tags["mode"])
	assert.Equal(t, "123", h.tracker.params["global_seed"])
	assert.Equal(t, 0.91, h.tracker.metrics["quantized_accuracy"])

	assert.FileExists(t, filepath.Join(out, ResolvedConfigFile))
	assert.FileExists(t, filepath.Join(out, logging.RunLogFile))
	assert.FileExists(t, filepath.Join(out, metrics.TextfileName))
}

func TestRun_BenchmarkFailureInChainIsWarned(t *testing.T) {
	h := newHarness()
	h.compiler.err = errkind.New(errkind.KindRemote, errkind.GenerateFailed, "every compiler failed")
	cfg := newConfig(t, config.ImageClassification, mode.ChainQB)
	cfg.General.ModelPath = touch(t, filepath.Join(t.TempDir(), "model.h5"))
	cfg.Quantization = &config.QuantizationConfig{Quantizer: "TFlite_converter"}
	cfg.Tools = &config.ToolsConfig{STEdgeAI: &config.ToolchainConfig{Optimization: "balanced"}}
	cfg.Benchmarking = &config.BenchmarkingConfig{Board: "STM32H747I-DISCO"}

	quantized := filepath.Join(cfg.OutputDir(), "quantized_models", "model.tflite")
	h.fw.On("Quantize", mock.Anything, mock.MatchedBy(func(r *framework.Request) bool {
		return r.FakeCalibration && r.Model == cfg.General.ModelPath
	})).Run(func(mock.Arguments) { touch(t, quantized) }).
		Return(&framework.Response{Model: quantized}, nil)

	_, state, err := h.run(t, cfg)
	require.NoError(t, err)

	require.Len(t, state.Results, 3)
	assert.Equal(t, orchestrator.StatusSkipped, state.Results[0].Status, "no dataset, no preprocessing")
	assert.Equal(t, orchestrator.StatusWarned, state.Results[2].Status)
	h.logs.AssertLogged(t, zapcore.WarnLevel, "benchmark failed")
	h.logs.AssertLogged(t, zapcore.WarnLevel, "fake calibration")
}

func TestRun_BenchmarkFailureIsFatalInBenchmarkingMode(t *testing.T) {
	h := newHarness()
	h.compiler.err = errkind.New(errkind.KindRemote, errkind.GenerateFailed, "every compiler failed")
	cfg := newConfig(t, config.ImageClassification, mode.Benchmarking)
	cfg.General.ModelPath = touch(t, filepath.Join(t.TempDir(), "model.tflite"))
	cfg.Tools = &config.ToolsConfig{STEdgeAI: &config.ToolchainConfig{}}
	cfg.Benchmarking = &config.BenchmarkingConfig{Board: "STM32H747I-DISCO"}

	_, state, err := h.run(t, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrGenerateFailed)
	assert.Equal(t, orchestrator.StatusFailed, state.Status)
	assert.Equal(t, mlflow.StatusFailed, h.tracker.status)
}

func TestRun_MissingModelIsBlocked(t *testing.T) {
	h := newHarness()
	cfg := newConfig(t, config.ImageClassification, mode.Benchmarking)
	cfg.Tools = &config.ToolsConfig{STEdgeAI: &config.ToolchainConfig{}}
	cfg.Benchmarking = &config.BenchmarkingConfig{Board: "STM32H747I-DISCO"}

	_, _, err := h.run(t, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrArtifactMissing)
	assert.Empty(t, h.compiler.benched)
}

func TestRun_TrainingInterruptKeepsBestModel(t *testing.T) {
	h := newHarness()
	cfg := newConfig(t, config.ImageClassification, mode.Training)
	cfg.Dataset.Paths["training_path"] = classDir(t, map[string]int{"a": 5, "b": 5})
	cfg.Training = &config.TrainingConfig{Epochs: 100}
	best := filepath.Join(cfg.OutputDir(), "saved_models", "best_model.h5")

	p, err := New(cfg, nil, h.deps)
	require.NoError(t, err)

	h.fw.On("Preprocess", mock.Anything, mock.Anything).Return(&framework.Response{}, nil)
	h.fw.On("Train", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		p.Interrupts().Interrupt()
		touch(t, best)
	}).Return(&framework.Response{Model: best, Interrupted: true}, nil)

	state, err := p.Run(context.Background())
	require.NoError(t, err)
	require.Len(t, state.Results, 2)
	assert.True(t, state.Results[1].Interrupted)
	assert.Equal(t, best, state.Results[1].Artifacts[0].Path)
	h.logs.AssertLogged(t, zapcore.WarnLevel, "training interrupted")
	assert.Equal(t, mlflow.StatusFinished, h.tracker.status)
}

func TestRun_InterruptOutsideTrainingFails(t *testing.T) {
	h := newHarness()
	cfg := newConfig(t, config.ImageClassification, mode.Quantization)
	cfg.General.ModelPath = touch(t, filepath.Join(t.TempDir(), "model.h5"))
	cfg.Quantization = &config.QuantizationConfig{Quantizer: "TFlite_converter"}

	p, err := New(cfg, nil, h.deps)
	require.NoError(t, err)
	h.fw.On("Quantize", mock.Anything, mock.Anything).Run(func(mock.Arguments) {
		p.Interrupts().Interrupt()
	}).Return(&framework.Response{Model: "never.tflite"}, nil)

	_, err = p.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrInterrupted)
	assert.Equal(t, mlflow.StatusKilled, h.tracker.status)
}

func TestRun_ClipAccuracy(t *testing.T) {
	h := newHarness()
	cfg := newConfig(t, config.AudioEventDetection, mode.Evaluation)
	cfg.General.ModelPath = touch(t, filepath.Join(t.TempDir(), "model.h5"))
	cfg.Dataset.ClassNames = []string{"dog", "rain"}
	cfg.Dataset.Paths["test_audio_path"] = t.TempDir()
	cfg.Dataset.Paths["test_csv_path"] = touch(t, filepath.Join(t.TempDir(), "test.csv"))

	h.fw.On("Preprocess", mock.Anything, mock.Anything).Return(&framework.Response{}, nil)
	h.fw.On("Evaluate", mock.Anything, mock.MatchedBy(func(r *framework.Request) bool {
		return r.Datasets["evaluation"].Images == cfg.Dataset.Paths["test_audio_path"]
	})).Return(&framework.Response{
		Metrics: map[string]float64{"patch_acc": 0.66},
		Patches: [][]float64{{0.9, 0.1}, {0.8, 0.2}, {0.2, 0.8}},
		Labels:  [][]float64{{1, 0}, {1, 0}, {1, 0}},
		ClipIDs: []int{0, 0, 1},
	}, nil)

	_, state, err := h.run(t, cfg)
	require.NoError(t, err)
	got := state.Results[1].Metrics
	assert.Equal(t, 0.5, got[ClipAccuracyMetric])
	assert.Equal(t, 0.66, got["patch_acc"])
	assert.Equal(t, 0.5, h.tracker.metrics[ClipAccuracyMetric])
}

func TestRun_ClipAccuracyEmptyClip(t *testing.T) {
	h := newHarness()
	cfg := newConfig(t, config.AudioEventDetection, mode.Evaluation)
	cfg.General.ModelPath = touch(t, filepath.Join(t.TempDir(), "model.h5"))
	cfg.Dataset.ClassNames = []string{"dog", "rain"}
	cfg.Dataset.Paths["test_audio_path"] = t.TempDir()
	cfg.Dataset.Paths["test_csv_path"] = touch(t, filepath.Join(t.TempDir(), "test.csv"))

	h.fw.On("Preprocess", mock.Anything, mock.Anything).Return(&framework.Response{}, nil)
	h.fw.On("Evaluate", mock.Anything, mock.Anything).Return(&framework.Response{
		Patches: [][]float64{{0.9, 0.1}, {0.2, 0.8}},
		Labels:  [][]float64{{1, 0}, {0, 1}},
		ClipIDs: []int{0, 2},
	}, nil)

	_, _, err := h.run(t, cfg)
	require.Error(t, err)
	assert.ErrorIs(t, err, errkind.ErrEmptyClip)
}

func TestRun_DeployMCU(t *testing.T) {
	h := newHarness()
	mcu := &fakeMCU{}
	h.deps.MCU = mcu
	cfg := newConfig(t, config.ImageClassification, mode.Deployment)
	cfg.General.ModelPath = touch(t, filepath.Join(t.TempDir(), "model.tflite"))
	cfg.Tools = &config.ToolsConfig{STEdgeAI: &config.ToolchainConfig{Optimization: "time"}}
	cfg.Deployment = &config.DeploymentConfig{
		CProjectPath: "app",
		IDE:          "GCC",
		BuildConf:    "N6 NPU",
		HardwareSetup: config.HardwareSetup{
			Serie:              "STM32H7",
			Board:              "STM32H747I-DISCO",
			STLinkSerialNumber: "0670FF",
		},
	}

	_, state, err := h.run(t, cfg)
	require.NoError(t, err)
	assert.Equal(t, deploy.MCUTarget{
		Model:        cfg.General.ModelPath,
		Optimization: "time",
		Board:        "STM32H747I-DISCO",
		Series:       "STM32H7",
		IDE:          "GCC",
		CProject:     "app",
		BuildConf:    "N6 NPU",
		STLinkSerial: "0670FF",
		OutputDir:    cfg.OutputDir(),
	}, mcu.target)
	assert.Equal(t, "Debug/app.elf", state.Results[0].Output)
	h.logs.AssertLogged(t, logging.ResultsLevel, "footprint (analyze)")
}

func TestRun_DeployMCURejectsONNX(t *testing.T) {
	h := newHarness()
	h.deps.MCU = &fakeMCU{}
	cfg := newConfig(t, config.ImageClassification, mode.Deployment)
	cfg.General.ModelPath = touch(t, filepath.Join(t.TempDir(), "model.onnx"))
	cfg.Tools = &config.ToolsConfig{STEdgeAI: &config.ToolchainConfig{}}
	cfg.Deployment = &config.DeploymentConfig{HardwareSetup: config.HardwareSetup{Board: "STM32H747I-DISCO"}}

	_, _, err := h.run(t, cfg)
	assert.ErrorIs(t, err, errkind.ErrArtifactMissing)
}

func TestRun_DeployMPU(t *testing.T) {
	nb := touch(t, filepath.Join(t.TempDir(), "model.nb"))
	tests := []struct {
		name  string
		board string
		nb    string
		want  string
	}{
		{"accelerated board gets the optimized model", "STM32MP257F-EV1", nb, nb},
		{"optimization failure keeps the original", "STM32MP257F-EV1", "", ""},
		{"cpu board", "STM32MP157F-DK2", nb, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness()
			h.compiler.nb = tt.nb
			mpu := &fakeMPU{}
			h.deps.MPU = mpu
			cfg := newConfig(t, config.ImageClassification, mode.Deployment)
			cfg.General.ModelPath = touch(t, filepath.Join(t.TempDir(), "model.tflite"))
			cfg.Tools = &config.ToolsConfig{STEdgeAI: &config.ToolchainConfig{OnCloud: true}}
			cfg.Deployment = &config.DeploymentConfig{
				CProjectPath:    "app",
				LabelFilePath:   "labels.txt",
				BoardDeployPath: "/usr/local/app",
				BoardIPAddress:  "192.168.7.1",
				HardwareSetup:   config.HardwareSetup{Board: tt.board},
			}

			_, state, err := h.run(t, cfg)
			require.NoError(t, err)
			want := tt.want
			if want == "" {
				want = cfg.General.ModelPath
			}
			assert.Equal(t, want, mpu.target.Model)
			assert.Equal(t, "192.168.7.1", mpu.target.Address)
			assert.Equal(t, "labels.txt", mpu.target.LabelFile)
			assert.Equal(t, "/usr/local/app/Application/launch.sh", state.Results[0].Output)
		})
	}
}

func TestRun_Prediction(t *testing.T) {
	h := newHarness()
	cfg := newConfig(t, config.ImageClassification, mode.Prediction)
	cfg.General.ModelPath = touch(t, filepath.Join(t.TempDir(), "model.tflite"))
	cfg.Dataset.ClassNames = []string{"a", "b"}
	cfg.Prediction = &config.PredictionConfig{TestFilesPath: t.TempDir()}

	inputs := mock.MatchedBy(func(r *framework.Request) bool {
		return r.Datasets["prediction"].Images == cfg.Prediction.TestFilesPath
	})
	h.fw.On("Preprocess", mock.Anything, inputs).Return(&framework.Response{}, nil)
	h.fw.On("Predict", mock.Anything, inputs).
		Return(&framework.Response{Outputs: []string{"cat.png: a (0.97)"}}, nil)

	_, _, err := h.run(t, cfg)
	require.NoError(t, err)
	h.fw.AssertExpectations(t)
	h.logs.AssertLogged(t, zapcore.InfoLevel, "cat.png: a (0.97)")
}

func TestRun_FileTracker(t *testing.T) {
	h := newHarness()
	h.deps.Tracker = nil
	cfg := newConfig(t, config.ImageClassification, mode.Benchmarking)
	cfg.MLflow.URI = filepath.Join(t.TempDir(), "mlruns")
	cfg.General.ModelPath = touch(t, filepath.Join(t.TempDir(), "model.tflite"))
	cfg.Tools = &config.ToolsConfig{STEdgeAI: &config.ToolchainConfig{}}
	cfg.Benchmarking = &config.BenchmarkingConfig{Board: "STM32H747I-DISCO"}

	_, _, err := h.run(t, cfg)
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(cfg.MLflow.URI, "0", "meta.yaml"))
}

func TestNew(t *testing.T) {
	_, err := New(nil, nil, Dependencies{})
	assert.Error(t, err)

	_, err = New(&config.Config{}, nil, Dependencies{})
	assert.ErrorIs(t, err, errkind.ErrMissingValue)

	cfg := newConfig(t, config.ImageClassification, mode.ChainQD)
	p, err := New(cfg, nil, Dependencies{})
	require.NoError(t, err)
	assert.NotEmpty(t, p.RunID())
	assert.Equal(t, "preprocess?", p.Steps()[0].String())
	assert.NotNil(t, p.Interrupts())
}

func TestFrameworkRequiresCommand(t *testing.T) {
	cfg := newConfig(t, config.ImageClassification, mode.Quantization)
	p, err := New(cfg, &config.Settings{}, Dependencies{})
	require.NoError(t, err)
	_, err = p.framework()
	assert.ErrorIs(t, err, errkind.ErrMissingValue)

	_, err = p.toolchain()
	assert.ErrorIs(t, err, errkind.ErrMissingAttr)
}
