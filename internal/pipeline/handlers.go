package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/modelzoo/internal/aggregate"
	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/dataset"
	"github.com/fyrsmithlabs/modelzoo/internal/deploy"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/footprint"
	"github.com/fyrsmithlabs/modelzoo/internal/framework"
	"github.com/fyrsmithlabs/modelzoo/internal/lrschedule"
	"github.com/fyrsmithlabs/modelzoo/internal/mode"
	"github.com/fyrsmithlabs/modelzoo/internal/orchestrator"
	"github.com/fyrsmithlabs/modelzoo/internal/stedgeai"
)

// ClipAccuracyMetric is the clip-level accuracy added to the evaluation
// metrics of patch-level use cases.
const ClipAccuracyMetric = "clip_acc"

// predictionSplit is the dataset key of prediction inputs.
const predictionSplit = "prediction"

func (p *Pipeline) handlers() []orchestrator.StageHandler {
	return []orchestrator.StageHandler{
		&preprocessHandler{p: p, stage: mode.StagePreprocess},
		&preprocessHandler{p: p, stage: mode.StagePreprocessPred},
		&trainHandler{p: p},
		&evaluateHandler{p: p},
		&quantizeHandler{p: p},
		&benchmarkHandler{p: p},
		&deployHandler{p: p},
		&predictHandler{p: p},
	}
}

// request fills the fields every framework call shares.
func (p *Pipeline) request(model string, step mode.Step) *framework.Request {
	cfg := p.cfg
	req := &framework.Request{
		UseCase:          string(cfg.UseCase),
		ConfigFile:       p.configFile,
		OutputDir:        cfg.OutputDir(),
		Seed:             cfg.General.GlobalSeed,
		Model:            model,
		Precision:        string(step.Precision),
		GPUMemoryLimit:   cfg.General.GPUMemoryLimit,
		DeterministicOps: cfg.General.DeterministicOps,
	}
	if p.plan != nil {
		req.ClassNames = p.plan.ClassNames
		req.Datasets = p.datasets()
	}
	return req
}

func (p *Pipeline) datasets() map[string]framework.Dataset {
	out := map[string]framework.Dataset{}
	add := func(role string, src *dataset.Source) {
		if src == nil {
			return
		}
		out[role] = framework.Dataset{
			Images:   src.Images,
			Labels:   src.Labels,
			IDList:   src.IDList,
			Manifest: p.prepared.Manifest(src.Split),
		}
	}
	add(string(config.SplitTraining), p.plan.Training)
	add(string(config.SplitValidation), p.plan.Validation)
	add(string(config.SplitTest), p.plan.Test)
	add("evaluation", p.plan.Evaluation)
	add(string(config.SplitQuantization), p.plan.Quantization)
	if len(out) == 0 {
		return nil
	}
	return out
}

func (p *Pipeline) predictionInputs() (map[string]framework.Dataset, error) {
	if p.cfg.Prediction == nil || p.cfg.Prediction.TestFilesPath == "" {
		return nil, errkind.Config(errkind.MissingAttr, "prediction", "test_files_path",
			"no files to run predictions on", "")
	}
	return map[string]framework.Dataset{predictionSplit: {Images: p.cfg.Prediction.TestFilesPath}}, nil
}

func artifactOf(resp *framework.Response, stage mode.Stage, fallback orchestrator.ArtifactKind) orchestrator.Artifact {
	kind, ok := orchestrator.KindOf(resp.Model)
	if !ok {
		kind = fallback
	}
	return orchestrator.Artifact{
		Kind:       kind,
		Path:       resp.Model,
		Stage:      stage,
		InputShape: resp.InputShape,
		Scale:      resp.Scale,
		ZeroPoint:  resp.ZeroPoint,
	}
}

func noModel(stage mode.Stage) error {
	return errkind.New(errkind.KindStage, errkind.ArtifactMissing,
		fmt.Sprintf("%s produced no model file", stage))
}

func missingSection(section string) error {
	return errkind.Config(errkind.MissingAttr, section, "",
		fmt.Sprintf("the %s section is required by this operation mode", section), "")
}

// metricFields renders metrics in name order.
func metricFields(m map[string]float64) []zap.Field {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	fields := make([]zap.Field, 0, len(names))
	for _, k := range names {
		fields = append(fields, zap.Float64(k, m[k]))
	}
	return fields
}

// reportFootprint prints the footprint table and records the raw sizes.
func (p *Pipeline) reportFootprint(ctx context.Context, r *footprint.Report, src stedgeai.Source) {
	if r == nil {
		return
	}
	p.logger.Results(ctx, fmt.Sprintf("footprint (%s)\n%s", src, footprint.Table(r)))
	sizes := map[string]int64{
		"weights_rom":     r.WeightsROM,
		"activations_ram": r.ActivationsRAM,
	}
	if r.HasLibrary() {
		sizes["runtime_ram"] = r.RuntimeRAM
		sizes["code_rom"] = r.CodeROM
	}
	p.metrics.SetFootprint(sizes)
}

type preprocessHandler struct {
	p     *Pipeline
	stage mode.Stage
}

func (h *preprocessHandler) Stage() mode.Stage { return h.stage }

// Skip drops the optional preprocessing of quantization modes when no
// dataset is configured.
func (h *preprocessHandler) Skip(*orchestrator.RunState) bool {
	return h.p.plan == nil || h.p.plan.Empty()
}

func (h *preprocessHandler) Execute(ctx context.Context, step mode.Step, _ *orchestrator.RunState) (*orchestrator.StageResult, error) {
	fw, err := h.p.framework()
	if err != nil {
		return nil, err
	}
	req := h.p.request(h.p.cfg.General.ModelPath, step)
	if h.stage == mode.StagePreprocessPred {
		if req.Datasets, err = h.p.predictionInputs(); err != nil {
			return nil, err
		}
	}
	resp, err := fw.Preprocess(ctx, req)
	if err != nil {
		return nil, err
	}
	return &orchestrator.StageResult{Metrics: resp.Metrics}, nil
}

type trainHandler struct {
	p *Pipeline
}

func (h *trainHandler) Stage() mode.Stage { return mode.StageTrain }

// ConsumesInterrupt lets a keyboard interrupt stop training without
// failing the run.
func (h *trainHandler) ConsumesInterrupt() bool { return true }

func (h *trainHandler) Execute(ctx context.Context, step mode.Step, _ *orchestrator.RunState) (*orchestrator.StageResult, error) {
	p := h.p
	t := p.cfg.Training
	if t == nil {
		return nil, missingSection("training")
	}
	fw, err := p.framework()
	if err != nil {
		return nil, err
	}

	start := t.ResumeTrainingFrom
	if start == "" {
		start = p.cfg.General.ModelPath
	}
	req := p.request(start, step)

	schedule, err := lrschedule.FromCallbacks(t.Callbacks)
	if err != nil {
		return nil, err
	}
	if schedule != nil {
		req.LearningRates = lrschedule.Table(schedule, t.Epochs)
		p.logger.Debug(ctx, "learning rate schedule", zap.String("callback", schedule.Name()),
			zap.Float64s("lr", req.LearningRates))
	}

	started := time.Now()
	resp, err := fw.Train(ctx, req)
	if err != nil {
		return nil, err
	}
	p.logger.Info(ctx, "training runtime", zap.Duration("runtime", time.Since(started).Round(time.Second)))

	result := &orchestrator.StageResult{
		Metrics:     resp.Metrics,
		Interrupted: resp.Interrupted || orchestrator.Interrupted(ctx),
	}
	if result.Interrupted {
		p.logger.Warn(ctx, "training interrupted, keeping the best model saved so far")
	}
	if resp.Model == "" {
		return nil, noModel(mode.StageTrain)
	}
	result.Artifacts = []orchestrator.Artifact{artifactOf(resp, mode.StageTrain, orchestrator.KindH5)}
	p.logger.Info(ctx, "trained model saved", zap.String("path", resp.Model))
	return result, nil
}

type evaluateHandler struct {
	p *Pipeline
}

func (h *evaluateHandler) Stage() mode.Stage { return mode.StageEvaluate }

func (h *evaluateHandler) Execute(ctx context.Context, step mode.Step, state *orchestrator.RunState) (*orchestrator.StageResult, error) {
	p := h.p
	model, err := state.Artifacts.Resolve(orchestrator.Consumes(step)...)
	if err != nil {
		return nil, err
	}
	fw, err := p.framework()
	if err != nil {
		return nil, err
	}
	resp, err := fw.Evaluate(ctx, p.request(model.Path, step))
	if err != nil {
		return nil, err
	}

	values := make(map[string]float64, len(resp.Metrics)+1)
	for k, v := range resp.Metrics {
		values[k] = v
	}
	if p.cfg.UseCase.PatchLevel() && len(resp.Patches) > 0 {
		acc, err := p.clipAccuracy(resp)
		switch {
		case errors.Is(err, errkind.ErrNotImplemented):
			p.logger.Warn(ctx, err.Error())
		case err != nil:
			return nil, err
		default:
			values[ClipAccuracyMetric] = acc
		}
	}

	label := "model"
	if step.Precision != mode.PrecisionAny {
		label = string(step.Precision) + " model"
	}
	p.logger.Results(ctx, fmt.Sprintf("%s evaluation (%s)", label, filepath.Base(model.Path)), metricFields(values)...)
	return &orchestrator.StageResult{Metrics: values}, nil
}

// clipAccuracy votes patch predictions into clip predictions and scores
// them against the clip labels.
func (p *Pipeline) clipAccuracy(resp *framework.Response) (float64, error) {
	multi := p.cfg.Dataset.MultiLabel
	pred, err := aggregate.Predictions(resp.Patches, resp.ClipIDs, aggregate.Options{MultiLabel: multi, Rand: p.rng})
	if err != nil {
		return 0, err
	}
	truth, err := aggregate.GroundTruth(resp.Labels, resp.ClipIDs)
	if err != nil {
		return 0, err
	}
	return aggregate.Accuracy(pred, truth, multi)
}

type quantizeHandler struct {
	p *Pipeline
}

func (h *quantizeHandler) Stage() mode.Stage { return mode.StageQuantize }

func (h *quantizeHandler) Execute(ctx context.Context, step mode.Step, state *orchestrator.RunState) (*orchestrator.StageResult, error) {
	p := h.p
	q := p.cfg.Quantization
	if q == nil {
		return nil, missingSection("quantization")
	}
	model, err := state.Artifacts.Resolve(orchestrator.Consumes(step)...)
	if err != nil {
		return nil, err
	}
	fw, err := p.framework()
	if err != nil {
		return nil, err
	}

	req := p.request(model.Path, step)
	req.Quantizer = q.Quantizer
	req.FakeCalibration = p.plan != nil && p.plan.FakeCalibration
	resp, err := fw.Quantize(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp.Model == "" {
		return nil, noModel(mode.StageQuantize)
	}

	kind := orchestrator.KindTFLite
	if q.ONNX() {
		kind = orchestrator.KindONNX
	}
	p.logger.Info(ctx, "quantized model saved", zap.String("path", resp.Model))
	return &orchestrator.StageResult{
		Metrics:   resp.Metrics,
		Artifacts: []orchestrator.Artifact{artifactOf(resp, mode.StageQuantize, kind)},
	}, nil
}

type benchmarkHandler struct {
	p *Pipeline
}

func (h *benchmarkHandler) Stage() mode.Stage { return mode.StageBenchmark }

func (h *benchmarkHandler) Execute(ctx context.Context, step mode.Step, state *orchestrator.RunState) (*orchestrator.StageResult, error) {
	p := h.p
	b := p.cfg.Benchmarking
	if b == nil || b.Board == "" {
		return nil, missingSection("benchmarking")
	}
	model, err := state.Artifacts.Resolve(orchestrator.Consumes(step)...)
	if err != nil {
		return nil, err
	}
	tc, err := p.toolchain()
	if err != nil {
		return nil, err
	}
	comp, err := p.compiler()
	if err != nil {
		return h.recover(ctx, err)
	}

	res, err := comp.Benchmark(ctx, stedgeai.Request{
		Model:        model.Path,
		Optimization: tc.Optimization,
		Board:        b.Board,
		Output:       filepath.Join(p.cfg.OutputDir(), deploy.GeneratedDir),
	})
	if err != nil {
		return h.recover(ctx, err)
	}
	p.reportFootprint(ctx, res.Report, res.Source)
	return &orchestrator.StageResult{Metrics: res.Report.Metrics(), Output: string(res.Source)}, nil
}

// recover keeps chains going when every compiler failed. Only the pure
// benchmarking mode needs the benchmark to succeed.
func (h *benchmarkHandler) recover(ctx context.Context, err error) (*orchestrator.StageResult, error) {
	if h.p.cfg.Mode == mode.Benchmarking || orchestrator.Interrupted(ctx) {
		return nil, err
	}
	h.p.logger.Warn(ctx, "benchmark failed, continuing without footprint", zap.Error(err))
	return &orchestrator.StageResult{Status: orchestrator.StatusWarned, Error: err.Error()}, nil
}

type deployHandler struct {
	p *Pipeline
}

func (h *deployHandler) Stage() mode.Stage { return mode.StageDeploy }

func (h *deployHandler) Execute(ctx context.Context, step mode.Step, state *orchestrator.RunState) (*orchestrator.StageResult, error) {
	p := h.p
	d := p.cfg.Deployment
	if d == nil {
		return nil, missingSection("deployment")
	}
	model, err := state.Artifacts.Resolve(orchestrator.Consumes(step)...)
	if err != nil {
		return nil, err
	}
	if d.HardwareSetup.MPU() {
		return h.mpu(ctx, d, model)
	}

	if model.Kind != orchestrator.KindTFLite {
		return nil, errkind.New(errkind.KindStage, errkind.ArtifactMissing,
			fmt.Sprintf("microcontroller deployment needs a .tflite model, got %s", model.Path))
	}
	tc, err := p.toolchain()
	if err != nil {
		return nil, err
	}
	mcu, err := p.mcu()
	if err != nil {
		return nil, err
	}
	res, err := mcu.Deploy(ctx, deploy.MCUTarget{
		Model:        model.Path,
		Optimization: tc.Optimization,
		Board:        d.HardwareSetup.Board,
		Series:       d.HardwareSetup.Serie,
		IDE:          d.IDE,
		CProject:     d.CProjectPath,
		BuildConf:    d.BuildConf,
		STLinkSerial: d.HardwareSetup.STLinkSerialNumber,
		OutputDir:    p.cfg.OutputDir(),
	})
	if err != nil {
		return nil, err
	}
	p.reportFootprint(ctx, res.Report, res.Source)
	result := &orchestrator.StageResult{Output: res.Firmware}
	if res.Report != nil {
		result.Metrics = res.Report.Metrics()
	}
	return result, nil
}

// mpu deploys to an MPU board. Boards with a neural accelerator get the
// optimized network binary when the remote service can build it.
func (h *deployHandler) mpu(ctx context.Context, d *config.DeploymentConfig, model orchestrator.Artifact) (*orchestrator.StageResult, error) {
	p := h.p
	path := model.Path
	board := d.HardwareSetup.Board
	if stedgeai.MPUOptions(board).Engine == stedgeai.EngineHWAccelerator && !strings.EqualFold(filepath.Ext(path), ".nb") {
		comp, err := p.compiler()
		if err != nil {
			return nil, err
		}
		nb, err := comp.GenerateNBG(ctx, path)
		if err != nil {
			p.logger.Warn(ctx, "could not build the optimized model, deploying the original one", zap.Error(err))
		} else {
			path = nb
		}
	}

	res, err := p.mpu().Deploy(ctx, deploy.MPUTarget{
		Address:    d.BoardIPAddress,
		DeployPath: d.BoardDeployPath,
		CProject:   d.CProjectPath,
		Model:      path,
		LabelFile:  d.LabelFilePath,
		Board:      board,
	})
	if err != nil {
		return nil, err
	}
	p.logger.Results(ctx, "application installed", zap.String("board", board),
		zap.String("launch", res.LaunchCommand))
	return &orchestrator.StageResult{Output: res.LaunchCommand}, nil
}

type predictHandler struct {
	p *Pipeline
}

func (h *predictHandler) Stage() mode.Stage { return mode.StagePredict }

func (h *predictHandler) Execute(ctx context.Context, step mode.Step, state *orchestrator.RunState) (*orchestrator.StageResult, error) {
	p := h.p
	model, err := state.Artifacts.Resolve(orchestrator.Consumes(step)...)
	if err != nil {
		return nil, err
	}
	fw, err := p.framework()
	if err != nil {
		return nil, err
	}
	req := p.request(model.Path, step)
	if req.Datasets, err = p.predictionInputs(); err != nil {
		return nil, err
	}
	resp, err := fw.Predict(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, out := range resp.Outputs {
		p.logger.Info(ctx, out)
	}
	p.logger.Results(ctx, "prediction done", zap.Int("outputs", len(resp.Outputs)))
	return &orchestrator.StageResult{Metrics: resp.Metrics}, nil
}
