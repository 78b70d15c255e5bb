package deploy

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/modelzoo/internal/dispatch"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/footprint"
	"github.com/fyrsmithlabs/modelzoo/internal/logging"
	"github.com/fyrsmithlabs/modelzoo/internal/stedgeai"
)

// GeneratedDir is the output subdirectory receiving generated sources.
const GeneratedDir = "stm32ai_files"

// DefaultProgrammer is the flashing CLI looked up on PATH.
const DefaultProgrammer = "STM32_Programmer_CLI"

// Compiler measures and generates models. *stedgeai.Service implements it.
type Compiler interface {
	Analyze(ctx context.Context, req stedgeai.Request) (*stedgeai.Result, error)
	Generate(ctx context.Context, req stedgeai.Request) ([]string, stedgeai.Source, error)
}

// MCU deploys to microcontroller boards.
type MCU struct {
	Compiler    Compiler
	Catalog     *footprint.Catalog
	Activations dispatch.ActivationPlacer
	Run         stedgeai.Runner
	Timeout     time.Duration
	CubeIDE     string // headless IDE executable
	Programmer  string
	Logger      *logging.Logger
}

// MCUTarget is one MCU deployment.
type MCUTarget struct {
	Model        string
	Optimization string
	Board        string
	Series       string
	IDE          string
	CProject     string
	BuildConf    string
	STLinkSerial string
	OutputDir    string
}

// MCUResult summarizes an MCU deployment.
type MCUResult struct {
	Report    *footprint.Report
	Placement footprint.Placement
	Weights   *dispatch.Result
	Source    stedgeai.Source
	Installed []string
	Firmware  string
}

// Deploy generates, places, builds and flashes the model.
func (d *MCU) Deploy(ctx context.Context, t MCUTarget) (*MCUResult, error) {
	log := d.logger()

	board, ok := d.Catalog.Board(t.Board)
	if !ok {
		return nil, errkind.Config(errkind.BadEnum, "deployment", "hardware_setup.board",
			fmt.Sprintf("unknown board %q", t.Board),
			"Known boards: "+strings.Join(d.Catalog.Names(), ", "))
	}
	project, err := ReadProject(t.CProject)
	if err != nil {
		return nil, err
	}

	gen := filepath.Join(t.OutputDir, GeneratedDir)
	req := stedgeai.Request{
		Model:        t.Model,
		Optimization: t.Optimization,
		Board:        t.Board,
		Series:       t.Series,
		IDE:          t.IDE,
		Output:       gen,
	}
	analyzed, err := d.Compiler.Analyze(ctx, req)
	if err != nil {
		return nil, err
	}
	placement, err := footprint.Fit(board, footprint.NeedOf(analyzed.Report))
	if err != nil {
		return nil, err
	}
	log.Info(ctx, "model fits the board",
		zap.String("board", board.Name),
		zap.Bool("split_weights", placement.SplitWeights),
		zap.Bool("split_ram", placement.SplitRAM))

	req.SplitWeights = placement.SplitWeights
	_, src, err := d.Compiler.Generate(ctx, req)
	if err != nil {
		return nil, err
	}
	log.Debug(ctx, "sources generated", zap.String("source", string(src)))
	res := &MCUResult{Report: analyzed.Report, Placement: placement, Source: analyzed.Source}

	if dir, ok := findDir(gen, dispatch.WeightsFile); ok {
		if res.Weights, err = dispatch.Weights(dir, placement); err != nil {
			return nil, err
		}
	} else if placement.SplitWeights {
		return nil, errkind.Path(errkind.NotFound, "weights", filepath.Join(gen, dispatch.WeightsFile))
	}
	if placement.SplitRAM {
		if err := d.activations().PlaceActivations(gen); err != nil {
			return nil, err
		}
	}

	if res.Installed, err = InstallSources(gen, t.CProject); err != nil {
		return nil, err
	}

	conf := project.Configuration(t.BuildConf)
	if err := d.build(ctx, project, conf, t.OutputDir); err != nil {
		return nil, err
	}
	res.Firmware = project.Firmware(conf)
	if err := d.flash(ctx, res.Firmware, t.STLinkSerial); err != nil {
		return nil, err
	}
	log.Info(ctx, "firmware flashed", zap.String("board", board.Name), zap.String("firmware", res.Firmware))
	return res, nil
}

func (d *MCU) build(ctx context.Context, p *Project, conf, outputDir string) error {
	if d.CubeIDE == "" {
		return errkind.Config(errkind.MissingAttr, "tools", "path_to_cubeIDE",
			"the IDE is needed to build the C project",
			"Please set tools.path_to_cubeIDE or STM32_CUBE_IDE_EXE")
	}
	args := []string{
		"--launcher.suppressErrors",
		"-nosplash",
		"-application", "org.eclipse.cdt.managedbuilder.core.headlessbuild",
		"-data", filepath.Join(outputDir, "cubeide_workspace"),
		"-import", p.Dir,
		"-build", p.Name + "/" + conf,
	}
	if out, err := d.run(ctx, p.Dir, d.CubeIDE, args...); err != nil {
		return errkind.Wrap(errkind.KindDeploy, errkind.BuildFailed,
			fmt.Sprintf("building %s/%s failed", p.Name, conf), commandError(err, out))
	}
	return nil
}

func (d *MCU) flash(ctx context.Context, firmware, serial string) error {
	prog := d.Programmer
	if prog == "" {
		prog = DefaultProgrammer
	}
	port := "port=SWD mode=UR"
	if serial != "" {
		port += " sn=" + serial
	}
	args := append([]string{"-c"}, strings.Fields(port)...)
	args = append(args, "-w", firmware, "-v", "-rst")
	if out, err := d.run(ctx, "", prog, args...); err != nil {
		return errkind.Wrap(errkind.KindDeploy, errkind.FlashFailed, "flashing the board failed", commandError(err, out))
	}
	return nil
}

func (d *MCU) run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	return runWithTimeout(ctx, d.Run, d.Timeout, dir, name, args...)
}

func (d *MCU) activations() dispatch.ActivationPlacer {
	if d.Activations == nil {
		return dispatch.ExternalRAMPlacer{}
	}
	return d.Activations
}

func (d *MCU) logger() *logging.Logger {
	if d.Logger == nil {
		return logging.Nop()
	}
	return d.Logger
}

func runWithTimeout(ctx context.Context, run stedgeai.Runner, timeout time.Duration, dir, name string, args ...string) ([]byte, error) {
	if run == nil {
		run = stedgeai.ExecRunner
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return run(ctx, dir, name, args...)
}

func commandError(err error, out []byte) error {
	msg := strings.TrimSpace(string(out))
	if msg == "" {
		return err
	}
	if len(msg) > 512 {
		msg = msg[len(msg)-512:]
	}
	return fmt.Errorf("%w: %s", err, msg)
}
