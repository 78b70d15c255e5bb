package stedgeai

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/footprint"
	"github.com/fyrsmithlabs/modelzoo/internal/logging"
)

// Runner executes a command in dir and returns its combined output.
type Runner func(ctx context.Context, dir, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Local drives an installed compiler executable.
type Local struct {
	Exe     string
	Version string // configured version; empty skips the check
	Timeout time.Duration
	Run     Runner
	Logger  *logging.Logger
}

// NewLocal returns a Local with the default runner.
func NewLocal(exe, version string, timeout time.Duration, logger *logging.Logger) *Local {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Local{Exe: exe, Version: version, Timeout: timeout, Run: ExecRunner, Logger: logger}
}

var toolVersionPattern = regexp.MustCompile(`v?(\d+\.\d+(?:\.\d+)?)`)

// CheckVersion compares the installed version with the configured one. A
// mismatch is returned as FootprintError:version_mismatch_warn; callers log
// it and carry on.
func (l *Local) CheckVersion(ctx context.Context) error {
	if l.Version == "" {
		return nil
	}
	out, err := l.run(ctx, "", "--version")
	if err != nil {
		return err
	}
	m := toolVersionPattern.FindSubmatch(out)
	if m == nil {
		return fmt.Errorf("cannot read compiler version from %q", snippet(out))
	}
	return compareVersions(l.Version, string(m[1]))
}

func compareVersions(want, got string) error {
	w, err := version.NewVersion(want)
	if err != nil {
		return fmt.Errorf("configured compiler version %q: %w", want, err)
	}
	g, err := version.NewVersion(got)
	if err != nil {
		return fmt.Errorf("installed compiler version %q: %w", got, err)
	}
	if w.Equal(g) {
		return nil
	}
	return &errkind.Error{
		Kind: errkind.KindFootprint,
		Code: errkind.VersionMismatch,
		Msg:  fmt.Sprintf("configured version %s differs from installed version %s", w, g),
		Hint: "Results may differ from the configured toolchain",
	}
}

// Analyze runs "analyze" and parses the report the tool writes to
// req.Output.
func (l *Local) Analyze(ctx context.Context, req Request) (*footprint.Report, error) {
	out, cleanup, err := outputDir(req.Output)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	if _, err := l.run(ctx, out, l.args("analyze", req, out)...); err != nil {
		return nil, err
	}
	return footprint.ReadReport(filepath.Join(out, footprint.ReportFile))
}

// Generate runs "generate" and returns the files written to req.Output.
func (l *Local) Generate(ctx context.Context, req Request) ([]string, error) {
	if req.Output == "" {
		return nil, fmt.Errorf("generate: output directory required")
	}
	if err := os.MkdirAll(req.Output, 0o755); err != nil {
		return nil, err
	}
	args := l.args("generate", req, req.Output)
	if req.SplitWeights {
		args = append(args, "--split-weights")
	}
	if _, err := l.run(ctx, req.Output, args...); err != nil {
		return nil, errkind.Wrap(errkind.KindRemote, errkind.GenerateFailed, "local code generation failed", err)
	}
	var files []string
	err := filepath.WalkDir(req.Output, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			files = append(files, path)
		}
		return nil
	})
	return files, err
}

func (l *Local) args(cmd string, req Request, out string) []string {
	args := []string{cmd,
		"--model", req.Model,
		"--target", "stm32",
		"--allocate-inputs",
		"--allocate-outputs",
		"--output", out,
		"--workspace", filepath.Join(out, "workspace"),
	}
	if req.Optimization != "" {
		args = append(args, "--optimization", req.Optimization)
	}
	if req.Series != "" {
		args = append(args, "--series", req.Series)
	}
	return args
}

func (l *Local) run(ctx context.Context, dir string, args ...string) ([]byte, error) {
	if l.Exe == "" {
		return nil, errkind.Config(errkind.MissingAttr, "tools.stedgeai", "path_to_stedgeai",
			"no local compiler configured", "Please set path_to_stedgeai or the STM32_AI_EXE environment variable")
	}
	if l.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.Timeout)
		defer cancel()
	}
	run := l.Run
	if run == nil {
		run = ExecRunner
	}
	l.Logger.Debug(ctx, "running local compiler", zap.String("exe", l.Exe), zap.Strings("args", args))
	out, err := run(ctx, dir, l.Exe, args...)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return out, fmt.Errorf("%s %s timed out after %s", filepath.Base(l.Exe), args[0], l.Timeout)
		}
		return out, fmt.Errorf("%s %s: %w: %s", filepath.Base(l.Exe), args[0], err, snippet(out))
	}
	return out, nil
}

func outputDir(dir string) (string, func(), error) {
	if dir != "" {
		return dir, func() {}, os.MkdirAll(dir, 0o755)
	}
	tmp, err := os.MkdirTemp("", "stedgeai-*")
	if err != nil {
		return "", nil, err
	}
	return tmp, func() { os.RemoveAll(tmp) }, nil
}
