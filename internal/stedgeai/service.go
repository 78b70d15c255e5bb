package stedgeai

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-version"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/footprint"
	"github.com/fyrsmithlabs/modelzoo/internal/logging"
)

// Remote is the remote compile service. *Client implements it.
type Remote interface {
	Connect(ctx context.Context) error
	State() State
	Versions(ctx context.Context) ([]string, error)
	Analyze(ctx context.Context, req Request) (*footprint.Report, error)
	Benchmark(ctx context.Context, req Request) (*footprint.Report, error)
	Generate(ctx context.Context, req Request) ([]string, error)
	GenerateNBG(ctx context.Context, model string) (string, error)
}

// Compiler is a locally installed toolchain. *Local implements it.
type Compiler interface {
	CheckVersion(ctx context.Context) error
	Analyze(ctx context.Context, req Request) (*footprint.Report, error)
	Generate(ctx context.Context, req Request) ([]string, error)
}

// Source names which path produced a result.
type Source string

const (
	SourceBenchmark Source = "benchmark"
	SourceAnalyze   Source = "analyze"
	SourceRemote    Source = "remote"
	SourceLocal     Source = "local"
)

// Result is a footprint report and where it came from.
type Result struct {
	Report *footprint.Report
	Source Source
}

// Service chains the remote service and the local compiler.
type Service struct {
	Remote  Remote   // nil when on_cloud is false
	Local   Compiler // nil when no local compiler is installed
	Version string   // configured toolchain version
	Logger  *logging.Logger

	remoteChecked bool
	localChecked  bool
}

func (s *Service) logger() *logging.Logger {
	if s.Logger == nil {
		return logging.Nop()
	}
	return s.Logger
}

// connect opens the remote session if needed. It reports false when the
// remote path is unavailable.
func (s *Service) connect(ctx context.Context) bool {
	if s.Remote == nil {
		return false
	}
	if s.Remote.State() == StateClosed {
		if err := s.Remote.Connect(ctx); err != nil {
			s.logger().Warn(ctx, "remote login failed, using the local compiler", zap.Error(err))
			return false
		}
	}
	if !s.remoteChecked && s.Version != "" {
		s.remoteChecked = true
		if versions, err := s.Remote.Versions(ctx); err != nil {
			s.logger().Warn(ctx, "cannot list remote compiler versions", zap.Error(err))
		} else if !supported(s.Version, versions) {
			s.logger().Warn(ctx, "configured compiler version is not offered by the remote service",
				zap.String("version", s.Version), zap.Strings("supported", versions))
		}
	}
	return s.Remote.State() == StateOpen
}

// Benchmark measures the model on req.Board, falling back to a remote
// analysis and then to the local compiler.
func (s *Service) Benchmark(ctx context.Context, req Request) (*Result, error) {
	var errs []error
	if s.connect(ctx) {
		r, err := s.Remote.Benchmark(ctx, req)
		if err == nil {
			return &Result{Report: r, Source: SourceBenchmark}, nil
		}
		s.logger().Warn(ctx, "remote benchmark failed, falling back to analyze", zap.Error(err))
		errs = append(errs, err)
	}
	return s.analyze(ctx, req, errs)
}

// Analyze reports the model footprint, remote first.
func (s *Service) Analyze(ctx context.Context, req Request) (*Result, error) {
	return s.analyze(ctx, req, nil)
}

func (s *Service) analyze(ctx context.Context, req Request, errs []error) (*Result, error) {
	if s.connect(ctx) {
		r, err := s.Remote.Analyze(ctx, req)
		if err == nil {
			return &Result{Report: r, Source: SourceAnalyze}, nil
		}
		s.logger().Warn(ctx, "remote analyze failed, falling back to the local compiler", zap.Error(err))
		errs = append(errs, err)
	}
	if s.Local == nil {
		return nil, s.exhausted("analyze", errs)
	}
	s.checkLocalVersion(ctx)
	r, err := s.Local.Analyze(ctx, req)
	if err != nil {
		return nil, s.exhausted("analyze", append(errs, err))
	}
	return &Result{Report: r, Source: SourceLocal}, nil
}

// Generate writes C sources for the model, remote first.
func (s *Service) Generate(ctx context.Context, req Request) ([]string, Source, error) {
	var errs []error
	if s.connect(ctx) {
		files, err := s.Remote.Generate(ctx, req)
		if err == nil {
			return files, SourceRemote, nil
		}
		s.logger().Warn(ctx, "remote generate failed, falling back to the local compiler", zap.Error(err))
		errs = append(errs, err)
	}
	if s.Local == nil {
		return nil, "", s.exhausted("generate", errs)
	}
	s.checkLocalVersion(ctx)
	files, err := s.Local.Generate(ctx, req)
	if err != nil {
		return nil, "", s.exhausted("generate", append(errs, err))
	}
	return files, SourceLocal, nil
}

// GenerateNBG builds the optimized MPU model. It has no local fallback.
func (s *Service) GenerateNBG(ctx context.Context, model string) (string, error) {
	if !s.connect(ctx) {
		return "", errkind.New(errkind.KindRemote, errkind.LoginFailed,
			"optimized MPU models can only be generated by the remote service")
	}
	return s.Remote.GenerateNBG(ctx, model)
}

func (s *Service) checkLocalVersion(ctx context.Context) {
	if s.localChecked {
		return
	}
	s.localChecked = true
	if err := s.Local.CheckVersion(ctx); err != nil {
		s.logger().Warn(ctx, "local compiler version check", zap.Error(err))
	}
}

func (s *Service) exhausted(op string, errs []error) error {
	err := errors.Join(errs...)
	if err == nil {
		err = fmt.Errorf("no remote session and no local compiler")
	}
	if len(errs) == 1 {
		if _, _, ok := errkind.KindOf(errs[0]); ok {
			return errs[0]
		}
	}
	return errkind.Wrap(errkind.KindRemote, errkind.GenerateFailed, op+": every compiler failed", err)
}

func supported(want string, versions []string) bool {
	w, err := version.NewVersion(want)
	if err != nil {
		return false
	}
	for _, v := range versions {
		if g, err := version.NewVersion(v); err == nil && g.Equal(w) {
			return true
		}
	}
	return false
}
