package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/logging"
	"github.com/fyrsmithlabs/modelzoo/internal/pipeline"
	"github.com/fyrsmithlabs/modelzoo/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// runCmd executes the stages selected by operation_mode
var runCmd = &cobra.Command{
	Use:   "run <use-case> [key=value ...]",
	Short: "Run the pipeline described by a configuration file",
	Long: `Run the pipeline described by a configuration file.

The first argument names the use case. Any further key=value arguments
override configuration attributes using dotted paths.

Examples:
  # Train, quantize, evaluate and benchmark an image classifier
  modelzoo run image_classification --config-path ./src --config-name user_config.yaml

  # Override the mode and the number of epochs
  modelzoo run image_classification operation_mode=chain_tqe training.epochs=50

  # Benchmark a model on a board farm target
  modelzoo run object_detection operation_mode=benchmarking \
    general.model_path=ssd.tflite benchmarking.board=STM32H747I-DISCO`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM)
		defer stop()
		return runPipeline(ctx, args)
	},
}

func runPipeline(ctx context.Context, args []string) (err error) {
	settings, err := config.LoadSettings()
	if err != nil {
		printErr(os.Stderr, err)
		return err
	}
	logger, err := newLogger(settings)
	if err != nil {
		printErr(os.Stderr, err)
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := loadConfig(args)
	if err != nil {
		logger.Error(ctx, err.Error())
		return err
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(settings.Telemetry, version))
	if err != nil {
		logger.Warn(ctx, "telemetry disabled", zap.Error(err))
	}
	defer func() {
		if tel == nil {
			return
		}
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}()

	p, err := pipeline.New(cfg, settings, pipeline.Dependencies{
		Logger:    logger,
		Telemetry: tel,
		Progress:  os.Stderr,
	})
	if err != nil {
		logger.Error(ctx, err.Error())
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	nctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.Interrupts().Notify(nctx, sigCh)

	state, err := p.Run(ctx)
	if err != nil {
		if errors.Is(err, errkind.ErrInterrupted) {
			logger.Warn(ctx, "run interrupted", zap.String("run_id", p.RunID()))
		}
		logger.Error(ctx, err.Error())
		return err
	}
	logger.Info(ctx, fmt.Sprintf("run %s %s", p.RunID(), state.Status),
		zap.String("output_dir", cfg.OutputDir()))
	return nil
}

func newLogger(settings *config.Settings) (*logging.Logger, error) {
	level, err := logging.LevelFromString(strings.ToLower(settings.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	cfg := logging.NewDefaultConfig()
	cfg.Level = level
	return logging.NewLogger(cfg, nil)
}
