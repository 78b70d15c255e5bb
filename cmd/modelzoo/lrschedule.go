package main

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/lrschedule"
)

var (
	scheduleName   string
	scheduleEpochs int
	chartWidth     int
	chartHeight    int
)

// lrScheduleCmd prints a learning rate schedule per epoch
var lrScheduleCmd = &cobra.Command{
	Use:   "lr-schedule [use-case | key=value ...]",
	Short: "Print the per-epoch learning rate of a schedule",
	Long: `Print the per-epoch learning rate table of a schedule with a sparkline.

With --name the schedule is built from key=value arguments. Otherwise the
first argument is a use case and the schedule is read from the
training.callbacks section of the configuration.

Examples:
  # Preview a cosine decay over 100 epochs
  modelzoo lr-schedule --name LRCosineDecay --epochs 100 initial_lr=0.01 decay_steps=80

  # Show the schedule a configuration would use
  modelzoo lr-schedule image_classification --config-name user_config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sched, epochs, err := resolveSchedule(args)
		if err != nil {
			printErr(cmd.ErrOrStderr(), err)
			return err
		}
		printSchedule(cmd.OutOrStdout(), sched, epochs)
		return nil
	},
}

func init() {
	lrScheduleCmd.Flags().StringVar(&scheduleName, "name", "", "schedule name, e.g. LRCosineDecay")
	lrScheduleCmd.Flags().IntVar(&scheduleEpochs, "epochs", 0, "number of epochs (defaults to training.epochs)")
	lrScheduleCmd.Flags().IntVar(&chartWidth, "width", 0, "sparkline width (defaults to one column per epoch)")
	lrScheduleCmd.Flags().IntVar(&chartHeight, "height", 4, "sparkline height")
}

func resolveSchedule(args []string) (lrschedule.Schedule, int, error) {
	if scheduleName != "" {
		params := make(map[string]any, len(args))
		for _, a := range args {
			k, v, err := config.ParseOverride(a)
			if err != nil {
				return nil, 0, err
			}
			params[k] = v
		}
		s, err := lrschedule.Build(scheduleName, params)
		if err != nil {
			return nil, 0, err
		}
		if scheduleEpochs <= 0 {
			return nil, 0, errors.New("--epochs is required with --name")
		}
		return s, scheduleEpochs, nil
	}

	if len(args) == 0 {
		return nil, 0, errors.New("either --name or a use case is required")
	}
	cfg, err := loadConfig(args)
	if err != nil {
		return nil, 0, err
	}
	if cfg.Training == nil {
		return nil, 0, errors.New("the configuration has no training section")
	}
	s, err := lrschedule.FromCallbacks(cfg.Training.Callbacks)
	if err != nil {
		return nil, 0, err
	}
	if s == nil {
		return nil, 0, errors.New("training.callbacks declares no learning rate schedule")
	}
	epochs := scheduleEpochs
	if epochs <= 0 {
		epochs = cfg.Training.Epochs
	}
	return s, epochs, nil
}

func printSchedule(w io.Writer, s lrschedule.Schedule, epochs int) {
	lrs := lrschedule.Table(s, epochs)
	fmt.Fprintf(w, "%s over %d epochs\n", s.Name(), epochs)
	fmt.Fprintln(w, lrschedule.Sparkline(lrs, chartWidth, chartHeight))
	for e, lr := range lrs {
		fmt.Fprintf(w, "%4d  %.6g\n", e+1, lr)
	}
}
