package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/mode"
)

// validateCmd resolves a configuration without running anything
var validateCmd = &cobra.Command{
	Use:   "validate <use-case> [key=value ...]",
	Short: "Check a configuration and print the stage plan",
	Long: `Resolve and validate a configuration, then print the sections the
operation mode requires and the stages a run would execute.

Examples:
  # Check the default configuration of the current directory
  modelzoo validate image_classification

  # Check what chain_qb would do with an existing float model
  modelzoo validate image_classification operation_mode=chain_qb general.model_path=model.h5`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(args)
		if err != nil {
			printErr(cmd.ErrOrStderr(), err)
			return err
		}
		printPlan(cmd.OutOrStdout(), cfg)
		return nil
	},
}

func printPlan(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "use case:  %s\n", cfg.UseCase)
	fmt.Fprintf(w, "mode:      %s\n", cfg.Mode)

	required := mode.RequiredSections(cfg.Mode)
	names := make([]string, len(required))
	for i, s := range required {
		names[i] = string(s)
	}
	fmt.Fprintf(w, "requires:  %s\n", strings.Join(names, ", "))
	fmt.Fprintf(w, "sections:  %s\n", strings.Join(cfg.SectionNames(), ", "))
	if dir := cfg.OutputDir(); dir != "" {
		fmt.Fprintf(w, "output:    %s\n", dir)
	}

	fmt.Fprintln(w, "stages:")
	for i, step := range mode.Sequence(cfg.Mode) {
		fmt.Fprintf(w, "  %d. %s\n", i+1, step)
	}
}
