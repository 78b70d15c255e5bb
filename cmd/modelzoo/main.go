// Package main implements the modelzoo CLI, which runs training,
// quantization, benchmarking and deployment pipelines from a YAML
// configuration.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
)

var (
	// configPath is the directory holding the run configuration
	configPath string
	// configName is the configuration file name, .yaml optional
	configName string

	// version information, set via ldflags
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "modelzoo",
	Short: "Train, quantize, benchmark and deploy on-device models",
	Long: `modelzoo drives the model zoo pipelines for STM32 targets.
A run is described by a single YAML file whose operation_mode selects the
stages to execute.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("modelzoo %s (commit %s, built %s)\n", version, gitCommit, buildDate))
	rootCmd.PersistentFlags().StringVar(&configPath, "config-path", ".", "directory holding the configuration file")
	rootCmd.PersistentFlags().StringVar(&configName, "config-name", "user_config.yaml", "configuration file name")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(lrScheduleCmd)
}

// loadConfig resolves the configuration named by the persistent flags
// for the use case given as first argument; the rest are overrides.
func loadConfig(args []string) (*config.Config, error) {
	u, err := config.ParseUseCase(args[0])
	if err != nil {
		return nil, err
	}
	return config.Load(config.ConfigFile(configPath, configName), u, args[1:])
}

// printErr writes a [FAIL] line for errors raised before a logger exists.
func printErr(w io.Writer, err error) {
	fmt.Fprintf(w, "[FAIL] %v\n", err)
}
