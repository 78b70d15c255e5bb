package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
)

const evalConfig = `
general:
  project_name: flowers
  global_seed: 7
operation_mode: evaluation
dataset:
  class_names: [daisy, dandelion, rose]
  test_path: datasets/flowers/test
preprocessing:
  rescaling: {scale: 1/127.5, offset: -1}
  resizing: {aspect_ratio: fit, interpolation: nearest}
  color_mode: rgb
mlflow:
  uri: ./experiments_outputs/mlruns
hydra:
  run:
    dir: ./experiments_outputs/eval
`

// execute runs the root command and returns what it wrote.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetArgs(nil)
		configPath, configName = ".", "user_config.yaml"
		scheduleName, scheduleEpochs = "", 0
		chartWidth, chartHeight = 0, 4
	})
	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

func writeConfig(t *testing.T) (dir, model string) {
	t.Helper()
	dir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user_config.yaml"), []byte(evalConfig), 0o600))
	model = filepath.Join(dir, "model.h5")
	require.NoError(t, os.WriteFile(model, []byte("h5"), 0o600))
	return dir, model
}

func TestRootCommands(t *testing.T) {
	names := make([]string, 0)
	for _, c := range rootCmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "run")
	assert.Contains(t, names, "validate")
	assert.Contains(t, names, "lr-schedule")

	for _, name := range []string{"config-path", "config-name"} {
		assert.NotNil(t, rootCmd.PersistentFlags().Lookup(name), name)
	}
}

func TestValidate(t *testing.T) {
	dir, model := writeConfig(t)

	out, _, err := execute(t, "validate", "image_classification",
		"--config-path", dir, "general.model_path="+model)
	require.NoError(t, err)

	assert.Contains(t, out, "use case:  image_classification\n")
	assert.Contains(t, out, "mode:      evaluation\n")
	assert.Contains(t, out, "output:    ./experiments_outputs/eval\n")
	assert.True(t, strings.HasSuffix(out, "stages:\n  1. preprocess\n  2. evaluate\n"), out)

	var requires string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "requires:") {
			requires = line
		}
	}
	for _, s := range []string{"operation_mode", "mlflow", "general", "dataset", "preprocessing"} {
		assert.Contains(t, requires, s)
	}
}

func TestValidate_Errors(t *testing.T) {
	dir, model := writeConfig(t)

	t.Run("unknown use case", func(t *testing.T) {
		_, stderr, err := execute(t, "validate", "segmentation", "--config-path", dir)
		require.Error(t, err)
		assert.Contains(t, stderr, "[FAIL] unknown use case")
	})

	t.Run("missing model", func(t *testing.T) {
		_, stderr, err := execute(t, "validate", "image_classification",
			"--config-path", dir, "general.model_path="+filepath.Join(dir, "missing.h5"))
		require.Error(t, err)
		assert.Contains(t, stderr, "general.model_path")
	})

	t.Run("missing file", func(t *testing.T) {
		_, _, err := execute(t, "validate", "image_classification",
			"--config-path", dir, "--config-name", "other", "general.model_path="+model)
		require.Error(t, err)
	})

	t.Run("no use case", func(t *testing.T) {
		_, _, err := execute(t, "validate")
		require.Error(t, err)
	})
}

func TestLRSchedule_ByName(t *testing.T) {
	out, _, err := execute(t, "lr-schedule", "--name", "LRLinearDecay", "--epochs", "5",
		"initial_lr=0.1", "decay_steps=4")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Equal(t, "LRLinearDecay over 5 epochs", lines[0])
	assert.Equal(t, []string{
		"   1  0.1",
		"   2  0.075",
		"   3  0.05",
		"   4  0.025",
		"   5  0",
	}, lines[len(lines)-5:])
}

func TestLRSchedule_Errors(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{"unknown schedule", []string{"--name", "LRWiggle", "--epochs", "3"}, "unknown learning rate schedule"},
		{"missing epochs", []string{"--name", "LRCosineDecay", "initial_lr=0.1", "decay_steps=4"}, "--epochs"},
		{"bad argument", []string{"--name", "LRCosineDecay", "--epochs", "3", "initial_lr"}, "expected key=value"},
		{"invalid value", []string{"--name", "LRCosineDecay", "--epochs", "3", "decay_steps=4"}, "initial_lr"},
		{"nothing to show", nil, "either --name or a use case"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, stderr, err := execute(t, append([]string{"lr-schedule"}, tt.args...)...)
			require.Error(t, err)
			assert.Contains(t, stderr, tt.wantErr)
		})
	}
}

func TestLRSchedule_FromConfigWithoutTraining(t *testing.T) {
	dir, model := writeConfig(t)
	_, stderr, err := execute(t, "lr-schedule", "image_classification",
		"--config-path", dir, "general.model_path="+model)
	require.Error(t, err)
	assert.Contains(t, stderr, "no training section")
}

func TestRun_InvalidConfig(t *testing.T) {
	dir, _ := writeConfig(t)
	t.Setenv("MODELZOO_LOG_LEVEL", "info")
	_, _, err := execute(t, "run", "image_classification", "--config-path", dir,
		"general.model_path="+filepath.Join(dir, "missing.h5"))
	require.Error(t, err)
}

func TestRun_BadLogLevel(t *testing.T) {
	dir, _ := writeConfig(t)
	t.Setenv("MODELZOO_LOG_LEVEL", "loud")
	_, _, err := execute(t, "run", "image_classification", "--config-path", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log_level")
}

func TestNewLogger(t *testing.T) {
	l, err := newLogger(&config.Settings{LogLevel: "DEBUG"})
	require.NoError(t, err)
	assert.NotNil(t, l)

	_, err = newLogger(&config.Settings{LogLevel: "results"})
	require.NoError(t, err)
}
