package deploy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/footprint"
	"github.com/fyrsmithlabs/modelzoo/internal/stedgeai"
)

type call struct {
	dir  string
	name string
	args []string
}

type fakeRunner struct {
	calls []call
	fail  map[string]error
}

func (f *fakeRunner) run(_ context.Context, dir, name string, args ...string) ([]byte, error) {
	f.calls = append(f.calls, call{dir, name, args})
	if err := f.fail[name]; err != nil {
		return []byte("tool output"), err
	}
	return nil, nil
}

func (f *fakeRunner) named(name string) []call {
	var out []call
	for _, c := range f.calls {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

type mockCompiler struct {
	mock.Mock
}

func (m *mockCompiler) Analyze(ctx context.Context, req stedgeai.Request) (*stedgeai.Result, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*stedgeai.Result)
	return r, args.Error(1)
}

func (m *mockCompiler) Generate(ctx context.Context, req stedgeai.Request) ([]string, stedgeai.Source, error) {
	args := m.Called(ctx, req)
	return nil, stedgeai.SourceRemote, args.Error(0)
}

type recordingPlacer struct {
	dirs []string
}

func (p *recordingPlacer) PlaceActivations(dir string) error {
	p.dirs = append(p.dirs, dir)
	return nil
}

const weightsSource = `#include "network_data_params.h"

const ai_u8 w1[500000] = {0};
const ai_u8 w2[1500000] = {0};
`

// writeGenerated emulates the compiler output tree.
func writeGenerated(t *testing.T, dir string) {
	writeFile(t, filepath.Join(dir, "App", "network.c"), "ai_u8 pool0[1024];\n")
	writeFile(t, filepath.Join(dir, "App", "network_data_params.c"), weightsSource)
	writeFile(t, filepath.Join(dir, "App", "network_c_graph.json"),
		`{"weights": [{"name": "w1", "size": 500000}, {"name": "w2", "size": 1500000}]}`)
	writeFile(t, filepath.Join(dir, "Inc", "network.h"), "#pragma once\n")
	writeFile(t, filepath.Join(dir, "Lib", "libNetworkRuntime.a"), "!<arch>")
}

func newCProject(t *testing.T) string {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, ProjectFile),
		`{"name": "STM32H747I-DISCO", "project_name": "x-cube-ai", "project": "Application/STM32CubeIDE", "configurations": ["Release", "Debug"]}`)
	return root
}

type mcuFixture struct {
	mcu      *MCU
	compiler *mockCompiler
	runner   *fakeRunner
	placer   *recordingPlacer
	target   MCUTarget
}

func newMCUFixture(t *testing.T, report *footprint.Report) *mcuFixture {
	t.Helper()
	catalog, err := footprint.LoadCatalog("")
	require.NoError(t, err)

	f := &mcuFixture{
		compiler: &mockCompiler{},
		runner:   &fakeRunner{fail: map[string]error{}},
		placer:   &recordingPlacer{},
		target: MCUTarget{
			Model:        "model.tflite",
			Optimization: "balanced",
			Board:        "STM32H747I-DISCO",
			Series:       "STM32H7",
			IDE:          "GCC",
			CProject:     newCProject(t),
			STLinkSerial: "0035FF",
			OutputDir:    t.TempDir(),
		},
	}
	f.mcu = &MCU{
		Compiler:    f.compiler,
		Catalog:     catalog,
		Activations: f.placer,
		Run:         f.runner.run,
		CubeIDE:     "/opt/st/stm32cubeide",
	}
	f.compiler.On("Analyze", mock.Anything, mock.Anything).
		Return(&stedgeai.Result{Report: report, Source: stedgeai.SourceAnalyze}, nil)
	f.compiler.On("Generate", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			writeGenerated(t, args.Get(1).(stedgeai.Request).Output)
		}).
		Return(nil)
	return f
}

func TestMCU_DeploySplitWeights(t *testing.T) {
	f := newMCUFixture(t, &footprint.Report{WeightsROM: 2_000_000, ActivationsRAM: 100_000, CodeROM: 50_000})

	res, err := f.mcu.Deploy(context.Background(), f.target)
	require.NoError(t, err)

	assert.True(t, res.Placement.SplitWeights)
	assert.False(t, res.Placement.SplitRAM)
	assert.Equal(t, int64(864_000), res.Placement.FreeInternalFlash)
	assert.Equal(t, int64(500_000), res.Weights.InternalBytes)
	assert.Equal(t, int64(1_500_000), res.Weights.ExternalBytes)
	assert.Empty(t, f.placer.dirs)

	gen := f.compiler.Calls[1].Arguments.Get(1).(stedgeai.Request)
	assert.True(t, gen.SplitWeights)
	assert.Equal(t, filepath.Join(f.target.OutputDir, GeneratedDir), gen.Output)

	project := f.target.CProject
	assert.ElementsMatch(t, []string{
		filepath.Join(project, "Middlewares", "ST", "AI", "Inc", "network.h"),
		filepath.Join(project, "Middlewares", "ST", "AI", "Lib", "libNetworkRuntime.a"),
		filepath.Join(project, "X-CUBE-AI", "App", "network.c"),
		filepath.Join(project, "X-CUBE-AI", "App", "network_data_params.c"),
	}, res.Installed)

	data, err := os.ReadFile(filepath.Join(project, "X-CUBE-AI", "App", "network_data_params.c"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "AI_INTERNAL_FLASH\nconst ai_u8 w1[500000]")
	assert.Contains(t, string(data), "AI_EXTERNAL_FLASH\nconst ai_u8 w2[1500000]")

	builds := f.runner.named("/opt/st/stm32cubeide")
	require.Len(t, builds, 1)
	assert.Contains(t, builds[0].args, "x-cube-ai/Release")
	assert.Contains(t, builds[0].args, filepath.Join(project, "Application", "STM32CubeIDE"))

	flashes := f.runner.named(DefaultProgrammer)
	require.Len(t, flashes, 1)
	assert.Contains(t, flashes[0].args, "sn=0035FF")
	assert.Contains(t, flashes[0].args, res.Firmware)
	assert.Equal(t, filepath.Join(project, "Application", "STM32CubeIDE", "Release", "x-cube-ai.elf"), res.Firmware)
}

func TestMCU_DeploySplitRAM(t *testing.T) {
	f := newMCUFixture(t, &footprint.Report{WeightsROM: 100_000, ActivationsRAM: 1_000_000})
	f.target.BuildConf = "Debug"
	f.target.STLinkSerial = ""

	res, err := f.mcu.Deploy(context.Background(), f.target)
	require.NoError(t, err)
	assert.False(t, res.Placement.SplitWeights)
	assert.True(t, res.Placement.SplitRAM)
	assert.Equal(t, []string{filepath.Join(f.target.OutputDir, GeneratedDir)}, f.placer.dirs)

	assert.Contains(t, f.runner.named("/opt/st/stm32cubeide")[0].args, "x-cube-ai/Debug")
	for _, a := range f.runner.named(DefaultProgrammer)[0].args {
		assert.False(t, strings.HasPrefix(a, "sn="))
	}
}

func TestMCU_ModelTooLarge(t *testing.T) {
	f := newMCUFixture(t, &footprint.Report{WeightsROM: 500_000_000})

	_, err := f.mcu.Deploy(context.Background(), f.target)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.ErrModelTooLargeFlash))
	f.compiler.AssertNotCalled(t, "Generate", mock.Anything, mock.Anything)
	assert.Empty(t, f.runner.calls)
}

func TestMCU_UnknownBoard(t *testing.T) {
	f := newMCUFixture(t, &footprint.Report{})
	f.target.Board = "NOT-A-BOARD"

	_, err := f.mcu.Deploy(context.Background(), f.target)
	assert.True(t, errors.Is(err, errkind.ErrBadEnum))
	assert.Contains(t, err.Error(), "STM32H747I-DISCO")
}

func TestMCU_BuildAndFlashFailures(t *testing.T) {
	f := newMCUFixture(t, &footprint.Report{WeightsROM: 100_000, ActivationsRAM: 1000})
	f.runner.fail["/opt/st/stm32cubeide"] = errors.New("exit status 1")
	_, err := f.mcu.Deploy(context.Background(), f.target)
	assert.True(t, errors.Is(err, errkind.ErrBuildFailed))
	assert.Contains(t, err.Error(), "tool output")

	f = newMCUFixture(t, &footprint.Report{WeightsROM: 100_000, ActivationsRAM: 1000})
	f.runner.fail[DefaultProgrammer] = errors.New("no ST-LINK detected")
	_, err = f.mcu.Deploy(context.Background(), f.target)
	assert.True(t, errors.Is(err, errkind.ErrFlashFailed))

	f = newMCUFixture(t, &footprint.Report{WeightsROM: 100_000, ActivationsRAM: 1000})
	f.mcu.CubeIDE = ""
	_, err = f.mcu.Deploy(context.Background(), f.target)
	assert.True(t, errors.Is(err, errkind.ErrMissingAttr))
}

func TestReadProject(t *testing.T) {
	root := t.TempDir()
	_, err := ReadProject(root)
	assert.True(t, errors.Is(err, errkind.ErrNotFound))

	writeFile(t, filepath.Join(root, ProjectFile), `{"name": "demo"}`)
	p, err := ReadProject(root)
	require.NoError(t, err)
	assert.Equal(t, "demo", p.Name)
	assert.Equal(t, root, p.Dir)
	assert.Equal(t, "Release", p.Configuration(""))
	assert.Equal(t, "Debug", p.Configuration("Debug"))
	assert.Equal(t, filepath.Join(root, "Release", "demo.elf"), p.Firmware("Release"))

	writeFile(t, filepath.Join(root, ProjectFile), `{"elf": "out/fw.elf"}`)
	_, err = ReadProject(root)
	assert.Error(t, err)

	writeFile(t, filepath.Join(root, ProjectFile), `not json`)
	_, err = ReadProject(root)
	assert.True(t, errors.Is(err, errkind.ErrUnsupportedFormat))
}
