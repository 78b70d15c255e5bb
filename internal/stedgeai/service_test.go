package stedgeai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/footprint"
	"github.com/fyrsmithlabs/modelzoo/internal/logging"
)

type mockRemote struct {
	mock.Mock
	state State
}

func (m *mockRemote) Connect(ctx context.Context) error {
	err := m.Called(ctx).Error(0)
	if err == nil {
		m.state = StateOpen
	}
	return err
}

func (m *mockRemote) State() State { return m.state }

func (m *mockRemote) Versions(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *mockRemote) Analyze(ctx context.Context, req Request) (*footprint.Report, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*footprint.Report)
	return r, args.Error(1)
}

func (m *mockRemote) Benchmark(ctx context.Context, req Request) (*footprint.Report, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*footprint.Report)
	return r, args.Error(1)
}

func (m *mockRemote) Generate(ctx context.Context, req Request) ([]string, error) {
	args := m.Called(ctx, req)
	f, _ := args.Get(0).([]string)
	return f, args.Error(1)
}

func (m *mockRemote) GenerateNBG(ctx context.Context, model string) (string, error) {
	args := m.Called(ctx, model)
	return args.String(0), args.Error(1)
}

type mockCompiler struct {
	mock.Mock
}

func (m *mockCompiler) CheckVersion(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockCompiler) Analyze(ctx context.Context, req Request) (*footprint.Report, error) {
	args := m.Called(ctx, req)
	r, _ := args.Get(0).(*footprint.Report)
	return r, args.Error(1)
}

func (m *mockCompiler) Generate(ctx context.Context, req Request) ([]string, error) {
	args := m.Called(ctx, req)
	f, _ := args.Get(0).([]string)
	return f, args.Error(1)
}

var (
	anyCtx  = mock.Anything
	testReq = Request{Model: "m.tflite", Board: "STM32H747I-DISCO"}
	benched = &footprint.Report{WeightsROM: 1, HasInference: true}
	static  = &footprint.Report{WeightsROM: 1}
)

func TestService_BenchmarkRemote(t *testing.T) {
	remote := &mockRemote{}
	remote.On("Connect", anyCtx).Return(nil).Once()
	remote.On("Benchmark", anyCtx, testReq).Return(benched, nil)

	s := &Service{Remote: remote}
	res, err := s.Benchmark(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, SourceBenchmark, res.Source)
	assert.Same(t, benched, res.Report)

	_, err = s.Benchmark(context.Background(), testReq)
	require.NoError(t, err)
	remote.AssertExpectations(t)
}

func TestService_BenchmarkFallsBackToAnalyze(t *testing.T) {
	remote := &mockRemote{}
	remote.On("Connect", anyCtx).Return(nil)
	remote.On("Benchmark", anyCtx, testReq).Return(nil, errkind.New(errkind.KindRemote, errkind.BenchmarkTimeout, "slow"))
	remote.On("Analyze", anyCtx, testReq).Return(static, nil)

	tl := logging.NewTestLogger()
	s := &Service{Remote: remote, Logger: tl.Logger}
	res, err := s.Benchmark(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, SourceAnalyze, res.Source)
	tl.AssertLogged(t, zapcore.WarnLevel, "falling back to analyze")
}

func TestService_BenchmarkFallsBackToLocal(t *testing.T) {
	remote := &mockRemote{}
	remote.On("Connect", anyCtx).Return(errkind.New(errkind.KindRemote, errkind.LoginFailed, "no"))
	local := &mockCompiler{}
	local.On("CheckVersion", anyCtx).Return(errkind.New(errkind.KindFootprint, errkind.VersionMismatch, "9 vs 10")).Once()
	local.On("Analyze", anyCtx, testReq).Return(static, nil)

	tl := logging.NewTestLogger()
	s := &Service{Remote: remote, Local: local, Logger: tl.Logger}
	res, err := s.Benchmark(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, res.Source)
	tl.AssertLogged(t, zapcore.WarnLevel, "remote login failed")
	tl.AssertLogged(t, zapcore.WarnLevel, "version check")

	_, err = s.Analyze(context.Background(), testReq)
	require.NoError(t, err)
	local.AssertExpectations(t)
	remote.AssertNotCalled(t, "Benchmark", anyCtx, testReq)
}

func TestService_EverythingFails(t *testing.T) {
	remote := &mockRemote{}
	remote.On("Connect", anyCtx).Return(nil)
	remote.On("Benchmark", anyCtx, testReq).Return(nil, errors.New("bench down"))
	remote.On("Analyze", anyCtx, testReq).Return(nil, errors.New("analyze down"))

	s := &Service{Remote: remote}
	_, err := s.Benchmark(context.Background(), testReq)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errkind.ErrGenerateFailed))
	assert.Contains(t, err.Error(), "bench down")
	assert.Contains(t, err.Error(), "analyze down")
}

func TestService_NoCompilerAtAll(t *testing.T) {
	_, err := (&Service{}).Analyze(context.Background(), testReq)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no local compiler")
}

func TestService_SingleClassifiedErrorPassesThrough(t *testing.T) {
	local := &mockCompiler{}
	local.On("CheckVersion", anyCtx).Return(nil)
	local.On("Analyze", anyCtx, testReq).Return(nil, errkind.Path(errkind.NotFound, "general.model_path", "m.tflite"))

	_, err := (&Service{Local: local}).Analyze(context.Background(), testReq)
	assert.True(t, errors.Is(err, errkind.ErrNotFound))
}

func TestService_Generate(t *testing.T) {
	remote := &mockRemote{}
	remote.On("Connect", anyCtx).Return(nil)
	remote.On("Generate", anyCtx, testReq).Return(nil, errors.New("down"))
	local := &mockCompiler{}
	local.On("CheckVersion", anyCtx).Return(nil)
	local.On("Generate", anyCtx, testReq).Return([]string{"network.c"}, nil)

	files, src, err := (&Service{Remote: remote, Local: local}).Generate(context.Background(), testReq)
	require.NoError(t, err)
	assert.Equal(t, SourceLocal, src)
	assert.Equal(t, []string{"network.c"}, files)
}

func TestService_RemoteVersionWarning(t *testing.T) {
	remote := &mockRemote{}
	remote.On("Connect", anyCtx).Return(nil)
	remote.On("Versions", anyCtx).Return([]string{"10.0.0", "10.1.0"}, nil).Once()
	remote.On("Analyze", anyCtx, testReq).Return(static, nil)

	tl := logging.NewTestLogger()
	s := &Service{Remote: remote, Version: "9.1", Logger: tl.Logger}
	_, err := s.Analyze(context.Background(), testReq)
	require.NoError(t, err)
	_, err = s.Analyze(context.Background(), testReq)
	require.NoError(t, err)
	tl.AssertLogged(t, zapcore.WarnLevel, "not offered by the remote service")
	remote.AssertExpectations(t)

	assert.True(t, supported("10.1", []string{"10.0.0", "10.1.0"}))
	assert.False(t, supported("garbage", []string{"10.0.0"}))
}

func TestService_GenerateNBGNeedsRemote(t *testing.T) {
	_, err := (&Service{}).GenerateNBG(context.Background(), "m.tflite")
	assert.True(t, errors.Is(err, errkind.ErrLoginFailed))

	remote := &mockRemote{}
	remote.On("Connect", anyCtx).Return(nil)
	remote.On("GenerateNBG", anyCtx, "m.tflite").Return("m.nb", nil)
	out, err := (&Service{Remote: remote}).GenerateNBG(context.Background(), "m.tflite")
	require.NoError(t, err)
	assert.Equal(t, "m.nb", out)
}
