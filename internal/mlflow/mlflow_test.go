package mlflow

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.yaml.in/yaml/v3"
)

var fixedNow = func() time.Time { return time.UnixMilli(1700000000000) }

func TestFileStore_Run(t *testing.T) {
	root := filepath.Join(t.TempDir(), "mlruns")
	ctx := context.Background()

	run, err := Start(ctx, "file:"+root, "cifar_demo", Options{
		RunName: "2024_01_01_10_00_00",
		Tags:    map[string]string{"mode": "training"},
		Now:     fixedNow,
	})
	require.NoError(t, err)
	assert.Len(t, run.ID(), 32)
	assert.NotContains(t, run.ID(), "-")

	require.NoError(t, run.LogParams(ctx, map[string]string{"batch_size": "64", "training/epochs": "10"}))
	require.NoError(t, run.LogMetrics(ctx, map[string]float64{"accuracy": 0.91}, 0))
	require.NoError(t, run.LogMetrics(ctx, map[string]float64{"accuracy": 0.93}, 1))
	require.NoError(t, run.End(ctx, StatusFinished))

	expDir := filepath.Join(root, "1")
	var exp experimentMeta
	readYAML(t, filepath.Join(expDir, "meta.yaml"), &exp)
	assert.Equal(t, "cifar_demo", exp.Name)
	assert.Equal(t, "1", exp.ExperimentID)

	runDir := filepath.Join(expDir, run.ID())
	var meta runMeta
	readYAML(t, filepath.Join(runDir, "meta.yaml"), &meta)
	assert.Equal(t, 3, meta.Status)
	require.NotNil(t, meta.EndTime)
	assert.Equal(t, int64(1700000000000), *meta.EndTime)
	assert.Equal(t, "2024_01_01_10_00_00", meta.RunName)

	assert.Equal(t, "64", readFile(t, filepath.Join(runDir, "params", "batch_size")))
	assert.Equal(t, "10", readFile(t, filepath.Join(runDir, "params", "training", "epochs")))
	assert.Equal(t, "1700000000000 0.91 0\n1700000000000 0.93 1\n", readFile(t, filepath.Join(runDir, "metrics", "accuracy")))
	assert.Equal(t, "training", readFile(t, filepath.Join(runDir, "tags", "mode")))
	assert.Equal(t, "2024_01_01_10_00_00", readFile(t, filepath.Join(runDir, "tags", TagRunName)))
}

func TestFileStore_ReusesExperiment(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	first, err := Start(ctx, root, "a", Options{Now: fixedNow})
	require.NoError(t, err)
	second, err := Start(ctx, root, "b", Options{Now: fixedNow})
	require.NoError(t, err)
	again, err := Start(ctx, root, "a", Options{Now: fixedNow})
	require.NoError(t, err)

	assert.DirExists(t, filepath.Join(root, "1", first.ID()))
	assert.DirExists(t, filepath.Join(root, "2", second.ID()))
	assert.DirExists(t, filepath.Join(root, "1", again.ID()))
}

func TestFileStore_RejectsBadKeys(t *testing.T) {
	run, err := Start(context.Background(), t.TempDir(), "x", Options{Now: fixedNow})
	require.NoError(t, err)
	assert.Error(t, run.LogParams(context.Background(), map[string]string{"../escape": "1"}))
	assert.Error(t, run.End(context.Background(), Status("PAUSED")))
}

type fakeServer struct {
	mu          sync.Mutex
	experiments map[string]string
	batches     []map[string]any
	updates     []map[string]any
	createRun   map[string]any
	failures    int
}

func newFakeServer(t *testing.T) (*fakeServer, *httptest.Server) {
	f := &fakeServer{experiments: map[string]string{}}
	mux := http.NewServeMux()
	mux.HandleFunc("GET "+apiPrefix+"/experiments/get-by-name", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		id, ok := f.experiments[r.URL.Query().Get("experiment_name")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error_code":"RESOURCE_DOES_NOT_EXIST","message":"no experiment"}`))
			return
		}
		_, _ = w.Write([]byte(`{"experiment":{"experiment_id":"` + id + `"}}`))
	})
	mux.HandleFunc("POST "+apiPrefix+"/experiments/create", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.experiments[body["name"]] = "7"
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"experiment_id":"7"}`))
	})
	mux.HandleFunc("POST "+apiPrefix+"/runs/create", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewDecoder(r.Body).Decode(&f.createRun)
		_, _ = w.Write([]byte(`{"run":{"info":{"run_id":"abc123"}}}`))
	})
	mux.HandleFunc("POST "+apiPrefix+"/runs/log-batch", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.failures > 0 {
			f.failures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.batches = append(f.batches, body)
		_, _ = w.Write([]byte(`{}`))
	})
	mux.HandleFunc("POST "+apiPrefix+"/runs/update", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.updates = append(f.updates, body)
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func TestREST_Run(t *testing.T) {
	f, srv := newFakeServer(t)
	ctx := context.Background()

	run, err := Start(ctx, srv.URL+"/", "kws_demo", Options{
		RunName: "r1",
		Tags:    map[string]string{TagGitCommit: "deadbeef"},
		Now:     fixedNow,
	})
	require.NoError(t, err)
	assert.Equal(t, "abc123", run.ID())
	assert.Equal(t, "7", f.experiments["kws_demo"])
	assert.Equal(t, "7", f.createRun["experiment_id"])
	assert.Equal(t, "r1", f.createRun["run_name"])
	assert.Len(t, f.createRun["tags"], 2)

	require.NoError(t, run.LogParams(ctx, map[string]string{"optimizer": "adam"}))
	require.NoError(t, run.LogMetrics(ctx, map[string]float64{"val_loss": 0.25}, 3))
	require.NoError(t, run.End(ctx, StatusFailed))

	require.Len(t, f.batches, 2)
	assert.Equal(t, "abc123", f.batches[0]["run_id"])
	params := f.batches[0]["params"].([]any)
	assert.Equal(t, map[string]any{"key": "optimizer", "value": "adam"}, params[0])
	metric := f.batches[1]["metrics"].([]any)[0].(map[string]any)
	assert.Equal(t, 0.25, metric["value"])
	assert.Equal(t, float64(3), metric["step"])
	assert.Equal(t, float64(1700000000000), metric["timestamp"])

	require.Len(t, f.updates, 1)
	assert.Equal(t, "FAILED", f.updates[0]["status"])
}

func TestREST_ExistingExperimentAndRetry(t *testing.T) {
	f, srv := newFakeServer(t)
	f.experiments["existing"] = "3"
	ctx := context.Background()

	run, err := Start(ctx, srv.URL, "existing", Options{Now: fixedNow})
	require.NoError(t, err)
	assert.Equal(t, "3", f.createRun["experiment_id"])

	f.failures = 2
	require.NoError(t, run.SetTags(ctx, map[string]string{"mode": "benchmarking"}))
	assert.Len(t, f.batches, 1)

	f.failures = 5
	err = run.SetTags(ctx, map[string]string{"mode": "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestREST_ClientErrorNotRetried(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"error_code":"PERMISSION_DENIED","message":"nope"}`))
	}))
	t.Cleanup(srv.Close)

	_, err := Start(context.Background(), srv.URL, "x", Options{Now: fixedNow})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PERMISSION_DENIED")
	assert.Equal(t, 1, calls)
}

func TestGitCommit(t *testing.T) {
	dir := t.TempDir()
	assert.Empty(t, GitCommit(dir))

	repo, err := git.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := repo.Worktree()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "user_config.yaml"), []byte("general: {}\n"), 0o644))
	_, err = wt.Add("user_config.yaml")
	require.NoError(t, err)
	hash, err := wt.Commit("init", &git.CommitOptions{
		Author: &object.Signature{Name: "ci", Email: "ci@example.com", When: fixedNow()},
	})
	require.NoError(t, err)

	sub := filepath.Join(dir, "experiments_outputs")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	assert.Equal(t, hash.String(), GitCommit(sub))
}

func readYAML(t *testing.T, path string, v any) {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, v))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}
