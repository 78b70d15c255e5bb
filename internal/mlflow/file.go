package mlflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"go.yaml.in/yaml/v3"
)

// Run status codes of the file store.
var fileStatus = map[Status]int{
	"RUNNING":      1,
	StatusFinished: 3,
	StatusFailed:   4,
	StatusKilled:   5,
}

type experimentMeta struct {
	ArtifactLocation string `yaml:"artifact_location"`
	CreationTime     int64  `yaml:"creation_time"`
	ExperimentID     string `yaml:"experiment_id"`
	LastUpdateTime   int64  `yaml:"last_update_time"`
	LifecycleStage   string `yaml:"lifecycle_stage"`
	Name             string `yaml:"name"`
}

type runMeta struct {
	ArtifactURI    string   `yaml:"artifact_uri"`
	EndTime        *int64   `yaml:"end_time"`
	EntryPointName string   `yaml:"entry_point_name"`
	ExperimentID   string   `yaml:"experiment_id"`
	LifecycleStage string   `yaml:"lifecycle_stage"`
	RunID          string   `yaml:"run_id"`
	RunName        string   `yaml:"run_name"`
	RunUUID        string   `yaml:"run_uuid"`
	SourceName     string   `yaml:"source_name"`
	SourceType     int      `yaml:"source_type"`
	SourceVersion  string   `yaml:"source_version"`
	StartTime      int64    `yaml:"start_time"`
	Status         int      `yaml:"status"`
	Tags           []string `yaml:"tags"`
	UserID         string   `yaml:"user_id"`
}

type fileRun struct {
	mu   sync.Mutex
	dir  string
	meta runMeta
	now  func() (ms int64)
}

func startFile(root, experiment string, opts Options) (*fileRun, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	now := func() int64 { return millis(opts.Now()) }
	expID, err := ensureExperiment(abs, experiment, now())
	if err != nil {
		return nil, err
	}

	id := newRunID()
	dir := filepath.Join(abs, expID, id)
	for _, sub := range []string{"params", "metrics", "tags", "artifacts"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating run directory: %w", err)
		}
	}
	r := &fileRun{
		dir: dir,
		now: now,
		meta: runMeta{
			ArtifactURI:    "file://" + filepath.ToSlash(filepath.Join(dir, "artifacts")),
			ExperimentID:   expID,
			LifecycleStage: "active",
			RunID:          id,
			RunName:        opts.RunName,
			RunUUID:        id,
			SourceType:     4, // LOCAL
			StartTime:      now(),
			Status:         fileStatus["RUNNING"],
			Tags:           []string{},
			UserID:         os.Getenv("USER"),
		},
	}
	if err := r.writeMeta(); err != nil {
		return nil, err
	}
	tags := map[string]string{TagRunName: opts.RunName}
	for k, v := range opts.Tags {
		tags[k] = v
	}
	if err := r.SetTags(context.Background(), tags); err != nil {
		return nil, err
	}
	return r, nil
}

// ensureExperiment finds the experiment by name or creates it with the
// next free numeric id. "0" is the Default experiment.
func ensureExperiment(root, name string, now int64) (string, error) {
	entries, err := os.ReadDir(root)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("reading tracking store: %w", err)
	}
	next := 1
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		if id >= next {
			next = id + 1
		}
		data, err := os.ReadFile(filepath.Join(root, e.Name(), "meta.yaml"))
		if err != nil {
			continue
		}
		var meta experimentMeta
		if yaml.Unmarshal(data, &meta) == nil && meta.Name == name {
			return e.Name(), nil
		}
	}

	id := strconv.Itoa(next)
	if name == "Default" {
		id = "0"
	}
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating experiment: %w", err)
	}
	meta := experimentMeta{
		ArtifactLocation: "file://" + filepath.ToSlash(dir),
		CreationTime:     now,
		ExperimentID:     id,
		LastUpdateTime:   now,
		LifecycleStage:   "active",
		Name:             name,
	}
	return id, writeYAML(filepath.Join(dir, "meta.yaml"), meta)
}

func (r *fileRun) ID() string { return r.meta.RunID }

func (r *fileRun) LogParams(_ context.Context, params map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range sortedKeys(params) {
		if err := r.writeValue("params", k, []byte(params[k]), false); err != nil {
			return err
		}
	}
	return nil
}

func (r *fileRun) LogMetrics(_ context.Context, metrics map[string]float64, step int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ts := r.now()
	for _, k := range sortedKeys(metrics) {
		line := fmt.Sprintf("%d %s %d\n", ts, strconv.FormatFloat(metrics[k], 'g', -1, 64), step)
		if err := r.writeValue("metrics", k, []byte(line), true); err != nil {
			return err
		}
	}
	return nil
}

func (r *fileRun) SetTags(_ context.Context, tags map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range sortedKeys(tags) {
		if err := r.writeValue("tags", k, []byte(tags[k]), false); err != nil {
			return err
		}
	}
	return nil
}

func (r *fileRun) End(_ context.Context, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	code, ok := fileStatus[status]
	if !ok {
		return fmt.Errorf("unknown run status %q", status)
	}
	end := r.now()
	r.meta.Status = code
	r.meta.EndTime = &end
	return r.writeMeta()
}

func (r *fileRun) writeValue(kind, key string, value []byte, appendTo bool) error {
	if err := validKey(key); err != nil {
		return err
	}
	path := filepath.Join(r.dir, kind, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if appendTo {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("writing %s %q: %w", kind, key, err)
	}
	if _, err := f.Write(value); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func (r *fileRun) writeMeta() error {
	return writeYAML(filepath.Join(r.dir, "meta.yaml"), r.meta)
}

func writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
