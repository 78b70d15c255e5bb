// Package mlflow records pipeline runs in an MLflow tracking store, either
// a tracking server (http/https URI) or a local mlruns directory.
package mlflow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
	StatusKilled   Status = "KILLED"
)

// Standard tag keys.
const (
	TagRunName   = "mlflow.runName"
	TagGitCommit = "mlflow.source.git.commit"
	TagSource    = "mlflow.source.name"
	TagUser      = "mlflow.user"
)

// Run is an open tracking run.
type Run interface {
	ID() string
	LogParams(ctx context.Context, params map[string]string) error
	LogMetrics(ctx context.Context, metrics map[string]float64, step int64) error
	SetTags(ctx context.Context, tags map[string]string) error
	End(ctx context.Context, status Status) error
}

// Options tune Start.
type Options struct {
	RunName string
	Tags    map[string]string
	Now     func() time.Time
	Timeout time.Duration // REST requests
}

// Start opens the store at uri and starts a run in experiment. An empty
// uri selects ./mlruns.
func Start(ctx context.Context, uri, experiment string, opts Options) (Run, error) {
	if experiment == "" {
		experiment = "Default"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.RunName == "" {
		opts.RunName = opts.Now().Format("2006_01_02_15_04_05")
	}
	switch {
	case strings.HasPrefix(uri, "http://"), strings.HasPrefix(uri, "https://"):
		r, err := startREST(ctx, strings.TrimRight(uri, "/"), experiment, opts)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		root := strings.TrimPrefix(uri, "file://")
		root = strings.TrimPrefix(root, "file:")
		if root == "" {
			root = "mlruns"
		}
		r, err := startFile(root, experiment, opts)
		if err != nil {
			return nil, err
		}
		return r, nil
	}
}

func newRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func validKey(key string) error {
	if key == "" || strings.Contains(key, "..") || strings.HasPrefix(key, "/") {
		return fmt.Errorf("invalid key %q", key)
	}
	return nil
}
