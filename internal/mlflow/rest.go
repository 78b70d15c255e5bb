package mlflow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	apiPrefix          = "/api/2.0/mlflow"
	defaultRESTTimeout = 30 * time.Second
	maxRESTTries       = 3
)

type keyValue struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

type metricValue struct {
	Key       string  `json:"key"`
	Value     float64 `json:"value"`
	Timestamp int64   `json:"timestamp"`
	Step      int64   `json:"step"`
}

type restRun struct {
	base string
	hc   *http.Client
	id   string
	now  func() time.Time
}

// apiError is an MLflow error body.
type apiError struct {
	Status  int
	Code    string `json:"error_code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("tracking server error (%d)", e.Status)
	}
	return fmt.Sprintf("tracking server error (%d) %s: %s", e.Status, e.Code, e.Message)
}

func startREST(ctx context.Context, base, experiment string, opts Options) (*restRun, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultRESTTimeout
	}
	r := &restRun{base: base, hc: &http.Client{Timeout: timeout}, now: opts.Now}

	expID, err := r.experimentID(ctx, experiment)
	if err != nil {
		return nil, err
	}

	tags := []keyValue{{Key: TagRunName, Value: opts.RunName}}
	for _, k := range sortedKeys(opts.Tags) {
		tags = append(tags, keyValue{Key: k, Value: opts.Tags[k]})
	}
	var created struct {
		Run struct {
			Info struct {
				RunID string `json:"run_id"`
			} `json:"info"`
		} `json:"run"`
	}
	err = r.call(ctx, http.MethodPost, "/runs/create", map[string]any{
		"experiment_id": expID,
		"start_time":    millis(r.now()),
		"run_name":      opts.RunName,
		"tags":          tags,
	}, &created)
	if err != nil {
		return nil, fmt.Errorf("creating run: %w", err)
	}
	if created.Run.Info.RunID == "" {
		return nil, errors.New("creating run: empty run id in response")
	}
	r.id = created.Run.Info.RunID
	return r, nil
}

func (r *restRun) experimentID(ctx context.Context, name string) (string, error) {
	var found struct {
		Experiment struct {
			ID string `json:"experiment_id"`
		} `json:"experiment"`
	}
	err := r.call(ctx, http.MethodGet, "/experiments/get-by-name?experiment_name="+url.QueryEscape(name), nil, &found)
	if err == nil {
		return found.Experiment.ID, nil
	}
	var ae *apiError
	if !errors.As(err, &ae) || ae.Code != "RESOURCE_DOES_NOT_EXIST" {
		return "", fmt.Errorf("looking up experiment %q: %w", name, err)
	}

	var created struct {
		ID string `json:"experiment_id"`
	}
	if err := r.call(ctx, http.MethodPost, "/experiments/create", map[string]string{"name": name}, &created); err != nil {
		return "", fmt.Errorf("creating experiment %q: %w", name, err)
	}
	return created.ID, nil
}

func (r *restRun) ID() string { return r.id }

func (r *restRun) LogParams(ctx context.Context, params map[string]string) error {
	batch := make([]keyValue, 0, len(params))
	for _, k := range sortedKeys(params) {
		batch = append(batch, keyValue{Key: k, Value: params[k]})
	}
	return r.logBatch(ctx, map[string]any{"params": batch})
}

func (r *restRun) LogMetrics(ctx context.Context, metrics map[string]float64, step int64) error {
	ts := millis(r.now())
	batch := make([]metricValue, 0, len(metrics))
	for _, k := range sortedKeys(metrics) {
		batch = append(batch, metricValue{Key: k, Value: metrics[k], Timestamp: ts, Step: step})
	}
	return r.logBatch(ctx, map[string]any{"metrics": batch})
}

func (r *restRun) SetTags(ctx context.Context, tags map[string]string) error {
	batch := make([]keyValue, 0, len(tags))
	for _, k := range sortedKeys(tags) {
		batch = append(batch, keyValue{Key: k, Value: tags[k]})
	}
	return r.logBatch(ctx, map[string]any{"tags": batch})
}

func (r *restRun) End(ctx context.Context, status Status) error {
	return r.call(ctx, http.MethodPost, "/runs/update", map[string]any{
		"run_id":   r.id,
		"status":   string(status),
		"end_time": millis(r.now()),
	}, nil)
}

func (r *restRun) logBatch(ctx context.Context, body map[string]any) error {
	body["run_id"] = r.id
	if err := r.call(ctx, http.MethodPost, "/runs/log-batch", body, nil); err != nil {
		return fmt.Errorf("logging batch: %w", err)
	}
	return nil
}

// call sends one API request, retrying transport errors and 5xx.
func (r *restRun) call(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		if payload, err = json.Marshal(in); err != nil {
			return err
		}
	}

	op := func() ([]byte, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, r.base+apiPrefix+path, body)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := r.hc.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return data, nil
		}
		ae := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, ae)
		if ae.Code == "" && ae.Message == "" {
			ae.Message = strings.TrimSpace(string(data))
		}
		if resp.StatusCode >= 500 {
			return nil, ae
		}
		return nil, backoff.Permanent(ae)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	data, err := backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(maxRESTTries))
	if err != nil {
		return err
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
