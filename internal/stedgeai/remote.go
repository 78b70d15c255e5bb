package stedgeai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/cenkalti/backoff/v5"
	"github.com/mholt/archives"
	"github.com/tidwall/gjson"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/footprint"
)

// Service endpoints, relative to the base URL.
const (
	pathFiles       = "/api/v1/files"
	pathAnalyze     = "/api/v1/analyze"
	pathBenchmark   = "/api/v1/benchmark/"
	pathGenerate    = "/api/v1/generate"
	pathGenerateNBG = "/api/v1/generate-nbg"
	pathVersions    = "/api/v1/versions"
)

// Request describes one compile job.
type Request struct {
	Model        string
	Optimization string
	FromModel    string
	Board        string
	Series       string
	IDE          string
	SplitWeights bool
	TargetInfo   bool
	// Output receives network_report.json or the generated sources.
	Output string
}

type jobSpec struct {
	FileID       string `json:"file_id"`
	Optimization string `json:"optimization,omitempty"`
	FromModel    string `json:"from_model,omitempty"`
	Engine       Engine `json:"engine,omitempty"`
	Cores        int    `json:"cores,omitempty"`
	Series       string `json:"series,omitempty"`
	IDE          string `json:"ide,omitempty"`
	SplitWeights bool   `json:"split_weights,omitempty"`
	TargetInfo   bool   `json:"target_info,omitempty"`
}

var errPending = errors.New("benchmark still running")

// Analyze reports the model footprint without running it.
func (c *Client) Analyze(ctx context.Context, req Request) (*footprint.Report, error) {
	hc, err := c.begin(StateAnalyze)
	if err != nil {
		return nil, err
	}
	defer c.end()

	spec, err := c.prepare(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, hc, "analyze", c.postJSON(ctx, pathAnalyze, spec))
	if err != nil {
		return nil, err
	}
	return saveReport(body, req.Output)
}

// Benchmark runs the model on a hosted board and waits for the result,
// at most BenchmarkTimeout.
func (c *Client) Benchmark(ctx context.Context, req Request) (*footprint.Report, error) {
	if req.Board == "" {
		return nil, fmt.Errorf("benchmark: board required")
	}
	hc, err := c.begin(StateBenchmark)
	if err != nil {
		return nil, err
	}
	defer c.end()

	spec, err := c.prepare(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, hc, "benchmark", c.postJSON(ctx, pathBenchmark+url.PathEscape(req.Board), spec))
	if err != nil {
		return nil, err
	}
	id := gjson.GetBytes(body, "benchmark_id").String()
	if id == "" {
		return nil, errkind.New(errkind.KindRemote, errkind.GenerateFailed, "benchmark: service returned no benchmark_id")
	}
	c.logger.Info(ctx, "benchmark submitted", zap.String("board", req.Board), zap.String("benchmark_id", id))

	done := c.spinner(ctx, "benchmarking on "+req.Board)
	raw, err := c.poll(ctx, hc, id)
	done(err == nil)
	if err != nil {
		return nil, err
	}
	return saveReport(raw, req.Output)
}

func (c *Client) poll(ctx context.Context, hc *http.Client, id string) ([]byte, error) {
	path := pathBenchmark + url.PathEscape(id)
	raw, err := backoff.Retry(ctx, func() ([]byte, error) {
		body, err := c.do(ctx, hc, "benchmark_poll", c.get(ctx, path))
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		status := gjson.ParseBytes(body)
		switch strings.ToLower(status.Get("state").String()) {
		case "done", "completed", "succeeded":
			return []byte(status.Get("report").Raw), nil
		case "error", "failed":
			return nil, backoff.Permanent(errkind.New(errkind.KindRemote, errkind.GenerateFailed,
				"benchmark job failed: "+status.Get("error").String()))
		default:
			return nil, errPending
		}
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.PollInterval)),
		backoff.WithMaxElapsedTime(c.cfg.BenchmarkTimeout),
	)
	if errors.Is(err, errPending) {
		return nil, errkind.New(errkind.KindRemote, errkind.BenchmarkTimeout,
			fmt.Sprintf("benchmark did not finish within %s", c.cfg.BenchmarkTimeout))
	}
	return raw, err
}

// Generate produces the C sources and runtime library for the model and
// extracts them into req.Output. It returns the written files.
func (c *Client) Generate(ctx context.Context, req Request) ([]string, error) {
	if req.Output == "" {
		return nil, fmt.Errorf("generate: output directory required")
	}
	hc, err := c.begin(StateGenerate)
	if err != nil {
		return nil, err
	}
	defer c.end()

	spec, err := c.prepare(ctx, hc, req)
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, hc, "generate", c.postJSON(ctx, pathGenerate, spec))
	if err != nil {
		return nil, errkind.Wrap(errkind.KindRemote, errkind.GenerateFailed, "code generation failed", err)
	}
	files, err := extractZip(ctx, body, req.Output)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindRemote, errkind.GenerateFailed, "unpacking generated sources", err)
	}
	c.logger.Info(ctx, "generated sources", zap.String("output", req.Output), zap.Int("files", len(files)))
	return files, nil
}

// GenerateNBG compiles an MPU model into an .nb file written next to the
// source model.
func (c *Client) GenerateNBG(ctx context.Context, model string) (string, error) {
	hc, err := c.begin(StateGenerate)
	if err != nil {
		return "", err
	}
	defer c.end()

	id, err := c.upload(ctx, hc, model)
	if err != nil {
		return "", err
	}
	body, err := c.do(ctx, hc, "generate_nbg", c.postJSON(ctx, pathGenerateNBG, jobSpec{FileID: id}))
	if err != nil {
		return "", errkind.Wrap(errkind.KindRemote, errkind.GenerateFailed, "optimized model generation failed", err)
	}
	out := strings.TrimSuffix(model, filepath.Ext(model)) + ".nb"
	if err := os.WriteFile(out, body, 0o644); err != nil {
		return "", fmt.Errorf("writing %s: %w", out, err)
	}
	return out, nil
}

// Versions lists the compiler versions the service supports.
func (c *Client) Versions(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	hc, state := c.http, c.state
	c.mu.Unlock()
	if state != StateOpen {
		return nil, fmt.Errorf("versions: session is %s", state)
	}
	body, err := c.do(ctx, hc, "versions", c.get(ctx, pathVersions))
	if err != nil {
		return nil, err
	}
	var out []string
	for _, v := range gjson.ParseBytes(body).Array() {
		out = append(out, v.String())
	}
	return out, nil
}

// prepare uploads the model and builds the job description.
func (c *Client) prepare(ctx context.Context, hc *http.Client, req Request) (jobSpec, error) {
	id, err := c.upload(ctx, hc, req.Model)
	if err != nil {
		return jobSpec{}, err
	}
	spec := jobSpec{
		FileID:       id,
		Optimization: req.Optimization,
		FromModel:    req.FromModel,
		Series:       req.Series,
		IDE:          req.IDE,
		SplitWeights: req.SplitWeights,
		TargetInfo:   req.TargetInfo,
	}
	if config.IsMPUBoard(req.Board) {
		t := MPUOptions(req.Board)
		spec.Engine, spec.Cores = t.Engine, t.Cores
	}
	return spec, nil
}

func (c *Client) upload(ctx context.Context, hc *http.Client, model string) (string, error) {
	data, err := os.ReadFile(model)
	if err != nil {
		return "", errkind.Path(errkind.NotFound, "model_path", model)
	}
	body, err := c.do(ctx, hc, "upload", func() (*http.Request, error) {
		var buf bytes.Buffer
		w := multipart.NewWriter(&buf)
		part, err := w.CreateFormFile("file", filepath.Base(model))
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+pathFiles, &buf)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", w.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return "", err
	}
	id := gjson.GetBytes(body, "file_id").String()
	if id == "" {
		return "", fmt.Errorf("upload: service returned no file_id")
	}
	return id, nil
}

func (c *Client) postJSON(ctx context.Context, path string, v any) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

func (c *Client) get(ctx context.Context, path string) func() (*http.Request, error) {
	return func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path, nil)
	}
}

// spinner shows an indeterminate progress bar until the returned func is
// called.
func (c *Client) spinner(ctx context.Context, name string) func(ok bool) {
	if c.cfg.Progress == nil {
		return func(bool) {}
	}
	p := mpb.NewWithContext(ctx, mpb.WithOutput(c.cfg.Progress), mpb.WithWidth(16))
	bar := p.New(0, mpb.SpinnerStyle(),
		mpb.PrependDecorators(decor.Name(name, decor.WCSyncSpaceR)),
		mpb.AppendDecorators(decor.Elapsed(decor.ET_STYLE_GO)),
	)
	return func(ok bool) {
		if ok {
			bar.SetTotal(-1, true)
		} else {
			bar.Abort(false)
		}
		p.Wait()
	}
}

// saveReport parses a report and, when dir is set, stores it there as
// network_report.json.
func saveReport(raw []byte, dir string) (*footprint.Report, error) {
	report, err := footprint.ParseReport(raw)
	if err != nil {
		return nil, err
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(dir, footprint.ReportFile), raw, 0o644); err != nil {
			return nil, fmt.Errorf("saving report: %w", err)
		}
	}
	return report, nil
}

func extractZip(ctx context.Context, data []byte, dest string) ([]string, error) {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return nil, err
	}
	var files []string
	err := archives.Zip{}.Extract(ctx, bytes.NewReader(data), func(ctx context.Context, f archives.FileInfo) error {
		target, err := safeJoin(dest, f.NameInArchive)
		if err != nil {
			return err
		}
		if f.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		src, err := f.Open()
		if err != nil {
			return err
		}
		defer src.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, src); err != nil {
			out.Close()
			return err
		}
		files = append(files, target)
		return out.Close()
	})
	return files, err
}

func safeJoin(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.FromSlash(name))
	rel, err := filepath.Rel(dir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("archive entry %q escapes %s", name, dir)
	}
	return target, nil
}
