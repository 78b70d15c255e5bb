// Package framework is the narrow interface between the pipeline and the
// external ML framework that builds, trains, evaluates and quantizes
// models. The pipeline never touches tensors; it hands the framework a
// Request describing one stage and reads back a Response.
package framework

import (
	"context"
)

// Framework runs the model-level work of a stage.
type Framework interface {
	Preprocess(ctx context.Context, req *Request) (*Response, error)
	Train(ctx context.Context, req *Request) (*Response, error)
	Evaluate(ctx context.Context, req *Request) (*Response, error)
	Quantize(ctx context.Context, req *Request) (*Response, error)
	Predict(ctx context.Context, req *Request) (*Response, error)
}

// Op names a Framework method on the wire.
type Op string

const (
	OpPreprocess Op = "preprocess"
	OpTrain      Op = "train"
	OpEvaluate   Op = "evaluate"
	OpQuantize   Op = "quantize"
	OpPredict    Op = "predict"
)

// Dataset locates one split for the framework. Manifest, when set, lists
// the exact samples to use and takes precedence over the roots.
type Dataset struct {
	Images   string `json:"images,omitempty"`
	Labels   string `json:"labels,omitempty"`
	IDList   string `json:"id_list,omitempty"`
	Manifest string `json:"manifest,omitempty"`
}

// Request describes one stage invocation.
type Request struct {
	UseCase string `json:"use_case"`
	// ConfigFile is the resolved configuration written to the run directory.
	ConfigFile string `json:"config_file"`
	OutputDir  string `json:"output_dir"`
	Seed       int64  `json:"seed"`

	// Model is the input model, if the stage reads one.
	Model     string `json:"model,omitempty"`
	Precision string `json:"precision,omitempty"`

	Datasets        map[string]Dataset `json:"datasets,omitempty"`
	ClassNames      []string           `json:"class_names,omitempty"`
	FakeCalibration bool               `json:"fake_calibration,omitempty"`

	// LearningRates is the per-epoch schedule when training uses a
	// declarative LR callback.
	LearningRates []float64 `json:"learning_rates,omitempty"`
	Quantizer     string    `json:"quantizer,omitempty"`

	GPUMemoryLimit   float64 `json:"gpu_memory_limit,omitempty"`
	DeterministicOps bool    `json:"deterministic_ops,omitempty"`
}

// Response is what a stage produced.
type Response struct {
	// Model is the produced model file, if any.
	Model       string   `json:"model,omitempty"`
	Checkpoints []string `json:"checkpoints,omitempty"`
	InputShape  []int    `json:"input_shape,omitempty"`
	Scale       float64  `json:"scale,omitempty"`
	ZeroPoint   int      `json:"zero_point,omitempty"`

	Metrics map[string]float64 `json:"metrics,omitempty"`

	// Patch-level outputs of audio and time-series evaluation, aggregated
	// per clip by the pipeline.
	Patches [][]float64 `json:"patches,omitempty"`
	Labels  [][]float64 `json:"labels,omitempty"`
	ClipIDs []int       `json:"clip_ids,omitempty"`

	Outputs []string `json:"outputs,omitempty"`

	// Interrupted is set when training stopped on a keyboard interrupt
	// after saving its history and best checkpoint.
	Interrupted bool `json:"interrupted,omitempty"`
}
