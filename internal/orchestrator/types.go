package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/modelzoo/internal/mode"
)

// StageStatus represents the completion status of a stage.
type StageStatus string

const (
	StatusPending    StageStatus = "pending"
	StatusInProgress StageStatus = "in_progress"
	StatusCompleted  StageStatus = "completed"
	StatusFailed     StageStatus = "failed"
	StatusSkipped    StageStatus = "skipped"
	// StatusWarned is a stage that failed in a way the chain tolerates.
	StatusWarned StageStatus = "warned"
)

// ArtifactKind is the model format carried by an artifact.
type ArtifactKind string

const (
	KindH5     ArtifactKind = "h5"
	KindTFLite ArtifactKind = "tflite"
	KindONNX   ArtifactKind = "onnx"
)

// KindOf infers the kind from the file extension. ok is false for
// unknown extensions.
func KindOf(path string) (ArtifactKind, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".h5", ".keras":
		return KindH5, true
	case ".tflite":
		return KindTFLite, true
	case ".onnx":
		return KindONNX, true
	}
	return "", false
}

// Artifact is a model file produced by a stage.
type Artifact struct {
	Kind  ArtifactKind `json:"kind"`
	Path  string       `json:"path"`
	Stage mode.Stage   `json:"stage"`
	// Input shape and quantization parameters when the producer knows them.
	InputShape []int   `json:"input_shape,omitempty"`
	Scale      float64 `json:"scale,omitempty"`
	ZeroPoint  int     `json:"zero_point,omitempty"`
}

// StageResult captures the outcome of a stage.
type StageResult struct {
	Step        mode.Step          `json:"step"`
	Status      StageStatus        `json:"status"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
	Output      string             `json:"output,omitempty"`
	Error       string             `json:"error,omitempty"`
	Artifacts   []Artifact         `json:"artifacts,omitempty"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
	// Interrupted is set by stages that consumed an interrupt and still
	// completed.
	Interrupted bool `json:"interrupted,omitempty"`
}

// RunConfig configures one pipeline run.
type RunConfig struct {
	ID        string    `json:"id"`
	UseCase   string    `json:"use_case"`
	Mode      mode.Mode `json:"mode"`
	OutputDir string    `json:"output_dir"`

	// ModelPath is general.model_path, the fallback input of every stage
	// that consumes a model.
	ModelPath string `json:"model_path,omitempty"`

	Steps []mode.Step `json:"steps"`
}

// Violation is a failed gate condition.
type Violation struct {
	Type        ViolationType `json:"type"`
	Stage       mode.Stage    `json:"stage"`
	Description string        `json:"description"`
	Severity    Severity      `json:"severity"`
	DetectedAt  time.Time     `json:"detected_at"`
}

// ViolationType categorizes gate violations.
type ViolationType string

const (
	ViolationArtifactMissing ViolationType = "artifact_missing"
	ViolationArtifactKind    ViolationType = "artifact_kind"
	ViolationHandoff         ViolationType = "handoff"
)

// Severity indicates how serious a violation is.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// RunState is the complete state of a run.
type RunState struct {
	Config     RunConfig      `json:"config"`
	Current    int            `json:"current"`
	Results    []*StageResult `json:"results"`
	Violations []Violation    `json:"violations"`
	StartedAt  time.Time      `json:"started_at"`
	Status     StageStatus    `json:"status"`

	Artifacts *Store `json:"-"`
}

// NewRunState creates the state for config.
func NewRunState(config RunConfig) *RunState {
	return &RunState{
		Config:     config,
		Results:    make([]*StageResult, 0, len(config.Steps)),
		Violations: []Violation{},
		StartedAt:  time.Now(),
		Status:     StatusPending,
		Artifacts:  NewStore(config.ModelPath),
	}
}

// Step returns the step currently executing.
func (s *RunState) Step() mode.Step {
	if s.Current < 0 || s.Current >= len(s.Config.Steps) {
		return mode.Step{}
	}
	return s.Config.Steps[s.Current]
}

// Previous returns the result of the last stage that ran, or nil.
func (s *RunState) Previous() *StageResult {
	if len(s.Results) == 0 {
		return nil
	}
	return s.Results[len(s.Results)-1]
}

// Gate checks conditions before a stage runs.
type Gate interface {
	Name() string
	Check(ctx context.Context, step mode.Step, state *RunState) ([]Violation, error)
}

// StageHandler executes the work of one stage.
type StageHandler interface {
	Stage() mode.Stage
	Execute(ctx context.Context, step mode.Step, state *RunState) (*StageResult, error)
}

// Skipper is implemented by handlers of optional steps. Skip reports
// whether an optional step has nothing to do.
type Skipper interface {
	Skip(state *RunState) bool
}

// InterruptConsumer is implemented by handlers that handle an interrupt
// themselves and let the chain continue.
type InterruptConsumer interface {
	ConsumesInterrupt() bool
}

// Recorder mirrors stage outcomes to the run tracker.
type Recorder interface {
	RecordStage(ctx context.Context, state *RunState, result *StageResult) error
	RecordViolation(ctx context.Context, violation Violation) error
}
