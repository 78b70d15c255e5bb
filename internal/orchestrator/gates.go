package orchestrator

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/fyrsmithlabs/modelzoo/internal/mode"
)

// InputGate verifies that the model a stage consumes exists on disk.
type InputGate struct{}

// NewInputGate creates a new input gate.
func NewInputGate() *InputGate {
	return &InputGate{}
}

// Name returns the gate identifier.
func (g *InputGate) Name() string {
	return "input-gate"
}

// Check resolves the consumed artifact and stats it.
func (g *InputGate) Check(_ context.Context, step mode.Step, state *RunState) ([]Violation, error) {
	kinds := Consumes(step)
	if kinds == nil {
		return nil, nil
	}

	artifact, err := state.Artifacts.Resolve(kinds...)
	if err != nil {
		return []Violation{{
			Type:        ViolationArtifactMissing,
			Stage:       step.Stage,
			Description: err.Error(),
			Severity:    SeverityCritical,
			DetectedAt:  time.Now(),
		}}, nil
	}

	var violations []Violation
	if _, err := os.Stat(artifact.Path); err != nil {
		violations = append(violations, Violation{
			Type:        ViolationArtifactMissing,
			Stage:       step.Stage,
			Description: fmt.Sprintf("%s model %s does not exist", step, artifact.Path),
			Severity:    SeverityCritical,
			DetectedAt:  time.Now(),
		})
	}
	if !slices.Contains(kinds, artifact.Kind) {
		violations = append(violations, Violation{
			Type:        ViolationArtifactKind,
			Stage:       step.Stage,
			Description: fmt.Sprintf("%s expects one of %v, got %s", step, kinds, artifact.Path),
			Severity:    SeverityWarning,
			DetectedAt:  time.Now(),
		})
	}
	return violations, nil
}

// HandoffGate verifies that everything the previous stage produced still
// exists when the next stage starts.
type HandoffGate struct{}

// NewHandoffGate creates a new hand-off gate.
func NewHandoffGate() *HandoffGate {
	return &HandoffGate{}
}

// Name returns the gate identifier.
func (g *HandoffGate) Name() string {
	return "handoff-gate"
}

// Check stats the previous stage's artifacts.
func (g *HandoffGate) Check(_ context.Context, step mode.Step, state *RunState) ([]Violation, error) {
	prev := state.Previous()
	if prev == nil {
		return nil, nil
	}

	var violations []Violation
	for _, a := range prev.Artifacts {
		if _, err := os.Stat(a.Path); err != nil {
			violations = append(violations, Violation{
				Type:        ViolationHandoff,
				Stage:       step.Stage,
				Description: fmt.Sprintf("%s output %s is missing", prev.Step, a.Path),
				Severity:    SeverityCritical,
				DetectedAt:  time.Now(),
			})
		}
	}
	return violations, nil
}
