package orchestrator

import (
	"fmt"
	"slices"
	"sync"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/mode"
)

// Store records the artifacts produced during a run in production order.
type Store struct {
	mu       sync.Mutex
	fallback string
	items    []Artifact
}

// NewStore creates a store whose fallback model is fallback
// (general.model_path, may be empty).
func NewStore(fallback string) *Store {
	return &Store{fallback: fallback}
}

// Add records produced artifacts.
func (s *Store) Add(artifacts ...Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, artifacts...)
}

// All returns a copy of every recorded artifact.
func (s *Store) All() []Artifact {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

// Latest returns the most recently produced artifact of one of kinds.
// No kinds matches any artifact.
func (s *Store) Latest(kinds ...ArtifactKind) (Artifact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.items) - 1; i >= 0; i-- {
		if len(kinds) == 0 || slices.Contains(kinds, s.items[i].Kind) {
			return s.items[i], true
		}
	}
	return Artifact{}, false
}

// Resolve threads the most recently produced artifact of kinds to the
// caller, falling back to general.model_path. The fallback is returned
// whatever its kind; callers that need a specific format check Kind.
func (s *Store) Resolve(kinds ...ArtifactKind) (Artifact, error) {
	if a, ok := s.Latest(kinds...); ok {
		return a, nil
	}
	if s.fallback == "" {
		return Artifact{}, &errkind.Error{
			Kind:      errkind.KindStage,
			Code:      errkind.ArtifactMissing,
			Section:   "general",
			Attribute: "model_path",
			Msg:       fmt.Sprintf("no %v model was produced by an earlier stage", kinds),
			Hint:      "Set general.model_path",
		}
	}
	kind, _ := KindOf(s.fallback)
	return Artifact{Kind: kind, Path: s.fallback}, nil
}

// Consumes lists the model kinds step reads. Nil means the stage reads no
// model.
func Consumes(step mode.Step) []ArtifactKind {
	switch step.Stage {
	case mode.StageQuantize:
		return []ArtifactKind{KindH5, KindONNX}
	case mode.StageEvaluate:
		switch step.Precision {
		case mode.PrecisionFloat:
			return []ArtifactKind{KindH5}
		case mode.PrecisionQuantized:
			return []ArtifactKind{KindTFLite, KindONNX}
		}
		return []ArtifactKind{KindH5, KindTFLite, KindONNX}
	case mode.StageBenchmark, mode.StagePredict:
		return []ArtifactKind{KindH5, KindTFLite, KindONNX}
	case mode.StageDeploy:
		return []ArtifactKind{KindTFLite, KindONNX}
	}
	return nil
}
