// Package mode maps operation_mode tokens to mode groups, required
// configuration sections and the ordered stage sequence a run executes.
package mode

import (
	"fmt"
	"sort"
	"strings"
)

// Mode is an operation_mode token.
type Mode string

const (
	Training     Mode = "training"
	Evaluation   Mode = "evaluation"
	Prediction   Mode = "prediction"
	Quantization Mode = "quantization"
	Benchmarking Mode = "benchmarking"
	Deployment   Mode = "deployment"
	ChainTBQEB   Mode = "chain_tbqeb"
	ChainTQE     Mode = "chain_tqe"
	ChainEQE     Mode = "chain_eqe"
	ChainQB      Mode = "chain_qb"
	ChainEQEB    Mode = "chain_eqeb"
	ChainQD      Mode = "chain_qd"
	ChainTQEB    Mode = "chain_tqeb"
	ChainTB      Mode = "chain_tb"
)

// All returns every supported token in declaration order.
func All() []Mode {
	return []Mode{
		Training, Evaluation, Prediction, Quantization, Benchmarking, Deployment,
		ChainTBQEB, ChainTQE, ChainEQE, ChainQB, ChainEQEB, ChainQD, ChainTQEB, ChainTB,
	}
}

// Parse validates a token.
func Parse(s string) (Mode, error) {
	m := Mode(strings.TrimSpace(s))
	for _, known := range All() {
		if m == known {
			return m, nil
		}
	}
	names := make([]string, 0, len(All()))
	for _, known := range All() {
		names = append(names, string(known))
	}
	return "", fmt.Errorf("unknown operation_mode %q, expected one of: %s", s, strings.Join(names, ", "))
}

// Group is a named set of modes sharing configuration requirements.
type Group string

const (
	GroupTraining     Group = "training"
	GroupEvaluation   Group = "evaluation"
	GroupQuantization Group = "quantization"
	GroupBenchmarking Group = "benchmarking"
	GroupDeployment   Group = "deployment"
)

var groups = map[Group][]Mode{
	GroupTraining:     {Training, ChainTBQEB, ChainTQE, ChainTQEB, ChainTB},
	GroupEvaluation:   {Evaluation, ChainTBQEB, ChainTQE, ChainEQE, ChainEQEB, ChainTQEB},
	GroupQuantization: {Quantization, ChainTBQEB, ChainTQE, ChainEQE, ChainQB, ChainEQEB, ChainQD, ChainTQEB},
	GroupBenchmarking: {Benchmarking, ChainTBQEB, ChainQB, ChainEQEB, ChainTQEB},
	GroupDeployment:   {Deployment, ChainQD},
}

// In reports whether m belongs to g.
func (m Mode) In(g Group) bool {
	for _, member := range groups[g] {
		if member == m {
			return true
		}
	}
	return false
}

// Groups returns the groups m belongs to, sorted by name.
func (m Mode) Groups() []Group {
	var out []Group
	for g := range groups {
		if m.In(g) {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Members returns the modes of a group.
func Members(g Group) []Mode {
	return append([]Mode(nil), groups[g]...)
}

// IsChain reports whether the token names more than one stage.
func (m Mode) IsChain() bool {
	return strings.HasPrefix(string(m), "chain_")
}

// WeightsOnly reports modes that only operate on model weights and never
// need class names: quantization, benchmarking and their chains.
func (m Mode) WeightsOnly() bool {
	switch m {
	case Quantization, Benchmarking, ChainQB:
		return true
	}
	return false
}

// RandomCalibrationCapable reports modes that run without any dataset:
// benchmark, deploy and quantization that may fall back to fake
// calibration data.
func (m Mode) RandomCalibrationCapable() bool {
	switch m {
	case Quantization, Benchmarking, Deployment, ChainQB, ChainQD:
		return true
	}
	return false
}
