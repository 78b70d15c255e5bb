// Package lrschedule implements the declarative, epoch-granular learning
// rate schedules that can be attached to a training run.
//
// Every schedule is a pure function of the epoch index. The training stage
// evaluates it once per epoch and hands the resulting table to the
// framework adapter.
package lrschedule

import (
	"math"
)

// Schedule maps an epoch index (0-based) to a learning rate.
type Schedule interface {
	Name() string
	LR(epoch int) float64
}

// Table evaluates s for epochs [0, epochs).
func Table(s Schedule, epochs int) []float64 {
	if epochs <= 0 {
		return nil
	}
	out := make([]float64, epochs)
	for e := range out {
		out[e] = s.LR(e)
	}
	return out
}

// LinearDecay holds InitialLR for HoldSteps epochs, then interpolates
// linearly to EndLR over DecaySteps epochs.
type LinearDecay struct {
	InitialLR  float64
	HoldSteps  int
	DecaySteps int
	EndLR      float64
}

func (LinearDecay) Name() string { return "LRLinearDecay" }

func (s LinearDecay) LR(epoch int) float64 {
	if epoch < s.HoldSteps {
		return s.InitialLR
	}
	t := epoch - s.HoldSteps
	if t >= s.DecaySteps {
		return s.EndLR
	}
	return s.InitialLR + (s.EndLR-s.InitialLR)*float64(t)/float64(s.DecaySteps)
}

// ExponentialDecay holds InitialLR for HoldSteps epochs, then decays it by
// exp(-DecayRate) per epoch. The result never drops below MinLR.
type ExponentialDecay struct {
	InitialLR float64
	HoldSteps int
	DecayRate float64
	MinLR     float64
}

func (ExponentialDecay) Name() string { return "LRExponentialDecay" }

func (s ExponentialDecay) LR(epoch int) float64 {
	if epoch < s.HoldSteps {
		return s.InitialLR
	}
	lr := s.InitialLR * math.Exp(-s.DecayRate*float64(epoch-s.HoldSteps))
	return math.Max(lr, s.MinLR)
}

// StepDecay multiplies InitialLR by DecayRate every StepSize epochs,
// clamped at MinLR.
type StepDecay struct {
	InitialLR float64
	StepSize  int
	DecayRate float64
	MinLR     float64
}

func (StepDecay) Name() string { return "LRStepDecay" }

func (s StepDecay) LR(epoch int) float64 {
	n := math.Floor(float64(1+epoch) / float64(s.StepSize))
	lr := s.InitialLR * math.Pow(s.DecayRate, n)
	return math.Max(lr, s.MinLR)
}

// CosineDecay holds InitialLR, then follows a half cosine to EndLR over
// DecaySteps epochs.
type CosineDecay struct {
	InitialLR  float64
	HoldSteps  int
	DecaySteps int
	EndLR      float64
}

func (CosineDecay) Name() string { return "LRCosineDecay" }

func (s CosineDecay) LR(epoch int) float64 {
	if epoch < s.HoldSteps {
		return s.InitialLR
	}
	return halfCosine(s.InitialLR, s.EndLR, epoch-s.HoldSteps, s.DecaySteps)
}

// WarmupCosineDecay ramps linearly from InitialLR to MaxLR over
// WarmupSteps, holds MaxLR for HoldSteps, then decays to EndLR.
type WarmupCosineDecay struct {
	InitialLR   float64
	WarmupSteps int
	MaxLR       float64
	HoldSteps   int
	DecaySteps  int
	EndLR       float64
}

func (WarmupCosineDecay) Name() string { return "LRWarmupCosineDecay" }

func (s WarmupCosineDecay) LR(epoch int) float64 {
	if epoch < s.WarmupSteps {
		return s.InitialLR + (s.MaxLR-s.InitialLR)*float64(epoch)/float64(s.WarmupSteps)
	}
	epoch -= s.WarmupSteps
	if epoch < s.HoldSteps {
		return s.MaxLR
	}
	return halfCosine(s.MaxLR, s.EndLR, epoch-s.HoldSteps, s.DecaySteps)
}

// CosineDecayRestarts restarts a half cosine at the start of every period.
// Period i (1-based) lasts FirstDecaySteps*TMul^(i-1) epochs and starts at
// InitialLR*MMul^(i-1).
type CosineDecayRestarts struct {
	InitialLR       float64
	FirstDecaySteps int
	TMul            float64
	MMul            float64
	EndLR           float64
}

func (CosineDecayRestarts) Name() string { return "LRCosineDecayRestarts" }

func (s CosineDecayRestarts) LR(epoch int) float64 {
	start, length, peak := s.Period(epoch)
	return halfCosineF(peak, s.EndLR, float64(epoch)-start, length)
}

// Period returns the start epoch, length and peak LR of the period
// containing epoch.
func (s CosineDecayRestarts) Period(epoch int) (start, length, peak float64) {
	length = float64(s.FirstDecaySteps)
	peak = s.InitialLR
	for float64(epoch) >= start+length {
		start += length
		length *= s.TMul
		peak *= s.MMul
	}
	return start, length, peak
}

// PolynomialDecay holds InitialLR, then decays along
// (InitialLR-EndLR)*(1-p)^Power + EndLR, p being the completed fraction
// of the DecaySteps window.
type PolynomialDecay struct {
	InitialLR  float64
	HoldSteps  int
	DecaySteps int
	EndLR      float64
	Power      float64
}

func (PolynomialDecay) Name() string { return "LRPolynomialDecay" }

func (s PolynomialDecay) LR(epoch int) float64 {
	if epoch < s.HoldSteps {
		return s.InitialLR
	}
	p := math.Min(1, float64(epoch-s.HoldSteps)/float64(s.DecaySteps))
	return polynomial(s.InitialLR, s.EndLR, p, s.Power)
}

// PolynomialDecayRestarts is PolynomialDecay restarted every DecaySteps.
type PolynomialDecayRestarts struct {
	InitialLR  float64
	HoldSteps  int
	DecaySteps int
	EndLR      float64
	Power      float64
}

func (PolynomialDecayRestarts) Name() string { return "LRPolynomialDecayRestarts" }

func (s PolynomialDecayRestarts) LR(epoch int) float64 {
	if epoch < s.HoldSteps {
		return s.InitialLR
	}
	t := (epoch - s.HoldSteps) % s.DecaySteps
	return polynomial(s.InitialLR, s.EndLR, float64(t)/float64(s.DecaySteps), s.Power)
}

// PiecewiseConstantDecay returns Values[i] for epochs in
// [Boundaries[i-1], Boundaries[i]), with implicit -inf and +inf ends.
type PiecewiseConstantDecay struct {
	Boundaries []float64
	Values     []float64
}

func (PiecewiseConstantDecay) Name() string { return "LRPiecewiseConstantDecay" }

func (s PiecewiseConstantDecay) LR(epoch int) float64 {
	for i, b := range s.Boundaries {
		if float64(epoch) < b {
			return s.Values[i]
		}
	}
	return s.Values[len(s.Values)-1]
}

func halfCosine(from, to float64, t, steps int) float64 {
	return halfCosineF(from, to, float64(t), float64(steps))
}

func halfCosineF(from, to, t, steps float64) float64 {
	if t >= steps {
		return to
	}
	return to + (from-to)*0.5*(1+math.Cos(math.Pi*t/steps))
}

func polynomial(from, to, p, power float64) float64 {
	return (from-to)*math.Pow(1-p, power) + to
}
