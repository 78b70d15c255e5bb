package lrschedule

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
)

// Framework callbacks that also drive the learning rate.
const (
	ReduceLROnPlateau     = "ReduceLROnPlateau"
	LearningRateScheduler = "LearningRateScheduler"
)

type builder func(p params) (Schedule, error)

var builders = map[string]builder{
	"LRLinearDecay": func(p params) (Schedule, error) {
		s := LinearDecay{
			InitialLR:  p.float("initial_lr", -1),
			HoldSteps:  p.integer("hold_steps", 0),
			DecaySteps: p.integer("decay_steps", -1),
			EndLR:      p.float("end_lr", 0),
		}
		return s, p.err(positive("initial_lr", s.InitialLR), positiveInt("decay_steps", s.DecaySteps))
	},
	"LRExponentialDecay": func(p params) (Schedule, error) {
		s := ExponentialDecay{
			InitialLR: p.float("initial_lr", -1),
			HoldSteps: p.integer("hold_steps", 0),
			DecayRate: p.float("decay_rate", -1),
			MinLR:     p.float("min_lr", 0),
		}
		return s, p.err(positive("initial_lr", s.InitialLR), positive("decay_rate", s.DecayRate))
	},
	"LRStepDecay": func(p params) (Schedule, error) {
		s := StepDecay{
			InitialLR: p.float("initial_lr", -1),
			StepSize:  p.integer("step_size", -1),
			DecayRate: p.float("decay_rate", -1),
			MinLR:     p.float("min_lr", 0),
		}
		return s, p.err(positive("initial_lr", s.InitialLR), positiveInt("step_size", s.StepSize),
			unitInterval("decay_rate", s.DecayRate))
	},
	"LRCosineDecay": func(p params) (Schedule, error) {
		s := CosineDecay{
			InitialLR:  p.float("initial_lr", -1),
			HoldSteps:  p.integer("hold_steps", 0),
			DecaySteps: p.integer("decay_steps", -1),
			EndLR:      p.float("end_lr", 0),
		}
		return s, p.err(positive("initial_lr", s.InitialLR), positiveInt("decay_steps", s.DecaySteps))
	},
	"LRWarmupCosineDecay": func(p params) (Schedule, error) {
		s := WarmupCosineDecay{
			InitialLR:   p.float("initial_lr", 0),
			WarmupSteps: p.integer("warmup_steps", -1),
			MaxLR:       p.float("max_lr", -1),
			HoldSteps:   p.integer("hold_steps", 0),
			DecaySteps:  p.integer("decay_steps", -1),
			EndLR:       p.float("end_lr", 0),
		}
		return s, p.err(positiveInt("warmup_steps", s.WarmupSteps), positive("max_lr", s.MaxLR),
			positiveInt("decay_steps", s.DecaySteps))
	},
	"LRCosineDecayRestarts": func(p params) (Schedule, error) {
		s := CosineDecayRestarts{
			InitialLR:       p.float("initial_lr", -1),
			FirstDecaySteps: p.integer("first_decay_steps", -1),
			TMul:            p.float("t_mul", 2),
			MMul:            p.float("m_mul", 1),
			EndLR:           p.float("end_lr", 0),
		}
		var tmul error
		if s.TMul < 1 {
			tmul = fmt.Errorf("t_mul must be >= 1, got %v", s.TMul)
		}
		return s, p.err(positive("initial_lr", s.InitialLR), positiveInt("first_decay_steps", s.FirstDecaySteps),
			tmul, positive("m_mul", s.MMul))
	},
	"LRPolynomialDecay": func(p params) (Schedule, error) {
		s := PolynomialDecay{
			InitialLR:  p.float("initial_lr", -1),
			HoldSteps:  p.integer("hold_steps", 0),
			DecaySteps: p.integer("decay_steps", -1),
			EndLR:      p.float("end_lr", 0),
			Power:      p.float("power", 1),
		}
		return s, p.err(positive("initial_lr", s.InitialLR), positiveInt("decay_steps", s.DecaySteps))
	},
	"LRPolynomialDecayRestarts": func(p params) (Schedule, error) {
		s := PolynomialDecayRestarts{
			InitialLR:  p.float("initial_lr", -1),
			HoldSteps:  p.integer("hold_steps", 0),
			DecaySteps: p.integer("decay_steps", -1),
			EndLR:      p.float("end_lr", 0),
			Power:      p.float("power", 1),
		}
		return s, p.err(positive("initial_lr", s.InitialLR), positiveInt("decay_steps", s.DecaySteps))
	},
	"LRPiecewiseConstantDecay": func(p params) (Schedule, error) {
		s := PiecewiseConstantDecay{
			Boundaries: p.floats("boundaries"),
			Values:     p.floats("values"),
		}
		var lengths error
		if len(s.Values) != len(s.Boundaries)+1 {
			lengths = fmt.Errorf("expected %d values for %d boundaries, got %d",
				len(s.Boundaries)+1, len(s.Boundaries), len(s.Values))
		}
		var order error
		for i := 1; i < len(s.Boundaries); i++ {
			if s.Boundaries[i] <= s.Boundaries[i-1] {
				order = fmt.Errorf("boundaries must be strictly increasing")
				break
			}
		}
		return s, p.err(lengths, order)
	},
}

// Names lists the supported schedule callbacks.
func Names() []string {
	out := make([]string, 0, len(builders))
	for n := range builders {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsLRCallback reports whether a training callback drives the learning rate.
func IsLRCallback(name string) bool {
	_, ok := builders[name]
	return ok || name == ReduceLROnPlateau || name == LearningRateScheduler
}

// FromCallbacks picks the schedule declared in training.callbacks. At most
// one learning-rate callback may be configured. It returns a nil Schedule
// when none of the declarative shapes is used; framework callbacks such as
// ReduceLROnPlateau are left to the adapter.
func FromCallbacks(callbacks map[string]any) (Schedule, error) {
	var lr []string
	for name := range callbacks {
		if IsLRCallback(name) {
			lr = append(lr, name)
		}
	}
	sort.Strings(lr)
	if len(lr) > 1 {
		return nil, errkind.Config(errkind.MutuallyExclusive, "training.callbacks", strings.Join(lr, ", "),
			"only one learning rate callback may be used",
			"Please keep a single learning rate schedule or ReduceLROnPlateau/LearningRateScheduler")
	}
	if len(lr) == 0 {
		return nil, nil
	}
	build, ok := builders[lr[0]]
	if !ok {
		return nil, nil
	}
	args, _ := callbacks[lr[0]].(map[string]any)
	return build(params{section: "training.callbacks." + lr[0], args: args})
}

// Build constructs a named schedule from its arguments.
func Build(name string, args map[string]any) (Schedule, error) {
	build, ok := builders[name]
	if !ok {
		return nil, errkind.Config(errkind.BadEnum, "training.callbacks", name,
			"unknown learning rate schedule", "Supported schedules are: "+strings.Join(Names(), ", "))
	}
	return build(params{section: "training.callbacks." + name, args: args})
}

// params reads schedule arguments, recording the first conversion failure.
type params struct {
	section string
	args    map[string]any
	bad     error
}

func (p *params) float(name string, def float64) float64 {
	v, ok := p.args[name]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	}
	if p.bad == nil {
		p.bad = errkind.Config(errkind.BadType, p.section, name,
			fmt.Sprintf("expected a number, got %v", v), "Please use a numeric value")
	}
	return def
}

func (p *params) integer(name string, def int) int {
	f := p.float(name, float64(def))
	return int(f)
}

func (p *params) floats(name string) []float64 {
	v, ok := p.args[name]
	if !ok || v == nil {
		return nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		if p.bad == nil {
			p.bad = errkind.Config(errkind.BadType, p.section, name,
				fmt.Sprintf("expected a list, got %v", v), "Please use a YAML list of numbers")
		}
		return nil
	}
	out := make([]float64, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		sub := params{section: p.section, args: map[string]any{name: rv.Index(i).Interface()}}
		out = append(out, sub.float(name, 0))
		if sub.bad != nil && p.bad == nil {
			p.bad = sub.bad
		}
	}
	return out
}

// err returns the first failure among type conversion and value checks.
func (p *params) err(checks ...error) error {
	if p.bad != nil {
		return p.bad
	}
	for _, c := range checks {
		if c != nil {
			return errkind.Config(errkind.OutOfRange, p.section, "", c.Error(),
				"Please check the schedule arguments")
		}
	}
	return nil
}

func positive(name string, v float64) error {
	if v <= 0 {
		return fmt.Errorf("%s must be set to a positive value", name)
	}
	return nil
}

func positiveInt(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be set to a positive integer", name)
	}
	return nil
}

func unitInterval(name string, v float64) error {
	if v <= 0 || v > 1 {
		return fmt.Errorf("%s must be in (0, 1]", name)
	}
	return nil
}
