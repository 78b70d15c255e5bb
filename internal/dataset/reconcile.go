package dataset

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/mode"
)

// FakeCalibrationWarning is emitted when quantization runs without data.
const FakeCalibrationWarning = "no quantization or training set is configured, quantizing with fake calibration data: model performance will not be accurate"

// Source is one dataset split as configured, or derived from another one.
type Source struct {
	Split config.Split
	// Images is the images (or audio, or samples file) root.
	Images string
	// Labels is the labels root or CSV file, if the use case has one.
	Labels string
	// IDList lists sample ids, if the use case has one.
	IDList string
	// From is set when the split is carved out of another split.
	From config.Split
	// Fraction is the share of From taken by a derived split.
	Fraction float64
}

// Derived reports whether the split comes out of another one.
func (s *Source) Derived() bool {
	return s != nil && s.From != ""
}

func (s *Source) String() string {
	if s == nil {
		return "<none>"
	}
	if s.Derived() {
		return fmt.Sprintf("%s (%.0f%% of %s)", s.Split, s.Fraction*100, s.From)
	}
	return fmt.Sprintf("%s (%s)", s.Split, s.Images)
}

// Plan is the reconciled dataset usage of a run.
type Plan struct {
	UseCase config.UseCase
	Mode    mode.Mode
	Seed    int64

	Training     *Source
	Validation   *Source
	Test         *Source
	Evaluation   *Source
	Quantization *Source

	// FakeCalibration is set when quantization has no data to calibrate on.
	FakeCalibration bool
	// QuantizationSplit is the share of the quantization set to use; 0 means all.
	QuantizationSplit float64

	ClassNames []string
	// ClassesInferred is set when ClassNames were read from the data.
	ClassesInferred bool

	// Warnings are user-facing notes to log at [WARN] level.
	Warnings []string
}

// Empty reports whether the run reads no dataset at all.
func (p *Plan) Empty() bool {
	return p.Training == nil && p.Validation == nil && p.Test == nil && p.Quantization == nil
}

// Reconcile decides which configured splits each stage of cfg.Mode reads.
func Reconcile(cfg *config.Config) (*Plan, error) {
	layout := cfg.UseCase.Layout()
	m := cfg.Mode
	p := &Plan{
		UseCase:           cfg.UseCase,
		Mode:              m,
		Seed:              cfg.Dataset.Seed,
		QuantizationSplit: cfg.Dataset.QuantizationSplit,
		ClassNames:        append([]string(nil), cfg.Dataset.ClassNames...),
	}
	if p.Seed == 0 {
		p.Seed = cfg.General.GlobalSeed
	}

	if err := checkConfiguredPaths(cfg, layout); err != nil {
		return nil, err
	}
	if cfg.Dataset.CheckImageFiles && mode.NeedsDataset(m) {
		for _, key := range layout.Keys() {
			if path := cfg.Dataset.Path(key); path != "" && layout.Kinds[key] == config.PathDir {
				if err := CheckImageFiles(path); err != nil {
					return nil, err
				}
			}
		}
	}

	configured := map[config.Split]*Source{}
	for _, split := range []config.Split{config.SplitTraining, config.SplitValidation, config.SplitTest, config.SplitQuantization} {
		src, err := configuredSource(cfg, layout, split)
		if err != nil {
			return nil, err
		}
		if src != nil {
			configured[split] = src
		}
	}

	needsTraining := m.In(mode.GroupTraining)
	needsEvaluation := m.In(mode.GroupEvaluation)
	needsQuantization := m.In(mode.GroupQuantization)

	if needsTraining {
		if configured[config.SplitTraining] == nil {
			key := layout.Splits[config.SplitTraining].Images
			return nil, errkind.Config(errkind.MissingAttr, "dataset", key,
				fmt.Sprintf("a training set is required in mode %s", m),
				fmt.Sprintf("Please set dataset.%s", key))
		}
		p.Training = configured[config.SplitTraining]
	}

	if needsTraining || needsEvaluation {
		p.Validation = configured[config.SplitValidation]
		if p.Validation == nil && configured[config.SplitTraining] != nil && hasSplit(layout, config.SplitValidation) {
			split := cfg.Dataset.ValidationSplit
			if split == 0 {
				split = config.DefaultValidationSplit
			}
			p.Validation = &Source{Split: config.SplitValidation, From: config.SplitTraining, Fraction: split}
			if p.Training == nil {
				p.Training = configured[config.SplitTraining]
			}
		}
		p.Test = configured[config.SplitTest]
	}

	if needsEvaluation {
		switch {
		case p.Test != nil:
			p.Evaluation = p.Test
		case p.Validation != nil:
			p.Evaluation = p.Validation
		case configured[config.SplitTraining] != nil:
			p.Evaluation = configured[config.SplitTraining]
		default:
			keys := make([]string, 0, 3)
			for _, s := range []config.Split{config.SplitTest, config.SplitValidation, config.SplitTraining} {
				if k := layout.Splits[s].Images; k != "" {
					keys = append(keys, k)
				}
			}
			return nil, errkind.Config(errkind.MissingAttr, "dataset", strings.Join(keys, "|"),
				fmt.Sprintf("an evaluation set is required in mode %s", m),
				fmt.Sprintf("Please set one of dataset.%s", strings.Join(keys, ", dataset.")))
		}
	}

	if needsQuantization {
		switch {
		case configured[config.SplitQuantization] != nil:
			p.Quantization = configured[config.SplitQuantization]
		case configured[config.SplitTraining] != nil:
			p.Quantization = configured[config.SplitTraining]
		default:
			p.FakeCalibration = true
			p.Warnings = append(p.Warnings, FakeCalibrationWarning)
		}
	}

	if err := resolveClassNames(p, cfg, layout); err != nil {
		return nil, err
	}
	return p, nil
}

func hasSplit(layout config.DatasetLayout, split config.Split) bool {
	_, ok := layout.Splits[split]
	return ok
}

// configuredSource returns the split as configured, nil when its images
// key is unset. A split whose companion keys are partially set is an error.
func configuredSource(cfg *config.Config, layout config.DatasetLayout, split config.Split) (*Source, error) {
	keys, ok := layout.Splits[split]
	if !ok {
		return nil, nil
	}
	src := &Source{
		Split:  split,
		Images: cfg.Dataset.Path(keys.Images),
		Labels: cfg.Dataset.Path(keys.Labels),
		IDList: cfg.Dataset.Path(keys.IDList),
	}
	if src.Images == "" && src.Labels == "" && src.IDList == "" {
		return nil, nil
	}
	for _, k := range []struct{ key, value string }{
		{keys.Images, src.Images}, {keys.Labels, src.Labels}, {keys.IDList, src.IDList},
	} {
		if k.key != "" && k.value == "" {
			return nil, errkind.Config(errkind.MissingAttr, "dataset", k.key,
				fmt.Sprintf("the %s split is incomplete", split),
				fmt.Sprintf("Please set dataset.%s together with the other %s attributes", k.key, split))
		}
	}
	return src, nil
}

// checkConfiguredPaths verifies every configured dataset path on disk.
func checkConfiguredPaths(cfg *config.Config, layout config.DatasetLayout) error {
	for _, key := range layout.Keys() {
		path := cfg.Dataset.Path(key)
		if path == "" {
			continue
		}
		if err := config.CheckPath("dataset."+key, path, layout.Kinds[key]); err != nil {
			return err
		}
	}
	return nil
}

// resolveClassNames infers class names when a run reads a labelled dataset
// and none were configured.
func resolveClassNames(p *Plan, cfg *config.Config, layout config.DatasetLayout) error {
	if len(p.ClassNames) > 0 || !mode.NeedsDataset(p.Mode) {
		return nil
	}
	for _, src := range []*Source{p.Training, p.Validation, p.Test, p.Evaluation, p.Quantization} {
		if src == nil || src.Derived() {
			continue
		}
		names, err := InferClassNames(layout.ClassSource, src)
		if err != nil {
			return err
		}
		if len(names) > 0 {
			p.ClassNames = names
			p.ClassesInferred = true
			return nil
		}
	}
	return errkind.New(errkind.KindDataset, errkind.NoClassNames,
		"class names could not be inferred from the dataset; please set dataset.class_names")
}
