package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/v2"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/lrschedule"
	"github.com/fyrsmithlabs/modelzoo/internal/mode"
)

const (
	// DefaultGlobalSeed is used by every use case when general.global_seed is unset.
	DefaultGlobalSeed = 123
	// DefaultValidationSplit is the share of training data held out when no
	// validation set is configured.
	DefaultValidationSplit = 0.2

	defaultRunDir    = "./experiments_outputs/${now:%Y_%m_%d_%H_%M_%S}"
	defaultMLflowURI = "./experiments_outputs/mlruns"
)

var nowPattern = regexp.MustCompile(`\$\{now:([^}]*)\}`)

// ResolveOptions tunes Resolve for tests.
type ResolveOptions struct {
	// Lookup resolves ${NAME} references; os.LookupEnv when nil.
	Lookup LookupEnv
	// Now stamps ${now:...} in hydra.run.dir; time.Now when nil.
	Now func() time.Time
	// SkipPathChecks disables existence checks of model and tool paths.
	SkipPathChecks bool
}

// Resolve normalizes, validates and types a raw YAML tree.
func Resolve(raw map[string]any, u UseCase) (*Config, error) {
	return ResolveWith(raw, u, ResolveOptions{})
}

// ResolveWith is Resolve with explicit options.
func ResolveWith(raw map[string]any, u UseCase, opts ResolveOptions) (*Config, error) {
	if opts.Lookup == nil {
		opts.Lookup = os.LookupEnv
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	tree, err := NormalizeWith(raw, opts.Lookup)
	if err != nil {
		return nil, err
	}
	if err := checkTopLevel(tree, u); err != nil {
		return nil, err
	}
	m, err := operationMode(tree)
	if err != nil {
		return nil, err
	}
	if err := checkRequiredSections(tree, m); err != nil {
		return nil, err
	}
	if err := validateSections(tree, u, m); err != nil {
		return nil, err
	}
	if err := checkModelSource(tree, m); err != nil {
		return nil, err
	}

	applyDefaults(tree, u)
	shimTools(tree)
	resolveRunDir(tree, opts.Now())

	cfg, err := decode(tree)
	if err != nil {
		return nil, err
	}
	cfg.UseCase = u
	cfg.Mode = m
	cfg.Tree = tree

	if err := finishDecode(cfg, tree, u); err != nil {
		return nil, err
	}
	if err := checkToolchain(cfg, m, opts.Lookup); err != nil {
		return nil, err
	}
	if !opts.SkipPathChecks {
		if err := checkPaths(cfg, m); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func checkTopLevel(tree map[string]any, u UseCase) error {
	legal := make([]string, 0, len(mode.TopLevel()))
	for _, s := range mode.TopLevel() {
		if s == mode.SectionFeatureExtract && u != AudioEventDetection {
			continue
		}
		legal = append(legal, string(s))
	}
	return CheckAttributes(tree, Schema{Legal: legal}, "<root>")
}

func operationMode(tree map[string]any) (mode.Mode, error) {
	v, ok := tree[string(mode.SectionOperationMode)]
	if !ok || v == nil {
		return "", errkind.Config(errkind.MissingAttr, "", "operation_mode",
			"operation mode is not set", "Please add an operation_mode attribute")
	}
	s, _ := v.(string)
	m, err := mode.Parse(s)
	if err != nil {
		names := make([]string, 0, len(mode.All()))
		for _, known := range mode.All() {
			names = append(names, string(known))
		}
		return "", errkind.Config(errkind.BadEnum, "", "operation_mode",
			fmt.Sprintf("unknown operation mode %v", v),
			"Supported modes are: "+strings.Join(names, ", "))
	}
	return m, nil
}

// checkRequiredSections reports the first required section that is absent.
// general is checked through model_path by checkModelSource.
func checkRequiredSections(tree map[string]any, m mode.Mode) error {
	for _, s := range mode.RequiredSections(m) {
		if s == mode.SectionGeneral || s == mode.SectionOperationMode {
			continue
		}
		if _, ok := tree[string(s)]; !ok {
			return errkind.Config(errkind.MissingAttr, "", string(s),
				fmt.Sprintf("section is required in mode %s", m),
				fmt.Sprintf("Please add a '%s' section to the configuration file", s))
		}
	}
	return nil
}

// sectionMap returns a section as a map, treating an empty section as {}.
func sectionMap(tree map[string]any, path string) (map[string]any, bool, error) {
	v, ok := Lookup(tree, path)
	if !ok {
		return nil, false, nil
	}
	if v == nil {
		return map[string]any{}, true, nil
	}
	mp, isMap := v.(map[string]any)
	if !isMap {
		section, attr := splitPath(path)
		return nil, true, errkind.Config(errkind.BadType, section, attr,
			fmt.Sprintf("expected a section, got %v", v), "Please check the indentation of the configuration file")
	}
	return mp, true, nil
}

type sectionCheck struct {
	path   string
	schema Schema
	extra  func(map[string]any) error
}

func validateSections(tree map[string]any, u UseCase, m mode.Mode) error {
	checks := []sectionCheck{
		{path: "general", schema: generalSchema, extra: func(s map[string]any) error {
			return checkPositive(s, "general", "gpu_memory_limit")
		}},
		{path: "dataset", schema: datasetSchema(u), extra: func(s map[string]any) error {
			for _, attr := range []string{"validation_split", "quantization_split", "test_split"} {
				if err := checkOpenInterval(s, "dataset", attr); err != nil {
					return err
				}
			}
			return checkClassNames(s)
		}},
	}
	checks = append(checks, preprocessingChecks(u)...)
	checks = append(checks,
		sectionCheck{path: "training", schema: trainingSchema, extra: func(s map[string]any) error {
			for _, attr := range []string{"batch_size", "epochs"} {
				if err := checkPositive(s, "training", attr); err != nil {
					return err
				}
			}
			cb, _, err := sectionMap(tree, "training.callbacks")
			if err != nil {
				return err
			}
			if _, err := lrschedule.FromCallbacks(cb); err != nil {
				return err
			}
			return nil
		}},
		sectionCheck{path: "training.model", schema: trainingModelSchema},
		sectionCheck{path: "quantization", schema: quantizationSchema, extra: func(s map[string]any) error {
			if err := checkEnum(s, "quantization", "quantizer", quantizers, true); err != nil {
				return err
			}
			if err := checkEnum(s, "quantization", "quantization_type", quantTypes, false); err != nil {
				return err
			}
			if err := checkEnum(s, "quantization", "quantization_input_type", quantIOTypes, false); err != nil {
				return err
			}
			if err := checkEnum(s, "quantization", "quantization_output_type", quantIOTypes, false); err != nil {
				return err
			}
			return checkEnum(s, "quantization", "granularity", granularities, false)
		}},
		sectionCheck{path: "tools", schema: toolsSchema},
		sectionCheck{path: "tools.stm32ai", schema: toolchainSchema, extra: func(s map[string]any) error {
			return checkEnum(s, "tools.stm32ai", "optimization", optimizations, false)
		}},
		sectionCheck{path: "tools.stedgeai", schema: toolchainSchema, extra: func(s map[string]any) error {
			return checkEnum(s, "tools.stedgeai", "optimization", optimizations, false)
		}},
		sectionCheck{path: "benchmarking", schema: benchmarkingSchema},
		sectionCheck{path: "deployment", schema: deploymentSchema},
		sectionCheck{path: "deployment.hardware_setup", schema: hardwareSetupSchema},
		sectionCheck{path: "prediction", schema: predictionSchema},
		sectionCheck{path: "postprocessing", schema: postprocessingSchema},
		sectionCheck{path: "mlflow", schema: mlflowSchema},
		sectionCheck{path: "hydra", schema: hydraSchema},
		sectionCheck{path: "hydra.run", schema: hydraRunSchema},
	)

	for _, c := range checks {
		s, ok, err := sectionMap(tree, c.path)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := CheckAttributes(s, c.schema, c.path); err != nil {
			return err
		}
		if c.extra != nil {
			if err := c.extra(s); err != nil {
				return err
			}
		}
	}

	if u == AudioEventDetection && mode.Requires(m, mode.SectionDataset) {
		if _, ok := tree[string(mode.SectionFeatureExtract)]; !ok {
			return errkind.Config(errkind.MissingAttr, "", string(mode.SectionFeatureExtract),
				"section is required for audio event detection",
				"Please add a 'feature_extraction' section to the configuration file")
		}
	}
	return nil
}

func preprocessingChecks(u UseCase) []sectionCheck {
	switch {
	case u.ImageBased():
		return []sectionCheck{
			{path: "preprocessing", schema: imagePreprocessingSchema, extra: func(s map[string]any) error {
				return checkEnum(s, "preprocessing", "color_mode", colorModes, false)
			}},
			{path: "preprocessing.rescaling", schema: rescalingSchema},
			{path: "preprocessing.resizing", schema: resizingSchema, extra: func(s map[string]any) error {
				if err := checkEnum(s, "preprocessing.resizing", "interpolation", interpolations, false); err != nil {
					return err
				}
				return checkEnum(s, "preprocessing.resizing", "aspect_ratio", aspectRatios, false)
			}},
		}
	case u == AudioEventDetection:
		return []sectionCheck{
			{path: "preprocessing", schema: audioPreprocessingSchema},
			{path: "feature_extraction", schema: featureExtractionSchema, extra: func(s map[string]any) error {
				return checkOpenIntervalClosedLow(s, "feature_extraction", "overlap")
			}},
		}
	case u == HumanActivityRecognition:
		return []sectionCheck{{path: "preprocessing", schema: harPreprocessingSchema}}
	case u == HandPosture:
		return []sectionCheck{{path: "preprocessing", schema: handPostureSchema}}
	}
	return nil
}

// checkOpenIntervalClosedLow validates 0 <= v < 1.
func checkOpenIntervalClosedLow(section map[string]any, name, attr string) error {
	v, ok := section[attr]
	if !ok || v == nil {
		return nil
	}
	f, isNum := toFloat(v)
	if !isNum || f < 0 || f >= 1 {
		return errkind.Config(errkind.OutOfRange, name, attr,
			fmt.Sprintf("value %v is out of range", v), "The value must be a float in [0, 1)")
	}
	return nil
}

func checkClassNames(s map[string]any) error {
	v, ok := s["class_names"]
	if !ok || v == nil {
		return nil
	}
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case Tuple:
		items = x
	default:
		return errkind.Config(errkind.BadType, "dataset", "class_names",
			fmt.Sprintf("expected a list of class names, got %v", v), "Please use a YAML list")
	}
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		name := toString(it)
		if seen[name] {
			return errkind.Config(errkind.BadType, "dataset", "class_names",
				fmt.Sprintf("duplicate class name %q", name), "Class names must be unique")
		}
		seen[name] = true
	}
	return nil
}

func present(tree map[string]any, path string) bool {
	v, ok := Lookup(tree, path)
	return ok && v != nil
}

// checkModelSource enforces where the input model comes from. Training
// modes need exactly one of training.model, training.resume_training_from
// and general.model_path; every other mode needs general.model_path.
func checkModelSource(tree map[string]any, m mode.Mode) error {
	if !m.In(mode.GroupTraining) {
		if !present(tree, "general.model_path") {
			return errkind.Config(errkind.MissingAttr, "general", "model_path",
				fmt.Sprintf("a model is required in mode %s", m),
				"Please set general.model_path to the model file to use")
		}
		return nil
	}

	sources := []string{"training.model", "training.resume_training_from", "general.model_path"}
	var set []string
	for _, p := range sources {
		if present(tree, p) {
			set = append(set, p)
		}
	}
	switch len(set) {
	case 1:
		return nil
	case 0:
		return errkind.Config(errkind.MissingAttr, "training", "model",
			"no model to train",
			"Please set one of training.model, training.resume_training_from or general.model_path")
	default:
		return errkind.Config(errkind.MutuallyExclusive, "training", strings.Join(set, ", "),
			"these attributes cannot be used together",
			"Please set only one of training.model, training.resume_training_from or general.model_path")
	}
}

func setDefault(tree map[string]any, path string, value any) {
	if v, ok := Lookup(tree, path); ok && v != nil {
		return
	}
	Set(tree, path, value)
}

// applyDefaults fills optional attributes in place.
func applyDefaults(tree map[string]any, u UseCase) {
	setDefault(tree, "general.project_name", "myproject")
	setDefault(tree, "general.logs_dir", "logs")
	setDefault(tree, "general.saved_models_dir", "saved_models")
	setDefault(tree, "general.deterministic_ops", false)
	setDefault(tree, "general.display_figures", true)
	setDefault(tree, "general.global_seed", DefaultGlobalSeed)
	setDefault(tree, "general.num_threads_tflite", 1)

	if _, ok := tree["dataset"]; ok {
		setDefault(tree, "dataset.validation_split", DefaultValidationSplit)
		seed, _ := Lookup(tree, "general.global_seed")
		setDefault(tree, "dataset.seed", seed)
	}
	if u.ImageBased() && present(tree, "preprocessing.resizing") {
		setDefault(tree, "preprocessing.resizing.interpolation", "bilinear")
	}
	if _, ok := tree["quantization"]; ok {
		setDefault(tree, "quantization.granularity", "per_channel")
		setDefault(tree, "quantization.target_opset", 17)
		setDefault(tree, "quantization.export_dir", "quantized_models")
		setDefault(tree, "quantization.optimize", false)
	}
	for _, name := range []string{"stm32ai", "stedgeai"} {
		if present(tree, "tools."+name) {
			setDefault(tree, "tools."+name+".optimization", "balanced")
		}
	}
	if _, ok := tree["deployment"]; ok {
		setDefault(tree, "deployment.IDE", "GCC")
		setDefault(tree, "deployment.verbosity", 1)
	}
	if _, ok := tree["postprocessing"]; ok {
		setDefault(tree, "postprocessing.confidence_thresh", 0.6)
		setDefault(tree, "postprocessing.NMS_thresh", 0.5)
		setDefault(tree, "postprocessing.IoU_eval_thresh", 0.4)
		setDefault(tree, "postprocessing.max_detection_boxes", 100)
	}
	setDefault(tree, "mlflow.uri", defaultMLflowURI)
	setDefault(tree, "hydra.run.dir", defaultRunDir)
}

// shimTools makes the stm32ai and stedgeai views of the toolchain identical
// when only one of them was configured.
func shimTools(tree map[string]any) {
	tools := Section(tree, "tools")
	if tools == nil {
		return
	}
	legacy, hasLegacy := tools["stm32ai"].(map[string]any)
	current, hasCurrent := tools["stedgeai"].(map[string]any)
	switch {
	case hasCurrent && !hasLegacy:
		c := Clone(current)
		if p, ok := c["path_to_stedgeai"]; ok {
			c["path_to_stm32ai"] = p
		}
		tools["stm32ai"] = c
	case hasLegacy && !hasCurrent:
		c := Clone(legacy)
		if p, ok := c["path_to_stm32ai"]; ok {
			c["path_to_stedgeai"] = p
		}
		tools["stedgeai"] = c
	}
}

// resolveRunDir stamps ${now:<strftime>} references in hydra.run.dir.
func resolveRunDir(tree map[string]any, now time.Time) {
	v, _ := Lookup(tree, "hydra.run.dir")
	dir, ok := v.(string)
	if !ok {
		return
	}
	dir = nowPattern.ReplaceAllStringFunc(dir, func(m string) string {
		return Strftime(now, nowPattern.FindStringSubmatch(m)[1])
	})
	Set(tree, "hydra.run.dir", dir)
}

// Strftime formats t with the subset of strftime directives used in run
// directory names.
func Strftime(t time.Time, format string) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		if c != '%' || i+1 == len(format) {
			b.WriteByte(c)
			continue
		}
		i++
		switch format[i] {
		case 'Y':
			fmt.Fprintf(&b, "%04d", t.Year())
		case 'y':
			fmt.Fprintf(&b, "%02d", t.Year()%100)
		case 'm':
			fmt.Fprintf(&b, "%02d", int(t.Month()))
		case 'd':
			fmt.Fprintf(&b, "%02d", t.Day())
		case 'H':
			fmt.Fprintf(&b, "%02d", t.Hour())
		case 'M':
			fmt.Fprintf(&b, "%02d", t.Minute())
		case 'S':
			fmt.Fprintf(&b, "%02d", t.Second())
		case 'j':
			fmt.Fprintf(&b, "%03d", t.YearDay())
		case '%':
			b.WriteByte('%')
		default:
			b.WriteByte('%')
			b.WriteByte(format[i])
		}
	}
	return b.String()
}

// treeProvider feeds an already parsed tree to koanf.
type treeProvider struct {
	tree map[string]any
}

func (p treeProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("treeProvider does not support ReadBytes")
}

func (p treeProvider) Read() (map[string]interface{}, error) {
	return Clone(p.tree), nil
}

func decode(tree map[string]any) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(treeProvider{tree: tree}, nil); err != nil {
		return nil, fmt.Errorf("failed to load resolved config: %w", err)
	}
	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, errkind.Wrap(errkind.KindConfig, errkind.BadType, "failed to decode configuration", err)
	}
	return &cfg, nil
}

// finishDecode fills the fields koanf cannot decode directly.
func finishDecode(cfg *Config, tree map[string]any, u UseCase) error {
	cfg.Dataset.Paths = map[string]string{}
	if ds := Section(tree, "dataset"); ds != nil {
		for _, key := range u.Layout().Keys() {
			if s, ok := ds[key].(string); ok && s != "" {
				cfg.Dataset.Paths[key] = s
			}
		}
	}

	if rs := Section(tree, "preprocessing.rescaling"); rs != nil {
		scale, err := parseFraction(rs["scale"])
		if err != nil {
			return errkind.Config(errkind.BadType, "preprocessing.rescaling", "scale", err.Error(),
				"Please use a number or a fraction such as 1/255")
		}
		offset, err := parseFraction(rs["offset"])
		if err != nil {
			return errkind.Config(errkind.BadType, "preprocessing.rescaling", "offset", err.Error(),
				"Please use a number")
		}
		cfg.Preprocessing.Rescaling = Rescaling{Scale: scale, Offset: offset}
	}

	if cfg.Tools != nil {
		for name, tc := range map[string]*ToolchainConfig{"stm32ai": cfg.Tools.STM32AI, "stedgeai": cfg.Tools.STEdgeAI} {
			if tc == nil {
				continue
			}
			if v, ok := Lookup(tree, "tools."+name+".version"); ok && v != nil {
				tc.Version = versionString(v)
			}
		}
	}
	return nil
}

func parseFraction(v any) (float64, error) {
	if f, ok := toFloat(v); ok {
		return f, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("expected a number, got %v", v)
	}
	num, den, isFrac := strings.Cut(strings.ReplaceAll(s, " ", ""), "/")
	if !isFrac {
		return 0, fmt.Errorf("expected a number, got %q", s)
	}
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numerator in %q", s)
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0, fmt.Errorf("invalid denominator in %q", s)
	}
	return n / d, nil
}

func versionString(v any) string {
	switch x := v.(type) {
	case float64:
		return formatPyFloat(x)
	case int:
		return strconv.Itoa(x)
	default:
		return toString(x)
	}
}

// checkToolchain enforces the MPU cloud requirement and resolves the local
// compiler path when on_cloud is false.
func checkToolchain(cfg *Config, m mode.Mode, lookup LookupEnv) error {
	if cfg.Tools == nil {
		return nil
	}
	tc := cfg.Tools.Toolchain()
	if tc == nil {
		return nil
	}

	mpu := false
	if m.In(mode.GroupBenchmarking) && cfg.Benchmarking != nil && IsMPUBoard(cfg.Benchmarking.Board) {
		mpu = true
	}
	if m.In(mode.GroupDeployment) && cfg.Deployment != nil && cfg.Deployment.HardwareSetup.MPU() {
		mpu = true
	}
	if mpu && !tc.OnCloud {
		return errkind.Config(errkind.MutuallyExclusive, "tools.stedgeai", "on_cloud",
			"MPU targets can only be benchmarked and deployed through the cloud service",
			"Please set tools.stedgeai.on_cloud to True")
	}

	if !tc.OnCloud && tc.Executable() == "" {
		if exe, ok := lookup("STM32_AI_EXE"); ok && exe != "" {
			for _, view := range []*ToolchainConfig{cfg.Tools.STM32AI, cfg.Tools.STEdgeAI} {
				if view != nil {
					view.PathToSTEdgeAI = exe
					view.PathToSTM32AI = exe
				}
			}
			return nil
		}
		if m.In(mode.GroupBenchmarking) || m.In(mode.GroupDeployment) {
			return errkind.Config(errkind.MissingAttr, "tools.stedgeai", "path_to_stedgeai",
				"a local compiler is required when on_cloud is False",
				"Please set path_to_stedgeai or the STM32_AI_EXE environment variable")
		}
	}
	return nil
}

func checkPaths(cfg *Config, m mode.Mode) error {
	type pathCheck struct {
		key  string
		path string
		kind PathKind
		any  bool
	}
	var checks []pathCheck
	if cfg.General.ModelPath != "" {
		checks = append(checks, pathCheck{key: "general.model_path", path: cfg.General.ModelPath, any: true})
	}
	if cfg.Training != nil && cfg.Training.ResumeTrainingFrom != "" {
		checks = append(checks, pathCheck{key: "training.resume_training_from", path: cfg.Training.ResumeTrainingFrom, any: true})
	}
	if cfg.Tools != nil && cfg.Tools.Toolchain() != nil {
		tc := cfg.Tools.Toolchain()
		if !tc.OnCloud && tc.Executable() != "" && (m.In(mode.GroupBenchmarking) || m.In(mode.GroupDeployment)) {
			checks = append(checks, pathCheck{key: "tools.stedgeai.path_to_stedgeai", path: tc.Executable(), kind: PathFile})
		}
	}
	if cfg.Deployment != nil && m.In(mode.GroupDeployment) {
		checks = append(checks, pathCheck{key: "deployment.c_project_path", path: cfg.Deployment.CProjectPath, kind: PathDir})
	}
	if cfg.Prediction != nil && m == mode.Prediction {
		checks = append(checks, pathCheck{key: "prediction.test_files_path", path: cfg.Prediction.TestFilesPath, kind: PathDir})
	}

	for _, c := range checks {
		var err error
		if c.any {
			err = CheckPathExists(c.key, c.path)
		} else {
			err = CheckPath(c.key, c.path, c.kind)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// CheckPathExists fails with PathError:not_found when path is missing.
func CheckPathExists(key, path string) error {
	if _, err := os.Stat(path); err != nil {
		return errkind.Path(errkind.NotFound, key, path)
	}
	return nil
}

// CheckPath verifies that path exists and is of the expected kind.
func CheckPath(key, path string, kind PathKind) error {
	info, err := os.Stat(path)
	if err != nil {
		return errkind.Path(errkind.NotFound, key, path)
	}
	if kind == PathDir && !info.IsDir() {
		return errkind.Path(errkind.NotADir, key, path)
	}
	if kind == PathFile && info.IsDir() {
		return errkind.Path(errkind.NotAFile, key, path)
	}
	return nil
}

// SectionNames lists the sections present in a resolved tree, sorted.
func (c *Config) SectionNames() []string {
	out := make([]string, 0, len(c.Tree))
	for k := range c.Tree {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
