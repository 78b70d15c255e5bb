package config

import (
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
)

// Schema declares which attributes a section accepts.
type Schema struct {
	// Legal lists every accepted attribute.
	Legal []string
	// All lists attributes that must be present with a non-null value.
	All []string
	// OneOrMore, when non-empty, requires at least one present non-null attribute.
	OneOrMore []string
}

// CheckAttributes validates the keys of a section against a schema. name
// is the dotted section path used in diagnostics.
func CheckAttributes(section map[string]any, schema Schema, name string) error {
	legal := make(map[string]bool, len(schema.Legal))
	for _, l := range schema.Legal {
		legal[l] = true
	}

	keys := make([]string, 0, len(section))
	for k := range section {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !legal[k] {
			return errkind.Config(errkind.UnknownAttr, name, k,
				"unknown or unsupported attribute",
				fmt.Sprintf("Supported attributes are: %s. Please check the spelling", strings.Join(schema.Legal, ", ")))
		}
	}

	for _, k := range schema.All {
		v, ok := section[k]
		if !ok {
			return errkind.Config(errkind.MissingAttr, name, k,
				"attribute is required",
				"Please add it to the configuration file")
		}
		if v == nil {
			return errkind.Config(errkind.MissingValue, name, k,
				"attribute has no value",
				"Please set a value for it in the configuration file")
		}
	}

	if len(schema.OneOrMore) > 0 {
		found := false
		for _, k := range schema.OneOrMore {
			if v, ok := section[k]; ok && v != nil {
				found = true
				break
			}
		}
		if !found {
			return errkind.Config(errkind.MissingAttr, name, strings.Join(schema.OneOrMore, "|"),
				"at least one of these attributes must be set",
				fmt.Sprintf("Please set one of: %s", strings.Join(schema.OneOrMore, ", ")))
		}
	}
	return nil
}

// checkEnum validates a string attribute against allowed values.
func checkEnum(section map[string]any, name, attr string, allowed []string, foldCase bool) error {
	v, ok := section[attr]
	if !ok || v == nil {
		return nil
	}
	s, isStr := v.(string)
	if isStr {
		for _, a := range allowed {
			if s == a || (foldCase && strings.EqualFold(s, a)) {
				return nil
			}
		}
	}
	return errkind.Config(errkind.BadEnum, name, attr,
		fmt.Sprintf("unsupported value %v", v),
		fmt.Sprintf("Supported values are: %s", strings.Join(allowed, ", ")))
}

// checkOpenInterval validates 0 < v < 1 for a numeric attribute.
func checkOpenInterval(section map[string]any, name, attr string) error {
	v, ok := section[attr]
	if !ok || v == nil {
		return nil
	}
	f, isNum := toFloat(v)
	if !isNum {
		return errkind.Config(errkind.BadType, name, attr,
			fmt.Sprintf("expected a number, got %v", v), "Please use a float in (0, 1)")
	}
	if f <= 0 || f >= 1 {
		return errkind.Config(errkind.OutOfRange, name, attr,
			fmt.Sprintf("value %v is out of range", v),
			"The value must be a float strictly between 0 and 1")
	}
	return nil
}

// checkPositive validates v > 0 for a numeric attribute.
func checkPositive(section map[string]any, name, attr string) error {
	v, ok := section[attr]
	if !ok || v == nil {
		return nil
	}
	f, isNum := toFloat(v)
	if !isNum {
		return errkind.Config(errkind.BadType, name, attr,
			fmt.Sprintf("expected a number, got %v", v), "Please use a positive number")
	}
	if f <= 0 {
		return errkind.Config(errkind.OutOfRange, name, attr,
			fmt.Sprintf("value %v must be positive", v), "Please use a positive number")
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case *big.Int:
		f, _ := new(big.Float).SetInt(n).Float64()
		return f, true
	case float64:
		return n, true
	}
	return 0, false
}

var generalSchema = Schema{
	Legal: []string{
		"project_name", "model_path", "logs_dir", "saved_models_dir",
		"deterministic_ops", "display_figures", "global_seed", "gpu_memory_limit",
		"batch_size", "model_type", "num_threads_tflite",
	},
}

func datasetSchema(u UseCase) Schema {
	legal := []string{"name", "class_names", "seed", "validation_split"}
	legal = append(legal, u.Layout().Keys()...)
	legal = append(legal, u.Layout().Extra...)
	return Schema{Legal: legal}
}

var (
	imagePreprocessingSchema = Schema{
		Legal: []string{"rescaling", "resizing", "color_mode"},
		All:   []string{"rescaling", "resizing", "color_mode"},
	}
	rescalingSchema = Schema{Legal: []string{"scale", "offset"}, All: []string{"scale", "offset"}}
	resizingSchema  = Schema{Legal: []string{"interpolation", "aspect_ratio"}, All: []string{"aspect_ratio"}}

	audioPreprocessingSchema = Schema{
		Legal: []string{
			"min_length", "max_length", "target_rate", "top_db",
			"frame_length", "hop_length", "trim_last_second", "lengthen",
		},
		All: []string{"min_length", "max_length", "target_rate", "top_db", "frame_length", "hop_length"},
	}
	featureExtractionSchema = Schema{
		Legal: []string{
			"patch_length", "n_mels", "overlap", "n_fft", "hop_length", "window_length",
			"window", "center", "pad_mode", "power", "fmin", "fmax", "norm", "htk",
			"to_db", "include_last_patch",
		},
		All: []string{"patch_length", "n_mels", "overlap", "n_fft", "hop_length"},
	}
	harPreprocessingSchema = Schema{
		Legal: []string{"gravity_rot_sup", "normalization"},
		All:   []string{"gravity_rot_sup", "normalization"},
	}
	handPostureSchema = Schema{
		Legal: []string{"Max_distance", "Min_distance", "Background_distance"},
		All:   []string{"Max_distance", "Min_distance", "Background_distance"},
	}

	trainingSchema = Schema{
		Legal: []string{
			"model", "batch_size", "epochs", "optimizer", "dropout", "frozen_layers",
			"callbacks", "resume_training_from", "trained_model_path",
		},
		All: []string{"batch_size", "epochs", "optimizer"},
	}
	trainingModelSchema = Schema{
		Legal: []string{"name", "version", "alpha", "input_shape", "pretrained_weights", "pretrained", "depth"},
		All:   []string{"name"},
	}

	quantizationSchema = Schema{
		Legal: []string{
			"quantizer", "quantization_type", "quantization_input_type", "quantization_output_type",
			"granularity", "optimize", "target_opset", "export_dir", "extra_options",
		},
		All: []string{"quantizer", "quantization_type", "quantization_input_type", "quantization_output_type"},
	}

	toolsSchema = Schema{
		Legal:     []string{"stm32ai", "stedgeai", "path_to_cubeIDE"},
		OneOrMore: []string{"stm32ai", "stedgeai"},
	}
	toolchainSchema = Schema{
		Legal: []string{"version", "optimization", "on_cloud", "path_to_stm32ai", "path_to_stedgeai"},
		All:   []string{"on_cloud"},
	}

	benchmarkingSchema = Schema{Legal: []string{"board"}, All: []string{"board"}}

	deploymentSchema = Schema{
		Legal: []string{
			"c_project_path", "IDE", "verbosity", "hardware_setup", "build_conf",
			"label_file_path", "board_deploy_path", "board_ip_address",
		},
		All: []string{"c_project_path", "hardware_setup"},
	}
	hardwareSetupSchema = Schema{
		Legal: []string{"serie", "board", "stlink_serial_number"},
		All:   []string{"serie", "board"},
	}

	predictionSchema     = Schema{Legal: []string{"test_files_path"}, All: []string{"test_files_path"}}
	postprocessingSchema = Schema{
		Legal: []string{
			"confidence_thresh", "NMS_thresh", "IoU_eval_thresh", "yolo_anchors",
			"plot_metrics", "max_detection_boxes", "kpts_conf_thresh",
		},
	}
	mlflowSchema   = Schema{Legal: []string{"uri"}}
	hydraSchema    = Schema{Legal: []string{"run"}}
	hydraRunSchema = Schema{Legal: []string{"dir"}}
)

var (
	interpolations = []string{"bilinear", "nearest", "area", "lanczos3", "lanczos5", "bicubic", "gaussian", "mitchellcubic"}
	aspectRatios   = []string{"fit", "crop", "padding"}
	colorModes     = []string{"grayscale", "rgb", "rgba"}
	quantizers     = []string{"TFlite_converter", "Onnx_quantizer"}
	quantTypes     = []string{"PTQ"}
	quantIOTypes   = []string{"int8", "uint8", "float"}
	granularities  = []string{"per_channel", "per_tensor"}
	optimizations  = []string{"balanced", "time", "ram"}
)
