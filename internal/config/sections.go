package config

import (
	"strings"

	"github.com/fyrsmithlabs/modelzoo/internal/mode"
)

// Config is a resolved, validated run configuration. It is built once
// by Resolve and never mutated afterwards.
type Config struct {
	UseCase UseCase   `koanf:"-"`
	Mode    mode.Mode `koanf:"-"`

	General        GeneralConfig         `koanf:"general"`
	Dataset        DatasetConfig         `koanf:"dataset"`
	Preprocessing  PreprocessingConfig   `koanf:"preprocessing"`
	Features       *FeatureExtraction    `koanf:"feature_extraction"`
	Augmentation   map[string]any        `koanf:"data_augmentation"`
	CustomAugment  map[string]any        `koanf:"custom_data_augmentation"`
	Training       *TrainingConfig       `koanf:"training"`
	Quantization   *QuantizationConfig   `koanf:"quantization"`
	Prediction     *PredictionConfig     `koanf:"prediction"`
	Postprocessing *PostprocessingConfig `koanf:"postprocessing"`
	Tools          *ToolsConfig          `koanf:"tools"`
	Benchmarking   *BenchmarkingConfig   `koanf:"benchmarking"`
	Deployment     *DeploymentConfig     `koanf:"deployment"`
	MLflow         MLflowConfig          `koanf:"mlflow"`
	Hydra          HydraConfig           `koanf:"hydra"`

	// Tree is the normalized tree with defaults and the tools shim applied.
	Tree map[string]any `koanf:"-"`
}

// OutputDir is the run directory holding logs, models and reports.
func (c *Config) OutputDir() string {
	return c.Hydra.Run.Dir
}

// GeneralConfig holds run-wide settings.
type GeneralConfig struct {
	ProjectName      string  `koanf:"project_name"`
	ModelPath        string  `koanf:"model_path"`
	LogsDir          string  `koanf:"logs_dir"`
	SavedModelsDir   string  `koanf:"saved_models_dir"`
	DeterministicOps bool    `koanf:"deterministic_ops"`
	DisplayFigures   bool    `koanf:"display_figures"`
	GlobalSeed       int64   `koanf:"global_seed"`
	GPUMemoryLimit   float64 `koanf:"gpu_memory_limit"`
	BatchSize        int     `koanf:"batch_size"`
	ModelType        string  `koanf:"model_type"`
	NumThreadsTFLite int     `koanf:"num_threads_tflite"`
}

// DatasetConfig holds dataset identity and split settings. Paths is keyed
// by the use case's path attributes (training_path, test_csv_path, ...).
type DatasetConfig struct {
	Name              string            `koanf:"name"`
	ClassNames        []string          `koanf:"class_names"`
	Seed              int64             `koanf:"seed"`
	ValidationSplit   float64           `koanf:"validation_split"`
	QuantizationSplit float64           `koanf:"quantization_split"`
	TestSplit         float64           `koanf:"test_split"`
	FileExtension     string            `koanf:"file_extension"`
	UseOtherClass     bool              `koanf:"use_other_class"`
	MultiLabel        bool              `koanf:"multi_label"`
	CheckImageFiles   bool              `koanf:"check_image_files"`
	Paths             map[string]string `koanf:"-"`
}

// Path returns the configured path for key, or "".
func (d DatasetConfig) Path(key string) string {
	if key == "" {
		return ""
	}
	return d.Paths[key]
}

// PreprocessingConfig is the union of the per-use-case preprocessing schemas.
type PreprocessingConfig struct {
	Rescaling Rescaling `koanf:"-"`
	Resizing  Resizing  `koanf:"resizing"`
	ColorMode string    `koanf:"color_mode"`

	MinLength      int     `koanf:"min_length"`
	MaxLength      int     `koanf:"max_length"`
	TargetRate     int     `koanf:"target_rate"`
	TopDB          float64 `koanf:"top_db"`
	FrameLength    int     `koanf:"frame_length"`
	HopLength      int     `koanf:"hop_length"`
	TrimLastSecond bool    `koanf:"trim_last_second"`
	Lengthen       string  `koanf:"lengthen"`

	GravityRotSup bool `koanf:"gravity_rot_sup"`
	Normalization bool `koanf:"normalization"`

	MaxDistance        int `koanf:"Max_distance"`
	MinDistance        int `koanf:"Min_distance"`
	BackgroundDistance int `koanf:"Background_distance"`
}

// Rescaling maps pixel values as x*Scale + Offset.
type Rescaling struct {
	Scale  float64
	Offset float64
}

// Resizing selects the resize interpolation and aspect ratio policy.
type Resizing struct {
	Interpolation string `koanf:"interpolation"`
	AspectRatio   string `koanf:"aspect_ratio"`
}

// FeatureExtraction configures audio patch extraction.
type FeatureExtraction struct {
	PatchLength      int     `koanf:"patch_length"`
	NMels            int     `koanf:"n_mels"`
	Overlap          float64 `koanf:"overlap"`
	NFFT             int     `koanf:"n_fft"`
	HopLength        int     `koanf:"hop_length"`
	WindowLength     int     `koanf:"window_length"`
	Window           string  `koanf:"window"`
	Center           bool    `koanf:"center"`
	PadMode          string  `koanf:"pad_mode"`
	Power            float64 `koanf:"power"`
	FMin             float64 `koanf:"fmin"`
	FMax             float64 `koanf:"fmax"`
	Norm             string  `koanf:"norm"`
	HTK              bool    `koanf:"htk"`
	ToDB             bool    `koanf:"to_db"`
	IncludeLastPatch bool    `koanf:"include_last_patch"`
}

// TrainingConfig holds training hyper-parameters. Optimizer and Callbacks
// are passed through to the framework adapter.
type TrainingConfig struct {
	Model              *ModelConfig   `koanf:"model"`
	BatchSize          int            `koanf:"batch_size"`
	Epochs             int            `koanf:"epochs"`
	Optimizer          map[string]any `koanf:"optimizer"`
	Dropout            float64        `koanf:"dropout"`
	FrozenLayers       any            `koanf:"frozen_layers"`
	Callbacks          map[string]any `koanf:"callbacks"`
	ResumeTrainingFrom string         `koanf:"resume_training_from"`
	TrainedModelPath   string         `koanf:"trained_model_path"`
}

// ModelConfig selects a zoo model architecture.
type ModelConfig struct {
	Name              string  `koanf:"name"`
	Version           string  `koanf:"version"`
	Alpha             float64 `koanf:"alpha"`
	InputShape        []int   `koanf:"input_shape"`
	PretrainedWeights string  `koanf:"pretrained_weights"`
	Pretrained        bool    `koanf:"pretrained"`
	Depth             int     `koanf:"depth"`
}

// QuantizationConfig selects the post-training quantizer.
type QuantizationConfig struct {
	Quantizer              string         `koanf:"quantizer"`
	QuantizationType       string         `koanf:"quantization_type"`
	QuantizationInputType  string         `koanf:"quantization_input_type"`
	QuantizationOutputType string         `koanf:"quantization_output_type"`
	Granularity            string         `koanf:"granularity"`
	Optimize               bool           `koanf:"optimize"`
	TargetOpset            int            `koanf:"target_opset"`
	ExportDir              string         `koanf:"export_dir"`
	ExtraOptions           map[string]any `koanf:"extra_options"`
}

// ONNX reports whether the quantizer emits ONNX models.
func (q *QuantizationConfig) ONNX() bool {
	return strings.EqualFold(q.Quantizer, "Onnx_quantizer")
}

// PredictionConfig points at files to run inference on.
type PredictionConfig struct {
	TestFilesPath string `koanf:"test_files_path"`
}

// PostprocessingConfig holds detection/pose post-processing thresholds.
type PostprocessingConfig struct {
	ConfidenceThresh  float64   `koanf:"confidence_thresh"`
	NMSThresh         float64   `koanf:"NMS_thresh"`
	IoUEvalThresh     float64   `koanf:"IoU_eval_thresh"`
	YoloAnchors       []float64 `koanf:"yolo_anchors"`
	PlotMetrics       bool      `koanf:"plot_metrics"`
	MaxDetectionBoxes int       `koanf:"max_detection_boxes"`
	KptsConfThresh    float64   `koanf:"kpts_conf_thresh"`
}

// ToolsConfig locates the model compiler and the IDE.
type ToolsConfig struct {
	STM32AI       *ToolchainConfig `koanf:"stm32ai"`
	STEdgeAI      *ToolchainConfig `koanf:"stedgeai"`
	PathToCubeIDE string           `koanf:"path_to_cubeIDE"`
}

// Toolchain returns the effective compiler settings. After the shim both
// views are populated; stedgeai wins if they ever differ.
func (t *ToolsConfig) Toolchain() *ToolchainConfig {
	if t.STEdgeAI != nil {
		return t.STEdgeAI
	}
	return t.STM32AI
}

// ToolchainConfig configures the compiler, either remote or local.
type ToolchainConfig struct {
	Version        string `koanf:"-"`
	Optimization   string `koanf:"optimization"`
	OnCloud        bool   `koanf:"on_cloud"`
	PathToSTM32AI  string `koanf:"path_to_stm32ai"`
	PathToSTEdgeAI string `koanf:"path_to_stedgeai"`
}

// Executable returns the local compiler path.
func (t *ToolchainConfig) Executable() string {
	if t.PathToSTEdgeAI != "" {
		return t.PathToSTEdgeAI
	}
	return t.PathToSTM32AI
}

// BenchmarkingConfig names the board to benchmark on.
type BenchmarkingConfig struct {
	Board string `koanf:"board"`
}

// DeploymentConfig describes the C project and target board.
type DeploymentConfig struct {
	CProjectPath    string        `koanf:"c_project_path"`
	IDE             string        `koanf:"IDE"`
	Verbosity       int           `koanf:"verbosity"`
	HardwareSetup   HardwareSetup `koanf:"hardware_setup"`
	BuildConf       string        `koanf:"build_conf"`
	LabelFilePath   string        `koanf:"label_file_path"`
	BoardDeployPath string        `koanf:"board_deploy_path"`
	BoardIPAddress  string        `koanf:"board_ip_address"`
}

// HardwareSetup identifies the target board.
type HardwareSetup struct {
	Serie              string `koanf:"serie"`
	Board              string `koanf:"board"`
	STLinkSerialNumber string `koanf:"stlink_serial_number"`
}

// MPU reports whether the deployment target is an MPU board.
func (h HardwareSetup) MPU() bool {
	return IsMPUBoard(h.Board) || strings.HasPrefix(strings.ToUpper(h.Serie), "STM32MP")
}

// IsMPUBoard reports whether a board name designates an STM32 MPU.
func IsMPUBoard(board string) bool {
	return strings.HasPrefix(strings.ToUpper(board), "STM32MP")
}

// MLflowConfig locates the tracking store.
type MLflowConfig struct {
	URI string `koanf:"uri"`
}

// HydraConfig holds the run directory.
type HydraConfig struct {
	Run struct {
		Dir string `koanf:"dir"`
	} `koanf:"run"`
}
