package config

import (
	"fmt"
	"sort"
	"strings"
)

// UseCase selects the per-task schemas and dataset layout.
type UseCase string

const (
	ImageClassification      UseCase = "image_classification"
	ObjectDetection          UseCase = "object_detection"
	AudioEventDetection      UseCase = "audio_event_detection"
	HumanActivityRecognition UseCase = "human_activity_recognition"
	HandPosture              UseCase = "hand_posture"
	SemanticSegmentation     UseCase = "semantic_segmentation"
	PoseEstimation           UseCase = "pose_estimation"
)

// UseCases lists every supported use case.
func UseCases() []UseCase {
	return []UseCase{
		ImageClassification, ObjectDetection, AudioEventDetection,
		HumanActivityRecognition, HandPosture, SemanticSegmentation, PoseEstimation,
	}
}

// ParseUseCase validates a use case name.
func ParseUseCase(s string) (UseCase, error) {
	for _, u := range UseCases() {
		if string(u) == s {
			return u, nil
		}
	}
	names := make([]string, 0, len(UseCases()))
	for _, u := range UseCases() {
		names = append(names, string(u))
	}
	return "", fmt.Errorf("unknown use case %q, expected one of: %s", s, strings.Join(names, ", "))
}

// PatchLevel reports use cases whose models predict on patches that are
// later aggregated into clips.
func (u UseCase) PatchLevel() bool {
	return u == AudioEventDetection || u == HumanActivityRecognition
}

// ImageBased reports use cases sharing the image preprocessing schema.
func (u UseCase) ImageBased() bool {
	switch u {
	case ImageClassification, ObjectDetection, SemanticSegmentation, PoseEstimation:
		return true
	}
	return false
}

// Split names a logical dataset partition.
type Split string

const (
	SplitTraining     Split = "training"
	SplitValidation   Split = "validation"
	SplitTest         Split = "test"
	SplitQuantization Split = "quantization"
)

// PathKind tells whether a dataset key must name a directory or a file.
type PathKind int

const (
	PathDir PathKind = iota
	PathFile
)

// SplitKeys are the config keys naming the (images_root, labels_root,
// id_list_file) triple of one split. Empty keys are unused.
type SplitKeys struct {
	Images string
	Labels string
	IDList string
}

// ClassSource tells how class names can be inferred when absent.
type ClassSource int

const (
	ClassesNone ClassSource = iota
	ClassesFromSubdirs
	ClassesFromCSV
)

// DatasetLayout describes the dataset section of a use case.
type DatasetLayout struct {
	Splits      map[Split]SplitKeys
	Kinds       map[string]PathKind
	Extra       []string
	ClassSource ClassSource
}

// Keys returns every path key of the layout, sorted.
func (l DatasetLayout) Keys() []string {
	out := make([]string, 0, len(l.Kinds))
	for k := range l.Kinds {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func imageLayout(extra ...string) DatasetLayout {
	return DatasetLayout{
		Splits: map[Split]SplitKeys{
			SplitTraining:     {Images: "training_path"},
			SplitValidation:   {Images: "validation_path"},
			SplitTest:         {Images: "test_path"},
			SplitQuantization: {Images: "quantization_path"},
		},
		Kinds: map[string]PathKind{
			"training_path": PathDir, "validation_path": PathDir,
			"test_path": PathDir, "quantization_path": PathDir,
		},
		Extra: append([]string{"quantization_split"}, extra...),
	}
}

var layouts = map[UseCase]DatasetLayout{
	ImageClassification: func() DatasetLayout {
		l := imageLayout("check_image_files")
		l.ClassSource = ClassesFromSubdirs
		return l
	}(),
	ObjectDetection: imageLayout(),
	PoseEstimation:  imageLayout("keypoints"),
	AudioEventDetection: {
		Splits: map[Split]SplitKeys{
			SplitTraining:     {Images: "training_audio_path", Labels: "training_csv_path"},
			SplitValidation:   {Images: "validation_audio_path", Labels: "validation_csv_path"},
			SplitTest:         {Images: "test_audio_path", Labels: "test_csv_path"},
			SplitQuantization: {Images: "quantization_audio_path", Labels: "quantization_csv_path"},
		},
		Kinds: map[string]PathKind{
			"training_audio_path": PathDir, "training_csv_path": PathFile,
			"validation_audio_path": PathDir, "validation_csv_path": PathFile,
			"test_audio_path": PathDir, "test_csv_path": PathFile,
			"quantization_audio_path": PathDir, "quantization_csv_path": PathFile,
		},
		Extra: []string{
			"quantization_split", "file_extension", "use_other_class",
			"n_samples_per_other_class", "to_cache", "multi_label",
		},
		ClassSource: ClassesFromCSV,
	},
	HumanActivityRecognition: {
		Splits: map[Split]SplitKeys{
			SplitTraining: {Images: "training_path"},
			SplitTest:     {Images: "test_path"},
		},
		Kinds: map[string]PathKind{
			"training_path": PathFile, "test_path": PathFile,
		},
		Extra: []string{"test_split"},
	},
	HandPosture: {
		Splits: map[Split]SplitKeys{
			SplitTraining: {Images: "training_path"},
			SplitTest:     {Images: "test_path"},
		},
		Kinds: map[string]PathKind{
			"training_path": PathDir, "test_path": PathDir,
		},
		ClassSource: ClassesFromSubdirs,
	},
	SemanticSegmentation: {
		Splits: map[Split]SplitKeys{
			SplitTraining:     {Images: "training_path", Labels: "training_masks_path", IDList: "training_files_path"},
			SplitValidation:   {Images: "validation_path", Labels: "validation_masks_path", IDList: "validation_files_path"},
			SplitTest:         {Images: "test_path", Labels: "test_masks_path", IDList: "test_files_path"},
			SplitQuantization: {Images: "quantization_path", Labels: "quantization_masks_path", IDList: "quantization_files_path"},
		},
		Kinds: map[string]PathKind{
			"training_path": PathDir, "training_masks_path": PathDir, "training_files_path": PathFile,
			"validation_path": PathDir, "validation_masks_path": PathDir, "validation_files_path": PathFile,
			"test_path": PathDir, "test_masks_path": PathDir, "test_files_path": PathFile,
			"quantization_path": PathDir, "quantization_masks_path": PathDir, "quantization_files_path": PathFile,
		},
		Extra: []string{"quantization_split"},
	},
}

// Layout returns the dataset layout of a use case.
func (u UseCase) Layout() DatasetLayout {
	return layouts[u]
}
