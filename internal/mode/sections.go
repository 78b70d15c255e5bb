package mode

// Section names a top-level configuration section.
type Section string

const (
	SectionGeneral        Section = "general"
	SectionOperationMode  Section = "operation_mode"
	SectionDataset        Section = "dataset"
	SectionPreprocessing  Section = "preprocessing"
	SectionFeatureExtract Section = "feature_extraction"
	SectionDataAugment    Section = "data_augmentation"
	SectionCustomAugment  Section = "custom_data_augmentation"
	SectionTraining       Section = "training"
	SectionQuantization   Section = "quantization"
	SectionPrediction     Section = "prediction"
	SectionPostprocessing Section = "postprocessing"
	SectionTools          Section = "tools"
	SectionBenchmarking   Section = "benchmarking"
	SectionDeployment     Section = "deployment"
	SectionMLflow         Section = "mlflow"
	SectionHydra          Section = "hydra"
)

// TopLevel lists every legal top-level section.
func TopLevel() []Section {
	return []Section{
		SectionGeneral, SectionOperationMode, SectionDataset, SectionPreprocessing,
		SectionFeatureExtract, SectionDataAugment, SectionCustomAugment, SectionTraining,
		SectionQuantization, SectionPrediction, SectionPostprocessing, SectionTools,
		SectionBenchmarking, SectionDeployment, SectionMLflow, SectionHydra,
	}
}

// RequiredSections returns the sections a run in mode m must provide.
// mlflow is always required; general whenever the mode is not purely a
// training mode (model_path must then be given); dataset and
// preprocessing whenever data is consumed.
func RequiredSections(m Mode) []Section {
	req := []Section{SectionOperationMode, SectionMLflow}
	if !m.In(GroupTraining) {
		req = append(req, SectionGeneral)
	}
	if NeedsDataset(m) {
		req = append(req, SectionDataset)
	}
	if NeedsDataset(m) || m.In(GroupQuantization) {
		req = append(req, SectionPreprocessing)
	}
	if m.In(GroupTraining) {
		req = append(req, SectionTraining)
	}
	if m.In(GroupQuantization) {
		req = append(req, SectionQuantization)
	}
	if m.In(GroupBenchmarking) || m.In(GroupDeployment) {
		req = append(req, SectionTools)
	}
	if m.In(GroupBenchmarking) {
		req = append(req, SectionBenchmarking)
	}
	if m.In(GroupDeployment) {
		req = append(req, SectionDeployment)
	}
	if m == Prediction {
		req = append(req, SectionPrediction)
	}
	return req
}

// Requires reports whether s is required for m.
func Requires(m Mode, s Section) bool {
	for _, r := range RequiredSections(m) {
		if r == s {
			return true
		}
	}
	return false
}

// NeedsDataset reports whether the mode reads a labelled dataset. Pure
// benchmark, deploy and quantize modes do not.
func NeedsDataset(m Mode) bool {
	return m.In(GroupTraining) || m.In(GroupEvaluation) || m == Prediction
}
