package mode

// Stage is one step of a run.
type Stage string

const (
	StagePreprocess     Stage = "preprocess"
	StagePreprocessPred Stage = "preprocess_pred"
	StageTrain          Stage = "train"
	StageEvaluate       Stage = "evaluate"
	StageQuantize       Stage = "quantize"
	StageBenchmark      Stage = "benchmark"
	StageDeploy         Stage = "deploy"
	StagePredict        Stage = "predict"
)

// Precision selects which model an evaluate step reads in chains that
// evaluate twice.
type Precision string

const (
	PrecisionAny       Precision = ""
	PrecisionFloat     Precision = "float"
	PrecisionQuantized Precision = "quantized"
)

// Step is a stage call within a sequence.
type Step struct {
	Stage Stage
	// Optional steps run only when their inputs are configured
	// (preprocess before quantization without a dataset is skipped).
	Optional  bool
	Precision Precision
}

func (s Step) String() string {
	name := string(s.Stage)
	if s.Precision != PrecisionAny {
		name += "(" + string(s.Precision) + ")"
	}
	if s.Optional {
		name += "?"
	}
	return name
}

var (
	pre      = Step{Stage: StagePreprocess}
	preOpt   = Step{Stage: StagePreprocess, Optional: true}
	train    = Step{Stage: StageTrain}
	eval     = Step{Stage: StageEvaluate}
	evalF    = Step{Stage: StageEvaluate, Precision: PrecisionFloat}
	evalQ    = Step{Stage: StageEvaluate, Precision: PrecisionQuantized}
	quantize = Step{Stage: StageQuantize}
	bench    = Step{Stage: StageBenchmark}
	deploy   = Step{Stage: StageDeploy}
)

var sequences = map[Mode][]Step{
	Training:     {pre, train},
	Evaluation:   {pre, eval},
	Quantization: {preOpt, quantize},
	Benchmarking: {bench},
	Deployment:   {deploy},
	Prediction:   {{Stage: StagePreprocessPred}, {Stage: StagePredict}},
	ChainTQE:     {pre, train, quantize, evalQ},
	ChainTBQEB:   {pre, train, bench, quantize, evalQ, bench},
	ChainTQEB:    {pre, train, quantize, evalQ, bench},
	ChainEQE:     {pre, evalF, quantize, evalQ},
	ChainQB:      {preOpt, quantize, bench},
	ChainEQEB:    {pre, evalF, quantize, evalQ, bench},
	ChainQD:      {preOpt, quantize, deploy},
	ChainTB:      {pre, train, bench},
}

// Sequence returns the ordered steps for m. The returned slice is a copy.
func Sequence(m Mode) []Step {
	return append([]Step(nil), sequences[m]...)
}
