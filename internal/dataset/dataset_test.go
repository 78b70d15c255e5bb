package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
	"github.com/fyrsmithlabs/modelzoo/internal/mode"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

// makeClassDir creates root/<class>/img_<i>.png for every class.
func makeClassDir(t *testing.T, root string, classes map[string]int) string {
	t.Helper()
	for class, n := range classes {
		dir := filepath.Join(root, class)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		for i := 0; i < n; i++ {
			require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("img_%02d.png", i)), pngHeader, 0o600))
		}
	}
	return root
}

func newConfig(u config.UseCase, m mode.Mode, paths map[string]string) *config.Config {
	return &config.Config{
		UseCase: u,
		Mode:    m,
		General: config.GeneralConfig{GlobalSeed: 123},
		Dataset: config.DatasetConfig{Seed: 123, ValidationSplit: 0.2, Paths: paths},
	}
}

func TestReconcile_TrainingDerivesValidation(t *testing.T) {
	train := makeClassDir(t, t.TempDir(), map[string]int{"daisy": 10, "rose": 5})
	cfg := newConfig(config.ImageClassification, mode.Training, map[string]string{"training_path": train})

	p, err := Reconcile(cfg)
	require.NoError(t, err)

	require.NotNil(t, p.Training)
	assert.Equal(t, train, p.Training.Images)
	require.NotNil(t, p.Validation)
	assert.True(t, p.Validation.Derived())
	assert.Equal(t, config.SplitTraining, p.Validation.From)
	assert.Equal(t, 0.2, p.Validation.Fraction)
	assert.Nil(t, p.Evaluation)
	assert.Nil(t, p.Quantization)

	assert.Equal(t, []string{"daisy", "rose"}, p.ClassNames)
	assert.True(t, p.ClassesInferred)
}

func TestReconcile_TrainingRequiresTrainingSet(t *testing.T) {
	test := makeClassDir(t, t.TempDir(), map[string]int{"a": 1})
	cfg := newConfig(config.ImageClassification, mode.ChainTQE, map[string]string{"test_path": test})

	_, err := Reconcile(cfg)
	require.ErrorIs(t, err, errkind.ErrMissingAttr)
	var e *errkind.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "training_path", e.Attribute)
}

func TestReconcile_EvaluationPreference(t *testing.T) {
	train := makeClassDir(t, t.TempDir(), map[string]int{"a": 4, "b": 4})
	val := makeClassDir(t, t.TempDir(), map[string]int{"a": 1, "b": 1})
	test := makeClassDir(t, t.TempDir(), map[string]int{"a": 1, "b": 1})

	tests := []struct {
		name  string
		paths map[string]string
		want  string
	}{
		{"test wins", map[string]string{"training_path": train, "validation_path": val, "test_path": test}, test},
		{"validation next", map[string]string{"training_path": train, "validation_path": val}, val},
		{"training last", map[string]string{"training_path": train}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newConfig(config.ImageClassification, mode.Evaluation, tt.paths)
			cfg.Dataset.ClassNames = []string{"a", "b"}

			p, err := Reconcile(cfg)
			require.NoError(t, err)
			require.NotNil(t, p.Evaluation)
			if tt.want == "" {
				assert.True(t, p.Evaluation.Derived(), "held-out part of the training set")
				return
			}
			assert.Equal(t, tt.want, p.Evaluation.Images)
			assert.False(t, p.ClassesInferred)
		})
	}
}

func TestReconcile_EvaluationWithoutData(t *testing.T) {
	cfg := newConfig(config.ImageClassification, mode.Evaluation, map[string]string{})

	_, err := Reconcile(cfg)
	require.ErrorIs(t, err, errkind.ErrMissingAttr)
	var e *errkind.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "test_path|validation_path|training_path", e.Attribute)
}

func TestReconcile_HARFallsBackToTrainingFile(t *testing.T) {
	dir := t.TempDir()
	train := filepath.Join(dir, "WISDM_ar_v1.1_raw.txt")
	require.NoError(t, os.WriteFile(train, []byte("1,Walking,0,0,0,0;\n"), 0o600))

	cfg := newConfig(config.HumanActivityRecognition, mode.Evaluation, map[string]string{"training_path": train})
	cfg.Dataset.ClassNames = []string{"Jogging", "Stationary", "Stairs", "Walking"}

	p, err := Reconcile(cfg)
	require.NoError(t, err)
	assert.Nil(t, p.Validation, "no validation split for this use case")
	require.NotNil(t, p.Evaluation)
	assert.Equal(t, train, p.Evaluation.Images)
}

func TestReconcile_Quantization(t *testing.T) {
	train := makeClassDir(t, t.TempDir(), map[string]int{"a": 2})
	quant := makeClassDir(t, t.TempDir(), map[string]int{"a": 2})

	t.Run("quantization set preferred", func(t *testing.T) {
		cfg := newConfig(config.ImageClassification, mode.Quantization,
			map[string]string{"training_path": train, "quantization_path": quant})
		p, err := Reconcile(cfg)
		require.NoError(t, err)
		assert.Equal(t, quant, p.Quantization.Images)
		assert.False(t, p.FakeCalibration)
		assert.Empty(t, p.ClassNames, "weight-only modes do not need class names")
	})

	t.Run("training set next", func(t *testing.T) {
		cfg := newConfig(config.ImageClassification, mode.ChainQB, map[string]string{"training_path": train})
		p, err := Reconcile(cfg)
		require.NoError(t, err)
		assert.Equal(t, train, p.Quantization.Images)
	})

	t.Run("fake calibration", func(t *testing.T) {
		cfg := newConfig(config.ImageClassification, mode.ChainQD, map[string]string{})
		p, err := Reconcile(cfg)
		require.NoError(t, err)
		assert.Nil(t, p.Quantization)
		assert.True(t, p.FakeCalibration)
		assert.Contains(t, p.Warnings, FakeCalibrationWarning)
		assert.True(t, p.Empty())
	})
}

func TestReconcile_BenchmarkNeedsNothing(t *testing.T) {
	p, err := Reconcile(newConfig(config.ImageClassification, mode.Benchmarking, nil))
	require.NoError(t, err)
	assert.True(t, p.Empty())
	assert.False(t, p.FakeCalibration)
}

func TestReconcile_PathErrors(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "file.txt")
	require.NoError(t, os.WriteFile(file, nil, 0o600))

	_, err := Reconcile(newConfig(config.ImageClassification, mode.Training,
		map[string]string{"training_path": filepath.Join(dir, "missing")}))
	assert.ErrorIs(t, err, errkind.ErrNotFound)

	_, err = Reconcile(newConfig(config.ImageClassification, mode.Training,
		map[string]string{"training_path": file}))
	assert.ErrorIs(t, err, errkind.ErrNotADir)
}

func TestReconcile_AudioClassesFromCSV(t *testing.T) {
	dir := t.TempDir()
	audio := filepath.Join(dir, "audio")
	require.NoError(t, os.MkdirAll(audio, 0o755))
	csvPath := filepath.Join(dir, "esc50.csv")
	require.NoError(t, os.WriteFile(csvPath, []byte("filename,fold,target,category\n"+
		"1-100032-A-0.wav,1,0,dog\n"+
		"1-100038-A-14.wav,1,14,chirping_birds\n"+
		"1-110389-A-0.wav,1,0,dog\n"), 0o600))

	cfg := newConfig(config.AudioEventDetection, mode.Training,
		map[string]string{"training_audio_path": audio, "training_csv_path": csvPath})
	p, err := Reconcile(cfg)
	require.NoError(t, err)
	assert.Equal(t, []string{"chirping_birds", "dog"}, p.ClassNames)

	samples, err := ListSamples(config.ClassesFromCSV, p.Training)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, filepath.Join(audio, "1-100032-A-0.wav"), samples[0].Path)
	assert.Equal(t, "dog", samples[0].Class)
}

func TestReconcile_IncompleteSplit(t *testing.T) {
	audio := t.TempDir()
	cfg := newConfig(config.AudioEventDetection, mode.Training, map[string]string{"training_audio_path": audio})

	_, err := Reconcile(cfg)
	require.ErrorIs(t, err, errkind.ErrMissingAttr)
	var e *errkind.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "training_csv_path", e.Attribute)
}

func TestReconcile_NoClassNames(t *testing.T) {
	test := t.TempDir()
	cfg := newConfig(config.ObjectDetection, mode.Evaluation, map[string]string{"test_path": test})

	_, err := Reconcile(cfg)
	assert.ErrorIs(t, err, errkind.ErrNoClassNames)
}

func TestReconcile_CheckImageFiles(t *testing.T) {
	train := makeClassDir(t, t.TempDir(), map[string]int{"a": 2})
	require.NoError(t, os.WriteFile(filepath.Join(train, "a", "notes.txt"), []byte("not an image"), 0o600))

	cfg := newConfig(config.ImageClassification, mode.Training, map[string]string{"training_path": train})
	_, err := Reconcile(cfg)
	require.NoError(t, err, "check disabled")

	cfg.Dataset.CheckImageFiles = true
	_, err = Reconcile(cfg)
	require.ErrorIs(t, err, errkind.ErrUnsupportedFormat)
	assert.Contains(t, err.Error(), "notes.txt")
}

func TestStratifiedSplit(t *testing.T) {
	var samples []Sample
	for i := 0; i < 10; i++ {
		samples = append(samples, Sample{Path: fmt.Sprintf("a/%d", i), Class: "a"})
	}
	for i := 0; i < 5; i++ {
		samples = append(samples, Sample{Path: fmt.Sprintf("b/%d", i), Class: "b"})
	}

	kept, held := StratifiedSplit(samples, 0.2, 123)
	assert.Len(t, held, 3)
	assert.Len(t, kept, 12)

	perClass := map[string]int{}
	for _, s := range held {
		perClass[s.Class]++
	}
	assert.Equal(t, map[string]int{"a": 2, "b": 1}, perClass)

	seen := map[string]bool{}
	for _, s := range append(append([]Sample(nil), kept...), held...) {
		assert.False(t, seen[s.Path], "duplicate %s", s.Path)
		seen[s.Path] = true
	}
	assert.Len(t, seen, len(samples))

	kept2, held2 := StratifiedSplit(samples, 0.2, 123)
	assert.Equal(t, held, held2)
	assert.Equal(t, kept, kept2)
}

func TestPrepare_WritesManifests(t *testing.T) {
	train := makeClassDir(t, t.TempDir(), map[string]int{"daisy": 10, "rose": 10})
	cfg := newConfig(config.ImageClassification, mode.ChainTQE, map[string]string{"training_path": train})
	cfg.Dataset.QuantizationSplit = 0.5

	p, err := Reconcile(cfg)
	require.NoError(t, err)

	out := t.TempDir()
	prepared, err := Prepare(p, out)
	require.NoError(t, err)

	assert.Equal(t, 16, prepared.Counts[config.SplitTraining])
	assert.Equal(t, 4, prepared.Counts[config.SplitValidation])
	assert.Equal(t, 10, prepared.Counts[config.SplitQuantization])

	valPath := prepared.Manifest(config.SplitValidation)
	assert.Equal(t, filepath.Join(out, ManifestDir, "validation.csv"), valPath)
	val, err := ReadManifest(valPath)
	require.NoError(t, err)
	assert.Len(t, val, 4)
	for _, s := range val {
		assert.FileExists(t, s.Path)
	}

	assert.Empty(t, prepared.Manifest(config.SplitTest))
}

func TestListSamples_FlatAndIDList(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"0001.jpg", "0001.txt", "0002.png"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}
	samples, err := ListSamples(config.ClassesNone, &Source{Images: dir})
	require.NoError(t, err)
	assert.Len(t, samples, 2)

	ids := filepath.Join(t.TempDir(), "train.txt")
	require.NoError(t, os.WriteFile(ids, []byte("2007_000032\n\n2007_000039\n"), 0o600))
	samples, err = ListSamples(config.ClassesNone, &Source{Images: dir, IDList: ids})
	require.NoError(t, err)
	assert.Equal(t, []Sample{{Path: "2007_000032"}, {Path: "2007_000039"}}, samples)
}
