package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
)

func TestCheckAttributes(t *testing.T) {
	schema := Schema{
		Legal:     []string{"a", "b", "c", "d"},
		All:       []string{"a"},
		OneOrMore: []string{"c", "d"},
	}

	tests := []struct {
		name    string
		section map[string]any
		wantErr error
		attr    string
	}{
		{"valid", map[string]any{"a": 1, "c": "x"}, nil, ""},
		{"all legal keys", map[string]any{"a": 1, "b": 2, "c": 3, "d": 4}, nil, ""},
		{"unknown key", map[string]any{"a": 1, "c": 1, "z": 1}, errkind.ErrUnknownAttr, "z"},
		{"missing required", map[string]any{"c": 1}, errkind.ErrMissingAttr, "a"},
		{"null required", map[string]any{"a": nil, "c": 1}, errkind.ErrMissingValue, "a"},
		{"none of one_or_more", map[string]any{"a": 1}, errkind.ErrMissingAttr, "c|d"},
		{"one_or_more all null", map[string]any{"a": 1, "c": nil, "d": nil}, errkind.ErrMissingAttr, "c|d"},
		{"one_or_more second", map[string]any{"a": 1, "c": nil, "d": false}, nil, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckAttributes(tt.section, schema, "demo")
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.wantErr)

			var e *errkind.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, "demo", e.Section)
			assert.Equal(t, tt.attr, e.Attribute)
			assert.NotEmpty(t, e.Hint)
		})
	}
}

func TestCheckAttributes_UnknownKeysReportedInOrder(t *testing.T) {
	err := CheckAttributes(map[string]any{"zeta": 1, "alpha": 2}, Schema{}, "general")
	var e *errkind.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "alpha", e.Attribute)
}

func TestCheckAttributes_EmptySchemaAcceptsEmptySection(t *testing.T) {
	assert.NoError(t, CheckAttributes(map[string]any{}, Schema{}, "mlflow"))
}

func TestCheckEnum(t *testing.T) {
	s := map[string]any{"quantizer": "tflite_converter", "granularity": "per_layer", "optimize": nil}

	assert.NoError(t, checkEnum(s, "quantization", "quantizer", quantizers, true))
	assert.ErrorIs(t, checkEnum(s, "quantization", "quantizer", quantizers, false), errkind.ErrBadEnum)
	assert.ErrorIs(t, checkEnum(s, "quantization", "granularity", granularities, false), errkind.ErrBadEnum)
	assert.NoError(t, checkEnum(s, "quantization", "optimize", []string{"x"}, false))
	assert.NoError(t, checkEnum(s, "quantization", "absent", []string{"x"}, false))
}

func TestCheckOpenInterval(t *testing.T) {
	tests := []struct {
		value   any
		wantErr error
	}{
		{0.2, nil},
		{0.999, nil},
		{0.0, errkind.ErrOutOfRange},
		{1.0, errkind.ErrOutOfRange},
		{1, errkind.ErrOutOfRange},
		{-0.5, errkind.ErrOutOfRange},
		{"half", errkind.ErrBadType},
		{nil, nil},
	}
	for _, tt := range tests {
		err := checkOpenInterval(map[string]any{"validation_split": tt.value}, "dataset", "validation_split")
		if tt.wantErr == nil {
			assert.NoError(t, err, "value %v", tt.value)
			continue
		}
		assert.ErrorIs(t, err, tt.wantErr, "value %v", tt.value)
	}
}

func TestCheckPositive(t *testing.T) {
	assert.NoError(t, checkPositive(map[string]any{"epochs": 3}, "training", "epochs"))
	assert.ErrorIs(t, checkPositive(map[string]any{"epochs": 0}, "training", "epochs"), errkind.ErrOutOfRange)
	assert.ErrorIs(t, checkPositive(map[string]any{"epochs": "ten"}, "training", "epochs"), errkind.ErrBadType)
}

func TestDatasetSchema_PerUseCase(t *testing.T) {
	ic := datasetSchema(ImageClassification)
	assert.Contains(t, ic.Legal, "training_path")
	assert.Contains(t, ic.Legal, "check_image_files")
	assert.NotContains(t, ic.Legal, "training_csv_path")

	audio := datasetSchema(AudioEventDetection)
	assert.Contains(t, audio.Legal, "training_csv_path")
	assert.Contains(t, audio.Legal, "use_other_class")
	assert.NotContains(t, audio.Legal, "training_path")

	seg := datasetSchema(SemanticSegmentation)
	assert.Contains(t, seg.Legal, "validation_masks_path")
	assert.Contains(t, seg.Legal, "test_files_path")

	for _, u := range UseCases() {
		legal := datasetSchema(u).Legal
		for _, always := range []string{"name", "class_names", "seed", "validation_split"} {
			assert.Contains(t, legal, always, "use case %s", u)
		}
	}
}
