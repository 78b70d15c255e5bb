package metrics

import (
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun_Observe(t *testing.T) {
	r := New("image_classification", "chain_tqe")

	r.ObserveStage("train", StatusOK, 2*time.Second)
	r.ObserveStage("quantize", StatusOK, time.Second)
	r.ObserveStage("evaluate", StatusFailed, time.Second)
	r.ObserveRemote("benchmark", errors.New("timeout"))
	r.ObserveRemote("analyze", nil)
	r.SetFootprint(map[string]int64{"weights_rom": 1_048_576})

	assert.Equal(t, 1.0, testutil.ToFloat64(r.StagesTotal.WithLabelValues("train", StatusOK)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.StagesTotal.WithLabelValues("evaluate", StatusFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RemoteRequests.WithLabelValues("benchmark", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.RemoteRequests.WithLabelValues("analyze", "ok")))
	assert.Equal(t, 1048576.0, testutil.ToFloat64(r.Footprint.WithLabelValues("weights_rom")))
	assert.Equal(t, 3, testutil.CollectAndCount(r.StageDuration))
}

func TestRun_WriteTextfile(t *testing.T) {
	r := New("audio_event_detection", "training")
	r.ObserveStage("train", StatusOK, time.Minute)

	path, err := r.WriteTextfile(t.TempDir())
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(path, TextfileName))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.Contains(t, out, "modelzoo_stage_total")
	assert.Contains(t, out, `use_case="audio_event_detection"`)
	assert.Contains(t, out, `stage="train"`)
}

func TestRun_NilIsNoop(t *testing.T) {
	var r *Run
	assert.NotPanics(t, func() {
		r.ObserveStage("train", StatusOK, time.Second)
		r.ObserveRemote("analyze", nil)
		r.SetFootprint(map[string]int64{"x": 1})
	})
	path, err := r.WriteTextfile(t.TempDir())
	assert.NoError(t, err)
	assert.Empty(t, path)
}
