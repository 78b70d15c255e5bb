// Package aggregate turns patch-level model outputs into clip-level
// predictions for the use cases that slice their input signal (audio event
// detection, activity recognition).
//
// A clip is the set of patches sharing a clip id. Ids are dense: a run
// with n clips uses every id in [0, n).
package aggregate

import (
	"fmt"
	"math/rand"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
)

// MultiLabelThreshold is the mean score at which a multi-label class is on.
const MultiLabelThreshold = 0.5

const emptyClipHint = "This usually means silence removal or feature extraction dropped every patch of the clip. " +
	"Check the preprocessing and feature_extraction sections"

// Options controls prediction aggregation.
type Options struct {
	// MultiLabel thresholds the per-clip mean instead of voting.
	MultiLabel bool
	// ReturnProba emits the per-clip mean scores instead of binary vectors.
	ReturnProba bool
	// Rand breaks argmax ties in mono-label voting. Nil uses a generator
	// seeded with Seed.
	Rand *rand.Rand
	Seed int64
}

// ClipCount returns the number of clips, max(clipIDs)+1.
func ClipCount(clipIDs []int) int {
	n := 0
	for _, id := range clipIDs {
		if id+1 > n {
			n = id + 1
		}
	}
	return n
}

// group returns the patch indices of every clip.
func group(nPatches int, clipIDs []int) ([][]int, error) {
	if len(clipIDs) != nPatches {
		return nil, errkind.New(errkind.KindDataset, errkind.UnsupportedFormat,
			fmt.Sprintf("%d clip ids for %d patches", len(clipIDs), nPatches))
	}
	for i, id := range clipIDs {
		if id < 0 {
			return nil, errkind.New(errkind.KindDataset, errkind.UnsupportedFormat,
				fmt.Sprintf("patch %d has negative clip id %d", i, id))
		}
	}
	// More clips than patches means at least one clip is empty.
	n := ClipCount(clipIDs)
	if n > nPatches {
		e := errkind.New(errkind.KindDataset, errkind.EmptyClip,
			fmt.Sprintf("clip ids reach %d but there are only %d patches", n-1, nPatches))
		e.Hint = emptyClipHint
		return nil, e
	}
	clips := make([][]int, n)
	for i, id := range clipIDs {
		clips[id] = append(clips[id], i)
	}
	for id, idx := range clips {
		if len(idx) == 0 {
			e := errkind.New(errkind.KindDataset, errkind.EmptyClip,
				fmt.Sprintf("clip %d has no patches", id))
			e.Hint = emptyClipHint
			return nil, e
		}
	}
	return clips, nil
}

func width(rows [][]float64) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	w := len(rows[0])
	for i, r := range rows {
		if len(r) != w {
			return 0, errkind.New(errkind.KindDataset, errkind.UnsupportedFormat,
				fmt.Sprintf("row %d has %d classes, expected %d", i, len(r), w))
		}
	}
	return w, nil
}

// Predictions aggregates patch scores into one vector per clip.
//
// Mono-label: the clip's class is the argmax of the summed scores, ties
// broken uniformly at random, emitted as a one-hot vector. Multi-label:
// every class whose mean score reaches MultiLabelThreshold is set. With
// ReturnProba both modes emit the mean scores.
func Predictions(patches [][]float64, clipIDs []int, opts Options) ([][]float64, error) {
	nClasses, err := width(patches)
	if err != nil {
		return nil, err
	}
	clips, err := group(len(patches), clipIDs)
	if err != nil {
		return nil, err
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(opts.Seed))
	}

	out := make([][]float64, len(clips))
	for c, idx := range clips {
		sum := make([]float64, nClasses)
		for _, i := range idx {
			for k, v := range patches[i] {
				sum[k] += v
			}
		}
		switch {
		case opts.ReturnProba:
			out[c] = scale(sum, 1/float64(len(idx)))
		case opts.MultiLabel:
			row := make([]float64, nClasses)
			for k, v := range sum {
				if v/float64(len(idx)) >= MultiLabelThreshold {
					row[k] = 1
				}
			}
			out[c] = row
		default:
			row := make([]float64, nClasses)
			if nClasses > 0 {
				best := argmaxAll(sum)
				row[best[rng.Intn(len(best))]] = 1
			}
			out[c] = row
		}
	}
	return out, nil
}

// GroundTruth takes the label of the first patch of every clip.
func GroundTruth(labels [][]float64, clipIDs []int) ([][]float64, error) {
	if _, err := width(labels); err != nil {
		return nil, err
	}
	clips, err := group(len(labels), clipIDs)
	if err != nil {
		return nil, err
	}
	out := make([][]float64, len(clips))
	for c, idx := range clips {
		out[c] = append([]float64(nil), labels[idx[0]]...)
	}
	return out, nil
}

// Accuracy is the share of clips whose predicted argmax matches the true
// argmax. Multi-label accuracy is not implemented.
func Accuracy(pred, truth [][]float64, multiLabel bool) (float64, error) {
	if multiLabel {
		return 0, errkind.New(errkind.KindDataset, errkind.NotImplemented,
			"clip-level accuracy is not implemented for multi-label datasets")
	}
	if len(pred) != len(truth) {
		return 0, errkind.New(errkind.KindDataset, errkind.UnsupportedFormat,
			fmt.Sprintf("%d predictions for %d labels", len(pred), len(truth)))
	}
	if len(pred) == 0 {
		return 0, nil
	}
	hits := 0
	for i := range pred {
		if argmax(pred[i]) == argmax(truth[i]) {
			hits++
		}
	}
	return float64(hits) / float64(len(pred)), nil
}

func scale(v []float64, f float64) []float64 {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * f
	}
	return out
}

// argmax returns the first index of the largest value.
func argmax(v []float64) int {
	best := 0
	for i := range v {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

// argmaxAll returns every index holding the largest value.
func argmaxAll(v []float64) []int {
	best := []int{0}
	for i := 1; i < len(v); i++ {
		switch {
		case v[i] > v[best[0]]:
			best = append(best[:0], i)
		case v[i] == v[best[0]]:
			best = append(best, i)
		}
	}
	return best
}
