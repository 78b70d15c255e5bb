package dispatch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"

	"github.com/fyrsmithlabs/modelzoo/internal/footprint"
)

// Result summarizes a weights dispatch.
type Result struct {
	Assignments   []Assignment
	InternalBytes int64
	ExternalBytes int64
}

// Weights annotates dir/network_data_params.c for placement. Without a
// weights split every array is placed in internal flash; with one, the
// buffers listed in the graph description are packed by Assign and any
// other array goes to external flash.
func Weights(dir string, placement footprint.Placement) (*Result, error) {
	cPath := filepath.Join(dir, WeightsFile)
	src, err := os.ReadFile(cPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", WeightsFile, err)
	}

	res := &Result{}
	regions := map[string]Region{}
	def := InternalFlash
	defines := []Region{InternalFlash}

	if placement.SplitWeights {
		buffers, err := ReadBuffers(dir)
		if err != nil {
			return nil, err
		}
		res.Assignments = Assign(buffers, placement.FreeInternalFlash)
		for _, a := range res.Assignments {
			regions[a.Name] = a.Region
			if a.Region == InternalFlash {
				res.InternalBytes += a.Size
			} else {
				res.ExternalBytes += a.Size
			}
		}
		def = ExternalFlash
		defines = append(defines, ExternalFlash)
	}

	if err := WriteAtomic(cPath, Annotate(src, regions, def, defines...)); err != nil {
		return nil, err
	}
	return res, nil
}

// ActivationPlacer moves activation buffers of generated sources out of
// internal RAM.
type ActivationPlacer interface {
	PlaceActivations(dir string) error
}

// ActivationFiles are the generated sources declaring activation pools.
var ActivationFiles = []string{"network.c", "app_x-cube-ai.c"}

var poolDecl = regexp.MustCompile(`^\s*(?:AI_ALIGNED\(\d+\)\s*)?(?:static\s+)?(?:ai_u8|uint8_t)\s+((?:pool|activations)\w*)\s*\[`)

// ExternalRAMPlacer annotates every activation pool declaration found in
// ActivationFiles under a directory with AI_EXTERNAL_RAM.
type ExternalRAMPlacer struct{}

// PlaceActivations implements ActivationPlacer.
func (ExternalRAMPlacer) PlaceActivations(dir string) error {
	want := map[string]bool{}
	for _, f := range ActivationFiles {
		want[f] = true
	}
	found := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !want[d.Name()] {
			return nil
		}
		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		found++
		out := annotate(src, poolDecl, func(string) Region { return ExternalRAM }, []Region{ExternalRAM})
		return WriteAtomic(path, out)
	})
	if err != nil {
		return fmt.Errorf("failed to place activations: %w", err)
	}
	if found == 0 {
		return fmt.Errorf("no activation sources (%v) under %s", ActivationFiles, dir)
	}
	return nil
}
