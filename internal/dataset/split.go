package dataset

import (
	"bufio"
	"encoding/csv"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
)

// ManifestDir is the run subdirectory holding split manifests.
const ManifestDir = "dataset_split"

// Sample is one dataset item and its class, if known.
type Sample struct {
	Path  string
	Class string
}

// Prepared lists the manifest files written for derived or subsampled splits.
type Prepared struct {
	Manifests map[config.Split]string
	Counts    map[config.Split]int
}

// Manifest returns the manifest written for split, or "".
func (p *Prepared) Manifest(split config.Split) string {
	if p == nil {
		return ""
	}
	return p.Manifests[split]
}

// Prepare writes CSV manifests for the splits the plan derives from other
// splits, and for the quantization subset when quantization_split is set.
// Configured splits that are used whole get no manifest.
func Prepare(p *Plan, outDir string) (*Prepared, error) {
	out := &Prepared{Manifests: map[config.Split]string{}, Counts: map[config.Split]int{}}
	layout := p.UseCase.Layout()

	write := func(split config.Split, samples []Sample) error {
		path, err := writeManifest(filepath.Join(outDir, ManifestDir), split, samples)
		if err != nil {
			return err
		}
		out.Manifests[split] = path
		out.Counts[split] = len(samples)
		return nil
	}

	if p.Validation.Derived() && p.Training != nil {
		samples, err := ListSamples(layout.ClassSource, p.Training)
		if err != nil {
			return nil, err
		}
		train, val := StratifiedSplit(samples, p.Validation.Fraction, p.Seed)
		if err := write(config.SplitTraining, train); err != nil {
			return nil, err
		}
		if err := write(config.SplitValidation, val); err != nil {
			return nil, err
		}
	}

	if p.Quantization != nil && p.QuantizationSplit > 0 && p.QuantizationSplit < 1 {
		samples, err := ListSamples(layout.ClassSource, p.Quantization)
		if err != nil {
			return nil, err
		}
		_, subset := StratifiedSplit(samples, p.QuantizationSplit, p.Seed)
		if err := write(config.SplitQuantization, subset); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ListSamples enumerates the items of a configured split: class
// subdirectories, labels CSV rows, an id list, or the image files of a
// flat directory.
func ListSamples(from config.ClassSource, src *Source) ([]Sample, error) {
	switch {
	case from == config.ClassesFromSubdirs:
		classes, err := subdirNames(src.Images)
		if err != nil {
			return nil, err
		}
		var out []Sample
		for _, c := range classes {
			files, err := listFiles(filepath.Join(src.Images, c))
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				out = append(out, Sample{Path: f, Class: c})
			}
		}
		return out, nil
	case from == config.ClassesFromCSV:
		rows, err := readLabelsCSV(src.Labels)
		if err != nil {
			return nil, err
		}
		out := make([]Sample, 0, len(rows))
		for _, r := range rows {
			out = append(out, Sample{Path: filepath.Join(src.Images, r.filename), Class: r.category})
		}
		return out, nil
	case src.IDList != "":
		ids, err := readLines(src.IDList)
		if err != nil {
			return nil, err
		}
		out := make([]Sample, 0, len(ids))
		for _, id := range ids {
			out = append(out, Sample{Path: id})
		}
		return out, nil
	}

	info, err := os.Stat(src.Images)
	if err != nil {
		return nil, fmt.Errorf("stat dataset root: %w", err)
	}
	if !info.IsDir() {
		return []Sample{{Path: src.Images}}, nil
	}
	files, err := listFiles(src.Images)
	if err != nil {
		return nil, err
	}
	var out []Sample
	for _, f := range files {
		if imageExtensions[strings.ToLower(filepath.Ext(f))] {
			out = append(out, Sample{Path: f})
		}
	}
	return out, nil
}

// StratifiedSplit holds out fraction of every class. Classes and files are
// visited in sorted order and shuffled with a generator seeded by seed, so
// the same inputs always give the same split.
func StratifiedSplit(samples []Sample, fraction float64, seed int64) (kept, heldOut []Sample) {
	byClass := map[string][]Sample{}
	for _, s := range samples {
		byClass[s.Class] = append(byClass[s.Class], s)
	}
	classes := make([]string, 0, len(byClass))
	for c := range byClass {
		classes = append(classes, c)
	}
	sort.Strings(classes)

	rng := rand.New(rand.NewSource(seed))
	for _, c := range classes {
		group := byClass[c]
		sort.Slice(group, func(i, j int) bool { return group[i].Path < group[j].Path })
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })

		n := int(math.Round(fraction * float64(len(group))))
		if n > len(group) {
			n = len(group)
		}
		heldOut = append(heldOut, group[:n]...)
		kept = append(kept, group[n:]...)
	}
	return kept, heldOut
}

func writeManifest(dir string, split config.Split, samples []Sample) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create manifest directory: %w", err)
	}
	path := filepath.Join(dir, string(split)+".csv")
	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create manifest: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write([]string{"path", "class"}); err != nil {
		return "", err
	}
	for _, s := range samples {
		if err := w.Write([]string{s.Path, s.Class}); err != nil {
			return "", err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}

// ReadManifest loads a manifest written by Prepare.
func ReadManifest(path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	recs, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	out := make([]Sample, 0, len(recs)-1)
	for _, r := range recs[1:] {
		out = append(out, Sample{Path: r[0], Class: r[1]})
	}
	return out, nil
}

func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dataset directory: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open id list: %w", err)
	}
	defer f.Close()

	var out []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	return out, sc.Err()
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".bmp": true, ".gif": true,
}
