package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/modelzoo/internal/config"
	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
)

const (
	csvFilenameColumn = "filename"
	csvCategoryColumn = "category"
)

// InferClassNames reads class names from a configured split: the
// subdirectory names of its root, or the unique category column of its
// labels CSV. It returns nil when the use case keeps no class information
// in the data.
func InferClassNames(from config.ClassSource, src *Source) ([]string, error) {
	switch from {
	case config.ClassesFromSubdirs:
		return subdirNames(src.Images)
	case config.ClassesFromCSV:
		rows, err := readLabelsCSV(src.Labels)
		if err != nil {
			return nil, err
		}
		seen := map[string]bool{}
		var names []string
		for _, r := range rows {
			if !seen[r.category] {
				seen[r.category] = true
				names = append(names, r.category)
			}
		}
		sort.Strings(names)
		return names, nil
	}
	return nil, nil
}

func subdirNames(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("read dataset directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

type labelRow struct {
	filename string
	category string
}

// readLabelsCSV reads the filename and category columns of an audio
// labels file.
func readLabelsCSV(path string) ([]labelRow, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open labels file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errkind.New(errkind.KindDataset, errkind.UnsupportedFormat,
				fmt.Sprintf("labels file %s is empty", path))
		}
		return nil, fmt.Errorf("read labels header: %w", err)
	}
	fileCol, catCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case csvFilenameColumn:
			fileCol = i
		case csvCategoryColumn:
			catCol = i
		}
	}
	if fileCol < 0 || catCol < 0 {
		return nil, errkind.New(errkind.KindDataset, errkind.UnsupportedFormat,
			fmt.Sprintf("labels file %s must have %q and %q columns", path, csvFilenameColumn, csvCategoryColumn))
	}

	var rows []labelRow
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read labels file: %w", err)
		}
		if len(rec) <= fileCol || len(rec) <= catCol {
			continue
		}
		rows = append(rows, labelRow{
			filename: strings.TrimSpace(rec[fileCol]),
			category: strings.TrimSpace(rec[catCol]),
		})
	}
	return rows, nil
}
