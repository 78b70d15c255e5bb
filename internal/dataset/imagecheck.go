package dataset

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/h2non/filetype"

	"github.com/fyrsmithlabs/modelzoo/internal/errkind"
)

// headerSize is the number of leading bytes filetype needs to match.
const headerSize = 261

// CheckImageFiles walks root and fails on the first regular file whose
// content is not a recognized image format.
func CheckImageFiles(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		ok, err := isImage(path)
		if err != nil {
			return err
		}
		if !ok {
			return errkind.New(errkind.KindDataset, errkind.UnsupportedFormat,
				fmt.Sprintf("%s is not a supported image file; remove it or set dataset.check_image_files to False", path))
		}
		return nil
	})
}

func isImage(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return false, err
	}
	defer f.Close()

	head := make([]byte, headerSize)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return false, err
	}
	return filetype.IsImage(head[:n]), nil
}
