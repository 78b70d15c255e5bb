package deploy

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Destinations of generated sources inside a board C project.
var (
	MiddlewareDir = filepath.Join("Middlewares", "ST", "AI")
	AppDir        = filepath.Join("X-CUBE-AI", "App")
)

// InstallSources copies generated sources into project: Lib/ and Inc/
// trees go under Middlewares/ST/AI, other C sources and headers into
// X-CUBE-AI/App. It returns the installed paths.
func InstallSources(generated, project string) ([]string, error) {
	var installed []string
	err := filepath.WalkDir(generated, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "workspace" {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(generated, path)
		if err != nil {
			return err
		}
		var dst string
		switch top := strings.SplitN(filepath.ToSlash(rel), "/", 2)[0]; {
		case top == "Lib" || top == "Inc":
			dst = filepath.Join(project, MiddlewareDir, rel)
		case strings.HasSuffix(path, ".c") || strings.HasSuffix(path, ".h"):
			dst = filepath.Join(project, AppDir, filepath.Base(path))
		default:
			return nil
		}
		if err := copyFile(path, dst); err != nil {
			return err
		}
		installed = append(installed, dst)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("installing generated sources: %w", err)
	}
	if len(installed) == 0 {
		return nil, fmt.Errorf("no generated sources under %s", generated)
	}
	return installed, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// findDir returns the first directory under root containing name.
func findDir(root, name string) (string, bool) {
	var found string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = filepath.Dir(path)
			return filepath.SkipAll
		}
		return nil
	})
	return found, found != ""
}

// findLaunchScript returns the lexically first launch_*.sh under dir,
// relative to dir.
func findLaunchScript(dir string) (string, error) {
	var scripts []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ok, _ := filepath.Match("launch_*.sh", d.Name()); ok && !d.IsDir() {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return err
			}
			scripts = append(scripts, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if len(scripts) == 0 {
		return "", fmt.Errorf("no launch_*.sh under %s", dir)
	}
	sort.Strings(scripts)
	return scripts[0], nil
}
