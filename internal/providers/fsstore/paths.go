package fsstore

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/crmarques/fabricsync/faults"
)

// resolve maps a slash-separated relative path onto root and refuses paths
// that would escape it lexically or through a symlinked parent.
func resolve(root string, relative string) (string, error) {
	if root == "" {
		return "", faults.Validation("store root must not be empty", nil)
	}
	cleaned := path.Clean("/" + strings.TrimSpace(relative))
	if cleaned == "/" {
		return "", faults.Validation("path must name a file", nil)
	}
	target := filepath.Join(root, filepath.FromSlash(strings.TrimPrefix(cleaned, "/")))
	if !isUnder(root, target) {
		return "", faults.Validation(fmt.Sprintf("path %q escapes store root", relative), nil)
	}

	parent, err := evalExisting(filepath.Dir(target))
	if err != nil {
		return "", faults.Internal("failed to resolve store path", err)
	}
	resolvedRoot, err := evalExisting(root)
	if err != nil {
		return "", faults.Internal("failed to resolve store root", err)
	}
	if !isUnder(resolvedRoot, parent) {
		return "", faults.Validation(fmt.Sprintf("path %q escapes store root through a symlink", relative), nil)
	}
	return target, nil
}

func isUnder(root string, candidate string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(candidate))
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// evalExisting resolves symlinks in the longest existing prefix of p and
// appends the non-existent remainder unchanged.
func evalExisting(p string) (string, error) {
	current := filepath.Clean(p)
	var suffix []string
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(append([]string{resolved}, suffix...)...), nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}
		parent := filepath.Dir(current)
		if parent == current {
			return filepath.Clean(p), nil
		}
		suffix = append([]string{filepath.Base(current)}, suffix...)
		current = parent
	}
}

func writeAtomic(target string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return faults.Internal("failed to create store directory", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(target), ".fabricsync-tmp-*")
	if err != nil {
		return faults.Internal("failed to create temporary file", err)
	}
	tempPath := tempFile.Name()

	if _, err := tempFile.Write(data); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempPath)
		return faults.Internal("failed to write temporary file", err)
	}
	if err := tempFile.Close(); err != nil {
		_ = os.Remove(tempPath)
		return faults.Internal("failed to finalize temporary file", err)
	}
	if err := os.Rename(tempPath, target); err != nil {
		_ = os.Remove(tempPath)
		return faults.Internal("failed to replace file", err)
	}
	return nil
}

// cleanupEmptyParents removes empty directories from start up to, but not
// including, root.
func cleanupEmptyParents(start string, root string) {
	current := filepath.Clean(start)
	stop := filepath.Clean(root)
	for current != stop && isUnder(stop, current) {
		if err := os.Remove(current); err != nil {
			return
		}
		current = filepath.Dir(current)
	}
}
