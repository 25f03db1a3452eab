package fsstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/manifest"
)

// Inbox is the raw manifest inbox of one fabric.
type Inbox struct {
	root string
}

func NewInbox(root string) *Inbox {
	return &Inbox{root: filepath.Clean(root)}
}

func (i *Inbox) Root() string {
	return i.root
}

func (i *Inbox) Init() error {
	if err := os.MkdirAll(i.root, 0o755); err != nil {
		return faults.Internal("failed to create raw inbox", err)
	}
	return nil
}

// Put drops a raw file into the inbox, replacing any pending file with the
// same path.
func (i *Inbox) Put(file manifest.RawFile) error {
	if !manifest.IsManifestFile(file.Path) {
		return faults.Validation(fmt.Sprintf("raw file %q is not a yaml or json manifest", file.Path), nil)
	}
	target, err := resolve(i.root, file.Path)
	if err != nil {
		return err
	}
	return writeAtomic(target, file.Content)
}

// List returns the pending raw files in path order. Archived and hidden
// files are skipped.
func (i *Inbox) List() ([]manifest.RawFile, error) {
	var files []manifest.RawFile
	err := filepath.WalkDir(i.root, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) && current == i.root {
				return filepath.SkipDir
			}
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(i.root, current)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !manifest.IsManifestFile(rel) {
			return nil
		}
		content, err := os.ReadFile(current)
		if err != nil {
			return err
		}
		files = append(files, manifest.RawFile{Path: rel, Content: content})
		return nil
	})
	if err != nil {
		return nil, faults.Internal("failed to list raw inbox", err)
	}
	sort.Slice(files, func(a, b int) bool {
		return files[a].Path < files[b].Path
	})
	return files, nil
}

// Archive renames a raw file with the archival suffix so it is never
// listed again.
func (i *Inbox) Archive(rawPath string) error {
	source, err := resolve(i.root, rawPath)
	if err != nil {
		return err
	}
	if err := os.Rename(source, source+manifest.ArchiveSuffix); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return faults.NotFound(fmt.Sprintf("raw file %q not found", rawPath))
		}
		return faults.Internal(fmt.Sprintf("failed to archive raw file %q", rawPath), err)
	}
	return nil
}
