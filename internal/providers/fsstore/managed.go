// Package fsstore holds the on-disk state of a fabric: the managed store
// (one normalized file per resource) and the raw inbox.
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
	"github.com/moby/locker"
)

// ManagedStore is the local managed store of one fabric.
type ManagedStore struct {
	root  string
	locks *locker.Locker
}

func NewManagedStore(root string) *ManagedStore {
	return &ManagedStore{
		root:  filepath.Clean(root),
		locks: locker.New(),
	}
}

func (m *ManagedStore) Root() string {
	return m.root
}

func (m *ManagedStore) Init() error {
	if err := os.MkdirAll(m.root, 0o755); err != nil {
		return faults.Internal("failed to create managed store", err)
	}
	return nil
}

// Lock serializes writers of one managed path. The returned func unlocks.
func (m *ManagedStore) Lock(id manifest.Identity) func() {
	name := id.Path()
	m.locks.Lock(name)
	return func() {
		_ = m.locks.Unlock(name)
	}
}

func (m *ManagedStore) Read(id manifest.Identity) ([]byte, error) {
	target, err := resolve(m.root, id.Path())
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(target)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, faults.NotFound(fmt.Sprintf("managed file for %s not found", id))
		}
		return nil, faults.Internal(fmt.Sprintf("failed to read managed file for %s", id), err)
	}
	return data, nil
}

func (m *ManagedStore) Exists(id manifest.Identity) (bool, error) {
	target, err := resolve(m.root, id.Path())
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, faults.Internal(fmt.Sprintf("failed to inspect managed file for %s", id), err)
	}
	return true, nil
}

// Snapshot is the content of a managed path before a write, used to roll
// the write back.
type Snapshot struct {
	id      manifest.Identity
	content []byte
	existed bool
}

// Write atomically replaces the managed file of id and returns a snapshot
// of what was there before.
func (m *ManagedStore) Write(id manifest.Identity, data []byte) (Snapshot, error) {
	target, err := resolve(m.root, id.Path())
	if err != nil {
		return Snapshot{}, err
	}

	snapshot := Snapshot{id: id}
	previous, err := os.ReadFile(target)
	switch {
	case err == nil:
		snapshot.content = previous
		snapshot.existed = true
	case !errors.Is(err, os.ErrNotExist):
		return Snapshot{}, faults.Internal(fmt.Sprintf("failed to read managed file for %s", id), err)
	}

	if err := writeAtomic(target, data); err != nil {
		return Snapshot{}, err
	}
	return snapshot, nil
}

// Restore puts a managed path back to the state captured by snapshot.
func (m *ManagedStore) Restore(snapshot Snapshot) error {
	target, err := resolve(m.root, snapshot.id.Path())
	if err != nil {
		return err
	}
	if snapshot.existed {
		return writeAtomic(target, snapshot.content)
	}
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return faults.Internal(fmt.Sprintf("failed to roll back managed file for %s", snapshot.id), err)
	}
	cleanupEmptyParents(filepath.Dir(target), m.root)
	return nil
}

// List returns the identities of every managed file on disk.
func (m *ManagedStore) List() ([]manifest.Identity, error) {
	var identities []manifest.Identity
	err := filepath.WalkDir(m.root, func(current string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, os.ErrNotExist) && current == m.root {
				return filepath.SkipDir
			}
			return walkErr
		}
		if entry.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(m.root, current)
		if err != nil {
			return err
		}
		id, err := manifest.IdentityFromPath(filepath.ToSlash(rel))
		if err != nil {
			return nil
		}
		identities = append(identities, id)
		return nil
	})
	if err != nil {
		return nil, faults.Internal("failed to list managed store", err)
	}
	sort.Slice(identities, func(i, j int) bool {
		return identities[i].Path() < identities[j].Path()
	})
	return identities, nil
}
