// Package repository describes the git-side view of a fabric: a raw inbox
// of unprocessed manifests and a managed tree mirroring the managed store.
package repository

import (
	"context"

	"github.com/crmarques/fabricsync/manifest"
)

// Remote is the git sync contract for one fabric.
type Remote interface {
	// Pull refreshes the working clone and lists the raw and managed views
	// of the fabric's base path.
	Pull(ctx context.Context) (Snapshot, error)
	// Push commits changes and pushes them to the remote branch.
	Push(ctx context.Context, changes Changes) (CommitResult, error)
}

// ManagedBlob is one managed file found in the repository. Path is
// relative to <base>/managed.
type ManagedBlob struct {
	Identity manifest.Identity
	Path     string
	Content  []byte
}

// Snapshot is the content of the fabric's base path at Revision. An empty
// Revision means the remote branch does not exist yet.
type Snapshot struct {
	Revision string
	// Raw paths are relative to <base>/raw. Archived files are excluded.
	Raw     []manifest.RawFile
	Managed []ManagedBlob
	// Ignored lists managed-tree files whose path does not map to an
	// identity.
	Ignored []string
}

// ManagedFile is a managed file to commit.
type ManagedFile struct {
	Identity manifest.Identity
	Content  []byte
}

type Changes struct {
	Managed []ManagedFile
	// ArchiveRaw lists raw paths, relative to <base>/raw, to archive or
	// delete.
	ArchiveRaw []string
}

func (c Changes) Empty() bool {
	return len(c.Managed) == 0 && len(c.ArchiveRaw) == 0
}

// CommitResult reports the branch head after a push. Committed is false
// when there was nothing to commit.
type CommitResult struct {
	Hash      string
	Committed bool
}
