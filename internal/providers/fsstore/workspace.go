package fsstore

import (
	"fmt"
	"path/filepath"

	"github.com/crmarques/fabricsync/faults"
	"k8s.io/apimachinery/pkg/util/validation"
)

// Workspace is the on-disk area of one fabric under the engine work
// directory: <work-dir>/<fabric>/{managed,inbox,repo}.
type Workspace struct {
	FabricID string
	Dir      string
	Managed  *ManagedStore
	Inbox    *Inbox
}

func NewWorkspace(workDir string, fabricID string) (*Workspace, error) {
	if workDir == "" {
		return nil, faults.Validation("work directory must not be empty", nil)
	}
	if errs := validation.IsDNS1123Label(fabricID); len(errs) > 0 {
		return nil, faults.Validation(fmt.Sprintf("fabric id %q is not a valid directory name", fabricID), nil)
	}
	dir := filepath.Join(workDir, fabricID)
	return &Workspace{
		FabricID: fabricID,
		Dir:      dir,
		Managed:  NewManagedStore(filepath.Join(dir, "managed")),
		Inbox:    NewInbox(filepath.Join(dir, "inbox")),
	}, nil
}

// RepoDir is where the fabric's git working clone lives.
func (w *Workspace) RepoDir() string {
	return filepath.Join(w.Dir, "repo")
}

func (w *Workspace) Init() error {
	if err := w.Managed.Init(); err != nil {
		return err
	}
	return w.Inbox.Init()
}
