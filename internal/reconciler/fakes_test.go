package reconciler

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/crmarques/fabricsync/fabric"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/repository"
)

// fakeRemote is an in-memory git remote.
type fakeRemote struct {
	mu       sync.Mutex
	raw      map[string][]byte
	managed  map[manifest.Identity][]byte
	revision int
	pulls    int
	pushes   int
	pullErr  error
	pushErr  error
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		raw:     map[string][]byte{},
		managed: map[manifest.Identity][]byte{},
	}
}

func (f *fakeRemote) putRaw(path string, content string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.raw[path] = []byte(content)
	f.revision++
}

func (f *fakeRemote) putManaged(id manifest.Identity, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.managed[id] = content
	f.revision++
}

func (f *fakeRemote) managedFile(id manifest.Identity) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.managed[id]
	return content, ok
}

func (f *fakeRemote) rawPaths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	paths := make([]string, 0, len(f.raw))
	for path := range f.raw {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

func (f *fakeRemote) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

func (f *fakeRemote) Pull(ctx context.Context) (repository.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return repository.Snapshot{}, f.pullErr
	}

	snapshot := repository.Snapshot{Revision: fmt.Sprintf("rev-%d", f.revision)}
	for path, content := range f.raw {
		snapshot.Raw = append(snapshot.Raw, manifest.RawFile{Path: path, Content: append([]byte(nil), content...)})
	}
	for id, content := range f.managed {
		snapshot.Managed = append(snapshot.Managed, repository.ManagedBlob{
			Identity: id,
			Path:     id.Path(),
			Content:  append([]byte(nil), content...),
		})
	}
	sort.Slice(snapshot.Raw, func(a, b int) bool { return snapshot.Raw[a].Path < snapshot.Raw[b].Path })
	sort.Slice(snapshot.Managed, func(a, b int) bool { return snapshot.Managed[a].Path < snapshot.Managed[b].Path })
	return snapshot, nil
}

func (f *fakeRemote) Push(ctx context.Context, changes repository.Changes) (repository.CommitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return repository.CommitResult{}, f.pushErr
	}
	f.pushes++
	for _, file := range changes.Managed {
		f.managed[file.Identity] = append([]byte(nil), file.Content...)
	}
	for _, path := range changes.ArchiveRaw {
		delete(f.raw, path)
	}
	f.revision++
	return repository.CommitResult{Hash: fmt.Sprintf("rev-%d", f.revision), Committed: true}, nil
}

// fakeFabric is an in-memory fabric API without an ignore filter.
type fakeFabric struct {
	mu         sync.Mutex
	objects    map[manifest.Identity]fabric.LiveResource
	version    int
	applied    []manifest.Identity
	listErr    error
	afterApply func(applied int)
}

func newFakeFabric() *fakeFabric {
	return &fakeFabric{objects: map[manifest.Identity]fabric.LiveResource{}}
}

func (f *fakeFabric) setLive(doc manifest.Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.version++
	f.objects[doc.Identity] = fabric.LiveResource{
		Identity:        doc.Identity,
		Hash:            doc.Hash,
		Object:          doc.Object,
		ResourceVersion: strconv.Itoa(f.version),
	}
}

func (f *fakeFabric) remove(id manifest.Identity) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, id)
}

func (f *fakeFabric) live(id manifest.Identity) (fabric.LiveResource, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	object, ok := f.objects[id]
	return object, ok
}

func (f *fakeFabric) appliedIdentities() []manifest.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]manifest.Identity(nil), f.applied...)
}

func (f *fakeFabric) Hash(doc manifest.Document) (string, error) {
	return doc.Hash, nil
}

func (f *fakeFabric) Apply(ctx context.Context, doc manifest.Document) (fabric.AppliedVersion, error) {
	if err := ctx.Err(); err != nil {
		return fabric.AppliedVersion{}, err
	}

	f.mu.Lock()
	f.applied = append(f.applied, doc.Identity)
	count := len(f.applied)
	current, exists := f.objects[doc.Identity]
	result := fabric.AppliedVersion{ResourceVersion: current.ResourceVersion, Hash: doc.Hash}
	if !exists || current.Hash != doc.Hash {
		f.version++
		f.objects[doc.Identity] = fabric.LiveResource{
			Identity:        doc.Identity,
			Hash:            doc.Hash,
			Object:          doc.Object,
			ResourceVersion: strconv.Itoa(f.version),
		}
		result.ResourceVersion = strconv.Itoa(f.version)
		result.Changed = true
	}
	hook := f.afterApply
	f.mu.Unlock()

	if hook != nil {
		hook(count)
	}
	return result, nil
}

func (f *fakeFabric) List(ctx context.Context, kind manifest.Kind) ([]fabric.LiveResource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var live []fabric.LiveResource
	for id, object := range f.objects {
		if id.Kind == kind {
			live = append(live, object)
		}
	}
	sort.Slice(live, func(a, b int) bool { return live[a].Identity.String() < live[b].Identity.String() })
	return live, nil
}
