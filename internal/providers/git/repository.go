// Package git mirrors a fabric's manifests to and from a remote git
// repository. The raw inbox and the managed tree under the fabric's base
// path are read separately; the engine only ever writes the managed tree
// and archives raw files.
package git

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/crmarques/fabricsync/config"
	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/providers/shared/tlsconfig"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/repository"
	"github.com/go-git/go-billy/v5/util"
	gogit "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-logr/logr"
)

const (
	defaultRemoteName = "origin"
	rawDir            = "raw"
	managedDir        = "managed"
	commitAuthorName  = "fabricsync"
	commitAuthorEmail = "fabricsync@local"
)

var _ repository.Remote = (*Repository)(nil)

// Repository is the working clone of one fabric's remote. Calls are
// serialized.
type Repository struct {
	fabricID string
	dir      string
	remote   config.GitSource
	now      func() time.Time

	mu sync.Mutex
}

func NewRepository(fabricID string, dir string, remote config.GitSource) *Repository {
	if remote.Branch == "" {
		remote.Branch = config.DefaultGitBranch
	}
	if remote.RawDisposition == "" {
		remote.RawDisposition = config.DefaultRawDisposition
	}
	remote.BasePath = strings.Trim(remote.BasePath, "/")
	return &Repository{
		fabricID: fabricID,
		dir:      dir,
		remote:   remote,
		now:      time.Now,
	}
}

// Pull fetches the remote branch, hard-resets the working clone to it and
// lists the raw and managed views of the base path. An empty remote, or
// one without the branch, yields an empty snapshot.
func (r *Repository) Pull(ctx context.Context) (repository.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open()
	if err != nil {
		return repository.Snapshot{}, err
	}

	remoteHash, found, err := r.fetch(ctx, repo)
	if err != nil {
		return repository.Snapshot{}, err
	}
	if !found {
		logr.FromContextOrDiscard(ctx).V(1).Info("remote branch does not exist yet", "branch", r.remote.Branch)
		if err := r.pointHeadAtBranch(repo); err != nil {
			return repository.Snapshot{}, err
		}
		return repository.Snapshot{}, nil
	}

	if err := r.resetTo(repo, remoteHash); err != nil {
		return repository.Snapshot{}, err
	}

	commit, err := repo.CommitObject(remoteHash)
	if err != nil {
		return repository.Snapshot{}, internalError("failed to load git commit", err)
	}
	tree, err := commit.Tree()
	if err != nil {
		return repository.Snapshot{}, internalError("failed to load git tree", err)
	}

	snapshot := repository.Snapshot{Revision: remoteHash.String()}
	if err := walkFiles(tree, r.repoPath(rawDir), func(name string, content []byte) {
		if manifest.IsManifestFile(name) {
			snapshot.Raw = append(snapshot.Raw, manifest.RawFile{Path: name, Content: content})
		}
	}); err != nil {
		return repository.Snapshot{}, err
	}
	if err := walkFiles(tree, r.repoPath(managedDir), func(name string, content []byte) {
		id, idErr := manifest.IdentityFromPath(name)
		if idErr != nil {
			snapshot.Ignored = append(snapshot.Ignored, name)
			return
		}
		snapshot.Managed = append(snapshot.Managed, repository.ManagedBlob{Identity: id, Path: name, Content: content})
	}); err != nil {
		return repository.Snapshot{}, err
	}

	sort.Slice(snapshot.Raw, func(i, j int) bool { return snapshot.Raw[i].Path < snapshot.Raw[j].Path })
	sort.Slice(snapshot.Managed, func(i, j int) bool { return snapshot.Managed[i].Path < snapshot.Managed[j].Path })
	return snapshot, nil
}

// Push writes changes into the working clone, commits them and pushes the
// branch. A rejected push resets the clone to the remote head and returns
// a ConflictError; the caller re-applies on its next run.
func (r *Repository) Push(ctx context.Context, changes repository.Changes) (repository.CommitResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	repo, err := r.open()
	if err != nil {
		return repository.CommitResult{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return repository.CommitResult{}, internalError("failed to open git worktree", err)
	}

	for _, file := range changes.Managed {
		target := r.repoPath(managedDir, file.Identity.Path())
		if err := worktree.Filesystem.MkdirAll(path.Dir(target), 0o755); err != nil {
			return repository.CommitResult{}, internalError("failed to create managed directory", err)
		}
		if err := util.WriteFile(worktree.Filesystem, target, file.Content, 0o644); err != nil {
			return repository.CommitResult{}, internalError(fmt.Sprintf("failed to write managed file %s", target), err)
		}
		if _, err := worktree.Add(target); err != nil {
			return repository.CommitResult{}, internalError(fmt.Sprintf("failed to stage %s", target), err)
		}
	}

	archived := make([]string, 0, len(changes.ArchiveRaw))
	for _, rawPath := range changes.ArchiveRaw {
		moved, err := r.archiveRaw(worktree, rawPath)
		if err != nil {
			return repository.CommitResult{}, err
		}
		if moved {
			archived = append(archived, rawPath)
		}
	}

	status, err := worktree.Status()
	if err != nil {
		return repository.CommitResult{}, internalError("failed to inspect git worktree status", err)
	}
	if status.IsClean() {
		head, _ := r.headHash(repo)
		return repository.CommitResult{Hash: head}, nil
	}

	hash, err := worktree.Commit(r.commitMessage(changes.Managed, archived), &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  commitAuthorName,
			Email: commitAuthorEmail,
			When:  r.now(),
		},
	})
	if err != nil {
		return repository.CommitResult{}, internalError("failed to commit git changes", err)
	}

	auth, err := authMethod(r.remote.Auth)
	if err != nil {
		return repository.CommitResult{}, err
	}
	material, err := tlsconfig.Load(r.remote.TLS, "git")
	if err != nil {
		return repository.CommitResult{}, err
	}
	branchRef := plumbing.NewBranchReferenceName(r.remote.Branch)
	pushErr := repo.PushContext(ctx, &gogit.PushOptions{
		RemoteName:      defaultRemoteName,
		Auth:            auth,
		CABundle:        material.CAData,
		InsecureSkipTLS: material.InsecureSkipVerify,
		RefSpecs: []gitcfg.RefSpec{
			gitcfg.RefSpec(fmt.Sprintf("%s:%s", branchRef, branchRef)),
		},
	})
	if pushErr != nil && !errors.Is(pushErr, gogit.NoErrAlreadyUpToDate) {
		classified := classifyRemoteError("failed to push fabric changes", pushErr)
		if faults.IsCategory(classified, faults.ConflictError) {
			if resetErr := r.resetToRemote(ctx, repo); resetErr != nil {
				return repository.CommitResult{}, errors.Join(classified, resetErr)
			}
		}
		return repository.CommitResult{}, classified
	}

	logr.FromContextOrDiscard(ctx).V(1).Info("pushed fabric changes",
		"commit", hash.String(),
		"managed", len(changes.Managed),
		"archived", len(archived),
	)
	return repository.CommitResult{Hash: hash.String(), Committed: true}, nil
}

func (r *Repository) open() (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(r.dir)
	if err != nil {
		if !errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, internalError("failed to open git repository", err)
		}
		if err := os.MkdirAll(r.dir, 0o755); err != nil {
			return nil, internalError("failed to create git working directory", err)
		}
		repo, err = gogit.PlainInit(r.dir, false)
		if err != nil {
			return nil, internalError("failed to initialize git repository", err)
		}
	}
	if err := r.ensureRemote(repo); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *Repository) ensureRemote(repo *gogit.Repository) error {
	cfg, err := repo.Config()
	if err != nil {
		return internalError("failed to load git config", err)
	}
	if existing, ok := cfg.Remotes[defaultRemoteName]; ok && len(existing.URLs) == 1 && existing.URLs[0] == r.remote.URL {
		return nil
	}
	cfg.Remotes[defaultRemoteName] = &gitcfg.RemoteConfig{
		Name: defaultRemoteName,
		URLs: []string{r.remote.URL},
	}
	if err := repo.Storer.SetConfig(cfg); err != nil {
		return internalError("failed to update git remote config", err)
	}
	return nil
}

// fetch updates the remote-tracking ref and returns its hash. found is
// false when the remote has no such branch.
func (r *Repository) fetch(ctx context.Context, repo *gogit.Repository) (plumbing.Hash, bool, error) {
	auth, err := authMethod(r.remote.Auth)
	if err != nil {
		return plumbing.ZeroHash, false, err
	}

	material, err := tlsconfig.Load(r.remote.TLS, "git")
	if err != nil {
		return plumbing.ZeroHash, false, err
	}

	fetchErr := repo.FetchContext(ctx, &gogit.FetchOptions{
		RemoteName:      defaultRemoteName,
		Auth:            auth,
		CABundle:        material.CAData,
		InsecureSkipTLS: material.InsecureSkipVerify,
		RefSpecs: []gitcfg.RefSpec{
			gitcfg.RefSpec(fmt.Sprintf("+refs/heads/%s:%s", r.remote.Branch, r.remoteRefName())),
		},
		Force: true,
	})
	switch {
	case fetchErr == nil, errors.Is(fetchErr, gogit.NoErrAlreadyUpToDate):
	case errors.Is(fetchErr, transport.ErrEmptyRemoteRepository),
		errors.Is(fetchErr, gogit.NoMatchingRefSpecError{}):
		return plumbing.ZeroHash, false, nil
	default:
		return plumbing.ZeroHash, false, classifyRemoteError("failed to fetch fabric repository", fetchErr)
	}

	ref, err := repo.Reference(r.remoteRefName(), true)
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, false, nil
		}
		return plumbing.ZeroHash, false, internalError("failed to resolve remote branch reference", err)
	}
	return ref.Hash(), true, nil
}

func (r *Repository) resetTo(repo *gogit.Repository, hash plumbing.Hash) error {
	branchRef := plumbing.NewBranchReferenceName(r.remote.Branch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(branchRef, hash)); err != nil {
		return internalError("failed to move local branch", err)
	}
	if err := r.pointHeadAtBranch(repo); err != nil {
		return err
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return internalError("failed to open git worktree", err)
	}
	if err := worktree.Reset(&gogit.ResetOptions{Commit: hash, Mode: gogit.HardReset}); err != nil {
		return internalError("failed to reset git worktree", err)
	}
	if err := worktree.Clean(&gogit.CleanOptions{Dir: true}); err != nil {
		return internalError("failed to clean git worktree", err)
	}
	return nil
}

func (r *Repository) resetToRemote(ctx context.Context, repo *gogit.Repository) error {
	hash, found, err := r.fetch(ctx, repo)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	return r.resetTo(repo, hash)
}

func (r *Repository) pointHeadAtBranch(repo *gogit.Repository) error {
	head := plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(r.remote.Branch))
	if err := repo.Storer.SetReference(head); err != nil {
		return internalError("failed to point HEAD at branch", err)
	}
	return nil
}

func (r *Repository) headHash(repo *gogit.Repository) (string, error) {
	head, err := repo.Head()
	if err != nil {
		return "", err
	}
	return head.Hash().String(), nil
}

// archiveRaw archives or deletes a raw file per the configured
// disposition. A file that is already gone is not an error.
func (r *Repository) archiveRaw(worktree *gogit.Worktree, rawPath string) (bool, error) {
	source := r.repoPath(rawDir, rawPath)
	if _, err := worktree.Filesystem.Stat(source); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, internalError(fmt.Sprintf("failed to inspect raw file %s", source), err)
	}

	if r.remote.RawDisposition == config.RawDispositionDelete {
		if _, err := worktree.Remove(source); err != nil {
			return false, internalError(fmt.Sprintf("failed to delete raw file %s", source), err)
		}
		return true, nil
	}
	if _, err := worktree.Move(source, source+manifest.ArchiveSuffix); err != nil {
		return false, internalError(fmt.Sprintf("failed to archive raw file %s", source), err)
	}
	return true, nil
}

func (r *Repository) commitMessage(managed []repository.ManagedFile, archived []string) string {
	var b strings.Builder
	switch {
	case len(managed) > 0:
		fmt.Fprintf(&b, "fabricsync(%s): sync %d resource(s)\n\n", r.fabricID, len(managed))
	default:
		fmt.Fprintf(&b, "fabricsync(%s): archive %d raw file(s)\n\n", r.fabricID, len(archived))
	}
	for _, file := range managed {
		fmt.Fprintf(&b, "resource: %s\n", file.Identity)
	}
	for _, rawPath := range archived {
		fmt.Fprintf(&b, "raw: %s\n", rawPath)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Repository) remoteRefName() plumbing.ReferenceName {
	return plumbing.NewRemoteReferenceName(defaultRemoteName, r.remote.Branch)
}

func (r *Repository) repoPath(parts ...string) string {
	elems := make([]string, 0, len(parts)+1)
	if r.remote.BasePath != "" {
		elems = append(elems, r.remote.BasePath)
	}
	elems = append(elems, parts...)
	return path.Join(elems...)
}

// walkFiles calls fn for every file under dir in tree with its path
// relative to dir. A missing dir is empty.
func walkFiles(tree *object.Tree, dir string, fn func(name string, content []byte)) error {
	sub, err := tree.Tree(dir)
	if err != nil {
		if errors.Is(err, object.ErrDirectoryNotFound) {
			return nil
		}
		return internalError(fmt.Sprintf("failed to read %s from git tree", dir), err)
	}

	files := sub.Files()
	defer files.Close()
	for {
		file, err := files.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return internalError(fmt.Sprintf("failed to iterate %s", dir), err)
		}
		reader, err := file.Reader()
		if err != nil {
			return internalError(fmt.Sprintf("failed to open %s/%s", dir, file.Name), err)
		}
		content, err := io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			return internalError(fmt.Sprintf("failed to read %s/%s", dir, file.Name), err)
		}
		fn(file.Name, content)
	}
}
