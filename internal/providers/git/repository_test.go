package git

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/crmarques/fabricsync/config"
	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/repository"
	gogit "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const vpcManifest = "kind: VPC\nmetadata:\n  name: vpc-1\nspec: {}\n"

func TestPullEmptyRemote(t *testing.T) {
	t.Parallel()

	remoteDir := createBareRemote(t)
	repo := NewRepository("lab", filepath.Join(t.TempDir(), "repo"), config.GitSource{URL: remoteDir, BasePath: "fabrics/lab"})

	snapshot, err := repo.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull returned error: %v", err)
	}
	if snapshot.Revision != "" || len(snapshot.Raw) != 0 || len(snapshot.Managed) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", snapshot)
	}
}

func TestPullSeparatesRawAndManaged(t *testing.T) {
	t.Parallel()

	remoteDir := createBareRemote(t)
	seedRemote(t, remoteDir, map[string]string{
		"fabrics/lab/raw/drop.yaml":                         vpcManifest,
		"fabrics/lab/raw/nested/more.yml":                   vpcManifest,
		"fabrics/lab/raw/old.yaml.archived":                 vpcManifest,
		"fabrics/lab/raw/README.md":                         "notes",
		"fabrics/lab/managed/vpcs/default--vpc-1.yaml":      vpcManifest,
		"fabrics/lab/managed/switches/default--leaf-1.yaml": "kind: Switch\nmetadata:\n  name: leaf-1\n",
		"fabrics/lab/managed/unknown/default--thing.yaml":   "kind: Thing\n",
		"fabrics/other/raw/not-ours.yaml":                   vpcManifest,
	})

	repo := NewRepository("lab", filepath.Join(t.TempDir(), "repo"), config.GitSource{URL: remoteDir, BasePath: "/fabrics/lab/"})
	snapshot, err := repo.Pull(context.Background())
	if err != nil {
		t.Fatalf("Pull returned error: %v", err)
	}

	if snapshot.Revision == "" {
		t.Fatal("expected revision")
	}
	if len(snapshot.Raw) != 2 || snapshot.Raw[0].Path != "drop.yaml" || snapshot.Raw[1].Path != "nested/more.yml" {
		t.Fatalf("unexpected raw files %+v", snapshot.Raw)
	}
	if len(snapshot.Managed) != 2 {
		t.Fatalf("expected 2 managed blobs, got %+v", snapshot.Managed)
	}
	if snapshot.Managed[0].Identity.Kind != manifest.KindSwitch || snapshot.Managed[1].Identity.Name != "vpc-1" {
		t.Fatalf("unexpected managed identities %+v", snapshot.Managed)
	}
	if len(snapshot.Ignored) != 1 || snapshot.Ignored[0] != "unknown/default--thing.yaml" {
		t.Fatalf("unexpected ignored files %v", snapshot.Ignored)
	}
}

func TestPushCommitsManagedAndArchivesRaw(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remoteDir := createBareRemote(t)
	seedRemote(t, remoteDir, map[string]string{
		"fabrics/lab/raw/drop.yaml": vpcManifest,
	})

	repo := NewRepository("lab", filepath.Join(t.TempDir(), "repo"), config.GitSource{URL: remoteDir, BasePath: "fabrics/lab"})
	if _, err := repo.Pull(ctx); err != nil {
		t.Fatalf("Pull returned error: %v", err)
	}

	id := manifest.Identity{Kind: manifest.KindVPC, Namespace: "default", Name: "vpc-1"}
	result, err := repo.Push(ctx, repository.Changes{
		Managed:    []repository.ManagedFile{{Identity: id, Content: []byte(vpcManifest)}},
		ArchiveRaw: []string{"drop.yaml", "already-gone.yaml"},
	})
	if err != nil {
		t.Fatalf("Push returned error: %v", err)
	}
	if !result.Committed || result.Hash == "" {
		t.Fatalf("expected a commit, got %+v", result)
	}

	verify := NewRepository("lab", filepath.Join(t.TempDir(), "verify"), config.GitSource{URL: remoteDir, BasePath: "fabrics/lab"})
	snapshot, err := verify.Pull(ctx)
	if err != nil {
		t.Fatalf("verify Pull returned error: %v", err)
	}
	if snapshot.Revision != result.Hash {
		t.Fatalf("expected remote at %s, got %s", result.Hash, snapshot.Revision)
	}
	if len(snapshot.Raw) != 0 {
		t.Fatalf("expected raw inbox to be archived, got %+v", snapshot.Raw)
	}
	if len(snapshot.Managed) != 1 || snapshot.Managed[0].Identity != id {
		t.Fatalf("unexpected managed blobs %+v", snapshot.Managed)
	}

	message := headMessage(t, remoteDir)
	if !strings.HasPrefix(message, "fabricsync(lab): sync 1 resource(s)") ||
		!strings.Contains(message, "resource: VPC/default/vpc-1") ||
		!strings.Contains(message, "raw: drop.yaml") {
		t.Fatalf("unexpected commit message %q", message)
	}
	if strings.Contains(message, "already-gone.yaml") {
		t.Fatalf("missing raw file must not be recorded: %q", message)
	}

	again, err := repo.Push(ctx, repository.Changes{Managed: []repository.ManagedFile{{Identity: id, Content: []byte(vpcManifest)}}})
	if err != nil {
		t.Fatalf("second Push returned error: %v", err)
	}
	if again.Committed || again.Hash != result.Hash {
		t.Fatalf("expected identical push to be a no-op, got %+v", again)
	}
}

func TestPushToEmptyRemoteCreatesBranch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remoteDir := createBareRemote(t)
	repo := NewRepository("lab", filepath.Join(t.TempDir(), "repo"), config.GitSource{
		URL:            remoteDir,
		Branch:         "fabric",
		RawDisposition: config.RawDispositionDelete,
	})
	if _, err := repo.Pull(ctx); err != nil {
		t.Fatalf("Pull returned error: %v", err)
	}

	id := manifest.Identity{Kind: manifest.KindSwitch, Namespace: "default", Name: "leaf-1"}
	result, err := repo.Push(ctx, repository.Changes{Managed: []repository.ManagedFile{{Identity: id, Content: []byte("kind: Switch\n")}}})
	if err != nil {
		t.Fatalf("Push returned error: %v", err)
	}

	remote, err := gogit.PlainOpen(remoteDir)
	if err != nil {
		t.Fatalf("failed to open remote: %v", err)
	}
	ref, err := remote.Reference(plumbing.NewBranchReferenceName("fabric"), true)
	if err != nil {
		t.Fatalf("expected fabric branch on remote: %v", err)
	}
	if ref.Hash().String() != result.Hash {
		t.Fatalf("expected remote branch at %s, got %s", result.Hash, ref.Hash())
	}
}

func TestPushRejectedResetsToRemote(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	remoteDir := createBareRemote(t)
	seedRemote(t, remoteDir, map[string]string{"raw/drop.yaml": vpcManifest})

	repo := NewRepository("lab", filepath.Join(t.TempDir(), "repo"), config.GitSource{URL: remoteDir})
	if _, err := repo.Pull(ctx); err != nil {
		t.Fatalf("Pull returned error: %v", err)
	}

	// A peer advances the remote after our pull.
	seedRemote(t, remoteDir, map[string]string{"raw/peer.yaml": vpcManifest})

	id := manifest.Identity{Kind: manifest.KindVPC, Namespace: "default", Name: "vpc-1"}
	_, err := repo.Push(ctx, repository.Changes{Managed: []repository.ManagedFile{{Identity: id, Content: []byte(vpcManifest)}}})
	if !faults.IsCategory(err, faults.ConflictError) {
		t.Fatalf("expected conflict error, got %v", err)
	}
	if !faults.IsRetryable(err) {
		t.Fatal("expected rejected push to be retryable")
	}

	snapshot, err := repo.Pull(ctx)
	if err != nil {
		t.Fatalf("Pull after conflict returned error: %v", err)
	}
	if len(snapshot.Raw) != 2 || len(snapshot.Managed) != 0 {
		t.Fatalf("expected clone reset to remote head, got %+v", snapshot)
	}
	if _, err := os.Stat(filepath.Join(repo.dir, "managed", id.Path())); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected local commit to be discarded, stat err %v", err)
	}
}

func TestAuthMethod(t *testing.T) {
	t.Parallel()

	basic, err := authMethod(&config.GitAuth{BasicAuth: &config.BasicAuth{Username: "u", Password: "p"}})
	if err != nil || basic == nil {
		t.Fatalf("expected basic auth, got %v %v", basic, err)
	}
	token, err := authMethod(&config.GitAuth{AccessKey: &config.AccessKeyAuth{Token: "t"}})
	if err != nil || token == nil {
		t.Fatalf("expected token auth, got %v %v", token, err)
	}
	none, err := authMethod(nil)
	if err != nil || none != nil {
		t.Fatalf("expected no auth, got %v %v", none, err)
	}

	_, err = authMethod(&config.GitAuth{SSH: &config.SSHAuth{PrivateKeyFile: filepath.Join(t.TempDir(), "missing")}})
	if !faults.IsCategory(err, faults.AuthError) {
		t.Fatalf("expected auth error for missing key, got %v", err)
	}
	_, err = authMethod(&config.GitAuth{})
	if !faults.IsCategory(err, faults.ValidationError) {
		t.Fatalf("expected validation error for empty auth, got %v", err)
	}
}

func TestClassifyRemoteError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  string
		want faults.ErrorCategory
	}{
		{err: "authentication required", want: faults.AuthError},
		{err: "unexpected status 429 Too Many Requests", want: faults.RateLimitError},
		{err: "non-fast-forward update: refs/heads/main", want: faults.ConflictError},
		{err: "dial tcp: i/o timeout", want: faults.TransportError},
		{err: "object not found", want: faults.InternalError},
	}
	for _, tc := range cases {
		err := classifyRemoteError("remote failed", errors.New(tc.err))
		if !faults.IsCategory(err, tc.want) {
			t.Fatalf("classifyRemoteError(%q) = %v, want %s", tc.err, err, tc.want)
		}
	}
}

func createBareRemote(t *testing.T) string {
	t.Helper()

	remoteDir := t.TempDir()
	if _, err := gogit.PlainInit(remoteDir, true); err != nil {
		t.Fatalf("failed to init bare remote: %v", err)
	}
	return remoteDir
}

// seedRemote commits files on top of the remote main branch (creating it
// when absent) from a throwaway clone.
func seedRemote(t *testing.T, remoteDir string, files map[string]string) {
	t.Helper()

	seedDir := t.TempDir()
	seedRepo, err := gogit.PlainClone(seedDir, false, &gogit.CloneOptions{
		URL:           remoteDir,
		ReferenceName: plumbing.NewBranchReferenceName("main"),
		SingleBranch:  true,
	})
	if err != nil {
		seedRepo, err = gogit.PlainInit(seedDir, false)
		if err != nil {
			t.Fatalf("failed to init seed repo: %v", err)
		}
		if _, err := seedRepo.CreateRemote(&gitcfg.RemoteConfig{Name: "origin", URLs: []string{remoteDir}}); err != nil {
			t.Fatalf("failed to create seed remote: %v", err)
		}
	}

	for name, content := range files {
		commitFile(t, seedRepo, seedDir, name, content)
	}
	pushCurrentBranchToMain(t, seedRepo)
}

func commitFile(t *testing.T, repo *gogit.Repository, repoDir string, filename string, content string) {
	t.Helper()

	path := filepath.Join(repoDir, filepath.FromSlash(filename))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create commit directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write commit file: %v", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		t.Fatalf("failed to open worktree: %v", err)
	}
	if _, err := worktree.Add(filename); err != nil {
		t.Fatalf("failed to add file: %v", err)
	}
	if _, err := worktree.Commit("seed "+filename, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  "fabricsync-test",
			Email: "fabricsync@example.com",
			When:  time.Unix(0, 0),
		},
	}); err != nil {
		t.Fatalf("failed to commit file: %v", err)
	}
}

func pushCurrentBranchToMain(t *testing.T, repo *gogit.Repository) {
	t.Helper()

	head, err := repo.Head()
	if err != nil {
		t.Fatalf("failed to resolve head branch: %v", err)
	}
	if err := repo.Push(&gogit.PushOptions{
		RemoteName: "origin",
		RefSpecs: []gitcfg.RefSpec{
			gitcfg.RefSpec(fmt.Sprintf("refs/heads/%s:refs/heads/main", head.Name().Short())),
		},
	}); err != nil && !errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		t.Fatalf("failed to push seed commit: %v", err)
	}
}

func headMessage(t *testing.T, remoteDir string) string {
	t.Helper()

	remote, err := gogit.PlainOpen(remoteDir)
	if err != nil {
		t.Fatalf("failed to open remote: %v", err)
	}
	ref, err := remote.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		t.Fatalf("failed to resolve remote main: %v", err)
	}
	commit, err := remote.CommitObject(ref.Hash())
	if err != nil {
		t.Fatalf("failed to load remote head commit: %v", err)
	}
	return commit.Message
}
