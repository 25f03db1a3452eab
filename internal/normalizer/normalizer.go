// Package normalizer turns raw manifest files into canonical, individually
// addressable managed resources.
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/providers/fsstore"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/state"
	"github.com/crmarques/fabricsync/store"
	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"
)

const defaultConcurrency = 4

// DocumentError is a rejected document of a raw file. It never aborts the
// file or the run.
type DocumentError struct {
	Index    int
	Identity string
	Message  string
}

func (e DocumentError) String() string {
	if e.Identity != "" {
		return fmt.Sprintf("document %d (%s): %s", e.Index, e.Identity, e.Message)
	}
	return fmt.Sprintf("document %d: %s", e.Index, e.Message)
}

// FileResult summarizes the normalization of one raw file.
type FileResult struct {
	Path      string
	Parsed    int
	Skipped   int
	Created   int
	Updated   int
	Warnings  []string
	Errors    []DocumentError
	Resources []manifest.Identity
	Archived  bool
}

// Outcome of promoting one document into the managed store.
type Outcome int

const (
	Unchanged Outcome = iota
	Created
	Updated
)

// Origin describes where a promoted document came from. Mutate runs inside
// the resource transaction after the standard fields are set.
type Origin struct {
	Source     store.Source
	SourceFile string
	Mutate     func(resource *store.ManagedResource)
}

type Normalizer struct {
	fabricID    string
	resources   store.ResourceStore
	workspace   *fsstore.Workspace
	now         func() time.Time
	concurrency int
}

type Option func(*Normalizer)

func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) {
		if now != nil {
			n.now = now
		}
	}
}

func WithConcurrency(concurrency int) Option {
	return func(n *Normalizer) {
		if concurrency > 0 {
			n.concurrency = concurrency
		}
	}
}

func New(fabricID string, resources store.ResourceStore, workspace *fsstore.Workspace, opts ...Option) *Normalizer {
	n := &Normalizer{
		fabricID:    fabricID,
		resources:   resources,
		workspace:   workspace,
		now:         time.Now,
		concurrency: defaultConcurrency,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// NormalizeInbox normalizes every pending raw file of the fabric. Files
// are processed concurrently; the first infrastructure failure cancels the
// remaining files and is returned together with the results gathered so
// far.
func (n *Normalizer) NormalizeInbox(ctx context.Context) ([]FileResult, error) {
	files, err := n.workspace.Inbox.List()
	if err != nil {
		return nil, err
	}

	results := make([]FileResult, len(files))
	done := make([]bool, len(files))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(n.concurrency)
	for idx, file := range files {
		group.Go(func() error {
			result, err := n.NormalizeFile(groupCtx, file)
			results[idx] = result
			done[idx] = err == nil
			return err
		})
	}
	err = group.Wait()

	completed := make([]FileResult, 0, len(files))
	for idx := range files {
		if done[idx] {
			completed = append(completed, results[idx])
		}
	}
	return completed, err
}

// NormalizeFile parses every document of file, promotes the valid ones and
// archives the file. Only infrastructure failures are returned as errors.
func (n *Normalizer) NormalizeFile(ctx context.Context, file manifest.RawFile) (FileResult, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("file", file.Path)
	result := FileResult{Path: file.Path}

	for _, raw := range manifest.SplitDocuments(file.Content) {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Parsed++

		if raw.Err != nil {
			result.Errors = append(result.Errors, DocumentError{Index: raw.Index, Message: raw.Err.Error()})
			continue
		}

		doc, err := manifest.Canonicalize(raw.Object)
		if err != nil {
			if errors.Is(err, manifest.ErrUnknownKind) {
				result.Skipped++
				result.Warnings = append(result.Warnings, fmt.Sprintf("document %d: %v, skipped", raw.Index, err))
				log.V(1).Info("skipping document with unknown kind", "index", raw.Index, "error", err.Error())
				continue
			}
			result.Errors = append(result.Errors, DocumentError{Index: raw.Index, Message: err.Error()})
			continue
		}

		outcome, err := n.Promote(ctx, doc, Origin{Source: store.SourceRaw, SourceFile: file.Path})
		if err != nil {
			if faults.IsCategory(err, faults.ValidationError) {
				result.Errors = append(result.Errors, DocumentError{
					Index:    raw.Index,
					Identity: doc.Identity.String(),
					Message:  err.Error(),
				})
				continue
			}
			return result, fmt.Errorf("normalize %s document %d: %w", file.Path, raw.Index, err)
		}

		switch outcome {
		case Created:
			result.Created++
			result.Resources = append(result.Resources, doc.Identity)
		case Updated:
			result.Updated++
			result.Resources = append(result.Resources, doc.Identity)
		default:
			result.Skipped++
		}
	}

	if err := n.workspace.Inbox.Archive(file.Path); err != nil {
		return result, fmt.Errorf("archive %s: %w", file.Path, err)
	}
	result.Archived = true

	log.V(1).Info("normalized raw file",
		"parsed", result.Parsed,
		"created", result.Created,
		"updated", result.Updated,
		"skipped", result.Skipped,
		"errors", len(result.Errors),
	)
	return result, nil
}

// Promote writes a canonical document into the managed store and records
// it as ingested, in one resource transaction. A document whose hash
// matches the stored resource and whose file exists is a no-op. The file
// write is rolled back when the record cannot be committed.
func (n *Normalizer) Promote(ctx context.Context, doc manifest.Document, origin Origin) (Outcome, error) {
	id := doc.Identity
	unlock := n.workspace.Managed.Lock(id)
	defer unlock()

	outcome := Unchanged
	var written *fsstore.Snapshot
	_, err := n.resources.UpdateResource(ctx, n.fabricID, id, func(resource *store.ManagedResource, exists bool) error {
		if exists && resource.ContentHash == doc.Hash {
			onDisk, err := n.workspace.Managed.Exists(id)
			if err != nil {
				return err
			}
			if onDisk {
				return store.ErrSkipUpdate
			}
		}

		next, err := ingestTarget(resource.State)
		if err != nil {
			return err
		}

		encoded, err := manifest.Encode(doc.Stamp(origin.SourceFile, n.now()))
		if err != nil {
			return err
		}
		snapshot, err := n.workspace.Managed.Write(id, encoded)
		if err != nil {
			return err
		}
		written = &snapshot

		resource.ContentHash = doc.Hash
		resource.State = next
		resource.Source = origin.Source
		resource.SourceFile = origin.SourceFile
		resource.ErrorMessage = ""
		if origin.Mutate != nil {
			origin.Mutate(resource)
		}

		outcome = Updated
		if !exists {
			outcome = Created
		}
		return nil
	})
	if err != nil {
		if written != nil {
			if restoreErr := n.workspace.Managed.Restore(*written); restoreErr != nil {
				return Unchanged, errors.Join(err, restoreErr)
			}
		}
		return Unchanged, err
	}
	return outcome, nil
}

// ingestTarget is the state a resource in current moves to when new content
// is ingested. Errored resources pass through pending first.
func ingestTarget(current state.ResourceState) (state.ResourceState, error) {
	if current == state.Error {
		return state.Path(current, state.Pending, state.Ingested)
	}
	return state.Path(current, state.Ingested)
}
