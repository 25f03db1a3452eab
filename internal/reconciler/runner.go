package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/crmarques/fabricsync/fabric"
	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/normalizer"
	"github.com/crmarques/fabricsync/internal/providers/fsstore"
	"github.com/crmarques/fabricsync/internal/telemetry"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/repository"
	"github.com/crmarques/fabricsync/state"
	"github.com/crmarques/fabricsync/store"
	"github.com/go-logr/logr"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	driftSourceGit    = "git"
	driftSourceFabric = "fabric"

	managedPrefix = "managed/"
	rawPrefix     = "raw/"
)

// runner holds the state of one run. Stages execute in order; within a
// stage, work on different resources may run concurrently.
type runner struct {
	fabricID    string
	direction   store.Direction
	policy      store.DriftPolicy
	store       store.Store
	machine     *store.Machine
	workspace   *fsstore.Workspace
	normalizer  *normalizer.Normalizer
	git         repository.Remote
	api         fabric.API
	concurrency int
	metrics     *telemetry.Metrics
	tracer      trace.Tracer
	counts      *tally

	snapshot repository.Snapshot
	pulled   bool
	archive  []string
	imported atomic.Int32
}

type stage struct {
	name string
	run  func(ctx context.Context, rec *recorder)
	// skip reports whether the stage does not apply to this run.
	skip func() bool
}

func (r *runner) run(ctx context.Context) []Outcome {
	notPulled := func() bool { return !r.pulled }
	stages := []stage{
		{name: "prepare", run: r.prepare},
		{name: "ingest", run: r.ingest},
		{name: "git", run: r.reconcileGit, skip: notPulled},
		{name: "fabric", run: r.reconcileFabric},
		{name: "flush", run: r.flush, skip: func() bool { return !r.pulled || r.imported.Load() == 0 }},
	}

	var outcomes []Outcome
	for _, current := range stages {
		if ctx.Err() != nil {
			break
		}
		if current.skip != nil && current.skip() {
			continue
		}
		outcome := r.runStage(ctx, current)
		outcomes = append(outcomes, outcome)
		if current.name == "prepare" && outcome.Fatal != nil {
			break
		}
	}
	return outcomes
}

func (r *runner) runStage(ctx context.Context, current stage) Outcome {
	ctx, span := r.tracer.Start(ctx, "fabricsync.stage."+current.name)
	defer span.End()

	rec := newRecorder(current.name)
	current.run(ctx, rec)
	outcome := rec.outcome()

	span.SetAttributes(
		attribute.Int("succeeded", outcome.Succeeded),
		attribute.Int("failures", len(outcome.Failures)),
		attribute.Int("drifted", outcome.Drifted),
	)
	if outcome.Fatal != nil {
		span.RecordError(outcome.Fatal)
		span.SetStatus(codes.Error, outcome.Fatal.Error())
	}
	return outcome
}

// prepare resets errored resources and resumes pending ones whose managed
// file was already written by an earlier run.
func (r *runner) prepare(ctx context.Context, rec *recorder) {
	log := logr.FromContextOrDiscard(ctx)
	if err := r.workspace.Init(); err != nil {
		rec.fatal(err)
		return
	}

	reset, err := r.machine.ResetErrored(ctx, r.fabricID)
	if err != nil {
		rec.fatal(fmt.Errorf("reset errored resources: %w", err))
		return
	}
	if reset > 0 {
		log.Info("reset errored resources to pending", "count", reset)
	}

	resources, err := r.store.ListResources(ctx, r.fabricID)
	if err != nil {
		rec.fatal(err)
		return
	}
	for _, resource := range resources {
		switch resource.State {
		case state.Drifted:
			rec.drift()
		case state.Pending:
			r.resumePending(ctx, resource, rec)
		}
	}
}

func (r *runner) resumePending(ctx context.Context, resource store.ManagedResource, rec *recorder) {
	onDisk, err := r.workspace.Managed.Exists(resource.Identity)
	if err != nil {
		rec.fail(resource.Identity.String(), err)
		return
	}
	if !onDisk {
		logr.FromContextOrDiscard(ctx).V(1).Info("pending resource has no managed file yet", "resource", resource.Identity.String())
		return
	}
	_, err = r.machine.Apply(ctx, r.fabricID, resource.Identity, state.Ingested, func(current *store.ManagedResource) error {
		if current.State != state.Pending {
			return store.ErrSkipUpdate
		}
		return nil
	})
	if err != nil {
		rec.fail(resource.Identity.String(), err)
		return
	}
	rec.succeed()
}

// ingest pulls the repository, drops its raw files into the local inbox
// and normalizes the inbox. A failed pull still normalizes files dropped
// locally.
func (r *runner) ingest(ctx context.Context, rec *recorder) {
	log := logr.FromContextOrDiscard(ctx)

	snapshot, err := r.git.Pull(ctx)
	if err != nil {
		rec.fatal(fmt.Errorf("pull: %w", err))
		log.Error(err, "failed to pull repository, continuing with the local inbox")
	} else {
		r.snapshot = snapshot
		r.pulled = true
		log.V(1).Info("pulled repository",
			"revision", snapshot.Revision,
			"raw", len(snapshot.Raw),
			"managed", len(snapshot.Managed),
		)
	}

	remote := make(map[string]struct{}, len(r.snapshot.Raw))
	for _, raw := range r.snapshot.Raw {
		if err := r.workspace.Inbox.Put(raw); err != nil {
			rec.fail(rawPrefix+raw.Path, err)
			continue
		}
		remote[raw.Path] = struct{}{}
	}

	results, err := r.normalizer.NormalizeInbox(ctx)
	if err != nil {
		rec.fatal(fmt.Errorf("normalize inbox: %w", err))
	}
	for _, result := range results {
		r.counts.ingested(result)
		rec.succeedN(result.Parsed - len(result.Errors))
		for _, warning := range result.Warnings {
			log.Info("raw file warning", "file", result.Path, "warning", warning)
		}
		for _, docErr := range result.Errors {
			rec.failure(fmt.Sprintf("%s%s: %s", rawPrefix, result.Path, docErr))
		}
		if _, ok := remote[result.Path]; ok && result.Archived {
			r.archive = append(r.archive, result.Path)
		}
	}
	sort.Strings(r.archive)
}

// reconcileGit compares the repository's managed tree with the managed
// store, then pushes local changes together with the raw archival.
func (r *runner) reconcileGit(ctx context.Context, rec *recorder) {
	log := logr.FromContextOrDiscard(ctx)

	resources, err := r.store.ListResources(ctx, r.fabricID)
	if err != nil {
		rec.fatal(err)
		return
	}
	known := make(map[manifest.Identity]store.ManagedResource, len(resources))
	for _, resource := range resources {
		known[resource.Identity] = resource
	}

	seen := make(map[manifest.Identity]struct{}, len(r.snapshot.Managed))
	for _, blob := range r.snapshot.Managed {
		if ctx.Err() != nil {
			return
		}
		seen[blob.Identity] = struct{}{}
		r.reconcileBlob(ctx, blob, known, rec)
	}
	for _, ignored := range r.snapshot.Ignored {
		log.V(1).Info("ignoring managed tree file without a resource identity", "path", ignored)
	}

	for _, resource := range resources {
		if _, ok := seen[resource.Identity]; ok || resource.GitHash == "" {
			continue
		}
		switch resource.State {
		case state.Drifted, state.Pending, state.Error:
			continue
		}
		r.resolveGitDrift(ctx, resource, nil, "", rec)
	}

	if ctx.Err() != nil {
		return
	}
	r.push(ctx, r.archive, rec)
}

func (r *runner) reconcileBlob(
	ctx context.Context,
	blob repository.ManagedBlob,
	known map[manifest.Identity]store.ManagedResource,
	rec *recorder,
) {
	sourceFile := managedPrefix + blob.Path
	doc, err := manifest.DecodeManaged(blob.Content)
	if err != nil {
		rec.fail(sourceFile, err)
		r.counts.fail()
		return
	}
	if doc.Identity != blob.Identity {
		rec.fail(sourceFile, faults.Validation(fmt.Sprintf("file content is %s", doc.Identity), nil))
		r.counts.fail()
		return
	}

	resource, ok := known[doc.Identity]
	if !ok {
		r.adoptFromGit(ctx, doc, sourceFile, rec)
		return
	}
	if resource.State == state.Drifted {
		return
	}
	onDisk, err := r.workspace.Managed.Exists(doc.Identity)
	if err != nil {
		rec.fail(sourceFile, err)
		return
	}

	switch {
	case !onDisk:
		r.adoptFromGit(ctx, doc, sourceFile, rec)
	case doc.Hash == resource.ContentHash:
		r.recordGitHash(ctx, resource.Identity, doc.Hash, rec)
	case resource.GitHash == "" || doc.Hash == resource.GitHash:
		// The managed store is ahead of the repository; the push below
		// carries it.
	default:
		r.resolveGitDrift(ctx, resource, &doc, sourceFile, rec)
	}
}

func (r *runner) adoptFromGit(ctx context.Context, doc manifest.Document, sourceFile string, rec *recorder) {
	r.counts.process()
	outcome, err := r.normalizer.Promote(ctx, doc, normalizer.Origin{
		Source:     store.SourceGit,
		SourceFile: sourceFile,
		Mutate: func(resource *store.ManagedResource) {
			resource.GitHash = doc.Hash
		},
	})
	if err != nil {
		r.failResource(ctx, rec, doc.Identity, err)
		return
	}
	r.counts.promoted(outcome)
	rec.succeed()
	logr.FromContextOrDiscard(ctx).V(1).Info("adopted resource from repository", "resource", doc.Identity.String())
}

func (r *runner) recordGitHash(ctx context.Context, id manifest.Identity, hash string, rec *recorder) {
	_, err := r.store.UpdateResource(ctx, r.fabricID, id, func(resource *store.ManagedResource, exists bool) error {
		if !exists || resource.GitHash == hash {
			return store.ErrSkipUpdate
		}
		resource.GitHash = hash
		return nil
	})
	if err != nil {
		rec.fail(id.String(), err)
		return
	}
	rec.succeed()
}

// resolveGitDrift handles a managed file changed in the repository behind
// the engine's back. doc is nil when the file was removed; removals are
// never propagated to the managed store.
func (r *runner) resolveGitDrift(
	ctx context.Context,
	resource store.ManagedResource,
	doc *manifest.Document,
	sourceFile string,
	rec *recorder,
) {
	log := logr.FromContextOrDiscard(ctx).WithValues("resource", resource.Identity.String())
	r.metrics.DriftDetected(r.fabricID, driftSourceGit)
	r.counts.drift()

	switch {
	case r.policy == store.DriftGitWins && doc != nil:
		r.counts.process()
		outcome, err := r.normalizer.Promote(ctx, *doc, normalizer.Origin{
			Source:     store.SourceGit,
			SourceFile: sourceFile,
			Mutate: func(current *store.ManagedResource) {
				current.GitHash = doc.Hash
			},
		})
		if err != nil {
			r.failResource(ctx, rec, resource.Identity, err)
			return
		}
		r.counts.promoted(outcome)
		rec.succeed()
		log.Info("repository drift resolved, imported repository content")
	case r.policy == store.DriftFabricWins:
		repoHash := ""
		if doc != nil {
			repoHash = doc.Hash
		}
		// Recording what the repository holds queues the managed content
		// for the push.
		_, err := r.store.UpdateResource(ctx, r.fabricID, resource.Identity, func(current *store.ManagedResource, exists bool) error {
			if !exists {
				return store.ErrSkipUpdate
			}
			current.GitHash = repoHash
			return nil
		})
		if err != nil {
			rec.fail(resource.Identity.String(), err)
			return
		}
		rec.succeed()
		log.Info("repository drift resolved, managed content will be pushed")
	default:
		reason := "managed file changed in the repository since the last push"
		if doc == nil {
			reason = "managed file was removed from the repository"
		}
		r.markDrifted(ctx, resource.Identity, reason, rec)
	}
}

func (r *runner) markDrifted(ctx context.Context, id manifest.Identity, reason string, rec *recorder) {
	_, err := r.machine.Apply(ctx, r.fabricID, id, state.Drifted, func(resource *store.ManagedResource) error {
		resource.ErrorMessage = reason
		return nil
	})
	if err != nil {
		rec.fail(id.String(), err)
		return
	}
	rec.drift()
	logr.FromContextOrDiscard(ctx).Info("resource drifted", "resource", id.String(), "reason", reason)
}

// push commits every resource whose managed content is not in the
// repository yet, plus the given raw archival, in one commit.
func (r *runner) push(ctx context.Context, archive []string, rec *recorder) {
	log := logr.FromContextOrDiscard(ctx)

	resources, err := r.store.ListResources(ctx, r.fabricID)
	if err != nil {
		rec.fatal(err)
		return
	}

	changes := repository.Changes{ArchiveRaw: archive}
	var pushed []store.ManagedResource
	for _, resource := range resources {
		if !pushable(resource) {
			continue
		}
		content, err := r.workspace.Managed.Read(resource.Identity)
		if err != nil {
			r.failResource(ctx, rec, resource.Identity, err)
			continue
		}
		changes.Managed = append(changes.Managed, repository.ManagedFile{Identity: resource.Identity, Content: content})
		pushed = append(pushed, resource)
	}
	if changes.Empty() {
		return
	}

	result, err := r.git.Push(ctx, changes)
	if err != nil {
		rec.fatal(fmt.Errorf("push: %w", err))
		return
	}

	// The commit is on the remote; record it even if the run is cancelled.
	recordCtx := context.WithoutCancel(ctx)
	for _, resource := range pushed {
		r.counts.process()
		_, err := r.machine.Apply(recordCtx, r.fabricID, resource.Identity, state.SyncedToGit, func(current *store.ManagedResource) error {
			if current.ContentHash != resource.ContentHash {
				return store.ErrSkipUpdate
			}
			current.GitHash = resource.ContentHash
			return nil
		})
		if err != nil {
			rec.fail(resource.Identity.String(), err)
			continue
		}
		rec.succeed()
	}
	log.Info("pushed managed resources",
		"commit", result.Hash,
		"committed", result.Committed,
		"resources", len(pushed),
		"archived", len(archive),
	)
}

func pushable(resource store.ManagedResource) bool {
	switch resource.State {
	case state.Pending, state.Drifted, state.Error:
		return false
	}
	return resource.ContentHash != "" && resource.ContentHash != resource.GitHash
}

// reconcileFabric compares every kind's live objects with the managed
// store. Kinds are reconciled concurrently.
func (r *runner) reconcileFabric(ctx context.Context, rec *recorder) {
	resources, err := r.store.ListResources(ctx, r.fabricID)
	if err != nil {
		rec.fatal(err)
		return
	}
	byKind := make(map[manifest.Kind][]store.ManagedResource)
	for _, resource := range resources {
		byKind[resource.Identity.Kind] = append(byKind[resource.Identity.Kind], resource)
	}

	kinds := manifest.Kinds()
	var listFailures atomic.Int32
	var group errgroup.Group
	group.SetLimit(r.concurrency)
	for _, kind := range kinds {
		group.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := r.reconcileKind(ctx, kind, byKind[kind], rec); err != nil {
				rec.fail(kind.String(), err)
				listFailures.Add(1)
			}
			return nil
		})
	}
	_ = group.Wait()

	if int(listFailures.Load()) == len(kinds) {
		rec.fatal(errors.New("no kind could be listed from the fabric"))
	}
}

func (r *runner) reconcileKind(ctx context.Context, kind manifest.Kind, resources []store.ManagedResource, rec *recorder) error {
	live, err := r.api.List(ctx, kind)
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}
	unknown := make(map[manifest.Identity]fabric.LiveResource, len(live))
	for _, object := range live {
		unknown[object.Identity] = object
	}

	for _, resource := range resources {
		if ctx.Err() != nil {
			return nil
		}
		object, found := unknown[resource.Identity]
		delete(unknown, resource.Identity)
		r.reconcileLive(ctx, resource, object, found, rec)
	}

	if !r.direction.ImportsFromFabric() {
		return nil
	}
	for _, object := range live {
		if _, ok := unknown[object.Identity]; !ok {
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		r.importLive(ctx, object, rec)
	}
	return nil
}

func (r *runner) reconcileLive(
	ctx context.Context,
	resource store.ManagedResource,
	object fabric.LiveResource,
	found bool,
	rec *recorder,
) {
	switch resource.State {
	case state.Drifted, state.Error:
		return
	case state.Pending:
		if found && r.direction.ImportsFromFabric() {
			r.importLive(ctx, object, rec)
		}
		return
	}

	if !r.direction.AppliesToFabric() {
		// The fabric is the source: live changes flow into the managed
		// store instead of counting as drift.
		if found && object.Hash != resource.FabricHash {
			r.importLive(ctx, object, rec)
		}
		return
	}

	observed := ""
	if found {
		observed = object.Hash
	}
	if fabric.DetectDrift(resource.FabricHash, observed) {
		r.resolveFabricDrift(ctx, resource, object, found, rec)
		return
	}
	r.applyManaged(ctx, resource, object, found, rec)
}

func (r *runner) resolveFabricDrift(
	ctx context.Context,
	resource store.ManagedResource,
	object fabric.LiveResource,
	found bool,
	rec *recorder,
) {
	log := logr.FromContextOrDiscard(ctx).WithValues("resource", resource.Identity.String())
	r.metrics.DriftDetected(r.fabricID, driftSourceFabric)
	r.counts.drift()

	switch {
	case r.policy == store.DriftGitWins:
		log.Info("fabric drift detected, re-applying managed content")
		r.applyManaged(ctx, resource, object, found, rec)
	case r.policy == store.DriftFabricWins && found && r.direction.ImportsFromFabric():
		log.Info("fabric drift detected, importing live content")
		r.importLive(ctx, object, rec)
	default:
		reason := "live object changed on the fabric since the last sync"
		if !found {
			reason = "live object is missing from the fabric"
		}
		r.markDrifted(ctx, resource.Identity, reason, rec)
	}
}

// applyManaged brings the live object to the managed content. A live
// object that already matches is only recorded.
func (r *runner) applyManaged(
	ctx context.Context,
	resource store.ManagedResource,
	object fabric.LiveResource,
	found bool,
	rec *recorder,
) {
	id := resource.Identity
	doc, err := r.loadManaged(id)
	if err != nil {
		r.failResource(ctx, rec, id, err)
		return
	}
	desired, err := r.api.Hash(doc)
	if err != nil {
		r.failResource(ctx, rec, id, err)
		return
	}

	if found && object.Hash == desired {
		if resource.FabricHash != desired {
			r.recordFabric(ctx, id, doc.Hash, fabric.AppliedVersion{ResourceVersion: object.ResourceVersion, Hash: desired}, rec)
		}
		return
	}

	r.counts.process()
	applied, err := r.api.Apply(ctx, doc)
	if err != nil {
		r.failResource(ctx, rec, id, fmt.Errorf("apply: %w", err))
		return
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("applied resource",
		"resource", id.String(),
		"changed", applied.Changed,
		"version", applied.ResourceVersion,
	)
	r.recordFabric(context.WithoutCancel(ctx), id, doc.Hash, applied, rec)
}

func (r *runner) recordFabric(ctx context.Context, id manifest.Identity, contentHash string, applied fabric.AppliedVersion, rec *recorder) {
	_, err := r.machine.Apply(ctx, r.fabricID, id, state.SyncedToFabric, func(current *store.ManagedResource) error {
		if current.ContentHash != contentHash {
			return store.ErrSkipUpdate
		}
		current.FabricHash = applied.Hash
		current.FabricVersion = applied.ResourceVersion
		return nil
	})
	if err != nil {
		rec.fail(id.String(), err)
		return
	}
	rec.succeed()
}

// importLive copies a live object into the managed store. The flush stage
// pushes it to the repository.
func (r *runner) importLive(ctx context.Context, object fabric.LiveResource, rec *recorder) {
	id := object.Identity
	doc, err := object.Document()
	if err != nil {
		rec.fail(id.String(), err)
		r.counts.fail()
		return
	}

	r.counts.process()
	outcome, err := r.normalizer.Promote(ctx, doc, normalizer.Origin{Source: store.SourceFabric})
	if err != nil {
		r.failResource(ctx, rec, id, err)
		return
	}
	r.counts.promoted(outcome)
	r.recordFabric(context.WithoutCancel(ctx), id, doc.Hash, fabric.AppliedVersion{
		ResourceVersion: object.ResourceVersion,
		Hash:            object.Hash,
	}, rec)
	if outcome != normalizer.Unchanged {
		r.imported.Add(1)
	}
	logr.FromContextOrDiscard(ctx).V(1).Info("imported live object", "resource", id.String(), "version", object.ResourceVersion)
}

// flush pushes content imported from the fabric.
func (r *runner) flush(ctx context.Context, rec *recorder) {
	r.push(ctx, nil, rec)
}

func (r *runner) loadManaged(id manifest.Identity) (manifest.Document, error) {
	content, err := r.workspace.Managed.Read(id)
	if err != nil {
		return manifest.Document{}, err
	}
	return manifest.DecodeManaged(content)
}

// failResource records a resource failure and moves the resource to error
// so the next run retries it. Aborts are not resource failures.
func (r *runner) failResource(ctx context.Context, rec *recorder, id manifest.Identity, cause error) {
	rec.fail(id.String(), cause)
	r.counts.fail()
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return
	}
	err := r.machine.Fail(context.WithoutCancel(ctx), r.fabricID, id, cause)
	if err != nil && !faults.IsCategory(err, faults.NotFoundError) {
		logr.FromContextOrDiscard(ctx).Error(err, "failed to record resource error", "resource", id.String())
	}
}
