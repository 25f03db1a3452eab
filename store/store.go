// Package store defines the persisted records of the sync engine and the
// transactional access patterns the engine relies on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/crmarques/fabricsync/manifest"
)

// ErrSkipUpdate may be returned from an UpdateResource callback to leave
// the record untouched without failing.
var ErrSkipUpdate = errors.New("skip resource update")

// ResourceUpdateFunc mutates resource in place. exists is false when no
// record exists yet; resource then only carries its key. The callback runs
// inside the store transaction and must not call back into the store.
type ResourceUpdateFunc func(resource *ManagedResource, exists bool) error

type FabricStore interface {
	// UpsertFabric writes definition fields, preserving status and lease.
	UpsertFabric(ctx context.Context, fabric Fabric) error
	GetFabric(ctx context.Context, id string) (Fabric, error)
	ListFabrics(ctx context.Context) ([]Fabric, error)

	// AcquireLease atomically takes the fabric's single-writer token when it
	// is free or expired, marking the fabric syncing. It returns false when
	// another holder owns an unexpired lease.
	AcquireLease(ctx context.Context, fabricID string, holder string, now time.Time, ttl time.Duration) (bool, error)
	// ReleaseLease drops a lease without touching status, restoring the
	// status observed before acquisition.
	ReleaseLease(ctx context.Context, fabricID string, holder string, previous SyncStatus) error
	// FinishRun writes the fabric status, releases the lease held by holder
	// and records the run, in one transaction.
	FinishRun(ctx context.Context, fabricID string, holder string, update StatusUpdate, run SyncRun) error
	// RecoverStaleLeases moves fabrics whose lease expired while syncing to
	// partial_sync and returns their ids.
	RecoverStaleLeases(ctx context.Context, now time.Time) ([]string, error)
	LatestSyncRun(ctx context.Context, fabricID string) (SyncRun, bool, error)
}

type ResourceStore interface {
	GetResource(ctx context.Context, fabricID string, id manifest.Identity) (ManagedResource, error)
	ListResources(ctx context.Context, fabricID string) ([]ManagedResource, error)
	// UpdateResource is an atomic read-modify-write of one resource.
	UpdateResource(ctx context.Context, fabricID string, id manifest.Identity, fn ResourceUpdateFunc) (ManagedResource, error)
}

type Store interface {
	FabricStore
	ResourceStore
	Close() error
}
