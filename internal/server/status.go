package server

import (
	"context"
	"time"

	"github.com/crmarques/fabricsync/store"
)

// Status is the read model of one fabric's sync state.
type Status struct {
	FabricID   string           `json:"fabric" yaml:"fabric"`
	Enabled    bool             `json:"enabled" yaml:"enabled"`
	SyncStatus store.SyncStatus `json:"syncStatus" yaml:"syncStatus"`
	LastSync   *time.Time       `json:"lastSync,omitempty" yaml:"lastSync,omitempty"`
	SyncError  string           `json:"syncError,omitempty" yaml:"syncError,omitempty"`
	LatestRun  *RunSummary      `json:"latestRun,omitempty" yaml:"latestRun,omitempty"`
}

type RunSummary struct {
	ID         string           `json:"id" yaml:"id"`
	Trigger    store.Trigger    `json:"trigger" yaml:"trigger"`
	StartedAt  time.Time        `json:"startedAt" yaml:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt" yaml:"finishedAt"`
	Outcome    store.SyncStatus `json:"outcome" yaml:"outcome"`
	Processed  int              `json:"processed" yaml:"processed"`
	Created    int              `json:"created" yaml:"created"`
	Updated    int              `json:"updated" yaml:"updated"`
	Errored    int              `json:"errored" yaml:"errored"`
	Drifted    int              `json:"drifted" yaml:"drifted"`
	Skipped    int              `json:"skipped" yaml:"skipped"`
	Errors     []string         `json:"errors,omitempty" yaml:"errors,omitempty"`
}

type Resource struct {
	Kind         string    `json:"kind" yaml:"kind"`
	Namespace    string    `json:"namespace" yaml:"namespace"`
	Name         string    `json:"name" yaml:"name"`
	Path         string    `json:"path" yaml:"path"`
	State        string    `json:"state" yaml:"state"`
	Source       string    `json:"source" yaml:"source"`
	ContentHash  string    `json:"contentHash" yaml:"contentHash"`
	ErrorMessage string    `json:"errorMessage,omitempty" yaml:"errorMessage,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt" yaml:"updatedAt"`
}

type StatusReader struct {
	store store.Store
}

func NewStatusReader(st store.Store) *StatusReader {
	return &StatusReader{store: st}
}

func (r *StatusReader) Status(ctx context.Context, fabricID string) (Status, error) {
	fabric, err := r.store.GetFabric(ctx, fabricID)
	if err != nil {
		return Status{}, err
	}
	return r.status(ctx, fabric)
}

func (r *StatusReader) List(ctx context.Context) ([]Status, error) {
	fabrics, err := r.store.ListFabrics(ctx)
	if err != nil {
		return nil, err
	}

	items := make([]Status, 0, len(fabrics))
	for _, fabric := range fabrics {
		item, err := r.status(ctx, fabric)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

// Resources lists the managed resources of a fabric with their states.
func (r *StatusReader) Resources(ctx context.Context, fabricID string) ([]Resource, error) {
	if _, err := r.store.GetFabric(ctx, fabricID); err != nil {
		return nil, err
	}
	resources, err := r.store.ListResources(ctx, fabricID)
	if err != nil {
		return nil, err
	}

	items := make([]Resource, 0, len(resources))
	for _, resource := range resources {
		items = append(items, ResourceFrom(resource))
	}
	return items, nil
}

func ResourceFrom(resource store.ManagedResource) Resource {
	return Resource{
		Kind:         resource.Identity.Kind.String(),
		Namespace:    resource.Identity.Namespace,
		Name:         resource.Identity.Name,
		Path:         resource.Path,
		State:        string(resource.State),
		Source:       string(resource.Source),
		ContentHash:  resource.ContentHash,
		ErrorMessage: resource.ErrorMessage,
		UpdatedAt:    resource.UpdatedAt,
	}
}

func (r *StatusReader) status(ctx context.Context, fabric store.Fabric) (Status, error) {
	status := Status{
		FabricID:   fabric.ID,
		Enabled:    fabric.Enabled,
		SyncStatus: fabric.SyncStatus,
		LastSync:   fabric.LastSync,
		SyncError:  fabric.SyncError,
	}

	run, found, err := r.store.LatestSyncRun(ctx, fabric.ID)
	if err != nil {
		return Status{}, err
	}
	if found {
		summary := SummarizeRun(run)
		status.LatestRun = &summary
	}
	return status, nil
}

func SummarizeRun(run store.SyncRun) RunSummary {
	return RunSummary{
		ID:         run.ID,
		Trigger:    run.Trigger,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		Outcome:    run.Outcome,
		Processed:  run.Processed,
		Created:    run.Created,
		Updated:    run.Updated,
		Errored:    run.Errored,
		Drifted:    run.Drifted,
		Skipped:    run.Skipped,
		Errors:     run.Errors,
	}
}
