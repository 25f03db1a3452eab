package store

import (
	"time"

	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/state"
)

type SyncStatus string

const (
	StatusNeverSynced SyncStatus = "never_synced"
	StatusSyncing     SyncStatus = "syncing"
	StatusInSync      SyncStatus = "in_sync"
	StatusPartialSync SyncStatus = "partial_sync"
	StatusError       SyncStatus = "error"
)

// Direction selects which way content may flow between the managed store
// and the live fabric.
type Direction string

const (
	DirectionBidirectional Direction = "bidirectional"
	DirectionGitToFabric   Direction = "git_to_fabric"
	DirectionFabricToGit   Direction = "fabric_to_git"
)

func (d Direction) AppliesToFabric() bool {
	return d == "" || d == DirectionBidirectional || d == DirectionGitToFabric
}

func (d Direction) ImportsFromFabric() bool {
	return d == "" || d == DirectionBidirectional || d == DirectionFabricToGit
}

// DriftPolicy decides which side wins when drift is detected. The zero
// value is DriftManual: drift is reported and left alone.
type DriftPolicy string

const (
	DriftManual     DriftPolicy = "manual"
	DriftGitWins    DriftPolicy = "git_wins"
	DriftFabricWins DriftPolicy = "fabric_wins"
)

func (p DriftPolicy) OrDefault() DriftPolicy {
	if p == "" {
		return DriftManual
	}
	return p
}

type Source string

const (
	SourceRaw    Source = "raw"
	SourceGit    Source = "git"
	SourceFabric Source = "fabric"
)

type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// Fabric is a tenant-scoped sync target. Definition fields come from the
// owning application; status and lease fields are written by the engine.
type Fabric struct {
	ID             string
	Enabled        bool
	GitURL         string
	GitBranch      string
	BasePath       string
	FabricEndpoint string
	SyncInterval   time.Duration
	Direction      Direction
	DriftPolicy    DriftPolicy

	SyncStatus     SyncStatus
	LastSync       *time.Time
	SyncError      string
	LeaseHolder    string
	LeaseExpiresAt *time.Time
}

// Due reports whether the fabric's interval has elapsed at now. A fabric
// that never synced is always due.
func (f Fabric) Due(now time.Time) bool {
	if f.LastSync == nil {
		return true
	}
	return now.Sub(*f.LastSync) >= f.SyncInterval
}

// LeaseHeld reports whether an unexpired lease exists at now.
func (f Fabric) LeaseHeld(now time.Time) bool {
	return f.LeaseHolder != "" && f.LeaseExpiresAt != nil && f.LeaseExpiresAt.After(now)
}

// ManagedResource is the canonical unit of sync.
type ManagedResource struct {
	FabricID      string
	Identity      manifest.Identity
	Path          string
	ContentHash   string
	GitHash       string
	FabricHash    string
	FabricVersion string
	State         state.ResourceState
	Source        Source
	SourceFile    string
	ErrorMessage  string
	UpdatedAt     time.Time
}

// SyncRun is the summary of one coordinator execution.
type SyncRun struct {
	ID         string
	FabricID   string
	Trigger    Trigger
	StartedAt  time.Time
	FinishedAt time.Time
	Outcome    SyncStatus
	Processed  int
	Created    int
	Updated    int
	Errored    int
	Drifted    int
	Skipped    int
	Errors     []string
}

// StatusUpdate is the single end-of-run write to a fabric's status fields.
type StatusUpdate struct {
	Status    SyncStatus
	LastSync  time.Time
	SyncError string
}
