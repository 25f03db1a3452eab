package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/crmarques/fabricsync/config"
	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/providers/fsstore"
	"github.com/crmarques/fabricsync/internal/providers/git"
	"github.com/crmarques/fabricsync/internal/providers/kube"
	"github.com/crmarques/fabricsync/internal/reconciler"
	"github.com/crmarques/fabricsync/store"
	"github.com/moby/locker"
)

var _ reconciler.Connector = (*Connector)(nil)

// Connector builds the git and fabric endpoints of configured fabrics and
// reuses them across runs. Credentials never leave the configuration.
type Connector struct {
	workDir string
	fabrics map[string]config.Fabric
	locks   *locker.Locker

	mu    sync.Mutex
	cache map[string]reconciler.Endpoints
}

func NewConnector(cfg config.Config) *Connector {
	fabrics := make(map[string]config.Fabric, len(cfg.Fabrics))
	for _, fabric := range cfg.Fabrics {
		fabrics[fabric.ID] = fabric
	}
	return &Connector{
		workDir: cfg.WorkDir,
		fabrics: fabrics,
		locks:   locker.New(),
		cache:   map[string]reconciler.Endpoints{},
	}
}

func (c *Connector) Connect(_ context.Context, fab store.Fabric) (reconciler.Endpoints, error) {
	c.locks.Lock(fab.ID)
	defer func() { _ = c.locks.Unlock(fab.ID) }()

	c.mu.Lock()
	cached, ok := c.cache[fab.ID]
	c.mu.Unlock()
	if ok {
		return cached, nil
	}

	settings, ok := c.fabrics[fab.ID]
	if !ok {
		return reconciler.Endpoints{}, faults.NotFound(fmt.Sprintf("fabric %q has no connection settings", fab.ID))
	}
	workspace, err := fsstore.NewWorkspace(c.workDir, fab.ID)
	if err != nil {
		return reconciler.Endpoints{}, err
	}
	client, err := kube.NewClientForConfig(fab.ID, settings.API)
	if err != nil {
		return reconciler.Endpoints{}, err
	}

	endpoints := reconciler.Endpoints{
		Git:    git.NewRepository(fab.ID, workspace.RepoDir(), settings.Git),
		Fabric: client,
	}
	c.mu.Lock()
	c.cache[fab.ID] = endpoints
	c.mu.Unlock()
	return endpoints, nil
}

// FabricFromConfig maps a configured fabric onto its store definition.
func FabricFromConfig(fabric config.Fabric) store.Fabric {
	return store.Fabric{
		ID:             fabric.ID,
		Enabled:        fabric.IsEnabled(),
		GitURL:         fabric.Git.URL,
		GitBranch:      fabric.Git.Branch,
		BasePath:       fabric.Git.BasePath,
		FabricEndpoint: fabric.API.Endpoint(),
		SyncInterval:   fabric.SyncInterval,
		Direction:      store.Direction(fabric.Direction),
		DriftPolicy:    store.DriftPolicy(fabric.DriftPolicy),
	}
}
