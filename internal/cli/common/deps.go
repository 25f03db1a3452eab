package common

import (
	"context"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/normalizer"
	"github.com/crmarques/fabricsync/internal/server"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/crmarques/fabricsync/store"
)

// Engine is the assembled sync engine the commands drive.
type Engine interface {
	Serve(ctx context.Context) error
	Sync(ctx context.Context, fabricID string) (store.SyncRun, error)
	Ingest(ctx context.Context, fabricID string, files []manifest.RawFile) ([]normalizer.FileResult, error)
	Status(ctx context.Context, fabricID string) (server.Status, error)
	ListStatus(ctx context.Context) ([]server.Status, error)
	Resources(ctx context.Context, fabricID string) ([]server.Resource, error)
	Retry(ctx context.Context, fabricID string, id manifest.Identity) (store.ManagedResource, error)
	Close() error
}

type CommandDependencies struct {
	// OpenEngine loads the configuration at configPath (empty selects the
	// default location) and assembles the engine.
	OpenEngine func(ctx context.Context, configPath string) (Engine, error)
}

// WithEngine opens the engine, runs fn and closes the engine.
func WithEngine(ctx context.Context, deps CommandDependencies, flags *GlobalFlags, fn func(Engine) error) error {
	if deps.OpenEngine == nil {
		return faults.Validation("engine is not configured", nil)
	}
	configPath := ""
	if flags != nil {
		configPath = flags.ConfigPath
	}

	engine, err := deps.OpenEngine(ctx, configPath)
	if err != nil {
		return err
	}
	defer engine.Close()
	return fn(engine)
}
