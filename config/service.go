package config

import "context"

// Loader resolves the engine configuration from its persisted form.
type Loader interface {
	Load(ctx context.Context) (Config, error)
}
