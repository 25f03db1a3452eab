package main

import (
	"context"
	"os"

	"github.com/crmarques/fabricsync/internal/app"
	"github.com/crmarques/fabricsync/internal/cli"
	"github.com/crmarques/fabricsync/internal/cli/common"
	"github.com/crmarques/fabricsync/internal/logging"
	"github.com/crmarques/fabricsync/internal/providers/config/file"
)

func main() {
	deps := cli.Dependencies{OpenEngine: openEngine}
	if err := cli.Execute(deps); err != nil {
		os.Exit(cli.ExitCodeForError(err))
	}
}

func openEngine(ctx context.Context, configPath string) (common.Engine, error) {
	cfg, err := file.NewFileLoader(configPath).Load(ctx)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}
	logging.Install(log)

	engine, err := app.New(ctx, cfg, app.WithLogger(log))
	if err != nil {
		return nil, err
	}
	return engine, nil
}
