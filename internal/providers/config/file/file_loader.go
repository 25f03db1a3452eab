package file

import (
	"context"
	"os"
	"strings"

	"github.com/crmarques/fabricsync/config"
	"github.com/crmarques/fabricsync/faults"
)

var _ config.Loader = (*FileLoader)(nil)

// FileLoader reads the engine configuration from a YAML file. The path is
// taken from the constructor, then FABRICSYNC_CONFIG, then the default.
type FileLoader struct {
	path   string
	getenv func(string) string
}

func NewFileLoader(path string) *FileLoader {
	return &FileLoader{path: path, getenv: os.Getenv}
}

func (l *FileLoader) Load(_ context.Context) (config.Config, error) {
	path, err := resolveConfigPath(l.path, l.getenv)
	if err != nil {
		return config.Config{}, err
	}

	cfg, err := decodeConfigFile(path)
	if err != nil {
		return config.Config{}, err
	}

	cfg = applyEnvOverrides(cfg, l.getenv)
	cfg = applyDefaults(cfg)
	if err := validateConfig(cfg); err != nil {
		return config.Config{}, err
	}

	workDir, err := expandPath(cfg.WorkDir)
	if err != nil {
		return config.Config{}, err
	}
	cfg.WorkDir = workDir
	if cfg.Store.SQLite != nil {
		storePath, err := expandPath(cfg.Store.SQLite.Path)
		if err != nil {
			return config.Config{}, err
		}
		cfg.Store.SQLite.Path = storePath
	}
	return cfg, nil
}

func applyEnvOverrides(cfg config.Config, getenv func(string) string) config.Config {
	if value := strings.TrimSpace(getenv(config.WorkDirEnvVar)); value != "" {
		cfg.WorkDir = value
	}
	if value := strings.TrimSpace(getenv(config.LogLevelEnvVar)); value != "" {
		cfg.Logging.Level = strings.ToLower(value)
	}
	if value := strings.TrimSpace(getenv(config.ServerAddressEnvVar)); value != "" {
		cfg.Server.Address = value
	}
	return cfg
}

func validationError(message string, cause error) error {
	return faults.NewTypedError(faults.ValidationError, message, cause)
}

func notFoundError(message string) error {
	return faults.NewTypedError(faults.NotFoundError, message, nil)
}

func internalError(message string, cause error) error {
	return faults.NewTypedError(faults.InternalError, message, cause)
}
