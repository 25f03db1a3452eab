package file

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/crmarques/fabricsync/config"
	"go.yaml.in/yaml/v3"
)

func decodeConfigFile(path string) (config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return config.Config{}, notFoundError("config file " + path + " does not exist")
		}
		return config.Config{}, internalError("failed to read config file", err)
	}
	return decodeConfig(data)
}

func decodeConfig(data []byte) (config.Config, error) {
	var cfg config.Config

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return config.Config{}, validationError("invalid config yaml", err)
	}

	return cfg, nil
}

func resolveConfigPath(explicitPath string, getenv func(string) string) (string, error) {
	path := strings.TrimSpace(explicitPath)
	if path == "" {
		path = strings.TrimSpace(getenv(config.ConfigFileEnvVar))
	}
	if path == "" {
		path = config.DefaultConfigPath
	}
	return expandPath(path)
}

func expandPath(path string) (string, error) {
	if path == "" {
		return "", validationError("path is empty", nil)
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", internalError("failed to resolve user home directory", err)
		}
		path = filepath.Join(homeDir, strings.TrimPrefix(strings.TrimPrefix(path, "~"), "/"))
	}

	cleanPath := filepath.Clean(path)
	if cleanPath == "." {
		return "", validationError("path is invalid", errors.New("resolved to current directory"))
	}
	if !filepath.IsAbs(cleanPath) {
		abs, err := filepath.Abs(cleanPath)
		if err != nil {
			return "", internalError("failed to resolve absolute path", err)
		}
		cleanPath = abs
	}
	return cleanPath, nil
}
