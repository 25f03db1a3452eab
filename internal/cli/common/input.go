package common

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/spf13/cobra"
)

const (
	stdinFileIndicator = "-"
	stdinFileName      = "stdin.yaml"
	maxInputBytes      = 4 << 20
)

// ReadManifestFiles reads raw manifest files named on the command line.
// "-" reads one file from stdin. Inbox paths keep only the base name.
func ReadManifestFiles(command *cobra.Command, paths []string) ([]manifest.RawFile, error) {
	files := make([]manifest.RawFile, 0, len(paths))
	seen := map[string]struct{}{}
	for _, path := range paths {
		file, err := readManifestFile(command, path)
		if err != nil {
			return nil, err
		}
		if _, exists := seen[file.Path]; exists {
			return nil, faults.Validation("duplicate manifest file name "+file.Path, nil)
		}
		seen[file.Path] = struct{}{}
		files = append(files, file)
	}
	return files, nil
}

func readManifestFile(command *cobra.Command, path string) (manifest.RawFile, error) {
	if path == stdinFileIndicator {
		data, err := manifest.ReadAllLimited(command.InOrStdin(), maxInputBytes)
		if err != nil {
			return manifest.RawFile{}, err
		}
		return manifest.RawFile{Path: stdinFileName, Content: data}, nil
	}

	name := filepath.Base(path)
	if !manifest.IsManifestFile(name) {
		return manifest.RawFile{}, faults.Validation("not a manifest file (want .yaml, .yml or .json): "+path, nil)
	}
	file, err := os.Open(path)
	if err != nil {
		return manifest.RawFile{}, faults.Validation("failed to open "+path, err)
	}
	defer file.Close()

	data, err := manifest.ReadAllLimited(file, maxInputBytes)
	if err != nil {
		return manifest.RawFile{}, err
	}
	if strings.TrimSpace(string(data)) == "" {
		return manifest.RawFile{}, faults.Validation("manifest file is empty: "+path, nil)
	}
	return manifest.RawFile{Path: name, Content: data}, nil
}
