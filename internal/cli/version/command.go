package version

import (
	"fmt"
	"io"
	"runtime"
	"runtime/debug"

	"github.com/crmarques/fabricsync/internal/cli/common"
	"github.com/spf13/cobra"
)

// Set at build time with -ldflags. Unset values fall back to the VCS
// stamps of the binary's build info.
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

type info struct {
	Version   string `json:"version" yaml:"version"`
	Commit    string `json:"commit" yaml:"commit"`
	BuildDate string `json:"buildDate" yaml:"buildDate"`
	GoVersion string `json:"goVersion" yaml:"goVersion"`
}

func current() info {
	value := info{Version: Version, Commit: Commit, BuildDate: BuildDate, GoVersion: runtime.Version()}
	if build, ok := debug.ReadBuildInfo(); ok {
		for _, setting := range build.Settings {
			switch {
			case setting.Key == "vcs.revision" && value.Commit == "":
				value.Commit = setting.Value
			case setting.Key == "vcs.time" && value.BuildDate == "":
				value.BuildDate = setting.Value
			}
		}
	}
	if value.Commit == "" {
		value.Commit = "unknown"
	}
	if value.BuildDate == "" {
		value.BuildDate = "unknown"
	}
	return value
}

func NewCommand(globalFlags *common.GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the fabricsync version",
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			return common.WriteOutput(command, globalFlags.Output, current(), func(w io.Writer, item info) error {
				_, err := fmt.Fprintf(w, "fabricsync %s\n  commit: %s\n  built:  %s\n  go:     %s\n",
					item.Version, item.Commit, item.BuildDate, item.GoVersion)
				return err
			})
		},
	}
}
