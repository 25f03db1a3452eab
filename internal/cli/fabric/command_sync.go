package fabric

import (
	"fmt"

	"github.com/crmarques/fabricsync/internal/cli/common"
	"github.com/crmarques/fabricsync/internal/server"
	"github.com/crmarques/fabricsync/store"
	"github.com/spf13/cobra"
)

func NewSyncCommand(deps common.CommandDependencies, globalFlags *common.GlobalFlags) *cobra.Command {
	return common.MarkStatusLine(&cobra.Command{
		Use:   "sync <fabric>",
		Short: "Run one sync cycle for a fabric now",
		Long: "Run one sync cycle in this process. The fabric lease is taken like a scheduled run, " +
			"so the command fails when the fabric is already syncing.",
		Args: cobra.ExactArgs(1),
		RunE: func(command *cobra.Command, args []string) error {
			return common.WithEngine(command.Context(), deps, globalFlags, func(engine common.Engine) error {
				run, err := engine.Sync(command.Context(), args[0])
				if err != nil {
					return err
				}
				if err := common.WriteOutput(command, globalFlags.Output, server.SummarizeRun(run), renderRun); err != nil {
					return err
				}
				if run.Outcome == store.StatusError {
					return fmt.Errorf("sync run %s of fabric %q failed", run.ID, args[0])
				}
				return nil
			})
		},
	})
}
