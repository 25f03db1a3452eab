package serve

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/crmarques/fabricsync/internal/cli/common"
	"github.com/spf13/cobra"
)

func NewCommand(deps common.CommandDependencies, globalFlags *common.GlobalFlags) *cobra.Command {
	return common.MarkTextOnly(&cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API",
		Long: "Run the sync scheduler, its worker pool and the HTTP trigger and status API " +
			"until interrupted.",
		Args: cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(command.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return common.WithEngine(ctx, deps, globalFlags, func(engine common.Engine) error {
				if err := engine.Serve(ctx); err != nil && ctx.Err() == nil {
					return err
				}
				_, err := fmt.Fprintln(command.OutOrStdout(), "fabricsync stopped")
				return err
			})
		},
	})
}
