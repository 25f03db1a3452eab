package fabric

import (
	"fmt"
	"io"

	"github.com/crmarques/fabricsync/internal/cli/common"
	"github.com/crmarques/fabricsync/internal/server"
	"github.com/crmarques/fabricsync/manifest"
	"github.com/spf13/cobra"
)

func NewRetryCommand(deps common.CommandDependencies, globalFlags *common.GlobalFlags) *cobra.Command {
	return common.MarkStatusLine(&cobra.Command{
		Use:   "retry <fabric> <kind>/<namespace>/<name>",
		Short: "Reset an errored or drifted resource to pending",
		Long: "Reset an errored or drifted resource to pending so the next sync run processes it again. " +
			"For a drifted resource the managed content is pushed and applied over both sides.",
		Args: cobra.ExactArgs(2),
		RunE: func(command *cobra.Command, args []string) error {
			id, err := manifest.ParseIdentity(args[1])
			if err != nil {
				return err
			}

			return common.WithEngine(command.Context(), deps, globalFlags, func(engine common.Engine) error {
				resource, err := engine.Retry(command.Context(), args[0], id)
				if err != nil {
					return err
				}
				return common.WriteOutput(command, globalFlags.Output, server.ResourceFrom(resource), func(w io.Writer, item server.Resource) error {
					_, err := fmt.Fprintf(w, "%s/%s/%s is %s\n", item.Kind, item.Namespace, item.Name, item.State)
					return err
				})
			})
		},
	})
}
