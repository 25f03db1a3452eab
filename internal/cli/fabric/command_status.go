package fabric

import (
	"github.com/crmarques/fabricsync/faults"
	"github.com/crmarques/fabricsync/internal/cli/common"
	"github.com/spf13/cobra"
)

func NewStatusCommand(deps common.CommandDependencies, globalFlags *common.GlobalFlags) *cobra.Command {
	var resources bool

	command := &cobra.Command{
		Use:   "status [fabric]",
		Short: "Show the sync status of fabrics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(command *cobra.Command, args []string) error {
			if resources && len(args) == 0 {
				return faults.Validation("flag --resources requires a fabric", nil)
			}

			return common.WithEngine(command.Context(), deps, globalFlags, func(engine common.Engine) error {
				if len(args) == 0 {
					items, err := engine.ListStatus(command.Context())
					if err != nil {
						return err
					}
					return common.WriteOutput(command, globalFlags.Output, items, renderStatusList)
				}

				if resources {
					items, err := engine.Resources(command.Context(), args[0])
					if err != nil {
						return err
					}
					return common.WriteOutput(command, globalFlags.Output, items, renderResources)
				}

				status, err := engine.Status(command.Context(), args[0])
				if err != nil {
					return err
				}
				return common.WriteOutput(command, globalFlags.Output, status, renderStatus)
			})
		},
	}
	command.Flags().BoolVar(&resources, "resources", false, "list the fabric's managed resources and their states")
	return command
}
