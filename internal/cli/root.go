package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/crmarques/fabricsync/internal/cli/common"
	fabriccmd "github.com/crmarques/fabricsync/internal/cli/fabric"
	"github.com/crmarques/fabricsync/internal/cli/serve"
	"github.com/crmarques/fabricsync/internal/cli/version"
	"github.com/spf13/cobra"
)

const (
	groupSync  = "sync"
	groupOther = "other"
)

// NewRootCommand assembles the fabricsync command tree.
func NewRootCommand(deps Dependencies) *cobra.Command {
	commandDeps := deps.commandDependencies()
	var globalFlags common.GlobalFlags

	root := &cobra.Command{
		Use:   "fabricsync",
		Short: "Sync network fabric manifests between git and the fabric API",
		Long: "fabricsync keeps the declarative manifests of network fabrics in step across a raw inbox, " +
			"a managed store, a git repository and the live fabric control plane.",
		Args: cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			return command.Help()
		},
		PersistentPreRunE: func(command *cobra.Command, _ []string) error {
			if err := common.ValidateOutputFormat(command, globalFlags.Output); err != nil {
				return err
			}
			if command.Context() == nil {
				command.SetContext(context.Background())
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	common.BindGlobalFlags(root, &globalFlags)

	addGroup(root, groupSync, "Sync Commands:",
		serve.NewCommand(commandDeps, &globalFlags),
		fabriccmd.NewSyncCommand(commandDeps, &globalFlags),
		fabriccmd.NewStatusCommand(commandDeps, &globalFlags),
		fabriccmd.NewIngestCommand(commandDeps, &globalFlags),
		fabriccmd.NewRetryCommand(commandDeps, &globalFlags),
	)
	addGroup(root, groupOther, "Other Commands:",
		version.NewCommand(&globalFlags),
	)
	root.SetCompletionCommandGroupID(groupOther)
	root.SetHelpCommandGroupID(groupOther)

	showUsageOnMissingArgs(root)
	return root
}

func addGroup(root *cobra.Command, id string, title string, commands ...*cobra.Command) {
	root.AddGroup(&cobra.Group{ID: id, Title: title})
	for _, command := range commands {
		command.GroupID = id
		root.AddCommand(command)
	}
}

// showUsageOnMissingArgs prints usage on stderr when a command that takes
// positional arguments is run with none and its argument check fails.
// Usage is otherwise silenced.
func showUsageOnMissingArgs(command *cobra.Command) {
	for _, child := range command.Commands() {
		showUsageOnMissingArgs(child)
	}

	validate := command.Args
	if validate == nil || !strings.ContainsAny(command.Use, "<[") {
		return
	}
	command.Args = func(current *cobra.Command, args []string) error {
		err := validate(current, args)
		if err != nil && len(args) == 0 {
			_, _ = fmt.Fprintln(current.ErrOrStderr(), strings.TrimRight(current.UsageString(), "\n"))
		}
		return err
	}
}
