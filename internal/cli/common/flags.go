package common

import "github.com/spf13/cobra"

type GlobalFlags struct {
	ConfigPath string
	NoStatus   bool
	NoColor    bool
	Output     string
}

func BindGlobalFlags(command *cobra.Command, flags *GlobalFlags) {
	command.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "config file path (default $FABRICSYNC_CONFIG or ~/.fabricsync/config.yaml)")
	command.PersistentFlags().BoolVarP(&flags.NoStatus, "no-status", "n", false, "hide status output")
	command.PersistentFlags().BoolVar(&flags.NoColor, "no-color", false, "disable color output")
	command.PersistentFlags().StringVarP(&flags.Output, "output", "o", OutputText, "output format: text|json|yaml")
	_ = command.RegisterFlagCompletionFunc("output", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{OutputText, OutputJSON, OutputYAML}, cobra.ShellCompDirectiveNoFileComp
	})
}
