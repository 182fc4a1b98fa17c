package main

import (
	"github.com/spf13/cobra"
)

func newInitCommand(opts *options) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init <prefix>",
		Short: "Publish an empty metadata index at a repository prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, _, err := opts.newEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			report, err := eng.Init(cmd.Context(), args[0], force)
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rebuild the index even if the repository is already initialized")
	return cmd
}
