package main

import (
	"github.com/spf13/cobra"

	"github.com/e2llm/rpmrepo-publish/pkg/engine"
)

func newRemoveCommand(opts *options) *cobra.Command {
	var byName bool
	cmd := &cobra.Command{
		Use:   "remove <prefix> <content-hash>...",
		Short: "Remove packages from a repository and republish its metadata",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, logger, err := opts.newEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			mode := engine.RemoveByHash
			if byName {
				mode = engine.RemoveByName
			}
			prefix, ids := args[0], args[1:]
			logger.Info("removing packages", "repository", prefix, "count", len(ids))
			report, err := eng.Remove(cmd.Context(), prefix, ids, mode)
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}
	cmd.Flags().BoolVar(&byName, "by-name", false, "match identifiers against package names instead of content hashes")
	return cmd
}
