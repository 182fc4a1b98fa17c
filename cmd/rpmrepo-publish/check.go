package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check <prefix>",
		Short: "Validate a repository's metadata and package objects",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, logger, err := opts.newEngine(cmd.Context(), false)
			if err != nil {
				return err
			}
			res := eng.Check(cmd.Context(), args[0])
			for _, w := range res.Warnings {
				logger.Warn(w)
			}
			if res.Err != nil {
				return fmt.Errorf("check %s: %w", args[0], res.Err)
			}
			fmt.Printf("%s: ok\n", args[0])
			return nil
		},
	}
}
