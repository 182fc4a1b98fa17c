package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/e2llm/rpmrepo-publish/pkg/engine"
)

func newAddCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "add <rpm>...",
		Short: "Route RPMs to their repositories and publish updated metadata",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, logger, err := opts.newEngine(cmd.Context(), true)
			if err != nil {
				return err
			}

			artifacts := make([]engine.Artifact, 0, len(args))
			for _, p := range args {
				data, err := os.ReadFile(p)
				if err != nil {
					return fmt.Errorf("read %s: %w", p, err)
				}
				artifacts = append(artifacts, engine.Artifact{
					Filename: filepath.Base(p),
					Data:     data,
				})
			}

			logger.Info("adding packages", "count", len(artifacts))
			report, err := eng.Add(cmd.Context(), artifacts)
			if err != nil {
				return err
			}
			return printReport(report)
		},
	}
}
