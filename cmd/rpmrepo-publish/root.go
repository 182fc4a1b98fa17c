package main

import (
	"context"
	"fmt"
	"os"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/e2llm/rpmrepo-publish/pkg/engine"
	"github.com/e2llm/rpmrepo-publish/pkg/routing"
	"github.com/e2llm/rpmrepo-publish/pkg/sign"
	"github.com/e2llm/rpmrepo-publish/pkg/storage"
)

// options holds the global flags shared by every subcommand.
type options struct {
	backend     string
	root        string
	s3Endpoint  string
	rulesPath   string
	logLevel    string
	checksum    string
	signing     bool
	gpgKey      string
	gpgKeyFile  string
	gpgPassword string
	verify      bool
	requireSudo bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:           "rpmrepo-publish",
		Short:         "Update RPM repositories stored on S3 or the local filesystem",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	fl := cmd.PersistentFlags()
	fl.StringVar(&opts.backend, "backend", "fs", "storage backend (fs, s3)")
	fl.StringVar(&opts.root, "root", "", "storage root: a directory or an s3://bucket/prefix URI")
	fl.StringVar(&opts.s3Endpoint, "s3-endpoint", "", "S3 endpoint URL for S3-compatible storage (e.g. MinIO)")
	fl.StringVar(&opts.rulesPath, "rules", "", "YAML routing rules file (required for add)")
	fl.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	fl.StringVar(&opts.checksum, "checksum", "sha256", "checksum algorithm for new repositories (sha256, sha512)")
	fl.BoolVar(&opts.signing, "sign", false, "sign packages and the repository manifest")
	fl.StringVar(&opts.gpgKey, "gpg-key", "", "GPG key ID to sign with (default: gpg defaults)")
	fl.StringVar(&opts.gpgKeyFile, "gpg-key-file", "", "armored GPG private key imported for the run and removed afterwards")
	fl.StringVar(&opts.gpgPassword, "gpg-password", "", "passphrase for the GPG key")
	fl.BoolVar(&opts.verify, "verify", false, "verify signatures after signing")
	fl.BoolVar(&opts.requireSudo, "require-sudo", false, "use sudo for RPM keyring operations during verification")

	cmd.AddCommand(
		newInitCommand(opts),
		newAddCommand(opts),
		newRemoveCommand(opts),
		newCheckCommand(opts),
	)
	return cmd
}

func (o *options) logger() (*log.Logger, error) {
	level, err := log.ParseLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           level,
	})
	return logger, nil
}

func (o *options) store(ctx context.Context) (storage.Store, error) {
	if o.root == "" {
		return nil, fmt.Errorf("--root is required")
	}
	switch o.backend {
	case "fs":
		return storage.NewFSStore(o.root), nil
	case "s3":
		return storage.NewS3Store(ctx, o.root, o.s3Endpoint)
	default:
		return nil, fmt.Errorf("unknown backend %q (expected fs or s3)", o.backend)
	}
}

func (o *options) newEngine(ctx context.Context, needRules bool) (*engine.Engine, *log.Logger, error) {
	logger, err := o.logger()
	if err != nil {
		return nil, nil, err
	}
	store, err := o.store(ctx)
	if err != nil {
		return nil, nil, err
	}

	var table *routing.Table
	if o.rulesPath != "" {
		table, err = routing.Load(o.rulesPath)
		if err != nil {
			return nil, nil, err
		}
	} else if needRules {
		return nil, nil, fmt.Errorf("--rules is required for this command")
	}

	alg := digest.Algorithm(o.checksum)
	engineOpts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithAlgorithm(alg),
	}
	if o.signing {
		engineOpts = append(engineOpts, engine.WithSigner(&sign.GPG{
			KeyPath:     o.gpgKeyFile,
			KeyID:       o.gpgKey,
			Password:    o.gpgPassword,
			Verify:      o.verify,
			RequireSudo: o.requireSudo,
		}))
	}
	return engine.New(store, table, engineOpts...), logger, nil
}

// printReport writes one line per entry and returns an error when any
// entry failed, so the process exit status reflects partial failure.
func printReport(report engine.Report) error {
	failed := 0
	for _, e := range report.Entries {
		if e.Outcome == engine.OutcomeFailed {
			failed++
			fmt.Fprintf(os.Stdout, "%-9s %s %s: %v\n", e.Outcome, e.Package, e.Repository, e.Err)
			continue
		}
		fmt.Fprintf(os.Stdout, "%-9s %s %s\n", e.Outcome, e.Package, e.Repository)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d entries failed", failed, len(report.Entries))
	}
	return nil
}
