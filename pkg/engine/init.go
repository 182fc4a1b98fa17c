package engine

import (
	"context"
	"fmt"

	"github.com/e2llm/rpmrepo-publish/pkg/lock"
	"github.com/e2llm/rpmrepo-publish/pkg/metadata"
)

// Init publishes an empty metadata index at prefix, making it a valid
// repository that readers and later updates can resolve. Force rebuilds
// the index of an already initialized repository in place, keeping its
// published packages.
func (e *Engine) Init(ctx context.Context, prefix string, force bool) (Report, error) {
	var report Report
	err := e.withLease(ctx, prefix, func(ctx context.Context, lease *lock.Lease) error {
		var staged []string
		if err := e.initAttempt(ctx, prefix, lease, force, &staged); err != nil {
			e.rollback(context.WithoutCancel(ctx), staged)
			return err
		}
		return nil
	})
	entry := Entry{Repository: prefix, Outcome: OutcomeAdded}
	if err != nil {
		entry.Outcome = OutcomeFailed
		entry.Err = err
	}
	report.Entries = append(report.Entries, entry)
	return report, err
}

func (e *Engine) initAttempt(ctx context.Context, prefix string, lease *lock.Lease, force bool, staged *[]string) error {
	index, err := metadata.LoadIndex(ctx, e.store, prefix)
	if err != nil {
		return err
	}
	if index.Exists && !force {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, prefix)
	}
	if index.Algorithm == "" {
		index.Algorithm = e.alg
	}
	if err := e.publish(ctx, prefix, lease, index, index.Packages, staged); err != nil {
		return err
	}
	e.logger.Info("initialized repository", "repository", prefix, "packages", len(index.Packages))
	return nil
}
