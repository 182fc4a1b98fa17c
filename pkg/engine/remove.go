package engine

import (
	"context"
	"errors"
	"fmt"
	"path"

	"github.com/e2llm/rpmrepo-publish/pkg/lock"
	"github.com/e2llm/rpmrepo-publish/pkg/metadata"
	"github.com/e2llm/rpmrepo-publish/pkg/storage"
)

// RemoveMode selects how removal identifiers are matched against the
// repository's packages.
type RemoveMode int

const (
	// RemoveByHash matches identifiers against package content hashes.
	RemoveByHash RemoveMode = iota
	// RemoveByName matches identifiers against NEVRA strings and bare
	// package names.
	RemoveByName
)

// Remove drops the identified packages from the repository at prefix
// and republishes its metadata. Content hashes carry no routing
// information, so the repository is named explicitly. Package objects
// are deleted only after the new manifest no longer references them.
func (e *Engine) Remove(ctx context.Context, prefix string, identifiers []string, mode RemoveMode) (Report, error) {
	var report Report
	err := e.withLease(ctx, prefix, func(ctx context.Context, lease *lock.Lease) error {
		var staged []string
		r, err := e.tryRemove(ctx, prefix, lease, identifiers, mode, &staged)
		if err != nil {
			e.rollback(context.WithoutCancel(ctx), staged)
			return err
		}
		report = r
		return nil
	})
	if err != nil {
		for _, id := range identifiers {
			report.Entries = append(report.Entries, Entry{
				Package:    id,
				Repository: prefix,
				Outcome:    OutcomeFailed,
				Err:        err,
			})
		}
		// Per-repository failures surface on the entries; only hand the
		// caller errors it can act on differently, like contention.
		if errors.Is(err, lock.ErrBusy) {
			return report, err
		}
		return report, nil
	}
	return report, nil
}

func (e *Engine) tryRemove(ctx context.Context, prefix string, lease *lock.Lease, identifiers []string, mode RemoveMode, staged *[]string) (Report, error) {
	var lastErr error
	for attempt := 0; attempt < e.attempts; attempt++ {
		report, err := e.removeAttempt(ctx, prefix, lease, identifiers, mode, staged)
		if err == nil {
			return report, nil
		}
		if !errors.Is(err, storage.ErrPreconditionFailed) {
			return Report{}, err
		}
		e.logger.Warn("manifest changed during removal, retrying", "repository", prefix, "attempt", attempt+1)
		lastErr = err
	}
	return Report{}, fmt.Errorf("%w: %v", lock.ErrBusy, lastErr)
}

func (e *Engine) removeAttempt(ctx context.Context, prefix string, lease *lock.Lease, identifiers []string, mode RemoveMode, staged *[]string) (Report, error) {
	index, err := metadata.LoadIndex(ctx, e.store, prefix)
	if err != nil {
		return Report{}, err
	}
	if !index.Exists {
		return Report{}, fmt.Errorf("%w: %s", ErrNotInitialized, prefix)
	}

	var report Report
	remaining := make([]metadata.Package, 0, len(index.Packages))
	removed := make([]metadata.Package, 0, len(identifiers))
	matched := make(map[string]bool, len(identifiers))

	for _, p := range index.Packages {
		id := matchIdentifier(p, identifiers, mode)
		if id == "" {
			remaining = append(remaining, p)
			continue
		}
		matched[id] = true
		removed = append(removed, p)
		report.Entries = append(report.Entries, Entry{
			Package:    p.NEVRA(),
			Repository: prefix,
			Outcome:    OutcomeRemoved,
		})
	}
	for _, id := range identifiers {
		if !matched[id] {
			report.Entries = append(report.Entries, Entry{
				Package:    id,
				Repository: prefix,
				Outcome:    OutcomeFailed,
				Err:        fmt.Errorf("package %s not in repository %s", id, prefix),
			})
		}
	}
	if len(removed) == 0 {
		return report, nil
	}

	if err := e.publish(ctx, prefix, lease, index, remaining, staged); err != nil {
		return Report{}, err
	}
	e.logger.Info("published repository", "repository", prefix, "packages", len(remaining))

	// The manifest no longer references these objects; deletion after
	// publish means a crash here leaves only unreferenced garbage.
	stillUsed := make(map[string]bool, len(remaining))
	for _, p := range remaining {
		stillUsed[p.Location] = true
	}
	for _, p := range removed {
		if p.Location == "" || stillUsed[p.Location] {
			continue
		}
		key := path.Join(prefix, p.Location)
		if err := e.store.Delete(ctx, key); err != nil {
			e.logger.Warn("delete package object", "key", key, "err", err)
			continue
		}
		e.logger.Info("deleted package object", "key", key)
	}
	return report, nil
}

func matchIdentifier(p metadata.Package, identifiers []string, mode RemoveMode) string {
	for _, id := range identifiers {
		switch mode {
		case RemoveByName:
			if id == p.NEVRA() || id == p.Name {
				return id
			}
		default:
			if id == p.PkgID {
				return id
			}
		}
	}
	return ""
}
