package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/e2llm/rpmrepo-publish/pkg/descriptor"
	"github.com/e2llm/rpmrepo-publish/pkg/lock"
	"github.com/e2llm/rpmrepo-publish/pkg/metadata"
	"github.com/e2llm/rpmrepo-publish/pkg/storage"
)

// candidate is one resolved artifact waiting for its repository update.
type candidate struct {
	artifact   Artifact
	inspection descriptor.Inspection
	prefix     string
}

// Add routes each artifact to its repository and updates every touched
// repository: sign, stage, rebuild metadata, publish. Repositories are
// independent; a failure in one is reported on its entries and does not
// abort the rest of the batch. The returned error covers invocation-level
// problems only, never per-package ones.
func (e *Engine) Add(ctx context.Context, artifacts []Artifact) (Report, error) {
	var report Report
	if e.rules == nil {
		return report, fmt.Errorf("no routing rules configured")
	}
	groups := make(map[string][]candidate)

	for _, a := range artifacts {
		insp, err := e.inspect(a.Filename, a.Data, e.alg)
		if err != nil {
			report.Entries = append(report.Entries, Entry{
				Package: a.Filename,
				Outcome: OutcomeFailed,
				Err:     err,
			})
			continue
		}
		for _, m := range insp.Mismatches {
			e.logger.Warn("filename disagrees with package header", "package", insp.Descriptor.NEVRA(), "field", m)
		}
		prefix, err := e.rules.Resolve(insp.Descriptor)
		if err != nil {
			report.Entries = append(report.Entries, Entry{
				Package:    insp.Descriptor.NEVRA(),
				Outcome:    OutcomeFailed,
				Mismatches: insp.Mismatches,
				Err:        err,
			})
			continue
		}
		groups[prefix] = append(groups[prefix], candidate{artifact: a, inspection: insp, prefix: prefix})
	}

	// Leases are taken up front in sorted prefix order, so concurrent
	// invocations sharing repositories contend pairwise instead of
	// deadlocking.
	leases := make(map[string]*lock.Lease)
	var locked []string
	for _, prefix := range sortedPrefixes(groups) {
		lease, err := e.locks.Acquire(ctx, prefix)
		if err != nil {
			for _, c := range groups[prefix] {
				report.Entries = append(report.Entries, Entry{
					Package:    c.inspection.Descriptor.NEVRA(),
					Repository: prefix,
					Outcome:    OutcomeFailed,
					Mismatches: c.inspection.Mismatches,
					Err:        err,
				})
			}
			continue
		}
		leases[prefix] = lease
		locked = append(locked, prefix)
	}
	defer func() {
		for _, prefix := range locked {
			if err := e.locks.Release(context.WithoutCancel(ctx), leases[prefix]); err != nil {
				e.logger.Warn("release lease", "repository", prefix, "err", err)
			}
		}
	}()

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, prefix := range locked {
		prefix := prefix
		cands := groups[prefix]
		lease := leases[prefix]
		g.Go(func() error {
			entries := e.addToRepository(ctx, prefix, lease, cands)
			mu.Lock()
			report.Entries = append(report.Entries, entries...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, nil
}

// addToRepository runs the staged update for one locked repository. The
// whole read-build-publish cycle retries on a lost manifest race;
// staged objects are rolled back only once the update is abandoned.
func (e *Engine) addToRepository(ctx context.Context, prefix string, lease *lock.Lease, cands []candidate) []Entry {
	var staged []string
	entries, err := e.tryAddToRepository(ctx, prefix, lease, cands, &staged)
	if err != nil {
		e.rollback(context.WithoutCancel(ctx), staged)
		entries = entries[:0]
		for _, c := range cands {
			entries = append(entries, Entry{
				Package:    c.inspection.Descriptor.NEVRA(),
				Repository: prefix,
				Outcome:    OutcomeFailed,
				Mismatches: c.inspection.Mismatches,
				Err:        err,
			})
		}
	}
	return entries
}

func (e *Engine) tryAddToRepository(ctx context.Context, prefix string, lease *lock.Lease, cands []candidate, staged *[]string) ([]Entry, error) {
	var lastErr error
	for attempt := 0; attempt < e.attempts; attempt++ {
		entries, err := e.addAttempt(ctx, prefix, lease, cands, staged)
		if err == nil {
			return entries, nil
		}
		if !errors.Is(err, storage.ErrPreconditionFailed) {
			return nil, err
		}
		// The manifest moved under us despite the lease, likely a
		// reclaimed lease from a stalled writer. Reload and rebuild.
		e.logger.Warn("manifest changed during update, retrying", "repository", prefix, "attempt", attempt+1)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", lock.ErrBusy, lastErr)
}

func (e *Engine) addAttempt(ctx context.Context, prefix string, lease *lock.Lease, cands []candidate, staged *[]string) ([]Entry, error) {
	index, err := metadata.LoadIndex(ctx, e.store, prefix)
	if err != nil {
		return nil, err
	}
	if index.Algorithm == "" {
		index.Algorithm = e.alg
	}

	byID := make(map[string]struct{}, len(index.Packages))
	byNEVRA := make(map[string]struct{}, len(index.Packages))
	for _, p := range index.Packages {
		byID[p.PkgID] = struct{}{}
		byNEVRA[p.NEVRA()] = struct{}{}
	}

	var entries []Entry
	pkgs := append([]metadata.Package(nil), index.Packages...)
	changed := false

	for _, c := range cands {
		desc := c.inspection.Descriptor
		entry := Entry{
			Package:    desc.NEVRA(),
			Repository: prefix,
			Mismatches: c.inspection.Mismatches,
		}

		if _, dup := byID[desc.ContentHash.Encoded()]; dup {
			entry.Outcome = OutcomeUnchanged
			entries = append(entries, entry)
			continue
		}
		if _, dup := byNEVRA[desc.NEVRA()]; dup {
			// Same name-version already published with different bytes
			// (e.g. a re-signed build). Kept as-is rather than replaced.
			e.logger.Info("package already in repository", "package", desc.NEVRA(), "repository", prefix)
			entry.Outcome = OutcomeUnchanged
			entries = append(entries, entry)
			continue
		}

		pkg, key, err := e.stagePackage(ctx, prefix, c, staged)
		if err != nil {
			return nil, err
		}
		e.logger.Info("staged package", "package", pkg.NEVRA(), "key", key)
		pkgs = append(pkgs, pkg)
		byID[pkg.PkgID] = struct{}{}
		byNEVRA[pkg.NEVRA()] = struct{}{}
		entry.Outcome = OutcomeAdded
		entries = append(entries, entry)
		changed = true
	}

	if !changed && index.Exists {
		return entries, nil
	}
	if err := e.publish(ctx, prefix, lease, index, pkgs, staged); err != nil {
		return nil, err
	}
	e.logger.Info("published repository", "repository", prefix, "packages", len(pkgs))
	return entries, nil
}

// stagePackage signs the artifact when a signer is configured and writes
// it under its content-addressed key. Signing precedes staging so the
// stored bytes carry the signature and the key names their final hash.
func (e *Engine) stagePackage(ctx context.Context, prefix string, c candidate, staged *[]string) (metadata.Package, string, error) {
	insp := c.inspection
	data := c.artifact.Data

	if e.signer != nil {
		signed, err := e.signer.SignArtifact(ctx, data)
		if err != nil {
			return metadata.Package{}, "", fmt.Errorf("sign %s: %w", insp.Descriptor.NEVRA(), err)
		}
		reinsp, err := e.inspect(c.artifact.Filename, signed, e.alg)
		if err != nil {
			return metadata.Package{}, "", fmt.Errorf("inspect signed %s: %w", insp.Descriptor.NEVRA(), err)
		}
		insp = reinsp
		data = signed
	}

	rel := packageKey(insp.Descriptor.ContentHash)
	key := path.Join(prefix, rel)
	pkg := insp.Package
	pkg.Location = rel
	pkg.TimeFile = e.now().Unix()

	_, err := e.store.Put(ctx, key, data, storage.IfAbsent())
	if errors.Is(err, storage.ErrPreconditionFailed) {
		// Content-addressed key: identical bytes already present.
		return pkg, key, nil
	}
	if err != nil {
		return metadata.Package{}, "", fmt.Errorf("stage %s: %w", insp.Descriptor.NEVRA(), err)
	}
	*staged = append(*staged, key)
	return pkg, key, nil
}
