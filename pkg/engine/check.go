package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/e2llm/rpmrepo-publish/pkg/metadata"
)

// CheckResult captures consistency warnings and an optional terminal
// error for one repository.
type CheckResult struct {
	Warnings []string `json:"warnings"`
	Err      error    `json:"-"`
}

// Check validates the repository at prefix without writing anything:
// the manifest parses, every component decompresses and matches its
// recorded checksum, every indexed package object exists, and nothing
// under the package directory is orphaned. Warnings cover conditions an
// update would tolerate; the returned error joins the ones it would not.
func (e *Engine) Check(ctx context.Context, prefix string) CheckResult {
	warnings, err := e.checkCollect(ctx, prefix)
	return CheckResult{Warnings: warnings, Err: err}
}

func (e *Engine) checkCollect(ctx context.Context, prefix string) ([]string, error) {
	index, err := metadata.LoadIndex(ctx, e.store, prefix)
	if err != nil {
		return nil, err
	}
	if !index.Exists {
		return nil, fmt.Errorf("%w: %s", ErrNotInitialized, prefix)
	}

	var errs []error
	expected := make(map[string]struct{}, len(index.Packages))
	for _, p := range index.Packages {
		if p.Location == "" {
			errs = append(errs, fmt.Errorf("package %s missing location", p.NEVRA()))
			continue
		}
		expected[p.Location] = struct{}{}
		exists, err := e.store.Exists(ctx, path.Join(prefix, p.Location))
		if err != nil {
			errs = append(errs, fmt.Errorf("exists %s: %w", p.Location, err))
			continue
		}
		if !exists {
			errs = append(errs, fmt.Errorf("package object missing for %s (%s)", p.NEVRA(), p.Location))
		}
	}

	var warnings []string
	keys, err := e.store.List(ctx, path.Join(prefix, metadata.PackageDir)+"/")
	if err != nil {
		errs = append(errs, fmt.Errorf("list packages: %w", err))
	} else {
		for _, key := range keys {
			rel, err := relKey(prefix, key)
			if err != nil {
				continue
			}
			if _, ok := expected[rel]; !ok {
				warnings = append(warnings, fmt.Sprintf("package object present but not referenced: %s", rel))
			}
		}
	}

	referenced := index.RepoMD.Referenced()
	repodata, err := e.store.List(ctx, path.Join(prefix, "repodata")+"/")
	if err != nil {
		errs = append(errs, fmt.Errorf("list repodata: %w", err))
	} else {
		for _, key := range repodata {
			rel, err := relKey(prefix, key)
			if err != nil {
				continue
			}
			if _, ok := referenced[rel]; !ok {
				warnings = append(warnings, fmt.Sprintf("metadata object present but not referenced: %s", rel))
			}
		}
	}

	for _, d := range index.RepoMD.Data {
		switch d.Type {
		case "primary", "filelists", "other", "modules":
		default:
			warnings = append(warnings, fmt.Sprintf("unknown metadata type %q in manifest; checksum not verified", d.Type))
		}
	}
	if e.signer != nil {
		exists, err := e.store.Exists(ctx, path.Join(prefix, metadata.SignaturePath))
		if err == nil && !exists {
			warnings = append(warnings, "manifest signature missing: "+metadata.SignaturePath)
		}
	}

	for i, p := range index.Packages {
		if p.Location != "" && !strings.HasPrefix(p.Location, metadata.PackageDir+"/") {
			warnings = append(warnings, fmt.Sprintf("package %s stored outside %s/: %s", index.Packages[i].NEVRA(), metadata.PackageDir, p.Location))
		}
	}

	return warnings, errors.Join(errs...)
}
