package metadata

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/opencontainers/go-digest"

	"github.com/e2llm/rpmrepo-publish/pkg/storage"
)

// Index is a repository's parsed metadata state, the snapshot every
// update is computed against. ManifestVersion is the manifest's version
// token at read time; republishing conditions on it so an index read
// outside the lease can never silently clobber a newer manifest.
type Index struct {
	Exists          bool
	RepoMD          RepoMD
	Packages        []Package
	Algorithm       digest.Algorithm
	ManifestVersion storage.Version
}

// LoadIndex reads and verifies a repository's metadata from storage.
// A missing manifest yields Exists=false with no error (fresh prefix).
func LoadIndex(ctx context.Context, store storage.Store, prefix string) (Index, error) {
	data, version, err := store.Get(ctx, path.Join(prefix, ManifestPath))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Fresh prefix. No algorithm is implied; the caller picks
			// one for the first publication.
			return Index{}, nil
		}
		return Index{}, fmt.Errorf("load manifest: %w", err)
	}
	md, err := ParseRepoMD(data)
	if err != nil {
		return Index{}, err
	}

	primary, filelists, other := CoreData(md)
	if primary == nil || filelists == nil || other == nil {
		return Index{}, fmt.Errorf("manifest missing core metadata (primary/filelists/other)")
	}
	for _, d := range []*RepoData{primary, filelists, other} {
		if strings.Contains(d.Location.Href, ".sqlite") {
			return Index{}, fmt.Errorf("unsupported: sqlite-only metadata (%s)", d.Location.Href)
		}
	}

	alg := digest.Algorithm(primary.Checksum.Type)
	if !SupportedAlgorithm(alg) {
		return Index{}, fmt.Errorf("unsupported checksum type %q in manifest", primary.Checksum.Type)
	}

	primaryCore, err := ReadCore(ctx, store, prefix, *primary)
	if err != nil {
		return Index{}, err
	}
	filelistsCore, err := ReadCore(ctx, store, prefix, *filelists)
	if err != nil {
		return Index{}, err
	}
	otherCore, err := ReadCore(ctx, store, prefix, *other)
	if err != nil {
		return Index{}, err
	}

	pkgs, err := ParsePackages(primaryCore.Uncompressed, filelistsCore.Uncompressed, otherCore.Uncompressed)
	if err != nil {
		return Index{}, err
	}

	return Index{
		Exists:          true,
		RepoMD:          md,
		Packages:        pkgs,
		Algorithm:       alg,
		ManifestVersion: version,
	}, nil
}

// ReadCore fetches and decompresses one component file, verifying both
// the compressed and open checksums recorded in the manifest.
func ReadCore(ctx context.Context, store storage.Store, prefix string, d RepoData) (CoreFile, error) {
	if d.Location.Href == "" {
		return CoreFile{}, fmt.Errorf("core %s: missing location href", d.Type)
	}
	compressed, _, err := store.Get(ctx, path.Join(prefix, d.Location.Href))
	if err != nil {
		return CoreFile{}, fmt.Errorf("core %s: %w", d.Type, err)
	}
	uncompressed, err := gunzip(compressed)
	if err != nil {
		return CoreFile{}, fmt.Errorf("core %s: decompress: %w", d.Type, err)
	}

	if d.Checksum.Type == "" || d.OpenChecksum == nil || d.OpenChecksum.Type == "" {
		return CoreFile{}, fmt.Errorf("core %s: missing checksum metadata", d.Type)
	}
	alg := digest.Algorithm(d.Checksum.Type)
	if !SupportedAlgorithm(alg) {
		return CoreFile{}, fmt.Errorf("core %s: unsupported checksum type %q", d.Type, d.Checksum.Type)
	}
	if sum := alg.FromBytes(compressed).Encoded(); sum != d.Checksum.Value {
		return CoreFile{}, fmt.Errorf("core %s: checksum mismatch: expected %s got %s", d.Type, d.Checksum.Value, sum)
	}
	openAlg := digest.Algorithm(d.OpenChecksum.Type)
	if !SupportedAlgorithm(openAlg) {
		return CoreFile{}, fmt.Errorf("core %s: unsupported open-checksum type %q", d.Type, d.OpenChecksum.Type)
	}
	if sum := openAlg.FromBytes(uncompressed).Encoded(); sum != d.OpenChecksum.Value {
		return CoreFile{}, fmt.Errorf("core %s: open-checksum mismatch: expected %s got %s", d.Type, d.OpenChecksum.Value, sum)
	}

	return CoreFile{
		Type:         d.Type,
		Path:         d.Location.Href,
		Compressed:   compressed,
		Uncompressed: uncompressed,
		Checksum:     d.Checksum.Value,
		OpenChecksum: d.OpenChecksum.Value,
		Size:         int64(len(compressed)),
		OpenSize:     int64(len(uncompressed)),
		Timestamp:    d.Timestamp,
	}, nil
}
