// Package engine orchestrates repository updates: it resolves packages
// to repositories, serializes writers through leases, stages objects,
// rebuilds metadata, signs, and publishes the new state so that any
// single reader sees either the old repository or the new one.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/opencontainers/go-digest"

	"github.com/e2llm/rpmrepo-publish/pkg/descriptor"
	"github.com/e2llm/rpmrepo-publish/pkg/lock"
	"github.com/e2llm/rpmrepo-publish/pkg/metadata"
	"github.com/e2llm/rpmrepo-publish/pkg/routing"
	"github.com/e2llm/rpmrepo-publish/pkg/sign"
	"github.com/e2llm/rpmrepo-publish/pkg/storage"
)

var (
	// ErrNotInitialized reports an operation against a prefix that has
	// no published manifest.
	ErrNotInitialized = errors.New("repository not initialized")
	// ErrAlreadyInitialized reports an init against a prefix that
	// already has a published manifest.
	ErrAlreadyInitialized = errors.New("repository already initialized")
)

// Artifact is one package file handed to the engine: raw bytes plus the
// name it arrived under.
type Artifact struct {
	Filename string
	Data     []byte
}

// Outcome classifies what happened to one package in one invocation.
type Outcome string

const (
	OutcomeAdded     Outcome = "added"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeRemoved   Outcome = "removed"
	OutcomeFailed    Outcome = "failed"
)

// Entry is one package's result within a Report.
type Entry struct {
	Package    string
	Repository string
	Outcome    Outcome
	// Mismatches lists fields where the filename disagreed with the
	// package header. Non-fatal; the header won.
	Mismatches []string
	Err        error
}

// Report is the structured result of one engine invocation, one entry
// per package/repository pair.
type Report struct {
	Entries []Entry
}

// Failed reports whether any entry failed.
func (r Report) Failed() bool {
	for _, e := range r.Entries {
		if e.Outcome == OutcomeFailed {
			return true
		}
	}
	return false
}

// Builder turns a package snapshot into component index files. It is a
// pure function of its inputs; the engine owns all storage I/O around
// it so publication ordering and rollback stay testable with fakes.
type Builder interface {
	Build(pkgs []metadata.Package, alg digest.Algorithm, now time.Time) ([]metadata.CoreFile, error)
}

// BuilderFunc adapts a function to the Builder interface.
type BuilderFunc func(pkgs []metadata.Package, alg digest.Algorithm, now time.Time) ([]metadata.CoreFile, error)

func (f BuilderFunc) Build(pkgs []metadata.Package, alg digest.Algorithm, now time.Time) ([]metadata.CoreFile, error) {
	return f(pkgs, alg, now)
}

type inspectFunc func(filename string, data []byte, alg digest.Algorithm) (descriptor.Inspection, error)

// Engine coordinates repository updates over a Store. All blocking work
// takes the caller's context; a deadline that elapses mid-update runs
// the same rollback path as any other failure.
type Engine struct {
	store    storage.Store
	rules    *routing.Table
	locks    *lock.Manager
	signer   sign.Signer
	builder  Builder
	inspect  inspectFunc
	logger   *log.Logger
	now      func() time.Time
	alg      digest.Algorithm
	attempts int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSigner enables package and manifest signing.
func WithSigner(s sign.Signer) Option {
	return func(e *Engine) { e.signer = s }
}

// WithBuilder replaces the metadata builder capability.
func WithBuilder(b Builder) Option {
	return func(e *Engine) { e.builder = b }
}

// WithLogger sets the engine's logger.
func WithLogger(l *log.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithAlgorithm sets the checksum algorithm used for new repositories.
// Existing repositories keep the algorithm found in their manifest.
func WithAlgorithm(alg digest.Algorithm) Option {
	return func(e *Engine) { e.alg = alg }
}

// WithLockOptions configures lease acquisition.
func WithLockOptions(opts ...lock.Option) Option {
	return func(e *Engine) { e.locks = lock.NewManager(e.store, opts...) }
}

// WithClock overrides the engine's time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New returns an Engine over store, routing packages through rules.
func New(store storage.Store, rules *routing.Table, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		rules:    rules,
		locks:    lock.NewManager(store),
		builder:  BuilderFunc(metadata.BuildCoreFiles),
		inspect:  descriptor.Inspect,
		logger:   log.New(io.Discard),
		now:      time.Now,
		alg:      digest.SHA256,
		attempts: 3,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// packageKey is the content-addressed storage key for an artifact,
// relative to the repository prefix.
func packageKey(d digest.Digest) string {
	return path.Join(metadata.PackageDir, d.Encoded()+".rpm")
}

// publish writes the new repository state: component files and the
// manifest signature first, the manifest pointer last. The manifest put
// is conditioned on the version token the index was read with, so a
// concurrent writer that slipped past the lease loses here instead of
// clobbering. New object keys are appended to *staged for rollback.
// The lease is renewed first: staging a large batch can outlast the
// original TTL, and building and signing still lie ahead.
func (e *Engine) publish(ctx context.Context, prefix string, lease *lock.Lease, index metadata.Index, pkgs []metadata.Package, staged *[]string) error {
	if err := e.locks.Renew(ctx, lease); err != nil {
		return err
	}
	now := e.now()
	core, err := e.builder.Build(pkgs, index.Algorithm, now)
	if err != nil {
		return fmt.Errorf("build metadata: %w", err)
	}

	for _, cf := range core {
		key := path.Join(prefix, cf.Path)
		_, err := e.store.Put(ctx, key, cf.Compressed, storage.IfAbsent())
		if errors.Is(err, storage.ErrPreconditionFailed) {
			// Digest-named key already holds identical content.
			continue
		}
		if err != nil {
			return fmt.Errorf("stage component %s: %w", cf.Path, err)
		}
		*staged = append(*staged, key)
	}

	md, warnings := metadata.AssembleManifest(index.RepoMD, core, index.Algorithm, now)
	for _, w := range warnings {
		e.logger.Warn(w, "repository", prefix)
	}
	manifest, err := metadata.MarshalRepoMD(md)
	if err != nil {
		return fmt.Errorf("build metadata: %w", err)
	}

	// The signature lives alongside the manifest and is overwritten in
	// place, so the previous one is captured for restoration: failing
	// after the signature write but before the manifest write must not
	// leave a signature that matches neither state.
	sigKey := path.Join(prefix, metadata.SignaturePath)
	var oldSig []byte
	hadSig := false
	if e.signer != nil {
		old, _, err := e.store.Get(ctx, sigKey)
		if err == nil {
			oldSig, hadSig = old, true
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("read manifest signature: %w", err)
		}

		sig, err := e.signer.SignDetached(ctx, manifest)
		if err != nil {
			return fmt.Errorf("sign manifest: %w", err)
		}
		if _, err := e.store.Put(ctx, sigKey, sig, nil); err != nil {
			return fmt.Errorf("write manifest signature: %w", err)
		}
	}

	pre := storage.IfAbsent()
	if index.Exists {
		pre = storage.IfVersion(index.ManifestVersion)
	}
	if _, err := e.store.Put(ctx, path.Join(prefix, metadata.ManifestPath), manifest, pre); err != nil {
		if e.signer != nil {
			e.restoreSignature(context.WithoutCancel(ctx), sigKey, oldSig, hadSig)
		}
		return fmt.Errorf("publish manifest: %w", err)
	}

	e.cleanupOutdated(ctx, prefix, md)
	return nil
}

// cleanupOutdated removes repodata objects the freshly published
// manifest no longer references. Best effort; a leftover object is
// unreferenced and harmless.
func (e *Engine) cleanupOutdated(ctx context.Context, prefix string, md metadata.RepoMD) {
	keys, err := e.store.List(ctx, path.Join(prefix, "repodata")+"/")
	if err != nil {
		e.logger.Warn("list repodata for cleanup", "repository", prefix, "err", err)
		return
	}
	referenced := md.Referenced()
	for _, key := range keys {
		rel, err := relKey(prefix, key)
		if err != nil {
			continue
		}
		if _, ok := referenced[rel]; ok {
			continue
		}
		if err := e.store.Delete(ctx, key); err != nil {
			e.logger.Warn("delete outdated metadata", "key", key, "err", err)
			continue
		}
		e.logger.Debug("removed outdated metadata", "key", key)
	}
}

func relKey(prefix, key string) (string, error) {
	if prefix == "" {
		return key, nil
	}
	rel := strings.TrimPrefix(key, prefix+"/")
	if rel == key {
		return "", fmt.Errorf("key %s outside prefix %s", key, prefix)
	}
	return rel, nil
}

// restoreSignature puts the pre-update manifest signature back, or
// deletes the fresh one when the repository had none.
func (e *Engine) restoreSignature(ctx context.Context, sigKey string, oldSig []byte, hadSig bool) {
	if hadSig {
		if _, err := e.store.Put(ctx, sigKey, oldSig, nil); err != nil {
			e.logger.Warn("restore manifest signature", "key", sigKey, "err", err)
		}
		return
	}
	if err := e.store.Delete(ctx, sigKey); err != nil {
		e.logger.Warn("delete manifest signature", "key", sigKey, "err", err)
	}
}

// rollback deletes objects staged during a failed attempt. Only keys
// that were newly created are passed in, so previously published state
// is never touched.
func (e *Engine) rollback(ctx context.Context, staged []string) {
	for _, key := range staged {
		if err := e.store.Delete(ctx, key); err != nil {
			e.logger.Warn("rollback delete", "key", key, "err", err)
		}
	}
}

// withLease runs fn while holding the repository lease.
func (e *Engine) withLease(ctx context.Context, prefix string, fn func(ctx context.Context, lease *lock.Lease) error) error {
	lease, err := e.locks.Acquire(ctx, prefix)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.locks.Release(context.WithoutCancel(ctx), lease); err != nil {
			e.logger.Warn("release lease", "repository", prefix, "err", err)
		}
	}()
	return fn(ctx, lease)
}

// sortedPrefixes returns the group keys in deterministic order. Lease
// acquisition walks this order so two invocations sharing repositories
// never deadlock against each other.
func sortedPrefixes[T any](groups map[string]T) []string {
	prefixes := make([]string, 0, len(groups))
	for p := range groups {
		prefixes = append(prefixes, p)
	}
	sort.Strings(prefixes)
	return prefixes
}
