package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"

	"github.com/e2llm/rpmrepo-publish/pkg/descriptor"
	"github.com/e2llm/rpmrepo-publish/pkg/lock"
	"github.com/e2llm/rpmrepo-publish/pkg/metadata"
	"github.com/e2llm/rpmrepo-publish/pkg/routing"
	"github.com/e2llm/rpmrepo-publish/pkg/storage"
)

const testRules = `
rules:
  - match: {arch: aarch64}
    target_prefix: repos/arm
  - match: {arch: "*"}
    target_prefix: repos/default
`

// fakeInspect derives the descriptor and index metadata from the
// filename and byte length alone, standing in for RPM header parsing.
func fakeInspect(filename string, data []byte, alg digest.Algorithm) (descriptor.Inspection, error) {
	desc, err := descriptor.ParseFilename(filename)
	if err != nil {
		return descriptor.Inspection{}, err
	}
	desc.ContentHash = alg.FromBytes(data)
	return descriptor.Inspection{
		Descriptor: desc,
		Package: metadata.Package{
			Name:         desc.Name,
			Arch:         desc.Arch,
			Epoch:        desc.Epoch,
			Version:      desc.Version,
			Release:      desc.Release,
			SizePackage:  uint64(len(data)),
			PkgID:        desc.ContentHash.Encoded(),
			ChecksumType: string(alg),
		},
	}, nil
}

type fakeSigner struct {
	artifacts int
	manifests int
	fail      error
}

func (s *fakeSigner) SignArtifact(ctx context.Context, artifact []byte) ([]byte, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	s.artifacts++
	return append(append([]byte(nil), artifact...), []byte("\x00sig")...), nil
}

func (s *fakeSigner) SignDetached(ctx context.Context, data []byte) ([]byte, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	s.manifests++
	return []byte(fmt.Sprintf("-----BEGIN PGP SIGNATURE-----\nfake %d\n-----END PGP SIGNATURE-----\n", s.manifests)), nil
}

// failingStore fails Put for keys carrying a suffix, for fault
// injection between publication steps.
type failingStore struct {
	storage.Store
	failSuffix string
	err        error
}

func (f *failingStore) Put(ctx context.Context, key string, data []byte, pre *storage.Precondition) (storage.Version, error) {
	if f.failSuffix != "" && strings.HasSuffix(key, f.failSuffix) {
		return "", f.err
	}
	return f.Store.Put(ctx, key, data, pre)
}

func newTestEngine(t *testing.T, store storage.Store, opts ...Option) *Engine {
	t.Helper()
	table, err := routing.Parse([]byte(testRules))
	require.NoError(t, err)
	e := New(store, table, opts...)
	e.inspect = fakeInspect
	return e
}

func rpmArtifact(name string, body string) Artifact {
	return Artifact{Filename: name, Data: []byte(body)}
}

func entryFor(t *testing.T, r Report, pkg string) Entry {
	t.Helper()
	for _, e := range r.Entries {
		if e.Package == pkg {
			return e
		}
	}
	t.Fatalf("no report entry for %s in %+v", pkg, r.Entries)
	return Entry{}
}

func loadIndex(t *testing.T, store storage.Store, prefix string) metadata.Index {
	t.Helper()
	index, err := metadata.LoadIndex(context.Background(), store, prefix)
	require.NoError(t, err)
	return index
}

func TestInitAddRemoveLifecycle(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	report, err := e.Init(ctx, "repos/default", false)
	require.NoError(t, err)
	require.False(t, report.Failed())
	require.True(t, loadIndex(t, store, "repos/default").Exists)

	art := rpmArtifact("foo-1.0-1.x86_64.rpm", "foo package bytes")
	report, err = e.Add(ctx, []Artifact{art})
	require.NoError(t, err)
	entry := entryFor(t, report, "foo-1.0-1.x86_64")
	require.Equal(t, OutcomeAdded, entry.Outcome)
	require.Equal(t, "repos/default", entry.Repository)

	index := loadIndex(t, store, "repos/default")
	require.Len(t, index.Packages, 1)
	hash := digest.SHA256.FromBytes(art.Data).Encoded()
	require.Equal(t, hash, index.Packages[0].PkgID)
	require.Equal(t, "packages/"+hash+".rpm", index.Packages[0].Location)
	exists, err := store.Exists(ctx, "repos/default/packages/"+hash+".rpm")
	require.NoError(t, err)
	require.True(t, exists)

	report, err = e.Remove(ctx, "repos/default", []string{hash}, RemoveByHash)
	require.NoError(t, err)
	require.Equal(t, OutcomeRemoved, entryFor(t, report, "foo-1.0-1.x86_64").Outcome)

	index = loadIndex(t, store, "repos/default")
	require.Empty(t, index.Packages)
	exists, err = store.Exists(ctx, "repos/default/packages/"+hash+".rpm")
	require.NoError(t, err)
	require.False(t, exists)

	// The lease is released once the update finishes.
	exists, err = store.Exists(ctx, "repos/default/lock")
	require.NoError(t, err)
	require.False(t, exists)
}

func TestAddUninitializedPrefixCreatesRepository(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	report, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "bytes")})
	require.NoError(t, err)
	require.False(t, report.Failed())
	require.True(t, loadIndex(t, store, "repos/default").Exists)
}

func TestAddIdenticalContentIsUnchanged(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	art := rpmArtifact("foo-1.0-1.x86_64.rpm", "identical bytes")
	_, err := e.Add(ctx, []Artifact{art})
	require.NoError(t, err)
	manifest, v1, err := store.Get(ctx, "repos/default/repodata/repomd.xml")
	require.NoError(t, err)
	objects := store.Len()

	report, err := e.Add(ctx, []Artifact{art})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, entryFor(t, report, "foo-1.0-1.x86_64").Outcome)

	manifest2, v2, err := store.Get(ctx, "repos/default/repodata/repomd.xml")
	require.NoError(t, err)
	require.Equal(t, manifest, manifest2)
	require.Equal(t, v1, v2)
	require.Equal(t, objects, store.Len())
}

func TestAddSameNEVRADifferentBytesIsUnchanged(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	_, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "first build")})
	require.NoError(t, err)
	report, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "second build")})
	require.NoError(t, err)
	require.Equal(t, OutcomeUnchanged, entryFor(t, report, "foo-1.0-1.x86_64").Outcome)
	require.Len(t, loadIndex(t, store, "repos/default").Packages, 1)
}

func TestAddRoutesPerArchitecture(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	report, err := e.Add(ctx, []Artifact{
		rpmArtifact("foo-1.0-1.aarch64.rpm", "arm bytes"),
		rpmArtifact("bar-2.0-1.x86_64.rpm", "x86 bytes"),
	})
	require.NoError(t, err)
	require.Equal(t, "repos/arm", entryFor(t, report, "foo-1.0-1.aarch64").Repository)
	require.Equal(t, "repos/default", entryFor(t, report, "bar-2.0-1.x86_64").Repository)
	require.Len(t, loadIndex(t, store, "repos/arm").Packages, 1)
	require.Len(t, loadIndex(t, store, "repos/default").Packages, 1)
}

func TestAddMalformedPackage(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, storage.NewMemStore())

	report, err := e.Add(ctx, []Artifact{{Filename: "garbage", Data: []byte("x")}})
	require.NoError(t, err)
	require.True(t, report.Failed())
	require.ErrorIs(t, report.Entries[0].Err, descriptor.ErrMalformed)
}

func TestAddBatchIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	report, err := e.Add(ctx, []Artifact{
		{Filename: "not-an-rpm", Data: []byte("x")},
		rpmArtifact("ok-1.0-1.x86_64.rpm", "fine"),
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, entryFor(t, report, "not-an-rpm").Outcome)
	require.Equal(t, OutcomeAdded, entryFor(t, report, "ok-1.0-1.x86_64").Outcome)
}

func TestAddLockedRepositoryBusy(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store, WithLockOptions(
		lock.WithMaxRetries(1), lock.WithRetryInterval(time.Millisecond)))

	other := lock.NewManager(store)
	lease, err := other.Acquire(ctx, "repos/default")
	require.NoError(t, err)
	defer other.Release(ctx, lease)

	report, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "bytes")})
	require.NoError(t, err)
	entry := entryFor(t, report, "foo-1.0-1.x86_64")
	require.Equal(t, OutcomeFailed, entry.Outcome)
	require.ErrorIs(t, entry.Err, lock.ErrBusy)
}

func TestRollbackOnManifestWriteFailure(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStore()
	e := newTestEngine(t, mem)

	_, err := e.Init(ctx, "repos/default", false)
	require.NoError(t, err)
	before := snapshot(ctx, t, mem)

	boom := errors.New("injected manifest failure")
	e.store = &failingStore{Store: mem, failSuffix: "repodata/repomd.xml", err: boom}
	report, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "bytes")})
	require.NoError(t, err)
	entry := entryFor(t, report, "foo-1.0-1.x86_64")
	require.Equal(t, OutcomeFailed, entry.Outcome)
	require.ErrorIs(t, entry.Err, boom)

	// Components were written before the failure; everything staged is
	// rolled back and the published state is byte-identical.
	require.Equal(t, before, snapshot(ctx, t, mem))
}

func TestRollbackOnBuildFailure(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStore()
	boom := errors.New("injected build failure")
	e := newTestEngine(t, mem)

	_, err := e.Init(ctx, "repos/default", false)
	require.NoError(t, err)
	before := snapshot(ctx, t, mem)

	e.builder = BuilderFunc(func([]metadata.Package, digest.Algorithm, time.Time) ([]metadata.CoreFile, error) {
		return nil, boom
	})
	report, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "bytes")})
	require.NoError(t, err)
	require.ErrorIs(t, entryFor(t, report, "foo-1.0-1.x86_64").Err, boom)
	require.Equal(t, before, snapshot(ctx, t, mem))
}

func TestSigningFailureRollsBack(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStore()
	e := newTestEngine(t, mem, WithSigner(&fakeSigner{fail: errors.New("no key")}))

	_, err := e.Init(ctx, "repos/default", false)
	require.Error(t, err) // init signs the manifest too
	require.Equal(t, 0, mem.Len())
}

func TestSignedAddStoresSignedBytesAndSignature(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	signer := &fakeSigner{}
	e := newTestEngine(t, store, WithSigner(signer))

	report, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "raw bytes")})
	require.NoError(t, err)
	require.False(t, report.Failed())
	require.Equal(t, 1, signer.artifacts)
	require.NotZero(t, signer.manifests)

	index := loadIndex(t, store, "repos/default")
	require.Len(t, index.Packages, 1)
	signedHash := digest.SHA256.FromBytes([]byte("raw bytes\x00sig")).Encoded()
	require.Equal(t, signedHash, index.Packages[0].PkgID)

	obj, _, err := store.Get(ctx, "repos/default/packages/"+signedHash+".rpm")
	require.NoError(t, err)
	require.Equal(t, []byte("raw bytes\x00sig"), obj)

	sig, _, err := store.Get(ctx, "repos/default/"+metadata.SignaturePath)
	require.NoError(t, err)
	require.Contains(t, string(sig), "PGP SIGNATURE")
}

func TestRemoveUnknownIdentifier(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	_, err := e.Init(ctx, "repos/default", false)
	require.NoError(t, err)
	report, err := e.Remove(ctx, "repos/default", []string{"deadbeef"}, RemoveByHash)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, entryFor(t, report, "deadbeef").Outcome)
}

func TestRemoveByName(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	_, err := e.Add(ctx, []Artifact{
		rpmArtifact("foo-1.0-1.x86_64.rpm", "foo bytes"),
		rpmArtifact("bar-2.0-1.x86_64.rpm", "bar bytes"),
	})
	require.NoError(t, err)

	report, err := e.Remove(ctx, "repos/default", []string{"foo"}, RemoveByName)
	require.NoError(t, err)
	require.Equal(t, OutcomeRemoved, entryFor(t, report, "foo-1.0-1.x86_64").Outcome)
	index := loadIndex(t, store, "repos/default")
	require.Len(t, index.Packages, 1)
	require.Equal(t, "bar", index.Packages[0].Name)
}

func TestRemoveUninitialized(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, storage.NewMemStore())

	report, err := e.Remove(ctx, "repos/default", []string{"deadbeef"}, RemoveByHash)
	require.NoError(t, err)
	require.True(t, report.Failed())
	require.ErrorIs(t, report.Entries[0].Err, ErrNotInitialized)
}

func TestInitTwice(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	_, err := e.Init(ctx, "repos/default", false)
	require.NoError(t, err)
	_, err = e.Init(ctx, "repos/default", false)
	require.ErrorIs(t, err, ErrAlreadyInitialized)

	_, err = e.Init(ctx, "repos/default", true)
	require.NoError(t, err)
}

func TestInitForceKeepsPackages(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	_, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "bytes")})
	require.NoError(t, err)
	_, err = e.Init(ctx, "repos/default", true)
	require.NoError(t, err)
	require.Len(t, loadIndex(t, store, "repos/default").Packages, 1)
}

func TestCleanupDropsOutdatedComponents(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	_, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "bytes")})
	require.NoError(t, err)
	firstGen, err := store.List(ctx, "repos/default/repodata/")
	require.NoError(t, err)

	_, err = e.Add(ctx, []Artifact{rpmArtifact("bar-2.0-1.x86_64.rpm", "more bytes")})
	require.NoError(t, err)
	secondGen, err := store.List(ctx, "repos/default/repodata/")
	require.NoError(t, err)

	// Old digest-named components are gone; manifest count is stable.
	for _, key := range secondGen {
		if strings.HasSuffix(key, "repomd.xml") {
			continue
		}
		require.NotContains(t, firstGen, key)
	}
	require.Len(t, secondGen, len(firstGen))
}

func TestCheckReportsMissingPackageObject(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	art := rpmArtifact("foo-1.0-1.x86_64.rpm", "bytes")
	_, err := e.Add(ctx, []Artifact{art})
	require.NoError(t, err)
	res := e.Check(ctx, "repos/default")
	require.NoError(t, res.Err)

	hash := digest.SHA256.FromBytes(art.Data).Encoded()
	require.NoError(t, store.Delete(ctx, "repos/default/packages/"+hash+".rpm"))
	res = e.Check(ctx, "repos/default")
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "package object missing")
}

func TestCheckWarnsOnOrphanedObjects(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	e := newTestEngine(t, store)

	_, err := e.Init(ctx, "repos/default", false)
	require.NoError(t, err)
	_, err = store.Put(ctx, "repos/default/packages/orphan.rpm", []byte("x"), nil)
	require.NoError(t, err)

	res := e.Check(ctx, "repos/default")
	require.NoError(t, res.Err)
	require.NotEmpty(t, res.Warnings)
	require.Contains(t, res.Warnings[0], "orphan.rpm")
}

func TestCheckUninitialized(t *testing.T) {
	e := newTestEngine(t, storage.NewMemStore())
	res := e.Check(context.Background(), "repos/default")
	require.ErrorIs(t, res.Err, ErrNotInitialized)
}

func TestInitHonorsConfiguredAlgorithm(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStore()
	e := newTestEngine(t, mem, WithAlgorithm(digest.SHA512))

	_, err := e.Init(ctx, "repos/default", false)
	require.NoError(t, err)
	index := loadIndex(t, mem, "repos/default")
	require.Equal(t, digest.SHA512, index.Algorithm)

	report, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "foo bytes")})
	require.NoError(t, err)
	require.False(t, report.Failed())

	index = loadIndex(t, mem, "repos/default")
	require.Equal(t, digest.SHA512, index.Algorithm)
	require.Equal(t, digest.SHA512.FromBytes([]byte("foo bytes")).Encoded(), index.Packages[0].PkgID)
}

// advancingStore moves a fake clock forward on every package upload,
// simulating staging that outlasts the lease TTL.
type advancingStore struct {
	storage.Store
	advance func()
}

func (s *advancingStore) Put(ctx context.Context, key string, data []byte, pre *storage.Precondition) (storage.Version, error) {
	if strings.Contains(key, "/"+metadata.PackageDir+"/") {
		s.advance()
	}
	return s.Store.Put(ctx, key, data, pre)
}

func TestLeaseRenewedAfterSlowStaging(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStore()
	now := time.Unix(1700000000, 0)
	clock := func() time.Time { return now }
	ttl := time.Minute

	e := newTestEngine(t, mem,
		WithClock(clock),
		WithLockOptions(lock.WithTTL(ttl), lock.WithClock(clock), lock.WithMaxRetries(1), lock.WithRetryInterval(time.Millisecond)))
	e.store = &advancingStore{Store: mem, advance: func() { now = now.Add(ttl + 30*time.Second) }}

	// A rival tries to take the prefix while the metadata build runs,
	// after staging has burned through the original lease term. Renewal
	// ahead of publication keeps the lease live, so the rival must not
	// be able to reclaim it.
	rival := lock.NewManager(mem, lock.WithTTL(ttl), lock.WithClock(clock),
		lock.WithMaxRetries(0), lock.WithRetryInterval(time.Millisecond))
	var rivalErr error
	e.builder = BuilderFunc(func(pkgs []metadata.Package, alg digest.Algorithm, ts time.Time) ([]metadata.CoreFile, error) {
		_, rivalErr = rival.Acquire(ctx, "repos/default")
		return metadata.BuildCoreFiles(pkgs, alg, ts)
	})

	report, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "foo bytes")})
	require.NoError(t, err)
	require.False(t, report.Failed())
	require.ErrorIs(t, rivalErr, lock.ErrBusy)
}

func TestManifestFailureRestoresSignature(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemStore()
	e := newTestEngine(t, mem, WithSigner(&fakeSigner{}))

	_, err := e.Init(ctx, "repos/default", false)
	require.NoError(t, err)
	before := snapshot(ctx, t, mem)
	oldSig, _, err := mem.Get(ctx, "repos/default/"+metadata.SignaturePath)
	require.NoError(t, err)

	boom := errors.New("injected manifest failure")
	e.store = &failingStore{Store: mem, failSuffix: metadata.ManifestPath, err: boom}
	report, err := e.Add(ctx, []Artifact{rpmArtifact("foo-1.0-1.x86_64.rpm", "foo bytes")})
	require.NoError(t, err)
	require.True(t, report.Failed())

	// Each detached signature differs, so a leftover new signature next
	// to the old manifest would show up here.
	sig, _, err := mem.Get(ctx, "repos/default/"+metadata.SignaturePath)
	require.NoError(t, err)
	require.Equal(t, oldSig, sig)
	require.Equal(t, before, snapshot(ctx, t, mem))
}

func TestPackageKey(t *testing.T) {
	d := digest.SHA256.FromBytes([]byte("abc"))
	key := packageKey(d)
	require.Equal(t, path.Join("packages", d.Encoded()+".rpm"), key)
}

// snapshot captures every object in the store for before/after
// comparison around injected failures.
func snapshot(ctx context.Context, t *testing.T, store *storage.MemStore) map[string]string {
	t.Helper()
	keys, err := store.List(ctx, "")
	require.NoError(t, err)
	out := make(map[string]string, len(keys))
	for _, key := range keys {
		if strings.HasSuffix(key, "/lock") {
			continue
		}
		data, _, err := store.Get(ctx, key)
		require.NoError(t, err)
		out[key] = fmt.Sprintf("%x", data)
	}
	return out
}
