package storage

import (
	"context"
	"errors"
	"testing"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	return map[string]Store{
		"mem": NewMemStore(),
		"fs":  NewFSStore(t.TempDir()),
	}
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			v, err := s.Put(ctx, "a/b.txt", []byte("hello"), nil)
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if v == "" {
				t.Fatalf("expected non-empty version")
			}
			data, got, err := s.Get(ctx, "a/b.txt")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(data) != "hello" {
				t.Fatalf("unexpected data %q", data)
			}
			if got != v {
				t.Fatalf("version mismatch: put=%s get=%s", v, got)
			}
		})
	}
}

func TestGetNotFound(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, _, err := s.Get(ctx, "missing")
			if !errors.Is(err, ErrNotFound) {
				t.Fatalf("expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestPutIfAbsent(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Put(ctx, "obj", []byte("one"), IfAbsent()); err != nil {
				t.Fatalf("first put: %v", err)
			}
			_, err := s.Put(ctx, "obj", []byte("two"), IfAbsent())
			if !errors.Is(err, ErrPreconditionFailed) {
				t.Fatalf("expected ErrPreconditionFailed, got %v", err)
			}
			data, _, err := s.Get(ctx, "obj")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if string(data) != "one" {
				t.Fatalf("losing put must not overwrite, got %q", data)
			}
		})
	}
}

func TestPutIfVersion(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			v1, err := s.Put(ctx, "obj", []byte("one"), nil)
			if err != nil {
				t.Fatalf("put: %v", err)
			}
			if _, err := s.Put(ctx, "obj", []byte("two"), IfVersion(v1)); err != nil {
				t.Fatalf("matching version put: %v", err)
			}
			// Stale token must lose.
			_, err = s.Put(ctx, "obj", []byte("three"), IfVersion(v1))
			if !errors.Is(err, ErrPreconditionFailed) {
				t.Fatalf("expected ErrPreconditionFailed, got %v", err)
			}
			// Missing object must lose too.
			_, err = s.Put(ctx, "gone", []byte("x"), IfVersion(v1))
			if !errors.Is(err, ErrPreconditionFailed) {
				t.Fatalf("expected ErrPreconditionFailed for missing object, got %v", err)
			}
		})
	}
}

func TestDeleteIdempotent(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if _, err := s.Put(ctx, "obj", []byte("x"), nil); err != nil {
				t.Fatalf("put: %v", err)
			}
			if err := s.Delete(ctx, "obj"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if err := s.Delete(ctx, "obj"); err != nil {
				t.Fatalf("second delete should be nil, got %v", err)
			}
			if ok, _ := s.Exists(ctx, "obj"); ok {
				t.Fatalf("object should be gone")
			}
		})
	}
}

func TestListByPrefix(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			for _, k := range []string{"repo/a/packages/p1.rpm", "repo/a/repodata/repomd.xml", "repo/b/packages/p2.rpm"} {
				if _, err := s.Put(ctx, k, []byte("x"), nil); err != nil {
					t.Fatalf("put %s: %v", k, err)
				}
			}
			keys, err := s.List(ctx, "repo/a/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(keys) != 2 {
				t.Fatalf("expected 2 keys under repo/a/, got %v", keys)
			}
			for _, k := range keys {
				if k != "repo/a/packages/p1.rpm" && k != "repo/a/repodata/repomd.xml" {
					t.Fatalf("unexpected key %s", k)
				}
			}
		})
	}
}

func TestParseS3URI(t *testing.T) {
	bucket, prefix, err := parseS3URI("s3://mybucket/some/prefix/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if bucket != "mybucket" || prefix != "some/prefix" {
		t.Fatalf("got %q %q", bucket, prefix)
	}
	if _, _, err := parseS3URI("http://nope"); err == nil {
		t.Fatalf("expected error for non-s3 uri")
	}
	if _, _, err := parseS3URI("s3://"); err == nil {
		t.Fatalf("expected error for missing bucket")
	}
}
