package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FSStore serves a Store from a local directory. Version tokens are
// content digests. Preconditions other than IfAbsent are check-then-write
// without OS-level locking; FSStore exists for local development and
// tests, not for concurrent multi-process use.
type FSStore struct {
	root string
}

func NewFSStore(root string) *FSStore {
	return &FSStore{root: root}
}

func (s *FSStore) Root() string { return s.root }

func (s *FSStore) abs(key string) string {
	return filepath.Join(s.root, filepath.FromSlash(key))
}

func (s *FSStore) Get(ctx context.Context, key string) ([]byte, Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(s.abs(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("get %s: %w", key, ErrNotFound)
		}
		return nil, "", fmt.Errorf("get %s: %w", key, err)
	}
	return data, contentVersion(data), nil
}

func (s *FSStore) Put(ctx context.Context, key string, data []byte, pre *Precondition) (Version, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	absPath := s.abs(key)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}

	if pre != nil {
		if pre.absent {
			f, err := os.OpenFile(absPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				if errors.Is(err, fs.ErrExist) {
					return "", fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
				}
				return "", fmt.Errorf("put %s: %w", key, err)
			}
			if _, err := f.Write(data); err != nil {
				f.Close()
				return "", fmt.Errorf("put %s: %w", key, err)
			}
			if err := f.Close(); err != nil {
				return "", fmt.Errorf("put %s: %w", key, err)
			}
			return contentVersion(data), nil
		}
		cur, err := os.ReadFile(absPath)
		if err != nil || contentVersion(cur) != pre.version {
			return "", fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
		}
	}

	if err := s.writeAtomic(absPath, data); err != nil {
		return "", fmt.Errorf("put %s: %w", key, err)
	}
	return contentVersion(data), nil
}

// writeAtomic stages the content in a temp file in the destination
// directory and renames it into place.
func (s *FSStore) writeAtomic(absPath string, data []byte) error {
	dir := filepath.Dir(absPath)
	tmp, err := os.CreateTemp(dir, ".tmp-repopub-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, absPath)
}

func (s *FSStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.abs(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FSStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if strings.HasPrefix(filepath.Base(rel), ".tmp-repopub-") {
			return nil
		}
		if strings.HasPrefix(rel, prefix) {
			out = append(out, rel)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

func (s *FSStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	_, err := os.Stat(s.abs(key))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func contentVersion(data []byte) Version {
	sum := sha256.Sum256(data)
	return Version(hex.EncodeToString(sum[:8]))
}
