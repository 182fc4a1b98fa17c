package storage

import (
	"context"
	"errors"
)

// Version is an opaque token identifying an object's current state.
// Backends map it to whatever they have (S3 ETag, content digest).
type Version string

// Precondition restricts a Put to a known state of the target object.
type Precondition struct {
	absent  bool
	version Version
}

// IfAbsent succeeds only if the object does not currently exist.
func IfAbsent() *Precondition {
	return &Precondition{absent: true}
}

// IfVersion succeeds only if the object's current version token equals v.
func IfVersion(v Version) *Precondition {
	return &Precondition{version: v}
}

var (
	ErrNotFound           = errors.New("object not found")
	ErrPreconditionFailed = errors.New("precondition failed")
)

// Store abstracts the object store a repository lives in. Keys are
// slash-separated paths relative to the store root. Conditional Put is
// the only concurrency primitive; nothing here spans multiple keys.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, Version, error)
	Put(ctx context.Context, key string, data []byte, pre *Precondition) (Version, error)
	// Delete returns nil when the object does not exist.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, key string) (bool, error)
	Root() string
}
