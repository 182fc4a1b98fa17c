package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MemStore is an in-memory Store with full precondition semantics. It
// backs unit tests and dry-run invocations.
type MemStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	serial  uint64
}

type memObject struct {
	data    []byte
	version Version
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[string]memObject)}
}

func (m *MemStore) Root() string { return "mem" }

func (m *MemStore) Get(ctx context.Context, key string) ([]byte, Version, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, "", fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	data := append([]byte(nil), obj.data...)
	return data, obj.version, nil
}

func (m *MemStore) Put(ctx context.Context, key string, data []byte, pre *Precondition) (Version, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, exists := m.objects[key]
	if pre != nil {
		if pre.absent && exists {
			return "", fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
		}
		if pre.version != "" && (!exists || cur.version != pre.version) {
			return "", fmt.Errorf("put %s: %w", key, ErrPreconditionFailed)
		}
	}
	m.serial++
	v := Version(fmt.Sprintf("v%d", m.serial))
	m.objects[key] = memObject{data: append([]byte(nil), data...), version: v}
	return v, nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) List(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

// Len reports the number of stored objects.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.objects)
}
