// Package lock provides best-effort mutual exclusion per repository
// prefix on top of the storage gateway's conditional put. One valid
// lease exists per repository at a time; expired leases are reclaimed
// using the stale lease's version token as precondition so concurrent
// reclaimers cannot both win. The protocol is not linearizable under
// severe clock skew between callers; it targets low-contention
// serverless deployments where updates are rare and short.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/e2llm/rpmrepo-publish/pkg/storage"
)

// Object is the lease object's key under a repository prefix.
const Object = "lock"

// ErrBusy reports that the repository lease could not be acquired within
// the retry bound.
var ErrBusy = errors.New("repository busy")

// errHeld is the internal retryable "someone else holds a live lease".
var errHeld = errors.New("lease held")

// Lease is a time-bounded claim of exclusive update rights over one
// repository.
type Lease struct {
	Repository string    `json:"repository"`
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`

	version storage.Version
}

// Expired reports whether the lease has passed its expiry at time now.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

type Manager struct {
	store         storage.Store
	holder        string
	ttl           time.Duration
	maxRetries    uint64
	retryInterval time.Duration
	now           func() time.Time
}

type Option func(*Manager)

// WithTTL sets the lease duration (default 2m).
func WithTTL(d time.Duration) Option {
	return func(m *Manager) { m.ttl = d }
}

// WithMaxRetries bounds acquisition retries on contention (default 5).
func WithMaxRetries(n uint64) Option {
	return func(m *Manager) { m.maxRetries = n }
}

// WithRetryInterval sets the initial backoff interval (default 500ms);
// subsequent intervals grow exponentially with jitter.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retryInterval = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store storage.Store, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		holder:        uuid.NewString(),
		ttl:           2 * time.Minute,
		maxRetries:    5,
		retryInterval: 500 * time.Millisecond,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Holder returns this manager's holder identity.
func (m *Manager) Holder() string { return m.holder }

// Acquire takes the lease for a repository prefix, retrying contention
// with exponential backoff up to the retry bound, then failing with
// ErrBusy. Storage mutates only through conditional puts, so a losing
// acquirer never clobbers the winner's lease.
func (m *Manager) Acquire(ctx context.Context, prefix string) (*Lease, error) {
	key := path.Join(prefix, Object)

	var lease *Lease
	op := func() error {
		l, err := m.tryAcquire(ctx, prefix, key)
		if err == nil {
			lease = l
			return nil
		}
		if errors.Is(err, errHeld) || errors.Is(err, storage.ErrPreconditionFailed) {
			return err
		}
		return backoff.Permanent(err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.retryInterval
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, m.maxRetries), ctx))
	if err != nil {
		if errors.Is(err, errHeld) || errors.Is(err, storage.ErrPreconditionFailed) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s: %v", ErrBusy, prefix, err)
		}
		return nil, fmt.Errorf("acquire %s: %w", prefix, err)
	}
	return lease, nil
}

func (m *Manager) tryAcquire(ctx context.Context, prefix, key string) (*Lease, error) {
	now := m.now().UTC()
	lease := &Lease{
		Repository: prefix,
		Holder:     m.holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}
	body, err := json.Marshal(lease)
	if err != nil {
		return nil, err
	}

	v, err := m.store.Put(ctx, key, body, storage.IfAbsent())
	if err == nil {
		lease.version = v
		return lease, nil
	}
	if !errors.Is(err, storage.ErrPreconditionFailed) {
		return nil, err
	}

	cur, curVersion, err := m.readLease(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Released between our put and read; next attempt races again.
			return nil, fmt.Errorf("lease vanished: %w", storage.ErrPreconditionFailed)
		}
		return nil, err
	}
	if !cur.Expired(now) {
		return nil, fmt.Errorf("%w by %s until %s", errHeld, cur.Holder, cur.ExpiresAt.Format(time.RFC3339))
	}

	// Expired: reclaim conditionally on the version we just read so two
	// reclaimers cannot both succeed.
	v, err = m.store.Put(ctx, key, body, storage.IfVersion(curVersion))
	if err != nil {
		return nil, err
	}
	lease.version = v
	return lease, nil
}

// Renew extends the lease while the holder still owns it.
func (m *Manager) Renew(ctx context.Context, lease *Lease) error {
	now := m.now().UTC()
	renewed := *lease
	renewed.ExpiresAt = now.Add(m.ttl)
	body, err := json.Marshal(&renewed)
	if err != nil {
		return err
	}
	key := path.Join(lease.Repository, Object)
	v, err := m.store.Put(ctx, key, body, storage.IfVersion(lease.version))
	if err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return fmt.Errorf("renew %s: lease lost: %w", lease.Repository, ErrBusy)
		}
		return fmt.Errorf("renew %s: %w", lease.Repository, err)
	}
	lease.ExpiresAt = renewed.ExpiresAt
	lease.version = v
	return nil
}

// Release deletes the lease if this holder still owns it. A lease that
// expired and was reclaimed by someone else is left alone: the re-read
// of holder and version token before delete is what keeps an expired
// holder from deleting the reclaimer's lease.
func (m *Manager) Release(ctx context.Context, lease *Lease) error {
	key := path.Join(lease.Repository, Object)
	cur, curVersion, err := m.readLease(ctx, key)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("release %s: %w", lease.Repository, err)
	}
	if cur.Holder != lease.Holder || curVersion != lease.version {
		return nil
	}
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("release %s: %w", lease.Repository, err)
	}
	return nil
}

func (m *Manager) readLease(ctx context.Context, key string) (*Lease, storage.Version, error) {
	data, v, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, "", err
	}
	var lease Lease
	if err := json.Unmarshal(data, &lease); err != nil {
		return nil, "", fmt.Errorf("decode lease %s: %w", key, err)
	}
	lease.version = v
	return &lease, v, nil
}
