package lock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/e2llm/rpmrepo-publish/pkg/storage"
)

func fastManager(store storage.Store, opts ...Option) *Manager {
	base := []Option{
		WithTTL(time.Minute),
		WithMaxRetries(2),
		WithRetryInterval(time.Millisecond),
	}
	return NewManager(store, append(base, opts...)...)
}

func TestAcquireRelease(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	m := fastManager(store)

	lease, err := m.Acquire(ctx, "repos/a")
	require.NoError(t, err)
	require.Equal(t, m.Holder(), lease.Holder)

	ok, err := store.Exists(ctx, "repos/a/lock")
	require.NoError(t, err)
	require.True(t, ok, "lease object should exist while held")

	require.NoError(t, m.Release(ctx, lease))
	ok, err = store.Exists(ctx, "repos/a/lock")
	require.NoError(t, err)
	require.False(t, ok, "lease object should be deleted after release")
}

func TestAcquireContention(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	first := fastManager(store)
	second := fastManager(store)

	lease, err := first.Acquire(ctx, "repos/a")
	require.NoError(t, err)

	_, err = second.Acquire(ctx, "repos/a")
	require.ErrorIs(t, err, ErrBusy)

	// Released: second serializes behind first.
	require.NoError(t, first.Release(ctx, lease))
	lease2, err := second.Acquire(ctx, "repos/a")
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx, lease2))
}

func TestAcquireIndependentRepositories(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()
	m := fastManager(store)

	la, err := m.Acquire(ctx, "repos/a")
	require.NoError(t, err)
	lb, err := m.Acquire(ctx, "repos/b")
	require.NoError(t, err)
	require.NoError(t, m.Release(ctx, la))
	require.NoError(t, m.Release(ctx, lb))
}

func TestReclaimExpiredLease(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	now := time.Now()
	stale := fastManager(store, WithClock(func() time.Time { return now.Add(-time.Hour) }))
	_, err := stale.Acquire(ctx, "repos/a")
	require.NoError(t, err)

	fresh := fastManager(store)
	lease, err := fresh.Acquire(ctx, "repos/a")
	require.NoError(t, err, "expired lease must be reclaimable")
	require.Equal(t, fresh.Holder(), lease.Holder)
}

func TestConcurrentReclaimSingleWinner(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	now := time.Now()
	stale := fastManager(store, WithClock(func() time.Time { return now.Add(-time.Hour) }))
	_, err := stale.Acquire(ctx, "repos/a")
	require.NoError(t, err)

	// Two reclaimers race on the expired lease. Exactly one must hold it
	// at the end; the other either lost the conditional put and then saw
	// a live lease, or serialized behind a release that never happened.
	var wg sync.WaitGroup
	wins := make(chan *Lease, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := fastManager(store)
			if lease, err := m.Acquire(ctx, "repos/a"); err == nil {
				wins <- lease
			} else if !errors.Is(err, ErrBusy) {
				t.Errorf("unexpected acquire error: %v", err)
			}
		}()
	}
	wg.Wait()
	close(wins)
	require.Len(t, collect(wins), 1, "exactly one reclaimer must win")
}

func collect(ch chan *Lease) []*Lease {
	var out []*Lease
	for l := range ch {
		out = append(out, l)
	}
	return out
}

func TestReleaseDoesNotDeleteReclaimedLease(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	now := time.Now()
	stale := fastManager(store, WithClock(func() time.Time { return now.Add(-time.Hour) }))
	oldLease, err := stale.Acquire(ctx, "repos/a")
	require.NoError(t, err)

	fresh := fastManager(store)
	newLease, err := fresh.Acquire(ctx, "repos/a")
	require.NoError(t, err)

	// The expired holder releasing late must not delete the new lease.
	require.NoError(t, stale.Release(ctx, oldLease))
	ok, err := store.Exists(ctx, "repos/a/lock")
	require.NoError(t, err)
	require.True(t, ok, "reclaimed lease must survive the stale release")

	require.NoError(t, fresh.Release(ctx, newLease))
}

func TestRenewExtendsExpiry(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	base := time.Now()
	current := base
	m := fastManager(store, WithClock(func() time.Time { return current }))

	lease, err := m.Acquire(ctx, "repos/a")
	require.NoError(t, err)
	firstExpiry := lease.ExpiresAt

	current = base.Add(30 * time.Second)
	require.NoError(t, m.Renew(ctx, lease))
	require.True(t, lease.ExpiresAt.After(firstExpiry), "renew must extend expiry")

	require.NoError(t, m.Release(ctx, lease))
}

func TestRenewLostLease(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemStore()

	now := time.Now()
	stale := fastManager(store, WithClock(func() time.Time { return now.Add(-time.Hour) }))
	oldLease, err := stale.Acquire(ctx, "repos/a")
	require.NoError(t, err)

	fresh := fastManager(store)
	_, err = fresh.Acquire(ctx, "repos/a")
	require.NoError(t, err)

	err = stale.Renew(ctx, oldLease)
	require.ErrorIs(t, err, ErrBusy)
}

func TestAcquireDeadline(t *testing.T) {
	store := storage.NewMemStore()
	holder := fastManager(store)
	_, err := holder.Acquire(context.Background(), "repos/a")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	waiter := NewManager(store, WithTTL(time.Minute), WithMaxRetries(100), WithRetryInterval(20*time.Millisecond))
	_, err = waiter.Acquire(ctx, "repos/a")
	require.ErrorIs(t, err, ErrBusy)
}
