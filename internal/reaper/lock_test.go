package reaper

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memStore struct {
	values map[string]string
	ttl    time.Duration
}

func (m *memStore) SetNX(_ context.Context, key string, value any, ttl time.Duration) (bool, error) {
	if _, ok := m.values[key]; ok {
		return false, nil
	}
	m.values[key] = value.(string)
	m.ttl = ttl
	return true, nil
}

func (m *memStore) DelIfValue(_ context.Context, key, value string) (bool, error) {
	if v, ok := m.values[key]; !ok || v != value {
		return false, nil
	}
	delete(m.values, key)
	return true, nil
}

func TestRedisLockExclusiveAndOwnerChecked(t *testing.T) {
	store := &memStore{values: map[string]string{}}
	ctx := context.Background()

	a, err := NewRedisLock(store, "flowhub:lock:reaper", time.Minute)
	require.NoError(t, err)
	b, err := NewRedisLock(store, "flowhub:lock:reaper", time.Minute)
	require.NoError(t, err)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Minute, store.ttl)

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.False(t, ok)

	// b never owned it, so its release leaves a's lock alone
	require.NoError(t, b.Release(ctx))
	require.Contains(t, store.values, "flowhub:lock:reaper")

	require.NoError(t, a.Release(ctx))
	require.NotContains(t, store.values, "flowhub:lock:reaper")

	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRedisLockReleaseAfterExpiryKeepsNewOwner(t *testing.T) {
	store := &memStore{values: map[string]string{}}
	ctx := context.Background()
	const key = "flowhub:lock:reaper"

	a, err := NewRedisLock(store, key, time.Minute)
	require.NoError(t, err)
	b, err := NewRedisLock(store, key, time.Minute)
	require.NoError(t, err)

	ok, err := a.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	// a's ttl lapses and b takes over before a finishes its cycle
	delete(store.values, key)
	ok, err = b.Acquire(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	held := store.values[key]

	require.NoError(t, a.Release(ctx))
	require.Equal(t, held, store.values[key])

	require.NoError(t, b.Release(ctx))
	require.NotContains(t, store.values, key)
}

func TestNewRedisLockValidates(t *testing.T) {
	_, err := NewRedisLock(nil, "k", time.Minute)
	require.Error(t, err)
	_, err = NewRedisLock(&memStore{}, "", time.Minute)
	require.Error(t, err)
	_, err = NewRedisLock(&memStore{}, "k", 0)
	require.Error(t, err)
}
