package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/adherence"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu   sync.Mutex
	data map[string]adherence.Tolerance
	gets int
	err  error
}

func (f *fakeStore) Get(_ context.Context, patientID string) (*adherence.Tolerance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.err != nil {
		return nil, f.err
	}
	t, ok := f.data[patientID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (f *fakeStore) Put(_ context.Context, patientID string, t adherence.Tolerance) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.data[patientID] = t
	return nil
}

// unreachable returns a client whose every command fails fast.
func unreachable(t *testing.T) *redis.Client {
	t.Helper()
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestToleranceCacheFallsBackWhenRedisIsDown(t *testing.T) {
	store := &fakeStore{data: map[string]adherence.Tolerance{
		"patient-1": {WindowMinutes: 45, ReminderFrequencyMinutes: 15, MaxReminderAttempts: 2},
	}}
	cache := NewToleranceCache(unreachable(t), store, time.Minute, nil)

	got, err := cache.Get(context.Background(), "patient-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 45, got.WindowMinutes)

	missing, err := cache.Get(context.Background(), "patient-2")
	require.NoError(t, err)
	assert.Nil(t, missing)
	assert.Equal(t, 2, store.gets)
}

func TestToleranceCachePutWritesThrough(t *testing.T) {
	store := &fakeStore{data: map[string]adherence.Tolerance{}}
	cache := NewToleranceCache(unreachable(t), store, 0, nil)

	tol := adherence.Tolerance{WindowMinutes: 20, ReminderFrequencyMinutes: 5, MaxReminderAttempts: 4}
	require.NoError(t, cache.Put(context.Background(), "patient-1", tol))
	assert.Equal(t, tol, store.data["patient-1"])
	assert.Equal(t, DefaultTTL, cache.ttl)
}

func TestToleranceCachePropagatesStoreErrors(t *testing.T) {
	boom := errors.New("db down")
	store := &fakeStore{data: map[string]adherence.Tolerance{}, err: boom}
	cache := NewToleranceCache(unreachable(t), store, time.Minute, nil)

	_, err := cache.Get(context.Background(), "patient-1")
	assert.ErrorIs(t, err, boom)

	err = cache.Put(context.Background(), "patient-1", adherence.DefaultTolerance())
	assert.ErrorIs(t, err, boom)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "adherence:tolerance:abc", key("abc"))
}
