package cleanup

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	deleted int64
	err     error
}

func (f *fakeStore) DeleteDetectionsBefore(cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, cutoff)
	return f.deleted, f.err
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestNewServiceDisabled(t *testing.T) {
	assert.Nil(t, NewService(&fakeStore{}, 0, time.Hour))
	assert.Nil(t, NewService(nil, 7, time.Hour))

	var s *Service
	s.StartBackgroundCleanup()
	s.StopBackgroundCleanup()
	assert.Zero(t, s.RunCleanupCycle())
}

func TestRunCleanupCycle(t *testing.T) {
	store := &fakeStore{deleted: 4}
	s := NewService(store, 7, time.Hour)
	require.NotNil(t, s)
	now := time.Date(2024, 5, 20, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	assert.Equal(t, int64(4), s.RunCleanupCycle())
	require.Len(t, store.cutoffs, 1)
	assert.Equal(t, time.Date(2024, 5, 13, 12, 0, 0, 0, time.UTC), store.cutoffs[0])

	store.err = errors.New("disk full")
	assert.Zero(t, s.RunCleanupCycle())
}

func TestBackgroundCleanup(t *testing.T) {
	store := &fakeStore{}
	s := NewService(store, 1, 10*time.Millisecond)
	require.NotNil(t, s)

	s.StartBackgroundCleanup()
	assert.Eventually(t, func() bool { return store.calls() >= 2 }, time.Second, 5*time.Millisecond)

	s.StopBackgroundCleanup()
	s.StopBackgroundCleanup()
	calls := store.calls()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, calls, store.calls())
}
