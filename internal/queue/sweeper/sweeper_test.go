package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStore struct {
	mu        sync.Mutex
	calls     int
	namespace string
	olderThan time.Duration
	count     int64
	err       error
}

func (f *fakeStore) ReclaimAll(_ context.Context, namespace string, olderThan time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.namespace = namespace
	f.olderThan = olderThan
	return f.count, f.err
}

func (f *fakeStore) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSweep(t *testing.T) {
	store := &fakeStore{count: 3}
	s := New(store, "app", time.Minute, 30*time.Second, quiet)

	n, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, "app", store.namespace)
	assert.Equal(t, 30*time.Second, store.olderThan)
}

func TestSweepError(t *testing.T) {
	store := &fakeStore{err: errors.New("boom")}
	s := New(store, "app", time.Minute, time.Second, quiet)

	_, err := s.Sweep(context.Background())
	assert.Error(t, err)
}

func TestStartTicksUntilStopped(t *testing.T) {
	store := &fakeStore{}
	s := New(store, "app", 5*time.Millisecond, time.Second, quiet)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return store.Calls() >= 2 }, time.Second, time.Millisecond)
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

func TestStartStopsOnCancel(t *testing.T) {
	store := &fakeStore{}
	s := New(store, "app", time.Hour, time.Second, quiet)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
