package pqbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/pqbus/internal/backoff"
	"github.com/aridsondez/pqbus/internal/queue"
	"github.com/aridsondez/pqbus/internal/queue/notify"
	"github.com/aridsondez/pqbus/internal/queue/store"
)

// delayedStore holds a single message that becomes claimable at a fixed time.
type delayedStore struct {
	store.Store

	mu      sync.Mutex
	readyAt time.Time
	claimed bool
	claims  int
}

func (s *delayedStore) ReclaimStale(context.Context, string, string, time.Duration) (int64, error) {
	return 0, nil
}

func (s *delayedStore) ClaimOldest(_ context.Context, namespace, queueName, owner string) (*queue.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims++
	if s.claimed || time.Now().Before(s.readyAt) {
		return nil, nil
	}
	s.claimed = true
	return &queue.Message{ID: 1, Namespace: namespace, Queue: queueName, State: queue.StateClaimed, ClaimedBy: owner}, nil
}

func (s *delayedStore) claimCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

// unreachableBus is a bus whose listener can never connect.
func unreachableBus(t *testing.T, s store.Store) *Bus {
	t.Helper()
	o := defaultOpts()
	o.pollInterval = 100 * time.Millisecond
	b := &Bus{
		opts:  o,
		owner: "owner",
		store: s,
		retry: backoff.Policy{Base: time.Millisecond, Max: time.Millisecond},
		log:   quiet,
		listener: notify.New(func(context.Context) (notify.Conn, error) {
			return nil, errors.New("connection refused")
		}, quiet),
	}
	t.Cleanup(b.Close)
	return b
}

func TestPopBlockingPollsWithoutListener(t *testing.T) {
	s := &delayedStore{readyAt: time.Now().Add(200 * time.Millisecond)}
	q, err := unreachableBus(t, s).Queue("jobs")
	require.NoError(t, err)
	defer q.Close()

	start := time.Now()
	m, err := q.PopBlocking(context.Background(), 3*time.Second)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, int64(1), m.ID)
	assert.Less(t, time.Since(start), time.Second, "polling must not wait for the whole timeout")
	assert.GreaterOrEqual(t, s.claimCount(), 3)
}

func TestPopBlockingTimesOutWithoutListener(t *testing.T) {
	s := &delayedStore{readyAt: time.Now().Add(time.Hour)}
	q, err := unreachableBus(t, s).Queue("jobs")
	require.NoError(t, err)
	defer q.Close()

	start := time.Now()
	m, err := q.PopBlocking(context.Background(), 350*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, m)
	assert.GreaterOrEqual(t, time.Since(start), 350*time.Millisecond)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPopBlockingCancelledWithoutListener(t *testing.T) {
	s := &delayedStore{readyAt: time.Now().Add(time.Hour)}
	q, err := unreachableBus(t, s).Queue("jobs")
	require.NoError(t, err)
	defer q.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	m, err := q.PopBlocking(ctx, 5*time.Second)
	assert.Nil(t, m)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
