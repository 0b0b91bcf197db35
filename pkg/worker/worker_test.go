package worker

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/pqbus/pkg/pqbus"
)

// fakeQueue yields queued messages until ctx is done. Each call to Messages
// first yields the next scripted error, if any.
type fakeQueue struct {
	name string
	msgs chan *pqbus.Message

	mu       sync.Mutex
	errs     []error
	calls    int
	acked    []int64
	released []int64
	settled  []error // ctx.Err() seen by Ack and Release
}

func newFakeQueue(errs ...error) *fakeQueue {
	return &fakeQueue{name: "jobs", msgs: make(chan *pqbus.Message, 16), errs: errs}
}

func (q *fakeQueue) Name() string { return q.name }

func (q *fakeQueue) Messages(ctx context.Context) iter.Seq2[*pqbus.Message, error] {
	return func(yield func(*pqbus.Message, error) bool) {
		q.mu.Lock()
		q.calls++
		var err error
		if len(q.errs) > 0 {
			err, q.errs = q.errs[0], q.errs[1:]
		}
		q.mu.Unlock()
		if err != nil {
			yield(nil, err)
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case m := <-q.msgs:
				if !yield(m, nil) {
					return
				}
			}
		}
	}
}

func (q *fakeQueue) Ack(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.acked = append(q.acked, id)
	q.settled = append(q.settled, ctx.Err())
	return nil
}

func (q *fakeQueue) Release(ctx context.Context, id int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released = append(q.released, id)
	q.settled = append(q.settled, ctx.Err())
	return nil
}

func (q *fakeQueue) push(ids ...int64) {
	for _, id := range ids {
		q.msgs <- &pqbus.Message{ID: id, Queue: q.name, Body: []byte("x")}
	}
}

func (q *fakeQueue) snapshot() (acked, released []int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]int64(nil), q.acked...), append([]int64(nil), q.released...)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func testConfig() Config {
	return Config{
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		Logger:      quiet,
	}
}

func transientErr() error {
	return &pqbus.StoreError{Op: "claim", Err: &pgconn.PgError{Code: "40001"}}
}

// runWorker starts w and returns a function that stops it and returns Run's result.
func runWorker(t *testing.T, w *Worker) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	return func() error {
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("worker did not stop")
			return nil
		}
	}
}

func TestRunWithoutHandlers(t *testing.T) {
	err := New(testConfig()).Run(context.Background())
	assert.Error(t, err)
}

func TestAckOnSuccess(t *testing.T) {
	q := newFakeQueue()
	q.push(1, 2, 3)

	w := New(testConfig())
	w.Handle(q, func(context.Context, *pqbus.Message) error { return nil })
	stop := runWorker(t, w)

	require.Eventually(t, func() bool {
		acked, _ := q.snapshot()
		return len(acked) == 3
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())

	acked, released := q.snapshot()
	assert.Equal(t, []int64{1, 2, 3}, acked)
	assert.Empty(t, released)
}

func TestReleaseOnErrorAndPanic(t *testing.T) {
	q := newFakeQueue()
	q.push(1, 2, 3)

	w := New(testConfig())
	w.Handle(q, func(_ context.Context, m *pqbus.Message) error {
		switch m.ID {
		case 1:
			return errors.New("boom")
		case 2:
			panic("handler bug")
		}
		return nil
	})
	stop := runWorker(t, w)

	require.Eventually(t, func() bool {
		acked, released := q.snapshot()
		return len(acked)+len(released) == 3
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())

	acked, released := q.snapshot()
	assert.Equal(t, []int64{3}, acked)
	assert.Equal(t, []int64{1, 2}, released)
}

func TestFatalErrorStopsRun(t *testing.T) {
	q := newFakeQueue(pqbus.ErrSchemaMissing)

	w := New(testConfig())
	w.Handle(q, func(context.Context, *pqbus.Message) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.Run(ctx)
	assert.ErrorIs(t, err, pqbus.ErrSchemaMissing)
}

func TestTransientErrorsRetried(t *testing.T) {
	q := newFakeQueue(transientErr(), transientErr())
	q.push(7)

	w := New(testConfig())
	w.Handle(q, func(context.Context, *pqbus.Message) error { return nil })
	stop := runWorker(t, w)

	require.Eventually(t, func() bool {
		acked, _ := q.snapshot()
		return len(acked) == 1
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())

	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, 3, q.calls)
}

func TestRetriesExhausted(t *testing.T) {
	q := newFakeQueue(transientErr(), transientErr(), transientErr(), transientErr())

	cfg := testConfig()
	cfg.MaxRetries = 2
	w := New(cfg)
	w.Handle(q, func(context.Context, *pqbus.Message) error { return nil })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := w.Run(ctx)
	require.Error(t, err)
	assert.True(t, pqbus.IsTransient(err))
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestShutdownSettlesInFlight(t *testing.T) {
	q := newFakeQueue()
	q.push(1)

	started := make(chan struct{})
	w := New(testConfig())
	w.Handle(q, func(ctx context.Context, _ *pqbus.Message) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	stop := runWorker(t, w)

	<-started
	require.NoError(t, stop())

	_, released := q.snapshot()
	assert.Equal(t, []int64{1}, released)
	q.mu.Lock()
	defer q.mu.Unlock()
	assert.Equal(t, []error{nil}, q.settled, "release runs on a live context")
}

func TestHandlerTimeout(t *testing.T) {
	q := newFakeQueue()
	q.push(1)

	cfg := testConfig()
	cfg.HandlerTimeout = 20 * time.Millisecond
	w := New(cfg)
	w.Handle(q, func(ctx context.Context, _ *pqbus.Message) error {
		<-ctx.Done()
		return ctx.Err()
	})
	stop := runWorker(t, w)

	require.Eventually(t, func() bool {
		_, released := q.snapshot()
		return len(released) == 1
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())
}

func TestConcurrency(t *testing.T) {
	q := newFakeQueue()
	q.push(1, 2, 3, 4)

	cfg := testConfig()
	cfg.Concurrency = 4
	w := New(cfg)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	w.Handle(q, func(context.Context, *pqbus.Message) error {
		mu.Lock()
		inFlight++
		peak = max(peak, inFlight)
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})
	stop := runWorker(t, w)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return peak == 4
	}, 5*time.Second, time.Millisecond)
	close(release)
	require.Eventually(t, func() bool {
		acked, _ := q.snapshot()
		return len(acked) == 4
	}, 5*time.Second, time.Millisecond)
	require.NoError(t, stop())
}
