package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aridsondez/pqbus/internal/queue"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// fakeConn stands in for a dedicated pgx connection.
type fakeConn struct {
	mu        sync.Mutex
	listening map[string]bool
	execs     []string
	notes     chan *pgconn.Notification
	closed    bool
	fail      chan error

	// When set, UNLISTEN reports on unlistening and then blocks until
	// unlistenGate is closed.
	unlistenGate chan struct{}
	unlistening  chan string
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		listening: make(map[string]bool),
		notes:     make(chan *pgconn.Notification, 16),
		fail:      make(chan error, 1),
	}
}

func (c *fakeConn) Exec(ctx context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	fields := strings.SplitN(sql, " ", 2)
	channel := strings.Trim(fields[1], `"`)
	if fields[0] == "UNLISTEN" && c.unlistenGate != nil {
		c.unlistening <- channel
		select {
		case <-c.unlistenGate:
		case <-ctx.Done():
			return pgconn.CommandTag{}, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.execs = append(c.execs, sql)
	switch fields[0] {
	case "LISTEN":
		c.listening[channel] = true
	case "UNLISTEN":
		delete(c.listening, channel)
	}
	return pgconn.CommandTag{}, nil
}

func (c *fakeConn) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	select {
	case n := <-c.notes:
		return n, nil
	case err := <-c.fail:
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		return nil, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) isListening(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening[channel]
}

// notify delivers a notification only if the channel is LISTENed, as the
// server would.
func (c *fakeConn) notify(channel string) {
	if c.isListening(channel) {
		c.notes <- &pgconn.Notification{Channel: channel}
	}
}

func newTestListener(conns ...*fakeConn) *Listener {
	var mu sync.Mutex
	next := 0
	return New(func(context.Context) (Conn, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(conns) {
			return nil, errors.New("no more connections")
		}
		c := conns[next]
		next++
		return c, nil
	}, quiet)
}

func TestSubscribeListensBeforeReturning(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(conn)
	defer l.Close()

	sub, err := l.Subscribe(context.Background(), "pqbus_default_jobs")
	require.NoError(t, err)
	defer sub.Close()

	assert.True(t, conn.isListening("pqbus_default_jobs"))
	assert.Equal(t, "pqbus_default_jobs", sub.Channel())
}

func TestWaitSignalled(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(conn)
	defer l.Close()

	sub, err := l.Subscribe(context.Background(), "a")
	require.NoError(t, err)

	go conn.notify("a")

	ok, err := sub.Wait(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWaitTimesOut(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(conn)
	defer l.Close()

	sub, err := l.Subscribe(context.Background(), "a")
	require.NoError(t, err)

	start := time.Now()
	ok, err := sub.Wait(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWaitZeroTimeoutDoesNotBlock(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(conn)
	defer l.Close()

	sub, err := l.Subscribe(context.Background(), "a")
	require.NoError(t, err)

	ok, err := sub.Wait(context.Background(), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSignalsCoalesce(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(conn)
	defer l.Close()

	sub, err := l.Subscribe(context.Background(), "a")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		conn.notify("a")
	}
	require.Eventually(t, func() bool { return len(sub.c) == 1 && len(conn.notes) == 0 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	ok, err := sub.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "pending signal satisfies the next wait")

	ok, err = sub.Wait(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "a burst is a single wakeup")
}

func TestOtherChannelsIgnored(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(conn)
	defer l.Close()

	a, err := l.Subscribe(context.Background(), "a")
	require.NoError(t, err)
	b, err := l.Subscribe(context.Background(), "b")
	require.NoError(t, err)

	conn.notify("b")

	ok, err := b.Wait(context.Background(), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.Wait(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWaitCancelled(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(conn)
	defer l.Close()

	sub, err := l.Subscribe(context.Background(), "a")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	ok, err := sub.Wait(ctx, time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ok)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestCloseUnlistens(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(conn)
	defer l.Close()

	first, err := l.Subscribe(context.Background(), "a")
	require.NoError(t, err)
	second, err := l.Subscribe(context.Background(), "a")
	require.NoError(t, err)

	first.Close()
	first.Close()
	time.Sleep(10 * time.Millisecond)
	assert.True(t, conn.isListening("a"), "still one subscriber left")

	second.Close()
	require.Eventually(t, func() bool { return !conn.isListening("a") }, time.Second, time.Millisecond)
}

func TestReconnectWakesSubscribers(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	l := newTestListener(first, second)
	defer l.Close()

	sub, err := l.Subscribe(context.Background(), "a")
	require.NoError(t, err)

	first.fail <- errors.New("connection reset")

	ok, err := sub.Wait(context.Background(), 10*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "subscribers are woken after a reconnect")
	assert.True(t, second.isListening("a"), "LISTEN is re-issued on the new connection")
}

func TestListenerClosed(t *testing.T) {
	conn := newFakeConn()
	l := newTestListener(conn)

	sub, err := l.Subscribe(context.Background(), "a")
	require.NoError(t, err)

	l.Close()

	_, err = sub.Wait(context.Background(), time.Minute)
	assert.ErrorIs(t, err, queue.ErrClosed)

	_, err = l.Subscribe(context.Background(), "b")
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestCloseWithoutSubscribe(t *testing.T) {
	l := newTestListener()
	l.Close()

	_, err := l.Subscribe(context.Background(), "a")
	assert.ErrorIs(t, err, queue.ErrClosed)
}

func TestSubscribeDuringUnlisten(t *testing.T) {
	conn := newFakeConn()
	conn.unlistenGate = make(chan struct{})
	conn.unlistening = make(chan string, 1)
	l := newTestListener(conn)
	defer l.Close()

	first, err := l.Subscribe(context.Background(), "a")
	require.NoError(t, err)
	first.Close()
	assert.Equal(t, "a", <-conn.unlistening)

	// Resubscribe while the UNLISTEN is still in flight.
	type result struct {
		sub *Subscription
		err error
	}
	done := make(chan result, 1)
	go func() {
		sub, err := l.Subscribe(context.Background(), "a")
		done <- result{sub, err}
	}()

	select {
	case <-done:
		t.Fatal("subscription ready before the channel was listened again")
	case <-time.After(50 * time.Millisecond):
	}
	close(conn.unlistenGate)

	var r result
	select {
	case r = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("subscribe did not return")
	}
	require.NoError(t, r.err)
	assert.True(t, conn.isListening("a"), "LISTEN is re-issued after the UNLISTEN")

	conn.notify("a")
	ok, err := r.sub.Wait(context.Background(), 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}
