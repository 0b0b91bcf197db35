// Package notify turns PostgreSQL LISTEN/NOTIFY into per-queue wakeup signals.
//
// A Listener owns one dedicated connection, separate from the pool used for
// transactional work, because a connection blocked in WaitForNotification
// cannot run statements. Signals are hints only: a dropped notification delays
// a consumer until its next poll but never loses a message.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/aridsondez/pqbus/internal/backoff"
	"github.com/aridsondez/pqbus/internal/metrics"
	"github.com/aridsondez/pqbus/internal/queue"
)

// Conn is the part of *pgx.Conn the listener needs.
type Conn interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
	IsClosed() bool
}

// Dialer opens the listener's dedicated connection.
type Dialer func(ctx context.Context) (Conn, error)

// Listener multiplexes one LISTEN connection across any number of
// subscriptions. It connects lazily on the first Subscribe and reconnects
// with backoff when the connection drops.
type Listener struct {
	dial  Dialer
	log   *slog.Logger
	retry backoff.Policy

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	done   chan struct{}

	mu        sync.Mutex
	subs      map[string]map[*Subscription]struct{}
	active    map[string]bool
	dirty     bool
	interrupt context.CancelFunc
	closed    bool
}

// Subscription receives coalesced signals for one channel.
type Subscription struct {
	l       *Listener
	channel string
	c       chan struct{}
	ready   chan struct{}
	isReady bool
	closed  bool
}

// New returns a listener that dials with dial. Nothing connects until the
// first Subscribe.
func New(dial Dialer, log *slog.Logger) *Listener {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		dial:   dial,
		log:    log.With("component", "listener"),
		retry:  backoff.Policy{Base: 100 * time.Millisecond, Max: 5 * time.Second, Jitter: true},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[string]map[*Subscription]struct{}),
		active: make(map[string]bool),
	}
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Subscribe registers interest in channel and returns once the server is
// listening on it, so any NOTIFY committed after Subscribe returns will be
// observed.
func (l *Listener) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	s := &Subscription{
		l:       l,
		channel: channel,
		c:       make(chan struct{}, 1),
		ready:   make(chan struct{}),
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, queue.ErrClosed
	}
	if l.subs[channel] == nil {
		l.subs[channel] = make(map[*Subscription]struct{})
	}
	l.subs[channel][s] = struct{}{}
	if l.active[channel] {
		s.markReady()
	} else {
		l.pokeLocked()
	}
	l.mu.Unlock()

	l.once.Do(func() {
		go l.run()
	})

	select {
	case <-s.ready:
		return s, nil
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	case <-l.done:
		return nil, queue.ErrClosed
	}
}

// Close stops the listener and waits for its connection to close. Pending
// waits return queue.ErrClosed.
func (l *Listener) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()

	l.cancel()
	started := true
	l.once.Do(func() {
		started = false
		close(l.done)
	})
	if started {
		<-l.done
	}
}

// Channel returns the channel the subscription listens on.
func (s *Subscription) Channel() string {
	return s.channel
}

// C delivers one pending signal at most; bursts collapse into one.
func (s *Subscription) C() <-chan struct{} {
	return s.c
}

// Wait blocks until a signal arrives, timeout elapses or ctx is done. It
// reports whether it was signalled. A non-positive timeout only consumes a
// signal that is already pending.
func (s *Subscription) Wait(ctx context.Context, timeout time.Duration) (bool, error) {
	if timeout <= 0 {
		select {
		case <-s.c:
			return true, nil
		default:
			return false, ctx.Err()
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.c:
		return true, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	case <-s.l.done:
		return false, queue.ErrClosed
	}
}

// Close unsubscribes. The channel is UNLISTENed once its last subscriber
// leaves.
func (s *Subscription) Close() {
	l := s.l
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	if subs, ok := l.subs[s.channel]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(l.subs, s.channel)
			l.pokeLocked()
		}
	}
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

func (s *Subscription) signal() {
	select {
	case s.c <- struct{}{}:
	default:
	}
}

// markReady must be called with the listener lock held.
func (s *Subscription) markReady() {
	if !s.isReady {
		s.isReady = true
		close(s.ready)
	}
}

// pokeLocked asks the run loop to resynchronise its LISTEN set.
func (l *Listener) pokeLocked() {
	l.dirty = true
	if l.interrupt != nil {
		l.interrupt()
	}
}

func (l *Listener) run() {
	defer close(l.done)

	reconnect := false
	for attempt := 0; ; {
		conn, err := l.dial(l.ctx)
		if err != nil {
			if l.ctx.Err() != nil {
				return
			}
			l.log.Warn("listener connect failed", "attempt", attempt+1, "error", err)
			if l.retry.Sleep(l.ctx, attempt) != nil {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		err = l.serve(conn, reconnect)

		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Close(closeCtx)
		cancel()

		l.mu.Lock()
		l.active = make(map[string]bool)
		l.dirty = true
		l.mu.Unlock()

		if l.ctx.Err() != nil {
			return
		}
		metrics.ListenerReconnects.Inc()
		l.log.Warn("listener connection lost, reconnecting", "error", err)
		reconnect = true
		if l.retry.Sleep(l.ctx, 0) != nil {
			return
		}
	}
}

func (l *Listener) serve(conn Conn, reconnect bool) error {
	for first := true; ; first = false {
		if err := l.sync(conn); err != nil {
			return err
		}

		// Notifications sent while we were disconnected are gone; wake
		// everyone so they re-poll.
		if first && reconnect {
			l.broadcast()
		}

		waitCtx, cancel := context.WithCancel(l.ctx)
		l.mu.Lock()
		if l.dirty {
			l.mu.Unlock()
			cancel()
			continue
		}
		l.interrupt = cancel
		l.mu.Unlock()

		n, err := conn.WaitForNotification(waitCtx)

		l.mu.Lock()
		l.interrupt = nil
		l.mu.Unlock()
		interrupted := waitCtx.Err() != nil
		cancel()

		if err != nil {
			if l.ctx.Err() != nil {
				return l.ctx.Err()
			}
			if interrupted && !conn.IsClosed() {
				continue
			}
			return err
		}
		l.dispatch(n.Channel)
	}
}

// sync brings the connection's LISTEN set in line with the subscriptions.
func (l *Listener) sync(conn Conn) error {
	l.mu.Lock()
	l.dirty = false
	var listen, unlisten []string
	for channel := range l.subs {
		if !l.active[channel] {
			listen = append(listen, channel)
		}
	}
	for channel := range l.active {
		if _, ok := l.subs[channel]; !ok {
			unlisten = append(unlisten, channel)
			// A Subscribe arriving during the UNLISTEN must not see the
			// channel as active; it pokes for another pass instead.
			delete(l.active, channel)
		}
	}
	l.mu.Unlock()

	var result error
	for _, channel := range listen {
		if _, err := conn.Exec(l.ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			return err
		}
		l.mu.Lock()
		l.active[channel] = true
		for s := range l.subs[channel] {
			s.markReady()
		}
		l.mu.Unlock()
		l.log.Debug("listening", "channel", channel)
	}
	for _, channel := range unlisten {
		if _, err := conn.Exec(l.ctx, "UNLISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			result = errors.Join(result, err)
			continue
		}
		l.log.Debug("unlistened", "channel", channel)
	}
	return result
}

func (l *Listener) dispatch(channel string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for s := range l.subs[channel] {
		s.signal()
	}
}

func (l *Listener) broadcast() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, subs := range l.subs {
		for s := range subs {
			s.signal()
		}
	}
}
