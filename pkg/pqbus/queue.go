package pqbus

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/aridsondez/pqbus/internal/backoff"
	"github.com/aridsondez/pqbus/internal/queue"
	"github.com/aridsondez/pqbus/internal/queue/notify"
)

// Queue is a handle on one named queue. Handles are cheap, hold no
// connection of their own and are safe for concurrent use.
type Queue struct {
	bus     *Bus
	name    string
	channel string
	log     *slog.Logger

	// anchor keeps the channel LISTENed between blocking pops.
	mu     sync.Mutex
	anchor *notify.Subscription
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

func (q *Queue) Name() string {
	return q.name
}

// Channel returns the notification channel for the queue.
func (q *Queue) Channel() string {
	return q.channel
}

// Push durably appends body to the queue and returns its id. Waiting
// consumers are notified once the insert has committed; a failed
// notification is logged, never returned.
func (q *Queue) Push(ctx context.Context, body []byte) (int64, error) {
	if err := q.bus.check(); err != nil {
		return 0, err
	}
	m, err := q.bus.store.Insert(ctx, q.bus.namespace, q.name, body)
	if err != nil {
		return 0, err
	}
	q.notify(ctx, m.ID)
	return m.ID, nil
}

func (q *Queue) PushString(ctx context.Context, s string) (int64, error) {
	return q.Push(ctx, []byte(s))
}

// PushValue encodes v with msgpack and pushes it. Consumers read it back
// with Message.Decode.
func (q *Queue) PushValue(ctx context.Context, v any) (int64, error) {
	body, err := queue.EncodeBody(v)
	if err != nil {
		return 0, err
	}
	return q.Push(ctx, body)
}

// Pop claims the oldest available message without blocking. It returns nil
// and no error when the queue is empty.
func (q *Queue) Pop(ctx context.Context) (*Message, error) {
	if err := q.bus.check(); err != nil {
		return nil, err
	}
	var m *Message
	err := q.retry(ctx, func() error {
		var err error
		m, err = q.pop(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}
	return m, nil
}

// PopBlocking claims the oldest available message, waiting up to timeout for
// one to arrive. It returns nil and no error when the timeout elapses, and
// ctx.Err() if ctx is cancelled first. A timeout of zero or less makes a
// single attempt.
func (q *Queue) PopBlocking(ctx context.Context, timeout time.Duration) (*Message, error) {
	m, err := q.Pop(ctx)
	if err != nil || m != nil || timeout <= 0 {
		return m, err
	}
	deadline := time.Now().Add(timeout)

	var sub *notify.Subscription
	defer func() {
		if sub != nil {
			sub.Close()
		}
	}()
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		wait := min(remaining, q.bus.pollInterval)
		if sub == nil {
			// Each attempt to subscribe gets one poll interval. An unreachable
			// listener degrades to polling and is retried on the next pass.
			start := time.Now()
			if sub = q.subscribe(ctx, start.Add(wait)); sub == nil {
				if err := sleep(ctx, wait-time.Since(start)); err != nil {
					return nil, err
				}
			}
			// A fresh subscription pops at once: a push that committed before
			// the LISTEN would otherwise wait for the next poll.
		} else if _, err := sub.Wait(ctx, wait); err != nil {
			return nil, err
		}
		if m, err := q.Pop(ctx); err != nil || m != nil {
			return m, err
		}
	}
}

// Ack deletes a claimed message of this queue. Acknowledging a message that
// no longer exists, or belongs to another queue, is not an error.
func (q *Queue) Ack(ctx context.Context, id int64) error {
	if err := q.bus.check(); err != nil {
		return err
	}
	err := q.retry(ctx, func() error {
		return q.bus.store.Ack(ctx, q.bus.namespace, q.name, id)
	})
	if errors.Is(err, ErrNotFound) {
		q.log.Debug("ack of missing message", "id", id)
		return nil
	}
	return err
}

// Release makes a message claimed through this bus available again and wakes
// waiting consumers. Releasing a message that is not claimed, or whose claim
// was reclaimed and taken by another consumer, is not an error.
func (q *Queue) Release(ctx context.Context, id int64) error {
	if err := q.bus.check(); err != nil {
		return err
	}
	err := q.retry(ctx, func() error {
		return q.bus.store.Release(ctx, q.bus.namespace, q.name, id, q.bus.owner)
	})
	if errors.Is(err, ErrNotFound) {
		q.log.Debug("release of unclaimed message", "id", id)
		return nil
	} else if err != nil {
		return err
	}
	q.notify(ctx, id)
	return nil
}

// Size counts the queue's messages, claimed or not.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	if err := q.bus.check(); err != nil {
		return 0, err
	}
	return q.bus.store.Size(ctx, q.bus.namespace, q.name)
}

func (q *Queue) IsEmpty(ctx context.Context) (bool, error) {
	n, err := q.Size(ctx)
	return n == 0, err
}

func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	if err := q.bus.check(); err != nil {
		return nil, err
	}
	return q.bus.store.Stats(ctx, q.bus.namespace, q.name)
}

// Purge deletes every message in the queue, claimed or not, and returns the
// number deleted.
func (q *Queue) Purge(ctx context.Context) (int64, error) {
	if err := q.bus.check(); err != nil {
		return 0, err
	}
	return q.bus.store.Purge(ctx, q.bus.namespace, q.name)
}

// Close drops the handle's notification subscription. The handle stays
// usable; the next blocking pop subscribes again.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.anchor != nil {
		q.anchor.Close()
		q.anchor = nil
	}
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

func (q *Queue) pop(ctx context.Context) (*Message, error) {
	if q.bus.reclaimOnPop {
		n, err := q.bus.store.ReclaimStale(ctx, q.bus.namespace, q.name, q.bus.claimTimeout)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			q.log.Info("reclaimed stale claims", "count", n)
		}
	}
	return q.bus.store.ClaimOldest(ctx, q.bus.namespace, q.name, q.bus.owner)
}

func (q *Queue) retry(ctx context.Context, fn func() error) error {
	return backoff.Retry(ctx, q.bus.retry, q.bus.claimRetries+1, func(err error) bool {
		if !queue.IsTransient(err) {
			return false
		}
		q.log.Warn("transient store error, retrying", "error", err)
		return true
	}, fn)
}

func (q *Queue) notify(ctx context.Context, id int64) {
	if err := q.bus.store.Notify(ctx, q.channel, strconv.FormatInt(id, 10)); err != nil {
		q.log.Warn("notify failed", "id", id, "error", err)
	}
}

// subscribe returns a subscription to the queue's channel, or nil if the
// listener could not be reached before deadline. Callers fall back to
// polling on nil.
func (q *Queue) subscribe(ctx context.Context, deadline time.Time) *notify.Subscription {
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	q.mu.Lock()
	anchor := q.anchor
	q.mu.Unlock()
	if anchor == nil {
		sub, err := q.bus.listener.Subscribe(ctx, q.channel)
		if err != nil {
			q.log.Debug("subscribe failed, polling", "error", err)
			return nil
		}
		q.mu.Lock()
		if q.anchor == nil {
			q.anchor = sub
		} else {
			sub.Close()
		}
		q.mu.Unlock()
	}

	sub, err := q.bus.listener.Subscribe(ctx, q.channel)
	if err != nil {
		q.log.Debug("subscribe failed, polling", "error", err)
		return nil
	}
	return sub
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
