package pqbus

import (
	"context"
	"iter"
	"time"
)

// Messages claims messages as they arrive, forever. Each message should be
// acknowledged or released before the next is requested. The sequence ends
// when ctx is done, or after yielding an error; call Messages again to
// resume.
//
// Notifications shorten the wait for new messages but are not relied on: the
// queue is re-polled at least every poll interval.
func (q *Queue) Messages(ctx context.Context) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for {
			m, err := q.PopBlocking(ctx, q.bus.pollInterval)
			if ctx.Err() != nil {
				if m != nil {
					q.abandon(m)
				}
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if m == nil {
				continue
			}
			if !yield(m, nil) {
				return
			}
		}
	}
}

// Pending claims messages until the queue is empty.
func (q *Queue) Pending(ctx context.Context) iter.Seq2[*Message, error] {
	return func(yield func(*Message, error) bool) {
		for {
			m, err := q.Pop(ctx)
			if err != nil {
				yield(nil, err)
				return
			}
			if m == nil || !yield(m, nil) {
				return
			}
		}
	}
}

// abandon releases a message claimed after the consumer went away.
func (q *Queue) abandon(m *Message) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.Release(ctx, m.ID); err != nil {
		q.log.Warn("release on cancel", "id", m.ID, "error", err)
	}
}
