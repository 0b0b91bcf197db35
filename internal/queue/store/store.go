package store

import (
	"context"
	"time"

	"github.com/aridsondez/pqbus/internal/queue"
)

// Store is the DB-agnostic interface the rest of the app uses. Every method is
// its own transaction; none of them hold a connection between calls.
type Store interface {
	// Insert appends an available message and returns it once committed.
	Insert(ctx context.Context, namespace, queueName string, body []byte) (*queue.Message, error)

	// ClaimOldest atomically claims the lowest-id available message for owner.
	// Returns nil when nothing is available.
	ClaimOldest(ctx context.Context, namespace, queueName, owner string) (*queue.Message, error)

	// Ack deletes the message from the queue; queue.ErrNotFound if the queue
	// holds no row with that id.
	Ack(ctx context.Context, namespace, queueName string, id int64) error

	// Release makes a message claimed by owner available again;
	// queue.ErrNotFound if the queue holds no such claim.
	Release(ctx context.Context, namespace, queueName string, id int64, owner string) error

	// ReclaimStale releases claims on one queue older than olderThan.
	ReclaimStale(ctx context.Context, namespace, queueName string, olderThan time.Duration) (int64, error)

	// ReclaimAll releases stale claims across a namespace.
	ReclaimAll(ctx context.Context, namespace string, olderThan time.Duration) (int64, error)

	// Size counts every row of the queue, claimed or not.
	Size(ctx context.Context, namespace, queueName string) (int64, error)

	// Stats breaks a queue down by state.
	Stats(ctx context.Context, namespace, queueName string) (*queue.Stats, error)

	// Purge deletes every message of the queue.
	Purge(ctx context.Context, namespace, queueName string) (int64, error)

	// Notify signals listeners of channel.
	Notify(ctx context.Context, channel, payload string) error
}

// Sweeper is the subset of Store used by the background reclaimer.
type Sweeper interface {
	ReclaimAll(ctx context.Context, namespace string, olderThan time.Duration) (int64, error)
}
