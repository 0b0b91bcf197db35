package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"github.com/aridsondez/pqbus/internal/metrics"
	"github.com/aridsondez/pqbus/internal/queue"
	"github.com/aridsondez/pqbus/internal/queue/store"
)

// Ensure *PostgresStore implements store.Store at compile time.
var _ store.Store = (*PostgresStore)(nil)

// PostgresStore runs every operation as a single statement on a pooled
// connection, so each call is its own transaction.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   *sqlx.DB
}

// New wraps pool. Inspection queries go through a database/sql handle backed
// by the same pool.
func New(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		pool: pool,
		db:   sqlx.NewDb(stdlib.OpenDBFromPool(pool), "pgx"),
	}
}

// DB returns the database/sql view of the pool.
func (p *PostgresStore) DB() *sqlx.DB {
	return p.db
}

// Close releases the database/sql handle. The pool is owned by the caller.
func (p *PostgresStore) Close() error {
	return p.db.Close()
}

// helper: convert a Go duration to whole milliseconds for interval arithmetic.
func millis(d time.Duration) int64 {
	return d.Milliseconds()
}

const returning = `RETURNING id, namespace, queue, body, state, claimed_at, claimed_by, deliveries, created_at`

// SQL templates
const (
	sqlInsert = `
INSERT INTO pqbus_messages (namespace, queue, body)
VALUES ($1, $2, $3)
` + returning

	// Single statement pick -> update. SKIP LOCKED moves contenders on to
	// the next row rather than blocking on a row another claimant holds.
	sqlClaim = `
WITH picked AS (
  SELECT id
  FROM pqbus_messages
  WHERE namespace = $1
    AND queue = $2
    AND state = 'available'
  ORDER BY id
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
UPDATE pqbus_messages m
SET state      = 'claimed',
    claimed_at = now(),
    claimed_by = $3,
    deliveries = m.deliveries + 1
FROM picked
WHERE m.id = picked.id
` + returning

	sqlAck = `DELETE FROM pqbus_messages WHERE id = $1 AND namespace = $2 AND queue = $3`

	// A claim that was reclaimed and handed to another owner is not ours
	// to release.
	sqlRelease = `
UPDATE pqbus_messages
SET state = 'available', claimed_at = NULL, claimed_by = NULL
WHERE id = $1
  AND namespace = $2
  AND queue = $3
  AND state = 'claimed'
  AND claimed_by = $4`

	sqlReclaimQueue = `
WITH expired AS (
  SELECT id
  FROM pqbus_messages
  WHERE namespace = $1
    AND queue = $2
    AND state = 'claimed'
    AND claimed_at < now() - ($3::bigint * interval '1 millisecond')
  FOR UPDATE SKIP LOCKED
)
UPDATE pqbus_messages
SET state = 'available', claimed_at = NULL, claimed_by = NULL
WHERE id IN (SELECT id FROM expired)`

	sqlReclaimNamespace = `
WITH expired AS (
  SELECT id
  FROM pqbus_messages
  WHERE namespace = $1
    AND state = 'claimed'
    AND claimed_at < now() - ($2::bigint * interval '1 millisecond')
  FOR UPDATE SKIP LOCKED
)
UPDATE pqbus_messages
SET state = 'available', claimed_at = NULL, claimed_by = NULL
WHERE id IN (SELECT id FROM expired)`

	sqlPurge = `DELETE FROM pqbus_messages WHERE namespace = $1 AND queue = $2`

	sqlSize = `SELECT count(*) FROM pqbus_messages WHERE namespace = $1 AND queue = $2`

	sqlStats = `
SELECT $1::text AS namespace,
       $2::text AS queue,
       count(*) FILTER (WHERE state = 'available') AS available,
       count(*) FILTER (WHERE state = 'claimed') AS claimed,
       min(created_at) FILTER (WHERE state = 'available') AS oldest_created_at
FROM pqbus_messages
WHERE namespace = $1 AND queue = $2`

	sqlNotify = `SELECT pg_notify($1, $2)`
)

// Insert appends a message. The row is committed when this returns.
func (p *PostgresStore) Insert(ctx context.Context, namespace, queueName string, body []byte) (*queue.Message, error) {
	if body == nil {
		body = []byte{}
	}
	m, err := scanMessage(p.pool.QueryRow(ctx, sqlInsert, namespace, queueName, body))
	if err != nil {
		return nil, queue.NewStoreError("insert", err)
	}
	metrics.MessagesPushed.WithLabelValues(queueName).Inc()
	return m, nil
}

// ClaimOldest claims the lowest-id available message of the queue.
func (p *PostgresStore) ClaimOldest(ctx context.Context, namespace, queueName, owner string) (*queue.Message, error) {
	start := time.Now()
	m, err := scanMessage(p.pool.QueryRow(ctx, sqlClaim, namespace, queueName, owner))
	metrics.ClaimDuration.Observe(time.Since(start).Seconds())
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, queue.NewStoreError("claim", err)
	}
	metrics.MessagesClaimed.WithLabelValues(queueName).Inc()
	return m, nil
}

// Ack deletes the message by its ID, within its queue.
func (p *PostgresStore) Ack(ctx context.Context, namespace, queueName string, id int64) error {
	ct, err := p.pool.Exec(ctx, sqlAck, id, namespace, queueName)
	if err != nil {
		return queue.NewStoreError("ack", err)
	}
	if ct.RowsAffected() == 0 {
		return queue.ErrNotFound
	}
	metrics.MessagesAcked.Inc()
	return nil
}

// Release returns a message claimed by owner to the available pool.
func (p *PostgresStore) Release(ctx context.Context, namespace, queueName string, id int64, owner string) error {
	ct, err := p.pool.Exec(ctx, sqlRelease, id, namespace, queueName, owner)
	if err != nil {
		return queue.NewStoreError("release", err)
	}
	if ct.RowsAffected() == 0 {
		return queue.ErrNotFound
	}
	metrics.MessagesReleased.Inc()
	return nil
}

// ReclaimStale releases claims on one queue whose age exceeds olderThan,
// measured against the database clock.
func (p *PostgresStore) ReclaimStale(ctx context.Context, namespace, queueName string, olderThan time.Duration) (int64, error) {
	ct, err := p.pool.Exec(ctx, sqlReclaimQueue, namespace, queueName, millis(olderThan))
	if err != nil {
		return 0, queue.NewStoreError("reclaim", err)
	}
	n := ct.RowsAffected()
	if n > 0 {
		metrics.MessagesReclaimed.Add(float64(n))
	}
	return n, nil
}

// ReclaimAll releases stale claims across every queue of the namespace.
func (p *PostgresStore) ReclaimAll(ctx context.Context, namespace string, olderThan time.Duration) (int64, error) {
	ct, err := p.pool.Exec(ctx, sqlReclaimNamespace, namespace, millis(olderThan))
	if err != nil {
		return 0, queue.NewStoreError("reclaim", err)
	}
	n := ct.RowsAffected()
	if n > 0 {
		metrics.MessagesReclaimed.Add(float64(n))
	}
	return n, nil
}

// Size counts the queue's rows.
func (p *PostgresStore) Size(ctx context.Context, namespace, queueName string) (int64, error) {
	var n int64
	if err := p.db.GetContext(ctx, &n, sqlSize, namespace, queueName); err != nil {
		return 0, queue.NewStoreError("size", err)
	}
	return n, nil
}

// Stats breaks the queue down by state.
func (p *PostgresStore) Stats(ctx context.Context, namespace, queueName string) (*queue.Stats, error) {
	var s queue.Stats
	if err := p.db.GetContext(ctx, &s, sqlStats, namespace, queueName); err != nil {
		return nil, queue.NewStoreError("stats", err)
	}
	return &s, nil
}

// Purge deletes every message in the queue.
func (p *PostgresStore) Purge(ctx context.Context, namespace, queueName string) (int64, error) {
	ct, err := p.pool.Exec(ctx, sqlPurge, namespace, queueName)
	if err != nil {
		return 0, queue.NewStoreError("purge", err)
	}
	return ct.RowsAffected(), nil
}

// Notify sends payload on channel. Delivery is best effort.
func (p *PostgresStore) Notify(ctx context.Context, channel, payload string) error {
	if _, err := p.pool.Exec(ctx, sqlNotify, channel, payload); err != nil {
		metrics.NotifyErrors.Inc()
		return queue.NewStoreError("notify", err)
	}
	return nil
}

// NOTE: Column order must match the returning clause.
func scanMessage(row pgx.Row) (*queue.Message, error) {
	var m queue.Message
	var state string
	var claimedBy *string
	if err := row.Scan(
		&m.ID,
		&m.Namespace,
		&m.Queue,
		&m.Body,
		&state,
		&m.ClaimedAt,
		&claimedBy,
		&m.Deliveries,
		&m.CreatedAt,
	); err != nil {
		return nil, err
	}
	m.State = queue.State(state)
	if claimedBy != nil {
		m.ClaimedBy = *claimedBy
	}
	return &m, nil
}
