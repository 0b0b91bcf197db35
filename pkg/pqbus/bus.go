package pqbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	"github.com/aridsondez/pqbus/internal/backoff"
	"github.com/aridsondez/pqbus/internal/dbtrace"
	"github.com/aridsondez/pqbus/internal/queue"
	"github.com/aridsondez/pqbus/internal/queue/notify"
	"github.com/aridsondez/pqbus/internal/queue/store"
	pgstore "github.com/aridsondez/pqbus/internal/queue/store/postgres"
	"github.com/aridsondez/pqbus/internal/queue/sweeper"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Bus is a connection to the message store. It is safe for concurrent use.
type Bus struct {
	opts
	pool     *pgxpool.Pool
	pg       *pgstore.PostgresStore
	store    store.Store
	listener *notify.Listener
	retry    backoff.Policy
	log      *slog.Logger

	// owner stamps every claim made through the bus; only the same bus may
	// release it.
	owner string

	closed atomic.Bool
	once   sync.Once
}

////////////////////////////////////////////////////////////////////////////////
// LIFECYCLE

// New connects to target, a PostgreSQL URL or keyword/value string, and
// verifies the connection. It fails with ErrConnection if the database
// cannot be reached after the configured number of attempts.
func New(ctx context.Context, target string, opt ...Opt) (*Bus, error) {
	b := &Bus{opts: defaultOpts(), owner: ulid.Make().String()}
	for _, fn := range opt {
		if err := fn(&b.opts); err != nil {
			return nil, err
		}
	}
	b.log = b.opts.log.With("namespace", b.namespace)
	b.retry = backoff.Policy{Base: 10 * time.Millisecond, Max: time.Second, Jitter: true}

	cfg, err := pgxpool.ParseConfig(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	if b.maxConns > 0 {
		cfg.MaxConns = b.maxConns
	}
	if b.appName != "" {
		cfg.ConnConfig.RuntimeParams["application_name"] = b.appName
	}
	if b.queryLog || b.tracer != nil {
		var queryLog *slog.Logger
		if b.queryLog {
			queryLog = b.log
		}
		cfg.ConnConfig.Tracer = dbtrace.New(queryLog, b.tracer)
	}

	if err := b.connect(ctx, cfg); err != nil {
		return nil, err
	}
	b.pg = pgstore.New(b.pool)
	b.store = b.pg

	// The listener needs a connection of its own: one blocked waiting for
	// notifications cannot run statements.
	listenConfig := cfg.ConnConfig.Copy()
	b.listener = notify.New(func(ctx context.Context) (notify.Conn, error) {
		conn, err := pgx.ConnectConfig(ctx, listenConfig)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}, b.log)

	if b.autoInit {
		if err := b.Init(ctx); err != nil {
			b.Close()
			return nil, err
		}
	}

	b.log.Debug("connected", "host", cfg.ConnConfig.Host, "database", cfg.ConnConfig.Database)
	return b, nil
}

// Close stops the notification listener and closes the connection pool.
// Queue handles must not be used afterwards.
func (b *Bus) Close() {
	b.once.Do(func() {
		b.closed.Store(true)
		if b.listener != nil {
			b.listener.Close()
		}
		if b.pg != nil {
			if err := b.pg.Close(); err != nil {
				b.log.Warn("close sql handle", "error", err)
			}
		}
		if b.pool != nil {
			b.pool.Close()
		}
	})
}

////////////////////////////////////////////////////////////////////////////////
// PUBLIC METHODS

// Namespace returns the bus namespace.
func (b *Bus) Namespace() string {
	return b.namespace
}

// Queue returns a handle for the named queue. No database round-trip is made.
func (b *Bus) Queue(name string) (*Queue, error) {
	if err := queue.ValidateName("queue", name); err != nil {
		return nil, err
	}
	return &Queue{
		bus:     b,
		name:    name,
		channel: queue.ChannelName(b.namespace, name),
		log:     b.log.With("queue", name),
	}, nil
}

// Init creates the message table and indexes. It is idempotent.
func (b *Bus) Init(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := pgstore.CreateSchema(ctx, b.pg.DB()); err != nil {
		return queue.NewStoreError("init", err)
	}
	return nil
}

// Reset drops the message table, discarding every message in every
// namespace, and creates it again.
func (b *Bus) Reset(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := pgstore.DropSchema(ctx, b.pg.DB()); err != nil {
		return queue.NewStoreError("reset", err)
	}
	return b.Init(ctx)
}

// Reclaim returns every claim in the namespace older than the claim timeout
// to its queue, and returns the number of messages reclaimed.
func (b *Bus) Reclaim(ctx context.Context) (int64, error) {
	if err := b.check(); err != nil {
		return 0, err
	}
	return b.newSweeper().Sweep(ctx)
}

// RunSweeper reclaims stale claims every sweep interval until ctx is done.
func (b *Bus) RunSweeper(ctx context.Context) error {
	if err := b.check(); err != nil {
		return err
	}
	b.newSweeper().Start(ctx)
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// PRIVATE METHODS

func (b *Bus) check() error {
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (b *Bus) newSweeper() *sweeper.Sweeper {
	return sweeper.New(b.store, b.namespace, b.sweepInterval, b.claimTimeout, b.log)
}

func (b *Bus) connect(ctx context.Context, cfg *pgxpool.Config) error {
	policy := backoff.Policy{Base: b.connectBase, Max: 5 * time.Second}
	err := backoff.Retry(ctx, policy, b.connectRetries, retryConnect, func() error {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			b.log.Debug("connect attempt failed", "host", cfg.ConnConfig.Host, "error", err)
			return err
		}
		b.pool = pool
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %s:%d/%s: %w", ErrConnection, cfg.ConnConfig.Host, cfg.ConnConfig.Port, cfg.ConnConfig.Database, err)
	}
	return nil
}

// retryConnect gives up straight away on credential and unknown-database
// errors; everything else may be a server that is still starting.
func retryConnect(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return !strings.HasPrefix(pgErr.Code, "28") && pgErr.Code != "3D000"
	}
	return true
}
