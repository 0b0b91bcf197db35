package pqbus

import (
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/aridsondez/pqbus/internal/queue"
)

////////////////////////////////////////////////////////////////////////////////
// TYPES

// Opt configures a Bus.
type Opt func(*opts) error

type opts struct {
	namespace      string
	claimTimeout   time.Duration
	pollInterval   time.Duration
	sweepInterval  time.Duration
	reclaimOnPop   bool
	claimRetries   int
	maxConns       int32
	log            *slog.Logger
	tracer         trace.Tracer
	queryLog       bool
	appName        string
	connectRetries int
	connectBase    time.Duration
	autoInit       bool
}

////////////////////////////////////////////////////////////////////////////////
// GLOBALS

const (
	DefaultClaimTimeout   = 30 * time.Second
	DefaultPollInterval   = 5 * time.Second
	DefaultSweepInterval  = time.Minute
	DefaultClaimRetries   = 3
	DefaultConnectRetries = 10
)

func defaultOpts() opts {
	return opts{
		namespace:      queue.DefaultNamespace,
		claimTimeout:   DefaultClaimTimeout,
		pollInterval:   DefaultPollInterval,
		sweepInterval:  DefaultSweepInterval,
		reclaimOnPop:   true,
		claimRetries:   DefaultClaimRetries,
		log:            slog.Default(),
		appName:        "pqbus",
		connectRetries: DefaultConnectRetries,
		connectBase:    100 * time.Millisecond,
	}
}

////////////////////////////////////////////////////////////////////////////////
// OPTIONS

// WithNamespace partitions queues. Buses in different namespaces never see
// each other's messages, even for queues with the same name.
func WithNamespace(namespace string) Opt {
	return func(o *opts) error {
		if err := queue.ValidateName("namespace", namespace); err != nil {
			return err
		}
		o.namespace = namespace
		return nil
	}
}

// WithClaimTimeout sets how long a claim may stay unacknowledged before the
// message is handed to another consumer. A handler that runs longer than
// this can see its message processed twice.
func WithClaimTimeout(d time.Duration) Opt {
	return func(o *opts) error {
		if d <= 0 {
			return errors.New("claim timeout must be positive")
		}
		o.claimTimeout = d
		return nil
	}
}

// WithPollInterval bounds how long a blocked consumer waits for a
// notification before polling the table anyway.
func WithPollInterval(d time.Duration) Opt {
	return func(o *opts) error {
		if d <= 0 {
			return errors.New("poll interval must be positive")
		}
		o.pollInterval = d
		return nil
	}
}

// WithSweepInterval sets how often RunSweeper reclaims stale claims.
func WithSweepInterval(d time.Duration) Opt {
	return func(o *opts) error {
		if d <= 0 {
			return errors.New("sweep interval must be positive")
		}
		o.sweepInterval = d
		return nil
	}
}

// WithReclaimOnPop controls whether every Pop first reclaims stale claims on
// its queue. Disable it when a sweeper is running.
func WithReclaimOnPop(enabled bool) Opt {
	return func(o *opts) error {
		o.reclaimOnPop = enabled
		return nil
	}
}

// WithClaimRetries sets how many times a transient store error is retried
// before it is returned.
func WithClaimRetries(n int) Opt {
	return func(o *opts) error {
		if n < 0 {
			return errors.New("claim retries must not be negative")
		}
		o.claimRetries = n
		return nil
	}
}

// WithMaxConns caps the connection pool.
func WithMaxConns(n int32) Opt {
	return func(o *opts) error {
		if n <= 0 {
			return errors.New("max conns must be positive")
		}
		o.maxConns = n
		return nil
	}
}

func WithLogger(log *slog.Logger) Opt {
	return func(o *opts) error {
		if log == nil {
			return errors.New("nil logger")
		}
		o.log = log
		return nil
	}
}

// WithTracer opens a span for every SQL statement.
func WithTracer(t trace.Tracer) Opt {
	return func(o *opts) error {
		o.tracer = t
		return nil
	}
}

// WithQueryLog logs every SQL statement at debug level.
func WithQueryLog() Opt {
	return func(o *opts) error {
		o.queryLog = true
		return nil
	}
}

func WithApplicationName(name string) Opt {
	return func(o *opts) error {
		o.appName = name
		return nil
	}
}

// WithConnectRetries sets how many connection attempts New makes before
// failing with ErrConnection.
func WithConnectRetries(n int) Opt {
	return func(o *opts) error {
		if n < 1 {
			return errors.New("connect retries must be at least 1")
		}
		o.connectRetries = n
		return nil
	}
}

// WithAutoInit creates the schema during New.
func WithAutoInit() Opt {
	return func(o *opts) error {
		o.autoInit = true
		return nil
	}
}
