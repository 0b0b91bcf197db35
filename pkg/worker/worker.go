package worker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aridsondez/pqbus/internal/backoff"
	"github.com/aridsondez/pqbus/pkg/pqbus"
)

// HandlerFunc processes a message and returns an error if processing failed.
// Returning nil means success (message will be acked).
// Returning an error means failure (message will be released).
type HandlerFunc func(ctx context.Context, msg *pqbus.Message) error

// Queue is the part of *pqbus.Queue the worker consumes.
type Queue interface {
	Name() string
	Messages(ctx context.Context) iter.Seq2[*pqbus.Message, error]
	Ack(ctx context.Context, id int64) error
	Release(ctx context.Context, id int64) error
}

var _ Queue = (*pqbus.Queue)(nil)

// Worker manages message processing from queues
type Worker struct {
	cfg      Config
	handlers []binding
	log      *slog.Logger
}

type binding struct {
	queue   Queue
	handler HandlerFunc
}

// Config for creating a new worker
type Config struct {
	Concurrency     int           // Consumers per queue (default: 1)
	HandlerTimeout  time.Duration // Bound on each handler call (default: none)
	BackoffBase     time.Duration // First retry delay after a transient error (default: 100ms)
	BackoffMax      time.Duration // Retry delay cap (default: 10s)
	MaxRetries      int           // Consecutive transient errors tolerated (default: 10)
	ShutdownTimeout time.Duration // Time allowed to ack or release after shutdown (default: 5s)
	Logger          *slog.Logger
}

// New creates a new Worker with the given configuration
func New(cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = 100 * time.Millisecond
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = 10 * time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 10
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Worker{
		cfg: cfg,
		log: cfg.Logger.With("component", "worker"),
	}
}

// Handle registers a handler function for a queue
func (w *Worker) Handle(q Queue, handler HandlerFunc) {
	w.handlers = append(w.handlers, binding{queue: q, handler: handler})
	w.log.Info("registered handler", "queue", q.Name())
}

// Run starts the worker and blocks until ctx is cancelled or a consumer hits
// an error it cannot retry, which is returned.
func (w *Worker) Run(ctx context.Context) error {
	if len(w.handlers) == 0 {
		return errors.New("no handlers registered")
	}

	w.log.Info("worker starting", "queues", len(w.handlers), "concurrency", w.cfg.Concurrency)

	g, ctx := errgroup.WithContext(ctx)
	for _, b := range w.handlers {
		for i := 0; i < w.cfg.Concurrency; i++ {
			g.Go(func() error {
				return w.consume(ctx, b.queue, b.handler)
			})
		}
	}

	err := g.Wait()
	w.log.Info("worker stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// consume ranges over the queue, restarting the sequence after transient
// errors with bounded exponential backoff.
func (w *Worker) consume(ctx context.Context, q Queue, handler HandlerFunc) error {
	policy := backoff.Policy{Base: w.cfg.BackoffBase, Max: w.cfg.BackoffMax, Jitter: true}
	log := w.log.With("queue", q.Name())

	for failures := 0; ; {
		var failed error
		for msg, err := range q.Messages(ctx) {
			if err != nil {
				failed = err
				break
			}
			failures = 0
			w.processMessage(ctx, q, msg, handler)
		}

		switch {
		case ctx.Err() != nil:
			return ctx.Err()
		case failed == nil:
			continue
		case !pqbus.IsTransient(failed):
			log.Error("consumer stopped", "error", failed)
			return fmt.Errorf("queue %s: %w", q.Name(), failed)
		case failures >= w.cfg.MaxRetries:
			log.Error("consumer giving up", "attempts", failures+1, "error", failed)
			return fmt.Errorf("queue %s: retries exhausted: %w", q.Name(), failed)
		}

		log.Warn("transient error, backing off", "attempt", failures+1, "error", failed)
		if err := policy.Sleep(ctx, failures); err != nil {
			return err
		}
		failures++
	}
}

// processMessage handles a single message with error recovery
func (w *Worker) processMessage(ctx context.Context, q Queue, msg *pqbus.Message, handler HandlerFunc) {
	log := w.log.With("queue", q.Name(), "id", msg.ID)

	err := w.call(ctx, msg, handler)

	// Settle the message even if we are shutting down, so it is not left
	// claimed until the claim timeout.
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.cfg.ShutdownTimeout)
	defer cancel()

	if err != nil {
		log.Warn("handler failed, releasing", "deliveries", msg.Deliveries, "error", err)
		if err := q.Release(settleCtx, msg.ID); err != nil {
			log.Error("release failed", "error", err)
		}
		return
	}

	if err := q.Ack(settleCtx, msg.ID); err != nil {
		log.Error("ack failed", "error", err)
		return
	}
	log.Debug("processed message")
}

// call runs the handler, converting a panic into an error.
func (w *Worker) call(ctx context.Context, msg *pqbus.Message, handler HandlerFunc) (err error) {
	if w.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.cfg.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	return handler(ctx, msg)
}
