package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/aridsondez/pqbus/internal/metrics"
	"github.com/aridsondez/pqbus/internal/queue/store"
)

// Sweeper periodically returns stale claims in a namespace to their queues,
// so messages held by crashed consumers become deliverable again.
type Sweeper struct {
	store     store.Sweeper
	namespace string
	interval  time.Duration
	olderThan time.Duration
	log       *slog.Logger
	stopCh    chan struct{}
}

func New(s store.Sweeper, namespace string, interval, olderThan time.Duration, log *slog.Logger) *Sweeper {
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		store:     s,
		namespace: namespace,
		interval:  interval,
		olderThan: olderThan,
		log:       log.With("component", "sweeper", "namespace", namespace),
		stopCh:    make(chan struct{}),
	}
}

// Start blocks until ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("sweeper started", "interval", s.interval, "claim_timeout", s.olderThan)

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweeper stopped (context cancelled)")
			return

		case <-s.stopCh:
			s.log.Info("sweeper stopped (stop signal)")
			return

		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep runs one reclamation pass and returns the number of claims released.
func (s *Sweeper) Sweep(ctx context.Context) (int64, error) {
	start := time.Now()
	count, err := s.store.ReclaimAll(ctx, s.namespace, s.olderThan)
	metrics.SweeperDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SweeperErrors.Inc()
		return 0, err
	}
	// If count == 0, silently continue (no messages to reclaim)
	if count > 0 {
		s.log.Info("sweeper reclaimed messages", "count", count)
	}
	return count, nil
}

func (s *Sweeper) Stop() {
	close(s.stopCh)
}
