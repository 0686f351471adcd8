package tasks

import (
	"context"
	"log/slog"
	"time"

	"github.com/nugget/steward/internal/events"
	"github.com/nugget/steward/internal/metrics"
)

// Sweeper expires tasks that have waited longer than their TTL.
type Sweeper struct {
	store   *Store
	ttl     time.Duration
	now     func() time.Time
	bus     *events.Bus
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSweeper creates a sweeper. Bus and metrics may be nil.
func NewSweeper(store *Store, ttl time.Duration, bus *events.Bus, m *metrics.Metrics, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:   store,
		ttl:     ttl,
		now:     time.Now,
		bus:     bus,
		metrics: m,
		logger:  logger.With("component", "task_sweeper"),
	}
}

// Sweep expires every waiting task created more than ttl ago and
// returns how many changed. A zero ttl disables expiry.
func (s *Sweeper) Sweep() (int64, error) {
	if s.ttl <= 0 {
		return 0, nil
	}
	n, err := s.store.ExpireStale(s.now().Add(-s.ttl))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.metrics.TasksExpired(n)
		s.bus.Emit(events.SourceTasks, events.KindTasksExpired, map[string]any{
			"expired": n,
			"ttl":     s.ttl.String(),
		})
		s.logger.Info("expired stale tasks", "count", n, "ttl", s.ttl)
	}
	return n, nil
}

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(); err != nil {
			s.logger.Warn("task sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
