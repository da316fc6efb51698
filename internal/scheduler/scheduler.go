// Package scheduler computes allocation policy over the queue and watches
// for terminal or stagnant states. The allocation strategy is a pure
// function recomputed on a pull basis; nothing mutates shared weights in
// place.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/queue"
)

// ThroughputStats is the observed per-category completion picture handed to
// the allocation strategy.
type ThroughputStats struct {
	// Completed counts completions per category since the previous recompute.
	Completed map[string]int
	// Pending counts currently pending tasks per category.
	Pending map[string]int
	// Window is the observation interval.
	Window time.Duration
}

// AllocationStrategy maps observed throughput to soft per-category quotas
// (fractions that should sum to about 1). Strategies must be pure: same
// stats in, same quotas out.
type AllocationStrategy func(ThroughputStats) map[string]float64

// ProportionalStrategy allocates each category a share proportional to its
// pending backlog, so starved categories catch up. The default.
func ProportionalStrategy(stats ThroughputStats) map[string]float64 {
	total := 0
	for _, n := range stats.Pending {
		total += n
	}
	if total == 0 {
		return nil
	}
	quotas := make(map[string]float64, len(stats.Pending))
	for cat, n := range stats.Pending {
		quotas[cat] = float64(n) / float64(total)
	}
	return quotas
}

// State describes what the scheduler currently observes.
type State string

const (
	StateActive   State = "active"   // work is flowing
	StateDrained  State = "drained"  // no non-terminal tasks remain
	StateStalled  State = "stalled"  // work exists but nothing completed for a full window
)

// Config holds scheduler configuration.
type Config struct {
	// RecomputeInterval is how often quotas are recomputed. Default 10s.
	RecomputeInterval time.Duration

	// StallWindow is how long the scheduler tolerates zero completions with
	// work outstanding before reporting StateStalled. Default 2m.
	StallWindow time.Duration

	Strategy AllocationStrategy
	Logger   *slog.Logger
}

// Scheduler periodically recomputes quotas and tracks liveness of the
// overall pipeline. It also sweeps expired claim leases.
type Scheduler struct {
	q      *queue.Queue
	cfg    Config
	logger *slog.Logger

	mu             sync.Mutex
	completedBase  map[string]int // completion counts at the last recompute
	lastCompletion time.Time
	state          State

	now func() time.Time
}

// New creates a Scheduler over q.
func New(q *queue.Queue, cfg Config) *Scheduler {
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = 10 * time.Second
	}
	if cfg.StallWindow <= 0 {
		cfg.StallWindow = 2 * time.Minute
	}
	if cfg.Strategy == nil {
		cfg.Strategy = ProportionalStrategy
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		q:             q,
		cfg:           cfg,
		logger:        cfg.Logger,
		completedBase: make(map[string]int),
		state:         StateActive,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// Run is the main loop: recompute quotas and sweep expired leases on a
// ticker. Blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RecomputeInterval)
	defer ticker.Stop()

	// Run once immediately before waiting for the first tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick performs one scheduling pass: lease sweep, quota recompute, and
// liveness assessment. Exported so tests and the serve loop can drive it
// directly.
func (s *Scheduler) Tick(ctx context.Context) {
	if released, err := s.q.ReleaseExpired(ctx); err != nil {
		s.logger.Error("lease sweep failed", slog.String("error", err.Error()))
	} else if released > 0 {
		s.logger.Info("expired leases released", slog.Int("count", released))
	}

	stats := s.collectStats()
	quotas := s.cfg.Strategy(stats)
	if quotas != nil {
		s.q.SetQuotas(quotas)
	}
	s.assess(stats)
}

// Submit enqueues a task. A thin passthrough so external submitters talk
// to the scheduling surface rather than the queue directly.
func (s *Scheduler) Submit(ctx context.Context, t *domain.Task) (string, error) {
	return s.q.Submit(ctx, t)
}

// StateNow reports the scheduler's current view of pipeline liveness.
func (s *Scheduler) StateNow() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) collectStats() ThroughputStats {
	pending := map[string]int{}
	completedNow := map[string]int{}
	for _, t := range s.q.Snapshot() {
		switch t.Status {
		case domain.StatusPending:
			pending[t.Category]++
		case domain.StatusCompleted:
			completedNow[t.Category]++
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	completedDelta := map[string]int{}
	anyProgress := false
	for cat, n := range completedNow {
		d := n - s.completedBase[cat]
		if d > 0 {
			completedDelta[cat] = d
			anyProgress = true
		}
	}
	s.completedBase = completedNow
	if anyProgress || s.lastCompletion.IsZero() {
		s.lastCompletion = s.now()
	}

	return ThroughputStats{
		Completed: completedDelta,
		Pending:   pending,
		Window:    s.cfg.RecomputeInterval,
	}
}

// assess classifies the pipeline as active, drained, or stalled.
func (s *Scheduler) assess(stats ThroughputStats) {
	depth := s.q.Depth()
	outstanding := depth[domain.StatusPending] + depth[domain.StatusAssigned] +
		depth[domain.StatusExecuting] + depth[domain.StatusFailed]

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.state
	switch {
	case outstanding == 0:
		s.state = StateDrained
	case len(stats.Completed) == 0 && s.now().Sub(s.lastCompletion) > s.cfg.StallWindow:
		s.state = StateStalled
	default:
		s.state = StateActive
	}
	if s.state != prev {
		s.logger.Info("scheduler state changed",
			slog.String("from", string(prev)),
			slog.String("to", string(s.state)),
		)
	}
}
