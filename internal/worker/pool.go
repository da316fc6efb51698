package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/queue"
	"github.com/jplfaria/CogniscientAssistant-sub001/pkg/telemetry"
)

// Config tunes the pool's sizing and liveness behaviour.
type Config struct {
	MinWorkers    int
	MaxWorkers    int
	PollInterval  time.Duration // sleep between empty claim attempts
	Heartbeat     time.Duration // liveness signal interval per worker
	ScaleInterval time.Duration // supervisor cadence
	ScaleUpDepth  int           // pending depth that counts as sustained load
	ScaleSustain  int           // consecutive observations before resizing
	CancelPoll    time.Duration // cooperative cancellation poll interval
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MinWorkers:    2,
		MaxWorkers:    8,
		PollInterval:  250 * time.Millisecond,
		Heartbeat:     5 * time.Second,
		ScaleInterval: 10 * time.Second,
		ScaleUpDepth:  10,
		ScaleSustain:  3,
		CancelPoll:    100 * time.Millisecond,
	}
}

// Pool runs a bounded, elastic set of worker goroutines that claim tasks
// from the queue and execute them through registered handlers. Sizing
// follows sustained demand: the supervisor grows the pool toward
// MaxWorkers while backlog persists and shrinks it toward MinWorkers
// while the queue stays empty. In-flight work is never interrupted by a
// resize; a retired worker finishes its current task first.
type Pool struct {
	q        *queue.Queue
	registry *Registry
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	workers map[string]*workerHandle
	nextID  atomic.Uint64

	hotStreak  int
	idleStreak int
}

// workerHandle is the supervisor's view of one worker goroutine.
type workerHandle struct {
	id       string
	stop     chan struct{} // closed by the supervisor to retire the worker
	done     chan struct{} // closed by the worker on exit
	lastBeat atomic.Int64  // unix nanos of the last liveness signal
	flagged  bool          // already counted as missed this outage
}

// Option configures a Pool.
type Option func(*Pool)

func WithLogger(l *slog.Logger) Option { return func(p *Pool) { p.logger = l } }
func WithConfig(c Config) Option       { return func(p *Pool) { p.cfg = c } }

// NewPool constructs a Pool over the given queue and handler registry.
func NewPool(q *queue.Queue, registry *Registry, opts ...Option) *Pool {
	p := &Pool{
		q:        q,
		registry: registry,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		workers:  make(map[string]*workerHandle),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run starts MinWorkers workers plus the supervisor and blocks until ctx
// is cancelled. On cancellation the pool drains: workers stop claiming,
// finish their in-flight task, and report its result before exiting.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawn(g, gctx)
	}
	g.Go(func() error { return p.supervise(gctx) })

	p.logger.Info("worker pool started",
		slog.Int("min_workers", p.cfg.MinWorkers),
		slog.Int("max_workers", p.cfg.MaxWorkers),
	)
	err := g.Wait()
	p.logger.Info("worker pool drained")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Size returns the current number of worker goroutines.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// spawn registers a new worker goroutine on the group. Caller must not
// hold p.mu.
func (p *Pool) spawn(g *errgroup.Group, ctx context.Context) {
	h := &workerHandle{
		id:   fmt.Sprintf("worker-%d", p.nextID.Add(1)),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	h.lastBeat.Store(time.Now().UnixNano())

	p.mu.Lock()
	p.workers[h.id] = h
	telemetry.WorkerPoolSize.Set(float64(len(p.workers)))
	p.mu.Unlock()

	g.Go(func() error {
		defer func() {
			close(h.done)
			p.mu.Lock()
			delete(p.workers, h.id)
			telemetry.WorkerPoolSize.Set(float64(len(p.workers)))
			p.mu.Unlock()
		}()
		return p.workerLoop(ctx, h)
	})
}

// supervise resizes the pool on sustained demand and watches worker
// liveness. Lease recovery for a genuinely stuck worker is the
// scheduler's sweep; the supervisor only surfaces the miss.
func (p *Pool) supervise(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.ScaleInterval)
	defer ticker.Stop()
	beatTicker := time.NewTicker(p.cfg.Heartbeat)
	defer beatTicker.Stop()

	// The group the supervisor spawns into must be its own: the outer
	// group is already waiting on us.
	g, gctx := errgroup.WithContext(ctx)
	defer g.Wait() //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-beatTicker.C:
			p.checkLiveness()
		case <-ticker.C:
			p.resize(g, gctx)
		}
	}
}

func (p *Pool) checkLiveness() {
	cutoff := time.Now().Add(-3 * p.cfg.Heartbeat).UnixNano()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.workers {
		if h.lastBeat.Load() < cutoff {
			if !h.flagged {
				h.flagged = true
				telemetry.WorkerHeartbeatsMissed.Inc()
				p.logger.Warn("worker missed liveness deadline",
					slog.String("worker_id", h.id),
				)
			}
		} else {
			h.flagged = false
		}
	}
}

func (p *Pool) resize(g *errgroup.Group, ctx context.Context) {
	depth := p.q.Depth()[domain.StatusPending]

	if depth >= p.cfg.ScaleUpDepth {
		p.hotStreak++
		p.idleStreak = 0
	} else if depth == 0 {
		p.idleStreak++
		p.hotStreak = 0
	} else {
		p.hotStreak, p.idleStreak = 0, 0
	}

	switch {
	case p.hotStreak >= p.cfg.ScaleSustain && p.Size() < p.cfg.MaxWorkers:
		p.hotStreak = 0
		p.spawn(g, ctx)
		p.logger.Info("pool grew on sustained backlog",
			slog.Int("pending", depth),
			slog.Int("size", p.Size()),
		)
	case p.idleStreak >= p.cfg.ScaleSustain && p.Size() > p.cfg.MinWorkers:
		p.idleStreak = 0
		p.retireOne()
	}
}

// retireOne closes the stop channel of an arbitrary worker. The worker
// finishes its in-flight task before exiting.
func (p *Pool) retireOne() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.workers {
		select {
		case <-h.stop:
			continue // already retiring
		default:
		}
		close(h.stop)
		p.logger.Info("pool shrank on sustained idleness",
			slog.String("worker_id", h.id),
			slog.Int("size", len(p.workers)-1),
		)
		return
	}
}

func (p *Pool) workerLoop(ctx context.Context, h *workerHandle) error {
	for {
		// Re-read each iteration: collaborators may register after startup.
		// An empty registry claims nothing rather than everything.
		categories := p.registry.Categories()
		if len(categories) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-h.stop:
				return nil
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.stop:
			return nil
		default:
		}
		h.lastBeat.Store(time.Now().UnixNano())

		task, err := p.q.Claim(ctx, h.id, categories)
		if err != nil {
			p.logger.Error("claim failed",
				slog.String("worker_id", h.id),
				slog.String("error", err.Error()),
			)
		}
		if task == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-h.stop:
				return nil
			case <-time.After(p.cfg.PollInterval):
			}
			continue
		}
		p.execute(ctx, h, task)
	}
}

// execute runs one claimed task through its handler and reports the
// outcome. The handler context carries the task's own deadline and is
// detached from pool shutdown so a drain never aborts in-flight work.
func (p *Pool) execute(ctx context.Context, h *workerHandle, task *domain.Task) {
	_, span := otel.Tracer("worker").Start(ctx, "worker.execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.category", task.Category),
		attribute.String("worker.id", h.id),
	)

	log := p.logger.With(
		slog.String("task_id", task.ID),
		slog.String("task_category", task.Category),
		slog.String("worker_id", h.id),
	)

	// Results must land even when the pool context is already cancelled.
	reportCtx := context.WithoutCancel(ctx)

	if err := p.q.MarkExecuting(reportCtx, task.ID, h.id); err != nil {
		// The lease was revoked between claim and start. Another worker
		// owns the task now; walk away.
		log.Warn("lost lease before execution", slog.String("error", err.Error()))
		span.RecordError(err)
		return
	}

	handler := p.registry.Get(task.Category)
	if handler == nil {
		err := fmt.Errorf("no handler registered for category %q", task.Category)
		log.Error("task not executable", slog.String("error", err.Error()))
		span.RecordError(err)
		span.SetStatus(codes.Error, "no handler registered")
		p.report(reportCtx, log, domain.TaskResult{
			TaskID: task.ID,
			Kind:   domain.ResultFailure,
			Error:  err.Error(),
		})
		return
	}

	execCtx, cancel := context.WithTimeout(
		trace.ContextWithSpan(context.WithoutCancel(ctx), span),
		task.Timeout,
	)
	defer cancel()

	// Watch for a cancellation request and keep the liveness signal fresh
	// while the handler runs.
	watchDone := make(chan struct{})
	cancelled := make(chan struct{})
	go p.watch(execCtx, cancel, h, task.ID, watchDone, cancelled)

	start := time.Now()
	out, execErr := handler.Handle(execCtx, task)
	cancel()
	<-watchDone

	duration := time.Since(start)
	telemetry.WorkerTaskDurationSeconds.WithLabelValues(task.Category).Observe(duration.Seconds())

	result := domain.TaskResult{
		TaskID:     task.ID,
		Output:     out,
		DurationMs: duration.Milliseconds(),
	}
	switch {
	case execErr == nil:
		result.Kind = domain.ResultSuccess
		log.Info("task completed", slog.Int64("duration_ms", result.DurationMs))

	case wasCancelled(cancelled):
		result.Kind = domain.ResultFailure
		result.Error = "cancelled by request"
		result.Output = nil
		log.Info("task cancelled", slog.Int64("duration_ms", result.DurationMs))

	case errors.Is(execErr, context.DeadlineExceeded):
		terr := &domain.TimeoutError{TaskID: task.ID}
		result.Kind = domain.ResultTimeout
		result.Error = terr.Error()
		result.Output = nil
		log.Warn("task timed out", slog.Int64("duration_ms", result.DurationMs))
		span.RecordError(terr)
		span.SetStatus(codes.Error, "handler timeout")

	default:
		eerr := &domain.ExecutionError{TaskID: task.ID, Attempt: task.RetryCount + 1, Cause: execErr.Error()}
		result.Kind = domain.ResultFailure
		result.Error = eerr.Error()
		result.Output = nil
		log.Error("task failed",
			slog.String("error", execErr.Error()),
			slog.Int64("duration_ms", result.DurationMs),
		)
		span.RecordError(execErr)
		span.SetStatus(codes.Error, "handler error")
	}

	p.report(reportCtx, log, result)
}

// watch polls the task for a cancellation request until execCtx ends,
// cancelling the handler when one appears. It also refreshes the
// worker's liveness signal so a long handler is not mistaken for a hang.
func (p *Pool) watch(execCtx context.Context, cancel context.CancelFunc, h *workerHandle, taskID string, done, cancelled chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(p.cfg.CancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-execCtx.Done():
			return
		case <-ticker.C:
			h.lastBeat.Store(time.Now().UnixNano())
			t, err := p.q.Get(taskID)
			if err != nil {
				continue
			}
			if t.CancelRequested {
				close(cancelled)
				cancel()
				return
			}
		}
	}
}

func wasCancelled(cancelled chan struct{}) bool {
	select {
	case <-cancelled:
		return true
	default:
		return false
	}
}

func (p *Pool) report(ctx context.Context, log *slog.Logger, result domain.TaskResult) {
	if err := p.q.Complete(ctx, result); err != nil {
		log.Error("failed to report result", slog.String("error", err.Error()))
	}
}
