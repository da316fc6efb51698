// Package queue implements the priority-ordered, dependency-aware work list.
// The queue owns every task from submission until it reaches a terminal
// state; all transitions are appended to the audit namespace before being
// acknowledged.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/store"
	"github.com/jplfaria/CogniscientAssistant-sub001/pkg/retry"
	"github.com/jplfaria/CogniscientAssistant-sub001/pkg/telemetry"
)

// Store namespaces owned by the queue.
const (
	nsTasks   = "tasks"
	nsEvents  = "events"
	nsResults = "results"
)

// Config holds queue configuration.
type Config struct {
	// DefaultTimeout applies to submissions that declare none.
	DefaultTimeout time.Duration

	// DefaultMaxRetries applies to submissions that declare none.
	DefaultMaxRetries int

	// BackoffBase is the base of the exponential backoff applied to a failed
	// task before it becomes claimable again.
	BackoffBase time.Duration

	// LeaseGrace is added to a task's timeout when computing the claim lease
	// deadline, covering report latency.
	LeaseGrace time.Duration

	// SubmitRate limits submissions per category per second. Zero disables
	// the limiter.
	SubmitRate  float64
	SubmitBurst int

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 30 * time.Second
	}
	if c.DefaultMaxRetries <= 0 {
		c.DefaultMaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = time.Second
	}
	if c.LeaseGrace <= 0 {
		c.LeaseGrace = 5 * time.Second
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Queue is the dependency-aware priority work list.
type Queue struct {
	st     *store.Store
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	tasks    map[string]*domain.Task
	leases   map[string]domain.Lease
	quotas   map[string]float64 // soft per-category quotas, set by the scheduler
	claimed  map[string]int     // claims per category since the last quota reset
	limiters map[string]*rate.Limiter

	now func() time.Time // injectable clock for tests
}

// New creates a Queue persisting through st.
func New(st *store.Store, cfg Config) *Queue {
	cfg.setDefaults()
	return &Queue{
		st:       st,
		cfg:      cfg,
		logger:   cfg.Logger,
		tasks:    make(map[string]*domain.Task),
		leases:   make(map[string]domain.Lease),
		quotas:   make(map[string]float64),
		claimed:  make(map[string]int),
		limiters: make(map[string]*rate.Limiter),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Load rebuilds the in-memory queue from the store, called at startup after
// any checkpoint recovery and again after an online restore. Existing
// in-memory state and leases are discarded: the store content is
// authoritative. Tasks that were assigned or executing when the snapshot was
// taken are returned to pending, with an audit event, since their leases did
// not survive.
func (q *Queue) Load(ctx context.Context) error {
	entries, err := q.st.Query(ctx, nsTasks, nil, 0)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = make(map[string]*domain.Task, len(entries))
	q.leases = make(map[string]domain.Lease)
	q.claimed = make(map[string]int)

	recovered := 0
	for _, e := range entries {
		var t domain.Task
		if err := json.Unmarshal(e.Value, &t); err != nil {
			return fmt.Errorf("decode task %s: %w", e.Key, err)
		}
		if t.Status == domain.StatusAssigned || t.Status == domain.StatusExecuting {
			prev := t.Status
			t.Status = domain.StatusPending
			t.UpdatedAt = q.now()
			if err := q.persist(ctx, &t, domain.Event{
				TaskID: t.ID,
				From:   prev,
				To:     domain.StatusPending,
				Reason: "recovered at startup",
				At:     t.UpdatedAt,
			}); err != nil {
				return fmt.Errorf("persist recovered task %s: %w", t.ID, err)
			}
			recovered++
		}
		q.tasks[t.ID] = &t
	}
	if recovered > 0 {
		q.logger.Info("requeued in-flight tasks from previous run", slog.Int("count", recovered))
	}
	q.refreshDepthGauges()
	return nil
}

// Submit validates and enqueues a task, returning its ID. The dependency set
// must be acyclic and every dependency must be a known task.
func (q *Queue) Submit(ctx context.Context, t *domain.Task) (string, error) {
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.submit")
	defer span.End()

	if t.Category == "" {
		return "", &domain.ValidationError{Field: "category", Reason: "must not be empty"}
	}
	if t.Priority < domain.PriorityLow || t.Priority > domain.PriorityHigh {
		return "", &domain.ValidationError{Field: "priority", Reason: "must be high, medium, or low"}
	}
	if t.Timeout < 0 {
		return "", &domain.ValidationError{Field: "timeout", Reason: "must not be negative"}
	}
	if t.Timeout == 0 {
		t.Timeout = q.cfg.DefaultTimeout
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = q.cfg.DefaultMaxRetries
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	span.SetAttributes(
		attribute.String("task.id", t.ID),
		attribute.String("task.category", t.Category),
	)

	if !q.allowSubmit(t.Category) {
		telemetry.QueueRateLimited.WithLabelValues(t.Category).Inc()
		return "", &domain.ValidationError{Field: "category", Reason: "submission rate limit exceeded"}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.tasks[t.ID]; exists {
		return "", &domain.ValidationError{Field: "id", Reason: "already submitted"}
	}
	// Cycle detection runs before the existence check: a task depending on
	// its own pre-assigned ID is a cycle, not an unknown dependency.
	if cycle := q.findCycle(t); cycle != nil {
		return "", &domain.DependencyCycleError{TaskID: t.ID, Cycle: cycle}
	}
	for _, dep := range t.DependsOn {
		if _, ok := q.tasks[dep]; !ok {
			return "", &domain.ValidationError{Field: "dependencies", Reason: fmt.Sprintf("unknown task %s", dep)}
		}
	}

	seq, err := q.st.NextSeq(ctx, "task_seq")
	if err != nil {
		return "", err
	}
	now := q.now()
	t.Seq = seq
	t.Status = domain.StatusPending
	t.CreatedAt = now
	t.UpdatedAt = now

	if err := q.persist(ctx, t, domain.Event{
		TaskID: t.ID,
		From:   "",
		To:     domain.StatusPending,
		Reason: "submitted",
		At:     now,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return "", err
	}
	q.tasks[t.ID] = t

	telemetry.QueueTasksSubmitted.WithLabelValues(t.Category, t.Priority.String()).Inc()
	q.refreshDepthGauges()
	q.logger.Info("task submitted",
		slog.String("task_id", t.ID),
		slog.String("category", t.Category),
		slog.String("priority", t.Priority.String()),
		slog.Int("dependencies", len(t.DependsOn)),
	)
	return t.ID, nil
}

// Claim returns the highest-priority pending task whose dependencies are all
// completed and whose backoff gate has elapsed, or nil when nothing is
// claimable. Ties within a priority are broken by quota deficit, then by
// submission order (FIFO). The task transitions to assigned under a lease.
func (q *Queue) Claim(ctx context.Context, workerID string, categories []string) (*domain.Task, error) {
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.claim")
	defer span.End()

	q.mu.Lock()
	defer q.mu.Unlock()

	best := q.pickClaimable(categories)
	if best == nil {
		return nil, nil
	}

	now := q.now()
	if err := q.transition(ctx, best, domain.StatusAssigned, domain.Event{
		TaskID:   best.ID,
		WorkerID: workerID,
		Reason:   "claimed",
	}); err != nil {
		return nil, err
	}
	q.leases[best.ID] = domain.Lease{
		WorkerID: workerID,
		Deadline: now.Add(best.Timeout + q.cfg.LeaseGrace),
	}
	q.claimed[best.Category]++

	span.SetAttributes(attribute.String("task.id", best.ID))
	telemetry.QueueTasksClaimed.WithLabelValues(best.Category).Inc()
	q.refreshDepthGauges()

	cp := *best
	return &cp, nil
}

// MarkExecuting records that the claiming worker started the handler.
func (q *Queue) MarkExecuting(ctx context.Context, taskID, workerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}
	lease, ok := q.leases[taskID]
	if !ok || lease.WorkerID != workerID {
		return fmt.Errorf("task %s is not leased to worker %s", taskID, workerID)
	}
	return q.transition(ctx, t, domain.StatusExecuting, domain.Event{
		TaskID:   taskID,
		WorkerID: workerID,
		Reason:   "handler started",
	})
}

// Complete reports the outcome of an execution attempt. Success completes
// the task and makes dependents eligible; failure and timeout consume the
// retry budget, returning the task to pending behind an exponential backoff
// gate or parking it in the dead-letter set.
func (q *Queue) Complete(ctx context.Context, result domain.TaskResult) error {
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", result.TaskID),
		attribute.String("task.result", string(result.Kind)),
	)

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[result.TaskID]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: result.TaskID}
	}
	if t.Status.IsTerminal() {
		// Re-delivered report after a lease expiry raced the worker.
		// At-least-once execution makes this benign; drop it.
		q.logger.Info("result for terminal task ignored",
			slog.String("task_id", t.ID),
			slog.String("status", string(t.Status)),
		)
		return nil
	}
	delete(q.leases, t.ID)

	if raw, err := json.Marshal(result); err == nil {
		if _, werr := q.st.Write(ctx, nsResults, t.ID, raw); werr != nil {
			q.logger.Error("failed to store task result",
				slog.String("task_id", t.ID),
				slog.String("error", werr.Error()),
			)
		}
	}

	switch result.Kind {
	case domain.ResultSuccess:
		now := q.now()
		t.CompletedAt = &now
		if err := q.transition(ctx, t, domain.StatusCompleted, domain.Event{
			TaskID: t.ID,
			Reason: "handler succeeded",
		}); err != nil {
			return err
		}
		telemetry.WorkerTasksProcessed.WithLabelValues(t.Category, string(result.Kind)).Inc()

	case domain.ResultFailure, domain.ResultTimeout:
		if err := q.transition(ctx, t, domain.StatusFailed, domain.Event{
			TaskID: t.ID,
			Reason: result.Error,
		}); err != nil {
			return err
		}
		if t.CancelRequested {
			// The handler aborted in response to a cancellation request.
			// Cancelled work never re-enters the retry cycle.
			if err := q.transition(ctx, t, domain.StatusDeadLetter, domain.Event{
				TaskID: t.ID,
				Reason: "cancelled by request",
			}); err != nil {
				return err
			}
		} else if err := q.retryOrDeadLetter(ctx, t, string(result.Kind)); err != nil {
			return err
		}

	default:
		return &domain.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown result kind %q", result.Kind)}
	}

	q.refreshDepthGauges()
	return nil
}

// Cancel removes a pending task outright, or sets the cooperative
// cancellation flag on a claimed one. Handlers must poll the flag at safe
// points; cancellation is never preemptive.
func (q *Queue) Cancel(ctx context.Context, taskID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.tasks[taskID]
	if !ok {
		return &domain.TaskNotFoundError{TaskID: taskID}
	}

	switch t.Status {
	case domain.StatusPending:
		// Removing a task another task still depends on would strand the
		// dependent in pending forever.
		for _, other := range q.tasks {
			if other.Status.IsTerminal() {
				continue
			}
			for _, dep := range other.DependsOn {
				if dep == taskID {
					return fmt.Errorf("task %s is a dependency of %s; cancel dependents first", taskID, other.ID)
				}
			}
		}
		if err := q.appendEvent(ctx, domain.Event{
			TaskID: t.ID,
			From:   t.Status,
			Reason: "cancelled before claim",
			At:     q.now(),
		}); err != nil {
			return err
		}
		delete(q.tasks, taskID)
		q.refreshDepthGauges()
		return nil
	case domain.StatusAssigned, domain.StatusExecuting:
		t.CancelRequested = true
		t.UpdatedAt = q.now()
		return q.persist(ctx, t, domain.Event{
			TaskID: t.ID,
			From:   t.Status,
			To:     t.Status,
			Reason: "cancellation requested",
			At:     t.UpdatedAt,
		})
	default:
		return fmt.Errorf("task %s is already %s", taskID, t.Status)
	}
}

// ReleaseExpired revokes leases whose deadline passed (missed worker
// liveness or an exceeded task timeout) and requeues or dead-letters the
// task per its retry budget. Returns how many leases were revoked.
func (q *Queue) ReleaseExpired(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	released := 0
	for id, lease := range q.leases {
		if lease.Deadline.After(now) {
			continue
		}
		t, ok := q.tasks[id]
		if !ok {
			delete(q.leases, id)
			continue
		}
		delete(q.leases, id)
		released++
		telemetry.QueueLeasesExpired.Inc()
		q.logger.Warn("claim lease expired",
			slog.String("task_id", id),
			slog.String("worker_id", lease.WorkerID),
		)

		// assigned → pending directly; executing must pass through failed.
		if t.Status == domain.StatusAssigned {
			if err := q.transition(ctx, t, domain.StatusPending, domain.Event{
				TaskID:   id,
				WorkerID: lease.WorkerID,
				Reason:   "lease expired before execution",
			}); err != nil {
				return released, err
			}
			continue
		}
		if err := q.transition(ctx, t, domain.StatusFailed, domain.Event{
			TaskID:   id,
			WorkerID: lease.WorkerID,
			Reason:   "lease expired mid-execution",
		}); err != nil {
			return released, err
		}
		if err := q.retryOrDeadLetter(ctx, t, "timeout"); err != nil {
			return released, err
		}
	}
	if released > 0 {
		q.refreshDepthGauges()
	}
	return released, nil
}

// Get returns a copy of the task, or TaskNotFoundError.
func (q *Queue) Get(taskID string) (*domain.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	cp := *t
	return &cp, nil
}

// DeadLetters returns all dead-lettered tasks, ordered by submission.
func (q *Queue) DeadLetters() []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []domain.Task
	for _, t := range q.tasks {
		if t.Status == domain.StatusDeadLetter {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Snapshot returns a copy of every task the queue knows about.
func (q *Queue) Snapshot() []domain.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]domain.Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	return out
}

// Depth returns the number of tasks per status.
func (q *Queue) Depth() map[domain.Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depthLocked()
}

// SetQuotas installs the soft per-category quotas computed by the scheduler
// and resets the claim counters they are measured against. Quotas reshape
// future claim ordering only; in-flight tasks are never preempted.
func (q *Queue) SetQuotas(quotas map[string]float64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.quotas = make(map[string]float64, len(quotas))
	for k, v := range quotas {
		q.quotas[k] = v
	}
	q.claimed = make(map[string]int)
}

// ─── internals ───────────────────────────────────────────────────────────────

func (q *Queue) depthLocked() map[domain.Status]int {
	depth := make(map[domain.Status]int)
	for _, t := range q.tasks {
		depth[t.Status]++
	}
	return depth
}

func (q *Queue) refreshDepthGauges() {
	depth := q.depthLocked()
	for _, s := range []domain.Status{
		domain.StatusPending, domain.StatusAssigned, domain.StatusExecuting,
		domain.StatusFailed, domain.StatusDeadLetter, domain.StatusCompleted,
	} {
		telemetry.QueueDepth.WithLabelValues(string(s)).Set(float64(depth[s]))
	}
}

// pickClaimable selects the next task under the claim ordering. Caller holds q.mu.
func (q *Queue) pickClaimable(categories []string) *domain.Task {
	allowed := map[string]bool{}
	for _, c := range categories {
		allowed[c] = true
	}
	now := q.now()

	var best *domain.Task
	var bestDeficit float64
	for _, t := range q.tasks {
		if t.Status != domain.StatusPending {
			continue
		}
		if len(allowed) > 0 && !allowed[t.Category] {
			continue
		}
		if t.NotBefore.After(now) {
			continue
		}
		if !q.depsCompleted(t) {
			continue
		}
		d := q.quotaDeficit(t.Category)
		if best == nil ||
			t.Priority > best.Priority ||
			(t.Priority == best.Priority && d > bestDeficit) ||
			(t.Priority == best.Priority && d == bestDeficit && t.Seq < best.Seq) {
			best = t
			bestDeficit = d
		}
	}
	return best
}

// quotaDeficit measures how far a category is below its soft quota. Higher
// means more starved. Categories without a quota score zero, falling back to
// plain FIFO within a priority.
func (q *Queue) quotaDeficit(category string) float64 {
	quota, ok := q.quotas[category]
	if !ok || quota <= 0 {
		return 0
	}
	total := 0
	for _, n := range q.claimed {
		total += n
	}
	if total == 0 {
		return quota
	}
	return quota - float64(q.claimed[category])/float64(total)
}

func (q *Queue) depsCompleted(t *domain.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := q.tasks[dep]
		if !ok || d.Status != domain.StatusCompleted {
			return false
		}
	}
	return true
}

// findCycle looks for a dependency path from any of t's dependencies back to
// t. Caller holds q.mu.
func (q *Queue) findCycle(t *domain.Task) []string {
	visited := map[string]bool{}
	var path []string

	var dfs func(id string) []string
	dfs = func(id string) []string {
		if id == t.ID {
			return append(path, id)
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		node, ok := q.tasks[id]
		if !ok {
			return nil
		}
		path = append(path, id)
		for _, dep := range node.DependsOn {
			if c := dfs(dep); c != nil {
				return c
			}
		}
		path = path[:len(path)-1]
		return nil
	}

	for _, dep := range t.DependsOn {
		if c := dfs(dep); c != nil {
			return append([]string{t.ID}, c...)
		}
	}
	return nil
}

// retryOrDeadLetter moves a failed task back to pending behind its backoff
// gate, or parks it once the retry budget is exhausted. Caller holds q.mu.
func (q *Queue) retryOrDeadLetter(ctx context.Context, t *domain.Task, reason string) error {
	t.RetryCount++
	if t.RetryCount >= t.MaxRetries {
		if err := q.transition(ctx, t, domain.StatusDeadLetter, domain.Event{
			TaskID: t.ID,
			Reason: fmt.Sprintf("retry budget exhausted after %s", reason),
		}); err != nil {
			return err
		}
		telemetry.QueueDeadLetterTotal.WithLabelValues(t.Category).Inc()
		q.logger.Error("task dead-lettered",
			slog.String("task_id", t.ID),
			slog.String("category", t.Category),
			slog.Int("attempts", t.RetryCount),
		)
		return nil
	}

	t.NotBefore = q.now().Add(retry.Backoff(retry.Config{BaseDelay: q.cfg.BackoffBase}, t.RetryCount))
	if err := q.transition(ctx, t, domain.StatusPending, domain.Event{
		TaskID: t.ID,
		Reason: fmt.Sprintf("retry %d/%d after %s", t.RetryCount, t.MaxRetries, reason),
	}); err != nil {
		return err
	}
	telemetry.QueueRetriesTotal.WithLabelValues(t.Category).Inc()
	return nil
}

// transition applies a legal state change, appends the audit event, and
// persists the task. The event write precedes the task write: a transition
// is durable only once its audit record is.
func (q *Queue) transition(ctx context.Context, t *domain.Task, next domain.Status, ev domain.Event) error {
	if !t.Status.CanTransitionTo(next) {
		return fmt.Errorf("illegal transition for task %s: %s → %s", t.ID, t.Status, next)
	}
	ev.From = t.Status
	ev.To = next
	ev.At = q.now()

	t.Status = next
	t.UpdatedAt = ev.At
	if next == domain.StatusPending {
		delete(q.leases, t.ID)
	}
	return q.persist(ctx, t, ev)
}

func (q *Queue) persist(ctx context.Context, t *domain.Task, ev domain.Event) error {
	if err := q.appendEvent(ctx, ev); err != nil {
		return err
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	if _, err := q.st.Write(ctx, nsTasks, t.ID, raw); err != nil {
		return err
	}
	return nil
}

func (q *Queue) appendEvent(ctx context.Context, ev domain.Event) error {
	seq, err := q.st.NextSeq(ctx, "event_seq")
	if err != nil {
		return err
	}
	ev.Seq = seq
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = q.st.Write(ctx, nsEvents, fmt.Sprintf("%020d", seq), raw)
	return err
}

func (q *Queue) allowSubmit(category string) bool {
	if q.cfg.SubmitRate <= 0 {
		return true
	}
	q.mu.Lock()
	l, ok := q.limiters[category]
	if !ok {
		l = rate.NewLimiter(rate.Limit(q.cfg.SubmitRate), q.cfg.SubmitBurst)
		q.limiters[category] = l
	}
	q.mu.Unlock()
	return l.Allow()
}

// Result returns the stored outcome of a task's last completed attempt.
func (q *Queue) Result(ctx context.Context, taskID string) (*domain.TaskResult, error) {
	e, err := q.st.Read(ctx, nsResults, taskID)
	if err != nil {
		return nil, err
	}
	var r domain.TaskResult
	if err := json.Unmarshal(e.Value, &r); err != nil {
		return nil, fmt.Errorf("decode result for %s: %w", taskID, err)
	}
	return &r, nil
}
