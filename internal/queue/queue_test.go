package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/store"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	st  *store.Store
	q   *Queue
	now time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{st: st, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	f.q = New(st, Config{BackoffBase: time.Second, DefaultMaxRetries: 3})
	f.q.now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func (f *fixture) submit(t *testing.T, task *domain.Task) string {
	t.Helper()
	id, err := f.q.Submit(context.Background(), task)
	require.NoError(t, err)
	return id
}

func newTask(category string, prio domain.Priority, deps ...string) *domain.Task {
	return &domain.Task{
		Category:  category,
		Priority:  prio,
		Params:    json.RawMessage(`{}`),
		DependsOn: deps,
	}
}

// claimAndRun claims the next task and walks it to executing.
func (f *fixture) claimAndRun(t *testing.T, workerID string) *domain.Task {
	t.Helper()
	ctx := context.Background()
	task, err := f.q.Claim(ctx, workerID, nil)
	require.NoError(t, err)
	if task == nil {
		return nil
	}
	require.NoError(t, f.q.MarkExecuting(ctx, task.ID, workerID))
	return task
}

func success(id string) domain.TaskResult {
	return domain.TaskResult{TaskID: id, Kind: domain.ResultSuccess}
}

func failure(id, msg string) domain.TaskResult {
	return domain.TaskResult{TaskID: id, Kind: domain.ResultFailure, Error: msg}
}

// ── submission ───────────────────────────────────────────────────────────────

func TestSubmit_AssignsIDAndPersists(t *testing.T) {
	f := newFixture(t)

	id := f.submit(t, newTask("generate", domain.PriorityMedium))
	require.NotEmpty(t, id)

	got, err := f.q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, uint64(1), got.Seq)

	// The task and its submission event are durable in the store.
	_, err = f.st.Read(context.Background(), nsTasks, id)
	require.NoError(t, err)
	events, err := f.st.Query(context.Background(), nsEvents, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
}

func TestSubmit_RejectsUnknownDependency(t *testing.T) {
	f := newFixture(t)

	_, err := f.q.Submit(context.Background(), newTask("generate", domain.PriorityLow, "no-such-task"))
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestSubmit_RejectsDependencyCycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Self-cycle via a pre-assigned ID.
	selfTask := newTask("generate", domain.PriorityLow)
	selfTask.ID = "self"
	selfTask.DependsOn = []string{"self"}
	_, err := f.q.Submit(ctx, selfTask)
	var cycleErr *domain.DependencyCycleError
	require.ErrorAs(t, err, &cycleErr)

	// Longer cycle: a ← b, then c with id that a depends on… construct via
	// pre-assigned IDs: x depends on y, y submitted later depending on x.
	x := newTask("generate", domain.PriorityLow)
	x.ID = "x"
	_, err = f.q.Submit(ctx, x)
	require.NoError(t, err)

	y := newTask("generate", domain.PriorityLow, "x")
	y.ID = "y"
	_, err = f.q.Submit(ctx, y)
	require.NoError(t, err)

	// x already exists, so resubmitting is rejected before any cycle forms.
	xAgain := newTask("generate", domain.PriorityLow, "y")
	xAgain.ID = "x"
	_, err = f.q.Submit(ctx, xAgain)
	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
}

// ── claiming ─────────────────────────────────────────────────────────────────

func TestClaim_PriorityThenFIFO(t *testing.T) {
	f := newFixture(t)

	low := f.submit(t, newTask("a", domain.PriorityLow))
	medFirst := f.submit(t, newTask("a", domain.PriorityMedium))
	medSecond := f.submit(t, newTask("a", domain.PriorityMedium))
	high := f.submit(t, newTask("a", domain.PriorityHigh))

	var order []string
	for {
		task, err := f.q.Claim(context.Background(), "w1", nil)
		require.NoError(t, err)
		if task == nil {
			break
		}
		order = append(order, task.ID)
	}
	assert.Equal(t, []string{high, medFirst, medSecond, low}, order)
}

func TestClaim_GatedByDependencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.submit(t, newTask("gen", domain.PriorityHigh))
	b := f.submit(t, newTask("gen", domain.PriorityHigh, a))

	// B must never be claimable before A completes.
	first := f.claimAndRun(t, "w1")
	require.NotNil(t, first)
	assert.Equal(t, a, first.ID)

	next, err := f.q.Claim(ctx, "w1", nil)
	require.NoError(t, err)
	assert.Nil(t, next, "B is gated while A is in flight")

	require.NoError(t, f.q.Complete(ctx, success(a)))

	unblocked, err := f.q.Claim(ctx, "w1", nil)
	require.NoError(t, err)
	require.NotNil(t, unblocked)
	assert.Equal(t, b, unblocked.ID)
}

func TestClaim_FiltersByCategory(t *testing.T) {
	f := newFixture(t)

	f.submit(t, newTask("generate", domain.PriorityHigh))
	compare := f.submit(t, newTask("compare", domain.PriorityLow))

	task, err := f.q.Claim(context.Background(), "w1", []string{"compare"})
	require.NoError(t, err)
	require.NotNil(t, task)
	assert.Equal(t, compare, task.ID)
}

func TestClaim_QuotaReshapesOrdering(t *testing.T) {
	f := newFixture(t)

	gen1 := f.submit(t, newTask("generate", domain.PriorityMedium))
	f.submit(t, newTask("generate", domain.PriorityMedium))
	cmp1 := f.submit(t, newTask("compare", domain.PriorityMedium))

	f.q.SetQuotas(map[string]float64{"generate": 0.5, "compare": 0.5})

	// FIFO would give generate, generate, compare. After one generate claim
	// the compare category is further below its quota, so compare goes next.
	first, err := f.q.Claim(context.Background(), "w1", nil)
	require.NoError(t, err)
	assert.Equal(t, gen1, first.ID)

	second, err := f.q.Claim(context.Background(), "w1", nil)
	require.NoError(t, err)
	assert.Equal(t, cmp1, second.ID)
}

// ── completion, retry, dead-letter ───────────────────────────────────────────

func TestComplete_FullLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.submit(t, newTask("gen", domain.PriorityMedium))
	task := f.claimAndRun(t, "w1")
	require.Equal(t, id, task.ID)

	require.NoError(t, f.q.Complete(ctx, success(id)))

	got, err := f.q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	// Audit trail covers every transition: submitted, claimed, started, done.
	events, err := f.st.Query(ctx, nsEvents, nil, 0)
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestComplete_RetryWithBackoffThenDeadLetter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := newTask("gen", domain.PriorityMedium)
	task.MaxRetries = 2
	id := f.submit(t, task)

	// Attempt 1 fails → pending behind a backoff gate.
	require.NotNil(t, f.claimAndRun(t, "w1"))
	require.NoError(t, f.q.Complete(ctx, failure(id, "boom")))

	got, err := f.q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)

	// Not claimable until the backoff elapses.
	blocked, err := f.q.Claim(ctx, "w1", nil)
	require.NoError(t, err)
	assert.Nil(t, blocked)

	f.advance(2 * time.Second)

	// Attempt 2 fails → retry budget exhausted → dead letter.
	require.NotNil(t, f.claimAndRun(t, "w1"))
	require.NoError(t, f.q.Complete(ctx, failure(id, "boom again")))

	got, err = f.q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDeadLetter, got.Status)

	dead := f.q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
}

func TestComplete_ResultForTerminalTaskIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.submit(t, newTask("gen", domain.PriorityMedium))
	f.claimAndRun(t, "w1")
	require.NoError(t, f.q.Complete(ctx, success(id)))

	// A duplicate report (at-least-once delivery) is benign.
	require.NoError(t, f.q.Complete(ctx, success(id)))

	got, err := f.q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

// ── cancellation ─────────────────────────────────────────────────────────────

func TestCancel_PreClaimRemovesOutright(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.submit(t, newTask("gen", domain.PriorityMedium))
	require.NoError(t, f.q.Cancel(ctx, id))

	_, err := f.q.Get(id)
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestCancel_PendingWithDependentsIsRejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	parent := f.submit(t, newTask("gen", domain.PriorityMedium))
	child := f.submit(t, newTask("gen", domain.PriorityMedium, parent))

	// Removing the parent would leave the child unclaimable forever.
	err := f.q.Cancel(ctx, parent)
	require.Error(t, err)
	assert.Contains(t, err.Error(), child)

	// The parent survives and the chain still completes.
	require.NotNil(t, f.claimAndRun(t, "w1"))
	require.NoError(t, f.q.Complete(ctx, success(parent)))
	claimed := f.claimAndRun(t, "w1")
	require.NotNil(t, claimed)
	assert.Equal(t, child, claimed.ID)

	require.NoError(t, f.q.Complete(ctx, success(child)))
}

func TestCancel_PostClaimIsCooperative(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.submit(t, newTask("gen", domain.PriorityMedium))
	f.claimAndRun(t, "w1")

	require.NoError(t, f.q.Cancel(ctx, id))

	got, err := f.q.Get(id)
	require.NoError(t, err)
	assert.True(t, got.CancelRequested, "flag set for the handler to poll")
	assert.Equal(t, domain.StatusExecuting, got.Status, "never preempted")
}

// ── lease expiry / crash recovery ────────────────────────────────────────────

func TestReleaseExpired_RequeuesExactlyOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := newTask("gen", domain.PriorityMedium)
	task.Timeout = 10 * time.Second
	id := f.submit(t, task)

	claimed := f.claimAndRun(t, "w1")
	require.Equal(t, id, claimed.ID)

	// Worker dies: no result report, lease deadline passes.
	f.advance(time.Minute)
	released, err := f.q.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	got, err := f.q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount, "counts against the retry budget")

	// A second sweep must not release it again.
	released, err = f.q.ReleaseExpired(ctx)
	require.NoError(t, err)
	assert.Zero(t, released)

	// The task eventually completes on a healthy worker.
	f.advance(time.Minute)
	require.NotNil(t, f.claimAndRun(t, "w2"))
	require.NoError(t, f.q.Complete(ctx, success(id)))
	got, err = f.q.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestLoad_RequeuesInFlightTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := f.submit(t, newTask("gen", domain.PriorityMedium))
	f.claimAndRun(t, "w1")

	// Simulate a restart: rebuild a queue from the same store.
	q2 := New(f.st, Config{})
	require.NoError(t, q2.Load(ctx))

	got, err := q2.Get(id)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "in-flight task returned to pending")

	// The requeue is audited like every other transition, and the
	// recovered status is durable.
	events, err := f.st.Query(ctx, nsEvents, nil, 0)
	require.NoError(t, err)
	found := false
	for _, e := range events {
		var ev domain.Event
		require.NoError(t, json.Unmarshal(e.Value, &ev))
		if ev.TaskID == id && ev.To == domain.StatusPending && ev.Reason == "recovered at startup" {
			found = true
			assert.Equal(t, domain.StatusExecuting, ev.From)
		}
	}
	assert.True(t, found, "recovery event appended")

	stored, err := f.st.Read(ctx, nsTasks, id)
	require.NoError(t, err)
	var persisted domain.Task
	require.NoError(t, json.Unmarshal(stored.Value, &persisted))
	assert.Equal(t, domain.StatusPending, persisted.Status)
}

func TestLoad_DiscardsStateMissingFromStore(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kept := f.submit(t, newTask("gen", domain.PriorityMedium))
	stale := f.submit(t, newTask("gen", domain.PriorityMedium))

	// Drop the second task from the store behind the queue's back, the way
	// a checkpoint restore replaces content wholesale.
	_, err := f.st.Delete(ctx, nsTasks, stale, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, f.q.Load(ctx))

	_, err = f.q.Get(kept)
	require.NoError(t, err)
	_, err = f.q.Get(stale)
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound, "in-memory state rebuilt from the store alone")
}

// ── state machine ────────────────────────────────────────────────────────────

func TestStatusTransitions(t *testing.T) {
	legal := []struct{ from, to domain.Status }{
		{domain.StatusPending, domain.StatusAssigned},
		{domain.StatusAssigned, domain.StatusExecuting},
		{domain.StatusAssigned, domain.StatusPending},
		{domain.StatusExecuting, domain.StatusCompleted},
		{domain.StatusExecuting, domain.StatusFailed},
		{domain.StatusFailed, domain.StatusPending},
		{domain.StatusFailed, domain.StatusDeadLetter},
	}
	for _, tc := range legal {
		assert.True(t, tc.from.CanTransitionTo(tc.to), "%s → %s should be legal", tc.from, tc.to)
	}

	illegal := []struct{ from, to domain.Status }{
		{domain.StatusPending, domain.StatusExecuting}, // no state skipped
		{domain.StatusPending, domain.StatusCompleted},
		{domain.StatusAssigned, domain.StatusCompleted},
		{domain.StatusCompleted, domain.StatusPending}, // terminal
		{domain.StatusDeadLetter, domain.StatusPending},
		{domain.StatusFailed, domain.StatusExecuting},
	}
	for _, tc := range illegal {
		assert.False(t, tc.from.CanTransitionTo(tc.to), "%s → %s should be illegal", tc.from, tc.to)
	}
}
