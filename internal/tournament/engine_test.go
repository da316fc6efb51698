package tournament

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/queue"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/store"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/worker"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	st     *store.Store
	q      *queue.Queue
	engine *Engine
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(st, queue.Config{BackoffBase: time.Millisecond})
	return &fixture{st: st, q: q, engine: NewEngine(st, q, cfg)}
}

// startComparisonWorkers runs a pool whose comparison handler picks the
// lexicographically smaller hypothesis as the winner. Deterministic, so
// repeated rounds produce a reproducible ranking.
func (f *fixture) startComparisonWorkers(t *testing.T) {
	t.Helper()
	registry := worker.NewRegistry()
	registry.Register(worker.HandlerFunc{Cat: CategoryCompare, Fn: func(_ context.Context, task *domain.Task) (json.RawMessage, error) {
		var p CompareParams
		if err := json.Unmarshal(task.Params, &p); err != nil {
			return nil, err
		}
		outcome := domain.OutcomeWinA
		if p.HypothesisB < p.HypothesisA {
			outcome = domain.OutcomeWinB
		}
		return json.Marshal(CompareOutput{Outcome: outcome})
	}})

	pool := worker.NewPool(f.q, registry, worker.WithConfig(worker.Config{
		MinWorkers:    3,
		MaxWorkers:    3,
		PollInterval:  2 * time.Millisecond,
		Heartbeat:     time.Second,
		ScaleInterval: time.Hour,
		ScaleUpDepth:  1000,
		ScaleSustain:  1000,
		CancelPoll:    10 * time.Millisecond,
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = pool.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *fixture) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		require.NoError(t, f.engine.RegisterHypothesis(context.Background(), id))
	}
}

func (f *fixture) rating(t *testing.T, id string) domain.EloRecord {
	t.Helper()
	entry, err := f.st.Read(context.Background(), nsElo, id)
	require.NoError(t, err)
	var s ratingState
	require.NoError(t, json.Unmarshal(entry.Value, &s))
	return s.EloRecord
}

// ── rating arithmetic ────────────────────────────────────────────────────────

func TestEloDeltas_EvenMatch(t *testing.T) {
	// Two 1200-rated hypotheses, A wins: E = 0.5, so A gains exactly 16.
	deltaA, deltaB := eloDeltas(DefaultK, 1200, 1200, domain.OutcomeWinA)
	assert.InDelta(t, 16, deltaA, 1e-12)
	assert.InDelta(t, -16, deltaB, 1e-12)
}

func TestEloDeltas_ConservationForAllPairs(t *testing.T) {
	ratings := []float64{800, 1200, 1216, 1500, 2400}
	outcomes := []domain.Outcome{domain.OutcomeWinA, domain.OutcomeWinB, domain.OutcomeDraw}
	for _, ra := range ratings {
		for _, rb := range ratings {
			for _, o := range outcomes {
				deltaA, deltaB := eloDeltas(DefaultK, ra, rb, o)
				assert.Zero(t, deltaA+deltaB, "deltas must sum to zero for %v vs %v (%s)", ra, rb, o)
			}
		}
	}
}

func TestExpectedScore_Symmetry(t *testing.T) {
	assert.InDelta(t, 0.5, expectedScore(1200, 1200), 1e-12)
	assert.InDelta(t, 1.0, expectedScore(1200, 1200)+expectedScore(1200, 1200), 1e-12)

	// A 400-point favourite expects ~0.909.
	assert.InDelta(t, 1/(1+0.1), expectedScore(1600, 1200), 1e-12)
}

// ── registration ─────────────────────────────────────────────────────────────

func TestRegisterHypothesis_InitialStateAndIdempotence(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "h1")

	rec := f.rating(t, "h1")
	assert.Equal(t, domain.InitialRating, rec.Rating)
	assert.Zero(t, rec.MatchCount, "unrated until the first match")

	// Registering again must not reset an existing record.
	_, err := f.engine.SubmitMatchResult(context.Background(), domain.Match{
		HypothesisA: "h1", HypothesisB: "h2", Outcome: domain.OutcomeWinA,
	})
	require.NoError(t, err)
	f.register(t, "h1")
	assert.Equal(t, 1, f.rating(t, "h1").MatchCount)
}

// ── externally reported matches ──────────────────────────────────────────────

func TestSubmitMatchResult_AppliesAndPersists(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "h1", "h2")

	update, err := f.engine.SubmitMatchResult(context.Background(), domain.Match{
		HypothesisA: "h1", HypothesisB: "h2", Outcome: domain.OutcomeWinA,
	})
	require.NoError(t, err)

	assert.InDelta(t, 1216, update.RatingA, 1e-9)
	assert.InDelta(t, 1184, update.RatingB, 1e-9)
	assert.Zero(t, update.DeltaA+update.DeltaB)

	assert.InDelta(t, 1216, f.rating(t, "h1").Rating, 1e-9)
	assert.InDelta(t, 1184, f.rating(t, "h2").Rating, 1e-9)

	matches, err := f.engine.Matches(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, update.MatchID, matches[0].ID)
}

func TestSubmitMatchResult_RejectsInvalidInput(t *testing.T) {
	f := newFixture(t, Config{})

	var verr *domain.ValidationError
	_, err := f.engine.SubmitMatchResult(context.Background(), domain.Match{
		HypothesisA: "h1", HypothesisB: "h2", Outcome: "decisive",
	})
	require.ErrorAs(t, err, &verr)

	_, err = f.engine.SubmitMatchResult(context.Background(), domain.Match{
		HypothesisA: "h1", HypothesisB: "h1", Outcome: domain.OutcomeDraw,
	})
	require.ErrorAs(t, err, &verr)
}

// ── rankings ─────────────────────────────────────────────────────────────────

func TestRankings_TieBreakOrder(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	write := func(id string, rating float64, matches int) {
		raw, err := json.Marshal(ratingState{EloRecord: domain.EloRecord{
			HypothesisID: id, Rating: rating, MatchCount: matches,
		}})
		require.NoError(t, err)
		_, err = f.st.Write(ctx, nsElo, id, raw)
		require.NoError(t, err)
	}
	write("h-c", 1300, 4)
	write("h-a", 1300, 4) // same rating and count as h-c: ID breaks the tie
	write("h-b", 1300, 7) // same rating, more matches: ranks above both
	write("h-d", 1500, 1)

	got, err := f.engine.Rankings(ctx, 0)
	require.NoError(t, err)
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.HypothesisID
	}
	assert.Equal(t, []string{"h-d", "h-b", "h-a", "h-c"}, ids)

	top2, err := f.engine.Rankings(ctx, 2)
	require.NoError(t, err)
	require.Len(t, top2, 2)
	assert.Equal(t, "h-d", top2[0].HypothesisID)
}

// ── selection and early-stop ─────────────────────────────────────────────────

func TestSelectPairs_PrefersUnplayedAndBoundsBatch(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2, WSim: 0.4, WRating: 0.3, WRecency: 0.3})

	fresh := func(id string, matches int) *ratingState {
		return &ratingState{EloRecord: domain.EloRecord{
			HypothesisID: id, Rating: domain.InitialRating, MatchCount: matches,
		}}
	}
	states := []*ratingState{
		fresh("h1", 6), fresh("h2", 6),
		fresh("h3", 0), fresh("h4", 0), fresh("h5", 0),
	}

	pairs := f.engine.selectPairs(context.Background(), states)
	require.Len(t, pairs, 2)

	// The recency term pushes the unplayed hypotheses to the front, and
	// no hypothesis appears in two matches of the same round.
	seen := map[string]int{}
	for _, p := range pairs {
		seen[p.a.HypothesisID]++
		seen[p.b.HypothesisID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "%s was matched twice in one round", id)
	}
	assert.Contains(t, seen, "h3")
	assert.Contains(t, seen, "h4")
}

func TestEligible_EarlyStopHeuristics(t *testing.T) {
	f := newFixture(t, Config{LeadGap: 400, MaxLossStreak: 5, StagnationRounds: 3, StagnationEps: 1.0})

	runaway := &ratingState{EloRecord: domain.EloRecord{HypothesisID: "leader", Rating: 1800}}
	rival := &ratingState{EloRecord: domain.EloRecord{HypothesisID: "rival", Rating: 1350}}
	beaten := &ratingState{EloRecord: domain.EloRecord{HypothesisID: "beaten", Rating: 1100}, LossStreak: 5}
	flat := &ratingState{EloRecord: domain.EloRecord{HypothesisID: "flat", Rating: 1200}, RoundDeltas: []float64{0.2, -0.5, 0.1}}
	active := &ratingState{EloRecord: domain.EloRecord{HypothesisID: "active", Rating: 1210}, RoundDeltas: []float64{0.2, 12, 0.1}}

	got := f.engine.eligible([]*ratingState{runaway, rival, beaten, flat, active})
	ids := make([]string, len(got))
	for i, s := range got {
		ids[i] = s.HypothesisID
	}

	assert.NotContains(t, ids, "leader", "lead over nearest rival exceeds the gap")
	assert.NotContains(t, ids, "beaten", "five consecutive losses")
	assert.NotContains(t, ids, "flat", "three rounds inside epsilon")
	assert.Contains(t, ids, "rival")
	assert.Contains(t, ids, "active")
}

func TestDepthFor_RatingThresholdRouting(t *testing.T) {
	f := newFixture(t, Config{ThoroughThreshold: 1400})

	assert.Equal(t, DepthQuick, f.engine.depthFor(1200, 1399))
	assert.Equal(t, DepthThorough, f.engine.depthFor(1450, 1200), "one participant above threshold is enough")
	assert.Equal(t, DepthThorough, f.engine.depthFor(1400, 1400))
}

// ── rounds ───────────────────────────────────────────────────────────────────

func TestRunRound_CommitsAgainstPreRoundRatings(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2, RoundTimeout: 10 * time.Second, PollInterval: 2 * time.Millisecond})
	f.startComparisonWorkers(t)
	f.register(t, "h1", "h2", "h3", "h4")

	committed, err := f.engine.RunRound(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, committed)

	// All four started at 1200, so every winner lands on exactly 1216.
	winners, losers := 0, 0
	for _, id := range []string{"h1", "h2", "h3", "h4"} {
		rec := f.rating(t, id)
		assert.Equal(t, 1, rec.MatchCount)
		switch {
		case rec.Rating > 1215.9:
			winners++
			assert.InDelta(t, 1216, rec.Rating, 1e-9)
		default:
			losers++
			assert.InDelta(t, 1184, rec.Rating, 1e-9)
		}
	}
	assert.Equal(t, 2, winners)
	assert.Equal(t, 2, losers)

	matches, err := f.engine.Matches(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	for _, m := range matches {
		assert.Equal(t, 1, m.Round)
		assert.True(t, m.Outcome.Valid())
	}
}

func TestRunRound_TooFewEligibleIsANoOp(t *testing.T) {
	f := newFixture(t, Config{})
	f.register(t, "only")

	committed, err := f.engine.RunRound(context.Background())
	require.NoError(t, err)
	assert.Zero(t, committed)
}

// ── end to end ───────────────────────────────────────────────────────────────

func TestTournament_TwentyHypothesesTenRounds(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 5, RoundTimeout: 10 * time.Second, PollInterval: 2 * time.Millisecond})
	f.startComparisonWorkers(t)

	ids := make([]string, 20)
	for i := range ids {
		ids[i] = fmt.Sprintf("h%02d", i+1)
	}
	f.register(t, ids...)

	for round := 0; round < 10; round++ {
		_, err := f.engine.RunRound(context.Background())
		require.NoError(t, err)
	}

	rankings, err := f.engine.Rankings(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, rankings, 20)

	// Strict total order under the documented tie-break.
	for i := 1; i < len(rankings); i++ {
		prev, cur := rankings[i-1], rankings[i]
		inOrder := prev.Rating > cur.Rating ||
			(prev.Rating == cur.Rating && prev.MatchCount > cur.MatchCount) ||
			(prev.Rating == cur.Rating && prev.MatchCount == cur.MatchCount && prev.HypothesisID < cur.HypothesisID)
		assert.True(t, inOrder, "rankings not strictly ordered at %d: %+v then %+v", i, prev, cur)
	}

	// Every hypothesis played, and rating mass is conserved.
	total := 0.0
	for _, r := range rankings {
		assert.GreaterOrEqual(t, r.MatchCount, 1, "%s never played", r.HypothesisID)
		total += r.Rating
	}
	assert.InDelta(t, 20*domain.InitialRating, total, 1e-6, "per-match conservation implies global conservation")
}
