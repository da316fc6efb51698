package tournament

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/queue"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/store"
	"github.com/jplfaria/CogniscientAssistant-sub001/pkg/telemetry"
)

const (
	nsElo        = "elo"
	nsMatches    = "matches"
	nsSimilarity = "similarity"

	// CategoryCompare is the task category of pairwise comparison work.
	// The external comparison collaborator registers under it.
	CategoryCompare = "compare"

	// Depth values carried in CompareParams. They control how much work
	// the external handler performs, never the rating arithmetic.
	DepthThorough = "thorough"
	DepthQuick    = "quick"
)

// CompareParams is the payload of a comparison task submitted by the
// engine and decoded by the comparison collaborator.
type CompareParams struct {
	MatchID     string `json:"match_id"`
	HypothesisA string `json:"hypothesis_a"`
	HypothesisB string `json:"hypothesis_b"`
	Depth       string `json:"depth"`
	Round       uint64 `json:"round"`
}

// CompareOutput is the payload the comparison collaborator reports back.
type CompareOutput struct {
	Outcome        domain.Outcome  `json:"outcome"`
	CriteriaScores json.RawMessage `json:"criteria_scores,omitempty"`
}

// Config tunes match selection, routing and early-stop behaviour.
type Config struct {
	K         float64
	BatchSize int // matches per round

	// Pair-selection weights. Each component is normalised to [0, 1]
	// before weighting.
	WSim     float64
	WRating  float64
	WRecency float64

	// Hypotheses at or above this rating get thorough comparisons.
	ThoroughThreshold float64

	// Early-stop heuristics. A hypothesis matching any of them is held
	// out of selection; its rating still updates on external reports.
	LeadGap          float64 // rating lead over the nearest rival
	MaxLossStreak    int     // consecutive losses
	StagnationRounds int     // played rounds with net change below epsilon
	StagnationEps    float64

	// Round collection.
	RoundTimeout time.Duration
	PollInterval time.Duration

	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.K <= 0 {
		c.K = DefaultK
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5
	}
	if c.WSim <= 0 && c.WRating <= 0 && c.WRecency <= 0 {
		c.WSim, c.WRating, c.WRecency = 0.4, 0.3, 0.3
	}
	if c.ThoroughThreshold <= 0 {
		c.ThoroughThreshold = 1400
	}
	if c.LeadGap <= 0 {
		c.LeadGap = 400
	}
	if c.MaxLossStreak <= 0 {
		c.MaxLossStreak = 5
	}
	if c.StagnationRounds <= 0 {
		c.StagnationRounds = 3
	}
	if c.StagnationEps <= 0 {
		c.StagnationEps = 1.0
	}
	if c.RoundTimeout <= 0 {
		c.RoundTimeout = 2 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 25 * time.Millisecond
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// ratingState is the persisted per-hypothesis record: the public rating
// plus the bookkeeping the early-stop heuristics need.
type ratingState struct {
	domain.EloRecord
	LossStreak  int       `json:"loss_streak"`
	RoundDeltas []float64 `json:"round_deltas,omitempty"` // net change of recent played rounds
}

// Engine maintains Elo ratings over the store and drives comparison
// rounds through the queue. All rating and match data lives in the
// store's elo and matches namespaces; the engine holds no state of its
// own between calls.
type Engine struct {
	st     *store.Store
	q      *queue.Queue
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewEngine creates an Engine over st and q.
func NewEngine(st *store.Store, q *queue.Queue, cfg Config) *Engine {
	cfg.setDefaults()
	return &Engine{
		st:     st,
		q:      q,
		cfg:    cfg,
		logger: cfg.Logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterHypothesis creates the initial unrated record. Registering an
// existing hypothesis is a no-op.
func (e *Engine) RegisterHypothesis(ctx context.Context, id string) error {
	if id == "" {
		return &domain.ValidationError{Field: "hypothesis_id", Reason: "must not be empty"}
	}
	if _, err := e.st.Read(ctx, nsElo, id); err == nil {
		return nil
	}
	state := ratingState{EloRecord: domain.EloRecord{
		HypothesisID: id,
		Rating:       domain.InitialRating,
		LastUpdated:  e.now(),
	}}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal rating record: %w", err)
	}
	if _, err := e.st.Write(ctx, nsElo, id, raw); err != nil {
		return fmt.Errorf("register hypothesis %s: %w", id, err)
	}
	return nil
}

// RunRound selects a batch of pairs, submits their comparison tasks,
// collects the outcomes, and commits all rating deltas as one atomic
// batch. Every match in the round is evaluated against the ratings as
// they stood when the round began, so match order within a round cannot
// bias the result. Returns the number of matches committed.
func (e *Engine) RunRound(ctx context.Context) (int, error) {
	ctx, span := otel.Tracer("tournament").Start(ctx, "tournament.run_round")
	defer span.End()

	round, err := e.st.NextSeq(ctx, "tournament_round")
	if err != nil {
		return 0, fmt.Errorf("allocate round number: %w", err)
	}
	span.SetAttributes(attribute.Int64("round", int64(round)))
	log := e.logger.With(slog.Uint64("round", round))

	states, err := e.loadStates(ctx)
	if err != nil {
		return 0, err
	}
	pairs := e.selectPairs(ctx, states)
	if len(pairs) == 0 {
		log.Info("no eligible pairs, round skipped")
		return 0, nil
	}

	// Submit one comparison task per pair. The pre-round snapshot is the
	// rating baseline for every delta in this round.
	submitted := make(map[string]domain.Match, len(pairs)) // task ID → match shell
	for _, p := range pairs {
		match := domain.Match{
			ID:          uuid.NewString(),
			HypothesisA: p.a.HypothesisID,
			HypothesisB: p.b.HypothesisID,
			Round:       int(round),
		}
		params, err := json.Marshal(CompareParams{
			MatchID:     match.ID,
			HypothesisA: match.HypothesisA,
			HypothesisB: match.HypothesisB,
			Depth:       e.depthFor(p.a.Rating, p.b.Rating),
			Round:       round,
		})
		if err != nil {
			return 0, fmt.Errorf("marshal comparison params: %w", err)
		}
		taskID, err := e.q.Submit(ctx, &domain.Task{
			Category: CategoryCompare,
			Priority: domain.PriorityHigh,
			Params:   params,
		})
		if err != nil {
			return 0, fmt.Errorf("submit comparison for %s vs %s: %w", match.HypothesisA, match.HypothesisB, err)
		}
		submitted[taskID] = match
	}
	log.Info("comparison batch submitted", slog.Int("matches", len(submitted)))

	outcomes, err := e.awaitOutcomes(ctx, submitted)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "round collection failed")
		return 0, err
	}

	committed, err := e.commitRound(ctx, states, outcomes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "round commit failed")
		return 0, err
	}

	telemetry.TournamentRoundsTotal.Inc()
	log.Info("round committed",
		slog.Int("matches", committed),
		slog.Int("skipped", len(submitted)-committed),
	)
	return committed, nil
}

// SubmitMatchResult records an externally reported match and applies its
// rating movement against the current ratings. Unknown hypotheses are
// registered on first contact.
func (e *Engine) SubmitMatchResult(ctx context.Context, match domain.Match) (domain.EloUpdate, error) {
	if !match.Outcome.Valid() {
		return domain.EloUpdate{}, &domain.ValidationError{
			Field:  "outcome",
			Reason: fmt.Sprintf("unknown outcome %q", match.Outcome),
		}
	}
	if match.HypothesisA == "" || match.HypothesisB == "" || match.HypothesisA == match.HypothesisB {
		return domain.EloUpdate{}, &domain.ValidationError{
			Field:  "hypothesis",
			Reason: "a match needs two distinct hypotheses",
		}
	}
	if match.ID == "" {
		match.ID = uuid.NewString()
	}
	match.At = e.now()

	a, err := e.loadOrInit(ctx, match.HypothesisA)
	if err != nil {
		return domain.EloUpdate{}, err
	}
	b, err := e.loadOrInit(ctx, match.HypothesisB)
	if err != nil {
		return domain.EloUpdate{}, err
	}

	deltaA, deltaB := eloDeltas(e.cfg.K, a.Rating, b.Rating, match.Outcome)
	e.applyRound(a, deltaA, match.Outcome == domain.OutcomeWinB)
	e.applyRound(b, deltaB, match.Outcome == domain.OutcomeWinA)

	writes, err := e.matchWrites(match, []*ratingState{a, b})
	if err != nil {
		return domain.EloUpdate{}, err
	}
	if err := e.st.WriteBatch(ctx, writes); err != nil {
		return domain.EloUpdate{}, fmt.Errorf("commit match %s: %w", match.ID, err)
	}
	telemetry.TournamentMatchesTotal.WithLabelValues(string(match.Outcome)).Inc()

	return domain.EloUpdate{
		MatchID: match.ID,
		RatingA: a.Rating,
		RatingB: b.Rating,
		DeltaA:  deltaA,
		DeltaB:  deltaB,
	}, nil
}

// Rankings returns the top N hypotheses in a strict total order: rating
// descending, then match count descending, then hypothesis ID ascending.
// topN <= 0 returns the full ranking.
func (e *Engine) Rankings(ctx context.Context, topN int) ([]domain.EloRecord, error) {
	states, err := e.loadStates(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(states, func(i, j int) bool {
		a, b := states[i], states[j]
		if a.Rating != b.Rating {
			return a.Rating > b.Rating
		}
		if a.MatchCount != b.MatchCount {
			return a.MatchCount > b.MatchCount
		}
		return a.HypothesisID < b.HypothesisID
	})
	if topN > 0 && topN < len(states) {
		states = states[:topN]
	}
	out := make([]domain.EloRecord, len(states))
	for i, s := range states {
		out[i] = s.EloRecord
	}
	return out, nil
}

// Matches returns the recorded match history, newest round last.
func (e *Engine) Matches(ctx context.Context, limit int) ([]domain.Match, error) {
	entries, err := e.st.Query(ctx, nsMatches, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("query matches: %w", err)
	}
	out := make([]domain.Match, 0, len(entries))
	for _, entry := range entries {
		var m domain.Match
		if err := json.Unmarshal(entry.Value, &m); err != nil {
			return nil, fmt.Errorf("decode match %s: %w", entry.Key, err)
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Round != out[j].Round {
			return out[i].Round < out[j].Round
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && limit < len(out) {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ─── round internals ─────────────────────────────────────────────────────────

type pair struct {
	a, b  *ratingState
	score float64
}

// selectPairs scores every eligible pair and takes the best BatchSize of
// them, each hypothesis in at most one match per round.
func (e *Engine) selectPairs(ctx context.Context, states []*ratingState) []pair {
	eligible := e.eligible(states)
	if len(eligible) < 2 {
		return nil
	}

	candidates := make([]pair, 0, len(eligible)*(len(eligible)-1)/2)
	for i := 0; i < len(eligible); i++ {
		for j := i + 1; j < len(eligible); j++ {
			a, b := eligible[i], eligible[j]
			candidates = append(candidates, pair{a: a, b: b, score: e.pairScore(ctx, a, b)})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		// Deterministic order among equal scores.
		if candidates[i].a.HypothesisID != candidates[j].a.HypothesisID {
			return candidates[i].a.HypothesisID < candidates[j].a.HypothesisID
		}
		return candidates[i].b.HypothesisID < candidates[j].b.HypothesisID
	})

	taken := make(map[string]bool)
	selected := make([]pair, 0, e.cfg.BatchSize)
	for _, c := range candidates {
		if len(selected) == e.cfg.BatchSize {
			break
		}
		if taken[c.a.HypothesisID] || taken[c.b.HypothesisID] {
			continue
		}
		taken[c.a.HypothesisID] = true
		taken[c.b.HypothesisID] = true
		selected = append(selected, c)
	}
	return selected
}

// pairScore is the weighted sum of similarity, rating proximity and
// recency, each in [0, 1].
func (e *Engine) pairScore(ctx context.Context, a, b *ratingState) float64 {
	sim := e.similarity(ctx, a.HypothesisID, b.HypothesisID)
	gap := math.Abs(a.Rating - b.Rating)
	proximity := 1 / (1 + gap/400)
	recency := 1 / (1 + float64(a.MatchCount+b.MatchCount)/2)
	return e.cfg.WSim*sim + e.cfg.WRating*proximity + e.cfg.WRecency*recency
}

// similarity reads the collaborator-supplied pairwise score, defaulting
// to 0.5 when none has been written yet.
func (e *Engine) similarity(ctx context.Context, a, b string) float64 {
	entry, err := e.st.Read(ctx, nsSimilarity, SimilarityKey(a, b))
	if err != nil {
		return 0.5
	}
	var payload struct {
		Score float64 `json:"score"`
	}
	if err := json.Unmarshal(entry.Value, &payload); err != nil {
		return 0.5
	}
	return math.Max(0, math.Min(1, payload.Score))
}

// SimilarityKey is the store key under which the similarity collaborator
// records the pairwise score for two hypotheses, in either order.
func SimilarityKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}

// eligible filters out hypotheses the early-stop heuristics retired.
func (e *Engine) eligible(states []*ratingState) []*ratingState {
	var leader, runnerUp *ratingState
	for _, s := range states {
		switch {
		case leader == nil || s.Rating > leader.Rating:
			leader, runnerUp = s, leader
		case runnerUp == nil || s.Rating > runnerUp.Rating:
			runnerUp = s
		}
	}

	out := make([]*ratingState, 0, len(states))
	for _, s := range states {
		if s.LossStreak >= e.cfg.MaxLossStreak {
			continue
		}
		if e.stagnated(s) {
			continue
		}
		if s == leader && runnerUp != nil && s.Rating-runnerUp.Rating > e.cfg.LeadGap {
			continue
		}
		out = append(out, s)
	}
	return out
}

func (e *Engine) stagnated(s *ratingState) bool {
	if len(s.RoundDeltas) < e.cfg.StagnationRounds {
		return false
	}
	for _, d := range s.RoundDeltas {
		if math.Abs(d) > e.cfg.StagnationEps {
			return false
		}
	}
	return true
}

func (e *Engine) depthFor(ratingA, ratingB float64) string {
	if ratingA >= e.cfg.ThoroughThreshold || ratingB >= e.cfg.ThoroughThreshold {
		return DepthThorough
	}
	return DepthQuick
}

// awaitOutcomes polls the queue until every submitted comparison task is
// terminal or the round timeout passes. Matches whose task failed, timed
// out or never finished are dropped from the round.
func (e *Engine) awaitOutcomes(ctx context.Context, submitted map[string]domain.Match) ([]domain.Match, error) {
	deadline := e.now().Add(e.cfg.RoundTimeout)
	pending := make(map[string]domain.Match, len(submitted))
	for id, m := range submitted {
		pending[id] = m
	}

	var matches []domain.Match
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for taskID, match := range pending {
			t, err := e.q.Get(taskID)
			if err != nil || !t.Status.IsTerminal() {
				continue
			}
			delete(pending, taskID)
			if t.Status != domain.StatusCompleted {
				e.logger.Warn("comparison did not complete, match dropped",
					slog.String("match_id", match.ID),
					slog.String("status", string(t.Status)),
				)
				continue
			}
			res, err := e.q.Result(ctx, taskID)
			if err != nil {
				e.logger.Warn("comparison result unreadable, match dropped",
					slog.String("match_id", match.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			var out CompareOutput
			if err := json.Unmarshal(res.Output, &out); err != nil || !out.Outcome.Valid() {
				e.logger.Warn("malformed comparison output, match dropped",
					slog.String("match_id", match.ID),
				)
				continue
			}
			match.Outcome = out.Outcome
			match.CriteriaScores = out.CriteriaScores
			match.At = e.now()
			matches = append(matches, match)
		}
		if len(pending) == 0 {
			break
		}
		if e.now().After(deadline) {
			e.logger.Warn("round timed out waiting for comparisons",
				slog.Int("outstanding", len(pending)),
			)
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.cfg.PollInterval):
		}
	}
	return matches, nil
}

// commitRound computes every delta against the pre-round ratings and
// writes the whole round in one store transaction.
func (e *Engine) commitRound(ctx context.Context, preRound []*ratingState, matches []domain.Match) (int, error) {
	if len(matches) == 0 {
		return 0, nil
	}

	base := make(map[string]*ratingState, len(preRound))
	for _, s := range preRound {
		base[s.HypothesisID] = s
	}

	// Per-hypothesis accumulation. With one match per hypothesis per
	// round each slot holds a single delta, but the arithmetic is safe
	// either way.
	netDelta := make(map[string]float64)
	lost := make(map[string]bool)
	played := make(map[string]bool)

	var writes []store.BatchWrite
	for i := range matches {
		m := &matches[i]
		a, okA := base[m.HypothesisA]
		b, okB := base[m.HypothesisB]
		if !okA || !okB {
			return 0, fmt.Errorf("match %s references unknown hypothesis", m.ID)
		}
		deltaA, deltaB := eloDeltas(e.cfg.K, a.Rating, b.Rating, m.Outcome)
		netDelta[m.HypothesisA] += deltaA
		netDelta[m.HypothesisB] += deltaB
		played[m.HypothesisA] = true
		played[m.HypothesisB] = true
		if m.Outcome == domain.OutcomeWinA {
			lost[m.HypothesisB] = true
		}
		if m.Outcome == domain.OutcomeWinB {
			lost[m.HypothesisA] = true
		}

		raw, err := json.Marshal(m)
		if err != nil {
			return 0, fmt.Errorf("marshal match %s: %w", m.ID, err)
		}
		writes = append(writes, store.BatchWrite{Namespace: nsMatches, Key: m.ID, Value: raw})
	}

	ids := make([]string, 0, len(played))
	for id := range played {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s := base[id]
		e.applyRound(s, netDelta[id], lost[id])
		raw, err := json.Marshal(s)
		if err != nil {
			return 0, fmt.Errorf("marshal rating record %s: %w", id, err)
		}
		writes = append(writes, store.BatchWrite{Namespace: nsElo, Key: id, Value: raw})
	}

	if err := e.st.WriteBatch(ctx, writes); err != nil {
		return 0, fmt.Errorf("commit round: %w", err)
	}
	for _, m := range matches {
		telemetry.TournamentMatchesTotal.WithLabelValues(string(m.Outcome)).Inc()
	}
	e.updateSpread(preRound)
	return len(matches), nil
}

// applyRound folds one round's net movement into a hypothesis.
func (e *Engine) applyRound(s *ratingState, delta float64, lostAll bool) {
	s.Rating += delta
	s.MatchCount++
	s.LastUpdated = e.now()
	if lostAll {
		s.LossStreak++
	} else {
		s.LossStreak = 0
	}
	s.RoundDeltas = append(s.RoundDeltas, delta)
	if len(s.RoundDeltas) > e.cfg.StagnationRounds {
		s.RoundDeltas = s.RoundDeltas[len(s.RoundDeltas)-e.cfg.StagnationRounds:]
	}
}

func (e *Engine) matchWrites(match domain.Match, states []*ratingState) ([]store.BatchWrite, error) {
	raw, err := json.Marshal(match)
	if err != nil {
		return nil, fmt.Errorf("marshal match %s: %w", match.ID, err)
	}
	writes := []store.BatchWrite{{Namespace: nsMatches, Key: match.ID, Value: raw}}
	for _, s := range states {
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("marshal rating record %s: %w", s.HypothesisID, err)
		}
		writes = append(writes, store.BatchWrite{Namespace: nsElo, Key: s.HypothesisID, Value: raw})
	}
	return writes, nil
}

func (e *Engine) loadStates(ctx context.Context) ([]*ratingState, error) {
	entries, err := e.st.Query(ctx, nsElo, nil, 0)
	if err != nil {
		return nil, fmt.Errorf("query ratings: %w", err)
	}
	out := make([]*ratingState, 0, len(entries))
	for _, entry := range entries {
		var s ratingState
		if err := json.Unmarshal(entry.Value, &s); err != nil {
			return nil, fmt.Errorf("decode rating record %s: %w", entry.Key, err)
		}
		out = append(out, &s)
	}
	return out, nil
}

func (e *Engine) loadOrInit(ctx context.Context, id string) (*ratingState, error) {
	entry, err := e.st.Read(ctx, nsElo, id)
	if err != nil {
		var notFound *domain.EntryNotFoundError
		if errors.As(err, &notFound) {
			return &ratingState{EloRecord: domain.EloRecord{
				HypothesisID: id,
				Rating:       domain.InitialRating,
			}}, nil
		}
		return nil, fmt.Errorf("read rating record %s: %w", id, err)
	}
	var s ratingState
	if err := json.Unmarshal(entry.Value, &s); err != nil {
		return nil, fmt.Errorf("decode rating record %s: %w", id, err)
	}
	return &s, nil
}

func (e *Engine) updateSpread(states []*ratingState) {
	if len(states) == 0 {
		return
	}
	lo, hi := states[0].Rating, states[0].Rating
	for _, s := range states[1:] {
		lo = math.Min(lo, s.Rating)
		hi = math.Max(hi, s.Rating)
	}
	telemetry.TournamentRatingSpread.Set(hi - lo)
}
