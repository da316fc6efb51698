package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/checkpoint"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/queue"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/scheduler"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/store"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/tournament"
)

// ── helpers ──────────────────────────────────────────────────────────────────

type fixture struct {
	st  *store.Store
	q   *queue.Queue
	srv *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(store.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	q := queue.New(st, queue.Config{})
	sch := scheduler.New(q, scheduler.Config{})
	cp, err := checkpoint.NewManager(st, checkpoint.Config{Dir: t.TempDir()})
	require.NoError(t, err)
	engine := tournament.NewEngine(st, q, tournament.Config{})

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	server := NewServer(st, q, sch, cp, engine, logger)

	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return &fixture{st: st, q: q, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, raw
}

func (f *fixture) submitTask(t *testing.T, category string) string {
	t.Helper()
	resp, raw := f.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{
		Category: category,
		Params:   json.RawMessage(`{"goal":"test"}`),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(raw))
	var out SubmitTaskResponse
	require.NoError(t, json.Unmarshal(raw, &out))
	return out.TaskID
}

// ── health ───────────────────────────────────────────────────────────────────

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := f.do(t, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), "ready")
}

// ── tasks ────────────────────────────────────────────────────────────────────

func TestSubmitTask_AcceptedAndRetrievable(t *testing.T) {
	f := newFixture(t)

	id := f.submitTask(t, "generate")

	resp, raw := f.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status TaskStatusResponse
	require.NoError(t, json.Unmarshal(raw, &status))
	assert.Equal(t, "generate", status.Category)
	assert.Equal(t, string(domain.StatusPending), status.Status)
}

func TestSubmitTask_ValidationFailures(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{
		Params: json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing category")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{
		Category: "generate",
		Priority: "urgent",
		Params:   json.RawMessage(`{}`),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown priority")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/tasks", SubmitTaskRequest{
		Category:     "generate",
		Params:       json.RawMessage(`{}`),
		Dependencies: []string{"no-such-task"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown dependency")
}

func TestGetTask_NotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/v1/tasks/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTask_PendingVanishes(t *testing.T) {
	f := newFixture(t)
	id := f.submitTask(t, "generate")

	resp, _ := f.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/cancel", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeadLetters_EmptyList(t *testing.T) {
	f := newFixture(t)
	resp, raw := f.do(t, http.MethodGet, "/api/v1/tasks/dead-letter", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"tasks":[],"count":0}`, string(raw))
}

// ── state ────────────────────────────────────────────────────────────────────

func TestState_WriteReadRoundTrip(t *testing.T) {
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodPut, "/api/v1/state/hypotheses/h1", map[string]string{"text": "v1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var wr WriteStateResponse
	require.NoError(t, json.Unmarshal(raw, &wr))
	assert.Equal(t, uint64(1), wr.Version)

	resp, _ = f.do(t, http.MethodPut, "/api/v1/state/hypotheses/h1", map[string]string{"text": "v2"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = f.do(t, http.MethodGet, "/api/v1/state/hypotheses/h1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entry store.Entry
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, uint64(2), entry.Version)
	assert.JSONEq(t, `{"text":"v2"}`, string(entry.Value))

	// Historical version read.
	resp, raw = f.do(t, http.MethodGet, "/api/v1/state/hypotheses/h1?version=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.JSONEq(t, `{"text":"v1"}`, string(entry.Value))

	// Strong read sees the same settled value.
	resp, raw = f.do(t, http.MethodGet, "/api/v1/state/hypotheses/h1?strong=true", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.Equal(t, uint64(2), entry.Version)
}

func TestState_RejectsInvalidJSONBody(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodPut, f.srv.URL+"/api/v1/state/ns/k", strings.NewReader("{not json"))
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestState_QueryByPrefix(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 3; i++ {
		resp, _ := f.do(t, http.MethodPut, fmt.Sprintf("/api/v1/state/hypotheses/gen-%d", i), map[string]int{"i": i})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.do(t, http.MethodPut, "/api/v1/state/hypotheses/other", map[string]int{"i": 9})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := f.do(t, http.MethodGet, "/api/v1/state/hypotheses?prefix=gen-&limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Count   int           `json:"count"`
		Entries []store.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, 2, out.Count)
	for _, e := range out.Entries {
		assert.True(t, strings.HasPrefix(e.Key, "gen-"))
	}
}

func TestState_NotFound(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/api/v1/state/ns/absent", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestState_SubscribeStreamsChanges(t *testing.T) {
	f := newFixture(t)

	wsURL := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/state/hypotheses/gen-/subscribe"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// A matching write and a non-matching one: only the former arrives.
	resp, _ := f.do(t, http.MethodPut, "/api/v1/state/hypotheses/other", map[string]int{"i": 0})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodPut, "/api/v1/state/hypotheses/gen-1", map[string]int{"i": 1})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev store.ChangeEvent
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "gen-1", ev.Entry.Key)
	assert.Equal(t, "hypotheses", ev.Entry.Namespace)
}

// ── checkpoints ──────────────────────────────────────────────────────────────

func TestCheckpoints_CreateListRestore(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/api/v1/state/notes/n1", map[string]string{"v": "keep"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw := f.do(t, http.MethodPost, "/api/v1/checkpoints", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"checkpoint_id"`
	}
	require.NoError(t, json.Unmarshal(raw, &created))
	require.NotEmpty(t, created.ID)

	resp, raw = f.do(t, http.MethodGet, "/api/v1/checkpoints", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(raw), created.ID)

	// Mutate, restore, observe the checkpointed value again.
	resp, _ = f.do(t, http.MethodPut, "/api/v1/state/notes/n1", map[string]string{"v": "discard"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/checkpoints/"+created.ID+"/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, raw = f.do(t, http.MethodGet, "/api/v1/state/notes/n1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entry store.Entry
	require.NoError(t, json.Unmarshal(raw, &entry))
	assert.JSONEq(t, `{"v":"keep"}`, string(entry.Value))
}

func TestCheckpoints_RestoreRebuildsQueue(t *testing.T) {
	f := newFixture(t)

	before := f.submitTask(t, "generate")

	resp, raw := f.do(t, http.MethodPost, "/api/v1/checkpoints", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"checkpoint_id"`
	}
	require.NoError(t, json.Unmarshal(raw, &created))

	after := f.submitTask(t, "generate")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/checkpoints/"+created.ID+"/restore", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The queue serves the snapshot, not its pre-restore memory: the task
	// submitted after the checkpoint is gone, the earlier one survives.
	resp, _ = f.do(t, http.MethodGet, "/api/v1/tasks/"+after, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, raw = f.do(t, http.MethodGet, "/api/v1/tasks/"+before, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got TaskStatusResponse
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, string(domain.StatusPending), got.Status)
}

func TestCheckpoints_RestoreUnknownIs404(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/v1/checkpoints/unknown/restore", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCheckpoints_Pin(t *testing.T) {
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodPost, "/api/v1/checkpoints", nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var created struct {
		ID string `json:"checkpoint_id"`
	}
	require.NoError(t, json.Unmarshal(raw, &created))

	resp, _ = f.do(t, http.MethodPost, "/api/v1/checkpoints/"+created.ID+"/pin", map[string]bool{"pinned": true})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/v1/checkpoints/"+created.ID+"/pin", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "missing body")
}

// ── tournament ───────────────────────────────────────────────────────────────

func TestTournament_SubmitMatchAndRankings(t *testing.T) {
	f := newFixture(t)

	resp, raw := f.do(t, http.MethodPost, "/api/v1/tournament/matches", SubmitMatchRequest{
		HypothesisA: "h1",
		HypothesisB: "h2",
		Outcome:     "win_a",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(raw))
	var update domain.EloUpdate
	require.NoError(t, json.Unmarshal(raw, &update))
	assert.InDelta(t, 1216, update.RatingA, 1e-9)
	assert.InDelta(t, 1184, update.RatingB, 1e-9)

	resp, raw = f.do(t, http.MethodGet, "/api/v1/tournament/rankings?top=1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rankings struct {
		Count    int                `json:"count"`
		Rankings []domain.EloRecord `json:"rankings"`
	}
	require.NoError(t, json.Unmarshal(raw, &rankings))
	require.Equal(t, 1, rankings.Count)
	assert.Equal(t, "h1", rankings.Rankings[0].HypothesisID)
}

func TestTournament_RejectsBadMatch(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/v1/tournament/matches", SubmitMatchRequest{
		HypothesisA: "h1", HypothesisB: "h1", Outcome: "win_a",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "same hypothesis twice")

	resp, _ = f.do(t, http.MethodPost, "/api/v1/tournament/matches", SubmitMatchRequest{
		HypothesisA: "h1", HypothesisB: "h2", Outcome: "decisive",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "unknown outcome")
}
