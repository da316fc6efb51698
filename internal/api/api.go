// Package api is the HTTP surface of the daemon: task submission and
// introspection, the state API, checkpoint control and the tournament
// endpoints. All handlers are thin adapters; domain rules live in the
// packages they call into.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/checkpoint"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/queue"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/scheduler"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/store"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/tournament"
)

// Server bundles the handler dependencies.
type Server struct {
	st       *store.Store
	q        *queue.Queue
	sch      *scheduler.Scheduler
	cp       *checkpoint.Manager
	engine   *tournament.Engine
	logger   *slog.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
}

// NewServer creates a Server over the given components.
func NewServer(
	st *store.Store,
	q *queue.Queue,
	sch *scheduler.Scheduler,
	cp *checkpoint.Manager,
	engine *tournament.Engine,
	logger *slog.Logger,
) *Server {
	return &Server{
		st:       st,
		q:        q,
		sch:      sch,
		cp:       cp,
		engine:   engine,
		logger:   logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// Router builds the chi router with all routes and middleware attached.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(RequestLogger(s.logger))
	r.Use(MaxBodySize(1 << 20)) // 1MB limit

	r.Get("/healthz", s.Healthz)
	r.Get("/readyz", s.Readyz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", s.SubmitTask)
		r.Get("/tasks/dead-letter", s.DeadLetters)
		r.Get("/tasks/{id}", s.GetTask)
		r.Get("/tasks/{id}/result", s.GetTaskResult)
		r.Post("/tasks/{id}/cancel", s.CancelTask)

		r.Put("/state/{namespace}/{key}", s.PutState)
		r.Get("/state/{namespace}/{key}", s.GetState)
		r.Get("/state/{namespace}", s.QueryState)
		r.Get("/state/{namespace}/{key}/subscribe", s.SubscribeState)

		r.Post("/checkpoints", s.CreateCheckpoint)
		r.Get("/checkpoints", s.ListCheckpoints)
		r.Post("/checkpoints/{id}/restore", s.RestoreCheckpoint)
		r.Post("/checkpoints/{id}/pin", s.PinCheckpoint)

		r.Post("/tournament/matches", s.SubmitMatch)
		r.Get("/tournament/rankings", s.GetRankings)
		r.Get("/tournament/matches", s.ListMatches)
	})
	return r
}

// Healthz handles GET /healthz.
func (s *Server) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz. Ready means the store answers.
func (s *Server) Readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.st.Healthy() {
		writeError(w, http.StatusServiceUnavailable, "store not ready")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready","scheduler":"` + string(s.sch.StateNow()) + `"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
