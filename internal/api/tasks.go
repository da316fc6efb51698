package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
)

// SubmitTaskRequest is the JSON body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Category       string          `json:"category" validate:"required"`
	Priority       string          `json:"priority" validate:"omitempty,oneof=high medium low"`
	Params         json.RawMessage `json:"parameters" validate:"required"`
	Dependencies   []string        `json:"dependencies,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds" validate:"gte=0"`
	MaxRetries     int             `json:"max_retries" validate:"gte=0"`
}

// SubmitTaskResponse is the 202 response body.
type SubmitTaskResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// TaskStatusResponse is the GET /tasks/{id} response body.
type TaskStatusResponse struct {
	TaskID      string     `json:"task_id"`
	Category    string     `json:"category"`
	Priority    string     `json:"priority"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

func taskStatus(t *domain.Task) TaskStatusResponse {
	return TaskStatusResponse{
		TaskID:      t.ID,
		Category:    t.Category,
		Priority:    t.Priority.String(),
		Status:      string(t.Status),
		RetryCount:  t.RetryCount,
		MaxRetries:  t.MaxRetries,
		DependsOn:   t.DependsOn,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
}

// SubmitTask handles POST /api/v1/tasks.
func (s *Server) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.submit_task")
	defer span.End()

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	task := &domain.Task{
		Category:   req.Category,
		Priority:   domain.ParsePriority(req.Priority),
		Params:     req.Params,
		DependsOn:  req.Dependencies,
		Timeout:    time.Duration(req.TimeoutSeconds) * time.Second,
		MaxRetries: req.MaxRetries,
	}

	id, err := s.sch.Submit(ctx, task)
	if err != nil {
		var verr *domain.ValidationError
		var cyc *domain.DependencyCycleError
		switch {
		case errors.As(err, &verr), errors.As(err, &cyc):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			span.RecordError(err)
			s.logger.Error("task submission failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to submit task")
		}
		return
	}
	span.SetAttributes(
		attribute.String("task.id", id),
		attribute.String("task.category", req.Category),
	)

	writeJSON(w, http.StatusAccepted, SubmitTaskResponse{
		TaskID:    id,
		Status:    string(domain.StatusPending),
		CreatedAt: time.Now().UTC(),
	})
}

// GetTask handles GET /api/v1/tasks/{id}.
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, taskStatus(task))
}

// GetTaskResult handles GET /api/v1/tasks/{id}/result.
func (s *Server) GetTaskResult(w http.ResponseWriter, r *http.Request) {
	task, ok := s.lookupTask(w, r)
	if !ok {
		return
	}
	res, err := s.q.Result(r.Context(), task.ID)
	if err != nil {
		var notFound *domain.EntryNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "no result recorded yet")
			return
		}
		s.logger.Error("result lookup failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read result")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// CancelTask handles POST /api/v1/tasks/{id}/cancel. Pending tasks vanish;
// claimed ones get the cooperative flag.
func (s *Server) CancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}
	if err := s.q.Cancel(r.Context(), taskID); err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": taskID, "cancel": "requested"})
}

// DeadLetters handles GET /api/v1/tasks/dead-letter.
func (s *Server) DeadLetters(w http.ResponseWriter, _ *http.Request) {
	tasks := s.q.DeadLetters()
	out := make([]TaskStatusResponse, len(tasks))
	for i := range tasks {
		out[i] = taskStatus(&tasks[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": out, "count": len(out)})
}

func (s *Server) lookupTask(w http.ResponseWriter, r *http.Request) (*domain.Task, bool) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return nil, false
	}
	task, err := s.q.Get(taskID)
	if err != nil {
		writeError(w, http.StatusNotFound, "task not found")
		return nil, false
	}
	return task, true
}
