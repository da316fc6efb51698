package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/store"
)

// WriteStateResponse is the PUT /state/{ns}/{key} response body.
type WriteStateResponse struct {
	Namespace string    `json:"namespace"`
	Key       string    `json:"key"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// PutState handles PUT /api/v1/state/{namespace}/{key}. The body is the
// value, stored opaquely.
func (s *Server) PutState(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	key := chi.URLParam(r, "key")

	value, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if !json.Valid(value) {
		writeError(w, http.StatusBadRequest, "body must be valid JSON")
		return
	}

	version, err := s.st.Write(r.Context(), ns, key, value)
	if err != nil {
		s.writeStoreError(w, ns, key, err)
		return
	}
	writeJSON(w, http.StatusOK, WriteStateResponse{
		Namespace: ns,
		Key:       key,
		Version:   version,
		Timestamp: time.Now().UTC(),
	})
}

// GetState handles GET /api/v1/state/{namespace}/{key}. Optional query
// parameters: version=N for a historical version, at=RFC3339 for a
// point-in-time read, strong=true for a read that waits out in-flight
// writes on the key.
func (s *Server) GetState(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	key := chi.URLParam(r, "key")
	ctx := r.Context()

	var (
		entry *store.Entry
		err   error
	)
	switch {
	case r.URL.Query().Get("version") != "":
		var version uint64
		version, err = strconv.ParseUint(r.URL.Query().Get("version"), 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "version must be a positive integer")
			return
		}
		entry, err = s.st.ReadVersion(ctx, ns, key, version)
	case r.URL.Query().Get("at") != "":
		var at time.Time
		at, err = time.Parse(time.RFC3339, r.URL.Query().Get("at"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "at must be RFC3339")
			return
		}
		entry, err = s.st.ReadAt(ctx, ns, key, at)
	case r.URL.Query().Get("strong") == "true":
		entry, err = s.st.StrongRead(ctx, ns, key)
	default:
		entry, err = s.st.Read(ctx, ns, key)
	}
	if err != nil {
		s.writeStoreError(w, ns, key, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// QueryState handles GET /api/v1/state/{namespace}?prefix=&limit=.
func (s *Server) QueryState(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var predicate func(store.Entry) bool
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		predicate = store.KeyPrefixPredicate(prefix)
	}

	entries, err := s.st.Query(r.Context(), ns, predicate, limit)
	if err != nil {
		s.writeStoreError(w, ns, "", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

// SubscribeState handles GET /api/v1/state/{namespace}/{key}/subscribe:
// a websocket stream of change events for keys under the given prefix.
// The path key is treated as a prefix; "-" subscribes to the whole
// namespace.
func (s *Server) SubscribeState(w http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	prefix := chi.URLParam(r, "key")
	if prefix == "-" {
		prefix = ""
	}

	// Subscribe before completing the handshake: once the client sees the
	// 101 response, writes are already being captured.
	ctx := r.Context()
	events := s.st.Subscribe(ctx, ns, prefix)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	// Reader goroutine: the peer never sends data frames, but reading is
	// what surfaces close frames and connection loss.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "store closed"),
					time.Now().Add(time.Second),
				)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, ns, key string, err error) {
	var (
		notFound *domain.EntryNotFoundError
		paused   *domain.NamespacePausedError
		verr     *domain.ValidationError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "entry not found")
	case errors.As(err, &paused):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("state operation failed",
			slog.String("namespace", ns),
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "state operation failed")
	}
}
