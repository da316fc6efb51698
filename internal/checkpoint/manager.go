// Package checkpoint snapshots and restores the state store as a causally
// consistent unit. A checkpoint is a versioned manifest of per-namespace
// gzip blobs, each carrying a sha256 checksum, plus a monotonic sequence
// number. Because the store is frozen for the duration of an export, no
// task's writes are ever split across a checkpoint boundary.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
	"github.com/jplfaria/CogniscientAssistant-sub001/internal/store"
	"github.com/jplfaria/CogniscientAssistant-sub001/pkg/telemetry"
)

const (
	manifestName    = "manifest.json"
	cleanMarkerName = "CLEAN_SHUTDOWN"
	manifestVersion = 1
)

// BlobInfo describes one per-namespace snapshot blob inside a checkpoint.
type BlobInfo struct {
	Namespace string `json:"namespace"`
	File      string `json:"file"`
	SHA256    string `json:"sha256"`
	Entries   int    `json:"entries"`
}

// Manifest is the self-describing index of a checkpoint.
type Manifest struct {
	Version   int        `json:"version"`
	ID        string     `json:"id"`
	Seq       uint64     `json:"sequence_number"`
	CreatedAt time.Time  `json:"created_at"`
	Pinned    bool       `json:"pinned"`
	Blobs     []BlobInfo `json:"blobs"`
}

// Config holds checkpoint manager configuration.
type Config struct {
	// Dir is the directory holding one subdirectory per checkpoint.
	Dir string

	// Keep is how many unpinned checkpoints retention preserves. Default 5.
	Keep int

	// Logger for checkpoint operations.
	Logger *slog.Logger
}

// Manager creates, restores, pins, and prunes checkpoints.
type Manager struct {
	store  *store.Store
	dir    string
	keep   int
	logger *slog.Logger
}

// NewManager creates a Manager writing checkpoints under cfg.Dir.
func NewManager(st *store.Store, cfg Config) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("checkpoint dir is required")
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	keep := cfg.Keep
	if keep <= 0 {
		keep = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: st, dir: cfg.Dir, keep: keep, logger: logger}, nil
}

// Create freezes the store, exports every namespace at one logical instant,
// and returns the new checkpoint's ID. Retention runs afterwards.
func (m *Manager) Create(ctx context.Context) (string, error) {
	ctx, span := otel.Tracer("checkpoint").Start(ctx, "checkpoint.create")
	defer span.End()
	start := time.Now()

	release := m.store.Freeze()
	dump, err := m.store.Dump(ctx)
	release()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store dump failed")
		telemetry.CheckpointDurationSeconds.WithLabelValues("create", "error").Observe(time.Since(start).Seconds())
		return "", fmt.Errorf("dump store: %w", err)
	}

	seq, err := m.nextSeq()
	if err != nil {
		return "", err
	}

	manifest := Manifest{
		Version:   manifestVersion,
		ID:        uuid.New().String(),
		Seq:       seq,
		CreatedAt: time.Now().UTC(),
	}
	span.SetAttributes(attribute.String("checkpoint.id", manifest.ID))

	dest := filepath.Join(m.dir, manifest.ID)
	tmp := dest + ".tmp"
	if err := os.MkdirAll(tmp, 0o750); err != nil {
		return "", fmt.Errorf("create checkpoint workdir: %w", err)
	}
	defer os.RemoveAll(tmp)

	namespaces := make([]string, 0, len(dump))
	for ns := range dump {
		namespaces = append(namespaces, ns)
	}
	sort.Strings(namespaces)

	for _, ns := range namespaces {
		blob, err := writeBlob(tmp, ns, dump[ns])
		if err != nil {
			return "", fmt.Errorf("export namespace %q: %w", ns, err)
		}
		manifest.Blobs = append(manifest.Blobs, blob)
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(tmp, manifestName), raw, 0o640); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}

	// Rename is the commit point: a crash mid-export leaves only a .tmp
	// directory that restore never considers.
	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("commit checkpoint: %w", err)
	}

	telemetry.CheckpointDurationSeconds.WithLabelValues("create", "ok").Observe(time.Since(start).Seconds())
	m.logger.Info("checkpoint created",
		slog.String("checkpoint_id", manifest.ID),
		slog.Uint64("seq", manifest.Seq),
		slog.Int("namespaces", len(manifest.Blobs)),
	)

	if err := m.Prune(ctx); err != nil {
		m.logger.Warn("checkpoint pruning failed", slog.String("error", err.Error()))
	}
	return manifest.ID, nil
}

// Restore replaces the store content with the snapshot identified by id.
// A checksum failure quarantines the checkpoint and returns CorruptionError;
// callers wanting automatic fallback use RestoreLatest.
func (m *Manager) Restore(ctx context.Context, id string) error {
	ctx, span := otel.Tracer("checkpoint").Start(ctx, "checkpoint.restore")
	defer span.End()
	span.SetAttributes(attribute.String("checkpoint.id", id))
	start := time.Now()

	manifest, err := m.readManifest(id)
	if err != nil {
		return err
	}

	entries := make(map[string][]store.Entry, len(manifest.Blobs))
	for _, blob := range manifest.Blobs {
		nsEntries, err := readBlob(filepath.Join(m.dir, id, blob.File), blob.SHA256)
		if err != nil {
			var corrupt *domain.CorruptionError
			if errors.As(err, &corrupt) {
				m.quarantine(id)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, "blob verification failed")
			telemetry.CheckpointDurationSeconds.WithLabelValues("restore", "error").Observe(time.Since(start).Seconds())
			return fmt.Errorf("read blob for namespace %q: %w", blob.Namespace, err)
		}
		entries[blob.Namespace] = nsEntries
	}

	release := m.store.Freeze()
	err = m.store.ReplaceAll(ctx, entries)
	release()
	if err != nil {
		telemetry.CheckpointDurationSeconds.WithLabelValues("restore", "error").Observe(time.Since(start).Seconds())
		return fmt.Errorf("replace store content: %w", err)
	}

	telemetry.CheckpointDurationSeconds.WithLabelValues("restore", "ok").Observe(time.Since(start).Seconds())
	m.logger.Info("checkpoint restored",
		slog.String("checkpoint_id", id),
		slog.Uint64("seq", manifest.Seq),
	)
	return nil
}

// RestoreLatest restores the newest valid checkpoint, falling back to older
// ones when a blob fails its integrity check. Returns CheckpointNotFoundError
// when no checkpoint exists at all, or no valid one remains.
func (m *Manager) RestoreLatest(ctx context.Context) (string, error) {
	manifests, err := m.List()
	if err != nil {
		return "", err
	}
	if len(manifests) == 0 {
		return "", &domain.CheckpointNotFoundError{}
	}

	for i := len(manifests) - 1; i >= 0; i-- {
		id := manifests[i].ID
		err := m.Restore(ctx, id)
		if err == nil {
			return id, nil
		}
		m.logger.Warn("checkpoint restore failed, falling back to older",
			slog.String("checkpoint_id", id),
			slog.String("error", err.Error()),
		)
	}
	return "", &domain.CheckpointNotFoundError{}
}

// List returns all manifests ordered by sequence number ascending.
func (m *Manager) List() ([]Manifest, error) {
	dirs, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint dir: %w", err)
	}
	var out []Manifest
	for _, d := range dirs {
		if !d.IsDir() || filepath.Ext(d.Name()) == ".tmp" || filepath.Ext(d.Name()) == ".quarantined" {
			continue
		}
		manifest, err := m.readManifest(d.Name())
		if err != nil {
			m.logger.Warn("skipping unreadable checkpoint",
				slog.String("dir", d.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, *manifest)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Pin marks a checkpoint exempt from retention pruning.
func (m *Manager) Pin(id string, pinned bool) error {
	manifest, err := m.readManifest(id)
	if err != nil {
		return err
	}
	manifest.Pinned = pinned
	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return os.WriteFile(filepath.Join(m.dir, id, manifestName), raw, 0o640)
}

// Prune removes the oldest unpinned checkpoints beyond the retention count.
func (m *Manager) Prune(_ context.Context) error {
	manifests, err := m.List()
	if err != nil {
		return err
	}

	unpinned := 0
	for _, mf := range manifests {
		if !mf.Pinned {
			unpinned++
		}
	}
	for _, mf := range manifests {
		if unpinned <= m.keep {
			break
		}
		if mf.Pinned {
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.dir, mf.ID)); err != nil {
			return fmt.Errorf("prune checkpoint %s: %w", mf.ID, err)
		}
		unpinned--
		telemetry.CheckpointsPruned.Inc()
		m.logger.Info("checkpoint pruned", slog.String("checkpoint_id", mf.ID))
	}
	return nil
}

// MarkCleanShutdown writes the marker consulted by RecoverIfNeeded.
func (m *Manager) MarkCleanShutdown() error {
	return os.WriteFile(filepath.Join(m.dir, cleanMarkerName), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o640)
}

// ClearCleanShutdown removes the marker at startup so a crash before the
// next graceful exit is detected.
func (m *Manager) ClearCleanShutdown() error {
	err := os.Remove(filepath.Join(m.dir, cleanMarkerName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// RecoverIfNeeded restores the latest valid checkpoint when the previous run
// did not shut down cleanly. Returns the restored checkpoint ID, or "" when
// no recovery was necessary or no checkpoint exists yet.
func (m *Manager) RecoverIfNeeded(ctx context.Context) (string, error) {
	if _, err := os.Stat(filepath.Join(m.dir, cleanMarkerName)); err == nil {
		return "", nil // clean shutdown, current store content is authoritative
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", fmt.Errorf("stat clean-shutdown marker: %w", err)
	}

	id, err := m.RestoreLatest(ctx)
	var notFound *domain.CheckpointNotFoundError
	if errors.As(err, &notFound) {
		return "", nil // first run: nothing to recover from
	}
	if err != nil {
		return "", err
	}
	m.logger.Warn("unclean shutdown detected, restored last checkpoint",
		slog.String("checkpoint_id", id),
	)
	return id, nil
}

func (m *Manager) readManifest(id string) (*Manifest, error) {
	raw, err := os.ReadFile(filepath.Join(m.dir, id, manifestName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &domain.CheckpointNotFoundError{ID: id}
		}
		return nil, fmt.Errorf("read manifest for %s: %w", id, err)
	}
	var manifest Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("parse manifest for %s: %w", id, err)
	}
	return &manifest, nil
}

// nextSeq derives the next checkpoint sequence number from what is on disk,
// so the counter survives restarts without separate state.
func (m *Manager) nextSeq() (uint64, error) {
	manifests, err := m.List()
	if err != nil {
		return 0, err
	}
	var max uint64
	for _, mf := range manifests {
		if mf.Seq > max {
			max = mf.Seq
		}
	}
	return max + 1, nil
}

// quarantine renames a corrupt checkpoint aside for external inspection.
func (m *Manager) quarantine(id string) {
	src := filepath.Join(m.dir, id)
	dst := src + ".quarantined"
	if err := os.Rename(src, dst); err != nil {
		m.logger.Error("failed to quarantine corrupt checkpoint",
			slog.String("checkpoint_id", id),
			slog.String("error", err.Error()),
		)
		return
	}
	m.logger.Warn("corrupt checkpoint quarantined", slog.String("checkpoint_id", id))
}

// writeBlob gzips the namespace entries to a file and returns its metadata,
// including the sha256 of the compressed bytes.
func writeBlob(dir, ns string, entries []store.Entry) (BlobInfo, error) {
	file := fmt.Sprintf("ns-%x.json.gz", sha256.Sum256([]byte(ns)))
	path := filepath.Join(dir, file)

	f, err := os.Create(path)
	if err != nil {
		return BlobInfo{}, fmt.Errorf("create blob: %w", err)
	}
	defer f.Close()

	hash := sha256.New()
	gz := gzip.NewWriter(io.MultiWriter(f, hash))
	if err := json.NewEncoder(gz).Encode(entries); err != nil {
		return BlobInfo{}, fmt.Errorf("encode blob: %w", err)
	}
	if err := gz.Close(); err != nil {
		return BlobInfo{}, fmt.Errorf("flush blob: %w", err)
	}
	if err := f.Sync(); err != nil {
		return BlobInfo{}, fmt.Errorf("sync blob: %w", err)
	}

	return BlobInfo{
		Namespace: ns,
		File:      file,
		SHA256:    hex.EncodeToString(hash.Sum(nil)),
		Entries:   len(entries),
	}, nil
}

// readBlob verifies the blob checksum before decompressing. A mismatch is a
// CorruptionError, never a silent partial restore.
func readBlob(path, wantSHA string) ([]store.Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}

	sum := sha256.Sum256(raw)
	got := hex.EncodeToString(sum[:])
	if got != wantSHA {
		return nil, &domain.CorruptionError{Subject: filepath.Base(path), Expected: wantSHA, Actual: got}
	}

	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer gz.Close()

	var entries []store.Entry
	if err := json.NewDecoder(gz).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode blob: %w", err)
	}
	return entries, nil
}
