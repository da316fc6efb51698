package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/jplfaria/CogniscientAssistant-sub001/internal/domain"
	"github.com/jplfaria/CogniscientAssistant-sub001/pkg/telemetry"
)

// Entry is one versioned value in the store. (Namespace, Key) is the
// identity; Version strictly increases per key.
type Entry struct {
	Namespace string          `json:"namespace"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   uint64          `json:"version"`
	Timestamp time.Time       `json:"timestamp"`
}

// Config holds configuration for a Store instance.
type Config struct {
	// Path is the directory for badger files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence). For testing.
	InMemory bool

	// SyncWrites enables synchronous writes. A Write is acknowledged only
	// after badger committed it, so acknowledged writes survive a crash.
	SyncWrites bool

	// Logger for store operations. Badger's own logging is disabled.
	Logger *slog.Logger
}

// DefaultConfig returns production defaults: durable, synchronous writes.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true}
}

// InMemoryConfig returns a configuration for tests: no disk I/O.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// Store is the namespaced, versioned key-value store that owns all persisted
// state. It is the only shared mutable resource in the system; all
// cross-component coordination happens through it.
//
// Consistency: single-writer-per-key ordering by submission order with a
// monotonically increasing version counter per key. There is no cross-key
// ordering guarantee except through explicit task dependencies.
type Store struct {
	db     *badger.DB
	logger *slog.Logger

	// quiesce serialises writes against checkpointing: writers hold the read
	// side, a checkpoint freeze holds the write side.
	quiesce sync.RWMutex

	mu       sync.Mutex
	keyLocks map[string]*sync.Mutex

	pausedMu sync.RWMutex
	paused   map[string]bool

	subsMu  sync.Mutex
	subs    map[int]*subscription
	nextSub int
}

// Open opens (or creates) a store with the given configuration.
func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for a persistent store")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		db:       db,
		logger:   logger,
		keyLocks: make(map[string]*sync.Mutex),
		paused:   make(map[string]bool),
		subs:     make(map[int]*subscription),
	}, nil
}

// Close flushes and closes the underlying database and drops all
// subscriptions.
func (s *Store) Close() error {
	s.closeAllSubs()
	return s.db.Close()
}

// keyLock returns the mutex serialising writers of a single (ns, key) pair.
func (s *Store) keyLock(ns, key string) *sync.Mutex {
	id := ns + sep + key
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[id] = l
	}
	return l
}

// Write durably stores value under (ns, key) and returns the new version.
// The write is acknowledged only after badger committed it; a crash before
// acknowledgment loses the write and the caller must retry.
func (s *Store) Write(ctx context.Context, ns, key string, value json.RawMessage) (uint64, error) {
	if err := validateName("namespace", ns); err != nil {
		return 0, &domain.ValidationError{Field: "namespace", Reason: err.Error()}
	}
	if err := validateName("key", key); err != nil {
		return 0, &domain.ValidationError{Field: "key", Reason: err.Error()}
	}
	if s.isPaused(ns) {
		return 0, &domain.NamespacePausedError{Namespace: ns}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	lock := s.keyLock(ns, key)
	lock.Lock()
	defer lock.Unlock()

	entry := Entry{Namespace: ns, Key: key, Value: value, Timestamp: time.Now().UTC()}

	err := s.db.Update(func(txn *badger.Txn) error {
		prev, err := readEntry(txn, latestKey(ns, key))
		switch {
		case err == nil:
			entry.Version = prev.Version + 1
		case errors.Is(err, badger.ErrKeyNotFound):
			entry.Version = 1
		default:
			return err
		}

		raw, err := json.Marshal(entry)
		if err != nil {
			return fmt.Errorf("marshal entry: %w", err)
		}
		if err := txn.Set(latestKey(ns, key), raw); err != nil {
			return err
		}
		return txn.Set(versionKey(ns, key, entry.Version), raw)
	})
	if err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues("write").Inc()
		return 0, &domain.StoreUnavailableError{Namespace: ns, Op: "write", Cause: err}
	}

	telemetry.StoreWritesTotal.WithLabelValues(ns).Inc()
	s.notify(entry)
	return entry.Version, nil
}

// BatchWrite is one element of a WriteBatch call.
type BatchWrite struct {
	Namespace string
	Key       string
	Value     json.RawMessage
}

// WriteBatch durably stores every element in a single transaction: either
// all of them commit or none do. Versions advance per key exactly as Write
// would advance them. Keys are locked in sorted order so concurrent batches
// cannot deadlock.
func (s *Store) WriteBatch(ctx context.Context, writes []BatchWrite) error {
	if len(writes) == 0 {
		return nil
	}
	for _, w := range writes {
		if err := validateName("namespace", w.Namespace); err != nil {
			return &domain.ValidationError{Field: "namespace", Reason: err.Error()}
		}
		if err := validateName("key", w.Key); err != nil {
			return &domain.ValidationError{Field: "key", Reason: err.Error()}
		}
		if s.isPaused(w.Namespace) {
			return &domain.NamespacePausedError{Namespace: w.Namespace}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	ids := make([]string, len(writes))
	for i, w := range writes {
		ids[i] = w.Namespace + sep + w.Key
	}
	sort.Strings(ids)
	for i, id := range ids {
		if i > 0 && ids[i-1] == id {
			return &domain.ValidationError{Field: "key", Reason: "duplicate key in batch"}
		}
		parts := strings.SplitN(id, sep, 2)
		lock := s.keyLock(parts[0], parts[1])
		lock.Lock()
		defer lock.Unlock()
	}

	now := time.Now().UTC()
	entries := make([]Entry, len(writes))
	err := s.db.Update(func(txn *badger.Txn) error {
		for i, w := range writes {
			entry := Entry{Namespace: w.Namespace, Key: w.Key, Value: w.Value, Timestamp: now}
			prev, err := readEntry(txn, latestKey(w.Namespace, w.Key))
			switch {
			case err == nil:
				entry.Version = prev.Version + 1
			case errors.Is(err, badger.ErrKeyNotFound):
				entry.Version = 1
			default:
				return err
			}
			raw, err := json.Marshal(entry)
			if err != nil {
				return fmt.Errorf("marshal entry: %w", err)
			}
			if err := txn.Set(latestKey(w.Namespace, w.Key), raw); err != nil {
				return err
			}
			if err := txn.Set(versionKey(w.Namespace, w.Key, entry.Version), raw); err != nil {
				return err
			}
			entries[i] = entry
		}
		return nil
	})
	if err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues("write_batch").Inc()
		return &domain.StoreUnavailableError{Namespace: writes[0].Namespace, Op: "write_batch", Cause: err}
	}

	for _, entry := range entries {
		telemetry.StoreWritesTotal.WithLabelValues(entry.Namespace).Inc()
		s.notify(entry)
	}
	return nil
}

// Read returns the latest entry for (ns, key). A same-writer read immediately
// after Write observes that write: Write does not return until the value is
// committed.
func (s *Store) Read(ctx context.Context, ns, key string) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := readEntry(txn, latestKey(ns, key))
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &domain.EntryNotFoundError{Namespace: ns, Key: key}
		}
		telemetry.StoreErrorsTotal.WithLabelValues("read").Inc()
		return nil, &domain.StoreUnavailableError{Namespace: ns, Op: "read", Cause: err}
	}
	telemetry.StoreReadsTotal.WithLabelValues(ns).Inc()
	return entry, nil
}

// ReadVersion returns the entry at an exact historical version.
func (s *Store) ReadVersion(ctx context.Context, ns, key string, version uint64) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		e, err := readEntry(txn, versionKey(ns, key, version))
		if err != nil {
			return err
		}
		entry = e
		return nil
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, &domain.EntryNotFoundError{Namespace: ns, Key: key}
		}
		return nil, &domain.StoreUnavailableError{Namespace: ns, Op: "read_version", Cause: err}
	}
	return entry, nil
}

// ReadAt returns the newest entry for (ns, key) whose timestamp is not after
// ts, a point-in-time read.
func (s *Store) ReadAt(ctx context.Context, ns, key string, ts time.Time) (*Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var entry *Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: versionPrefix(ns, key)})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			if e.Timestamp.After(ts) {
				break
			}
			cp := e
			entry = &cp
		}
		return nil
	})
	if err != nil {
		return nil, &domain.StoreUnavailableError{Namespace: ns, Op: "read_at", Cause: err}
	}
	if entry == nil {
		return nil, &domain.EntryNotFoundError{Namespace: ns, Key: key}
	}
	return entry, nil
}

// StrongRead blocks until all writes in flight for the key have settled,
// giving cross-writer consistency. The wait is bounded by the configured
// consistency window (500ms); on expiry the current latest value is returned.
func (s *Store) StrongRead(ctx context.Context, ns, key string) (*Entry, error) {
	lock := s.keyLock(ns, key)

	// abandoned settles who releases the lock. The waiter wins the CAS when
	// it stops waiting before the goroutine acquired the lock; the goroutine
	// then unlocks on its own so the key is never wedged.
	var abandoned atomic.Bool
	acquired := make(chan struct{})
	go func() {
		lock.Lock()
		if !abandoned.CompareAndSwap(false, true) {
			lock.Unlock()
			return
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		lock.Unlock()
	case <-time.After(consistencyWindow):
		// Bounded wait: fall through to a plain read of whatever has settled.
		if !abandoned.CompareAndSwap(false, true) {
			<-acquired
			lock.Unlock()
		}
	case <-ctx.Done():
		if !abandoned.CompareAndSwap(false, true) {
			<-acquired
			lock.Unlock()
		}
		return nil, ctx.Err()
	}
	return s.Read(ctx, ns, key)
}

// consistencyWindow bounds how long a strong read waits for in-flight writes.
const consistencyWindow = 500 * time.Millisecond

// Query returns up to limit entries in ns whose latest value satisfies the
// predicate, ordered by key. A nil predicate matches everything.
func (s *Store) Query(ctx context.Context, ns string, predicate func(Entry) bool, limit int) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: latestPrefix(ns), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			if predicate == nil || predicate(e) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues("query").Inc()
		return nil, &domain.StoreUnavailableError{Namespace: ns, Op: "query", Cause: err}
	}
	telemetry.StoreReadsTotal.WithLabelValues(ns).Inc()
	return out, nil
}

// Delete removes all versions of (ns, key) older than beforeTs and returns
// how many were removed. If the latest version itself is older, the key
// becomes absent.
func (s *Store) Delete(ctx context.Context, ns, key string, beforeTs time.Time) (int, error) {
	if s.isPaused(ns) {
		return 0, &domain.NamespacePausedError{Namespace: ns}
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.quiesce.RLock()
	defer s.quiesce.RUnlock()

	lock := s.keyLock(ns, key)
	lock.Lock()
	defer lock.Unlock()

	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		var doomed [][]byte
		it := txn.NewIterator(badger.IteratorOptions{Prefix: versionPrefix(ns, key)})
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				it.Close()
				return err
			}
			if e.Timestamp.Before(beforeTs) {
				doomed = append(doomed, it.Item().KeyCopy(nil))
			}
		}
		it.Close()

		for _, k := range doomed {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		removed = len(doomed)

		latest, err := readEntry(txn, latestKey(ns, key))
		if err == nil && latest.Timestamp.Before(beforeTs) {
			return txn.Delete(latestKey(ns, key))
		}
		if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		telemetry.StoreErrorsTotal.WithLabelValues("delete").Inc()
		return 0, &domain.StoreUnavailableError{Namespace: ns, Op: "delete", Cause: err}
	}
	return removed, nil
}

// PauseWrites degrades ns to read-only. Used after storage or corruption
// failures so unaffected namespaces keep operating.
func (s *Store) PauseWrites(ns string) {
	s.pausedMu.Lock()
	defer s.pausedMu.Unlock()
	s.paused[ns] = true
	s.logger.Warn("namespace paused for writes", slog.String("namespace", ns))
}

// ResumeWrites lifts a pause set by PauseWrites.
func (s *Store) ResumeWrites(ns string) {
	s.pausedMu.Lock()
	defer s.pausedMu.Unlock()
	delete(s.paused, ns)
	s.logger.Info("namespace writes resumed", slog.String("namespace", ns))
}

func (s *Store) isPaused(ns string) bool {
	s.pausedMu.RLock()
	defer s.pausedMu.RUnlock()
	return s.paused[ns]
}

// Freeze blocks all writers so no task's writes can straddle a checkpoint.
// The returned function releases the freeze. Only the checkpoint manager
// calls this.
func (s *Store) Freeze() (release func()) {
	s.quiesce.Lock()
	return s.quiesce.Unlock
}

// Dump returns every entry (all versions plus the latest pointers are
// reconstructable from them) currently stored, grouped by namespace. Callers
// should hold a Freeze while dumping for a causally consistent image.
func (s *Store) Dump(ctx context.Context) (map[string][]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string][]Entry)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: versionPrefixAll(), PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var e Entry
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
				return err
			}
			out[e.Namespace] = append(out[e.Namespace], e)
		}
		return nil
	})
	if err != nil {
		return nil, &domain.StoreUnavailableError{Op: "dump", Cause: err}
	}
	return out, nil
}

// ReplaceAll drops the current content and loads the given entries, restoring
// latest pointers from the highest version of each key. Used by checkpoint
// restore. Callers must hold a Freeze.
func (s *Store) ReplaceAll(ctx context.Context, entries map[string][]Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Counters survive a restore: sequence numbers must keep increasing
	// monotonically across recoveries.
	if err := s.db.DropPrefix(latestPrefixAll(), versionPrefixAll()); err != nil {
		return &domain.StoreUnavailableError{Op: "drop_entries", Cause: err}
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	latest := make(map[string]Entry)
	for _, nsEntries := range entries {
		for _, e := range nsEntries {
			raw, err := json.Marshal(e)
			if err != nil {
				return fmt.Errorf("marshal entry %s/%s: %w", e.Namespace, e.Key, err)
			}
			if err := wb.Set(versionKey(e.Namespace, e.Key, e.Version), raw); err != nil {
				return &domain.StoreUnavailableError{Namespace: e.Namespace, Op: "replace", Cause: err}
			}
			id := e.Namespace + sep + e.Key
			if cur, ok := latest[id]; !ok || e.Version > cur.Version {
				latest[id] = e
			}
		}
	}
	for _, e := range latest {
		raw, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal entry %s/%s: %w", e.Namespace, e.Key, err)
		}
		if err := wb.Set(latestKey(e.Namespace, e.Key), raw); err != nil {
			return &domain.StoreUnavailableError{Namespace: e.Namespace, Op: "replace", Cause: err}
		}
	}
	if err := wb.Flush(); err != nil {
		return &domain.StoreUnavailableError{Op: "replace", Cause: err}
	}
	return nil
}

// NextSeq atomically increments and returns the named monotonic counter.
// Used for submission sequence numbers and audit event ordering.
func (s *Store) NextSeq(ctx context.Context, name string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var next uint64
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(counterKey(name))
		switch {
		case err == nil:
			if err := item.Value(func(v []byte) error {
				_, perr := fmt.Sscanf(string(v), "%d", &next)
				return perr
			}); err != nil {
				return err
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			next = 0
		default:
			return err
		}
		next++
		return txn.Set(counterKey(name), []byte(fmt.Sprintf("%d", next)))
	})
	if err != nil {
		return 0, &domain.StoreUnavailableError{Op: "next_seq", Cause: err}
	}
	return next, nil
}

// Healthy reports whether the underlying database accepts reads.
func (s *Store) Healthy() bool {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(counterKey("healthz"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
	return err == nil
}

func readEntry(txn *badger.Txn, key []byte) (*Entry, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	var e Entry
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &e) }); err != nil {
		return nil, err
	}
	return &e, nil
}

// KeyPrefixPredicate returns a Query predicate matching entries whose key
// starts with prefix, the common shape of external query filters. An empty
// prefix returns nil (match everything).
func KeyPrefixPredicate(prefix string) func(Entry) bool {
	if prefix == "" {
		return nil
	}
	return func(e Entry) bool {
		return strings.HasPrefix(e.Key, prefix)
	}
}
