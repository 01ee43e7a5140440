package faxrelay

import (
	"io"
	"log/slog"
	"sync"
	"time"
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// TrackedEntry records the outcome of one delivery attempt. Entries are
// written only after the post attempt resolves; there is no pending state.
type TrackedEntry struct {
	EnvelopeID string `json:"envelope_id"`
	Timestamp  string `json:"timestamp"`
	Status     Status `json:"status"`
	RemoteKey  string `json:"remote_key,omitempty"`
	ETag       string `json:"etag,omitempty"`
}

// StateTracker is an identifier-keyed map of delivery outcomes, persisted
// wholesale through a StateBackend after every mutation. Identifiers are
// absolute paths for filesystem sources and remote object keys for bucket
// sources. Marking the same identifier again overwrites the prior entry.
type StateTracker struct {
	backend StateBackend
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]TrackedEntry
}

func NewStateTracker(backend StateBackend, logger *slog.Logger) *StateTracker {
	if backend == nil {
		backend = NewInMemoryStateBackend()
	}
	if logger == nil {
		logger = nopLogger()
	}
	t := &StateTracker{
		backend: backend,
		logger:  logger.With("component", "tracker"),
		entries: map[string]TrackedEntry{},
	}
	snapshot, err := backend.Load()
	if err != nil {
		// A corrupt or unreadable store must not keep the pipeline from
		// starting; the cost is reprocessing, not loss.
		t.logger.Warn("failed to load tracker state, starting empty", "error", err)
		snapshot = nil
	}
	for identifier, entry := range snapshot {
		t.entries[identifier] = entry
	}
	if len(t.entries) > 0 {
		t.logger.Info("loaded tracker state", "entries", len(t.entries))
	}
	return t
}

func (t *StateTracker) IsProcessed(identifier string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[identifier]
	return ok
}

// IsProcessedWithETag reports whether identifier was processed under the
// given content fingerprint. An empty etag degrades to a plain processed
// check; a mismatched etag means the remote object was replaced since last
// processed and the identifier counts as not yet processed.
func (t *StateTracker) IsProcessedWithETag(identifier, etag string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[identifier]
	if !ok {
		return false
	}
	if etag == "" {
		return true
	}
	return entry.ETag == etag
}

func (t *StateTracker) MarkProcessed(identifier, envelopeID string, status Status) {
	t.mark(identifier, TrackedEntry{
		EnvelopeID: envelopeID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Status:     status,
	})
}

// MarkProcessedRemote records an object-storage outcome. The identifier is
// the remote key; it is duplicated into the entry's remote_key field
// alongside the object's fingerprint at time of processing.
func (t *StateTracker) MarkProcessedRemote(identifier, envelopeID string, status Status, etag string) {
	t.mark(identifier, TrackedEntry{
		EnvelopeID: envelopeID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Status:     status,
		RemoteKey:  identifier,
		ETag:       etag,
	})
}

func (t *StateTracker) mark(identifier string, entry TrackedEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[identifier] = entry
	snapshot := make(TrackerSnapshot, len(t.entries))
	for id, e := range t.entries {
		snapshot[id] = e
	}
	if err := t.backend.Save(snapshot); err != nil {
		// In-memory state stays authoritative; a transient persist failure
		// must never crash the pipeline mid-run.
		t.logger.Error("failed to persist tracker state", "error", err, "identifier", identifier)
	}
	t.logger.Debug("marked processed", "identifier", identifier, "status", entry.Status)
}

func (t *StateTracker) EnvelopeID(identifier string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[identifier]
	if !ok {
		return "", false
	}
	return entry.EnvelopeID, true
}

func (t *StateTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Snapshot returns a copy of the tracked entries for status reporting.
func (t *StateTracker) Snapshot() map[string]TrackedEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	snapshot := make(map[string]TrackedEntry, len(t.entries))
	for id, entry := range t.entries {
		snapshot[id] = entry
	}
	return snapshot
}

func (t *StateTracker) Close() error {
	if closer, ok := t.backend.(stateBackendCloser); ok {
		return closer.Close()
	}
	return nil
}

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
