package faxrelay

import (
	"os"
	"path/filepath"
	"testing"
)

func TestTrackerPersistsAcrossRestart(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	backend := NewJSONFileStateBackend(statePath)

	tracker := NewStateTracker(backend, nil)
	tracker.MarkProcessed("/faxes/a.jpg", "env-a", StatusSuccess)
	tracker.MarkProcessed("/faxes/b.jpg", "env-b", StatusSuccess)
	tracker.MarkProcessed("/faxes/c.jpg", "env-c", StatusFailed)

	reloaded := NewStateTracker(NewJSONFileStateBackend(statePath), nil)
	if reloaded.Len() != 3 {
		t.Fatalf("expected 3 entries after reload, got %d", reloaded.Len())
	}
	for _, identifier := range []string{"/faxes/a.jpg", "/faxes/b.jpg", "/faxes/c.jpg"} {
		if !reloaded.IsProcessed(identifier) {
			t.Fatalf("expected %s to be processed after reload", identifier)
		}
	}
	if id, ok := reloaded.EnvelopeID("/faxes/b.jpg"); !ok || id != "env-b" {
		t.Fatalf("expected envelope id env-b, got %q ok=%v", id, ok)
	}
}

func TestTrackerCorruptStateFileStartsEmpty(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "state.json")
	if err := os.WriteFile(statePath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt state: %v", err)
	}

	tracker := NewStateTracker(NewJSONFileStateBackend(statePath), nil)
	if tracker.Len() != 0 {
		t.Fatalf("expected empty tracker on corrupt state, got %d entries", tracker.Len())
	}
	// The tracker must remain usable after discarding corrupt state.
	tracker.MarkProcessed("/faxes/a.jpg", "env-a", StatusSuccess)
	if !tracker.IsProcessed("/faxes/a.jpg") {
		t.Fatalf("expected entry after recovery")
	}
}

func TestTrackerSaveFailureIsNonFatal(t *testing.T) {
	dir := t.TempDir()
	// A state path that is a directory makes every save fail.
	tracker := NewStateTracker(NewJSONFileStateBackend(dir), nil)
	tracker.MarkProcessed("/faxes/a.jpg", "env-a", StatusSuccess)
	if !tracker.IsProcessed("/faxes/a.jpg") {
		t.Fatalf("expected in-memory entry despite save failure")
	}
}

func TestTrackerLastWriteWins(t *testing.T) {
	tracker := NewStateTracker(NewInMemoryStateBackend(), nil)
	tracker.MarkProcessed("/faxes/a.jpg", "env-1", StatusFailed)
	tracker.MarkProcessed("/faxes/a.jpg", "env-2", StatusSuccess)

	if tracker.Len() != 1 {
		t.Fatalf("expected a single entry, got %d", tracker.Len())
	}
	if id, _ := tracker.EnvelopeID("/faxes/a.jpg"); id != "env-2" {
		t.Fatalf("expected env-2 after overwrite, got %q", id)
	}
	entry := tracker.Snapshot()["/faxes/a.jpg"]
	if entry.Status != StatusSuccess {
		t.Fatalf("expected success status after overwrite, got %q", entry.Status)
	}
}

func TestTrackerFingerprintSensitivity(t *testing.T) {
	tracker := NewStateTracker(NewInMemoryStateBackend(), nil)
	tracker.MarkProcessedRemote("faxes/a.jpg", "env-a", StatusSuccess, "etag1")

	if !tracker.IsProcessedWithETag("faxes/a.jpg", "etag1") {
		t.Fatalf("expected processed for matching etag")
	}
	if tracker.IsProcessedWithETag("faxes/a.jpg", "etag2") {
		t.Fatalf("expected not processed for changed etag")
	}
	if !tracker.IsProcessedWithETag("faxes/a.jpg", "") {
		t.Fatalf("expected plain processed check when no etag is given")
	}
	if tracker.IsProcessedWithETag("faxes/other.jpg", "etag1") {
		t.Fatalf("expected not processed for unknown identifier")
	}
}

func TestTrackerIdentifierScoping(t *testing.T) {
	tracker := NewStateTracker(NewInMemoryStateBackend(), nil)
	tracker.MarkProcessedRemote("faxes/keyA.jpg", "env-a", StatusSuccess, "e1")

	if tracker.IsProcessed("faxes/keyB.jpg") {
		t.Fatalf("keyB must not inherit keyA's entry")
	}
	entry := tracker.Snapshot()["faxes/keyA.jpg"]
	if entry.RemoteKey != "faxes/keyA.jpg" || entry.ETag != "e1" {
		t.Fatalf("unexpected remote entry: %+v", entry)
	}
}
