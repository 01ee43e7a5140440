package faxrelay

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestBuildStateBackendFromDSNMemory(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("memory://")
	if err != nil {
		t.Fatalf("build memory backend failed: %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil memory backend")
	}
	if err := backend.Save(TrackerSnapshot{"a": {EnvelopeID: "env-a", Status: StatusSuccess}}); err != nil {
		t.Fatalf("memory backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("memory backend load failed: %v", err)
	}
	if snapshot["a"].EnvelopeID != "env-a" {
		t.Fatalf("expected env-a, got %+v", snapshot)
	}
}

func TestBuildStateBackendFromDSNFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := BuildStateBackendFromDSN("file://" + path)
	if err != nil {
		t.Fatalf("build file backend failed: %v", err)
	}
	if err := backend.Save(TrackerSnapshot{"b": {EnvelopeID: "env-b", Status: StatusFailed}}); err != nil {
		t.Fatalf("file backend save failed: %v", err)
	}
	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("file backend load failed: %v", err)
	}
	if snapshot["b"].Status != StatusFailed {
		t.Fatalf("expected failed status, got %+v", snapshot)
	}
}

func TestBuildStateBackendFromDSNBarePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	backend, err := BuildStateBackendFromDSN(path)
	if err != nil {
		t.Fatalf("build bare-path backend failed: %v", err)
	}
	if _, ok := backend.(*JSONFileStateBackend); !ok {
		t.Fatalf("expected JSON file backend for bare path, got %T", backend)
	}
}

func TestBuildStateBackendFromDSNPostgres(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("postgres://localhost/faxrelay?sslmode=disable")
	if err != nil {
		t.Fatalf("expected postgres backend to be available, got %v", err)
	}
	if backend == nil {
		t.Fatalf("expected non-nil postgres backend")
	}
}

func TestBuildStateBackendFromDSNUnsupported(t *testing.T) {
	if _, err := BuildStateBackendFromDSN("mysql://localhost/faxrelay"); err == nil {
		t.Fatalf("expected not implemented error for mysql backend")
	} else if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented error for mysql backend, got %v", err)
	}
	if _, err := BuildStateBackendFromDSN("redis://localhost"); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestBuildStateBackendFromDSNEmpty(t *testing.T) {
	backend, err := BuildStateBackendFromDSN("  ")
	if err != nil {
		t.Fatalf("empty dsn should not error: %v", err)
	}
	if backend != nil {
		t.Fatalf("expected nil backend for empty dsn")
	}
}
