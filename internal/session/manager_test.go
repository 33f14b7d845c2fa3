package session

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubProvider struct{}

func (stubProvider) Name() string { return "stub" }

func (stubProvider) EstimateAge(ctx context.Context, image []byte) (int, error) {
	return 34, nil
}

func (stubProvider) Synthesize(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	return []byte("synth"), nil
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store := NewMemoryBackend()
	m := NewManager(stubProvider{}, store)
	t.Cleanup(func() { _ = store.Close() })
	return m
}

func TestManagerCreateAndGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if id == "" {
		t.Fatal("empty session ID")
	}

	if _, err := m.Get(id); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := m.Get("unknown"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get unknown: got %v, want ErrSessionNotFound", err)
	}

	rec, err := m.store.LoadRecord(ctx, id)
	if err != nil {
		t.Fatalf("record not persisted: %v", err)
	}
	if rec.ID != id {
		t.Errorf("record ID = %s, want %s", rec.ID, id)
	}
}

func TestManagerDelete(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := m.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := m.Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after delete: got %v, want ErrSessionNotFound", err)
	}
	if err := m.Delete(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Delete: got %v, want ErrSessionNotFound", err)
	}
}

func TestManagerStoreArtifact(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	handle, err := m.StoreArtifact(ctx, id, "video/x-msvideo", []byte("avi-1"))
	if err != nil {
		t.Fatalf("StoreArtifact failed: %v", err)
	}

	art, err := m.LoadArtifact(ctx, handle)
	if err != nil {
		t.Fatalf("LoadArtifact failed: %v", err)
	}
	if string(art.Data) != "avi-1" {
		t.Errorf("Data = %q, want avi-1", art.Data)
	}

	// A second compilation supersedes the first handle.
	handle2, err := m.StoreArtifact(ctx, id, "video/x-msvideo", []byte("avi-2"))
	if err != nil {
		t.Fatalf("StoreArtifact failed: %v", err)
	}
	if handle2 == handle {
		t.Error("new compilation must mint a new handle")
	}
	if _, err := m.LoadArtifact(ctx, handle); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("superseded handle should stop resolving, got %v", err)
	}
}

func TestManagerResetInvalidatesArtifact(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	id, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	handle, err := m.StoreArtifact(ctx, id, "video/x-msvideo", []byte("avi"))
	if err != nil {
		t.Fatalf("StoreArtifact failed: %v", err)
	}

	ctrl, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	ctrl.Reset()

	if _, err := m.LoadArtifact(ctx, handle); !errors.Is(err, ErrArtifactNotFound) {
		t.Errorf("artifact should be invalidated by reset, got %v", err)
	}
}

func TestManagerSweepExpiresIdleSessions(t *testing.T) {
	store := NewMemoryBackend()
	m := NewManager(stubProvider{}, store, WithIdleTTL(time.Millisecond))
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	id, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	m.sweep()

	if _, err := m.Get(id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("idle session should be expired, got %v", err)
	}
}

func TestManagerSweepSkipsBusySessions(t *testing.T) {
	store := NewMemoryBackend()
	m := NewManager(stubProvider{}, store, WithIdleTTL(time.Millisecond))
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	id, err := m.Create(ctx)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	ctrl, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}

	release := ctrl.MarkBusy()
	defer release()

	time.Sleep(10 * time.Millisecond)
	m.sweep()

	if _, err := m.Get(id); err != nil {
		t.Errorf("busy session must survive the sweep, got %v", err)
	}
}
