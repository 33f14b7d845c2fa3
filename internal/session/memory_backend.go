package session

import (
	"context"
	"sort"
	"sync"
)

// MemoryBackend implements Store with in-process maps. It is the
// default backend; nothing outlives the process, matching the
// session-scoped persistence model.
type MemoryBackend struct {
	mu        sync.RWMutex
	records   map[string]*Record
	artifacts map[string]*Artifact
	closed    bool
}

// NewMemoryBackend creates an empty in-memory store.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		records:   make(map[string]*Record),
		artifacts: make(map[string]*Artifact),
	}
}

// SaveRecord creates or updates a session record.
func (b *MemoryBackend) SaveRecord(ctx context.Context, rec *Record) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	cp := *rec
	b.records[rec.ID] = &cp
	return nil
}

// LoadRecord retrieves a session record by ID.
func (b *MemoryBackend) LoadRecord(ctx context.Context, sessionID string) (*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}
	rec, ok := b.records[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *rec
	return &cp, nil
}

// DeleteRecord removes a session record.
func (b *MemoryBackend) DeleteRecord(ctx context.Context, sessionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	delete(b.records, sessionID)
	return nil
}

// ListRecords returns all session records, newest first.
func (b *MemoryBackend) ListRecords(ctx context.Context) ([]*Record, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}
	records := make([]*Record, 0, len(b.records))
	for _, rec := range b.records {
		cp := *rec
		records = append(records, &cp)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	return records, nil
}

// SaveArtifact stores a video artifact under its handle.
func (b *MemoryBackend) SaveArtifact(ctx context.Context, art *Artifact) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	cp := *art
	b.artifacts[art.Handle] = &cp
	return nil
}

// LoadArtifact retrieves an artifact by handle.
func (b *MemoryBackend) LoadArtifact(ctx context.Context, handle string) (*Artifact, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, ErrStorageClosed
	}
	art, ok := b.artifacts[handle]
	if !ok {
		return nil, ErrArtifactNotFound
	}
	cp := *art
	return &cp, nil
}

// DeleteArtifact invalidates an artifact handle.
func (b *MemoryBackend) DeleteArtifact(ctx context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrStorageClosed
	}
	delete(b.artifacts, handle)
	return nil
}

// Ping verifies the backend is usable.
func (b *MemoryBackend) Ping(ctx context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// Close releases the backend.
func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.records = nil
	b.artifacts = nil
	return nil
}
