// Package session ties aging controllers to durable records: each live
// session owns one controller, and every state change is mirrored into
// the configured storage backend. The manager also owns artifact
// handles and the janitor that sweeps idle sessions.
package session

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/agelapse-dev/agelapse/internal/aging"
	"github.com/agelapse-dev/agelapse/internal/provider"
	"github.com/agelapse-dev/agelapse/pkg/observability"
)

// DefaultIdleTTL is how long an untouched session survives before the
// janitor reclaims it.
const DefaultIdleTTL = 30 * time.Minute

// entry is a live session: the controller plus the artifact handle of
// its most recently compiled video, if any.
type entry struct {
	ctrl           *aging.Controller
	artifactHandle string
}

// Manager creates, tracks and expires aging sessions.
type Manager struct {
	provider provider.Provider
	store    Store

	mu      sync.Mutex
	entries map[string]*entry

	idleTTL time.Duration
	ctrlOpt []aging.Option
	janitor *cron.Cron
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithIdleTTL overrides how long idle sessions are kept.
func WithIdleTTL(ttl time.Duration) ManagerOption {
	return func(m *Manager) {
		if ttl > 0 {
			m.idleTTL = ttl
		}
	}
}

// WithControllerOptions passes extra options to every controller the
// manager creates (used by tests to shorten the debounce interval).
func WithControllerOptions(opts ...aging.Option) ManagerOption {
	return func(m *Manager) { m.ctrlOpt = opts }
}

// NewManager creates a manager backed by the given provider and store.
func NewManager(p provider.Provider, store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider: p,
		store:    store,
		entries:  make(map[string]*entry),
		idleTTL:  DefaultIdleTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the background janitor. Call Stop to shut it down.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.janitor != nil {
		return nil
	}
	m.janitor = cron.New()
	if _, err := m.janitor.AddFunc("@every 1m", m.sweep); err != nil {
		m.janitor = nil
		return fmt.Errorf("schedule session janitor: %w", err)
	}
	m.janitor.Start()
	return nil
}

// Stop halts the janitor and closes the store.
func (m *Manager) Stop() error {
	m.mu.Lock()
	janitor := m.janitor
	m.janitor = nil
	m.mu.Unlock()

	if janitor != nil {
		<-janitor.Stop().Done()
	}
	return m.store.Close()
}

// Create allocates a new session and returns its ID.
func (m *Manager) Create(ctx context.Context) (string, error) {
	id := uuid.New().String()

	e := &entry{}
	ctrl := aging.NewController(m.provider, append([]aging.Option{
		aging.WithNotify(func(snap aging.Snapshot) { m.persist(id, snap) }),
		aging.WithResetHook(func() { m.invalidateArtifact(id) }),
	}, m.ctrlOpt...)...)
	e.ctrl = ctrl

	m.mu.Lock()
	m.entries[id] = e
	count := len(m.entries)
	m.mu.Unlock()
	observability.SetActiveSessions(count)

	now := time.Now()
	rec := &Record{ID: id, State: ctrl.Snapshot(), CreatedAt: now, UpdatedAt: now}
	if err := m.store.SaveRecord(ctx, rec); err != nil {
		m.mu.Lock()
		delete(m.entries, id)
		count = len(m.entries)
		m.mu.Unlock()
		observability.SetActiveSessions(count)
		return "", fmt.Errorf("create session: %w", err)
	}

	return id, nil
}

// Get returns the controller for a live session.
func (m *Manager) Get(id string) (*aging.Controller, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return e.ctrl, nil
}

// Delete tears down a session, its record and its artifact.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	var handle string
	if ok {
		handle = e.artifactHandle
		delete(m.entries, id)
	}
	count := len(m.entries)
	m.mu.Unlock()
	observability.SetActiveSessions(count)

	if !ok {
		return ErrSessionNotFound
	}

	e.ctrl.Reset()
	if handle != "" {
		if err := m.store.DeleteArtifact(ctx, handle); err != nil {
			log.Printf("session %s: delete artifact %s: %v", id, handle, err)
		}
	}
	if err := m.store.DeleteRecord(ctx, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// StoreArtifact saves a compiled video for the session and returns its
// handle. A session holds at most one artifact; compiling again
// replaces the previous one.
func (m *Manager) StoreArtifact(ctx context.Context, sessionID, contentType string, data []byte) (string, error) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	m.mu.Unlock()
	if !ok {
		return "", ErrSessionNotFound
	}

	handle := uuid.New().String()
	art := &Artifact{
		Handle:      handle,
		SessionID:   sessionID,
		ContentType: contentType,
		Data:        data,
		CreatedAt:   time.Now(),
	}
	if err := m.store.SaveArtifact(ctx, art); err != nil {
		return "", fmt.Errorf("store artifact: %w", err)
	}

	m.mu.Lock()
	prev := e.artifactHandle
	e.artifactHandle = handle
	m.mu.Unlock()

	if prev != "" {
		if err := m.store.DeleteArtifact(ctx, prev); err != nil {
			log.Printf("session %s: delete superseded artifact %s: %v", sessionID, prev, err)
		}
	}

	return handle, nil
}

// LoadArtifact dereferences an artifact handle.
func (m *Manager) LoadArtifact(ctx context.Context, handle string) (*Artifact, error) {
	return m.store.LoadArtifact(ctx, handle)
}

// persist mirrors a controller snapshot into the store. Persistence is
// best-effort; a store hiccup must not stall the interactive loop.
func (m *Manager) persist(id string, snap aging.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rec, err := m.store.LoadRecord(ctx, id)
	if err != nil {
		rec = &Record{ID: id, CreatedAt: time.Now()}
	}
	rec.State = snap
	rec.UpdatedAt = time.Now()
	if err := m.store.SaveRecord(ctx, rec); err != nil {
		log.Printf("session %s: persist state: %v", id, err)
	}
}

// invalidateArtifact drops the session's artifact handle on reset.
func (m *Manager) invalidateArtifact(id string) {
	m.mu.Lock()
	e, ok := m.entries[id]
	var handle string
	if ok {
		handle = e.artifactHandle
		e.artifactHandle = ""
	}
	m.mu.Unlock()

	if handle == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.DeleteArtifact(ctx, handle); err != nil {
		log.Printf("session %s: invalidate artifact %s: %v", id, handle, err)
	}
}

// sweep reclaims sessions idle for longer than the TTL. Busy sessions
// are skipped so a long batch generation is never torn down mid-run.
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.idleTTL)

	m.mu.Lock()
	var stale []string
	for id, e := range m.entries {
		snap := e.ctrl.Snapshot()
		if snap.Busy {
			continue
		}
		if snap.UpdatedAt.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.Delete(ctx, id); err != nil {
			log.Printf("janitor: expire session %s: %v", id, err)
		} else {
			log.Printf("janitor: expired idle session %s", id)
		}
		cancel()
	}
}
