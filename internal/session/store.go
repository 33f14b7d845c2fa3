package session

import (
	"context"
	"errors"
	"time"

	"github.com/agelapse-dev/agelapse/internal/aging"
)

// Common errors for storage operations.
var (
	// ErrSessionNotFound is returned when a session doesn't exist.
	ErrSessionNotFound = errors.New("session not found")
	// ErrArtifactNotFound is returned when an artifact handle doesn't
	// resolve, e.g. after it was invalidated by a reset.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrStorageClosed is returned when operating on a closed storage backend.
	ErrStorageClosed = errors.New("storage backend is closed")
)

// Record is the serializable view of a session, mirrored into the
// store after every state change. Images never leave the process; only
// metadata is stored.
type Record struct {
	ID        string         `json:"id"`
	State     aging.Snapshot `json:"state"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Artifact is a compiled video held under a dereferenceable handle for
// the session's lifetime.
type Artifact struct {
	Handle      string    `json:"handle"`
	SessionID   string    `json:"session_id"`
	ContentType string    `json:"content_type"`
	Data        []byte    `json:"data"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store abstracts session and artifact persistence.
// Implementations must be safe for concurrent use.
type Store interface {
	// SaveRecord creates or updates a session record.
	SaveRecord(ctx context.Context, rec *Record) error

	// LoadRecord retrieves a session record by ID.
	// Returns ErrSessionNotFound if the session doesn't exist.
	LoadRecord(ctx context.Context, sessionID string) (*Record, error)

	// DeleteRecord removes a session record.
	DeleteRecord(ctx context.Context, sessionID string) error

	// ListRecords returns all session records.
	ListRecords(ctx context.Context) ([]*Record, error)

	// SaveArtifact stores a video artifact under its handle.
	SaveArtifact(ctx context.Context, art *Artifact) error

	// LoadArtifact retrieves an artifact by handle.
	// Returns ErrArtifactNotFound if the handle doesn't resolve.
	LoadArtifact(ctx context.Context, handle string) (*Artifact, error)

	// DeleteArtifact invalidates an artifact handle.
	DeleteArtifact(ctx context.Context, handle string) error

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error

	// Close releases any resources held by the backend.
	Close() error
}
