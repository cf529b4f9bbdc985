// Package store persists session snapshots and decision records behind a
// single interface with SQLite and Postgres backends. The snapshot is the
// authoritative copy of a session's graph; decision records are a queryable
// projection of the manifest for the read API.
package store

import (
	"context"
	"time"

	"github.com/sells-group/loom-cli/internal/loom"
	"github.com/sells-group/loom-cli/internal/manifest"
)

// SessionMeta is the listing view of a stored session.
type SessionMeta struct {
	ID        string    `json:"id"`
	Brief     string    `json:"brief,omitempty"`
	Selector  string    `json:"selector,omitempty"`
	Stopped   bool      `json:"stopped"`
	Steps     int       `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionFilter specifies criteria for listing sessions.
type SessionFilter struct {
	Selector string `json:"selector,omitempty"`
	Stopped  *bool  `json:"stopped,omitempty"`
	Limit    int    `json:"limit,omitempty"`
	Offset   int    `json:"offset,omitempty"`
}

// Store defines the persistence interface for sessions.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, l *loom.Loom, selector string) error
	SaveSnapshot(ctx context.Context, l *loom.Loom) error
	GetSnapshot(ctx context.Context, sessionID string) (*loom.Loom, error)
	ListSessions(ctx context.Context, filter SessionFilter) ([]SessionMeta, error)

	// Decision records (manifest projection)
	SaveDecisions(ctx context.Context, records []manifest.Record) error
	ListDecisions(ctx context.Context, sessionID string) ([]manifest.Record, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

// sessionSteps counts resolved steps on the current path.
func sessionSteps(l *loom.Loom) int {
	if n := len(l.CurrentPath); n > 0 {
		return n - 1
	}
	return 0
}
