package domain

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrDuplicateKey is returned when a write collides with an existing storage id.
	ErrDuplicateKey = errors.New("session storage id already exists")
	// ErrSessionMissing is returned by Rekey when the source row does not exist.
	ErrSessionMissing = errors.New("session row missing")
	// ErrNoTimestamps is returned by age based operations on tables without updated_at.
	ErrNoTimestamps = errors.New("sessions table has no updated_at column")
)

// StoredSession is a raw row from the sessions table.
type StoredSession struct {
	StorageID string
	Data      string
}

// Schema describes the resolved layout of the sessions table.
type Schema struct {
	Table      string
	KeyColumn  string
	DataColumn string
	// DataLimit is the maximum number of characters the data column holds; 0 means unlimited.
	DataLimit int
	// Timestamps reports whether created_at/updated_at are maintained.
	Timestamps bool
}

// Default column names.
const (
	DefaultTable        = "sessions"
	KeyColumn           = "session_id"
	LegacyKeyColumn     = "sessid"
	DefaultDataColumn   = "data"
	DefaultScanPageSize = 500
)

// SessionRepository defines the data-access contract for session rows.
// Implementations live in internal/core/repository (Core layer).
// The Logic layer depends on this interface only, never on SQL or a driver directly.
type SessionRepository interface {
	// FindByStorageID returns the row stored under id.
	// Returns (nil, nil) when no row matches.
	FindByStorageID(ctx context.Context, id string) (*StoredSession, error)

	// Insert stores a new row. Returns ErrDuplicateKey when id is taken.
	Insert(ctx context.Context, id, data string) error

	// Update replaces the data of an existing row and reports whether a row matched.
	Update(ctx context.Context, id, data string) (bool, error)

	// Rekey moves the row stored under from to the key to.
	// Returns ErrDuplicateKey when to is taken and ErrSessionMissing when from is absent.
	Rekey(ctx context.Context, from, to string) error

	// Delete removes the row stored under id. Deleting a missing row is not an error.
	Delete(ctx context.Context, id string) error

	// DeleteUpdatedBefore removes rows last written before cutoff and returns how many went.
	DeleteUpdatedBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// EachStorageID calls fn for every stored id, reading pageSize ids at a time.
	// fn runs while no cursor is open, so it may modify the store.
	EachStorageID(ctx context.Context, pageSize int, fn func(id string) error) error

	// Schema returns the table layout resolved when the repository was built.
	Schema() Schema
}
