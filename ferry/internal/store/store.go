// Package store is the persistence layer for books, destinations and the
// assignments between them.
//
// The queue cycle is the only writer of attempt/status columns. Admin tooling
// and ingestion run single statements next to it; WAL mode plus busy_timeout
// keeps them from blocking each other.
package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when an update targets a row that does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrBudgetExhausted is returned by IncrementAttempts when the book already
// used every attempt.
var ErrBudgetExhausted = errors.New("store: attempt budget exhausted")

// Store wraps the application database.
type Store struct {
	DB    *sql.DB
	now   func() time.Time
	newID func(prefix string) string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Tests use it to pin "today".
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates a Store from an already-opened database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		DB:  db,
		now: time.Now,
		newID: func(prefix string) string {
			return prefix + uuid.Must(uuid.NewV7()).String()
		},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now returns the store's current time.
func (s *Store) Now() time.Time { return s.now() }

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
