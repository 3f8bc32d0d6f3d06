// Package store is the typed Postgres access layer. Every query filters by
// workspace_id and every write sets it; callers never see raw SQL. The
// claim transitions (queued -> processing) and the scheduler upsert index
// implemented here are what make overlapping worker invocations safe.
package store

import (
	"database/sql"
	"encoding/json"
)

// Store wraps a shared *sql.DB pool.
type Store struct {
	db *sql.DB
}

// New creates a Store over an open connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for advisory locks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// marshalMeta encodes a meta bag for a jsonb column; nil becomes '{}'.
func marshalMeta(m map[string]any) []byte {
	if m == nil {
		return []byte("{}")
	}
	data, err := json.Marshal(m)
	if err != nil {
		return []byte("{}")
	}
	return data
}

// unmarshalMeta decodes a jsonb column into a meta bag; bad or empty input
// yields an empty map rather than an error, matching the permissive reads
// everywhere else in the pipeline.
func unmarshalMeta(raw []byte) map[string]any {
	m := make(map[string]any)
	if len(raw) > 0 {
		json.Unmarshal(raw, &m)
	}
	return m
}
