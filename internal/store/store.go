// Package store provides the multi-tenant vector storage for Xylem.
//
// A store holds embedding vectors with open-ended JSON metadata. Records are
// shared rows: visibility for a given user is established by a separate
// (user, vector) link, so the same record can back memories for many users.
// Removing a user's link never touches the record itself and is always
// recorded in an append-only audit log.
package store

import (
	"context"
	"fmt"
	"time"
)

// Record is a stored embedding plus metadata, identified by a unique id.
type Record struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Match is a single query result, ordered by descending score.
// Values and Metadata are populated only when requested.
type Match struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Values   []float32      `json:"values,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// AuditEntry records the removal of a user's visibility link, either by an
// explicit delete or by the formation pipeline superseding a memory. Entries
// are append-only and never consulted on the query path.
type AuditEntry struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	OldVectorID string    `json:"old_vector_id,omitempty"`
	NewVectorID string    `json:"new_vector_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// QueryOptions configures a similarity query.
type QueryOptions struct {
	// UserID restricts candidates to records linked to this user.
	// Empty means all records are candidates.
	UserID string
	// TopK is the maximum number of matches to return (default 5).
	TopK int
	// ReturnValues includes the stored embedding in each match.
	ReturnValues bool
	// ReturnMetadata includes the stored metadata in each match.
	ReturnMetadata bool
}

// DefaultTopK is used when QueryOptions.TopK is left zero.
const DefaultTopK = 5

// Store is the contract for the vector store. All write operations execute as
// single transactions; the query path is read-only and safe to run
// concurrently with writes. Implementations are safe for concurrent use.
type Store interface {
	// Insert creates the given records, leaving pre-existing ids untouched
	// (first write wins). When userID is non-empty, a visibility link is
	// ensured for every record in the batch, new or not. Returns the ids
	// that were newly created.
	Insert(ctx context.Context, records []Record, userID string) ([]string, error)

	// Upsert is like Insert but replaces an existing record's values and
	// metadata wholesale (last write wins). Returns every id in the batch.
	Upsert(ctx context.Context, records []Record, userID string) ([]string, error)

	// Query ranks candidates by cosine similarity to vector and returns the
	// top matches, sorted by descending score with ties broken by ascending
	// id.
	Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Match, error)

	// GetByIDs fetches records by id with no user scoping. Missing ids are
	// silently omitted.
	GetByIDs(ctx context.Context, ids []string) ([]Record, error)

	// DeleteByIDs hard-deletes records and cascades link removal. This is an
	// administrative operation and writes no audit entries. Returns the ids
	// actually deleted.
	DeleteByIDs(ctx context.Context, ids []string) ([]string, error)

	// DeleteMemory removes the (userID, vectorID) link, leaving the record
	// intact for other users, and appends one audit entry. Deleting a link
	// that does not exist is a no-op returning false.
	DeleteMemory(ctx context.Context, userID, vectorID, reason string) (bool, error)

	// ReplaceMemory supersedes oldID with rec for userID in one transaction:
	// the old link is removed with an audit entry naming both ids, and rec is
	// inserted and linked. The old record is never hard-deleted.
	ReplaceMemory(ctx context.Context, userID, oldID string, rec Record, reason string) error

	// AuditLog returns recent audit entries, newest first, optionally
	// filtered by user.
	AuditLog(ctx context.Context, userID string, limit int) ([]AuditEntry, error)

	// Count returns the total number of records.
	Count(ctx context.Context) (int, error)

	// Dimensions returns the embedding dimension the store is bound to.
	Dimensions() int

	Close() error
}

// Config holds the settings needed to open a store.
type Config struct {
	// DBType selects the backend: "sqlite" (default) or "postgres".
	DBType string
	// DSN is the SQLite file path or Postgres connection URL.
	DSN string
	// Dimensions is the embedding dimension every record must match.
	Dimensions int
}

// Open connects to the configured backend and ensures its schema.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("%w: dimensions must be positive, got %d", ErrInvalidInput, cfg.Dimensions)
	}
	switch cfg.DBType {
	case "", "sqlite":
		return OpenSQLite(ctx, cfg.DSN, cfg.Dimensions)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN, cfg.Dimensions)
	default:
		return nil, fmt.Errorf("%w: unknown db type %q", ErrInvalidInput, cfg.DBType)
	}
}
