package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is the default single-file backend. Embeddings are stored as
// JSON alongside the record; when the sqlite-vec extension loads, a vec0
// virtual table provides a KNN fast path with a brute-force fallback.
type SQLiteStore struct {
	db         *sql.DB
	dimensions int

	// nil-safe: operations degrade to linear scan when unavailable
	vecIdx *vecIndex
}

// OpenSQLite opens (creating if needed) the database at path and ensures the
// schema. The store is bound to the given embedding dimension.
func OpenSQLite(ctx context.Context, path string, dimensions int) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s := &SQLiteStore{db: db, dimensions: dimensions}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}

	s.vecIdx = newVecIndex(db, dimensions)
	if s.vecIdx.enabled() {
		if n, err := s.vecIdx.Backfill(); err == nil && n > 0 {
			fmt.Fprintf(os.Stderr, "backfilled %d vectors into vec index\n", n)
		}
	}

	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS vectors (
		id TEXT PRIMARY KEY,
		embedding TEXT NOT NULL,
		metadata TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS user_links (
		user_id TEXT NOT NULL,
		vector_id TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (user_id, vector_id)
	);

	CREATE INDEX IF NOT EXISTS idx_user_links_vector ON user_links(vector_id);

	CREATE TABLE IF NOT EXISTS audit_log (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		old_vector_id TEXT,
		new_vector_id TEXT,
		reason TEXT,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_audit_log_user ON audit_log(user_id, created_at DESC);
	`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// Dimensions returns the embedding dimension the store is bound to.
func (s *SQLiteStore) Dimensions() int { return s.dimensions }

func (s *SQLiteStore) checkDimensions(records []Record) error {
	for _, r := range records {
		if len(r.Values) != s.dimensions {
			return fmt.Errorf("%w: vector %q has dimension %d, store expects %d",
				ErrInvalidInput, r.ID, len(r.Values), s.dimensions)
		}
	}
	return nil
}

// Insert creates records, skipping ids that already exist. Links for userID
// are ensured for the whole batch regardless of whether the record was new.
func (s *SQLiteStore) Insert(ctx context.Context, records []Record, userID string) ([]string, error) {
	if err := s.checkDimensions(records); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	created, err := s.insertInTx(ctx, tx, records, userID, false)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.indexRecords(records, created)
	return created, nil
}

// Upsert is like Insert but replaces values and metadata wholesale for
// existing ids. Returns every id in the batch.
func (s *SQLiteStore) Upsert(ctx context.Context, records []Record, userID string) ([]string, error) {
	if err := s.checkDimensions(records); err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	processed, err := s.insertInTx(ctx, tx, records, userID, true)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	// Upsert may have changed embeddings, so reindex the full batch.
	s.indexRecords(records, processed)
	return processed, nil
}

// insertInTx writes the batch inside tx. With replace=false it reports only
// newly created ids; with replace=true every id is processed.
func (s *SQLiteStore) insertInTx(ctx context.Context, tx *sql.Tx, records []Record, userID string, replace bool) ([]string, error) {
	var out []string
	for _, r := range records {
		embJSON, err := json.Marshal(r.Values)
		if err != nil {
			return nil, fmt.Errorf("failed to encode embedding: %w", err)
		}
		metaJSON, err := encodeMetadata(r.Metadata)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		var res sql.Result
		if replace {
			res, err = tx.ExecContext(ctx, `
				INSERT INTO vectors (id, embedding, metadata, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					embedding = excluded.embedding,
					metadata = excluded.metadata,
					updated_at = excluded.updated_at
			`, r.ID, string(embJSON), metaJSON, now, now)
		} else {
			res, err = tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO vectors (id, embedding, metadata, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
			`, r.ID, string(embJSON), metaJSON, now, now)
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		if replace {
			out = append(out, r.ID)
		} else if n, _ := res.RowsAffected(); n > 0 {
			out = append(out, r.ID)
		}

		if userID != "" {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO user_links (user_id, vector_id) VALUES (?, ?)`,
				userID, r.ID); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
			}
		}
	}
	return out, nil
}

// indexRecords pushes embeddings into the vec index for the given ids. A
// failed index write disables the fast path entirely: the index could be
// missing a committed vector, and a partial index would silently drop
// matches. Queries use the exact scan until the process restarts and
// Backfill repairs the index.
func (s *SQLiteStore) indexRecords(records []Record, ids []string) {
	if s.vecIdx == nil || !s.vecIdx.enabled() {
		return
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for _, r := range records {
		if !want[r.ID] {
			continue
		}
		if err := s.vecIdx.Insert(r.ID, r.Values); err != nil {
			fmt.Fprintf(os.Stderr, "vec index write failed for %s, using linear scan: %v\n", r.ID, err)
			s.vecIdx.disable()
			return
		}
	}
}

// Query ranks candidates by cosine similarity, scoped to userID's links when
// given. Results are sorted by descending score, ties broken by ascending id.
func (s *SQLiteStore) Query(ctx context.Context, vector []float32, opts QueryOptions) ([]Match, error) {
	if len(vector) != s.dimensions {
		return nil, fmt.Errorf("%w: query vector has dimension %d, store expects %d",
			ErrInvalidInput, len(vector), s.dimensions)
	}
	if isZeroVector(vector) {
		return nil, fmt.Errorf("%w: zero-magnitude query vector", ErrInvalidInput)
	}
	topK := opts.TopK
	if topK == 0 {
		topK = DefaultTopK
	}
	if topK < 0 {
		return nil, fmt.Errorf("%w: topK must be positive, got %d", ErrInvalidInput, topK)
	}

	// Fast path: vec0 KNN with overfetch, then link filtering in Go.
	if s.vecIdx != nil && s.vecIdx.enabled() {
		matches, ok, err := s.queryWithVecIndex(ctx, vector, topK, opts)
		if err == nil && ok {
			return matches, nil
		}
		// Fall through to linear scan on error or insufficient coverage.
	}

	return s.queryLinearScan(ctx, vector, topK, opts)
}

// queryWithVecIndex returns (matches, true) when the KNN overfetch surfaced
// enough candidates to answer exactly; ok=false means the caller should fall
// back to the exact scan.
func (s *SQLiteStore) queryWithVecIndex(ctx context.Context, vector []float32, topK int, opts QueryOptions) ([]Match, bool, error) {
	overfetch := topK * 5
	if overfetch < 20 {
		overfetch = 20
	}

	results, err := s.vecIdx.Search(vector, overfetch)
	if err != nil {
		return nil, false, err
	}

	var linked map[string]bool
	if opts.UserID != "" {
		linked, err = s.linkedIDs(ctx, opts.UserID)
		if err != nil {
			return nil, false, err
		}
	}

	var matches []Match
	for _, r := range results {
		if linked != nil && !linked[r.VectorID] {
			continue
		}
		matches = append(matches, Match{ID: r.VectorID, Score: 1.0 - r.Distance})
	}

	// The overfetch may have missed scoped candidates; only trust the fast
	// path when it clearly covered the request.
	if len(matches) < topK && len(results) == overfetch {
		return nil, false, nil
	}

	sortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	if err := s.hydrateMatches(ctx, matches, opts); err != nil {
		return nil, false, err
	}
	return matches, true, nil
}

// queryLinearScan is the exact brute-force path.
func (s *SQLiteStore) queryLinearScan(ctx context.Context, vector []float32, topK int, opts QueryOptions) ([]Match, error) {
	sqlQuery := `SELECT id, embedding, metadata FROM vectors`
	var args []any
	if opts.UserID != "" {
		sqlQuery += ` WHERE id IN (SELECT vector_id FROM user_links WHERE user_id = ?)`
		args = append(args, opts.UserID)
	}

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var id, embJSON string
		var metaJSON sql.NullString
		if err := rows.Scan(&id, &embJSON, &metaJSON); err != nil {
			continue
		}
		var emb []float32
		if err := json.Unmarshal([]byte(embJSON), &emb); err != nil {
			continue
		}

		score, err := Similarity(vector, emb)
		if err != nil {
			// Undefined similarity (degenerate stored vector): skip.
			continue
		}

		m := Match{ID: id, Score: score}
		if opts.ReturnValues {
			m.Values = emb
		}
		if opts.ReturnMetadata && metaJSON.Valid {
			m.Metadata = decodeMetadata(metaJSON.String)
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	sortMatches(matches)
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// linkedIDs fetches the set of vector ids visible to userID.
func (s *SQLiteStore) linkedIDs(ctx context.Context, userID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT vector_id FROM user_links WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	linked := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		linked[id] = true
	}
	return linked, rows.Err()
}

// hydrateMatches batch-fetches values/metadata for matches when requested.
func (s *SQLiteStore) hydrateMatches(ctx context.Context, matches []Match, opts QueryOptions) error {
	if !opts.ReturnValues && !opts.ReturnMetadata {
		return nil
	}
	if len(matches) == 0 {
		return nil
	}

	placeholders := make([]string, len(matches))
	args := make([]any, len(matches))
	for i, m := range matches {
		placeholders[i] = "?"
		args[i] = m.ID
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, metadata FROM vectors WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	byID := make(map[string]*Match, len(matches))
	for i := range matches {
		byID[matches[i].ID] = &matches[i]
	}
	for rows.Next() {
		var id, embJSON string
		var metaJSON sql.NullString
		if err := rows.Scan(&id, &embJSON, &metaJSON); err != nil {
			continue
		}
		m, ok := byID[id]
		if !ok {
			continue
		}
		if opts.ReturnValues {
			var emb []float32
			if err := json.Unmarshal([]byte(embJSON), &emb); err == nil {
				m.Values = emb
			}
		}
		if opts.ReturnMetadata && metaJSON.Valid {
			m.Metadata = decodeMetadata(metaJSON.String)
		}
	}
	return rows.Err()
}

// GetByIDs fetches records by id with no user scoping.
func (s *SQLiteStore) GetByIDs(ctx context.Context, ids []string) ([]Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, embedding, metadata FROM vectors WHERE id IN (`+strings.Join(placeholders, ",")+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var r Record
		var embJSON string
		var metaJSON sql.NullString
		if err := rows.Scan(&r.ID, &embJSON, &metaJSON); err != nil {
			continue
		}
		if err := json.Unmarshal([]byte(embJSON), &r.Values); err != nil {
			continue
		}
		if metaJSON.Valid {
			r.Metadata = decodeMetadata(metaJSON.String)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// DeleteByIDs hard-deletes records and their links. Destructive and
// audit-free: this is the administrative path, not per-user forgetting.
func (s *SQLiteStore) DeleteByIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	in := strings.Join(placeholders, ",")

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM vectors WHERE id IN (`+in+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	var deleted []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		deleted = append(deleted, id)
	}
	rows.Close()
	if len(deleted) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM user_links WHERE vector_id IN (`+in+`)`, args...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM vectors WHERE id IN (`+in+`)`, args...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if s.vecIdx != nil {
		for _, id := range deleted {
			_ = s.vecIdx.Delete(id)
		}
	}
	sort.Strings(deleted)
	return deleted, nil
}

// DeleteMemory unlinks vectorID from userID and appends one audit entry.
// The record itself stays for other users. Missing links are a no-op.
func (s *SQLiteStore) DeleteMemory(ctx context.Context, userID, vectorID, reason string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	removed, err := unlinkAndAudit(ctx, tx, userID, vectorID, "", reason)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return removed, nil
}

// ReplaceMemory supersedes oldID with rec for userID in one transaction.
func (s *SQLiteStore) ReplaceMemory(ctx context.Context, userID, oldID string, rec Record, reason string) error {
	if userID == "" {
		return fmt.Errorf("%w: userID is required", ErrInvalidInput)
	}
	if err := s.checkDimensions([]Record{rec}); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer tx.Rollback()

	if _, err := unlinkAndAudit(ctx, tx, userID, oldID, rec.ID, reason); err != nil {
		return err
	}
	if _, err := s.insertInTx(ctx, tx, []Record{rec}, userID, false); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.indexRecords([]Record{rec}, []string{rec.ID})
	return nil
}

// unlinkAndAudit removes one link and, if a link actually existed, appends
// the audit entry recording the removal.
func unlinkAndAudit(ctx context.Context, tx *sql.Tx, userID, oldID, newID, reason string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`DELETE FROM user_links WHERE user_id = ? AND vector_id = ?`, userID, oldID)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO audit_log (id, user_id, old_vector_id, new_vector_id, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, uuid.NewString(), userID, oldID, nullable(newID), nullable(reason), time.Now()); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return true, nil
}

// AuditLog returns recent supersession entries, newest first.
func (s *SQLiteStore) AuditLog(ctx context.Context, userID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	sqlQuery := `SELECT id, user_id, old_vector_id, new_vector_id, reason, created_at FROM audit_log`
	var args []any
	if userID != "" {
		sqlQuery += ` WHERE user_id = ?`
		args = append(args, userID)
	}
	sqlQuery += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var entries []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var oldID, newID, reason sql.NullString
		if err := rows.Scan(&e.ID, &e.UserID, &oldID, &newID, &reason, &e.CreatedAt); err != nil {
			continue
		}
		e.OldVectorID = oldID.String
		e.NewVectorID = newID.String
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Count returns the total number of records.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM vectors`).Scan(&count)
	return count, err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// sortMatches orders by descending score, ties broken by ascending id so
// results are deterministic.
func sortMatches(matches []Match) {
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ID < matches[j].ID
	})
}

func encodeMetadata(m map[string]any) (any, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(b), nil
}

func decodeMetadata(s string) map[string]any {
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

var _ Store = (*SQLiteStore)(nil)
