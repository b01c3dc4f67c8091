package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
)

func init() {
	sqlite_vec.Auto()
}

// vecIndex manages the sqlite-vec KNN index. If the extension fails to load,
// or an index write fails after load, all operations are no-ops and the store
// falls back to the brute-force scan. availability is atomic because writers
// may disable the index while queries are checking it.
type vecIndex struct {
	db         *sql.DB
	dimensions int
	available  atomic.Bool
}

type vecHit struct {
	VectorID string
	Distance float64
}

func newVecIndex(db *sql.DB, dimensions int) *vecIndex {
	vi := &vecIndex{db: db, dimensions: dimensions}
	if err := vi.ensureSchema(); err != nil {
		fmt.Fprintf(os.Stderr, "sqlite-vec not available, using linear scan: %v\n", err)
	} else {
		vi.available.Store(true)
	}
	return vi
}

// enabled reports whether the KNN fast path may be used.
func (vi *vecIndex) enabled() bool {
	return vi.available.Load()
}

// disable takes the index out of service; queries use the exact scan from
// then on. Called when an index write fails and the index may be missing
// vectors that the tables hold.
func (vi *vecIndex) disable() {
	vi.available.Store(false)
}

func (vi *vecIndex) ensureSchema() error {
	var vecVersion string
	if err := vi.db.QueryRow("SELECT vec_version()").Scan(&vecVersion); err != nil {
		return fmt.Errorf("vec_version() failed: %w", err)
	}

	// vec0 requires integer rowids; vectors use text ids, so keep a mapping.
	if _, err := vi.db.Exec(`CREATE TABLE IF NOT EXISTS vec_ids (
		vec_id INTEGER PRIMARY KEY AUTOINCREMENT,
		vector_id TEXT UNIQUE NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create vec ID mapping: %w", err)
	}

	createSQL := fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS vec_embeddings USING vec0(embedding float[%d] distance_metric=cosine)`,
		vi.dimensions,
	)
	if _, err := vi.db.Exec(createSQL); err != nil {
		return fmt.Errorf("failed to create vec0 table: %w", err)
	}

	return nil
}

// Insert adds or replaces a vector's embedding in the vec0 index.
// Zero-magnitude embeddings are skipped: cosine distance is undefined for
// them and they never rank, on any backend.
func (vi *vecIndex) Insert(vectorID string, embedding []float32) error {
	if !vi.enabled() || len(embedding) != vi.dimensions || isZeroVector(embedding) {
		return nil
	}

	var vecID int64
	err := vi.db.QueryRow(`SELECT vec_id FROM vec_ids WHERE vector_id = ?`, vectorID).Scan(&vecID)
	if err == sql.ErrNoRows {
		result, err := vi.db.Exec(`INSERT INTO vec_ids (vector_id) VALUES (?)`, vectorID)
		if err != nil {
			return fmt.Errorf("failed to create vec ID mapping: %w", err)
		}
		vecID, _ = result.LastInsertId()
	} else if err != nil {
		return err
	}

	blob, err := sqlite_vec.SerializeFloat32(embedding)
	if err != nil {
		return fmt.Errorf("failed to serialize embedding: %w", err)
	}

	// vec0 doesn't support ON CONFLICT, so delete first if exists
	vi.db.Exec(`DELETE FROM vec_embeddings WHERE rowid = ?`, vecID)

	if _, err := vi.db.Exec(`INSERT INTO vec_embeddings (rowid, embedding) VALUES (?, ?)`, vecID, blob); err != nil {
		return fmt.Errorf("failed to insert into vec0: %w", err)
	}
	return nil
}

// Search performs a KNN query and returns vector ids with cosine distances.
func (vi *vecIndex) Search(query []float32, limit int) ([]vecHit, error) {
	if !vi.enabled() {
		return nil, fmt.Errorf("vec index not available")
	}

	blob, err := sqlite_vec.SerializeFloat32(query)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize query: %w", err)
	}

	rows, err := vi.db.Query(`
		SELECT rowid, distance
		FROM vec_embeddings
		WHERE embedding MATCH ?
		ORDER BY distance
		LIMIT ?
	`, blob, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type rowResult struct {
		rowID    int64
		distance float64
	}
	var rowResults []rowResult
	for rows.Next() {
		var r rowResult
		if err := rows.Scan(&r.rowID, &r.distance); err != nil {
			continue
		}
		rowResults = append(rowResults, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(rowResults) == 0 {
		return nil, nil
	}

	placeholders := make([]string, len(rowResults))
	args := make([]any, len(rowResults))
	for i, rr := range rowResults {
		placeholders[i] = "?"
		args[i] = rr.rowID
	}

	mapRows, err := vi.db.Query(
		`SELECT vec_id, vector_id FROM vec_ids WHERE vec_id IN (`+strings.Join(placeholders, ",")+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer mapRows.Close()

	idMap := make(map[int64]string)
	for mapRows.Next() {
		var vecID int64
		var vectorID string
		if err := mapRows.Scan(&vecID, &vectorID); err != nil {
			continue
		}
		idMap[vecID] = vectorID
	}

	// Build results preserving KNN order
	var hits []vecHit
	for _, rr := range rowResults {
		if id, ok := idMap[rr.rowID]; ok {
			hits = append(hits, vecHit{VectorID: id, Distance: rr.distance})
		}
	}
	return hits, nil
}

// Delete removes a vector from the vec0 index.
func (vi *vecIndex) Delete(vectorID string) error {
	if !vi.enabled() {
		return nil
	}
	var vecID int64
	if err := vi.db.QueryRow(`SELECT vec_id FROM vec_ids WHERE vector_id = ?`, vectorID).Scan(&vecID); err != nil {
		return nil // not indexed
	}
	vi.db.Exec(`DELETE FROM vec_embeddings WHERE rowid = ?`, vecID)
	vi.db.Exec(`DELETE FROM vec_ids WHERE vec_id = ?`, vecID)
	return nil
}

// Backfill populates the vec0 index from records that are not yet indexed.
// Returns the number of vectors backfilled.
func (vi *vecIndex) Backfill() (int, error) {
	if !vi.enabled() {
		return 0, nil
	}

	rows, err := vi.db.Query(`
		SELECT v.id, v.embedding
		FROM vectors v
		LEFT JOIN vec_ids i ON i.vector_id = v.id
		WHERE i.vec_id IS NULL
	`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	type pending struct {
		id  string
		emb []float32
	}
	var todo []pending
	for rows.Next() {
		var id, embJSON string
		if err := rows.Scan(&id, &embJSON); err != nil {
			continue
		}
		var embedding []float32
		if err := json.Unmarshal([]byte(embJSON), &embedding); err != nil {
			continue
		}
		if len(embedding) != vi.dimensions {
			continue
		}
		todo = append(todo, pending{id: id, emb: embedding})
	}
	rows.Close()

	count := 0
	for _, p := range todo {
		if err := vi.Insert(p.id, p.emb); err != nil {
			continue
		}
		count++
	}
	return count, nil
}
