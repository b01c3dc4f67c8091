package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store bound to 3 dimensions.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "xylem-test.db")
	st, err := OpenSQLite(context.Background(), path, 3)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func rec(id string, values ...float32) Record {
	return Record{ID: id, Values: values}
}

func TestInsertFirstWriteWins(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	created, err := st.Insert(ctx, []Record{rec("1", 0.1, 0.2, 0.3)}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, created)

	created, err = st.Insert(ctx, []Record{rec("2", 0.9, 0.8, 0.7)}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"2"}, created)

	// Re-inserting an existing id is a no-op and not counted as created
	created, err = st.Insert(ctx, []Record{rec("1", 0.5, 0.5, 0.5)}, "")
	require.NoError(t, err)
	assert.Empty(t, created)

	got, err := st.GetByIDs(ctx, []string{"1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, got[0].Values)
}

func TestUpsertLastWriteWins(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, []Record{{
		ID:       "1",
		Values:   []float32{0.1, 0.2, 0.3},
		Metadata: map[string]any{"content": "old"},
	}}, "")
	require.NoError(t, err)

	processed, err := st.Upsert(ctx, []Record{{
		ID:       "1",
		Values:   []float32{0.5, 0.5, 0.5},
		Metadata: map[string]any{"content": "new"},
	}}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, processed)

	got, err := st.GetByIDs(ctx, []string{"1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []float32{0.5, 0.5, 0.5}, got[0].Values)
	assert.Equal(t, "new", got[0].Metadata["content"])
}

func TestInsertDimensionMismatch(t *testing.T) {
	st := setupTestStore(t)

	_, err := st.Insert(context.Background(), []Record{rec("bad", 0.1, 0.2)}, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestQueryUserScoping(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, []Record{rec("u1_mem", 1, 0, 0)}, "user_1")
	require.NoError(t, err)
	_, err = st.Insert(ctx, []Record{rec("u2_mem", 0.9, 0.1, 0)}, "user_2")
	require.NoError(t, err)
	_, err = st.Insert(ctx, []Record{rec("global_mem", 0.8, 0.2, 0)}, "")
	require.NoError(t, err)

	matches, err := st.Query(ctx, []float32{1, 0, 0}, QueryOptions{UserID: "user_1", TopK: 10})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "u1_mem", matches[0].ID)

	matches, err = st.Query(ctx, []float32{1, 0, 0}, QueryOptions{TopK: 10})
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestQueryRankingOrder(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	corpus := []Record{
		rec("exact", 1, 0, 0),
		rec("scaled", 2, 0, 0),
		rec("close", 0.99, 0.14, 0),
		rec("orthogonal", 0, 1, 0),
		rec("opposite", -1, 0, 0),
	}
	_, err := st.Insert(ctx, corpus, "")
	require.NoError(t, err)

	matches, err := st.Query(ctx, []float32{1, 0, 0}, QueryOptions{TopK: 5})
	require.NoError(t, err)
	require.Len(t, matches, 5)

	// exact and scaled tie at 1.0; ascending id breaks the tie
	assert.Equal(t, "exact", matches[0].ID)
	assert.Equal(t, "scaled", matches[1].ID)
	assert.Equal(t, "close", matches[2].ID)
	assert.Equal(t, "orthogonal", matches[3].ID)
	assert.Equal(t, "opposite", matches[4].ID)

	assert.InDelta(t, 1.0, matches[0].Score, tolerance)
	assert.InDelta(t, 1.0, matches[1].Score, tolerance)
	assert.InDelta(t, 0.0, matches[3].Score, tolerance)
	assert.InDelta(t, -1.0, matches[4].Score, tolerance)

	// Scores never increase down the list
	for i := 1; i < len(matches); i++ {
		assert.LessOrEqual(t, matches[i].Score, matches[i-1].Score)
	}
}

func TestQueryTopKLimits(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	for _, r := range []Record{rec("a", 1, 0, 0), rec("b", 0, 1, 0), rec("c", 0, 0, 1)} {
		_, err := st.Insert(ctx, []Record{r}, "")
		require.NoError(t, err)
	}

	matches, err := st.Query(ctx, []float32{1, 0, 0}, QueryOptions{TopK: 2})
	require.NoError(t, err)
	assert.Len(t, matches, 2)

	// topK larger than the corpus returns everything
	matches, err = st.Query(ctx, []float32{1, 0, 0}, QueryOptions{TopK: 50})
	require.NoError(t, err)
	assert.Len(t, matches, 3)
}

func TestQueryInvalidInput(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.Query(ctx, []float32{1, 0}, QueryOptions{TopK: 5})
	assert.True(t, errors.Is(err, ErrInvalidInput), "dimension mismatch")

	_, err = st.Query(ctx, []float32{0, 0, 0}, QueryOptions{TopK: 5})
	assert.True(t, errors.Is(err, ErrInvalidInput), "zero vector")

	_, err = st.Query(ctx, []float32{1, 0, 0}, QueryOptions{TopK: -1})
	assert.True(t, errors.Is(err, ErrInvalidInput), "negative topK")
}

func TestQueryReturnFlags(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, []Record{{
		ID:       "m",
		Values:   []float32{1, 0, 0},
		Metadata: map[string]any{"content": "hello"},
	}}, "")
	require.NoError(t, err)

	matches, err := st.Query(ctx, []float32{1, 0, 0}, QueryOptions{TopK: 1})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Nil(t, matches[0].Values)
	assert.Nil(t, matches[0].Metadata)

	matches, err = st.Query(ctx, []float32{1, 0, 0}, QueryOptions{
		TopK: 1, ReturnValues: true, ReturnMetadata: true,
	})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, []float32{1, 0, 0}, matches[0].Values)
	assert.Equal(t, "hello", matches[0].Metadata["content"])
}

func TestDeleteByIDs(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, []Record{rec("a", 1, 0, 0), rec("b", 0, 1, 0)}, "user_1")
	require.NoError(t, err)

	deleted, err := st.DeleteByIDs(ctx, []string{"a", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, deleted)

	got, err := st.GetByIDs(ctx, []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)

	// Hard delete cascades link removal without auditing
	entries, err := st.AuditLog(ctx, "user_1", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestSharedFactDeleteMemory(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	created, err := st.Insert(ctx, []Record{rec("shared_fact", 1, 0, 0)}, "user_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared_fact"}, created)

	// Same id for a second user: record exists, only the link is added
	created, err = st.Insert(ctx, []Record{rec("shared_fact", 1, 0, 0)}, "user_2")
	require.NoError(t, err)
	assert.Empty(t, created)

	count, err := st.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	deleted, err := st.DeleteMemory(ctx, "user_1", "shared_fact", "user asked")
	require.NoError(t, err)
	assert.True(t, deleted)

	// user_1 lost visibility, user_2 kept it, the record survives
	matches, err := st.Query(ctx, []float32{1, 0, 0}, QueryOptions{UserID: "user_1", TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, matches)

	matches, err = st.Query(ctx, []float32{1, 0, 0}, QueryOptions{UserID: "user_2", TopK: 5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "shared_fact", matches[0].ID)

	entries, err := st.AuditLog(ctx, "user_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "user_1", entries[0].UserID)
	assert.Equal(t, "shared_fact", entries[0].OldVectorID)
	assert.Equal(t, "user asked", entries[0].Reason)
}

func TestDeleteMemoryIdempotent(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	deleted, err := st.DeleteMemory(ctx, "user_1", "never_existed", "")
	require.NoError(t, err)
	assert.False(t, deleted)

	entries, err := st.AuditLog(ctx, "", 10)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReplaceMemory(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, []Record{rec("old_mem", 1, 0, 0)}, "user_1")
	require.NoError(t, err)
	// old_mem is shared with another user
	_, err = st.Insert(ctx, []Record{rec("old_mem", 1, 0, 0)}, "user_2")
	require.NoError(t, err)

	newRec := Record{
		ID:       "new_mem",
		Values:   []float32{0, 1, 0},
		Metadata: map[string]any{"content": "updated fact"},
	}
	err = st.ReplaceMemory(ctx, "user_1", "old_mem", newRec, "superseded")
	require.NoError(t, err)

	// user_1 sees only the replacement
	matches, err := st.Query(ctx, []float32{0, 1, 0}, QueryOptions{UserID: "user_1", TopK: 5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "new_mem", matches[0].ID)

	// the old record was never hard-deleted
	got, err := st.GetByIDs(ctx, []string{"old_mem"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	// user_2's view is untouched
	matches, err = st.Query(ctx, []float32{1, 0, 0}, QueryOptions{UserID: "user_2", TopK: 5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "old_mem", matches[0].ID)

	entries, err := st.AuditLog(ctx, "user_1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "old_mem", entries[0].OldVectorID)
	assert.Equal(t, "new_mem", entries[0].NewVectorID)
	assert.Equal(t, "superseded", entries[0].Reason)
}

func TestGetByIDsOmitsMissing(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, []Record{rec("present", 1, 0, 0)}, "")
	require.NoError(t, err)

	got, err := st.GetByIDs(ctx, []string{"present", "absent"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "present", got[0].ID)
}

func TestLinkEnsuredForExistingRecord(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, []Record{rec("m", 1, 0, 0)}, "")
	require.NoError(t, err)

	// Unlinked record is invisible to user-scoped queries
	matches, err := st.Query(ctx, []float32{1, 0, 0}, QueryOptions{UserID: "user_1", TopK: 5})
	require.NoError(t, err)
	assert.Empty(t, matches)

	// Insert with the same id and a user links it without recreating
	created, err := st.Insert(ctx, []Record{rec("m", 1, 0, 0)}, "user_1")
	require.NoError(t, err)
	assert.Empty(t, created)

	matches, err = st.Query(ctx, []float32{1, 0, 0}, QueryOptions{UserID: "user_1", TopK: 5})
	require.NoError(t, err)
	assert.Len(t, matches, 1)
}

func TestOpenRejectsBadDimensions(t *testing.T) {
	_, err := Open(context.Background(), Config{DBType: "sqlite", DSN: "/tmp/x.db", Dimensions: 0})
	assert.True(t, errors.Is(err, ErrInvalidInput))

	_, err = Open(context.Background(), Config{DBType: "mongodb", DSN: "x", Dimensions: 3})
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestQueryFallsBackAfterIndexWriteFailure(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	if !st.vecIdx.enabled() {
		t.Skip("sqlite-vec not available")
	}

	_, err := st.Insert(ctx, []Record{rec("a", 1, 0, 0)}, "")
	require.NoError(t, err)

	// Break the index's id mapping so the next index write fails
	_, err = st.db.Exec(`DROP TABLE vec_ids`)
	require.NoError(t, err)

	_, err = st.Insert(ctx, []Record{rec("b", 0, 1, 0)}, "")
	require.NoError(t, err)
	assert.False(t, st.vecIdx.enabled(), "index should be out of service after a failed write")

	matches, err := st.Query(ctx, []float32{1, 1, 0}, QueryOptions{TopK: 10})
	require.NoError(t, err)
	ids := make([]string, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
	}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestQuerySkipsUnrankableStoredVectors(t *testing.T) {
	st := setupTestStore(t)
	ctx := context.Background()

	_, err := st.Insert(ctx, []Record{
		rec("zero", 0, 0, 0),
		rec("real", 1, 0, 0),
	}, "")
	require.NoError(t, err)

	// Cosine is undefined against the zero vector; it must not rank.
	matches, err := st.Query(ctx, []float32{1, 0, 0}, QueryOptions{TopK: 10})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "real", matches[0].ID)
}
