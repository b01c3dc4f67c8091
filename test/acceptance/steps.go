package acceptance

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cucumber/godog"

	"github.com/CanopyHQ/xylem/internal/pipeline"
	"github.com/CanopyHQ/xylem/internal/store"
)

// TestContext holds state between steps
type TestContext struct {
	ctx        context.Context
	tmpDir     string
	store      *store.SQLiteStore
	dimensions int

	lastIDs     []string
	lastMatches []store.Match
	lastDeleted bool
}

func NewTestContext() *TestContext {
	return &TestContext{ctx: context.Background()}
}

func (tc *TestContext) cleanup(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
	if tc.store != nil {
		tc.store.Close()
		tc.store = nil
	}
	if tc.tmpDir != "" {
		os.RemoveAll(tc.tmpDir)
		tc.tmpDir = ""
	}
	return ctx, nil
}

func parseValues(s string) ([]float32, error) {
	parts := strings.Split(s, ",")
	values := make([]float32, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q: %w", p, err)
		}
		values[i] = float32(f)
	}
	return values, nil
}

func (tc *TestContext) emptyStore(dimensions int) error {
	tmpDir, err := os.MkdirTemp("", "xylem-acceptance-*")
	if err != nil {
		return err
	}
	tc.tmpDir = tmpDir
	tc.dimensions = dimensions

	st, err := store.OpenSQLite(tc.ctx, filepath.Join(tmpDir, "xylem.db"), dimensions)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	tc.store = st
	return nil
}

func (tc *TestContext) insertVector(id, values string) error {
	return tc.insertVectorForUser(id, values, "")
}

func (tc *TestContext) insertVectorForUser(id, values, userID string) error {
	vals, err := parseValues(values)
	if err != nil {
		return err
	}
	ids, err := tc.store.Insert(tc.ctx, []store.Record{{ID: id, Values: vals}}, userID)
	if err != nil {
		return err
	}
	tc.lastIDs = ids
	return nil
}

func (tc *TestContext) upsertVector(id, values string) error {
	vals, err := parseValues(values)
	if err != nil {
		return err
	}
	ids, err := tc.store.Upsert(tc.ctx, []store.Record{{ID: id, Values: vals}}, "")
	if err != nil {
		return err
	}
	tc.lastIDs = ids
	return nil
}

func (tc *TestContext) checkOperationCount(expected int) error {
	if len(tc.lastIDs) != expected {
		return fmt.Errorf("expected %d ids, got %d (%v)", expected, len(tc.lastIDs), tc.lastIDs)
	}
	return nil
}

func (tc *TestContext) checkFetchedValues(id, values string) error {
	expected, err := parseValues(values)
	if err != nil {
		return err
	}
	records, err := tc.store.GetByIDs(tc.ctx, []string{id})
	if err != nil {
		return err
	}
	if len(records) != 1 {
		return fmt.Errorf("expected 1 record for id %q, got %d", id, len(records))
	}
	if len(records[0].Values) != len(expected) {
		return fmt.Errorf("expected %d values, got %d", len(expected), len(records[0].Values))
	}
	for i := range expected {
		if records[0].Values[i] != expected[i] {
			return fmt.Errorf("value %d: expected %v, got %v", i, expected[i], records[0].Values[i])
		}
	}
	return nil
}

func (tc *TestContext) checkRecordCount(expected int) error {
	count, err := tc.store.Count(tc.ctx)
	if err != nil {
		return err
	}
	if count != expected {
		return fmt.Errorf("expected %d records, got %d", expected, count)
	}
	return nil
}

func (tc *TestContext) queryVector(values string, topK int) error {
	return tc.queryVectorAsUser(values, topK, "")
}

func (tc *TestContext) queryVectorAsUser(values string, topK int, userID string) error {
	vals, err := parseValues(values)
	if err != nil {
		return err
	}
	matches, err := tc.store.Query(tc.ctx, vals, store.QueryOptions{
		UserID: userID,
		TopK:   topK,
	})
	if err != nil {
		return err
	}
	tc.lastMatches = matches
	return nil
}

func (tc *TestContext) checkMatchCount(expected int) error {
	if len(tc.lastMatches) != expected {
		return fmt.Errorf("expected %d matches, got %d", expected, len(tc.lastMatches))
	}
	return nil
}

func (tc *TestContext) checkMatchAt(index int, id string) error {
	if index >= len(tc.lastMatches) {
		return fmt.Errorf("match %d out of range (%d matches)", index, len(tc.lastMatches))
	}
	if tc.lastMatches[index].ID != id {
		return fmt.Errorf("expected match %d to be %q, got %q", index, id, tc.lastMatches[index].ID)
	}
	return nil
}

func (tc *TestContext) checkMatchOrder() error {
	for i := 1; i < len(tc.lastMatches); i++ {
		if tc.lastMatches[i].Score > tc.lastMatches[i-1].Score {
			return fmt.Errorf("matches out of order at %d: %v > %v",
				i, tc.lastMatches[i].Score, tc.lastMatches[i-1].Score)
		}
	}
	return nil
}

func (tc *TestContext) deleteMemory(vectorID, userID, reason string) error {
	deleted, err := tc.store.DeleteMemory(tc.ctx, userID, vectorID, reason)
	if err != nil {
		return err
	}
	tc.lastDeleted = deleted
	return nil
}

func (tc *TestContext) checkDeleted(expected string) error {
	want := expected == "true"
	if tc.lastDeleted != want {
		return fmt.Errorf("expected deleted=%v, got %v", want, tc.lastDeleted)
	}
	return nil
}

func (tc *TestContext) checkAuditCount(userID string, expected int) error {
	entries, err := tc.store.AuditLog(tc.ctx, userID, 100)
	if err != nil {
		return err
	}
	if len(entries) != expected {
		return fmt.Errorf("expected %d audit entries for %q, got %d", expected, userID, len(entries))
	}
	return nil
}

func (tc *TestContext) checkAuditRemoved(vectorID string) error {
	entries, err := tc.store.AuditLog(tc.ctx, "", 1)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return fmt.Errorf("audit log is empty")
	}
	if entries[0].OldVectorID != vectorID {
		return fmt.Errorf("expected latest audit entry to name %q, got %q", vectorID, entries[0].OldVectorID)
	}
	return nil
}

// processTurn runs one formation pipeline invocation to completion.
func (tc *TestContext) processTurn(userID, text string) error {
	return tc.runPipeline(userID, text, pipeline.DefaultTurnOptions())
}

func (tc *TestContext) processTurnDisabled(userID, text string) error {
	return tc.runPipeline(userID, text, pipeline.TurnOptions{SaveMemories: false})
}

func (tc *TestContext) runPipeline(userID, text string, opts pipeline.TurnOptions) error {
	p := pipeline.New(tc.store,
		pipeline.NewLocalEmbedder(tc.dimensions),
		pipeline.NewRuleExtractor(),
		pipeline.NewHeuristicResolver(), 1)
	p.Dispatch(userID, text, opts)
	p.Close()
	return nil
}

// userMemories fetches everything visible to a user via a broad scoped query.
func (tc *TestContext) userMemories(userID string) ([]store.Match, error) {
	probe, err := pipeline.NewLocalEmbedder(tc.dimensions).Embed(tc.ctx, "memory probe")
	if err != nil {
		return nil, err
	}
	return tc.store.Query(tc.ctx, probe, store.QueryOptions{
		UserID:         userID,
		TopK:           100,
		ReturnMetadata: true,
	})
}

func (tc *TestContext) checkUserMemoryCount(userID string, expected int) error {
	matches, err := tc.userMemories(userID)
	if err != nil {
		return err
	}
	if len(matches) != expected {
		return fmt.Errorf("expected %d memories for %q, got %d", expected, userID, len(matches))
	}
	return nil
}

func (tc *TestContext) checkUserMemoryContains(userID, substring string) error {
	matches, err := tc.userMemories(userID)
	if err != nil {
		return err
	}
	for _, m := range matches {
		if content, ok := m.Metadata["content"].(string); ok {
			if strings.Contains(content, substring) {
				return nil
			}
		}
	}
	return fmt.Errorf("no memory for %q contains %q", userID, substring)
}
