package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeuristicResolverIgnoresNearDuplicate(t *testing.T) {
	r := NewHeuristicResolver()

	facts := []Fact{{Text: "lives in Oslo", Embedding: []float32{1, 0}}}
	existing := []ExistingMemory{{ID: "m1", Content: "lives in Oslo", Embedding: []float32{1, 0}}}

	decisions, err := r.Resolve(context.Background(), facts, existing)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionIgnore, decisions[0].Action)
	assert.Equal(t, "m1", decisions[0].TargetID)
}

func TestHeuristicResolverReplacesCloseMatch(t *testing.T) {
	r := NewHeuristicResolver()

	// cosine([1,0], [0.8,0.6]) = 0.8: between the two thresholds
	facts := []Fact{{Text: "moved to Berlin", Embedding: []float32{1, 0}}}
	existing := []ExistingMemory{{ID: "m1", Content: "lives in Austin", Embedding: []float32{0.8, 0.6}}}

	decisions, err := r.Resolve(context.Background(), facts, existing)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionReplace, decisions[0].Action)
	assert.Equal(t, "m1", decisions[0].TargetID)
	assert.NotEmpty(t, decisions[0].Reason)
}

func TestHeuristicResolverAddsUnrelatedFact(t *testing.T) {
	r := NewHeuristicResolver()

	facts := []Fact{{Text: "has a cat", Embedding: []float32{1, 0}}}
	existing := []ExistingMemory{{ID: "m1", Content: "likes jazz", Embedding: []float32{0, 1}}}

	decisions, err := r.Resolve(context.Background(), facts, existing)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionAdd, decisions[0].Action)
	assert.Empty(t, decisions[0].TargetID)
}

func TestHeuristicResolverNoExistingMemories(t *testing.T) {
	r := NewHeuristicResolver()

	facts := []Fact{
		{Text: "a", Embedding: []float32{1, 0}},
		{Text: "b", Embedding: []float32{0, 1}},
	}
	decisions, err := r.Resolve(context.Background(), facts, nil)
	require.NoError(t, err)
	require.Len(t, decisions, 2)
	for _, d := range decisions {
		assert.Equal(t, ActionAdd, d.Action)
	}
}

func TestHeuristicResolverPicksNearestNeighbor(t *testing.T) {
	r := NewHeuristicResolver()

	facts := []Fact{{Text: "fact", Embedding: []float32{1, 0}}}
	existing := []ExistingMemory{
		{ID: "far", Embedding: []float32{0.6, 0.8}},  // 0.6
		{ID: "near", Embedding: []float32{0.8, 0.6}}, // 0.8
	}

	decisions, err := r.Resolve(context.Background(), facts, existing)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionReplace, decisions[0].Action)
	assert.Equal(t, "near", decisions[0].TargetID)
}

func TestHeuristicResolverSkipsDegenerateEmbeddings(t *testing.T) {
	r := NewHeuristicResolver()

	facts := []Fact{{Text: "fact", Embedding: []float32{1, 0}}}
	existing := []ExistingMemory{{ID: "zero", Embedding: []float32{0, 0}}}

	decisions, err := r.Resolve(context.Background(), facts, existing)
	require.NoError(t, err)
	require.Len(t, decisions, 1)
	assert.Equal(t, ActionAdd, decisions[0].Action)
}

func TestExtractJSONStripsFences(t *testing.T) {
	raw := "```json\n[{\"fact_index\": 0, \"action\": \"add\"}]\n```"
	assert.Equal(t, `[{"fact_index": 0, "action": "add"}]`, extractJSON(raw))

	assert.Equal(t, `["a", "b"]`, extractJSON(`["a", "b"]`))
	assert.Equal(t, "no json here", extractJSON("no json here"))
}
