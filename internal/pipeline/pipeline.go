// Package pipeline implements background memory formation: facts are
// extracted from conversation turns, embedded, reconciled against the user's
// existing memories, and committed to the store without blocking the caller.
package pipeline

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/CanopyHQ/xylem/internal/store"
)

// embedChunkSize bounds the number of facts sent per embedding request.
const embedChunkSize = 16

// reconcileTopK is how many existing memories the resolver sees. Generous on
// purpose; missing a conflicting memory means storing a contradiction.
const reconcileTopK = 10

// MemoryStore is the slice of the store the pipeline needs.
type MemoryStore interface {
	Query(ctx context.Context, vector []float32, opts store.QueryOptions) ([]store.Match, error)
	Insert(ctx context.Context, records []store.Record, userID string) ([]string, error)
	ReplaceMemory(ctx context.Context, userID, oldID string, replacement store.Record, reason string) error
}

// TurnOptions control memory formation for a single conversational turn.
type TurnOptions struct {
	// SaveMemories disables formation for this turn when false.
	SaveMemories bool
	// Anonymous skips formation entirely; nothing about the turn is stored.
	Anonymous bool
	// ConvContext is optional surrounding conversation given to the
	// extractor.
	ConvContext string
}

// DefaultTurnOptions enables memory formation.
func DefaultTurnOptions() TurnOptions {
	return TurnOptions{SaveMemories: true}
}

// Pipeline runs the extract, embed, retrieve, resolve, commit sequence on
// background workers.
type Pipeline struct {
	store     MemoryStore
	embedder  Embedder
	extractor FactExtractor
	resolver  ConflictResolver
	pool      *WorkerPool

	// Timeout bounds a single formation run. Zero means no deadline.
	Timeout time.Duration
}

// New creates a pipeline with the given collaborators and numWorkers
// background workers.
func New(st MemoryStore, embedder Embedder, extractor FactExtractor, resolver ConflictResolver, numWorkers int) *Pipeline {
	return &Pipeline{
		store:     st,
		embedder:  embedder,
		extractor: extractor,
		resolver:  resolver,
		pool:      NewWorkerPool(numWorkers),
		Timeout:   2 * time.Minute,
	}
}

// Dispatch submits a formation run for a turn and returns immediately. The
// run's outcome is logged, never returned; the conversational path must not
// block on memory formation.
func (p *Pipeline) Dispatch(userID, text string, opts TurnOptions) {
	if opts.Anonymous {
		return
	}
	if !opts.SaveMemories {
		log.Printf("[FORMATION] user=%s skipped (memories disabled for turn)", userID)
		return
	}
	if strings.TrimSpace(text) == "" || strings.TrimSpace(userID) == "" {
		return
	}

	if err := p.pool.Submit(func() {
		p.run(userID, text, opts.ConvContext)
	}); err != nil {
		log.Printf("[FORMATION] user=%s dispatch failed: %v", userID, err)
	}
}

// Close drains in-flight formation runs.
func (p *Pipeline) Close() {
	p.pool.Close()
}

func (p *Pipeline) run(userID, text, convContext string) {
	ctx := context.Background()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}

	facts, err := p.extractor.Extract(ctx, text, convContext)
	if err != nil {
		log.Printf("[FORMATION] user=%s stage=extract error: %v", userID, err)
		return
	}
	if len(facts) == 0 {
		return
	}

	embedded, err := p.embedFacts(ctx, facts)
	if err != nil {
		log.Printf("[FORMATION] user=%s stage=embed error: %v", userID, err)
		return
	}

	existing, err := p.retrieve(ctx, userID, facts)
	if err != nil {
		log.Printf("[FORMATION] user=%s stage=retrieve error: %v", userID, err)
		return
	}

	decisions, err := p.resolver.Resolve(ctx, embedded, existing)
	if err != nil {
		log.Printf("[FORMATION] user=%s stage=resolve error: %v", userID, err)
		return
	}

	added, replaced, ignored := 0, 0, 0
	for _, d := range decisions {
		switch d.Action {
		case ActionAdd:
			rec := newMemoryRecord(d.Fact)
			if _, err := p.store.Insert(ctx, []store.Record{rec}, userID); err != nil {
				log.Printf("[FORMATION] user=%s stage=commit error adding memory: %v", userID, err)
				return
			}
			added++
		case ActionReplace:
			rec := newMemoryRecord(d.Fact)
			if err := p.store.ReplaceMemory(ctx, userID, d.TargetID, rec, d.Reason); err != nil {
				log.Printf("[FORMATION] user=%s stage=commit error replacing %s: %v", userID, d.TargetID, err)
				return
			}
			replaced++
		case ActionIgnore:
			ignored++
		}
	}

	log.Printf("[FORMATION] user=%s facts=%d added=%d replaced=%d ignored=%d",
		userID, len(facts), added, replaced, ignored)
}

// embedFacts embeds all facts, chunked and run concurrently.
func (p *Pipeline) embedFacts(ctx context.Context, facts []string) ([]Fact, error) {
	embedded := make([]Fact, len(facts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for start := 0; start < len(facts); start += embedChunkSize {
		start := start
		end := start + embedChunkSize
		if end > len(facts) {
			end = len(facts)
		}
		g.Go(func() error {
			embeddings, err := p.embedder.EmbedBatch(gctx, facts[start:end])
			if err != nil {
				return err
			}
			for i, emb := range embeddings {
				embedded[start+i] = Fact{Text: facts[start+i], Embedding: emb}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return embedded, nil
}

// retrieve fetches the user's memories nearest to this turn's facts for
// reconciliation.
func (p *Pipeline) retrieve(ctx context.Context, userID string, facts []string) ([]ExistingMemory, error) {
	lookup, err := p.embedder.Embed(ctx, strings.Join(facts, "\n"))
	if err != nil {
		return nil, err
	}

	matches, err := p.store.Query(ctx, lookup, store.QueryOptions{
		UserID:         userID,
		TopK:           reconcileTopK,
		ReturnValues:   true,
		ReturnMetadata: true,
	})
	if err != nil {
		return nil, err
	}

	existing := make([]ExistingMemory, 0, len(matches))
	for _, m := range matches {
		mem := ExistingMemory{ID: m.ID, Embedding: m.Values}
		if content, ok := m.Metadata["content"].(string); ok {
			mem.Content = content
		}
		existing = append(existing, mem)
	}
	return existing, nil
}

func newMemoryRecord(fact Fact) store.Record {
	return store.Record{
		ID:     uuid.NewString(),
		Values: fact.Embedding,
		Metadata: map[string]any{
			"content": fact.Text,
			"source":  "conversation",
		},
	}
}
