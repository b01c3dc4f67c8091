package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/CanopyHQ/xylem/internal/store"
)

// Action is what to do with a candidate fact.
type Action string

const (
	ActionAdd     Action = "add"
	ActionReplace Action = "replace"
	ActionIgnore  Action = "ignore"
)

// Fact is a candidate memory with its embedding attached.
type Fact struct {
	Text      string
	Embedding []float32
}

// ExistingMemory is a stored memory retrieved for reconciliation.
type ExistingMemory struct {
	ID        string
	Content   string
	Embedding []float32
}

// Decision is the resolver's verdict for one fact. TargetID is set only for
// replace actions.
type Decision struct {
	Fact     Fact
	Action   Action
	TargetID string
	Reason   string
}

// ConflictResolver reconciles candidate facts against what the user already
// has stored.
type ConflictResolver interface {
	Resolve(ctx context.Context, facts []Fact, existing []ExistingMemory) ([]Decision, error)
}

// HeuristicResolver decides by cosine similarity alone. Near-duplicates are
// ignored, close-but-different facts replace their nearest neighbor, and
// everything else is added. It cannot detect semantic contradictions phrased
// differently; that's what the LLM resolver is for.
type HeuristicResolver struct {
	// IgnoreThreshold and above means the fact is already stored.
	IgnoreThreshold float64
	// ReplaceThreshold and above (but below ignore) means the fact updates
	// an existing memory.
	ReplaceThreshold float64
}

func NewHeuristicResolver() *HeuristicResolver {
	return &HeuristicResolver{
		IgnoreThreshold:  0.92,
		ReplaceThreshold: 0.75,
	}
}

func (r *HeuristicResolver) Resolve(ctx context.Context, facts []Fact, existing []ExistingMemory) ([]Decision, error) {
	decisions := make([]Decision, 0, len(facts))
	for _, fact := range facts {
		bestID := ""
		bestScore := -1.0
		for _, mem := range existing {
			score, err := store.Similarity(fact.Embedding, mem.Embedding)
			if err != nil {
				continue
			}
			if score > bestScore {
				bestScore = score
				bestID = mem.ID
			}
		}

		switch {
		case bestID != "" && bestScore >= r.IgnoreThreshold:
			decisions = append(decisions, Decision{
				Fact:     fact,
				Action:   ActionIgnore,
				TargetID: bestID,
				Reason:   fmt.Sprintf("near-duplicate of existing memory (similarity %.2f)", bestScore),
			})
		case bestID != "" && bestScore >= r.ReplaceThreshold:
			decisions = append(decisions, Decision{
				Fact:     fact,
				Action:   ActionReplace,
				TargetID: bestID,
				Reason:   fmt.Sprintf("updates existing memory (similarity %.2f)", bestScore),
			})
		default:
			decisions = append(decisions, Decision{Fact: fact, Action: ActionAdd})
		}
	}
	return decisions, nil
}

// LLMResolver asks a chat model to reconcile facts against existing memories,
// catching contradictions the similarity heuristic misses ("I moved to
// Berlin" vs "user lives in Austin").
type LLMResolver struct {
	chat *chatClient
}

func NewLLMResolver(apiKey, model string) (*LLMResolver, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	return &LLMResolver{chat: newChatClient(apiKey, model)}, nil
}

const resolveSystemPrompt = `You reconcile new facts about a user against their existing stored memories.
For each new fact decide one of:
- "add": genuinely new information
- "replace": contradicts or supersedes an existing memory (set target_id)
- "ignore": already covered by an existing memory
Respond with a JSON array, one object per fact in order:
[{"fact_index": 0, "action": "add", "target_id": "", "reason": ""}]`

func (r *LLMResolver) Resolve(ctx context.Context, facts []Fact, existing []ExistingMemory) ([]Decision, error) {
	var sb strings.Builder
	sb.WriteString("Existing memories:\n")
	if len(existing) == 0 {
		sb.WriteString("(none)\n")
	}
	for _, mem := range existing {
		fmt.Fprintf(&sb, "- id=%s: %s\n", mem.ID, mem.Content)
	}
	sb.WriteString("\nNew facts:\n")
	for i, fact := range facts {
		fmt.Fprintf(&sb, "%d. %s\n", i, fact.Text)
	}

	raw, err := r.chat.Complete(ctx, resolveSystemPrompt, sb.String())
	if err != nil {
		return nil, fmt.Errorf("conflict resolution failed: %w", err)
	}

	var verdicts []struct {
		FactIndex int    `json:"fact_index"`
		Action    string `json:"action"`
		TargetID  string `json:"target_id"`
		Reason    string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &verdicts); err != nil {
		return nil, fmt.Errorf("failed to parse resolver verdicts: %w", err)
	}

	validTargets := make(map[string]bool, len(existing))
	for _, mem := range existing {
		validTargets[mem.ID] = true
	}

	// Unmentioned facts default to add.
	decisions := make([]Decision, len(facts))
	for i, fact := range facts {
		decisions[i] = Decision{Fact: fact, Action: ActionAdd}
	}
	for _, v := range verdicts {
		if v.FactIndex < 0 || v.FactIndex >= len(facts) {
			continue
		}
		d := &decisions[v.FactIndex]
		switch Action(v.Action) {
		case ActionReplace:
			if !validTargets[v.TargetID] {
				continue
			}
			d.Action = ActionReplace
			d.TargetID = v.TargetID
			d.Reason = v.Reason
		case ActionIgnore:
			d.Action = ActionIgnore
			d.Reason = v.Reason
		case ActionAdd:
			d.Reason = v.Reason
		}
	}
	return decisions, nil
}
