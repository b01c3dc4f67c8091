package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// FactExtractor pulls durable, user-specific facts out of a conversational
// turn. Returning no facts is normal; most turns contain nothing worth
// remembering.
type FactExtractor interface {
	Extract(ctx context.Context, text, convContext string) ([]string, error)
}

// RuleExtractor finds first-person declarative facts with pattern matching.
// It misses paraphrases an LLM would catch but works offline and is
// deterministic, which the tests rely on.
type RuleExtractor struct{}

func NewRuleExtractor() *RuleExtractor {
	return &RuleExtractor{}
}

var factPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bmy name is\b[^.!?,;\n]+`),
	regexp.MustCompile(`(?i)\bcall me\b[^.!?,;\n]+`),
	regexp.MustCompile(`(?i)\bi am\b[^.!?,;\n]+`),
	regexp.MustCompile(`(?i)\bi'm\b[^.!?,;\n]+`),
	regexp.MustCompile(`(?i)\bi (?:really )?(?:like|love|enjoy|prefer|hate|dislike)\b[^.!?,;\n]+`),
	regexp.MustCompile(`(?i)\bi (?:live|grew up|was born) in\b[^.!?,;\n]+`),
	regexp.MustCompile(`(?i)\bi work (?:at|as|on|for)\b[^.!?,;\n]+`),
	regexp.MustCompile(`(?i)\bmy (?:favorite|favourite)\b[^.!?,;\n]+\bis\b[^.!?,;\n]+`),
	regexp.MustCompile(`(?i)\bi (?:have|own) (?:a|an|\d+)\b[^.!?,;\n]+`),
	regexp.MustCompile(`(?i)\bi(?:'m| am) allergic to\b[^.!?,;\n]+`),
}

// Transient statements that pattern-match but aren't worth storing.
var transientRe = regexp.MustCompile(`(?i)\bi(?:'m| am) (?:just |currently )?(?:wondering|asking|curious|trying|looking|going to|about to|not sure|sorry|here)\b`)

func (e *RuleExtractor) Extract(ctx context.Context, text, convContext string) ([]string, error) {
	var facts []string
	seen := make(map[string]bool)

	for _, pat := range factPatterns {
		for _, match := range pat.FindAllString(text, -1) {
			fact := strings.TrimSpace(match)
			if len(fact) < 8 || len(fact) > 300 {
				continue
			}
			if transientRe.MatchString(fact) {
				continue
			}
			key := strings.ToLower(fact)
			if seen[key] {
				continue
			}
			seen[key] = true
			facts = append(facts, fact)
		}
	}
	return facts, nil
}

// LLMExtractor asks a chat model for durable facts. Output is a JSON array
// of strings.
type LLMExtractor struct {
	chat *chatClient
}

func NewLLMExtractor(apiKey, model string) (*LLMExtractor, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	return &LLMExtractor{chat: newChatClient(apiKey, model)}, nil
}

const extractSystemPrompt = `You extract durable, user-specific facts from conversation turns for long-term memory.
Extract only facts that will remain true beyond this conversation: identity, preferences, relationships, possessions, location, work, health.
Ignore questions, transient states, and anything about the assistant.
Respond with a JSON array of short fact strings, each phrased in third person about the user. Respond with [] if there is nothing worth remembering.`

func (e *LLMExtractor) Extract(ctx context.Context, text, convContext string) ([]string, error) {
	user := text
	if convContext != "" {
		user = "Conversation context:\n" + convContext + "\n\nLatest turn:\n" + text
	}

	raw, err := e.chat.Complete(ctx, extractSystemPrompt, user)
	if err != nil {
		return nil, fmt.Errorf("fact extraction failed: %w", err)
	}

	var facts []string
	if err := json.Unmarshal([]byte(extractJSON(raw)), &facts); err != nil {
		return nil, fmt.Errorf("failed to parse extracted facts: %w", err)
	}

	out := facts[:0]
	for _, f := range facts {
		f = strings.TrimSpace(f)
		if f != "" {
			out = append(out, f)
		}
	}
	return out, nil
}
