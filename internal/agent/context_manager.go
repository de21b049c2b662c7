package agent

import (
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tiktoken-go/tokenizer"

	"actionbridge/internal/domain"
)

const (
	defaultHistoryTurns     = 10
	defaultMaxContextTokens = 4096
)

// ContextManager turns a conversation's turns into chat history for the
// prompt, newest first, until the turn or token budget runs out.
type ContextManager struct {
	codec     tokenizer.Codec
	maxTurns  int
	maxTokens int
	logger    *slog.Logger
}

type ContextManagerConfig struct {
	HistoryTurns     int
	MaxContextTokens int
	Logger           *slog.Logger
}

func NewContextManager(cfg ContextManagerConfig) *ContextManager {
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = defaultHistoryTurns
	}
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = defaultMaxContextTokens
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cm := &ContextManager{
		maxTurns:  cfg.HistoryTurns,
		maxTokens: cfg.MaxContextTokens,
		logger:    cfg.Logger,
	}
	codec, err := tokenizer.ForModel(tokenizer.GPT4)
	if err != nil {
		cfg.Logger.Warn("tokenizer unavailable, estimating history size from length", "err", err)
	} else {
		cm.codec = codec
	}
	return cm
}

// CountTokens returns the token count of text, or a length-based estimate
// when no codec is loaded.
func (cm *ContextManager) CountTokens(text string) int {
	if cm.codec == nil {
		return len(text) / 4
	}
	n, err := cm.codec.Count(text)
	if err != nil {
		return len(text) / 4
	}
	return n
}

// History returns user/assistant message pairs for the most recent turns,
// oldest first.
func (cm *ContextManager) History(state domain.ConversationState) []domain.Message {
	turns := state.Turns()
	var (
		pairs  [][2]domain.Message
		budget = cm.maxTokens
	)
	for i := len(turns) - 1; i >= 0 && len(pairs) < cm.maxTurns; i-- {
		user := domain.Message{Role: "user", Content: turns[i].Utterance}
		assistant := domain.Message{Role: "assistant", Content: summarizeTurn(turns[i])}
		cost := cm.CountTokens(user.Content) + cm.CountTokens(assistant.Content)
		if cost > budget {
			break
		}
		budget -= cost
		pairs = append(pairs, [2]domain.Message{user, assistant})
	}

	out := make([]domain.Message, 0, 2*len(pairs))
	for i := len(pairs) - 1; i >= 0; i-- {
		out = append(out, pairs[i][0], pairs[i][1])
	}
	return out
}

// summarizeTurn renders what the assistant did in a turn: the question it
// asked, or the plan it ran followed by how it went.
func summarizeTurn(t domain.Turn) string {
	if t.Status == domain.StatusNeedsClarification {
		return t.Question
	}
	var b strings.Builder
	if len(t.Invocations) > 0 {
		steps := make([]map[string]any, len(t.Invocations))
		for i, inv := range t.Invocations {
			steps[i] = map[string]any{"tool": inv.Tool, "arguments": inv.Arguments}
		}
		data, _ := json.Marshal(map[string]any{"steps": steps})
		b.Write(data)
		b.WriteString("\n")
	}
	switch t.Status {
	case domain.StatusResolved:
		b.WriteString("Result: " + t.Reply)
	case domain.StatusFailed:
		b.WriteString("Failed: " + t.Reason)
	}
	return b.String()
}
