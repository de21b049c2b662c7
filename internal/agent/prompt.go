package agent

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"actionbridge/internal/domain"
)

// Catalog is the read side of the tool registry the prompt is built from.
type Catalog interface {
	List() []domain.ActionSchema
	Lookup(name string) (domain.ActionSchema, bool)
	Definitions() []domain.ToolDefinition
}

type PromptBuilder struct {
	catalog           Catalog
	systemPromptExtra string
	now               func() time.Time

	// The registry is sealed before the first prompt, so the tool section
	// is rendered once.
	toolsOnce sync.Once
	toolsText string
}

// PromptConfig holds configuration for the prompt builder.
type PromptConfig struct {
	Catalog           Catalog
	SystemPromptExtra string
}

func NewPromptBuilder(cfg PromptConfig) *PromptBuilder {
	return &PromptBuilder{
		catalog:           cfg.Catalog,
		systemPromptExtra: cfg.SystemPromptExtra,
		now:               time.Now,
	}
}

const planFormat = `## Reply format
Reply with one JSON object and nothing else:
{"steps":[{"tool":"<action name>","arguments":{...}}],"confidence":0.0-1.0}

- Use only the actions listed above and only their listed parameters.
- List several steps only when the request needs several calls. Steps run in order.
- A later step can use a value returned by an earlier one: write "${steps.N.field}" as the
  argument, where N is the zero-based step index and field is a path into its result
  (for example "${steps.0.id}" or "${steps.0.items.0.name}").
- If a required value is missing or the request is ambiguous, do not guess. Reply with
  {"clarification":"<one short question>","partial":{"tool":"<action>","arguments":{...}},"confidence":0.0-1.0}
  carrying whatever arguments you already know.
- Dates are YYYY-MM-DD. Enum values must be one of the listed options.`

// BuildSystemPrompt renders the instructions, the action catalogue and, when
// the previous turn asked a question, the arguments gathered so far.
func (p *PromptBuilder) BuildSystemPrompt(pending *domain.ActionInvocation) string {
	var b strings.Builder
	b.WriteString("# actionbridge\n\n")
	b.WriteString("You turn user requests into calls against a backend API. ")
	b.WriteString("You never answer from your own knowledge; you choose actions and fill in their arguments.\n\n")
	fmt.Fprintf(&b, "Today is %s.\n\n", p.now().Format("2006-01-02 (Monday)"))

	b.WriteString("## Actions\n")
	b.WriteString(p.tools())
	b.WriteString("\n")
	b.WriteString(planFormat)

	if pending != nil {
		args, _ := json.Marshal(pending.Arguments)
		fmt.Fprintf(&b, "\n\n## Pending request\nYou asked the user for more information about %q. Arguments known so far: %s\n", pending.Tool, args)
		b.WriteString("Combine them with the user's answer.")
	}

	if p.systemPromptExtra != "" {
		b.WriteString("\n\n## Custom Instructions\n")
		b.WriteString(p.systemPromptExtra)
	}
	return b.String()
}

func (p *PromptBuilder) tools() string {
	p.toolsOnce.Do(func() {
		var b strings.Builder
		for _, s := range p.catalog.List() {
			b.WriteString(describeAction(s))
		}
		p.toolsText = b.String()
	})
	return p.toolsText
}

func describeAction(s domain.ActionSchema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s: %s\n", s.Name, s.Description)
	for _, prm := range s.Params {
		fmt.Fprintf(&b, "    - %s (%s", prm.Name, paramTypeLabel(prm))
		if prm.Required {
			b.WriteString(", required")
		}
		b.WriteString(")")
		if prm.Description != "" {
			b.WriteString(": " + prm.Description)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func paramTypeLabel(p domain.ParamSpec) string {
	switch {
	case p.Type == domain.TypeEnum:
		return "one of " + strings.Join(p.Enum, "|")
	case p.Format != "":
		return string(p.Type) + ", " + p.Format
	}
	return string(p.Type)
}

// BuildMessages constructs [system + history + user message] for an LLM call.
func (p *PromptBuilder) BuildMessages(history []domain.Message, pending *domain.ActionInvocation, utterance string) []domain.Message {
	messages := make([]domain.Message, 0, len(history)+2)
	messages = append(messages, domain.Message{Role: "system", Content: p.BuildSystemPrompt(pending)})
	messages = append(messages, history...)
	return append(messages, domain.Message{Role: "user", Content: utterance})
}

// AddCorrection appends the rejected reply and the reason it was rejected so
// the model can try again.
func (p *PromptBuilder) AddCorrection(messages []domain.Message, rejected, problem string) []domain.Message {
	if strings.TrimSpace(rejected) == "" {
		rejected = "(empty reply)"
	}
	return append(messages,
		domain.Message{Role: "assistant", Content: rejected},
		domain.Message{Role: "user", Content: "That plan was rejected: " + problem + "\nReply again with a corrected JSON object only."},
	)
}
