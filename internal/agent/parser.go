package agent

import (
	"encoding/json"
	"strings"

	"actionbridge/internal/domain"
)

// step is one proposed invocation inside a plan.
type step struct {
	Tool      string
	Arguments map[string]any
}

// plan is the model's answer to one prompt.
type plan struct {
	Steps []step
	// Question is set when the model asks for more information.
	Question string
	// Partial is the invocation the model was assembling when it asked.
	Partial    *step
	Confidence *float64
	// Prose is true when the reply carried no JSON plan at all.
	Prose bool
}

// empty reports a plan that neither acts nor asks.
func (p plan) empty() bool { return len(p.Steps) == 0 && p.Question == "" }

type wireStep struct {
	Tool       string         `json:"tool"`
	Name       string         `json:"name"`
	Action     string         `json:"action"`
	Arguments  map[string]any `json:"arguments"`
	Parameters map[string]any `json:"parameters"`
}

func (w wireStep) toStep() step {
	return step{
		Tool:      firstNonEmpty(w.Tool, w.Name, w.Action),
		Arguments: coalesce(w.Arguments, w.Parameters),
	}
}

type wirePlan struct {
	Steps         []wireStep `json:"steps"`
	Candidates    []wireStep `json:"candidates"`
	Clarification string     `json:"clarification"`
	Questions     []string   `json:"clarification_questions"`
	Partial       *wireStep  `json:"partial"`
	Confidence    *float64   `json:"confidence"`

	// Single-action shape: {"action": .., "parameters": {..}} or a bare
	// tool call {"name": .., "arguments": {..}}.
	wireStep
}

// parsePlan reads a plan out of a completion. Native tool calls win over
// content; only the first of several candidates is kept.
func parsePlan(resp *domain.ChatResponse) plan {
	if resp == nil {
		return plan{Prose: true}
	}
	if len(resp.ToolCalls) > 0 {
		tc := resp.ToolCalls[0]
		return plan{Steps: []step{{Tool: tc.Name, Arguments: coalesce(tc.Arguments, nil)}}}
	}
	return parseContent(resp.Content)
}

func parseContent(content string) plan {
	content = stripRolePrefix(strings.TrimSpace(content))
	content = stripCodeFence(content)
	if content == "" {
		return plan{Prose: true}
	}

	if p, ok := tryParsePlan(content); ok {
		return p
	}
	if start, end := findJSONBounds(content); start >= 0 && end > start {
		if p, ok := tryParsePlan(content[start:end]); ok {
			return p
		}
	}
	// No plan: the model answered in prose, which is read as a question back
	// to the user.
	return plan{Question: content, Prose: true}
}

func tryParsePlan(raw string) (plan, bool) {
	var w wirePlan
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		if err := json.Unmarshal([]byte(sanitizeJSONEscapes(raw)), &w); err != nil {
			return tryParseArray(raw)
		}
	}

	p := plan{Confidence: w.Confidence, Question: strings.TrimSpace(w.Clarification)}
	if p.Question == "" {
		p.Question = joinQuestions(w.Questions)
	}
	if w.Partial != nil {
		s := w.Partial.toStep()
		if s.Tool != "" {
			p.Partial = &s
		}
	}

	switch {
	case len(w.Steps) > 0:
		for _, ws := range w.Steps {
			p.Steps = append(p.Steps, ws.toStep())
		}
	case len(w.Candidates) > 0:
		p.Steps = []step{w.Candidates[0].toStep()}
	default:
		if s := w.wireStep.toStep(); s.Tool != "" {
			p.Steps = []step{s}
		}
	}

	return p, true
}

// tryParseArray accepts a bare JSON array of tool calls as a step list.
func tryParseArray(raw string) (plan, bool) {
	var multi []wireStep
	if err := json.Unmarshal([]byte(raw), &multi); err != nil {
		if err := json.Unmarshal([]byte(sanitizeJSONEscapes(raw)), &multi); err != nil {
			return plan{}, false
		}
	}
	var p plan
	for _, ws := range multi {
		if s := ws.toStep(); s.Tool != "" {
			p.Steps = append(p.Steps, s)
		}
	}
	return p, len(p.Steps) > 0
}

func joinQuestions(qs []string) string {
	var kept []string
	for _, q := range qs {
		if q = strings.TrimSpace(q); q != "" {
			kept = append(kept, q)
		}
	}
	return strings.Join(kept, "\n")
}

// stripCodeFence unwraps ```json ... ``` blocks.
func stripCodeFence(content string) string {
	if !strings.HasPrefix(content, "```") {
		return content
	}
	lines := strings.Split(content, "\n")
	if len(lines) >= 3 && strings.HasPrefix(strings.TrimSpace(lines[len(lines)-1]), "```") {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return content
}

// findJSONBounds locates the first top-level JSON object ({}) or array ([]) in s.
// Returns the start index and end+1 index, or (-1, -1) if not found.
func findJSONBounds(s string) (int, int) {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return -1, -1
	}

	openChar := s[start]
	var closeChar byte
	if openChar == '{' {
		closeChar = '}'
	} else {
		closeChar = ']'
	}

	depth := 0
	inStr := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inStr {
			if ch == '\\' {
				i++
				continue
			}
			if ch == '"' {
				inStr = false
			}
			continue
		}
		switch ch {
		case '"':
			inStr = true
		case openChar:
			depth++
		case closeChar:
			depth--
			if depth == 0 {
				return start, i + 1
			}
		}
	}
	return -1, -1
}

// stripRolePrefix removes role names that some local models leak into their
// content, e.g. "assistant\n{...}".
func stripRolePrefix(content string) string {
	prefixes := []string{
		"assistant\n",
		"Assistant\n",
		"assistant:\n",
		"Assistant:\n",
		"assistant: ",
		"Assistant: ",
	}
	for _, p := range prefixes {
		if strings.HasPrefix(content, p) {
			return strings.TrimSpace(content[len(p):])
		}
	}
	return content
}

// coalesce returns the first non-nil map, or an empty map if both are nil.
func coalesce(a, b map[string]any) map[string]any {
	if a != nil {
		return a
	}
	if b != nil {
		return b
	}
	return make(map[string]any)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// sanitizeJSONEscapes fixes invalid JSON escape sequences produced by some LLMs.
// Invalid ones (e.g. \% or \Y) are corrected by dropping the backslash.
func sanitizeJSONEscapes(s string) string {
	var buf strings.Builder
	buf.Grow(len(s))
	inString := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '"' && (i == 0 || s[i-1] != '\\') {
			inString = !inString
			buf.WriteByte(ch)
			continue
		}
		if inString && ch == '\\' && i+1 < len(s) {
			switch s[i+1] {
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				buf.WriteByte(ch)
			default:
				continue
			}
		} else {
			buf.WriteByte(ch)
		}
	}
	return buf.String()
}
