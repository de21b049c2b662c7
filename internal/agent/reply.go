package agent

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"

	"actionbridge/internal/domain"
)

// User-facing failure messages. They never carry backend or provider detail.
var failureMessages = map[domain.ErrorKind]string{
	domain.ErrValidation:    "I couldn't work out valid details for that request. Could you rephrase it with the specific values?",
	domain.ErrToolNotFound:  "I can't do that yet. Try rephrasing, or ask what actions are available.",
	domain.ErrTransient:     "The service is not responding right now. Please try again in a moment.",
	domain.ErrTimeout:       "The service took too long to respond. Please try again in a moment.",
	domain.ErrNetwork:       "I couldn't reach the service. Please try again in a moment.",
	domain.ErrHTTP:          "The service rejected that request. Please check the details and try again.",
	domain.ErrAuthorization: "You are not allowed to do that. Please sign in again or check your permissions.",
	domain.ErrApplication:   "The service could not complete that request. Please check the details and try again.",
	domain.ErrProvider:      "I couldn't process that request right now. Please try rephrasing it.",
	domain.ErrInternal:      "Something went wrong on my side. Please try again.",
}

// FailureMessage returns the stable message shown to users for kind.
func FailureMessage(kind domain.ErrorKind) string {
	if msg, ok := failureMessages[kind]; ok {
		return msg
	}
	return failureMessages[domain.ErrInternal]
}

var replyFuncs = template.FuncMap{
	"default": func(def, v any) any {
		if v == nil {
			return def
		}
		if s, ok := v.(string); ok && s == "" {
			return def
		}
		return v
	},
	"pluck": func(key string, list any) []any {
		items, _ := list.([]any)
		var out []any
		for _, it := range items {
			if m, ok := it.(map[string]any); ok {
				if v, ok := m[key]; ok && v != nil {
					out = append(out, v)
				}
			}
		}
		return out
	},
	"limit": func(n int, list []any) []any {
		if n < len(list) {
			return list[:n]
		}
		return list
	},
	"join": func(items []any, sep string) string {
		parts := make([]string, len(items))
		for i, it := range items {
			parts[i] = fmt.Sprint(it)
		}
		return strings.Join(parts, sep)
	},
}

// Replier renders per-action reply templates against result payloads.
type Replier struct {
	catalog Catalog
	logger  *slog.Logger

	mu        sync.Mutex
	templates map[string]*template.Template
}

func NewReplier(catalog Catalog, logger *slog.Logger) *Replier {
	return &Replier{
		catalog:   catalog,
		logger:    logger,
		templates: make(map[string]*template.Template),
	}
}

// Success renders the reply for one successful result, falling back to a
// generic confirmation when the action has no template or it fails to render.
func (r *Replier) Success(res domain.ExecutionResult) string {
	generic := fmt.Sprintf("Done: %s completed.", res.Tool)
	tmpl := r.template(res.Tool)
	if tmpl == nil {
		return generic
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, res.Payload); err != nil {
		r.logger.Debug("reply template failed", "tool", res.Tool, "err", err)
		return generic
	}
	out := strings.TrimSpace(b.String())
	if out == "" {
		return generic
	}
	return out
}

// Message builds the user-facing text for a turn.
func (r *Replier) Message(status domain.TurnStatus, results []domain.ExecutionResult, question string, kind domain.ErrorKind) string {
	switch status {
	case domain.StatusNeedsClarification:
		return question
	case domain.StatusResolved:
		lines := make([]string, 0, len(results))
		for _, res := range results {
			lines = append(lines, r.Success(res))
		}
		return strings.Join(lines, "\n")
	}

	var lines []string
	for _, res := range results {
		if res.OK {
			lines = append(lines, r.Success(res))
		}
	}
	lines = append(lines, FailureMessage(kind))
	return strings.Join(lines, "\n")
}

func (r *Replier) template(tool string) *template.Template {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.templates[tool]; ok {
		return t
	}
	var t *template.Template
	if schema, ok := r.catalog.Lookup(tool); ok && schema.Reply != "" {
		parsed, err := template.New(tool).Funcs(replyFuncs).Option("missingkey=zero").Parse(schema.Reply)
		if err != nil {
			r.logger.Warn("invalid reply template", "tool", tool, "err", err)
		} else {
			t = parsed
		}
	}
	r.templates[tool] = t
	return t
}
