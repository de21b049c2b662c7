package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"actionbridge/internal/domain"
	"actionbridge/internal/provider"
	"actionbridge/internal/validate"
)

// State is a position in the intent resolution state machine:
// AwaitingInput -> Prompting -> Resolved | NeedsClarification | Failed.
type State string

const (
	StateAwaitingInput      State = "awaiting_input"
	StatePrompting          State = "prompting"
	StateResolved           State = "resolved"
	StateNeedsClarification State = "needs_clarification"
	StateFailed             State = "failed"
)

// TurnStatus maps a terminal state onto the stored turn status.
func (s State) TurnStatus() domain.TurnStatus {
	switch s {
	case StateResolved:
		return domain.StatusResolved
	case StateNeedsClarification:
		return domain.StatusNeedsClarification
	}
	return domain.StatusFailed
}

const (
	defaultMaxReprompts        = 2
	defaultConfidenceThreshold = 0.7

	lowConfidenceQuestion = "I'm not sure I understood. Could you tell me more precisely what you want to do?"
)

// Completer is the LLM boundary; *provider.Processor implements it.
type Completer interface {
	Complete(ctx context.Context, messages []domain.Message, tools []domain.ToolDefinition) (*domain.ChatResponse, error)
}

// Resolution is the outcome of resolving one utterance.
type Resolution struct {
	State       State
	Invocations []domain.ActionInvocation
	// Question is set for NeedsClarification.
	Question string
	// Pending carries the partially filled invocation behind Question.
	Pending *domain.ActionInvocation
	// Reason and ErrorKind are set for Failed. Reason is operator detail.
	Reason    string
	ErrorKind domain.ErrorKind
	// Prompts counts LLM calls made, re-prompts included.
	Prompts int
}

// RepromptRecorder observes re-prompts.
type RepromptRecorder interface {
	Reprompt()
}

type IntentParser struct {
	llm                 Completer
	catalog             Catalog
	prompt              *PromptBuilder
	context             *ContextManager
	maxReprompts        int
	confidenceThreshold float64
	nativeTools         bool
	recorder            RepromptRecorder
	logger              *slog.Logger
}

type IntentParserConfig struct {
	LLM     Completer
	Catalog Catalog
	Prompt  *PromptBuilder
	Context *ContextManager
	// MaxReprompts bounds corrective prompts after the first. Negative
	// disables them; zero means the default.
	MaxReprompts        int
	ConfidenceThreshold float64
	// NativeTools offers the catalogue as provider tool definitions as well
	// as in the prompt text.
	NativeTools bool
	Recorder    RepromptRecorder
	Logger      *slog.Logger
}

func NewIntentParser(cfg IntentParserConfig) *IntentParser {
	switch {
	case cfg.MaxReprompts == 0:
		cfg.MaxReprompts = defaultMaxReprompts
	case cfg.MaxReprompts < 0:
		cfg.MaxReprompts = 0
	}
	if cfg.ConfidenceThreshold <= 0 {
		cfg.ConfidenceThreshold = defaultConfidenceThreshold
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prompt == nil {
		cfg.Prompt = NewPromptBuilder(PromptConfig{Catalog: cfg.Catalog})
	}
	if cfg.Context == nil {
		cfg.Context = NewContextManager(ContextManagerConfig{Logger: cfg.Logger})
	}
	return &IntentParser{
		llm:                 cfg.LLM,
		catalog:             cfg.Catalog,
		prompt:              cfg.Prompt,
		context:             cfg.Context,
		maxReprompts:        cfg.MaxReprompts,
		confidenceThreshold: cfg.ConfidenceThreshold,
		nativeTools:         cfg.NativeTools,
		recorder:            cfg.Recorder,
		logger:              cfg.Logger,
	}
}

// rejection is a plan problem the model may be able to fix.
type rejection struct {
	problem string
	kind    domain.ErrorKind
}

// Resolve runs one utterance through the state machine. It never returns a
// Resolution in a non-terminal state.
func (ip *IntentParser) Resolve(ctx context.Context, state domain.ConversationState, utterance string) Resolution {
	pending := state.Pending()
	messages := ip.prompt.BuildMessages(ip.context.History(state), pending, utterance)
	var tools []domain.ToolDefinition
	if ip.nativeTools {
		tools = ip.catalog.Definitions()
	}

	res := Resolution{State: StatePrompting}
	for {
		res.Prompts++
		resp, err := ip.llm.Complete(ctx, messages, tools)
		if err != nil {
			return ip.llmFailure(res, err)
		}

		p := parsePlan(resp)
		out, rej := ip.interpret(p, pending)
		if rej == nil {
			out.Prompts = res.Prompts
			ip.logger.Debug("utterance resolved", "state", out.State, "prompts", out.Prompts, "steps", len(out.Invocations))
			return out
		}
		if out.State == StateFailed {
			out.Prompts = res.Prompts
			return out
		}

		if res.Prompts > ip.maxReprompts {
			ip.logger.Warn("re-prompt budget exhausted", "prompts", res.Prompts, "problem", rej.problem)
			res.State = StateFailed
			res.ErrorKind = rej.kind
			res.Reason = rej.problem
			return res
		}
		ip.logger.Info("plan rejected, re-prompting", "attempt", res.Prompts, "problem", rej.problem)
		if ip.recorder != nil {
			ip.recorder.Reprompt()
		}
		messages = ip.prompt.AddCorrection(messages, rejectedText(resp), rej.problem)
	}
}

// interpret turns a parsed plan into a terminal resolution, or a rejection
// to feed back to the model. Failures that a new prompt cannot fix come back
// as a Failed resolution together with a rejection.
func (ip *IntentParser) interpret(p plan, pending *domain.ActionInvocation) (Resolution, *rejection) {
	if p.empty() {
		return Resolution{}, &rejection{problem: "the reply contained no plan and no question", kind: domain.ErrValidation}
	}

	lowConfidence := p.Confidence != nil && *p.Confidence < ip.confidenceThreshold
	if len(p.Steps) == 0 || lowConfidence {
		question := p.Question
		if question == "" {
			question = lowConfidenceQuestion
		}
		partial := p.Partial
		if partial == nil && len(p.Steps) > 0 {
			partial = &p.Steps[0]
		}
		return Resolution{
			State:    StateNeedsClarification,
			Question: question,
			Pending:  ip.carryPending(partial, pending),
		}, nil
	}

	invocations := make([]domain.ActionInvocation, 0, len(p.Steps))
	for i, s := range p.Steps {
		schema, ok := ip.catalog.Lookup(s.Tool)
		if !ok {
			ip.logger.Warn("plan names an unregistered action", "tool", s.Tool)
			rej := &rejection{problem: fmt.Sprintf("unknown tool %q", s.Tool), kind: domain.ErrToolNotFound}
			return Resolution{State: StateFailed, ErrorKind: rej.kind, Reason: rej.problem}, rej
		}

		args := s.Arguments
		if i == 0 && pending != nil && pending.Tool == schema.Name {
			args = mergeArgs(pending.Arguments, args)
		}
		inv := domain.ActionInvocation{ID: uuid.NewString(), Tool: schema.Name, Arguments: args}

		if err := checkReferences(i, args); err != nil {
			return Resolution{}, &rejection{problem: fmt.Sprintf("step %d: %v", i, err), kind: domain.ErrValidation}
		}
		if err := validateStep(schema, args); err != nil {
			var verr *validate.Error
			if errors.As(err, &verr) && i == 0 && onlyMissing(verr) {
				return Resolution{
					State:    StateNeedsClarification,
					Question: missingQuestion(schema, verr.Missing()),
					Pending:  &inv,
				}, nil
			}
			return Resolution{}, &rejection{problem: fmt.Sprintf("step %d: %v", i, err), kind: domain.ErrValidation}
		}
		invocations = append(invocations, inv)
	}
	return Resolution{State: StateResolved, Invocations: invocations}, nil
}

// carryPending builds the pending invocation for a clarification, keeping
// slots gathered by an earlier clarification of the same action.
func (ip *IntentParser) carryPending(partial *step, prior *domain.ActionInvocation) *domain.ActionInvocation {
	if partial == nil {
		return prior
	}
	schema, ok := ip.catalog.Lookup(partial.Tool)
	if !ok {
		return prior
	}
	args := partial.Arguments
	if prior != nil && prior.Tool == schema.Name {
		args = mergeArgs(prior.Arguments, args)
	}
	return &domain.ActionInvocation{ID: uuid.NewString(), Tool: schema.Name, Arguments: args}
}

func (ip *IntentParser) llmFailure(res Resolution, err error) Resolution {
	res.State = StateFailed
	res.Reason = err.Error()
	switch {
	case errors.Is(err, context.Canceled):
		res.ErrorKind = domain.ErrInternal
	case provider.KindOf(err) == provider.KindTimeout:
		res.ErrorKind = domain.ErrTimeout
	case provider.IsRetryable(err):
		res.ErrorKind = domain.ErrTransient
	default:
		res.ErrorKind = domain.ErrProvider
	}
	return res
}

// validateStep validates args, leaving out arguments that reference an
// earlier step's result; those are checked again at dispatch once resolved.
func validateStep(schema domain.ActionSchema, args map[string]any) error {
	deferred := make(map[string]bool)
	plain := make(map[string]any, len(args))
	for k, v := range args {
		if hasReference(v) {
			deferred[k] = true
			continue
		}
		plain[k] = v
	}
	_, err := validate.Validate(schema, plain)
	if err == nil || len(deferred) == 0 {
		return err
	}
	var verr *validate.Error
	if !errors.As(err, &verr) {
		return err
	}
	kept := verr.Fields[:0:0]
	for _, f := range verr.Fields {
		if !deferred[f.Field] {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return &validate.Error{Tool: verr.Tool, Fields: kept}
}

func checkReferences(index int, args map[string]any) error {
	for _, n := range referencedSteps(args) {
		if n >= index {
			return fmt.Errorf("%w: step %d can only refer to earlier steps, not step %d", ErrBadReference, index, n)
		}
	}
	return nil
}

func onlyMissing(verr *validate.Error) bool {
	return len(verr.Fields) > 0 && len(verr.Missing()) == len(verr.Fields)
}

func missingQuestion(schema domain.ActionSchema, missing []string) string {
	names := make([]string, len(missing))
	for i, m := range missing {
		names[i] = strings.ReplaceAll(m, "_", " ")
		if p, ok := schema.Param(m); ok && p.Description != "" {
			names[i] += " (" + strings.TrimSuffix(p.Description, ".") + ")"
		}
	}
	return fmt.Sprintf("Which %s should I use?", joinWords(names))
}

func joinWords(words []string) string {
	switch len(words) {
	case 0:
		return ""
	case 1:
		return words[0]
	}
	return strings.Join(words[:len(words)-1], ", ") + " and " + words[len(words)-1]
}

// mergeArgs overlays next on base; values from next win.
func mergeArgs(base, next map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(next))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range next {
		if v == nil {
			continue
		}
		out[k] = v
	}
	return out
}

// rejectedText is what the model said, as echoed back in a correction.
func rejectedText(resp *domain.ChatResponse) string {
	if resp == nil {
		return ""
	}
	if len(resp.ToolCalls) == 0 {
		return resp.Content
	}
	steps := make([]map[string]any, len(resp.ToolCalls))
	for i, tc := range resp.ToolCalls {
		steps[i] = map[string]any{"tool": tc.Name, "arguments": tc.Arguments}
	}
	data, _ := json.Marshal(map[string]any{"steps": steps})
	return string(data)
}
