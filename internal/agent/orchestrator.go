package agent

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"actionbridge/internal/audit"
	"actionbridge/internal/domain"
)

// Registry is the catalogue plus dispatch; *tool.Registry implements it.
type Registry interface {
	Catalog
	Dispatch(ctx context.Context, inv domain.ActionInvocation, credential string) domain.ExecutionResult
}

// Metrics observes turns and session lifecycle.
type Metrics interface {
	Turn(status domain.TurnStatus)
	SessionOpened()
	SessionClosed()
}

type noopMetrics struct{}

func (noopMetrics) Turn(domain.TurnStatus) {}
func (noopMetrics) SessionOpened()         {}
func (noopMetrics) SessionClosed()         {}

// Outcome is what the caller of ProcessUtterance gets back for one turn.
type Outcome struct {
	TurnID  string
	Status  domain.TurnStatus
	Results []domain.ExecutionResult
	// Question is set when Status is needs_clarification.
	Question string
	// Reason is a stable user-facing explanation when Status is failed.
	Reason string
	// Message is the complete user-facing reply.
	Message string
}

// Orchestrator drives one utterance from intent resolution to sequential
// dispatch and records the turn.
type Orchestrator struct {
	parser   *IntentParser
	sessions *SessionManager
	tools    Registry
	replies  *Replier
	audit    domain.AuditSink
	redactor *audit.Redactor
	metrics  Metrics
	logger   *slog.Logger
}

type OrchestratorConfig struct {
	Parser   *IntentParser
	Sessions *SessionManager
	Tools    Registry
	Audit    domain.AuditSink // optional
	Redactor *audit.Redactor  // optional; nil stores arguments as given
	Metrics  Metrics          // optional
	Logger   *slog.Logger
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopMetrics{}
	}
	return &Orchestrator{
		parser:   cfg.Parser,
		sessions: cfg.Sessions,
		tools:    cfg.Tools,
		replies:  NewReplier(cfg.Tools, cfg.Logger),
		audit:    cfg.Audit,
		redactor: cfg.Redactor,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
	}
}

// ProcessUtterance resolves and executes one utterance in a session. The
// error return is reserved for unknown sessions and store failures; every
// orchestration failure is an Outcome with status failed.
func (o *Orchestrator) ProcessUtterance(ctx context.Context, sessionID, utterance string) (Outcome, error) {
	sess, release, err := o.sessions.Acquire(sessionID)
	if err != nil {
		return Outcome{}, err
	}
	defer release()

	start := time.Now()
	utterance = strings.TrimSpace(utterance)
	turn := domain.Turn{ID: uuid.NewString(), Utterance: utterance, CreatedAt: start}

	var (
		res     Resolution
		results []domain.ExecutionResult
		kind    domain.ErrorKind
	)
	if utterance == "" {
		res = Resolution{State: StateFailed, ErrorKind: domain.ErrValidation, Reason: "empty utterance"}
	} else {
		res = o.parser.Resolve(ctx, sess.State, utterance)
	}

	switch res.State {
	case StateResolved:
		var invs []domain.ActionInvocation
		results, invs = o.dispatch(ctx, sess, turn.ID, res.Invocations)
		turn.Invocations = o.maskInvocations(invs)
		turn.Status = domain.StatusResolved
		if last := results[len(results)-1]; !last.OK {
			turn.Status = domain.StatusFailed
			kind = last.Error.Kind
		}
	case StateNeedsClarification:
		turn.Status = domain.StatusNeedsClarification
		turn.Question = res.Question
		if res.Pending != nil {
			p := *res.Pending
			p.Arguments = o.redactor.Strip(p.Arguments)
			turn.Pending = &p
		}
	default:
		turn.Status = domain.StatusFailed
		kind = res.ErrorKind
		o.logger.Warn("utterance not resolved", "session", sess.ID, "turn", turn.ID,
			"kind", kind, "prompts", res.Prompts, "reason", res.Reason)
	}

	if turn.Status == domain.StatusFailed {
		turn.Reason = FailureMessage(kind)
	}
	turn.Reply = o.replies.Message(turn.Status, results, turn.Question, kind)
	turn.Results = sanitizeResults(results)

	// The turn is recorded even when the caller gave up; dispatched calls
	// may already have changed backend state.
	if err := o.sessions.Commit(context.WithoutCancel(ctx), sess, turn); err != nil {
		return Outcome{}, err
	}
	o.metrics.Turn(turn.Status)
	o.logger.Info("turn processed", "session", sess.ID, "turn", turn.ID, "status", turn.Status,
		"prompts", res.Prompts, "dispatched", len(results), "duration", time.Since(start))

	return Outcome{
		TurnID:   turn.ID,
		Status:   turn.Status,
		Results:  turn.Results,
		Question: turn.Question,
		Reason:   turn.Reason,
		Message:  turn.Reply,
	}, nil
}

// dispatch runs invocations in order, resolving references to earlier
// results first. The first failure stops the turn. It returns the results
// and the invocations as they were actually sent.
func (o *Orchestrator) dispatch(ctx context.Context, sess *domain.Session, turnID string, invs []domain.ActionInvocation) ([]domain.ExecutionResult, []domain.ActionInvocation) {
	sent := make([]domain.ActionInvocation, len(invs))
	copy(sent, invs)
	results := make([]domain.ExecutionResult, 0, len(invs))

	for i, inv := range sent {
		var res domain.ExecutionResult
		args, err := resolveReferences(inv.Arguments, results)
		if err != nil {
			res = domain.Failed(inv, domain.ErrValidation, err.Error())
		} else {
			inv.Arguments = args
			sent[i] = inv
			res = o.tools.Dispatch(ctx, inv, sess.Credential)
		}
		o.record(ctx, sess.ID, turnID, inv, res)
		results = append(results, res)
		if !res.OK {
			o.logger.Warn("dispatch failed, skipping remaining steps", "session", sess.ID, "tool", inv.Tool,
				"step", i, "remaining", len(sent)-i-1, "error", res.Error)
			break
		}
	}
	return results, sent
}

func (o *Orchestrator) record(ctx context.Context, sessionID, turnID string, inv domain.ActionInvocation, res domain.ExecutionResult) {
	if o.audit == nil {
		return
	}
	if err := o.audit.Record(context.WithoutCancel(ctx), audit.Entry(sessionID, turnID, inv, res, o.redactor)); err != nil {
		o.logger.Warn("audit record failed", "session", sessionID, "tool", inv.Tool, "err", err)
	}
}

func (o *Orchestrator) maskInvocations(invs []domain.ActionInvocation) []domain.ActionInvocation {
	out := make([]domain.ActionInvocation, len(invs))
	for i, inv := range invs {
		inv.Arguments = o.redactor.Mask(inv.Arguments)
		out[i] = inv
	}
	return out
}

// sanitizeResults replaces error messages with the user-facing text for
// their kind. Field errors stay; they name the caller's own input.
func sanitizeResults(results []domain.ExecutionResult) []domain.ExecutionResult {
	if len(results) == 0 {
		return nil
	}
	out := make([]domain.ExecutionResult, len(results))
	for i, r := range results {
		if r.Error != nil {
			e := *r.Error
			e.Message = FailureMessage(e.Kind)
			r.Error = &e
		}
		out[i] = r
	}
	return out
}

// OpenSession starts or resumes a session. The credential is held in memory
// for the life of the open session and passed to every dispatch.
func (o *Orchestrator) OpenSession(ctx context.Context, id, credential string) (string, error) {
	id, opened, err := o.sessions.Open(ctx, id, credential)
	if err != nil {
		return "", err
	}
	if opened {
		o.metrics.SessionOpened()
	}
	return id, nil
}

func (o *Orchestrator) CloseSession(id string) {
	if o.sessions.Close(id) {
		o.metrics.SessionClosed()
	}
}

// History returns the stored turns of a session, oldest first.
func (o *Orchestrator) History(ctx context.Context, id string, limit int) ([]domain.Turn, error) {
	return o.sessions.History(ctx, id, limit)
}

func (o *Orchestrator) ListSessions(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	return o.sessions.List(ctx, limit)
}

// DeleteSession closes the session if open and removes its stored history.
func (o *Orchestrator) DeleteSession(ctx context.Context, id string) error {
	if o.sessions.IsOpen(id) {
		o.CloseSession(id)
	}
	return o.sessions.Delete(ctx, id)
}
