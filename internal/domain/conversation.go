package domain

import (
	"context"
	"errors"
	"time"
)

var ErrSessionNotFound = errors.New("session not found")

type TurnStatus string

const (
	StatusResolved           TurnStatus = "resolved"
	StatusNeedsClarification TurnStatus = "needs_clarification"
	StatusFailed             TurnStatus = "failed"
)

// Turn is one utterance and everything resolved or executed for it.
type Turn struct {
	ID          string             `json:"id"`
	Utterance   string             `json:"utterance"`
	Status      TurnStatus         `json:"status"`
	Invocations []ActionInvocation `json:"invocations,omitempty"`
	Results     []ExecutionResult  `json:"results,omitempty"`
	Question    string             `json:"question,omitempty"`
	Reason      string             `json:"reason,omitempty"`
	Reply       string             `json:"reply,omitempty"`
	// Pending holds slot values gathered before a clarification question.
	Pending   *ActionInvocation `json:"pending,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// ConversationState is an append-only sequence of turns. The zero value is empty.
// Append returns a new state and never writes through the receiver.
type ConversationState struct {
	turns []Turn
}

func NewConversationState(turns ...Turn) ConversationState {
	cp := make([]Turn, len(turns))
	copy(cp, turns)
	return ConversationState{turns: cp}
}

func (s ConversationState) Append(t Turn) ConversationState {
	next := make([]Turn, len(s.turns), len(s.turns)+1)
	copy(next, s.turns)
	return ConversationState{turns: append(next, t)}
}

// Turns returns a copy of the turn history, oldest first.
func (s ConversationState) Turns() []Turn {
	cp := make([]Turn, len(s.turns))
	copy(cp, s.turns)
	return cp
}

func (s ConversationState) Len() int { return len(s.turns) }

func (s ConversationState) Last() (Turn, bool) {
	if len(s.turns) == 0 {
		return Turn{}, false
	}
	return s.turns[len(s.turns)-1], true
}

// Pending returns the partial invocation left by a trailing clarification turn.
func (s ConversationState) Pending() *ActionInvocation {
	last, ok := s.Last()
	if !ok || last.Status != StatusNeedsClarification {
		return nil
	}
	return last.Pending
}

// Session owns one conversation. Credential is opaque and never persisted.
type Session struct {
	ID         string
	Credential string
	State      ConversationState
	CreatedAt  time.Time
}

// SessionRecord is the persisted view of a session.
type SessionRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	TurnCount int       `json:"turn_count"`
}

// ConversationStore persists sessions and their append-only turn history.
type ConversationStore interface {
	CreateSession(ctx context.Context, rec SessionRecord) error
	GetSession(ctx context.Context, id string) (*SessionRecord, error)
	ListSessions(ctx context.Context, limit int) ([]SessionRecord, error)
	DeleteSession(ctx context.Context, id string) error

	AppendTurn(ctx context.Context, sessionID string, turn Turn) error
	// Turns returns the most recent limit turns oldest first; limit <= 0 means all.
	Turns(ctx context.Context, sessionID string, limit int) ([]Turn, error)

	Ping(ctx context.Context) error
	Close() error
}
