package domain

import (
	"context"
	"time"
)

// AuditEntry is the operator-facing record of one dispatch attempt.
// Unlike user-facing replies it keeps full error detail.
type AuditEntry struct {
	Time      time.Time     `json:"time"`
	SessionID string        `json:"session_id"`
	TurnID    string        `json:"turn_id"`
	Tool      string        `json:"tool"`
	Arguments string        `json:"arguments"`
	OK        bool          `json:"ok"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Status    int           `json:"status,omitempty"`
	Attempts  int           `json:"attempts"`
	Duration  time.Duration `json:"duration"`
}

type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
}
