// Package audit records every dispatch for operators. Records keep full
// error detail; argument values named as sensitive are masked first.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"actionbridge/internal/domain"
)

// Logger is the storage side of the audit trail.
type Logger interface {
	LogAudit(ctx context.Context, entry domain.AuditEntry) error
}

// StoreSink writes entries to a Logger such as the SQL conversation store.
type StoreSink struct {
	store Logger
}

func NewStoreSink(store Logger) *StoreSink { return &StoreSink{store: store} }

func (s *StoreSink) Record(ctx context.Context, e domain.AuditEntry) error {
	return s.store.LogAudit(ctx, e)
}

// LogSink writes entries as structured log lines.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink { return &LogSink{logger: logger} }

func (s *LogSink) Record(ctx context.Context, e domain.AuditEntry) error {
	attrs := []any{
		"session", e.SessionID,
		"turn", e.TurnID,
		"tool", e.Tool,
		"ok", e.OK,
		"attempts", e.Attempts,
		"duration", e.Duration,
	}
	if e.Status != 0 {
		attrs = append(attrs, "status", e.Status)
	}
	if !e.OK {
		attrs = append(attrs, "kind", e.ErrorKind, "detail", e.Detail)
		s.logger.WarnContext(ctx, "audit", attrs...)
		return nil
	}
	s.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// Multi fans an entry out to every sink and joins their errors.
type Multi []domain.AuditSink

func (m Multi) Record(ctx context.Context, e domain.AuditEntry) error {
	var errs []error
	for _, s := range m {
		if err := s.Record(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Entry builds the audit record for one dispatched invocation.
func Entry(sessionID, turnID string, inv domain.ActionInvocation, res domain.ExecutionResult, r *Redactor) domain.AuditEntry {
	args, err := json.Marshal(r.Mask(inv.Arguments))
	if err != nil {
		args = []byte("{}")
	}
	e := domain.AuditEntry{
		Time:      time.Now(),
		SessionID: sessionID,
		TurnID:    turnID,
		Tool:      inv.Tool,
		Arguments: string(args),
		OK:        res.OK,
		Status:    res.Status,
		Attempts:  res.Attempts,
		Duration:  res.Duration,
	}
	if res.Error != nil {
		e.ErrorKind = res.Error.Kind
		e.Detail = res.Error.Error()
		if e.Status == 0 {
			e.Status = res.Error.Status
		}
	}
	return e
}
