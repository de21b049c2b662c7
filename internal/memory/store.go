// Package memory holds the conversation stores: in-process, SQL (SQLite or
// MySQL) and Redis. All of them implement domain.ConversationStore.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "modernc.org/sqlite"

	"actionbridge/internal/domain"
)

const (
	dialectSQLite = "sqlite"
	dialectMySQL  = "mysql"
)

// SQLStore implements domain.ConversationStore on database/sql. Each turn is
// stored as one JSON row; session credentials never reach the database.
type SQLStore struct {
	db      *sql.DB
	dialect string
	logger  *slog.Logger
}

var _ domain.ConversationStore = (*SQLStore)(nil)

func NewSQLiteStore(ctx context.Context, dbPath string, logger *slog.Logger) (*SQLStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Set connection pool (single connection for SQLite)
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return newSQLStore(ctx, db, dialectSQLite, logger)
}

// NewMySQLStore opens dsn, forcing parseTime so the driver never returns
// raw byte timestamps.
func NewMySQLStore(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid mysql dsn: %w", err)
	}
	cfg.ParseTime = true

	db, err := sql.Open("mysql", cfg.FormatDSN())
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(10 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot connect to mysql: %w", err)
	}
	return newSQLStore(ctx, db, dialectMySQL, logger)
}

func newSQLStore(ctx context.Context, db *sql.DB, dialect string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := RunMigrations(ctx, db, dialect, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect, logger: logger}, nil
}

func (s *SQLStore) Dialect() string { return s.dialect }

func (s *SQLStore) CreateSession(ctx context.Context, rec domain.SessionRecord) error {
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = rec.CreatedAt
	}
	insert := `INSERT OR IGNORE INTO sessions (id, turn_count, created_at, updated_at) VALUES (?, 0, ?, ?)`
	if s.dialect == dialectMySQL {
		insert = `INSERT IGNORE INTO sessions (id, turn_count, created_at, updated_at) VALUES (?, 0, ?, ?)`
	}
	_, err := s.db.ExecContext(ctx, insert, rec.ID, rec.CreatedAt.UnixMilli(), rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("create session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLStore) GetSession(ctx context.Context, id string) (*domain.SessionRecord, error) {
	rec, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT id, turn_count, created_at, updated_at FROM sessions WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return &rec, nil
}

func (s *SQLStore) ListSessions(ctx context.Context, limit int) ([]domain.SessionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, turn_count, created_at, updated_at
		 FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.SessionRecord
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *SQLStore) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM turns WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrSessionNotFound
	}
	return tx.Commit()
}

// AppendTurn stores turn at the next sequence number of the session.
func (s *SQLStore) AppendTurn(ctx context.Context, sessionID string, turn domain.Turn) error {
	if turn.CreatedAt.IsZero() {
		turn.CreatedAt = time.Now()
	}
	payload, err := json.Marshal(turn)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var seq int
	err = tx.QueryRowContext(ctx, `SELECT turn_count FROM sessions WHERE id = ?`, sessionID).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("read session %s: %w", sessionID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO turns (session_id, seq, turn_id, status, payload, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sessionID, seq, turn.ID, string(turn.Status), string(payload), turn.CreatedAt.UnixMilli(),
	); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET turn_count = turn_count + 1, updated_at = ? WHERE id = ?`,
		time.Now().UnixMilli(), sessionID,
	); err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return tx.Commit()
}

func (s *SQLStore) Turns(ctx context.Context, sessionID string, limit int) ([]domain.Turn, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}

	query := `SELECT payload FROM turns WHERE session_id = ? ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []domain.Turn
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var t domain.Turn
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("decode turn: %w", err)
		}
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}

// LogAudit appends one dispatch record to audit_log.
func (s *SQLStore) LogAudit(ctx context.Context, e domain.AuditEntry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	ok := 0
	if e.OK {
		ok = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (session_id, turn_id, tool, arguments, ok, error_kind, detail, status, attempts, duration_ms, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.TurnID, e.Tool, e.Arguments, ok, string(e.ErrorKind), e.Detail,
		e.Status, e.Attempts, e.Duration.Milliseconds(), e.Time.UnixMilli(),
	)
	return err
}

// AuditLog returns the most recent entries, newest first.
func (s *SQLStore) AuditLog(ctx context.Context, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, turn_id, tool, arguments, ok, error_kind, detail, status, attempts, duration_ms, created_at
		 FROM audit_log ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var (
			e                          domain.AuditEntry
			sessionID, turnID, args    sql.NullString
			kind, detail               sql.NullString
			ok                         int
			durationMs, createdAtMilli int64
		)
		if err := rows.Scan(&sessionID, &turnID, &e.Tool, &args, &ok, &kind, &detail,
			&e.Status, &e.Attempts, &durationMs, &createdAtMilli); err != nil {
			return nil, err
		}
		e.SessionID = sessionID.String
		e.TurnID = turnID.String
		e.Arguments = args.String
		e.OK = ok != 0
		e.ErrorKind = domain.ErrorKind(kind.String)
		e.Detail = detail.String
		e.Duration = time.Duration(durationMs) * time.Millisecond
		e.Time = time.UnixMilli(createdAtMilli)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.SessionRecord, error) {
	var (
		rec                  domain.SessionRecord
		createdAt, updatedAt int64
	)
	if err := row.Scan(&rec.ID, &rec.TurnCount, &createdAt, &updatedAt); err != nil {
		return rec, err
	}
	rec.CreatedAt = time.UnixMilli(createdAt)
	rec.UpdatedAt = time.UnixMilli(updatedAt)
	return rec, nil
}
