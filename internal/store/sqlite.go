// Package store provides storage backends for CardioCheck.
//
// This file implements an SQLite-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/CardioCheck/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	slog.Debug("SQLite database directory verified/created", "dir", dir)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// One connection: SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	slog.Debug("Running SQLite migrations")
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

// LoadSession returns the stored session for userID, or nil if none exists.
func (s *SQLiteStore) LoadSession(ctx context.Context, userID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = ?`, userID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("SQLiteStore LoadSession: no session", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	return sess, nil
}

// SaveSession upserts the full session record.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *models.Session) error {
	row, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, state, answers, drafts, registered, survey_completed, completed, risk_level, risk_score, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			state = excluded.state,
			answers = excluded.answers,
			drafts = excluded.drafts,
			registered = excluded.registered,
			survey_completed = excluded.survey_completed,
			completed = excluded.completed,
			risk_level = excluded.risk_level,
			risk_score = excluded.risk_score,
			updated_at = excluded.updated_at`,
		sess.UserID, string(sess.State), row.answers, row.drafts,
		sess.Registered, sess.SurveyCompleted, sess.Completed,
		row.riskLevel, row.riskScore,
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore SaveSession failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to save session for %s: %w", sess.UserID, err)
	}
	slog.Debug("SQLiteStore SaveSession succeeded", "userID", sess.UserID, "state", sess.State)
	return nil
}

// LoadAudience returns registered users matching filter.
func (s *SQLiteStore) LoadAudience(ctx context.Context, filter models.Audience) ([]string, error) {
	query := `SELECT user_id FROM sessions WHERE registered = 1`
	switch filter {
	case models.AudienceAll:
	case models.AudienceCompleted:
		query += ` AND completed = 1`
	case models.AudienceUncompleted:
		query += ` AND completed = 0`
	default:
		return nil, fmt.Errorf("unknown audience %q", filter)
	}
	query += ` ORDER BY user_id`
	return queryUserIDs(ctx, s.db, query)
}

// Stats summarizes every stored session.
func (s *SQLiteStore) Stats(ctx context.Context) (models.AdminStats, error) {
	return collectStats(ctx, s.db)
}

func (s *SQLiteStore) AppendActivityLog(ctx context.Context, userID, action, details string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (user_id, action, details, created_at) VALUES (?, ?, ?, ?)`,
		userID, action, nilIfEmpty(details), time.Now().UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore AppendActivityLog failed", "error", err, "userID", userID, "action", action)
		return fmt.Errorf("failed to append activity for %s: %w", userID, err)
	}
	return nil
}

// ListActivity returns the most recent entries for userID, newest first.
func (s *SQLiteStore) ListActivity(ctx context.Context, userID string, limit int) ([]models.ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, action, COALESCE(details, '') FROM activity_log WHERE user_id = ? ORDER BY id DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	return scanActivity(rows)
}

func (s *SQLiteStore) MarkReminderSent(ctx context.Context, eventID, reminderID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO reminder_ledger (event_id, reminder_id, sent_at) VALUES (?, ?, ?)`,
		eventID, reminderID, at.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to mark reminder %s sent: %w", reminderID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("ledger rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) SentReminders(ctx context.Context, eventID string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reminder_id, sent_at FROM reminder_ledger WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminder ledger: %w", err)
	}
	return scanLedger(rows)
}

func (s *SQLiteStore) AddBroadcastLog(ctx context.Context, entry models.BroadcastLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcast_log (id, reminder_id, message, audience, total, sent, failed, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ReminderID, entry.Message, string(entry.Audience), entry.Total, entry.Sent, entry.Failed, entry.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("SQLiteStore AddBroadcastLog failed", "error", err, "reminderID", entry.ReminderID)
		return fmt.Errorf("failed to insert broadcast log: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListBroadcastLogs(ctx context.Context, limit int) ([]models.BroadcastLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reminder_id, message, audience, total, sent, failed, created_at FROM broadcast_log ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query broadcast log: %w", err)
	}
	return scanBroadcastLogs(rows)
}

func (s *SQLiteStore) AddDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, user_id, operation, payload, error, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.UserID, dl.Operation, dl.Payload, dl.Error, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, operation, payload, error FROM dead_letters ORDER BY created_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	return scanDeadLetters(rows)
}
