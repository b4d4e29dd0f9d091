// Package store provides storage backends for CardioCheck.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/CardioCheck/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

var _ Store = (*PostgresStore)(nil)

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	slog.Debug("Running Postgres migrations")
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return newPostgresStoreWithDB(db), nil
}

// newPostgresStoreWithDB wraps an already configured handle. Tests use it
// with sqlmock.
func newPostgresStoreWithDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}

// LoadSession returns the stored session for userID, or nil if none exists.
func (s *PostgresStore) LoadSession(ctx context.Context, userID string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE user_id = $1`, userID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		slog.Debug("PostgresStore LoadSession: no session", "userID", userID)
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadSession failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to load session for %s: %w", userID, err)
	}
	return sess, nil
}

// SaveSession upserts the full session record.
func (s *PostgresStore) SaveSession(ctx context.Context, sess *models.Session) error {
	row, err := encodeSession(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, state, answers, drafts, registered, survey_completed, completed, risk_level, risk_score, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id) DO UPDATE SET
			state = EXCLUDED.state,
			answers = EXCLUDED.answers,
			drafts = EXCLUDED.drafts,
			registered = EXCLUDED.registered,
			survey_completed = EXCLUDED.survey_completed,
			completed = EXCLUDED.completed,
			risk_level = EXCLUDED.risk_level,
			risk_score = EXCLUDED.risk_score,
			updated_at = EXCLUDED.updated_at`,
		sess.UserID, string(sess.State), row.answers, row.drafts,
		sess.Registered, sess.SurveyCompleted, sess.Completed,
		row.riskLevel, row.riskScore,
		sess.CreatedAt.UTC(), sess.UpdatedAt.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore SaveSession failed", "error", err, "userID", sess.UserID)
		return fmt.Errorf("failed to save session for %s: %w", sess.UserID, err)
	}
	slog.Debug("PostgresStore SaveSession succeeded", "userID", sess.UserID, "state", sess.State)
	return nil
}

// LoadAudience returns registered users matching filter.
func (s *PostgresStore) LoadAudience(ctx context.Context, filter models.Audience) ([]string, error) {
	query := `SELECT user_id FROM sessions WHERE registered`
	switch filter {
	case models.AudienceAll:
	case models.AudienceCompleted:
		query += ` AND completed`
	case models.AudienceUncompleted:
		query += ` AND NOT completed`
	default:
		return nil, fmt.Errorf("unknown audience %q", filter)
	}
	query += ` ORDER BY user_id`
	return queryUserIDs(ctx, s.db, query)
}

// Stats summarizes every stored session.
func (s *PostgresStore) Stats(ctx context.Context) (models.AdminStats, error) {
	return collectStats(ctx, s.db)
}

func (s *PostgresStore) AppendActivityLog(ctx context.Context, userID, action, details string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_log (user_id, action, details, created_at) VALUES ($1, $2, $3, $4)`,
		userID, action, nilIfEmpty(details), time.Now().UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore AppendActivityLog failed", "error", err, "userID", userID, "action", action)
		return fmt.Errorf("failed to append activity for %s: %w", userID, err)
	}
	return nil
}

// ListActivity returns the most recent entries for userID, newest first.
func (s *PostgresStore) ListActivity(ctx context.Context, userID string, limit int) ([]models.ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, action, COALESCE(details, '') FROM activity_log WHERE user_id = $1 ORDER BY id DESC LIMIT $2`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity: %w", err)
	}
	return scanActivity(rows)
}

func (s *PostgresStore) MarkReminderSent(ctx context.Context, eventID, reminderID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_ledger (event_id, reminder_id, sent_at) VALUES ($1, $2, $3) ON CONFLICT (event_id, reminder_id) DO NOTHING`,
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

func (s *PostgresStore) SentReminders(ctx context.Context, eventID string) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT reminder_id, sent_at FROM reminder_ledger WHERE event_id = $1`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminder ledger: %w", err)
	}
	return scanLedger(rows)
}

func (s *PostgresStore) AddBroadcastLog(ctx context.Context, entry models.BroadcastLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO broadcast_log (id, reminder_id, message, audience, total, sent, failed, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		entry.ID, entry.ReminderID, entry.Message, string(entry.Audience), entry.Total, entry.Sent, entry.Failed, entry.CreatedAt.UTC(),
	)
	if err != nil {
		slog.Error("PostgresStore AddBroadcastLog failed", "error", err, "reminderID", entry.ReminderID)
		return fmt.Errorf("failed to insert broadcast log: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListBroadcastLogs(ctx context.Context, limit int) ([]models.BroadcastLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, reminder_id, message, audience, total, sent, failed, created_at FROM broadcast_log ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query broadcast log: %w", err)
	}
	return scanBroadcastLogs(rows)
}

func (s *PostgresStore) AddDeadLetter(ctx context.Context, dl models.DeadLetter) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, user_id, operation, payload, error, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		dl.ID, dl.UserID, dl.Operation, dl.Payload, dl.Error, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, operation, payload, error FROM dead_letters ORDER BY created_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	return scanDeadLetters(rows)
}
