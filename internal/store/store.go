// Package store provides storage backends for CardioCheck.
//
// SQLite and PostgreSQL implement the same set of repositories: sessions,
// the activity log, inbound deduplication, the reminder ledger, the broadcast
// log and the dead-letter log.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/CardioCheck/internal/models"
)

// Driver names returned by DetectDSNType.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite3"
)

// Opts holds configuration options for store implementations.
type Opts struct {
	DSN string
}

// Option defines a function for configuring a store.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DetectDSNType returns DriverPostgres for URL or key=value PostgreSQL
// connection strings and DriverSQLite for everything else.
func DetectDSNType(dsn string) string {
	lower := strings.ToLower(strings.TrimSpace(dsn))
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DriverPostgres
	}
	for _, key := range []string{"host=", "user=", "dbname=", "sslmode="} {
		if strings.Contains(lower, key) {
			return DriverPostgres
		}
	}
	return DriverSQLite
}

// SessionRepo persists participant sessions.
type SessionRepo interface {
	// LoadSession returns nil, nil when the user has no stored session.
	LoadSession(ctx context.Context, userID string) (*models.Session, error)
	SaveSession(ctx context.Context, s *models.Session) error
	// LoadAudience returns the registered users matching the filter, ordered by id.
	LoadAudience(ctx context.Context, filter models.Audience) ([]string, error)
	Stats(ctx context.Context) (models.AdminStats, error)
}

// ActivityRepo records what each participant did.
type ActivityRepo interface {
	AppendActivityLog(ctx context.Context, userID, action, details string) error
	ListActivity(ctx context.Context, userID string, limit int) ([]models.ActivityEntry, error)
}

// LedgerRepo remembers which reminders were sent for an event.
type LedgerRepo interface {
	// MarkReminderSent returns false if the reminder was already marked.
	MarkReminderSent(ctx context.Context, eventID, reminderID string, at time.Time) (bool, error)
	SentReminders(ctx context.Context, eventID string) (map[string]time.Time, error)
}

// BroadcastRepo stores the outcome of reminder batches.
type BroadcastRepo interface {
	AddBroadcastLog(ctx context.Context, entry models.BroadcastLog) error
	ListBroadcastLogs(ctx context.Context, limit int) ([]models.BroadcastLog, error)
}

// DeadLetterRepo stores writes that failed after every retry.
type DeadLetterRepo interface {
	AddDeadLetter(ctx context.Context, dl models.DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
}

// Store is the full persistence surface used by the application.
type Store interface {
	SessionRepo
	ActivityRepo
	LedgerRepo
	BroadcastRepo
	DeadLetterRepo
	DedupRepo
	Close() error
}

// Open creates the store matching the DSN type.
func Open(dsn string) (Store, error) {
	if DetectDSNType(dsn) == DriverPostgres {
		slog.Debug("store.Open: using PostgreSQL store")
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return s, nil
	}
	slog.Debug("store.Open: using SQLite store", "path", dsn)
	s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("open sqlite store: %w", err)
	}
	return s, nil
}
