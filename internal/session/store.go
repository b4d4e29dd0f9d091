// Package session owns the per-user session record between actions. It
// keeps a working copy for live conversations and writes every change
// through to durable persistence with bounded retry.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/BTreeMap/CardioCheck/internal/metrics"
	"github.com/BTreeMap/CardioCheck/internal/models"
)

// ErrPersistence is returned once every retry of a durable write or read
// has failed.
var ErrPersistence = errors.New("persistence failure")

// DefaultRetryDelays are the waits between attempts: three retries after
// the first try.
var DefaultRetryDelays = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}

// Persistence is the durable backend for sessions.
type Persistence interface {
	LoadSession(ctx context.Context, userID string) (*models.Session, error)
	SaveSession(ctx context.Context, sess *models.Session) error
	LoadAudience(ctx context.Context, filter models.Audience) ([]string, error)
	AppendActivityLog(ctx context.Context, userID, action, details string) error
}

// DeadLetterSink receives writes that exhausted their retries.
type DeadLetterSink interface {
	AddDeadLetter(ctx context.Context, dl models.DeadLetter) error
}

// Opts holds configuration for a Store.
type Opts struct {
	WorkingCopy WorkingCopy
	DeadLetters DeadLetterSink
	Metrics     *metrics.Metrics
	RetryDelays []time.Duration
	Clock       func() time.Time
	Tracer      trace.Tracer
}

// Option configures a Store.
type Option func(*Opts)

// WithWorkingCopy replaces the default in-memory working copy.
func WithWorkingCopy(wc WorkingCopy) Option {
	return func(o *Opts) { o.WorkingCopy = wc }
}

// WithDeadLetters sets where exhausted writes are recorded. Without it they
// are logged at error level with their full payload.
func WithDeadLetters(sink DeadLetterSink) Option {
	return func(o *Opts) { o.DeadLetters = sink }
}

// WithMetrics records retries and dead letters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithRetryDelays sets the waits between attempts of a durable operation.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(o *Opts) { o.RetryDelays = delays }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// WithTracer replaces the global otel tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Opts) { o.Tracer = tracer }
}

// Store is the single read/write path for sessions.
type Store struct {
	persistence Persistence
	working     WorkingCopy
	deadLetters DeadLetterSink
	metrics     *metrics.Metrics
	delays      []time.Duration
	now         func() time.Time
	tracer      trace.Tracer
}

// NewStore creates a Store on top of p.
func NewStore(p Persistence, opts ...Option) *Store {
	cfg := Opts{RetryDelays: DefaultRetryDelays}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.WorkingCopy == nil {
		cfg.WorkingCopy = NewMemoryWorkingCopy()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("cardiocheck.internal.session")
	}
	return &Store{
		persistence: p,
		working:     cfg.WorkingCopy,
		deadLetters: cfg.DeadLetters,
		metrics:     cfg.Metrics,
		delays:      cfg.RetryDelays,
		now:         cfg.Clock,
		tracer:      cfg.Tracer,
	}
}

// Load returns the session for userID. The working copy wins over the
// durable record; a user never seen before gets a fresh idle session.
func (s *Store) Load(ctx context.Context, userID string) (*models.Session, error) {
	ctx, span := s.tracer.Start(ctx, "session.load", trace.WithAttributes(attribute.String("user_id", userID)))
	defer span.End()

	sess, ok, err := s.working.Get(ctx, userID)
	if err != nil {
		slog.Warn("Store.Load: working copy unavailable, reading durable store", "userID", userID, "error", err)
	}
	if ok {
		return sess, nil
	}

	err = s.retry(ctx, "load_session", func(ctx context.Context) error {
		var loadErr error
		sess, loadErr = s.persistence.LoadSession(ctx, userID)
		return loadErr
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: load session for %s: %w", ErrPersistence, userID, err)
	}
	if sess == nil {
		slog.Debug("Store.Load: new session", "userID", userID)
		sess = models.NewSession(userID, s.now())
	}
	if err := s.working.Put(ctx, sess); err != nil {
		slog.Warn("Store.Load: failed to cache session", "userID", userID, "error", err)
	}
	return sess, nil
}

// Save persists sess and then refreshes the working copy. The working copy
// is only updated after the durable write succeeds, so a failed save
// leaves the previous state in place.
func (s *Store) Save(ctx context.Context, sess *models.Session) error {
	ctx, span := s.tracer.Start(ctx, "session.save", trace.WithAttributes(
		attribute.String("user_id", sess.UserID),
		attribute.String("state", string(sess.State)),
	))
	defer span.End()

	sess.UpdatedAt = s.now()
	err := s.retry(ctx, "save_session", func(ctx context.Context) error {
		return s.persistence.SaveSession(ctx, sess)
	})
	if err != nil {
		span.RecordError(err)
		s.deadLetter(ctx, sess.UserID, "save_session", sess, err)
		return fmt.Errorf("%w: save session for %s: %w", ErrPersistence, sess.UserID, err)
	}
	if err := s.working.Put(ctx, sess); err != nil {
		// A stale working copy would shadow the record just written.
		slog.Warn("Store.Save: failed to refresh working copy, dropping it", "userID", sess.UserID, "error", err)
		if delErr := s.working.Delete(ctx, sess.UserID); delErr != nil {
			span.RecordError(delErr)
			slog.Error("Store.Save: stale working copy left in place", "userID", sess.UserID, "error", delErr)
		}
	}
	slog.Debug("Store.Save: session saved", "userID", sess.UserID, "state", sess.State)
	return nil
}

// LoadAudience resolves the registered users matching filter.
func (s *Store) LoadAudience(ctx context.Context, filter models.Audience) ([]string, error) {
	var ids []string
	err := s.retry(ctx, "load_audience", func(ctx context.Context) error {
		var loadErr error
		ids, loadErr = s.persistence.LoadAudience(ctx, filter)
		return loadErr
	})
	if err != nil {
		return nil, fmt.Errorf("%w: load audience %s: %w", ErrPersistence, filter, err)
	}
	return ids, nil
}

// AppendActivity writes one activity log row.
func (s *Store) AppendActivity(ctx context.Context, userID, action, details string) error {
	err := s.retry(ctx, "append_activity", func(ctx context.Context) error {
		return s.persistence.AppendActivityLog(ctx, userID, action, details)
	})
	if err != nil {
		entry := models.ActivityEntry{UserID: userID, Action: action, Details: details}
		s.deadLetter(ctx, userID, "append_activity", entry, err)
		return fmt.Errorf("%w: append activity for %s: %w", ErrPersistence, userID, err)
	}
	return nil
}

func (s *Store) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	err := fn(ctx)
	for attempt, delay := range s.delays {
		if err == nil {
			return nil
		}
		slog.Warn("Store.retry: operation failed, retrying", "op", op, "attempt", attempt+1, "delay", delay, "error", err)
		s.metrics.IncPersistenceRetry(op)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(err, ctx.Err())
		case <-timer.C:
		}
		err = fn(ctx)
	}
	if err != nil {
		s.metrics.IncPersistenceFailure(op)
	}
	return err
}

func (s *Store) deadLetter(ctx context.Context, userID, op string, payload any, cause error) {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(fmt.Sprintf("%+v", payload))
	}
	s.metrics.IncDeadLetter()
	dl := models.DeadLetter{
		ID:        uuid.NewString(),
		UserID:    userID,
		Operation: op,
		Payload:   string(data),
		Error:     cause.Error(),
	}
	if s.deadLetters != nil {
		err := s.deadLetters.AddDeadLetter(ctx, dl)
		if err == nil {
			slog.Error("Store.deadLetter: write recorded in dead-letter log", "id", dl.ID, "userID", userID, "op", op, "error", cause)
			return
		}
		slog.Error("Store.deadLetter: dead-letter log unavailable", "userID", userID, "error", err)
	}
	slog.Error("Store.deadLetter: unpersisted write", "id", dl.ID, "userID", userID, "op", op, "payload", dl.Payload, "error", cause)
}
