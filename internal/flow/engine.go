// Package flow drives a participant through registration, the survey, the
// instrument battery and completion.
//
// Advance is the pure transition function. HandleAction wraps it with
// loading, persisting and activity logging.
package flow

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/CardioCheck/internal/catalog"
	"github.com/BTreeMap/CardioCheck/internal/metrics"
	"github.com/BTreeMap/CardioCheck/internal/models"
	"github.com/BTreeMap/CardioCheck/internal/scoring"
)

// ErrValidation marks user input that does not fit the current question.
var ErrValidation = errors.New("validation failed")

// ValidationError carries the message shown to the user before the
// question is asked again.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Is makes errors.Is(err, ErrValidation) match.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(msg string) error { return &ValidationError{Message: msg} }

// Activity is one activity-log entry produced by a transition.
type Activity struct {
	Action  string
	Details string
}

// Transition is the outcome of one action.
type Transition struct {
	Next models.State
	// Patch is the updated session to persist, nil when nothing changed.
	Patch    *models.Session
	Outbound []models.Outbound
	Events   []Activity
}

// SessionStore is the read/write path HandleAction uses.
type SessionStore interface {
	Load(ctx context.Context, userID string) (*models.Session, error)
	Save(ctx context.Context, sess *models.Session) error
	AppendActivity(ctx context.Context, userID, action, details string) error
}

// StatsSource answers operator stats requests.
type StatsSource interface {
	Stats(ctx context.Context) (models.AdminStats, error)
}

// Broadcaster sends operator broadcasts.
type Broadcaster interface {
	Broadcast(ctx context.Context, id string, out models.Outbound, audience models.Audience) (models.BroadcastLog, error)
	SendTo(ctx context.Context, id string, out models.Outbound, label models.Audience, users []string) (models.BroadcastLog, error)
}

// Opts holds optional Engine settings.
type Opts struct {
	Sessions    SessionStore
	Stats       StatsSource
	Broadcasts  Broadcaster
	Admins      []string
	Materials   []models.Document
	WebinarTime time.Time
	WebinarLink string
	Metrics     *metrics.Metrics
	Clock       func() time.Time
}

// Option configures an Engine.
type Option func(*Opts)

// WithSessions sets the store used by HandleAction.
func WithSessions(s SessionStore) Option {
	return func(o *Opts) { o.Sessions = s }
}

// WithStats enables the /stats admin command.
func WithStats(s StatsSource) Option {
	return func(o *Opts) { o.Stats = s }
}

// WithBroadcaster enables the /broadcast admin command.
func WithBroadcaster(b Broadcaster) Option {
	return func(o *Opts) { o.Broadcasts = b }
}

// WithAdmins sets the user ids allowed to run admin commands.
func WithAdmins(ids ...string) Option {
	return func(o *Opts) { o.Admins = append(o.Admins, ids...) }
}

// WithMaterials sets the documents sent on completion.
func WithMaterials(docs []models.Document) Option {
	return func(o *Opts) { o.Materials = docs }
}

// WithWebinar sets the event mentioned in help and completion messages.
func WithWebinar(at time.Time, link string) Option {
	return func(o *Opts) {
		o.WebinarTime = at
		o.WebinarLink = link
	}
}

// WithMetrics records transitions and handling latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Engine is the conversation controller. It holds no per-user state.
type Engine struct {
	scorer  *scoring.Engine
	cat     *catalog.Catalog
	opts    Opts
	admins  map[string]struct{}
	now     func() time.Time
	metrics *metrics.Metrics
}

// NewEngine creates an Engine that scores with scorer.
func NewEngine(scorer *scoring.Engine, opts ...Option) *Engine {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	admins := make(map[string]struct{}, len(cfg.Admins))
	for _, id := range cfg.Admins {
		admins[id] = struct{}{}
	}
	slog.Debug("Engine.NewEngine: created", "admins", len(admins), "materials", len(cfg.Materials), "sessions_set", cfg.Sessions != nil)
	return &Engine{
		scorer:  scorer,
		cat:     scorer.Catalog(),
		opts:    cfg,
		admins:  admins,
		now:     cfg.Clock,
		metrics: cfg.Metrics,
	}
}

// IsAdmin reports whether userID may run operator commands.
func (e *Engine) IsAdmin(userID string) bool {
	_, ok := e.admins[userID]
	return ok
}
