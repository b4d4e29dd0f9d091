// Package guard serializes work per user. It drops duplicate deliveries,
// rejects actions that arrive while the previous one is still running, and
// enforces a short cooldown between accepted actions.
package guard

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BTreeMap/CardioCheck/internal/metrics"
	"github.com/BTreeMap/CardioCheck/internal/models"
)

// Decision is the outcome of a guard check.
type Decision int

const (
	Proceed Decision = iota
	Duplicate
	Busy
	RateLimited
)

func (d Decision) String() string {
	switch d {
	case Proceed:
		return "proceed"
	case Duplicate:
		return "duplicate"
	case Busy:
		return "busy"
	case RateLimited:
		return "rate_limited"
	}
	return fmt.Sprintf("decision(%d)", int(d))
}

// Defaults for Opts.
const (
	DefaultDedupWindow     = 2 * time.Second
	DefaultCooldown        = 500 * time.Millisecond
	DefaultRecordTTL       = 10 * time.Minute
	DefaultJanitorInterval = time.Minute

	// DefaultProcessingTimeout bounds one handler run. A busy mark older
	// than this is treated as stale.
	DefaultProcessingTimeout = 2 * time.Minute
)

// Replies sent when an action is not processed.
const (
	MsgBusy        = "Please wait, your previous request is still being processed."
	MsgRateLimited = "Too fast, please slow down."
	MsgFailure     = "Sorry, something went wrong. Please try again or send /start."
)

// Handler processes one accepted action.
type Handler func(ctx context.Context, a models.Action) ([]models.Outbound, error)

// Opts holds configuration for a Guard.
type Opts struct {
	DedupWindow     time.Duration
	Cooldown        time.Duration
	RecordTTL       time.Duration
	JanitorInterval   time.Duration
	ProcessingTimeout time.Duration
	Metrics           *metrics.Metrics
	Clock             func() time.Time
}

// Option configures a Guard.
type Option func(*Opts)

// WithDedupWindow sets how long an identical fingerprint counts as a duplicate.
func WithDedupWindow(d time.Duration) Option {
	return func(o *Opts) { o.DedupWindow = d }
}

// WithCooldown sets the minimum gap between accepted actions of one user.
func WithCooldown(d time.Duration) Option {
	return func(o *Opts) { o.Cooldown = d }
}

// WithRecordTTL sets how long an idle user record is kept.
func WithRecordTTL(d time.Duration) Option {
	return func(o *Opts) { o.RecordTTL = d }
}

// WithJanitorInterval sets how often idle records are evicted.
func WithJanitorInterval(d time.Duration) Option {
	return func(o *Opts) { o.JanitorInterval = d }
}

// WithProcessingTimeout bounds one handler run and sets when a busy mark
// counts as stale.
func WithProcessingTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ProcessingTimeout = d }
}

// WithMetrics records guard decisions.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

type record struct {
	fingerprint string
	acceptedAt  time.Time
	busy        bool
	busySince   time.Time
	seq         uint64
	limiter     *rate.Limiter
	touched     time.Time
}

// Guard tracks in-flight work per user.
type Guard struct {
	mu    sync.Mutex
	users map[string]*record
	opts  Opts
	now   func() time.Time
}

// New creates a Guard.
func New(opts ...Option) *Guard {
	cfg := Opts{
		DedupWindow:       DefaultDedupWindow,
		Cooldown:          DefaultCooldown,
		RecordTTL:         DefaultRecordTTL,
		JanitorInterval:   DefaultJanitorInterval,
		ProcessingTimeout: DefaultProcessingTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Guard{users: make(map[string]*record), opts: cfg, now: now}
}

// Check decides whether an action with the given fingerprint may run. On
// Proceed the user is marked busy until Release is called.
func (g *Guard) Check(userID, fingerprint string, now time.Time) Decision {
	d, _ := g.check(userID, fingerprint, now)
	return d
}

// check also returns the sequence number of an accepted run.
func (g *Guard) check(userID, fingerprint string, now time.Time) (Decision, uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.users[userID]
	if !ok {
		rec = &record{limiter: rate.NewLimiter(rate.Every(g.opts.Cooldown), 1)}
		g.users[userID] = rec
	}
	rec.touched = now

	if rec.fingerprint == fingerprint && !rec.acceptedAt.IsZero() && now.Sub(rec.acceptedAt) < g.opts.DedupWindow {
		return Duplicate, 0
	}
	if rec.busy {
		if !g.stale(rec, now) {
			return Busy, 0
		}
		slog.Warn("Guard.Check: clearing stale busy mark", "userID", userID, "busySince", rec.busySince)
		rec.busy = false
	}
	if g.opts.Cooldown > 0 && !rec.limiter.AllowN(now, 1) {
		return RateLimited, 0
	}
	rec.busy = true
	rec.busySince = now
	rec.seq++
	rec.fingerprint = fingerprint
	rec.acceptedAt = now
	return Proceed, rec.seq
}

func (g *Guard) stale(rec *record, now time.Time) bool {
	return g.opts.ProcessingTimeout > 0 && now.Sub(rec.busySince) >= g.opts.ProcessingTimeout
}

// Release clears the busy mark set by an accepted Check.
func (g *Guard) Release(userID string) {
	g.release(userID, 0)
}

// release clears the busy mark if it still belongs to run seq. A run whose
// mark went stale and was taken over leaves the newer mark alone. Zero
// matches any run.
func (g *Guard) release(userID string, seq uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if rec, ok := g.users[userID]; ok {
		if seq != 0 && rec.seq != seq {
			return
		}
		rec.busy = false
		rec.busySince = time.Time{}
		rec.touched = g.now()
	}
}

// Run checks the action, runs fn when accepted and converts failures into
// the generic reply. Admin actions skip the checks. Panics in fn are
// recovered.
func (g *Guard) Run(ctx context.Context, a models.Action, fn Handler) ([]models.Outbound, Decision) {
	if a.IsAdmin() {
		g.opts.Metrics.ObserveGuardDecision("admin_bypass")
		return g.invoke(ctx, a, fn), Proceed
	}

	fp := Fingerprint(a)
	d, seq := g.check(a.UserID, fp, g.now())
	g.opts.Metrics.ObserveGuardDecision(d.String())
	switch d {
	case Duplicate:
		slog.Debug("Guard.Run: duplicate dropped", "userID", a.UserID, "fingerprint", fp)
		return nil, d
	case Busy:
		slog.Debug("Guard.Run: user busy", "userID", a.UserID, "fingerprint", fp)
		return []models.Outbound{models.Notice(MsgBusy)}, d
	case RateLimited:
		slog.Debug("Guard.Run: rate limited", "userID", a.UserID, "fingerprint", fp)
		return []models.Outbound{models.Notice(MsgRateLimited)}, d
	}

	defer g.release(a.UserID, seq)
	return g.invoke(ctx, a, fn), d
}

func (g *Guard) invoke(ctx context.Context, a models.Action, fn Handler) (out []models.Outbound) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Guard.Run: handler panicked", "userID", a.UserID, "kind", a.Kind, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			out = []models.Outbound{models.Text(MsgFailure)}
		}
	}()
	if g.opts.ProcessingTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.opts.ProcessingTimeout)
		defer cancel()
	}
	out, err := fn(ctx, a)
	if err != nil {
		slog.Error("Guard.Run: handler failed", "userID", a.UserID, "kind", a.Kind, "error", err)
		if len(out) == 0 {
			out = []models.Outbound{models.Text(MsgFailure)}
		}
	}
	return out
}

// Evict drops idle records last touched before now minus the record TTL.
// Busy records count as idle once their busy mark is stale. It returns the
// number removed.
func (g *Guard) Evict(now time.Time) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	removed := 0
	for id, rec := range g.users {
		if (!rec.busy || g.stale(rec, now)) && now.Sub(rec.touched) > g.opts.RecordTTL {
			delete(g.users, id)
			removed++
		}
	}
	return removed
}

// Janitor evicts idle records until ctx is cancelled.
func (g *Guard) Janitor(ctx context.Context) error {
	ticker := time.NewTicker(g.opts.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := g.Evict(g.now()); n > 0 {
				slog.Debug("Guard.Janitor: evicted idle records", "count", n)
			}
		}
	}
}

// Len returns the number of tracked users.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.users)
}

const fingerprintTextLimit = 50

// Fingerprint identifies an action for duplicate detection.
func Fingerprint(a models.Action) string {
	switch {
	case a.Data != "":
		return "callback:" + a.Data
	case a.Command != "":
		return "command:" + a.Command
	case a.Contact != nil:
		return "contact:shared"
	case a.Kind == models.ActionMedia:
		return "media:" + a.MediaKind
	}
	text := []rune(a.Text)
	if len(text) > fingerprintTextLimit {
		text = text[:fingerprintTextLimit]
	}
	return "message:" + string(text)
}
