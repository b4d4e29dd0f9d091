package reminder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/BTreeMap/CardioCheck/internal/metrics"
	"github.com/BTreeMap/CardioCheck/internal/models"
)

// Defaults for Opts.
const (
	DefaultInterval     = 5 * time.Minute
	DefaultWindow       = 5 * time.Minute
	DefaultBackoff      = 10 * time.Minute
	DefaultSendInterval = 50 * time.Millisecond
)

// Sender delivers one message to a participant.
type Sender interface {
	SendMessage(ctx context.Context, to string, out models.Outbound) error
}

// AudienceSource resolves an audience filter to user IDs.
type AudienceSource interface {
	LoadAudience(ctx context.Context, filter models.Audience) ([]string, error)
}

// BroadcastLogger stores the outcome of each batch.
type BroadcastLogger interface {
	AddBroadcastLog(ctx context.Context, entry models.BroadcastLog) error
}

// Opts holds configuration for a Dispatcher.
type Opts struct {
	Interval     time.Duration
	Window       time.Duration
	Backoff      time.Duration
	SendInterval time.Duration
	Logs         BroadcastLogger
	Metrics      *metrics.Metrics
	Clock        func() time.Time
}

// Option configures a Dispatcher.
type Option func(*Opts)

// WithInterval sets the time between ticks.
func WithInterval(d time.Duration) Option {
	return func(o *Opts) { o.Interval = d }
}

// WithWindow sets how close to its send time a reminder must be to fire.
func WithWindow(d time.Duration) Option {
	return func(o *Opts) { o.Window = d }
}

// WithBackoff sets the wait after a failed tick.
func WithBackoff(d time.Duration) Option {
	return func(o *Opts) { o.Backoff = d }
}

// WithSendInterval sets the minimum gap between two sends in a batch.
func WithSendInterval(d time.Duration) Option {
	return func(o *Opts) { o.SendInterval = d }
}

// WithBroadcastLog records every batch in logs.
func WithBroadcastLog(logs BroadcastLogger) Option {
	return func(o *Opts) { o.Logs = logs }
}

// WithMetrics counts sends and batches.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Opts) { o.Metrics = m }
}

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(o *Opts) { o.Clock = clock }
}

// Dispatcher fires the reminders of a plan when they fall due.
type Dispatcher struct {
	plan     Plan
	sender   Sender
	audience AudienceSource
	ledger   Ledger
	opts     Opts
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher. A nil ledger keeps state in memory only.
func NewDispatcher(plan Plan, sender Sender, audience AudienceSource, ledger Ledger, opts ...Option) *Dispatcher {
	if sender == nil || audience == nil {
		panic("reminder: sender and audience must not be nil")
	}
	cfg := Opts{
		Interval:     DefaultInterval,
		Window:       DefaultWindow,
		Backoff:      DefaultBackoff,
		SendInterval: DefaultSendInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if ledger == nil {
		ledger = NewMemoryLedger()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{plan: plan, sender: sender, audience: audience, ledger: ledger, opts: cfg, now: now}
}

// Plan returns the plan being dispatched.
func (d *Dispatcher) Plan() Plan { return d.plan }

// Status returns the plan with ledger state, in send order.
func (d *Dispatcher) Status(ctx context.Context) ([]Status, error) {
	sent, err := d.ledger.SentReminders(ctx, d.plan.EventID())
	if err != nil {
		return nil, fmt.Errorf("load reminder ledger: %w", err)
	}
	return d.plan.View(sent), nil
}

// Tick fires every reminder due within the window around now that has not
// been sent. It returns the IDs that fired.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) ([]string, error) {
	eventID := d.plan.EventID()
	sent, err := d.ledger.SentReminders(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("load reminder ledger: %w", err)
	}

	var fired []string
	for _, r := range d.plan.Reminders {
		if _, done := sent[r.ID]; done {
			continue
		}
		if delta := now.Sub(d.plan.SendTime(r)).Abs(); delta >= d.opts.Window {
			continue
		}
		slog.Info("Dispatcher.Tick: reminder due", "reminder", r.ID, "event", eventID)
		if _, err := d.Broadcast(ctx, r.ID, r.Outbound(), r.Audience); err != nil {
			return fired, fmt.Errorf("broadcast %s: %w", r.ID, err)
		}
		if _, err := d.ledger.MarkReminderSent(ctx, eventID, r.ID, now); err != nil {
			return fired, fmt.Errorf("mark reminder %s: %w", r.ID, err)
		}
		fired = append(fired, r.ID)
	}
	return fired, nil
}

// Broadcast sends out to every member of the audience, pacing the sends.
// Individual failures are counted, not returned.
func (d *Dispatcher) Broadcast(ctx context.Context, reminderID string, out models.Outbound, audience models.Audience) (models.BroadcastLog, error) {
	users, err := d.audience.LoadAudience(ctx, audience)
	if err != nil {
		return models.BroadcastLog{}, fmt.Errorf("load audience %s: %w", audience, err)
	}
	return d.send(ctx, reminderID, out, audience, users)
}

// SendTo delivers out to an explicit list of users, such as the operators
// for a test broadcast. label is recorded as the audience in the log.
func (d *Dispatcher) SendTo(ctx context.Context, reminderID string, out models.Outbound, label models.Audience, users []string) (models.BroadcastLog, error) {
	return d.send(ctx, reminderID, out, label, users)
}

func (d *Dispatcher) send(ctx context.Context, reminderID string, out models.Outbound, audience models.Audience, users []string) (models.BroadcastLog, error) {
	entry := models.BroadcastLog{
		ID:         uuid.NewString(),
		ReminderID: reminderID,
		Message:    out.Text,
		Audience:   audience,
		Total:      len(users),
	}
	limiter := rate.NewLimiter(rate.Every(d.opts.SendInterval), 1)
	for _, userID := range users {
		if err := limiter.Wait(ctx); err != nil {
			return entry, fmt.Errorf("broadcast interrupted after %d of %d: %w", entry.Sent+entry.Failed, entry.Total, err)
		}
		err := d.sender.SendMessage(ctx, userID, out)
		d.opts.Metrics.ObserveReminderSend(reminderID, err)
		if err != nil {
			entry.Failed++
			slog.Error("Dispatcher.Broadcast: send failed", "reminder", reminderID, "userID", userID, "error", err)
			continue
		}
		entry.Sent++
	}
	entry.CreatedAt = d.now()
	d.opts.Metrics.IncReminderBatch()
	slog.Info("Dispatcher.Broadcast: batch finished", "reminder", reminderID, "audience", audience, "total", entry.Total, "sent", entry.Sent, "failed", entry.Failed)

	if d.opts.Logs != nil {
		if err := d.opts.Logs.AddBroadcastLog(ctx, entry); err != nil {
			slog.Error("Dispatcher.Broadcast: failed to write broadcast log", "reminder", reminderID, "error", err)
		}
	}
	return entry, nil
}

// Run ticks immediately and then every interval until ctx is cancelled.
// A failed tick waits for the backoff instead.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("Dispatcher.Run: started", "event", d.plan.EventID(), "eventTime", d.plan.EventTime, "reminders", len(d.plan.Reminders))
	for {
		wait := d.opts.Interval
		if _, err := d.Tick(ctx, d.now()); err != nil {
			if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil
			}
			slog.Error("Dispatcher.Run: tick failed", "error", err, "backoff", d.opts.Backoff)
			wait = d.opts.Backoff
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("Dispatcher.Run: stopped")
			return nil
		case <-timer.C:
		}
	}
}
