package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/CardioCheck/internal/guard"
	"github.com/BTreeMap/CardioCheck/internal/metrics"
	"github.com/BTreeMap/CardioCheck/internal/models"
)

// DefaultSendTimeout bounds delivery of the replies to one action.
const DefaultSendTimeout = 30 * time.Second

// ActionHandler produces the replies to one action.
type ActionHandler interface {
	HandleAction(ctx context.Context, a models.Action) ([]models.Outbound, error)
}

// InboundLog drops transport redeliveries.
type InboundLog interface {
	// RecordInbound returns false if messageID was already recorded.
	RecordInbound(ctx context.Context, messageID, userID string) (bool, error)
	MarkProcessed(ctx context.Context, messageID string) error
}

// HandlerOpts configures a Handler.
type HandlerOpts struct {
	Inbound     InboundLog
	Metrics     *metrics.Metrics
	SendTimeout time.Duration
}

// HandlerOption configures a Handler.
type HandlerOption func(*HandlerOpts)

// WithInboundLog enables deduplication of redelivered messages.
func WithInboundLog(l InboundLog) HandlerOption {
	return func(o *HandlerOpts) { o.Inbound = l }
}

// WithHandlerMetrics records inbound decisions and outbound sends.
func WithHandlerMetrics(m *metrics.Metrics) HandlerOption {
	return func(o *HandlerOpts) { o.Metrics = m }
}

// WithSendTimeout bounds delivery of the replies to one action.
func WithSendTimeout(d time.Duration) HandlerOption {
	return func(o *HandlerOpts) { o.SendTimeout = d }
}

// Handler reads actions from a Service, runs each through the guard and
// the engine in its own goroutine and sends the replies.
type Handler struct {
	svc    Service
	guard  *guard.Guard
	engine ActionHandler
	opts   HandlerOpts
	wg     sync.WaitGroup
}

// NewHandler creates a Handler.
func NewHandler(svc Service, g *guard.Guard, engine ActionHandler, opts ...HandlerOption) *Handler {
	cfg := HandlerOpts{SendTimeout: DefaultSendTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Handler{svc: svc, guard: g, engine: engine, opts: cfg}
}

// Start processes actions until ctx is cancelled or the service closes its
// channel, then waits for in-flight actions to finish.
func (h *Handler) Start(ctx context.Context) error {
	slog.Info("Handler.Start: processing inbound actions")
	defer h.wg.Wait()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("Handler.Start: stopping due to context cancellation")
			return nil
		case a, ok := <-h.svc.Actions():
			if !ok {
				slog.Debug("Handler.Start: actions channel closed")
				return nil
			}
			h.wg.Add(1)
			go func() {
				defer h.wg.Done()
				h.Process(ctx, a)
			}()
		}
	}
}

// Process handles one action and delivers its replies.
func (h *Handler) Process(ctx context.Context, a models.Action) {
	ctx = context.WithoutCancel(ctx)
	kind := a.Kind.String()

	if a.ID != "" && h.opts.Inbound != nil {
		fresh, err := h.opts.Inbound.RecordInbound(ctx, a.ID, a.UserID)
		if err != nil {
			slog.Error("Handler.Process: failed to record inbound message", "messageID", a.ID, "userID", a.UserID, "error", err)
		} else if !fresh {
			slog.Debug("Handler.Process: redelivered message dropped", "messageID", a.ID, "userID", a.UserID)
			h.opts.Metrics.ObserveInbound(kind, "redelivered")
			return
		}
	}

	out, decision := h.guard.Run(ctx, a, h.engine.HandleAction)
	h.opts.Metrics.ObserveInbound(kind, decision.String())
	h.deliver(ctx, a.UserID, out)

	if a.ID != "" && h.opts.Inbound != nil {
		if err := h.opts.Inbound.MarkProcessed(ctx, a.ID); err != nil {
			slog.Error("Handler.Process: failed to mark message processed", "messageID", a.ID, "error", err)
		}
	}
}

func (h *Handler) deliver(ctx context.Context, to string, out []models.Outbound) {
	if len(out) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.SendTimeout)
	defer cancel()
	for _, o := range out {
		var err error
		kind := "text"
		if o.Document != nil {
			kind = "document"
			err = h.svc.SendDocument(ctx, to, o.Document.Path, o.Document.Caption)
		} else {
			err = h.svc.SendMessage(ctx, to, o)
		}
		h.opts.Metrics.ObserveOutbound(kind, err)
		if err != nil {
			slog.Error("Handler.deliver: send failed", "to", to, "kind", kind, "error", err)
		}
	}
}
