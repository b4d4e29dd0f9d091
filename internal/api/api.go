// Package api serves the operator HTTP surface of CardioCheck: health,
// Prometheus metrics, the token-protected admin endpoints, the Twilio
// inbound webhook and the static completion materials.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/BTreeMap/CardioCheck/internal/models"
	"github.com/BTreeMap/CardioCheck/internal/reminder"
)

const (
	// DefaultAddr is the listen address used when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown of in-flight requests.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultListLimit caps list endpoints when no limit is given.
	DefaultListLimit = 50

	healthCheckTimeout = 5 * time.Second
)

// StatsSource reports aggregate participation and outcome counts.
type StatsSource interface {
	Stats(ctx context.Context) (models.AdminStats, error)
}

// ReminderStatus reports the reminder plan with send times and ledger state.
type ReminderStatus interface {
	Status(ctx context.Context) ([]reminder.Status, error)
}

// BroadcastLogSource lists recent reminder batches.
type BroadcastLogSource interface {
	ListBroadcastLogs(ctx context.Context, limit int) ([]models.BroadcastLog, error)
}

// Broadcaster sends an operator message to an audience.
type Broadcaster interface {
	Broadcast(ctx context.Context, id string, out models.Outbound, audience models.Audience) (models.BroadcastLog, error)
}

// DeadLetterSource lists writes that failed after every retry.
type DeadLetterSource interface {
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
}

// Opts holds configuration for the API server.
type Opts struct {
	Addr            string
	AdminToken      string
	MaterialsDir    string
	Webhook         http.Handler
	Metrics         http.Handler
	Reminders       ReminderStatus
	Broadcasts      BroadcastLogSource
	Broadcaster     Broadcaster
	DeadLetters     DeadLetterSource
	ShutdownTimeout time.Duration
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithAdminToken sets the bearer token required by /admin routes. Without a
// token the admin routes answer 403.
func WithAdminToken(token string) Option {
	return func(o *Opts) { o.AdminToken = strings.TrimSpace(token) }
}

// WithMaterialsDir serves dir under /materials/.
func WithMaterialsDir(dir string) Option {
	return func(o *Opts) { o.MaterialsDir = dir }
}

// WithTwilioWebhook mounts h at POST /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.Webhook = h }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(o *Opts) { o.Metrics = h }
}

// WithReminders serves the reminder plan at /admin/reminders.
func WithReminders(r ReminderStatus) Option {
	return func(o *Opts) { o.Reminders = r }
}

// WithBroadcastLogs serves recent batches at GET /admin/broadcasts.
func WithBroadcastLogs(b BroadcastLogSource) Option {
	return func(o *Opts) { o.Broadcasts = b }
}

// WithBroadcaster enables POST /admin/broadcasts.
func WithBroadcaster(b Broadcaster) Option {
	return func(o *Opts) { o.Broadcaster = b }
}

// WithDeadLetters serves failed writes at /admin/dead-letters.
func WithDeadLetters(d DeadLetterSource) Option {
	return func(o *Opts) { o.DeadLetters = d }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// Server is the HTTP server.
type Server struct {
	stats  StatsSource
	opts   Opts
	router chi.Router
}

// NewServer builds the router. stats must not be nil.
func NewServer(stats StatsSource, opts ...Option) *Server {
	if stats == nil {
		panic("api: nil stats source")
	}
	cfg := Opts{Addr: DefaultAddr, ShutdownTimeout: DefaultShutdownTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{stats: stats, opts: cfg}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Group(func(public chi.Router) {
		public.Get("/healthz", s.healthHandler)
		if s.opts.Metrics != nil {
			public.Handle("/metrics", s.opts.Metrics)
		}
		if s.opts.Webhook != nil {
			public.Post("/twilio/webhook", s.opts.Webhook.ServeHTTP)
		}
		if s.opts.MaterialsDir != "" {
			public.Handle("/materials/*", http.StripPrefix("/materials/", http.FileServer(http.Dir(s.opts.MaterialsDir))))
		}
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(requireAdminToken(s.opts.AdminToken))
		admin.Get("/stats", s.statsHandler)
		admin.Get("/reminders", s.remindersHandler)
		admin.Get("/broadcasts", s.broadcastsHandler)
		admin.Post("/broadcasts", s.sendBroadcastHandler)
		admin.Get("/dead-letters", s.deadLettersHandler)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("api server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api server shutdown: %w", err)
	}
	return nil
}

// requireAdminToken checks the Authorization bearer token in constant time.
func requireAdminToken(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if expected == "" {
				writeError(w, http.StatusForbidden, "admin API disabled")
				return
			}
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(expected)) != 1 {
				slog.Warn("requireAdminToken: rejected request", "path", r.URL.Path, "remote", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if _, err := s.stats.Stats(ctx); err != nil {
		slog.Warn("Server.healthHandler: store check failed", "error", err)
		health["status"] = "degraded"
		status = http.StatusServiceUnavailable
	}
	writeJSONResponse(w, status, models.Success(health))
}

func (s *Server) statsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Stats(r.Context())
	if err != nil {
		slog.Error("Server.statsHandler: failed to collect stats", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to collect stats")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(stats))
}

func (s *Server) remindersHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Reminders == nil {
		writeError(w, http.StatusNotFound, "reminders are disabled")
		return
	}
	status, err := s.opts.Reminders.Status(r.Context())
	if err != nil {
		slog.Error("Server.remindersHandler: failed to load reminder status", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load reminder status")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(status))
}

func (s *Server) broadcastsHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Broadcasts == nil {
		writeError(w, http.StatusNotFound, "broadcast log unavailable")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	logs, err := s.opts.Broadcasts.ListBroadcastLogs(r.Context(), limit)
	if err != nil {
		slog.Error("Server.broadcastsHandler: failed to list broadcast logs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list broadcast logs")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(logs))
}

const maxBroadcastBody = 64 << 10

// BroadcastRequest is the body of POST /admin/broadcasts. An empty
// audience means all registered participants.
type BroadcastRequest struct {
	Text     string          `json:"text"`
	Audience models.Audience `json:"audience,omitempty"`
}

// sendBroadcastHandler sends a message to an audience and answers with the
// finished batch. A client disconnect does not stop a batch once started.
func (s *Server) sendBroadcastHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.Broadcaster == nil {
		writeError(w, http.StatusNotFound, "broadcasts unavailable")
		return
	}
	var req BroadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBroadcastBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if req.Audience == "" {
		req.Audience = models.AudienceAll
	}
	if !req.Audience.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown audience %q", req.Audience))
		return
	}

	slog.Info("Server.sendBroadcastHandler: starting", "audience", req.Audience)
	entry, err := s.opts.Broadcaster.Broadcast(context.WithoutCancel(r.Context()), models.BroadcastCustom, models.Notice(req.Text), req.Audience)
	if err != nil {
		slog.Error("Server.sendBroadcastHandler: broadcast failed", "audience", req.Audience, "error", err)
		writeError(w, http.StatusInternalServerError, "broadcast failed")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entry))
}

func (s *Server) deadLettersHandler(w http.ResponseWriter, r *http.Request) {
	if s.opts.DeadLetters == nil {
		writeError(w, http.StatusNotFound, "dead-letter log unavailable")
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	letters, err := s.opts.DeadLetters.ListDeadLetters(r.Context(), limit)
	if err != nil {
		slog.Error("Server.deadLettersHandler: failed to list dead letters", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(letters))
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return DefaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return n, true
}
