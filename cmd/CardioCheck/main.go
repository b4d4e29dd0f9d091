package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CardioCheck/internal/api"
	"github.com/BTreeMap/CardioCheck/internal/catalog"
	"github.com/BTreeMap/CardioCheck/internal/flow"
	"github.com/BTreeMap/CardioCheck/internal/guard"
	"github.com/BTreeMap/CardioCheck/internal/lockfile"
	"github.com/BTreeMap/CardioCheck/internal/messaging"
	"github.com/BTreeMap/CardioCheck/internal/metrics"
	"github.com/BTreeMap/CardioCheck/internal/models"
	"github.com/BTreeMap/CardioCheck/internal/reminder"
	"github.com/BTreeMap/CardioCheck/internal/scoring"
	"github.com/BTreeMap/CardioCheck/internal/session"
	"github.com/BTreeMap/CardioCheck/internal/store"
	"github.com/BTreeMap/CardioCheck/internal/twiliowhatsapp"
	"github.com/BTreeMap/CardioCheck/internal/util"
	"github.com/BTreeMap/CardioCheck/internal/whatsapp"
)

// Default configuration constants
const (
	DefaultStateDir           = "/var/lib/cardiocheck"
	DefaultAppDBFileName      = "cardiocheck.db"
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	DefaultWebinarTime        = "2025-08-03T12:00:00+03:00"
	DefaultTransport          = "whatsapp"

	// inboundRetention is how long processed message IDs are kept for
	// redelivery detection.
	inboundRetention = 7 * 24 * time.Hour
	pruneInterval    = time.Hour

	workingCopyJanitorInterval = 10 * time.Minute
)

func main() {
	config := loadEnvironmentConfig()
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := initializeLogger(flags.logLevel); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CardioCheck", "transport", flags.transport, "api_addr", flags.apiAddr, "state_dir", flags.stateDir)
	if err := run(ctx, flags); err != nil {
		slog.Error("CardioCheck failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CardioCheck exited successfully")
}

// Config holds environment configuration.
type Config struct {
	StateDir         string
	DatabaseURL      string
	WhatsAppDSN      string
	RedisAddr        string
	APIAddr          string
	Transport        string
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string
	TwilioWebhookURL string
	MaterialsDir     string
	MaterialsBaseURL string
	WebinarTime      string
	WebinarLink      string
	AdminIDs         string
	AdminToken       string
	CatalogFile      string
	LogLevel         string
	RemindersEnabled bool
}

// Flags holds the resolved command line configuration.
type Flags struct {
	stateDir         string
	dbDSN            string
	whatsAppDSN      string
	redisAddr        string
	apiAddr          string
	transport        string
	qrOutput         string
	numeric          bool
	twilioAccountSID string
	twilioAuthToken  string
	twilioFrom       string
	twilioWebhookURL string
	materialsDir     string
	materialsBaseURL string
	webinarTime      time.Time
	webinarLink      string
	adminIDs         []string
	adminToken       string
	catalogFile      string
	logLevel         string
	reminders        bool
}

// loadEnvironmentConfig loads configuration from the environment and .env.
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		StateDir:         os.Getenv("CARDIOCHECK_STATE_DIR"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		WhatsAppDSN:      os.Getenv("WHATSAPP_DB_DSN"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		APIAddr:          os.Getenv("API_ADDR"),
		Transport:        os.Getenv("TRANSPORT"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		TwilioWebhookURL: os.Getenv("TWILIO_WEBHOOK_URL"),
		MaterialsDir:     os.Getenv("MATERIALS_DIR"),
		MaterialsBaseURL: os.Getenv("MATERIALS_BASE_URL"),
		WebinarTime:      os.Getenv("WEBINAR_TIME"),
		WebinarLink:      os.Getenv("WEBINAR_LINK"),
		AdminIDs:         os.Getenv("ADMIN_IDS"),
		AdminToken:       os.Getenv("ADMIN_TOKEN"),
		CatalogFile:      os.Getenv("CATALOG_FILE"),
		LogLevel:         os.Getenv("CARDIOCHECK_LOG_LEVEL"),
		RemindersEnabled: util.ParseBoolEnv("REMINDERS_ENABLED", true),
	}
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.Transport == "" {
		config.Transport = DefaultTransport
	}
	if config.WebinarTime == "" {
		config.WebinarTime = DefaultWebinarTime
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	slog.Debug("environment variables loaded",
		"CARDIOCHECK_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "",
		"REDIS_ADDR", config.RedisAddr,
		"TRANSPORT", config.Transport,
		"ADMIN_TOKEN_SET", config.AdminToken != "",
		"REMINDERS_ENABLED", config.RemindersEnabled)
	return config
}

// parseCommandLineFlags parses args with environment values as defaults.
// Database DSNs left empty default to files in the final state directory.
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	var (
		f           Flags
		adminIDs    string
		webinarTime string
	)
	fs.StringVar(&f.stateDir, "state-dir", config.StateDir, "state directory (overrides $CARDIOCHECK_STATE_DIR)")
	fs.StringVar(&f.dbDSN, "db-dsn", config.DatabaseURL, "application database DSN (overrides $DATABASE_URL)")
	fs.StringVar(&f.whatsAppDSN, "whatsapp-db-dsn", config.WhatsAppDSN, "WhatsApp device store DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&f.redisAddr, "redis-addr", config.RedisAddr, "Redis address for the session working copy (overrides $REDIS_ADDR)")
	fs.StringVar(&f.apiAddr, "api-addr", config.APIAddr, "HTTP listen address (overrides $API_ADDR)")
	fs.StringVar(&f.transport, "transport", config.Transport, "chat transport: whatsapp or twilio (overrides $TRANSPORT)")
	fs.StringVar(&f.qrOutput, "qr-output", "", "path to write the WhatsApp login QR code")
	fs.BoolVar(&f.numeric, "numeric-code", false, "use a numeric WhatsApp login code instead of a QR code")
	fs.StringVar(&f.twilioAccountSID, "twilio-account-sid", config.TwilioAccountSID, "Twilio account SID (overrides $TWILIO_ACCOUNT_SID)")
	fs.StringVar(&f.twilioAuthToken, "twilio-auth-token", config.TwilioAuthToken, "Twilio auth token (overrides $TWILIO_AUTH_TOKEN)")
	fs.StringVar(&f.twilioFrom, "twilio-from", config.TwilioFrom, "Twilio WhatsApp sender number (overrides $TWILIO_FROM_NUMBER)")
	fs.StringVar(&f.twilioWebhookURL, "twilio-webhook-url", config.TwilioWebhookURL, "public webhook URL used for signature validation (overrides $TWILIO_WEBHOOK_URL)")
	fs.StringVar(&f.materialsDir, "materials-dir", config.MaterialsDir, "directory of completion materials (overrides $MATERIALS_DIR)")
	fs.StringVar(&f.materialsBaseURL, "materials-base-url", config.MaterialsBaseURL, "public URL of /materials/ for media transports (overrides $MATERIALS_BASE_URL)")
	fs.StringVar(&webinarTime, "webinar-time", config.WebinarTime, "webinar start, RFC3339 (overrides $WEBINAR_TIME)")
	fs.StringVar(&f.webinarLink, "webinar-link", config.WebinarLink, "webinar join link (overrides $WEBINAR_LINK)")
	fs.StringVar(&adminIDs, "admin-ids", config.AdminIDs, "comma separated operator user IDs (overrides $ADMIN_IDS)")
	fs.StringVar(&f.adminToken, "admin-token", config.AdminToken, "bearer token for /admin routes (overrides $ADMIN_TOKEN)")
	fs.StringVar(&f.catalogFile, "catalog", config.CatalogFile, "YAML catalog replacing the built-in one (overrides $CATALOG_FILE)")
	fs.StringVar(&f.logLevel, "log-level", config.LogLevel, "debug, info, warn or error (overrides $CARDIOCHECK_LOG_LEVEL)")
	fs.BoolVar(&f.reminders, "reminders", config.RemindersEnabled, "send webinar reminders (overrides $REMINDERS_ENABLED)")

	if err := fs.Parse(args); err != nil {
		return Flags{}, err
	}

	t, err := time.Parse(time.RFC3339, webinarTime)
	if err != nil {
		return Flags{}, fmt.Errorf("invalid webinar time %q: %w", webinarTime, err)
	}
	f.webinarTime = t
	f.adminIDs = util.SplitList(adminIDs)
	f.transport = strings.ToLower(strings.TrimSpace(f.transport))
	if f.transport != "whatsapp" && f.transport != "twilio" {
		return Flags{}, fmt.Errorf("unknown transport %q", f.transport)
	}
	if f.dbDSN == "" {
		f.dbDSN = filepath.Join(f.stateDir, DefaultAppDBFileName)
	}
	if f.whatsAppDSN == "" {
		f.whatsAppDSN = "file:" + filepath.Join(f.stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return f, nil
}

// initializeLogger installs a text handler on stdout at the given level.
func initializeLogger(level string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// buildWhatsAppOptions constructs WhatsApp client options.
func buildWhatsAppOptions(f Flags) []whatsapp.Option {
	opts := []whatsapp.Option{whatsapp.WithDBDSN(f.whatsAppDSN)}
	if f.qrOutput != "" {
		opts = append(opts, whatsapp.WithQRCodeOutput(f.qrOutput))
	}
	if f.numeric {
		opts = append(opts, whatsapp.WithNumericCode())
	}
	return opts
}

// buildTwilioOptions constructs Twilio client options.
func buildTwilioOptions(f Flags) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if f.twilioAccountSID != "" {
		opts = append(opts, twiliowhatsapp.WithAccountSID(f.twilioAccountSID))
	}
	if f.twilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(f.twilioAuthToken))
	}
	if f.twilioFrom != "" {
		opts = append(opts, twiliowhatsapp.WithFromWhats(f.twilioFrom))
	}
	return opts
}

// buildTwilioServiceOptions constructs webhook and media options.
func buildTwilioServiceOptions(f Flags) []messaging.TwilioOption {
	var opts []messaging.TwilioOption
	if f.twilioAuthToken != "" && f.twilioWebhookURL != "" {
		opts = append(opts, messaging.WithSignatureValidation(f.twilioAuthToken, f.twilioWebhookURL))
	}
	if f.materialsBaseURL != "" {
		opts = append(opts, messaging.WithMaterialsBaseURL(f.materialsBaseURL))
	}
	return opts
}

// buildEngineOptions constructs conversation engine options.
func buildEngineOptions(f Flags, sessions flow.SessionStore, stats flow.StatsSource, broadcasts flow.Broadcaster, docs []models.Document, m *metrics.Metrics) []flow.Option {
	return []flow.Option{
		flow.WithSessions(sessions),
		flow.WithStats(stats),
		flow.WithBroadcaster(broadcasts),
		flow.WithAdmins(f.adminIDs...),
		flow.WithMaterials(docs),
		flow.WithWebinar(f.webinarTime, f.webinarLink),
		flow.WithMetrics(m),
	}
}

// buildAPIOptions constructs HTTP server options.
func buildAPIOptions(f Flags, st store.Store, metricsHandler http.Handler) []api.Option {
	opts := []api.Option{
		api.WithAddr(f.apiAddr),
		api.WithAdminToken(f.adminToken),
		api.WithMetricsHandler(metricsHandler),
		api.WithBroadcastLogs(st),
		api.WithDeadLetters(st),
	}
	if f.materialsDir != "" {
		opts = append(opts, api.WithMaterialsDir(f.materialsDir))
	}
	return opts
}

// ensureDirectoriesExist creates the parent directory of file-based DSNs.
func ensureDirectoriesExist(f Flags) error {
	for _, dsn := range []string{f.dbDSN, f.whatsAppDSN} {
		if store.DetectDSNType(dsn) != store.DriverSQLite {
			continue
		}
		path := strings.TrimPrefix(dsn, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}

func loadCatalog(path string) (*catalog.Catalog, error) {
	if path == "" {
		return catalog.Default()
	}
	return catalog.LoadFile(path)
}

// run wires every component and supervises the long-running loops until
// ctx is cancelled or one of them fails.
func run(ctx context.Context, f Flags) error {
	lock, err := lockfile.Acquire(f.stateDir)
	if err != nil {
		return err
	}
	defer lock.Release()
	if err := ensureDirectoriesExist(f); err != nil {
		return err
	}

	st, err := store.Open(f.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)
	metricsHandler := promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})

	sessionOpts := []session.Option{session.WithDeadLetters(st), session.WithMetrics(m)}
	var memoryCopy *session.MemoryWorkingCopy
	if f.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: f.redisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", f.redisAddr, err)
		}
		slog.Info("Using Redis session working copy", "addr", f.redisAddr)
		sessionOpts = append(sessionOpts, session.WithWorkingCopy(session.NewRedisWorkingCopy(rdb, nil)))
	} else {
		memoryCopy = session.NewMemoryWorkingCopy()
		sessionOpts = append(sessionOpts, session.WithWorkingCopy(memoryCopy))
	}
	sessions := session.NewStore(st, sessionOpts...)

	cat, err := loadCatalog(f.catalogFile)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	docs, err := flow.LoadMaterials(f.materialsDir)
	if err != nil {
		slog.Warn("Failed to load completion materials, using text fallback", "dir", f.materialsDir, "error", err)
		docs = nil
	}

	svc, webhook, closeTransport, err := openTransport(ctx, f)
	if err != nil {
		return err
	}
	defer closeTransport()

	// The dispatcher also carries operator broadcasts, so it exists even
	// when the reminder loop is off.
	plan := reminder.DefaultPlan(f.webinarTime, f.webinarLink)
	dispatcher := reminder.NewDispatcher(plan, svc, st, st, reminder.WithBroadcastLog(st), reminder.WithMetrics(m))

	engine := flow.NewEngine(scoring.NewEngine(cat), buildEngineOptions(f, sessions, st, dispatcher, docs, m)...)
	g := guard.New(guard.WithMetrics(m))
	handler := messaging.NewHandler(svc, g, engine, messaging.WithInboundLog(st), messaging.WithHandlerMetrics(m))

	apiOpts := append(buildAPIOptions(f, st, metricsHandler), api.WithBroadcaster(dispatcher))
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}
	if f.reminders {
		apiOpts = append(apiOpts, api.WithReminders(dispatcher))
	} else {
		slog.Info("Webinar reminders disabled")
	}
	server := api.NewServer(st, apiOpts...)

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error { return server.Run(gctx) })
	grp.Go(func() error {
		if err := svc.Start(gctx); err != nil {
			return fmt.Errorf("start %s transport: %w", f.transport, err)
		}
		err := handler.Start(gctx)
		if stopErr := svc.Stop(); stopErr != nil {
			slog.Warn("Failed to stop transport", "error", stopErr)
		}
		return err
	})
	grp.Go(func() error { return g.Janitor(gctx) })
	if memoryCopy != nil {
		grp.Go(func() error { return memoryCopy.Janitor(gctx, workingCopyJanitorInterval) })
	}
	grp.Go(func() error { return pruneInbound(gctx, st, pruneInterval, inboundRetention) })
	if f.reminders {
		grp.Go(func() error { return dispatcher.Run(gctx) })
	}

	if err := grp.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openTransport connects the configured chat transport. The returned
// webhook is non-nil only for transports that receive over HTTP.
func openTransport(ctx context.Context, f Flags) (messaging.Service, http.HandlerFunc, func(), error) {
	switch f.transport {
	case "twilio":
		client, err := twiliowhatsapp.NewClient(buildTwilioOptions(f)...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client, buildTwilioServiceOptions(f)...)
		return svc, svc.TwilioWebhookHandler, func() {}, nil
	default:
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(f)...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create whatsapp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, client.Disconnect, nil
	}
}

// inboundPruner drops old inbound dedup records.
type inboundPruner interface {
	PruneInbound(ctx context.Context, cutoff time.Time) (int64, error)
}

func pruneInbound(ctx context.Context, p inboundPruner, every, retention time.Duration) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			n, err := p.PruneInbound(ctx, now.Add(-retention))
			if err != nil {
				slog.Warn("pruneInbound: failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Debug("pruneInbound: removed old records", "count", n)
			}
		}
	}
}
