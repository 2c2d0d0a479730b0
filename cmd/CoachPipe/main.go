package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/BTreeMap/CoachPipe/internal/api"
	"github.com/BTreeMap/CoachPipe/internal/auth"
	"github.com/BTreeMap/CoachPipe/internal/billing"
	"github.com/BTreeMap/CoachPipe/internal/dedup"
	"github.com/BTreeMap/CoachPipe/internal/flow"
	"github.com/BTreeMap/CoachPipe/internal/genai"
	"github.com/BTreeMap/CoachPipe/internal/lockfile"
	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/prompts"
	"github.com/BTreeMap/CoachPipe/internal/recovery"
	"github.com/BTreeMap/CoachPipe/internal/scheduler"
	"github.com/BTreeMap/CoachPipe/internal/store"
	"github.com/BTreeMap/CoachPipe/internal/util"
	"github.com/BTreeMap/CoachPipe/internal/voice"
	"github.com/BTreeMap/CoachPipe/internal/whatsapp"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for CoachPipe state data
	DefaultStateDir = "/var/lib/coachpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "coachpipe.db"
	// DefaultWhatsmeowDBFileName is the default linked-device session database filename
	DefaultWhatsmeowDBFileName = "whatsmeow.db"
	// DefaultRecoverySpec runs the lease sweep and schedule catch-up hourly
	DefaultRecoverySpec = "0 * * * *"
)

func main() {
	// Initialize structured logger
	initializeLogger(os.Getenv("APP_ENV"))

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	// Ensure required directories exist
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping CoachPipe with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "provider", *flags.provider, "scheduler", *flags.scheduler)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("CoachPipe failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("CoachPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	AppEnv             string
	DBDriver           string
	DatabaseURL        string
	StateDir           string
	WhatsmeowDSN       string
	APIAddr            string
	OpenAIKey          string
	OpenAIModel        string
	MessagingProvider  string
	MissedCallTemplate string
	OnDemandTemplateID string
	PromptsFile        string
	RedisURL           string
	CallsCron          string
	AnalyzersCron      string
	CallsDryRun        bool
	WeeklyCallLimit    int
	JobTimeout         time.Duration
}

// Flags holds command line flag values
type Flags struct {
	scheduler     *bool
	qrOutput      *string
	numeric       *bool
	stateDir      *string
	dbDriver      *string
	dbDSN         *string
	whatsmeowDSN  *string
	openaiKey     *string
	openaiModel   *string
	apiAddr       *string
	provider      *string
	promptsFile   *string
	callsCron     *string
	analyzersCron *string
	dryRun        *bool
}

// initializeLogger sets up structured logging: JSON at info level in
// production, text at debug level otherwise.
func initializeLogger(appEnv string) {
	var handler slog.Handler
	if appEnv == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	}
	slog.SetDefault(slog.New(handler))
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		AppEnv:             os.Getenv("APP_ENV"),
		DBDriver:           os.Getenv("DB_DRIVER"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		StateDir:           os.Getenv("COACHPIPE_STATE_DIR"),
		WhatsmeowDSN:       os.Getenv("WHATSMEOW_DSN"),
		APIAddr:            os.Getenv("API_ADDR"),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:        os.Getenv("OPENAI_MODEL"),
		MessagingProvider:  os.Getenv("MESSAGING_PROVIDER"),
		MissedCallTemplate: os.Getenv("WHATSAPP_MISSED_CALL_TEMPLATE"),
		OnDemandTemplateID: os.Getenv("ON_DEMAND_TEMPLATE_ID"),
		PromptsFile:        os.Getenv("PROMPTS_FILE"),
		RedisURL:           os.Getenv("REDIS_URL"),
		CallsCron:          os.Getenv("CALLS_CRON"),
		AnalyzersCron:      os.Getenv("ANALYZERS_CRON"),
		CallsDryRun:        util.ParseBoolEnv("CALLS_DRY_RUN", false),
		WeeklyCallLimit:    util.ParseIntEnv("DEFAULT_WEEKLY_CALL_LIMIT", flow.DefaultWeeklyCallLimit),
		JobTimeout:         util.ParseDurationEnv("SCHEDULER_JOB_TIMEOUT", scheduler.DefaultJobTimeout),
	}

	// Set default state directory if not specified
	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No COACHPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	} else {
		slog.Debug("COACHPIPE_STATE_DIR found in environment", "state_dir", config.StateDir)
	}

	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.WhatsmeowDSN == "" {
		config.WhatsmeowDSN = filepath.Join(config.StateDir, DefaultWhatsmeowDBFileName)
	}
	if config.CallsCron == "" {
		config.CallsCron = scheduler.DefaultCallsSpec
	}
	if config.AnalyzersCron == "" {
		config.AnalyzersCron = scheduler.DefaultAnalyzersSpec
	}

	slog.Debug("environment variables loaded",
		"APP_ENV", config.AppEnv,
		"DB_DRIVER", config.DBDriver,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"COACHPIPE_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"OPENAI_MODEL", config.OpenAIModel,
		"MESSAGING_PROVIDER", config.MessagingProvider,
		"REDIS_URL_SET", config.RedisURL != "",
		"API_ADDR", config.APIAddr,
		"CALLS_CRON", config.CallsCron,
		"ANALYZERS_CRON", config.AnalyzersCron,
		"CALLS_DRY_RUN", config.CallsDryRun)

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlagSet(flag.CommandLine, os.Args[1:], config)
}

func parseFlagSet(fs *flag.FlagSet, args []string, config Config) Flags {
	flags := Flags{
		scheduler:     fs.Bool("scheduler", false, "run the in-process cron scheduler for call and analyzer ticks"),
		qrOutput:      fs.String("qr-output", "", "path to write login QR code (whatsmeow provider)"),
		numeric:       fs.Bool("numeric-code", false, "use numeric login code instead of QR code (whatsmeow provider)"),
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for CoachPipe data (overrides $COACHPIPE_STATE_DIR)"),
		dbDriver:      fs.String("db-driver", config.DBDriver, "PostgreSQL driver: postgres or pgx (overrides $DB_DRIVER)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "database DSN or SQLite path (overrides $DATABASE_URL)"),
		whatsmeowDSN:  fs.String("whatsmeow-dsn", config.WhatsmeowDSN, "linked-device session database (overrides $WHATSMEOW_DSN)"),
		openaiKey:     fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		openaiModel:   fs.String("openai-model", config.OpenAIModel, "OpenAI model (overrides $OPENAI_MODEL)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		provider:      fs.String("messaging-provider", config.MessagingProvider, "outbound WhatsApp provider: cloud, twilio or whatsmeow (overrides $MESSAGING_PROVIDER)"),
		promptsFile:   fs.String("prompts-file", config.PromptsFile, "YAML prompt catalog replacing the built-in one (overrides $PROMPTS_FILE)"),
		callsCron:     fs.String("calls-cron", config.CallsCron, "cron spec for the scheduled call tick (overrides $CALLS_CRON)"),
		analyzersCron: fs.String("analyzers-cron", config.AnalyzersCron, "cron spec for the analyzer tick (overrides $ANALYZERS_CRON)"),
		dryRun:        fs.Bool("calls-dry-run", config.CallsDryRun, "log outbound calls instead of placing them (overrides $CALLS_DRY_RUN)"),
	}

	if err := fs.Parse(args); err != nil {
		slog.Warn("failed to parse flags", "error", err)
	}

	slog.Debug("flags parsed",
		"scheduler", *flags.scheduler,
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDriver", *flags.dbDriver,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"openaiModel", *flags.openaiModel,
		"apiAddr", *flags.apiAddr,
		"provider", *flags.provider,
		"promptsFile", *flags.promptsFile,
		"dryRun", *flags.dryRun)

	// Follow a --state-dir override for DSNs that were derived from the default state directory
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
			slog.Debug("Updated dbDSN based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
		}
		if *flags.whatsmeowDSN == filepath.Join(config.StateDir, DefaultWhatsmeowDBFileName) {
			*flags.whatsmeowDSN = filepath.Join(*flags.stateDir, DefaultWhatsmeowDBFileName)
		}
	}

	return flags
}

// ensureDirectoriesExist creates the state directory and, for file-based
// databases, the database's parent directory.
func ensureDirectoriesExist(flags Flags) error {
	dirs := []string{*flags.stateDir}
	if store.DetectDSNType(*flags.dbDSN) == "sqlite" {
		dirs = append(dirs, filepath.Dir(strings.TrimPrefix(*flags.dbDSN, "file:")))
	}
	for _, dir := range dirs {
		slog.Debug("Creating state directory", "state_dir", dir)
		if err := os.MkdirAll(dir, 0755); err != nil {
			slog.Error("Failed to create state directory", "error", err, "state_dir", dir)
			return err
		}
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN != "" {
		if store.DetectDSNType(*flags.dbDSN) == "postgres" {
			slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql", "dsn_set", true)
			storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
			if *flags.dbDriver != "" {
				storeOpts = append(storeOpts, store.WithDriver(*flags.dbDriver))
			}
		} else {
			slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
			storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
		}
	}
	return storeOpts
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(flags Flags) []genai.Option {
	var genaiOpts []genai.Option
	if *flags.openaiKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(*flags.openaiKey))
	}
	if *flags.openaiModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(*flags.openaiModel))
	}
	return genaiOpts
}

// buildWhatsAppOptions constructs linked-device client options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsmeowDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsmeowDSN))
	}
	return waOpts
}

// buildMessagingConfig selects the outbound provider. Provider credentials
// come from each package's environment fallbacks.
func buildMessagingConfig(flags Flags) messaging.ProviderConfig {
	cfg := messaging.ProviderConfig{Provider: strings.ToLower(strings.TrimSpace(*flags.provider))}
	if cfg.Provider == messaging.ProviderWhatsmeow {
		cfg.WA = buildWhatsAppOptions(flags)
	}
	return cfg
}

// buildFlowOptions constructs options shared by the flow handlers
func buildFlowOptions(config Config, deduper flow.Option) []flow.Option {
	opts := []flow.Option{flow.WithDefaultWeeklyCallLimit(config.WeeklyCallLimit)}
	if deduper != nil {
		opts = append(opts, deduper)
	}
	if config.OnDemandTemplateID != "" {
		opts = append(opts, flow.WithOnDemandTemplateID(config.OnDemandTemplateID))
	}
	if config.MissedCallTemplate != "" {
		opts = append(opts, flow.WithMissedCallTemplate(config.MissedCallTemplate))
	}
	return opts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(flags Flags) []api.Option {
	var apiOpts []api.Option
	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	return apiOpts
}

// openDeduper prefers Redis when REDIS_URL is set and falls back to the
// relational store. The returned close func is never nil.
func openDeduper(ctx context.Context, config Config, st *store.Store) (store.DedupRepo, func(), error) {
	if config.RedisURL == "" {
		slog.Debug("No REDIS_URL set, deduplicating inbound messages in the database")
		return st, func() {}, nil
	}
	d, err := dedup.New(ctx, dedup.WithURL(config.RedisURL))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return d, func() {
		if err := d.Close(); err != nil {
			slog.Warn("Failed to close Redis client", "error", err)
		}
	}, nil
}

// run wires every component and serves until ctx is canceled.
func run(ctx context.Context, config Config, flags Flags) error {
	if config.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	catalog, err := prompts.LoadFile(*flags.promptsFile)
	if err != nil {
		return err
	}
	if err := catalog.Validate(); err != nil {
		return fmt.Errorf("invalid prompt catalog: %w", err)
	}

	st, err := store.Open(buildStoreOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	deduper, closeDeduper, err := openDeduper(ctx, config, st)
	if err != nil {
		return err
	}
	defer closeDeduper()

	gen, err := genai.NewClient(buildGenAIOptions(flags)...)
	if err != nil {
		return fmt.Errorf("failed to create completion client: %w", err)
	}
	sender, err := messaging.NewSender(buildMessagingConfig(flags))
	if err != nil {
		return err
	}
	dispatcher, err := voice.New(*flags.dryRun)
	if err != nil {
		return fmt.Errorf("failed to create call dispatcher: %w", err)
	}

	flowOpts := buildFlowOptions(config, flow.WithDedup(deduper))
	calls := flow.NewCallScheduler(st, dispatcher, catalog, flowOpts...)
	inbound := flow.NewInboundHandler(st, gen, sender, calls, catalog, flowOpts...)
	endOfCall := flow.NewEndOfCallHandler(st, sender, flowOpts...)
	analyzer := flow.NewAnalyzer(st, gen, catalog, flowOpts...)

	billingProc, err := billing.NewProcessor(st)
	if errors.Is(err, billing.ErrMissingSecret) {
		slog.Warn("STRIPE_WEBHOOK_SECRET not set; payment webhook disabled")
		billingProc = nil
	} else if err != nil {
		return err
	}
	verifier, err := auth.NewVerifier()
	if errors.Is(err, auth.ErrMissingSecret) {
		slog.Warn("AUTH_JWT_SECRET not set; dashboard API disabled")
		verifier = nil
	} else if err != nil {
		return err
	}
	if os.Getenv("VAPI_WEBHOOK_SECRET") == "" {
		slog.Warn("VAPI_WEBHOOK_SECRET not set; every call webhook will be rejected")
	}
	if os.Getenv("CRON_SECRET") == "" {
		slog.Warn("CRON_SECRET not set; task endpoints will reject every request")
	}

	if wa, ok := sender.(*messaging.WhatsAppService); ok {
		wa.Start(ctx, inbound.HandleInbound)
	}

	rec := recovery.NewManager(
		recovery.NewLeaseSweeper(st),
		recovery.NewScheduleCatchUp(st, flow.DueWindow, time.Now),
	)
	if _, err := rec.RecoverAll(ctx); err != nil {
		slog.Warn("Startup recovery completed with errors", "error", err)
	}

	if *flags.scheduler {
		lock, err := lockfile.AcquireLock(*flags.stateDir, "scheduler")
		if err != nil {
			return err
		}
		defer lock.Release()

		sched, err := buildScheduler(config, flags, calls, analyzer, rec)
		if err != nil {
			return err
		}
		sched.Start()
		defer sched.Stop()
	}

	srv, err := api.NewServer(api.Deps{
		Store:     st,
		Inbound:   inbound,
		Calls:     calls,
		EndOfCall: endOfCall,
		Analyzer:  analyzer,
		Billing:   billingProc,
		Verifier:  verifier,
	}, buildAPIOptions(flags)...)
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}

// buildScheduler registers the call, analyzer and recovery ticks.
func buildScheduler(config Config, flags Flags, calls *flow.CallScheduler, analyzer *flow.Analyzer, rec *recovery.Manager) (*scheduler.Scheduler, error) {
	sched := scheduler.NewScheduler(scheduler.WithJobTimeout(config.JobTimeout))
	jobs := []struct {
		name string
		spec string
		job  scheduler.Job
	}{
		{"calls", *flags.callsCron, func(ctx context.Context) error {
			_, err := calls.RunDueCalls(ctx)
			return err
		}},
		{"analyzers", *flags.analyzersCron, func(ctx context.Context) error {
			_, err := analyzer.RunAll(ctx)
			return err
		}},
		{"recovery", DefaultRecoverySpec, func(ctx context.Context) error {
			_, err := rec.RecoverAll(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := sched.AddJob(j.name, j.spec, j.job); err != nil {
			return nil, err
		}
	}
	return sched, nil
}
