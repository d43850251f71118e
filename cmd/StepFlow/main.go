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

	"github.com/BTreeMap/StepFlow/internal/api"
	"github.com/BTreeMap/StepFlow/internal/flow"
	"github.com/BTreeMap/StepFlow/internal/lockfile"
	"github.com/BTreeMap/StepFlow/internal/nlu"
	"github.com/BTreeMap/StepFlow/internal/scheduling"
	"github.com/BTreeMap/StepFlow/internal/store"
	"github.com/BTreeMap/StepFlow/internal/twiliowhatsapp"
	"github.com/BTreeMap/StepFlow/internal/util"
	"github.com/BTreeMap/StepFlow/internal/whatsapp"
	"github.com/joho/godotenv"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for StepFlow state data
	DefaultStateDir = "/var/lib/stepflow"
	// DefaultAppDBFileName is the default SQLite database for conversation state
	DefaultAppDBFileName = "stepflow.db"
	// DefaultWhatsAppDBFileName is the default SQLite database for the whatsmeow device store
	DefaultWhatsAppDBFileName = "whatsmeow.db"
)

// Messaging transports selectable with -transport.
const (
	TransportNone     = "none"
	TransportTwilio   = "twilio"
	TransportWhatsApp = "whatsapp"
)

func main() {
	// Initialize structured logger
	initializeLogger(os.Getenv("LOG_LEVEL"))

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		slog.Error("Failed to parse flags", "error", err)
		os.Exit(2)
	}

	// Guard the state directory against a second instance
	var lock *lockfile.Lock
	if usesStateDir(flags) {
		lock, err = lockfile.Acquire(*flags.stateDir)
		if err != nil {
			var lockErr *lockfile.LockError
			if errors.As(err, &lockErr) {
				fmt.Fprintln(os.Stderr, lockErr.Error())
			}
			slog.Error("Failed to lock state directory", "error", err)
			os.Exit(1)
		}
		defer lock.Release()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping StepFlow with configured modules")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "transport", *flags.transport)
	if err := run(ctx, config, flags); err != nil {
		slog.Error("StepFlow failed to run", "error", err)
		lock.Release()
		os.Exit(1)
	}
	slog.Info("StepFlow exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir         string
	ApplicationDBDSN string
	WhatsAppDBDSN    string
	OpenAIKey        string
	APIAddr          string
	Transport        string
	AcuityUserID     string
	AcuityAPIKey     string
	TwilioAuthToken  string
	TwilioPublicURL  string
	PromptTimeout    time.Duration
	UseOutbox        bool
}

// Flags holds command line flag values
type Flags struct {
	qrOutput        *string
	numeric         *bool
	stateDir        *string
	dbDSN           *string
	waDSN           *string
	openaiKey       *string
	apiAddr         *string
	transport       *string
	acuityUserID    *string
	acuityAPIKey    *string
	twilioPublicURL *string
	promptTimeout   *time.Duration
	useOutbox       *bool
	demo            *bool
}

// parseLogLevel maps LOG_LEVEL to a slog level, defaulting to debug.
func parseLogLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil || s == "" {
		return slog.LevelDebug
	}
	return level
}

// initializeLogger sets up structured logging
func initializeLogger(levelName string) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: parseLogLevel(levelName)}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:         os.Getenv("STEPFLOW_STATE_DIR"),
		ApplicationDBDSN: os.Getenv("DATABASE_DSN"),
		WhatsAppDBDSN:    os.Getenv("WHATSAPP_DB_DSN"),
		OpenAIKey:        os.Getenv("OPENAI_API_KEY"),
		APIAddr:          os.Getenv("API_ADDR"),
		Transport:        strings.ToLower(os.Getenv("MESSAGING_TRANSPORT")),
		AcuityUserID:     os.Getenv("ACUITY_USER_ID"),
		AcuityAPIKey:     os.Getenv("ACUITY_API_KEY"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioPublicURL:  os.Getenv("TWILIO_WEBHOOK_URL"),
		PromptTimeout:    util.ParseDurationEnv("PROMPT_TIMEOUT", flow.DefaultPromptTimeout),
		UseOutbox:        util.ParseBoolEnv("USE_OUTBOX", false),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No STEPFLOW_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}

	// DATABASE_URL is accepted as the application database
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = os.Getenv("DATABASE_URL")
	}
	if config.ApplicationDBDSN == "" {
		config.ApplicationDBDSN = filepath.Join(config.StateDir, DefaultAppDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.ApplicationDBDSN)
	}
	if config.WhatsAppDBDSN == "" {
		config.WhatsAppDBDSN = defaultWhatsAppDSN(config.StateDir)
	}
	if config.Transport == "" {
		config.Transport = TransportNone
	}

	slog.Debug("environment variables loaded",
		"STEPFLOW_STATE_DIR", config.StateDir,
		"DATABASE_DSN_SET", config.ApplicationDBDSN != "",
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_TRANSPORT", config.Transport,
		"ACUITY_SET", config.AcuityUserID != "" && config.AcuityAPIKey != "",
		"PROMPT_TIMEOUT", config.PromptTimeout,
		"USE_OUTBOX", config.UseOutbox)

	return config
}

func defaultWhatsAppDSN(stateDir string) string {
	return "file:" + filepath.Join(stateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		qrOutput:        fs.String("qr-output", "", "path to write login QR code"),
		numeric:         fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:        fs.String("state-dir", config.StateDir, "state directory for StepFlow data (overrides $STEPFLOW_STATE_DIR)"),
		dbDSN:           fs.String("db-dsn", config.ApplicationDBDSN, "conversation store DSN: SQLite path, postgres:// or redis:// URL (overrides $DATABASE_DSN or $DATABASE_URL)"),
		waDSN:           fs.String("whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow device store DSN (overrides $WHATSAPP_DB_DSN)"),
		openaiKey:       fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key for intent classification (overrides $OPENAI_API_KEY)"),
		apiAddr:         fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		transport:       fs.String("transport", config.Transport, "messaging transport: none, twilio or whatsapp (overrides $MESSAGING_TRANSPORT)"),
		acuityUserID:    fs.String("acuity-user-id", config.AcuityUserID, "Acuity Scheduling user id (overrides $ACUITY_USER_ID)"),
		acuityAPIKey:    fs.String("acuity-api-key", config.AcuityAPIKey, "Acuity Scheduling API key (overrides $ACUITY_API_KEY)"),
		twilioPublicURL: fs.String("twilio-webhook-url", config.TwilioPublicURL, "public URL of /twilio/webhook; enables signature validation (overrides $TWILIO_WEBHOOK_URL)"),
		promptTimeout:   fs.Duration("prompt-timeout", config.PromptTimeout, "maximum time a step may take to prompt (overrides $PROMPT_TIMEOUT)"),
		useOutbox:       fs.Bool("use-outbox", config.UseOutbox, "queue turn results in the store's outbox before delivery (overrides $USE_OUTBOX)"),
		demo:            fs.Bool("demo", false, "serve the built-in demo schedule instead of Acuity"),
	}

	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"openaiKeySet", *flags.openaiKey != "",
		"apiAddr", *flags.apiAddr,
		"transport", *flags.transport,
		"promptTimeout", *flags.promptTimeout,
		"useOutbox", *flags.useOutbox,
		"demo", *flags.demo)

	// Follow -state-dir for DSNs that were only defaulted from the old state directory
	if *flags.stateDir != config.StateDir {
		if *flags.dbDSN == filepath.Join(config.StateDir, DefaultAppDBFileName) {
			*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultAppDBFileName)
		}
		if *flags.waDSN == defaultWhatsAppDSN(config.StateDir) {
			*flags.waDSN = defaultWhatsAppDSN(*flags.stateDir)
		}
		slog.Debug("Updated DSNs based on state directory", "old_state_dir", config.StateDir, "new_state_dir", *flags.stateDir)
	}

	switch *flags.transport {
	case TransportNone, TransportTwilio, TransportWhatsApp:
	default:
		return flags, fmt.Errorf("unknown transport %q", *flags.transport)
	}
	return flags, nil
}

// usesStateDir reports whether any database lives in the state directory.
func usesStateDir(flags Flags) bool {
	if store.DetectDSNType(*flags.dbDSN) == store.DriverSQLite {
		return true
	}
	return *flags.transport == TransportWhatsApp && store.DetectDSNType(*flags.waDSN) == store.DriverSQLite
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		slog.Debug("No database DSN provided, will use in-memory store")
		return storeOpts
	}
	switch store.DetectDSNType(*flags.dbDSN) {
	case store.DriverPostgres:
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_type", "postgresql")
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	case store.DriverRedis:
		slog.Debug("Detected Redis URL, configuring Redis store", "dsn_type", "redis")
		storeOpts = append(storeOpts, store.WithRedisURL(*flags.dbDSN))
	default:
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "dsn_type", "sqlite", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.waDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.waDSN))
	}
	return waOpts
}

// buildTwilioOptions constructs Twilio client options; missing values fall back to TWILIO_* variables
func buildTwilioOptions(config Config) []twiliowhatsapp.Option {
	var opts []twiliowhatsapp.Option
	if config.TwilioAuthToken != "" {
		opts = append(opts, twiliowhatsapp.WithAuthToken(config.TwilioAuthToken))
	}
	return opts
}

// buildClassifierOptions constructs OpenAI classifier options
func buildClassifierOptions(flags Flags, intents []string) []nlu.OpenAIOption {
	var opts []nlu.OpenAIOption
	if *flags.openaiKey != "" {
		opts = append(opts, nlu.WithAPIKey(*flags.openaiKey))
	}
	if len(intents) > 0 {
		opts = append(opts, nlu.WithIntents(intents...))
	}
	return opts
}

// buildSchedulingConfig constructs the Acuity client configuration
func buildSchedulingConfig(flags Flags) scheduling.Config {
	return scheduling.Config{UserID: *flags.acuityUserID, APIKey: *flags.acuityAPIKey}
}

// buildEngineOptions constructs engine options that come straight from flags
func buildEngineOptions(flags Flags) []flow.EngineOption {
	var opts []flow.EngineOption
	if *flags.promptTimeout > 0 {
		opts = append(opts, flow.WithPromptTimeout(*flags.promptTimeout))
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
