package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/flows"
	"github.com/BTreeMap/ChatFlow/internal/hours"
	"github.com/BTreeMap/ChatFlow/internal/rbx"
	"github.com/BTreeMap/ChatFlow/internal/util"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatFlow state data
	DefaultStateDir = "/var/lib/chatflow"
	// DefaultWhatsAppDBFileName is the default whatsmeow device database filename
	DefaultWhatsAppDBFileName = "whatsmeow.db"
	// DefaultAPIAddr is the default HTTP listen address
	DefaultAPIAddr = ":8080"
)

// Config holds the merged configuration. Fields map to the YAML file keys; environment
// variables and flags override them.
type Config struct {
	StateDir        string        `yaml:"state_dir"`
	SessionStoreDSN string        `yaml:"session_store_dsn"`
	SessionTTL      time.Duration `yaml:"session_ttl"`
	TurnTimeout     time.Duration `yaml:"turn_timeout"`
	MaxStepChain    int           `yaml:"max_step_chain"`
	APIAddr         string        `yaml:"api_addr"`
	DefaultFlow     string        `yaml:"default_flow"`
	DefaultContract string        `yaml:"default_contract"`
	LogLevel        string        `yaml:"log_level"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`

	RBXServerURL     string `yaml:"rbx_server_url"`
	RBXWSURL         string `yaml:"rbx_ws_url"`
	RBXAPIKey        string `yaml:"rbx_api_key"`
	RBXAccountNumber int    `yaml:"rbx_account_number"`
	ContactsAPIURL   string `yaml:"contacts_api_url"`

	BusinessHoursEnforced bool     `yaml:"business_hours_enforced"`
	BusinessHours         []string `yaml:"business_hours"`
	BusinessTimeZone      string   `yaml:"business_time_zone"`
	OpenAIKey             string   `yaml:"openai_api_key"`
	OpenAIModel           string   `yaml:"openai_model"`
	ArchiveBucketURL      string   `yaml:"archive_bucket_url"`

	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	TwilioFromNumber string `yaml:"twilio_from_number"`

	WhatsAppEnabled bool   `yaml:"whatsapp_enabled"`
	WhatsAppDBDSN   string `yaml:"whatsapp_db_dsn"`
	QROutput        string `yaml:"qr_output"`
	NumericCode     bool   `yaml:"numeric_code"`

	OTLPEndpoint string `yaml:"otel_exporter_otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otel_insecure"`

	Debug bool `yaml:"-"`
}

// defaultConfig returns the built-in defaults.
func defaultConfig() Config {
	return Config{
		StateDir:         DefaultStateDir,
		SessionTTL:       flow.DefaultSessionTTL,
		TurnTimeout:      flow.DefaultTurnTimeout,
		MaxStepChain:     flow.DefaultMaxChain,
		APIAddr:          DefaultAPIAddr,
		DefaultFlow:      flows.AtendimentoRBX,
		LogLevel:         "info",
		RBXAccountNumber: rbx.DefaultAccountNumber,
	}
}

// loadConfig layers .env, the optional YAML file named by CHATFLOW_CONFIG, the environment,
// and finally the command-line flags in args.
func loadConfig(args []string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	cfg := defaultConfig()
	if path := os.Getenv("CHATFLOW_CONFIG"); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	loadEnvironmentConfig(&cfg)
	if err := parseCommandLineFlags(args, &cfg); err != nil {
		return cfg, err
	}
	if cfg.WhatsAppDBDSN == "" {
		cfg.WhatsAppDBDSN = "file:" + filepath.Join(cfg.StateDir, DefaultWhatsAppDBFileName) + "?_foreign_keys=on"
	}
	return cfg, nil
}

// loadConfigFile overlays the YAML file at path onto cfg.
func loadConfigFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	slog.Debug("config file loaded", "path", path)
	return nil
}

// loadEnvironmentConfig overlays the environment variables that are set onto cfg.
func loadEnvironmentConfig(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	setString("CHATFLOW_STATE_DIR", &cfg.StateDir)
	setString("SESSION_STORE_DSN", &cfg.SessionStoreDSN)
	setString("API_ADDR", &cfg.APIAddr)
	setString("DEFAULT_FLOW", &cfg.DefaultFlow)
	setString("DEFAULT_CONTRACT", &cfg.DefaultContract)
	setString("LOG_LEVEL", &cfg.LogLevel)
	setString("RBX_SERVER_URL", &cfg.RBXServerURL)
	setString("RBX_WS_URL", &cfg.RBXWSURL)
	setString("RBX_API_KEY", &cfg.RBXAPIKey)
	setString("CONTACTS_API_URL", &cfg.ContactsAPIURL)
	setString("OPENAI_API_KEY", &cfg.OpenAIKey)
	setString("OPENAI_MODEL", &cfg.OpenAIModel)
	setString("ARCHIVE_BUCKET_URL", &cfg.ArchiveBucketURL)
	setString("TWILIO_ACCOUNT_SID", &cfg.TwilioAccountSID)
	setString("TWILIO_AUTH_TOKEN", &cfg.TwilioAuthToken)
	setString("TWILIO_FROM_NUMBER", &cfg.TwilioFromNumber)
	setString("WHATSAPP_DB_DSN", &cfg.WhatsAppDBDSN)
	setString("OTEL_EXPORTER_OTLP_ENDPOINT", &cfg.OTLPEndpoint)

	cfg.SessionTTL = util.ParseDurationEnv("SESSION_TTL", cfg.SessionTTL)
	cfg.TurnTimeout = util.ParseDurationEnv("TURN_TIMEOUT", cfg.TurnTimeout)
	cfg.MaxStepChain = util.ParseIntEnv("MAX_STEP_CHAIN", cfg.MaxStepChain)
	cfg.RBXAccountNumber = util.ParseIntEnv("RBX_ACCOUNT_NUMBER", cfg.RBXAccountNumber)
	cfg.BusinessHoursEnforced = util.ParseBoolEnv("BUSINESS_HOURS_ENFORCED", cfg.BusinessHoursEnforced)
	cfg.WhatsAppEnabled = util.ParseBoolEnv("WHATSAPP_ENABLED", cfg.WhatsAppEnabled)
	cfg.OTLPInsecure = util.ParseBoolEnv("OTEL_INSECURE", cfg.OTLPInsecure)

	slog.Debug("environment variables loaded",
		"CHATFLOW_STATE_DIR", cfg.StateDir,
		"SESSION_STORE_DSN_SET", cfg.SessionStoreDSN != "",
		"API_ADDR", cfg.APIAddr,
		"DEFAULT_FLOW", cfg.DefaultFlow,
		"RBX_API_KEY_SET", cfg.RBXAPIKey != "",
		"OPENAI_API_KEY_SET", cfg.OpenAIKey != "",
		"TWILIO_ACCOUNT_SID_SET", cfg.TwilioAccountSID != "",
		"WHATSAPP_ENABLED", cfg.WhatsAppEnabled)
}

// parseCommandLineFlags parses args into cfg, using the current values as defaults.
func parseCommandLineFlags(args []string, cfg *Config) error {
	fs := flag.NewFlagSet("chatflow", flag.ContinueOnError)
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "state directory for ChatFlow data (overrides $CHATFLOW_STATE_DIR)")
	fs.StringVar(&cfg.SessionStoreDSN, "store-dsn", cfg.SessionStoreDSN, "session store DSN: sqlite path, postgres:// or redis:// URL; empty for memory (overrides $SESSION_STORE_DSN)")
	fs.DurationVar(&cfg.SessionTTL, "session-ttl", cfg.SessionTTL, "idle session lifetime (overrides $SESSION_TTL)")
	fs.DurationVar(&cfg.TurnTimeout, "turn-timeout", cfg.TurnTimeout, "deadline of a single turn (overrides $TURN_TIMEOUT)")
	fs.IntVar(&cfg.MaxStepChain, "max-step-chain", cfg.MaxStepChain, "maximum steps executed in one turn (overrides $MAX_STEP_CHAIN)")
	fs.StringVar(&cfg.APIAddr, "api-addr", cfg.APIAddr, "API server address (overrides $API_ADDR)")
	fs.StringVar(&cfg.DefaultFlow, "default-flow", cfg.DefaultFlow, "flow started for new channel users (overrides $DEFAULT_FLOW)")
	fs.StringVar(&cfg.DefaultContract, "default-contract", cfg.DefaultContract, "contract given to new channel sessions (overrides $DEFAULT_CONTRACT)")
	fs.StringVar(&cfg.OpenAIKey, "openai-api-key", cfg.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	fs.StringVar(&cfg.ArchiveBucketURL, "archive-bucket", cfg.ArchiveBucketURL, "bucket URL for finished transcripts (overrides $ARCHIVE_BUCKET_URL)")
	fs.BoolVar(&cfg.BusinessHoursEnforced, "enforce-hours", cfg.BusinessHoursEnforced, "only hand off to humans during business hours (overrides $BUSINESS_HOURS_ENFORCED)")
	fs.BoolVar(&cfg.WhatsAppEnabled, "whatsapp", cfg.WhatsAppEnabled, "enable the WhatsApp channel (overrides $WHATSAPP_ENABLED)")
	fs.StringVar(&cfg.WhatsAppDBDSN, "whatsapp-db-dsn", cfg.WhatsAppDBDSN, "whatsmeow device database DSN (overrides $WHATSAPP_DB_DSN)")
	fs.StringVar(&cfg.QROutput, "qr-output", cfg.QROutput, "path to write login QR code")
	fs.BoolVar(&cfg.NumericCode, "numeric-code", cfg.NumericCode, "use numeric login code instead of QR code")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return err
	}

	slog.Debug("flags parsed",
		"stateDir", cfg.StateDir,
		"storeDSN_set", cfg.SessionStoreDSN != "",
		"apiAddr", cfg.APIAddr,
		"defaultFlow", cfg.DefaultFlow,
		"whatsapp", cfg.WhatsAppEnabled,
		"debug", cfg.Debug)
	return nil
}

// buildHoursOptions turns the configured "mon 08:00-18:00" windows into schedule options.
func buildHoursOptions(cfg Config) ([]hours.Option, error) {
	opts := []hours.Option{hours.WithEnforced(cfg.BusinessHoursEnforced)}
	if cfg.BusinessTimeZone != "" {
		opts = append(opts, hours.WithTimeZone(cfg.BusinessTimeZone))
	}
	if len(cfg.BusinessHours) > 0 {
		windows := make([]hours.Window, 0, len(cfg.BusinessHours))
		for _, raw := range cfg.BusinessHours {
			w, err := hours.ParseWindow(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid business_hours entry: %w", err)
			}
			windows = append(windows, w)
		}
		opts = append(opts, hours.WithWindows(windows))
	}
	return opts, nil
}

// logLevel maps LOG_LEVEL and -debug to a slog level.
func logLevel(cfg Config) slog.Level {
	if cfg.Debug {
		return slog.LevelDebug
	}
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
