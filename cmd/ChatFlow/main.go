// Command ChatFlow runs the chat flow engine behind its HTTP API and messaging channels.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BTreeMap/ChatFlow/internal/api"
	"github.com/BTreeMap/ChatFlow/internal/archive"
	"github.com/BTreeMap/ChatFlow/internal/flow"
	"github.com/BTreeMap/ChatFlow/internal/flows"
	"github.com/BTreeMap/ChatFlow/internal/genai"
	"github.com/BTreeMap/ChatFlow/internal/hours"
	"github.com/BTreeMap/ChatFlow/internal/lockfile"
	"github.com/BTreeMap/ChatFlow/internal/messaging"
	"github.com/BTreeMap/ChatFlow/internal/rbx"
	"github.com/BTreeMap/ChatFlow/internal/scheduler"
	"github.com/BTreeMap/ChatFlow/internal/store"
	"github.com/BTreeMap/ChatFlow/internal/telemetry"
	"github.com/BTreeMap/ChatFlow/internal/twiliowhatsapp"
	"github.com/BTreeMap/ChatFlow/internal/whatsapp"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// purgeTimeout bounds one run of the expired-session purge.
const purgeTimeout = 30 * time.Second

func main() {
	cfg, err := loadConfig(os.Args[1:])
	initializeLogger(logLevel(cfg))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Bootstrapping ChatFlow with configured modules", "version", version)
	if err := run(ctx, cfg); err != nil {
		slog.Error("ChatFlow failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatFlow exited successfully")
}

// initializeLogger sets up structured logging at level
func initializeLogger(level slog.Level) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// run wires every module and blocks until ctx is cancelled or the API server fails.
func run(ctx context.Context, cfg Config) error {
	if needsProcessLock(cfg.SessionStoreDSN) {
		lock, err := lockfile.Acquire(cfg.StateDir)
		if err != nil {
			return fmt.Errorf("failed to lock state directory: %w", err)
		}
		defer lock.Release()
	}

	st, err := store.Open(ctx, buildStoreOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer st.Close()

	hoursOpts, err := buildHoursOptions(cfg)
	if err != nil {
		return err
	}
	schedule, err := hours.New(hoursOpts...)
	if err != nil {
		return fmt.Errorf("failed to build business hours: %w", err)
	}

	reg := flow.NewRegistry()
	flows.Register(reg, buildFlowDeps(cfg, schedule))
	if n := reg.ValidateAll(); n > 0 {
		return fmt.Errorf("%d problems found in registered flows", n)
	}

	tp, shutdownTracing, err := telemetry.Setup(ctx, buildTelemetryOptions(cfg)...)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			slog.Warn("Tracing shutdown failed", "error", err)
		}
	}()

	engineOpts := []flow.Option{
		flow.WithSessionTTL(cfg.SessionTTL),
		flow.WithTurnTimeout(cfg.TurnTimeout),
		flow.WithMaxChain(cfg.MaxStepChain),
		flow.WithTracerProvider(tp),
	}
	if rs, ok := st.(*store.RedisStore); ok {
		lease, err := store.LeaseForTurn(cfg.TurnTimeout)
		if err != nil {
			return fmt.Errorf("TURN_TIMEOUT must be positive with the Redis store: %w", err)
		}
		slog.Info("Using Redis session locks", "lease", lease)
		engineOpts = append(engineOpts, flow.WithLocker(store.NewRedisLocker(rs.Client(), "", lease, 0)))
	}
	if cfg.ArchiveBucketURL != "" {
		archiver, err := archive.Open(ctx, cfg.ArchiveBucketURL)
		if err != nil {
			return fmt.Errorf("failed to open transcript archive: %w", err)
		}
		defer archiver.Close()
		engineOpts = append(engineOpts, flow.WithObserver(archiver))
	}
	engine := flow.NewEngine(reg, st, engineOpts...)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if job := scheduler.PurgeJob(st, purgeTimeout); job != nil {
		if err := sched.AddJob("purge-expired-sessions", scheduler.DefaultPurgeSchedule, job); err != nil {
			return err
		}
	}

	services, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	dispatcher := messaging.NewDispatcher(engine,
		messaging.WithDefaultFlow(cfg.DefaultFlow),
		messaging.WithDefaultContract(cfg.DefaultContract),
		messaging.WithDedup(st),
	)
	apiOpts := buildAPIOptions(cfg)
	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s channel: %w", svc.Name(), err)
		}
		defer svc.Stop()
		go dispatcher.Run(ctx, svc)
		if tw, ok := svc.(*messaging.TwilioService); ok {
			apiOpts = append(apiOpts, api.WithTwilioInbound(tw))
		}
	}

	return api.NewServer(engine, apiOpts...).Run(ctx)
}

// needsProcessLock reports whether the store only supports a single process.
func needsProcessLock(dsn string) bool {
	return dsn == "" || store.DetectDSNType(dsn) == store.DSNTypeSQLite
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(cfg Config) []store.Option {
	var storeOpts []store.Option
	if cfg.SessionStoreDSN != "" {
		slog.Debug("Session store DSN configured", "dsn_type", store.DetectDSNType(cfg.SessionStoreDSN))
		storeOpts = append(storeOpts, store.WithDSN(cfg.SessionStoreDSN))
	} else {
		slog.Debug("No session store DSN provided, will use in-memory store")
	}
	return storeOpts
}

// buildFlowDeps connects the flows to RBX, the contacts API and OpenAI when configured.
// Missing backends fall back to the flows' samples.
func buildFlowDeps(cfg Config, schedule *hours.Schedule) flows.Deps {
	deps := flows.Deps{Hours: schedule}

	client, err := rbx.NewClient(buildRBXOptions(cfg)...)
	switch {
	case err == nil:
		deps.Directory = client
		deps.Billing = client
	case errors.Is(err, rbx.ErrNotConfigured):
		slog.Warn("RBX API not configured, flows will use sample data")
	default:
		slog.Error("Failed to create RBX client, flows will use sample data", "error", err)
	}

	if cfg.ContactsAPIURL != "" {
		deps.Contacts = rbx.NewContactsClient(cfg.ContactsAPIURL, nil)
	}

	if cfg.OpenAIKey != "" {
		assistant, err := genai.NewClient(buildGenAIOptions(cfg)...)
		if err != nil {
			slog.Error("Failed to create GenAI client, support flow will use canned answers", "error", err)
		} else {
			deps.Assistant = assistant
		}
	}
	return deps
}

// buildRBXOptions constructs RBX client options
func buildRBXOptions(cfg Config) []rbx.Option {
	return []rbx.Option{
		rbx.WithServerURL(cfg.RBXServerURL),
		rbx.WithWSURL(cfg.RBXWSURL),
		rbx.WithAPIKey(cfg.RBXAPIKey),
		rbx.WithAccountNumber(cfg.RBXAccountNumber),
	}
}

// buildGenAIOptions constructs GenAI configuration options
func buildGenAIOptions(cfg Config) []genai.Option {
	var genaiOpts []genai.Option
	if cfg.OpenAIKey != "" {
		genaiOpts = append(genaiOpts, genai.WithAPIKey(cfg.OpenAIKey))
	}
	if cfg.OpenAIModel != "" {
		genaiOpts = append(genaiOpts, genai.WithModel(cfg.OpenAIModel))
	}
	return genaiOpts
}

// buildTelemetryOptions constructs tracing options
func buildTelemetryOptions(cfg Config) []telemetry.Option {
	opts := []telemetry.Option{
		telemetry.WithServiceName("chatflow"),
		telemetry.WithServiceVersion(version),
	}
	if cfg.OTLPEndpoint != "" {
		opts = append(opts, telemetry.WithEndpoint(cfg.OTLPEndpoint, cfg.OTLPInsecure))
	}
	return opts
}

// buildWhatsAppOptions constructs WhatsApp configuration options
func buildWhatsAppOptions(cfg Config) []whatsapp.Option {
	var waOpts []whatsapp.Option
	if cfg.QROutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.QROutput))
	}
	if cfg.NumericCode {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if cfg.WhatsAppDBDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(cfg.WhatsAppDBDSN))
	}
	return waOpts
}

// buildAPIOptions constructs API server configuration options
func buildAPIOptions(cfg Config) []api.Option {
	var apiOpts []api.Option
	if cfg.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr))
	}
	if len(cfg.AllowedOrigins) > 0 {
		apiOpts = append(apiOpts, api.WithAllowedOrigins(cfg.AllowedOrigins...))
	}
	return apiOpts
}

// buildServices creates the enabled messaging channels.
func buildServices(ctx context.Context, cfg Config) ([]messaging.Service, error) {
	var services []messaging.Service
	if cfg.TwilioAccountSID != "" {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.TwilioAccountSID),
			twiliowhatsapp.WithAuthToken(cfg.TwilioAuthToken),
			twiliowhatsapp.WithFromNumber(cfg.TwilioFromNumber),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		services = append(services, messaging.NewTwilioService(client))
		slog.Info("Twilio WhatsApp channel enabled")
	}
	if cfg.WhatsAppEnabled {
		client, err := whatsapp.NewClient(ctx, buildWhatsAppOptions(cfg)...)
		if err != nil {
			return nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		context.AfterFunc(ctx, client.Disconnect)
		services = append(services, messaging.NewWhatsAppService(client))
		slog.Info("WhatsApp channel enabled")
	}
	if len(services) == 0 {
		slog.Info("No messaging channel configured, serving the HTTP API only")
	}
	return services, nil
}
