package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/BTreeMap/LeadFlow/internal/api"
	"github.com/BTreeMap/LeadFlow/internal/crm"
	"github.com/BTreeMap/LeadFlow/internal/effects"
	"github.com/BTreeMap/LeadFlow/internal/flow"
	"github.com/BTreeMap/LeadFlow/internal/genai"
	"github.com/BTreeMap/LeadFlow/internal/lockfile"
	"github.com/BTreeMap/LeadFlow/internal/messaging"
	"github.com/BTreeMap/LeadFlow/internal/metrics"
	"github.com/BTreeMap/LeadFlow/internal/recovery"
	"github.com/BTreeMap/LeadFlow/internal/scheduler"
	"github.com/BTreeMap/LeadFlow/internal/store"
	"github.com/BTreeMap/LeadFlow/internal/twiliowhatsapp"
	"github.com/BTreeMap/LeadFlow/internal/whatsapp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// appStore is what a relational backend provides: conversation and lead
// storage, the durable outbox and the inbound dedup table.
type appStore interface {
	store.Store
	store.OutboxRepo
	store.DedupRepo
}

func newServeCmd(config *Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the engine: HTTP API, messaging channel, outbox sender and inbound router",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.validate(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, *config)
		},
	}
	f := cmd.Flags()
	f.StringVar(&config.APIAddr, "api-addr", config.APIAddr, "API server address (overrides $API_ADDR)")
	f.StringVar(&config.ApplicationDBDSN, "db-dsn", config.ApplicationDBDSN, "application database DSN, SQLite path or PostgreSQL URL (overrides $DATABASE_URL)")
	f.StringVar(&config.WhatsAppDBDSN, "whatsapp-db-dsn", config.WhatsAppDBDSN, "whatsmeow session database DSN (overrides $WHATSAPP_DB_DSN)")
	f.StringVar(&config.Provider, "provider", config.Provider, "messaging provider: whatsapp or twilio (overrides $MESSAGING_PROVIDER)")
	f.StringVar(&config.QRPath, "qr-output", config.QRPath, "path to write the WhatsApp login QR code")
	f.BoolVar(&config.NumericCode, "numeric-code", config.NumericCode, "print a numeric login code instead of a QR code")
	f.StringVar(&config.PublicURL, "twilio-webhook-url", config.PublicURL, "public URL of the Twilio webhook, enables signature validation (overrides $TWILIO_WEBHOOK_URL)")
	f.StringVar(&config.IntentMatcher, "intent-matcher", config.IntentMatcher, "intent matcher: exact, expr or openai (overrides $INTENT_MATCHER)")
	f.StringVar(&config.OpenAIKey, "openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)")
	f.StringVar(&config.OpenAIModel, "openai-model", config.OpenAIModel, "OpenAI chat model (overrides $OPENAI_MODEL)")
	f.StringVar(&config.DefaultFlowID, "default-flow", config.DefaultFlowID, "flow started for leads without an active conversation (overrides $DEFAULT_FLOW_ID)")
	f.StringVar(&config.HandoffPhone, "handoff-phone", config.HandoffPhone, "phone notified on transfers to a human (overrides $HANDOFF_PHONE)")
	f.StringVar(&config.RedisAddr, "redis-addr", config.RedisAddr, "Redis address for shared inbound dedup (overrides $REDIS_ADDR)")
	f.StringVar(&config.FlowsDir, "flows-dir", config.FlowsDir, "directory of flow documents installed at startup (overrides $FLOWS_DIR)")
	f.DurationVar(&config.OutboxPoll, "outbox-poll", config.OutboxPoll, "outbox poll interval (overrides $OUTBOX_POLL_INTERVAL)")
	f.StringVar(&config.Maintenance, "maintenance-schedule", config.Maintenance, "cron schedule of maintenance jobs, or off (overrides $MAINTENANCE_SCHEDULE)")
	return cmd
}

func runServe(ctx context.Context, config Config) error {
	slog.Info("Bootstrapping LeadFlow", "stateDir", config.StateDir, "provider", config.Provider, "apiAddr", config.APIAddr, "intentMatcher", config.IntentMatcher)

	lock, err := lockfile.AcquireLock(config.StateDir, lockfile.Owner{APIAddr: config.APIAddr, Provider: config.Provider})
	if err != nil {
		return err
	}
	defer lock.Release()

	st, err := openStore(config)
	if err != nil {
		return err
	}
	defer st.Close()

	dedup := store.DedupRepo(st)
	if config.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis %s: %w", config.RedisAddr, err)
		}
		dedup = store.NewRedisDedup(rdb)
		slog.Info("Using Redis inbound dedup", "addr", config.RedisAddr)
	}

	svc, webhook, disconnect, err := buildMessagingService(config)
	if err != nil {
		return err
	}
	defer disconnect()

	outbound := messaging.NewOutbound(st, svc, st)
	leads := crm.NewAdapter(st)
	dispatcher := effects.NewDispatcher(outbound, leads, config.HandoffPhone)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	observer := metrics.NewObserver(reg)

	rtOpts, err := buildRuntimeOptions(config, observer)
	if err != nil {
		return err
	}
	states := flow.NewStoreBasedStateManager(st)
	rt := flow.NewRuntime(states, dispatcher, rtOpts...)
	defer rt.Stop()

	sender := store.NewOutboxSender(st, outbound.Deliver, config.OutboxPoll, store.WithGiveUpHandler(outbound.GiveUp))

	rm := recovery.NewRecoveryManager()
	rm.RegisterRecoverable(recovery.NewOutboxRecovery(sender))
	rm.RegisterRecoverable(recovery.NewFlowRecovery(st, rt))
	if config.FlowsDir != "" {
		rm.RegisterRecoverable(recovery.RecoverableFunc(func(ctx context.Context) error {
			_, err := recovery.LoadFlowDir(ctx, config.FlowsDir, st, rt)
			return err
		}))
	}
	rm.RegisterRecoverable(recovery.NewConversationRecovery(states, rt))
	if err := rm.RecoverAll(ctx); err != nil {
		slog.Warn("Recovery finished with errors; continuing", "error", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("start messaging service: %w", err)
	}
	defer svc.Stop()

	if config.Maintenance != MaintenanceOff {
		sched := scheduler.NewScheduler()
		defer sched.Stop()
		if err := scheduleMaintenance(ctx, sched, config.Maintenance, sender, rt); err != nil {
			return err
		}
	}

	router := messaging.NewInboundRouter(rt, leads, dedup, config.DefaultFlowID)

	apiOpts := []api.Option{
		api.WithAddr(config.APIAddr),
		api.WithOutbox(outbound),
		api.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})),
	}
	if webhook != nil {
		apiOpts = append(apiOpts, api.WithTwilioWebhook(webhook))
	}
	server := api.NewServer(rt, st, apiOpts...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		sender.Run(gctx)
		return nil
	})
	g.Go(func() error {
		router.Run(gctx, svc.Inbound())
		return nil
	})
	g.Go(func() error {
		outbound.TrackReceipts(gctx)
		return nil
	})

	err = g.Wait()
	slog.Info("LeadFlow stopped", "error", err)
	return err
}

// scheduleMaintenance requeues outbox messages stuck in sending and logs
// runtime load on the given schedule.
func scheduleMaintenance(ctx context.Context, sched *scheduler.Scheduler, expr string, sender *store.OutboxSender, rt *flow.Runtime) error {
	if err := sched.AddContextJob(ctx, "outbox-stale-recovery", expr, sender.RecoverStaleMessages); err != nil {
		return fmt.Errorf("schedule outbox recovery: %w", err)
	}
	return sched.AddContextJob(ctx, "runtime-stats", expr, func(ctx context.Context) error {
		slog.Info("Runtime stats", "activeFlows", len(rt.ActiveFlows()), "conversations", rt.Running(), "timers", len(rt.ActiveTimers()))
		return nil
	})
}

// openStore opens the SQLite or PostgreSQL store named by the application DSN.
func openStore(config Config) (appStore, error) {
	dsn := config.ApplicationDBDSN
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	if isFileDSN(dsn) {
		if err := os.MkdirAll(filepath.Dir(trimFilePrefix(dsn)), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	slog.Debug("Configuring SQLite store", "path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// buildMessagingService connects the configured provider. The returned
// handler is the Twilio webhook, nil for WhatsApp.
func buildMessagingService(config Config) (messaging.Service, http.HandlerFunc, func(), error) {
	switch config.Provider {
	case ProviderTwilio:
		cli, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(config.TwilioSID),
			twiliowhatsapp.WithAuthToken(config.TwilioToken),
			twiliowhatsapp.WithFromWhats(config.TwilioFrom),
		)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if config.PublicURL != "" {
			opts = append(opts, messaging.WithWebhookValidation(cli, config.PublicURL))
		} else {
			slog.Warn("TWILIO_WEBHOOK_URL not set; webhook signatures are not validated")
		}
		svc := messaging.NewTwilioService(cli, opts...)
		return svc, svc.TwilioWebhookHandler, func() {}, nil
	default:
		if isFileDSN(config.WhatsAppDBDSN) {
			path := filepath.Dir(trimFilePrefix(config.WhatsAppDBDSN))
			if err := os.MkdirAll(path, 0o755); err != nil {
				return nil, nil, nil, fmt.Errorf("create whatsapp database directory: %w", err)
			}
		}
		opts := []whatsapp.Option{whatsapp.WithDBDSN(config.WhatsAppDBDSN)}
		if config.QRPath != "" {
			opts = append(opts, whatsapp.WithQRCodeOutput(config.QRPath))
		}
		if config.NumericCode {
			opts = append(opts, whatsapp.WithNumericCode())
		}
		cli, err := whatsapp.NewClient(opts...)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("create whatsapp client: %w", err)
		}
		disconnect := func() {
			if wa := cli.GetClient(); wa != nil {
				wa.Disconnect()
			}
		}
		return messaging.NewWhatsAppService(cli), nil, disconnect, nil
	}
}

// buildRuntimeOptions selects the intent matcher and document validator.
func buildRuntimeOptions(config Config, observer flow.Observer) ([]flow.Option, error) {
	opts := []flow.Option{
		flow.WithObserver(observer),
		flow.WithHandoffPhone(config.HandoffPhone),
	}
	switch config.IntentMatcher {
	case MatcherExpr:
		opts = append(opts, flow.WithIntentMatcher(flow.ExprMatcher{Fallback: flow.ExactMatcher{}}))
	case MatcherOpenAI:
		genaiOpts := []genai.Option{genai.WithAPIKey(config.OpenAIKey)}
		if config.OpenAIModel != "" {
			genaiOpts = append(genaiOpts, genai.WithModel(config.OpenAIModel))
		}
		if config.GenAIDebug {
			genaiOpts = append(genaiOpts, genai.WithDebugMode(config.StateDir))
		}
		client, err := genai.NewClient(genaiOpts...)
		if err != nil {
			return nil, fmt.Errorf("create genai client: %w", err)
		}
		opts = append(opts,
			flow.WithIntentMatcher(genai.NewIntentMatcher(client)),
			flow.WithDocumentValidator(genai.NewDocumentValidator(client)),
		)
	default:
		opts = append(opts, flow.WithIntentMatcher(flow.ExactMatcher{}))
	}
	return opts, nil
}

// trimFilePrefix strips the file: scheme and query of a SQLite DSN.
func trimFilePrefix(dsn string) string {
	path, _, _ := strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	return path
}
