// Command orchestrator runs the media-generation execution orchestrator:
// HTTP ingress, the queued worker pool, the async-wait poller, and the
// outbound webhook sweeper all in one process.
//
// # Configuration
//
// A YAML config file path may be given as the first argument; the following
// environment variables override the matching fields (see internal/config):
//
//	PORT, DATABASE_URL, REPORTING_DATABASE_URL, REDIS_URL,
//	API_KEY_ENCRYPTION_SECRET, WEBHOOK_BASE_URL, SLACK_WEBHOOK_URL,
//	ANTHROPIC_API_KEY, AWS_REGION
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awssdk "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/synthome-dev/mediaforge/internal/config"
	"github.com/synthome-dev/mediaforge/internal/cryptox"
	"github.com/synthome-dev/mediaforge/internal/dbmigrations"
	"github.com/synthome-dev/mediaforge/internal/httpapi"
	"github.com/synthome-dev/mediaforge/pkg/asyncwait"
	"github.com/synthome-dev/mediaforge/pkg/domain"
	"github.com/synthome-dev/mediaforge/pkg/metrics"
	"github.com/synthome-dev/mediaforge/pkg/orchestrator"
	"github.com/synthome-dev/mediaforge/pkg/provider"
	"github.com/synthome-dev/mediaforge/pkg/provider/llm"
	"github.com/synthome-dev/mediaforge/pkg/queue"
	"github.com/synthome-dev/mediaforge/pkg/store"
	"github.com/synthome-dev/mediaforge/pkg/store/reporting"
	"github.com/synthome-dev/mediaforge/pkg/usage"
	"github.com/synthome-dev/mediaforge/pkg/webhook"
	"github.com/synthome-dev/mediaforge/pkg/worker"
)

func main() {
	log, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "building logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	if err := run(log); err != nil {
		log.Fatal("orchestrator exited", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Route otel's internal diagnostics through the same structured logger
	// everything else uses, instead of its default stderr writer.
	var otelLog logr.Logger = zapr.NewLogger(log)
	otel.SetLogger(otelLog)

	var cfg config.Config
	var err error
	var configPath string
	if len(os.Args) > 1 {
		configPath = os.Args[1]
		cfg, err = config.Load(configPath)
	} else {
		cfg = config.LoadFromEnv()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// No reloaded value is applied to the running process: the callback only
	// logs that the file changed and validates it, so every change takes
	// effect on the next restart. The log line lets an operator editing the
	// mounted file confirm the change landed.
	if configPath != "" {
		watcher, err := config.WatchFile(configPath, log, func(reloaded config.Config) {
			log.Info("config file changed on disk", zap.String("path", configPath))
			if err := reloaded.Validate(); err != nil {
				log.Error("reloaded config is invalid, ignoring", zap.Error(err))
			}
		})
		if err != nil {
			log.Warn("config file watcher unavailable", zap.Error(err))
		} else {
			defer watcher.Close() //nolint:errcheck
		}
	}

	pool, err := pgxpool.New(ctx, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	if err := applyMigrations(cfg.Database.DSN); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}

	var reportingReader *reporting.Reader
	if cfg.Database.ReportingDSN != "" {
		reportingReader, err = reporting.Open(cfg.Database.ReportingDSN)
		if err != nil {
			return fmt.Errorf("connecting to reporting database: %w", err)
		}
		defer reportingReader.Close() //nolint:errcheck
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close() //nolint:errcheck
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connecting to redis: %w", err)
	}

	st := store.NewPgStore(pool)
	q := queue.New(redisClient)

	registry := provider.NewRegistry()
	for operation := range domain.RegisteredOperations {
		registry.Register(provider.NewMockAdapter(operation, operation != "merge"))
	}

	var moderator llm.Moderator
	if cfg.LLM.Enabled {
		moderator, err = buildModerator(ctx, cfg.LLM)
		if err != nil {
			return fmt.Errorf("building LLM moderator: %w", err)
		}
	}

	accountant, err := usage.NewAccountant(ctx, st, usage.Config{
		DefaultFreeMonthlyActions: cfg.Usage.DefaultFreeMonthlyActions,
		DefaultOverageActionPrice: cfg.Usage.DefaultOverageActionPrice,
	})
	if err != nil {
		return fmt.Errorf("building usage accountant: %w", err)
	}

	metricsRegistry := metrics.NewRegistry()

	orch := orchestrator.New(st, q, accountant, log).WithMetrics(metricsRegistry)
	wk := worker.New(st, registry, orch, cfg.Polling.InitialBackoff, log).
		WithKeyBox(cryptox.NewBox(cfg.Crypto.EncryptionSecret)).
		WithMetrics(metricsRegistry)
	if moderator != nil {
		wk = wk.WithModerator(moderator)
	}
	aw := asyncwait.New(st, registry, orch, asyncwait.BackoffPolicy{
		Initial:     cfg.Polling.InitialBackoff,
		Multiplier:  cfg.Polling.Multiplier,
		Max:         cfg.Polling.MaxBackoff,
		MaxAttempts: cfg.Polling.MaxAttempts,
	}, log)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	deliverer := webhook.New(st, httpClient, webhook.Config{
		MaxAttempts:     cfg.Webhook.MaxAttempts,
		InitialWait:     cfg.Webhook.InitialWait,
		MaxWait:         cfg.Webhook.MaxWait,
		SweepInterval:   2 * time.Second,
		BatchSize:       20,
		SlackWebhookURL: cfg.Webhook.SlackWebhookURL,
	}, log).WithMetrics(metricsRegistry)

	auth := httpapi.NewAPIKeyAuthenticator(apiKeyLookup(pool))
	server := httpapi.NewServer(orch, aw, st, q, auth, log)

	for operation := range domain.RegisteredOperations {
		operation := operation
		go func() {
			if err := q.Subscribe(ctx, operation, 4, wk.Handle); err != nil && ctx.Err() == nil {
				log.Error("queue subscription exited", zap.String("operation", operation), zap.Error(err))
			}
		}()
	}

	go aw.RunPoller(ctx, asyncwait.DefaultPollerConfig())
	go deliverer.Run(ctx)
	go runUsageResetLoop(ctx, accountant, log)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Router(),
	}
	go func() {
		log.Info("listening", zap.Int("port", cfg.Server.Port))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server exited", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func applyMigrations(dsn string) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return dbmigrations.Up(db)
}

func buildModerator(ctx context.Context, cfg config.LLMConfig) (llm.Moderator, error) {
	switch cfg.Backend {
	case "bedrock":
		awsCfg, err := awssdk.LoadDefaultConfig(ctx, awssdk.WithRegion(cfg.BedrockRegion))
		if err != nil {
			return nil, err
		}
		return llm.NewBedrockModerator(bedrockruntime.NewFromConfig(awsCfg), cfg.ModerationModel)
	default:
		return llm.NewAnthropicModerator(cfg.AnthropicAPIKey, cfg.ModerationModel)
	}
}

// apiKeyLookup returns a KeyLookup backed directly by the api_keys table;
// kept out of pkg/store since it's an auth concern, not a domain one.
func apiKeyLookup(pool *pgxpool.Pool) httpapi.KeyLookup {
	return func(ctx context.Context, keyHash string) (string, bool, error) {
		var tenantID string
		err := pool.QueryRow(ctx,
			`SELECT tenant_id FROM api_keys WHERE key_hash = $1 AND revoked_at IS NULL`,
			keyHash).Scan(&tenantID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return "", false, nil
			}
			return "", false, err
		}
		return tenantID, true, nil
	}
}

func runUsageResetLoop(ctx context.Context, accountant *usage.Accountant, log *zap.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := accountant.ResetExpiredPeriods(ctx)
			if err != nil {
				log.Error("usage period reset failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("reset usage periods", zap.Int("tenants", n))
			}
		}
	}
}
