// cmd/entitlement-server/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/camunda/zeebe/clients/go/v8/pkg/zbc"
	"go.uber.org/zap"

	"entitlement-service/internal/audit"
	commonaws "entitlement-service/internal/common/aws"
	"entitlement-service/internal/common/config"
	"entitlement-service/internal/common/database"
	"entitlement-service/internal/common/logger"
	"entitlement-service/internal/common/observability"
	"entitlement-service/internal/gate"
	"entitlement-service/internal/httpapi"
	"entitlement-service/internal/ingest"
	"entitlement-service/internal/notify"
	"entitlement-service/internal/subscription"
	"entitlement-service/internal/verify"

	ce "entitlement-service/internal/workers/entitlement/check-entitlement"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting entitlement server...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	zapLog = logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()
	log = logger.NewZapAdapter(zapLog)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer rdb.Close()
	zapLog.Info("Redis connected successfully")

	store := subscription.NewSQLStore(pg.DB)
	checker := subscription.NewStoreChecker(store)

	// --- Transition hooks ---
	var hooks []ingest.TransitionHook

	if cfg.Audit.Enabled {
		var esClient *database.ElasticsearchClient
		err = retryWithBackoff(func() error {
			var err error
			esClient, err = database.NewElasticsearch(cfg.Database.Elasticsearch)
			if err != nil {
				return err
			}
			return esClient.Ping()
		}, 15, 2*time.Second, zapLog, "Elasticsearch connection")

		if err != nil {
			zapLog.Fatal("elasticsearch failed after retries", zap.Error(err))
		}
		hooks = append(hooks, audit.NewTrail(esClient.Client, log))
		zapLog.Info("Elasticsearch connected successfully")
	}

	if cfg.Notifications.Email.Enabled || cfg.Notifications.SNS.Enabled {
		var emailSender commonaws.EmailSender
		var topicPublisher commonaws.TopicPublisher

		if cfg.Notifications.Email.Enabled {
			ses, err := commonaws.NewSESClient(ctx, cfg.Notifications.AWS.Region)
			if err != nil {
				zapLog.Fatal("ses client failed", zap.Error(err))
			}
			emailSender = ses
		}
		if cfg.Notifications.SNS.Enabled {
			sns, err := commonaws.NewSNSClient(ctx, cfg.Notifications.AWS.Region)
			if err != nil {
				zapLog.Fatal("sns client failed", zap.Error(err))
			}
			topicPublisher = sns
		}

		hooks = append(hooks, notify.New(
			&notify.Config{
				FromAddress: cfg.Notifications.Email.FromEmail,
				TopicARN:    cfg.Notifications.SNS.TopicARN,
			},
			emailSender, topicPublisher, log,
		))
		zapLog.Info("Notification channels initialized")
	}

	// --- Core services ---
	ingestor := ingest.NewIngestor(
		&ingest.Config{
			WebhookToken:    cfg.Billing.WebhookToken,
			BillingInterval: cfg.Billing.BillingInterval,
		},
		store,
		ingest.NewEventLedger(rdb.Client, cfg.Billing.DedupeRetention),
		ingest.NewAccountLock(rdb.Client, cfg.Billing.LockTimeout),
		log,
		hooks...,
	)

	verifier := verify.NewVerifier(
		&verify.Config{RecheckInterval: cfg.Verification.RecheckInterval},
		store, log,
	)

	accessGate := gate.New(
		&gate.Config{
			SignInPath:       cfg.Gate.SignInPath,
			SignUpPath:       cfg.Gate.SignUpPath,
			LandingPath:      cfg.Gate.LandingPath,
			NoEntitlementURL: cfg.Gate.NoEntitlementURL,
			AllowedPaths:     cfg.Gate.AllowedPaths,
			SessionCookie:    cfg.Gate.SessionCookie,
		},
		gate.NewCookieResolver(cfg.Gate.SessionCookie, gate.NewSessionStore(rdb.Client).Lookup),
		checker, log,
	)

	ready := []httpapi.ReadyCheck{
		{Name: "postgres", Check: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return pg.Ping(pingCtx)
		}},
		{Name: "redis", Check: func() error {
			pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			return rdb.Ping(pingCtx)
		}},
	}

	app := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"app":     cfg.App.Name,
			"version": cfg.App.Version,
		})
	})

	server := httpapi.NewServer(
		&httpapi.Config{AllowedOrigins: cfg.Server.AllowedOrigins},
		ingestor, verifier, accessGate, app, ready, log,
	)

	// --- Zeebe worker (optional) ---
	var zeebeClient zbc.Client
	if cfg.Camunda.Enabled {
		err = retryWithBackoff(func() error {
			var err error
			zeebeClient, err = zbc.NewClient(&zbc.ClientConfig{
				GatewayAddress:         cfg.Camunda.BrokerAddress,
				UsePlaintextConnection: true,
			})
			return err
		}, 10, 2*time.Second, zapLog, "Zeebe client initialization")

		if err != nil {
			zapLog.Fatal("zeebe client failed after retries", zap.Error(err))
		}
		zapLog.Info("Zeebe client connected successfully")

		handler := ce.NewHandler(
			&ce.Config{
				Timeout: time.Duration(cfg.Camunda.Timeout) * time.Millisecond,
			},
			store, log,
		)

		zeebeClient.NewJobWorker().
			JobType(ce.TaskType).
			Handler(handler.Handle).
			MaxJobsActive(cfg.Camunda.MaxJobsActive).
			Timeout(time.Duration(cfg.Camunda.Timeout) * time.Millisecond).
			Open()

		zapLog.Info("worker started",
			zap.String("taskType", ce.TaskType),
			zap.Int("maxJobsActive", cfg.Camunda.MaxJobsActive),
			zap.Int("timeout_ms", cfg.Camunda.Timeout),
		)
	}

	// --- HTTP server ---
	httpServer := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.Handler(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Millisecond,
	}

	go func() {
		zapLog.Info("HTTP server listening", zap.String("address", cfg.Server.Address))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down HTTP server", zap.Error(err))
	}

	if zeebeClient != nil {
		if err := zeebeClient.Close(); err != nil {
			zapLog.Error("Error closing Zeebe client", zap.Error(err))
		}
	}

	zapLog.Info("Entitlement server stopped gracefully")
}
