// cmd/hostflow/main.go
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"hostflow/internal/callback"
	"hostflow/internal/common/config"
	"hostflow/internal/common/database"
	"hostflow/internal/common/logger"
	"hostflow/internal/common/observability"
	"hostflow/internal/notify"
	"hostflow/internal/ranker"
	"hostflow/internal/relay"
	"hostflow/internal/scheduler"
	"hostflow/internal/store"
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
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	zapLog := logger.New("info", "console")
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting host workflow engine...")

	cfg, err := config.Load()
	if err != nil {
		zapLog.Fatal("config load failed", zap.Error(err))
	}

	obs := observability.New("hostflow")
	defer obs.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		// Test the connection with context
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry ---
	var redis *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		redis, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		// Test the connection with context
		return redis.Ping(ctx)
	}, 10, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Fatal("redis failed after retries", zap.Error(err))
	}
	defer redis.Close()
	zapLog.Info("Redis connected successfully")

	// --- Stores ---
	requestTimeout := cfg.HostRequest.RequestTimeout()
	requests := store.NewRequestStore(pg.DB, requestTimeout, log)
	workflows := store.NewWorkflowStore(pg.DB, requestTimeout, log)
	events := store.NewEventStore(pg.DB, log)

	// --- Domain components ---
	cacheTTL := time.Duration(cfg.HostRequest.RankerCacheTTLSec) * time.Second
	candidateRanker := ranker.New(pg.DB, redis.Client, cacheTTL, log)

	gateway := notify.NewWebhookGateway(
		cfg.Notifications.Webhook.BaseURL,
		cfg.Notifications.Webhook.Token,
		config.GetDuration(cfg.Notifications.Webhook.Timeout),
		log,
	)

	// Relay mappings outlive the invitation a little so late callbacks still
	// resolve without a database lookup.
	bridge := relay.NewBridge(redis.Client, requests, requestTimeout+time.Hour, log)

	var alerts scheduler.AlertSink
	if cfg.Notifications.AWS.SNS.Enabled {
		publisher, err := notify.NewAlertPublisher(ctx, cfg.Notifications.AWS.Region, cfg.Notifications.AWS.SNS.TopicARN, log)
		if err != nil {
			zapLog.Fatal("sns alert publisher failed", zap.Error(err))
		}
		alerts = publisher
		zapLog.Info("SNS alert publisher initialized")
	}

	var digest scheduler.DigestSender
	if cfg.Notifications.AWS.SES.Enabled {
		sender, err := notify.NewPanelDigest(ctx, cfg.Notifications.AWS.Region, cfg.Notifications.AWS.SES.FromEmail, cfg.Notifications.AWS.SES.DigestTo, log)
		if err != nil {
			zapLog.Fatal("ses digest sender failed", zap.Error(err))
		}
		digest = sender
		zapLog.Info("SES digest sender initialized")
	}

	sched, err := scheduler.New(scheduler.Deps{
		Workflows: workflows,
		Requests:  requests,
		Events:    events,
		Ranker:    candidateRanker,
		Gateway:   gateway,
		Alerts:    alerts,
		Digest:    digest,
		Bridge:    bridge,
		Obs:       obs,
	}, cfg.HostRequest, log)
	if err != nil {
		zapLog.Fatal("scheduler init failed", zap.Error(err))
	}

	callbacks, err := callback.NewHandler(
		requests, workflows, events, gateway, bridge, sched,
		cfg.HostRequest.EscalationChannelID, log,
	)
	if err != nil {
		zapLog.Fatal("callback handler init failed", zap.Error(err))
	}

	go sched.Run(ctx)

	// --- Callback, Health & Metrics Server ---
	go func() {
		http.HandleFunc("/callbacks", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			body, err := io.ReadAll(r.Body)
			if err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if err := callbacks.Handle(r.Context(), body); err != nil {
				w.WriteHeader(http.StatusUnprocessableEntity)
				json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
		http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "healthy",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			if err := pg.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				json.NewEncoder(w).Encode(map[string]string{"status": "not ready"})
				return
			}
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(map[string]string{
				"status": "ready",
				"time":   time.Now().Format(time.RFC3339),
			})
		})
		http.Handle("/metrics", promhttp.Handler())
		zapLog.Info("Callback/Health/Metrics server listening on " + cfg.Metrics.Address)
		if err := http.ListenAndServe(cfg.Metrics.Address, nil); err != nil {
			zapLog.Error("Callback/Health/Metrics server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, stopping scheduler...")
	cancel()

	// Give in-flight sweep work a moment to finish before the process exits.
	time.Sleep(2 * time.Second)

	zapLog.Info("Host workflow engine stopped gracefully")
}
