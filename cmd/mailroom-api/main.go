package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"mailroom/internal/auth"
	"mailroom/internal/billing"
	"mailroom/internal/config"
	"mailroom/internal/httpapi"
	"mailroom/internal/observability"
	"mailroom/internal/queue"
	"mailroom/internal/store"
	"mailroom/internal/trial"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, relying on system env vars")
	}

	cfg, err := config.Load(os.Getenv("MR_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	if err := store.Migrate(ctx, st.DB()); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	var retryQueue *queue.RetryQueue
	if cfg.Redis.URL != "" {
		retryQueue, err = queue.New(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("open redis", zap.Error(err))
		}
		defer retryQueue.Close()
	} else {
		logger.Warn("redis not configured, unlinked billing events will be dropped without retries")
	}

	authSvc := auth.NewService(cfg)
	trialSvc := trial.NewService(cfg, st)
	observer := observability.NewLimitObserver(logger)
	gate := trial.NewGate(trialSvc, observer, trial.FailurePolicy{AllowOnError: cfg.Enforcement.FailOpen})

	var billingRetry billing.RetryQueue
	if retryQueue != nil {
		billingRetry = retryQueue
	}
	billingSvc := billing.NewStripeService(cfg, st, billingRetry, logger)
	if retryQueue != nil {
		go billingSvc.RunRetryWorker(ctx, retryQueue)
	}

	handler := httpapi.NewHandler(cfg, st, authSvc, trialSvc, gate, billingSvc, billingSvc, logger)
	if retryQueue != nil {
		handler.Queue = retryQueue
	}
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("mailroom-api listening", zap.String("addr", cfg.HTTP.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatal("server error", zap.Error(err))
	}
}
