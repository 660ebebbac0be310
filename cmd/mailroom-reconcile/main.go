package main

import (
	"context"
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"mailroom/internal/config"
	"mailroom/internal/observability"
	"mailroom/internal/reconcile"
	"mailroom/internal/store"
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

	st, err := store.Open(cfg.Database.DSN)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer st.Close()

	ctx := context.Background()
	if err := store.Migrate(ctx, st.DB()); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	svc := reconcile.NewService(st, logger)
	report, err := svc.Run(ctx)
	if err != nil {
		logger.Fatal("reconciliation failed", zap.Error(err))
	}
	logger.Info("reconciliation complete",
		zap.Int("counters_repaired", report.CountersRepaired),
		zap.Int("windows_rolled", report.WindowsRolled))
}
