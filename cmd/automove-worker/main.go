package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clinicore/booking-engine/internal/booking"
	"github.com/clinicore/booking-engine/internal/config"
	"github.com/clinicore/booking-engine/internal/db"
	"github.com/clinicore/booking-engine/internal/metrics"
	"github.com/clinicore/booking-engine/internal/redisclient"
	"github.com/clinicore/booking-engine/internal/reschedule"
	"github.com/clinicore/booking-engine/pkg/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("automove-worker starting up",
		"env", cfg.Env, "interval", cfg.ReconcilerInterval, "batch_size", cfg.ReconcilerBatchSize)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN)
	cancelPg()
	if err != nil {
		logger.Error("postgres connection error", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()
	logger.Info("connected to Postgres")

	// The lease only suppresses duplicate sweeps across workers; every group
	// mutation re-validates under its own row lock, so a missing redis still
	// leaves the reconciler correct.
	var leaser redisclient.Leaser
	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Warn("redis unavailable, running without the sweep lease", "error", err)
	} else {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Error("error closing redis", "error", err)
			}
		}()
		leaser = redisclient.NewRedisLeaser(rdb, cfg.ReconcilerLeaseTTL)
		logger.Info("connected to Redis")
	}

	store := booking.NewStore(pgPool)
	offerStore := reschedule.NewStore(pgPool)
	m := metrics.NewReconcilerMetrics(prometheus.DefaultRegisterer)

	reconciler := reschedule.NewReconciler(offerStore, store, leaser, logger, m,
		cfg.ReconcilerInterval, cfg.ReconcilerBatchSize)
	reconciler.Run(rootCtx)

	logger.Info("automove-worker stopped")
}
