package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/clinicore/booking-engine/internal/api"
	"github.com/clinicore/booking-engine/internal/booking"
	"github.com/clinicore/booking-engine/internal/config"
	"github.com/clinicore/booking-engine/internal/db"
	"github.com/clinicore/booking-engine/internal/metrics"
	"github.com/clinicore/booking-engine/internal/redisclient"
	"github.com/clinicore/booking-engine/internal/reschedule"
	"github.com/clinicore/booking-engine/internal/session"
	"github.com/clinicore/booking-engine/pkg/logging"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("config load error", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("api-server starting up", "env", cfg.Env, "http_port", cfg.HTTPPort)

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

	rdb, err := redisclient.NewRedisClient(cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		logger.Error("redis connection error", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			logger.Error("error closing redis", "error", err)
		}
	}()
	logger.Info("connected to Redis")

	bookingMetrics := metrics.NewBookingMetrics(prometheus.DefaultRegisterer)

	store := booking.NewStore(pgPool)
	bookings := booking.NewService(store, logger, bookingMetrics)
	offerStore := reschedule.NewStore(pgPool)
	offers := reschedule.NewEngine(offerStore, store, logger)
	resizer := session.NewResizer(store, offers, logger, session.Options{
		DefaultSlotMinutes: cfg.DefaultSlotMinutes,
		BufferMinutes:      cfg.BufferMinutes,
		Location:           cfg.ScheduleLocation,
		OfferTTL:           cfg.OfferTTL,
	})

	router := api.NewRouter(api.RouterConfig{
		Bookings: bookings,
		Sessions: resizer,
		Offers:   offers,
		PgPool:   pgPool,
		Redis:    rdb,
		Logger:   logger,
		Env:      cfg.Env,
		Version:  version,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
	case <-rootCtx.Done():
	}

	logger.Info("shutting down api-server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
