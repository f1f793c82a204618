package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mmdatafocus/booking_backend/config"
	"github.com/mmdatafocus/booking_backend/models"
	"github.com/mmdatafocus/booking_backend/provider"
	"github.com/mmdatafocus/booking_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	settings := config.LoadSettings()
	logger := config.GetLogger()

	// Cloud Run sends SIGTERM on revision shutdown; handle it for graceful drain.
	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	a := &app{settings: settings, logger: logger}

	// Redis is optional; the limiter reads the client lazily and fails open.
	var limiter *RateLimiter
	if settings.RateLimitEnabled {
		limiter = NewRateLimiter(nil, settings.RateLimitMaxRequests, settings.RateLimitWindow)
	}

	// Start the HTTP server ASAP so the platform considers the revision healthy.
	// Until the database is ready, app endpoints answer 503.
	srv := &http.Server{
		Addr:              ":" + settings.Port,
		Handler:           newRouter(a, limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErrCh := make(chan error, 1)
	go func() {
		// ListenAndServe returns http.ErrServerClosed on graceful shutdown.
		serverErrCh <- srv.ListenAndServe()
	}()

	// Connect dependencies after the port is open.
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	// AutoMigrate can run blocking DDL; large deployments run it as a separate job.
	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		if err := models.MigrateTable(db); err != nil {
			logger.WithFields(logrus.Fields{"field": "migrations"}).Fatal(err.Error())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	if config.ConnectRedisWithRetry(sigCtx, 5) {
		if limiter != nil {
			limiter.SetClient(config.GetRedisDB())
		}
	} else {
		logger.WithFields(logrus.Fields{"field": "redis"}).Warn("redis unavailable; rate limiting and sweeper lock disabled")
	}

	alerter, closeAlerter, err := workflow.NewAlerter(settings, logger)
	if err != nil {
		logger.WithFields(logrus.Fields{"field": "alerts"}).Fatal(err.Error())
	}
	defer closeAlerter()

	var refunds workflow.RefundIssuer
	if settings.ProviderBaseURL != "" {
		client, err := provider.NewClient(settings.ProviderBaseURL, settings.ProviderAPIKey, settings.ProviderRatePerSec)
		if err != nil {
			logger.WithFields(logrus.Fields{"field": "provider"}).Fatal(err.Error())
		}
		refunds = client
	} else {
		logger.WithFields(logrus.Fields{"field": "provider"}).Warn("PROVIDER_API_BASE_URL not set; refund jobs will dead-letter")
	}

	services := workflow.NewServices(db, logger, settings, refunds, alerter, config.GetRedisLock())
	a.services.Store(services)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		services.Worker.Run(workerCtx)
	}()
	go func() {
		defer workers.Done()
		services.Sweeper.Run(workerCtx)
	}()
	logger.WithFields(logrus.Fields{
		"field":     "server",
		"port":      settings.Port,
		"worker_id": services.Worker.WorkerID,
	}).Info("ready")

	select {
	case <-sigCtx.Done():
		logger.WithFields(logrus.Fields{"field": "shutdown"}).Info("signal received; shutting down")
	case err := <-serverErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithFields(logrus.Fields{"field": "server"}).Error(err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithFields(logrus.Fields{"field": "shutdown"}).Error(err.Error())
	}
	// In-flight jobs finish their current attempt; anything cut short is reclaimed
	// after the lock TTL.
	cancelWorkers()
	workers.Wait()

	if rdb := config.GetRedisDB(); rdb != nil {
		_ = rdb.Close()
	}
}
