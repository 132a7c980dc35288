package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"a2aexchange/auth"
	"a2aexchange/compliance"
	"a2aexchange/config"
	"a2aexchange/guard"
	"a2aexchange/ledger"
	"a2aexchange/metrics"
	"a2aexchange/models"
	"a2aexchange/observability/logging"
	otelinit "a2aexchange/observability/otel"
	"a2aexchange/observer"
	"a2aexchange/server"
	"a2aexchange/webhooks"
)

func main() {
	seed := flag.Bool("seed", false, "seed demo accounts and exit")
	flag.Parse()

	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup("a2a-settlement-exchange", cfg.Environment, logging.Options{
		File:      cfg.LogFile,
		MaxSizeMB: cfg.LogMaxSizeMB,
		Backups:   cfg.LogBackups,
	})

	db, err := openDatabase(cfg)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	if cfg.AutoCreateSchema {
		if err := models.AutoMigrate(db); err != nil {
			logger.Error("schema migration failed", "error", err)
			os.Exit(1)
		}
	}

	spendGuard := guard.New(db, guard.Config{
		DefaultDailyLimit:   cfg.DefaultDailySpendLimit,
		WindowHours:         cfg.SpendingWindowHours,
		HourlyVelocityLimit: cfg.HourlyVelocityLimit,
		FreezeDuration:      time.Duration(cfg.SpendingFreezeMinutes) * time.Minute,
	}, logger)

	queue := webhooks.NewQueue(webhooks.WithCapacity(cfg.WebhookQueueCapacity))
	dispatcher := webhooks.NewDispatcher(queue)
	spendGuard.SetEventSink(dispatcher)
	tsa := compliance.NewTSAClient(cfg.TSAURL, time.Duration(cfg.TSATimeoutSeconds)*time.Second)
	recorder := compliance.NewRecorder(db, tsa, logger)

	engine := ledger.New(ledger.Config{
		DB:         db,
		Fees:       ledger.FeeSchedule{Percent: cfg.FeePercent, MinFee: cfg.MinFee},
		MinEscrow:  cfg.MinEscrow,
		MaxEscrow:  cfg.MaxEscrow,
		DefaultTTL: time.Duration(cfg.DefaultTTLMinutes) * time.Minute,
		DisputeTTL: time.Duration(cfg.DisputeTTLMinutes) * time.Minute,
		Guard:      spendGuard,
		Events:     ledger.MultiSink{dispatcher, metrics.NewSink()},
		Attest:     recorder,
		Logger:     logger,
	})

	if *seed {
		if err := seedDemoAccounts(db, engine, cfg, logger); err != nil {
			logger.Error("seeding failed", "error", err)
			os.Exit(1)
		}
		return
	}

	authn := auth.NewAuthenticator(db, time.Duration(cfg.KeyRotationGraceMinutes)*time.Minute)
	signer := auth.NewSigner(time.Duration(cfg.SignatureMaxAgeSeconds) * time.Second)

	srv := server.New(server.Deps{
		DB:       db,
		Config:   cfg,
		Engine:   engine,
		Auth:     authn,
		Signer:   signer,
		Guard:    spendGuard,
		Recorder: recorder,
		Logger:   logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.OTLPEndpoint != "" {
		shutdown, err := otelinit.Init(ctx, otelinit.Config{
			ServiceName: "a2a-settlement-exchange",
			Environment: cfg.Environment,
			Endpoint:    cfg.OTLPEndpoint,
			Insecure:    cfg.OTLPInsecure,
			Headers:     otelinit.ParseHeaders(cfg.OTLPHeaders),
		})
		if err != nil {
			logger.Error("telemetry setup failed", "error", err)
			os.Exit(1)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	worker := webhooks.NewWorker(db, queue, webhooks.WorkerConfig{
		Timeout:    time.Duration(cfg.WebhookTimeoutSeconds) * time.Second,
		MaxRetries: cfg.WebhookMaxRetries,
	}, logger)
	go worker.Run(ctx)

	sweeper := observer.New(engine,
		time.Duration(cfg.ExpiryIntervalSecs)*time.Second,
		time.Duration(cfg.ExpiryWarningMinutes)*time.Minute,
		logger)
	go sweeper.Run(ctx)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("settlement exchange listening", "address", cfg.ListenAddress)
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("http server exited", "error", err)
		os.Exit(1)
	}
	logger.Info("settlement exchange stopped")
}

func openDatabase(cfg config.Config) (*gorm.DB, error) {
	gormCfg := &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	}
	if cfg.PostgresDSN() {
		return gorm.Open(postgres.Open(cfg.DatabaseURL), gormCfg)
	}
	return gorm.Open(sqlite.Open(cfg.DatabaseURL), gormCfg)
}
