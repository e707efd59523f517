package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/backoffice/internal/app"
	"github.com/odyssey-erp/backoffice/internal/billing/gateway"
	"github.com/odyssey-erp/backoffice/internal/billing/invoices"
	"github.com/odyssey-erp/backoffice/internal/mail"
	"github.com/odyssey-erp/backoffice/internal/observability"
	"github.com/odyssey-erp/backoffice/internal/platform/cache"
	"github.com/odyssey-erp/backoffice/internal/platform/db"
	"github.com/odyssey-erp/backoffice/internal/shared"
	"github.com/odyssey-erp/backoffice/jobs"
	"github.com/odyssey-erp/backoffice/report"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := app.NewLogger(cfg)

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("backoffice stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		return err
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}
	jobClient := jobs.NewClient(redisOpts, logger)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	smtp := mail.NewSMTPSender(mail.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUser,
		Password: cfg.SMTPPass,
		From:     cfg.SMTPFrom,
	}, logger)
	pdfClient := report.NewClient(cfg.GotenbergURL)

	var stripe *gateway.Client
	if cfg.StripeSecretKey != "" || cfg.StripeWebhookSecret != "" {
		stripe = gateway.New(gateway.Config{SecretKey: cfg.StripeSecretKey, WebhookSecret: cfg.StripeWebhookSecret})
	}

	services, err := app.NewServices(app.ServiceDeps{
		Pool:      pool,
		Config:    cfg,
		Logger:    logger,
		Metrics:   metrics,
		Mailer:    jobs.NewRetryingSender(smtp, jobClient, logger),
		Converter: pdfClient,
		Gateway:   stripe,
		Retry:     jobClient,
	})
	if err != nil {
		return err
	}

	handlerDeps := app.HandlerDeps{
		Logger:   logger,
		Config:   cfg,
		Sessions: shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL),
		Metrics:  metrics,
		Report:   report.NewHandler(pdfClient, logger),
		Jobs:     jobs.NewHandler(inspector, logger),
	}
	var parser invoices.EventParser
	if stripe != nil && cfg.StripeWebhookSecret != "" {
		parser = stripe
	} else {
		logger.Warn("stripe webhook secret not set, webhook disabled")
	}
	handlerDeps.Parser = parser

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      app.NewRouter(app.NewRouterParams(services, handlerDeps)),
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
