package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"account_service/internal/auth"
	"account_service/internal/config"
	"account_service/internal/flows"
	httpserver "account_service/internal/http_server"
	"account_service/internal/lib/cookie"
	sl "account_service/internal/lib/logger"
	"account_service/internal/rabbitmq"
	"account_service/internal/storage/postgres"
)

const (
	envLocal = "local"
	envDev   = "dev"
	envProd  = "prod"
)

const sweepInterval = time.Hour

func main() {
	cfg := config.MustLoad("./config/config.yaml")

	log := setupLogger(cfg.Env)

	log.Info("starting account service", slog.String("env", cfg.Env))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("shutdown signal received")
		cancel()
	}()

	storage, err := postgres.New(ctx, cfg)
	if err != nil {
		log.Error("failed to connect postgres", sl.Err(err))
		os.Exit(1)
	}
	defer storage.Close()

	notifier, err := rabbitmq.New(cfg.RabbitMQ.URL, cfg.RabbitMQ.QueueName)
	if err != nil {
		log.Error("failed to connect rabbitmq", sl.Err(err))
		os.Exit(1)
	}
	defer notifier.Close()

	authService := auth.New(
		log,
		storage,
		storage,
		storage,
		cfg.Tokens.AccessTokenSecret,
		cfg.Tokens.AccessTokenTTL,
		cfg.Tokens.RefreshTokenTTL,
	)

	flowService := flows.New(
		log,
		storage,
		storage,
		notifier,
		cfg.PublicURL,
		cfg.Tokens.VerificationTokenTTL,
		cfg.Tokens.ResetTokenTTL,
	)

	router := httpserver.NewRouter(httpserver.Deps{
		Log:          log,
		Auth:         authService,
		Flows:        flowService,
		Store:        storage,
		Cookies:      cookie.NewManager(cfg.Cookie.Domain, cfg.Cookie.Secure, cfg.Cookie.SameSite),
		AccessSecret: cfg.Tokens.AccessTokenSecret,
		RefreshTTL:   cfg.Tokens.RefreshTokenTTL,
	})

	go sweepExpired(ctx, log, storage)

	srv := &http.Server{
		Addr:         cfg.HTTPServer.Address,
		Handler:      router,
		ReadTimeout:  cfg.HTTPServer.Timeout,
		WriteTimeout: cfg.HTTPServer.Timeout,
		IdleTimeout:  cfg.HTTPServer.IdleTimeout,
	}

	go func() {
		log.Info("HTTP server is running", slog.String("address", cfg.HTTPServer.Address))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", sl.Err(err))
			cancel()
		}
	}()

	<-ctx.Done()

	log.Info("shutting down HTTP server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", sl.Err(err))
	} else {
		log.Info("server stopped gracefully")
	}
}

type expiredTokenDeleter interface {
	DeleteExpiredTokens(ctx context.Context) (int64, error)
}

// sweepExpired is housekeeping only: every ledger operation checks expiry
// inline, the sweep just keeps dead rows from piling up.
func sweepExpired(ctx context.Context, log *slog.Logger, store expiredTokenDeleter) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := store.DeleteExpiredTokens(ctx)
			if err != nil {
				log.Error("failed to sweep expired tokens", sl.Err(err))
				continue
			}
			if deleted > 0 {
				log.Info("swept expired tokens", slog.Int64("deleted", deleted))
			}
		}
	}
}

func setupLogger(env string) *slog.Logger {
	var log *slog.Logger

	switch env {
	case envLocal:
		log = slog.New(
			slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	case envDev:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}),
		)
	default:
		log = slog.New(
			slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}),
		)
	}

	return log
}
