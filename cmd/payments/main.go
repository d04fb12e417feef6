// Package main starts the payments HTTP server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/veiledletter/payments/internal/analytics"
	"github.com/veiledletter/payments/internal/config"
	"github.com/veiledletter/payments/internal/dispatch"
	"github.com/veiledletter/payments/internal/handler"
	"github.com/veiledletter/payments/internal/middleware"
	"github.com/veiledletter/payments/internal/psp"
	"github.com/veiledletter/payments/internal/repository"
	"github.com/veiledletter/payments/internal/service"
)

const expiryInterval = 30 * time.Second

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	providers := psp.NewRegistry(
		psp.NewPixClient(cfg.PixAddress),
		psp.NewCheckoutClient(cfg.CheckoutAddress),
	)

	emitter := analytics.NewClient(cfg.AnalyticsAddress, logger)
	dispatcher := dispatch.NewDispatcher(repo, emitter, logger)

	svc := service.NewService(repo, providers, dispatcher, logger, cfg.ChargeTTL)
	defer svc.Close()

	signatureMiddleware := middleware.NewSignatureMiddleware(cfg.WebhookSecret)
	h := handler.NewHandler(svc, logger, providers, signatureMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Server-side enforcement of the charge validity window.
	g.Go(func() error {
		svc.StartExpiry(ctx, expiryInterval)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting payments server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown on signal or on a failure in another goroutine.
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
