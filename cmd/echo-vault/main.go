package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"echo-vault/internal/app"
	"echo-vault/internal/config"
	"echo-vault/internal/router"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	configPath := flag.String("config", "", "path to config.yaml (default: config.local.yaml or config.yaml)")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("❌ Failed to load config: %v", err)
	}
	logger := app.NewLogger(cfg.Logging)
	if logger.GetLevel() < logrus.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := app.NewServiceContainer(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("❌ Failed to initialize services")
	}
	defer container.Cleanup()

	if err := container.WaitForLedger(ctx); err != nil {
		logger.WithError(err).Fatal("❌ Ledger RPC not ready")
	}

	// startup needs the signer and the store, both may still be coming up
	initPolicy := backoff.NewExponentialBackOff()
	initPolicy.MaxElapsedTime = 2 * time.Minute
	err = backoff.RetryNotify(func() error {
		return container.Echo.Init(ctx)
	}, backoff.WithContext(initPolicy, ctx), func(err error, wait time.Duration) {
		logger.WithError(err).WithField("retry_in", wait.String()).Warn("⏳ Engine initialization failed, retrying")
	})
	if err != nil {
		logger.WithError(err).Fatal("❌ Failed to initialize echo engine")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		container.Echo.Run(ctx)
	}()

	engine := router.SetupRouter(cfg, router.Handlers{
		Echo:      container.EchoHandler,
		WebSocket: container.WebSocketHandler,
		AdminAuth: container.AdminAuthHandler,
	}, logger)
	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		logger.WithField("addr", server.Addr).Info("🚀 HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("❌ HTTP server failed")
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("🛑 Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("⚠️ HTTP server shutdown incomplete")
	}
	wg.Wait()
	logger.Info("👋 Stopped")
}
