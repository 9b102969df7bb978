package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"KeyLedger/internal/app"
	"KeyLedger/internal/config"
	internalhttp "KeyLedger/internal/http"
	"KeyLedger/internal/logging"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}
	logger, err := logging.New(os.Stdout, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("logger setup failed: %v", err)
	}
	slog.SetDefault(logger)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
	defer a.Close()

	srv := internalhttp.NewServer(a.Handler())
	var handler http.Handler = srv.Router
	if cfg.Server.RequestLogging {
		handler = internalhttp.LoggingMiddleware(logger, handler)
	}
	httpServer := internalhttp.NewHTTPServer(cfg.Server.Addr, handler, cfg.ReadTimeout(), cfg.WriteTimeout())

	go func() {
		logger.Info("api listening", "addr", cfg.Server.Addr, "storage", cfg.Storage)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
}
