package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/comigor/rfpdesk/internal/config"
	"github.com/comigor/rfpdesk/internal/history"
	"github.com/comigor/rfpdesk/internal/llm"
	"github.com/comigor/rfpdesk/internal/logger"
	"github.com/comigor/rfpdesk/internal/server"
	"github.com/comigor/rfpdesk/internal/transport"
)

func main() {
	if err := run(); err != nil {
		logger.L.Error("rfpdesk stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.SetLevel(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := history.OpenWithFallback(ctx, cfg.History.DBPath)
	if err != nil {
		return fmt.Errorf("open history: %w", err)
	}
	defer store.Close()

	streamer, err := llm.New(cfg.LLM)
	if err != nil {
		return err
	}

	var hub transport.Hub = transport.NewBroker()
	if cfg.Redis.URL != "" {
		rb, err := transport.NewRedisBroker(cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer rb.Close()
		hub = rb
		logger.L.Info("presence fan-out via redis")
	}

	addr := net.JoinHostPort(cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.New(cfg, hub, store, streamer).Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.L.Info("starting server", "address", addr, "llm_provider", cfg.LLM.Provider)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		logger.L.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return eg.Wait()
}
