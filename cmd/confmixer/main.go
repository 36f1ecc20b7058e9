package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tiagolam/confmixer/internal/api"
	"github.com/tiagolam/confmixer/internal/api/middleware"
	"github.com/tiagolam/confmixer/internal/conference"
	"github.com/tiagolam/confmixer/internal/config"
	"github.com/tiagolam/confmixer/internal/ice"
	"github.com/tiagolam/confmixer/internal/member"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging (text or json format, configurable level).
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting confmixer",
		"http_addr", cfg.HTTPAddr,
		"rtp_port_base", cfg.RTPPortBase,
	)

	ports := ice.NewPortAllocator(cfg.RTPPortBase)
	registry := conference.NewRegistry(ports, member.NewCodec, logger)

	origins := middleware.ParseCORSOrigins(cfg.CORSOrigins)
	handler := api.NewServer(registry, origins, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      handler,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		slog.Error("http server error", "error", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutting down server")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("http server shutdown error", "error", err)
		os.Exit(1)
	}

	slog.Info("confmixer stopped")
}
