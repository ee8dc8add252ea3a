/*
Package main is the entry point for the SPA chat relay.

It loads configuration, initializes the global logging system, opens the identity store,
starts the relay event loop and the HTTP server, and shuts everything down in order when
the process receives SIGINT or SIGTERM.
*/
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"spachat/internal/app/chat"
	"spachat/internal/app/db"
	"spachat/internal/app/identity"
	"spachat/internal/app/storage"
	"spachat/internal/configs"
	"spachat/internal/handler"
	"spachat/internal/pkg/logx"
	"spachat/internal/pkg/metrics"
)

func main() {
	// Load configuration from environment variables
	cfg, err := configs.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize global logger
	logx.InitGlobalLogger(cfg.IsDevelopment())
	logx.Logger().Info().
		Str("environment", cfg.Environment).
		Int("port", cfg.Port).
		Strs("allowed_origins", cfg.AllowedOrigins).
		Bool("database", cfg.DatabaseDSN != "").
		Bool("avatar_storage", cfg.StorageEnabled()).
		Dur("store_timeout", cfg.StoreTimeout).
		Msg("Configuration loaded successfully")

	// Create a context that listens for the interrupt signal from the OS.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Identity store
	var store identity.Store
	if cfg.DatabaseDSN != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseDSN)
		if err != nil {
			logx.Fatal(err, "Failed to open identity database")
		}
		defer pool.Close()

		users := db.NewUserStore(pool)
		n, err := users.ResetPresence(ctx)
		if err != nil {
			logx.Fatal(err, "Failed to reset stored presence")
		}
		logx.Info("Identity database ready", "reset_online", n)
		store = users
	} else {
		logx.Warn("DATABASE_URL not set, identities are kept in memory only")
		store = identity.NewMemoryStore()
	}

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// Relay
	relay := chat.NewRelay(chat.NewRegistry(), store, chat.Config{
		Metrics:      metrics.NewRelay(reg),
		StoreTimeout: cfg.StoreTimeout,
	})

	relayCtx, stopRelay := context.WithCancel(context.Background())
	defer stopRelay()
	go relay.Run(relayCtx)

	// Avatar storage
	var avatars storage.AvatarStore
	if cfg.StorageEnabled() {
		avatars, err = storage.NewAvatarStore(ctx, storage.ServiceConfig{
			S3BucketName:      cfg.S3BucketName,
			S3Endpoint:        cfg.S3Endpoint,
			S3AccessKeyID:     cfg.S3AccessKeyID,
			S3SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			logx.Fatal(err, "Failed to initialize avatar storage")
		}
	}

	// Setup HTTP server and routes
	router := handler.Router(&handler.AppDeps{
		Relay:   relay,
		Config:  cfg,
		Avatars: avatars,
		Metrics: reg,
	})

	serverAddr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logx.Info(fmt.Sprintf("Chat relay starting on http://localhost%s", serverAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logx.Fatal(err, "Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server with a timeout of 5 seconds.
	<-ctx.Done()
	logx.Info("Received shutdown signal. Starting graceful shutdown...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()

	// Hijacked websocket connections are not tracked by Shutdown; the relay closes them.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logx.Error(err, "Server forced to shutdown")
	}

	stopRelay()
	select {
	case <-relay.Done():
	case <-shutdownCtx.Done():
		logx.Warn("Relay did not stop before the shutdown deadline")
	}

	logx.Info("Server gracefully stopped.")
}
