// Package main is the entry point for the chat engine API server.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/docsmith/chat-engine/internal/config"
	"github.com/docsmith/chat-engine/internal/controller"
	"github.com/docsmith/chat-engine/internal/handler"
	"github.com/docsmith/chat-engine/internal/middleware"
	natsclient "github.com/docsmith/chat-engine/internal/nats"
	"github.com/docsmith/chat-engine/internal/store"
	"github.com/docsmith/chat-engine/internal/upstream"
	"github.com/docsmith/chat-engine/pkg/logger"
	"github.com/docsmith/chat-engine/pkg/tracing"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting chat engine")

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "chat-engine", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Connect to NATS; fall back to in-memory sessions when unreachable so
	// the embedded assistant keeps working without durable storage.
	var kv store.KV
	var nc *natsclient.Client
	nc, err = natsclient.Connect(ctx, natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		log.Warn("NATS unavailable, sessions will not survive restarts", zap.Error(err))
		nc = nil
		kv = store.NewMemKV()
	} else {
		defer nc.Close()
		bucket, err := nc.EnsureKV(ctx, cfg.NATSBucket)
		if err != nil {
			log.Warn("KV bucket unavailable, sessions will not survive restarts", zap.Error(err))
			kv = store.NewMemKV()
		} else {
			kv = bucket
		}
	}

	sessionStore := store.NewSessionStore(kv, log)

	// Upstream client and controller
	streamer := upstream.NewClient(cfg.UpstreamBaseURL, cfg.UpstreamAPIKey, log)
	ctrl := controller.New(sessionStore, streamer, controller.Defaults{
		Model:          cfg.DefaultModel,
		ReasoningModel: cfg.ReasoningModel,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		SystemMessage:  cfg.SystemMessage,
		StreamTimeout:  cfg.StreamTimeout,
	}, log)

	// Initialize handlers
	healthHandler := handler.NewHealthHandler(nc)
	sessionHandler := handler.NewSessionHandler(ctrl, sessionStore, log)
	chatHandler := handler.NewChatHandler(ctrl, sessionStore, log)

	// Create router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS())

	// Health endpoints (no auth required)
	r.Get("/health", healthHandler.Health)
	r.Get("/ready", healthHandler.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(cfg.JWTSecret))
		r.Use(middleware.RateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		// Send with no session selected creates one.
		r.Post("/messages", chatHandler.Send)
		r.Get("/streaming", chatHandler.Streaming)

		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", sessionHandler.List)
			r.Post("/", sessionHandler.Create)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", sessionHandler.Get)
				r.Put("/select", sessionHandler.Select)
				r.Delete("/", sessionHandler.Delete)

				r.Post("/messages", chatHandler.Send)
				r.Post("/regenerate", chatHandler.Regenerate)
				r.Post("/stop", chatHandler.Stop)
				r.Delete("/messages/{messageID}", chatHandler.DeleteMessage)
			})
		})
	})

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      r,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", zap.Error(err))
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Cancel any in-flight streams before closing listeners.
	ctrl.StopAll()

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped")
}
