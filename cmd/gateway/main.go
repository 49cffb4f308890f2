// agentbridge gateway - hosts the browser chat client and bridges it to a
// remote coding agent.
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

	"github.com/ashureev/agentbridge/internal/auth"
	"github.com/ashureev/agentbridge/internal/bridge"
	"github.com/ashureev/agentbridge/internal/config"
	"github.com/ashureev/agentbridge/internal/gateway"
	"github.com/ashureev/agentbridge/internal/middleware"
	"github.com/ashureev/agentbridge/internal/reconnect"
	"github.com/ashureev/agentbridge/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting gateway", "port", cfg.Port, "agent", cfg.AgentAddr, "dev", cfg.IsDevelopment())

	// The bridge owns the single logical session to the agent.
	br := bridge.New(bridge.Config{
		Address: cfg.AgentAddr,
		Token:   cfg.AgentToken,
		Reconnect: reconnect.Config{
			BaseDelay:   cfg.Reconnect.BaseDelay,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		DialTimeout: cfg.DialTimeout,
		Logger:      logger,
	})
	defer br.Dispose()

	gwHandler := gateway.NewHandler(br, cfg.FrontendURL, cfg.IsDevelopment())

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS([]string{"*"}))

	// Gateway routes behind the shared access token.
	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware(cfg.AccessToken))
		gwHandler.RegisterRoutes(r)
	})

	// Serve embedded frontend (SPA catch-all).
	r.Handle("/*", web.SPAHandler())

	// WebSocket tabs stay attached indefinitely; no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start connecting immediately; tabs that attach early watch the
	// state indicator move on its own.
	br.Connect()

	go func() {
		slog.Info("Gateway listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Gateway failed", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for shutdown signal.
	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	br.Dispose()
	gwHandler.Hub().CloseAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Gateway forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Gateway stopped successfully")
}
