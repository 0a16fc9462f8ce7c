package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chat-relay/internal/config"
	"chat-relay/internal/handlers"
	"chat-relay/internal/history"
	"chat-relay/internal/ledger"
	"chat-relay/internal/roster"
	"chat-relay/internal/services"
	"chat-relay/internal/uploads"
	"chat-relay/internal/websocket"
	"chat-relay/pkg/logger"

	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		logger.Fatal("%v", err)
	}
}

func run() error {
	flags := pflag.NewFlagSet("chat-relay", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to a YAML config file (defaults to $CONFIG_FILE)")
	port := flags.String("port", "", "listen port, overrides PORT")
	logLevel := flags.String("log-level", "", "debug, info, warn or error, overrides LOG_LEVEL")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	defer logger.Sync()

	// Initialize history backend
	ctx := context.Background()
	store, err := history.Open(ctx, cfg.History)
	if err != nil {
		return fmt.Errorf("failed to open history backend: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Error closing history backend: %v", err)
		}
	}()

	storage, err := uploads.NewStorage(cfg.Uploads)
	if err != nil {
		return err
	}

	// Initialize services
	hub := websocket.NewHub()
	go hub.Run()

	entries := ledger.New(store, ledger.WithHistoryTimeout(cfg.History.Timeout))
	defer entries.Close()

	relay := services.NewRelayService(roster.NewStore(), entries, storage, hub)

	// Initialize handlers
	relayHandlers := handlers.NewRelayHandlers(relay, cfg.Uploads.MaxBytes)
	wsHandlers := handlers.NewWebSocketHandlers(hub, relay, cfg.Socket, cfg.Server.AllowedOrigins)
	router := handlers.NewRouter(relayHandlers, wsHandlers, storage.Dir(), storage.MountPath())

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      corsMiddleware(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("🚀 Server started on http://localhost%s", cfg.Server.Port)
	logger.Info("📡 WebSocket endpoint: ws://localhost%s/ws", cfg.Server.Port)
	logger.Info("🗄  History backend: %s", cfg.History.Backend)
	printAPIEndpoints(storage.MountPath())

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-serverErr:
		_ = hub.Shutdown(cfg.Server.ShutdownTimeout)
		return fmt.Errorf("server error: %w", err)
	}
	logger.Info("Server shutting down...")

	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown: %v", err)
	}
	if err := hub.Shutdown(cfg.Server.ShutdownTimeout); err != nil {
		logger.Error("Hub shutdown: %v", err)
	}
	return nil
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func printAPIEndpoints(uploadPath string) {
	logger.Info("🔗 API endpoints:")
	logger.Info("   GET    /api/socketData")
	logger.Info("   GET    /api/socketData/{id}")
	logger.Info("   POST   /api/addsocketData")
	logger.Info("   POST   /api/addsocketDataAttach")
	logger.Info("   POST   /api/addsocketTicketChatnote[Admin|Airline]")
	logger.Info("   POST   /api/markAsReadbyAirline/{to}/{from}")
	logger.Info("   POST   /api/markAsReadbyAdmin/{from}/{to}")
	logger.Info("   GET    /api/countUnreadMessagesAirline/{to}/{from}")
	logger.Info("   GET    /api/countUnreadMessagesAdmin/{from}/{to}")
	logger.Info("   DELETE /api/deletesocketData/{id}")
	logger.Info("   GET    /api/messages[/{id}]")
	logger.Info("   GET    /api/ticketChatNotes[/{id}]")
	logger.Info("   GET    /api/history")
	logger.Info("   GET    %s{name}", uploadPath)
	logger.Info("   GET    /healthz")
	logger.Info("   GET    /metrics")
}
