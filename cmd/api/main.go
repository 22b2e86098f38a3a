// Package main is the entry point for the support router server.
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

	"github.com/capitalize-ai/support-router/internal/auth"
	"github.com/capitalize-ai/support-router/internal/config"
	"github.com/capitalize-ai/support-router/internal/handler"
	"github.com/capitalize-ai/support-router/internal/hub"
	natsclient "github.com/capitalize-ai/support-router/internal/nats"
	"github.com/capitalize-ai/support-router/internal/service"
	"github.com/capitalize-ai/support-router/internal/store"
	"github.com/capitalize-ai/support-router/pkg/keylock"
	"github.com/capitalize-ai/support-router/pkg/logger"
	"github.com/capitalize-ai/support-router/pkg/tracing"
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

	if err := cfg.Validate(); err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}
	if cfg.UsesDefaultSecret() {
		log.Warn("JWT_SECRET is not set, using the development secret")
	}

	log.Info("starting support router", zap.String("store_driver", string(cfg.StoreDriver)))

	// Initialize tracing if enabled
	ctx := context.Background()
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "support-router", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(ctx, tp)
		}
	}

	// Conversation store
	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open conversation store", zap.Error(err))
	}
	defer closeStore()

	// Rooms and connections
	broadcaster := hub.NewBroadcaster(log)
	registry := hub.NewRegistry(broadcaster)

	// Initialize services
	opts := service.Options{
		StoreTimeout: cfg.StoreTimeout,
		AuthTimeout:  cfg.AuthTimeout,
		ReadRetries:  cfg.StoreReadRetries,
	}
	tokens := auth.NewJWTGateway(cfg.JWTSecret, cfg.JWTExpiration)
	accounts := auth.NewAccountService(st, tokens, log)
	conversationSvc := service.NewConversationService(st, broadcaster, keylock.New(), opts, log)
	messageSvc := service.NewMessageService(conversationSvc, log)
	connectionSvc := service.NewConnectionService(registry, tokens, conversationSvc, messageSvc, opts, log)

	// Create router
	router := handler.NewRouter(handler.RouterConfig{
		Logger:        log,
		Gateway:       tokens,
		Health:        handler.NewHealthHandler(st, cfg.StoreTimeout, log),
		Auth:          handler.NewAuthHandler(accounts, log),
		Conversations: handler.NewConversationHandler(conversationSvc, log),
		WebSocket: handler.NewWebSocketHandler(connectionSvc, handler.WebSocketConfig{
			AllowedOrigins:  cfg.AllowedOrigins,
			SendBuffer:      cfg.WSSendBuffer,
			PingInterval:    cfg.WSPingInterval,
			MaxMessageBytes: cfg.WSMaxMessageBytes,
		}, log),
		AllowedOrigins:    cfg.AllowedOrigins,
		RateLimitRequests: cfg.RateLimitRequests,
		RateLimitWindow:   cfg.RateLimitWindow,
	})

	// Create HTTP server. WriteTimeout is not applied to hijacked WebSocket
	// connections; their deadlines are managed per frame.
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}

	log.Info("server stopped",
		zap.Int("customers", registry.Count(hub.StateCustomer)),
		zap.Int("agents", registry.Count(hub.StateAgent)),
	)
}

// openStore builds the configured driver. The returned func releases it.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (store.Store, func(), error) {
	switch cfg.StoreDriver {
	case store.DriverMemory:
		log.Warn("using the in-memory store; conversations are lost on restart")
		st := store.NewMemoryStore()
		return st, func() { st.Close() }, nil

	case store.DriverRedis:
		st, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { st.Close() }, nil

	case store.DriverNATS:
		client, err := natsclient.Connect(ctx, natsclient.Config{
			URL:      cfg.NATSURL,
			CAFile:   cfg.NATSCAFile,
			CertFile: cfg.NATSCertFile,
			KeyFile:  cfg.NATSKeyFile,
			Token:    cfg.NATSToken,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		st, err := natsclient.NewConversationStore(ctx, client)
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return st, client.Close, nil
	}
	return nil, nil, fmt.Errorf("%w: %q", store.ErrInvalidDriver, cfg.StoreDriver)
}
