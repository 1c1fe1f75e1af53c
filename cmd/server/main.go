package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/ClareAI/astra-telephony-bridge/internal/adapters/livekit"
	"github.com/ClareAI/astra-telephony-bridge/internal/bridge"
	"github.com/ClareAI/astra-telephony-bridge/internal/config"
	"github.com/ClareAI/astra-telephony-bridge/internal/core/event"
	"github.com/ClareAI/astra-telephony-bridge/internal/core/session"
	"github.com/ClareAI/astra-telephony-bridge/internal/handler"
	"github.com/ClareAI/astra-telephony-bridge/pkg/logger"
	"github.com/ClareAI/astra-telephony-bridge/pkg/redis"
)

// Server represents the telephony bridge server
type Server struct {
	config     *config.Config
	router     *mux.Router
	httpServer *http.Server
	controller *bridge.Controller
	bus        *event.DefaultEventBus
	redis      *redis.RedisService

	// ctx is the parent of every media session; cancel ends them all.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer wires the bridge: LiveKit gateway, controller, optional Redis
// session store and the HTTP routes.
func NewServer(cfg *config.Config) (*Server, error) {
	lkConfig, err := livekit.FromConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("livekit config: %w", err)
	}
	rooms, err := livekit.NewRoomManager(lkConfig)
	if err != nil {
		return nil, fmt.Errorf("livekit room manager: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := bridge.NewMetrics(registry)

	bus := event.NewEventBus(event.DefaultQueueSize)
	for _, mw := range event.DefaultMiddlewareChain() {
		bus.Use(mw)
	}

	controller := bridge.NewController(rooms, bridge.NewRegistry(), bridge.OptionsFromConfig(cfg), bus, metrics)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		config:     cfg,
		router:     mux.NewRouter(),
		controller: controller,
		bus:        bus,
		ctx:        ctx,
		cancel:     cancel,
	}

	var sessions *session.Manager
	if cfg.RedisEnabled() {
		redisSvc, err := redis.NewRedisService(&redis.RedisConfig{
			Host:     cfg.RedisHost,
			Port:     cfg.RedisPort,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			cancel()
			_ = bus.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		s.redis = redisSvc
		sessions = session.NewManager(redisSvc, cfg.InstanceID)
		if err := sessions.Attach(bus); err != nil {
			s.close()
			return nil, fmt.Errorf("attach session store: %w", err)
		}
	} else {
		logger.Base().Info("REDIS_HOST not set, sessions are tracked on this instance only")
	}

	handlerManager := handler.NewHandlerManager(ctx, handler.Dependencies{
		Config:     cfg,
		Controller: controller,
		Sessions:   sessions,
		Gatherer:   registry,
	})
	handlerManager.SetupAllRoutes(s.router)

	if err := handlerManager.StartCleanupListener(ctx); err != nil {
		s.close()
		return nil, fmt.Errorf("cleanup listener: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s, nil
}

// Start serves HTTP until Shutdown is called.
func (s *Server) Start() error {
	logger.Base().Info("Starting server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections, closes every call and waits for
// their teardown within ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Base().Warn("HTTP shutdown incomplete", zap.Error(err))
	}

	err := s.controller.Shutdown(ctx)
	if err != nil {
		logger.Base().Warn("Some calls did not finish tearing down", zap.Error(err))
	}
	s.close()
	return err
}

func (s *Server) close() {
	s.cancel()
	if err := s.bus.Close(); err != nil {
		logger.Base().Warn("Event bus close failed", zap.Error(err))
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Base().Warn("Redis close failed", zap.Error(err))
		}
	}
}

func main() {
	// Load .env for local development; it does not override the environment.
	if err := godotenv.Load(); err != nil {
		log.Printf("Info: .env file not found or skipped (expected in production): %v", err)
	}

	cfg := config.LoadConfigFromEnv()
	if _, err := logger.Init(cfg.LogEnv); err != nil {
		log.Printf("Failed to initialize zap logger: %v", err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Base().Fatal("Invalid configuration", zap.Error(err))
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Base().Fatal("Failed to create server", zap.Error(err))
	}
	logger.Base().Info("Server initialized",
		zap.String("port", cfg.Port),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("livekit_url", cfg.LiveKitURL))

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Base().Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			logger.Base().Error("Server failed", zap.Error(err))
		}
	}

	// Calls get the teardown timeout plus a margin for the HTTP drain.
	ctx, cancel := context.WithTimeout(context.Background(), cfg.TeardownTimeout+5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Base().Warn("Shutdown finished with errors", zap.Error(err))
	}
}
