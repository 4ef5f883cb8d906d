package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"sudooom.im.livechat/internal/api"
	"sudooom.im.livechat/internal/auth"
	"sudooom.im.livechat/internal/config"
	"sudooom.im.livechat/internal/handler"
	"sudooom.im.livechat/internal/health"
	"sudooom.im.livechat/internal/metrics"
	imNats "sudooom.im.livechat/internal/nats"
	"sudooom.im.livechat/internal/push"
	imRedis "sudooom.im.livechat/internal/redis"
	"sudooom.im.livechat/internal/repository"
	"sudooom.im.livechat/internal/server"
	"sudooom.im.livechat/internal/service"
	"sudooom.im.livechat/internal/snowflake"
	"sudooom.im.livechat/internal/workerpool"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay: HTTP API, WebSocket, optional WebTransport and the health server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func newLogger(cfg *config.Config) *slog.Logger {
	level, _ := cfg.Logging.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)
	return logger
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 存储
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close store", "error", err)
		}
	}()
	logger.Info("Store opened", "driver", cfg.Database.Driver)

	node, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		return err
	}
	nodeID := strconv.FormatInt(cfg.App.NodeID, 10)

	// NATS：推送镜像和命令订阅
	var (
		natsClient *imNats.Client
		mirror     push.Mirror
		bus        health.BusConn
	)
	if cfg.NATS.Enabled {
		natsClient, err = imNats.NewClient(cfg.NATS, logger)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsClient.Close()
		mirror = imNats.NewEventPublisher(natsClient.Conn(), cfg.NATS.EventSubjectPrefix, nodeID, logger)
		bus = natsClient
		logger.Info("Connected to NATS", "url", cfg.NATS.URL)
	}

	// Redis：token 认证和用户位置
	var (
		redisClient *imRedis.Client
		redisPinger health.Pinger
		locations   server.LocationStore
	)
	if cfg.Redis.Enabled {
		redisClient = imRedis.NewClient(cfg.Redis, nodeID, logger)
		defer redisClient.Close()
		redisPinger = redisClient
		locations = redisClient
		logger.Info("Connected to Redis", "addr", cfg.Redis.Addr)
	}

	authn := newAuthenticator(cfg, redisClient)

	relay := service.NewRelay(repository.Instrument(store), node, service.RelayOptions{
		Mirror:         mirror,
		PersistTimeout: cfg.Server.PersistTimeout,
		Logger:         logger,
	})
	h := handler.New(relay, authn, handler.Options{
		EventsPerSecond: cfg.Limits.EventsPerSecond,
		Burst:           cfg.Limits.Burst,
		OpTimeout:       cfg.Server.PersistTimeout,
	}, logger)
	srv := server.New(cfg, h, locations, logger)

	if natsClient != nil {
		pool := workerpool.New(cfg.Workers.Size, cfg.Workers.QueueSize, logger)
		sub := imNats.NewCommandSubscriber(natsClient.Conn(), cfg.NATS.CommandSubject, cfg.NATS.QueueGroup,
			handler.NewCommandHandler(relay.Chat), pool, logger)
		if err := sub.Start(ctx); err != nil {
			pool.Shutdown()
			return fmt.Errorf("subscribe commands: %w", err)
		}
		defer sub.Stop()
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := api.NewRouter(relay.Chat, authn, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WebSocket:      srv.WebSocketHandler(),
		Logger:         logger,
	})
	apiServer := &http.Server{Addr: cfg.Server.HTTPAddr, Handler: router}

	checker := health.NewChecker(cfg.App.Name, store, bus, redisPinger, relay.Sessions)
	healthServer := &http.Server{Addr: cfg.Server.HealthAddr, Handler: healthMux(checker)}

	errCh := make(chan error, 3)
	go srv.Start(ctx)
	go serveHTTP(apiServer, "API", errCh, logger)
	go serveHTTP(healthServer, "Health check", errCh, logger)
	if cfg.QUIC.Enabled {
		go func() {
			if err := srv.ListenWebTransport(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("webtransport: %w", err)
			}
		}()
	}

	logger.Info("Livechat relay started",
		"http_addr", cfg.Server.HTTPAddr,
		"health_addr", cfg.Server.HealthAddr,
		"quic_enabled", cfg.QUIC.Enabled,
		"node_id", nodeID)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		logger.Error("Server failed", "error", runErr)
	}

	// 优雅关闭
	logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Relay shutdown", "error", err)
	}
	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Health server shutdown", "error", err)
	}
	logger.Info("Server stopped")
	return runErr
}

func serveHTTP(s *http.Server, name string, errCh chan<- error, logger *slog.Logger) {
	logger.Info(name+" server started", "addr", s.Addr)
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}

func healthMux(checker *health.Checker) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/health", checker)
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if checker.IsHealthy(r.Context()) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("Not Ready"))
	})
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

func openStore(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pg := cfg.Database.Postgres
		pool, err := repository.ConnectPostgres(ctx, cfg.PostgresDSN(),
			int32(pg.MaxOpenConns), int32(pg.MaxIdleConns), pg.ConnMaxLifetime)
		if err != nil {
			return nil, err
		}
		return repository.NewPostgresStore(pool), nil
	default:
		store, err := repository.OpenPebble(cfg.Database.PebblePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func newAuthenticator(cfg *config.Config, redisClient *imRedis.Client) auth.Authenticator {
	if cfg.Auth.Mode == config.AuthModeRedis {
		return auth.NewRedisAuthenticator(redisClient)
	}
	return auth.NewJWTAuthenticator(newJWTService(cfg))
}

func newJWTService(cfg *config.Config) *auth.JWTService {
	return auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.AccessTTL, cfg.Auth.RefreshTTL)
}
