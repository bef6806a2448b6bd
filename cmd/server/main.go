// Ava - streaming chat session gateway
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/ava-chat/internal/agent"
	"github.com/ashureev/ava-chat/internal/api"
	"github.com/ashureev/ava-chat/internal/config"
	"github.com/ashureev/ava-chat/internal/gate"
	"github.com/ashureev/ava-chat/internal/identity"
	"github.com/ashureev/ava-chat/internal/middleware"
	"github.com/ashureev/ava-chat/internal/session"
	"github.com/ashureev/ava-chat/internal/store"
	"github.com/ashureev/ava-chat/internal/transport"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
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
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		slog.Warn("Unknown log level, keeping info", "log_level", cfg.LogLevel)
	}

	if err := run(cfg, logger); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Server stopped successfully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	slog.Info("Starting server",
		"port", cfg.Port,
		"dev", cfg.IsDevelopment(),
		"store", cfg.Store.Backend,
		"auth", cfg.Auth.Enabled,
		"moderation", cfg.Moderation.Enabled,
	)

	var rdb *redis.Client
	if cfg.UsesRedis() {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				slog.Error("Failed to close redis client", "error", err)
			}
		}()
	}

	st, err := newStore(cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("Failed to close conversation store", "error", closeErr)
		}
	}()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
	err = st.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return fmt.Errorf("conversation store health check: %w", err)
	}
	slog.Info("Conversation store connected", "backend", cfg.Store.Backend)

	svc, err := newAgent(cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	gates, stopGates, err := newGates(cfg, rdb, logger)
	if err != nil {
		return err
	}
	defer stopGates()

	transcript, err := session.NewConversationLogger(session.ConversationLogConfig{
		Enabled:       cfg.ConversationLog.Enabled,
		Dir:           cfg.ConversationLog.Dir,
		GlobalEnabled: cfg.ConversationLog.GlobalEnabled,
		GlobalPath:    cfg.ConversationLog.GlobalPath,
		QueueSize:     cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}
	defer func() {
		if closeErr := transcript.Close(); closeErr != nil {
			slog.Error("Failed to close conversation logger", "error", closeErr)
		}
	}()

	ctrl, err := session.NewController(st, gates, svc, transcript, session.Config{
		Marker:      cfg.Agent.BoundaryMarker,
		SearchTools: cfg.Agent.SearchTools,
		Language:    cfg.Agent.Language,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize session controller: %w", err)
	}

	registry := transport.NewRegistry()
	wsHandler := transport.NewWebSocketHandler(ctrl, registry, transport.WSConfig{
		AllowedOrigin: cfg.FrontendURL,
		IsDev:         cfg.IsDevelopment(),
	}, logger)
	sseHandler := transport.NewSSEHandler(ctrl, transport.SSEConfig{
		RetryDelay:         cfg.SSE.RetryDelay,
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
	}, logger)

	healthHandler := api.NewHealthHandler(map[string]api.Pinger{
		"store": st,
		"agent": api.PingFunc(svc.Health),
	}, 5*time.Second)

	// Setup router.
	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	// Strips access_token from the URI before the access log sees it.
	r.Use(identity.Middleware())
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))

	// Public routes.
	healthHandler.RegisterHealth(r)
	r.Get("/api/config", api.ConfigHandler(api.ClientConfig{
		AuthRequired: gates.AuthRequired(),
		MaxTurns:     gates.MaxTurns(),
		SSERetryMS:   cfg.SSE.RetryDelay.Milliseconds(),
	}))

	// Chat endpoints.
	r.Get("/chat", wsHandler.ServeHTTP)
	r.Post("/api/chat", sseHandler.ServeHTTP)

	// Note: SSE responses stream for the whole agent run (no WriteTimeout).
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})

	if exp, ok := st.(store.Expirer); ok {
		g.Go(func() error {
			return store.RunSweeper(gctx, exp, cfg.Store.SweepInterval)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")

		registry.CloseAll("server shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	return g.Wait()
}

func newStore(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (store.ConversationStore, error) {
	opts := store.Options{
		MaxTurns: cfg.Store.MaxTurns,
		TTL:      cfg.Store.TTL,
	}
	switch cfg.Store.Backend {
	case config.BackendRedis:
		return store.NewRedis(rdb, opts, logger), nil
	case config.BackendSQLite:
		s, err := store.NewSQLite(cfg.Store.DBPath, opts, logger)
		if err != nil {
			return nil, fmt.Errorf("initialize database: %w", err)
		}
		return s, nil
	default:
		return store.NewMemory(opts), nil
	}
}

func newAgent(cfg *config.Config, logger *slog.Logger) (*agent.Service, error) {
	var inv agent.Invoker
	if cfg.Agent.Address == "" {
		slog.Warn("AGENT_ADDR not set, answering with the local echo agent")
		inv = agent.NewCallbackInvoker(agent.EchoProducer(cfg.Agent.BoundaryMarker), 16)
	} else {
		slog.Info("Connecting to agent service via gRPC", "address", cfg.Agent.Address)
		client, err := agent.NewGrpcClient(agent.Config{
			Address:        cfg.Agent.Address,
			ConnectTimeout: cfg.Agent.ConnectTimeout,
			Timeout:        cfg.Agent.Timeout,
			Language:       cfg.Agent.Language,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to agent: %w", err)
		}
		inv = client
	}

	svc, err := agent.NewService(inv, cfg.Agent.Timeout, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize agent service: %w", err)
	}
	return svc, nil
}

func newGates(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) (*gate.Pipeline, func(), error) {
	opts := []gate.Option{
		gate.WithMaxTurns(cfg.Store.MaxTurns),
		gate.WithLogger(logger),
	}
	stop := func() {}

	if cfg.Auth.Enabled {
		var pem []byte
		if cfg.Auth.PublicKeyFile != "" {
			data, err := os.ReadFile(cfg.Auth.PublicKeyFile)
			if err != nil {
				return nil, nil, fmt.Errorf("read auth public key: %w", err)
			}
			pem = data
		}
		verifier, err := identity.NewJWTVerifier(identity.VerifierConfig{
			Secret:        []byte(cfg.Auth.Secret),
			PublicKeyPEM:  pem,
			Issuer:        cfg.Auth.Issuer,
			Audience:      cfg.Auth.Audience,
			RequiredScope: cfg.Auth.RequiredScope,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("initialize token verifier: %w", err)
		}
		opts = append(opts, gate.WithVerifier(verifier))
	}

	switch cfg.RateLimit.Backend {
	case config.BackendRedis:
		opts = append(opts, gate.WithLimiter(gate.NewRedisLimiter(rdb, cfg.RateLimit.Requests, cfg.RateLimit.Window)))
	default:
		limiter := gate.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
		stop = limiter.Stop
		opts = append(opts, gate.WithLimiter(limiter))
	}

	if cfg.Moderation.Enabled {
		opts = append(opts, gate.WithModerator(gate.NewOpenAIModerator(
			cfg.Moderation.APIKey, cfg.Moderation.BaseURL, cfg.Moderation.Model,
		)))
	}

	return gate.NewPipeline(opts...), stop, nil
}

func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}
