// Traffic-shaping control plane server.
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

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/trafficctl/control-plane/internal/api"
	"github.com/trafficctl/control-plane/internal/command"
	"github.com/trafficctl/control-plane/internal/commandbus"
	"github.com/trafficctl/control-plane/internal/config"
	"github.com/trafficctl/control-plane/internal/eventsink"
	"github.com/trafficctl/control-plane/internal/geoip"
	"github.com/trafficctl/control-plane/internal/maintenance"
	"github.com/trafficctl/control-plane/internal/middleware"
	"github.com/trafficctl/control-plane/internal/ratelimit"
	"github.com/trafficctl/control-plane/internal/session"
	"github.com/trafficctl/control-plane/internal/store/postgres"
	"github.com/trafficctl/control-plane/internal/ws"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("starting server", "port", cfg.Server.Port, "node_id", cfg.Redis.NodeID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := postgres.Open(ctx, cfg.Postgres.DSN)
	if err != nil {
		slog.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("failed to close postgres pool", "error", closeErr)
		}
	}()
	slog.Info("postgres connected")

	chWriter, err := eventsink.NewClickHouseWriter(ctx, cfg.ClickHouse.Addr, cfg.ClickHouse.Database, cfg.ClickHouse.Username, cfg.ClickHouse.Password)
	if err != nil {
		slog.Error("failed to connect to clickhouse", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := chWriter.Close(); closeErr != nil {
			slog.Error("failed to close clickhouse connection", "error", closeErr)
		}
	}()
	if err := chWriter.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure clickhouse schema", "error", err)
		os.Exit(1)
	}
	slog.Info("clickhouse connected")

	sink := eventsink.NewWithTuning(chWriter, cfg.EventSink.MaxQueue, cfg.EventSink.BatchSize, cfg.EventSink.FlushInterval)

	geo, err := geoip.Open(cfg.GeoIP.DatabasePath)
	if err != nil {
		slog.Error("failed to open geoip database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := geo.Close(); closeErr != nil {
			slog.Error("failed to close geoip database", "error", closeErr)
		}
	}()
	if cfg.UsesGeoIP() {
		slog.Info("geoip database loaded", "path", cfg.GeoIP.DatabasePath)
	} else {
		slog.Info("geoip disabled, GEOIP_DATABASE_PATH not set")
	}

	metricsRegistry := prometheus.NewRegistry()
	rateLimiterMetrics := ratelimit.NewMetrics(metricsRegistry)
	limiter := ratelimit.New(cfg.RateLimit, rateLimiterMetrics)
	defer limiter.Stop()

	var bus commandbus.Bus
	var redisClient *redis.Client
	if cfg.UsesRedisBus() {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		bus = commandbus.NewRedisBus(redisClient, cfg.Redis.NodeID)
		slog.Info("command bus: redis", "addr", cfg.Redis.Addr, "node_id", cfg.Redis.NodeID)
	} else {
		bus = commandbus.NewInProcess()
		slog.Info("command bus: in-process (single node)")
	}
	defer func() {
		if closeErr := bus.Close(); closeErr != nil {
			slog.Error("failed to close command bus", "error", closeErr)
		}
	}()

	registry := session.NewRegistry(func(hash string, st session.State) {
		writeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := repo.SetMode(writeCtx, hash, st.Mode, st.CurrentLatencyMs); err != nil {
			slog.Warn("failed to persist mode transition", "session_hash", hash, "error", err)
		}
	})

	wsHandler := ws.New(registry, limiter, geo, sink, repo, bus, cfg.Server.AllowedOrigins)

	if err := bus.Start(ctx, func(sessionHash string, env command.Envelope) {
		ws.DeliverCommand(registry, sessionHash, env)
	}); err != nil {
		slog.Error("failed to start command bus subscriber", "error", err)
		os.Exit(1)
	}

	var clickhousePinger api.Pinger = chWriter
	var redisPinger api.Pinger
	if redisClient != nil {
		redisPinger = commandbus.NewRedisBus(redisClient, cfg.Redis.NodeID)
	}
	apiHandler := api.New(registry, limiter, bus, repo, sink, geo, clickhousePinger, redisPinger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.Server.AllowedOrigins))
	// Global ingress limit of 100 req/min per client IP across every HTTP
	// route, spec.md §6.3. Distinct from the per-sessionHash token bucket
	// in internal/ratelimit, which governs WebSocket frame admission.
	r.Use(httprate.LimitByIP(100, time.Minute))

	apiHandler.RegisterHealth(r)
	apiHandler.RegisterRoutes(r, cfg.Server.AdminAPIKey)
	r.Get("/ws", wsHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	worker := maintenance.New(registry, repo)
	go worker.Run(ctx)

	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	if err := sink.Shutdown(shutdownCtx); err != nil {
		slog.Error("event sink drain incomplete at shutdown", "error", err)
	}

	slog.Info("server stopped")
}
