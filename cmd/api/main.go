package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/social/internal/activity"
	"example.com/social/internal/api"
	"example.com/social/internal/auth"
	"example.com/social/internal/config"
	"example.com/social/internal/events"
	"example.com/social/internal/feed"
	"example.com/social/internal/identity"
	"example.com/social/internal/store"
	"example.com/social/internal/store/memory"
	"example.com/social/internal/store/postgres"
	httptransport "example.com/social/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		log.Fatalf("build logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := auth.RequestSession{}

	var client store.Client
	if cfg.UseMemoryStore {
		logger.Warn("using in-memory store; data is lost on restart")
		client = memory.NewSocial(memory.WithTokenSource(session))
	} else {
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			logger.Fatal("failed to connect to postgres", zap.Error(err))
		}
		defer pool.Close()
		client = postgres.NewClient(pool, postgres.WithTokenSource(session), postgres.WithLogger(logger.Named("store")))
	}

	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		writer := events.NewPostSharedWriter(events.WriterConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.PostSharedTopic,
		})
		defer writer.Close()
		publisher = events.NewKafkaPublisher(writer, events.WithLogger(logger.Named("events")))
	}

	resolver := identity.NewResolver(client,
		identity.WithLogger(logger.Named("identity")),
		identity.WithCardConcurrency(cfg.ProfileCardConcurrency))

	service := feed.NewService(client, session,
		feed.WithLogger(logger.Named("feed")),
		feed.WithPublisher(publisher),
		feed.WithResolver(resolver),
		feed.WithConfig(feed.Config{
			PageSize:          cfg.FeedPageSize,
			MaxPageSize:       cfg.FeedMaxPageSize,
			FallbackMaxWindow: cfg.FeedFallbackMaxWindow,
		}))

	handler := api.NewHandler(service,
		activity.DefaultFetchers(client, session, logger.Named("activity")),
		api.WithLogger(logger.Named("api")),
		api.WithActivityPageSize(cfg.ActivityPageSize))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer},
		auth.WithMiddlewareLogger(logger.Named("auth")))
	cors := httptransport.CORS("http://localhost:5173")
	requestLog := httptransport.RequestLogger(logger.Named("http"))

	server := httptransport.NewServer(httptransport.ServerConfig{
		Address:      cfg.HTTPAddress,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, requestLog(cors(authMiddleware.Wrap(mux))))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("social feed api listening", zap.String("address", cfg.HTTPAddress))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", zap.Error(err))
	}
}

func newLogger(level string) (*zap.Logger, error) {
	if level == "debug" {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	return cfg.Build()
}
