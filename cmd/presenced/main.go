package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/thejerf/suture/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/example/festivo/internal/config"
	"github.com/example/festivo/internal/http/middleware"
	"github.com/example/festivo/internal/location"
	"github.com/example/festivo/internal/outbox"
	"github.com/example/festivo/internal/presence/domain"
	"github.com/example/festivo/internal/presence/engine"
	"github.com/example/festivo/internal/presence/handler"
	"github.com/example/festivo/internal/presence/zones"
	"github.com/example/festivo/internal/store"
	"github.com/example/festivo/pkg/eventbus"
	"github.com/example/festivo/pkg/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		observability.SetupLogger("presenced", "").Fatal("load config", zap.Error(err))
	}

	logger := observability.SetupLogger(cfg.Service.Name, cfg.Service.LogLevel)
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, cfg.Service.Name, os.Stderr)
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	var redisClient *redis.Client
	if cfg.Store.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Store.RedisAddr, Password: cfg.Store.RedisPassword, DB: cfg.Store.RedisDB})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	backend, closeBackend, err := openStore(cfg, redisClient, logger)
	if err != nil {
		logger.Fatal("open store", zap.Error(err))
	}
	defer closeBackend()
	shared := store.NewBreakerStore(backend, cfg.Breaker(), logger.Named("breaker"))
	writer := store.NewWriter(shared, logger.Named("writer"), cfg.Store.Writer)

	catalog := zones.NewStoreCatalog(shared, logger.Named("zones"))
	defer catalog.Close()
	if seed := cfg.ZoneSeed(); len(seed) > 0 {
		if err := catalog.Seed(ctx, seed); err != nil {
			logger.Fatal("seed zones", zap.Error(err))
		}
	}

	var db *sql.DB
	if cfg.Postgres.DSN != "" {
		db, err = sql.Open("pgx", cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("postgres connect", zap.Error(err))
		}
		db.SetMaxOpenConns(10)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			logger.Fatal("postgres ping", zap.Error(err))
		}
		defer db.Close()
		if err := outbox.EnsureSchema(ctx, db); err != nil {
			logger.Fatal("outbox schema", zap.Error(err))
		}
	}

	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		if conn, err := nats.Connect(cfg.NATS.URL, nats.Name(cfg.Service.Name)); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var exporter *eventbus.Exporter
	switch {
	case db != nil:
		exporter = eventbus.NewExporter(outbox.NewRecorder(db), 0, 0, logger.Named("exporter"))
	case natsConn != nil:
		exporter = eventbus.NewExporter(eventbus.NewPublisher(natsConn), 0, 0, logger.Named("exporter"))
	default:
		logger.Warn("detections are not exported", zap.Bool("db", db != nil), zap.Bool("nats", natsConn != nil))
	}

	source := location.NewStreamSource(cfg.Subject.SubjectID, logger.Named("source"))
	defer source.Close()

	deps := engine.Dependencies{
		Source:  source,
		Store:   shared,
		Writer:  writer,
		Catalog: catalog,
		Logger:  logger.Named("engine"),
	}
	if exporter != nil {
		deps.Publisher = exporter
	}
	eng, err := engine.New(deps, cfg.Engine())
	if err != nil {
		logger.Fatal("build engine", zap.Error(err))
	}
	eng.SetSharingEnabled(cfg.Broadcast.Sharing)

	var limiter *middleware.RateLimiter
	if redisClient != nil {
		limiter = middleware.NewRateLimiter(redisClient, cfg.HTTP.ReadRateLimit, cfg.HTTP.WriteRateLimit, logger.Named("ratelimit"))
	}
	r := chi.NewRouter()
	r.Mount("/observability", observability.MetricsRouter(func() error { return probe(shared) }))
	r.Mount("/", handler.NewHTTP(eng, logger.Named("http")).Router(limiter.Middleware))

	grpcServer := grpc.NewServer()
	location.RegisterLocationServer(grpcServer, location.NewServer(source, cfg.LocationServer(), logger.Named("grpc")))

	root := suture.New(cfg.Service.Name, suture.Spec{EventHook: eventHook(logger.Named("supervisor")), Timeout: cfg.Service.ShutdownTimeout})
	root.Add(funcService{name: "store-writer", run: writer.Run})
	if exporter != nil {
		root.Add(exporter)
	}
	if db != nil && natsConn != nil {
		root.Add(outbox.NewWorker(db, natsConn, logger.Named("outbox"), cfg.Outbox))
	}
	if natsConn != nil {
		root.Add(eventbus.NewSubscriber(natsConn, eng, logger.Named("external")))
	}
	root.Add(&httpService{
		server: &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           r,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       cfg.HTTP.ReadTimeout,
			WriteTimeout:      cfg.HTTP.WriteTimeout,
		},
		shutdownTimeout: cfg.Service.ShutdownTimeout,
	})
	root.Add(&grpcService{addr: cfg.GRPC.Addr, server: grpcServer})
	if cfg.Tracking.AutoStart {
		root.Add(&trackingService{engine: eng, background: cfg.Tracking.Background, logger: logger.Named("tracking")})
	}

	treeCtx, stopTree := context.WithCancel(context.Background())
	defer stopTree()
	done := root.ServeBackground(treeCtx)
	logger.Info("presenced running",
		zap.String("http", cfg.HTTP.Addr),
		zap.String("grpc", cfg.GRPC.Addr),
		zap.String("subject", cfg.Subject.SubjectID),
	)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-done:
		logger.Error("supervisor exited", zap.Error(err))
	}
	eng.Stop()
	stopTree()
	select {
	case <-done:
	case <-time.After(cfg.Service.ShutdownTimeout):
		logger.Warn("supervisor did not stop in time")
	}
}

// openStore picks redis, then badger, then memory.
func openStore(cfg config.Config, client *redis.Client, logger *zap.Logger) (domain.KeyedStore, func(), error) {
	switch {
	case client != nil:
		return store.NewRedisStore(client, cfg.Store.RedisPrefix+":", logger.Named("redis")), func() {}, nil
	case cfg.Store.BadgerPath != "":
		b, err := store.OpenBadger(cfg.Store.BadgerPath, logger.Named("badger"))
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil
	default:
		logger.Warn("using in-memory store, presence is not shared")
		return store.NewMemoryStore(), func() {}, nil
	}
}

// probe reports the store unhealthy only when it cannot answer at all.
func probe(s domain.KeyedStore) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.Get(ctx, domain.CollectionZones, "_probe")
	if err == nil || errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}
