package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.New("error").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.RideStore
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		defer pg.Close()
		if cfg.RunMigrations {
			ddl, err := os.ReadFile(filepath.Join("migrations", "001_create_rides.sql"))
			if err != nil {
				logger.Error("migration file unreadable", "error", err)
				os.Exit(1)
			}
			if err := pg.Migrate(ctx, string(ddl)); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		store = pg
	} else {
		logger.Warn("PG_DSN not set, using in-memory ride store")
		store = storage.NewMemoryStore()
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		ri := geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey, cfg.PresenceTTL)
		defer ri.Close()
		index = ri
	} else {
		logger.Warn("REDIS_ADDR not set, using in-memory location index")
		index = geo.NewMemoryIndex(cfg.PresenceTTL)
	}

	var publisher events.Publisher = events.Nop{}
	var producer *ingest.LocationProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaRideTopic)
		defer kp.Close()
		publisher = kp

		producer = ingest.NewLocationProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		defer producer.Close()
	}

	var gateway payments.Gateway = payments.Nop{}
	if cfg.StripeEnabled {
		gateway = payments.NewStripeGateway()
	}

	rides := &ride.Service{
		Store:    store,
		Events:   publisher,
		Payments: gateway,
		Pricing:  pricing.Estimator{},
		Logger:   logging.For(logger, "ride"),
	}

	wsreg := dispatch.NewWSRegistry(logging.For(logger, "ws"))
	var notifier dispatch.Notifier = wsreg
	if cfg.PushEndpoint != "" {
		notifier = &dispatch.FallbackNotifier{
			Primary:  wsreg,
			Fallback: dispatch.NewPushNotifier(cfg.PushEndpoint, cfg.PushKey),
		}
	}

	engine := dispatch.NewEngine(rides, index, notifier, publisher, dispatch.Options{
		SearchRadiusMeters: cfg.SearchRadiusMeters,
		RadiusGrowth:       cfg.RadiusGrowth,
		MaxRounds:          cfg.MaxDispatchRounds,
		CandidateLimit:     cfg.CandidateLimit,
		OfferTTL:           cfg.OfferTTL,
		FanOut:             cfg.OfferFanOut,
		DefaultSpeedMps:    cfg.DefaultSpeedMps,
	}, logging.For(logger, "dispatch"))
	if cfg.OSRMEndpoint != "" {
		engine.ETAClient = eta.NewOSRMClient(cfg.OSRMEndpoint)
		engine.ETACache = eta.NewCache(cfg.ETACacheTTL)
	}
	engine.StartSweeper(ctx, cfg.OfferSweepInterval)

	srv := httpapi.NewServer(cfg, logging.For(logger, "http"), rides, engine, index, producer, wsreg)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}
