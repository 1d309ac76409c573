package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/router"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authn, err := auth.New(cfg.JWTSecret, cfg.TokenTTL)
	if err != nil {
		return err
	}
	ready := map[string]httpapi.Check{}

	var store storage.RideStore = storage.NewMemoryStore()
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
			logger.Info("migration applied", "file", "001_create_rides.sql")
		}
		store = pg
		ready["postgres"] = pg.Ping
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
	}

	var drivers geo.Geo = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		drivers = geo.NewRedisGeo(rc, cfg.RedisGeoKey)
		ready["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
	} else {
		logger.Warn("REDIS_ADDR not set, driver locations are kept in memory")
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	reg := registry.New(logger)
	machine := ride.NewMachine(store, reg, logger)
	rel := relay.New(machine, reg, cfg.LocationMinInterval, logger)
	machine.Observe(rel)
	engine := dispatch.NewEngine(dispatch.Config{
		RadiusMeters:      cfg.DispatchRadiusMeters,
		OfferTTL:          cfg.DispatchOfferTTL,
		MaxRetries:        cfg.DispatchMaxRetries,
		RetryRadiusFactor: cfg.DispatchRetryRadiusFactor,
		MaxCandidates:     cfg.DispatchMaxCandidates,
	}, drivers, reg, reg, machine, estimator, logger)
	machine.UseOffers(engine)

	var publisher httpapi.LocationPublisher
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic, cfg.KafkaEventsTopic, logger)
		machine.Observe(producer)
		publisher = producer
	}

	rt := router.New(router.Deps{
		Auth:         authn,
		Registry:     reg,
		Rides:        machine,
		Dispatch:     engine,
		Relay:        rel,
		Availability: drivers,
		Store:        store,
	}, logger)
	api := httpapi.NewServer(httpapi.Deps{
		Auth:      authn,
		Router:    rt,
		Rides:     machine,
		Store:     store,
		Locations: drivers,
		Publisher: publisher,
		Ready:     ready,
	}, httpapi.Options{
		SendBuffer:   cfg.WSSendBuffer,
		PingInterval: cfg.WSPingInterval,
		PongWait:     cfg.WSPongWait,
		MaxMessage:   cfg.WSMaxMessage,
	}, logger)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(sctx)
		// hijacked websocket connections are not covered by Shutdown
		reg.Close()
		api.Wait()
		engine.Close()
		if producer != nil {
			if cerr := producer.Close(); cerr != nil {
				logger.Warn("kafka producer close failed", "error", cerr)
			}
		}
		return err
	})
	return g.Wait()
}
