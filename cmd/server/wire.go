package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/events"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/trips"
)

type app struct {
	handler http.Handler
	hub     *dispatch.Hub
	closers []func() error
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		_ = a.closers[i]()
	}
}

// build wires every component from cfg, falling back to in-memory backends
// for anything left unconfigured.
func build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	a := &app{}
	var readyChecks []func(context.Context) error

	var idx geo.Index = geo.NewMemoryIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		ri := geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		idx = ri
		readyChecks = append(readyChecks, ri.Ping)
		a.closers = append(a.closers, rc.Close)
		logger.Info("geo index", "backend", "redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	}

	var (
		tripStore storage.TripStore       = storage.NewMemoryStore()
		directory storage.DriverDirectory = storage.NewMemoryDirectory()
	)
	if cfg.PGDSN != "" {
		db, err := storage.Open(ctx, cfg.PGDSN)
		if err != nil {
			a.close()
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, db); err != nil {
				a.close()
				return nil, err
			}
			logger.Info("migration applied")
		}
		tripStore = storage.NewPostgresStore(db)
		directory = storage.NewPostgresDirectory(db)
		readyChecks = append(readyChecks, func(ctx context.Context) error { return pingDB(ctx, db) })
	}

	var locations dispatch.LocationPublisher
	var sinks events.Multi
	if len(cfg.KafkaBrokers) > 0 {
		kp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		locations = kp
		a.closers = append(a.closers, kp.Close)
		if cfg.TripEventsTopic != "" {
			sinks = append(sinks, events.NewKafkaSink(cfg.KafkaBrokers, cfg.TripEventsTopic))
		}
	}
	if cfg.AMQPURL != "" {
		as, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			a.close()
			return nil, err
		}
		sinks = append(sinks, as)
	}
	var sink events.Sink
	if len(sinks) > 0 {
		sink = sinks
		a.closers = append(a.closers, sinks.Close)
	}

	reg := dispatch.NewRegistry(logger.With("component", "presence"), dispatch.Options{
		SendBuffer:   cfg.WSSendBuffer,
		WriteTimeout: cfg.WSWriteTimeout,
		PingInterval: cfg.WSPingInterval,
	})
	rooms := dispatch.NewRooms(reg, logger.With("component", "rooms"), cfg.GeofencePrecision)
	a.hub = dispatch.NewHub(dispatch.HubConfig{
		Registry:    reg,
		Rooms:       rooms,
		Geo:         idx,
		Drivers:     directory,
		Trips:       tripStore,
		Locations:   locations,
		LocationTTL: cfg.LocationTTL,
		Logger:      logger.With("component", "hub"),
	})

	estimator := &eta.Estimator{SpeedKmh: cfg.Matcher.DefaultSpeedKmh}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
		estimator.Cache = eta.NewCache(5 * time.Minute)
	}
	m := &matcher.Service{
		Geo:     idx,
		Drivers: directory,
		Offers:  dispatch.NewNotifier(reg, cfg.PushEndpoint, logger.With("component", "push")),
		ETA:     estimator,
		Weights: matcher.Weights{
			Distance:    cfg.Matcher.WeightDistance,
			Rating:      cfg.Matcher.WeightRating,
			Reliability: cfg.Matcher.WeightReliability,
		},
		PrefetchFactor: cfg.Matcher.PrefetchFactor,
		Log:            logger.With("component", "matcher"),
	}
	lifecycle := trips.NewService(trips.Config{
		Trips:   tripStore,
		Drivers: directory,
		Rooms:   rooms,
		Sink:    sink,
		Logger:  logger.With("component", "trips"),
	})

	a.handler = httpapi.NewServer(httpapi.Deps{
		Hub:           a.hub,
		Matcher:       m,
		Trips:         lifecycle,
		DefaultRadius: cfg.Matcher.RadiusKm,
		DefaultLimit:  cfg.Matcher.Limit,
		Ready: func(ctx context.Context) error {
			for _, check := range readyChecks {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
		Logger: logger,
	})
	return a, nil
}

func pingDB(ctx context.Context, db *sql.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}
