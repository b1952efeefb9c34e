package main

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/maps"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger("ride-dispatch", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

type publisher interface {
	dispatch.LocationPublisher
	ride.EventPublisher
	Close() error
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var (
		directory geo.Directory
		ready     []func(context.Context) error
	)
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rc.Close()
		directory = geo.NewRedisDirectory(rc, cfg.RedisGeoKey)
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		logger.Info("driver directory on redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		directory = geo.NewIndex()
		logger.Info("driver directory in memory")
	}

	var (
		rides  storage.RideStore
		riders storage.RiderStore
	)
	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if cfg.RunMigrations {
			if err := storage.Migrate(ctx, db, cfg.MigrationPath); err != nil {
				return err
			}
			logger.Info("migration applied", "path", cfg.MigrationPath)
		}
		rides = storage.NewPostgresStore(db)
		riders = storage.NewPostgresRiders(db)
		ready = append(ready, pinger(db))
	} else {
		rides = storage.NewMemoryStore()
		riders = storage.NewMemoryRiders()
		logger.Warn("PG_DSN not set, rides are kept in memory")
	}

	var events publisher = ingest.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		events = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic, cfg.KafkaRideTopic)
		logger.Info("publishing to kafka", "brokers", cfg.KafkaBrokers)
	}
	defer events.Close()

	locator, suggester, err := buildLocator(cfg, logger)
	if err != nil {
		return err
	}

	registry := dispatch.NewRegistry(directory, logger)
	gateway := dispatch.NewGateway(registry, directory, events, logger)

	policy := ride.StrictTransitions
	if cfg.LenientTransitions {
		policy = ride.LenientTransitions
	}
	rideSvc := ride.NewService(rides, locator, registry, logger,
		ride.WithPolicy(policy),
		ride.WithOTPDigits(cfg.OTPDigits),
		ride.WithDrivers(directory),
		ride.WithEvents(events),
	)
	dispatcher := &matcher.Service{
		Rides:     rideSvc,
		Directory: directory,
		Riders:    riders,
		Dispatch:  registry,
		RadiusKm:  cfg.DispatchRadiusKm,
		Log:       logger,
	}

	deps := httpapi.Deps{
		Rides:     rideSvc,
		Dispatch:  dispatcher,
		Locations: gateway,
		WS:        gateway.ServeWS,
		Ready: func(ctx context.Context) error {
			for _, check := range ready {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	}
	if suggester != nil {
		deps.Suggest = suggester
	}
	api := httpapi.NewServer(deps, logger)

	go rideSvc.RunExpirySweep(ctx, cfg.PendingRideTTL, cfg.ExpirySweepInterval)

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	registry.Close(shutdownCtx)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// buildLocator prefers Google Maps when a key is configured, falls back to
// literal coordinates otherwise, and routes through OSRM when an endpoint is
// set. Lookups are cached either way.
func buildLocator(cfg config.ServerConfig, logger *slog.Logger) (maps.Locator, maps.Suggester, error) {
	var (
		base      maps.Locator = maps.LocalLocator{}
		suggester maps.Suggester
	)
	if cfg.MapsAPIKey != "" {
		gc, err := maps.NewGoogleClient(cfg.MapsAPIKey)
		if err != nil {
			return nil, nil, err
		}
		base, suggester = gc, gc
		logger.Info("map lookups via google maps")
	} else {
		logger.Warn("MAPS_API_KEY not set, addresses must be literal lat,lng pairs")
	}
	if cfg.OSRMEndpoint != "" {
		base = maps.Compose(base, maps.NewOSRMRouter(cfg.OSRMEndpoint))
		logger.Info("routing via osrm", "endpoint", cfg.OSRMEndpoint)
	}
	return maps.NewCachedLocator(base, cfg.MapsCacheTTL), suggester, nil
}

func pinger(db *sql.DB) func(context.Context) error {
	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		return db.PingContext(ctx)
	}
}
