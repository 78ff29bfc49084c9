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

	"github.com/example/ride-dispatch/internal/availability"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "ride-dispatch-server")
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
	}()

	var store storage.Store
	var ready []func(context.Context) error
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return err
		}
		closers = append(closers, ps.Close)
		ready = append(ready, ps.DB().PingContext)
		if cfg.RunMigrations {
			applied, err := ps.Migrate(ctx, "migrations")
			if err != nil {
				return err
			}
			logger.Info("migrations applied", "files", applied)
		}
		store = ps
	} else {
		logger.Warn("PG_DSN not set, rides are kept in memory")
		store = storage.NewMemoryStore()
	}

	var locator geo.Locator
	var rc *redis.Client
	if cfg.RedisAddr != "" {
		rc = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		ready = append(ready, func(ctx context.Context) error { return rc.Ping(ctx).Err() })
		locator = geo.NewRedisGeo(rc, cfg.RedisGeoKey, cfg.GeoFreshness)
	} else {
		locator = geo.NewIndex(uint(cfg.GeoPrecision), cfg.GeoFreshness)
	}

	compat, err := matcher.ParseCompatibility(cfg.Compatibility)
	if err != nil {
		return err
	}

	fares := fare.DefaultTable()
	fares.Base = cfg.FareBase
	fares.PerKm = cfg.FarePerKm

	registry := availability.NewRegistry(store, logger)
	machine := lifecycle.NewMachine(store, fares.Compute, logger)
	var reserver dispatch.Reserver = registry
	if rc != nil {
		reserver = availability.NewSharedReserver(registry, rc, 0, logger)
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	finder := &matcher.Service{
		Geo:           locator,
		Drivers:       registry,
		Compatibility: compat,
		TopN:          cfg.MatcherTopN,
		TieToleranceM: cfg.TieToleranceM,
		ETA:           estimator,
	}

	sessions := notify.NewWSRegistry(logger)
	notifiers := notify.Multi{sessions, notify.Log{Logger: logger}}
	if cfg.NotifyWebhookURL != "" {
		notifiers = append(notifiers, notify.NewWebhookNotifier(cfg.NotifyWebhookURL, cfg.NotifyWebhookKey))
	}
	var positions httpapi.PositionPublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, producer.Close)
		positions = producer
		if cfg.KafkaEventsTopic != "" {
			events := notify.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
			closers = append(closers, events.Close)
			notifiers = append(notifiers, events)
		}
	}

	var settler dispatch.Settler
	if cfg.StripeAPIKey != "" {
		settler = payments.NewStripeClient(cfg.StripeAPIKey, cfg.FareCurrency, logger)
	}

	coord := dispatch.NewCoordinator(machine, finder, reserver, notifiers, settler, dispatch.Config{
		OfferWindow:    cfg.Dispatch.OfferWindow,
		InitialRadiusM: cfg.Dispatch.InitialRadiusM,
		MaxRadiusM:     cfg.Dispatch.MaxRadiusM,
		RadiusGrowth:   cfg.Dispatch.RadiusGrowth,
	}, logger)

	api := httpapi.NewServer(httpapi.Deps{
		Coordinator: coord,
		Machine:     machine,
		Drivers:     registry,
		Locator:     locator,
		Vehicles:    store,
		Positions:   positions,
		Sessions:    sessions,
		Logger:      logger,
		Ready: func(ctx context.Context) error {
			for _, check := range ready {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})

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
		coord.Close()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	coord.Close()
	return err
}
