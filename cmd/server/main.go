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

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/example/roadside-dispatch/internal/auth"
	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/coordinator"
	"github.com/example/roadside-dispatch/internal/dispatch"
	"github.com/example/roadside-dispatch/internal/eta"
	"github.com/example/roadside-dispatch/internal/geo"
	httpapi "github.com/example/roadside-dispatch/internal/http"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/matcher"
	"github.com/example/roadside-dispatch/internal/storage"
	"github.com/example/roadside-dispatch/internal/sweeper"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

// closer collects shutdown steps, run in reverse order.
type closer []func()

func (c *closer) add(fn func()) { *c = append(*c, fn) }

func (c closer) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

func run(cfg config.ServerConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var cleanup closer
	defer cleanup.run()

	providers, err := providerStore(ctx, cfg, logger, &cleanup)
	if err != nil {
		return err
	}
	jobs, notes, err := jobStores(ctx, cfg, logger, &cleanup)
	if err != nil {
		return err
	}

	var locations ingest.LocationPublisher = ingest.Nop{}
	var events ingest.EventPublisher = ingest.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		lp := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaLocationTopic)
		ep := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		cleanup.add(func() { _ = lp.Close(); _ = ep.Close() })
		locations, events = lp, ep
		logger.Info("kafka producers ready", "brokers", cfg.KafkaBrokers)
	}

	var route eta.Client
	if cfg.OSRMEndpoint != "" {
		route = eta.NewOSRMClient(cfg.OSRMEndpoint)
	}
	estimator := eta.NewEstimator(route, eta.NewCache(cfg.ETACacheTTL), logger)

	registry := dispatch.NewRegistry(cfg.WSSendBuffer, logger)
	rooms := dispatch.NewRoomBroker(registry, logger)
	registry.OnUserGone(rooms.RemoveUser)

	locator := matcher.NewLocator(providers, logger)
	locator.RadiiKm = cfg.RadiiKm
	locator.Freshness = cfg.Freshness
	locator.FallbackToAll = cfg.FallbackToAll

	coord := coordinator.New(coordinator.Config{
		RetryRadiiKm:     cfg.RetryRadiiKm,
		RetryInterval:    cfg.RetryInterval,
		RetryWhenEmpty:   cfg.RetryWhenEmpty,
		OfferConcurrency: cfg.OfferConcurrency,
		Cancel: coordinator.CancelPolicy{
			FreeWindow:   cfg.CancelFreeWindow,
			LateFeeRate:  cfg.CancelLateFeeRate,
			RentalNotice: cfg.CancelRentalNotice,
		},
	}, coordinator.Deps{
		Jobs:          jobs,
		Notifications: notes,
		Providers:     providers,
		Locator:       locator,
		Broker:        rooms,
		ETA:           estimator,
		Events:        events,
		Logger:        logger,
	})

	sweep := sweeper.New(coord, notes, cfg.SweepSchedule, cfg.SweepStaleAfter, logger)
	if err := sweep.Start(); err != nil {
		return err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Coordinator:   coord,
		Providers:     providers,
		Locator:       locator,
		Notifications: notes,
		Registry:      registry,
		Rooms:         rooms,
		Verifier:      auth.NewVerifier(cfg.JWTSecret),
		Locations:     locations,
		Logger:        logger,
		WS: httpapi.WSOptions{
			WriteTimeout: cfg.WSWriteTimeout,
			PingInterval: cfg.WSPingInterval,
			InboundRate:  cfg.WSInboundRate,
		},
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("roadside-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		sweep.Stop()
		coord.Shutdown()
		registry.Close()
		return err
	})
	return g.Wait()
}

func providerStore(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, cleanup *closer) (geo.Store, error) {
	var store geo.Store = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rs := geo.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rs.Ping(pingCtx); err != nil {
			_ = rs.Close()
			return nil, fmt.Errorf("redis: %w", err)
		}
		cleanup.add(func() { _ = rs.Close() })
		store = rs
		logger.Info("provider store: redis", "addr", cfg.RedisAddr)
	} else {
		logger.Info("provider store: in-memory")
	}
	if cfg.ProviderSeedFile != "" {
		f, err := os.Open(cfg.ProviderSeedFile)
		if err != nil {
			return nil, fmt.Errorf("provider seed: %w", err)
		}
		defer f.Close()
		n, err := geo.LoadSnapshots(ctx, store, f, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		logger.Info("providers seeded", "count", n, "file", cfg.ProviderSeedFile)
	}
	return store, nil
}

func jobStores(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger, cleanup *closer) (storage.JobStore, storage.NotificationStore, error) {
	if cfg.PGDSN == "" {
		logger.Info("job store: in-memory")
		return storage.NewMemoryStore(), storage.NewMemoryNotifications(), nil
	}
	pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
	if err != nil {
		return nil, nil, err
	}
	cleanup.add(func() { _ = pg.Close() })
	if cfg.RunMigrations {
		applied, err := pg.Migrate(ctx)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("migrations applied", "files", applied)
	}
	logger.Info("job store: postgres")
	return pg, pg, nil
}
