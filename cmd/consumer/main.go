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
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/kafka-go"

	"github.com/example/roadside-dispatch/internal/config"
	"github.com/example/roadside-dispatch/internal/geo"
	"github.com/example/roadside-dispatch/internal/ingest"
	"github.com/example/roadside-dispatch/internal/logging"
	"github.com/example/roadside-dispatch/internal/models"
	"github.com/example/roadside-dispatch/internal/observability"
)

func main() {
	_ = godotenv.Load()
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "consumer")

	store := geo.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) })
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := store.Ping(r.Context()); err != nil {
				http.Error(w, "redis not ready", 503)
				return
			}
			w.WriteHeader(200)
			w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Error("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaTopic, GroupID: cfg.KafkaGroup, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = store.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second
		handleMessage(ctx, store, m.Value, cfg.RetryAttempts, cfg.RetryDelay, logger)
	}
}

// LocationUpdater is the slice of geo.Store the consumer writes to.
type LocationUpdater interface {
	UpdateLocation(ctx context.Context, providerID string, loc models.Coord, at time.Time) error
}

var errInvalidMessage = errors.New("consumer: invalid message")

// handleMessage decodes one location record and applies it. The result label
// is recorded on ConsumedLocations.
func handleMessage(ctx context.Context, store LocationUpdater, value []byte, attempts int, delay time.Duration, logger *slog.Logger) error {
	u, err := ingest.DecodeLocation(value)
	if err != nil {
		observability.ConsumedLocations.WithLabelValues("invalid").Inc()
		logger.Warn("invalid message", "error", err)
		return fmt.Errorf("%w: %v", errInvalidMessage, err)
	}
	if err := updateWithRetry(ctx, store, u, attempts, delay); err != nil {
		observability.ConsumedLocations.WithLabelValues("error").Inc()
		logger.Error("location update failed", "provider_id", u.ProviderID, "error", err)
		return err
	}
	observability.ConsumedLocations.WithLabelValues("applied").Inc()
	return nil
}

// updateWithRetry writes the position with doubling backoff between attempts.
func updateWithRetry(ctx context.Context, store LocationUpdater, u ingest.LocationUpdate, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = store.UpdateLocation(ctx, u.ProviderID, u.Coord(), u.At); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
