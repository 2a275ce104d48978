package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are loaded from environment variables with defaults so the binary
// runs locally with an in-memory stack.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaEventsTopic   string

	PGDSN         string
	RunMigrations bool

	JWTSecret string

	// ProviderSeedFile is an optional JSON array of provider snapshots loaded at boot.
	ProviderSeedFile string

	RadiiKm          []float64
	RetryRadiiKm     []float64
	RetryInterval    time.Duration
	Freshness        time.Duration
	RetryWhenEmpty   bool
	FallbackToAll    bool
	OfferConcurrency int

	CancelFreeWindow   time.Duration
	CancelLateFeeRate  float64
	CancelRentalNotice time.Duration

	SweepSchedule   string
	SweepStaleAfter time.Duration

	WSSendBuffer   int
	WSWriteTimeout time.Duration
	WSPingInterval time.Duration
	WSInboundRate  float64

	OSRMEndpoint string
	ETACacheTTL  time.Duration

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "providers_geo",
		KafkaLocationTopic: "provider-locations",
		KafkaEventsTopic:   "dispatch-events",
		JWTSecret:          "dev-secret",
		RadiiKm:            []float64{3, 5, 7, 10},
		RetryRadiiKm:       []float64{3, 3, 3, 5, 5, 5, 7, 7, 7, 10, 10, 10},
		RetryInterval:      5 * time.Second,
		Freshness:          2 * time.Minute,
		OfferConcurrency:   16,
		CancelFreeWindow:   2 * time.Hour,
		CancelLateFeeRate:  0.5,
		CancelRentalNotice: 24 * time.Hour,
		SweepSchedule:      "@every 1m",
		SweepStaleAfter:    5 * time.Minute,
		WSSendBuffer:       64,
		WSWriteTimeout:     10 * time.Second,
		WSPingInterval:     30 * time.Second,
		WSInboundRate:      20,
		ETACacheTTL:        time.Minute,
		LogLevel:           "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setStringFromEnv(&cfg.JWTSecret, "JWT_SECRET")
	setStringFromEnv(&cfg.ProviderSeedFile, "PROVIDER_SEED_FILE")

	setFloatsFromEnv(&cfg.RadiiKm, "DISPATCH_RADII_KM", &errs)
	setFloatsFromEnv(&cfg.RetryRadiiKm, "DISPATCH_RETRY_RADII_KM", &errs)
	setDurationFromEnv(&cfg.RetryInterval, "DISPATCH_RETRY_INTERVAL", &errs)
	setDurationFromEnv(&cfg.Freshness, "DISPATCH_FRESHNESS_WINDOW", &errs)
	setBoolFromEnv(&cfg.RetryWhenEmpty, "DISPATCH_RETRY_WHEN_EMPTY", &errs)
	setBoolFromEnv(&cfg.FallbackToAll, "DISPATCH_FALLBACK_ALL", &errs)
	setIntFromEnv(&cfg.OfferConcurrency, "DISPATCH_OFFER_CONCURRENCY", &errs)

	setDurationFromEnv(&cfg.CancelFreeWindow, "CANCEL_FREE_WINDOW", &errs)
	setFloatFromEnv(&cfg.CancelLateFeeRate, "CANCEL_LATE_FEE_RATE", &errs)
	setDurationFromEnv(&cfg.CancelRentalNotice, "CANCEL_RENTAL_NOTICE", &errs)

	setStringFromEnv(&cfg.SweepSchedule, "SWEEP_SCHEDULE")
	setDurationFromEnv(&cfg.SweepStaleAfter, "SWEEP_STALE_AFTER", &errs)

	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setDurationFromEnv(&cfg.WSWriteTimeout, "WS_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setFloatFromEnv(&cfg.WSInboundRate, "WS_INBOUND_RATE", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if err := ascending("DISPATCH_RADII_KM", c.RadiiKm); err != nil {
		errs = append(errs, err)
	}
	if len(c.RetryRadiiKm) == 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RETRY_RADII_KM must not be empty"))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RETRY_INTERVAL must be > 0"))
	}
	// The sweeper must not expire jobs a live offer window still owns.
	if window := time.Duration(len(c.RetryRadiiKm)) * c.RetryInterval; c.RetryInterval > 0 && c.SweepStaleAfter <= window {
		errs = append(errs, fmt.Errorf("SWEEP_STALE_AFTER must exceed the offer window (%d attempts x %s = %s)",
			len(c.RetryRadiiKm), c.RetryInterval, window))
	}
	if c.OfferConcurrency <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_CONCURRENCY must be > 0"))
	}
	if c.CancelLateFeeRate < 0 || c.CancelLateFeeRate > 1 {
		errs = append(errs, fmt.Errorf("CANCEL_LATE_FEE_RATE must be within [0,1]"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET must not be empty"))
	}
	return errs
}

// ConsumerConfig configures the Kafka location consumer.
type ConsumerConfig struct {
	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	MetricsAddr   string
	RetryAttempts int
	RetryDelay    time.Duration

	LogLevel string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		KafkaBrokers:  []string{"localhost:9092"},
		KafkaTopic:    "provider-locations",
		KafkaGroup:    "roadside-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "providers_geo",
		MetricsAddr:   ":2112",
		RetryAttempts: 3,
		RetryDelay:    200 * time.Millisecond,
		LogLevel:      "info",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_LOCATION_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.RetryAttempts, "CONSUMER_RETRY_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.RetryDelay, "CONSUMER_RETRY_DELAY", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func ascending(key string, vals []float64) error {
	if len(vals) == 0 {
		return fmt.Errorf("%s must not be empty", key)
	}
	for i, v := range vals {
		if v <= 0 || (i > 0 && v <= vals[i-1]) {
			return fmt.Errorf("%s must be positive and strictly ascending", key)
		}
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setFloatsFromEnv(target *[]float64, key string, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	parts := splitAndTrim(v)
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		f, err := strconv.ParseFloat(p, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		out = append(out, f)
	}
	*target = out
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
