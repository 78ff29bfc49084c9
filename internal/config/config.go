package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers     []string
	KafkaTopic       string
	KafkaEventsTopic string

	PGDSN string

	Dispatch DispatchConfig

	DefaultSpeedMps float64
	MatcherTopN     int
	TieToleranceM   float64
	Compatibility   string

	GeoFreshness time.Duration
	GeoPrecision int

	OSRMEndpoint string
	ETACacheTTL  time.Duration

	NotifyWebhookURL string
	NotifyWebhookKey string

	StripeAPIKey string
	FareBase     float64
	FarePerKm    float64
	FareCurrency string

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds the offer window and the radius expansion policy.
type DispatchConfig struct {
	OfferWindow    time.Duration
	InitialRadiusM float64
	MaxRadiusM     float64
	RadiusGrowth   float64
}

// ConsumerConfig drives the position feed consumer process.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	GeoFreshness  time.Duration
	LogLevel      string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		Dispatch: DispatchConfig{
			OfferWindow:    15 * time.Second,
			InitialRadiusM: 3000,
			MaxRadiusM:     12000,
			RadiusGrowth:   2,
		},
		DefaultSpeedMps: 10,
		MatcherTopN:     8,
		Compatibility:   "economy=economy|comfort,comfort=comfort",
		GeoFreshness:    60 * time.Second,
		GeoPrecision:    6,
		ETACacheTTL:     30 * time.Second,
		FareBase:        2.5,
		FarePerKm:       1.2,
		FareCurrency:    "usd",
		LogLevel:        "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	loadDotEnv()
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
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.Dispatch.OfferWindow, "DISPATCH_OFFER_WINDOW", &errs)
	setFloatFromEnv(&cfg.Dispatch.InitialRadiusM, "DISPATCH_INITIAL_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.Dispatch.MaxRadiusM, "DISPATCH_MAX_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.Dispatch.RadiusGrowth, "DISPATCH_RADIUS_GROWTH", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)
	setFloatFromEnv(&cfg.TieToleranceM, "MATCHER_TIE_TOLERANCE_M", &errs)
	setStringFromEnv(&cfg.Compatibility, "MATCHER_COMPATIBILITY")

	setDurationFromEnv(&cfg.GeoFreshness, "GEO_FRESHNESS", &errs)
	setIntFromEnv(&cfg.GeoPrecision, "GEO_PRECISION", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setStringFromEnv(&cfg.NotifyWebhookURL, "NOTIFY_WEBHOOK_URL")
	cfg.NotifyWebhookKey = os.Getenv("NOTIFY_WEBHOOK_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setFloatFromEnv(&cfg.FareBase, "FARE_BASE", &errs)
	setFloatFromEnv(&cfg.FarePerKm, "FARE_PER_KM", &errs)
	setStringFromEnv(&cfg.FareCurrency, "FARE_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	setBoolFromEnv(&cfg.RunMigrations, "MIGRATE", &errs)

	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.Dispatch.OfferWindow <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_WINDOW must be > 0"))
	}
	if cfg.Dispatch.InitialRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_INITIAL_RADIUS_M must be > 0"))
	}
	if cfg.Dispatch.MaxRadiusM < cfg.Dispatch.InitialRadiusM {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RADIUS_M must be >= DISPATCH_INITIAL_RADIUS_M"))
	}
	if cfg.Dispatch.RadiusGrowth <= 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_GROWTH must be > 1"))
	}
	if cfg.TieToleranceM < 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TIE_TOLERANCE_M must be >= 0"))
	}
	if cfg.GeoPrecision < 1 || cfg.GeoPrecision > 12 {
		errs = append(errs, fmt.Errorf("GEO_PRECISION must be within 1..12"))
	}

	return cfg, errors.Join(errs...)
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	loadDotEnv()
	cfg := ConsumerConfig{
		MetricsAddr:  ":2112",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-consumer",
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		GeoFreshness: 60 * time.Second,
		LogLevel:     "info",
	}
	var errs []error

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setDurationFromEnv(&cfg.GeoFreshness, "GEO_FRESHNESS", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	return cfg, errors.Join(errs...)
}

// loadDotEnv reads .env when present. Real environment variables win.
func loadDotEnv() {
	_ = godotenv.Load()
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		d, err := cast.ToDurationE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		i, err := cast.ToIntE(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := cast.ToBoolE(v)
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
