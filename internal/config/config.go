package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch server.
// Values are loaded from environment variables with defaults that let the
// binary run locally with only JWT_SECRET set.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	JWTSecret string
	TokenTTL  time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers        []string
	KafkaTopic          string
	KafkaEventsTopic    string
	KafkaConsumerGroup  string
	ConsumerMetricsAddr string

	PGDSN string

	OSRMURL         string
	DefaultSpeedMps float64
	ETACacheTTL     time.Duration

	DispatchRadiusMeters      float64
	DispatchOfferTTL          time.Duration
	DispatchMaxRetries        int
	DispatchRetryRadiusFactor float64
	DispatchMaxCandidates     int

	LocationMinInterval time.Duration

	WSSendBuffer   int
	WSPingInterval time.Duration
	WSPongWait     time.Duration
	WSMaxMessage   int64

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:                  ":8080",
		ReadTimeout:               5 * time.Second,
		WriteTimeout:              10 * time.Second,
		IdleTimeout:               120 * time.Second,
		ShutdownTimeout:           15 * time.Second,
		TokenTTL:                  7 * 24 * time.Hour,
		RedisGeoKey:               "drivers_geo",
		KafkaTopic:                "driver-locations",
		KafkaEventsTopic:          "ride-events",
		KafkaConsumerGroup:        "ride-dispatch-consumer",
		ConsumerMetricsAddr:       ":2112",
		DefaultSpeedMps:           10,
		ETACacheTTL:               time.Minute,
		DispatchRadiusMeters:      3000,
		DispatchOfferTTL:          20 * time.Second,
		DispatchMaxRetries:        1,
		DispatchRetryRadiusFactor: 2,
		DispatchMaxCandidates:     8,
		LocationMinInterval:       time.Second,
		WSSendBuffer:              64,
		WSPingInterval:            25 * time.Second,
		WSPongWait:                60 * time.Second,
		WSMaxMessage:              16 << 10,
		LogLevel:                  "info",
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

	cfg.JWTSecret = os.Getenv("JWT_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "TOKEN_TTL", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")
	setStringFromEnv(&cfg.KafkaConsumerGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.ConsumerMetricsAddr, "CONSUMER_METRICS_ADDR")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.OSRMURL = strings.TrimSpace(os.Getenv("OSRM_URL"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setFloatFromEnv(&cfg.DispatchRadiusMeters, "DISPATCH_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.DispatchOfferTTL, "DISPATCH_OFFER_TTL", &errs)
	setIntFromEnv(&cfg.DispatchMaxRetries, "DISPATCH_MAX_RETRIES", &errs)
	setFloatFromEnv(&cfg.DispatchRetryRadiusFactor, "DISPATCH_RETRY_RADIUS_FACTOR", &errs)
	setIntFromEnv(&cfg.DispatchMaxCandidates, "DISPATCH_MAX_CANDIDATES", &errs)

	setDurationFromEnv(&cfg.LocationMinInterval, "LOCATION_MIN_INTERVAL", &errs)

	setIntFromEnv(&cfg.WSSendBuffer, "WS_SEND_BUFFER", &errs)
	setDurationFromEnv(&cfg.WSPingInterval, "WS_PING_INTERVAL", &errs)
	setDurationFromEnv(&cfg.WSPongWait, "WS_PONG_WAIT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	}
	if cfg.TokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("TOKEN_TTL must be > 0"))
	}
	if cfg.DispatchRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_M must be > 0"))
	}
	if cfg.DispatchOfferTTL <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TTL must be > 0"))
	}
	if cfg.DispatchMaxRetries < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RETRIES must be >= 0"))
	}
	if cfg.DispatchRetryRadiusFactor < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_RETRY_RADIUS_FACTOR must be >= 1"))
	}
	if cfg.DispatchMaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if cfg.WSSendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be > 0"))
	}
	if cfg.WSPingInterval >= cfg.WSPongWait {
		errs = append(errs, fmt.Errorf("WS_PING_INTERVAL must be shorter than WS_PONG_WAIT"))
	}

	return cfg, errors.Join(errs...)
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

// ConsumerConfig is the subset the location consumer binary needs.
type ConsumerConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string
	KafkaGroup   string

	MetricsAddr string
	LogLevel    string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		RedisAddr:    "localhost:6379",
		RedisGeoKey:  "drivers_geo",
		KafkaBrokers: []string{"localhost:9092"},
		KafkaTopic:   "driver-locations",
		KafkaGroup:   "ride-dispatch-consumer",
		MetricsAddr:  ":2112",
		LogLevel:     "info",
	}
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.MetricsAddr, "CONSUMER_METRICS_ADDR")
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return cfg, fmt.Errorf("KAFKA_BROKERS lists no brokers")
	}
	return cfg, nil
}
