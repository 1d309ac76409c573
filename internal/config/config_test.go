package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 7*24*time.Hour, cfg.TokenTTL)
	assert.Equal(t, 3000.0, cfg.DispatchRadiusMeters)
	assert.Equal(t, 20*time.Second, cfg.DispatchOfferTTL)
	assert.Equal(t, 1, cfg.DispatchMaxRetries)
	assert.Equal(t, 2.0, cfg.DispatchRetryRadiusFactor)
	assert.Equal(t, "drivers_geo", cfg.RedisGeoKey)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,,")
	t.Setenv("DISPATCH_RADIUS_M", "5000")
	t.Setenv("DISPATCH_OFFER_TTL", "45s")
	t.Setenv("LOCATION_MIN_INTERVAL", "250ms")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5000.0, cfg.DispatchRadiusMeters)
	assert.Equal(t, 45*time.Second, cfg.DispatchOfferTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.LocationMinInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigAggregatesErrors(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	t.Setenv("DISPATCH_OFFER_TTL", "soon")
	t.Setenv("DISPATCH_MAX_CANDIDATES", "0")
	t.Setenv("DISPATCH_RETRY_RADIUS_FACTOR", "0.5")

	_, err := LoadServerConfig()
	require.Error(t, err)
	for _, want := range []string{"JWT_SECRET", "DISPATCH_OFFER_TTL", "DISPATCH_MAX_CANDIDATES", "DISPATCH_RETRY_RADIUS_FACTOR"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092")
	t.Setenv("KAFKA_GROUP", "geo-writers")

	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "geo-writers", cfg.KafkaGroup)
	assert.Equal(t, "driver-locations", cfg.KafkaTopic)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)

	t.Setenv("KAFKA_BROKERS", " , ")
	_, err = LoadConsumerConfig()
	assert.Error(t, err)
}
