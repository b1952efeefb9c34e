package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5.0, cfg.DispatchRadiusKm)
	assert.Equal(t, 6, cfg.OTPDigits)
	assert.Equal(t, "driver-locations", cfg.KafkaLocationTopic)
	assert.Equal(t, "ride-events", cfg.KafkaRideTopic)
	assert.False(t, cfg.LenientTransitions)
	assert.False(t, cfg.RunMigrations)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Zero(t, cfg.PendingRideTTL, "expiry sweep is opt-in")
}

func TestLoadServerConfig_FromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092 ")
	t.Setenv("PG_DSN", "postgres://localhost/rides")
	t.Setenv("MIGRATE", "true")
	t.Setenv("DISPATCH_RADIUS_KM", "2.5")
	t.Setenv("OTP_DIGITS", "4")
	t.Setenv("PENDING_RIDE_TTL", "15m")
	t.Setenv("LENIENT_TRANSITIONS", "1")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.ReadTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, 2.5, cfg.DispatchRadiusKm)
	assert.Equal(t, 4, cfg.OTPDigits)
	assert.Equal(t, 15*time.Minute, cfg.PendingRideTTL)
	assert.True(t, cfg.LenientTransitions)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfig_AggregatesErrors(t *testing.T) {
	t.Setenv("HTTP_WRITE_TIMEOUT", "soon")
	t.Setenv("DISPATCH_RADIUS_KM", "-1")
	t.Setenv("OTP_DIGITS", "two")
	t.Setenv("MIGRATE", "true")

	_, err := LoadServerConfig()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "HTTP_WRITE_TIMEOUT")
	assert.Contains(t, msg, "DISPATCH_RADIUS_KM")
	assert.Contains(t, msg, "OTP_DIGITS")
	assert.Contains(t, msg, "MIGRATE requires PG_DSN")
}

func TestLoadConsumerConfig(t *testing.T) {
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "ride-dispatch-consumer", cfg.Group)

	t.Setenv("KAFKA_BROKER", "legacy:9092")
	t.Setenv("METRICS_ADDR", ":3000")
	cfg, err = LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"legacy:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, ":3000", cfg.MetricsAddr)

	t.Setenv("CONSUMER_RETRY_ATTEMPTS", "0")
	_, err = LoadConsumerConfig()
	assert.ErrorContains(t, err, "CONSUMER_RETRY_ATTEMPTS")
}
