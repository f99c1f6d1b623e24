package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 10, cfg.MaxConcurrent)
	assert.Equal(t, 5*time.Minute, cfg.QueueTimeout)
	assert.Equal(t, 30*time.Second, cfg.ProcessingLease)
	assert.Equal(t, int64(10000), cfg.AsyncQueueCap)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 3, cfg.AsyncMaxRetries)
	assert.Equal(t, 30*time.Minute, cfg.OrderExpiry)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("MAX_CONCURRENT", "25")
	t.Setenv("QUEUE_TIMEOUT_SEC", "120")
	t.Setenv("KAFKA_BROKERS", "b1:9092, b2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 25, cfg.MaxConcurrent)
	assert.Equal(t, 2*time.Minute, cfg.QueueTimeout)
	assert.Equal(t, []string{"b1:9092", "b2:9092"}, cfg.KafkaBrokers)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("MAX_CONCURRENT", "0")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsMalformedInt(t *testing.T) {
	t.Setenv("BUY_RATE_LIMIT", "lots")
	_, err := Load()
	assert.Error(t, err)
}
