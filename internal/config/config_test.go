package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, "/events", cfg.EventPath)
	assert.Equal(t, 5, cfg.WorkerMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.WorkerPollInterval)
	assert.Equal(t, 60*time.Second, cfg.WorkerMaxPollInterval)
	assert.Equal(t, 10*time.Minute, cfg.ClaimStaleAfter)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.NotEmpty(t, cfg.WorkerID)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9999")
	t.Setenv("EVENT_PATH", "/hooks/events")
	t.Setenv("WORKER_MAX_ATTEMPTS", "3")
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg := Load()

	assert.Equal(t, "9999", cfg.HTTPPort)
	assert.Equal(t, "/hooks/events", cfg.EventPath)
	assert.Equal(t, 3, cfg.WorkerMaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.WorkerPollInterval)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
}

func TestLoadIgnoresBadValues(t *testing.T) {
	t.Setenv("WORKER_MAX_ATTEMPTS", "lots")
	t.Setenv("WORKER_POLL_INTERVAL", "soon")

	cfg := Load()

	assert.Equal(t, 5, cfg.WorkerMaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.WorkerPollInterval)
}
