package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kiroku/internal/model"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestEnvIntFallback(t *testing.T) {
	v, err := envInt("TEST_INT_MISSING", 99)
	require.NoError(t, err)
	assert.Equal(t, 99, v)
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_INT_BAD="abc" is not a valid integer`, err.Error())
}

func TestEnvBool(t *testing.T) {
	t.Setenv("TEST_BOOL", "false")
	v, err := envBool("TEST_BOOL", true)
	require.NoError(t, err)
	assert.False(t, v)

	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err = envBool("TEST_BOOL_BAD", false)
	require.Error(t, err)
	assert.Equal(t, `TEST_BOOL_BAD="maybe" is not a valid boolean`, err.Error())
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, v)

	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err = envDuration("TEST_DUR_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_DUR_BAD="five-seconds" is not a valid duration`, err.Error())
}

func TestEnvFloatInvalid(t *testing.T) {
	t.Setenv("TEST_FLOAT_BAD", "half")
	_, err := envFloat("TEST_FLOAT_BAD", 0)
	require.Error(t, err)
	assert.Equal(t, `TEST_FLOAT_BAD="half" is not a valid number`, err.Error())
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "unknown_service", cfg.ServiceName)
	assert.Equal(t, 512, cfg.BatchSize)
	assert.Equal(t, 1<<20, cfg.BatchBytes)
	assert.Equal(t, 500*time.Millisecond, cfg.Linger)
	assert.Equal(t, model.LevelTrace, cfg.MinLevel)
	assert.InDelta(t, 1.0, cfg.SampleRate, 1e-9)
	assert.True(t, cfg.Console)
	assert.Equal(t, ".kiroku/fallback.krk", cfg.FallbackPath)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout)
}

func TestLoadReadsOverrides(t *testing.T) {
	t.Setenv("KIROKU_SERVICE_NAME", "checkout")
	t.Setenv("KIROKU_ENDPOINT", "https://collector:4318")
	t.Setenv("KIROKU_TOKEN", "t0k")
	t.Setenv("KIROKU_MIN_LEVEL", "warning")
	t.Setenv("KIROKU_SAMPLE_RATE", "0.25")
	t.Setenv("KIROKU_CONSOLE", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "checkout", cfg.ServiceName)
	assert.Equal(t, model.LevelWarn, cfg.MinLevel)
	assert.InDelta(t, 0.25, cfg.SampleRate, 1e-9)
	assert.False(t, cfg.Console)
}

func TestLoadReportsEveryInvalidValue(t *testing.T) {
	t.Setenv("KIROKU_BATCH_SIZE", "abc")
	t.Setenv("KIROKU_LINGER", "soon")
	t.Setenv("KIROKU_MIN_LEVEL", "loud")

	_, err := Load()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `KIROKU_BATCH_SIZE="abc"`)
	assert.Contains(t, msg, `KIROKU_LINGER="soon"`)
	assert.Contains(t, msg, "KIROKU_MIN_LEVEL")
}

func TestValidate(t *testing.T) {
	t.Setenv("KIROKU_SAMPLE_RATE", "1.5")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KIROKU_SAMPLE_RATE")

	t.Setenv("KIROKU_SAMPLE_RATE", "1")
	t.Setenv("KIROKU_TOKEN", "orphan")
	_, err = Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "KIROKU_ENDPOINT")
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, Config{LogLevel: "debug"}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, Config{LogLevel: "WARN"}.SlogLevel())
	assert.Equal(t, slog.LevelInfo, Config{LogLevel: "chatty"}.SlogLevel())
}
