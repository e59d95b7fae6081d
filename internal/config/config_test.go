package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddress)
	require.Equal(t, 20, cfg.FeedPageSize)
	require.Equal(t, 100, cfg.FeedFallbackMaxWindow)
	require.Equal(t, 8, cfg.ProfileCardConcurrency)
	require.Empty(t, cfg.KafkaBrokers)
	require.Equal(t, "social_post_shared", cfg.PostSharedTopic)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, ,kafka-2:9092")
	t.Setenv("FEED_PAGE_SIZE", "-5")
	t.Setenv("USE_MEMORY_STORE", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	require.Equal(t, 20, cfg.FeedPageSize, "non-positive sizes fall back to defaults")
	require.True(t, cfg.UseMemoryStore)
	require.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "social.yaml")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_ADDRESS: \":9090\"\nACTIVITY_PAGE_SIZE: 12\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.HTTPAddress)
	require.Equal(t, 12, cfg.ActivityPageSize)

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load()
	require.Error(t, err)
}
