package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("env overrides file and defaults", func(t *testing.T) {
		dir := t.TempDir()
		path := filepath.Join(dir, "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
database:
  driver: memory
provider:
  mode: simulated
  webhook_secret: from-file
scheduler:
  interval: 250ms
`), 0o600))

		t.Setenv("AUCTION_SERVER__PORT", "9090")
		t.Setenv("AUCTION_PROVIDER__WEBHOOK_SECRET", "from-env")
		t.Setenv("AUCTION_KAFKA__BROKERS", "k1:9092,k2:9092")

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, "9090", cfg.Server.Port)
		assert.Equal(t, "memory", cfg.Database.Driver)
		assert.Equal(t, "from-env", cfg.Provider.WebhookSecret)
		assert.Equal(t, 250*time.Millisecond, cfg.Scheduler.Interval)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
		assert.True(t, cfg.Kafka.Enabled())
		assert.Equal(t, 64, cfg.Broadcast.SubscriberBuffer, "default kept")
	})

	t.Run("missing file falls back to defaults", func(t *testing.T) {
		t.Setenv("AUCTION_DATABASE__DRIVER", "memory")
		t.Setenv("AUCTION_PROVIDER__MODE", "simulated")
		t.Setenv("AUCTION_PROVIDER__WEBHOOK_SECRET", "s3cret")

		cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		require.NoError(t, err)
		assert.Equal(t, "8082", cfg.Server.Port)
		assert.False(t, cfg.Kafka.Enabled())
	})

	t.Run("postgres driver requires url", func(t *testing.T) {
		t.Setenv("AUCTION_PROVIDER__MODE", "simulated")
		t.Setenv("AUCTION_PROVIDER__WEBHOOK_SECRET", "s3cret")

		_, err := Load("")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.url")
	})
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Database.Driver = "memory"
	cfg.Provider.Mode = "simulated"
	cfg.Provider.WebhookSecret = "s3cret"
	require.NoError(t, cfg.Validate())

	cfg.Provider.Mode = "carrier-pigeon"
	assert.Error(t, cfg.Validate())

	cfg.Provider.Mode = "nats"
	assert.ErrorContains(t, cfg.Validate(), "nats.url")
}
