package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	t.Run("simple variable", func(t *testing.T) {
		t.Setenv("TEST_VAR", "hello")
		assert.Equal(t, "value is hello", expandEnvVars("value is ${TEST_VAR}"))
	})

	t.Run("variable with default", func(t *testing.T) {
		assert.Equal(t, "value is default_value", expandEnvVars("value is ${NOT_EXISTS_CHANPASS:default_value}"))
	})

	t.Run("default overridden", func(t *testing.T) {
		t.Setenv("MY_VAR", "actual_value")
		assert.Equal(t, "value is actual_value", expandEnvVars("value is ${MY_VAR:default_value}"))
	})

	t.Run("multiple variables", func(t *testing.T) {
		t.Setenv("VAR1", "first")
		t.Setenv("VAR2", "second")
		assert.Equal(t, "first and second", expandEnvVars("${VAR1} and ${VAR2}"))
	})

	t.Run("default with colon", func(t *testing.T) {
		assert.Equal(t, "redis://a:b", expandEnvVars("${NOT_EXISTS_CHANPASS:redis://a:b}"))
	})

	t.Run("unterminated", func(t *testing.T) {
		assert.Equal(t, "value ${OPEN", expandEnvVars("value ${OPEN"))
	})
}

func TestSetDefaults(t *testing.T) {
	cfg := &Config{}
	setDefaults(cfg)

	assert.Equal(t, "chanpass-fulfillment", cfg.Service.Name)
	assert.Equal(t, 8081, cfg.Service.HTTPPort)
	assert.Equal(t, 5432, cfg.Postgres.Port)
	assert.Equal(t, "payment-observed", cfg.ChainWatcher.Topic)
	assert.Equal(t, "chanpass-fulfillment", cfg.Kafka.GroupID)

	assert.Equal(t, "channel-access", cfg.Queues.ChannelAccess.Name)
	assert.Equal(t, 5, cfg.Queues.ChannelAccess.MaxRetries)
	assert.Equal(t, 10, cfg.Queues.Refund.BatchSize)
	assert.Equal(t, 3, cfg.Queues.Notification.MaxRetries)
	assert.Equal(t, 30, cfg.Queues.Notification.VisibilityTimeoutSeconds)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.NotNil(t, cfg.Scheduler.Jobs)
}

func TestSetDefaults_ClampsBatchSize(t *testing.T) {
	cfg := &Config{Queues: QueuesConfig{Refund: QueueConfig{BatchSize: 50}}}
	setDefaults(cfg)

	assert.Equal(t, 10, cfg.Queues.Refund.BatchSize)
}

func TestLoad(t *testing.T) {
	t.Setenv("CHANPASS_BOT_TOKEN", "123:abc")

	content := `
service:
  name: fulfillment-test
postgres:
  host: db
  database: chanpass
orders:
  allow_free_listings: true
telegram:
  bot_token: ${CHANPASS_BOT_TOKEN}
queues:
  refund:
    max_retries: 8
    backoff_cap_seconds: 60
scheduler:
  enabled: true
  jobs:
    order-expiry:
      enabled: true
      cron: "0 */15 * * * *"
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "fulfillment-test", cfg.Service.Name)
	assert.Equal(t, "db", cfg.Postgres.Host)
	assert.True(t, cfg.Orders.AllowFreeListings)
	assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
	assert.Equal(t, 8, cfg.Queues.Refund.MaxRetries)
	assert.Equal(t, 60, cfg.Queues.Refund.BackoffCapSeconds)
	assert.Equal(t, "refund-transaction", cfg.Queues.Refund.Name)
	assert.Equal(t, "0 */15 * * * *", cfg.Scheduler.Jobs["order-expiry"].Cron)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoad_ShippedConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "config", "config.yaml"))
	require.NoError(t, err)

	assert.True(t, cfg.Scheduler.Enabled)
	assert.Len(t, cfg.Scheduler.Jobs, 5)
	assert.Equal(t, "refund-transaction", cfg.Queues.Refund.Name)
	assert.Equal(t, 900, cfg.Queues.Refund.BackoffCapSeconds)
	assert.NotEmpty(t, cfg.Redis.Addresses[0])
	assert.Equal(t, "SCRAM-SHA-512", cfg.Kafka.SASL.Mechanism)
}
