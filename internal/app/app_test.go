package app

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chanpass/fulfillment/internal/client"
	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/config"
	"github.com/chanpass/fulfillment/internal/scheduler"
	"github.com/chanpass/fulfillment/internal/testutil"
)

const testConfig = `
service:
  name: chanpass-test
telegram:
  bot_token: "123:abc"
  api_url: http://127.0.0.1:1
scheduler:
  enabled: true
  jobs:
    permission-audit:
      enabled: false
    order-expiry:
      enabled: true
      cron: "0 */5 * * * *"
`

func TestResolveJobConfig(t *testing.T) {
	configured := map[string]config.JobConfig{
		scheduler.JobNameOrderExpiry:     {Enabled: true, Cron: "0 */5 * * * *"},
		scheduler.JobNamePermissionAudit: {Enabled: false},
		scheduler.JobNameQueueMonitor:    {Enabled: true},
	}

	got := resolveJobConfig(scheduler.JobNameOrderExpiry, configured)
	assert.Equal(t, scheduler.JobConfig{Enabled: true, Cron: "0 */5 * * * *"}, got)

	got = resolveJobConfig(scheduler.JobNamePermissionAudit, configured)
	assert.False(t, got.Enabled)

	got = resolveJobConfig(scheduler.JobNameQueueMonitor, configured)
	assert.Equal(t, scheduler.DefaultJobConfigs[scheduler.JobNameQueueMonitor].Cron, got.Cron)

	got = resolveJobConfig(scheduler.JobNameRenewalReminders, nil)
	assert.True(t, got.Enabled)
	assert.Equal(t, scheduler.DefaultJobConfigs[scheduler.JobNameRenewalReminders].Cron, got.Cron)
}

func TestApp_WiresServicesAndJobs(t *testing.T) {
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	mr := miniredis.RunT(t)
	a := New(cfg)
	t.Cleanup(a.cancel)
	a.clock = clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	a.db = testutil.NewTestDB(t)
	a.redisClient = redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = a.redisClient.Close() })

	a.initRepositories()
	a.initQueues()
	a.initServices()
	a.telegram, err = client.NewTelegramClient(client.NewTelegramConfig(cfg.Telegram), a.clock)
	require.NoError(t, err)
	a.initScheduler()
	a.registerJobs()

	assert.Equal(t, "channel-access", a.channelQ.Name())
	assert.Equal(t, "refund-transaction", a.refundQ.Name())
	assert.Equal(t, "notification", a.notifyQ.Name())
	assert.NotNil(t, a.Orders())
	assert.NotNil(t, a.Subscriptions())
	assert.NotNil(t, a.Disputes())

	statuses := a.scheduler.ListJobStatus(context.Background())
	names := make([]string, 0, len(statuses))
	for _, s := range statuses {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{
		scheduler.JobNameOrderExpiry,
		scheduler.JobNameQueueMonitor,
		scheduler.JobNameRenewalReminders,
		scheduler.JobNameSubscriptionExpiry,
	}, names)
	assert.Equal(t, "0 */5 * * * *", statuses[0].Cron)

	// 任务可以在真实依赖上跑通
	require.NoError(t, a.scheduler.RunJob(scheduler.JobNameOrderExpiry))
	require.NoError(t, a.scheduler.RunJob(scheduler.JobNameQueueMonitor))
	status, err := a.scheduler.GetJobStatus(context.Background(), scheduler.JobNameQueueMonitor)
	require.NoError(t, err)
	assert.Equal(t, "success", status.LastStatus)

	checks := a.healthChecks()
	assert.NoError(t, checks["redis"](context.Background()))
	assert.NoError(t, checks["postgres"](context.Background()))
}
