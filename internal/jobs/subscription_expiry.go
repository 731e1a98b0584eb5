package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/scheduler"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// SubscriptionSweeper 订阅到期处理
type SubscriptionSweeper interface {
	// ExpireSubscriptions 将到期订阅置为过期并移出频道
	ExpireSubscriptions(ctx context.Context) (int, error)
}

// SubscriptionExpiryJob 订阅到期任务
type SubscriptionExpiryJob struct {
	scheduler.BaseJob
	subs SubscriptionSweeper
}

// NewSubscriptionExpiryJob 创建订阅到期任务
func NewSubscriptionExpiryJob(subs SubscriptionSweeper) *SubscriptionExpiryJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameSubscriptionExpiry]

	return &SubscriptionExpiryJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNameSubscriptionExpiry,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		subs: subs,
	}
}

// Execute 执行订阅到期
func (j *SubscriptionExpiryJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{
		Details: make(map[string]interface{}),
	}

	expired, err := j.subs.ExpireSubscriptions(ctx)
	result.ProcessedCount = expired
	result.AffectedCount = expired
	if err != nil {
		result.ErrorCount = 1
		return result, err
	}

	if expired > 0 {
		logger.Info("subscriptions expired", zap.Int("count", expired))
	}
	return result, nil
}
