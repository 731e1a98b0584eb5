package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/scheduler"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// ReminderSender 续费提醒
type ReminderSender interface {
	RemindExpiring(ctx context.Context) (int, error)
}

// RenewalRemindersJob 即将到期订阅的续费提醒任务
type RenewalRemindersJob struct {
	scheduler.BaseJob
	reminders ReminderSender
}

func NewRenewalRemindersJob(reminders ReminderSender) *RenewalRemindersJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameRenewalReminders]

	return &RenewalRemindersJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNameRenewalReminders,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		reminders: reminders,
	}
}

// Execute 发送续费提醒
func (j *RenewalRemindersJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{
		Details: make(map[string]interface{}),
	}

	sent, err := j.reminders.RemindExpiring(ctx)
	result.ProcessedCount = sent
	result.AffectedCount = sent
	if err != nil {
		result.ErrorCount = 1
		return result, err
	}

	logger.Debug("renewal reminders sent", zap.Int("count", sent))
	return result, nil
}
