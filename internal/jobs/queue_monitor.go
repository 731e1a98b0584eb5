package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/queue"
	"github.com/chanpass/fulfillment/internal/scheduler"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// StatsReporter 队列深度
type StatsReporter interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// QueueMonitorJob 采集队列与死信深度
// Stats 内部会刷新深度指标
type QueueMonitorJob struct {
	scheduler.BaseJob
	queues []StatsReporter
}

// NewQueueMonitorJob 创建队列监控任务
func NewQueueMonitorJob(queues ...StatsReporter) *QueueMonitorJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameQueueMonitor]

	return &QueueMonitorJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNameQueueMonitor,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		queues: queues,
	}
}

// Execute 采集各队列深度
func (j *QueueMonitorJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{
		Details: make(map[string]interface{}),
	}

	for _, q := range j.queues {
		stats, err := q.Stats(ctx)
		if err != nil {
			logger.Warn("collect queue stats failed", zap.Error(err))
			result.ErrorCount++
			continue
		}
		result.ProcessedCount++
		result.Details[stats.Queue] = map[string]interface{}{
			"pending": stats.Pending,
			"dead":    stats.Dead,
		}
		if stats.Dead > 0 {
			result.AffectedCount++
			logger.Warn("dead letters waiting for redrive",
				zap.String("queue", stats.Queue),
				zap.Int64("dead", stats.Dead))
		}
	}
	return result, nil
}
