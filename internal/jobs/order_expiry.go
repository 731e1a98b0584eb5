package jobs

import (
	"context"

	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/scheduler"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// OrderExpirer 订单过期处理
type OrderExpirer interface {
	// ExpireUnpaid 将超过支付期限的待支付订单置为过期
	ExpireUnpaid(ctx context.Context) (int64, error)
	// RefreshStatusGauge 刷新各状态订单数量指标
	RefreshStatusGauge(ctx context.Context) error
}

// OrderExpiryJob 过期未支付订单任务
type OrderExpiryJob struct {
	scheduler.BaseJob
	orders OrderExpirer
}

// NewOrderExpiryJob 创建过期未支付订单任务
func NewOrderExpiryJob(orders OrderExpirer) *OrderExpiryJob {
	cfg := scheduler.DefaultJobConfigs[scheduler.JobNameOrderExpiry]

	return &OrderExpiryJob{
		BaseJob: scheduler.NewBaseJob(
			scheduler.JobNameOrderExpiry,
			cfg.Timeout,
			cfg.LockTTL,
			cfg.UseWatchdog,
		),
		orders: orders,
	}
}

// Execute 执行订单过期
func (j *OrderExpiryJob) Execute(ctx context.Context) (*scheduler.JobResult, error) {
	result := &scheduler.JobResult{
		Details: make(map[string]interface{}),
	}

	expired, err := j.orders.ExpireUnpaid(ctx)
	if err != nil {
		result.ErrorCount = 1
		return result, err
	}
	result.ProcessedCount = int(expired)
	result.AffectedCount = int(expired)

	// 指标刷新失败不影响任务结果
	if err := j.orders.RefreshStatusGauge(ctx); err != nil {
		logger.Warn("refresh order status gauge failed", zap.Error(err))
		result.Details["gauge_error"] = err.Error()
	}

	if expired > 0 {
		logger.Info("unpaid orders expired", zap.Int64("count", expired))
	}
	return result, nil
}
