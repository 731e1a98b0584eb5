package scheduler

import (
	"context"
	"time"

	"github.com/chanpass/fulfillment/internal/model"
)

// Job 定时任务
type Job interface {
	// Name 任务名称
	Name() string
	// Execute 执行任务
	Execute(ctx context.Context) (*JobResult, error)
	// Timeout 任务超时时间
	Timeout() time.Duration
	// RequiresLock 是否需要分布式锁
	RequiresLock() bool
	// LockTTL 锁的 TTL
	LockTTL() time.Duration
	// UseWatchdog 是否自动续期
	UseWatchdog() bool
}

// JobResult 任务执行结果
type JobResult struct {
	ProcessedCount int
	AffectedCount  int
	ErrorCount     int
	Details        map[string]interface{}
}

// ToJSONMap 转换为执行记录的结果列
func (r *JobResult) ToJSONMap() model.JSONMap {
	if r == nil {
		return nil
	}
	result := model.JSONMap{
		"processed_count": r.ProcessedCount,
		"affected_count":  r.AffectedCount,
		"error_count":     r.ErrorCount,
	}
	for k, v := range r.Details {
		result[k] = v
	}
	return result
}

// BaseJob 公共属性
type BaseJob struct {
	name        string
	timeout     time.Duration
	lockTTL     time.Duration
	useWatchdog bool
}

// NewBaseJob 创建基础任务
func NewBaseJob(name string, timeout, lockTTL time.Duration, useWatchdog bool) BaseJob {
	return BaseJob{
		name:        name,
		timeout:     timeout,
		lockTTL:     lockTTL,
		useWatchdog: useWatchdog,
	}
}

func (j BaseJob) Name() string { return j.name }

func (j BaseJob) Timeout() time.Duration { return j.timeout }

func (j BaseJob) RequiresLock() bool { return j.lockTTL > 0 }

func (j BaseJob) LockTTL() time.Duration { return j.lockTTL }

func (j BaseJob) UseWatchdog() bool { return j.useWatchdog }

// 任务名称
const (
	JobNameOrderExpiry        = "order-expiry"
	JobNameSubscriptionExpiry = "subscription-expiry"
	JobNameRenewalReminders   = "renewal-reminders"
	JobNamePermissionAudit    = "permission-audit"
	JobNameQueueMonitor       = "queue-monitor"
)

// JobDefaults 任务默认参数
type JobDefaults struct {
	Cron        string
	Timeout     time.Duration
	LockTTL     time.Duration
	UseWatchdog bool
}

// DefaultJobConfigs 默认任务配置，cron 表达式含秒
var DefaultJobConfigs = map[string]JobDefaults{
	JobNameOrderExpiry: {
		Cron:    "0 */15 * * * *", // 每 15 分钟
		Timeout: 5 * time.Minute,
		LockTTL: 6 * time.Minute,
	},
	JobNameSubscriptionExpiry: {
		Cron:        "0 0 * * * *", // 每小时
		Timeout:     20 * time.Minute,
		LockTTL:     10 * time.Minute,
		UseWatchdog: true,
	},
	JobNameRenewalReminders: {
		Cron:    "0 0 */6 * * *", // 每 6 小时
		Timeout: 10 * time.Minute,
		LockTTL: 11 * time.Minute,
	},
	JobNamePermissionAudit: {
		Cron:    "0 30 3 * * *", // 每日 03:30
		Timeout: 15 * time.Minute,
		LockTTL: 16 * time.Minute,
	},
	JobNameQueueMonitor: {
		Cron:    "*/30 * * * * *", // 每 30 秒
		Timeout: 10 * time.Second,
	},
}
