package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/chanpass/fulfillment/internal/model"
)

// ExecutionRepository 定时任务执行记录仓储
type ExecutionRepository struct {
	*Repository
}

// NewExecutionRepository 创建任务执行记录仓储
func NewExecutionRepository(db *gorm.DB) *ExecutionRepository {
	return &ExecutionRepository{Repository: NewRepository(db)}
}

// Create 创建执行记录
func (r *ExecutionRepository) Create(ctx context.Context, exec *model.JobExecution) error {
	exec.CreatedAt = nowMillis(exec.CreatedAt)
	return r.DB(ctx).Create(exec).Error
}

// Update 更新执行记录
func (r *ExecutionRepository) Update(ctx context.Context, exec *model.JobExecution) error {
	return r.DB(ctx).Save(exec).Error
}

// GetLatestByJobName 获取任务最新执行记录，不存在时返回 nil
func (r *ExecutionRepository) GetLatestByJobName(ctx context.Context, jobName string) (*model.JobExecution, error) {
	var exec model.JobExecution
	err := r.DB(ctx).
		Where("job_name = ?", jobName).
		Order("started_at DESC, id DESC").
		First(&exec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &exec, nil
}

// ListByJobName 查询任务执行历史
func (r *ExecutionRepository) ListByJobName(ctx context.Context, jobName string, limit int) ([]*model.JobExecution, error) {
	var execs []*model.JobExecution
	err := r.DB(ctx).
		Where("job_name = ?", jobName).
		Order("started_at DESC, id DESC").
		Limit(limit).
		Find(&execs).Error
	return execs, err
}

// MarkStaleRunningAsFailed 进程重启后将卡住的 running 记录标记为失败
func (r *ExecutionRepository) MarkStaleRunningAsFailed(ctx context.Context, threshold time.Duration) (int64, error) {
	now := time.Now()
	result := r.DB(ctx).
		Model(&model.JobExecution{}).
		Where("status = ? AND started_at < ?", model.JobStatusRunning, now.Add(-threshold).UnixMilli()).
		Updates(map[string]interface{}{
			"status":        model.JobStatusFailed,
			"finished_at":   now.UnixMilli(),
			"error_message": "execution abandoned (process restarted)",
		})
	return result.RowsAffected, result.Error
}
