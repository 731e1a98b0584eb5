// Package scheduler 定时任务调度，多实例部署时依靠 Redis 锁保证同一任务只有一个实例执行
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/metrics"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/repository"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// JobConfig 任务调度配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// Config 调度器配置
type Config struct {
	MaxConcurrentJobs int
	RedisClient       redis.UniversalClient
	Clock             clock.Clock
}

// Scheduler 任务调度器
type Scheduler struct {
	cron        *cron.Cron
	lockManager *LockManager
	execRepo    *repository.ExecutionRepository
	clock       clock.Clock
	jobs        map[string]Job
	jobConfigs  map[string]JobConfig
	mu          sync.RWMutex
	running     chan struct{}
	inflight    sync.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewScheduler 创建调度器
func NewScheduler(cfg *Config, execRepo *repository.ExecutionRepository) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}

	return &Scheduler{
		cron:        cron.New(cron.WithSeconds()),
		lockManager: NewLockManager(cfg.RedisClient),
		execRepo:    execRepo,
		clock:       clk,
		jobs:        make(map[string]Job),
		jobConfigs:  make(map[string]JobConfig),
		running:     make(chan struct{}, maxConcurrent),
		ctx:         ctx,
		cancel:      cancel,
	}
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config

	if !config.Enabled {
		logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	if _, err := s.cron.AddFunc(config.Cron, func() { s.executeJob(job) }); err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		return fmt.Errorf("failed to add cron job %s: %w", job.Name(), err)
	}

	logger.Info("job registered",
		zap.String("job", job.Name()),
		zap.String("cron", config.Cron),
	)
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器并等待在途任务
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.inflight.Wait()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return bizerr.ErrJobNotFound.WithMessagef("job %s not found", jobName)
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		s.executeJob(job)
	}()
	return nil
}

// RunJob 同步执行一次任务
func (s *Scheduler) RunJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return bizerr.ErrJobNotFound.WithMessagef("job %s not found", jobName)
	}
	s.executeJob(job)
	return nil
}

func (s *Scheduler) executeJob(job Job) {
	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		s.recordSkipped(job.Name(), "max concurrent jobs reached")
		return
	}

	if s.ctx.Err() != nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.RequiresLock() {
		lock := s.lockManager.NewLock(job.Name(), job.LockTTL(), job.UseWatchdog())
		acquired, err := lock.TryLock(ctx)
		if err != nil {
			logger.Error("failed to acquire lock", zap.String("job", job.Name()), zap.Error(err))
			s.recordFailed(job.Name(), "failed to acquire lock: "+err.Error())
			return
		}
		if !acquired {
			logger.Debug("job is already running on another instance", zap.String("job", job.Name()))
			s.recordSkipped(job.Name(), "job is running on another instance")
			return
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				logger.Error("failed to release lock", zap.String("job", job.Name()), zap.Error(err))
			}
		}()
	}

	start := s.clock.Now()
	exec := &model.JobExecution{
		JobName:   job.Name(),
		Status:    model.JobStatusRunning,
		StartedAt: start.UnixMilli(),
	}
	if err := s.execRepo.Create(ctx, exec); err != nil {
		logger.Error("failed to record job start", zap.String("job", job.Name()), zap.Error(err))
	}

	logger.Info("starting job", zap.String("job", job.Name()))
	result, err := s.run(ctx, job)

	finish := s.clock.Now()
	elapsed := finish.Sub(start)
	duration := int(elapsed.Milliseconds())
	finishedAt := finish.UnixMilli()
	exec.FinishedAt = &finishedAt
	exec.DurationMs = &duration
	exec.Result = result.ToJSONMap()

	if err != nil {
		exec.Status = model.JobStatusFailed
		msg := err.Error()
		exec.ErrorMessage = &msg
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", elapsed),
			zap.Error(err),
		)
	} else {
		exec.Status = model.JobStatusSuccess
		fields := []zap.Field{zap.String("job", job.Name()), zap.Duration("duration", elapsed)}
		if result != nil {
			fields = append(fields,
				zap.Int("processed", result.ProcessedCount),
				zap.Int("affected", result.AffectedCount),
				zap.Int("errors", result.ErrorCount),
			)
		}
		logger.Info("job completed", fields...)
	}
	metrics.RecordJobRun(job.Name(), string(exec.Status), elapsed.Seconds())

	if exec.ID == 0 {
		return
	}
	if err := s.execRepo.Update(context.Background(), exec); err != nil {
		logger.Error("failed to update job execution", zap.String("job", job.Name()), zap.Error(err))
	}
}

// run 执行任务，panic 视为失败
func (s *Scheduler) run(ctx context.Context, job Job) (result *JobResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Execute(ctx)
}

func (s *Scheduler) recordSkipped(jobName, message string) {
	metrics.RecordJobRun(jobName, string(model.JobStatusSkipped), 0)
	s.record(jobName, model.JobStatusSkipped, message)
}

func (s *Scheduler) recordFailed(jobName, message string) {
	metrics.RecordJobRun(jobName, string(model.JobStatusFailed), 0)
	s.record(jobName, model.JobStatusFailed, message)
}

func (s *Scheduler) record(jobName string, status model.JobStatus, message string) {
	now := s.clock.Now().UnixMilli()
	zero := 0
	exec := &model.JobExecution{
		JobName:      jobName,
		Status:       status,
		StartedAt:    now,
		FinishedAt:   &now,
		DurationMs:   &zero,
		ErrorMessage: &message,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.execRepo.Create(ctx, exec); err != nil {
		logger.Error("failed to record job execution", zap.String("job", jobName), zap.Error(err))
	}
}

// JobStatus 任务状态
type JobStatus struct {
	Name           string `json:"name"`
	Enabled        bool   `json:"enabled"`
	Cron           string `json:"cron"`
	IsLocked       bool   `json:"is_locked"`
	LastStatus     string `json:"last_status,omitempty"`
	LastStartedAt  int64  `json:"last_started_at,omitempty"`
	LastFinishedAt int64  `json:"last_finished_at,omitempty"`
	LastDurationMs int    `json:"last_duration_ms,omitempty"`
	LastError      string `json:"last_error,omitempty"`
}

// GetJobStatus 查询任务状态
func (s *Scheduler) GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	s.mu.RLock()
	_, exists := s.jobs[jobName]
	cfg := s.jobConfigs[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, bizerr.ErrJobNotFound.WithMessagef("job %s not found", jobName)
	}

	last, err := s.execRepo.GetLatestByJobName(ctx, jobName)
	if err != nil {
		return nil, err
	}
	locked, _ := s.lockManager.IsLocked(ctx, jobName)

	status := &JobStatus{
		Name:     jobName,
		Enabled:  cfg.Enabled,
		Cron:     cfg.Cron,
		IsLocked: locked,
	}
	if last != nil {
		status.LastStatus = string(last.Status)
		status.LastStartedAt = last.StartedAt
		if last.FinishedAt != nil {
			status.LastFinishedAt = *last.FinishedAt
		}
		if last.DurationMs != nil {
			status.LastDurationMs = *last.DurationMs
		}
		if last.ErrorMessage != nil {
			status.LastError = *last.ErrorMessage
		}
	}
	return status, nil
}

// ListJobStatus 列出全部任务状态
func (s *Scheduler) ListJobStatus(ctx context.Context) []*JobStatus {
	s.mu.RLock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)

	statuses := make([]*JobStatus, 0, len(names))
	for _, name := range names {
		status, err := s.GetJobStatus(ctx, name)
		if err != nil {
			logger.Error("failed to get job status", zap.String("job", name), zap.Error(err))
			continue
		}
		statuses = append(statuses, status)
	}
	return statuses
}
