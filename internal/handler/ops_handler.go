// Package handler 运维 HTTP 接口：健康检查、指标、死信查看与重放、任务状态与手动触发
package handler

import (
	"context"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/queue"
	"github.com/chanpass/fulfillment/internal/scheduler"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// QueueAdmin 队列运维操作
type QueueAdmin interface {
	Name() string
	Stats(ctx context.Context) (queue.Stats, error)
	DeadLetters(ctx context.Context, n int) ([]*queue.DeadLetter, error)
	Redrive(ctx context.Context, n int) (int, error)
}

// JobController 任务运维操作
type JobController interface {
	ListJobStatus(ctx context.Context) []*scheduler.JobStatus
	GetJobStatus(ctx context.Context, jobName string) (*scheduler.JobStatus, error)
	TriggerJob(jobName string) error
}

// HealthCheck 依赖探活
type HealthCheck func(ctx context.Context) error

// OpsHandler 运维接口处理器
type OpsHandler struct {
	queues map[string]QueueAdmin
	jobs   JobController
	checks map[string]HealthCheck
}

// NewOpsHandler 创建运维接口处理器，jobs 可为 nil
func NewOpsHandler(queues []QueueAdmin, jobs JobController, checks map[string]HealthCheck) *OpsHandler {
	byName := make(map[string]QueueAdmin, len(queues))
	for _, q := range queues {
		byName[q.Name()] = q
	}
	return &OpsHandler{
		queues: byName,
		jobs:   jobs,
		checks: checks,
	}
}

// Health 依赖探活，任一失败返回 503
func (h *OpsHandler) Health(c *gin.Context) {
	components := make(map[string]string, len(h.checks))
	healthy := true
	for name, check := range h.checks {
		if err := check(c.Request.Context()); err != nil {
			logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
			components[name] = err.Error()
			healthy = false
			continue
		}
		components[name] = "ok"
	}

	status := http.StatusOK
	overall := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "components": components})
}

// ListQueues 各队列深度
func (h *OpsHandler) ListQueues(c *gin.Context) {
	names := make([]string, 0, len(h.queues))
	for name := range h.queues {
		names = append(names, name)
	}
	sort.Strings(names)

	stats := make([]queue.Stats, 0, len(names))
	for _, name := range names {
		s, err := h.queues[name].Stats(c.Request.Context())
		if err != nil {
			HandleError(c, bizerr.Transient(err, "stats for queue %s", name))
			return
		}
		stats = append(stats, s)
	}
	Success(c, stats)
}

// ListDeadLetters 查看死信
// GET /admin/queues/:queue/dead-letters?limit=50
func (h *OpsHandler) ListDeadLetters(c *gin.Context) {
	q, ok := h.lookupQueue(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	letters, err := q.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		HandleError(c, bizerr.Transient(err, "read dead letters of %s", q.Name()))
		return
	}
	Success(c, letters)
}

// Redrive 将死信重新投回源队列
// POST /admin/queues/:queue/redrive?limit=50
func (h *OpsHandler) Redrive(c *gin.Context) {
	q, ok := h.lookupQueue(c)
	if !ok {
		return
	}
	limit, ok := parseLimit(c)
	if !ok {
		return
	}

	moved, err := q.Redrive(c.Request.Context(), limit)
	if err != nil {
		HandleError(c, bizerr.Transient(err, "redrive %s", q.Name()))
		return
	}
	logger.Info("dead letters redriven",
		zap.String("queue", q.Name()),
		zap.Int("count", moved))
	Success(c, gin.H{"queue": q.Name(), "redriven": moved})
}

// ListJobs 全部任务状态
func (h *OpsHandler) ListJobs(c *gin.Context) {
	Success(c, h.jobs.ListJobStatus(c.Request.Context()))
}

// GetJob 单个任务状态
func (h *OpsHandler) GetJob(c *gin.Context) {
	status, err := h.jobs.GetJobStatus(c.Request.Context(), c.Param("job"))
	if err != nil {
		HandleError(c, err)
		return
	}
	Success(c, status)
}

// TriggerJob 手动触发任务，异步执行
func (h *OpsHandler) TriggerJob(c *gin.Context) {
	name := c.Param("job")
	if err := h.jobs.TriggerJob(name); err != nil {
		HandleError(c, err)
		return
	}
	logger.Info("job triggered manually", zap.String("job", name))
	c.JSON(http.StatusAccepted, Response{Code: "OK", Message: "triggered", Data: gin.H{"job": name}})
}

func (h *OpsHandler) lookupQueue(c *gin.Context) (QueueAdmin, bool) {
	name := c.Param("queue")
	q, ok := h.queues[name]
	if !ok {
		HandleError(c, bizerr.ErrQueueNotFound.WithMessagef("queue %s not found", name))
		return nil, false
	}
	return q, true
}

func parseLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 || limit > maxListLimit {
		BadRequest(c, "limit must be between 1 and 500")
		return 0, false
	}
	return limit, true
}
