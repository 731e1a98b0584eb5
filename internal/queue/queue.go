package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/config"
	"github.com/chanpass/fulfillment/internal/metrics"
)

// MaxBatchSize 单次拉取上限
const MaxBatchSize = 10

// Config 队列配置
type Config struct {
	Name              string
	MaxRetries        int
	BackoffCap        time.Duration
	VisibilityTimeout time.Duration
	BatchSize         int
	PollInterval      time.Duration
}

// DefaultConfig 默认配置
func DefaultConfig(name string) *Config {
	return &Config{
		Name:              name,
		MaxRetries:        5,
		BackoffCap:        300 * time.Second,
		VisibilityTimeout: 30 * time.Second,
		BatchSize:         MaxBatchSize,
		PollInterval:      time.Second,
	}
}

// NewConfig 从配置文件构造
func NewConfig(c config.QueueConfig) *Config {
	cfg := DefaultConfig(c.Name)
	if c.MaxRetries > 0 {
		cfg.MaxRetries = c.MaxRetries
	}
	if c.BackoffCapSeconds > 0 {
		cfg.BackoffCap = time.Duration(c.BackoffCapSeconds) * time.Second
	}
	if c.VisibilityTimeoutSeconds > 0 {
		cfg.VisibilityTimeout = time.Duration(c.VisibilityTimeoutSeconds) * time.Second
	}
	if c.BatchSize > 0 && c.BatchSize <= MaxBatchSize {
		cfg.BatchSize = c.BatchSize
	}
	if c.PollIntervalMs > 0 {
		cfg.PollInterval = time.Duration(c.PollIntervalMs) * time.Millisecond
	}
	return cfg
}

// Backoff 第 attempt 次失败后的延迟: min(2^attempt 秒, ceiling)
func Backoff(attempt int, ceiling time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if attempt >= 31 {
		return ceiling
	}
	d := time.Duration(1<<uint(attempt)) * time.Second
	if d > ceiling {
		return ceiling
	}
	return d
}

// Enqueuer 业务层依赖的入队能力
type Enqueuer[T any] interface {
	Enqueue(ctx context.Context, payload T) (string, error)
}

// Queue 某一种载荷的队列
type Queue[T any] struct {
	broker Broker
	cfg    *Config
	clock  clock.Clock
}

// New 创建队列
func New[T any](broker Broker, cfg *Config, clk clock.Clock) *Queue[T] {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Queue[T]{broker: broker, cfg: cfg, clock: clk}
}

// Name 队列名
func (q *Queue[T]) Name() string { return q.cfg.Name }

// Config 队列配置
func (q *Queue[T]) Config() *Config { return q.cfg }

// Enqueue 立即可见地入队
func (q *Queue[T]) Enqueue(ctx context.Context, payload T) (string, error) {
	return q.EnqueueDelayed(ctx, payload, 0)
}

// EnqueueDelayed 延迟入队
func (q *Queue[T]) EnqueueDelayed(ctx context.Context, payload T, delay time.Duration) (string, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	env := &Envelope{
		ID:         uuid.NewString(),
		Queue:      q.cfg.Name,
		Body:       body,
		EnqueuedAt: clock.NowMillis(q.clock),
	}
	if err := q.broker.Send(ctx, q.cfg.Name, env, delay); err != nil {
		return "", err
	}
	metrics.RecordQueueMessage(q.cfg.Name, "enqueued")
	return env.ID, nil
}

// DeadLetters 查看死信
func (q *Queue[T]) DeadLetters(ctx context.Context, n int) ([]*DeadLetter, error) {
	return q.broker.PeekDeadLetters(ctx, q.cfg.Name, n)
}

// Redrive 死信重投
func (q *Queue[T]) Redrive(ctx context.Context, n int) (int, error) {
	moved, err := q.broker.Redrive(ctx, q.cfg.Name, n)
	for i := 0; i < moved; i++ {
		metrics.RecordQueueMessage(q.cfg.Name, "redriven")
	}
	return moved, err
}

// Stats 队列统计
func (q *Queue[T]) Stats(ctx context.Context) (Stats, error) {
	pending, dead, err := q.broker.Depth(ctx, q.cfg.Name)
	if err != nil {
		return Stats{}, err
	}
	metrics.UpdateQueueDepth(q.cfg.Name, pending, dead)
	return Stats{Queue: q.cfg.Name, Pending: pending, Dead: dead}, nil
}
