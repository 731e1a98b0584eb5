package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/metrics"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// Handler 消息处理器，不同载荷只在处理逻辑和错误分类上有差异
type Handler[T any] interface {
	Process(ctx context.Context, msg *Message[T]) error
	Classify(err error) Disposition
}

// DeadLetterObserver 可选接口，消息进入死信后回调
type DeadLetterObserver[T any] interface {
	OnDeadLetter(ctx context.Context, msg *Message[T], err error)
}

// Consumer 单个队列的消费循环
type Consumer[T any] struct {
	queue   *Queue[T]
	handler Handler[T]
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewConsumer 创建消费者
func NewConsumer[T any](q *Queue[T], handler Handler[T]) *Consumer[T] {
	return &Consumer[T]{queue: q, handler: handler}
}

// Start 启动消费循环
func (c *Consumer[T]) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.pollLoop(ctx)

	cfg := c.queue.cfg
	logger.Info("queue consumer started",
		zap.String("queue", cfg.Name),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Int("batch_size", cfg.BatchSize),
		zap.Duration("visibility_timeout", cfg.VisibilityTimeout),
	)
}

// Stop 停止消费循环，等待在途消息处理完成
func (c *Consumer[T]) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	logger.Info("queue consumer stopped", zap.String("queue", c.queue.cfg.Name))
}

func (c *Consumer[T]) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		n, err := c.PollOnce(ctx)
		if err != nil {
			logger.Warn("queue poll failed",
				zap.String("queue", c.queue.cfg.Name),
				zap.Error(err),
			)
		}
		if ctx.Err() != nil {
			return
		}
		if n > 0 && err == nil {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.queue.cfg.PollInterval):
		}
	}
}

// PollOnce 拉取一批消息并并发处理，返回处理条数
func (c *Consumer[T]) PollOnce(ctx context.Context) (int, error) {
	cfg := c.queue.cfg
	envs, err := c.queue.broker.Receive(ctx, cfg.Name, cfg.BatchSize, cfg.VisibilityTimeout)
	if err != nil {
		return 0, err
	}
	if len(envs) == 0 {
		return 0, nil
	}

	var wg sync.WaitGroup
	for _, env := range envs {
		wg.Add(1)
		go func(env *Envelope) {
			defer wg.Done()
			c.handle(ctx, env)
		}(env)
	}
	wg.Wait()

	return len(envs), nil
}

func (c *Consumer[T]) handle(ctx context.Context, env *Envelope) {
	cfg := c.queue.cfg
	start := time.Now()
	defer func() {
		metrics.RecordQueueProcessing(cfg.Name, time.Since(start).Seconds())
	}()

	var payload T
	if err := json.Unmarshal(env.Body, &payload); err != nil {
		logger.Error("drop malformed queue message",
			zap.String("queue", cfg.Name),
			zap.String("message_id", env.ID),
			zap.Error(err),
		)
		c.delete(ctx, env, "dropped")
		return
	}

	msg := &Message[T]{
		ID:           env.ID,
		Payload:      payload,
		AttemptCount: env.AttemptCount,
		EnqueuedAt:   time.UnixMilli(env.EnqueuedAt),
	}

	// 可见性超时即处理超时，超时后消息会被重新投递
	pctx, cancel := context.WithTimeout(ctx, cfg.VisibilityTimeout)
	err := c.process(pctx, msg)
	cancel()

	if err == nil {
		c.delete(ctx, env, "acked")
		return
	}

	switch c.handler.Classify(err) {
	case DispositionDrop:
		logger.Warn("drop queue message",
			zap.String("queue", cfg.Name),
			zap.String("message_id", env.ID),
			zap.Error(err),
		)
		c.delete(ctx, env, "dropped")

	case DispositionRetry:
		if env.AttemptCount >= cfg.MaxRetries {
			c.deadLetter(ctx, env, msg, err)
			return
		}
		c.retry(ctx, env, err)

	default:
		c.deadLetter(ctx, env, msg, err)
	}
}

func (c *Consumer[T]) process(ctx context.Context, msg *Message[T]) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = bizerr.Wrap(bizerr.ErrInternal, fmt.Errorf("panic: %v", r))
		}
	}()
	return c.handler.Process(ctx, msg)
}

func (c *Consumer[T]) delete(ctx context.Context, env *Envelope, outcome string) {
	if err := c.queue.broker.Delete(ctx, c.queue.cfg.Name, env.ID); err != nil {
		// 删除失败时消息会在可见性超时后重投，处理器需保证幂等
		logger.Error("delete queue message failed",
			zap.String("queue", c.queue.cfg.Name),
			zap.String("message_id", env.ID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordQueueMessage(c.queue.cfg.Name, outcome)
}

func (c *Consumer[T]) retry(ctx context.Context, env *Envelope, cause error) {
	cfg := c.queue.cfg
	delay := Backoff(env.AttemptCount, cfg.BackoffCap)

	next := *env
	next.AttemptCount++
	next.LastError = cause.Error()

	if err := c.queue.broker.Reschedule(ctx, cfg.Name, &next, delay); err != nil {
		logger.Error("reschedule queue message failed",
			zap.String("queue", cfg.Name),
			zap.String("message_id", env.ID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordQueueMessage(cfg.Name, "retried")

	logger.Warn("queue message scheduled for retry",
		zap.String("queue", cfg.Name),
		zap.String("message_id", env.ID),
		zap.Int("attempt", next.AttemptCount),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
}

func (c *Consumer[T]) deadLetter(ctx context.Context, env *Envelope, msg *Message[T], cause error) {
	cfg := c.queue.cfg
	dl := &DeadLetter{
		Envelope:       *env,
		ErrorCode:      bizerr.GetCode(cause),
		ErrorDetail:    cause.Error(),
		DeadLetteredAt: clock.NowMillis(c.queue.clock),
	}
	dl.LastError = cause.Error()

	if err := c.queue.broker.DeadLetter(ctx, cfg.Name, dl); err != nil {
		logger.Error("dead-letter queue message failed",
			zap.String("queue", cfg.Name),
			zap.String("message_id", env.ID),
			zap.Error(err),
		)
		return
	}
	metrics.RecordQueueMessage(cfg.Name, "dead_lettered")

	logger.Error("queue message dead-lettered",
		zap.String("queue", cfg.Name),
		zap.String("message_id", env.ID),
		zap.Int("attempt", env.AttemptCount),
		zap.String("error_code", dl.ErrorCode),
		zap.Error(cause),
	)

	if observer, ok := c.handler.(DeadLetterObserver[T]); ok {
		observer.OnDeadLetter(ctx, msg, cause)
	}
}
