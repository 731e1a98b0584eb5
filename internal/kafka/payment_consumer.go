// Package kafka 链上观察事件入站与通知出站
//
// 入站 Topic: payment-observed
//   - 生产者: chain watcher
//   - 消息格式: model.PaymentObservedEvent
//   - Partition Key: 收款地址
//   - 处理失败 (重试耗尽或不可重试) 写入 dead_letters 表等待人工对账，随后提交位点
//
// 出站 Topic: notifications-outbound
//   - 消费者: 外部邮件服务
//   - 消息格式: model.NotificationMessage
//   - Partition Key: user_id
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/chanpass/fulfillment/internal/clock"
	"github.com/chanpass/fulfillment/internal/config"
	"github.com/chanpass/fulfillment/internal/metrics"
	"github.com/chanpass/fulfillment/internal/model"
	"github.com/chanpass/fulfillment/internal/repository"
	"github.com/chanpass/fulfillment/internal/service"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
	"github.com/chanpass/fulfillment/pkg/logger"
)

// PaymentProcessor 处理链上观察事件
type PaymentProcessor interface {
	HandleObservedEvent(ctx context.Context, event *model.PaymentObservedEvent) (*service.PaymentOutcome, error)
}

// PaymentConsumerConfig 消费配置
type PaymentConsumerConfig struct {
	Topic        string
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewPaymentConsumerConfig 从配置文件构造
func NewPaymentConsumerConfig(c config.ChainWatcherConfig) *PaymentConsumerConfig {
	return &PaymentConsumerConfig{
		Topic:        c.Topic,
		MaxRetries:   c.MaxRetries,
		RetryBackoff: time.Duration(c.RetryBackoffMs) * time.Millisecond,
	}
}

// PaymentHandler 单条消息处理，与 sarama 解耦便于测试
type PaymentHandler struct {
	cfg       *PaymentConsumerConfig
	processor PaymentProcessor
	deadRepo  repository.DeadLetterRepository
	clock     clock.Clock
}

// NewPaymentHandler 创建处理器
func NewPaymentHandler(cfg *PaymentConsumerConfig, processor PaymentProcessor, deadRepo repository.DeadLetterRepository, clk clock.Clock) *PaymentHandler {
	return &PaymentHandler{cfg: cfg, processor: processor, deadRepo: deadRepo, clock: clk}
}

// Handle 处理一条消息；返回 nil 表示可以提交位点
// 只有死信落库失败时返回错误，此时不提交位点，消息在重平衡后重投
func (h *PaymentHandler) Handle(ctx context.Context, key, value []byte) error {
	var event model.PaymentObservedEvent
	if err := json.Unmarshal(value, &event); err != nil {
		metrics.RecordKafkaMessage(h.cfg.Topic, "malformed")
		return h.deadLetter(ctx, key, value, bizerr.Wrap(bizerr.ErrMalformedPayload, err), 1)
	}

	var (
		outcome *service.PaymentOutcome
		err     error
		attempt int
	)
	for attempt = 1; ; attempt++ {
		outcome, err = h.processor.HandleObservedEvent(ctx, &event)
		if err == nil || !retryable(err) || attempt > h.cfg.MaxRetries {
			break
		}
		logger.Warn("payment event processing failed, retrying",
			zap.String("tx_hash", event.TxHash),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.cfg.RetryBackoff * time.Duration(attempt)):
		}
	}

	if err != nil {
		metrics.RecordKafkaMessage(h.cfg.Topic, "dead_lettered")
		return h.deadLetter(ctx, key, value, err, attempt)
	}

	metrics.RecordKafkaMessage(h.cfg.Topic, "processed")
	logger.Info("payment event processed",
		zap.String("order_id", outcome.Order.OrderID),
		zap.String("tx_hash", event.TxHash),
		zap.Bool("recorded", outcome.Recorded),
		zap.String("status", outcome.Order.Status.String()),
	)
	return nil
}

// retryable 瞬时错误和未分类错误在进程内重试
func retryable(err error) bool {
	kind := bizerr.KindOf(err)
	return kind == bizerr.KindTransient || kind == bizerr.KindInternal
}

func (h *PaymentHandler) deadLetter(ctx context.Context, key, value []byte, cause error, attempts int) error {
	logger.Error("payment event dead-lettered",
		zap.ByteString("key", key),
		zap.String("error_code", bizerr.GetCode(cause)),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	)
	err := h.deadRepo.Create(ctx, &model.DeadLetter{
		Source:     h.cfg.Topic,
		MessageKey: string(key),
		Payload:    string(value),
		ErrorCode:  bizerr.GetCode(cause),
		Error:      cause.Error(),
		Attempts:   attempts,
		CreatedAt:  clock.NowMillis(h.clock),
	})
	if err != nil {
		logger.Error("persist dead letter failed", zap.Error(err))
		return err
	}
	return nil
}

// PaymentConsumer chain watcher 事件消费者
type PaymentConsumer struct {
	group   sarama.ConsumerGroup
	handler *PaymentHandler
	topic   string
	groupID string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPaymentConsumer 创建消费组
func NewPaymentConsumer(kcfg config.KafkaConfig, handler *PaymentHandler) (*PaymentConsumer, error) {
	scfg := sarama.NewConfig()
	scfg.Version = sarama.V2_8_0_0
	scfg.ClientID = kcfg.ClientID
	scfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	scfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	scfg.Consumer.Offsets.AutoCommit.Enable = true
	scfg.Consumer.Offsets.AutoCommit.Interval = time.Second
	if err := applySaramaSASL(scfg, kcfg.SASL); err != nil {
		return nil, err
	}

	group, err := sarama.NewConsumerGroup(kcfg.Brokers, kcfg.GroupID, scfg)
	if err != nil {
		return nil, err
	}
	return &PaymentConsumer{
		group:   group,
		handler: handler,
		topic:   handler.cfg.Topic,
		groupID: kcfg.GroupID,
	}, nil
}

// Start 启动消费
func (c *PaymentConsumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("payment consumer already running")
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		gh := &consumerGroupHandler{handler: c.handler}
		for {
			if err := c.group.Consume(ctx, []string{c.topic}, gh); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Error("kafka consume error", zap.String("topic", c.topic), zap.Error(err))
			}
			if ctx.Err() != nil {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	logger.Info("payment consumer started",
		zap.String("topic", c.topic),
		zap.String("group_id", c.groupID),
	)
	return nil
}

// Stop 停止消费
func (c *PaymentConsumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.cancel()
	c.wg.Wait()
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler *PaymentHandler
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			if err := h.handler.Handle(session.Context(), msg.Key, msg.Value); err != nil {
				// 不提交位点，结束本轮会话等待重投
				logger.Error("payment event not committed",
					zap.String("topic", msg.Topic),
					zap.Int32("partition", msg.Partition),
					zap.Int64("offset", msg.Offset),
					zap.Error(err),
				)
				return err
			}
			session.MarkMessage(msg, "")
		}
	}
}
