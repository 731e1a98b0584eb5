package kafka

import (
	"context"
	"encoding/json"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/chanpass/fulfillment/internal/config"
	"github.com/chanpass/fulfillment/internal/metrics"
	"github.com/chanpass/fulfillment/internal/model"
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// NotificationPublisher 通知出站，同步写入
type NotificationPublisher struct {
	writer messageWriter
	topic  string
}

// NewNotificationPublisher 创建通知发布者
func NewNotificationPublisher(kcfg config.KafkaConfig, topic string) (*NotificationPublisher, error) {
	transport, err := newTransport(kcfg)
	if err != nil {
		return nil, err
	}
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(kcfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafkago.RequireAll,
		Async:        false,
		Transport:    transport,
	}
	return &NotificationPublisher{writer: w, topic: topic}, nil
}

// Publish 写入一条通知，失败按瞬时错误返回
func (p *NotificationPublisher) Publish(ctx context.Context, msg *model.NotificationMessage) error {
	value, err := json.Marshal(msg)
	if err != nil {
		return bizerr.Wrap(bizerr.ErrMalformedPayload, err)
	}

	err = p.writer.WriteMessages(ctx, kafkago.Message{
		Key:   []byte(msg.UserID),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "event", Value: []byte(msg.Event)},
			{Key: "notification_id", Value: []byte(msg.NotificationID)},
		},
	})
	if err != nil {
		metrics.RecordKafkaMessage(p.topic, "publish_failed")
		return bizerr.Transient(err, "publish notification %s", msg.NotificationID)
	}
	metrics.RecordKafkaMessage(p.topic, "published")
	return nil
}

// Close 关闭写入器
func (p *NotificationPublisher) Close() error {
	return p.writer.Close()
}
