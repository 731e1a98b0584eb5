// Package metrics 提供履约服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "chanpass_fulfillment"

// 订单与支付指标
var (
	// OrderTransitionsTotal 订单状态转换次数
	OrderTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "order_transitions_total",
			Help:      "订单状态转换次数",
		},
		[]string{"to"},
	)

	// PaymentsObservedTotal 链上支付事件处理结果
	PaymentsObservedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_observed_total",
			Help:      "链上支付事件处理结果",
		},
		[]string{"currency", "result"}, // recorded, duplicate, confirmed, detected, mismatch, rejected
	)

	// OrdersByStatus 各状态订单数
	OrdersByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "orders_by_status",
			Help:      "各状态订单数",
		},
		[]string{"status"},
	)
)

// 订阅与争议指标
var (
	// SubscriptionTransitionsTotal 订阅状态转换次数
	SubscriptionTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_transitions_total",
			Help:      "订阅状态转换次数",
		},
		[]string{"to"},
	)

	// DisputesTotal 争议处理
	DisputesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "disputes_total",
			Help:      "争议处理次数",
		},
		[]string{"action"}, // opened, in_progress, resolved, closed
	)

	// SideEffectFailuresTotal 业务副作用失败 (已记录状态但未派发)
	SideEffectFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "side_effect_failures_total",
			Help:      "业务副作用失败次数",
		},
		[]string{"operation", "step"},
	)

	// RefundAmount 退款金额分布
	RefundAmount = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refund_amount",
			Help:      "退款金额",
			Buckets:   []float64{1, 10, 50, 100, 500, 1000, 5000},
		},
		[]string{"currency"},
	)
)

// 异步派发队列指标
var (
	// QueueMessagesTotal 队列消息处理结果
	QueueMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "队列消息处理结果",
		},
		[]string{"queue", "outcome"}, // enqueued, acked, retried, dead_lettered, dropped, redriven
	)

	// QueueProcessingDuration 单条消息处理耗时
	QueueProcessingDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "queue_processing_duration_seconds",
			Help:      "单条消息处理耗时(秒)",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"queue"},
	)

	// QueueDepth 队列积压
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "队列积压消息数",
		},
		[]string{"queue", "kind"}, // kind: source, dlq
	)
)

// 外部依赖与任务指标
var (
	// ExternalCallsTotal 外部调用结果
	ExternalCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "external_calls_total",
			Help:      "外部调用次数",
		},
		[]string{"target", "method", "result"},
	)

	// KafkaMessagesTotal Kafka 消息
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_total",
			Help:      "Kafka 消息处理次数",
		},
		[]string{"topic", "result"}, // consumed, produced, retried, dead_lettered
	)

	// JobRunsTotal 定时任务执行次数
	JobRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "定时任务执行次数",
		},
		[]string{"job", "status"},
	)

	// JobDuration 定时任务耗时
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "定时任务耗时(秒)",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
		[]string{"job"},
	)
)

// RecordOrderTransition 记录订单状态转换
func RecordOrderTransition(to string, n int) {
	OrderTransitionsTotal.WithLabelValues(to).Add(float64(n))
}

// RecordPayment 记录支付事件处理结果
func RecordPayment(currency, result string) {
	PaymentsObservedTotal.WithLabelValues(currency, result).Inc()
}

// RecordSubscriptionTransition 记录订阅状态转换
func RecordSubscriptionTransition(to string) {
	SubscriptionTransitionsTotal.WithLabelValues(to).Inc()
}

// RecordDispute 记录争议操作
func RecordDispute(action string) {
	DisputesTotal.WithLabelValues(action).Inc()
}

// RecordSideEffectFailure 记录副作用失败
func RecordSideEffectFailure(operation, step string) {
	SideEffectFailuresTotal.WithLabelValues(operation, step).Inc()
}

// RecordRefund 记录退款金额
func RecordRefund(currency string, amount float64) {
	RefundAmount.WithLabelValues(currency).Observe(amount)
}

// RecordQueueMessage 记录队列消息处理结果
func RecordQueueMessage(queue, outcome string) {
	QueueMessagesTotal.WithLabelValues(queue, outcome).Inc()
}

// RecordQueueProcessing 记录消息处理耗时
func RecordQueueProcessing(queue string, durationSeconds float64) {
	QueueProcessingDuration.WithLabelValues(queue).Observe(durationSeconds)
}

// UpdateQueueDepth 更新队列积压
func UpdateQueueDepth(queue string, source, dlq int64) {
	QueueDepth.WithLabelValues(queue, "source").Set(float64(source))
	QueueDepth.WithLabelValues(queue, "dlq").Set(float64(dlq))
}

// RecordExternalCall 记录外部调用
func RecordExternalCall(target, method, result string) {
	ExternalCallsTotal.WithLabelValues(target, method, result).Inc()
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic, result string) {
	KafkaMessagesTotal.WithLabelValues(topic, result).Inc()
}

// RecordJobRun 记录任务执行
func RecordJobRun(job, status string, durationSeconds float64) {
	JobRunsTotal.WithLabelValues(job, status).Inc()
	JobDuration.WithLabelValues(job).Observe(durationSeconds)
}

// UpdateOrdersByStatus 更新订单状态分布
func UpdateOrdersByStatus(status string, count int64) {
	OrdersByStatus.WithLabelValues(status).Set(float64(count))
}
