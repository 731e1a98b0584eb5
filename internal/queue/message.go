// Package queue 实现带退避重试与死信队列的可靠异步派发
package queue

import (
	"encoding/json"
	"time"
)

// Envelope 队列中存储的消息
type Envelope struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Body         json.RawMessage `json:"body"`
	AttemptCount int             `json:"attempt_count"`
	EnqueuedAt   int64           `json:"enqueued_at"`
	LastError    string          `json:"last_error,omitempty"`
}

// DeadLetter 死信消息，保留原始消息和失败原因
type DeadLetter struct {
	Envelope
	ErrorCode      string `json:"error_code"`
	ErrorDetail    string `json:"error_detail"`
	DeadLetteredAt int64  `json:"dead_lettered_at"`
}

// Message 解码后交给处理器的消息
type Message[T any] struct {
	ID           string
	Payload      T
	AttemptCount int
	EnqueuedAt   time.Time
}

// Stats 队列统计
type Stats struct {
	Queue   string `json:"queue"`
	Pending int64  `json:"pending"`
	Dead    int64  `json:"dead"`
}
