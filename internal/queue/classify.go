package queue

import (
	bizerr "github.com/chanpass/fulfillment/pkg/errors"
)

// Disposition 失败消息的处置方式
type Disposition int

const (
	// DispositionRetry 退避后重试
	DispositionRetry Disposition = iota
	// DispositionDrop 删除且不进入死信 (如格式错误)
	DispositionDrop
	// DispositionDeadLetter 直接进入死信等待人工处理
	DispositionDeadLetter
)

func (d Disposition) String() string {
	switch d {
	case DispositionRetry:
		return "retry"
	case DispositionDrop:
		return "drop"
	case DispositionDeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// DefaultClassify 按错误类别分类
// 非业务错误按 KindInternal 处理，视为可重试
func DefaultClassify(err error) Disposition {
	if bizerr.Is(err, bizerr.ErrMalformedPayload) {
		return DispositionDrop
	}
	switch bizerr.KindOf(err) {
	case bizerr.KindTransient, bizerr.KindInternal:
		return DispositionRetry
	default:
		return DispositionDeadLetter
	}
}
