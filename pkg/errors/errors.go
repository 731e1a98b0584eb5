package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind 错误类别，决定调用方的处理策略（重试、丢弃、死信）
type Kind int

const (
	// KindInternal 未分类的内部错误
	KindInternal Kind = iota
	// KindValidation 输入校验失败，不可重试
	KindValidation
	// KindConflict 状态冲突，不可重试
	KindConflict
	// KindNotFound 资源不存在
	KindNotFound
	// KindTransient 临时性故障（网络、限流、超时），可重试
	KindTransient
	// KindFatal 数据完整性问题，需要人工介入
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindTransient:
		return "transient"
	case KindFatal:
		return "fatal"
	default:
		return "internal"
	}
}

// HTTPStatus 类别对应的 HTTP 状态码
func (k Kind) HTTPStatus() int {
	switch k {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Error 业务错误
type Error struct {
	Code    string            `json:"code"`
	Kind    Kind              `json:"-"`
	Message string            `json:"message"`
	Cause   error             `json:"-"`
	Details map[string]string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按错误码匹配
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Copy 复制错误
func (e *Error) Copy() *Error {
	newErr := &Error{
		Code:    e.Code,
		Kind:    e.Kind,
		Message: e.Message,
		Cause:   e.Cause,
	}
	if e.Details != nil {
		newErr.Details = make(map[string]string, len(e.Details))
		for k, v := range e.Details {
			newErr.Details[k] = v
		}
	}
	return newErr
}

// WithDetail 添加单个详情
func (e *Error) WithDetail(key, value string) *Error {
	newErr := e.Copy()
	if newErr.Details == nil {
		newErr.Details = make(map[string]string)
	}
	newErr.Details[key] = value
	return newErr
}

// WithMessagef 格式化替换错误消息
func (e *Error) WithMessagef(format string, args ...interface{}) *Error {
	newErr := e.Copy()
	newErr.Message = fmt.Sprintf(format, args...)
	return newErr
}

// New 创建新错误
func New(kind Kind, code, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

// Wrap 包装错误
func Wrap(err *Error, cause error) *Error {
	newErr := err.Copy()
	newErr.Cause = cause
	return newErr
}

// Transient 将底层错误包装为可重试错误
func Transient(cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:    ErrTransient.Code,
		Kind:    KindTransient,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// Fatal 将底层错误包装为需人工介入的错误
func Fatal(cause error, format string, args ...interface{}) *Error {
	return &Error{
		Code:    ErrDataIntegrity.Code,
		Kind:    KindFatal,
		Message: fmt.Sprintf(format, args...),
		Cause:   cause,
	}
}

// KindOf 获取错误类别，非业务错误视为 KindInternal
func KindOf(err error) Kind {
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Kind
	}
	return KindInternal
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	return err != nil && KindOf(err) == KindTransient
}

// IsNotFound 判断是否为未找到错误
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

// Is 判断错误类型
func Is(err error, target *Error) bool {
	if err == nil || target == nil {
		return false
	}
	return errors.Is(err, target)
}

// As 提取错误类型
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// GetCode 获取错误码
func GetCode(err error) string {
	if err == nil {
		return ""
	}
	var bizErr *Error
	if errors.As(err, &bizErr) {
		return bizErr.Code
	}
	return "UNKNOWN"
}

// 通用错误码
var (
	ErrInternal      = New(KindInternal, "INTERNAL_ERROR", "内部错误")
	ErrTransient     = New(KindTransient, "TRANSIENT", "临时性故障")
	ErrDataIntegrity = New(KindFatal, "DATA_INTEGRITY", "数据完整性错误")
	ErrForbidden     = New(KindValidation, "FORBIDDEN", "禁止访问")
)

// 业务错误码
var (
	// 支付校验
	ErrUnsupportedCurrency = New(KindValidation, "UNSUPPORTED_CURRENCY", "不支持的币种")
	ErrAmountMismatch      = New(KindValidation, "AMOUNT_MISMATCH", "支付金额不匹配")
	ErrInvalidAmount       = New(KindValidation, "INVALID_AMOUNT", "金额无效")
	ErrInvalidAddress      = New(KindValidation, "INVALID_ADDRESS", "地址无效")
	ErrMalformedPayload    = New(KindValidation, "MALFORMED_PAYLOAD", "消息格式错误")

	// 订单
	ErrOrderNotFound     = New(KindNotFound, "ORDER_NOT_FOUND", "订单不存在")
	ErrInvalidOrderState = New(KindConflict, "INVALID_ORDER_STATE", "订单状态不允许该操作")
	ErrAddressConflict   = New(KindConflict, "ADDRESS_CONFLICT", "订单已绑定其他币种地址")

	// 商品
	ErrListingNotFound = New(KindNotFound, "LISTING_NOT_FOUND", "商品不存在")
	ErrListingInactive = New(KindConflict, "LISTING_INACTIVE", "商品已下架")
	ErrBuyerNotFound   = New(KindNotFound, "BUYER_NOT_FOUND", "买家不存在")

	// 订阅
	ErrSubscriptionNotFound     = New(KindNotFound, "SUBSCRIPTION_NOT_FOUND", "订阅不存在")
	ErrNotEligibleForRenewal    = New(KindConflict, "NOT_ELIGIBLE_FOR_RENEWAL", "订阅不满足续费条件")
	ErrInvalidSubscriptionState = New(KindConflict, "INVALID_SUBSCRIPTION_STATE", "订阅状态不允许该操作")

	// 争议
	ErrDisputeNotFound     = New(KindNotFound, "DISPUTE_NOT_FOUND", "争议不存在")
	ErrDisputeAlreadyOpen  = New(KindConflict, "DISPUTE_ALREADY_OPEN", "该订单已有进行中的争议")
	ErrDisputeWindowClosed = New(KindConflict, "DISPUTE_WINDOW_CLOSED", "已超过争议期限")
	ErrAlreadyResolved     = New(KindConflict, "ALREADY_RESOLVED", "争议已处理")
	ErrIssueTooLong        = New(KindValidation, "ISSUE_TOO_LONG", "问题描述过长")
	ErrIssueRequired       = New(KindValidation, "ISSUE_REQUIRED", "问题描述不能为空")

	// 退款、通知
	ErrRefundNotFound       = New(KindNotFound, "REFUND_NOT_FOUND", "退款记录不存在")
	ErrNotificationNotFound = New(KindNotFound, "NOTIFICATION_NOT_FOUND", "通知不存在")

	// 运维
	ErrJobNotFound   = New(KindNotFound, "JOB_NOT_FOUND", "任务不存在")
	ErrQueueNotFound = New(KindNotFound, "QUEUE_NOT_FOUND", "队列不存在")
)
