package model

import "github.com/shopspring/decimal"

// RefundStatus 退款状态
type RefundStatus int8

const (
	RefundStatusQueued    RefundStatus = 0 // 已排队
	RefundStatusCompleted RefundStatus = 1 // 已完成
	RefundStatusFailed    RefundStatus = 2 // 失败
)

func (s RefundStatus) String() string {
	switch s {
	case RefundStatusQueued:
		return "QUEUED"
	case RefundStatusCompleted:
		return "COMPLETED"
	case RefundStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s RefundStatus) IsTerminal() bool {
	return s == RefundStatusCompleted || s == RefundStatusFailed
}

// RefundTransaction 退款记录，在派发前落库；每个订单最多一笔
type RefundTransaction struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	RefundID       string          `gorm:"column:refund_id;type:varchar(64);uniqueIndex;not null" json:"refund_id"`
	OrderID        string          `gorm:"column:order_id;type:varchar(64);uniqueIndex;not null" json:"order_id"`
	SubscriptionID string          `gorm:"column:subscription_id;type:varchar(64);not null" json:"subscription_id"`
	BuyerID        string          `gorm:"column:buyer_id;type:varchar(64);index;not null" json:"buyer_id"`
	DisputeID      string          `gorm:"column:dispute_id;type:varchar(64)" json:"dispute_id"`
	ToAddress      string          `gorm:"column:to_address;type:varchar(64);not null" json:"to_address"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	Currency       Currency        `gorm:"column:currency;type:varchar(20);not null" json:"currency"`
	Status         RefundStatus    `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	AttemptCount   int             `gorm:"column:attempt_count;type:int;not null;default:0" json:"attempt_count"`
	TxHash         string          `gorm:"column:tx_hash;type:varchar(128)" json:"tx_hash"`
	ErrorMessage   string          `gorm:"column:error_message;type:varchar(500)" json:"error_message"`
	CompletedAt    int64           `gorm:"column:completed_at;type:bigint" json:"completed_at"`
	CreatedAt      int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt      int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (RefundTransaction) TableName() string {
	return "refund_transactions"
}

// TransferRequest 托管服务出款请求，RefundID 作为幂等键
type TransferRequest struct {
	RefundID  string          `json:"refund_id"`
	ToAddress string          `json:"to_address"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  Currency        `json:"currency"`
}
