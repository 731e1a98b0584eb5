package model

import "github.com/shopspring/decimal"

// RefundQuote 按剩余时长计算的退款报价
type RefundQuote struct {
	SubscriptionID string          `json:"subscription_id"`
	OrderAmount    decimal.Decimal `json:"order_amount"`
	DurationDays   int             `json:"duration_days"`
	UsedDays       decimal.Decimal `json:"used_days"`
	UnusedDays     decimal.Decimal `json:"unused_days"`
	RefundAmount   decimal.Decimal `json:"refund_amount"`
	ComputedAt     int64           `json:"computed_at"`
}

// EscrowRelease 订阅到期后向商家结算的记录，每个订阅一条
type EscrowRelease struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	SubscriptionID string          `gorm:"column:subscription_id;type:varchar(64);uniqueIndex;not null" json:"subscription_id"`
	OrderID        string          `gorm:"column:order_id;type:varchar(64);not null" json:"order_id"`
	ListingID      string          `gorm:"column:listing_id;type:varchar(64);index;not null" json:"listing_id"`
	MerchantID     string          `gorm:"column:merchant_id;type:varchar(64);index;not null" json:"merchant_id"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	Currency       Currency        `gorm:"column:currency;type:varchar(20);not null" json:"currency"`
	CreatedAt      int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (EscrowRelease) TableName() string {
	return "escrow_releases"
}
