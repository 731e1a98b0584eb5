// Package model 定义履约服务的数据模型
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentWindow 订单等待支付的固定窗口
const PaymentWindow = 24 * time.Hour

// OrderStatus 订单状态
type OrderStatus int8

const (
	OrderStatusPendingPayment     OrderStatus = 0 // 待支付
	OrderStatusPaymentDetected    OrderStatus = 1 // 已检测到支付，确认数不足
	OrderStatusPaymentConfirmed   OrderStatus = 2 // 支付已确认
	OrderStatusSubscriptionActive OrderStatus = 3 // 已开通订阅
	OrderStatusExpired            OrderStatus = 4 // 支付超时
	OrderStatusRefunded           OrderStatus = 5 // 已退款
)

// String 返回状态的字符串表示
func (s OrderStatus) String() string {
	switch s {
	case OrderStatusPendingPayment:
		return "PENDING_PAYMENT"
	case OrderStatusPaymentDetected:
		return "PAYMENT_DETECTED"
	case OrderStatusPaymentConfirmed:
		return "PAYMENT_CONFIRMED"
	case OrderStatusSubscriptionActive:
		return "SUBSCRIPTION_ACTIVE"
	case OrderStatusExpired:
		return "EXPIRED"
	case OrderStatusRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
// SUBSCRIPTION_ACTIVE 是成功终态，但争议批准退款时仍可转为 REFUNDED
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusExpired || s == OrderStatusRefunded || s == OrderStatusSubscriptionActive
}

// IsPaid 支付是否已确认
func (s OrderStatus) IsPaid() bool {
	return s == OrderStatusPaymentConfirmed || s == OrderStatusSubscriptionActive || s == OrderStatusRefunded
}

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingPayment:     {OrderStatusPaymentDetected, OrderStatusPaymentConfirmed, OrderStatusExpired},
	OrderStatusPaymentDetected:    {OrderStatusPaymentConfirmed},
	OrderStatusPaymentConfirmed:   {OrderStatusSubscriptionActive, OrderStatusRefunded},
	OrderStatusSubscriptionActive: {OrderStatusRefunded},
}

// CanTransitionTo 检查状态转换是否合法
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// OrderStatusesFrom 可转换到 target 的所有前置状态
func OrderStatusesFrom(target OrderStatus) []OrderStatus {
	var from []OrderStatus
	for s, nexts := range orderTransitions {
		for _, n := range nexts {
			if n == target {
				from = append(from, s)
			}
		}
	}
	return from
}

// Order 订单
type Order struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID        string          `gorm:"column:order_id;type:varchar(64);uniqueIndex;not null" json:"order_id"`
	BuyerID        string          `gorm:"column:buyer_id;type:varchar(64);index;not null" json:"buyer_id"`
	ListingID      string          `gorm:"column:listing_id;type:varchar(64);index;not null" json:"listing_id"`
	DepositAddress string          `gorm:"column:deposit_address;type:varchar(64);uniqueIndex;not null" json:"deposit_address"`
	Amount         decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	Currency       Currency        `gorm:"column:currency;type:varchar(20);not null" json:"currency"`
	Status         OrderStatus     `gorm:"column:status;type:smallint;index:idx_orders_status_expires;not null;default:0" json:"status"`
	Confirmations  int             `gorm:"column:confirmations;type:int;not null;default:0" json:"confirmations"`
	TxHash         string          `gorm:"column:tx_hash;type:varchar(128)" json:"tx_hash"`
	ExpiresAt      int64           `gorm:"column:expires_at;type:bigint;index:idx_orders_status_expires;not null" json:"expires_at"`
	PaidAt         int64           `gorm:"column:paid_at;type:bigint" json:"paid_at"` // 0 表示未确认支付
	CreatedAt      int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt      int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Order) TableName() string {
	return "orders"
}

// CanTransitionTo 检查订单能否转换到目标状态
func (o *Order) CanTransitionTo(next OrderStatus) bool {
	return o.Status.CanTransitionTo(next)
}

// IsPayable 是否仍可接收支付
func (o *Order) IsPayable() bool {
	return o.Status == OrderStatusPendingPayment || o.Status == OrderStatusPaymentDetected
}
