package model

import "github.com/shopspring/decimal"

// PaymentTransaction 部分支付流水，(order_id, tx_hash) 唯一
type PaymentTransaction struct {
	ID            int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID       string          `gorm:"column:order_id;type:varchar(64);uniqueIndex:uk_payment_order_tx;not null" json:"order_id"`
	TxHash        string          `gorm:"column:tx_hash;type:varchar(128);uniqueIndex:uk_payment_order_tx;not null" json:"tx_hash"`
	Amount        decimal.Decimal `gorm:"column:amount;type:decimal(36,18);not null" json:"amount"`
	Confirmations int             `gorm:"column:confirmations;type:int;not null;default:0" json:"confirmations"`
	CreatedAt     int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt     int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (PaymentTransaction) TableName() string {
	return "payment_transactions"
}

// ObservedTransaction 链上观察到的转账
type ObservedTransaction struct {
	TxHash        string
	To            string
	Amount        decimal.Decimal
	Confirmations int
	Currency      Currency
}

// VerificationResult 支付校验结果
type VerificationResult struct {
	AddressMatch            bool `json:"address_match"`
	AmountMatch             bool `json:"amount_match"`
	SufficientConfirmations bool `json:"sufficient_confirmations"`
	IsValid                 bool `json:"is_valid"`
}

// PaymentObservedEvent 链上观察事件 (来自 chain watcher 的 Kafka 消息)
// order_id 与 address 至少提供一个
type PaymentObservedEvent struct {
	OrderID       string          `json:"order_id,omitempty"`
	Address       string          `json:"address,omitempty"`
	TxHash        string          `json:"tx_hash"`
	Amount        decimal.Decimal `json:"amount"`
	Confirmations int             `json:"confirmations"`
	Currency      Currency        `json:"currency"`
	ObservedAt    int64           `json:"observed_at"`
}
