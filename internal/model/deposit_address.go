package model

import "strings"

// DepositAddress 订单收款地址映射，创建后不可变
type DepositAddress struct {
	ID             int64    `gorm:"primaryKey;autoIncrement" json:"id"`
	OrderID        string   `gorm:"column:order_id;type:varchar(64);uniqueIndex;not null" json:"order_id"`
	Address        string   `gorm:"column:address;type:varchar(64);not null" json:"address"`
	AddressKey     string   `gorm:"column:address_key;type:varchar(64);uniqueIndex;not null" json:"-"` // 小写地址，用于大小写无关查找
	Currency       Currency `gorm:"column:currency;type:varchar(20);not null" json:"currency"`
	Network        string   `gorm:"column:network;type:varchar(20);not null" json:"network"`
	DerivationPath string   `gorm:"column:derivation_path;type:varchar(64);not null" json:"derivation_path"`
	CreatedAt      int64    `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
}

// TableName 返回表名
func (DepositAddress) TableName() string {
	return "deposit_addresses"
}

// AddressKey 地址查找键
func AddressKey(address string) string {
	return strings.ToLower(strings.TrimSpace(address))
}
