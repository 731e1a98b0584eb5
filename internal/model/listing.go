package model

import "github.com/shopspring/decimal"

// ListingStatus 商品状态
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusInactive ListingStatus = "inactive"
)

// Listing 频道商品 (商品目录的只读镜像)
type Listing struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ListingID    string          `gorm:"column:listing_id;type:varchar(64);uniqueIndex;not null" json:"listing_id"`
	MerchantID   string          `gorm:"column:merchant_id;type:varchar(64);index;not null" json:"merchant_id"`
	Title        string          `gorm:"column:title;type:varchar(200)" json:"title"`
	Price        decimal.Decimal `gorm:"column:price;type:decimal(36,18);not null" json:"price"`
	Currency     Currency        `gorm:"column:currency;type:varchar(20);not null" json:"currency"`
	DurationDays int             `gorm:"column:duration_days;type:int;not null" json:"duration_days"`
	ChannelID    string          `gorm:"column:channel_id;type:varchar(64);not null" json:"channel_id"`
	Status       ListingStatus   `gorm:"column:status;type:varchar(20);not null" json:"status"`
	UpdatedAt    int64           `gorm:"column:updated_at;type:bigint" json:"updated_at"`
}

// TableName 返回表名
func (Listing) TableName() string {
	return "listings"
}

// IsActive 是否在售
func (l *Listing) IsActive() bool {
	return l.Status == ListingStatusActive
}

// Buyer 买家身份 (只读)
type Buyer struct {
	ID             int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	BuyerID        string `gorm:"column:buyer_id;type:varchar(64);uniqueIndex;not null" json:"buyer_id"`
	TelegramUserID string `gorm:"column:telegram_user_id;type:varchar(64);not null" json:"telegram_user_id"`
	Email          string `gorm:"column:email;type:varchar(255)" json:"email"`
}

// TableName 返回表名
func (Buyer) TableName() string {
	return "buyers"
}
