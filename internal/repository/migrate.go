package repository

import (
	"gorm.io/gorm"

	"github.com/chanpass/fulfillment/internal/model"
)

// Models 需要建表的全部模型
func Models() []interface{} {
	return []interface{}{
		&model.Order{},
		&model.DepositAddress{},
		&model.PaymentTransaction{},
		&model.Subscription{},
		&model.Dispute{},
		&model.RefundTransaction{},
		&model.EscrowRelease{},
		&model.Notification{},
		&model.Listing{},
		&model.Buyer{},
		&model.DeadLetter{},
		&model.JobExecution{},
	}
}

// AutoMigrate 自动建表
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}
