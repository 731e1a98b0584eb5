package model

// MaxIssueLength 争议描述最大长度 (字符)
const MaxIssueLength = 2000

// DisputeStatus 争议状态
type DisputeStatus int8

const (
	DisputeStatusOpen       DisputeStatus = 0 // 待处理
	DisputeStatusInProgress DisputeStatus = 1 // 处理中
	DisputeStatusResolved   DisputeStatus = 2 // 已裁决
	DisputeStatusClosed     DisputeStatus = 3 // 已关闭
)

func (s DisputeStatus) String() string {
	switch s {
	case DisputeStatusOpen:
		return "OPEN"
	case DisputeStatusInProgress:
		return "IN_PROGRESS"
	case DisputeStatusResolved:
		return "RESOLVED"
	case DisputeStatusClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s DisputeStatus) IsTerminal() bool {
	return s == DisputeStatusResolved || s == DisputeStatusClosed
}

// OpenDisputeStatuses 未结束的争议状态
var OpenDisputeStatuses = []DisputeStatus{DisputeStatusOpen, DisputeStatusInProgress}

// Dispute 争议
type Dispute struct {
	ID             int64         `gorm:"primaryKey;autoIncrement" json:"id"`
	DisputeID      string        `gorm:"column:dispute_id;type:varchar(64);uniqueIndex;not null" json:"dispute_id"`
	BuyerID        string        `gorm:"column:buyer_id;type:varchar(64);index;not null" json:"buyer_id"`
	OrderID        string        `gorm:"column:order_id;type:varchar(64);index;not null" json:"order_id"`
	SubscriptionID string        `gorm:"column:subscription_id;type:varchar(64);not null" json:"subscription_id"`
	Issue          string        `gorm:"column:issue;type:varchar(2000);not null" json:"issue"`
	Status         DisputeStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	Resolution     string        `gorm:"column:resolution;type:text" json:"resolution"`
	ResolvedBy     string        `gorm:"column:resolved_by;type:varchar(64)" json:"resolved_by"`
	RefundApproved bool          `gorm:"column:refund_approved;not null;default:false" json:"refund_approved"`
	ResolvedAt     int64         `gorm:"column:resolved_at;type:bigint" json:"resolved_at"`
	CreatedAt      int64         `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt      int64         `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Dispute) TableName() string {
	return "disputes"
}
