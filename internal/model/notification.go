package model

// NotificationEvent 通知事件类型
type NotificationEvent string

const (
	NotificationPaymentConfirmed     NotificationEvent = "payment_confirmed"
	NotificationSubscriptionActive   NotificationEvent = "subscription_activated"
	NotificationSubscriptionExpiring NotificationEvent = "subscription_expiring"
	NotificationSubscriptionExpired  NotificationEvent = "subscription_expired"
	NotificationDisputeOpened        NotificationEvent = "dispute_opened"
	NotificationDisputeResolved      NotificationEvent = "dispute_resolved"
	NotificationRefundCompleted      NotificationEvent = "refund_completed"
	NotificationChannelPermission    NotificationEvent = "channel_permission_missing"
)

// NotificationStatus 通知状态
type NotificationStatus int8

const (
	NotificationStatusPending NotificationStatus = 0 // 待发送
	NotificationStatusSent    NotificationStatus = 1 // 已发送
	NotificationStatusFailed  NotificationStatus = 2 // 发送失败
)

func (s NotificationStatus) String() string {
	switch s {
	case NotificationStatusPending:
		return "PENDING"
	case NotificationStatusSent:
		return "SENT"
	case NotificationStatusFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Notification 通知记录
type Notification struct {
	ID             int64              `gorm:"primaryKey;autoIncrement" json:"id"`
	NotificationID string             `gorm:"column:notification_id;type:varchar(64);uniqueIndex;not null" json:"notification_id"`
	UserID         string             `gorm:"column:user_id;type:varchar(64);index;not null" json:"user_id"`
	Event          NotificationEvent  `gorm:"column:event;type:varchar(50);not null" json:"event"`
	Title          string             `gorm:"column:title;type:varchar(200);not null" json:"title"`
	Message        string             `gorm:"column:message;type:text;not null" json:"message"`
	Metadata       JSONMap            `gorm:"column:metadata;type:jsonb" json:"metadata"`
	Status         NotificationStatus `gorm:"column:status;type:smallint;index;not null;default:0" json:"status"`
	AttemptCount   int                `gorm:"column:attempt_count;type:int;not null;default:0" json:"attempt_count"`
	ErrorMessage   string             `gorm:"column:error_message;type:varchar(500)" json:"error_message"`
	SentAt         int64              `gorm:"column:sent_at;type:bigint" json:"sent_at"`
	CreatedAt      int64              `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt      int64              `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Notification) TableName() string {
	return "notifications"
}

// NotificationMessage 发往外部邮件服务的消息
type NotificationMessage struct {
	NotificationID string                 `json:"notification_id"`
	UserID         string                 `json:"user_id"`
	Event          NotificationEvent      `json:"event"`
	Title          string                 `json:"title"`
	Message        string                 `json:"message"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt      int64                  `json:"created_at"`
}
