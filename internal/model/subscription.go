package model

import "time"

const (
	// RenewalWindow 到期前后多长时间内允许续费
	RenewalWindow = 7 * 24 * time.Hour
	// DisputeWindow 订阅结束后多长时间内允许发起争议
	DisputeWindow = 7 * 24 * time.Hour
)

// SubscriptionStatus 订阅状态
type SubscriptionStatus int8

const (
	SubscriptionStatusPendingActivation SubscriptionStatus = 0 // 待开通 (等待频道邀请完成)
	SubscriptionStatusActive            SubscriptionStatus = 1 // 生效中
	SubscriptionStatusExpired           SubscriptionStatus = 2 // 已到期
	SubscriptionStatusRefunded          SubscriptionStatus = 3 // 已退款
	SubscriptionStatusCancelled         SubscriptionStatus = 4 // 已取消
)

func (s SubscriptionStatus) String() string {
	switch s {
	case SubscriptionStatusPendingActivation:
		return "PENDING_ACTIVATION"
	case SubscriptionStatusActive:
		return "ACTIVE"
	case SubscriptionStatusExpired:
		return "EXPIRED"
	case SubscriptionStatusRefunded:
		return "REFUNDED"
	case SubscriptionStatusCancelled:
		return "CANCELLED"
	default:
		return "UNKNOWN"
	}
}

var subscriptionTransitions = map[SubscriptionStatus][]SubscriptionStatus{
	SubscriptionStatusPendingActivation: {SubscriptionStatusActive, SubscriptionStatusRefunded, SubscriptionStatusCancelled},
	SubscriptionStatusActive:            {SubscriptionStatusExpired, SubscriptionStatusRefunded, SubscriptionStatusCancelled},
	// 争议窗口内已结束的订阅仍可退款
	SubscriptionStatusExpired:   {SubscriptionStatusRefunded},
	SubscriptionStatusCancelled: {SubscriptionStatusRefunded},
}

// CanTransitionTo 检查状态转换是否合法
func (s SubscriptionStatus) CanTransitionTo(next SubscriptionStatus) bool {
	for _, allowed := range subscriptionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SubscriptionStatusesFrom 可转换到 target 的所有前置状态
func SubscriptionStatusesFrom(target SubscriptionStatus) []SubscriptionStatus {
	var from []SubscriptionStatus
	for s, nexts := range subscriptionTransitions {
		for _, n := range nexts {
			if n == target {
				from = append(from, s)
			}
		}
	}
	return from
}

// Subscription 频道订阅
type Subscription struct {
	ID             int64              `gorm:"primaryKey;autoIncrement" json:"id"`
	SubscriptionID string             `gorm:"column:subscription_id;type:varchar(64);uniqueIndex;not null" json:"subscription_id"`
	BuyerID        string             `gorm:"column:buyer_id;type:varchar(64);index;not null" json:"buyer_id"`
	ListingID      string             `gorm:"column:listing_id;type:varchar(64);not null" json:"listing_id"`
	OrderID        string             `gorm:"column:order_id;type:varchar(64);uniqueIndex;not null" json:"order_id"`
	ChannelID      string             `gorm:"column:channel_id;type:varchar(64);index;not null" json:"channel_id"`
	MemberID       string             `gorm:"column:member_id;type:varchar(64);not null" json:"member_id"` // 买家在消息平台的用户标识
	Status         SubscriptionStatus `gorm:"column:status;type:smallint;index:idx_subscriptions_status_expires;not null;default:0" json:"status"`
	DurationDays   int                `gorm:"column:duration_days;type:int;not null" json:"duration_days"`
	StartAt        int64              `gorm:"column:start_at;type:bigint;not null" json:"start_at"`
	ExpiresAt      int64              `gorm:"column:expires_at;type:bigint;index:idx_subscriptions_status_expires;not null" json:"expires_at"`
	ActivatedAt    int64              `gorm:"column:activated_at;type:bigint" json:"activated_at"`
	EndedAt        int64              `gorm:"column:ended_at;type:bigint" json:"ended_at"` // 进入 EXPIRED/CANCELLED/REFUNDED 的时间
	ReminderSentAt int64              `gorm:"column:reminder_sent_at;type:bigint" json:"reminder_sent_at"`
	CreatedAt      int64              `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt      int64              `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Subscription) TableName() string {
	return "subscriptions"
}

// EndedAtOrExpiry 结束时间，未记录时退回到期时间
func (s *Subscription) EndedAtOrExpiry() int64 {
	if s.EndedAt > 0 {
		return s.EndedAt
	}
	return s.ExpiresAt
}

// IsEligibleForRenewal 续费资格：ACTIVE/EXPIRED 且到期时间距 now 不超过 7 天
func (s *Subscription) IsEligibleForRenewal(now time.Time) bool {
	if s.Status != SubscriptionStatusActive && s.Status != SubscriptionStatusExpired {
		return false
	}
	diff := time.UnixMilli(s.ExpiresAt).Sub(now)
	if diff < 0 {
		diff = -diff
	}
	return diff <= RenewalWindow
}

// AcceptsDispute 是否允许发起争议：ACTIVE，或 EXPIRED/CANCELLED 后 7 天内
func (s *Subscription) AcceptsDispute(now time.Time) bool {
	switch s.Status {
	case SubscriptionStatusActive:
		return true
	case SubscriptionStatusExpired, SubscriptionStatusCancelled:
		return now.Sub(time.UnixMilli(s.EndedAtOrExpiry())) <= DisputeWindow
	default:
		return false
	}
}
