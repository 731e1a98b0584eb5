package model

// ChannelAction 频道操作类型
type ChannelAction string

const (
	ChannelActionAdd    ChannelAction = "add"
	ChannelActionRemove ChannelAction = "remove"
)

// ChannelOp 频道准入队列消息
type ChannelOp struct {
	Action         ChannelAction `json:"action"`
	UserID         string        `json:"user_id"`
	ChannelID      string        `json:"channel_id"`
	SubscriptionID string        `json:"subscription_id"`
	Reason         string        `json:"reason,omitempty"`
}

// Valid 必填字段是否齐全
func (op *ChannelOp) Valid() bool {
	if op.UserID == "" || op.ChannelID == "" {
		return false
	}
	return op.Action == ChannelActionAdd || op.Action == ChannelActionRemove
}

// RefundOp 退款队列消息
type RefundOp struct {
	RefundID string `json:"refund_id"`
	OrderID  string `json:"order_id"`
}

// NotificationOp 通知队列消息
type NotificationOp struct {
	NotificationID string            `json:"notification_id"`
	UserID         string            `json:"user_id"`
	Event          NotificationEvent `json:"event"`
}

// ChannelPermissions 机器人在频道内的管理权限
type ChannelPermissions struct {
	ChannelID string `json:"channel_id"`
	IsAdmin   bool   `json:"is_admin"`
	CanInvite bool   `json:"can_invite"`
	CanBan    bool   `json:"can_ban"`
}

// Sufficient 是否具备发放和回收准入所需的全部权限
func (p *ChannelPermissions) Sufficient() bool {
	return p.IsAdmin && p.CanInvite && p.CanBan
}

// Missing 缺失的权限名
func (p *ChannelPermissions) Missing() []string {
	var missing []string
	if !p.IsAdmin {
		missing = append(missing, "administrator")
	}
	if !p.CanInvite {
		missing = append(missing, "can_invite_users")
	}
	if !p.CanBan {
		missing = append(missing, "can_restrict_members")
	}
	return missing
}
