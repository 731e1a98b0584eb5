package model

// DeadLetter 无法自动处理的入站事件，等待人工对账
type DeadLetter struct {
	ID         int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	Source     string `gorm:"column:source;type:varchar(100);index;not null" json:"source"`
	MessageKey string `gorm:"column:message_key;type:varchar(128)" json:"message_key"`
	Payload    string `gorm:"column:payload;type:text;not null" json:"payload"`
	ErrorCode  string `gorm:"column:error_code;type:varchar(64)" json:"error_code"`
	Error      string `gorm:"column:error;type:text" json:"error"`
	Attempts   int    `gorm:"column:attempts;type:int;not null;default:0" json:"attempts"`
	CreatedAt  int64  `gorm:"column:created_at;type:bigint;index;not null" json:"created_at"`
}

// TableName 返回表名
func (DeadLetter) TableName() string {
	return "dead_letters"
}
