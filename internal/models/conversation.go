package models

import (
	"time"
)

// 回复策略
const (
	ReplyPolicyAuto   = "auto"   // 有消息时自动开启新轮次
	ReplyPolicyManual = "manual" // 仅手动触发调度
	ReplyPolicyList   = "list"   // 按成员列表顺序自动调度
)

// Conversation 对话表（Space内的一个聊天会话，轮次调度的聚合根）
type Conversation struct {
	ID             string    `gorm:"primaryKey;type:uuid;column:id" json:"id"`
	SpaceID        string    `gorm:"type:uuid;column:space_id;not null;index" json:"space_id"`
	Title          string    `gorm:"size:200" json:"title"`
	ReplyPolicy    string    `gorm:"column:reply_policy;size:20;default:'auto'" json:"reply_policy"`
	TurnsCount     int       `gorm:"column:turns_count;default:0;not null" json:"turns_count"`
	AutoMode       bool      `gorm:"column:auto_mode;default:false" json:"auto_mode"`
	AutoRoundsLeft int       `gorm:"column:auto_rounds_left;default:0" json:"auto_rounds_left"`
	CreateTime     time.Time `gorm:"column:create_time;not null" json:"create_time"`
	UpdateTime     time.Time `gorm:"column:update_time" json:"update_time"`

	Space Space `gorm:"foreignKey:SpaceID"`
}

func (Conversation) TableName() string {
	return "conversations"
}

// 消息状态
const (
	MessageStatusVisible    = "visible"
	MessageStatusGenerating = "generating" // 生成中的占位消息
	MessageStatusFailed     = "failed"
)

// Message 消息表（追加写入，调度器只查询最新可见消息ID并在清理陈旧Run时标记占位消息失败）
type Message struct {
	ID                 uint      `gorm:"primaryKey;column:id" json:"id"`
	ConversationID     string    `gorm:"type:uuid;column:conversation_id;not null;index" json:"conversation_id"`
	AuthorMembershipID string    `gorm:"type:uuid;column:author_membership_id;not null" json:"author_membership_id"`
	RunID              *string   `gorm:"type:uuid;column:run_id;index" json:"run_id"`
	Role               string    `gorm:"size:20;not null" json:"role"`
	Content            string    `gorm:"type:text;not null" json:"content"`
	Status             string    `gorm:"size:20;default:'visible';not null;index" json:"status"`
	CreatedAt          time.Time `gorm:"column:created_at;not null;index" json:"created_at"`
	UpdatedAt          time.Time `gorm:"column:updated_at" json:"updated_at"`

	Conversation Conversation `gorm:"foreignKey:ConversationID"`
}

func (Message) TableName() string {
	return "messages"
}
