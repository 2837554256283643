package models

import (
	"time"
)

// 成员类型（封闭枚举，调度器的分支基于此做穷举判断）
const (
	SpeakerKindHuman       = "human"
	SpeakerKindAICharacter = "ai_character"
	SpeakerKindCopilot     = "copilot_human"
)

// Space 聊天空间表
type Space struct {
	ID         string    `gorm:"primaryKey;type:uuid;column:id" json:"id"`
	Name       string    `gorm:"size:200;not null" json:"name"`
	CreateTime time.Time `gorm:"column:create_time;not null" json:"create_time"`
	UpdateTime time.Time `gorm:"column:update_time" json:"update_time"`
}

func (Space) TableName() string {
	return "spaces"
}

// SpaceMembership 空间成员表
// 人类、AI角色或Copilot人类（由AI代为发言的人类）在Space中的成员记录。
// 调度器只读取这里的能力字段，变更由外部（静音、Copilot开关等）完成。
type SpaceMembership struct {
	ID               string    `gorm:"primaryKey;type:uuid;column:id" json:"id"`
	SpaceID          string    `gorm:"type:uuid;column:space_id;not null;index" json:"space_id"`
	Kind             string    `gorm:"size:20;not null" json:"kind"` // human/ai_character/copilot_human
	DisplayName      string    `gorm:"column:display_name;size:200" json:"display_name"`
	Muted            bool      `gorm:"default:false" json:"muted"`
	CopilotAuto      bool      `gorm:"column:copilot_auto;default:false" json:"copilot_auto"`
	CopilotStepsLeft int       `gorm:"column:copilot_steps_left;default:0" json:"copilot_steps_left"`
	Talkativeness    float64   `gorm:"column:talkativeness;default:0.5" json:"talkativeness"`
	Position         int       `gorm:"column:position;default:0" json:"position"`
	Active           bool      `gorm:"default:true" json:"active"`
	CreateTime       time.Time `gorm:"column:create_time;not null" json:"create_time"`
	UpdateTime       time.Time `gorm:"column:update_time" json:"update_time"`

	Space Space `gorm:"foreignKey:SpaceID"`
}

func (SpaceMembership) TableName() string {
	return "space_memberships"
}

// CanAutoRespond 是否可以自动生成回复（AI角色，或开启了完整Copilot的人类）
func (m *SpaceMembership) CanAutoRespond() bool {
	switch m.Kind {
	case SpeakerKindAICharacter:
		return true
	case SpeakerKindCopilot:
		return m.CopilotAuto
	default:
		return false
	}
}

// CanBeScheduled 是否可以被轮次调度器排入生成队列
// 比CanAutoRespond更宽：Copilot人类即使未开启自动模式也可被调度（手动确认发送）。
func (m *SpaceMembership) CanBeScheduled() bool {
	return m.Kind == SpeakerKindAICharacter || m.Kind == SpeakerKindCopilot
}

// ParticipationActive 是否参与轮次（未被静音且仍在Space中）
func (m *SpaceMembership) ParticipationActive() bool {
	return m.Active && !m.Muted
}
