package models

import (
	"time"
)

// 轮次状态
const (
	RoundStatusActive   = "active"
	RoundStatusFinished = "finished"
	RoundStatusCanceled = "canceled"
)

// 调度状态（仅在status=active时有意义；没有active轮次即为idle）
const (
	SchedulingStateAIGenerating = "ai_generating"
	SchedulingStateHumanWaiting = "human_waiting"
	SchedulingStatePaused       = "paused"
	SchedulingStateFailed       = "failed"
)

// ConversationRound 轮次表（一个调度纪元：冻结的发言者队列 + 位置游标）
// 每个对话同一时刻至多一个active轮次，由部分唯一索引在数据库层保证。
// 队列在轮次开始后不可变，中途的成员变更只影响下一轮次。
type ConversationRound struct {
	ID              string     `gorm:"primaryKey;type:uuid;column:id" json:"id"`
	ConversationID  string     `gorm:"type:uuid;column:conversation_id;not null;index" json:"conversation_id"`
	Status          string     `gorm:"size:20;not null;default:'active'" json:"status"`
	SchedulingState string     `gorm:"column:scheduling_state;size:20;not null" json:"scheduling_state"`
	CurrentPosition int        `gorm:"column:current_position;default:0;not null" json:"current_position"`
	EndedReason     string     `gorm:"column:ended_reason;size:100" json:"ended_reason"`
	CreatedAt       time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	FinishedAt      *time.Time `gorm:"column:finished_at" json:"finished_at"`

	Conversation Conversation       `gorm:"foreignKey:ConversationID"`
	Participants []RoundParticipant `gorm:"foreignKey:RoundID" json:"participants,omitempty"`
}

func (ConversationRound) TableName() string {
	return "conversation_rounds"
}

// RoundParticipant 轮次参与者表（轮次开始时的队列快照，按position排序）
type RoundParticipant struct {
	ID                  uint   `gorm:"primaryKey;column:id" json:"id"`
	RoundID             string `gorm:"type:uuid;column:round_id;not null;index" json:"round_id"`
	SpeakerMembershipID string `gorm:"type:uuid;column:speaker_membership_id;not null" json:"speaker_membership_id"`
	Position            int    `gorm:"column:position;not null" json:"position"`
	Spoken              bool   `gorm:"default:false;not null" json:"spoken"`
}

func (RoundParticipant) TableName() string {
	return "round_participants"
}

// CurrentSpeakerID 返回当前位置的发言者成员ID，越界返回空串
func (r *ConversationRound) CurrentSpeakerID() string {
	for i := range r.Participants {
		if r.Participants[i].Position == r.CurrentPosition {
			return r.Participants[i].SpeakerMembershipID
		}
	}
	return ""
}

// QueueExhausted 位置游标是否已越过队列末尾
func (r *ConversationRound) QueueExhausted() bool {
	return r.CurrentPosition >= len(r.Participants)
}
