package models

import (
	"encoding/json"
	"time"
)

// RunKind 生成任务类型
type RunKind string

const (
	RunKindAutoResponse    RunKind = "auto_response"
	RunKindCopilotResponse RunKind = "copilot_response"
	RunKindHumanTurn       RunKind = "human_turn"
	RunKindForceTalk       RunKind = "force_talk"
	RunKindRegenerate      RunKind = "regenerate"
	RunKindUserTurn        RunKind = "user_turn"
)

// TriggersFollowup 该类型的Run结束后是否触发后续调度
// 只有regenerate是独立的用户操作，结束后不通知调度器也不踢队列。
func (k RunKind) TriggersFollowup() bool {
	return k != RunKindRegenerate
}

// Run状态
const (
	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusSucceeded = "succeeded"
	RunStatusFailed    = "failed"
	RunStatusCanceled  = "canceled"
	RunStatusSkipped   = "skipped"
)

// debug字段里的约定键
const (
	DebugKeyScheduledBy           = "scheduled_by"
	DebugKeyCanceledBy            = "canceled_by"
	DebugKeyExpectedLastMessageID = "expected_last_message_id"
	DebugKeyKickedBy              = "kicked_by"

	ScheduledByTurnScheduler = "turn_scheduler"
)

// RunError Run失败时的结构化错误（存入runs.error JSONB）
type RunError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Run 生成任务表（某个发言者的一次生成尝试）
// ConversationRoundID为空表示独立Run（force_talk/regenerate），不得改变轮次状态。
// 数据库部分唯一索引保证：每个对话至多一个running、至多一个queued。
type Run struct {
	ID                  string     `gorm:"primaryKey;type:uuid;column:id" json:"id"`
	ConversationID      string     `gorm:"type:uuid;column:conversation_id;not null;index" json:"conversation_id"`
	ConversationRoundID *string    `gorm:"type:uuid;column:conversation_round_id" json:"conversation_round_id"`
	SpeakerMembershipID string     `gorm:"type:uuid;column:speaker_membership_id;not null" json:"speaker_membership_id"`
	Kind                RunKind    `gorm:"size:30;not null" json:"kind"`
	Status              string     `gorm:"size:20;not null;default:'queued';index" json:"status"`
	Reason              string     `gorm:"size:200" json:"reason"`
	RunAfter            *time.Time `gorm:"column:run_after" json:"run_after"`
	StartedAt           *time.Time `gorm:"column:started_at" json:"started_at"`
	FinishedAt          *time.Time `gorm:"column:finished_at" json:"finished_at"`
	HeartbeatAt         *time.Time `gorm:"column:heartbeat_at" json:"heartbeat_at"`
	CancelRequestedAt   *time.Time `gorm:"column:cancel_requested_at" json:"cancel_requested_at"`
	Error               string     `gorm:"type:jsonb;column:error" json:"error"`
	Debug               string     `gorm:"type:jsonb;column:debug" json:"debug"`
	CreatedAt           time.Time  `gorm:"column:created_at;not null" json:"created_at"`
	UpdatedAt           time.Time  `gorm:"column:updated_at" json:"updated_at"`

	Conversation Conversation `gorm:"foreignKey:ConversationID"`
}

func (Run) TableName() string {
	return "runs"
}

// IsTerminal 是否已到达终态
func (r *Run) IsTerminal() bool {
	switch r.Status {
	case RunStatusSucceeded, RunStatusFailed, RunStatusCanceled, RunStatusSkipped:
		return true
	}
	return false
}

// ReadyToRun 是否已到可执行时间
func (r *Run) ReadyToRun(now time.Time) bool {
	if r.Status != RunStatusQueued {
		return false
	}
	return r.RunAfter == nil || !r.RunAfter.After(now)
}

// ScheduledByTurnScheduler 该Run是否由轮次调度器创建
func (r *Run) IsScheduledByTurnScheduler() bool {
	return r.DebugValue(DebugKeyScheduledBy) == ScheduledByTurnScheduler
}

// DebugMap 解析debug JSON，空或非法时返回空map
func (r *Run) DebugMap() map[string]interface{} {
	m := map[string]interface{}{}
	if r.Debug != "" {
		_ = json.Unmarshal([]byte(r.Debug), &m)
	}
	return m
}

// DebugValue 读取debug里的字符串值
func (r *Run) DebugValue(key string) string {
	v, _ := r.DebugMap()[key].(string)
	return v
}

// SetDebug 写入debug键值并重新序列化
func (r *Run) SetDebug(key string, value interface{}) {
	m := r.DebugMap()
	m[key] = value
	data, _ := json.Marshal(m)
	r.Debug = string(data)
}

// SetError 写入结构化错误
func (r *Run) SetError(code, message string, ctx map[string]interface{}) {
	data, _ := json.Marshal(RunError{Code: code, Message: message, Context: ctx})
	r.Error = string(data)
}

// ErrorInfo 解析结构化错误，无错误时返回nil
func (r *Run) ErrorInfo() *RunError {
	if r.Error == "" {
		return nil
	}
	var e RunError
	if err := json.Unmarshal([]byte(r.Error), &e); err != nil {
		return nil
	}
	return &e
}
