package scheduler

import (
	"context"
	"time"

	"github.com/spacechat/backend-go/internal/config"
	"github.com/spacechat/backend-go/internal/models"
)

// SchedulingStateIdle 没有active轮次时对外投影的状态
const SchedulingStateIdle = "idle"

// Store 调度器的持久化契约
// WithConversationLock在事务内对conversation行加排它锁后执行fn，fn收到的Store
// 绑定到该事务。同一对话上的命令因此串行化，不同对话完全并行。
type Store interface {
	WithConversationLock(ctx context.Context, conversationID string, fn func(Store) error) error

	Conversation(ctx context.Context, id string) (*models.Conversation, error)
	UpdateConversation(ctx context.Context, id string, updates map[string]interface{}) error

	// ActiveRound 返回当前active轮次（含参与者快照），不存在时返回(nil, nil)
	ActiveRound(ctx context.Context, conversationID string) (*models.ConversationRound, error)
	CreateRound(ctx context.Context, round *models.ConversationRound) error
	UpdateRound(ctx context.Context, roundID string, updates map[string]interface{}) error
	MarkParticipantSpoken(ctx context.Context, roundID, speakerMembershipID string) error

	GetRun(ctx context.Context, runID string) (*models.Run, error)
	// QueuedRun / RunningRun 不存在时返回(nil, nil)；部分唯一索引保证各自至多一条
	QueuedRun(ctx context.Context, conversationID string) (*models.Run, error)
	RunningRun(ctx context.Context, conversationID string) (*models.Run, error)
	CreateRun(ctx context.Context, run *models.Run) error
	CancelQueuedRuns(ctx context.Context, conversationID, canceledBy string) error
	// RequestRunCancel 设置cancel_requested_at，协作式取消信号，由执行器轮询
	RequestRunCancel(ctx context.Context, runID string) error
}

// MembershipProvider 成员能力提供方（外部协作者，调度器只读）
type MembershipProvider interface {
	// Speaker 成员不存在时返回(nil, nil)
	Speaker(ctx context.Context, membershipID string) (*models.SpaceMembership, error)
	// ActiveSpeakers 对话所属Space的全部在册成员（含静音者，由队列构建过滤）
	ActiveSpeakers(ctx context.Context, conversationID string) ([]models.SpaceMembership, error)
	// ConsumeCopilotStep 扣减Copilot剩余步数，非Copilot成员为no-op
	ConsumeCopilotStep(ctx context.Context, membershipID string) error
	// DisableAutoMode 生成失败后关闭Copilot自动模式，防止失败循环
	DisableAutoMode(ctx context.Context, membershipID string) error
}

// MessageStore 消息日志（追加写入，调度器只做两种访问）
type MessageStore interface {
	GetMessage(ctx context.Context, id uint) (*models.Message, error)
	LatestVisibleMessageID(ctx context.Context, conversationID string) (uint, error)
	// FailPlaceholders 清理陈旧Run遗留的生成中占位消息
	FailPlaceholders(ctx context.Context, runID string) error
}

// JobEnqueuer 异步任务入队（必须支持延迟执行）
// conversationID随任务下发：消息以对话为分区键，同对话的claim才能保序。
type JobEnqueuer interface {
	Enqueue(ctx context.Context, conversationID, runID string, notBefore time.Time) error
	// KickNow 绕过延迟立即触发claim（Run Followups使用）
	KickNow(ctx context.Context, conversationID, runID string) error
	// EnqueueTurnTimeout 人类发言超时任务，到期触发SkipCurrentSpeaker
	EnqueueTurnTimeout(ctx context.Context, conversationID, speakerMembershipID, roundID string, notBefore time.Time) error
}

// Broadcaster 广播通知（fire-and-forget，调度器不依赖其返回值）
type Broadcaster interface {
	QueueUpdate(ctx context.Context, conversationID string, state RoundState)
	RunFailed(ctx context.Context, conversationID, runID string, runErr *models.RunError)
	RunCanceled(ctx context.Context, conversationID, runID, reason string)
	Typing(ctx context.Context, conversationID, speakerMembershipID string)
}

// RoundState 轮次状态的只读投影
type RoundState struct {
	SchedulingState  string   `json:"scheduling_state"`
	CurrentRoundID   string   `json:"current_round_id,omitempty"`
	CurrentSpeakerID string   `json:"current_speaker_id,omitempty"`
	RoundPosition    int      `json:"round_position"`
	RoundQueueIDs    []string `json:"round_queue_ids"`
	RoundSpokenIDs   []string `json:"round_spoken_ids"`
}

// IdleState 空闲投影
func IdleState() RoundState {
	return RoundState{
		SchedulingState: SchedulingStateIdle,
		RoundQueueIDs:   []string{},
		RoundSpokenIDs:  []string{},
	}
}

// ProjectRound 由轮次行构建状态投影
func ProjectRound(round *models.ConversationRound) RoundState {
	if round == nil {
		return IdleState()
	}
	state := RoundState{
		SchedulingState: round.SchedulingState,
		CurrentRoundID:  round.ID,
		RoundPosition:   round.CurrentPosition,
		RoundQueueIDs:   make([]string, 0, len(round.Participants)),
		RoundSpokenIDs:  []string{},
	}
	for i := range round.Participants {
		p := &round.Participants[i]
		state.RoundQueueIDs = append(state.RoundQueueIDs, p.SpeakerMembershipID)
		if p.Spoken {
			state.RoundSpokenIDs = append(state.RoundSpokenIDs, p.SpeakerMembershipID)
		}
	}
	state.CurrentSpeakerID = round.CurrentSpeakerID()
	return state
}

// Service 轮次调度器
// 所有命令在对话行锁内原子执行；与执行层的协调完全经由数据库，
// 不持有任何跨进程共享的内存状态。
type Service struct {
	store     Store
	members   MembershipProvider
	messages  MessageStore
	jobs      JobEnqueuer
	broadcast Broadcaster
	cfg       config.SchedulerConfig
	now       func() time.Time
}

// NewService 创建调度器实例
func NewService(store Store, members MembershipProvider, messages MessageStore, jobs JobEnqueuer, broadcast Broadcaster, cfg config.SchedulerConfig) *Service {
	return &Service{
		store:     store,
		members:   members,
		messages:  messages,
		jobs:      jobs,
		broadcast: broadcast,
		cfg:       cfg,
		now:       time.Now,
	}
}
