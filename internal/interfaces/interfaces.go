package interfaces

import (
	"context"

	"github.com/spacechat/backend-go/internal/models"
	"github.com/spacechat/backend-go/internal/scheduler"
	"gorm.io/gorm"
)

// DatabaseInterface 数据库接口
type DatabaseInterface interface {
	GetDB() *gorm.DB
	Close() error
	HealthCheck() error
}

// TurnSchedulerInterface 轮次调度器命令与查询面
// controllers依赖此接口而非具体Service，便于单测mock。
type TurnSchedulerInterface interface {
	StartRound(ctx context.Context, conversationID string, isUserInput bool) (bool, error)
	AdvanceTurn(ctx context.Context, conversationID, speakerMembershipID string, messageID *uint) (bool, error)
	ScheduleSpeaker(ctx context.Context, conversationID, speakerMembershipID string) (*models.Run, error)
	SkipCurrentSpeaker(ctx context.Context, conversationID, speakerMembershipID, reason, expectedRoundID string, cancelRunning bool) (bool, error)
	PauseRound(ctx context.Context, conversationID, reason string) (bool, error)
	RetryCurrentSpeaker(ctx context.Context, conversationID, speakerMembershipID, expectedRoundID, reason string) (bool, error)
	StopRound(ctx context.Context, conversationID string) error
	ForceTalk(ctx context.Context, conversationID, speakerMembershipID string) (*models.Run, error)
	Regenerate(ctx context.Context, conversationID, speakerMembershipID string, expectedLastMessageID uint) (*models.Run, error)

	State(ctx context.Context, conversationID string) (scheduler.RoundState, error)
	NextSpeaker(ctx context.Context, conversationID, previousSpeakerID string, allowSelf bool) (*models.SpaceMembership, error)
	QueuePreview(ctx context.Context, conversationID string, limit int) ([]models.SpaceMembership, error)
}
