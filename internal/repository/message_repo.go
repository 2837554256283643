package repository

import (
	"context"
	"errors"

	"github.com/spacechat/backend-go/internal/models"
	"github.com/spacechat/backend-go/internal/scheduler"
	"gorm.io/gorm"
)

// MessageRepo scheduler.MessageStore的gorm实现（追加日志的两种只读/清理访问）
type MessageRepo struct {
	db *gorm.DB
}

// NewMessageRepo 创建消息仓库
func NewMessageRepo(db *gorm.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

func (r *MessageRepo) GetMessage(ctx context.Context, id uint) (*models.Message, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).First(&msg, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// LatestVisibleMessageID 最新可见消息ID，无消息时返回0
func (r *MessageRepo) LatestVisibleMessageID(ctx context.Context, conversationID string) (uint, error) {
	var msg models.Message
	err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", conversationID, models.MessageStatusVisible).
		Order("id DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return msg.ID, nil
}

// FailPlaceholders 把陈旧Run遗留的生成中占位消息标记为失败
func (r *MessageRepo) FailPlaceholders(ctx context.Context, runID string) error {
	return r.db.WithContext(ctx).Model(&models.Message{}).
		Where("run_id = ? AND status = ?", runID, models.MessageStatusGenerating).
		Update("status", models.MessageStatusFailed).Error
}

var _ scheduler.MessageStore = (*MessageRepo)(nil)
