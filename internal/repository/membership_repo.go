package repository

import (
	"context"
	"errors"

	"github.com/spacechat/backend-go/internal/models"
	"github.com/spacechat/backend-go/internal/scheduler"
	"gorm.io/gorm"
)

// MembershipRepo scheduler.MembershipProvider的gorm实现
// 资格信息从不缓存：调度与claim各自在需要时重读，外部的静音/移除操作
// 因此能在claim时被捕捉到。
type MembershipRepo struct {
	db *gorm.DB
}

// NewMembershipRepo 创建成员仓库
func NewMembershipRepo(db *gorm.DB) *MembershipRepo {
	return &MembershipRepo{db: db}
}

func (r *MembershipRepo) Speaker(ctx context.Context, membershipID string) (*models.SpaceMembership, error) {
	var m models.SpaceMembership
	err := r.db.WithContext(ctx).First(&m, "id = ?", membershipID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// ActiveSpeakers 对话所属Space的全部在册成员
func (r *MembershipRepo) ActiveSpeakers(ctx context.Context, conversationID string) ([]models.SpaceMembership, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).First(&conv, "id = ?", conversationID).Error; err != nil {
		return nil, err
	}
	var memberships []models.SpaceMembership
	err := r.db.WithContext(ctx).
		Where("space_id = ? AND active = ?", conv.SpaceID, true).
		Order("position ASC").
		Find(&memberships).Error
	return memberships, err
}

// ConsumeCopilotStep 扣减Copilot剩余步数；步数耗尽时顺带关闭自动模式
func (r *MembershipRepo) ConsumeCopilotStep(ctx context.Context, membershipID string) error {
	var m models.SpaceMembership
	err := r.db.WithContext(ctx).First(&m, "id = ?", membershipID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if m.Kind != models.SpeakerKindCopilot || !m.CopilotAuto {
		return nil
	}
	updates := map[string]interface{}{}
	if m.CopilotStepsLeft > 0 {
		m.CopilotStepsLeft--
		updates["copilot_steps_left"] = m.CopilotStepsLeft
		if m.CopilotStepsLeft == 0 {
			updates["copilot_auto"] = false
		}
	}
	if len(updates) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Model(&models.SpaceMembership{}).
		Where("id = ?", membershipID).Updates(updates).Error
}

func (r *MembershipRepo) DisableAutoMode(ctx context.Context, membershipID string) error {
	return r.db.WithContext(ctx).Model(&models.SpaceMembership{}).
		Where("id = ?", membershipID).
		Update("copilot_auto", false).Error
}

var _ scheduler.MembershipProvider = (*MembershipRepo)(nil)
