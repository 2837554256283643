package repository

import (
	"context"
	"errors"
	"time"

	"github.com/spacechat/backend-go/internal/models"
	"github.com/spacechat/backend-go/internal/scheduler"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SchedulerStore scheduler.Store的gorm实现
// 命令的原子性来自WithConversationLock里的SELECT ... FOR UPDATE：同一对话的
// 命令串行，不同对话完全并行，没有任何全局锁。
type SchedulerStore struct {
	db *gorm.DB
}

// NewSchedulerStore 创建调度器存储
func NewSchedulerStore(db *gorm.DB) *SchedulerStore {
	return &SchedulerStore{db: db}
}

// WithConversationLock 在事务内锁定对话行后执行fn
// fn内的意外错误传播到这里导致整个事务回滚，命令前的状态得以保留。
func (s *SchedulerStore) WithConversationLock(ctx context.Context, conversationID string, fn func(scheduler.Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&conv, "id = ?", conversationID).Error; err != nil {
			return err
		}
		return fn(&SchedulerStore{db: tx})
	})
}

func (s *SchedulerStore) Conversation(ctx context.Context, id string) (*models.Conversation, error) {
	var conv models.Conversation
	if err := s.db.WithContext(ctx).First(&conv, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &conv, nil
}

func (s *SchedulerStore) UpdateConversation(ctx context.Context, id string, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).Updates(updates).Error
}

// ActiveRound 当前active轮次（含按position排序的参与者快照）
func (s *SchedulerStore) ActiveRound(ctx context.Context, conversationID string) (*models.ConversationRound, error) {
	var round models.ConversationRound
	err := s.db.WithContext(ctx).
		Preload("Participants", func(db *gorm.DB) *gorm.DB {
			return db.Order("position ASC")
		}).
		Where("conversation_id = ? AND status = ?", conversationID, models.RoundStatusActive).
		First(&round).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &round, nil
}

func (s *SchedulerStore) CreateRound(ctx context.Context, round *models.ConversationRound) error {
	return s.db.WithContext(ctx).Create(round).Error
}

func (s *SchedulerStore) UpdateRound(ctx context.Context, roundID string, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&models.ConversationRound{}).
		Where("id = ?", roundID).Updates(updates).Error
}

func (s *SchedulerStore) MarkParticipantSpoken(ctx context.Context, roundID, speakerMembershipID string) error {
	return s.db.WithContext(ctx).Model(&models.RoundParticipant{}).
		Where("round_id = ? AND speaker_membership_id = ?", roundID, speakerMembershipID).
		Update("spoken", true).Error
}

func (s *SchedulerStore) GetRun(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	err := s.db.WithContext(ctx).First(&run, "id = ?", runID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SchedulerStore) QueuedRun(ctx context.Context, conversationID string) (*models.Run, error) {
	return s.runByStatus(ctx, conversationID, models.RunStatusQueued)
}

func (s *SchedulerStore) RunningRun(ctx context.Context, conversationID string) (*models.Run, error) {
	return s.runByStatus(ctx, conversationID, models.RunStatusRunning)
}

func (s *SchedulerStore) runByStatus(ctx context.Context, conversationID, status string) (*models.Run, error) {
	var run models.Run
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", conversationID, status).
		First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SchedulerStore) CreateRun(ctx context.Context, run *models.Run) error {
	return s.db.WithContext(ctx).Create(run).Error
}

// CancelQueuedRuns 取消对话上的queued Run并记录取消方
func (s *SchedulerStore) CancelQueuedRuns(ctx context.Context, conversationID, canceledBy string) error {
	var queued []models.Run
	if err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", conversationID, models.RunStatusQueued).
		Find(&queued).Error; err != nil {
		return err
	}
	now := time.Now()
	for i := range queued {
		queued[i].SetDebug(models.DebugKeyCanceledBy, canceledBy)
		res := s.db.WithContext(ctx).Model(&models.Run{}).
			Where("id = ? AND status = ?", queued[i].ID, models.RunStatusQueued).
			Updates(map[string]interface{}{
				"status":      models.RunStatusCanceled,
				"debug":       queued[i].Debug,
				"finished_at": now,
				"updated_at":  now,
			})
		if res.Error != nil {
			return res.Error
		}
	}
	return nil
}

// RequestRunCancel 设置协作取消信号；已设置过则保持原值
func (s *SchedulerStore) RequestRunCancel(ctx context.Context, runID string) error {
	return s.db.WithContext(ctx).Model(&models.Run{}).
		Where("id = ? AND cancel_requested_at IS NULL", runID).
		Update("cancel_requested_at", time.Now()).Error
}

var _ scheduler.Store = (*SchedulerStore)(nil)
