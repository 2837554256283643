package scheduler

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spacechat/backend-go/internal/models"
)

// ForceTalk 指定发言者的带外生成请求
// 创建无轮次关联的独立Run：claim与执行照常，但消息落库后不会推进轮次。
// 为维持至多一个queued的约束，先取消已排队的Run。
func (s *Service) ForceTalk(ctx context.Context, conversationID, speakerMembershipID string) (*models.Run, error) {
	var run *models.Run
	err := s.store.WithConversationLock(ctx, conversationID, func(tx Store) error {
		sp, err := s.members.Speaker(ctx, speakerMembershipID)
		if err != nil {
			return err
		}
		if sp == nil || !sp.CanBeScheduled() {
			return nil
		}
		if err := tx.CancelQueuedRuns(ctx, conversationID, "force_talk"); err != nil {
			return err
		}
		now := s.now()
		run = &models.Run{
			ID:                  uuid.NewString(),
			ConversationID:      conversationID,
			SpeakerMembershipID: speakerMembershipID,
			Kind:                models.RunKindForceTalk,
			Status:              models.RunStatusQueued,
			RunAfter:            &now,
			CreatedAt:           now,
		}
		run.SetDebug(models.DebugKeyScheduledBy, "force_talk")
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}
		return s.jobs.Enqueue(ctx, run.ConversationID, run.ID, now)
	})
	return run, err
}

// Regenerate 重新生成某条消息
// 同样是独立Run；记录expected_last_message_id，claim时若对话已前进则直接丢弃。
func (s *Service) Regenerate(ctx context.Context, conversationID, speakerMembershipID string, expectedLastMessageID uint) (*models.Run, error) {
	var run *models.Run
	err := s.store.WithConversationLock(ctx, conversationID, func(tx Store) error {
		sp, err := s.members.Speaker(ctx, speakerMembershipID)
		if err != nil {
			return err
		}
		if sp == nil || !sp.CanBeScheduled() {
			return nil
		}
		if err := tx.CancelQueuedRuns(ctx, conversationID, "regenerate"); err != nil {
			return err
		}
		now := s.now()
		run = &models.Run{
			ID:                  uuid.NewString(),
			ConversationID:      conversationID,
			SpeakerMembershipID: speakerMembershipID,
			Kind:                models.RunKindRegenerate,
			Status:              models.RunStatusQueued,
			RunAfter:            &now,
			CreatedAt:           now,
		}
		run.SetDebug(models.DebugKeyScheduledBy, "regenerate")
		run.SetDebug(models.DebugKeyExpectedLastMessageID, fmt.Sprint(expectedLastMessageID))
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}
		return s.jobs.Enqueue(ctx, run.ConversationID, run.ID, now)
	})
	return run, err
}
