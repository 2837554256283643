package runner

import (
	"context"
	"errors"

	"github.com/spacechat/backend-go/internal/logger"
	"github.com/spacechat/backend-go/internal/models"
	"github.com/spacechat/backend-go/internal/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Followups Run终态后的补踢逻辑
// ScheduleSpeaker在另一个Run还在running时只入了延迟队列，真正的claim可能
// 一直失败；前一个Run结束后在这里强制补踢，闭合这个空窗。
type Followups struct {
	db   *gorm.DB
	jobs scheduler.JobEnqueuer
}

// NewFollowups 创建followups处理器
func NewFollowups(db *gorm.DB, jobs scheduler.JobEnqueuer) *Followups {
	return &Followups{db: db, jobs: jobs}
}

// RunFinished Run到达终态后调用
// failed不自动推进：失败广播由终态化路径负责，这里直接停下，等待人工
// Retry/Stop/Skip。其余终态检查是否还有queued Run并立即补踢。
// regenerate从不触发。
func (f *Followups) RunFinished(ctx context.Context, run *models.Run) error {
	if run == nil || !run.Kind.TriggersFollowup() {
		return nil
	}

	if run.Status == models.RunStatusFailed {
		return nil
	}

	var queued models.Run
	err := f.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", run.ConversationID, models.RunStatusQueued).
		First(&queued).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	queued.SetDebug(models.DebugKeyKickedBy, "run_followups")
	if err := f.db.WithContext(ctx).Model(&models.Run{}).
		Where("id = ?", queued.ID).
		Update("debug", queued.Debug).Error; err != nil {
		return err
	}

	logger.Debug("kicking queued run after predecessor finished",
		zap.String("conversation_id", run.ConversationID),
		zap.String("finished_run_id", run.ID),
		zap.String("queued_run_id", queued.ID))
	return f.jobs.KickNow(ctx, queued.ConversationID, queued.ID)
}
