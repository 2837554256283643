package runner

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/spacechat/backend-go/internal/errors"
	"github.com/spacechat/backend-go/internal/logger"
	"github.com/spacechat/backend-go/internal/models"
	"github.com/spacechat/backend-go/internal/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrCanceled 执行器观察到取消信号后返回
var ErrCanceled = errors.New("run canceled")

// RunExecutor 实际的生成执行（LLM调用、提示词构建等在本模块之外）
// 执行期间须周期调用hb.Touch并轮询hb.CancelRequested；观察到取消后
// 返回ErrCanceled。claim与finalize之间的长耗时都发生在这里。
type RunExecutor interface {
	Execute(ctx context.Context, run *models.Run, hb *Heartbeat) error
}

// Finisher Run执行结束后的终态转移与后续触发
type Finisher struct {
	db        *gorm.DB
	notifier  SchedulerNotifier
	followups *Followups
	broadcast scheduler.Broadcaster
	now       func() time.Time
}

// NewFinisher 创建finisher
func NewFinisher(db *gorm.DB, notifier SchedulerNotifier, followups *Followups, broadcast scheduler.Broadcaster) *Finisher {
	return &Finisher{db: db, notifier: notifier, followups: followups, broadcast: broadcast, now: time.Now}
}

// Finish 依据执行结果把running Run转到终态，再走失败处理/补踢
// 生成失败是终态：不自动重试，轮次被冻结为failed等待人工处理。
func (f *Finisher) Finish(ctx context.Context, run *models.Run, execErr error) error {
	now := f.now()
	updates := map[string]interface{}{
		"finished_at": now,
		"updated_at":  now,
	}
	switch {
	case execErr == nil:
		run.Status = models.RunStatusSucceeded
	case errors.Is(execErr, ErrCanceled):
		run.Status = models.RunStatusCanceled
		run.SetDebug(models.DebugKeyCanceledBy, "executor")
		updates["debug"] = run.Debug
	default:
		run.Status = models.RunStatusFailed
		run.SetError(string(apperrors.ErrCodeGenerationFailed), execErr.Error(), nil)
		updates["error"] = run.Error
	}
	updates["status"] = run.Status

	res := f.db.WithContext(ctx).Model(&models.Run{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusRunning).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		// 已被reaper或另一条路径转移到终态
		logger.Warn("run already finalized elsewhere", zap.String("run_id", run.ID))
		return nil
	}
	run.FinishedAt = &now

	if run.Status == models.RunStatusFailed {
		// 调度器接手时由它广播失败；独立Run（regenerate等）在这里广播，
		// 两条路径合起来恰好一次RunFailed。
		handled, err := f.notifier.HandleFailure(ctx, run.ConversationID, run, run.ErrorInfo())
		if err != nil {
			return err
		}
		if !handled {
			f.broadcast.RunFailed(ctx, run.ConversationID, run.ID, run.ErrorInfo())
		}
	}
	return f.followups.RunFinished(ctx, run)
}
