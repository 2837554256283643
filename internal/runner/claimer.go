package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/spacechat/backend-go/internal/errors"
	"github.com/spacechat/backend-go/internal/logger"
	"github.com/spacechat/backend-go/internal/metrics"
	"github.com/spacechat/backend-go/internal/models"
	"github.com/spacechat/backend-go/internal/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SchedulerNotifier claimer在一致性守卫触发时回调调度器推进轮次
type SchedulerNotifier interface {
	SkipCurrentSpeaker(ctx context.Context, conversationID, speakerMembershipID, reason, expectedRoundID string, cancelRunning bool) (bool, error)
	HandleFailure(ctx context.Context, conversationID string, run *models.Run, runErr *models.RunError) (bool, error)
}

// Claimer 跨进程的Run原子认领
// 互斥不靠进程内锁：runs表上(conversation_id) WHERE status='running'的部分
// 唯一索引加条件UPDATE才是真正的互斥原语，多机worker并发调用是安全的。
type Claimer struct {
	db         *gorm.DB
	members    scheduler.MembershipProvider
	messages   scheduler.MessageStore
	notifier   SchedulerNotifier
	broadcast  scheduler.Broadcaster
	staleAfter time.Duration
	now        func() time.Time
}

// NewClaimer 创建claimer
func NewClaimer(db *gorm.DB, members scheduler.MembershipProvider, messages scheduler.MessageStore, notifier SchedulerNotifier, broadcast scheduler.Broadcaster, staleAfter time.Duration) *Claimer {
	return &Claimer{
		db:         db,
		members:    members,
		messages:   messages,
		notifier:   notifier,
		broadcast:  broadcast,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Claim 尝试将Run从queued原子转移到running
// 认领失败（竞争、未就绪、守卫触发）一律返回(nil, nil)，不算应用错误；
// 只有意外的数据库错误才作为error向上传播。
func (c *Claimer) Claim(ctx context.Context, runID string) (*models.Run, error) {
	var run models.Run
	if err := c.db.WithContext(ctx).First(&run, "id = ?", runID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	now := c.now()
	if !run.ReadyToRun(now) {
		return nil, nil
	}

	// 同对话上已有running Run：未过期则认领失败。过期则必须先把它翻转为
	// failed——running上的部分唯一索引不允许两行同时running，旧Run还占着
	// 状态时本次认领的UPDATE必然撞唯一约束。耗时的清理（占位消息、广播）
	// 推迟到认领之后。
	var staleRun *models.Run
	var running models.Run
	err := c.db.WithContext(ctx).
		Where("conversation_id = ? AND status = ?", run.ConversationID, models.RunStatusRunning).
		First(&running).Error
	switch {
	case err == nil:
		if !c.isStale(&running, now) {
			metrics.RunClaimContentions.Inc()
			return nil, nil
		}
		won, err := c.markStaleFailed(ctx, &running)
		if err != nil {
			return nil, err
		}
		if won {
			staleRun = &running
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// 没有running Run，继续
	default:
		return nil, err
	}

	// 对话在Run排队后前进了：regenerate直接丢弃，其余通知调度器跳过该发言者
	if expected := run.DebugValue(models.DebugKeyExpectedLastMessageID); expected != "" {
		latest, err := c.messages.LatestVisibleMessageID(ctx, run.ConversationID)
		if err != nil {
			return nil, err
		}
		if fmt.Sprint(latest) != expected {
			if err := c.markSkipped(ctx, &run, apperrors.ErrCodeExpectedLastMessageMismatch, map[string]interface{}{
				"expected_last_message_id": expected,
				"latest_message_id":        latest,
			}); err != nil {
				return nil, err
			}
			c.nudgeScheduler(ctx, &run, string(apperrors.ErrCodeExpectedLastMessageMismatch))
			return nil, nil
		}
	}

	// 重新校验发言者资格：Run排队后成员可能已被移除或静音
	sp, err := c.members.Speaker(ctx, run.SpeakerMembershipID)
	if err != nil {
		return nil, err
	}
	if sp == nil {
		if err := c.markSkipped(ctx, &run, apperrors.ErrCodeMissingSpeaker, nil); err != nil {
			return nil, err
		}
		c.nudgeScheduler(ctx, &run, string(apperrors.ErrCodeMissingSpeaker))
		return nil, nil
	}
	eligible := sp.ParticipationActive()
	if eligible {
		if run.IsScheduledByTurnScheduler() {
			eligible = sp.CanBeScheduled()
		} else {
			eligible = sp.CanAutoRespond()
		}
	}
	if !eligible {
		if err := c.markSkipped(ctx, &run, apperrors.ErrCodeSpeakerUnavailable, map[string]interface{}{
			"speaker_membership_id": sp.ID,
		}); err != nil {
			return nil, err
		}
		c.nudgeScheduler(ctx, &run, string(apperrors.ErrCodeSpeakerUnavailable))
		return nil, nil
	}

	// 原子认领。running上的部分唯一索引保证全对话范围内只有一个UPDATE能成功；
	// 唯一约束冲突按认领失败处理而不是错误。
	res := c.db.WithContext(ctx).Model(&models.Run{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusQueued).
		Updates(map[string]interface{}{
			"status":       models.RunStatusRunning,
			"started_at":   now,
			"heartbeat_at": now,
			"updated_at":   now,
		})
	claimed := false
	if res.Error != nil {
		if !errors.Is(res.Error, gorm.ErrDuplicatedKey) {
			return nil, res.Error
		}
	} else {
		claimed = res.RowsAffected == 1
	}

	// 状态翻转在认领之前已完成，这里只做剩余清理
	if staleRun != nil {
		if err := c.finalizeStale(ctx, staleRun); err != nil {
			logger.Error("stale run cleanup failed",
				zap.String("run_id", staleRun.ID),
				zap.Error(err))
		}
	}

	if !claimed {
		metrics.RunClaimContentions.Inc()
		return nil, nil
	}

	run.Status = models.RunStatusRunning
	run.StartedAt = &now
	run.HeartbeatAt = &now
	metrics.RunClaims.Inc()
	c.broadcast.Typing(ctx, run.ConversationID, run.SpeakerMembershipID)
	logger.Info("run claimed",
		zap.String("conversation_id", run.ConversationID),
		zap.String("run_id", run.ID),
		zap.String("kind", string(run.Kind)))
	return &run, nil
}

// isStale running Run的心跳是否已超过过期阈值
func (c *Claimer) isStale(run *models.Run, now time.Time) bool {
	beat := run.HeartbeatAt
	if beat == nil {
		beat = run.StartedAt
	}
	if beat == nil {
		return true
	}
	return now.Sub(*beat) > c.staleAfter
}

// ForceFailStale 强制失败一个心跳过期的running Run并清理其遗留
func (c *Claimer) ForceFailStale(ctx context.Context, stale *models.Run) error {
	won, err := c.markStaleFailed(ctx, stale)
	if err != nil || !won {
		return err
	}
	return c.finalizeStale(ctx, stale)
}

// markStaleFailed 把过期的running Run翻转为failed
// 条件UPDATE以status=running为键，避免与另一个reaper竞争；返回本方是否抢到
// 了翻转权。翻转成功后running槽位即空出，后继Run才可能认领成功。
func (c *Claimer) markStaleFailed(ctx context.Context, stale *models.Run) (bool, error) {
	now := c.now()
	stale.SetError(string(apperrors.ErrCodeStaleRunningRun),
		"run heartbeat expired, force-failed by claimer",
		map[string]interface{}{"stale_after": c.staleAfter.String()})
	res := c.db.WithContext(ctx).Model(&models.Run{}).
		Where("id = ? AND status = ?", stale.ID, models.RunStatusRunning).
		Updates(map[string]interface{}{
			"status":      models.RunStatusFailed,
			"error":       stale.Error,
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		// 另一个reaper先到了
		return false, nil
	}
	stale.Status = models.RunStatusFailed
	metrics.StaleRunsReaped.Inc()
	return true, nil
}

// finalizeStale 翻转之后的清理：占位消息与失败广播
func (c *Claimer) finalizeStale(ctx context.Context, stale *models.Run) error {
	if err := c.messages.FailPlaceholders(ctx, stale.ID); err != nil {
		return err
	}
	c.broadcast.RunFailed(ctx, stale.ConversationID, stale.ID, stale.ErrorInfo())
	logger.Warn("stale running run force-failed",
		zap.String("conversation_id", stale.ConversationID),
		zap.String("run_id", stale.ID))
	return nil
}

// markSkipped 一致性守卫触发：Run标记为skipped而不是failed
func (c *Claimer) markSkipped(ctx context.Context, run *models.Run, code apperrors.ErrorCode, context map[string]interface{}) error {
	now := c.now()
	run.SetError(string(code), "run skipped before claim", context)
	res := c.db.WithContext(ctx).Model(&models.Run{}).
		Where("id = ? AND status = ?", run.ID, models.RunStatusQueued).
		Updates(map[string]interface{}{
			"status":      models.RunStatusSkipped,
			"error":       run.Error,
			"finished_at": now,
			"updated_at":  now,
		})
	if res.Error != nil {
		return res.Error
	}
	run.Status = models.RunStatusSkipped
	metrics.RunsSkipped.Inc()
	return nil
}

// nudgeScheduler 守卫跳过后提示调度器前进；regenerate是独立用户操作，直接丢弃
func (c *Claimer) nudgeScheduler(ctx context.Context, run *models.Run, reason string) {
	if run.Kind == models.RunKindRegenerate || run.ConversationRoundID == nil {
		return
	}
	if _, err := c.notifier.SkipCurrentSpeaker(ctx, run.ConversationID, run.SpeakerMembershipID, reason, *run.ConversationRoundID, false); err != nil {
		logger.Error("failed to advance past skipped run",
			zap.String("run_id", run.ID),
			zap.Error(err))
	}
}
