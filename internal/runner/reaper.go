package runner

import (
	"context"
	"time"

	"github.com/spacechat/backend-go/internal/logger"
	"github.com/spacechat/backend-go/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Reaper 后台陈旧Run回收
// claim时的过期探测只在同对话有新Run要跑时才触发；reaper兜底处理
// 没有后继Run、彻底挂死的对话。
type Reaper struct {
	db         *gorm.DB
	claimer    *Claimer
	staleAfter time.Duration
	interval   time.Duration
	now        func() time.Time
}

// NewReaper 创建reaper
func NewReaper(db *gorm.DB, claimer *Claimer, staleAfter, interval time.Duration) *Reaper {
	return &Reaper{
		db:         db,
		claimer:    claimer,
		staleAfter: staleAfter,
		interval:   interval,
		now:        time.Now,
	}
}

// Start 启动扫描循环，ctx取消后退出
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("run reaper stopped")
			return
		case <-ticker.C:
			if err := r.ReapOnce(ctx); err != nil {
				logger.Error("reaper sweep failed", zap.Error(err))
			}
		}
	}
}

// ReapOnce 扫描一次并强制失败所有心跳过期的running Run
func (r *Reaper) ReapOnce(ctx context.Context) error {
	cutoff := r.now().Add(-r.staleAfter)
	var stale []models.Run
	err := r.db.WithContext(ctx).
		Where("status = ? AND (heartbeat_at < ? OR (heartbeat_at IS NULL AND started_at < ?))",
			models.RunStatusRunning, cutoff, cutoff).
		Find(&stale).Error
	if err != nil {
		return err
	}
	for i := range stale {
		if err := r.claimer.ForceFailStale(ctx, &stale[i]); err != nil {
			logger.Error("failed to reap stale run",
				zap.String("run_id", stale[i].ID),
				zap.Error(err))
		}
	}
	if len(stale) > 0 {
		logger.Info("reaped stale runs", zap.Int("count", len(stale)))
	}
	return nil
}
