package runner

import (
	"context"
	"sync"
	"time"

	"github.com/spacechat/backend-go/internal/models"
	"gorm.io/gorm"
)

// Heartbeat 执行器在生成期间的心跳与取消轮询
// Touch与CancelRequested都做了限频，生成循环里每个token调一次也不会压垮数据库。
// 心跳停摆超过staleness阈值后，Run会被下一次claim或reaper强制失败。
type Heartbeat struct {
	db             *gorm.DB
	runID          string
	touchInterval  time.Duration
	pollInterval   time.Duration
	now            func() time.Time
	mu             sync.Mutex
	lastTouch      time.Time
	lastPoll       time.Time
	cancelObserved bool
}

// NewHeartbeat 为一个running Run创建心跳器
func NewHeartbeat(db *gorm.DB, runID string, touchInterval, pollInterval time.Duration) *Heartbeat {
	return &Heartbeat{
		db:            db,
		runID:         runID,
		touchInterval: touchInterval,
		pollInterval:  pollInterval,
		now:           time.Now,
	}
}

// Touch 刷新heartbeat_at，距上次刷新不足间隔时为no-op
func (h *Heartbeat) Touch(ctx context.Context) error {
	h.mu.Lock()
	now := h.now()
	if !h.lastTouch.IsZero() && now.Sub(h.lastTouch) < h.touchInterval {
		h.mu.Unlock()
		return nil
	}
	h.lastTouch = now
	h.mu.Unlock()

	return h.db.WithContext(ctx).Model(&models.Run{}).
		Where("id = ? AND status = ?", h.runID, models.RunStatusRunning).
		Update("heartbeat_at", now).Error
}

// CancelRequested 轮询cancel_requested_at
// 协作式取消：这只是信号，执行器必须自行检查并终止。限频窗口内返回缓存值。
func (h *Heartbeat) CancelRequested(ctx context.Context) (bool, error) {
	h.mu.Lock()
	now := h.now()
	if h.cancelObserved || (!h.lastPoll.IsZero() && now.Sub(h.lastPoll) < h.pollInterval) {
		observed := h.cancelObserved
		h.mu.Unlock()
		return observed, nil
	}
	h.lastPoll = now
	h.mu.Unlock()

	var run models.Run
	if err := h.db.WithContext(ctx).Select("cancel_requested_at").
		First(&run, "id = ?", h.runID).Error; err != nil {
		return false, err
	}
	if run.CancelRequestedAt != nil {
		h.mu.Lock()
		h.cancelObserved = true
		h.mu.Unlock()
		return true, nil
	}
	return false, nil
}
