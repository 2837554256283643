package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacechat/backend-go/internal/logger"
	"github.com/spacechat/backend-go/internal/models"
	"github.com/spacechat/backend-go/internal/scheduler"
	"go.uber.org/zap"
)

// 事件类型
const (
	EventQueueUpdate = "queue_update"
	EventRunFailed   = "run_failed"
	EventRunCanceled = "run_canceled"
	EventTyping      = "typing"
)

// Event 对话事件信封
type Event struct {
	Type           string      `json:"type"`
	ConversationID string      `json:"conversation_id"`
	Payload        interface{} `json:"payload,omitempty"`
	At             time.Time   `json:"at"`
}

// RedisBroadcaster scheduler.Broadcaster的Redis pub/sub实现
// 每个对话一个频道，在线客户端的网关订阅后转发到WebSocket。
// 广播是尽力而为：发布失败只记日志，从不影响调度决策。
type RedisBroadcaster struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisBroadcaster 创建广播器
func NewRedisBroadcaster(rdb *redis.Client) *RedisBroadcaster {
	return &RedisBroadcaster{rdb: rdb, now: time.Now}
}

// ChannelFor 对话事件频道名
func ChannelFor(conversationID string) string {
	return fmt.Sprintf("spacechat:conversation:%s:events", conversationID)
}

func (b *RedisBroadcaster) QueueUpdate(ctx context.Context, conversationID string, state scheduler.RoundState) {
	b.publish(ctx, conversationID, EventQueueUpdate, state)
}

func (b *RedisBroadcaster) RunFailed(ctx context.Context, conversationID, runID string, runErr *models.RunError) {
	b.publish(ctx, conversationID, EventRunFailed, map[string]interface{}{
		"run_id": runID,
		"error":  runErr,
	})
}

func (b *RedisBroadcaster) RunCanceled(ctx context.Context, conversationID, runID, reason string) {
	b.publish(ctx, conversationID, EventRunCanceled, map[string]interface{}{
		"run_id": runID,
		"reason": reason,
	})
}

func (b *RedisBroadcaster) Typing(ctx context.Context, conversationID, speakerMembershipID string) {
	b.publish(ctx, conversationID, EventTyping, map[string]interface{}{
		"speaker_membership_id": speakerMembershipID,
	})
}

func (b *RedisBroadcaster) publish(ctx context.Context, conversationID, eventType string, payload interface{}) {
	event := Event{
		Type:           eventType,
		ConversationID: conversationID,
		Payload:        payload,
		At:             b.now(),
	}
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error("序列化广播事件失败", zap.String("type", eventType), zap.Error(err))
		return
	}
	if err := b.rdb.Publish(ctx, ChannelFor(conversationID), data).Err(); err != nil {
		logger.Warn("广播事件发布失败",
			zap.String("type", eventType),
			zap.String("conversation_id", conversationID),
			zap.Error(err))
	}
}

var _ scheduler.Broadcaster = (*RedisBroadcaster)(nil)
