package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacechat/backend-go/internal/kafka"
	"github.com/spacechat/backend-go/internal/logger"
	"github.com/spacechat/backend-go/internal/scheduler"
	"go.uber.org/zap"
)

// DelayedJobsKey 延迟任务ZSET的Redis键，score为任务到期时间的Unix毫秒
const DelayedJobsKey = "spacechat:jobs:delayed"

// Enqueuer scheduler.JobEnqueuer的实现
// Kafka不支持延迟投递，未到期的任务先进Redis ZSET，由Dispatcher到期后
// 转投Kafka；到期任务直接发Kafka。
type Enqueuer struct {
	rdb      *redis.Client
	producer *kafka.Producer
	now      func() time.Time
}

// NewEnqueuer 创建任务入队器
func NewEnqueuer(rdb *redis.Client, producer *kafka.Producer) *Enqueuer {
	return &Enqueuer{
		rdb:      rdb,
		producer: producer,
		now:      time.Now,
	}
}

// Enqueue 入队Run claim任务
// conversationID作为Kafka分区键，保证同对话的claim按序消费。
func (e *Enqueuer) Enqueue(ctx context.Context, conversationID, runID string, notBefore time.Time) error {
	job := &kafka.RunJob{
		Type:           kafka.JobTypeRun,
		ConversationID: conversationID,
		RunID:          runID,
		EnqueuedAt:     e.now(),
	}
	return e.enqueue(ctx, job, notBefore)
}

// KickNow 立即触发claim，绕过延迟队列
func (e *Enqueuer) KickNow(ctx context.Context, conversationID, runID string) error {
	job := &kafka.RunJob{
		Type:           kafka.JobTypeRun,
		ConversationID: conversationID,
		RunID:          runID,
		EnqueuedAt:     e.now(),
		KickedBy:       "kick_now",
	}
	return e.producer.SendJob(job)
}

// EnqueueTurnTimeout 入队人类发言超时任务
func (e *Enqueuer) EnqueueTurnTimeout(ctx context.Context, conversationID, speakerMembershipID, roundID string, notBefore time.Time) error {
	job := &kafka.RunJob{
		Type:                kafka.JobTypeTurnTimeout,
		ConversationID:      conversationID,
		SpeakerMembershipID: speakerMembershipID,
		RoundID:             roundID,
		EnqueuedAt:          e.now(),
	}
	return e.enqueue(ctx, job, notBefore)
}

func (e *Enqueuer) enqueue(ctx context.Context, job *kafka.RunJob, notBefore time.Time) error {
	if !notBefore.After(e.now()) {
		return e.producer.SendJob(job)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("序列化延迟任务失败: %w", err)
	}
	err = e.rdb.ZAdd(ctx, DelayedJobsKey, redis.Z{
		Score:  float64(notBefore.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("写入延迟队列失败: %w", err)
	}

	logger.Debug("delayed job enqueued",
		zap.String("type", job.Type),
		zap.String("run_id", job.RunID),
		zap.Time("not_before", notBefore))
	return nil
}

var _ scheduler.JobEnqueuer = (*Enqueuer)(nil)
