package jobs

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spacechat/backend-go/internal/kafka"
	"github.com/spacechat/backend-go/internal/logger"
	"go.uber.org/zap"
)

// dispatchBatchSize 单次泵送的最大任务数
const dispatchBatchSize = 100

// Dispatcher 延迟任务泵
// 周期性把到期的ZSET任务转投Kafka。ZRem的返回值充当领取凭证：
// 多个dispatcher实例并发扫描时，只有删除成功的那个发送任务。
type Dispatcher struct {
	rdb      *redis.Client
	producer *kafka.Producer
	interval time.Duration
	now      func() time.Time
}

// NewDispatcher 创建延迟任务泵
func NewDispatcher(rdb *redis.Client, producer *kafka.Producer, interval time.Duration) *Dispatcher {
	return &Dispatcher{
		rdb:      rdb,
		producer: producer,
		interval: interval,
		now:      time.Now,
	}
}

// Start 启动泵送循环，ctx取消后退出
func (d *Dispatcher) Start(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("job dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.DispatchOnce(ctx); err != nil {
				logger.Error("dispatch sweep failed", zap.Error(err))
			}
		}
	}
}

// DispatchOnce 扫描一次并投递所有到期任务
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	maxScore := strconv.FormatInt(d.now().UnixMilli(), 10)
	members, err := d.rdb.ZRangeByScore(ctx, DelayedJobsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   maxScore,
		Count: dispatchBatchSize,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range members {
		removed, err := d.rdb.ZRem(ctx, DelayedJobsKey, member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// 其他实例抢先领取
			continue
		}

		job, err := kafka.ParseRunJob([]byte(member))
		if err != nil {
			logger.Error("dropping malformed delayed job", zap.Error(err))
			continue
		}
		if err := d.producer.SendJob(job); err != nil {
			// 发送失败放回队列，下轮重试
			logger.Error("failed to dispatch job, requeueing",
				zap.String("type", job.Type),
				zap.Error(err))
			d.rdb.ZAdd(ctx, DelayedJobsKey, redis.Z{
				Score:  float64(d.now().UnixMilli()),
				Member: member,
			})
		}
	}
	return nil
}
