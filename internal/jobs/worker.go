package jobs

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/spacechat/backend-go/internal/config"
	"github.com/spacechat/backend-go/internal/kafka"
	"github.com/spacechat/backend-go/internal/logger"
	"github.com/spacechat/backend-go/internal/runner"
	"github.com/spacechat/backend-go/internal/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SkipReasonHumanTimeout 人类发言超时跳过原因
const SkipReasonHumanTimeout = "human_turn_timeout"

// Worker Kafka任务处理器
// run任务走claim→执行→终态化链路；turn_timeout任务触发跳过当前人类发言者。
type Worker struct {
	db       *gorm.DB
	claimer  *runner.Claimer
	executor runner.RunExecutor
	finisher *runner.Finisher
	sched    *scheduler.Service
	cfg      config.SchedulerConfig
}

// NewWorker 创建任务处理器
func NewWorker(db *gorm.DB, claimer *runner.Claimer, executor runner.RunExecutor, finisher *runner.Finisher, sched *scheduler.Service, cfg config.SchedulerConfig) *Worker {
	return &Worker{
		db:       db,
		claimer:  claimer,
		executor: executor,
		finisher: finisher,
		sched:    sched,
		cfg:      cfg,
	}
}

// Handle kafka.MessageHandler的实现入口
func (w *Worker) Handle(ctx context.Context, message *sarama.ConsumerMessage) error {
	job, err := kafka.ParseRunJob(message.Value)
	if err != nil {
		// 无法解析的消息重放也不会成功，记录后吞掉
		logger.Error("dropping malformed job message", zap.Error(err))
		return nil
	}

	switch job.Type {
	case kafka.JobTypeRun:
		return w.handleRun(ctx, job)
	case kafka.JobTypeTurnTimeout:
		return w.handleTurnTimeout(ctx, job)
	default:
		logger.Warn("unknown job type", zap.String("type", job.Type))
		return nil
	}
}

// handleRun claim成功后执行生成并终态化；claim返回nil表示竞争失败或
// 被守卫跳过，静默结束。
func (w *Worker) handleRun(ctx context.Context, job *kafka.RunJob) error {
	run, err := w.claimer.Claim(ctx, job.RunID)
	if err != nil {
		return err
	}
	if run == nil {
		return nil
	}

	hb := runner.NewHeartbeat(w.db, run.ID, w.cfg.HeartbeatInterval, w.cfg.CancelPollInterval)
	execErr := w.executor.Execute(ctx, run, hb)
	return w.finisher.Finish(ctx, run, execErr)
}

// handleTurnTimeout 人类发言超时，按轮次ID守卫跳过
// RoundID不再是active轮次时SkipCurrentSpeaker内部no-op，过期的
// 超时任务因此无害。
func (w *Worker) handleTurnTimeout(ctx context.Context, job *kafka.RunJob) error {
	skipped, err := w.sched.SkipCurrentSpeaker(ctx, job.ConversationID, job.SpeakerMembershipID, SkipReasonHumanTimeout, job.RoundID, false)
	if err != nil {
		return err
	}
	if skipped {
		logger.Info("human turn timed out, speaker skipped",
			zap.String("conversation_id", job.ConversationID),
			zap.String("speaker_membership_id", job.SpeakerMembershipID))
	}
	return nil
}
