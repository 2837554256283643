package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spacechat/backend-go/app/bootstrap"
	"github.com/spacechat/backend-go/internal/broadcast"
	"github.com/spacechat/backend-go/internal/config"
	"github.com/spacechat/backend-go/internal/database"
	"github.com/spacechat/backend-go/internal/jobs"
	"github.com/spacechat/backend-go/internal/kafka"
	"github.com/spacechat/backend-go/internal/logger"
	"github.com/spacechat/backend-go/internal/models"
	"github.com/spacechat/backend-go/internal/repository"
	"github.com/spacechat/backend-go/internal/runner"
	"go.uber.org/zap"
)

// noopExecutor 占位执行器
// 消息生成由独立的推理服务完成，这里只维持心跳并响应协作取消，
// 保证claim→执行→终态化链路完整。
type noopExecutor struct {
	cfg config.SchedulerConfig
}

func (e *noopExecutor) Execute(ctx context.Context, run *models.Run, hb *runner.Heartbeat) error {
	ticker := time.NewTicker(e.cfg.CancelPollInterval)
	defer ticker.Stop()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return nil
		case <-ticker.C:
			if err := hb.Touch(ctx); err != nil {
				logger.Warn("heartbeat touch failed", zap.String("run_id", run.ID), zap.Error(err))
			}
			canceled, err := hb.CancelRequested(ctx)
			if err != nil {
				logger.Warn("cancel poll failed", zap.String("run_id", run.ID), zap.Error(err))
				continue
			}
			if canceled {
				return runner.ErrCanceled
			}
		}
	}
}

func main() {
	app, err := bootstrap.Init()
	if err != nil {
		log.Fatalf("failed to bootstrap worker: %v", err)
	}
	defer app.Shutdown()
	bootstrap.SetGlobalApp(app)

	cfg := config.AppConfig
	if !cfg.Kafka.Enabled {
		log.Fatal("worker requires kafka, set KAFKA_ENABLED=true")
	}
	db := app.DB()
	rdb := database.RedisClient

	broadcaster := broadcast.NewRedisBroadcaster(rdb)
	members := repository.NewMembershipRepo(db)
	messages := repository.NewMessageRepo(db)

	claimer := runner.NewClaimer(db, members, messages, app.Scheduler(), broadcaster, cfg.Scheduler.RunStaleTimeout)
	followups := runner.NewFollowups(db, app.Enqueuer())
	finisher := runner.NewFinisher(db, app.Scheduler(), followups, broadcaster)
	executor := &noopExecutor{cfg: cfg.Scheduler}
	worker := jobs.NewWorker(db, claimer, executor, finisher, app.Scheduler(), cfg.Scheduler)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 延迟任务泵
	dispatcher := jobs.NewDispatcher(rdb, kafka.GetProducer(), time.Second)
	go dispatcher.Start(ctx)

	// 陈旧Run回收
	reaper := runner.NewReaper(db, claimer, cfg.Scheduler.RunStaleTimeout, cfg.Scheduler.ReaperInterval)
	go reaper.Start(ctx)

	// Kafka消费
	if err := kafka.InitConsumer(cfg.Kafka.Brokers, cfg.Kafka.GroupID, []string{cfg.Kafka.Topic}); err != nil {
		log.Fatalf("failed to init kafka consumer: %v", err)
	}
	consumer := kafka.GetConsumer()
	consumer.RegisterHandler(cfg.Kafka.Topic, worker.Handle)
	consumer.Start()

	logger.Info("🚀 SpaceChat run worker started",
		zap.String("topic", cfg.Kafka.Topic),
		zap.String("group_id", cfg.Kafka.GroupID))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down worker")
	cancel()
	if err := consumer.Close(); err != nil {
		logger.Error("failed to close consumer", zap.Error(err))
	}
}
