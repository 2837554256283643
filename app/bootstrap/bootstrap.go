package bootstrap

import (
	"context"
	"log"

	"github.com/joho/godotenv"
	"github.com/spacechat/backend-go/internal/broadcast"
	"github.com/spacechat/backend-go/internal/config"
	"github.com/spacechat/backend-go/internal/database"
	"github.com/spacechat/backend-go/internal/jobs"
	"github.com/spacechat/backend-go/internal/kafka"
	"github.com/spacechat/backend-go/internal/logger"
	"github.com/spacechat/backend-go/internal/repository"
	"github.com/spacechat/backend-go/internal/scheduler"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App encapsulates lifecycle resources that need to be cleaned up on shutdown.
type App struct {
	cleanupTasks []func() error

	db        *gorm.DB
	monitor   *database.DatabaseWrapper
	scheduler *scheduler.Service
	enqueuer  *jobs.Enqueuer
	broadcast *broadcast.RedisBroadcaster
}

// Global app instance for controllers to access
var globalApp *App

// GetApp returns the global app instance
func GetApp() *App {
	return globalApp
}

// SetGlobalApp sets the global app instance
func SetGlobalApp(app *App) {
	globalApp = app
}

// DB returns the shared gorm handle.
func (a *App) DB() *gorm.DB {
	return a.db
}

// Monitor returns the database health/metrics wrapper.
func (a *App) Monitor() *database.DatabaseWrapper {
	return a.monitor
}

// Scheduler returns the turn scheduler service.
func (a *App) Scheduler() *scheduler.Service {
	return a.scheduler
}

// Enqueuer returns the job enqueuer.
func (a *App) Enqueuer() *jobs.Enqueuer {
	return a.enqueuer
}

// Broadcaster returns the conversation event broadcaster.
func (a *App) Broadcaster() *broadcast.RedisBroadcaster {
	return a.broadcast
}

// Init bootstraps configuration, logger, database connections and the turn
// scheduler wiring required by the Beego application.
func Init() (*App, error) {
	// Load environment variables from .env if present (non-fatal if missing).
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found")
	}

	// Initialize structured logger.
	if err := logger.InitLogger(); err != nil {
		return nil, err
	}

	// Load configuration.
	if err := config.LoadConfig(); err != nil {
		return nil, err
	}

	app := &App{}

	// Initialize database.
	db, err := database.InitDB()
	if err != nil {
		return nil, err
	}
	app.db = db
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		return database.CloseDB()
	})

	// 连接池健康检查与指标
	monitor, err := database.NewDatabase(db)
	if err != nil {
		return nil, err
	}
	monitorCtx, stopMonitor := context.WithCancel(context.Background())
	monitor.StartMonitoring(monitorCtx)
	app.monitor = monitor
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		stopMonitor()
		return nil
	})

	// Redis承载延迟任务队列和对话事件广播，不可选。
	rdb, err := database.InitRedis()
	if err != nil {
		return nil, err
	}
	app.cleanupTasks = append(app.cleanupTasks, func() error {
		return database.CloseRedis()
	})

	// Initialize Kafka producer (optional). Run claim任务无法投递时调度命令
	// 依然成立，worker侧靠reaper和下一次用户输入补偿。
	if config.AppConfig.Kafka.Enabled {
		if err := kafka.InitProducer(config.AppConfig.Kafka.Brokers, config.AppConfig.Kafka.Topic); err != nil {
			logger.Warn("Failed to initialize Kafka producer", zap.Error(err))
		} else {
			app.cleanupTasks = append(app.cleanupTasks, func() error {
				producer := kafka.GetProducer()
				if producer != nil {
					return producer.Close()
				}
				return nil
			})
		}
	}

	// 组装调度器
	app.broadcast = broadcast.NewRedisBroadcaster(rdb)
	app.enqueuer = jobs.NewEnqueuer(rdb, kafka.GetProducer())
	app.scheduler = scheduler.NewService(
		repository.NewSchedulerStore(db),
		repository.NewMembershipRepo(db),
		repository.NewMessageRepo(db),
		app.enqueuer,
		app.broadcast,
		config.AppConfig.Scheduler,
	)

	return app, nil
}

// Shutdown runs the registered cleanup tasks in reverse order.
func (a *App) Shutdown() {
	for i := len(a.cleanupTasks) - 1; i >= 0; i-- {
		if err := a.cleanupTasks[i](); err != nil {
			logger.Error("cleanup task failed", zap.Error(err))
		}
	}
	logger.Sync()
}
