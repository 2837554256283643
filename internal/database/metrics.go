package database

import (
	"database/sql"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

// MetricsCollector 连接池指标收集器
// 调度命令全部走行锁事务，连接池耗尽会表现为命令排队，
// 池状态因此单独导出。
type MetricsCollector struct {
	db              *sql.DB
	logger          *logrus.Logger
	collectInterval time.Duration

	dbConnectionsGauge *prometheus.GaugeVec
}

// NewMetricsCollector 创建指标收集器
func NewMetricsCollector(db *sql.DB, logger *logrus.Logger) *MetricsCollector {
	mc := &MetricsCollector{
		db:              db,
		logger:          logger,
		collectInterval: 15 * time.Second,
	}
	mc.dbConnectionsGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "spacechat_database_connections",
			Help: "Database connection pool state",
		},
		[]string{"state"},
	)
	return mc
}

// Start 开始周期性收集
func (mc *MetricsCollector) Start() {
	mc.logger.Info("Starting database metrics collection")
	go func() {
		ticker := time.NewTicker(mc.collectInterval)
		defer ticker.Stop()
		for range ticker.C {
			mc.collect()
		}
	}()
}

func (mc *MetricsCollector) collect() {
	stats := mc.db.Stats()
	mc.dbConnectionsGauge.WithLabelValues("idle").Set(float64(stats.Idle))
	mc.dbConnectionsGauge.WithLabelValues("in_use").Set(float64(stats.InUse))
	mc.dbConnectionsGauge.WithLabelValues("open").Set(float64(stats.OpenConnections))
	mc.dbConnectionsGauge.WithLabelValues("wait_count").Set(float64(stats.WaitCount))
}
