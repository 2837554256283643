package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spacechat/backend-go/internal/interfaces"
	"gorm.io/gorm"
)

// DatabaseWrapper 数据库包装器，实现DatabaseInterface
// 在已建立的连接之上挂健康检查与连接池指标。
type DatabaseWrapper struct {
	db            *gorm.DB
	sqlDB         *sql.DB
	healthChecker *HealthChecker
	metrics       *MetricsCollector
}

// NewDatabase 为已初始化的连接创建监控包装
func NewDatabase(db *gorm.DB) (*DatabaseWrapper, error) {
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	monitorLogger := logrus.New()
	monitorLogger.SetLevel(logrus.InfoLevel)

	return &DatabaseWrapper{
		db:            db,
		sqlDB:         sqlDB,
		healthChecker: NewHealthChecker(sqlDB, monitorLogger),
		metrics:       NewMetricsCollector(sqlDB, monitorLogger),
	}, nil
}

// GetDB 获取数据库连接
func (d *DatabaseWrapper) GetDB() *gorm.DB {
	return d.db
}

// Close 关闭数据库连接
func (d *DatabaseWrapper) Close() error {
	if d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

// HealthCheck 健康检查
func (d *DatabaseWrapper) HealthCheck() error {
	if d.healthChecker != nil && d.healthChecker.IsHealthy() {
		return nil
	}
	if d.sqlDB == nil {
		return fmt.Errorf("database connection is nil")
	}
	return d.sqlDB.Ping()
}

// StartMonitoring 启动健康检查和指标收集
func (d *DatabaseWrapper) StartMonitoring(ctx context.Context) {
	if d.healthChecker != nil {
		go d.healthChecker.Start(ctx)
	}
	if d.metrics != nil {
		d.metrics.Start()
	}
}

// GetHealthStatus 获取健康状态
func (d *DatabaseWrapper) GetHealthStatus() HealthCheckResult {
	if d.healthChecker != nil {
		return d.healthChecker.GetHealthResult()
	}
	return HealthCheckResult{Healthy: false, LastError: "health checker not initialized"}
}

var _ interfaces.DatabaseInterface = (*DatabaseWrapper)(nil)
