package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/spacechat/backend-go/app/bootstrap"
	"github.com/spacechat/backend-go/internal/database"
)

// RootController 根路径
type RootController struct {
	BaseController
}

// Index 服务标识
func (c *RootController) Index() {
	c.JSONSuccess(map[string]interface{}{
		"service": "spacechat-scheduler",
		"status":  "running",
	})
}

// HealthController 健康检查
type HealthController struct {
	BaseController
}

// Health 数据库与Redis连通性检查
func (c *HealthController) Health() {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	status := map[string]interface{}{
		"status": "healthy",
	}
	healthy := true

	// 优先读后台检查器的缓存结果，避免健康探针直接压数据库
	if app := bootstrap.GetApp(); app != nil && app.Monitor() != nil {
		result := app.Monitor().GetHealthStatus()
		if result.Healthy {
			status["database"] = "healthy"
		} else if err := app.Monitor().HealthCheck(); err != nil {
			status["database"] = "unhealthy"
			healthy = false
		} else {
			status["database"] = "healthy"
		}
	} else if database.DB != nil {
		if sqlDB, err := database.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			status["database"] = "unhealthy"
			healthy = false
		} else {
			status["database"] = "healthy"
		}
	} else {
		status["database"] = "not initialized"
		healthy = false
	}

	if database.RedisClient != nil {
		if err := database.RedisClient.Ping(ctx).Err(); err != nil {
			status["redis"] = "unhealthy"
			healthy = false
		} else {
			status["redis"] = "healthy"
		}
	} else {
		status["redis"] = "not initialized"
		healthy = false
	}

	if !healthy {
		status["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, status)
		return
	}
	c.JSON(http.StatusOK, status)
}
