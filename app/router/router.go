package router

import (
	"github.com/beego/beego/v2/server/web"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spacechat/backend-go/app/controllers"
	"github.com/spacechat/backend-go/internal/config"
)

// Init 注册全部路由，须在配置加载后调用
func Init() {
	web.Router("/", &controllers.RootController{}, "get:Index")
	web.Router("/health", &controllers.HealthController{}, "get:Health")

	if config.AppConfig != nil && config.AppConfig.Prometheus.Enabled {
		web.Handler("/metrics", promhttp.Handler())
	}

	schedulerController := &controllers.SchedulerController{}
	web.Router("/api/conversations/:conversation_id/rounds/start", schedulerController, "post:StartRound")
	web.Router("/api/conversations/:conversation_id/rounds/pause", schedulerController, "post:PauseRound")
	web.Router("/api/conversations/:conversation_id/rounds/stop", schedulerController, "post:StopRound")
	web.Router("/api/conversations/:conversation_id/turns/advance", schedulerController, "post:AdvanceTurn")
	web.Router("/api/conversations/:conversation_id/turns/skip", schedulerController, "post:SkipSpeaker")
	web.Router("/api/conversations/:conversation_id/turns/retry", schedulerController, "post:RetrySpeaker")
	web.Router("/api/conversations/:conversation_id/force-talk", schedulerController, "post:ForceTalk")
	web.Router("/api/conversations/:conversation_id/regenerate", schedulerController, "post:Regenerate")
	web.Router("/api/conversations/:conversation_id/scheduling-state", schedulerController, "get:State")
	web.Router("/api/conversations/:conversation_id/queue-preview", schedulerController, "get:QueuePreview")
	web.Router("/api/conversations/:conversation_id/next-speaker", schedulerController, "get:NextSpeaker")
}
