package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRouter 注册运维路由
func SetupRouter(r *gin.Engine, h *OpsHandler) {
	r.GET("/health", h.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := r.Group("/admin")
	{
		queues := admin.Group("/queues")
		{
			queues.GET("", h.ListQueues)
			queues.GET("/:queue/dead-letters", h.ListDeadLetters)
			queues.POST("/:queue/redrive", h.Redrive)
		}

		if h.jobs != nil {
			jobs := admin.Group("/jobs")
			{
				jobs.GET("", h.ListJobs)
				jobs.GET("/:job", h.GetJob)
				jobs.POST("/:job/trigger", h.TriggerJob)
			}
		}
	}
}
