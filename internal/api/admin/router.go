package admin

import (
	"github.com/ZJUSCT/OJTrack/internal/api"
	"github.com/gin-gonic/gin"
)

// NewAdminRouter creates and configures the admin Gin engine.
func NewAdminRouter(h *Handler) *gin.Engine {
	r := gin.Default()
	r.Use(api.CORSMiddleware(h.cfg.CORS))

	v1 := r.Group("/api/v1")
	v1.POST("/auth/login", h.login)

	authed := v1.Group("")
	authed.Use(api.AuthMiddleware(h.cfg.Auth.JWT.Secret))
	{
		// Websocket
		authed.GET("/ws/jobs/:id", h.handleJobWs)

		authed.GET("/platforms", h.getPlatforms)
		authed.GET("/tags", h.getTags)
		authed.GET("/ai/cost", h.getAICost)
		authed.POST("/sync", h.syncAll)

		students := authed.Group("/students")
		{
			students.GET("", h.getAllStudents)
			students.POST("", h.createStudent)
			students.GET("/:id", h.getStudent)
		}

		accounts := authed.Group("/accounts")
		{
			accounts.GET("", h.getAccounts)
			accounts.POST("", h.createAccount)
			accounts.GET("/:id", h.getAccount)
			accounts.PATCH("/:id", h.updateAccount)
			accounts.DELETE("/:id", h.deleteAccount)
			accounts.POST("/:id/validate", h.validateAccount)
			accounts.POST("/:id/sync", h.syncAccount)
			accounts.POST("/:id/backfill-code", h.backfillCode)
			accounts.GET("/:id/submissions", h.getAccountSubmissions)
		}

		problems := authed.Group("/problems")
		{
			problems.GET("", h.getProblems)
			problems.POST("/import", h.importProblem)
			problems.GET("/:id", h.getProblem)
			problems.POST("/:id/resync", h.resyncProblem)
			problems.POST("/:id/analyze", h.analyzeProblem)
		}

		submissions := authed.Group("/submissions")
		{
			submissions.GET("/:id", h.getSubmission)
			submissions.POST("/:id/review", h.reviewSubmission)
		}

		jobGroup := authed.Group("/jobs")
		{
			jobGroup.GET("", h.getJobs)
			jobGroup.POST("/ai-backfill", h.startAIBackfill)
			jobGroup.GET("/:id", h.getJob)
			jobGroup.POST("/:id/cancel", h.cancelJob)
		}
	}

	return r
}
