package admin

import (
	"net/http"

	"github.com/ZJUSCT/OJTrack/internal/analysis"
	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/jobs"
	"github.com/ZJUSCT/OJTrack/internal/util"
	"github.com/gin-gonic/gin"
)

// jobView adds derived fields to a job.
type jobView struct {
	*models.SyncJob
	DurationSeconds int  `json:"duration_seconds"`
	Live            bool `json:"live"`
}

func (h *Handler) view(job *models.SyncJob) jobView {
	return jobView{SyncJob: job, DurationSeconds: job.DurationSeconds(), Live: h.scheduler.Running(job.ID)}
}

func (h *Handler) getJobs(c *gin.Context) {
	list, err := database.GetJobs(h.db, queryInt(c, "limit", 50))
	if err != nil {
		fail(c, err)
		return
	}
	views := make([]jobView, len(list))
	for i := range list {
		views[i] = h.view(&list[i])
	}
	util.Success(c, views, "Jobs retrieved successfully")
}

func (h *Handler) getJob(c *gin.Context) {
	job, err := database.GetJob(h.db, c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, h.view(job), "Job retrieved successfully")
}

func (h *Handler) cancelJob(c *gin.Context) {
	if err := h.scheduler.Cancel(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	util.Success(c, nil, "Cancellation requested")
}

func (h *Handler) startAIBackfill(c *gin.Context) {
	var opts analysis.BackfillOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			util.Error(c, http.StatusBadRequest, err)
			return
		}
	}
	if !h.analyzer.Enabled() {
		fail(c, analysis.ErrNotConfigured)
		return
	}
	job, err := h.scheduler.Enqueue(jobs.Request{
		Type: models.JobAIBackfill,
		Params: map[string]interface{}{
			"platform":     opts.Platform,
			"limit":        opts.Limit,
			"skip_reviews": opts.SkipReviews,
		},
	})
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, job, "AI backfill job queued")
}

func (h *Handler) getAICost(c *gin.Context) {
	spent, err := h.analyzer.MonthlyCost(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, gin.H{
		"month_cost_usd": spent,
		"budget_usd":     h.cfg.AI.MonthlyBudget,
		"enabled":        h.analyzer.Enabled(),
	}, "ok")
}
