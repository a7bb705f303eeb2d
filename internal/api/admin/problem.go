package admin

import (
	"net/http"

	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/util"
	"github.com/gin-gonic/gin"
)

func (h *Handler) getProblems(c *gin.Context) {
	problems, err := database.GetProblems(h.db, c.Query("platform"), queryInt(c, "limit", 200))
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, problems, "Problems retrieved successfully")
}

func (h *Handler) getProblem(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	problem, err := database.GetProblem(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}
	analyses, err := database.GetProblemAnalyses(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, gin.H{"problem": problem, "analyses": analyses}, "Problem retrieved successfully")
}

func (h *Handler) resyncProblem(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	problem, err := h.syncer.ResyncProblem(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, problem, "Problem resynced")
}

func (h *Handler) importProblem(c *gin.Context) {
	var req struct {
		URL string `json:"url" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, err)
		return
	}
	problem, created, err := h.syncer.ImportProblemByURL(c.Request.Context(), req.URL)
	if err != nil {
		fail(c, err)
		return
	}
	msg := "Problem already known"
	if created {
		msg = "Problem imported"
	}
	util.Success(c, gin.H{"problem": problem, "created": created}, msg)
}

func (h *Handler) analyzeProblem(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	force := c.Query("force") == "true"
	if err := h.analyzer.AnalyzeProblemComprehensive(c.Request.Context(), id, force); err != nil {
		fail(c, err)
		return
	}
	analyses, err := database.GetProblemAnalyses(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, analyses, "Problem analyzed")
}

func (h *Handler) getTags(c *gin.Context) {
	tags, err := database.GetAllTags(h.db)
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, tags, "Tags retrieved successfully")
}
