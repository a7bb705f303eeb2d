package admin

import (
	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/util"
	"github.com/gin-gonic/gin"
)

func (h *Handler) getSubmission(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	sub, err := database.GetSubmission(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}
	analyses, err := database.GetSubmissionAnalyses(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, gin.H{"submission": sub, "analyses": analyses}, "Submission retrieved successfully")
}

func (h *Handler) reviewSubmission(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	result, err := h.analyzer.ReviewSubmission(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, result, "Submission reviewed")
}
