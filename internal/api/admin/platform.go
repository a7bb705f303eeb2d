package admin

import (
	"github.com/ZJUSCT/OJTrack/internal/util"
	"github.com/gin-gonic/gin"
)

func (h *Handler) getPlatforms(c *gin.Context) {
	util.Success(c, h.syncer.Registry().Platforms(), "ok")
}
