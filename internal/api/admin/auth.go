package admin

import (
	"net/http"

	"github.com/ZJUSCT/OJTrack/internal/auth"
	"github.com/ZJUSCT/OJTrack/internal/util"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handler) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, err)
		return
	}
	if !auth.CheckAdmin(h.cfg.Auth.Admin, req.Username, req.Password) {
		util.Error(c, http.StatusUnauthorized, "invalid username or password")
		return
	}
	token, err := auth.GenerateJWT(req.Username, h.cfg.Auth.JWT.Secret, h.cfg.Auth.JWT.ExpireHours)
	if err != nil {
		util.Error(c, http.StatusInternalServerError, "failed to generate token")
		return
	}
	zap.S().Infof("admin %s logged in from %s", req.Username, c.ClientIP())
	util.Success(c, gin.H{"token": token}, "Login successful")
}
