package admin

import (
	"fmt"
	"net/http"

	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/jobs"
	"github.com/ZJUSCT/OJTrack/internal/util"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (h *Handler) getAccounts(c *gin.Context) {
	accounts, err := database.GetAccounts(h.db, uint(queryInt(c, "student_id", 0)))
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, accounts, "Accounts retrieved successfully")
}

func (h *Handler) getAccount(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	account, err := database.GetAccount(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, account, "Account retrieved successfully")
}

func (h *Handler) createAccount(c *gin.Context) {
	var req struct {
		StudentID    uint   `json:"student_id" binding:"required"`
		Platform     string `json:"platform" binding:"required"`
		PlatformUID  string `json:"platform_uid" binding:"required"`
		AuthCookie   string `json:"auth_cookie"`
		AuthPassword string `json:"auth_password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, err)
		return
	}
	info, ok := h.syncer.Registry().Info(req.Platform)
	if !ok {
		util.Error(c, http.StatusBadRequest, fmt.Sprintf("unknown platform %q", req.Platform))
		return
	}
	if info.RequiresLogin && req.AuthCookie == "" && req.AuthPassword == "" {
		util.Error(c, http.StatusBadRequest, fmt.Sprintf("%s requires credentials: %s", info.Display, info.AuthHint))
		return
	}
	if _, err := database.GetStudent(h.db, req.StudentID); err != nil {
		fail(c, err)
		return
	}

	account := &models.PlatformAccount{
		StudentID:    req.StudentID,
		Platform:     req.Platform,
		PlatformUID:  req.PlatformUID,
		AuthCookie:   req.AuthCookie,
		AuthPassword: req.AuthPassword,
		IsActive:     true,
	}
	if err := database.CreateAccount(h.db, account); err != nil {
		util.Error(c, http.StatusConflict, err)
		return
	}
	util.Success(c, account, "Account created successfully")
}

func (h *Handler) updateAccount(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	account, err := database.GetAccount(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}

	var req struct {
		PlatformUID  *string `json:"platform_uid"`
		AuthCookie   *string `json:"auth_cookie"`
		AuthPassword *string `json:"auth_password"`
		IsActive     *bool   `json:"is_active"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		util.Error(c, http.StatusBadRequest, err)
		return
	}
	if req.PlatformUID != nil {
		account.PlatformUID = *req.PlatformUID
		// A different user starts from scratch.
		account.SyncCursor = ""
		account.LastSyncAt = nil
	}
	if req.AuthCookie != nil {
		account.AuthCookie = *req.AuthCookie
	}
	if req.AuthPassword != nil {
		account.AuthPassword = *req.AuthPassword
	}
	if req.IsActive != nil {
		if *req.IsActive && !account.IsActive {
			account.ConsecutiveSyncFailures = 0
			account.LastSyncError = ""
		}
		account.IsActive = *req.IsActive
	}
	if err := database.UpdateAccount(h.db, account); err != nil {
		fail(c, err)
		return
	}
	util.Success(c, account, "Account updated successfully")
}

func (h *Handler) deleteAccount(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := database.DeleteAccount(h.db, id); err != nil {
		fail(c, err)
		return
	}
	zap.S().Infof("deleted account %d", id)
	util.Success(c, nil, "Account deleted successfully")
}

func (h *Handler) validateAccount(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	account, err := database.GetAccount(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}
	valid, err := h.syncer.ValidateAccount(c.Request.Context(), account)
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, gin.H{"valid": valid}, "Validation finished")
}

func (h *Handler) syncAccount(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	account, err := database.GetAccount(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}
	if !account.IsActive {
		util.Error(c, http.StatusConflict, "account is inactive")
		return
	}
	job, err := h.scheduler.Enqueue(jobs.Request{Type: models.JobContentSync, AccountID: &account.ID})
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, job, "Sync job queued")
}

func (h *Handler) syncAll(c *gin.Context) {
	var req struct {
		StudentID *uint `json:"student_id"`
	}
	// An empty body syncs everyone.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			util.Error(c, http.StatusBadRequest, err)
			return
		}
	}
	job, err := h.scheduler.Enqueue(jobs.Request{Type: models.JobContentSync, StudentID: req.StudentID})
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, job, "Sync job queued")
}

func (h *Handler) backfillCode(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	account, err := database.GetAccount(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}
	if info, ok := h.syncer.Registry().Info(account.Platform); !ok || !info.CodeFetch {
		util.Error(c, http.StatusUnprocessableEntity, fmt.Sprintf("%s does not support code fetch", account.Platform))
		return
	}
	job, err := h.scheduler.Enqueue(jobs.Request{
		Type:      models.JobCodeBackfill,
		AccountID: &account.ID,
		Params:    map[string]interface{}{"limit": queryInt(c, "limit", 0)},
	})
	if err != nil {
		fail(c, err)
		return
	}
	util.Success(c, job, "Code backfill job queued")
}

func (h *Handler) getAccountSubmissions(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	subs, err := database.GetSubmissionsByAccount(h.db, id, queryInt(c, "limit", 100))
	if err != nil {
		fail(c, err)
		return
	}
	total, err := database.CountSubmissions(h.db, id)
	if err != nil {
		fail(c, err)
		return
	}
	util.List(c, subs, total, "Submissions retrieved successfully")
}
