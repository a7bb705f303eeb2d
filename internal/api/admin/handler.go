package admin

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/ZJUSCT/OJTrack/internal/analysis"
	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/ZJUSCT/OJTrack/internal/jobs"
	"github.com/ZJUSCT/OJTrack/internal/pubsub"
	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"github.com/ZJUSCT/OJTrack/internal/syncer"
	"github.com/ZJUSCT/OJTrack/internal/util"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Handler holds all dependencies for the admin API handlers.
type Handler struct {
	cfg       *config.Config
	db        *gorm.DB
	syncer    *syncer.Service
	analyzer  *analysis.Analyzer
	scheduler *jobs.Scheduler
	broker    *pubsub.Broker
}

func NewHandler(
	cfg *config.Config,
	db *gorm.DB,
	svc *syncer.Service,
	analyzer *analysis.Analyzer,
	scheduler *jobs.Scheduler,
	broker *pubsub.Broker,
) *Handler {
	return &Handler{
		cfg:       cfg,
		db:        db,
		syncer:    svc,
		analyzer:  analyzer,
		scheduler: scheduler,
		broker:    broker,
	}
}

// idParam parses a numeric path parameter, answering 400 when it is not one.
func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		util.Error(c, http.StatusBadRequest, "invalid "+name)
		return 0, false
	}
	return uint(id), true
}

func queryInt(c *gin.Context, name string, def int) int {
	if v, err := strconv.Atoi(c.Query(name)); err == nil {
		return v
	}
	return def
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound),
		errors.Is(err, syncer.ErrProblemNotFound),
		errors.Is(err, syncer.ErrAccountInactive),
		errors.Is(err, jobs.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, syncer.ErrUnrecognizedURL),
		errors.Is(err, syncer.ErrCodeUnsupported),
		errors.Is(err, scraper.ErrUnknownPlatform),
		errors.Is(err, analysis.ErrNoContent):
		return http.StatusUnprocessableEntity
	case errors.Is(err, jobs.ErrJobActive),
		errors.Is(err, jobs.ErrJobFinished):
		return http.StatusConflict
	case errors.Is(err, analysis.ErrBudgetExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, analysis.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, analysis.ErrParseFailed),
		errors.Is(err, scraper.ErrSessionExpired),
		errors.Is(err, scraper.ErrLoginFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	util.Error(c, statusFor(err), err)
}
