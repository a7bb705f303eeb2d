package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/analysis"
	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/pubsub"
	"github.com/ZJUSCT/OJTrack/internal/syncer"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dispatcher runs one job to completion and records its outcome.
type Dispatcher struct {
	db       *gorm.DB
	syncer   *syncer.Service
	backfill *analysis.Backfill
	broker   *pubsub.Broker
}

func NewDispatcher(db *gorm.DB, svc *syncer.Service, backfill *analysis.Backfill, broker *pubsub.Broker) *Dispatcher {
	return &Dispatcher{db: db, syncer: svc, backfill: backfill, broker: broker}
}

type progressEvent struct {
	Phase   string `json:"phase"`
	Current int    `json:"current"`
	Total   int    `json:"total"`
}

func (d *Dispatcher) Dispatch(ctx context.Context, job *models.SyncJob) {
	zap.S().Infof("dispatching job %s (%s)", job.ID, job.JobType)
	defer d.broker.CloseTopic(job.ID)

	progress := func(phase string, current, total int) {
		if err := database.UpdateJobProgress(d.db, job.ID, phase, current, total); err != nil {
			zap.S().Warnf("failed to record progress of job %s: %v", job.ID, err)
		}
		d.broker.PublishEvent(job.ID, pubsub.EventProgress, progressEvent{phase, current, total})
	}

	result, err := d.run(ctx, job, progress)

	// Progress updates went straight to the row; reload before the final save.
	if fresh, ferr := database.GetJob(d.db, job.ID); ferr == nil {
		job = fresh
	}
	params := job.Stats["params"]
	job.Stats = result
	if job.Stats == nil {
		job.Stats = models.JSONMap{}
	}
	if params != nil {
		job.Stats["params"] = params
	}
	now := time.Now()
	job.FinishedAt = &now
	switch {
	case err == nil:
		job.Status = models.JobCompleted
		job.ErrorMessage = ""
	case errors.Is(err, context.Canceled):
		job.Status = models.JobFailed
		job.ErrorMessage = cancelledMessage
	default:
		job.Status = models.JobFailed
		job.ErrorMessage = err.Error()
	}
	if uerr := database.UpdateJob(d.db, job); uerr != nil {
		zap.S().Errorf("failed to save job %s: %v", job.ID, uerr)
	}
	d.broker.PublishEvent(job.ID, pubsub.EventStatus, job)
	zap.S().Infof("job %s finished: %s %s", job.ID, job.Status, job.ErrorMessage)
}

func (d *Dispatcher) run(ctx context.Context, job *models.SyncJob, progress func(string, int, int)) (models.JSONMap, error) {
	switch job.JobType {
	case models.JobContentSync:
		if job.PlatformAccountID != nil {
			progress("sync", 0, 1)
			stats := d.syncer.SyncAccount(ctx, *job.PlatformAccountID)
			progress("sync", 1, 1)
			if stats.Error != "" {
				return toMap(stats), errors.New(stats.Error)
			}
			return toMap(stats), nil
		}
		var studentID uint
		if job.StudentID != nil {
			studentID = *job.StudentID
		}
		all, err := d.syncer.SyncAll(ctx, studentID, progress)
		return toMap(all), err

	case models.JobAIBackfill:
		var opts analysis.BackfillOptions
		if err := decodeParams(job, &opts); err != nil {
			return nil, err
		}
		stats, err := d.backfill.Run(ctx, opts, progress)
		return toMap(stats), err

	case models.JobCodeBackfill:
		if job.PlatformAccountID == nil {
			return nil, errors.New("code backfill needs an account")
		}
		var params struct {
			Limit int `json:"limit"`
		}
		if err := decodeParams(job, &params); err != nil {
			return nil, err
		}
		stats, err := d.syncer.BackfillCode(ctx, *job.PlatformAccountID, params.Limit, progress)
		return toMap(stats), err
	}
	return nil, fmt.Errorf("unknown job type %q", job.JobType)
}

func decodeParams(job *models.SyncJob, v any) error {
	params, ok := job.Stats["params"]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid job params: %w", err)
	}
	return nil
}

func toMap(v any) models.JSONMap {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var m models.JSONMap
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil
	}
	return m
}
