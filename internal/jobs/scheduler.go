package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/pubsub"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrJobActive   = errors.New("a job of this type is already pending or running")
	ErrJobNotFound = errors.New("job not found")
	ErrJobFinished = errors.New("job already finished")
)

const cancelledMessage = "cancelled by user"

// Request describes a job to enqueue. Params are stored with the job and
// read back by the dispatcher.
type Request struct {
	Type      models.JobType
	AccountID *uint
	StudentID *uint
	Params    map[string]interface{}
}

// Scheduler queues jobs and runs each one in its own goroutine.
type Scheduler struct {
	db         *gorm.DB
	queue      chan *models.SyncJob
	dispatcher *Dispatcher

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func NewScheduler(db *gorm.DB, dispatcher *Dispatcher) *Scheduler {
	return &Scheduler{
		db:         db,
		queue:      make(chan *models.SyncJob, 1024),
		dispatcher: dispatcher,
		running:    make(map[string]context.CancelFunc),
	}
}

// Enqueue persists a pending job and queues it. Only one pending or running
// job of a type may exist per account.
func (s *Scheduler) Enqueue(req Request) (*models.SyncJob, error) {
	active, err := database.HasActiveJob(s.db, req.Type, req.AccountID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, ErrJobActive
	}

	job := &models.SyncJob{
		ID:                uuid.NewString(),
		JobType:           req.Type,
		Status:            models.JobPending,
		PlatformAccountID: req.AccountID,
		StudentID:         req.StudentID,
	}
	if len(req.Params) > 0 {
		job.Stats = models.JSONMap{"params": req.Params}
	}
	if err := database.CreateJob(s.db, job); err != nil {
		return nil, err
	}
	s.Submit(job)
	return job, nil
}

func (s *Scheduler) Submit(job *models.SyncJob) {
	s.queue <- job
	zap.S().Infof("job %s (%s) added to queue", job.ID, job.JobType)
}

// Run drains the queue until ctx is cancelled. Running jobs are cancelled
// together with ctx.
func (s *Scheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-s.queue:
			go s.process(ctx, job)
		}
	}
}

func (s *Scheduler) process(ctx context.Context, job *models.SyncJob) {
	// Refetch to notice cancellation while queued.
	current, err := database.GetJob(s.db, job.ID)
	if err != nil {
		zap.S().Errorf("failed to refetch job %s from DB: %v", job.ID, err)
		return
	}
	if current.Status != models.JobPending {
		zap.S().Infof("job %s is no longer pending (%s), skipping", current.ID, current.Status)
		return
	}

	jobCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[current.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, current.ID)
		s.mu.Unlock()
		cancel()
	}()

	now := time.Now()
	current.Status = models.JobRunning
	current.StartedAt = &now
	if err := database.UpdateJob(s.db, current); err != nil {
		zap.S().Errorf("failed to mark job %s running: %v", current.ID, err)
		return
	}
	s.dispatcher.Dispatch(jobCtx, current)
}

// Cancel stops a running job or fails a pending one before it starts.
func (s *Scheduler) Cancel(id string) error {
	s.mu.Lock()
	cancel, ok := s.running[id]
	s.mu.Unlock()
	if ok {
		cancel()
		zap.S().Infof("cancellation requested for job %s", id)
		return nil
	}

	job, err := database.GetJob(s.db, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrJobNotFound
		}
		return err
	}
	if job.Status != models.JobPending {
		return fmt.Errorf("%w: %s", ErrJobFinished, job.Status)
	}
	now := time.Now()
	job.Status = models.JobFailed
	job.ErrorMessage = cancelledMessage
	job.FinishedAt = &now
	if err := database.UpdateJob(s.db, job); err != nil {
		return err
	}
	s.dispatcher.broker.PublishEvent(id, pubsub.EventStatus, job)
	s.dispatcher.broker.CloseTopic(id)
	return nil
}

// Running reports whether a job is executing in this process.
func (s *Scheduler) Running(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[id]
	return ok
}
