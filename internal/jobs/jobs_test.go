package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/analysis"
	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/dbtest"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/pubsub"
	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"github.com/ZJUSCT/OJTrack/internal/syncer"
	"gorm.io/gorm"
)

func newScheduler(t *testing.T) (*Scheduler, *gorm.DB) {
	t.Helper()
	db := dbtest.New(t)
	cfg := config.Default()
	svc := syncer.New(db, scraper.NewRegistry(), cfg, nil)
	// No provider: AI jobs fail fast.
	bf := analysis.NewBackfill(db, analysis.NewWithProvider(db, cfg.AI, nil, nil), cfg.AI.Backfill)
	return NewScheduler(db, NewDispatcher(db, svc, bf, pubsub.New())), db
}

func waitFinished(t *testing.T, db *gorm.DB, id string) *models.SyncJob {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		// Reads may briefly fail while the runner holds the write lock.
		job, err := database.GetJob(db, id)
		if err == nil && (job.Status == models.JobCompleted || job.Status == models.JobFailed) {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish", id)
	return nil
}

func TestRunCompletesJobs(t *testing.T) {
	s, db := newScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	job, err := s.Enqueue(Request{Type: models.JobContentSync})
	if err != nil {
		t.Fatal(err)
	}
	done := waitFinished(t, db, job.ID)
	if done.Status != models.JobCompleted || done.StartedAt == nil || done.FinishedAt == nil {
		t.Errorf("job = %+v", done)
	}
	if done.Stats["accounts_synced"] != 0.0 {
		t.Errorf("stats = %v", done.Stats)
	}
}

func TestFailedJobKeepsParams(t *testing.T) {
	s, db := newScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	job, err := s.Enqueue(Request{Type: models.JobAIBackfill, Params: map[string]interface{}{"platform": "luogu"}})
	if err != nil {
		t.Fatal(err)
	}
	done := waitFinished(t, db, job.ID)
	if done.Status != models.JobFailed || !strings.Contains(done.ErrorMessage, analysis.ErrNotConfigured.Error()) {
		t.Errorf("job = %+v", done)
	}
	params, _ := done.Stats["params"].(map[string]interface{})
	if params["platform"] != "luogu" {
		t.Errorf("params lost: %v", done.Stats)
	}
}

func TestEnqueueAndCancelPending(t *testing.T) {
	s, db := newScheduler(t)
	accountID := uint(7)

	first, err := s.Enqueue(Request{Type: models.JobCodeBackfill, AccountID: &accountID})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Enqueue(Request{Type: models.JobCodeBackfill, AccountID: &accountID}); !errors.Is(err, ErrJobActive) {
		t.Errorf("duplicate enqueue err = %v", err)
	}
	other := uint(8)
	if _, err := s.Enqueue(Request{Type: models.JobCodeBackfill, AccountID: &other}); err != nil {
		t.Errorf("other account rejected: %v", err)
	}

	if err := s.Cancel(first.ID); err != nil {
		t.Fatal(err)
	}
	got, _ := database.GetJob(db, first.ID)
	if got.Status != models.JobFailed || got.ErrorMessage != cancelledMessage {
		t.Errorf("cancelled job = %+v", got)
	}
	if err := s.Cancel(first.ID); !errors.Is(err, ErrJobFinished) {
		t.Errorf("second cancel err = %v", err)
	}
	if err := s.Cancel("missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing cancel err = %v", err)
	}

	// The cancelled job is skipped when the queue reaches it.
	s.process(context.Background(), first)
	if got, _ := database.GetJob(db, first.ID); got.StartedAt != nil {
		t.Error("cancelled job was started")
	}
}

func TestRecoverAndRequeue(t *testing.T) {
	s, db := newScheduler(t)
	running := &models.SyncJob{ID: "running", JobType: models.JobContentSync, Status: models.JobRunning}
	pending := &models.SyncJob{ID: "pending", JobType: models.JobAIBackfill, Status: models.JobPending}
	for _, j := range []*models.SyncJob{running, pending} {
		if err := database.CreateJob(db, j); err != nil {
			t.Fatal(err)
		}
	}

	if err := RecoverAndCleanup(db); err != nil {
		t.Fatal(err)
	}
	got, _ := database.GetJob(db, "running")
	if got.Status != models.JobFailed || got.ErrorMessage == "" {
		t.Errorf("interrupted job = %+v", got)
	}

	if err := RequeuePendingJobs(db, s); err != nil {
		t.Fatal(err)
	}
	if len(s.queue) != 1 {
		t.Errorf("queue holds %d jobs", len(s.queue))
	}
}
