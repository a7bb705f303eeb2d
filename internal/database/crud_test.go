package database

import (
	"fmt"
	"testing"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func seedAccount(t *testing.T, db *gorm.DB) *models.PlatformAccount {
	t.Helper()
	student := &models.Student{Name: "alice"}
	if err := CreateStudent(db, student); err != nil {
		t.Fatalf("create student: %v", err)
	}
	account := &models.PlatformAccount{StudentID: student.ID, Platform: "luogu", PlatformUID: "42", IsActive: true}
	if err := CreateAccount(db, account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

func TestRecordSyncFailureDisablesAtThreshold(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)

	var got *models.PlatformAccount
	var err error
	for i := 0; i < 3; i++ {
		got, err = RecordSyncFailure(db, account.ID, "boom", 3)
		if err != nil {
			t.Fatalf("RecordSyncFailure: %v", err)
		}
	}
	if got.IsActive || got.ConsecutiveSyncFailures != 3 || got.LastSyncError != "boom" {
		t.Fatalf("account after failures = %+v", got)
	}

	if err := RecordSyncSuccess(db, account.ID, "rec9", time.Now()); err != nil {
		t.Fatalf("RecordSyncSuccess: %v", err)
	}
	reloaded, _ := GetAccount(db, account.ID)
	if reloaded.ConsecutiveSyncFailures != 0 || reloaded.LastSyncError != "" || reloaded.SyncCursor != "rec9" {
		t.Errorf("account after success = %+v", reloaded)
	}
}

func TestAcceptedAndKnownProblems(t *testing.T) {
	db := newTestDB(t)
	account := seedAccount(t, db)

	p1 := &models.Problem{Platform: "luogu", ProblemID: "P1001"}
	p2 := &models.Problem{Platform: "luogu", ProblemID: "P1002"}
	for _, p := range []*models.Problem{p1, p2} {
		if err := CreateProblem(db, p); err != nil {
			t.Fatalf("create problem: %v", err)
		}
	}
	subs := []models.Submission{
		{PlatformAccountID: account.ID, PlatformRecordID: "1", ProblemRefID: &p1.ID, Status: "AC", SubmittedAt: time.Now()},
		{PlatformAccountID: account.ID, PlatformRecordID: "2", ProblemRefID: &p2.ID, Status: "WA", SubmittedAt: time.Now()},
	}
	for i := range subs {
		if err := CreateSubmission(db, &subs[i]); err != nil {
			t.Fatalf("create submission: %v", err)
		}
	}

	accepted, err := AcceptedProblemIDs(db, account.ID, "luogu")
	if err != nil {
		t.Fatalf("AcceptedProblemIDs: %v", err)
	}
	if len(accepted) != 1 || accepted[0] != "P1001" {
		t.Errorf("accepted = %v, want [P1001]", accepted)
	}

	known, err := KnownProblemIDs(db, "luogu")
	if err != nil {
		t.Fatalf("KnownProblemIDs: %v", err)
	}
	if len(known) != 2 {
		t.Errorf("known = %v, want 2 entries", known)
	}

	exists, _ := SubmissionExists(db, account.ID, "2")
	if !exists {
		t.Error("SubmissionExists(2) = false")
	}
	dup := models.Submission{PlatformAccountID: account.ID, PlatformRecordID: "2", SubmittedAt: time.Now()}
	if err := CreateSubmission(db, &dup); err == nil {
		t.Error("duplicate (account, record) insert succeeded")
	}
}

func TestProblemUUIDs(t *testing.T) {
	db := newTestDB(t)
	if err := CreateProblem(db, &models.Problem{Platform: "coderlands", ProblemID: "1001"}); err != nil {
		t.Fatal(err)
	}

	n, err := SetProblemUUID(db, "coderlands", "1001", "abc")
	if err != nil || n != 1 {
		t.Fatalf("SetProblemUUID = %d, %v", n, err)
	}
	// Already set: left untouched.
	if n, _ := SetProblemUUID(db, "coderlands", "1001", "def"); n != 0 {
		t.Errorf("second SetProblemUUID affected %d rows", n)
	}

	got, err := ProblemUUIDs(db, "coderlands", []string{"1001", "1002"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got["1001"] != "abc" {
		t.Errorf("ProblemUUIDs = %v", got)
	}
}

func TestMonthlyCostAndMissingAnalyses(t *testing.T) {
	db := newTestDB(t)
	problem := &models.Problem{Platform: "luogu", ProblemID: "P1"}
	if err := CreateProblem(db, problem); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	results := []models.AnalysisResult{
		{ProblemRefID: &problem.ID, AnalysisType: models.AnalysisProblemClassify, CostUSD: 0.25, AnalyzedAt: now},
		{ProblemRefID: &problem.ID, AnalysisType: models.AnalysisProblemSolution, CostUSD: 0.5, AnalyzedAt: now.AddDate(0, -1, 0)},
	}
	for i := range results {
		if err := CreateAnalysisResult(db, &results[i]); err != nil {
			t.Fatal(err)
		}
	}

	cost, err := MonthlyCost(db, now)
	if err != nil {
		t.Fatal(err)
	}
	if cost != 0.25 {
		t.Errorf("MonthlyCost = %v, want 0.25", cost)
	}

	missing, err := MissingProblemAnalyses(db, problem.ID, []string{
		models.AnalysisProblemClassify, models.AnalysisProblemSolution, models.AnalysisProblemFullSolution,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(missing) != 1 || missing[0] != models.AnalysisProblemFullSolution {
		t.Errorf("missing = %v", missing)
	}
}

func TestRecoverInterrupted(t *testing.T) {
	db := newTestDB(t)
	jobs := []models.SyncJob{
		{ID: "a", JobType: models.JobContentSync, Status: models.JobRunning},
		{ID: "b", JobType: models.JobContentSync, Status: models.JobCompleted},
	}
	for i := range jobs {
		if err := CreateJob(db, &jobs[i]); err != nil {
			t.Fatal(err)
		}
	}

	n, err := RecoverInterrupted(db, 0)
	if err != nil || n != 1 {
		t.Fatalf("RecoverInterrupted = %d, %v", n, err)
	}
	job, _ := GetJob(db, "a")
	if job.Status != models.JobFailed || job.FinishedAt == nil {
		t.Errorf("job a = %+v", job)
	}

	active, err := HasActiveJob(db, models.JobContentSync, nil)
	if err != nil || active {
		t.Errorf("HasActiveJob = %v, %v", active, err)
	}
}

func TestSeedTagsIdempotent(t *testing.T) {
	db := newTestDB(t)
	for i := 0; i < 2; i++ {
		if err := SeedTags(db); err != nil {
			t.Fatalf("SeedTags: %v", err)
		}
	}
	tags, err := GetAllTags(db)
	if err != nil {
		t.Fatal(err)
	}
	if len(tags) != len(canonicalTags) {
		t.Errorf("got %d tags, want %d", len(tags), len(canonicalTags))
	}
	tag, _ := FindTagByDisplayName(db, "前缀和")
	if tag == nil || tag.Name != "prefix_sum" {
		t.Errorf("FindTagByDisplayName(前缀和) = %+v", tag)
	}
}
