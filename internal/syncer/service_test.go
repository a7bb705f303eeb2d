package syncer

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/dbtest"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"gorm.io/gorm"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeScraper struct {
	mu       sync.Mutex
	subs     []scraper.ScrapedSubmission
	problems map[string]*scraper.ScrapedProblem
	code     map[string]string
	// streamErr is yielded after subs; failUID fails the stream for one uid up front.
	streamErr  error
	failUID    string
	problemErr error
	unordered  bool
}

func newFake() *fakeScraper {
	return &fakeScraper{
		problems: map[string]*scraper.ScrapedProblem{},
		code:     map[string]string{},
	}
}

func (f *fakeScraper) Platform() string { return "luogu" }

func (f *fakeScraper) ValidateAccount(ctx context.Context, uid string) bool {
	return uid != f.failUID
}

func (f *fakeScraper) SupportsCodeFetch() bool { return true }

func (f *fakeScraper) MapStatus(raw string) string { return raw }

func (f *fakeScraper) ProblemURL(id string) string { return "https://example.test/" + id }

func (f *fakeScraper) OrderedStream() bool { return !f.unordered }

func (f *fakeScraper) MapDifficulty(raw string) int {
	if raw == "hard" {
		return 6
	}
	return 1
}

func (f *fakeScraper) FetchSubmissions(ctx context.Context, uid string, opts scraper.FetchOptions) iter.Seq2[scraper.ScrapedSubmission, error] {
	f.mu.Lock()
	subs := append([]scraper.ScrapedSubmission(nil), f.subs...)
	streamErr := f.streamErr
	f.mu.Unlock()
	return func(yield func(scraper.ScrapedSubmission, error) bool) {
		if uid == f.failUID {
			yield(scraper.ScrapedSubmission{}, errors.New("platform unreachable"))
			return
		}
		for _, s := range subs {
			if opts.Reached(s) {
				return
			}
			if !yield(s, nil) {
				return
			}
		}
		if streamErr != nil {
			yield(scraper.ScrapedSubmission{}, streamErr)
		}
	}
}

func (f *fakeScraper) FetchProblem(ctx context.Context, id string) (*scraper.ScrapedProblem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.problemErr != nil {
		return nil, f.problemErr
	}
	p, ok := f.problems[id]
	if !ok {
		return nil, nil
	}
	cp := *p
	return &cp, nil
}

func (f *fakeScraper) FetchSubmissionCode(ctx context.Context, id string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.code[id], nil
}

func (f *fakeScraper) setSubs(subs ...scraper.ScrapedSubmission) {
	f.mu.Lock()
	f.subs = subs
	f.mu.Unlock()
}

type cursorFake struct {
	*fakeScraper
	next string
}

func (c *cursorFake) NextCursor() string { return c.next }

func sub(id, problem string, offset time.Duration) scraper.ScrapedSubmission {
	return scraper.ScrapedSubmission{
		RecordID:    id,
		ProblemID:   problem,
		Status:      scraper.StatusAC,
		Score:       scraper.IntPtr(100),
		Language:    "C++",
		SubmittedAt: base.Add(offset),
	}
}

type fixture struct {
	db      *gorm.DB
	svc     *Service
	fake    *fakeScraper
	account *models.PlatformAccount
}

func newFixture(t *testing.T, ctor func(f *fakeScraper) scraper.Scraper) *fixture {
	t.Helper()
	db := dbtest.New(t)
	fake := newFake()
	fake.problems["P1"] = &scraper.ScrapedProblem{ProblemID: "P1", Title: "A+B", Description: "add", DifficultyRaw: "hard", Tags: []string{"模拟", "动态规划"}}
	fake.problems["P2"] = &scraper.ScrapedProblem{ProblemID: "P2", Title: "Sort", Tags: []string{"贪心", "unknown"}}

	reg := scraper.NewRegistry()
	reg.Register(scraper.Info{Name: "luogu", CodeFetch: true}, func(opts scraper.Options) scraper.Scraper {
		if ctor != nil {
			return ctor(fake)
		}
		return fake
	})

	student := &models.Student{Name: "alice"}
	if err := database.CreateStudent(db, student); err != nil {
		t.Fatal(err)
	}
	account := &models.PlatformAccount{StudentID: student.ID, Platform: "luogu", PlatformUID: "u1", IsActive: true}
	if err := database.CreateAccount(db, account); err != nil {
		t.Fatal(err)
	}

	svc := New(db, reg, config.Default(), nil)
	svc.now = func() time.Time { return base }
	return &fixture{db: db, svc: svc, fake: fake, account: account}
}

func (fx *fixture) reload(t *testing.T) *models.PlatformAccount {
	t.Helper()
	a, err := database.GetAccount(fx.db, fx.account.ID)
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func (fx *fixture) count(t *testing.T) int64 {
	t.Helper()
	n, err := database.CountSubmissions(fx.db, fx.account.ID)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestSyncAccountIncremental(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.fake.setSubs(sub("rec3", "P1", -time.Hour), sub("rec2", "P2", -2*time.Hour), sub("rec1", "P1", -3*time.Hour))
	fx.fake.code["rec3"] = "int main(){}"

	stats := fx.svc.SyncAccount(ctx, fx.account.ID)
	if stats.Error != "" || stats.NewSubmissions != 3 || stats.NewProblems != 2 || stats.Errors != 0 {
		t.Fatalf("first sync = %+v", stats)
	}
	a := fx.reload(t)
	if a.SyncCursor != "rec3" || a.LastSyncAt == nil || !a.LastSyncAt.Equal(base) {
		t.Errorf("account after first sync = cursor %q, last %v", a.SyncCursor, a.LastSyncAt)
	}

	p, err := database.FindProblem(fx.db, "luogu", "P1")
	if err != nil || p == nil {
		t.Fatalf("problem P1 = %v, %v", p, err)
	}
	if p.Difficulty != 6 || p.URL != "https://example.test/P1" || len(p.Tags) != 2 {
		t.Errorf("P1 = difficulty %d, url %q, tags %v", p.Difficulty, p.URL, p.Tags)
	}
	if got := p.PlatformTagList(); len(got) != 2 || got[1] != "动态规划" {
		t.Errorf("platform tags = %v", got)
	}

	subs, _ := database.GetSubmissionsByAccount(fx.db, fx.account.ID, 0)
	if subs[0].PlatformRecordID != "rec3" || subs[0].SourceCode != "int main(){}" || subs[0].ProblemRefID == nil {
		t.Errorf("newest submission = %+v", subs[0])
	}

	fx.fake.setSubs(sub("rec4", "P2", time.Hour), sub("rec3", "P1", -time.Hour), sub("rec2", "P2", -2*time.Hour))
	stats = fx.svc.SyncAccount(ctx, fx.account.ID)
	if stats.Error != "" || stats.NewSubmissions != 1 || stats.NewProblems != 0 {
		t.Fatalf("second sync = %+v", stats)
	}
	if n := fx.count(t); n != 4 {
		t.Errorf("stored %d submissions, want 4", n)
	}
	if a := fx.reload(t); a.SyncCursor != "rec4" {
		t.Errorf("cursor = %q, want rec4", a.SyncCursor)
	}
}

func TestSyncAccountSkipsStoredRecords(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.fake.setSubs(sub("rec2", "P1", -time.Hour), sub("rec1", "P2", -2*time.Hour))
	if stats := fx.svc.SyncAccount(ctx, fx.account.ID); stats.NewSubmissions != 2 {
		t.Fatalf("first sync = %+v", stats)
	}

	// Forget the window so the whole stream is replayed.
	fx.db.Model(&models.PlatformAccount{}).Where("id = ?", fx.account.ID).
		Updates(map[string]interface{}{"sync_cursor": "", "last_sync_at": nil})

	stats := fx.svc.SyncAccount(ctx, fx.account.ID)
	if stats.Error != "" || stats.NewSubmissions != 0 || stats.NewProblems != 0 {
		t.Errorf("replayed sync = %+v", stats)
	}
	if n := fx.count(t); n != 2 {
		t.Errorf("stored %d submissions, want 2", n)
	}
}

func TestSyncAccountDeduplicatesWithinStream(t *testing.T) {
	tests := []struct {
		name      string
		subs      []scraper.ScrapedSubmission
		unordered bool
		want      []string
	}{
		{
			name: "adjacent repeat",
			subs: []scraper.ScrapedSubmission{sub("rec3", "P1", -time.Hour), sub("rec2", "P2", -2*time.Hour), sub("rec2", "P2", -2*time.Hour), sub("rec1", "P1", -3*time.Hour)},
			want: []string{"rec3", "rec2", "rec1"},
		},
		{
			name:      "repeat after other records",
			subs:      []scraper.ScrapedSubmission{sub("rec2", "P2", -2*time.Hour), sub("rec1", "P1", -3*time.Hour), sub("rec2", "P2", -2*time.Hour)},
			unordered: true,
			want:      []string{"rec2", "rec1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, nil)
			fx.fake.unordered = tt.unordered
			fx.fake.setSubs(tt.subs...)

			stats := fx.svc.SyncAccount(context.Background(), fx.account.ID)
			if stats.Error != "" || stats.NewSubmissions != len(tt.want) {
				t.Fatalf("sync = %+v", stats)
			}
			for _, id := range tt.want {
				var n int64
				fx.db.Model(&models.Submission{}).
					Where("platform_account_id = ? AND platform_record_id = ?", fx.account.ID, id).
					Count(&n)
				if n != 1 {
					t.Errorf("%s stored %d times", id, n)
				}
			}
			if n := fx.count(t); n != int64(len(tt.want)) {
				t.Errorf("stored %d submissions, want %d", n, len(tt.want))
			}
		})
	}
}

func TestSyncAccountRollsBackOnStreamError(t *testing.T) {
	fx := newFixture(t, nil)
	fx.fake.setSubs(sub("rec2", "P1", -time.Hour), sub("rec1", "P2", -2*time.Hour))
	fx.fake.streamErr = errors.New("page 2: connection reset")

	stats := fx.svc.SyncAccount(context.Background(), fx.account.ID)
	if !strings.Contains(stats.Error, "connection reset") {
		t.Fatalf("stats = %+v", stats)
	}
	if n := fx.count(t); n != 0 {
		t.Errorf("stored %d submissions after rollback", n)
	}
	if p, _ := database.FindProblem(fx.db, "luogu", "P1"); p != nil {
		t.Error("problem created by a rolled back sync")
	}
	a := fx.reload(t)
	if a.SyncCursor != "" || a.LastSyncAt != nil || a.ConsecutiveSyncFailures != 1 || a.LastSyncError == "" {
		t.Errorf("account = %+v", a)
	}
}

func TestSyncFailuresDisableAccount(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.fake.streamErr = errors.New("boom")

	for i := 1; i <= 10; i++ {
		fx.svc.SyncAccount(ctx, fx.account.ID)
		a := fx.reload(t)
		if a.ConsecutiveSyncFailures != i {
			t.Fatalf("after %d failures counter = %d", i, a.ConsecutiveSyncFailures)
		}
		if want := i < 10; a.IsActive != want {
			t.Fatalf("after %d failures active = %v", i, a.IsActive)
		}
	}
	if stats := fx.svc.SyncAccount(ctx, fx.account.ID); stats.Error != ErrAccountInactive.Error() {
		t.Errorf("inactive sync = %+v", stats)
	}

	fx.db.Model(&models.PlatformAccount{}).Where("id = ?", fx.account.ID).Update("is_active", true)
	fx.fake.streamErr = nil
	if stats := fx.svc.SyncAccount(ctx, fx.account.ID); stats.Error != "" {
		t.Fatalf("recovery sync = %+v", stats)
	}
	if a := fx.reload(t); a.ConsecutiveSyncFailures != 0 || a.LastSyncError != "" {
		t.Errorf("failure state not reset: %+v", a)
	}
}

func TestOutOfOrderStream(t *testing.T) {
	tests := []struct {
		name        string
		incremental bool
		unordered   bool
		wantErr     bool
		wantCount   int64
	}{
		{name: "first sync counts it", wantCount: 2},
		{name: "incremental sync fails", incremental: true, wantErr: true},
		{name: "unordered adapter exempt", incremental: true, unordered: true, wantCount: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, nil)
			fx.fake.unordered = tt.unordered
			if tt.incremental {
				since := base.Add(-24 * time.Hour)
				fx.db.Model(&models.PlatformAccount{}).Where("id = ?", fx.account.ID).Update("last_sync_at", since)
			}
			fx.fake.setSubs(sub("a", "P1", -2*time.Hour), sub("b", "P2", -time.Hour))

			stats := fx.svc.SyncAccount(context.Background(), fx.account.ID)
			if gotErr := stats.Error != ""; gotErr != tt.wantErr {
				t.Fatalf("stats = %+v", stats)
			}
			if tt.wantErr && !strings.Contains(stats.Error, scraper.ErrOutOfOrder.Error()) {
				t.Errorf("error = %q", stats.Error)
			}
			if !tt.wantErr && !tt.unordered && stats.OutOfOrder != 1 {
				t.Errorf("OutOfOrder = %d", stats.OutOfOrder)
			}
			if n := fx.count(t); n != tt.wantCount {
				t.Errorf("stored %d submissions, want %d", n, tt.wantCount)
			}
		})
	}
}

func TestSessionExpiredFailsSync(t *testing.T) {
	fx := newFixture(t, nil)
	fx.fake.setSubs(sub("rec1", "P1", -time.Hour))
	fx.fake.problemErr = &scraper.SessionExpiredError{Platform: "luogu"}

	stats := fx.svc.SyncAccount(context.Background(), fx.account.ID)
	if !strings.Contains(stats.Error, "session expired") {
		t.Fatalf("stats = %+v", stats)
	}
	if n := fx.count(t); n != 0 {
		t.Errorf("stored %d submissions", n)
	}
}

func TestProblemFetchFailureKeepsSubmission(t *testing.T) {
	fx := newFixture(t, nil)
	fx.fake.setSubs(sub("rec1", "P9", -time.Hour))

	stats := fx.svc.SyncAccount(context.Background(), fx.account.ID)
	if stats.Error != "" || stats.NewSubmissions != 1 || stats.NewProblems != 0 {
		t.Fatalf("stats = %+v", stats)
	}
	subs, _ := database.GetSubmissionsByAccount(fx.db, fx.account.ID, 0)
	if subs[0].ProblemRefID != nil {
		t.Errorf("submission linked to problem %d", *subs[0].ProblemRefID)
	}
}

func TestEnsureProblemBackfillsContent(t *testing.T) {
	fx := newFixture(t, nil)
	stub := &models.Problem{Platform: "luogu", ProblemID: "P1", Title: "A+B", Hint: "keep"}
	if err := database.CreateProblem(fx.db, stub); err != nil {
		t.Fatal(err)
	}
	fx.fake.setSubs(sub("rec1", "P1", -time.Hour))

	if stats := fx.svc.SyncAccount(context.Background(), fx.account.ID); stats.NewProblems != 0 || stats.NewSubmissions != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	p, _ := database.FindProblem(fx.db, "luogu", "P1")
	if p.Description != "add" || p.Hint != "keep" {
		t.Errorf("problem = %+v", p)
	}
}

func TestCursorProviderOverridesCursor(t *testing.T) {
	fx := newFixture(t, func(f *fakeScraper) scraper.Scraper {
		return &cursorFake{fakeScraper: f, next: "hash-1"}
	})
	fx.fake.setSubs(sub("rec1", "P1", -time.Hour))

	if stats := fx.svc.SyncAccount(context.Background(), fx.account.ID); stats.Error != "" {
		t.Fatalf("stats = %+v", stats)
	}
	if a := fx.reload(t); a.SyncCursor != "hash-1" {
		t.Errorf("cursor = %q", a.SyncCursor)
	}
}

func TestIncompleteAdapterRunKeepsStoredCursor(t *testing.T) {
	cf := &cursorFake{next: ""}
	fx := newFixture(t, func(f *fakeScraper) scraper.Scraper {
		cf.fakeScraper = f
		return cf
	})
	fx.db.Model(&models.PlatformAccount{}).Where("id = ?", fx.account.ID).Update("sync_cursor", "hash-0")
	fx.fake.setSubs(sub("rec1", "P1", -time.Hour))

	if stats := fx.svc.SyncAccount(context.Background(), fx.account.ID); stats.Error != "" || stats.NewSubmissions != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if a := fx.reload(t); a.SyncCursor != "hash-0" {
		t.Errorf("cursor = %q, want the stored hash", a.SyncCursor)
	}
}

type recordingAnalyzer struct {
	ids []uint
}

func (r *recordingAnalyzer) AnalyzeProblemComprehensive(ctx context.Context, id uint, force bool) error {
	r.ids = append(r.ids, id)
	return nil
}

func TestAutoAnalyzeNewProblems(t *testing.T) {
	fx := newFixture(t, nil)
	rec := &recordingAnalyzer{}
	fx.svc.SetAnalyzer(rec)
	fx.svc.cfg.Sync.AutoAnalyze = true
	fx.fake.setSubs(sub("rec2", "P2", -time.Hour), sub("rec1", "P1", -2*time.Hour))

	fx.svc.SyncAccount(context.Background(), fx.account.ID)
	if len(rec.ids) != 2 {
		t.Errorf("analyzed %v", rec.ids)
	}
}

func TestSyncAllContinuesAfterFailure(t *testing.T) {
	fx := newFixture(t, nil)
	bad := &models.PlatformAccount{StudentID: fx.account.StudentID, Platform: "luogu", PlatformUID: "bad", IsActive: true}
	if err := database.CreateAccount(fx.db, bad); err != nil {
		t.Fatal(err)
	}
	fx.fake.failUID = "bad"
	fx.fake.setSubs(sub("rec1", "P1", -time.Hour))

	var calls int
	all, err := fx.svc.SyncAll(context.Background(), 0, func(phase string, current, total int) {
		calls++
		if total != 2 {
			t.Errorf("progress total = %d", total)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if all.AccountsSynced != 1 || all.Failed != 1 || all.TotalNewSubmissions != 1 || calls != 2 {
		t.Errorf("all = %+v, progress calls %d", all, calls)
	}
}

func TestResyncProblemMergesTags(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.fake.setSubs(sub("rec1", "P2", -time.Hour))
	fx.svc.SyncAccount(ctx, fx.account.ID)
	p, _ := database.FindProblem(fx.db, "luogu", "P2")
	if len(p.Tags) != 1 {
		t.Fatalf("tags before resync = %v", p.Tags)
	}

	fx.fake.problems["P2"] = &scraper.ScrapedProblem{ProblemID: "P2", Title: "Sort II", Description: "new", Tags: []string{"模拟"}}
	got, err := fx.svc.ResyncProblem(ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Title != "Sort II" || got.Description != "new" || got.LastScannedAt == nil {
		t.Errorf("resynced = %+v", got)
	}
	if len(got.Tags) != 2 {
		t.Errorf("tags after resync = %v", got.Tags)
	}

	delete(fx.fake.problems, "P2")
	if _, err := fx.svc.ResyncProblem(ctx, p.ID); !errors.Is(err, ErrProblemNotFound) {
		t.Errorf("missing problem err = %v", err)
	}
}

func TestImportProblemByURL(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()

	p, created, err := fx.svc.ImportProblemByURL(ctx, "https://www.luogu.com.cn/problem/P1")
	if err != nil || !created || p.Title != "A+B" {
		t.Fatalf("import = %+v, %v, %v", p, created, err)
	}
	if _, created, err = fx.svc.ImportProblemByURL(ctx, "https://www.luogu.com.cn/problem/P1"); err != nil || created {
		t.Errorf("second import created = %v, err %v", created, err)
	}
	if _, _, err := fx.svc.ImportProblemByURL(ctx, "https://example.com/x"); !errors.Is(err, ErrUnrecognizedURL) {
		t.Errorf("bad url err = %v", err)
	}
	if _, _, err := fx.svc.ImportProblemByURL(ctx, "https://www.luogu.com.cn/problem/P404"); !errors.Is(err, ErrProblemNotFound) {
		t.Errorf("missing problem err = %v", err)
	}
}

func TestBackfillCode(t *testing.T) {
	fx := newFixture(t, nil)
	ctx := context.Background()
	fx.svc.cfg.Sync.CodeFetchDisabled = true
	fx.fake.setSubs(sub("rec2", "P1", -time.Hour), sub("rec1", "P2", -2*time.Hour))
	fx.fake.code["rec2"] = "print(1)"
	fx.svc.SyncAccount(ctx, fx.account.ID)

	var last int
	stats, err := fx.svc.BackfillCode(ctx, fx.account.ID, 0, func(phase string, current, total int) { last = current })
	if err != nil {
		t.Fatal(err)
	}
	if stats.Total != 2 || stats.Fetched != 1 || stats.Failed != 1 || last != 2 {
		t.Errorf("stats = %+v, last progress %d", stats, last)
	}
	subs, _ := database.GetSubmissionsByAccount(fx.db, fx.account.ID, 0)
	if subs[0].SourceCode != "print(1)" {
		t.Errorf("code = %q", subs[0].SourceCode)
	}
}
