package coderlands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/scraper"
)

const (
	uuid100 = "0123456789abcdef0123456789abcdef"
	uuid101 = "fedcba9876543210fedcba9876543210"
	uuid102 = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
)

// memIndex is an in-memory scraper.ProblemIndex.
type memIndex struct {
	mu       sync.Mutex
	known    map[string]bool
	accepted map[string]bool
	uuids    map[string]string
}

func (m *memIndex) ProblemUUIDs(_ context.Context, _ string, ids []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]string{}
	for _, id := range ids {
		if u, ok := m.uuids[id]; ok {
			out[id] = u
		}
	}
	return out, nil
}

func (m *memIndex) SaveProblemUUID(_ context.Context, _, id, uuid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uuids[id] = uuid
	return nil
}

func (m *memIndex) KnownProblemIDs(context.Context, string) (map[string]bool, error) {
	return m.known, nil
}

func (m *memIndex) AcceptedProblemIDs(context.Context, string) (map[string]bool, error) {
	return m.accepted, nil
}

type server struct {
	*httptest.Server
	mu      sync.Mutex
	listed  []string
	expired bool
}

func newTestServer(t *testing.T) *server {
	t.Helper()
	s := &server{}
	mux := http.NewServeMux()
	ok := func(w http.ResponseWriter, result string) {
		fmt.Fprintf(w, `{"code":1,"msg":"ok","result":%s}`, result)
	}
	guard := func(h http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			s.mu.Lock()
			expired := s.expired
			s.mu.Unlock()
			if expired || r.Header.Get("Cookie") != "JSESSIONID=abc" {
				fmt.Fprint(w, `{"code":0,"msg":"用户未登录"}`)
				return
			}
			h(w, r)
		}
	}
	mux.HandleFunc("/server/student/person/center/baseInfo", guard(func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"loginName":"alice"}`)
	}))
	mux.HandleFunc("/server/student/person/center/exercise", guard(func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"dataList":[{"acStr":"P100, P101","unAcStr":"102"}]}`)
	}))
	mux.HandleFunc("/server/student/person/center/getProbelmUuid", guard(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("problemNo") == "P101" {
			fmt.Fprintf(w, `{"isSuccess":"1","data":"%s"}`, uuid101)
			return
		}
		fmt.Fprint(w, `{"isSuccess":"0","data":""}`)
	}))
	mux.HandleFunc("/server/student/stady/myls", guard(func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"classInfo":{"uuid":"cls"},"lessonInfo":[{"uuid":"l1","lessonName":"第一课"}]}`)
	}))
	mux.HandleFunc("/server/student/stady/getlesconNew", guard(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("classUuid") != "cls" {
			t.Errorf("lesson request without class uuid: %s", r.URL.RawQuery)
		}
		ok(w, fmt.Sprintf(`{"dataList":[{"uuid":"%s","name":"P102 数组求和"}]}`, uuid102))
	}))
	mux.HandleFunc("/server/student/stady/listSubNew", guard(func(w http.ResponseWriter, r *http.Request) {
		u := r.URL.Query().Get("problemUuid")
		s.mu.Lock()
		s.listed = append(s.listed, u)
		s.mu.Unlock()
		switch u {
		case uuid100:
			ok(w, `{"dataList":[{"uuid":"s1","submitTime":"2026-03-02 10:00:00","judgeResultSlug":"ac","judgeScore":"100","usedTime":12,"usedMemory":"1024","languageId":"4"}]}`)
		case uuid101:
			ok(w, `{"dataList":[{"uuid":"s2","submitTime":"2026-03-01 08:00","judgeResultSlug":"PE","languageId":9}]}`)
		default:
			ok(w, `[{"uuid":"s3","submitTime":"2026-02-01T08:00:00","judgeResultSlug":"TLE"}]`)
		}
	}))
	mux.HandleFunc("/server/student/stady/getClassWorkOne", guard(func(w http.ResponseWriter, r *http.Request) {
		ok(w, fmt.Sprintf(`{"data":{"problemNo":101,"uuid":"%s","problemName":"两数之和","difficultLevel":"普及-",
			"tagNameString":"模拟, 数学","description":"d","inputFormat":"i","outputFormat":"o","sampleInput":"1 2","sampleOutput":"3"}}`, uuid101))
	}))
	mux.HandleFunc("/server/student/stady/mDetail", guard(func(w http.ResponseWriter, r *http.Request) {
		ok(w, `{"data":{"code":"#include <cstdio>"}}`)
	}))
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *server) listedUUIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.listed...)
}

func newScraper(srv *server, idx *memIndex) *Scraper {
	return New(scraper.Options{
		BaseURL:  srv.URL,
		Cookie:   "Cookie: abc",
		Problems: idx,
	}).(*Scraper)
}

func drain(t *testing.T, s *Scraper, opts scraper.FetchOptions) []scraper.ScrapedSubmission {
	t.Helper()
	var subs []scraper.ScrapedSubmission
	for sub, err := range s.FetchSubmissions(context.Background(), "alice", opts) {
		if err != nil {
			t.Fatal(err)
		}
		subs = append(subs, sub)
	}
	return subs
}

func TestNormalizeCookie(t *testing.T) {
	tests := map[string]string{
		"abc":                    "JSESSIONID=abc",
		"  Cookie: JSESSIONID=x": "JSESSIONID=x",
		"cookie:abc":             "JSESSIONID=abc",
		"":                       "",
	}
	for in, want := range tests {
		if got := NormalizeCookie(in); got != want {
			t.Errorf("NormalizeCookie(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestFirstSyncResolvesEveryUUIDSource(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	idx := &memIndex{
		known:    map[string]bool{},
		accepted: map[string]bool{},
		uuids:    map[string]string{"P100": uuid100},
	}
	s := newScraper(srv, idx)

	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	subs := drain(t, s, scraper.FetchOptions{Since: &since})
	if len(subs) != 3 {
		t.Fatalf("got %d submissions, want 3 (new problems ignore since)", len(subs))
	}
	byID := map[string]scraper.ScrapedSubmission{}
	for _, sub := range subs {
		byID[sub.RecordID] = sub
	}
	s1 := byID["P100/s1"]
	if s1.Status != scraper.StatusAC || *s1.Score != 100 || *s1.MemoryKB != 1024 || s1.Language != "C++17" {
		t.Errorf("s1 = %+v", s1)
	}
	if want := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC); !s1.SubmittedAt.Equal(want) {
		t.Errorf("SubmittedAt = %v, want %v", s1.SubmittedAt, want)
	}
	if s2 := byID["P101/s2"]; s2.Status != scraper.StatusWA || s2.Language != "Language 9" {
		t.Errorf("s2 = %+v", s2)
	}
	if _, ok := byID["P102/s3"]; !ok {
		t.Error("lesson walk did not resolve P102")
	}

	if idx.uuids["P101"] != uuid101 || idx.uuids["P102"] != uuid102 {
		t.Errorf("uuids not persisted: %v", idx.uuids)
	}
	ac := map[string]bool{"100": true, "101": true}
	unac := map[string]bool{"102": true}
	if got := s.NextCursor(); got != ExerciseHash(ac, unac) {
		t.Errorf("NextCursor = %q", got)
	}
}

func TestUnchangedHashSkipsKnownProblems(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	idx := &memIndex{
		known:    map[string]bool{"P100": true, "P101": true, "P102": true},
		accepted: map[string]bool{"P100": true},
		uuids:    map[string]string{"P100": uuid100, "P101": uuid101, "P102": uuid102},
	}
	s := newScraper(srv, idx)
	hash := ExerciseHash(map[string]bool{"100": true, "101": true}, map[string]bool{"102": true})

	if subs := drain(t, s, scraper.FetchOptions{Cursor: hash}); len(subs) != 0 {
		t.Errorf("got %d submissions with an unchanged hash", len(subs))
	}
	if listed := srv.listedUUIDs(); len(listed) != 0 {
		t.Errorf("listed %v", listed)
	}
	if s.NextCursor() != hash {
		t.Error("cursor not carried forward")
	}

	// A changed hash refetches everything not accepted locally.
	drain(t, s, scraper.FetchOptions{Cursor: "stale"})
	got := srv.listedUUIDs()
	sort.Strings(got)
	if fmt.Sprint(got) != fmt.Sprint([]string{uuid102, uuid101}) {
		t.Errorf("listed %v", got)
	}
}

func TestSelectProblems(t *testing.T) {
	ac := map[string]bool{"1": true, "2": true}
	unac := map[string]bool{"3": true, "4": true}
	known := map[string]bool{"1": true, "2": true, "3": true}
	local := map[string]bool{"1": true}

	toSync, fresh := SelectProblems(ac, unac, known, local, false)
	if len(toSync) != 1 || !toSync["4"] || !fresh["4"] {
		t.Errorf("unchanged: toSync=%v fresh=%v", toSync, fresh)
	}
	toSync, _ = SelectProblems(ac, unac, known, local, true)
	if len(toSync) != 3 || toSync["1"] {
		t.Errorf("changed: toSync=%v", toSync)
	}
}

func TestSessionExpired(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	srv.expired = true
	s := newScraper(srv, &memIndex{known: map[string]bool{}, accepted: map[string]bool{}, uuids: map[string]string{}})

	if s.ValidateAccount(context.Background(), "alice") {
		t.Error("ValidateAccount succeeded with an expired session")
	}
	var got error
	for _, err := range s.FetchSubmissions(context.Background(), "alice", scraper.FetchOptions{}) {
		got = err
	}
	if !errors.Is(got, scraper.ErrSessionExpired) {
		t.Errorf("err = %v, want ErrSessionExpired", got)
	}
	var se *scraper.SessionExpiredError
	if !errors.As(got, &se) || se.Platform != Name {
		t.Errorf("err = %#v", got)
	}
}

func TestFetchProblemAndCode(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	idx := &memIndex{known: map[string]bool{}, accepted: map[string]bool{}, uuids: map[string]string{}}
	s := newScraper(srv, idx)
	ctx := context.Background()

	p, err := s.FetchProblem(ctx, "p101")
	if err != nil || p == nil {
		t.Fatalf("FetchProblem = %v, %v", p, err)
	}
	if p.ProblemID != "P101" || p.PlatformUUID != uuid101 || len(p.Tags) != 2 || p.Tags[1] != "数学" {
		t.Errorf("problem = %+v", p)
	}
	if p.Examples != "**输入样例**\n```\n1 2\n```\n\n**输出样例**\n```\n3\n```" {
		t.Errorf("Examples = %q", p.Examples)
	}
	if got := s.MapDifficulty(p.DifficultyRaw); got != 3 {
		t.Errorf("MapDifficulty(%q) = %d", p.DifficultyRaw, got)
	}
	if idx.uuids["P101"] != uuid101 {
		t.Error("uuid not persisted")
	}

	code, err := s.FetchSubmissionCode(ctx, "P101/s2")
	if err != nil || code != "#include <cstdio>" {
		t.Errorf("code = %q, %v", code, err)
	}
}
