package ybt

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"golang.org/x/text/encoding/simplifiedchinese"
)

func gbk(t *testing.T, s string) []byte {
	t.Helper()
	out, err := simplifiedchinese.GBK.NewEncoder().String(s)
	if err != nil {
		t.Fatalf("encode gbk: %v", err)
	}
	return []byte(out)
}

const statusPage = `<html><script>
var ee="alice:Alice` + "`" + `18821` + "`" + `1001` + "`" + `Accepted` + "`" + `2` + "`" + `120` + "`" + `2026-03-02 10:00:00#alice:Alice` + "`" + `18820` + "`" + `1001` + "`" + `Wrong Answer|score:3/10` + "`" + `8` + "`" + `80` + "`" + `2026-03-01 09:30#alice:Alice` + "`" + `1` + "`" + `bad";
</script></html>`

const problemPage = `<html><body>
<h3>1001：Hello, World!</h3>
<script>
pshow('【题目描述】','编写一个能够输出&ldquo;Hello, World!&rdquo;的程序。');
pshow('【输入】','无');
pshow('【输出】','Hello, World!');
</script>
<pre>(无)</pre><pre>Hello, World!</pre>
</body></html>`

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	write := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "text/html")
		w.Write(gbk(t, body))
	}
	mux.HandleFunc("/login.php", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.PostForm.Get("password") != "pw" {
			write(w, "<html>密码错误</html>")
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "PHPSESSID", Value: "sess", Path: "/"})
		write(w, "<html>欢迎</html>")
	})
	mux.HandleFunc("/status.php", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("PHPSESSID"); err != nil || c.Value != "sess" {
			t.Errorf("status page requested without session cookie")
		}
		write(w, statusPage)
	})
	mux.HandleFunc("/problem_show.php", func(w http.ResponseWriter, r *http.Request) {
		write(w, problemPage)
	})
	mux.HandleFunc("/show_source.php", func(w http.ResponseWriter, r *http.Request) {
		write(w, "<html><pre>#include &lt;cstdio&gt;\nint main(){}</pre></html>")
	})
	return httptest.NewServer(mux)
}

func TestFetchSubmissions(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	s := New(scraper.Options{BaseURL: srv.URL, Password: "pw"})

	var subs []scraper.ScrapedSubmission
	for sub, err := range s.FetchSubmissions(context.Background(), "alice", scraper.FetchOptions{}) {
		if err != nil {
			t.Fatal(err)
		}
		subs = append(subs, sub)
	}
	if len(subs) != 2 {
		t.Fatalf("got %d submissions, want 2 (malformed record skipped)", len(subs))
	}
	first := subs[0]
	if first.RecordID != "8821" || first.ProblemID != "1001" || first.Status != scraper.StatusAC || *first.Score != 10 || first.Language != "C++" {
		t.Errorf("first = %+v", first)
	}
	if want := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC); !first.SubmittedAt.Equal(want) {
		t.Errorf("SubmittedAt = %v, want %v", first.SubmittedAt, want)
	}
	second := subs[1]
	if second.Status != scraper.StatusWA || *second.Score != 3 || second.Language != "Python" {
		t.Errorf("second = %+v", second)
	}
}

func TestWrongPasswordIsLoginFailure(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	s := New(scraper.Options{BaseURL: srv.URL, Password: "nope"})

	for _, err := range s.FetchSubmissions(context.Background(), "alice", scraper.FetchOptions{}) {
		if !errors.Is(err, scraper.ErrLoginFailed) {
			t.Errorf("err = %v, want ErrLoginFailed", err)
		}
	}
}

func TestFetchProblemAndCode(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()
	s := New(scraper.Options{BaseURL: srv.URL, Password: "pw"})
	ctx := context.Background()

	p, err := s.FetchProblem(ctx, "1001")
	if err != nil || p == nil {
		t.Fatalf("FetchProblem = %v, %v", p, err)
	}
	if p.Title != "Hello, World!" {
		t.Errorf("Title = %q", p.Title)
	}
	if p.Description != "编写一个能够输出“Hello, World!”的程序。" {
		t.Errorf("Description = %q", p.Description)
	}
	if p.InputDesc != "无" || p.OutputDesc != "Hello, World!" {
		t.Errorf("io = %q / %q", p.InputDesc, p.OutputDesc)
	}
	if !strings.HasPrefix(p.Examples, "输入样例 1:\n(无)\n输出样例 1:\nHello, World!") {
		t.Errorf("Examples = %q", p.Examples)
	}

	code, err := s.FetchSubmissionCode(ctx, "8821")
	if err != nil || code != "#include <cstdio>\nint main(){}" {
		t.Errorf("code = %q, %v", code, err)
	}
}

func TestParseResult(t *testing.T) {
	tests := []struct {
		raw    string
		status string
		score  int
	}{
		{"Accepted", scraper.StatusAC, 10},
		{"Accepted|score:4/10", scraper.StatusAC, 4},
		{"Wrong Answer|score:1/3", scraper.StatusWA, 3},
		{"Time Limit Exceeded|7", scraper.StatusTLE, 7},
		{"C", scraper.StatusCE, -1},
		{"Something else", scraper.StatusUnknown, -1},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			status, score := parseResult(tt.raw)
			if status != tt.status {
				t.Errorf("status = %q, want %q", status, tt.status)
			}
			got := -1
			if score != nil {
				got = *score
			}
			if got != tt.score {
				t.Errorf("score = %d, want %d", got, tt.score)
			}
		})
	}
}

func TestLoginWallIsSessionError(t *testing.T) {
	const wall = `<html><form action="login.php" method="post"><input name="username"><input type="password" name="password"></form></html>`
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"login form", http.StatusOK, wall},
		{"notice", http.StatusOK, "<html>请先登录</html>"},
		{"http 403", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logins := 0
			mux := http.NewServeMux()
			mux.HandleFunc("/login.php", func(w http.ResponseWriter, r *http.Request) {
				logins++
				w.Header().Set("Content-Type", "text/html")
				w.Write(gbk(t, "<html>欢迎</html>"))
			})
			page := func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				w.WriteHeader(tt.status)
				w.Write(gbk(t, tt.body))
			}
			mux.HandleFunc("/status.php", page)
			mux.HandleFunc("/show_source.php", page)
			srv := httptest.NewServer(mux)
			defer srv.Close()
			s := New(scraper.Options{BaseURL: srv.URL, Password: "pw", BaseDelay: time.Millisecond})
			ctx := context.Background()

			var got error
			for _, err := range s.FetchSubmissions(ctx, "alice", scraper.FetchOptions{}) {
				got = err
				break
			}
			var se *scraper.SessionExpiredError
			if !errors.As(got, &se) || se.Platform != Name {
				t.Fatalf("FetchSubmissions err = %v, want SessionExpiredError", got)
			}
			if _, err := s.FetchSubmissionCode(ctx, "8821"); !errors.Is(err, scraper.ErrSessionExpired) {
				t.Errorf("FetchSubmissionCode err = %v, want ErrSessionExpired", err)
			}
			for range s.FetchSubmissions(ctx, "alice", scraper.FetchOptions{}) {
				break
			}
			if logins != 2 {
				t.Errorf("logins = %d, want 2", logins)
			}
		})
	}
}
