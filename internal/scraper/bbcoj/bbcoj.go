package bbcoj

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"go.uber.org/zap"
)

const (
	Name        = "bbcoj"
	DefaultBase = "https://www.bbcoj.cn"
	pageSize    = 20
)

var Info = scraper.Info{
	Name:          Name,
	Display:       "BBC OJ",
	RequiresLogin: true,
	CodeFetch:     true,
	AuthHint:      "请输入BBC OJ的用户名和密码，系统会自动登录获取数据",
}

var statusMap = map[int]string{
	0:   scraper.StatusAC,
	-1:  scraper.StatusWA,
	-2:  scraper.StatusTLE,
	-3:  scraper.StatusMLE,
	-4:  scraper.StatusRE,
	-5:  scraper.StatusCE,
	-10: scraper.StatusUnknown, // system error
	1:   scraper.StatusPending,
	2:   scraper.StatusPending,
	3:   scraper.StatusPending,
	4:   scraper.StatusJudging,
	5:   scraper.StatusJudging,
	6:   scraper.StatusPending,
	7:   scraper.StatusJudging,
	8:   scraper.StatusWA, // partial accepted
	9:   scraper.StatusUnknown,
}

var languages = map[string]string{
	"C":               "C",
	"C++":             "C++",
	"C++ With O2":     "C++ (O2)",
	"C++ 17":          "C++17",
	"C++ 17 With O2":  "C++17 (O2)",
	"Java":            "Java",
	"Python2":         "Python 2",
	"Python3":         "Python 3",
	"PyPy2":           "PyPy 2",
	"PyPy3":           "PyPy 3",
	"Go":              "Go",
	"C#":              "C#",
	"JavaScript V8":   "JavaScript",
	"JavaScript Node": "Node.js",
	"PHP":             "PHP",
	"Ruby":            "Ruby",
}

var difficultyLabels = map[string]int{
	"简单":     1,
	"中等":     2,
	"困难":     3,
	"Easy":   1,
	"Medium": 2,
	"Hard":   3,
}

// Scraper talks to the HOJ-based BBC OJ API. It logs in with the account's
// password on first use and keeps the token for its lifetime.
type Scraper struct {
	base     string
	client   *scraper.Client
	password string

	mu       sync.Mutex
	loggedIn atomic.Bool
}

func New(opts scraper.Options) scraper.Scraper {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBase
	}
	return &Scraper{
		base:     strings.TrimRight(base, "/"),
		client:   scraper.NewClient(Name, opts),
		password: opts.Password,
	}
}

func (s *Scraper) Platform() string        { return Name }
func (s *Scraper) SupportsCodeFetch() bool { return true }
func (s *Scraper) OrderedStream() bool     { return true }

func (s *Scraper) ProblemURL(problemID string) string {
	return "https://www.bbcoj.cn/problem/" + problemID
}

type apiResponse struct {
	Status int             `json:"status"`
	Msg    string          `json:"msg"`
	Data   json.RawMessage `json:"data"`
}

func (s *Scraper) call(resp *scraper.Response, err error, v any) error {
	if err != nil {
		if scraper.AuthRejected(err) {
			return s.expired(err.Error())
		}
		return err
	}
	var env apiResponse
	if err := resp.JSON(&env); err != nil {
		return err
	}
	// HOJ wraps an expired token in a 200 response with status 401.
	if env.Status == 401 || env.Status == 403 {
		return s.expired(env.Msg)
	}
	if env.Status != 200 {
		return fmt.Errorf("bbcoj api status %d: %s", env.Status, env.Msg)
	}
	if v == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, v)
}

// expired forgets the token so the next call logs in again.
func (s *Scraper) expired(detail string) error {
	s.loggedIn.Store(false)
	return &scraper.SessionExpiredError{Platform: Name, Detail: detail}
}

func (s *Scraper) login(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn.Load() {
		return nil
	}
	if s.password == "" {
		return fmt.Errorf("%w: bbcoj requires a password", scraper.ErrLoginFailed)
	}

	resp, err := s.client.PostJSON(ctx, s.base+"/api/login", map[string]string{
		"username": username,
		"password": s.password,
	})
	var data struct {
		Token string `json:"token"`
	}
	if err := s.call(resp, err, &data); err != nil {
		return fmt.Errorf("%w: %v", scraper.ErrLoginFailed, err)
	}
	if data.Token == "" {
		return fmt.Errorf("%w: no token returned", scraper.ErrLoginFailed)
	}
	s.client.SetHeader("Authorization", data.Token)
	s.loggedIn.Store(true)
	zap.S().Infof("bbcoj login successful for user %s", username)
	return nil
}

func (s *Scraper) ValidateAccount(ctx context.Context, uid string) bool {
	if err := s.login(ctx, uid); err != nil {
		zap.S().Errorf("bbcoj login error: %v", err)
		return false
	}
	return true
}

type record struct {
	SubmitID   scraper.FlexString `json:"submitId"`
	SubmitTime json.RawMessage    `json:"submitTime"`
	DisplayPid scraper.FlexString `json:"displayPid"`
	Pid        scraper.FlexString `json:"pid"`
	Status     *int               `json:"status"`
	Score      *int               `json:"score"`
	Language   string             `json:"language"`
	Time       *int               `json:"time"`
	Memory     *int               `json:"memory"`
}

func (s *Scraper) FetchSubmissions(ctx context.Context, uid string, opts scraper.FetchOptions) iter.Seq2[scraper.ScrapedSubmission, error] {
	return func(yield func(scraper.ScrapedSubmission, error) bool) {
		if err := s.login(ctx, uid); err != nil {
			yield(scraper.ScrapedSubmission{}, err)
			return
		}
		for page := 1; ; page++ {
			u := fmt.Sprintf("%s/api/get-submission-list?limit=%d&currentPage=%d&onlyMine=true", s.base, pageSize, page)
			resp, err := s.client.Get(ctx, u)
			var data struct {
				Records []record `json:"records"`
				Total   int      `json:"total"`
			}
			if err := s.call(resp, err, &data); err != nil {
				yield(scraper.ScrapedSubmission{}, fmt.Errorf("bbcoj submission list page %d: %w", page, err))
				return
			}
			if len(data.Records) == 0 {
				return
			}
			for _, r := range data.Records {
				sub := s.convert(r)
				if opts.Reached(sub) {
					return
				}
				if !yield(sub, nil) {
					return
				}
			}
			if page*pageSize >= data.Total {
				return
			}
		}
	}
}

func (s *Scraper) convert(r record) scraper.ScrapedSubmission {
	pid := r.DisplayPid.String()
	if pid == "" {
		pid = r.Pid.String()
	}
	status := scraper.StatusUnknown
	if r.Status != nil {
		status = s.MapStatus(strconv.Itoa(*r.Status))
	}
	lang := r.Language
	if mapped, ok := languages[lang]; ok {
		lang = mapped
	}
	return scraper.ScrapedSubmission{
		RecordID:    r.SubmitID.String(),
		ProblemID:   pid,
		Status:      status,
		Score:       r.Score,
		Language:    lang,
		TimeMS:      r.Time,
		MemoryKB:    r.Memory,
		SubmittedAt: parseSubmitTime(r.SubmitTime),
	}
}

// parseSubmitTime accepts ISO-8601 strings or epoch milliseconds. Unparseable
// values fall back to the current time.
func parseSubmitTime(raw json.RawMessage) time.Time {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Now().UTC()
	}
	var ms float64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(int64(ms)).UTC()
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return time.Now().UTC()
	}
	clean := strings.TrimSuffix(strings.Replace(str, "T", " ", 1), "Z")
	if i := strings.IndexByte(clean, '.'); i >= 0 {
		clean = clean[:i]
	}
	if i := strings.IndexByte(clean, '+'); i >= 0 {
		clean = clean[:i]
	}
	t, err := time.Parse(time.DateTime, clean)
	if err != nil {
		zap.S().Debugf("could not parse bbcoj submit time %q: %v", str, err)
		return time.Now().UTC()
	}
	return t
}

type example struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

func (s *Scraper) FetchProblem(ctx context.Context, problemID string) (*scraper.ScrapedProblem, error) {
	u := fmt.Sprintf("%s/api/get-problem-detail?problemId=%s", s.base, url.QueryEscape(problemID))
	resp, err := s.client.Get(ctx, u)
	if err != nil && !scraper.AuthRejected(err) {
		return nil, fmt.Errorf("bbcoj problem %s: %w", problemID, err)
	}
	var data json.RawMessage
	if err := s.call(resp, err, &data); err != nil {
		if errors.Is(err, scraper.ErrSessionExpired) {
			return nil, err
		}
		zap.S().Warnf("bbcoj problem %s not found: %v", problemID, err)
		return nil, nil
	}
	body := unwrap(data, "problem")
	if len(body) == 0 || string(body) == "null" {
		return nil, nil
	}

	var p struct {
		Title       string             `json:"title"`
		Description string             `json:"description"`
		Input       string             `json:"input"`
		Output      string             `json:"output"`
		Hint        string             `json:"hint"`
		Source      string             `json:"source"`
		Difficulty  scraper.FlexString `json:"difficulty"`
		Examples    []json.RawMessage  `json:"examples"`
		Tags        []json.RawMessage  `json:"tags"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return nil, err
	}

	var parts []string
	for i, raw := range p.Examples {
		var ex example
		if err := json.Unmarshal(raw, &ex); err == nil {
			parts = append(parts, fmt.Sprintf("输入样例 %d:\n%s\n输出样例 %d:\n%s", i+1, ex.Input, i+1, ex.Output))
			continue
		}
		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			parts = append(parts, text)
		}
	}

	var tags []string
	for _, raw := range p.Tags {
		var obj struct {
			ID   scraper.FlexString `json:"id"`
			Name string             `json:"name"`
		}
		if err := json.Unmarshal(raw, &obj); err == nil {
			if obj.Name != "" {
				tags = append(tags, obj.Name)
			} else if obj.ID != "" {
				tags = append(tags, obj.ID.String())
			}
			continue
		}
		var name string
		if err := json.Unmarshal(raw, &name); err == nil && name != "" {
			tags = append(tags, name)
		}
	}

	return &scraper.ScrapedProblem{
		ProblemID:     problemID,
		Title:         p.Title,
		DifficultyRaw: p.Difficulty.String(),
		Tags:          tags,
		Source:        p.Source,
		URL:           s.ProblemURL(problemID),
		Description:   p.Description,
		InputDesc:     p.Input,
		OutputDesc:    p.Output,
		Examples:      strings.Join(parts, "\n\n"),
		Hint:          p.Hint,
	}, nil
}

func (s *Scraper) FetchSubmissionCode(ctx context.Context, recordID string) (string, error) {
	u := fmt.Sprintf("%s/api/get-submission-detail?submitId=%s&cid=0", s.base, url.QueryEscape(recordID))
	resp, err := s.client.Get(ctx, u)
	var data json.RawMessage
	if err := s.call(resp, err, &data); err != nil {
		return "", fmt.Errorf("bbcoj submission %s: %w", recordID, err)
	}
	var sub struct {
		Code string `json:"code"`
	}
	if err := json.Unmarshal(unwrap(data, "submission"), &sub); err != nil {
		return "", err
	}
	return sub.Code, nil
}

// unwrap returns data[key] when present and data itself otherwise.
func unwrap(data json.RawMessage, key string) json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		return data
	}
	if inner, ok := obj[key]; ok && string(inner) != "null" {
		return inner
	}
	return data
}

func (s *Scraper) MapStatus(raw string) string {
	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return scraper.StatusUnknown
	}
	if st, ok := statusMap[code]; ok {
		return st
	}
	return scraper.StatusUnknown
}

// MapDifficulty passes numeric levels through (clamped to 0-10) and maps the
// textual easy/medium/hard labels.
func (s *Scraper) MapDifficulty(raw string) int {
	raw = strings.TrimSpace(raw)
	if n, err := strconv.Atoi(raw); err == nil {
		return min(max(n, 0), 10)
	}
	return difficultyLabels[raw]
}
