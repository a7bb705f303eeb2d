package luogu

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"strconv"
	"strings"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"go.uber.org/zap"
)

const (
	Name        = "luogu"
	DefaultBase = "https://www.luogu.com.cn"
	maxPages    = 100
)

var Info = scraper.Info{
	Name:      Name,
	Display:   "洛谷",
	CodeFetch: true,
	AuthHint:  "请在浏览器登录洛谷后，F12 → Application → Cookies → 复制 __client_id 和 _uid 的值",
}

var statusMap = map[int]string{
	0:  scraper.StatusPending,
	1:  scraper.StatusJudging,
	2:  scraper.StatusCE,
	3:  scraper.StatusUnknown, // output limit exceeded
	4:  scraper.StatusMLE,
	5:  scraper.StatusTLE,
	6:  scraper.StatusWA,
	7:  scraper.StatusRE,
	11: scraper.StatusRE,
	12: scraper.StatusAC,
	14: scraper.StatusWA, // partially accepted
	21: scraper.StatusUnknown,
	22: scraper.StatusUnknown,
}

var difficultyLabels = []string{
	"暂无评定",
	"入门",
	"普及-",
	"普及/提高-",
	"普及+/提高",
	"提高+/省选-",
	"省选/NOI-",
	"NOI/NOI+",
}

var languages = map[int]string{
	0:  "Auto",
	1:  "Pascal",
	2:  "C",
	3:  "C++",
	4:  "C++11",
	6:  "Python 2",
	7:  "Python 3",
	8:  "Java 8",
	9:  "Node.js",
	11: "C++14",
	12: "C++17",
	14: "C++20",
	15: "Go",
	16: "Rust",
	17: "PHP",
	21: "C# Mono",
	22: "Haskell",
	23: "Kotlin/JVM",
	25: "Scala",
	27: "Perl",
	28: "PyPy 2",
	29: "PyPy 3",
}

type Scraper struct {
	base   string
	client *scraper.Client
	// RateLimitPause is how long to back off when the list endpoint answers 429.
	RateLimitPause time.Duration
	// maxPauses bounds the 429 pauses spent on one page.
	maxPauses int
}

func New(opts scraper.Options) scraper.Scraper {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBase
	}
	c := scraper.NewClient(Name, opts)
	c.SetHeader("x-lentille-request", "content-only")
	c.SetHeader("Referer", "https://www.luogu.com.cn/")
	if opts.Cookie != "" {
		c.SetHeader("Cookie", opts.Cookie)
	}
	pauses := opts.MaxAttempts
	if pauses <= 0 {
		pauses = 3
	}
	return &Scraper{base: strings.TrimRight(base, "/"), client: c, RateLimitPause: 30 * time.Second, maxPauses: pauses}
}

func (s *Scraper) Platform() string        { return Name }
func (s *Scraper) SupportsCodeFetch() bool { return true }
func (s *Scraper) OrderedStream() bool     { return true }

func (s *Scraper) ProblemURL(problemID string) string {
	return "https://www.luogu.com.cn/problem/" + problemID
}

type envelope[T any] struct {
	CurrentData T `json:"currentData"`
}

func (s *Scraper) ValidateAccount(ctx context.Context, uid string) bool {
	resp, err := s.client.Get(ctx, fmt.Sprintf("%s/user/%s", s.base, uid))
	if err != nil {
		zap.S().Errorf("failed to validate luogu account %s: %v", uid, err)
		return false
	}
	var data envelope[struct {
		User *struct {
			UID json.Number `json:"uid"`
		} `json:"user"`
	}]
	if err := resp.JSON(&data); err != nil {
		zap.S().Errorf("failed to validate luogu account %s: %v", uid, err)
		return false
	}
	u := data.CurrentData.User
	return u != nil && u.UID != "" && u.UID != "0"
}

type record struct {
	ID      json.Number `json:"id"`
	Problem struct {
		PID string `json:"pid"`
	} `json:"problem"`
	SubmitTime int64 `json:"submitTime"`
	Status     int   `json:"status"`
	Score      *int  `json:"score"`
	Language   *int  `json:"language"`
	Time       *int  `json:"time"`
	Memory     *int  `json:"memory"`
}

type recordList struct {
	Records struct {
		Result  []record `json:"result"`
		Count   int      `json:"count"`
		PerPage int      `json:"perPage"`
	} `json:"records"`
}

func (s *Scraper) FetchSubmissions(ctx context.Context, uid string, opts scraper.FetchOptions) iter.Seq2[scraper.ScrapedSubmission, error] {
	return func(yield func(scraper.ScrapedSubmission, error) bool) {
		pauses := 0
		for page := 1; page <= maxPages; {
			url := fmt.Sprintf("%s/record/list?user=%s&page=%d", s.base, uid, page)
			resp, err := s.client.Get(ctx, url)
			if scraper.StatusCode(err) == 429 {
				if pauses >= s.maxPauses {
					yield(scraper.ScrapedSubmission{}, fmt.Errorf("luogu record list page %d: still rate limited after %d pauses: %w", page, pauses, err))
					return
				}
				pauses++
				zap.S().Warnf("luogu rate limited (429), waiting %s before retrying page %d (%d/%d)", s.RateLimitPause, page, pauses, s.maxPauses)
				select {
				case <-time.After(s.RateLimitPause):
					continue
				case <-ctx.Done():
					yield(scraper.ScrapedSubmission{}, ctx.Err())
					return
				}
			}
			if err != nil {
				yield(scraper.ScrapedSubmission{}, fmt.Errorf("luogu record list page %d: %w", page, err))
				return
			}
			ct := resp.Header.Get("Content-Type")
			if !strings.Contains(ct, "application/json") && !strings.Contains(ct, "text/json") {
				yield(scraper.ScrapedSubmission{}, fmt.Errorf("luogu record list page %d: unexpected content type %q", page, ct))
				return
			}

			var data envelope[recordList]
			if err := resp.JSON(&data); err != nil {
				yield(scraper.ScrapedSubmission{}, err)
				return
			}
			records := data.CurrentData.Records
			if len(records.Result) == 0 {
				return
			}

			for _, r := range records.Result {
				sub := s.convert(r)
				if opts.Reached(sub) {
					return
				}
				if !yield(sub, nil) {
					return
				}
			}

			perPage := records.PerPage
			if perPage <= 0 {
				perPage = 20
			}
			totalPages := 1
			if records.Count > 0 {
				totalPages = (records.Count + perPage - 1) / perPage
			}
			if page >= totalPages {
				return
			}
			page++
			pauses = 0
		}
	}
}

func (s *Scraper) convert(r record) scraper.ScrapedSubmission {
	sub := scraper.ScrapedSubmission{
		RecordID:    r.ID.String(),
		ProblemID:   r.Problem.PID,
		Status:      s.MapStatus(strconv.Itoa(r.Status)),
		Score:       r.Score,
		TimeMS:      r.Time,
		MemoryKB:    r.Memory,
		SubmittedAt: time.Unix(r.SubmitTime, 0).UTC(),
	}
	if r.Language != nil {
		if name, ok := languages[*r.Language]; ok {
			sub.Language = name
		} else {
			sub.Language = strconv.Itoa(*r.Language)
		}
	}
	return sub
}

type problemDetail struct {
	Problem *struct {
		Title      string            `json:"title"`
		Difficulty int               `json:"difficulty"`
		Tags       []json.RawMessage `json:"tags"`
		Provider   *struct {
			Name string `json:"name"`
		} `json:"provider"`
		Background   string     `json:"background"`
		Description  string     `json:"description"`
		InputFormat  string     `json:"inputFormat"`
		OutputFormat string     `json:"outputFormat"`
		Samples      [][]string `json:"samples"`
		Hint         string     `json:"hint"`
	} `json:"problem"`
	Tags []tagEntry `json:"tags"`
}

type tagEntry struct {
	ID   json.Number `json:"id"`
	Name string      `json:"name"`
}

func (s *Scraper) FetchProblem(ctx context.Context, problemID string) (*scraper.ScrapedProblem, error) {
	resp, err := s.client.Get(ctx, fmt.Sprintf("%s/problem/%s", s.base, problemID))
	if err != nil {
		return nil, fmt.Errorf("luogu problem %s: %w", problemID, err)
	}
	var data envelope[problemDetail]
	if err := resp.JSON(&data); err != nil {
		return nil, err
	}
	p := data.CurrentData.Problem
	if p == nil {
		zap.S().Warnf("problem %s not found on luogu", problemID)
		return nil, nil
	}

	label := difficultyLabels[0]
	if p.Difficulty >= 0 && p.Difficulty < len(difficultyLabels) {
		label = difficultyLabels[p.Difficulty]
	}

	out := &scraper.ScrapedProblem{
		ProblemID:     problemID,
		Title:         p.Title,
		DifficultyRaw: label,
		Tags:          resolveTags(p.Tags, data.CurrentData.Tags),
		URL:           s.ProblemURL(problemID),
		InputDesc:     p.InputFormat,
		OutputDesc:    p.OutputFormat,
		Hint:          p.Hint,
	}
	if p.Provider != nil {
		out.Source = p.Provider.Name
	}

	desc := p.Background
	if p.Description != "" {
		if desc != "" {
			desc += "\n\n"
		}
		desc += p.Description
	}
	out.Description = desc

	var parts []string
	for i, sample := range p.Samples {
		if len(sample) >= 2 {
			parts = append(parts, fmt.Sprintf("输入样例 %d:\n%s\n输出样例 %d:\n%s", i+1, sample[0], i+1, sample[1]))
		}
	}
	out.Examples = strings.Join(parts, "\n\n")
	return out, nil
}

// resolveTags turns the problem's tag ids (or inline tag objects) into names,
// keeping the raw id when the lookup table does not know it.
func resolveTags(raw []json.RawMessage, table []tagEntry) []string {
	names := make(map[string]string, len(table))
	for _, t := range table {
		names[t.ID.String()] = t.Name
	}
	var tags []string
	for _, r := range raw {
		var obj struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(r, &obj); err == nil && obj.Name != "" {
			tags = append(tags, obj.Name)
			continue
		}
		id := strings.Trim(string(r), `"`)
		if name, ok := names[id]; ok && name != "" {
			tags = append(tags, name)
		} else {
			tags = append(tags, id)
		}
	}
	return tags
}

func (s *Scraper) FetchSubmissionCode(ctx context.Context, recordID string) (string, error) {
	resp, err := s.client.Get(ctx, fmt.Sprintf("%s/record/%s", s.base, recordID))
	if err != nil {
		return "", fmt.Errorf("luogu record %s: %w", recordID, err)
	}
	var data envelope[struct {
		Record struct {
			SourceCode string `json:"sourceCode"`
		} `json:"record"`
	}]
	if err := resp.JSON(&data); err != nil {
		return "", err
	}
	return data.CurrentData.Record.SourceCode, nil
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

// MapDifficulty accepts either the numeric level or its label.
func (s *Scraper) MapDifficulty(raw string) int {
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
		if n >= 0 && n <= 7 {
			return n
		}
		return 0
	}
	for level, label := range difficultyLabels {
		if label == raw {
			return level
		}
	}
	return 0
}
