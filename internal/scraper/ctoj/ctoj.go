package ctoj

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"math"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"go.uber.org/zap"
)

const (
	Name        = "ctoj"
	DefaultBase = "https://ctoj.ac"
)

var Info = scraper.Info{
	Name:          Name,
	Display:       "CTOJ (酷思未来)",
	RequiresLogin: true,
	CodeFetch:     true,
	AuthHint:      "请输入CTOJ (酷思未来) 的用户名和密码，系统会自动登录获取数据",
}

// Hydro record status codes.
var statusMap = map[int]string{
	0:  scraper.StatusPending,
	1:  scraper.StatusAC,
	2:  scraper.StatusWA,
	3:  scraper.StatusTLE,
	4:  scraper.StatusMLE,
	5:  scraper.StatusRE, // output limit
	6:  scraper.StatusRE,
	7:  scraper.StatusCE,
	8:  scraper.StatusUnknown,
	9:  scraper.StatusUnknown,
	20: scraper.StatusJudging,
	21: scraper.StatusJudging,
	30: scraper.StatusUnknown,
	31: scraper.StatusWA, // format error
}

var headingRe = regexp.MustCompile(`^##\s+(.+)`)

// Scraper reads the Hydro JSON views of CTOJ. Records live in per-domain
// streams, each newest-first, so the combined stream is not globally ordered.
type Scraper struct {
	base     string
	client   *scraper.Client
	password string

	mu       sync.Mutex
	loggedIn atomic.Bool
	domains  []string
}

func New(opts scraper.Options) scraper.Scraper {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBase
	}
	c := scraper.NewClient(Name, opts)
	c.SetHeader("Accept", "application/json")
	return &Scraper{
		base:     strings.TrimRight(base, "/"),
		client:   c,
		password: opts.Password,
	}
}

func (s *Scraper) Platform() string        { return Name }
func (s *Scraper) SupportsCodeFetch() bool { return true }
func (s *Scraper) OrderedStream() bool     { return false }

func (s *Scraper) ProblemURL(problemID string) string {
	if domain, pid, ok := strings.Cut(problemID, "/"); ok {
		return fmt.Sprintf("%s/d/%s/p/%s", DefaultBase, domain, pid)
	}
	return DefaultBase + "/p/" + problemID
}

func (s *Scraper) login(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn.Load() {
		return nil
	}
	if s.password == "" {
		return fmt.Errorf("%w: ctoj requires a password", scraper.ErrLoginFailed)
	}
	resp, err := s.client.PostJSON(ctx, s.base+"/login", map[string]string{
		"uname":    username,
		"password": s.password,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", scraper.ErrLoginFailed, err)
	}
	var data map[string]any
	if err := resp.JSON(&data); err != nil {
		return fmt.Errorf("%w: %v", scraper.ErrLoginFailed, err)
	}
	// Hydro answers a successful login with a redirect target.
	if _, ok := data["url"]; !ok {
		return fmt.Errorf("%w: %v", scraper.ErrLoginFailed, data["error"])
	}
	s.loggedIn.Store(true)
	zap.S().Infof("ctoj login successful for user %s", username)
	return nil
}

// get fetches a JSON page. Hydro answers an expired session with 401/403 or
// by redirecting to the HTML login page.
func (s *Scraper) get(ctx context.Context, u string) (*scraper.Response, error) {
	resp, err := s.client.Get(ctx, u)
	if err != nil {
		if scraper.AuthRejected(err) {
			return nil, s.expired(err.Error())
		}
		return nil, err
	}
	if body := bytes.TrimSpace(resp.Body); bytes.HasPrefix(body, []byte("<")) && bytes.Contains(body, []byte("login")) {
		return nil, s.expired("redirected to the login page")
	}
	return resp, nil
}

// expired forgets the login so the next stream signs in again.
func (s *Scraper) expired(detail string) error {
	s.loggedIn.Store(false)
	return &scraper.SessionExpiredError{Platform: Name, Detail: detail}
}

// fetchDomains lists the domains the logged-in user belongs to. The result is
// cached for the adapter's lifetime.
func (s *Scraper) fetchDomains(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	cached := s.domains
	s.mu.Unlock()
	if cached != nil {
		return cached, nil
	}

	resp, err := s.get(ctx, s.base+"/home/domain")
	if err != nil {
		return nil, fmt.Errorf("ctoj domains: %w", err)
	}
	var data struct {
		Ddocs []struct {
			ID string `json:"_id"`
		} `json:"ddocs"`
	}
	if err := resp.JSON(&data); err != nil {
		return nil, err
	}
	domains := make([]string, 0, len(data.Ddocs))
	for _, d := range data.Ddocs {
		if d.ID != "" {
			domains = append(domains, d.ID)
		}
	}
	zap.S().Infof("ctoj found %d domains: %v", len(domains), domains)

	s.mu.Lock()
	s.domains = domains
	s.mu.Unlock()
	return domains, nil
}

func (s *Scraper) ValidateAccount(ctx context.Context, uid string) bool {
	if err := s.login(ctx, uid); err != nil {
		zap.S().Errorf("ctoj login error: %v", err)
		return false
	}
	domains, err := s.fetchDomains(ctx)
	if err != nil {
		zap.S().Errorf("ctoj domain list: %v", err)
		return false
	}
	if len(domains) == 0 {
		zap.S().Warn("ctoj login succeeded but no domains found")
		return false
	}
	return true
}

type record struct {
	ID      scraper.FlexString `json:"_id"`
	UID     scraper.FlexString `json:"uid"`
	Pid     scraper.FlexString `json:"pid"`
	Status  *int               `json:"status"`
	Score   *float64           `json:"score"`
	Lang    string             `json:"lang"`
	Time    *float64           `json:"time"`
	Memory  *float64           `json:"memory"`
	JudgeAt json.RawMessage    `json:"judgeAt"`
}

func (s *Scraper) FetchSubmissions(ctx context.Context, uid string, opts scraper.FetchOptions) iter.Seq2[scraper.ScrapedSubmission, error] {
	return func(yield func(scraper.ScrapedSubmission, error) bool) {
		if err := s.login(ctx, uid); err != nil {
			yield(scraper.ScrapedSubmission{}, err)
			return
		}
		domains, err := s.fetchDomains(ctx)
		if err != nil {
			yield(scraper.ScrapedSubmission{}, err)
			return
		}
		for _, domain := range domains {
			if !s.domainSubmissions(ctx, domain, uid, opts, yield) {
				return
			}
		}
	}
}

// domainSubmissions streams one domain. It returns false when the whole
// stream must stop, either because the consumer did or because of an error.
func (s *Scraper) domainSubmissions(ctx context.Context, domain, uid string, opts scraper.FetchOptions, yield func(scraper.ScrapedSubmission, error) bool) bool {
	for page := 1; ; page++ {
		u := fmt.Sprintf("%s/d/%s/record?uidOrName=%s&page=%d", s.base, domain, url.QueryEscape(uid), page)
		resp, err := s.get(ctx, u)
		if err != nil {
			yield(scraper.ScrapedSubmission{}, fmt.Errorf("ctoj domain %s page %d: %w", domain, page, err))
			return false
		}
		var data struct {
			Rdocs []record `json:"rdocs"`
			Udocs []struct {
				ID    scraper.FlexString `json:"_id"`
				Uname string             `json:"uname"`
			} `json:"udocs"`
			Rpcount *int `json:"rpcount"`
		}
		if err := resp.JSON(&data); err != nil {
			yield(scraper.ScrapedSubmission{}, fmt.Errorf("ctoj domain %s page %d: %w", domain, page, err))
			return false
		}
		if len(data.Rdocs) == 0 {
			return true
		}
		unames := make(map[string]string, len(data.Udocs))
		for _, u := range data.Udocs {
			unames[u.ID.String()] = u.Uname
		}

		for _, r := range data.Rdocs {
			// The record list is not filtered server side.
			if r.UID.String() != uid && unames[r.UID.String()] != uid {
				continue
			}
			sub := s.convert(domain, r)
			if opts.Reached(sub) {
				return true
			}
			if !yield(sub, nil) {
				return false
			}
		}

		pages := 1
		if data.Rpcount != nil {
			pages = *data.Rpcount
		}
		if page >= pages {
			return true
		}
	}
}

func (s *Scraper) convert(domain string, r record) scraper.ScrapedSubmission {
	status := scraper.StatusUnknown
	if r.Status != nil {
		status = s.MapStatus(strconv.Itoa(*r.Status))
	}
	sub := scraper.ScrapedSubmission{
		RecordID:    domain + "/" + r.ID.String(),
		ProblemID:   domain + "/" + r.Pid.String(),
		Status:      status,
		Language:    r.Lang,
		SubmittedAt: parseJudgeAt(r.JudgeAt),
	}
	if r.Score != nil {
		sub.Score = scraper.IntPtr(int(*r.Score))
	}
	if r.Time != nil {
		sub.TimeMS = scraper.IntPtr(int(*r.Time))
	}
	if r.Memory != nil {
		// bytes
		sub.MemoryKB = scraper.IntPtr(int(*r.Memory) / 1024)
	}
	return sub
}

func parseJudgeAt(raw json.RawMessage) time.Time {
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
	if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
		return t.UTC()
	}
	clean := strings.TrimSuffix(strings.Replace(str, "T", " ", 1), "Z")
	if i := strings.IndexByte(clean, '.'); i >= 0 {
		clean = clean[:i]
	}
	t, err := time.Parse(time.DateTime, clean)
	if err != nil {
		zap.S().Debugf("could not parse ctoj judgeAt %q: %v", str, err)
		return time.Now().UTC()
	}
	return t
}

func (s *Scraper) FetchProblem(ctx context.Context, problemID string) (*scraper.ScrapedProblem, error) {
	domain, pid, ok := strings.Cut(problemID, "/")
	if !ok {
		zap.S().Warnf("invalid ctoj problem id %q", problemID)
		return nil, nil
	}
	resp, err := s.get(ctx, fmt.Sprintf("%s/d/%s/p/%s", s.base, domain, pid))
	if err != nil {
		if scraper.StatusCode(err) == 404 {
			return nil, nil
		}
		return nil, fmt.Errorf("ctoj problem %s: %w", problemID, err)
	}
	var data struct {
		Pdoc *struct {
			Title      string          `json:"title"`
			Content    string          `json:"content"`
			Difficulty *float64        `json:"difficulty"`
			Tag        json.RawMessage `json:"tag"`
		} `json:"pdoc"`
	}
	if err := resp.JSON(&data); err != nil {
		return nil, err
	}
	if data.Pdoc == nil {
		zap.S().Warnf("ctoj problem %s not found", problemID)
		return nil, nil
	}
	p := data.Pdoc

	var tags []string
	var rawTags []any
	if err := json.Unmarshal(p.Tag, &rawTags); err == nil {
		for _, t := range rawTags {
			if name, ok := t.(string); ok {
				tags = append(tags, name)
			}
		}
	}

	var difficulty string
	if p.Difficulty != nil {
		difficulty = strconv.FormatFloat(*p.Difficulty, 'f', -1, 64)
	}

	sec := splitSections(p.Content)
	return &scraper.ScrapedProblem{
		ProblemID:     problemID,
		Title:         p.Title,
		DifficultyRaw: difficulty,
		Tags:          tags,
		URL:           s.ProblemURL(problemID),
		Description:   sec.description,
		InputDesc:     sec.input,
		OutputDesc:    sec.output,
		Examples:      sec.examples,
		Hint:          sec.hint,
	}, nil
}

type sections struct {
	description, input, output, examples, hint string
}

// splitSections maps the "## " headed blocks of a Hydro statement onto the
// problem fields. Text before the first heading is the description.
func splitSections(content string) sections {
	var out sections
	if content == "" {
		return out
	}
	type block struct{ key, body string }
	var blocks []block
	key := ""
	var lines []string
	flush := func() {
		blocks = append(blocks, block{key, strings.TrimSpace(strings.Join(lines, "\n"))})
	}
	for _, line := range strings.Split(content, "\n") {
		if m := headingRe.FindStringSubmatch(line); m != nil {
			flush()
			key = strings.TrimSpace(m[1])
			lines = nil
			continue
		}
		lines = append(lines, line)
	}
	flush()

	for i, b := range blocks {
		if b.body == "" {
			continue
		}
		if i == 0 {
			out.description = b.body
			continue
		}
		k := strings.ToLower(b.key)
		switch {
		case strings.Contains(k, "输入") && strings.Contains(k, "格式") || k == "输入":
			out.input = b.body
		case strings.Contains(k, "输出") && strings.Contains(k, "格式") || k == "输出":
			out.output = b.body
		case strings.Contains(k, "样例") || strings.Contains(k, "sample") || strings.Contains(k, "example"):
			if out.examples != "" {
				out.examples += "\n\n"
			}
			out.examples += b.body
		case strings.Contains(k, "提示") || strings.Contains(k, "说明") || strings.Contains(k, "hint") || strings.Contains(k, "note"):
			out.hint = b.body
		}
	}
	return out
}

func (s *Scraper) FetchSubmissionCode(ctx context.Context, recordID string) (string, error) {
	domain, rid, ok := strings.Cut(recordID, "/")
	if !ok {
		return "", fmt.Errorf("invalid ctoj record id %q", recordID)
	}
	resp, err := s.get(ctx, fmt.Sprintf("%s/d/%s/record/%s", s.base, domain, rid))
	if err != nil {
		return "", fmt.Errorf("ctoj record %s: %w", recordID, err)
	}
	var data struct {
		Rdoc struct {
			Code string `json:"code"`
		} `json:"rdoc"`
	}
	if err := resp.JSON(&data); err != nil {
		return "", err
	}
	return data.Rdoc.Code, nil
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

// MapDifficulty scales Hydro's 0-10 difficulty onto 0-7.
func (s *Scraper) MapDifficulty(raw string) int {
	f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0
	}
	return min(max(int(math.Round(float64(int(f))*7/10)), 0), 7)
}
