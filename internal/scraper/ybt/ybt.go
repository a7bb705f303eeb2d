package ybt

import (
	"context"
	"fmt"
	"html"
	"iter"
	"math"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/simplifiedchinese"
)

const (
	Name           = "ybt"
	DefaultBase    = "http://ybt.ssoier.cn:8088"
	recordsPerPage = 20
)

var Info = scraper.Info{
	Name:          Name,
	Display:       "一本通OJ",
	RequiresLogin: true,
	CodeFetch:     true,
	AuthHint:      "请输入一本通OJ的用户名和密码",
}

// Server timestamps are Beijing time without a zone suffix.
var beijing = time.FixedZone("CST", 8*3600)

var languages = map[int]string{
	0: "C",
	1: "C",
	2: "C++",
	3: "Pascal",
	4: "BASIC",
	5: "Fortran",
	6: "Java",
	7: "C++",
	8: "Python",
}

// Matched by prefix, in order.
var resultStatuses = []struct {
	prefix, status string
}{
	{"Accepted", scraper.StatusAC},
	{"Wrong Answer", scraper.StatusWA},
	{"Time Limit Exceeded", scraper.StatusTLE},
	{"Memory Limit Exceeded", scraper.StatusMLE},
	{"Runtime Error", scraper.StatusRE},
	{"Compile Error", scraper.StatusCE},
	{"Presentation Error", scraper.StatusWA},
	{"Output Limit Exceeded", scraper.StatusRE},
	{"Waiting", scraper.StatusPending},
	{"Compiling", scraper.StatusJudging},
	{"Running", scraper.StatusJudging},
}

var (
	eeVarRe      = regexp.MustCompile(`var\s+ee\s*=\s*"([^"]*)"`)
	caseScoreRe  = regexp.MustCompile(`score[:\s]*(\d+)\s*/\s*(\d+)`)
	plainScoreRe = regexp.MustCompile(`(\d+)`)
)

// Scraper reads the ybt status and problem pages. Pages are GBK encoded; the
// collector keeps the PHP session cookie after the form login.
type Scraper struct {
	base      string
	client    *scraper.Client
	collector *colly.Collector
	password  string

	mu       sync.Mutex
	loggedIn atomic.Bool
}

func New(opts scraper.Options) scraper.Scraper {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBase
	}
	client := scraper.NewClient(Name, opts)
	ua := opts.UserAgent
	if ua == "" {
		ua = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	}
	c := colly.NewCollector(
		colly.UserAgent(ua),
		colly.AllowURLRevisit(),
	)
	c.SetClient(client.HTTPClient())
	return &Scraper{
		base:      strings.TrimRight(base, "/"),
		client:    client,
		collector: c,
		password:  opts.Password,
	}
}

func (s *Scraper) Platform() string        { return Name }
func (s *Scraper) SupportsCodeFetch() bool { return true }
func (s *Scraper) OrderedStream() bool     { return true }

func (s *Scraper) ProblemURL(problemID string) string {
	return "http://ybt.ssoier.cn:8088/problem_show.php?pid=" + problemID
}

// page fetches a URL through the collector (a form POST when form is non-nil)
// and returns the body as UTF-8.
func (s *Scraper) page(ctx context.Context, rawURL string, form map[string]string) (string, error) {
	var text string
	err := s.client.Retry(ctx, rawURL, func(ctx context.Context) error {
		c := s.collector.Clone()
		c.Context = ctx

		var (
			body        []byte
			contentType string
			status      int
		)
		c.OnResponse(func(r *colly.Response) {
			body = r.Body
			contentType = r.Headers.Get("Content-Type")
		})
		c.OnError(func(r *colly.Response, err error) {
			if r != nil {
				status = r.StatusCode
			}
		})

		var err error
		if form != nil {
			err = c.Post(rawURL, form)
		} else {
			err = c.Visit(rawURL)
		}
		if err != nil {
			if status != 0 {
				return &scraper.HTTPError{StatusCode: status, URL: rawURL}
			}
			return err
		}
		text, err = decode(body, contentType)
		return err
	})
	if scraper.AuthRejected(err) {
		return "", s.expired(err.Error())
	}
	return text, err
}

// loginWall reports whether a page is the login prompt ybt serves in place
// of a members-only page once the PHP session is gone.
func loginWall(page string) bool {
	if strings.Contains(page, "请先登录") || strings.Contains(page, "请登录") {
		return true
	}
	return strings.Contains(page, "login.php") && strings.Contains(page, `type="password"`)
}

// expired forgets the login so the next stream signs in again.
func (s *Scraper) expired(detail string) error {
	s.loggedIn.Store(false)
	return &scraper.SessionExpiredError{Platform: Name, Detail: detail}
}

// decode converts a GBK body to UTF-8. Bodies whose Content-Type names a
// charset have already been converted by the collector.
func decode(body []byte, contentType string) (string, error) {
	if strings.Contains(strings.ToLower(contentType), "charset=") {
		return string(body), nil
	}
	out, err := simplifiedchinese.GBK.NewDecoder().Bytes(body)
	if err != nil {
		return "", fmt.Errorf("decode gbk: %w", err)
	}
	return string(out), nil
}

func (s *Scraper) login(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loggedIn.Load() {
		return nil
	}
	if s.password == "" {
		return fmt.Errorf("%w: ybt requires a password", scraper.ErrLoginFailed)
	}

	text, err := s.page(ctx, s.base+"/login.php", map[string]string{
		"username": username,
		"password": s.password,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", scraper.ErrLoginFailed, err)
	}
	if strings.Contains(text, "密码错误") || strings.Contains(text, "用户不存在") {
		return fmt.Errorf("%w: ybt rejected credentials for %s", scraper.ErrLoginFailed, username)
	}
	s.loggedIn.Store(true)
	zap.S().Infof("ybt login successful for user %s", username)
	return nil
}

func (s *Scraper) ValidateAccount(ctx context.Context, uid string) bool {
	if err := s.login(ctx, uid); err != nil {
		zap.S().Errorf("ybt login error: %v", err)
		return false
	}
	return true
}

func (s *Scraper) FetchSubmissions(ctx context.Context, uid string, opts scraper.FetchOptions) iter.Seq2[scraper.ScrapedSubmission, error] {
	return func(yield func(scraper.ScrapedSubmission, error) bool) {
		if err := s.login(ctx, uid); err != nil {
			yield(scraper.ScrapedSubmission{}, err)
			return
		}
		for start := 0; ; start += recordsPerPage {
			text, err := s.page(ctx, fmt.Sprintf("%s/status.php?showname=%s&start=%d", s.base, uid, start), nil)
			if err != nil {
				yield(scraper.ScrapedSubmission{}, fmt.Errorf("ybt status page start=%d: %w", start, err))
				return
			}
			records := parseEE(text)
			if len(records) == 0 {
				if loginWall(text) {
					yield(scraper.ScrapedSubmission{}, s.expired("status page asked for a login"))
				}
				return
			}
			for _, rec := range records {
				sub, ok := s.parseRecord(rec)
				if !ok {
					continue
				}
				if opts.Reached(sub) {
					return
				}
				if !yield(sub, nil) {
					return
				}
			}
			if len(records) < recordsPerPage {
				return
			}
		}
	}
}

// parseEE extracts the '#'-separated records of the status page's ee variable.
func parseEE(page string) []string {
	m := eeVarRe.FindStringSubmatch(page)
	if m == nil {
		zap.S().Debug("could not find ee variable in ybt status page")
		return nil
	}
	var out []string
	for _, r := range strings.Split(m[1], "#") {
		if strings.TrimSpace(r) != "" {
			out = append(out, r)
		}
	}
	return out
}

// parseRecord decodes one backtick-separated record:
// user`FLAG_RUNID`pid`result`lang`codelen`time. The first character of
// FLAG_RUNID is a visibility flag.
func (s *Scraper) parseRecord(rec string) (scraper.ScrapedSubmission, bool) {
	fields := strings.Split(rec, "`")
	if len(fields) < 7 {
		zap.S().Debugf("ybt record has %d fields: %.80s", len(fields), rec)
		return scraper.ScrapedSubmission{}, false
	}
	if len(fields[1]) < 2 {
		return scraper.ScrapedSubmission{}, false
	}

	status, score := parseResult(strings.TrimSpace(fields[3]))
	sub := scraper.ScrapedSubmission{
		RecordID:    fields[1][1:],
		ProblemID:   strings.TrimSpace(fields[2]),
		Status:      status,
		Score:       score,
		SubmittedAt: time.Now().UTC(),
	}

	langStr := strings.TrimSpace(fields[4])
	if code, err := strconv.Atoi(langStr); err == nil {
		if name, ok := languages[code]; ok {
			sub.Language = name
		} else {
			sub.Language = fmt.Sprintf("Lang%d", code)
		}
	} else {
		sub.Language = langStr
	}

	if ts := strings.TrimSpace(fields[6]); ts != "" {
		if t, err := time.ParseInLocation(time.DateTime, ts, beijing); err == nil {
			sub.SubmittedAt = t
		} else if t, err := time.ParseInLocation("2006-01-02 15:04", ts, beijing); err == nil {
			sub.SubmittedAt = t
		} else {
			zap.S().Debugf("could not parse ybt submit time %q", ts)
		}
	}
	return sub, true
}

// parseResult maps "Accepted", "Wrong Answer|score:3/10" or "C" (compile
// error) to a status and a 0-10 score.
func parseResult(raw string) (string, *int) {
	if raw == "" {
		return scraper.StatusUnknown, nil
	}
	if raw == "C" {
		return scraper.StatusCE, nil
	}
	parts := strings.SplitN(raw, "|", 2)
	status := matchStatus(strings.TrimSpace(parts[0]))

	var score *int
	if len(parts) > 1 {
		detail := strings.TrimSpace(parts[1])
		if m := caseScoreRe.FindStringSubmatch(detail); m != nil {
			passed, _ := strconv.Atoi(m[1])
			total, _ := strconv.Atoi(m[2])
			v := 0
			if total > 0 {
				v = int(math.Round(10 * float64(passed) / float64(total)))
			}
			score = &v
		} else if m := plainScoreRe.FindStringSubmatch(detail); m != nil {
			v, _ := strconv.Atoi(m[1])
			score = &v
		}
	}
	if status == scraper.StatusAC && score == nil {
		score = scraper.IntPtr(10)
	}
	return status, score
}

func matchStatus(text string) string {
	for _, rs := range resultStatuses {
		if strings.HasPrefix(text, rs.prefix) {
			return rs.status
		}
	}
	return scraper.StatusUnknown
}

func (s *Scraper) FetchProblem(ctx context.Context, problemID string) (*scraper.ScrapedProblem, error) {
	text, err := s.page(ctx, fmt.Sprintf("%s/problem_show.php?pid=%s", s.base, problemID), nil)
	if err != nil {
		return nil, fmt.Errorf("ybt problem %s: %w", problemID, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return nil, err
	}

	title := strings.TrimSpace(doc.Find("h3").First().Text())
	if i := strings.Index(title, ":"); i >= 0 {
		title = strings.TrimSpace(title[i+1:])
	} else if i := strings.Index(title, "："); i >= 0 {
		title = strings.TrimSpace(title[i+len("："):])
	}
	if title == "" && !strings.Contains(text, "pshow") {
		return nil, nil
	}

	return &scraper.ScrapedProblem{
		ProblemID:   problemID,
		Title:       title,
		URL:         s.ProblemURL(problemID),
		Description: extractSection(doc, text, "题目描述"),
		InputDesc:   extractSection(doc, text, "输入"),
		OutputDesc:  extractSection(doc, text, "输出"),
		Hint:        extractSection(doc, text, "提示"),
		Examples:    extractExamples(doc),
	}, nil
}

var sectionStops = []string{"输入", "输出", "提示", "样例", "描述"}

// extractSection reads a pshow('name','content') call, falling back to the
// elements following a heading that mentions the section.
func extractSection(doc *goquery.Document, page, name string) string {
	re := regexp.MustCompile(`pshow\s*\(\s*'[^']*` + regexp.QuoteMeta(name) + `[^']*'\s*,\s*'([^']*)'\s*\)`)
	if m := re.FindStringSubmatch(page); m != nil {
		content := strings.NewReplacer(`\'`, "'", `\"`, `"`, `\n`, "\n").Replace(m[1])
		content = strings.TrimSpace(html.UnescapeString(content))
		if content != "" {
			return content
		}
	}

	var result string
	doc.Find("h3, h4, b, strong, p, div").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		if !strings.Contains(strings.TrimSpace(sel.Text()), name) {
			return true
		}
		var parts []string
		sel.NextAll().EachWithBreak(func(_ int, sib *goquery.Selection) bool {
			if sib.Is("h3, h4") {
				return false
			}
			if sib.Is("b, strong") {
				t := sib.Text()
				for _, kw := range sectionStops {
					if strings.Contains(t, kw) {
						return false
					}
				}
			}
			if t := strings.TrimSpace(sib.Text()); t != "" {
				parts = append(parts, t)
			}
			return true
		})
		if len(parts) > 0 {
			result = strings.Join(parts, "\n")
			return false
		}
		return true
	})
	return result
}

// extractExamples pairs consecutive <pre> blocks as input and output.
func extractExamples(doc *goquery.Document) string {
	pres := doc.Find("pre")
	var parts []string
	n := 1
	for i := 0; i < pres.Length(); i += 2 {
		in := strings.TrimSpace(pres.Eq(i).Text())
		out := ""
		if i+1 < pres.Length() {
			out = strings.TrimSpace(pres.Eq(i + 1).Text())
		}
		parts = append(parts, fmt.Sprintf("输入样例 %d:\n%s\n输出样例 %d:\n%s", n, in, n, out))
		n++
	}
	return strings.Join(parts, "\n\n")
}

func (s *Scraper) FetchSubmissionCode(ctx context.Context, recordID string) (string, error) {
	text, err := s.page(ctx, fmt.Sprintf("%s/show_source.php?runid=%s", s.base, recordID), nil)
	if err != nil {
		return "", fmt.Errorf("ybt source %s: %w", recordID, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
	if err != nil {
		return "", err
	}
	pre := doc.Find("pre").First()
	if pre.Length() == 0 {
		if loginWall(text) {
			return "", s.expired("source page asked for a login")
		}
		zap.S().Debugf("no <pre> found for ybt record %s", recordID)
		return "", nil
	}
	return pre.Text(), nil
}

func (s *Scraper) MapStatus(raw string) string {
	if raw == "C" {
		return scraper.StatusCE
	}
	return matchStatus(raw)
}

// MapDifficulty: ybt has no difficulty system.
func (s *Scraper) MapDifficulty(raw string) int {
	if n, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && n >= 0 && n <= 10 {
		return n
	}
	return 0
}
