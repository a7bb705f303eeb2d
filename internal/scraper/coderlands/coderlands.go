package coderlands

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/scraper"
	"go.uber.org/zap"
)

const (
	Name        = "coderlands"
	DefaultBase = "https://course.coderlands.com"
	uuidTTL     = 12 * time.Hour
)

var Info = scraper.Info{
	Name:          Name,
	Display:       "代码部落",
	RequiresLogin: true,
	CodeFetch:     true,
	AuthHint: "代码部落使用 Cookie 认证：登录 course.coderlands.com 后在开发者工具 " +
		"Application → Cookies 中复制 JSESSIONID 的值，直接粘贴即可",
}

var statusMap = map[string]string{
	"AC":  scraper.StatusAC,
	"WA":  scraper.StatusWA,
	"TLE": scraper.StatusTLE,
	"MLE": scraper.StatusMLE,
	"RE":  scraper.StatusRE,
	"CE":  scraper.StatusCE,
	"PE":  scraper.StatusWA,
	"OLE": scraper.StatusRE,
	"SE":  scraper.StatusUnknown,
}

var difficultyLabels = map[string]int{
	"可视化":           1,
	"入门":            2,
	"普及-":           3,
	"普及/提高-":        4,
	"普及+/提高":        5,
	"提高+/省选-":       6,
	"省选/NOI-":       7,
	"NOI/NOI+/CTSC": 8,
}

var languages = map[string]string{
	"0": "C",
	"1": "C++",
	"2": "C++11",
	"3": "C++14",
	"4": "C++17",
	"5": "Java",
	"6": "Python 2",
	"7": "Python 3",
}

var (
	uuidRe       = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)
	problemNoRe  = regexp.MustCompile(`(?i)^P(\d+)$`)
	lessonItemRe = regexp.MustCompile(`^P(\d+)\s`)
	splitRe      = regexp.MustCompile(`[,\s]+`)
	beijing      = time.FixedZone("CST", 8*3600)
)

// Scraper reads the Coderlands student API with a copied JSESSIONID cookie.
// The platform has no global submission list, so submissions are fetched per
// problem and the cursor is a hash of the account's exercise summary.
type Scraper struct {
	base     string
	client   *scraper.Client
	problems scraper.ProblemIndex
	cache    scraper.Cache

	mu            sync.Mutex
	uuids         map[string]string // problem number -> uuid
	lessonsWalked bool
	nextCursor    string
}

func New(opts scraper.Options) scraper.Scraper {
	base := opts.BaseURL
	if base == "" {
		base = DefaultBase
	}
	c := scraper.NewClient(Name, opts)
	if cookie := NormalizeCookie(opts.Cookie); cookie != "" {
		c.SetHeader("Cookie", cookie)
	}
	return &Scraper{
		base:     strings.TrimRight(base, "/"),
		client:   c,
		problems: opts.Problems,
		cache:    opts.Cache,
		uuids:    make(map[string]string),
	}
}

// NormalizeCookie accepts a raw DevTools header line or a bare session id.
func NormalizeCookie(cookie string) string {
	cookie = strings.TrimSpace(cookie)
	if len(cookie) >= 7 && strings.EqualFold(cookie[:7], "cookie:") {
		cookie = strings.TrimSpace(cookie[7:])
	}
	if cookie != "" && !strings.Contains(cookie, "=") {
		cookie = "JSESSIONID=" + cookie
	}
	return cookie
}

func (s *Scraper) Platform() string        { return Name }
func (s *Scraper) SupportsCodeFetch() bool { return true }
func (s *Scraper) OrderedStream() bool     { return false }

// ProblemURL points at the personal exercise page; problem pages are only
// reachable through the hash router with a uuid.
func (s *Scraper) ProblemURL(string) string {
	return DefaultBase + "/web/#/person/center/exercise"
}

// NextCursor returns the exercise hash of the last fully consumed stream, or ""
// when the stream stopped early or some problems failed.
func (s *Scraper) NextCursor() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextCursor
}

type envelope struct {
	Code   int             `json:"code"`
	Msg    string          `json:"msg"`
	Result json.RawMessage `json:"result"`
}

func (s *Scraper) decode(resp *scraper.Response, err error, path string, v any) error {
	if err != nil {
		return err
	}
	var env envelope
	if err := resp.JSON(&env); err != nil {
		return err
	}
	if env.Code != 1 {
		if env.Code == -1 || strings.Contains(env.Msg, "登录") {
			return &scraper.SessionExpiredError{Platform: Name, Detail: "Session 已过期，请重新复制 JSESSIONID Cookie"}
		}
		return fmt.Errorf("coderlands api %s: code=%d msg=%s", path, env.Code, env.Msg)
	}
	if v == nil || len(env.Result) == 0 || string(env.Result) == "null" {
		return nil
	}
	return json.Unmarshal(env.Result, v)
}

func (s *Scraper) get(ctx context.Context, path string, v any) error {
	resp, err := s.client.Get(ctx, s.base+path)
	return s.decode(resp, err, path, v)
}

func (s *Scraper) post(ctx context.Context, path string, payload any, v any) error {
	resp, err := s.client.PostJSON(ctx, s.base+path, payload)
	return s.decode(resp, err, path, v)
}

func (s *Scraper) ValidateAccount(ctx context.Context, _ string) bool {
	var info struct {
		LoginName string `json:"loginName"`
	}
	if err := s.get(ctx, "/server/student/person/center/baseInfo", &info); err != nil {
		zap.S().Warnf("coderlands session check failed: %v", err)
		return false
	}
	if info.LoginName == "" {
		zap.S().Warn("coderlands baseInfo returned no loginName")
		return false
	}
	zap.S().Infof("coderlands session valid for user %s", info.LoginName)
	return true
}

// exercise returns the accepted and attempted-but-unaccepted problem numbers.
func (s *Scraper) exercise(ctx context.Context) (ac, unac map[string]bool, err error) {
	var result struct {
		DataList []struct {
			AcStr   string `json:"acStr"`
			UnAcStr string `json:"unAcStr"`
		} `json:"dataList"`
	}
	if err := s.post(ctx, "/server/student/person/center/exercise", map[string]any{}, &result); err != nil {
		return nil, nil, err
	}
	ac, unac = map[string]bool{}, map[string]bool{}
	for _, item := range result.DataList {
		for _, id := range splitRe.Split(item.AcStr, -1) {
			if no := problemNo(id); no != "" {
				ac[no] = true
			}
		}
		for _, id := range splitRe.Split(item.UnAcStr, -1) {
			if no := problemNo(id); no != "" {
				unac[no] = true
			}
		}
	}
	return ac, unac, nil
}

// problemNo strips an optional P prefix.
func problemNo(id string) string {
	id = strings.TrimSpace(id)
	if m := problemNoRe.FindStringSubmatch(id); m != nil {
		return m[1]
	}
	return id
}

// ExerciseHash is the change-detection cursor for an exercise summary.
func ExerciseHash(ac, unac map[string]bool) string {
	sum := md5.Sum([]byte(strings.Join(sortedKeys(ac), ",") + "|" + strings.Join(sortedKeys(unac), ",")))
	return hex.EncodeToString(sum[:])[:16]
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// numbers converts stored "P123" ids to bare numbers, ignoring anything else.
func numbers(ids map[string]bool) map[string]bool {
	out := make(map[string]bool, len(ids))
	for id := range ids {
		if m := problemNoRe.FindStringSubmatch(id); m != nil {
			out[m[1]] = true
		}
	}
	return out
}

// SelectProblems decides which problem numbers need a submission fetch. New
// problems are always fetched; when the exercise hash moved every problem not
// yet accepted locally is fetched too.
func SelectProblems(ac, unac, known, locallyAC map[string]bool, hashChanged bool) (toSync, fresh map[string]bool) {
	toSync, fresh = map[string]bool{}, map[string]bool{}
	for _, set := range []map[string]bool{ac, unac} {
		for no := range set {
			if !known[no] {
				fresh[no] = true
				toSync[no] = true
			}
			if hashChanged {
				toSync[no] = true
			}
		}
	}
	for no := range locallyAC {
		delete(toSync, no)
	}
	return toSync, fresh
}

func (s *Scraper) FetchSubmissions(ctx context.Context, uid string, opts scraper.FetchOptions) iter.Seq2[scraper.ScrapedSubmission, error] {
	return func(yield func(scraper.ScrapedSubmission, error) bool) {
		s.mu.Lock()
		s.nextCursor = ""
		s.mu.Unlock()

		ac, unac, err := s.exercise(ctx)
		if err != nil {
			yield(scraper.ScrapedSubmission{}, err)
			return
		}
		if len(ac)+len(unac) == 0 {
			zap.S().Infof("coderlands: no problems found in exercise for %s", uid)
			return
		}

		hash := ExerciseHash(ac, unac)
		known, locallyAC := map[string]bool{}, map[string]bool{}
		if s.problems != nil {
			k, err := s.problems.KnownProblemIDs(ctx, Name)
			if err != nil {
				yield(scraper.ScrapedSubmission{}, err)
				return
			}
			a, err := s.problems.AcceptedProblemIDs(ctx, Name)
			if err != nil {
				yield(scraper.ScrapedSubmission{}, err)
				return
			}
			known, locallyAC = numbers(k), numbers(a)
		}
		toSync, fresh := SelectProblems(ac, unac, known, locallyAC, opts.Cursor != hash)
		zap.S().Infof("coderlands sync: %d total, %d locally AC, %d new, hash_changed=%v, %d to sync",
			len(ac)+len(unac), len(locallyAC), len(fresh), opts.Cursor != hash, len(toSync))

		uuids, err := s.resolveUUIDs(ctx, sortedKeys(toSync))
		if err != nil {
			yield(scraper.ScrapedSubmission{}, err)
			return
		}

		complete := len(uuids) == len(toSync)
		for _, no := range sortedKeys(toSync) {
			uuid, ok := uuids[no]
			if !ok {
				continue
			}
			since := opts.Since
			if fresh[no] {
				since = nil
			}
			subs, err := s.problemSubmissions(ctx, "P"+no, uuid)
			if err != nil {
				if errors.Is(err, scraper.ErrSessionExpired) {
					yield(scraper.ScrapedSubmission{}, err)
					return
				}
				zap.S().Errorf("coderlands: submissions for P%s: %v", no, err)
				complete = false
				continue
			}
			for _, sub := range subs {
				if since != nil && sub.SubmittedAt.Before(*since) {
					continue
				}
				if !yield(sub, nil) {
					return
				}
			}
		}

		// A partial run keeps the old cursor so the next sync retries.
		if complete {
			s.mu.Lock()
			s.nextCursor = hash
			s.mu.Unlock()
		}
	}
}

// resolveUUIDs maps problem numbers to platform uuids: stored values first,
// then the session cache, then the lookup endpoint, then a walk of the lesson
// tree. Newly found uuids are persisted.
func (s *Scraper) resolveUUIDs(ctx context.Context, nos []string) (map[string]string, error) {
	result := make(map[string]string, len(nos))
	if len(nos) == 0 {
		return result, nil
	}

	if s.problems != nil {
		ids := make([]string, len(nos))
		for i, no := range nos {
			ids[i] = "P" + no
		}
		stored, err := s.problems.ProblemUUIDs(ctx, Name, ids)
		if err != nil {
			return nil, err
		}
		for id, uuid := range stored {
			if uuid != "" {
				s.remember(ctx, problemNo(id), uuid)
				result[problemNo(id)] = uuid
			}
		}
	}

	var discovered []string
	for _, no := range nos {
		if _, ok := result[no]; ok {
			continue
		}
		if uuid := s.cached(ctx, no); uuid != "" {
			result[no] = uuid
			discovered = append(discovered, no)
			continue
		}
		uuid, err := s.lookupUUID(ctx, no)
		if err != nil {
			return nil, err
		}
		if uuid != "" {
			s.remember(ctx, no, uuid)
			result[no] = uuid
			discovered = append(discovered, no)
		}
	}

	if len(result) < len(nos) {
		if err := s.walkLessons(ctx); err != nil {
			return nil, err
		}
		for _, no := range nos {
			if _, ok := result[no]; ok {
				continue
			}
			if uuid := s.cached(ctx, no); uuid != "" {
				result[no] = uuid
				discovered = append(discovered, no)
			}
		}
	}

	for _, no := range discovered {
		s.persist(ctx, no, result[no])
	}
	if missing := len(nos) - len(result); missing > 0 {
		zap.S().Warnf("coderlands: %d of %d problems have no resolvable uuid", missing, len(nos))
	}
	return result, nil
}

func (s *Scraper) cached(ctx context.Context, no string) string {
	s.mu.Lock()
	uuid := s.uuids[no]
	s.mu.Unlock()
	if uuid != "" || s.cache == nil {
		return uuid
	}
	v, ok, err := s.cache.Get(ctx, "uuid:"+no)
	if err != nil || !ok {
		return ""
	}
	s.mu.Lock()
	s.uuids[no] = v
	s.mu.Unlock()
	return v
}

func (s *Scraper) remember(ctx context.Context, no, uuid string) {
	s.mu.Lock()
	s.uuids[no] = uuid
	s.mu.Unlock()
	if s.cache != nil {
		if err := s.cache.Set(ctx, "uuid:"+no, uuid, uuidTTL); err != nil {
			zap.S().Debugf("coderlands: cache uuid for P%s: %v", no, err)
		}
	}
}

func (s *Scraper) persist(ctx context.Context, no, uuid string) {
	if s.problems == nil {
		return
	}
	if err := s.problems.SaveProblemUUID(ctx, Name, "P"+no, uuid); err != nil {
		zap.S().Warnf("coderlands: persist uuid for P%s: %v", no, err)
	}
}

// lookupUUID asks the single-problem endpoint. A miss returns "".
func (s *Scraper) lookupUUID(ctx context.Context, no string) (string, error) {
	resp, err := s.client.PostForm(ctx, s.base+"/server/student/person/center/getProbelmUuid", url.Values{"problemNo": {"P" + no}})
	if err != nil {
		if errors.Is(err, scraper.ErrSessionExpired) {
			return "", err
		}
		zap.S().Debugf("coderlands: uuid lookup for P%s: %v", no, err)
		return "", nil
	}
	var data struct {
		IsSuccess scraper.FlexString `json:"isSuccess"`
		Data      string             `json:"data"`
	}
	if err := resp.JSON(&data); err != nil {
		return "", nil
	}
	if data.IsSuccess.String() == "1" && uuidRe.MatchString(data.Data) {
		return data.Data, nil
	}
	return "", nil
}

// walkLessons fills the in-memory uuid map from every lesson of the student's
// class. It runs at most once per adapter.
func (s *Scraper) walkLessons(ctx context.Context) error {
	s.mu.Lock()
	if s.lessonsWalked {
		s.mu.Unlock()
		return nil
	}
	s.lessonsWalked = true
	s.mu.Unlock()

	var myls struct {
		ClassInfo struct {
			UUID string `json:"uuid"`
		} `json:"classInfo"`
		LessonInfo []struct {
			UUID       string `json:"uuid"`
			LessonName string `json:"lessonName"`
		} `json:"lessonInfo"`
	}
	if err := s.get(ctx, "/server/student/stady/myls", &myls); err != nil {
		if errors.Is(err, scraper.ErrSessionExpired) {
			return err
		}
		zap.S().Errorf("coderlands: lesson list: %v", err)
		return nil
	}

	found := 0
	for _, lesson := range myls.LessonInfo {
		if lesson.UUID == "" {
			continue
		}
		q := url.Values{"uuid": {lesson.UUID}}
		if myls.ClassInfo.UUID != "" {
			q.Set("classUuid", myls.ClassInfo.UUID)
		}
		var items struct {
			DataList []struct {
				UUID string `json:"uuid"`
				Name string `json:"name"`
			} `json:"dataList"`
		}
		if err := s.get(ctx, "/server/student/stady/getlesconNew?"+q.Encode(), &items); err != nil {
			if errors.Is(err, scraper.ErrSessionExpired) {
				return err
			}
			zap.S().Debugf("coderlands: lesson %q: %v", lesson.LessonName, err)
			continue
		}
		for _, item := range items.DataList {
			if m := lessonItemRe.FindStringSubmatch(item.Name); m != nil && item.UUID != "" {
				s.remember(ctx, m[1], item.UUID)
				found++
			}
		}
	}
	zap.S().Infof("coderlands: lesson walk mapped %d problems from %d lessons", found, len(myls.LessonInfo))
	return nil
}

type submission struct {
	UUID            string              `json:"uuid"`
	SubmitTime      string              `json:"submitTime"`
	JudgeResultSlug string              `json:"judgeResultSlug"`
	JudgeScore      *scraper.FlexString `json:"judgeScore"`
	UsedTime        *scraper.FlexString `json:"usedTime"`
	UsedMemory      *scraper.FlexString `json:"usedMemory"`
	LanguageID      scraper.FlexString  `json:"languageId"`
}

func (s *Scraper) problemSubmissions(ctx context.Context, problemID, uuid string) ([]scraper.ScrapedSubmission, error) {
	var raw json.RawMessage
	if err := s.get(ctx, "/server/student/stady/listSubNew?problemUuid="+url.QueryEscape(uuid), &raw); err != nil {
		return nil, err
	}
	var list []submission
	if err := json.Unmarshal(raw, &list); err != nil {
		var wrapped struct {
			DataList []submission `json:"dataList"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return nil, err
		}
		list = wrapped.DataList
	}

	subs := make([]scraper.ScrapedSubmission, 0, len(list))
	for _, item := range list {
		if item.UUID == "" {
			continue
		}
		lang := item.LanguageID.String()
		if mapped, ok := languages[lang]; ok {
			lang = mapped
		} else if lang != "" {
			lang = "Language " + lang
		}
		subs = append(subs, scraper.ScrapedSubmission{
			RecordID:    problemID + "/" + item.UUID,
			ProblemID:   problemID,
			Status:      s.MapStatus(item.JudgeResultSlug),
			Score:       atoi(item.JudgeScore),
			Language:    lang,
			TimeMS:      atoi(item.UsedTime),
			MemoryKB:    atoi(item.UsedMemory),
			SubmittedAt: parseTime(item.SubmitTime),
		})
	}
	return subs, nil
}

func atoi(f *scraper.FlexString) *int {
	if f == nil {
		return nil
	}
	var n float64
	if _, err := fmt.Sscan(f.String(), &n); err != nil {
		return nil
	}
	return scraper.IntPtr(int(n))
}

func parseTime(str string) time.Time {
	for _, layout := range []string{time.DateTime, "2006-01-02T15:04:05", "2006-01-02 15:04"} {
		if t, err := time.ParseInLocation(layout, str, beijing); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// uuidFor turns a problem id (uuid, P-number or bare number) into the uuid the
// problem endpoint requires.
func (s *Scraper) uuidFor(ctx context.Context, problemID string) (string, error) {
	if uuidRe.MatchString(problemID) {
		return problemID, nil
	}
	uuids, err := s.resolveUUIDs(ctx, []string{problemNo(problemID)})
	if err != nil {
		return "", err
	}
	return uuids[problemNo(problemID)], nil
}

func (s *Scraper) FetchProblem(ctx context.Context, problemID string) (*scraper.ScrapedProblem, error) {
	uuid, err := s.uuidFor(ctx, problemID)
	if err != nil {
		return nil, err
	}
	if uuid == "" {
		zap.S().Warnf("coderlands: could not resolve uuid for problem %s", problemID)
		return nil, nil
	}

	var raw json.RawMessage
	q := url.Values{"uuid": {uuid}, "lessonUuid": {"personalCenter"}}
	if err := s.get(ctx, "/server/student/stady/getClassWorkOne?"+q.Encode(), &raw); err != nil {
		return nil, fmt.Errorf("coderlands problem %s: %w", problemID, err)
	}
	var p struct {
		ProblemNo      scraper.FlexString `json:"problemNo"`
		UUID           string             `json:"uuid"`
		ProblemName    string             `json:"problemName"`
		DifficultLevel string             `json:"difficultLevel"`
		TagNameString  string             `json:"tagNameString"`
		Description    string             `json:"description"`
		InputFormat    string             `json:"inputFormat"`
		OutputFormat   string             `json:"outputFormat"`
		SampleInput    string             `json:"sampleInput"`
		SampleOutput   string             `json:"sampleOutput"`
	}
	var wrapped struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(raw, &wrapped); err == nil && len(wrapped.Data) > 0 && string(wrapped.Data) != "null" {
		raw = wrapped.Data
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	if p.ProblemName == "" && p.ProblemNo == "" {
		return nil, nil
	}

	canonical := problemID
	if p.ProblemNo != "" {
		canonical = "P" + p.ProblemNo.String()
		if p.UUID != "" {
			s.remember(ctx, p.ProblemNo.String(), p.UUID)
			s.persist(ctx, p.ProblemNo.String(), p.UUID)
		}
	}

	var tags []string
	for _, t := range strings.Split(p.TagNameString, ",") {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	var examples []string
	if p.SampleInput != "" {
		examples = append(examples, "**输入样例**\n```\n"+p.SampleInput+"\n```")
	}
	if p.SampleOutput != "" {
		examples = append(examples, "**输出样例**\n```\n"+p.SampleOutput+"\n```")
	}

	return &scraper.ScrapedProblem{
		ProblemID:     canonical,
		Title:         p.ProblemName,
		DifficultyRaw: p.DifficultLevel,
		Tags:          tags,
		URL:           s.ProblemURL(canonical),
		Description:   p.Description,
		InputDesc:     p.InputFormat,
		OutputDesc:    p.OutputFormat,
		Examples:      strings.Join(examples, "\n\n"),
		PlatformUUID:  p.UUID,
	}, nil
}

func (s *Scraper) FetchSubmissionCode(ctx context.Context, recordID string) (string, error) {
	_, subUUID, ok := strings.Cut(recordID, "/")
	if !ok {
		return "", fmt.Errorf("invalid coderlands record id %q", recordID)
	}
	var raw json.RawMessage
	if err := s.get(ctx, "/server/student/stady/mDetail?uuid="+url.QueryEscape(subUUID), &raw); err != nil {
		return "", fmt.Errorf("coderlands record %s: %w", recordID, err)
	}
	var detail struct {
		Code string `json:"code"`
		Data *struct {
			Code string `json:"code"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &detail); err != nil {
		return "", err
	}
	if detail.Data != nil {
		return detail.Data.Code, nil
	}
	return detail.Code, nil
}

func (s *Scraper) MapStatus(raw string) string {
	if st, ok := statusMap[strings.ToUpper(strings.TrimSpace(raw))]; ok {
		return st
	}
	return scraper.StatusUnknown
}

func (s *Scraper) MapDifficulty(raw string) int {
	return difficultyLabels[strings.TrimSpace(raw)]
}
