package scraper

import (
	"context"
	"encoding/json"
	"iter"
	"time"
)

// Canonical submission statuses.
const (
	StatusAC      = "AC"
	StatusWA      = "WA"
	StatusTLE     = "TLE"
	StatusMLE     = "MLE"
	StatusRE      = "RE"
	StatusCE      = "CE"
	StatusUnknown = "UNKNOWN"
	StatusPending = "PENDING"
	StatusJudging = "JUDGING"
)

// ScrapedSubmission is the normalized shape every adapter produces for one record.
type ScrapedSubmission struct {
	RecordID    string
	ProblemID   string
	Status      string
	Score       *int
	Language    string
	TimeMS      *int
	MemoryKB    *int
	SubmittedAt time.Time
	SourceCode  string
}

// ScrapedProblem is the normalized problem detail.
type ScrapedProblem struct {
	ProblemID     string
	Title         string
	DifficultyRaw string
	Tags          []string
	Source        string
	URL           string
	Description   string
	InputDesc     string
	OutputDesc    string
	Examples      string
	Hint          string
	PlatformUUID  string
}

// FetchOptions bounds an incremental fetch. The stream ends at the first record
// whose id equals Cursor or whose time is before Since.
type FetchOptions struct {
	Since  *time.Time
	Cursor string
}

// Reached reports whether s marks the end of the incremental window.
func (o FetchOptions) Reached(s ScrapedSubmission) bool {
	if o.Cursor != "" && s.RecordID == o.Cursor {
		return true
	}
	return o.Since != nil && s.SubmittedAt.Before(*o.Since)
}

// Scraper is implemented by every platform adapter.
type Scraper interface {
	Platform() string
	// ValidateAccount reports whether uid is reachable with the configured credentials.
	// Normal failures return false, never an error.
	ValidateAccount(ctx context.Context, uid string) bool
	// FetchSubmissions yields records newest-first and stops at the incremental window.
	// A non-nil error is yielded at most once and ends the stream.
	FetchSubmissions(ctx context.Context, uid string, opts FetchOptions) iter.Seq2[ScrapedSubmission, error]
	// FetchProblem returns (nil, nil) when the problem does not exist.
	FetchProblem(ctx context.Context, problemID string) (*ScrapedProblem, error)
	FetchSubmissionCode(ctx context.Context, recordID string) (string, error)
	SupportsCodeFetch() bool
	MapStatus(raw string) string
	MapDifficulty(raw string) int
	ProblemURL(problemID string) string
	// OrderedStream is false for adapters that interleave independently ordered sub-streams.
	OrderedStream() bool
}

// CursorProvider is implemented by adapters whose cursor is not a record id.
// NextCursor is read after the stream has been consumed; an empty value keeps
// the stored cursor.
type CursorProvider interface {
	NextCursor() string
}

// ProblemIndex gives adapters read access to locally stored problems and lets them
// persist platform-internal identifiers. AcceptedProblemIDs is scoped to the
// account the adapter was built for.
type ProblemIndex interface {
	ProblemUUIDs(ctx context.Context, platform string, problemIDs []string) (map[string]string, error)
	SaveProblemUUID(ctx context.Context, platform, problemID, uuid string) error
	KnownProblemIDs(ctx context.Context, platform string) (map[string]bool, error)
	AcceptedProblemIDs(ctx context.Context, platform string) (map[string]bool, error)
}

func IntPtr(v int) *int { return &v }

// FlexString decodes either a JSON string or a JSON number into its text form.
type FlexString string

func (f *FlexString) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	*f = FlexString(b)
	return nil
}

func (f FlexString) String() string { return string(f) }
