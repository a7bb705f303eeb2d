package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type JobType string

const (
	JobContentSync  JobType = "content_sync"
	JobAIBackfill   JobType = "ai_backfill"
	JobCodeBackfill JobType = "code_backfill"
)

// Analysis types, one per conceptual unit of an LLM result.
const (
	AnalysisProblemClassify     = "problem_classify"
	AnalysisProblemSolution     = "problem_solution"
	AnalysisProblemFullSolution = "problem_full_solution"
	AnalysisSubmissionReview    = "submission_review"
	// AnalysisFailedCall keeps the raw answer and the cost of calls whose
	// answer could not be used, so the monthly budget sees them.
	AnalysisFailedCall = "failed_call"
)

// JSONMap is a helper type for storing JSON data in the database.
type JSONMap map[string]interface{}

func (m JSONMap) Value() (driver.Value, error) {
	return json.Marshal(m)
}

func (m *JSONMap) Scan(value interface{}) error {
	var bytes []byte
	switch v := value.(type) {
	case []byte:
		bytes = v
	case string:
		bytes = []byte(v)
	case nil:
		*m = nil
		return nil
	default:
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, &m)
}

type Student struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Name  string `gorm:"index" json:"name"`
	Grade string `json:"grade"`
	Notes string `json:"notes"`

	Accounts []PlatformAccount `gorm:"constraint:OnDelete:CASCADE" json:"accounts,omitempty"`
}

type PlatformAccount struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time
	UpdatedAt time.Time

	StudentID    uint   `gorm:"uniqueIndex:idx_student_platform_uid" json:"student_id"`
	Platform     string `gorm:"uniqueIndex:idx_student_platform_uid;index" json:"platform"`
	PlatformUID  string `gorm:"uniqueIndex:idx_student_platform_uid" json:"platform_uid"`
	AuthCookie   string `json:"-"`
	AuthPassword string `json:"-"`

	LastSyncAt              *time.Time `json:"last_sync_at"`
	SyncCursor              string     `json:"sync_cursor"`
	IsActive                bool       `gorm:"default:true;index" json:"is_active"`
	LastSyncError           string     `json:"last_sync_error"`
	ConsecutiveSyncFailures int        `json:"consecutive_sync_failures"`
}

type Tag struct {
	ID               uint           `gorm:"primaryKey" json:"id"`
	Name             string         `gorm:"uniqueIndex" json:"name"`
	DisplayName      string         `gorm:"index" json:"display_name"`
	Category         string         `json:"category"`
	Stage            int            `json:"stage"`
	Description      string         `json:"description"`
	PrerequisiteTags datatypes.JSON `json:"prerequisite_tags"`
}

type Problem struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time
	UpdatedAt time.Time

	Platform  string `gorm:"uniqueIndex:idx_platform_problem" json:"platform"`
	ProblemID string `gorm:"uniqueIndex:idx_platform_problem" json:"problem_id"`

	Title         string         `json:"title"`
	Description   string         `json:"description"`
	InputDesc     string         `json:"input_desc"`
	OutputDesc    string         `json:"output_desc"`
	Examples      string         `json:"examples"`
	Hint          string         `json:"hint"`
	Difficulty    int            `json:"difficulty"`
	DifficultyRaw string         `json:"difficulty_raw"`
	PlatformTags  datatypes.JSON `json:"platform_tags"`
	URL           string         `json:"url"`
	Source        string         `json:"source"`
	PlatformUUID  string         `gorm:"index" json:"-"`

	Tags []Tag `gorm:"many2many:problem_tags;" json:"tags"`

	AIAnalyzed      bool           `gorm:"index" json:"ai_analyzed"`
	AITags          datatypes.JSON `json:"ai_tags"`
	AIProblemType   string         `json:"ai_problem_type"`
	AIAnalysisError string         `json:"ai_analysis_error"`
	AIRetryCount    int            `json:"ai_retry_count"`
	AITruncated     bool           `json:"ai_truncated"`
	AISkipBackfill  bool           `json:"ai_skip_backfill"`
	LastScannedAt   *time.Time     `json:"last_scanned_at"`
}

// PlatformTagList decodes the raw platform tags stored on the problem.
func (p *Problem) PlatformTagList() []string {
	if len(p.PlatformTags) == 0 {
		return nil
	}
	var tags []string
	if err := json.Unmarshal(p.PlatformTags, &tags); err != nil {
		return nil
	}
	return tags
}

type Submission struct {
	ID        uint `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time
	UpdatedAt time.Time

	PlatformAccountID uint            `gorm:"uniqueIndex:idx_account_record" json:"platform_account_id"`
	PlatformAccount   PlatformAccount `json:"-"`
	PlatformRecordID  string          `gorm:"uniqueIndex:idx_account_record" json:"platform_record_id"`
	ProblemRefID      *uint           `gorm:"index" json:"problem_ref_id"`
	Problem           *Problem        `gorm:"foreignKey:ProblemRefID" json:"problem,omitempty"`

	Status      string    `gorm:"index" json:"status"`
	Score       *int      `json:"score"`
	Language    string    `json:"language"`
	TimeMS      *int      `json:"time_ms"`
	MemoryKB    *int      `json:"memory_kb"`
	SourceCode  string    `json:"source_code,omitempty"`
	SubmittedAt time.Time `gorm:"index" json:"submitted_at"`
}

type AnalysisResult struct {
	ID           uint  `gorm:"primaryKey" json:"id"`
	SubmissionID *uint `gorm:"index" json:"submission_id"`
	ProblemRefID *uint `gorm:"index" json:"problem_ref_id"`

	AnalysisType string         `gorm:"index" json:"analysis_type"`
	ResultJSON   datatypes.JSON `json:"result_json"`
	Summary      string         `json:"summary"`
	AIModel      string         `json:"ai_model"`
	TokenCost    int            `json:"token_cost"`
	CostUSD      float64        `json:"cost_usd"`
	AnalyzedAt   time.Time      `gorm:"index" json:"analyzed_at"`
}

type SyncJob struct {
	ID        string `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time
	UpdatedAt time.Time

	JobType           JobType   `gorm:"index" json:"job_type"`
	Status            JobStatus `gorm:"index" json:"status"`
	PlatformAccountID *uint     `gorm:"index" json:"platform_account_id"`
	StudentID         *uint     `json:"student_id"`

	CurrentPhase    string     `json:"current_phase"`
	ProgressCurrent int        `json:"progress_current"`
	ProgressTotal   int        `json:"progress_total"`
	Stats           JSONMap    `gorm:"type:text" json:"stats"`
	ErrorMessage    string     `json:"error_message"`
	StartedAt       *time.Time `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at"`
}

// DurationSeconds reports the elapsed run time, or -1 when the job never started.
func (j *SyncJob) DurationSeconds() int {
	if j.StartedAt == nil {
		return -1
	}
	end := time.Now()
	if j.FinishedAt != nil {
		end = *j.FinishedAt
	}
	return int(end.Sub(*j.StartedAt).Seconds())
}
