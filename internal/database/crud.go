package database

import (
	"errors"
	"time"

	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"gorm.io/gorm"
)

// Student CRUD
func CreateStudent(db *gorm.DB, student *models.Student) error {
	return db.Create(student).Error
}

func GetStudent(db *gorm.DB, id uint) (*models.Student, error) {
	var student models.Student
	if err := db.Preload("Accounts").Where("id = ?", id).First(&student).Error; err != nil {
		return nil, err
	}
	return &student, nil
}

func GetAllStudents(db *gorm.DB) ([]models.Student, error) {
	var students []models.Student
	if err := db.Order("id asc").Find(&students).Error; err != nil {
		return nil, err
	}
	return students, nil
}

// PlatformAccount CRUD
func CreateAccount(db *gorm.DB, account *models.PlatformAccount) error {
	return db.Create(account).Error
}

func GetAccount(db *gorm.DB, id uint) (*models.PlatformAccount, error) {
	var account models.PlatformAccount
	if err := db.Where("id = ?", id).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccounts lists accounts, optionally restricted to one student.
func GetAccounts(db *gorm.DB, studentID uint) ([]models.PlatformAccount, error) {
	var accounts []models.PlatformAccount
	q := db.Order("id asc")
	if studentID != 0 {
		q = q.Where("student_id = ?", studentID)
	}
	if err := q.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func GetActiveAccounts(db *gorm.DB, studentID uint) ([]models.PlatformAccount, error) {
	var accounts []models.PlatformAccount
	q := db.Where("is_active = ?", true).Order("id asc")
	if studentID != 0 {
		q = q.Where("student_id = ?", studentID)
	}
	if err := q.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func UpdateAccount(db *gorm.DB, account *models.PlatformAccount) error {
	return db.Save(account).Error
}

func DeleteAccount(db *gorm.DB, id uint) error {
	return db.Delete(&models.PlatformAccount{}, "id = ?", id).Error
}

// RecordSyncSuccess advances the cursor and clears the failure state.
func RecordSyncSuccess(db *gorm.DB, accountID uint, cursor string, at time.Time) error {
	return db.Model(&models.PlatformAccount{}).Where("id = ?", accountID).Updates(map[string]interface{}{
		"last_sync_at":              at,
		"sync_cursor":               cursor,
		"last_sync_error":           "",
		"consecutive_sync_failures": 0,
	}).Error
}

// RecordSyncFailure increments the consecutive failure counter and disables the
// account once the threshold is reached. It returns the updated account.
func RecordSyncFailure(db *gorm.DB, accountID uint, message string, threshold int) (*models.PlatformAccount, error) {
	var account models.PlatformAccount
	err := db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", accountID).First(&account).Error; err != nil {
			return err
		}
		account.LastSyncError = message
		account.ConsecutiveSyncFailures++
		if threshold > 0 && account.ConsecutiveSyncFailures >= threshold {
			account.IsActive = false
		}
		return tx.Model(&account).Select("last_sync_error", "consecutive_sync_failures", "is_active").Updates(&account).Error
	})
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// Problem CRUD
func GetProblem(db *gorm.DB, id uint) (*models.Problem, error) {
	var problem models.Problem
	if err := db.Preload("Tags").Where("id = ?", id).First(&problem).Error; err != nil {
		return nil, err
	}
	return &problem, nil
}

// FindProblem looks a problem up by its natural key. A miss returns (nil, nil).
func FindProblem(db *gorm.DB, platform, problemID string) (*models.Problem, error) {
	var problem models.Problem
	err := db.Preload("Tags").Where("platform = ? AND problem_id = ?", platform, problemID).First(&problem).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &problem, nil
}

func GetProblems(db *gorm.DB, platform string, limit int) ([]models.Problem, error) {
	var problems []models.Problem
	q := db.Preload("Tags").Order("id desc")
	if platform != "" {
		q = q.Where("platform = ?", platform)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&problems).Error; err != nil {
		return nil, err
	}
	return problems, nil
}

func CreateProblem(db *gorm.DB, problem *models.Problem) error {
	return db.Omit("Tags.*").Create(problem).Error
}

func UpdateProblem(db *gorm.DB, problem *models.Problem) error {
	return db.Omit("Tags").Save(problem).Error
}

// AppendProblemTags adds tags to the problem's many-to-many set; existing links are kept.
func AppendProblemTags(db *gorm.DB, problem *models.Problem, tags []models.Tag) error {
	if len(tags) == 0 {
		return nil
	}
	return db.Model(problem).Omit("Tags.*").Association("Tags").Append(tags)
}

// KnownProblemIDs returns every problem_id stored for a platform.
func KnownProblemIDs(db *gorm.DB, platform string) ([]string, error) {
	var ids []string
	err := db.Model(&models.Problem{}).Where("platform = ?", platform).Pluck("problem_id", &ids).Error
	return ids, err
}

// AcceptedProblemIDs returns the problem_ids the account already has an AC submission for.
func AcceptedProblemIDs(db *gorm.DB, accountID uint, platform string) ([]string, error) {
	var ids []string
	err := db.Model(&models.Problem{}).
		Distinct("problems.problem_id").
		Joins("join submissions on submissions.problem_ref_id = problems.id").
		Where("submissions.platform_account_id = ? AND submissions.status = ? AND problems.platform = ?", accountID, "AC", platform).
		Pluck("problems.problem_id", &ids).Error
	return ids, err
}

// ProblemUUIDs loads persisted remote UUIDs for the given problem ids.
func ProblemUUIDs(db *gorm.DB, platform string, problemIDs []string) (map[string]string, error) {
	var rows []models.Problem
	if len(problemIDs) == 0 {
		return map[string]string{}, nil
	}
	err := db.Select("problem_id", "platform_uuid").
		Where("platform = ? AND problem_id IN ? AND platform_uuid <> ''", platform, problemIDs).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.ProblemID] = r.PlatformUUID
	}
	return out, nil
}

// SetProblemUUID stores a remote UUID on an existing problem that has none yet.
func SetProblemUUID(db *gorm.DB, platform, problemID, uuid string) (int64, error) {
	result := db.Model(&models.Problem{}).
		Where("platform = ? AND problem_id = ? AND (platform_uuid = '' OR platform_uuid IS NULL)", platform, problemID).
		Update("platform_uuid", uuid)
	return result.RowsAffected, result.Error
}

// Submission CRUD
func SubmissionExists(db *gorm.DB, accountID uint, recordID string) (bool, error) {
	var count int64
	err := db.Model(&models.Submission{}).
		Where("platform_account_id = ? AND platform_record_id = ?", accountID, recordID).
		Count(&count).Error
	return count > 0, err
}

func CreateSubmission(db *gorm.DB, sub *models.Submission) error {
	return db.Omit("PlatformAccount", "Problem").Create(sub).Error
}

func GetSubmission(db *gorm.DB, id uint) (*models.Submission, error) {
	var sub models.Submission
	if err := db.Preload("Problem").Where("id = ?", id).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func GetSubmissionsByAccount(db *gorm.DB, accountID uint, limit int) ([]models.Submission, error) {
	var subs []models.Submission
	q := db.Where("platform_account_id = ?", accountID).Order("submitted_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func CountSubmissions(db *gorm.DB, accountID uint) (int64, error) {
	var count int64
	err := db.Model(&models.Submission{}).Where("platform_account_id = ?", accountID).Count(&count).Error
	return count, err
}

// SubmissionsMissingCode returns the newest submissions of an account with no stored source.
func SubmissionsMissingCode(db *gorm.DB, accountID uint, limit int) ([]models.Submission, error) {
	var subs []models.Submission
	q := db.Where("platform_account_id = ? AND (source_code = '' OR source_code IS NULL)", accountID).
		Order("submitted_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&subs).Error; err != nil {
		return nil, err
	}
	return subs, nil
}

func UpdateSubmissionCode(db *gorm.DB, id uint, code string) error {
	return db.Model(&models.Submission{}).Where("id = ?", id).Update("source_code", code).Error
}

// Tag lookups
func FindTagByName(db *gorm.DB, name string) (*models.Tag, error) {
	return findTag(db, "name = ?", name)
}

func FindTagByDisplayName(db *gorm.DB, displayName string) (*models.Tag, error) {
	return findTag(db, "display_name = ?", displayName)
}

func findTag(db *gorm.DB, cond, value string) (*models.Tag, error) {
	var tag models.Tag
	if err := db.Where(cond, value).First(&tag).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tag, nil
}

func GetAllTags(db *gorm.DB) ([]models.Tag, error) {
	var tags []models.Tag
	if err := db.Order("stage asc, name asc").Find(&tags).Error; err != nil {
		return nil, err
	}
	return tags, nil
}

// AnalysisResult CRUD
func CreateAnalysisResult(db *gorm.DB, result *models.AnalysisResult) error {
	return db.Create(result).Error
}

func GetProblemAnalyses(db *gorm.DB, problemID uint) ([]models.AnalysisResult, error) {
	var results []models.AnalysisResult
	err := db.Where("problem_ref_id = ?", problemID).Order("analyzed_at desc").Find(&results).Error
	return results, err
}

func GetSubmissionAnalyses(db *gorm.DB, submissionID uint) ([]models.AnalysisResult, error) {
	var results []models.AnalysisResult
	err := db.Where("submission_id = ?", submissionID).Order("analyzed_at desc").Find(&results).Error
	return results, err
}

// DeleteProblemAnalyses removes problem-level results of the given types.
func DeleteProblemAnalyses(db *gorm.DB, problemID uint, types []string) error {
	return db.Where("problem_ref_id = ? AND submission_id IS NULL AND analysis_type IN ?", problemID, types).
		Delete(&models.AnalysisResult{}).Error
}

// MissingProblemAnalyses returns which of the given types have no result yet for a problem.
func MissingProblemAnalyses(db *gorm.DB, problemID uint, types []string) ([]string, error) {
	var present []string
	err := db.Model(&models.AnalysisResult{}).
		Where("problem_ref_id = ? AND submission_id IS NULL AND analysis_type IN ?", problemID, types).
		Distinct().Pluck("analysis_type", &present).Error
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(present))
	for _, p := range present {
		have[p] = true
	}
	var missing []string
	for _, t := range types {
		if !have[t] {
			missing = append(missing, t)
		}
	}
	return missing, nil
}

// MonthlyCost sums the AI spend recorded since the start of the month containing now.
func MonthlyCost(db *gorm.DB, now time.Time) (float64, error) {
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	var total struct {
		Cost float64
	}
	err := db.Model(&models.AnalysisResult{}).
		Select("coalesce(sum(cost_usd), 0) as cost").
		Where("analyzed_at >= ?", monthStart).
		Scan(&total).Error
	return total.Cost, err
}

// SyncJob CRUD
func CreateJob(db *gorm.DB, job *models.SyncJob) error {
	return db.Create(job).Error
}

func GetJob(db *gorm.DB, id string) (*models.SyncJob, error) {
	var job models.SyncJob
	if err := db.Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func GetJobs(db *gorm.DB, limit int) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	q := db.Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func GetPendingJobs(db *gorm.DB) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	err := db.Where("status = ?", models.JobPending).Order("created_at asc").Find(&jobs).Error
	return jobs, err
}

func UpdateJob(db *gorm.DB, job *models.SyncJob) error {
	return db.Save(job).Error
}

func UpdateJobProgress(db *gorm.DB, id, phase string, current, total int) error {
	return db.Model(&models.SyncJob{}).Where("id = ?", id).Updates(map[string]interface{}{
		"current_phase":    phase,
		"progress_current": current,
		"progress_total":   total,
	}).Error
}

// HasActiveJob reports whether a pending or running job of the given type exists for an account.
func HasActiveJob(db *gorm.DB, jobType models.JobType, accountID *uint) (bool, error) {
	var count int64
	q := db.Model(&models.SyncJob{}).
		Where("job_type = ? AND status IN ?", jobType, []models.JobStatus{models.JobPending, models.JobRunning})
	if accountID != nil {
		q = q.Where("platform_account_id = ?", *accountID)
	} else {
		q = q.Where("platform_account_id IS NULL")
	}
	err := q.Count(&count).Error
	return count > 0, err
}

// ProblemsNeedingAnalysis returns ids of problems with a description that are
// unanalyzed, have no difficulty, or lack a result of any of the given types.
// Problems flagged to skip or at the retry ceiling are excluded. Newest first.
func ProblemsNeedingAnalysis(db *gorm.DB, types []string, platform string, maxRetries, limit int) ([]uint, error) {
	pending := db.Where("ai_analyzed = ?", false).Or("difficulty = 0")
	for _, t := range types {
		have := db.Model(&models.AnalysisResult{}).Select("problem_ref_id").
			Where("analysis_type = ? AND problem_ref_id IS NOT NULL AND submission_id IS NULL", t)
		pending = pending.Or("id NOT IN (?)", have)
	}
	q := db.Model(&models.Problem{}).
		Where("description <> '' AND ai_skip_backfill = ?", false).
		Where(pending)
	if maxRetries > 0 {
		q = q.Where("ai_retry_count < ?", maxRetries)
	}
	if platform != "" {
		q = q.Where("platform = ?", platform)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var ids []uint
	err := q.Order("created_at desc").Pluck("id", &ids).Error
	return ids, err
}

// ReviewCandidate identifies a submission eligible for a code review.
type ReviewCandidate struct {
	SubmissionID uint
	ProblemID    uint
	AccountID    uint
}

// ReviewKey groups reviews per problem and account.
type ReviewKey struct {
	ProblemID uint
	AccountID uint
}

// SubmissionsNeedingReview lists unreviewed submissions with source code from
// active accounts whose problem has already been classified, newest first.
func SubmissionsNeedingReview(db *gorm.DB, platform string) ([]ReviewCandidate, error) {
	reviewed := db.Model(&models.AnalysisResult{}).Select("submission_id").
		Where("analysis_type = ? AND submission_id IS NOT NULL", models.AnalysisSubmissionReview)
	q := db.Table("submissions").
		Select("submissions.id AS submission_id, submissions.problem_ref_id AS problem_id, submissions.platform_account_id AS account_id").
		Joins("JOIN platform_accounts ON platform_accounts.id = submissions.platform_account_id").
		Joins("JOIN problems ON problems.id = submissions.problem_ref_id").
		Where("platform_accounts.is_active = ?", true).
		Where("submissions.source_code <> ''").
		Where("problems.ai_analyzed = ? AND problems.difficulty > 0 AND problems.ai_skip_backfill = ?", true, false).
		Where("submissions.id NOT IN (?)", reviewed)
	if platform != "" {
		q = q.Where("problems.platform = ?", platform)
	}
	var out []ReviewCandidate
	err := q.Order("submissions.submitted_at desc").Scan(&out).Error
	return out, err
}

// ReviewCounts counts existing submission reviews per problem and account.
func ReviewCounts(db *gorm.DB) (map[ReviewKey]int, error) {
	var rows []struct {
		ProblemID uint
		AccountID uint
		N         int
	}
	err := db.Table("analysis_results").
		Select("submissions.problem_ref_id AS problem_id, submissions.platform_account_id AS account_id, count(*) AS n").
		Joins("JOIN submissions ON submissions.id = analysis_results.submission_id").
		Where("analysis_results.analysis_type = ? AND submissions.problem_ref_id IS NOT NULL", models.AnalysisSubmissionReview).
		Group("submissions.problem_ref_id, submissions.platform_account_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[ReviewKey]int, len(rows))
	for _, r := range rows {
		counts[ReviewKey{r.ProblemID, r.AccountID}] = r.N
	}
	return counts, nil
}
