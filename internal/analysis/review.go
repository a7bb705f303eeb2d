package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/llm"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// ReviewSubmission asks the model to review one submission's code. An existing
// review is returned as is.
func (a *Analyzer) ReviewSubmission(ctx context.Context, submissionID uint) (*models.AnalysisResult, error) {
	if a.provider == nil {
		return nil, ErrNotConfigured
	}
	db := a.db.WithContext(ctx)
	sub, err := database.GetSubmission(db, submissionID)
	if err != nil {
		return nil, err
	}
	existing, err := database.GetSubmissionAnalyses(db, submissionID)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if existing[i].AnalysisType == models.AnalysisSubmissionReview {
			return &existing[i], nil
		}
	}
	if sub.SourceCode == "" {
		return nil, fmt.Errorf("%w: submission %d has no source code", ErrNoContent, submissionID)
	}
	if err := a.checkBudget(ctx); err != nil {
		return nil, err
	}

	var grade string
	if account, err := database.GetAccount(db, sub.PlatformAccountID); err == nil {
		if student, err := database.GetStudent(db, account.StudentID); err == nil {
			grade = student.Grade
		}
	}

	out, err := a.chatJSON(ctx, reviewMessages(sub, grade), llm.TierBasic)
	if err != nil {
		zap.S().Warnf("review of submission %d failed: %v", submissionID, err)
		a.recordFailedCall(models.AnalysisResult{SubmissionID: &sub.ID, ProblemRefID: sub.ProblemRefID}, models.AnalysisSubmissionReview, err, out)
		return nil, err
	}
	raw, err := json.Marshal(out.data)
	if err != nil {
		return nil, err
	}
	result := &models.AnalysisResult{
		SubmissionID: &sub.ID,
		ProblemRefID: sub.ProblemRefID,
		AnalysisType: models.AnalysisSubmissionReview,
		ResultJSON:   datatypes.JSON(raw),
		Summary:      summarize(models.AnalysisSubmissionReview, out.data),
		AIModel:      out.model,
		TokenCost:    out.tokens(),
		CostUSD:      out.cost(),
		AnalyzedAt:   a.now(),
	}
	if err := database.CreateAnalysisResult(db, result); err != nil {
		return nil, err
	}
	return result, nil
}
