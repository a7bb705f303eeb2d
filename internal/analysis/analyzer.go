package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/ZJUSCT/OJTrack/internal/cache"
	"github.com/ZJUSCT/OJTrack/internal/config"
	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/llm"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	ErrBudgetExceeded = errors.New("monthly AI budget exceeded")
	ErrParseFailed    = errors.New("model output is not a JSON object")
	ErrNoContent      = errors.New("nothing to analyze")
	ErrNotConfigured  = errors.New("no AI provider configured")
)

const (
	maxErrorLen = 500
	maxRawLen   = 20000
)

// ProblemAnalysisTypes are the results one comprehensive call produces, keyed
// by the section of the model's JSON answer they are cut from.
var ProblemAnalysisTypes = []string{
	models.AnalysisProblemClassify,
	models.AnalysisProblemSolution,
	models.AnalysisProblemFullSolution,
}

var sectionKeys = map[string]string{
	models.AnalysisProblemClassify:     "classify",
	models.AnalysisProblemSolution:     "solution",
	models.AnalysisProblemFullSolution: "full_solution",
}

type Analyzer struct {
	db       *gorm.DB
	cfg      config.AI
	provider llm.Provider
	store    cache.Store
	now      func() time.Time
}

// New builds an analyzer for the configured provider. A provider that cannot
// be built leaves the analyzer disabled; every call then fails with ErrNotConfigured.
func New(db *gorm.DB, cfg config.AI, store cache.Store) *Analyzer {
	a := NewWithProvider(db, cfg, nil, store)
	p := cfg.Providers[cfg.Provider]
	provider, err := llm.NewProvider(cfg.Provider, p.APIKey, p.BaseURL)
	if err != nil {
		zap.S().Warnf("AI analysis disabled: %v", err)
		return a
	}
	a.provider = provider
	zap.S().Infof("AI analysis using provider %s", provider.Name())
	return a
}

func NewWithProvider(db *gorm.DB, cfg config.AI, provider llm.Provider, store cache.Store) *Analyzer {
	if store == nil {
		store = cache.NewMemory()
	}
	return &Analyzer{
		db:       db,
		cfg:      cfg,
		provider: provider,
		store:    cache.WithNamespace(store, "analysis"),
		now:      time.Now,
	}
}

func (a *Analyzer) Enabled() bool {
	return a.provider != nil
}

// MonthlyCost reports the USD spent on analyses this calendar month.
func (a *Analyzer) MonthlyCost(ctx context.Context) (float64, error) {
	return database.MonthlyCost(a.db.WithContext(ctx), a.now())
}

func (a *Analyzer) checkBudget(ctx context.Context) error {
	spent, err := a.MonthlyCost(ctx)
	if err != nil {
		return fmt.Errorf("read monthly cost: %w", err)
	}
	if spent >= a.cfg.MonthlyBudget {
		return fmt.Errorf("%w: spent $%.4f of $%.2f", ErrBudgetExceeded, spent, a.cfg.MonthlyBudget)
	}
	return nil
}

func (a *Analyzer) model(tier llm.Tier) string {
	override := a.cfg.ModelBasic
	if tier == llm.TierAdvanced {
		override = a.cfg.ModelAdvanced
	}
	return llm.ModelFor(a.provider.Name(), tier, override)
}

// AnalyzeProblemComprehensive classifies a problem and writes its three
// analyses in one model call. Without force, a problem that is analyzed and has
// every result is left alone.
func (a *Analyzer) AnalyzeProblemComprehensive(ctx context.Context, problemID uint, force bool) error {
	if a.provider == nil {
		return ErrNotConfigured
	}
	problem, err := database.GetProblem(a.db.WithContext(ctx), problemID)
	if err != nil {
		return err
	}
	if problem.Description == "" {
		return fmt.Errorf("%w: problem %d has no description", ErrNoContent, problemID)
	}
	if !force && problem.AIAnalyzed {
		missing, err := database.MissingProblemAnalyses(a.db.WithContext(ctx), problemID, ProblemAnalysisTypes)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			return nil
		}
	}
	if err := a.checkBudget(ctx); err != nil {
		return err
	}

	ref, err := a.tagReference(ctx)
	if err != nil {
		return err
	}
	msgs := comprehensiveMessages(problem, ref)
	if a.provider.SupportsImages() {
		msgs[len(msgs)-1].Images = extractImages(problem.Description)
	}

	out, err := a.chatJSON(ctx, msgs, llm.TierAdvanced)
	if err != nil {
		a.recordFailedCall(models.AnalysisResult{ProblemRefID: &problem.ID}, "problem_comprehensive", err, out)
		if ctx.Err() == nil {
			a.recordFailure(problem.ID, err, out)
		}
		return err
	}
	if err := a.saveComprehensive(ctx, problem, out); err != nil {
		if errors.Is(err, ErrParseFailed) {
			a.recordFailedCall(models.AnalysisResult{ProblemRefID: &problem.ID}, "problem_comprehensive", err, out)
			a.recordFailure(problem.ID, err, out)
		}
		return err
	}
	zap.S().Infof("analyzed problem %s/%s with %s ($%.4f)", problem.Platform, problem.ProblemID, out.model, out.cost())
	return nil
}

func (a *Analyzer) saveComprehensive(ctx context.Context, problem *models.Problem, out *outcome) error {
	type section struct {
		typ  string
		data map[string]any
	}
	var sections []section
	for _, typ := range ProblemAnalysisTypes {
		if data, ok := out.data[sectionKeys[typ]].(map[string]any); ok {
			sections = append(sections, section{typ, data})
		}
	}
	if len(sections) == 0 {
		return fmt.Errorf("%w: no analysis sections in answer", ErrParseFailed)
	}

	now := a.now()
	return a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		types := make([]string, len(sections))
		for i, s := range sections {
			types[i] = s.typ
		}
		if err := database.DeleteProblemAnalyses(tx, problem.ID, types); err != nil {
			return err
		}
		for i, s := range sections {
			raw, err := json.Marshal(s.data)
			if err != nil {
				return err
			}
			result := &models.AnalysisResult{
				ProblemRefID: &problem.ID,
				AnalysisType: s.typ,
				ResultJSON:   datatypes.JSON(raw),
				Summary:      summarize(s.typ, s.data),
				AIModel:      out.model,
				AnalyzedAt:   now,
			}
			// The call is billed once; the first stored section carries it.
			if i == 0 {
				result.TokenCost = out.tokens()
				result.CostUSD = out.cost()
			}
			if err := database.CreateAnalysisResult(tx, result); err != nil {
				return err
			}
		}

		if classify, ok := out.data["classify"].(map[string]any); ok {
			if err := applyClassification(tx, problem, classify); err != nil {
				return err
			}
			problem.AIAnalyzed = true
			problem.AIAnalysisError = ""
		}
		problem.AITruncated = out.truncated()
		return database.UpdateProblem(tx, problem)
	})
}

// applyClassification copies the classify section onto the problem: knowledge
// points, problem type, canonical tags and an overall difficulty in 1..10.
func applyClassification(tx *gorm.DB, problem *models.Problem, classify map[string]any) error {
	if t, ok := classify["problem_type"].(string); ok {
		problem.AIProblemType = t
	}
	points, _ := classify["knowledge_points"].([]any)
	if raw, err := json.Marshal(points); err == nil && points != nil {
		problem.AITags = datatypes.JSON(raw)
	}

	var tags []models.Tag
	for _, p := range points {
		kp, ok := p.(map[string]any)
		if !ok {
			continue
		}
		name, _ := kp["tag_name"].(string)
		if name == "" {
			continue
		}
		tag, err := database.FindTagByName(tx, name)
		if err != nil {
			return err
		}
		if tag == nil {
			zap.S().Debugf("model suggested unknown tag %q for problem %d", name, problem.ID)
			continue
		}
		tags = append(tags, *tag)
	}
	if len(tags) > 0 {
		if err := database.AppendProblemTags(tx, problem, tags); err != nil {
			return err
		}
	}

	if da, ok := classify["difficulty_assessment"].(map[string]any); ok {
		if overall, ok := da["overall"].(float64); ok {
			if d := int(overall + 0.5); d >= 1 && d <= 10 {
				problem.Difficulty = d
			}
		}
	}
	return nil
}

func summarize(typ string, data map[string]any) string {
	var key string
	switch typ {
	case models.AnalysisProblemClassify:
		key = "problem_type"
	case models.AnalysisProblemSolution, models.AnalysisProblemFullSolution:
		key = "approach"
	case models.AnalysisSubmissionReview:
		key = "approach_analysis"
	}
	s, _ := data[key].(string)
	return truncate(s, 200)
}

// recordFailure leaves a diagnostic on the problem instead of dropping the
// attempt: the error with the head of the first answer, a bumped retry count
// and whether the model ran out of tokens.
func (a *Analyzer) recordFailure(problemID uint, cause error, out *outcome) {
	msg := cause.Error()
	if out != nil && out.raw != "" {
		msg += " | first answer: " + out.raw
	}
	updates := map[string]interface{}{
		"ai_analysis_error": truncate(msg, maxErrorLen),
		"ai_retry_count":    gorm.Expr("ai_retry_count + 1"),
	}
	if out != nil {
		updates["ai_truncated"] = out.truncated()
	}
	if err := a.db.Model(&models.Problem{}).Where("id = ?", problemID).Updates(updates).Error; err != nil {
		zap.S().Errorf("failed to record analysis failure for problem %d: %v", problemID, err)
	}
	zap.S().Warnf("analysis of problem %d failed: %v", problemID, cause)
}

// recordFailedCall stores the answers of calls that produced nothing usable,
// billed like any other result. Nothing is stored when no call got an answer.
func (a *Analyzer) recordFailedCall(ref models.AnalysisResult, task string, cause error, out *outcome) {
	if out == nil || len(out.responses) == 0 {
		return
	}
	answers := make([]string, len(out.responses))
	for i, r := range out.responses {
		answers[i] = truncate(r.Content, maxRawLen)
	}
	raw, err := json.Marshal(map[string]any{
		"task":      task,
		"error":     cause.Error(),
		"truncated": out.truncated(),
		"answers":   answers,
	})
	if err != nil {
		return
	}
	ref.AnalysisType = models.AnalysisFailedCall
	ref.ResultJSON = datatypes.JSON(raw)
	ref.Summary = truncate(cause.Error(), 200)
	ref.AIModel = out.model
	ref.TokenCost = out.tokens()
	ref.CostUSD = out.cost()
	ref.AnalyzedAt = a.now()
	// The request context may already be cancelled; the spend happened anyway.
	if err := database.CreateAnalysisResult(a.db, &ref); err != nil {
		zap.S().Errorf("failed to record cost of failed %s call: %v", task, err)
	}
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n])
}
