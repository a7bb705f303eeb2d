package analysis

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/ZJUSCT/OJTrack/internal/database"
	"github.com/ZJUSCT/OJTrack/internal/database/models"
	"github.com/ZJUSCT/OJTrack/internal/llm"
	"go.uber.org/zap"
)

const (
	tagReferenceKey = "tag_reference"
	tagReferenceTTL = 5 * time.Minute
	maxImages       = 4
	maxReviewDesc   = 3000
)

var stageLabels = map[int]string{
	1: "语法基础",
	2: "基础算法",
	3: "CSP-J",
	4: "CSP-S",
	5: "省选",
	6: "NOI",
}

const coachSystem = "你是信息学竞赛（OI）资深教练，熟悉 CSP/NOIP/省选/NOI 各阶段的知识体系。你的回答只能是一个合法的 JSON 对象，不输出 JSON 以外的任何文字。"

const comprehensiveFormat = `{
  "classify": {
    "problem_type": "一句话题型概括",
    "knowledge_points": [{"tag_name": "参考列表中的 tag_name", "importance": "核心 或 辅助"}],
    "difficulty_assessment": {"thinking": 3, "coding": 2, "math": 1, "overall": 3}
  },
  "solution": {
    "approach": "思路概述",
    "algorithm": "核心算法或数据结构",
    "complexity": {"time": "O(...)", "space": "O(...)"},
    "key_points": ["实现要点"],
    "common_pitfalls": ["易错点"],
    "thinking_steps": ["第一步", "第二步"]
  },
  "full_solution": {
    "approach": "思路概述",
    "code": "完整 C++ 代码",
    "explanation": "关键说明",
    "complexity": {"time": "O(...)", "space": "O(...)"},
    "alternative_approaches": [{"name": "其他做法", "brief": "一句话说明"}]
  }
}`

const reviewFormat = `{
  "approach_analysis": "学生用了什么方法（2-3 句）",
  "code_quality": "优秀/良好/一般/需改进",
  "strengths": ["优点"],
  "issues": [{"type": "逻辑错误/边界处理/代码风格等", "description": "问题描述", "location": "行号或代码片段"}],
  "suggestions": ["改进建议"],
  "knowledge_demonstrated": ["体现的知识点"],
  "mastery_level": "熟练/掌握/了解/不足"
}`

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "（无）"
	}
	return s
}

func comprehensiveMessages(p *models.Problem, tagRef string) []llm.Message {
	var b strings.Builder
	b.WriteString("请完整分析下面这道题：分类、解题思路、可直接提交的完整代码。\n\n")
	fmt.Fprintf(&b, "# 题目\n标题：%s\n平台：%s\n平台难度：%s\n", p.Title, p.Platform, orNone(p.DifficultyRaw))
	if tags := p.PlatformTagList(); len(tags) > 0 {
		fmt.Fprintf(&b, "平台标签：%s\n", strings.Join(tags, "，"))
	}
	fmt.Fprintf(&b, "\n题目描述：\n%s\n\n输入格式：%s\n输出格式：%s\n样例：%s\n提示与数据范围：%s\n",
		p.Description, orNone(p.InputDesc), orNone(p.OutputDesc), orNone(p.Examples), orNone(p.Hint))
	b.WriteString("\n# 知识点参考（tag_name 只能取自这里）\n")
	b.WriteString(tagRef)
	b.WriteString(`
# 要求
- classify：选 1 到 5 个最相关的 tag_name 并标明核心或辅助；overall 为 1 到 10 的综合难度（1 入门，3 普及，5 提高，7 省选，9 NOI）。
- solution：approach 不超过三句，thinking_steps 分步骤写清楚。
- full_solution：code 为完整 C++ 代码，使用 bits/stdc++.h 与 using namespace std，只保留必要注释；explanation 三到五句；alternative_approaches 至多两个。

按如下结构输出：
`)
	b.WriteString(comprehensiveFormat)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: coachSystem},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

func reviewMessages(sub *models.Submission, grade string) []llm.Message {
	var b strings.Builder
	b.WriteString("请审查下面这份学生代码。\n")
	if grade != "" {
		fmt.Fprintf(&b, "学生年级：%s，评价请贴合这个阶段的水平。\n", grade)
	}
	if p := sub.Problem; p != nil {
		fmt.Fprintf(&b, "\n# 题目：%s\n%s\n", p.Title, orNone(truncate(p.Description, maxReviewDesc)))
	}
	lang := sub.Language
	if lang == "" {
		lang = "cpp"
	}
	fmt.Fprintf(&b, "\n# 学生代码\n```%s\n%s\n```\n", lang, sub.SourceCode)
	score := "未知"
	if sub.Score != nil {
		score = fmt.Sprint(*sub.Score)
	}
	fmt.Fprintf(&b, "\n# 评测结果：%s，得分：%s\n\n按如下结构输出：\n%s", sub.Status, score, reviewFormat)

	return []llm.Message{
		{Role: llm.RoleSystem, Content: coachSystem},
		{Role: llm.RoleUser, Content: b.String()},
	}
}

// tagReference renders the tag catalogue grouped by stage. It is rebuilt at
// most every few minutes.
func (a *Analyzer) tagReference(ctx context.Context) (string, error) {
	if s, ok, err := a.store.Get(ctx, tagReferenceKey); err != nil {
		zap.S().Warnf("tag reference cache read failed: %v", err)
	} else if ok {
		return s, nil
	}

	tags, err := database.GetAllTags(a.db.WithContext(ctx))
	if err != nil {
		return "", err
	}
	ref := renderTagReference(tags)
	if err := a.store.Set(ctx, tagReferenceKey, ref, tagReferenceTTL); err != nil {
		zap.S().Warnf("tag reference cache write failed: %v", err)
	}
	return ref, nil
}

func renderTagReference(tags []models.Tag) string {
	var b strings.Builder
	stage := -1
	for _, t := range tags {
		if t.Stage != stage {
			stage = t.Stage
			label := stageLabels[stage]
			if label == "" {
				label = "其他"
			}
			fmt.Fprintf(&b, "## Stage %d - %s\n", stage, label)
		}
		fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.DisplayName)
	}
	return b.String()
}

var markdownImageRe = regexp.MustCompile(`!\[[^\]]*\]\(([^\s)]+)`)

// extractImages finds up to maxImages distinct absolute image URLs in a
// markdown or HTML description.
func extractImages(text string) []llm.Image {
	var urls []string
	for _, m := range markdownImageRe.FindAllStringSubmatch(text, -1) {
		urls = append(urls, m[1])
	}
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(text)); err == nil {
		doc.Find("img[src]").Each(func(_ int, img *goquery.Selection) {
			urls = append(urls, strings.TrimSpace(img.AttrOr("src", "")))
		})
	}

	var images []llm.Image
	seen := make(map[string]bool)
	for _, u := range urls {
		if len(images) >= maxImages {
			break
		}
		if seen[u] || !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			continue
		}
		seen[u] = true
		images = append(images, llm.Image{URL: u})
	}
	return images
}
