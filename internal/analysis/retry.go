package analysis

import (
	"context"
	"fmt"

	"github.com/ZJUSCT/OJTrack/internal/llm"
	"go.uber.org/zap"
)

const (
	truncationHint = "注意：不要输出推理过程或任何解释，直接输出满足格式要求的 JSON 对象，内容尽量精简。"
	reformatHint   = "上一条回复无法解析为 JSON。请把其中的内容整理成严格合法的 JSON 对象后重新输出，只输出 JSON 本身，不要使用代码块，也不要附加说明文字。"
)

// outcome collects every call made for one analysis.
type outcome struct {
	data      map[string]any
	model     string
	raw       string
	responses []*llm.Response
}

func (o *outcome) add(r *llm.Response) {
	if len(o.responses) == 0 {
		o.raw = r.Content
	}
	o.responses = append(o.responses, r)
}

func (o *outcome) cost() float64 {
	var c float64
	for _, r := range o.responses {
		c += r.Cost
	}
	return c
}

func (o *outcome) tokens() int {
	var n int
	for _, r := range o.responses {
		n += r.Tokens()
	}
	return n
}

func (o *outcome) truncated() bool {
	for _, r := range o.responses {
		if r.IsTruncated() {
			return true
		}
	}
	return false
}

// chatJSON makes one call and, when the answer does not parse, exactly one
// retry shaped by why the first answer failed.
func (a *Analyzer) chatJSON(ctx context.Context, msgs []llm.Message, tier llm.Tier) (*outcome, error) {
	opts := llm.ChatOptions{
		Model:       a.model(tier),
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
	}
	out := &outcome{model: opts.Model}

	first, err := a.provider.Chat(ctx, msgs, opts)
	if err != nil {
		return out, err
	}
	out.add(first)
	if data := llm.ParseJSONObject(first.Content); data != nil {
		out.data = data
		return out, nil
	}
	zap.S().Warnf("unparseable answer from %s (finish_reason=%s, %d chars), retrying", opts.Model, first.FinishReason, len(first.Content))

	second, err := a.provider.Chat(ctx, retryMessages(msgs, first), opts)
	if err != nil {
		return out, fmt.Errorf("retry: %w", err)
	}
	out.add(second)
	if data := llm.ParseJSONObject(second.Content); data != nil {
		out.data = data
		return out, nil
	}
	return out, fmt.Errorf("%w after retry (finish_reason=%s, %d chars)", ErrParseFailed, second.FinishReason, len(second.Content))
}

// retryMessages builds the second attempt. A truncated answer gets the
// original conversation with an instruction to skip the reasoning; an answer
// that finished but did not parse is echoed back with a request to reformat.
func retryMessages(orig []llm.Message, first *llm.Response) []llm.Message {
	msgs := make([]llm.Message, len(orig), len(orig)+2)
	copy(msgs, orig)

	if !first.IsTruncated() {
		return append(msgs,
			llm.Message{Role: llm.RoleAssistant, Content: first.Content},
			llm.Message{Role: llm.RoleUser, Content: reformatHint},
		)
	}

	for i := range msgs {
		if msgs[i].Role == llm.RoleSystem {
			msgs[i].Content += "\n\n" + truncationHint
			return msgs
		}
	}
	if last := len(msgs) - 1; last >= 0 && msgs[last].Role == llm.RoleUser {
		msgs[last].Content += "\n\n" + truncationHint
		return msgs
	}
	return append(msgs, llm.Message{Role: llm.RoleUser, Content: truncationHint})
}
