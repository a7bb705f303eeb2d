package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	openAIBaseURL = "https://api.openai.com/v1"
	zhipuBaseURL  = "https://open.bigmodel.cn/api/paas/v4"
)

// OpenAIProvider speaks the chat-completions format shared by OpenAI and Zhipu.
type OpenAIProvider struct {
	name    string
	baseURL string
	apiKey  string
	images  bool
	// minTemperature is raised to when the caller asks for less; Zhipu rejects 0.
	minTemperature float64
	client         *http.Client
}

func NewOpenAI(apiKey, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = openAIBaseURL
	}
	return &OpenAIProvider{
		name:    "openai",
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		images:  true,
		client:  &http.Client{Timeout: 10 * time.Minute},
	}
}

func NewZhipu(apiKey, baseURL string) *OpenAIProvider {
	if baseURL == "" {
		baseURL = zhipuBaseURL
	}
	return &OpenAIProvider{
		name:           "zhipu",
		baseURL:        strings.TrimRight(baseURL, "/"),
		apiKey:         apiKey,
		minTemperature: 0.01,
		client:         &http.Client{Timeout: 10 * time.Minute},
	}
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) SupportsImages() bool { return p.images }

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role string `json:"role"`
	// Content is a string, or a list of parts when images are attached.
	Content any `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message, opts ChatOptions) (*Response, error) {
	model := opts.Model
	if model == "" {
		model = tiers[p.name][TierBasic]
	}
	req := chatRequest{
		Model:       model,
		MaxTokens:   opts.MaxTokens,
		Temperature: opts.Temperature,
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = defaultMaxTokens
	}
	if req.Temperature < p.minTemperature {
		req.Temperature = p.minTemperature
	}
	for _, m := range messages {
		req.Messages = append(req.Messages, p.toWire(m))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	start := time.Now()
	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	defer httpResp.Body.Close()
	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", p.name, err)
	}

	var parsed chatResponse
	decodeErr := json.Unmarshal(raw, &parsed)
	if httpResp.StatusCode != http.StatusOK || parsed.Error != nil {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, &APIError{Provider: p.name, StatusCode: httpResp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("%s: decode response: %w", p.name, decodeErr)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return nil, ErrEmptyResponse
	}

	resp := &Response{
		Content:      parsed.Choices[0].Message.Content,
		Model:        model,
		Provider:     p.name,
		Latency:      time.Since(start),
		FinishReason: parsed.Choices[0].FinishReason,
	}
	if parsed.Usage != nil {
		resp.InputTokens = parsed.Usage.PromptTokens
		resp.OutputTokens = parsed.Usage.CompletionTokens
	}
	resp.Cost = EstimateCost(model, resp.InputTokens, resp.OutputTokens)
	zap.S().Debugf("%s %s: %d in, %d out, finish=%s, %v", p.name, model, resp.InputTokens, resp.OutputTokens, resp.FinishReason, resp.Latency)
	return resp, nil
}

func (p *OpenAIProvider) toWire(m Message) chatMessage {
	if len(m.Images) == 0 || !p.images {
		return chatMessage{Role: string(m.Role), Content: m.Content}
	}
	parts := []contentPart{{Type: "text", Text: m.Content}}
	for _, img := range m.Images {
		parts = append(parts, contentPart{Type: "image_url", ImageURL: &imageURL{URL: img.URL}})
	}
	return chatMessage{Role: string(m.Role), Content: parts}
}
