package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/juju/errors"

	"github.com/warriorguo/llmflow/pricing"
	"github.com/warriorguo/llmflow/types"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
)

var (
	_ Caller = &AnthropicCaller{}
)

// AnthropicCaller speaks the messages dialect. Authentication uses the
// x-api-key header and the system prompt travels in its own field.
type AnthropicCaller struct {
	baseURL string
	apiKey  string
	client  *http.Client
	prices  *pricing.Table
}

func NewAnthropicCaller(baseURL, apiKey string, prices *pricing.Table) *AnthropicCaller {
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	return &AnthropicCaller{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{},
		prices:  prices,
	}
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicCaller) Call(ctx context.Context, req *Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		// the messages endpoint rejects requests without max_tokens
		maxTokens = 1024
	}
	payload := anthropicRequest{
		Model:       req.Model,
		Messages:    []anthropicMessage{{Role: "user", Content: req.UserMessage}},
		System:      req.SystemPrompt,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	headers := map[string]string{
		"x-api-key":         c.apiKey,
		"anthropic-version": anthropicVersion,
	}

	start := time.Now()
	status, raw, err := postJSON(ctx, c.client, "anthropic", c.baseURL+"/v1/messages", headers, payload, req.Timeout)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, httpError("anthropic", status, string(raw))
	}

	var body anthropicResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, types.NewInvalidResponseError(errors.Annotatef(err, "anthropic response decode"))
	}

	text := ""
	for _, block := range body.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" && len(body.Content) == 0 {
		return nil, types.NewInvalidResponseError(errors.Errorf("anthropic response has no content"))
	}

	model := body.Model
	if model == "" {
		model = req.Model
	}
	return &Response{
		Text:             text,
		TokensPrompt:     body.Usage.InputTokens,
		TokensCompletion: body.Usage.OutputTokens,
		Model:            model,
		LatencyMs:        time.Since(start).Milliseconds(),
		Cost:             c.prices.Cost("anthropic", model, body.Usage.InputTokens, body.Usage.OutputTokens),
	}, nil
}
