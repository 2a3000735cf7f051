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

const defaultOpenAIBaseURL = "https://api.openai.com"

var (
	_ Caller = &OpenAICaller{}
)

/**
 * OpenAICaller speaks the chat-completions dialect. It also covers the
 * OpenAI-compatible gateways (vllm, ollama, most proxies) through
 * BaseURL, which is why it takes a provider tag instead of hardcoding
 * "openai".
 */
type OpenAICaller struct {
	provider string
	baseURL  string
	apiKey   string
	client   *http.Client
	prices   *pricing.Table
}

func NewOpenAICaller(provider, baseURL, apiKey string, prices *pricing.Table) *OpenAICaller {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &OpenAICaller{
		provider: provider,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		client:   &http.Client{},
		prices:   prices,
	}
}

type openAIMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	Temperature float64         `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

type openAIResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message openAIMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (c *OpenAICaller) Call(ctx context.Context, req *Request) (*Response, error) {
	messages := make([]openAIMessage, 0, 2)
	if req.SystemPrompt != "" {
		messages = append(messages, openAIMessage{Role: "system", Content: req.SystemPrompt})
	}
	messages = append(messages, openAIMessage{Role: "user", Content: req.UserMessage})

	payload := openAIRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}

	start := time.Now()
	status, raw, err := postJSON(ctx, c.client, c.provider, c.baseURL+"/v1/chat/completions", headers, payload, req.Timeout)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, httpError(c.provider, status, string(raw))
	}

	var body openAIResponse
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, types.NewInvalidResponseError(errors.Annotatef(err, "%s response decode", c.provider))
	}
	if len(body.Choices) == 0 {
		return nil, types.NewInvalidResponseError(errors.Errorf("%s response has no choices", c.provider))
	}

	model := body.Model
	if model == "" {
		model = req.Model
	}
	return &Response{
		Text:             body.Choices[0].Message.Content,
		TokensPrompt:     body.Usage.PromptTokens,
		TokensCompletion: body.Usage.CompletionTokens,
		Model:            model,
		LatencyMs:        time.Since(start).Milliseconds(),
		Cost:             c.prices.Cost(c.provider, model, body.Usage.PromptTokens, body.Usage.CompletionTokens),
	}, nil
}
