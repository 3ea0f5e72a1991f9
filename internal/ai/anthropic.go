package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const anthropicURL = "https://api.anthropic.com/v1/messages"

// AnthropicClient calls the Messages API over plain HTTP.
type AnthropicClient struct {
	http    *http.Client
	apiKey  string
	baseURL string
}

func NewAnthropicClient(apiKey string) *AnthropicClient {
	return &AnthropicClient{http: &http.Client{}, apiKey: apiKey, baseURL: anthropicURL}
}

func (c *AnthropicClient) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicMsgReq struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Temperature float64            `json:"temperature"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicMsgResp struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (c *AnthropicClient) Do(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, &ValidationError{Message: "ANTHROPIC_API_KEY not set"}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	prompt := req.Prompt
	if req.JSON {
		prompt += "\n\nRespond with a single JSON object and nothing else."
	}
	payload := anthropicMsgReq{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      req.SystemPrompt,
		Temperature: req.Temperature,
		Messages:    []anthropicMessage{{Role: "user", Content: prompt}},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Response{}, fmt.Errorf("encode anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return Response{}, statusError(c.Name(), req.Model, resp.StatusCode, string(b))
	}

	var r anthropicMsgResp
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return Response{}, fmt.Errorf("decode anthropic response: %w", err)
	}
	if r.StopReason == "refusal" {
		return Response{}, ErrContentRefused
	}
	var sb strings.Builder
	for _, part := range r.Content {
		if part.Type == "text" {
			sb.WriteString(part.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return Response{}, ErrEmptyResponse
	}
	return Response{
		Text:      text,
		TokensIn:  r.Usage.InputTokens,
		TokensOut: r.Usage.OutputTokens,
		Provider:  c.Name(),
		Model:     req.Model,
	}, nil
}
