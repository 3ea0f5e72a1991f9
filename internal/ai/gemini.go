package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// GeminiClient calls Google Gemini through generative-ai-go. The underlying
// SDK client is created lazily and reused.
type GeminiClient struct {
	apiKey string

	mu     sync.Mutex
	client *genai.Client
}

func NewGeminiClient(apiKey string) *GeminiClient { return &GeminiClient{apiKey: apiKey} }

func (c *GeminiClient) Name() string { return "gemini" }

func (c *GeminiClient) sdk(ctx context.Context) (*genai.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		return c.client, nil
	}
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	c.client = client
	return client, nil
}

func (c *GeminiClient) Do(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, &ValidationError{Message: "GEMINI_API_KEY not set"}
	}
	client, err := c.sdk(ctx)
	if err != nil {
		return Response{}, err
	}

	model := client.GenerativeModel(req.Model)
	model.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.SystemPrompt != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(req.SystemPrompt))
	}
	if req.JSON {
		model.ResponseMIMEType = "application/json"
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return Response{}, classifyGeminiError(err, req.Model)
	}
	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != genai.BlockReasonUnspecified {
		return Response{}, ErrContentRefused
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, ErrEmptyResponse
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			sb.WriteString(string(txt))
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
			return Response{}, ErrContentRefused
		}
		return Response{}, ErrEmptyResponse
	}

	out := Response{Text: text, Provider: c.Name(), Model: req.Model}
	if um := resp.UsageMetadata; um != nil {
		out.TokensIn = int(um.PromptTokenCount)
		out.TokensOut = int(um.CandidatesTokenCount)
	}
	return out, nil
}

// Close releases the SDK connection.
func (c *GeminiClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil {
		return nil
	}
	err := c.client.Close()
	c.client = nil
	return err
}

// classifyGeminiError maps gRPC/REST status text to typed errors; the SDK
// does not expose a stable status type across transports.
func classifyGeminiError(err error, model string) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "RESOURCE_EXHAUSTED"), strings.Contains(msg, "429"):
		return &RateLimitError{Provider: "gemini", Model: model, Reason: msg}
	case strings.Contains(msg, "PERMISSION_DENIED"), strings.Contains(msg, "UNAUTHENTICATED"),
		strings.Contains(msg, "API_KEY_INVALID"):
		return &HTTPError{StatusCode: 403, Body: msg, Provider: "gemini"}
	case strings.Contains(msg, "INVALID_ARGUMENT"), strings.Contains(msg, "NOT_FOUND"):
		return &HTTPError{StatusCode: 400, Body: msg, Provider: "gemini"}
	case strings.Contains(msg, "UNAVAILABLE"), strings.Contains(msg, "INTERNAL"):
		return &HTTPError{StatusCode: 503, Body: msg, Provider: "gemini"}
	}
	return err
}
