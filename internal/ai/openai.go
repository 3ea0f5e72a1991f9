package ai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

// OpenAIClient calls the chat completions API through the official SDK.
type OpenAIClient struct {
	client openai.Client
	apiKey string
}

// NewOpenAIClient builds a client; SDK-level retries are disabled because
// the dispatcher owns retry policy.
func NewOpenAIClient(apiKey string, opts ...option.RequestOption) *OpenAIClient {
	base := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	return &OpenAIClient{client: openai.NewClient(append(base, opts...)...), apiKey: apiKey}
}

func (c *OpenAIClient) Name() string { return "openai" }

func (c *OpenAIClient) Do(ctx context.Context, req Request) (Response, error) {
	if c.apiKey == "" {
		return Response{}, &ValidationError{Message: "OPENAI_API_KEY not set"}
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(req.Model),
		Messages:    messages,
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Response{}, MapOpenAIError(err, req.Model)
	}
	if len(resp.Choices) == 0 {
		return Response{}, ErrEmptyResponse
	}
	choice := resp.Choices[0]
	if choice.Message.Refusal != "" {
		return Response{}, ErrContentRefused
	}
	text := strings.TrimSpace(choice.Message.Content)
	if text == "" {
		return Response{}, ErrEmptyResponse
	}
	return Response{
		Text:      text,
		TokensIn:  int(resp.Usage.PromptTokens),
		TokensOut: int(resp.Usage.CompletionTokens),
		Provider:  c.Name(),
		Model:     req.Model,
	}, nil
}

// MapOpenAIError converts SDK errors into the package's typed errors.
func MapOpenAIError(err error, model string) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return &RateLimitError{Provider: "openai", Model: model, Reason: apiErr.Message}
		}
		return &HTTPError{StatusCode: apiErr.StatusCode, Body: apiErr.Message, Provider: "openai"}
	}
	return err
}
