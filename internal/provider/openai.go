package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	openai "github.com/sashabaranov/go-openai"
)

const (
	openaiEstimationModel = openai.GPT4o
	openaiSynthesisModel  = "gpt-image-1"
)

func init() {
	RegisterFactory("openai", func(config map[string]any) (Provider, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}

		cfg := openai.DefaultConfig(apiKey)
		if url, ok := config["base_url"].(string); ok && url != "" {
			cfg.BaseURL = url
		}

		return NewOpenAIProvider(cfg), nil
	})
}

// OpenAIProvider implements Provider for the OpenAI API using the
// go-openai client: vision chat for estimation, image edits for
// synthesis.
type OpenAIProvider struct {
	client  *openai.Client
	retrier *Retrier
}

// NewOpenAIProvider creates a new OpenAI provider
func NewOpenAIProvider(cfg openai.ClientConfig) *OpenAIProvider {
	return &OpenAIProvider{
		client:  openai.NewClientWithConfig(cfg),
		retrier: NewRetrier(0),
	}
}

// Name returns the provider name
func (p *OpenAIProvider) Name() string {
	return "openai"
}

// EstimateAge asks a vision-capable chat model for the subject's age as
// JSON and clamps the result into the valid range.
func (p *OpenAIProvider) EstimateAge(ctx context.Context, image []byte) (int, error) {
	req := openai.ChatCompletionRequest{
		Model: openaiEstimationModel,
		Messages: []openai.ChatCompletionMessage{{
			Role: openai.ChatMessageRoleUser,
			MultiContent: []openai.ChatMessagePart{
				{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    dataURL(image),
						Detail: openai.ImageURLDetailAuto,
					},
				},
				{
					Type: openai.ChatMessagePartTypeText,
					Text: `Estimate the current age of the person in this photo. Respond with JSON only, shaped as {"age": <integer>}.`,
				},
			},
		}},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}

	resp, err := Retry(ctx, p.retrier, "openai", "estimate_age", func(ctx context.Context) (openai.ChatCompletionResponse, error) {
		resp, err := p.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return resp, p.wrapError(err)
		}
		return resp, nil
	})
	if err != nil {
		return 0, err
	}

	if len(resp.Choices) == 0 {
		return 0, NewProviderError("openai", ErrorCodeInvalidFormat, "no choices in response", nil)
	}

	content := resp.Choices[0].Message.Content
	var parsed struct {
		Age *float64 `json:"age"`
	}
	if err := json.Unmarshal([]byte(content), &parsed); err != nil || parsed.Age == nil {
		return 0, NewProviderError("openai", ErrorCodeInvalidFormat,
			fmt.Sprintf("age estimation response is not valid JSON with a numeric age: %q", content), err)
	}

	return ClampAge(int(*parsed.Age)), nil
}

// Synthesize edits the source image per the prompt via the images API.
func (p *OpenAIProvider) Synthesize(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	req := openai.ImageEditRequest{
		Image:  openai.WrapReader(bytes.NewReader(image), "source.png", http.DetectContentType(image)),
		Prompt: prompt,
		Model:  openaiSynthesisModel,
		N:      1,
	}

	resp, err := Retry(ctx, p.retrier, "openai", "synthesize", func(ctx context.Context) (openai.ImageResponse, error) {
		resp, err := p.client.CreateEditImage(ctx, req)
		if err != nil {
			return resp, p.wrapError(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Data) == 0 || resp.Data[0].B64JSON == "" {
		return nil, newNoImageError("openai", revisedPromptText(resp))
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data[0].B64JSON)
	if err != nil {
		return nil, NewProviderError("openai", ErrorCodeInvalidFormat, "image data is not valid base64", err)
	}
	return data, nil
}

// wrapError converts go-openai errors to ProviderError
func (p *OpenAIProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		code := codeForStatus(apiErr.HTTPStatusCode)
		return &ProviderError{
			Provider:      "openai",
			Code:          code,
			Message:       apiErr.Message,
			StatusCode:    apiErr.HTTPStatusCode,
			IsRetryable:   isRetryableCode(code),
			OriginalError: err,
		}
	}

	return NewProviderError("openai", ErrorCodeTimeout, err.Error(), err)
}

// dataURL encodes an image as a data URL for vision chat parts.
func dataURL(image []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", http.DetectContentType(image), base64.StdEncoding.EncodeToString(image))
}

func revisedPromptText(resp openai.ImageResponse) string {
	if len(resp.Data) > 0 {
		return resp.Data[0].RevisedPrompt
	}
	return ""
}
