package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"google.golang.org/genai"
)

const (
	vertexAIClientTimeout = 30 * time.Second
)

func init() {
	RegisterFactory("vertexai", func(config map[string]any) (Provider, error) {
		projectID := ""
		if id, ok := config["project_id"].(string); ok {
			projectID = id
		}
		if projectID == "" {
			projectID = os.Getenv("GOOGLE_CLOUD_PROJECT")
		}
		if projectID == "" {
			return nil, fmt.Errorf("GOOGLE_CLOUD_PROJECT not set")
		}

		location := ""
		if loc, ok := config["location"].(string); ok {
			location = loc
		}
		if location == "" {
			location = os.Getenv("VERTEX_AI_LOCATION")
		}
		if location == "" {
			location = "us-central1"
		}

		return NewVertexAIProvider(projectID, location)
	})
}

// VertexAIProvider implements Provider for Google Vertex AI using the
// Gen AI SDK. It uses Application Default Credentials (ADC) for
// authentication.
type VertexAIProvider struct {
	projectID string
	location  string
	client    *genai.Client
	retrier   *Retrier
}

// NewVertexAIProvider creates a new Vertex AI provider using the Google Gen AI SDK.
func NewVertexAIProvider(projectID, location string) (*VertexAIProvider, error) {
	// Add timeout for client creation to prevent hanging
	ctx, cancel := context.WithTimeout(context.Background(), vertexAIClientTimeout)
	defer cancel()

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  projectID,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Vertex AI client: %w", err)
	}

	return &VertexAIProvider{
		projectID: projectID,
		location:  location,
		client:    client,
		retrier:   NewRetrier(0),
	}, nil
}

// Name returns the provider name
func (p *VertexAIProvider) Name() string {
	return "vertexai"
}

// vertexAgeSchema constrains estimation responses to {age: integer}.
var vertexAgeSchema = &genai.Schema{
	Type: genai.TypeObject,
	Properties: map[string]*genai.Schema{
		"age": {Type: genai.TypeInteger},
	},
	Required: []string{"age"},
}

// EstimateAge estimates the subject's age via structured JSON output.
func (p *VertexAIProvider) EstimateAge(ctx context.Context, image []byte) (int, error) {
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: http.DetectContentType(image), Data: image}},
			{Text: "Estimate the current age of the person in this photo. Respond with JSON only."},
		},
	}}

	config := &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		ResponseSchema:   vertexAgeSchema,
	}

	resp, err := Retry(ctx, p.retrier, "vertexai", "estimate_age", func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		resp, err := p.client.Models.GenerateContent(ctx, geminiEstimationModel, contents, config)
		if err != nil {
			return nil, p.wrapError(err)
		}
		return resp, nil
	})
	if err != nil {
		return 0, err
	}

	text := genaiText(resp)
	var parsed struct {
		Age *float64 `json:"age"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil || parsed.Age == nil {
		return 0, NewProviderError("vertexai", ErrorCodeInvalidFormat,
			fmt.Sprintf("age estimation response is not valid JSON with a numeric age: %q", text), err)
	}

	return ClampAge(int(*parsed.Age)), nil
}

// Synthesize generates a new rendering of the image per the prompt.
func (p *VertexAIProvider) Synthesize(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	contents := []*genai.Content{{
		Role: "user",
		Parts: []*genai.Part{
			{InlineData: &genai.Blob{MIMEType: http.DetectContentType(image), Data: image}},
			{Text: prompt},
		},
	}}

	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{"IMAGE", "TEXT"},
	}

	resp, err := Retry(ctx, p.retrier, "vertexai", "synthesize", func(ctx context.Context) (*genai.GenerateContentResponse, error) {
		resp, err := p.client.Models.GenerateContent(ctx, geminiSynthesisModel, contents, config)
		if err != nil {
			return nil, p.wrapError(err)
		}
		return resp, nil
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, NewProviderError("vertexai", ErrorCodeUnknown, "no candidates in response", nil)
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return part.InlineData.Data, nil
		}
	}

	return nil, newNoImageError("vertexai", genaiText(resp))
}

// wrapError converts Gen AI errors to ProviderError
func (p *VertexAIProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}

	code := ErrorCodeUnknown
	errMsg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errMsg, "authentication") || strings.Contains(errMsg, "credential") || strings.Contains(errMsg, "403") || strings.Contains(errMsg, "401"):
		code = ErrorCodeAuthentication
	case strings.Contains(errMsg, "rate limit") || strings.Contains(errMsg, "429") || strings.Contains(errMsg, "quota"):
		code = ErrorCodeRateLimit
	case strings.Contains(errMsg, "invalid") || strings.Contains(errMsg, "400"):
		code = ErrorCodeInvalidRequest
	case strings.Contains(errMsg, "timeout") || strings.Contains(errMsg, "deadline"):
		code = ErrorCodeTimeout
	case strings.Contains(errMsg, "500") || strings.Contains(errMsg, "503") || strings.Contains(errMsg, "internal") || strings.Contains(errMsg, "unavailable"):
		code = ErrorCodeServerError
	}

	return &ProviderError{
		Provider:      "vertexai",
		Code:          code,
		Message:       err.Error(),
		IsRetryable:   isRetryableCode(code),
		OriginalError: err,
	}
}

// genaiText concatenates the text parts of the first candidate.
func genaiText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text
}
