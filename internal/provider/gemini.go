package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const (
	geminiBaseURL         = "https://generativelanguage.googleapis.com/v1beta"
	geminiEstimationModel = "gemini-2.5-flash"
	geminiSynthesisModel  = "gemini-2.5-flash-image"
)

func init() {
	RegisterFactory("gemini", func(config map[string]any) (Provider, error) {
		apiKey := ""
		if key, ok := config["api_key"].(string); ok {
			apiKey = key
		}
		if apiKey == "" {
			apiKey = os.Getenv("GOOGLE_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("GOOGLE_API_KEY not set")
		}

		baseURL := geminiBaseURL
		if url, ok := config["base_url"].(string); ok && url != "" {
			baseURL = url
		}

		return NewGeminiProvider(apiKey, baseURL), nil
	})
}

// GeminiProvider implements Provider for the Google Gemini API
type GeminiProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
	retrier *Retrier
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(apiKey, baseURL string) *GeminiProvider {
	return &GeminiProvider{
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 120 * time.Second},
		retrier: NewRetrier(0),
	}
}

// Name returns the provider name
func (p *GeminiProvider) Name() string {
	return "gemini"
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text       string      `json:"text,omitempty"`
	InlineData *geminiBlob `json:"inlineData,omitempty"`
}

type geminiBlob struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"` // base64
}

type geminiGenConfig struct {
	ResponseMimeType   string   `json:"responseMimeType,omitempty"`
	ResponseSchema     any      `json:"responseSchema,omitempty"`
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiResponse struct {
	Candidates []geminiCandidate `json:"candidates"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error,omitempty"`
}

// ageSchema constrains the estimation response to a single integer field.
var ageSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"age": map[string]any{"type": "integer"},
	},
	"required": []string{"age"},
}

// EstimateAge asks the model for the subject's age as schema-constrained
// JSON and clamps the result into the valid range.
func (p *GeminiProvider) EstimateAge(ctx context.Context, image []byte) (int, error) {
	req := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{InlineData: imageBlob(image)},
				{Text: "Estimate the current age of the person in this photo. Respond with JSON only."},
			},
		}},
		GenerationConfig: &geminiGenConfig{
			ResponseMimeType: "application/json",
			ResponseSchema:   ageSchema,
		},
	}

	resp, err := Retry(ctx, p.retrier, "gemini", "estimate_age", func(ctx context.Context) (*geminiResponse, error) {
		return p.doRequest(ctx, geminiEstimationModel, req)
	})
	if err != nil {
		return 0, err
	}

	text := firstText(resp)
	var parsed struct {
		Age *float64 `json:"age"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil || parsed.Age == nil {
		return 0, NewProviderError("gemini", ErrorCodeInvalidFormat,
			fmt.Sprintf("age estimation response is not valid JSON with a numeric age: %q", text), err)
	}

	return ClampAge(int(*parsed.Age)), nil
}

// Synthesize sends the source image and prompt, expecting inline image
// data back. A text-only answer is the model declining; the text is
// surfaced in the error.
func (p *GeminiProvider) Synthesize(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	req := geminiRequest{
		Contents: []geminiContent{{
			Role: "user",
			Parts: []geminiPart{
				{InlineData: imageBlob(image)},
				{Text: prompt},
			},
		}},
		GenerationConfig: &geminiGenConfig{
			ResponseModalities: []string{"IMAGE", "TEXT"},
		},
	}

	resp, err := Retry(ctx, p.retrier, "gemini", "synthesize", func(ctx context.Context) (*geminiResponse, error) {
		return p.doRequest(ctx, geminiSynthesisModel, req)
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Candidates) == 0 {
		return nil, NewProviderError("gemini", ErrorCodeUnknown, "no candidates in response", nil)
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part.InlineData == nil {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(part.InlineData.Data)
		if err != nil {
			return nil, NewProviderError("gemini", ErrorCodeInvalidFormat, "inline image data is not valid base64", err)
		}
		return data, nil
	}

	return nil, newNoImageError("gemini", firstText(resp))
}

// doRequest performs a single generateContent attempt. Retry policy is
// applied by the caller.
func (p *GeminiProvider) doRequest(ctx context.Context, model string, reqBody geminiRequest) (*geminiResponse, error) {
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)

	req, err := http.NewRequestWithContext(ctx, "POST", endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, NewProviderError("gemini", ErrorCodeTimeout, err.Error(), err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, p.handleErrorResponse(resp)
	}

	var out geminiResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, NewProviderError("gemini", ErrorCodeInvalidFormat, "response is not valid JSON", err)
	}
	if out.Error != nil {
		code := codeForStatus(out.Error.Code)
		if out.Error.Status == "INTERNAL" || out.Error.Status == "UNAVAILABLE" {
			code = ErrorCodeServerError
		}
		return nil, NewProviderError("gemini", code, out.Error.Message, nil)
	}

	return &out, nil
}

func (p *GeminiProvider) handleErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp geminiResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error != nil {
		code := codeForStatus(resp.StatusCode)
		// The INTERNAL status marker classifies the fault as transient
		// regardless of the HTTP status.
		if errResp.Error.Status == "INTERNAL" || errResp.Error.Status == "UNAVAILABLE" {
			code = ErrorCodeServerError
		}
		return &ProviderError{
			Provider:    "gemini",
			Code:        code,
			Message:     errResp.Error.Message,
			StatusCode:  resp.StatusCode,
			IsRetryable: isRetryableCode(code),
		}
	}

	code := codeForStatus(resp.StatusCode)
	return &ProviderError{
		Provider:    "gemini",
		Code:        code,
		Message:     string(body),
		StatusCode:  resp.StatusCode,
		IsRetryable: isRetryableCode(code),
	}
}

// imageBlob wraps raw image bytes as an inline data part, sniffing the
// mime type from the payload.
func imageBlob(image []byte) *geminiBlob {
	return &geminiBlob{
		MimeType: http.DetectContentType(image),
		Data:     base64.StdEncoding.EncodeToString(image),
	}
}

// firstText concatenates the text parts of the first candidate.
func firstText(resp *geminiResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var text string
	for _, part := range resp.Candidates[0].Content.Parts {
		text += part.Text
	}
	return text
}
