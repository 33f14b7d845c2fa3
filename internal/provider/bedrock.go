package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

const (
	bedrockEstimationModel = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	bedrockSynthesisModel  = "amazon.nova-canvas-v1:0"
)

func init() {
	RegisterFactory("bedrock", func(config map[string]any) (Provider, error) {
		region := ""
		if r, ok := config["region"].(string); ok {
			region = r
		}
		if region == "" {
			region = os.Getenv("AWS_REGION")
		}
		if region == "" {
			region = "us-east-1"
		}

		cfg, err := awsconfig.LoadDefaultConfig(context.Background(), awsconfig.WithRegion(region))
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		return NewBedrockProvider(bedrockruntime.NewFromConfig(cfg)), nil
	})
}

// bedrockInvoker is the subset of the Bedrock runtime client used here.
type bedrockInvoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// BedrockProvider implements Provider on AWS Bedrock: Claude for
// estimation, Nova Canvas image variation for synthesis.
type BedrockProvider struct {
	client  bedrockInvoker
	retrier *Retrier
}

// NewBedrockProvider creates a new Bedrock provider
func NewBedrockProvider(client bedrockInvoker) *BedrockProvider {
	return &BedrockProvider{
		client:  client,
		retrier: NewRetrier(0),
	}
}

// Name returns the provider name
func (p *BedrockProvider) Name() string {
	return "bedrock"
}

type claudeRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []claudeMessage `json:"messages"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeContent struct {
	Type   string        `json:"type"`
	Text   string        `json:"text,omitempty"`
	Source *claudeSource `json:"source,omitempty"`
}

type claudeSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type novaCanvasRequest struct {
	TaskType             string               `json:"taskType"`
	ImageVariationParams *novaVariationParams `json:"imageVariationParams,omitempty"`
	ImageGenConfig       *novaGenConfig       `json:"imageGenerationConfig,omitempty"`
}

type novaVariationParams struct {
	Text               string   `json:"text"`
	Images             []string `json:"images"`
	SimilarityStrength float64  `json:"similarityStrength,omitempty"`
}

type novaGenConfig struct {
	NumberOfImages int    `json:"numberOfImages"`
	Quality        string `json:"quality,omitempty"`
}

type novaCanvasResponse struct {
	Images []string `json:"images"`
	Error  string   `json:"error,omitempty"`
}

// EstimateAge asks Claude for the subject's age as JSON.
func (p *BedrockProvider) EstimateAge(ctx context.Context, image []byte) (int, error) {
	req := claudeRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        64,
		Messages: []claudeMessage{{
			Role: "user",
			Content: []claudeContent{
				{Type: "image", Source: &claudeSource{
					Type:      "base64",
					MediaType: http.DetectContentType(image),
					Data:      base64.StdEncoding.EncodeToString(image),
				}},
				{Type: "text", Text: `Estimate the current age of the person in this photo. Respond with JSON only, shaped as {"age": <integer>}.`},
			},
		}},
	}

	body, err := p.invoke(ctx, "estimate_age", bedrockEstimationModel, req)
	if err != nil {
		return 0, err
	}

	var resp claudeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return 0, NewProviderError("bedrock", ErrorCodeInvalidFormat, "response is not valid JSON", err)
	}

	var text string
	for _, c := range resp.Content {
		if c.Type == "text" {
			text += c.Text
		}
	}

	var parsed struct {
		Age *float64 `json:"age"`
	}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil || parsed.Age == nil {
		return 0, NewProviderError("bedrock", ErrorCodeInvalidFormat,
			fmt.Sprintf("age estimation response is not valid JSON with a numeric age: %q", text), err)
	}

	return ClampAge(int(*parsed.Age)), nil
}

// Synthesize re-renders the image via Nova Canvas image variation.
func (p *BedrockProvider) Synthesize(ctx context.Context, image []byte, prompt string) ([]byte, error) {
	req := novaCanvasRequest{
		TaskType: "IMAGE_VARIATION",
		ImageVariationParams: &novaVariationParams{
			Text:               prompt,
			Images:             []string{base64.StdEncoding.EncodeToString(image)},
			SimilarityStrength: 0.9,
		},
		ImageGenConfig: &novaGenConfig{
			NumberOfImages: 1,
			Quality:        "standard",
		},
	}

	body, err := p.invoke(ctx, "synthesize", bedrockSynthesisModel, req)
	if err != nil {
		return nil, err
	}

	var resp novaCanvasResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, NewProviderError("bedrock", ErrorCodeInvalidFormat, "response is not valid JSON", err)
	}
	if len(resp.Images) == 0 {
		return nil, newNoImageError("bedrock", resp.Error)
	}

	data, err := base64.StdEncoding.DecodeString(resp.Images[0])
	if err != nil {
		return nil, NewProviderError("bedrock", ErrorCodeInvalidFormat, "image data is not valid base64", err)
	}
	return data, nil
}

// invoke marshals the payload and runs InvokeModel under the shared
// retry policy.
func (p *BedrockProvider) invoke(ctx context.Context, op, modelID string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	return Retry(ctx, p.retrier, "bedrock", op, func(ctx context.Context) ([]byte, error) {
		out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(modelID),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        body,
		})
		if err != nil {
			return nil, p.wrapError(err)
		}
		return out.Body, nil
	})
}

// wrapError converts Bedrock SDK errors to ProviderError
func (p *BedrockProvider) wrapError(err error) error {
	if err == nil {
		return nil
	}

	code := ErrorCodeUnknown

	var throttled *brtypes.ThrottlingException
	var internal *brtypes.InternalServerException
	var timeout *brtypes.ModelTimeoutException
	var notReady *brtypes.ModelNotReadyException
	var denied *brtypes.AccessDeniedException
	var invalid *brtypes.ValidationException

	switch {
	case errors.As(err, &throttled):
		code = ErrorCodeRateLimit
	case errors.As(err, &internal), errors.As(err, &notReady):
		code = ErrorCodeServerError
	case errors.As(err, &timeout):
		code = ErrorCodeTimeout
	case errors.As(err, &denied):
		code = ErrorCodeAuthentication
	case errors.As(err, &invalid):
		code = ErrorCodeInvalidRequest
	}

	return &ProviderError{
		Provider:      "bedrock",
		Code:          code,
		Message:       err.Error(),
		IsRetryable:   isRetryableCode(code),
		OriginalError: err,
	}
}
