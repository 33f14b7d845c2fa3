package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// newGeminiTestProvider points a provider at a stub server and disables
// real backoff sleeps.
func newGeminiTestProvider(t *testing.T, handler http.HandlerFunc) *GeminiProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewGeminiProvider("test-key", srv.URL)
	p.retrier.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return p
}

func geminiTextResponse(text string) geminiResponse {
	return geminiResponse{
		Candidates: []geminiCandidate{
			{Content: geminiContent{Role: "model", Parts: []geminiPart{{Text: text}}}},
		},
	}
}

func TestGeminiEstimateAge(t *testing.T) {
	var gotBody geminiRequest
	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, geminiEstimationModel) {
			t.Errorf("estimation hit model path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		_ = json.NewEncoder(w).Encode(geminiTextResponse(`{"age": 34}`))
	})

	age, err := p.EstimateAge(context.Background(), []byte("fake-image-data"))
	if err != nil {
		t.Fatalf("EstimateAge: %v", err)
	}
	if age != 34 {
		t.Errorf("age = %d, want 34", age)
	}

	if gotBody.GenerationConfig == nil || gotBody.GenerationConfig.ResponseSchema == nil {
		t.Error("estimation request should constrain the response with a schema")
	}
	if len(gotBody.Contents) != 1 || gotBody.Contents[0].Parts[0].InlineData == nil {
		t.Error("estimation request should carry the photo as inline data")
	}
}

func TestGeminiEstimateAgeClampsRange(t *testing.T) {
	tests := []struct {
		name string
		text string
		want int
	}{
		{"above range", `{"age": 250}`, 100},
		{"below range", `{"age": -3}`, 1},
		{"fractional", `{"age": 41.7}`, 41},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				_ = json.NewEncoder(w).Encode(geminiTextResponse(tt.text))
			})

			age, err := p.EstimateAge(context.Background(), []byte("img"))
			if err != nil {
				t.Fatalf("EstimateAge: %v", err)
			}
			if age != tt.want {
				t.Errorf("age = %d, want %d", age, tt.want)
			}
		})
	}
}

func TestGeminiEstimateAgeInvalidFormat(t *testing.T) {
	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(geminiTextResponse("I cannot tell the age from this photo."))
	})

	_, err := p.EstimateAge(context.Background(), []byte("img"))
	if !IsInvalidFormat(err) {
		t.Fatalf("error = %v, want invalid format classification", err)
	}
}

func TestGeminiSynthesize(t *testing.T) {
	want := []byte("synthesized-jpeg-bytes")

	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, geminiSynthesisModel) {
			t.Errorf("synthesis hit model path %q", r.URL.Path)
		}
		resp := geminiResponse{
			Candidates: []geminiCandidate{
				{Content: geminiContent{Role: "model", Parts: []geminiPart{
					{Text: "Here is the aged photo."},
					{InlineData: &geminiBlob{
						MimeType: "image/jpeg",
						Data:     base64.StdEncoding.EncodeToString(want),
					}},
				}}},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	got, err := p.Synthesize(context.Background(), []byte("source"), "make older")
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("image = %q, want %q", got, want)
	}
}

func TestGeminiSynthesizeNoImageSurfacesModelText(t *testing.T) {
	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(geminiTextResponse("I can't edit photos of real people."))
	})

	_, err := p.Synthesize(context.Background(), []byte("source"), "make older")
	if !IsNoImage(err) {
		t.Fatalf("error = %v, want no-image classification", err)
	}
	if !strings.Contains(err.Error(), "can't edit photos") {
		t.Errorf("error should carry the model's explanation, got %v", err)
	}
}

func TestGeminiRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error": {"code": 500, "message": "backend error", "status": "INTERNAL"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(geminiTextResponse(`{"age": 28}`))
	})

	age, err := p.EstimateAge(context.Background(), []byte("img"))
	if err != nil {
		t.Fatalf("EstimateAge: %v", err)
	}
	if age != 28 {
		t.Errorf("age = %d, want 28", age)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestGeminiDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error": {"code": 400, "message": "invalid image", "status": "INVALID_ARGUMENT"}}`))
	})

	_, err := p.Synthesize(context.Background(), []byte("img"), "prompt")
	if err == nil {
		t.Fatal("expected error")
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1: client errors are not transient", calls.Load())
	}
}

func TestGeminiRetryExhaustionReportsTransportFailure(t *testing.T) {
	var calls atomic.Int32
	p := newGeminiTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error": {"code": 503, "message": "overloaded", "status": "UNAVAILABLE"}}`))
	})

	_, err := p.Synthesize(context.Background(), []byte("img"), "prompt")
	if !IsTransport(err) {
		t.Fatalf("error = %v, want transport classification after exhaustion", err)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}
