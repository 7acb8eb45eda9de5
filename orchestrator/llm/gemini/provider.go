// Copyright 2026 Concord
// SPDX-License-Identifier: BUSL-1.1
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package gemini provides an LLM provider implementation for Google's
// Gemini models via the Generative Language REST API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"concord/platform/orchestrator/llm"
)

const (
	// DefaultBaseURL is the default Generative Language API endpoint
	DefaultBaseURL = "https://generativelanguage.googleapis.com"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 60 * time.Second

	// DefaultModel is the default Gemini model
	DefaultModel = "gemini-1.5-flash"

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 1024

	// DefaultTemperature is the default temperature for completions
	DefaultTemperature = 0.7
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Gemini.
type Provider struct {
	name        string
	baseURL     string
	apiKey      string
	model       string
	temperature float64
	maxTokens   int
	client      HTTPClient
}

// Compile-time interface compliance check.
var _ llm.Provider = (*Provider)(nil)

func init() {
	llm.RegisterFactory(llm.ProviderTypeGemini, func(config llm.ProviderConfig) (llm.Provider, error) {
		return NewProvider(config)
	})
}

// NewProvider creates a Gemini provider from configuration.
func NewProvider(config llm.ProviderConfig) (*Provider, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("gemini provider requires an API key")
	}

	baseURL := config.Endpoint
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	model := config.Model
	if model == "" {
		model = DefaultModel
	}

	timeout := DefaultTimeout
	if config.TimeoutSeconds > 0 {
		timeout = time.Duration(config.TimeoutSeconds) * time.Second
	}

	temperature := config.Temperature
	if temperature == 0 {
		temperature = DefaultTemperature
	}

	maxTokens := config.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	name := config.Name
	if name == "" {
		name = fmt.Sprintf("gemini-%s", model)
	}

	return &Provider{
		name:        name,
		baseURL:     baseURL,
		apiKey:      config.APIKey,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider instance name.
func (p *Provider) Name() string { return p.name }

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeGemini }

// Request/response shapes for the generateContent endpoint.

type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type generateContentResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// Complete generates a completion via the Gemini API.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()

	model := req.Model
	if model == "" {
		model = p.model
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = p.temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = p.maxTokens
	}

	body := generateContentRequest{
		Contents: []content{{
			Role:  "user",
			Parts: []part{{Text: buildPrompt(req)}},
		}},
		GenerationConfig: &generationConfig{
			Temperature:     temperature,
			MaxOutputTokens: maxTokens,
		},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &content{Parts: []part{{Text: req.SystemPrompt}}}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeInvalidRequest, err.Error())
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s", p.baseURL, model, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeInvalidRequest, err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, &llm.ProviderError{
				Provider: p.name, Code: llm.ErrCodeTimeout,
				Message: "request deadline exceeded", Retryable: true, Cause: err,
			}
		}
		return nil, &llm.ProviderError{
			Provider: p.name, Code: llm.ErrCodeUnavailable,
			Message: err.Error(), Retryable: true, Cause: err,
		}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeServerError, err.Error())
	}

	if resp.StatusCode != http.StatusOK {
		code := llm.ErrCodeServerError
		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			code = llm.ErrCodeRateLimit
		case resp.StatusCode >= 400 && resp.StatusCode < 500:
			code = llm.ErrCodeInvalidRequest
		}
		perr := llm.NewProviderError(p.name, code, string(raw))
		perr.StatusCode = resp.StatusCode
		return nil, perr
	}

	var parsed generateContentResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeServerError, fmt.Sprintf("malformed response: %v", err))
	}

	text, finishReason := extractText(parsed)
	if text == "" {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeEmptyResponse, "provider returned no candidates")
	}

	latency := time.Since(start)

	return &llm.CompletionResponse{
		Text:           text,
		Model:          model,
		ConfidenceHint: confidenceHint(text, finishReason, parsed.UsageMetadata.TotalTokenCount),
		Latency:        latency,
		Usage: llm.UsageStats{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		},
		FinishReason: finishReason,
	}, nil
}

// HealthCheck issues a minimal models list call to verify API access.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()

	url := fmt.Sprintf("%s/v1beta/models?key=%s&pageSize=1", p.baseURL, p.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return &llm.HealthCheckResult{Healthy: false, Latency: time.Since(start), Message: err.Error()}, nil
	}
	defer resp.Body.Close()

	return &llm.HealthCheckResult{
		Healthy: resp.StatusCode == http.StatusOK,
		Latency: time.Since(start),
	}, nil
}

func extractText(resp generateContentResponse) (string, string) {
	if len(resp.Candidates) == 0 {
		return "", ""
	}
	candidate := resp.Candidates[0]
	var buf bytes.Buffer
	for _, pt := range candidate.Content.Parts {
		buf.WriteString(pt.Text)
	}
	return buf.String(), candidate.FinishReason
}

func buildPrompt(req llm.CompletionRequest) string {
	if len(req.Context) == 0 {
		return req.Prompt
	}

	var buf bytes.Buffer
	buf.WriteString("Knowledge Base Context:\n")
	for _, passage := range req.Context {
		buf.WriteString("- ")
		buf.WriteString(passage.Content)
		buf.WriteString("\n")
	}
	buf.WriteString("\n")
	buf.WriteString(req.Prompt)
	return buf.String()
}

// confidenceHint derives a [0,1] confidence score from the response shape.
func confidenceHint(text, finishReason string, totalTokens int) float64 {
	confidence := 0.5

	if finishReason == "STOP" {
		confidence += 0.3
	}

	if n := len(text); n > 30 && n < 800 {
		confidence += 0.1
	}

	if totalTokens > 0 {
		confidence += 0.1
	}

	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}
