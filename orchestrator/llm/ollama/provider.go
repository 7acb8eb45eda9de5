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

// Package ollama provides an LLM provider implementation for self-hosted
// Ollama models. It talks to the Ollama HTTP API in non-streaming mode.
package ollama

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
	// DefaultEndpoint is the default Ollama API endpoint
	DefaultEndpoint = "http://localhost:11434"

	// DefaultTimeout is the default HTTP timeout
	DefaultTimeout = 60 * time.Second

	// DefaultMaxTokens is the default max tokens for completions
	DefaultMaxTokens = 1024

	// DefaultTemperature is the default temperature for completions
	DefaultTemperature = 0.7
)

// HTTPClient is an interface for HTTP client operations (enables testing)
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Provider implements llm.Provider for Ollama.
type Provider struct {
	name        string
	endpoint    string
	model       string
	temperature float64
	maxTokens   int
	client      HTTPClient
}

// Compile-time interface compliance check.
var _ llm.Provider = (*Provider)(nil)

func init() {
	llm.RegisterFactory(llm.ProviderTypeOllama, func(config llm.ProviderConfig) (llm.Provider, error) {
		return NewProvider(config)
	})
}

// NewProvider creates an Ollama provider from configuration.
func NewProvider(config llm.ProviderConfig) (*Provider, error) {
	if config.Model == "" {
		return nil, fmt.Errorf("ollama provider requires a model")
	}

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
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
		name = fmt.Sprintf("ollama-%s", config.Model)
	}

	return &Provider{
		name:        name,
		endpoint:    endpoint,
		model:       config.Model,
		temperature: temperature,
		maxTokens:   maxTokens,
		client:      &http.Client{Timeout: timeout},
	}, nil
}

// Name returns the provider instance name.
func (p *Provider) Name() string { return p.name }

// Type returns the provider type.
func (p *Provider) Type() llm.ProviderType { return llm.ProviderTypeOllama }

// generateRequest is the Ollama /api/generate request body.
type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	System  string          `json:"system,omitempty"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	Temperature float64 `json:"temperature"`
	NumPredict  int     `json:"num_predict"`
}

// generateResponse is the Ollama /api/generate response body.
type generateResponse struct {
	Response        string `json:"response"`
	DoneReason      string `json:"done_reason"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
	EvalDuration    int64  `json:"eval_duration"` // nanoseconds
}

// Complete generates a completion via the Ollama API.
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

	body := generateRequest{
		Model:  model,
		Prompt: buildPrompt(req),
		System: req.SystemPrompt,
		Stream: false,
		Options: generateOptions{
			Temperature: temperature,
			NumPredict:  maxTokens,
		},
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeInvalidRequest, err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+"/api/generate", bytes.NewReader(payload))
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
		if resp.StatusCode == http.StatusTooManyRequests {
			code = llm.ErrCodeRateLimit
		} else if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			code = llm.ErrCodeInvalidRequest
		}
		perr := llm.NewProviderError(p.name, code, string(raw))
		perr.StatusCode = resp.StatusCode
		return nil, perr
	}

	var parsed generateResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeServerError, fmt.Sprintf("malformed response: %v", err))
	}

	if parsed.Response == "" {
		return nil, llm.NewProviderError(p.name, llm.ErrCodeEmptyResponse, "provider returned empty text")
	}

	latency := time.Since(start)

	return &llm.CompletionResponse{
		Text:           parsed.Response,
		Model:          model,
		ConfidenceHint: confidenceHint(parsed, latency),
		Latency:        latency,
		Usage: llm.UsageStats{
			PromptTokens:     parsed.PromptEvalCount,
			CompletionTokens: parsed.EvalCount,
			TotalTokens:      parsed.PromptEvalCount + parsed.EvalCount,
		},
		FinishReason: parsed.DoneReason,
	}, nil
}

// HealthCheck verifies the Ollama daemon is reachable.
func (p *Provider) HealthCheck(ctx context.Context) (*llm.HealthCheckResult, error) {
	start := time.Now()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint+"/api/tags", nil)
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

// buildPrompt folds retriever passages into the user prompt. Passage text is
// opaque to the debate core; it only ever reaches the model.
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

// confidenceHint derives a [0,1] confidence score from generation metrics.
// Local models that generate quickly and produce a reply of sane length get
// a higher hint; the debate core treats it as advisory only.
func confidenceHint(resp generateResponse, latency time.Duration) float64 {
	confidence := 0.5

	if resp.EvalDuration > 0 {
		tokensPerSecond := float64(resp.EvalCount) / (float64(resp.EvalDuration) / 1e9)
		if tokensPerSecond > 20 {
			confidence += 0.2
		} else if tokensPerSecond > 10 {
			confidence += 0.1
		}
	}

	if n := len(resp.Response); n > 30 && n < 800 {
		confidence += 0.2
	}

	if latency < 30*time.Second {
		confidence += 0.1
	}

	if confidence > 1.0 {
		confidence = 1.0
	}
	return confidence
}
