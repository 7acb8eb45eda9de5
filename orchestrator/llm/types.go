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

// Package llm provides the unified Agent Gateway interface and types used by
// the debate core to call language-model providers. All provider
// implementations plug in behind the Provider interface so the controller
// never dispatches on provider name strings.
package llm

import (
	"errors"
	"fmt"
	"time"
)

// ProviderType identifies the type of LLM provider.
type ProviderType string

// Standard provider types supported out of the box.
const (
	// ProviderTypeOllama represents self-hosted Ollama models.
	ProviderTypeOllama ProviderType = "ollama"

	// ProviderTypeGemini represents Google's Gemini models.
	ProviderTypeGemini ProviderType = "gemini"

	// ProviderTypeMock represents an in-process provider used in tests.
	ProviderTypeMock ProviderType = "mock"
)

// CompletionRequest encapsulates all parameters for a gateway call.
type CompletionRequest struct {
	// Prompt is the debate prompt built by the round controller.
	Prompt string `json:"prompt"`

	// SystemPrompt sets debate-role behavior for the participant.
	SystemPrompt string `json:"system_prompt,omitempty"`

	// MaxTokens limits the maximum number of tokens in the response.
	// If 0, provider defaults are used.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float64 `json:"temperature,omitempty"`

	// Model overrides the provider's default model.
	Model string `json:"model,omitempty"`

	// Context carries knowledge passages supplied by a Retriever.
	// The gateway folds them into the prompt; the debate core never
	// interprets them.
	Context []Passage `json:"context,omitempty"`
}

// CompletionResponse contains the result of a gateway call.
type CompletionResponse struct {
	// Text is the generated response text.
	Text string `json:"text"`

	// Model is the actual model used (may differ from requested).
	Model string `json:"model"`

	// ConfidenceHint is the provider's self-assessed confidence in [0,1],
	// derived from generation metrics. It seeds the debate message
	// confidence score.
	ConfidenceHint float64 `json:"confidence_hint"`

	// Latency is the time taken to generate the response.
	Latency time.Duration `json:"latency"`

	// Usage contains token usage statistics.
	Usage UsageStats `json:"usage"`

	// FinishReason indicates why generation stopped.
	FinishReason string `json:"finish_reason,omitempty"`
}

// UsageStats tracks token usage for monitoring.
type UsageStats struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// HealthCheckResult reports provider health.
type HealthCheckResult struct {
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Message string        `json:"message,omitempty"`
}

// Passage is a ranked knowledge-base excerpt returned by a Retriever.
type Passage struct {
	Content string  `json:"content"`
	Source  string  `json:"source,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// ProviderError represents an error from an LLM provider.
type ProviderError struct {
	// Provider is the name of the provider that returned the error.
	Provider string `json:"provider"`

	// Code is a machine-readable error code.
	Code string `json:"code"`

	// Message is a human-readable error message.
	Message string `json:"message"`

	// StatusCode is the HTTP status code (if applicable).
	StatusCode int `json:"status_code,omitempty"`

	// Retryable indicates if the request can be retried.
	Retryable bool `json:"retryable"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Cause
}

// Common error codes.
const (
	// ErrCodeTimeout indicates the provider call exceeded its deadline.
	ErrCodeTimeout = "provider_timeout"

	// ErrCodeUnavailable indicates the provider is unreachable.
	ErrCodeUnavailable = "provider_unavailable"

	// ErrCodeRateLimit indicates rate limiting by the provider.
	ErrCodeRateLimit = "rate_limit"

	// ErrCodeInvalidRequest indicates a malformed request.
	ErrCodeInvalidRequest = "invalid_request"

	// ErrCodeServerError indicates a provider-side server error.
	ErrCodeServerError = "server_error"

	// ErrCodeEmptyResponse indicates the provider returned no text.
	ErrCodeEmptyResponse = "empty_response"
)

// NewProviderError creates a new ProviderError.
func NewProviderError(provider, code, message string) *ProviderError {
	return &ProviderError{
		Provider:  provider,
		Code:      code,
		Message:   message,
		Retryable: isRetryableCode(code),
	}
}

// IsRetryable reports whether err is a retryable provider error.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// isRetryableCode determines if an error code is retryable.
func isRetryableCode(code string) bool {
	switch code {
	case ErrCodeRateLimit, ErrCodeServerError, ErrCodeTimeout, ErrCodeUnavailable:
		return true
	default:
		return false
	}
}
