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

package llm

import (
	"context"
)

// Provider is the unified interface for all LLM providers.
// Implementations must be safe for concurrent use.
//
// The round controller binds one Provider per participant at session
// construction and only ever talks to this interface.
type Provider interface {
	// Name returns the unique identifier for this provider instance.
	// This is used for routing, logging, and metrics.
	Name() string

	// Type returns the provider type (e.g., "ollama", "gemini").
	Type() ProviderType

	// Complete generates a completion for the given request.
	// The context should be used for cancellation and timeout.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// HealthCheck verifies the provider is operational.
	// This method should complete within a reasonable timeout (e.g., 10s).
	HealthCheck(ctx context.Context) (*HealthCheckResult, error)
}

// Retriever supplies ranked knowledge passages for prompt context.
// Results feed only into CompletionRequest.Context; the debate core
// never interprets them.
type Retriever interface {
	// Search returns passages relevant to the query within the given scope.
	Search(ctx context.Context, query, scope string) ([]Passage, error)
}

// NoopRetriever is a Retriever that returns no passages. It is the default
// when no knowledge base is configured.
type NoopRetriever struct{}

// Search always returns an empty passage list.
func (NoopRetriever) Search(ctx context.Context, query, scope string) ([]Passage, error) {
	return nil, nil
}

// Compile-time interface compliance check.
var _ Retriever = NoopRetriever{}
