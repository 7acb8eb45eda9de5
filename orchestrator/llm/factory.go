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
	"fmt"
	"sync"
)

// ProviderConfig contains configuration for creating a provider instance.
// One config is bound per debate participant at session construction.
type ProviderConfig struct {
	// Name is the unique identifier for this provider instance.
	Name string `json:"name" yaml:"name"`

	// Type identifies the provider implementation to use.
	Type ProviderType `json:"type" yaml:"type"`

	// Endpoint is the API endpoint URL. If empty, provider defaults are used.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// APIKey is the authentication key for the provider API.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// Model is the default model to use.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// Temperature is the default sampling temperature.
	Temperature float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// MaxTokens limits response length (0 = provider default).
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`

	// TimeoutSeconds is the request timeout (0 = default).
	TimeoutSeconds int `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

// ProviderFactory creates a Provider instance from configuration.
// Factories should validate the config and return an error if invalid.
type ProviderFactory func(config ProviderConfig) (Provider, error)

// factoryRegistry holds registered provider factories.
// Thread-safe for concurrent access.
type factoryRegistry struct {
	factories map[ProviderType]ProviderFactory
	mu        sync.RWMutex
}

// globalRegistry is the default factory registry.
var globalRegistry = &factoryRegistry{
	factories: make(map[ProviderType]ProviderFactory),
}

// RegisterFactory registers a factory function for a provider type.
// This is typically called during package init() to register built-in
// providers. If a factory is already registered for the type, it will be
// overwritten.
//
// Example:
//
//	func init() {
//	    llm.RegisterFactory(llm.ProviderTypeOllama, NewProvider)
//	}
func RegisterFactory(providerType ProviderType, factory ProviderFactory) {
	globalRegistry.mu.Lock()
	defer globalRegistry.mu.Unlock()
	globalRegistry.factories[providerType] = factory
}

// HasFactory returns true if a factory is registered for the provider type.
func HasFactory(providerType ProviderType) bool {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	_, ok := globalRegistry.factories[providerType]
	return ok
}

// ListFactories returns all registered provider types.
func ListFactories() []ProviderType {
	globalRegistry.mu.RLock()
	defer globalRegistry.mu.RUnlock()
	types := make([]ProviderType, 0, len(globalRegistry.factories))
	for pt := range globalRegistry.factories {
		types = append(types, pt)
	}
	return types
}

// CreateProvider creates a provider using the registered factory.
// Returns an error if no factory is registered for the provider type.
func CreateProvider(config ProviderConfig) (Provider, error) {
	globalRegistry.mu.RLock()
	factory, ok := globalRegistry.factories[config.Type]
	globalRegistry.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("no factory registered for provider type %q (registered: %v)",
			config.Type, ListFactories())
	}

	return factory(config)
}
