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

package orchestrator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/platform/orchestrator/llm"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Debate.RoundLimit)
	assert.Equal(t, 3, cfg.Debate.MinVotingRound)
	assert.Equal(t, 0.8, cfg.Debate.ConsensusThreshold)
	assert.Equal(t, 0.9, cfg.Debate.DivergenceThreshold)
	assert.Equal(t, 300*time.Second, cfg.Debate.ValidationTimeout)
	assert.Equal(t, 30*time.Second, cfg.Debate.ProviderTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.KillSwitch.PollInterval)
	assert.True(t, cfg.RateLimit.Enabled)
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Debate, cfg.Debate)
}

func TestLoadConfigFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9090
debate:
  round_limit: 7
  consensus_threshold: 0.75
  provider_timeout: 10s
kill_switch:
  max_iterations: 25
  max_duration: 45s
rate_limit:
  enabled: false
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Debate.RoundLimit)
	assert.Equal(t, 0.75, cfg.Debate.ConsensusThreshold)
	assert.Equal(t, 10*time.Second, cfg.Debate.ProviderTimeout)
	assert.Equal(t, int64(25), cfg.KillSwitch.MaxIterations)
	assert.Equal(t, 45*time.Second, cfg.KillSwitch.MaxDuration)
	assert.False(t, cfg.RateLimit.Enabled)
	// Unspecified fields keep their defaults.
	assert.Equal(t, 3, cfg.Debate.MinVotingRound)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("REDIS_ADDR", "localhost:6379")
	t.Setenv("ROUND_LIMIT", "4")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "test-secret", cfg.Server.JWTSecret)
	assert.Equal(t, "localhost:6379", cfg.RateLimit.RedisAddr)
	assert.Equal(t, 4, cfg.Debate.RoundLimit)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: -1\n"},
		{"zero round limit", "debate:\n  round_limit: -3\n"},
		{"consensus threshold above one", "debate:\n  consensus_threshold: 1.5\n"},
		{"divergence threshold above one", "debate:\n  divergence_threshold: 2.0\n"},
		{"provider without name", "providers:\n  - type: mock\n"},
		{"provider with unknown type", "providers:\n  - name: p1\n    type: carrier-pigeon\n"},
		{"unparseable duration", "debate:\n  provider_timeout: sideways\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o600))

			_, err := LoadConfig(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadConfigAcceptsRegisteredProviderType(t *testing.T) {
	llm.RegisterFactory(llm.ProviderTypeMock, func(config llm.ProviderConfig) (llm.Provider, error) {
		return nil, nil
	})

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
providers:
  - name: expert-a
    type: mock
    model: test-model
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Providers, 1)
	assert.Equal(t, "expert-a", cfg.Providers[0].Name)
}
