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
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"concord/platform/orchestrator/llm"
)

// DebateConfig tunes the orchestration thresholds.
type DebateConfig struct {
	// RoundLimit is the hard ceiling on argumentation rounds. Reaching it
	// forces a vote.
	RoundLimit int `yaml:"round_limit" json:"round_limit"`

	// MinVotingRound is the earliest round at which voting can trigger
	// naturally.
	MinVotingRound int `yaml:"min_voting_round" json:"min_voting_round"`

	// ConsensusThreshold triggers voting when the estimate reaches it.
	ConsensusThreshold float64 `yaml:"consensus_threshold" json:"consensus_threshold"`

	// DivergenceThreshold triggers voting when positions drift this far
	// apart: further debate is unlikely to converge.
	DivergenceThreshold float64 `yaml:"divergence_threshold" json:"divergence_threshold"`

	// ConsensusWindow is how many recent expert messages the estimator
	// compares.
	ConsensusWindow int `yaml:"consensus_window" json:"consensus_window"`

	// ValidationTimeout bounds how long a checkpoint waits for a human.
	ValidationTimeout time.Duration `yaml:"validation_timeout" json:"validation_timeout"`

	// ProviderTimeout bounds each individual provider call.
	ProviderTimeout time.Duration `yaml:"provider_timeout" json:"provider_timeout"`
}

// ServerConfig holds the HTTP surface settings.
type ServerConfig struct {
	Port           int      `yaml:"port" json:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	JWTSecret      string   `yaml:"jwt_secret" json:"-"`
}

// RateLimitConfig configures the per-client request limiter.
type RateLimitConfig struct {
	Enabled           bool   `yaml:"enabled" json:"enabled"`
	RedisAddr         string `yaml:"redis_addr" json:"redis_addr"`
	RedisPassword     string `yaml:"redis_password" json:"-"`
	RequestsPerMinute int    `yaml:"requests_per_minute" json:"requests_per_minute"`
}

// AuditConfig configures the regulatory audit trail.
type AuditConfig struct {
	DatabaseURL   string        `yaml:"database_url" json:"-"`
	BatchSize     int           `yaml:"batch_size" json:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval" json:"flush_interval"`
}

// Config is the full orchestrator configuration.
type Config struct {
	Server     ServerConfig         `yaml:"server" json:"server"`
	Debate     DebateConfig         `yaml:"debate" json:"debate"`
	KillSwitch KillSwitchConfig     `yaml:"kill_switch" json:"kill_switch"`
	RateLimit  RateLimitConfig      `yaml:"rate_limit" json:"rate_limit"`
	Audit      AuditConfig          `yaml:"audit" json:"audit"`
	Providers  []llm.ProviderConfig `yaml:"providers" json:"providers"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			AllowedOrigins: []string{"*"},
		},
		Debate: DebateConfig{
			RoundLimit:          5,
			MinVotingRound:      3,
			ConsensusThreshold:  0.8,
			DivergenceThreshold: 0.9,
			ConsensusWindow:     DefaultConsensusWindow,
			ValidationTimeout:   DefaultValidationTimeout,
			ProviderTimeout:     30 * time.Second,
		},
		KillSwitch: DefaultKillSwitchConfig(),
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
		},
		Audit: AuditConfig{
			BatchSize:     50,
			FlushInterval: 5 * time.Second,
		},
	}
}

// configDuration accepts human-readable durations ("30s", "5m") in YAML,
// falling back to raw nanoseconds for integer values.
type configDuration time.Duration

func (d *configDuration) UnmarshalYAML(value *yaml.Node) error {
	if parsed, err := time.ParseDuration(value.Value); err == nil {
		*d = configDuration(parsed)
		return nil
	}
	if n, err := strconv.ParseInt(value.Value, 10, 64); err == nil {
		*d = configDuration(n)
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

// UnmarshalYAML decodes over the current values so fields absent from the
// file keep their defaults, and accepts duration strings.
func (c *DebateConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		RoundLimit          int            `yaml:"round_limit"`
		MinVotingRound      int            `yaml:"min_voting_round"`
		ConsensusThreshold  float64        `yaml:"consensus_threshold"`
		DivergenceThreshold float64        `yaml:"divergence_threshold"`
		ConsensusWindow     int            `yaml:"consensus_window"`
		ValidationTimeout   configDuration `yaml:"validation_timeout"`
		ProviderTimeout     configDuration `yaml:"provider_timeout"`
	}{
		RoundLimit:          c.RoundLimit,
		MinVotingRound:      c.MinVotingRound,
		ConsensusThreshold:  c.ConsensusThreshold,
		DivergenceThreshold: c.DivergenceThreshold,
		ConsensusWindow:     c.ConsensusWindow,
		ValidationTimeout:   configDuration(c.ValidationTimeout),
		ProviderTimeout:     configDuration(c.ProviderTimeout),
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.RoundLimit = raw.RoundLimit
	c.MinVotingRound = raw.MinVotingRound
	c.ConsensusThreshold = raw.ConsensusThreshold
	c.DivergenceThreshold = raw.DivergenceThreshold
	c.ConsensusWindow = raw.ConsensusWindow
	c.ValidationTimeout = time.Duration(raw.ValidationTimeout)
	c.ProviderTimeout = time.Duration(raw.ProviderTimeout)
	return nil
}

// UnmarshalYAML decodes over the current values, accepting duration strings
// for the polling and duration bounds.
func (c *KillSwitchConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		PollInterval       configDuration `yaml:"poll_interval"`
		MaxDuration        configDuration `yaml:"max_duration"`
		MaxIterations      int64          `yaml:"max_iterations"`
		MemoryCeilingBytes uint64         `yaml:"memory_ceiling_bytes"`
		LoopWindow         int            `yaml:"loop_window"`
		LoopMinDistinct    int            `yaml:"loop_min_distinct"`
	}{
		PollInterval:       configDuration(c.PollInterval),
		MaxDuration:        configDuration(c.MaxDuration),
		MaxIterations:      c.MaxIterations,
		MemoryCeilingBytes: c.MemoryCeilingBytes,
		LoopWindow:         c.LoopWindow,
		LoopMinDistinct:    c.LoopMinDistinct,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.PollInterval = time.Duration(raw.PollInterval)
	c.MaxDuration = time.Duration(raw.MaxDuration)
	c.MaxIterations = raw.MaxIterations
	c.MemoryCeilingBytes = raw.MemoryCeilingBytes
	c.LoopWindow = raw.LoopWindow
	c.LoopMinDistinct = raw.LoopMinDistinct
	return nil
}

// UnmarshalYAML decodes over the current values, accepting a duration
// string for the flush interval.
func (c *AuditConfig) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		DatabaseURL   string         `yaml:"database_url"`
		BatchSize     int            `yaml:"batch_size"`
		FlushInterval configDuration `yaml:"flush_interval"`
	}{
		DatabaseURL:   c.DatabaseURL,
		BatchSize:     c.BatchSize,
		FlushInterval: configDuration(c.FlushInterval),
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	c.DatabaseURL = raw.DatabaseURL
	c.BatchSize = raw.BatchSize
	c.FlushInterval = time.Duration(raw.FlushInterval)
	return nil
}

// LoadConfig reads YAML from path (skipped when path is empty or missing),
// then applies environment overrides on top of the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Server.JWTSecret = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RateLimit.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RateLimit.RedisPassword = v
	}
	if v := os.Getenv("AUDIT_DATABASE_URL"); v != "" {
		c.Audit.DatabaseURL = v
	} else if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Audit.DatabaseURL = v
	}
	if v := os.Getenv("ROUND_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Debate.RoundLimit = n
		}
	}
	if v := os.Getenv("OLLAMA_ENDPOINT"); v != "" {
		for i := range c.Providers {
			if c.Providers[i].Type == llm.ProviderTypeOllama && c.Providers[i].Endpoint == "" {
				c.Providers[i].Endpoint = v
			}
		}
	}
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		for i := range c.Providers {
			if c.Providers[i].Type == llm.ProviderTypeGemini && c.Providers[i].APIKey == "" {
				c.Providers[i].APIKey = v
			}
		}
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Debate.RoundLimit < 1 {
		return fmt.Errorf("round_limit must be at least 1, got %d", c.Debate.RoundLimit)
	}
	if c.Debate.ConsensusThreshold <= 0 || c.Debate.ConsensusThreshold > 1 {
		return fmt.Errorf("consensus_threshold must be in (0,1], got %v", c.Debate.ConsensusThreshold)
	}
	if c.Debate.DivergenceThreshold <= 0 || c.Debate.DivergenceThreshold > 1 {
		return fmt.Errorf("divergence_threshold must be in (0,1], got %v", c.Debate.DivergenceThreshold)
	}
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("provider %d is missing a name", i)
		}
		if !llm.HasFactory(p.Type) {
			return fmt.Errorf("provider %s: unknown type %q", p.Name, p.Type)
		}
	}
	return nil
}
