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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes the orchestrator's Prometheus instrumentation.
type Metrics struct {
	SessionsStarted     prometheus.Counter
	SessionsCompleted   *prometheus.CounterVec
	ActiveSessions      prometheus.Gauge
	PhaseTransitions    *prometheus.CounterVec
	RoundsCompleted     prometheus.Counter
	ProviderCalls       *prometheus.CounterVec
	ProviderLatency     *prometheus.HistogramVec
	ConsensusScore      prometheus.Histogram
	VotingRounds        prometheus.Counter
	ForcedVotes         prometheus.Counter
	ValidationDecisions *prometheus.CounterVec
	KillSwitchTriggers  *prometheus.CounterVec
}

// NewMetrics registers the orchestrator metrics with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_sessions_started_total",
			Help: "Debate sessions started.",
		}),
		SessionsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_sessions_completed_total",
			Help: "Debate sessions reaching a terminal phase, by outcome.",
		}, []string{"outcome"}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "concord_sessions_active",
			Help: "Sessions currently in a non-terminal phase.",
		}),
		PhaseTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_phase_transitions_total",
			Help: "Phase transitions, by target phase.",
		}, []string{"phase"}),
		RoundsCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_rounds_completed_total",
			Help: "Argumentation rounds completed across all sessions.",
		}),
		ProviderCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_provider_calls_total",
			Help: "LLM provider calls, by provider and status.",
		}, []string{"provider", "status"}),
		ProviderLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "concord_provider_latency_seconds",
			Help:    "LLM provider call latency.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		ConsensusScore: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "concord_consensus_score",
			Help:    "Consensus estimates observed after argumentation rounds.",
			Buckets: prometheus.LinearBuckets(0, 0.1, 11),
		}),
		VotingRounds: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_voting_rounds_total",
			Help: "Voting rounds conducted.",
		}),
		ForcedVotes: factory.NewCounter(prometheus.CounterOpts{
			Name: "concord_forced_votes_total",
			Help: "Voting rounds forced by the round limit.",
		}),
		ValidationDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_validation_decisions_total",
			Help: "Human validation decisions, by decision.",
		}, []string{"decision"}),
		KillSwitchTriggers: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "concord_kill_switch_triggers_total",
			Help: "Kill switch activations, by reason.",
		}, []string{"reason"}),
	}
}
