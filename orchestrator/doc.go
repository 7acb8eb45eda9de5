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

/*
Package orchestrator runs structured multi-agent debates with human
oversight.

# Overview

A debate session moves a panel of LLM-backed experts through a fixed state
machine:

	initialization → opening_statements → argumentation → voting
	    → human_validation → synthesis → completed

The RoundController owns every transition. Each advance call performs
exactly one phase step, so callers decide the pacing and a blocked step
never stalls another session.

# Consensus and Voting

After each argumentation round a ConsensusEstimator scores agreement over
the recent expert messages. Voting triggers when consensus crosses the
configured threshold, when positions diverge beyond recovery, when the
minimum voting round is reached, or when the round limit forces it (a
forced vote is flagged for audit).

The VotingAggregator has every expert score every other expert's position
on five weighted criteria. Voter influence is scaled by historical
reliability, bounded to [0.5, 1.5]. Self-votes are dropped silently.

# Human Validation

Every debate passes a human checkpoint before synthesis. The
ValidationGate blocks the session with a risk-scored summary until a human
approves, rejects, overrides, or sends the debate back for more rounds. An
unanswered checkpoint times out into more debate rather than silent
approval.

# Kill Switch

A KillSwitchMonitor polls each session and aborts it when it exceeds its
time budget, its iteration ceiling, a memory ceiling, or when loop
detection sees the experts repeating themselves. KILLED is absorbing: a
killed session never advances again.

# HTTP Surface

	POST /api/v1/sessions                     - start a debate
	GET  /api/v1/sessions                     - list sessions
	GET  /api/v1/sessions/{id}                - session snapshot
	POST /api/v1/sessions/{id}/advance        - one phase step
	POST /api/v1/sessions/{id}/kill           - manual kill
	GET  /api/v1/validations/pending          - open checkpoints
	POST /api/v1/validations/{id}/resolve     - human decision
	GET  /health                              - liveness
	GET  /metrics                             - Prometheus metrics

# Thread Safety

All exported types in this package are safe for concurrent use. Sessions
serialize mutation behind their own mutex so observers always see a
consistent snapshot.
*/
package orchestrator
