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
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Decision is a human validator's ruling on a checkpoint.
type Decision string

const (
	DecisionPending    Decision = "pending"
	DecisionApprove    Decision = "approve"
	DecisionReject     Decision = "reject"
	DecisionClarify    Decision = "clarify"
	DecisionMoreDebate Decision = "more_debate"
	DecisionOverride   Decision = "override"
)

// validDecisions are the decisions a resolver may submit. Pending is the
// initial state, never a valid resolution.
var validDecisions = map[Decision]bool{
	DecisionApprove:    true,
	DecisionReject:     true,
	DecisionClarify:    true,
	DecisionMoreDebate: true,
	DecisionOverride:   true,
}

// ValidDecision reports whether d can resolve a checkpoint.
func ValidDecision(d Decision) bool {
	return validDecisions[d]
}

// RiskLevel buckets a checkpoint's risk score for the validator UI.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskAssessment explains why a checkpoint needs (or does not need) close
// human attention.
type RiskAssessment struct {
	Score   float64   `json:"score"`
	Level   RiskLevel `json:"level"`
	Factors []string  `json:"factors,omitempty"`
}

// AssessRisk scores the session state presented at a checkpoint. Factors
// are additive; the score is clamped to [0,1].
func AssessRisk(consensus float64, hallucinationFlag bool, complianceTag string, sensitiveData bool) RiskAssessment {
	var assessment RiskAssessment

	if consensus < 0.5 {
		assessment.Score += 0.3
		assessment.Factors = append(assessment.Factors, "low_consensus")
	}
	if hallucinationFlag {
		assessment.Score += 0.5
		assessment.Factors = append(assessment.Factors, "hallucination_flag")
	}
	if complianceTag != "" {
		assessment.Score += 0.2
		assessment.Factors = append(assessment.Factors, "compliance:"+complianceTag)
	}
	if sensitiveData {
		assessment.Score += 0.2
		assessment.Factors = append(assessment.Factors, "sensitive_data")
	}
	if assessment.Score > 1 {
		assessment.Score = 1
	}

	switch {
	case assessment.Score < 0.3:
		assessment.Level = RiskLow
	case assessment.Score < 0.6:
		assessment.Level = RiskMedium
	case assessment.Score < 0.8:
		assessment.Level = RiskHigh
	default:
		assessment.Level = RiskCritical
	}
	return assessment
}

// ArgumentSummary is one expert position surfaced to the validator.
type ArgumentSummary struct {
	AuthorID   string  `json:"author_id"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Round      int     `json:"round"`
	Score      float64 `json:"score,omitempty"`
}

// SessionSummary condenses the debate so a validator can rule without
// reading the full transcript.
type SessionSummary struct {
	SessionID    string            `json:"session_id"`
	Topic        string            `json:"topic"`
	Round        int               `json:"round"`
	Consensus    float64           `json:"consensus"`
	ForcedVote   bool              `json:"forced_vote"`
	TopArguments []ArgumentSummary `json:"top_arguments"`
	Vote         *VoteResult       `json:"vote,omitempty"`
	Risk         RiskAssessment    `json:"risk"`
}

// summaryArgumentLimit bounds how many expert positions the summary shows.
const summaryArgumentLimit = 5

// SummarizeSession builds the validator-facing summary. Arguments are the
// most recent per expert, ranked by confidence then recency.
func SummarizeSession(s *Session, consensus float64) SessionSummary {
	summary := SessionSummary{
		SessionID:  s.ID,
		Topic:      s.Topic,
		Round:      s.Round(),
		Consensus:  consensus,
		ForcedVote: s.ForcedVote(),
		Vote:       s.LastVote(),
		Risk:       AssessRisk(consensus, s.HallucinationFlag, s.ComplianceTag, s.SensitiveData),
	}

	latestByAuthor := make(map[string]*Message)
	for _, m := range s.ExpertMessages(0) {
		latestByAuthor[m.AuthorID] = m
	}

	args := make([]ArgumentSummary, 0, len(latestByAuthor))
	for authorID, m := range latestByAuthor {
		var score float64
		if summary.Vote != nil {
			score = summary.Vote.FinalScores[m.ID]
		}
		args = append(args, ArgumentSummary{
			AuthorID:   authorID,
			Text:       m.Text,
			Confidence: m.Confidence,
			Round:      m.Round,
			Score:      score,
		})
	}
	sort.Slice(args, func(i, j int) bool {
		if args[i].Confidence != args[j].Confidence {
			return args[i].Confidence > args[j].Confidence
		}
		return args[i].Round > args[j].Round
	})
	if len(args) > summaryArgumentLimit {
		args = args[:summaryArgumentLimit]
	}
	summary.TopArguments = args
	return summary
}

// resolution pairs a decision with its operator notes.
type resolution struct {
	decision Decision
	notes    string
	resolver string
}

// ValidationCheckpoint is one pending human ruling. Resolve wins exactly
// once; later attempts are refused.
type ValidationCheckpoint struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Summary   SessionSummary `json:"summary"`
	CreatedAt time.Time      `json:"created_at"`
	ExpiresAt time.Time      `json:"expires_at"`

	resolveOnce sync.Once
	resolved    chan resolution

	mu       sync.Mutex
	decision Decision
	notes    string
	resolver string
}

// Decision returns the checkpoint's current decision (pending until
// resolved).
func (c *ValidationCheckpoint) Decision() Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decision
}

// resolve records the decision. The first caller wins; returns false for
// every later attempt.
func (c *ValidationCheckpoint) resolve(r resolution) bool {
	won := false
	c.resolveOnce.Do(func() {
		c.mu.Lock()
		c.decision = r.decision
		c.notes = r.notes
		c.resolver = r.resolver
		c.mu.Unlock()
		c.resolved <- r
		won = true
	})
	return won
}

// DefaultValidationTimeout is how long a checkpoint waits for a human
// before defaulting to more debate.
const DefaultValidationTimeout = 300 * time.Second

// ValidationGate manages human checkpoints. At most one checkpoint may be
// open per session at a time.
type ValidationGate struct {
	timeout time.Duration
	events  *EventBus

	mu   sync.Mutex
	open map[string]*ValidationCheckpoint // keyed by session id
	byID map[string]*ValidationCheckpoint // keyed by checkpoint id
}

// NewValidationGate creates a gate. A non-positive timeout uses
// DefaultValidationTimeout.
func NewValidationGate(timeout time.Duration, events *EventBus) *ValidationGate {
	if timeout <= 0 {
		timeout = DefaultValidationTimeout
	}
	return &ValidationGate{
		timeout: timeout,
		events:  events,
		open:    make(map[string]*ValidationCheckpoint),
		byID:    make(map[string]*ValidationCheckpoint),
	}
}

// RequestValidation opens a checkpoint for the session and blocks until a
// human resolves it, the timeout elapses, or ctx is canceled. On timeout
// the decision defaults to more debate, with the timeout noted for the
// next round. Opening a second checkpoint for the same session fails with
// ErrCodeCheckpointAlreadyOpen.
func (g *ValidationGate) RequestValidation(ctx context.Context, session *Session, summary SessionSummary) (Decision, string, error) {
	checkpoint := &ValidationCheckpoint{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Summary:   summary,
		CreatedAt: time.Now().UTC(),
		decision:  DecisionPending,
		resolved:  make(chan resolution, 1),
	}
	checkpoint.ExpiresAt = checkpoint.CreatedAt.Add(g.timeout)

	g.mu.Lock()
	if _, exists := g.open[session.ID]; exists {
		g.mu.Unlock()
		return DecisionPending, "", NewDebateError(ErrCodeCheckpointAlreadyOpen, session.ID,
			"a validation checkpoint is already open for this session")
	}
	g.open[session.ID] = checkpoint
	g.byID[checkpoint.ID] = checkpoint
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.open, session.ID)
		delete(g.byID, checkpoint.ID)
		g.mu.Unlock()
	}()

	if g.events != nil {
		g.events.Publish(Event{
			Type:      EventValidationRequested,
			SessionID: session.ID,
			Payload: map[string]interface{}{
				"checkpoint_id": checkpoint.ID,
				"risk_level":    string(summary.Risk.Level),
				"expires_at":    checkpoint.ExpiresAt,
			},
		})
	}

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	var r resolution
	select {
	case r = <-checkpoint.resolved:
	case <-timer.C:
		r = resolution{
			decision: DecisionMoreDebate,
			notes:    "validation timed out without a human decision",
			resolver: "system",
		}
		if !checkpoint.resolve(r) {
			// A human resolution raced in ahead of the timeout; honor it.
			r = <-checkpoint.resolved
		}
	case <-session.killSignal():
		return DecisionPending, "", NewDebateError(ErrCodeSessionKilled, session.ID,
			"session killed while awaiting validation")
	case <-ctx.Done():
		return DecisionPending, "", ctx.Err()
	}

	if g.events != nil {
		g.events.Publish(Event{
			Type:      EventValidationResolved,
			SessionID: session.ID,
			Payload: map[string]interface{}{
				"checkpoint_id": checkpoint.ID,
				"decision":      string(r.decision),
				"resolver":      r.resolver,
			},
		})
	}
	return r.decision, r.notes, nil
}

// Resolve applies a human decision to an open checkpoint. Exactly one
// resolution succeeds; a second attempt, or an unknown checkpoint id,
// fails with ErrCodeCheckpointNotFound.
func (g *ValidationGate) Resolve(checkpointID string, decision Decision, notes, resolver string) error {
	if !ValidDecision(decision) {
		return NewDebateError(ErrCodeInvalidPhaseTransition, "",
			"%q is not a valid checkpoint decision", decision)
	}

	g.mu.Lock()
	checkpoint, ok := g.byID[checkpointID]
	g.mu.Unlock()
	if !ok {
		return NewDebateError(ErrCodeCheckpointNotFound, "",
			"no open checkpoint with id %s", checkpointID)
	}

	if !checkpoint.resolve(resolution{decision: decision, notes: notes, resolver: resolver}) {
		return NewDebateError(ErrCodeCheckpointNotFound, checkpoint.SessionID,
			"checkpoint %s is already resolved", checkpointID)
	}
	return nil
}

// Pending returns all open checkpoints, newest first.
func (g *ValidationGate) Pending() []*ValidationCheckpoint {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*ValidationCheckpoint, 0, len(g.open))
	for _, c := range g.open {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
