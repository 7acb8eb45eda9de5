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
	"sync"
	"time"
)

// Criterion is one scoring dimension for peer voting.
type Criterion string

const (
	CriterionFactualAccuracy Criterion = "factual_accuracy"
	CriterionRelevance       Criterion = "relevance"
	CriterionConsistency     Criterion = "consistency"
	CriterionCompleteness    Criterion = "completeness"
	CriterionClarity         Criterion = "clarity"
)

// DefaultCriteriaWeights are the regulated-domain weights: factual accuracy
// dominates.
func DefaultCriteriaWeights() map[Criterion]float64 {
	return map[Criterion]float64{
		CriterionFactualAccuracy: 0.35,
		CriterionRelevance:       0.20,
		CriterionConsistency:     0.20,
		CriterionCompleteness:    0.15,
		CriterionClarity:         0.10,
	}
}

// CriterionEvaluator scores one message on one criterion in [0,1] on behalf
// of a voter. Pluggable: the default is a cheap heuristic evaluator, but an
// LLM-backed judge can be substituted behind the same contract.
type CriterionEvaluator interface {
	Score(ctx context.Context, voter *Participant, msg *Message, criterion Criterion) (float64, error)
}

// Reliability weight bounds. A voter's influence is scaled by historical
// accuracy and consistency but never below half or above one-and-a-half.
const (
	minVoterWeight     = 0.5
	maxVoterWeight     = 1.5
	defaultVoterWeight = 1.0
)

// voterPerformance tracks per-participant history used to derive the
// reliability weight.
type voterPerformance struct {
	totalScore        float64
	messagesEvaluated int
	votesGiven        int
	consistency       float64
}

func (p *voterPerformance) accuracy() float64 {
	if p.messagesEvaluated == 0 {
		return 0.5
	}
	return p.totalScore / float64(p.messagesEvaluated)
}

// VoteWinner identifies the winning message of a voting round.
type VoteWinner struct {
	MessageID string  `json:"message_id"`
	AuthorID  string  `json:"author_id"`
	Score     float64 `json:"score"`
	VoteCount int     `json:"vote_count"`
}

// VoteResult is the outcome of one voting round.
type VoteResult struct {
	// PerVoterScores maps voter id to message id to raw (unweighted) score.
	PerVoterScores map[string]map[string]float64 `json:"per_voter_scores"`

	// FinalScores maps message id to its weighted mean score.
	FinalScores map[string]float64 `json:"final_scores"`

	// Winner is the highest-scored message; ties broken by earliest
	// timestamp. Nil when nothing was votable.
	Winner *VoteWinner `json:"winner,omitempty"`

	// ConsensusLevel is 1 minus the normalized variance of per-message
	// scores, averaged over all voted messages.
	ConsensusLevel float64 `json:"consensus_level"`

	// MissingVoters lists voters whose responses were unavailable.
	// Aggregation proceeded without them.
	MissingVoters []string `json:"missing_voters,omitempty"`

	VoterCount        int       `json:"voter_count"`
	MessagesEvaluated int       `json:"messages_evaluated"`
	ConductedAt       time.Time `json:"conducted_at"`

	// CastVotes holds the individual votes keyed by message id. The caller
	// attaches them to the session's messages under the session lock; the
	// aggregator never writes to shared message state itself.
	CastVotes map[string][]Vote `json:"-"`
}

type weightedVote struct {
	voterID string
	score   float64
	weight  float64
}

// VotingAggregator collects peer votes, weights them by voter reliability,
// and produces a ranked outcome.
type VotingAggregator struct {
	evaluator CriterionEvaluator
	weights   map[Criterion]float64

	mu          sync.Mutex
	performance map[string]*voterPerformance
}

// NewVotingAggregator creates an aggregator with the given evaluator and
// criteria weights (nil uses DefaultCriteriaWeights).
func NewVotingAggregator(evaluator CriterionEvaluator, weights map[Criterion]float64) *VotingAggregator {
	if weights == nil {
		weights = DefaultCriteriaWeights()
	}
	return &VotingAggregator{
		evaluator:   evaluator,
		weights:     weights,
		performance: make(map[string]*voterPerformance),
	}
}

// VoterWeight returns the reliability weight for a voter, in
// [minVoterWeight, maxVoterWeight]. Unknown voters get the default 1.0.
func (a *VotingAggregator) VoterWeight(voterID string) float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.voterWeightLocked(voterID)
}

func (a *VotingAggregator) voterWeightLocked(voterID string) float64 {
	perf, ok := a.performance[voterID]
	if !ok {
		return defaultVoterWeight
	}

	participationBonus := float64(perf.votesGiven) / 10
	if participationBonus > 0.2 {
		participationBonus = 0.2
	}

	weight := 0.5 + (perf.accuracy()+perf.consistency)/2 + participationBonus
	if weight < minVoterWeight {
		weight = minVoterWeight
	}
	if weight > maxVoterWeight {
		weight = maxVoterWeight
	}
	return weight
}

// ConductVote has every voter score every other participant's message on
// the weighted criteria. Self-votes are dropped silently. A voter whose
// evaluator fails is recorded in MissingVoters and aggregation proceeds
// over the votes that are available.
func (a *VotingAggregator) ConductVote(ctx context.Context, messages []*Message, voters []*Participant) (*VoteResult, error) {
	result := &VoteResult{
		PerVoterScores:    make(map[string]map[string]float64),
		FinalScores:       make(map[string]float64),
		VoterCount:        len(voters),
		MessagesEvaluated: len(messages),
		ConductedAt:       time.Now().UTC(),
		CastVotes:         make(map[string][]Vote),
	}

	votesByMessage := make(map[string][]weightedVote)

	for _, voter := range voters {
		voterScores := make(map[string]float64)
		failed := false

		for _, msg := range messages {
			// Never vote on your own message.
			if msg.AuthorID == voter.ID {
				continue
			}

			score, criteria, err := a.evaluateMessage(ctx, voter, msg)
			if err != nil {
				failed = true
				continue
			}

			voterScores[msg.ID] = score
			weight := a.VoterWeight(voter.ID)
			votesByMessage[msg.ID] = append(votesByMessage[msg.ID], weightedVote{
				voterID: voter.ID,
				score:   score,
				weight:  weight,
			})
			result.CastVotes[msg.ID] = append(result.CastVotes[msg.ID], Vote{
				VoterID:   voter.ID,
				MessageID: msg.ID,
				Score:     score,
				Criteria:  criteria,
				CreatedAt: time.Now().UTC(),
			})
		}

		if len(voterScores) > 0 {
			result.PerVoterScores[voter.ID] = voterScores
		}
		if failed && len(voterScores) == 0 {
			result.MissingVoters = append(result.MissingVoters, voter.ID)
		}
	}

	// Weighted mean per message.
	for msgID, votes := range votesByMessage {
		var weightedSum, totalWeight float64
		for _, v := range votes {
			weightedSum += v.score * v.weight
			totalWeight += v.weight
		}
		if totalWeight > 0 {
			result.FinalScores[msgID] = weightedSum / totalWeight
		}
	}

	result.Winner = determineWinner(messages, result.FinalScores, votesByMessage)
	result.ConsensusLevel = votingConsensus(votesByMessage)

	a.updatePerformance(messages, result)

	return result, nil
}

// evaluateMessage scores one message across all criteria and combines the
// weighted result, clamped to [0,1].
func (a *VotingAggregator) evaluateMessage(ctx context.Context, voter *Participant, msg *Message) (float64, map[string]float64, error) {
	criteria := make(map[string]float64, len(a.weights))
	var combined float64

	for criterion, weight := range a.weights {
		score, err := a.evaluator.Score(ctx, voter, msg, criterion)
		if err != nil {
			return 0, nil, err
		}
		if score < 0 {
			score = 0
		}
		if score > 1 {
			score = 1
		}
		criteria[string(criterion)] = score
		combined += score * weight
	}

	if combined < 0 {
		combined = 0
	}
	if combined > 1 {
		combined = 1
	}
	return combined, criteria, nil
}

// determineWinner picks the highest-scored message, breaking ties by
// earliest timestamp.
func determineWinner(messages []*Message, finalScores map[string]float64, votesByMessage map[string][]weightedVote) *VoteWinner {
	byID := make(map[string]*Message, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
	}

	var winner *VoteWinner
	var winnerTime time.Time
	for msgID, score := range finalScores {
		msg := byID[msgID]
		if msg == nil {
			continue
		}
		if winner == nil || score > winner.Score ||
			(score == winner.Score && msg.Timestamp.Before(winnerTime)) {
			winner = &VoteWinner{
				MessageID: msgID,
				AuthorID:  msg.AuthorID,
				Score:     score,
				VoteCount: len(votesByMessage[msgID]),
			}
			winnerTime = msg.Timestamp
		}
	}
	return winner
}

// votingConsensus computes 1 minus the normalized average variance of raw
// scores per message. High variance between voters means low consensus.
func votingConsensus(votesByMessage map[string][]weightedVote) float64 {
	var variances []float64
	for _, votes := range votesByMessage {
		if len(votes) < 2 {
			continue
		}
		var sum float64
		for _, v := range votes {
			sum += v.score
		}
		mean := sum / float64(len(votes))
		var variance float64
		for _, v := range votes {
			variance += (v.score - mean) * (v.score - mean)
		}
		variance /= float64(len(votes))
		variances = append(variances, variance)
	}

	if len(variances) == 0 {
		return 0
	}

	var avg float64
	for _, v := range variances {
		avg += v
	}
	avg /= float64(len(variances))

	// Variance of [0,1] scores rarely exceeds 0.25; the factor spreads the
	// useful range over [0,1].
	consensus := 1.0 - avg*4
	if consensus < 0 {
		consensus = 0
	}
	if consensus > 1 {
		consensus = 1
	}
	return consensus
}

// updatePerformance folds the vote outcome into the history that drives
// reliability weights.
func (a *VotingAggregator) updatePerformance(messages []*Message, result *VoteResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	byID := make(map[string]*Message, len(messages))
	for _, m := range messages {
		byID[m.ID] = m
	}

	for msgID, score := range result.FinalScores {
		msg := byID[msgID]
		if msg == nil {
			continue
		}
		perf, ok := a.performance[msg.AuthorID]
		if !ok {
			perf = &voterPerformance{consistency: 0.5}
			a.performance[msg.AuthorID] = perf
		}
		perf.totalScore += score
		perf.messagesEvaluated++
	}

	for voterID := range result.PerVoterScores {
		perf, ok := a.performance[voterID]
		if !ok {
			perf = &voterPerformance{consistency: 0.5}
			a.performance[voterID] = perf
		}
		perf.votesGiven++
	}
}
