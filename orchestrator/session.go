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
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"concord/platform/orchestrator/llm"
)

// Role identifies a participant's function in the debate.
type Role string

const (
	RoleExpert Role = "expert"
	RoleJudge  Role = "judge"
	RoleHuman  Role = "human"
	RoleSystem Role = "system"
)

// Phase is a state of the debate state machine.
type Phase string

const (
	PhaseInitialization    Phase = "initialization"
	PhaseOpeningStatements Phase = "opening_statements"
	PhaseArgumentation     Phase = "argumentation"
	PhaseVoting            Phase = "voting"
	PhaseHumanValidation   Phase = "human_validation"
	PhaseSynthesis         Phase = "synthesis"
	PhaseCompleted         Phase = "completed"
	PhaseKilled            Phase = "killed"
)

// Terminal reports whether the phase is absorbing.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseKilled
}

// Participant is one expert, judge, or human overseer bound to a session.
// Identity is immutable after registration; Score, MessageCount, and
// Degraded are mutated only through the session's lock-held methods.
type Participant struct {
	ID           string `json:"id"`
	Role         Role   `json:"role"`
	ProviderName string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`

	// Score is the running vote score accumulated across rounds.
	Score float64 `json:"score"`

	// MessageCount counts messages authored by this participant.
	MessageCount int `json:"message_count"`

	// Degraded marks that the provider failed for the current round.
	// Reset when the next round starts.
	Degraded bool `json:"degraded,omitempty"`

	// provider is the opaque gateway binding; nil for human participants.
	provider llm.Provider
}

// Vote is one participant's evaluation of another participant's message.
// Immutable once created.
type Vote struct {
	VoterID       string             `json:"voter_id"`
	MessageID     string             `json:"message_id"`
	Score         float64            `json:"score"`
	Criteria      map[string]float64 `json:"criteria,omitempty"`
	Justification string             `json:"justification,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
}

// Message is one utterance in the debate. Append-only once created; only
// Votes may be attached afterwards, by the voting aggregator.
type Message struct {
	ID         string                 `json:"id"`
	AuthorID   string                 `json:"author_id"`
	Role       Role                   `json:"role"`
	Round      int                    `json:"round"`
	Phase      Phase                  `json:"phase"`
	Text       string                 `json:"text"`
	Confidence float64                `json:"confidence"`
	Votes      []Vote                 `json:"votes,omitempty"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// ContentHash returns the SHA-256 hex digest of the message text. The kill
// switch loop detector compares these across recent messages.
func (m *Message) ContentHash() string {
	sum := sha256.Sum256([]byte(m.Text))
	return hex.EncodeToString(sum[:])
}

// SynthesisResult is the terminal output of a completed debate.
type SynthesisResult struct {
	Text            string    `json:"text"`
	WinnerID        string    `json:"winner_id,omitempty"`
	FinalConsensus  float64   `json:"final_consensus"`
	Approved        bool      `json:"approved"`
	RoundsCompleted int       `json:"rounds_completed"`
	CompletedAt     time.Time `json:"completed_at"`
}

// Session is one complete multi-round debate from initialization to a
// terminal phase. All mutation goes through the round controller; the
// session serializes writers with its own mutex so concurrent observers
// can take consistent snapshots.
type Session struct {
	ID         string
	Topic      string
	RoundLimit int
	CreatedAt  time.Time

	// Risk flags consulted by checkpoint risk assessment.
	HallucinationFlag bool
	ComplianceTag     string
	SensitiveData     bool

	mu               sync.RWMutex
	phase            Phase
	round            int
	messages         []*Message
	participants     map[string]*Participant
	consensusHistory []float64
	lastVote         *VoteResult
	result           *SynthesisResult

	// validationNotes carries human guidance into the next round's context.
	validationNotes string

	// forcedVote marks that the round limit forced the voting transition.
	// Flagged for audit.
	forcedVote bool

	killed     atomic.Bool
	killReason KillReason
	killDetail string
	recovery   string
	killedAt   time.Time

	// killCh is closed exactly once, by the winning Kill call. Long-running
	// operations (validation waits, provider calls) select on it to abort.
	killCh chan struct{}
}

// NewSession creates a session in the INITIALIZATION phase.
func NewSession(topic string, roundLimit int) *Session {
	return &Session{
		ID:           uuid.New().String(),
		Topic:        topic,
		RoundLimit:   roundLimit,
		CreatedAt:    time.Now().UTC(),
		phase:        PhaseInitialization,
		participants: make(map[string]*Participant),
		killCh:       make(chan struct{}),
	}
}

// Killed reports whether the kill switch has fired for this session.
// Checked by the controller before and after every mutation.
func (s *Session) Killed() bool {
	return s.killed.Load()
}

// Kill forces the session into the absorbing KILLED phase. The first call
// wins; later calls (including concurrent ones) are no-ops. Returns true if
// this call performed the kill.
func (s *Session) Kill(reason KillReason, detail, recoveryHint string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return false
	}
	if !s.killed.CompareAndSwap(false, true) {
		return false
	}
	s.phase = PhaseKilled
	s.killReason = reason
	s.killDetail = detail
	s.recovery = recoveryHint
	s.killedAt = time.Now().UTC()
	close(s.killCh)
	return true
}

// killSignal returns a channel closed when the session is killed. Blocking
// operations select on it so a kill aborts them instead of letting them run
// to their own timeouts.
func (s *Session) killSignal() <-chan struct{} {
	return s.killCh
}

// KillInfo returns the kill reason, detail, and recovery hint.
func (s *Session) KillInfo() (KillReason, string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.killReason, s.killDetail, s.recovery
}

// Phase returns the current phase.
func (s *Session) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// setPhase transitions to next. A terminal phase is entered at most once;
// transitions out of a terminal phase are refused.
func (s *Session) setPhase(next Phase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase.Terminal() {
		return NewDebateError(ErrCodeInvalidPhaseTransition, s.ID,
			"cannot transition from terminal phase %s to %s", s.phase, next)
	}
	s.phase = next
	return nil
}

// Round returns the current round number.
func (s *Session) Round() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.round
}

// incrementRound advances the round counter, refusing to exceed the limit.
func (s *Session) incrementRound() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.round >= s.RoundLimit {
		return NewDebateError(ErrCodeInvalidPhaseTransition, s.ID,
			"round limit %d reached", s.RoundLimit)
	}
	s.round++
	return nil
}

// addParticipant registers a participant during initialization.
func (s *Session) addParticipant(p *Participant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[p.ID] = p
}

// Participant returns the participant with the given id, or nil.
func (s *Session) Participant(id string) *Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.participants[id]
}

// Experts returns all expert participants.
func (s *Session) Experts() []*Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	experts := make([]*Participant, 0, len(s.participants))
	for _, p := range s.participants {
		if p.Role == RoleExpert {
			experts = append(experts, p)
		}
	}
	return experts
}

// Judge returns the judge participant, or nil if none is bound.
func (s *Session) Judge() *Participant {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.participants {
		if p.Role == RoleJudge {
			return p
		}
	}
	return nil
}

// appendMessage appends a message and bumps the author's message count.
// Messages are append-only: nothing ever removes or rewrites one.
func (s *Session) appendMessage(m *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	if p, ok := s.participants[m.AuthorID]; ok {
		p.MessageCount++
	}
}

// setDegraded updates a participant's degraded flag under the session lock.
func (s *Session) setDegraded(participantID string, degraded bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[participantID]; ok {
		p.Degraded = degraded
	}
}

// addScore credits a participant's cumulative score under the session lock.
func (s *Session) addScore(participantID string, delta float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.participants[participantID]; ok {
		p.Score += delta
	}
}

// attachVotes appends cast votes to their target messages under the session
// lock, keyed by message id.
func (s *Session) attachVotes(votes map[string][]Vote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if cast, ok := votes[m.ID]; ok {
			m.Votes = append(m.Votes, cast...)
		}
	}
}

// Messages returns a copy of the message slice.
func (s *Session) Messages() []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// ExpertMessages returns the last n expert messages (all if n <= 0).
func (s *Session) ExpertMessages(n int) []*Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	expert := make([]*Message, 0, len(s.messages))
	for _, m := range s.messages {
		if m.Role == RoleExpert {
			expert = append(expert, m)
		}
	}
	if n > 0 && len(expert) > n {
		expert = expert[len(expert)-n:]
	}
	return expert
}

// RecentContentHashes returns the content hashes of the last n messages.
func (s *Session) RecentContentHashes(n int) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start := 0
	if len(s.messages) > n {
		start = len(s.messages) - n
	}
	hashes := make([]string, 0, n)
	for _, m := range s.messages[start:] {
		hashes = append(hashes, m.ContentHash())
	}
	return hashes
}

// recordConsensus appends a consensus sample to the session history.
func (s *Session) recordConsensus(score float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensusHistory = append(s.consensusHistory, score)
}

// setValidationNotes records human guidance to fold into the next round.
func (s *Session) setValidationNotes(notes string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validationNotes = notes
}

// takeValidationNotes returns pending human guidance and clears it.
func (s *Session) takeValidationNotes() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	notes := s.validationNotes
	s.validationNotes = ""
	return notes
}

// markForcedVote flags that the round limit, not consensus, triggered the
// voting transition.
func (s *Session) markForcedVote() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forcedVote = true
}

// ForcedVote reports whether voting was forced by the round limit.
func (s *Session) ForcedVote() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.forcedVote
}

// setLastVote stores the most recent voting outcome.
func (s *Session) setLastVote(result *VoteResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastVote = result
}

// LastVote returns the most recent voting outcome, nil before any vote.
func (s *Session) LastVote() *VoteResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastVote
}

// setResult stores the synthesis outcome.
func (s *Session) setResult(result *SynthesisResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.result = result
}

// Result returns the synthesis outcome, nil until the session completes.
func (s *Session) Result() *SynthesisResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.result
}

// ConsensusHistory returns a copy of the recorded consensus samples.
func (s *Session) ConsensusHistory() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(s.consensusHistory))
	copy(out, s.consensusHistory)
	return out
}

// SessionSnapshot is a read-only view of a session for API responses.
type SessionSnapshot struct {
	ID               string           `json:"id"`
	Topic            string           `json:"topic"`
	Phase            Phase            `json:"phase"`
	Round            int              `json:"round"`
	RoundLimit       int              `json:"round_limit"`
	Participants     []*Participant   `json:"participants"`
	MessageCount     int              `json:"message_count"`
	Messages         []*Message       `json:"messages,omitempty"`
	ConsensusHistory []float64        `json:"consensus_history,omitempty"`
	LastVote         *VoteResult      `json:"last_vote,omitempty"`
	Result           *SynthesisResult `json:"result,omitempty"`
	KillReason       KillReason       `json:"kill_reason,omitempty"`
	RecoveryHint     string           `json:"recovery_hint,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
}

// Snapshot captures a consistent view of the session state.
func (s *Session) Snapshot(includeMessages bool) *SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &SessionSnapshot{
		ID:           s.ID,
		Topic:        s.Topic,
		Phase:        s.phase,
		Round:        s.round,
		RoundLimit:   s.RoundLimit,
		MessageCount: len(s.messages),
		LastVote:     s.lastVote,
		Result:       s.result,
		KillReason:   s.killReason,
		RecoveryHint: s.recovery,
		CreatedAt:    s.CreatedAt,
	}
	// Participants and messages are copied by value so observers can marshal
	// the snapshot while the controller keeps mutating the originals.
	for _, p := range s.participants {
		pc := *p
		snap.Participants = append(snap.Participants, &pc)
	}
	if includeMessages {
		snap.Messages = make([]*Message, 0, len(s.messages))
		for _, m := range s.messages {
			mc := *m
			if len(m.Votes) > 0 {
				mc.Votes = make([]Vote, len(m.Votes))
				copy(mc.Votes, m.Votes)
			}
			snap.Messages = append(snap.Messages, &mc)
		}
		snap.ConsensusHistory = make([]float64, len(s.consensusHistory))
		copy(snap.ConsensusHistory, s.consensusHistory)
	}
	return snap
}

// SessionRegistry owns all active sessions, keyed by id. One registry per
// controller instance; there is no ambient global.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Put registers a session.
func (r *SessionRegistry) Put(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Get returns the session with the given id, or nil.
func (r *SessionRegistry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove deletes a session from the registry.
func (r *SessionRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// List returns all registered sessions.
func (r *SessionRegistry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
