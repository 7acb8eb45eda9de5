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
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"concord/platform/orchestrator/llm"
	"concord/platform/shared/logger"
)

// RoundController drives every session through the debate state machine.
// Each AdvanceRound call performs exactly one phase step; the controller
// checks the kill flag before and after every mutation so a killed session
// is never advanced.
type RoundController struct {
	cfg        *Config
	registry   *SessionRegistry
	estimator  ConsensusEstimator
	aggregator *VotingAggregator
	gate       *ValidationGate
	events     *EventBus
	metrics    *Metrics
	audit      *AuditTrail
	retriever  llm.Retriever
	log        *logger.Logger

	mu                sync.Mutex
	monitors          map[string]*KillSwitchMonitor
	validationCancels map[string]context.CancelFunc
}

// NewRoundController wires the controller with its collaborators. A nil
// retriever disables context augmentation.
func NewRoundController(cfg *Config, log *logger.Logger, metrics *Metrics, audit *AuditTrail, events *EventBus, retriever llm.Retriever) *RoundController {
	if retriever == nil {
		retriever = llm.NoopRetriever{}
	}
	return &RoundController{
		cfg:               cfg,
		registry:          NewSessionRegistry(),
		estimator:         KeywordOverlapEstimator{},
		aggregator:        NewVotingAggregator(&HeuristicEvaluator{}, nil),
		gate:              NewValidationGate(cfg.Debate.ValidationTimeout, events),
		events:            events,
		metrics:           metrics,
		audit:             audit,
		retriever:         retriever,
		log:               log,
		monitors:          make(map[string]*KillSwitchMonitor),
		validationCancels: make(map[string]context.CancelFunc),
	}
}

// Registry exposes the session registry for the HTTP surface.
func (c *RoundController) Registry() *SessionRegistry { return c.registry }

// Gate exposes the validation gate for the HTTP surface.
func (c *RoundController) Gate() *ValidationGate { return c.gate }

// StartSessionRequest describes a new debate. Experts and Judge name
// providers from the configuration.
type StartSessionRequest struct {
	Topic      string   `json:"topic"`
	RoundLimit int      `json:"round_limit,omitempty"`
	Experts    []string `json:"experts"`
	Judge      string   `json:"judge,omitempty"`
}

// StartSession creates a session, binds its participants to providers, and
// moves it into the opening statements phase. At least two experts are
// required.
func (c *RoundController) StartSession(ctx context.Context, req StartSessionRequest) (*Session, error) {
	if strings.TrimSpace(req.Topic) == "" {
		return nil, NewDebateError(ErrCodeInsufficientParticipants, "", "a debate needs a topic")
	}
	if len(req.Experts) < 2 {
		return nil, NewDebateError(ErrCodeInsufficientParticipants, "",
			"a debate needs at least 2 experts, got %d", len(req.Experts))
	}

	roundLimit := req.RoundLimit
	if roundLimit <= 0 {
		roundLimit = c.cfg.Debate.RoundLimit
	}

	session := NewSession(req.Topic, roundLimit)

	for _, name := range req.Experts {
		provider, model, err := c.bindProvider(name)
		if err != nil {
			return nil, err
		}
		session.addParticipant(&Participant{
			ID:           uuid.New().String(),
			Role:         RoleExpert,
			ProviderName: name,
			Model:        model,
			provider:     provider,
		})
	}

	if req.Judge != "" {
		provider, model, err := c.bindProvider(req.Judge)
		if err != nil {
			return nil, err
		}
		session.addParticipant(&Participant{
			ID:           uuid.New().String(),
			Role:         RoleJudge,
			ProviderName: req.Judge,
			Model:        model,
			provider:     provider,
		})
	}

	if err := session.setPhase(PhaseOpeningStatements); err != nil {
		return nil, err
	}
	c.registry.Put(session)

	monitor := NewKillSwitchMonitor(c.cfg.KillSwitch, session, c.log, c.events)
	monitor.metrics = c.metrics
	monitor.Start(context.Background())
	c.mu.Lock()
	c.monitors[session.ID] = monitor
	c.mu.Unlock()

	c.metrics.SessionsStarted.Inc()
	c.metrics.ActiveSessions.Inc()
	c.metrics.PhaseTransitions.WithLabelValues(string(PhaseOpeningStatements)).Inc()
	c.audit.Record(session.ID, AuditSessionStarted, "api", session.Phase(), 0, map[string]interface{}{
		"topic":       req.Topic,
		"experts":     req.Experts,
		"judge":       req.Judge,
		"round_limit": roundLimit,
	})
	c.log.Info(session.ID, "", "session started", map[string]interface{}{
		"topic":   req.Topic,
		"experts": len(req.Experts),
	})

	return session, nil
}

// bindProvider resolves a configured provider by name.
func (c *RoundController) bindProvider(name string) (llm.Provider, string, error) {
	for _, pc := range c.cfg.Providers {
		if pc.Name == name {
			provider, err := llm.CreateProvider(pc)
			if err != nil {
				return nil, "", NewDebateError(ErrCodeProviderFailure, "",
					"binding provider %s: %v", name, err)
			}
			return provider, pc.Model, nil
		}
	}
	return nil, "", NewDebateError(ErrCodeProviderFailure, "", "no configured provider named %q", name)
}

// AdvanceRound performs one phase step for the session. Advancing a killed
// or completed session fails with a terminal-state error.
func (c *RoundController) AdvanceRound(ctx context.Context, sessionID string) (*Session, error) {
	session := c.registry.Get(sessionID)
	if session == nil {
		return nil, NewDebateError(ErrCodeSessionNotFound, sessionID, "session not found")
	}
	if err := c.refuseTerminal(session); err != nil {
		return session, err
	}

	var err error
	switch session.Phase() {
	case PhaseOpeningStatements:
		err = c.stepOpeningStatements(ctx, session)
	case PhaseArgumentation:
		err = c.stepArgumentation(ctx, session)
	case PhaseVoting:
		err = c.stepVoting(ctx, session)
	case PhaseHumanValidation:
		err = c.stepHumanValidation(ctx, session)
	case PhaseSynthesis:
		err = c.stepSynthesis(ctx, session)
	default:
		err = NewDebateError(ErrCodeInvalidPhaseTransition, sessionID,
			"cannot advance from phase %s", session.Phase())
	}
	return session, err
}

// refuseTerminal maps a terminal phase to the right error.
func (c *RoundController) refuseTerminal(session *Session) error {
	if session.Killed() {
		reason, detail, _ := session.KillInfo()
		return NewDebateError(ErrCodeSessionKilled, session.ID,
			"session killed (%s): %s", reason, detail)
	}
	if session.Phase().Terminal() {
		return NewDebateError(ErrCodeInvalidPhaseTransition, session.ID,
			"session is already %s", session.Phase())
	}
	return nil
}

// stepOpeningStatements gathers one opening statement from every expert,
// then moves to argumentation.
func (c *RoundController) stepOpeningStatements(ctx context.Context, session *Session) error {
	prompt := fmt.Sprintf(
		"You are taking part in a structured expert debate.\n\nTopic: %s\n\n"+
			"Give your opening statement: your initial position, the key evidence "+
			"behind it, and your main line of reasoning. Be precise and cite what you rely on.",
		session.Topic)

	c.fanOutToExperts(ctx, session, prompt, PhaseOpeningStatements)

	if err := c.refuseTerminal(session); err != nil {
		return err
	}
	return c.transition(session, PhaseArgumentation)
}

// stepArgumentation runs one argumentation round, re-estimates consensus,
// and decides whether voting triggers.
func (c *RoundController) stepArgumentation(ctx context.Context, session *Session) error {
	if err := session.incrementRound(); err != nil {
		// Round limit already reached: force the vote instead of arguing on.
		return c.forceVote(session)
	}
	round := session.Round()

	transcript := c.renderTranscript(session)
	notes := session.takeValidationNotes()

	prompt := fmt.Sprintf(
		"You are taking part in a structured expert debate.\n\nTopic: %s\n\nDebate so far:\n%s\n",
		session.Topic, transcript)
	if notes != "" {
		prompt += fmt.Sprintf("\nA human reviewer has asked for the following to be addressed:\n%s\n", notes)
	}
	prompt += "\nRespond to the other experts: challenge weak points, concede strong ones, and refine your position with evidence."

	c.fanOutToExperts(ctx, session, prompt, PhaseArgumentation)

	if err := c.refuseTerminal(session); err != nil {
		return err
	}

	window := session.ExpertMessages(c.cfg.Debate.ConsensusWindow)
	consensus := c.estimator.Estimate(window)
	divergence := Divergence(c.estimator, window)
	session.recordConsensus(consensus)
	c.metrics.ConsensusScore.Observe(consensus)
	c.metrics.RoundsCompleted.Inc()

	c.log.Info(session.ID, "", "argumentation round complete", map[string]interface{}{
		"round":      round,
		"consensus":  consensus,
		"divergence": divergence,
	})

	switch {
	case round >= session.RoundLimit:
		return c.forceVote(session)
	case round >= c.cfg.Debate.MinVotingRound,
		consensus >= c.cfg.Debate.ConsensusThreshold,
		divergence >= c.cfg.Debate.DivergenceThreshold:
		return c.transition(session, PhaseVoting)
	default:
		// Stay in argumentation for another round.
		return nil
	}
}

// forceVote transitions to voting because the round limit was reached, and
// flags the transition for audit.
func (c *RoundController) forceVote(session *Session) error {
	session.markForcedVote()
	c.metrics.ForcedVotes.Inc()
	c.audit.Record(session.ID, AuditForcedVote, "system", session.Phase(), session.Round(),
		map[string]interface{}{"round_limit": session.RoundLimit})
	return c.transition(session, PhaseVoting)
}

// stepVoting conducts the peer vote over each expert's latest message and
// moves to human validation.
func (c *RoundController) stepVoting(ctx context.Context, session *Session) error {
	latest := latestMessagePerExpert(session)
	experts := session.Experts()

	result, err := c.aggregator.ConductVote(ctx, latest, experts)
	if err != nil {
		return NewDebateError(ErrCodeProviderFailure, session.ID, "voting failed: %v", err)
	}
	session.setLastVote(result)
	session.attachVotes(result.CastVotes)

	// Fold vote outcomes into the running participant scores.
	for msgID, score := range result.FinalScores {
		for _, m := range latest {
			if m.ID == msgID {
				session.addScore(m.AuthorID, score)
			}
		}
	}

	c.metrics.VotingRounds.Inc()
	c.audit.Record(session.ID, AuditVoteConducted, "system", session.Phase(), session.Round(),
		map[string]interface{}{
			"consensus_level": result.ConsensusLevel,
			"missing_voters":  result.MissingVoters,
			"forced":          session.ForcedVote(),
		})
	c.events.Publish(Event{
		Type:      EventVotingResult,
		SessionID: session.ID,
		Payload:   map[string]interface{}{"consensus_level": result.ConsensusLevel},
	})

	if err := c.refuseTerminal(session); err != nil {
		return err
	}
	return c.transition(session, PhaseHumanValidation)
}

// stepHumanValidation blocks until a human resolves the checkpoint or the
// gate times out, then routes on the decision.
func (c *RoundController) stepHumanValidation(ctx context.Context, session *Session) error {
	window := session.ExpertMessages(c.cfg.Debate.ConsensusWindow)
	summary := SummarizeSession(session, c.estimator.Estimate(window))

	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.validationCancels[session.ID] = cancel
	c.mu.Unlock()
	defer func() {
		cancel()
		c.mu.Lock()
		delete(c.validationCancels, session.ID)
		c.mu.Unlock()
	}()

	decision, notes, err := c.gate.RequestValidation(ctx, session, summary)
	if err != nil {
		if session.Killed() {
			return c.refuseTerminal(session)
		}
		return err
	}

	c.metrics.ValidationDecisions.WithLabelValues(string(decision)).Inc()
	c.audit.Record(session.ID, AuditValidationDecision, "human", session.Phase(), session.Round(),
		map[string]interface{}{"decision": string(decision), "notes": notes})

	if err := c.refuseTerminal(session); err != nil {
		return err
	}

	switch decision {
	case DecisionApprove, DecisionOverride:
		if decision == DecisionOverride && notes != "" {
			session.setValidationNotes(notes)
		}
		return c.transition(session, PhaseSynthesis)

	case DecisionMoreDebate, DecisionClarify:
		session.setValidationNotes(notes)
		if session.Round() >= session.RoundLimit {
			// No rounds left to debate in: synthesize with what we have.
			return c.transition(session, PhaseSynthesis)
		}
		return c.transition(session, PhaseArgumentation)

	case DecisionReject:
		c.complete(session, &SynthesisResult{
			Text:            "Debate rejected by human validator: " + notes,
			FinalConsensus:  summary.Consensus,
			Approved:        false,
			RoundsCompleted: session.Round(),
			CompletedAt:     time.Now().UTC(),
		}, "rejected")
		return nil

	default:
		return NewDebateError(ErrCodeInvalidPhaseTransition, session.ID,
			"unexpected validation decision %q", decision)
	}
}

// stepSynthesis asks the judge to write the final synthesis and completes
// the session. Without a judge the winning expert's position stands as the
// synthesis.
func (c *RoundController) stepSynthesis(ctx context.Context, session *Session) error {
	window := session.ExpertMessages(c.cfg.Debate.ConsensusWindow)
	consensus := c.estimator.Estimate(window)

	var winnerID string
	if vote := session.LastVote(); vote != nil && vote.Winner != nil {
		winnerID = vote.Winner.AuthorID
	}

	text := c.synthesizeText(ctx, session, winnerID)

	c.complete(session, &SynthesisResult{
		Text:            text,
		WinnerID:        winnerID,
		FinalConsensus:  consensus,
		Approved:        true,
		RoundsCompleted: session.Round(),
		CompletedAt:     time.Now().UTC(),
	}, "approved")
	return nil
}

// synthesizeText produces the final synthesis via the judge provider, with
// the winner's message as the fallback when the judge is absent or fails.
func (c *RoundController) synthesizeText(ctx context.Context, session *Session, winnerID string) string {
	fallback := "No synthesis available."
	if winnerID != "" {
		for _, m := range latestMessagePerExpert(session) {
			if m.AuthorID == winnerID {
				fallback = m.Text
			}
		}
	}

	judge := session.Judge()
	if judge == nil || judge.provider == nil {
		return fallback
	}

	notes := session.takeValidationNotes()
	prompt := fmt.Sprintf(
		"You are the judge of a structured expert debate.\n\nTopic: %s\n\nDebate transcript:\n%s\n",
		session.Topic, c.renderTranscript(session))
	if notes != "" {
		prompt += fmt.Sprintf("\nHuman reviewer guidance:\n%s\n", notes)
	}
	prompt += "\nWrite the final synthesis: the conclusion the debate supports, the strongest evidence for it, and any caveats the experts did not resolve."

	resp, err := c.callProvider(ctx, session, judge, llm.CompletionRequest{
		Prompt: prompt,
		Model:  judge.Model,
	})
	if err != nil {
		c.log.Warn(session.ID, "", "judge synthesis failed, using winner position", map[string]interface{}{
			"error": err.Error(),
		})
		return fallback
	}

	session.appendMessage(&Message{
		ID:         uuid.New().String(),
		AuthorID:   judge.ID,
		Role:       RoleJudge,
		Round:      session.Round(),
		Phase:      PhaseSynthesis,
		Text:       resp.Text,
		Confidence: resp.ConfidenceHint,
		Timestamp:  time.Now().UTC(),
	})
	return resp.Text
}

// complete moves the session to COMPLETED, stores the result, stops the
// monitor, and records the outcome.
func (c *RoundController) complete(session *Session, result *SynthesisResult, outcome string) {
	session.setResult(result)
	if err := session.setPhase(PhaseCompleted); err != nil {
		return
	}

	c.stopMonitor(session.ID)
	c.metrics.ActiveSessions.Dec()
	c.metrics.SessionsCompleted.WithLabelValues(outcome).Inc()
	c.metrics.PhaseTransitions.WithLabelValues(string(PhaseCompleted)).Inc()
	c.audit.Record(session.ID, AuditSessionCompleted, "system", PhaseCompleted, session.Round(),
		map[string]interface{}{
			"outcome":   outcome,
			"winner_id": result.WinnerID,
			"consensus": result.FinalConsensus,
		})
	c.events.Publish(Event{
		Type:      EventPhaseChanged,
		SessionID: session.ID,
		Payload:   map[string]interface{}{"phase": string(PhaseCompleted), "outcome": outcome},
	})
	c.log.Info(session.ID, "", "session completed", map[string]interface{}{
		"outcome": outcome,
		"rounds":  result.RoundsCompleted,
	})
}

// transition applies a non-terminal phase change and emits the usual
// telemetry.
func (c *RoundController) transition(session *Session, next Phase) error {
	from := session.Phase()
	if err := session.setPhase(next); err != nil {
		return err
	}

	c.metrics.PhaseTransitions.WithLabelValues(string(next)).Inc()
	c.audit.Record(session.ID, AuditPhaseTransition, "system", next, session.Round(),
		map[string]interface{}{"from": string(from)})
	c.events.Publish(Event{
		Type:      EventPhaseChanged,
		SessionID: session.ID,
		Payload:   map[string]interface{}{"from": string(from), "phase": string(next)},
	})
	return nil
}

// ForceKill kills a session on operator request and unblocks any pending
// validation wait.
func (c *RoundController) ForceKill(sessionID, detail, actor string) error {
	session := c.registry.Get(sessionID)
	if session == nil {
		return NewDebateError(ErrCodeSessionNotFound, sessionID, "session not found")
	}
	if detail == "" {
		detail = "manual kill requested"
	}

	if !session.Kill(KillReasonManual, detail, "start a new session when ready") {
		return NewDebateError(ErrCodeInvalidPhaseTransition, sessionID,
			"session is already %s", session.Phase())
	}

	c.mu.Lock()
	if cancel, ok := c.validationCancels[sessionID]; ok {
		cancel()
	}
	c.mu.Unlock()
	c.stopMonitor(sessionID)

	c.metrics.ActiveSessions.Dec()
	c.metrics.SessionsCompleted.WithLabelValues("killed").Inc()
	c.metrics.KillSwitchTriggers.WithLabelValues(string(KillReasonManual)).Inc()
	c.audit.Record(sessionID, AuditKillSwitch, actor, PhaseKilled, session.Round(),
		map[string]interface{}{"reason": string(KillReasonManual), "detail": detail})
	c.events.Publish(Event{
		Type:      EventKillSwitchTriggered,
		SessionID: sessionID,
		Payload:   map[string]interface{}{"reason": string(KillReasonManual), "detail": detail},
	})
	return nil
}

// ResolveValidation applies a human decision to a checkpoint.
func (c *RoundController) ResolveValidation(checkpointID string, decision Decision, notes, resolver string) error {
	return c.gate.Resolve(checkpointID, decision, notes, resolver)
}

// Shutdown stops all kill-switch monitors.
func (c *RoundController) Shutdown() {
	c.mu.Lock()
	monitors := make([]*KillSwitchMonitor, 0, len(c.monitors))
	for _, m := range c.monitors {
		monitors = append(monitors, m)
	}
	c.monitors = make(map[string]*KillSwitchMonitor)
	c.mu.Unlock()

	for _, m := range monitors {
		m.Stop()
	}
}

func (c *RoundController) stopMonitor(sessionID string) {
	c.mu.Lock()
	monitor, ok := c.monitors[sessionID]
	delete(c.monitors, sessionID)
	c.mu.Unlock()
	if ok {
		monitor.Stop()
	}
}

// fanOutToExperts asks every non-degraded expert for a contribution
// concurrently and appends the responses. A provider that fails after one
// retry marks its participant degraded for the round; the debate proceeds
// with whoever answered.
func (c *RoundController) fanOutToExperts(ctx context.Context, session *Session, prompt string, phase Phase) {
	passages, err := c.retriever.Search(ctx, session.Topic, "debate")
	if err != nil {
		c.log.Warn(session.ID, "", "context retrieval failed", map[string]interface{}{
			"error": err.Error(),
		})
		passages = nil
	}

	experts := session.Experts()
	var wg sync.WaitGroup
	for _, expert := range experts {
		session.setDegraded(expert.ID, false)
		wg.Add(1)
		go func(expert *Participant) {
			defer wg.Done()

			resp, err := c.callProvider(ctx, session, expert, llm.CompletionRequest{
				Prompt:  prompt,
				Model:   expert.Model,
				Context: passages,
			})
			if err != nil {
				session.setDegraded(expert.ID, true)
				c.audit.Record(session.ID, AuditProviderDegraded, "system", phase, session.Round(),
					map[string]interface{}{"participant": expert.ID, "provider": expert.ProviderName, "error": err.Error()})
				c.log.ErrorWithCode(session.ID, "", "expert degraded for this round",
					string(ErrCodeProviderFailure), err, map[string]interface{}{
						"participant": expert.ID,
						"provider":    expert.ProviderName,
					})
				return
			}

			if session.Killed() {
				return
			}

			msg := &Message{
				ID:         uuid.New().String(),
				AuthorID:   expert.ID,
				Role:       RoleExpert,
				Round:      session.Round(),
				Phase:      phase,
				Text:       resp.Text,
				Confidence: resp.ConfidenceHint,
				Timestamp:  time.Now().UTC(),
			}
			session.appendMessage(msg)
			c.events.Publish(Event{
				Type:      EventMessageAppended,
				SessionID: session.ID,
				Payload: map[string]interface{}{
					"message_id": msg.ID,
					"author_id":  expert.ID,
					"round":      msg.Round,
				},
			})
		}(expert)
	}
	wg.Wait()
}

// callProvider performs one provider call with the configured timeout and a
// single retry for retryable failures.
func (c *RoundController) callProvider(ctx context.Context, session *Session, p *Participant, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	c.recordIteration(session.ID)

	attempt := func() (*llm.CompletionResponse, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Debate.ProviderTimeout)
		defer cancel()

		// A kill aborts the in-flight call instead of waiting out the
		// provider timeout.
		go func() {
			select {
			case <-session.killSignal():
				cancel()
			case <-callCtx.Done():
			}
		}()

		start := time.Now()
		resp, err := p.provider.Complete(callCtx, req)
		c.metrics.ProviderLatency.WithLabelValues(p.ProviderName).Observe(time.Since(start).Seconds())
		if err != nil {
			c.metrics.ProviderCalls.WithLabelValues(p.ProviderName, "error").Inc()
			return nil, err
		}
		c.metrics.ProviderCalls.WithLabelValues(p.ProviderName, "ok").Inc()
		return resp, nil
	}

	resp, err := attempt()
	if err == nil {
		return resp, nil
	}
	if !llm.IsRetryable(err) || session.Killed() {
		return nil, err
	}

	c.recordIteration(session.ID)
	return attempt()
}

func (c *RoundController) recordIteration(sessionID string) {
	c.mu.Lock()
	monitor := c.monitors[sessionID]
	c.mu.Unlock()
	if monitor != nil {
		monitor.RecordIteration()
	}
}

// renderTranscript flattens the expert messages for prompting.
func (c *RoundController) renderTranscript(session *Session) string {
	var b strings.Builder
	for _, m := range session.ExpertMessages(0) {
		p := session.Participant(m.AuthorID)
		name := m.AuthorID
		if p != nil && p.ProviderName != "" {
			name = fmt.Sprintf("%s (%s)", p.ProviderName, shortID(m.AuthorID))
		}
		fmt.Fprintf(&b, "[round %d] %s: %s\n\n", m.Round, name, m.Text)
	}
	return b.String()
}

// latestMessagePerExpert returns each expert's most recent message.
func latestMessagePerExpert(session *Session) []*Message {
	latest := make(map[string]*Message)
	for _, m := range session.ExpertMessages(0) {
		latest[m.AuthorID] = m
	}
	out := make([]*Message, 0, len(latest))
	for _, m := range latest {
		out = append(out, m)
	}
	return out
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
