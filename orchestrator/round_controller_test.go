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
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/platform/orchestrator/llm"
	"concord/platform/shared/logger"
)

// fakeProvider is an in-process provider with scriptable behavior. Provider
// names ending in "-flaky" fail once with a retryable error; names ending
// in "-dead" always fail and report unhealthy; "-slow" blocks until the
// call context is canceled; "-alt" answers with a disjoint vocabulary.
type fakeProvider struct {
	name string

	mu       sync.Mutex
	calls    int
	failures int
	slow     bool
	alt      bool
}

func (f *fakeProvider) Name() string           { return f.name }
func (f *fakeProvider) Type() llm.ProviderType { return llm.ProviderTypeMock }

func (f *fakeProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	f.mu.Lock()
	f.calls++
	calls := f.calls
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, llm.NewProviderError(f.name, llm.ErrCodeUnavailable, "scripted failure")
	}
	slow, alt := f.slow, f.alt
	f.mu.Unlock()

	if slow {
		<-ctx.Done()
		return nil, llm.NewProviderError(f.name, llm.ErrCodeTimeout, ctx.Err().Error())
	}

	text := fmt.Sprintf("%s elaborates point %d on throughput economics and validation burden for continuous lines",
		f.name, calls)
	if alt {
		text = fmt.Sprintf("%s instead weighs alternative %d around sterile filtration bottlenecks plus regulatory precedent overseas",
			f.name, calls)
	}
	return &llm.CompletionResponse{
		Text:           text,
		Model:          "test-model",
		ConfidenceHint: 0.7,
	}, nil
}

func (f *fakeProvider) HealthCheck(context.Context) (*llm.HealthCheckResult, error) {
	if strings.HasSuffix(f.name, "-dead") {
		return &llm.HealthCheckResult{Healthy: false, Message: "scripted failure"}, nil
	}
	return &llm.HealthCheckResult{Healthy: true}, nil
}

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeProviders tracks the providers created during a test so assertions
// can reach them.
type fakeProviders struct {
	mu      sync.Mutex
	created map[string]*fakeProvider
}

func (r *fakeProviders) get(name string) *fakeProvider {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.created[name]
}

func registerFakeProviders(t *testing.T) *fakeProviders {
	t.Helper()
	reg := &fakeProviders{created: make(map[string]*fakeProvider)}
	llm.RegisterFactory(llm.ProviderTypeMock, func(cfg llm.ProviderConfig) (llm.Provider, error) {
		fp := &fakeProvider{name: cfg.Name}
		switch {
		case strings.HasSuffix(cfg.Name, "-flaky"):
			fp.failures = 1
		case strings.HasSuffix(cfg.Name, "-dead"):
			fp.failures = 1 << 30
		case strings.HasSuffix(cfg.Name, "-slow"):
			fp.slow = true
		case strings.HasSuffix(cfg.Name, "-alt"):
			fp.alt = true
		}
		reg.mu.Lock()
		reg.created[cfg.Name] = fp
		reg.mu.Unlock()
		return fp, nil
	})
	return reg
}

func testConfig(providerNames ...string) *Config {
	cfg := DefaultConfig()
	cfg.Debate.MinVotingRound = 1
	cfg.Debate.ProviderTimeout = 2 * time.Second
	cfg.KillSwitch.PollInterval = 10 * time.Millisecond
	cfg.RateLimit.Enabled = false
	for _, name := range providerNames {
		cfg.Providers = append(cfg.Providers, llm.ProviderConfig{
			Name: name, Type: llm.ProviderTypeMock, Model: "test-model",
		})
	}
	return cfg
}

func newTestController(t *testing.T, cfg *Config) *RoundController {
	t.Helper()
	log := logger.New("test")
	metrics := NewMetrics(prometheus.NewRegistry())
	audit := NewAuditTrail(AuditConfig{}, log)
	ctrl := NewRoundController(cfg, log, metrics, audit, NewEventBus(0), nil)
	t.Cleanup(func() {
		ctrl.Shutdown()
		audit.Close()
	})
	return ctrl
}

func startDebate(t *testing.T, ctrl *RoundController, judge string) *Session {
	t.Helper()
	req := StartSessionRequest{
		Topic:   "should the plant adopt continuous manufacturing for solid dosage",
		Experts: []string{"expert-a", "expert-b"},
		Judge:   judge,
	}
	session, err := ctrl.StartSession(context.Background(), req)
	require.NoError(t, err)
	return session
}

func TestStartSession(t *testing.T) {
	registerFakeProviders(t)
	ctrl := newTestController(t, testConfig("expert-a", "expert-b", "judge-x"))

	session := startDebate(t, ctrl, "judge-x")

	assert.Equal(t, PhaseOpeningStatements, session.Phase())
	assert.Len(t, session.Experts(), 2)
	require.NotNil(t, session.Judge())
	assert.Same(t, session, ctrl.Registry().Get(session.ID))
}

func TestStartSessionValidation(t *testing.T) {
	registerFakeProviders(t)
	ctrl := newTestController(t, testConfig("expert-a", "expert-b"))

	tests := []struct {
		name string
		req  StartSessionRequest
		code ErrorCode
	}{
		{
			name: "no topic",
			req:  StartSessionRequest{Experts: []string{"expert-a", "expert-b"}},
			code: ErrCodeInsufficientParticipants,
		},
		{
			name: "one expert",
			req:  StartSessionRequest{Topic: "t", Experts: []string{"expert-a"}},
			code: ErrCodeInsufficientParticipants,
		},
		{
			name: "unknown provider",
			req:  StartSessionRequest{Topic: "t", Experts: []string{"expert-a", "expert-z"}},
			code: ErrCodeProviderFailure,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ctrl.StartSession(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}
}

func TestAdvanceUnknownSession(t *testing.T) {
	registerFakeProviders(t)
	ctrl := newTestController(t, testConfig())

	_, err := ctrl.AdvanceRound(context.Background(), "no-such-id")
	require.Error(t, err)
	assert.Equal(t, ErrCodeSessionNotFound, CodeOf(err))
}

func TestOpeningStatementsCollectAllExperts(t *testing.T) {
	registerFakeProviders(t)
	ctrl := newTestController(t, testConfig("expert-a", "expert-b"))
	session := startDebate(t, ctrl, "")

	_, err := ctrl.AdvanceRound(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, PhaseArgumentation, session.Phase())
	assert.Len(t, session.ExpertMessages(0), 2)
	for _, m := range session.ExpertMessages(0) {
		assert.Equal(t, PhaseOpeningStatements, m.Phase)
		assert.NotEmpty(t, m.Text)
	}
}

// advanceToValidation walks a session to the blocking validation step and
// resolves the checkpoint with the given decision.
func advanceToValidation(t *testing.T, ctrl *RoundController, session *Session, decision Decision, notes string) error {
	t.Helper()
	ctx := context.Background()

	_, err := ctrl.AdvanceRound(ctx, session.ID) // opening -> argumentation
	require.NoError(t, err)
	_, err = ctrl.AdvanceRound(ctx, session.ID) // argumentation -> voting
	require.NoError(t, err)
	require.Equal(t, PhaseVoting, session.Phase())
	_, err = ctrl.AdvanceRound(ctx, session.ID) // voting -> human_validation
	require.NoError(t, err)
	require.Equal(t, PhaseHumanValidation, session.Phase())

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.AdvanceRound(ctx, session.ID) // blocks in the gate
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(ctrl.Gate().Pending()) == 1 },
		2*time.Second, 5*time.Millisecond)
	checkpoint := ctrl.Gate().Pending()[0]
	require.Equal(t, session.ID, checkpoint.SessionID)
	require.NoError(t, ctrl.ResolveValidation(checkpoint.ID, decision, notes, "reviewer"))

	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("validation step did not return")
		return nil
	}
}

func TestFullDebateApprovedPath(t *testing.T) {
	providers := registerFakeProviders(t)
	ctrl := newTestController(t, testConfig("expert-a", "expert-b", "judge-x"))
	session := startDebate(t, ctrl, "judge-x")

	require.NoError(t, advanceToValidation(t, ctrl, session, DecisionApprove, "well argued"))
	require.Equal(t, PhaseSynthesis, session.Phase())

	_, err := ctrl.AdvanceRound(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, PhaseCompleted, session.Phase())
	result := session.Result()
	require.NotNil(t, result)
	assert.True(t, result.Approved)
	assert.NotEmpty(t, result.Text)
	assert.NotEmpty(t, result.WinnerID)
	assert.Equal(t, 1, result.RoundsCompleted)

	// The judge was consulted for the synthesis.
	assert.Greater(t, providers.get("judge-x").callCount(), 0)

	// Voting attached votes, never self-votes.
	vote := session.LastVote()
	require.NotNil(t, vote)
	assert.NotEmpty(t, vote.FinalScores)

	// Completed sessions refuse further advances.
	_, err = ctrl.AdvanceRound(context.Background(), session.ID)
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidPhaseTransition, CodeOf(err))
}

func TestRejectedDebateCompletesUnapproved(t *testing.T) {
	registerFakeProviders(t)
	ctrl := newTestController(t, testConfig("expert-a", "expert-b"))
	session := startDebate(t, ctrl, "")

	require.NoError(t, advanceToValidation(t, ctrl, session, DecisionReject, "evidence too thin"))

	assert.Equal(t, PhaseCompleted, session.Phase())
	result := session.Result()
	require.NotNil(t, result)
	assert.False(t, result.Approved)
	assert.Contains(t, result.Text, "evidence too thin")
}

func TestMoreDebateReturnsToArgumentation(t *testing.T) {
	providers := registerFakeProviders(t)
	ctrl := newTestController(t, testConfig("expert-a", "expert-b"))
	session := startDebate(t, ctrl, "")

	require.NoError(t, advanceToValidation(t, ctrl, session, DecisionMoreDebate, "address the cleaning validation gap"))
	require.Equal(t, PhaseArgumentation, session.Phase())

	callsBefore := providers.get("expert-a").callCount()
	_, err := ctrl.AdvanceRound(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, 2, session.Round())
	// The reviewer notes were folded into the next round's prompting.
	assert.Greater(t, providers.get("expert-a").callCount(), callsBefore)
}

func TestDegradedProviderDoesNotStallDebate(t *testing.T) {
	registerFakeProviders(t)
	ctrl := newTestController(t, testConfig("expert-a", "expert-b-dead"))

	session, err := ctrl.StartSession(context.Background(), StartSessionRequest{
		Topic:   "topic under debate",
		Experts: []string{"expert-a", "expert-b-dead"},
	})
	require.NoError(t, err)

	_, err = ctrl.AdvanceRound(context.Background(), session.ID)
	require.NoError(t, err)

	assert.Equal(t, PhaseArgumentation, session.Phase())
	assert.Len(t, session.ExpertMessages(0), 1)

	var degraded *Participant
	for _, p := range session.Experts() {
		if p.ProviderName == "expert-b-dead" {
			degraded = p
		}
	}
	require.NotNil(t, degraded)
	assert.True(t, degraded.Degraded)
}

func TestFlakyProviderRetriedOnce(t *testing.T) {
	providers := registerFakeProviders(t)
	ctrl := newTestController(t, testConfig("expert-a", "expert-b-flaky"))

	session, err := ctrl.StartSession(context.Background(), StartSessionRequest{
		Topic:   "topic under debate",
		Experts: []string{"expert-a", "expert-b-flaky"},
	})
	require.NoError(t, err)

	_, err = ctrl.AdvanceRound(context.Background(), session.ID)
	require.NoError(t, err)

	// One failure plus one successful retry.
	assert.Equal(t, 2, providers.get("expert-b-flaky").callCount())
	assert.Len(t, session.ExpertMessages(0), 2)
	for _, p := range session.Experts() {
		assert.False(t, p.Degraded)
	}
}

func TestForceKill(t *testing.T) {
	registerFakeProviders(t)
	ctrl := newTestController(t, testConfig("expert-a", "expert-b"))
	session := startDebate(t, ctrl, "")

	require.NoError(t, ctrl.ForceKill(session.ID, "operator abort", "ops@example.com"))

	assert.Equal(t, PhaseKilled, session.Phase())
	reason, detail, _ := session.KillInfo()
	assert.Equal(t, KillReasonManual, reason)
	assert.Equal(t, "operator abort", detail)

	_, err := ctrl.AdvanceRound(context.Background(), session.ID)
	require.Error(t, err)
	assert.Equal(t, ErrCodeSessionKilled, CodeOf(err))

	// A second kill is refused: the session is already terminal.
	err = ctrl.ForceKill(session.ID, "again", "ops@example.com")
	require.Error(t, err)
}

func TestForceKillUnblocksValidationWait(t *testing.T) {
	registerFakeProviders(t)
	ctrl := newTestController(t, testConfig("expert-a", "expert-b"))
	session := startDebate(t, ctrl, "")

	ctx := context.Background()
	_, err := ctrl.AdvanceRound(ctx, session.ID)
	require.NoError(t, err)
	_, err = ctrl.AdvanceRound(ctx, session.ID)
	require.NoError(t, err)
	_, err = ctrl.AdvanceRound(ctx, session.ID)
	require.NoError(t, err)
	require.Equal(t, PhaseHumanValidation, session.Phase())

	errCh := make(chan error, 1)
	go func() {
		_, err := ctrl.AdvanceRound(ctx, session.ID)
		errCh <- err
	}()

	require.Eventually(t, func() bool { return len(ctrl.Gate().Pending()) == 1 },
		2*time.Second, 5*time.Millisecond)
	require.NoError(t, ctrl.ForceKill(session.ID, "abort during review", "ops@example.com"))

	select {
	case err := <-errCh:
		require.Error(t, err)
		assert.Equal(t, ErrCodeSessionKilled, CodeOf(err))
	case <-time.After(2 * time.Second):
		t.Fatal("validation wait was not unblocked by the kill")
	}
}

func TestRoundLimitForcesVote(t *testing.T) {
	registerFakeProviders(t)
	cfg := testConfig("expert-a", "expert-b")
	// Make every natural trigger unreachable; only the limit can fire.
	cfg.Debate.MinVotingRound = 10
	cfg.Debate.ConsensusThreshold = 2
	cfg.Debate.DivergenceThreshold = 2
	ctrl := newTestController(t, cfg)

	session, err := ctrl.StartSession(context.Background(), StartSessionRequest{
		Topic:      "topic under debate",
		RoundLimit: 2,
		Experts:    []string{"expert-a", "expert-b"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = ctrl.AdvanceRound(ctx, session.ID) // opening
	require.NoError(t, err)
	_, err = ctrl.AdvanceRound(ctx, session.ID) // round 1, keeps arguing
	require.NoError(t, err)
	require.Equal(t, PhaseArgumentation, session.Phase())
	_, err = ctrl.AdvanceRound(ctx, session.ID) // round 2 hits the limit
	require.NoError(t, err)

	assert.Equal(t, PhaseVoting, session.Phase())
	assert.True(t, session.ForcedVote())
}

func TestConcurrentSnapshotsDuringDebate(t *testing.T) {
	registerFakeProviders(t)
	ctrl := newTestController(t, testConfig("expert-a", "expert-b"))
	session := startDebate(t, ctrl, "")

	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if _, err := ctrl.AdvanceRound(ctx, session.ID); err != nil {
				return
			}
		}
	}()

	// Observers marshal full snapshots while the controller is mid-round,
	// appending messages, attaching votes, and updating scores.
	for {
		select {
		case <-done:
			return
		default:
			if _, err := json.Marshal(session.Snapshot(true)); err != nil {
				t.Fatalf("marshal snapshot: %v", err)
			}
		}
	}
}

func TestVotingTriggeredByConsensus(t *testing.T) {
	registerFakeProviders(t)
	cfg := testConfig("expert-a", "expert-b")
	// Round count alone can never trigger; lexical agreement must.
	cfg.Debate.MinVotingRound = 10
	ctrl := newTestController(t, cfg)

	session, err := ctrl.StartSession(context.Background(), StartSessionRequest{
		Topic:      "topic under debate",
		RoundLimit: 10,
		Experts:    []string{"expert-a", "expert-b"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = ctrl.AdvanceRound(ctx, session.ID) // opening
	require.NoError(t, err)
	_, err = ctrl.AdvanceRound(ctx, session.ID) // round 1
	require.NoError(t, err)

	// Both experts argue in the same vocabulary, so agreement is total and
	// voting triggers well before the minimum round.
	assert.Equal(t, PhaseVoting, session.Phase())
	assert.False(t, session.ForcedVote())
	history := session.ConsensusHistory()
	require.NotEmpty(t, history)
	assert.GreaterOrEqual(t, history[len(history)-1], cfg.Debate.ConsensusThreshold)
}

func TestVotingTriggeredByDivergence(t *testing.T) {
	registerFakeProviders(t)
	cfg := testConfig("expert-a", "expert-b-alt")
	cfg.Debate.MinVotingRound = 10
	// Only the two latest positions matter, and they share no vocabulary.
	cfg.Debate.ConsensusWindow = 2
	ctrl := newTestController(t, cfg)

	session, err := ctrl.StartSession(context.Background(), StartSessionRequest{
		Topic:      "topic under debate",
		RoundLimit: 10,
		Experts:    []string{"expert-a", "expert-b-alt"},
	})
	require.NoError(t, err)

	ctx := context.Background()
	_, err = ctrl.AdvanceRound(ctx, session.ID) // opening
	require.NoError(t, err)
	_, err = ctrl.AdvanceRound(ctx, session.ID) // round 1
	require.NoError(t, err)

	assert.Equal(t, PhaseVoting, session.Phase())
	assert.False(t, session.ForcedVote())
	history := session.ConsensusHistory()
	require.NotEmpty(t, history)
	assert.GreaterOrEqual(t, 1-history[len(history)-1], cfg.Debate.DivergenceThreshold)
}

func TestMonitorKillUnblocksValidationWait(t *testing.T) {
	registerFakeProviders(t)
	cfg := testConfig("expert-a", "expert-b")
	cfg.Debate.ValidationTimeout = time.Minute
	cfg.KillSwitch.MaxDuration = 250 * time.Millisecond
	ctrl := newTestController(t, cfg)
	session := startDebate(t, ctrl, "")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := ctrl.AdvanceRound(ctx, session.ID)
		require.NoError(t, err)
	}
	require.Equal(t, PhaseHumanValidation, session.Phase())

	// The gate would wait a minute for a human; the duration ceiling fires
	// first and must abort the wait, not just flag the session.
	start := time.Now()
	_, err := ctrl.AdvanceRound(ctx, session.ID)
	require.Error(t, err)
	assert.Equal(t, ErrCodeSessionKilled, CodeOf(err))
	assert.Less(t, time.Since(start), 5*time.Second)

	reason, _, _ := session.KillInfo()
	assert.Equal(t, KillReasonMaxDuration, reason)
	assert.Empty(t, ctrl.Gate().Pending())
}

func TestMonitorKillAbortsProviderCalls(t *testing.T) {
	registerFakeProviders(t)
	cfg := testConfig("expert-a-slow", "expert-b-slow")
	cfg.Debate.ProviderTimeout = time.Minute
	cfg.KillSwitch.MaxDuration = 250 * time.Millisecond
	ctrl := newTestController(t, cfg)

	session, err := ctrl.StartSession(context.Background(), StartSessionRequest{
		Topic:   "topic under debate",
		Experts: []string{"expert-a-slow", "expert-b-slow"},
	})
	require.NoError(t, err)

	// Both providers hang until their call context is canceled. The kill
	// must cancel them instead of waiting out the minute-long timeout.
	start := time.Now()
	_, err = ctrl.AdvanceRound(context.Background(), session.ID)
	require.Error(t, err)
	assert.Equal(t, ErrCodeSessionKilled, CodeOf(err))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestKillSwitchAbortsRunawaySession(t *testing.T) {
	registerFakeProviders(t)
	cfg := testConfig("expert-a", "expert-b")
	cfg.KillSwitch.MaxIterations = 1
	ctrl := newTestController(t, cfg)
	session := startDebate(t, ctrl, "")

	// The opening fan-out alone exceeds the iteration ceiling.
	_, _ = ctrl.AdvanceRound(context.Background(), session.ID)

	require.Eventually(t, session.Killed, 2*time.Second, 10*time.Millisecond)
	reason, _, _ := session.KillInfo()
	assert.Equal(t, KillReasonMaxIterations, reason)

	_, err := ctrl.AdvanceRound(context.Background(), session.ID)
	require.Error(t, err)
	assert.Equal(t, ErrCodeSessionKilled, CodeOf(err))
}
