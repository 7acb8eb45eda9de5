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
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"concord/platform/shared/logger"
)

func newTestServer(t *testing.T, providerNames ...string) (*Server, *httptest.Server, *fakeProviders) {
	t.Helper()
	reg := registerFakeProviders(t)

	cfg := testConfig(providerNames...)
	srv := NewServer(cfg, logger.New("test"))
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		srv.Controller().Shutdown()
	})
	return srv, ts, reg
}

// httpJSON issues a request with a JSON body and decodes the JSON response
// into out (when non-nil), returning the status code.
func httpJSON(t *testing.T, method, url string, body, out interface{}) int {
	t.Helper()

	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func createSessionHTTP(t *testing.T, baseURL, judge string) *SessionSnapshot {
	t.Helper()
	req := StartSessionRequest{
		Topic:   "should the plant adopt continuous manufacturing for solid dosage",
		Experts: []string{"expert-a", "expert-b"},
		Judge:   judge,
	}
	var snap SessionSnapshot
	status := httpJSON(t, http.MethodPost, baseURL+"/api/v1/sessions", req, &snap)
	require.Equal(t, http.StatusCreated, status)
	return &snap
}

func TestCreateSessionEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b", "judge-x")

	snap := createSessionHTTP(t, ts.URL, "judge-x")
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, PhaseOpeningStatements, snap.Phase)
	assert.Len(t, snap.Participants, 3)
	assert.Equal(t, 0, snap.MessageCount)
}

func TestCreateSessionRejectsBadJSON(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b")

	resp, err := http.Post(ts.URL+"/api/v1/sessions", "application/json",
		strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateSessionRejectsSingleExpert(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b")

	var body map[string]string
	status := httpJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions", StartSessionRequest{
		Topic:   "lonely debate",
		Experts: []string{"expert-a"},
	}, &body)

	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, string(ErrCodeInsufficientParticipants), body["code"])
}

func TestGetSessionEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b")
	snap := createSessionHTTP(t, ts.URL, "")

	status := httpJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/sessions/%s/advance", ts.URL, snap.ID), nil, nil)
	require.Equal(t, http.StatusOK, status)

	// Default snapshot omits the transcript.
	var bare SessionSnapshot
	status = httpJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/sessions/%s", ts.URL, snap.ID), nil, &bare)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, bare.MessageCount)
	assert.Nil(t, bare.Messages)

	var full SessionSnapshot
	status = httpJSON(t, http.MethodGet,
		fmt.Sprintf("%s/api/v1/sessions/%s?messages=true", ts.URL, snap.ID), nil, &full)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, full.Messages, 2)
}

func TestGetSessionNotFound(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b")

	var body map[string]string
	status := httpJSON(t, http.MethodGet, ts.URL+"/api/v1/sessions/nope", nil, &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(ErrCodeSessionNotFound), body["code"])
}

func TestListSessionsEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b")
	createSessionHTTP(t, ts.URL, "")
	createSessionHTTP(t, ts.URL, "")

	var body struct {
		Sessions []*SessionSnapshot `json:"sessions"`
		Count    int                `json:"count"`
	}
	status := httpJSON(t, http.MethodGet, ts.URL+"/api/v1/sessions", nil, &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, body.Count)
	assert.Len(t, body.Sessions, 2)
}

func TestAdvanceRoundEndpoint(t *testing.T) {
	_, ts, reg := newTestServer(t, "expert-a", "expert-b")
	snap := createSessionHTTP(t, ts.URL, "")

	var advanced SessionSnapshot
	status := httpJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/sessions/%s/advance", ts.URL, snap.ID), nil, &advanced)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, PhaseArgumentation, advanced.Phase)
	assert.Equal(t, 1, reg.get("expert-a").callCount())
	assert.Equal(t, 1, reg.get("expert-b").callCount())
}

func TestAdvanceUnknownSessionEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b")

	status := httpJSON(t, http.MethodPost, ts.URL+"/api/v1/sessions/nope/advance", nil, nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestKillSessionEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b")
	snap := createSessionHTTP(t, ts.URL, "")

	var killed SessionSnapshot
	status := httpJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/sessions/%s/kill", ts.URL, snap.ID),
		map[string]string{"reason": "runaway token spend"}, &killed)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, PhaseKilled, killed.Phase)
	assert.Equal(t, KillReasonManual, killed.KillReason)
	assert.NotEmpty(t, killed.RecoveryHint)

	// A killed session refuses further advances.
	var body map[string]string
	status = httpJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/sessions/%s/advance", ts.URL, snap.ID), nil, &body)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, string(ErrCodeSessionKilled), body["code"])
}

func TestValidationFlowOverHTTP(t *testing.T) {
	srv, ts, _ := newTestServer(t, "expert-a", "expert-b")
	snap := createSessionHTTP(t, ts.URL, "")

	advanceURL := fmt.Sprintf("%s/api/v1/sessions/%s/advance", ts.URL, snap.ID)
	for i := 0; i < 3; i++ { // opening -> argumentation -> voting -> validation
		status := httpJSON(t, http.MethodPost, advanceURL, nil, nil)
		require.Equal(t, http.StatusOK, status)
	}

	// This advance blocks inside the validation gate until a decision lands.
	done := make(chan SessionSnapshot, 1)
	go func() {
		var blocked SessionSnapshot
		httpJSON(t, http.MethodPost, advanceURL, nil, &blocked)
		done <- blocked
	}()

	var pending struct {
		Checkpoints []*ValidationCheckpoint `json:"checkpoints"`
		Count       int                     `json:"count"`
	}
	require.Eventually(t, func() bool {
		pending.Checkpoints = nil
		httpJSON(t, http.MethodGet, ts.URL+"/api/v1/validations/pending", nil, &pending)
		return pending.Count == 1
	}, 2*time.Second, 10*time.Millisecond)

	cp := pending.Checkpoints[0]
	assert.Equal(t, snap.ID, cp.SessionID)
	assert.NotEmpty(t, cp.Summary.TopArguments)

	var resolved map[string]string
	status := httpJSON(t, http.MethodPost,
		fmt.Sprintf("%s/api/v1/validations/%s/resolve", ts.URL, cp.ID),
		map[string]string{"decision": string(DecisionApprove), "notes": "looks sound"}, &resolved)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "anonymous", resolved["resolver"])

	select {
	case blocked := <-done:
		assert.Equal(t, PhaseSynthesis, blocked.Phase)
	case <-time.After(2 * time.Second):
		t.Fatal("advance did not unblock after the checkpoint was resolved")
	}
	assert.Empty(t, srv.Controller().Gate().Pending())
}

func TestResolveUnknownCheckpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b")

	var body map[string]string
	status := httpJSON(t, http.MethodPost, ts.URL+"/api/v1/validations/nope/resolve",
		map[string]string{"decision": string(DecisionApprove)}, &body)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, string(ErrCodeCheckpointNotFound), body["code"])
}

func TestResolveRejectsInvalidDecision(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b")

	status := httpJSON(t, http.MethodPost, ts.URL+"/api/v1/validations/nope/resolve",
		map[string]string{"decision": "escalate"}, nil)
	assert.Equal(t, http.StatusConflict, status)
}

func TestHealthEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b")

	var body map[string]interface{}
	status := httpJSON(t, http.MethodGet, ts.URL+"/health", nil, &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, true, body["audit_healthy"])
	assert.Equal(t, true, body["limiter_healthy"])

	providers, ok := body["providers"].(map[string]interface{})
	require.True(t, ok)
	for _, name := range []string{"expert-a", "expert-b"} {
		state, ok := providers[name].(map[string]interface{})
		require.True(t, ok, name)
		assert.Equal(t, true, state["healthy"])
	}
}

func TestHealthEndpointDegradedProvider(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b-dead")

	var body map[string]interface{}
	status := httpJSON(t, http.MethodGet, ts.URL+"/health", nil, &body)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "degraded", body["status"])

	providers, ok := body["providers"].(map[string]interface{})
	require.True(t, ok)
	dead, ok := providers["expert-b-dead"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, false, dead["healthy"])
}

func TestMetricsEndpoint(t *testing.T) {
	_, ts, _ := newTestServer(t, "expert-a", "expert-b")
	createSessionHTTP(t, ts.URL, "")

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "concord_sessions_started_total 1")
	assert.Contains(t, string(raw), "concord_sessions_active 1")
}

func TestRateLimitMiddleware(t *testing.T) {
	registerFakeProviders(t)
	cfg := testConfig("expert-a", "expert-b")
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerMinute = 2

	srv := NewServer(cfg, logger.New("test"))
	t.Cleanup(srv.Controller().Shutdown)
	router := srv.Router()

	// httptest stamps every request with the same client address, so the
	// third call lands over budget.
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestAuthEnforcedOnAPIRoutes(t *testing.T) {
	registerFakeProviders(t)
	cfg := testConfig("expert-a", "expert-b")
	cfg.Server.JWTSecret = "handlers-test-secret"

	srv := NewServer(cfg, logger.New("test"))
	t.Cleanup(srv.Controller().Shutdown)
	router := srv.Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health stays open for probes.
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, cfg.Server.JWTSecret, "reviewer"))
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
