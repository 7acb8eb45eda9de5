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
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"concord/platform/orchestrator/llm"
)

// writeJSON writes a JSON response body with the given status.
func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps a debate error to its HTTP status.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := "internal_error"

	var de *DebateError
	if errors.As(err, &de) {
		code = string(de.Code)
		switch de.Code {
		case ErrCodeSessionNotFound, ErrCodeCheckpointNotFound:
			status = http.StatusNotFound
		case ErrCodeInsufficientParticipants:
			status = http.StatusBadRequest
		case ErrCodeInvalidPhaseTransition, ErrCodeCheckpointAlreadyOpen, ErrCodeSessionKilled:
			status = http.StatusConflict
		case ErrCodeProviderFailure:
			status = http.StatusBadGateway
		}
	}

	writeJSON(w, status, map[string]string{
		"error": err.Error(),
		"code":  code,
	})
}

// handleCreateSession starts a new debate.
// POST /api/v1/sessions
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req StartSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	session, err := s.controller.StartSession(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session.Snapshot(false))
}

// handleGetSession returns a session snapshot. The full transcript is
// included with ?messages=true.
// GET /api/v1/sessions/{id}
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	session := s.controller.Registry().Get(id)
	if session == nil {
		writeError(w, NewDebateError(ErrCodeSessionNotFound, id, "session not found"))
		return
	}
	includeMessages := r.URL.Query().Get("messages") == "true"
	writeJSON(w, http.StatusOK, session.Snapshot(includeMessages))
}

// handleListSessions lists all sessions.
// GET /api/v1/sessions
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.controller.Registry().List()
	snapshots := make([]*SessionSnapshot, 0, len(sessions))
	for _, session := range sessions {
		snapshots = append(snapshots, session.Snapshot(false))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": snapshots,
		"count":    len(snapshots),
	})
}

// handleAdvanceRound performs one phase step. During human validation this
// call blocks until a decision arrives or the gate times out.
// POST /api/v1/sessions/{id}/advance
func (s *Server) handleAdvanceRound(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	start := time.Now()

	session, err := s.controller.AdvanceRound(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	s.log.InfoWithDuration(id, "", "round advanced", float64(time.Since(start).Milliseconds()),
		map[string]interface{}{"phase": string(session.Phase())})
	writeJSON(w, http.StatusOK, session.Snapshot(false))
}

// handleKillSession triggers a manual kill.
// POST /api/v1/sessions/{id}/kill
func (s *Server) handleKillSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := s.controller.ForceKill(id, req.Reason, SubjectFromContext(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.controller.Registry().Get(id).Snapshot(false))
}

// handlePendingValidations lists open checkpoints for the validator UI.
// GET /api/v1/validations/pending
func (s *Server) handlePendingValidations(w http.ResponseWriter, r *http.Request) {
	pending := s.controller.Gate().Pending()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"checkpoints": pending,
		"count":       len(pending),
	})
}

// handleResolveValidation applies a human decision to a checkpoint.
// POST /api/v1/validations/{id}/resolve
func (s *Server) handleResolveValidation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req struct {
		Decision Decision `json:"decision"`
		Notes    string   `json:"notes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	resolver := SubjectFromContext(r.Context())
	if err := s.controller.ResolveValidation(id, req.Decision, req.Notes, resolver); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"checkpoint_id": id,
		"decision":      string(req.Decision),
		"resolver":      resolver,
	})
}

// handleHealth reports liveness plus dependency health: the audit store,
// the rate limiter's backing store, and every configured provider.
// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy := true

	auditHealthy := s.audit.Healthy(ctx)
	healthy = healthy && auditHealthy

	limiterHealthy := true
	if s.limiter != nil {
		limiterHealthy = s.limiter.Healthy(ctx)
		healthy = healthy && limiterHealthy
	}

	providers := make(map[string]interface{}, len(s.cfg.Providers))
	for _, pc := range s.cfg.Providers {
		st := s.checkProvider(ctx, pc)
		providers[pc.Name] = st
		if st["healthy"] == false {
			healthy = false
		}
	}

	status := "healthy"
	if !healthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"audit_healthy":   auditHealthy,
		"limiter_healthy": limiterHealthy,
		"providers":       providers,
		"sessions":        len(s.controller.Registry().List()),
		"timestamp":       time.Now().UTC(),
	})
}

// checkProvider runs one provider's health check for the health endpoint.
func (s *Server) checkProvider(ctx context.Context, pc llm.ProviderConfig) map[string]interface{} {
	provider, err := llm.CreateProvider(pc)
	if err != nil {
		return map[string]interface{}{"healthy": false, "message": err.Error()}
	}
	result, err := provider.HealthCheck(ctx)
	if err != nil {
		return map[string]interface{}{"healthy": false, "message": err.Error()}
	}
	st := map[string]interface{}{"healthy": result.Healthy}
	if result.Message != "" {
		st["message"] = result.Message
	}
	if result.Latency > 0 {
		st["latency_ms"] = result.Latency.Milliseconds()
	}
	return st
}

// rateLimitMiddleware rejects clients over their request budget.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			client := SubjectFromContext(r.Context())
			if client == "anonymous" {
				client = r.RemoteAddr
			}
			if !s.limiter.Allow(r.Context(), client) {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{
					"error": "rate limit exceeded",
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
