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
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"concord/platform/orchestrator/llm"
	"concord/platform/shared/logger"
)

// Server is the debate orchestrator's HTTP surface.
type Server struct {
	cfg        *Config
	controller *RoundController
	limiter    *RateLimiter
	auth       *AuthMiddleware
	audit      *AuditTrail
	events     *EventBus
	registry   *prometheus.Registry
	log        *logger.Logger

	httpServer *http.Server
}

// NewServer wires the full orchestrator stack from configuration.
func NewServer(cfg *Config, log *logger.Logger) *Server {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	events := NewEventBus(0)
	audit := NewAuditTrail(cfg.Audit, log)
	controller := NewRoundController(cfg, log, metrics, audit, events, llm.NoopRetriever{})

	var limiter *RateLimiter
	if cfg.RateLimit.Enabled {
		limiter = NewRateLimiter(cfg.RateLimit, log)
	}

	return &Server{
		cfg:        cfg,
		controller: controller,
		limiter:    limiter,
		auth:       NewAuthMiddleware(cfg.Server.JWTSecret, log),
		audit:      audit,
		events:     events,
		registry:   registry,
		log:        log,
	}
}

// Controller exposes the round controller, mainly for tests.
func (s *Server) Controller() *RoundController { return s.controller }

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Wrap, s.rateLimitMiddleware)

	api.HandleFunc("/sessions", s.handleCreateSession).Methods("POST")
	api.HandleFunc("/sessions", s.handleListSessions).Methods("GET")
	api.HandleFunc("/sessions/{id}", s.handleGetSession).Methods("GET")
	api.HandleFunc("/sessions/{id}/advance", s.handleAdvanceRound).Methods("POST")
	api.HandleFunc("/sessions/{id}/kill", s.handleKillSession).Methods("POST")
	api.HandleFunc("/validations/pending", s.handlePendingValidations).Methods("GET")
	api.HandleFunc("/validations/{id}/resolve", s.handleResolveValidation).Methods("POST")

	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.Server.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(r)
}

// Run serves until ctx is canceled, then shuts down gracefully. The
// shutdown window is generous because advance calls can be blocked in a
// validation wait.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler: s.Router(),

		// No global write timeout: validation waits legitimately hold
		// requests open for minutes.
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("", "", "orchestrator listening", map[string]interface{}{
			"port":         s.cfg.Server.Port,
			"auth_enabled": s.auth.Enabled(),
		})
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)

	s.controller.Shutdown()
	s.audit.Close()
	if s.limiter != nil {
		_ = s.limiter.Close()
	}
	s.log.Info("", "", "orchestrator stopped", nil)
	return err
}
