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

// Package main is the entry point for the Concord debate orchestrator.
//
// The orchestrator runs structured multi-agent debates: experts argue over
// rounds, peers vote on the strongest position, a human validates the
// outcome, and a judge synthesizes the result. A kill switch bounds every
// session's runtime.
//
// Usage:
//
//	./orchestrator -config config.yaml
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	JWT_SECRET - bearer token secret; empty disables auth
//	REDIS_ADDR - Redis address for distributed rate limiting (optional)
//	AUDIT_DATABASE_URL - PostgreSQL connection string for the audit trail (optional)
//	OLLAMA_ENDPOINT - Ollama endpoint URL (optional)
//	GEMINI_API_KEY - Gemini API key (optional)
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"concord/platform/orchestrator"
	"concord/platform/shared/logger"

	// Provider registration.
	_ "concord/platform/orchestrator/llm/gemini"
	_ "concord/platform/orchestrator/llm/ollama"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to YAML config file")
	flag.Parse()

	log := logger.New("orchestrator")

	cfg, err := orchestrator.LoadConfig(*configPath)
	if err != nil {
		log.Error("", "", "invalid configuration", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := orchestrator.NewServer(cfg, log)
	if err := server.Run(ctx); err != nil {
		log.Error("", "", "server exited with error", map[string]interface{}{"error": err.Error()})
		os.Exit(1)
	}
}
