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
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"concord/platform/shared/logger"
)

// AuditTrail records regulatory evidence for every consequential debate
// action: forced votes, human decisions, kill-switch activations, terminal
// outcomes. Entries are batched into Postgres; when no database is
// configured the trail degrades to a no-op so a dev setup still runs.
type AuditTrail struct {
	db     *sql.DB
	writer *auditBatchWriter
	log    *logger.Logger

	queue    chan *AuditEntry
	shutdown chan struct{}
	wg       sync.WaitGroup
}

// AuditEntry is one immutable audit record.
type AuditEntry struct {
	ID        string                 `json:"id"`
	SessionID string                 `json:"session_id"`
	Timestamp time.Time              `json:"timestamp"`
	Action    string                 `json:"action"`
	Actor     string                 `json:"actor"`
	Phase     string                 `json:"phase"`
	Round     int                    `json:"round"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
}

// Audit actions.
const (
	AuditSessionStarted     = "session_started"
	AuditPhaseTransition    = "phase_transition"
	AuditProviderDegraded   = "provider_degraded"
	AuditVoteConducted      = "vote_conducted"
	AuditForcedVote         = "forced_vote"
	AuditValidationDecision = "validation_decision"
	AuditKillSwitch         = "kill_switch"
	AuditSessionCompleted   = "session_completed"
)

// NewAuditTrail opens the audit database and starts the background writer.
// An empty databaseURL, or a connection failure, yields a no-op trail.
func NewAuditTrail(cfg AuditConfig, log *logger.Logger) *AuditTrail {
	trail := &AuditTrail{
		log:      log,
		queue:    make(chan *AuditEntry, 10000),
		shutdown: make(chan struct{}),
	}

	if cfg.DatabaseURL == "" {
		return trail
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Warn("", "", "audit database unavailable, audit trail disabled", map[string]interface{}{
			"error": err.Error(),
		})
		return trail
	}

	if err := createAuditTable(db); err != nil {
		log.Warn("", "", "audit table creation failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	trail.db = db
	trail.writer = newAuditBatchWriter(db, cfg.BatchSize, log)

	trail.wg.Add(1)
	go trail.drainQueue(cfg.FlushInterval)

	return trail
}

// Record queues an audit entry. Never blocks the orchestration path: if the
// queue is full the entry is written synchronously instead.
func (t *AuditTrail) Record(sessionID, action, actor string, phase Phase, round int, detail map[string]interface{}) {
	entry := &AuditEntry{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Timestamp: time.Now().UTC(),
		Action:    action,
		Actor:     actor,
		Phase:     string(phase),
		Round:     round,
		Detail:    detail,
	}

	select {
	case t.queue <- entry:
	default:
		if t.writer != nil {
			_ = t.writer.write([]*AuditEntry{entry})
		}
	}
}

// Healthy reports whether the trail can accept entries. A no-op trail is
// always healthy.
func (t *AuditTrail) Healthy(ctx context.Context) bool {
	if t.db == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return t.db.PingContext(ctx) == nil
}

// Close flushes pending entries and stops the background writer.
func (t *AuditTrail) Close() {
	close(t.shutdown)
	t.wg.Wait()
	if t.db != nil {
		_ = t.db.Close()
	}
}

func (t *AuditTrail) drainQueue(flushInterval time.Duration) {
	defer t.wg.Done()

	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-t.queue:
			t.writer.add(entry)
		case <-ticker.C:
			t.writer.flush()
		case <-t.shutdown:
			for {
				select {
				case entry := <-t.queue:
					t.writer.add(entry)
				default:
					t.writer.flush()
					return
				}
			}
		}
	}
}

// auditBatchWriter accumulates entries and writes them in one transaction
// once the batch fills or the flush interval fires.
type auditBatchWriter struct {
	db        *sql.DB
	batchSize int
	log       *logger.Logger

	mu      sync.Mutex
	entries []*AuditEntry
}

func newAuditBatchWriter(db *sql.DB, batchSize int, log *logger.Logger) *auditBatchWriter {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &auditBatchWriter{
		db:        db,
		batchSize: batchSize,
		log:       log,
		entries:   make([]*AuditEntry, 0, batchSize),
	}
}

func (w *auditBatchWriter) add(entry *AuditEntry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.entries = append(w.entries, entry)
	if len(w.entries) >= w.batchSize {
		w.flushLocked()
	}
}

func (w *auditBatchWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *auditBatchWriter) flushLocked() {
	if len(w.entries) == 0 {
		return
	}
	if err := w.write(w.entries); err != nil {
		w.log.Error("", "", "audit batch write failed", map[string]interface{}{
			"error":   err.Error(),
			"entries": len(w.entries),
		})
	}
	w.entries = w.entries[:0]
}

func (w *auditBatchWriter) write(entries []*AuditEntry) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO debate_audit (
			id, session_id, timestamp, action, actor, phase, round, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, entry := range entries {
		detailJSON, err := json.Marshal(entry.Detail)
		if err != nil {
			detailJSON = []byte("{}")
		}
		if _, err := stmt.Exec(
			entry.ID,
			entry.SessionID,
			entry.Timestamp,
			entry.Action,
			entry.Actor,
			entry.Phase,
			entry.Round,
			detailJSON,
		); err != nil {
			return fmt.Errorf("inserting audit entry %s: %w", entry.ID, err)
		}
	}

	return tx.Commit()
}

func createAuditTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS debate_audit (
		id VARCHAR(64) PRIMARY KEY,
		session_id VARCHAR(64) NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		action VARCHAR(50) NOT NULL,
		actor VARCHAR(255) NOT NULL,
		phase VARCHAR(30) NOT NULL,
		round INTEGER NOT NULL,
		detail JSONB,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_debate_audit_session ON debate_audit(session_id);
	CREATE INDEX IF NOT EXISTS idx_debate_audit_timestamp ON debate_audit(timestamp);
	CREATE INDEX IF NOT EXISTS idx_debate_audit_action ON debate_audit(action);
	`
	_, err := db.Exec(query)
	return err
}
