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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"concord/platform/shared/logger"
)

// KillReason identifies why the kill switch forced a session to KILLED.
type KillReason string

const (
	KillReasonMaxDuration   KillReason = "MAX_DURATION_EXCEEDED"
	KillReasonMaxIterations KillReason = "MAX_ITERATIONS_EXCEEDED"
	KillReasonMemoryCeiling KillReason = "MEMORY_CEILING_EXCEEDED"
	KillReasonLoopDetected  KillReason = "LOOP_DETECTED"
	KillReasonManual        KillReason = "MANUAL_KILL"
)

// KillSwitchConfig bounds a monitored session. Iteration and duration
// ceilings are independent of the debate round limit: the round limit
// triggers a forced vote, the kill switch aborts outright.
type KillSwitchConfig struct {
	PollInterval  time.Duration `yaml:"poll_interval" json:"poll_interval"`
	MaxDuration   time.Duration `yaml:"max_duration" json:"max_duration"`
	MaxIterations int64         `yaml:"max_iterations" json:"max_iterations"`

	// MemoryCeilingBytes bounds process heap usage. Zero disables the check.
	MemoryCeilingBytes uint64 `yaml:"memory_ceiling_bytes" json:"memory_ceiling_bytes"`

	// Loop detection: fewer than LoopMinDistinct distinct content hashes in
	// the last LoopWindow messages means the agents are repeating themselves.
	LoopWindow      int `yaml:"loop_window" json:"loop_window"`
	LoopMinDistinct int `yaml:"loop_min_distinct" json:"loop_min_distinct"`
}

// DefaultKillSwitchConfig returns the production defaults.
func DefaultKillSwitchConfig() KillSwitchConfig {
	return KillSwitchConfig{
		PollInterval:    500 * time.Millisecond,
		MaxDuration:     30 * time.Second,
		MaxIterations:   50,
		LoopWindow:      10,
		LoopMinDistinct: 3,
	}
}

func (c *KillSwitchConfig) applyDefaults() {
	def := DefaultKillSwitchConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = def.MaxDuration
	}
	if c.MaxIterations <= 0 {
		c.MaxIterations = def.MaxIterations
	}
	if c.LoopWindow <= 0 {
		c.LoopWindow = def.LoopWindow
	}
	if c.LoopMinDistinct <= 0 {
		c.LoopMinDistinct = def.LoopMinDistinct
	}
}

// KillSwitchMonitor watches one session on a fixed poll interval and kills
// it the moment any safety bound is exceeded. The monitor runs in its own
// goroutine and stops itself once the session reaches a terminal phase.
type KillSwitchMonitor struct {
	cfg     KillSwitchConfig
	session *Session
	log     *logger.Logger
	events  *EventBus
	metrics *Metrics

	iterations atomic.Int64
	startedAt  time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// NewKillSwitchMonitor builds a monitor for a session. Call Start to begin
// polling.
func NewKillSwitchMonitor(cfg KillSwitchConfig, session *Session, log *logger.Logger, events *EventBus) *KillSwitchMonitor {
	cfg.applyDefaults()
	return &KillSwitchMonitor{
		cfg:     cfg,
		session: session,
		log:     log,
		events:  events,
		done:    make(chan struct{}),
	}
}

// RecordIteration counts one unit of orchestration work (a provider call or
// a phase step). The ceiling applies to the total across the session.
func (m *KillSwitchMonitor) RecordIteration() {
	m.iterations.Add(1)
}

// Iterations returns the iteration count so far.
func (m *KillSwitchMonitor) Iterations() int64 {
	return m.iterations.Load()
}

// Start launches the polling goroutine. The monitor stops when the session
// terminates, when Stop is called, or when ctx is canceled.
func (m *KillSwitchMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.startedAt = time.Now()

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.session.Phase().Terminal() {
					return
				}
				if m.check() {
					return
				}
			}
		}
	}()
}

// Stop halts the monitor without killing the session and waits for the
// polling goroutine to exit. Safe to call more than once.
func (m *KillSwitchMonitor) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}
		<-m.done
	})
}

// check evaluates every bound and kills the session on the first violation.
// Returns true when the session was killed.
func (m *KillSwitchMonitor) check() bool {
	if elapsed := time.Since(m.startedAt); elapsed > m.cfg.MaxDuration {
		return m.trigger(KillReasonMaxDuration,
			fmt.Sprintf("session ran %s, limit %s", elapsed.Round(time.Millisecond), m.cfg.MaxDuration),
			"restart the session with a higher max_duration or fewer participants")
	}

	if iters := m.iterations.Load(); iters > m.cfg.MaxIterations {
		return m.trigger(KillReasonMaxIterations,
			fmt.Sprintf("%d iterations, limit %d", iters, m.cfg.MaxIterations),
			"restart with a smaller round limit or raise max_iterations")
	}

	if m.cfg.MemoryCeilingBytes > 0 {
		var stats runtime.MemStats
		runtime.ReadMemStats(&stats)
		if stats.HeapAlloc > m.cfg.MemoryCeilingBytes {
			return m.trigger(KillReasonMemoryCeiling,
				fmt.Sprintf("heap %d bytes, ceiling %d", stats.HeapAlloc, m.cfg.MemoryCeilingBytes),
				"reduce concurrent sessions or raise the memory ceiling")
		}
	}

	if m.loopDetected() {
		return m.trigger(KillReasonLoopDetected,
			fmt.Sprintf("fewer than %d distinct messages in the last %d", m.cfg.LoopMinDistinct, m.cfg.LoopWindow),
			"agents are repeating themselves; restart with reworded prompts or different experts")
	}

	return false
}

// loopDetected reports whether the recent message window has collapsed into
// repetition. Requires a full window before judging.
func (m *KillSwitchMonitor) loopDetected() bool {
	hashes := m.session.RecentContentHashes(m.cfg.LoopWindow)
	if len(hashes) < m.cfg.LoopWindow {
		return false
	}
	distinct := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		distinct[h] = struct{}{}
	}
	return len(distinct) < m.cfg.LoopMinDistinct
}

func (m *KillSwitchMonitor) trigger(reason KillReason, detail, recovery string) bool {
	if !m.session.Kill(reason, detail, recovery) {
		return true // already terminal, monitor can stop
	}

	if m.metrics != nil {
		m.metrics.KillSwitchTriggers.WithLabelValues(string(reason)).Inc()
		m.metrics.ActiveSessions.Dec()
		m.metrics.SessionsCompleted.WithLabelValues("killed").Inc()
	}

	m.log.Warn(m.session.ID, "", "kill switch triggered", map[string]interface{}{
		"reason":     string(reason),
		"detail":     detail,
		"recovery":   recovery,
		"iterations": m.iterations.Load(),
		"elapsed_ms": time.Since(m.startedAt).Milliseconds(),
	})

	if m.events != nil {
		m.events.Publish(Event{
			Type:      EventKillSwitchTriggered,
			SessionID: m.session.ID,
			Payload: map[string]interface{}{
				"reason":   string(reason),
				"detail":   detail,
				"recovery": recovery,
			},
		})
	}
	return true
}
