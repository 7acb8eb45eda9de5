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
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable debate error code.
type ErrorCode string

const (
	// ErrCodeInvalidPhaseTransition indicates an operation was attempted in a
	// phase that does not permit it (e.g. advancing a terminal session).
	ErrCodeInvalidPhaseTransition ErrorCode = "invalid_phase_transition"

	// ErrCodeInsufficientParticipants indicates a session was started with
	// fewer than two experts.
	ErrCodeInsufficientParticipants ErrorCode = "insufficient_participants"

	// ErrCodeCheckpointAlreadyOpen indicates a validation request arrived
	// while another checkpoint was still pending for the same session.
	ErrCodeCheckpointAlreadyOpen ErrorCode = "checkpoint_already_open"

	// ErrCodeSessionKilled indicates the kill switch terminated the session.
	ErrCodeSessionKilled ErrorCode = "session_killed"

	// ErrCodeProviderFailure indicates a participant's provider failed for
	// the round after one retry. Non-fatal: the participant is degraded for
	// the round and the session continues.
	ErrCodeProviderFailure ErrorCode = "provider_failure"

	// ErrCodeSessionNotFound indicates the session id is unknown.
	ErrCodeSessionNotFound ErrorCode = "session_not_found"

	// ErrCodeCheckpointNotFound indicates the checkpoint id is unknown.
	ErrCodeCheckpointNotFound ErrorCode = "checkpoint_not_found"
)

// DebateError is the typed error surfaced by all debate core operations.
type DebateError struct {
	// Code is the machine-readable error code.
	Code ErrorCode `json:"code"`

	// SessionID identifies the affected session, if any.
	SessionID string `json:"session_id,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Cause is the underlying error (if any).
	Cause error `json:"-"`
}

// Error implements the error interface.
func (e *DebateError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s (session %s): %s", e.Code, e.SessionID, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *DebateError) Unwrap() error {
	return e.Cause
}

// NewDebateError creates a DebateError for the given session.
func NewDebateError(code ErrorCode, sessionID, format string, args ...interface{}) *DebateError {
	return &DebateError{
		Code:      code,
		SessionID: sessionID,
		Message:   fmt.Sprintf(format, args...),
	}
}

// CodeOf extracts the ErrorCode from err, or "" if err is not a DebateError.
func CodeOf(err error) ErrorCode {
	var derr *DebateError
	if errors.As(err, &derr) {
		return derr.Code
	}
	return ""
}
