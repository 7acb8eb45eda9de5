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
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"concord/platform/shared/logger"
)

type contextKey string

// subjectKey carries the authenticated subject through request context.
const subjectKey contextKey = "auth_subject"

// SubjectFromContext returns the authenticated subject, or "anonymous" when
// auth is disabled.
func SubjectFromContext(ctx context.Context) string {
	if subject, ok := ctx.Value(subjectKey).(string); ok && subject != "" {
		return subject
	}
	return "anonymous"
}

// AuthMiddleware validates bearer tokens on the API surface. An empty
// secret disables auth entirely, which is the expected dev-mode setup.
type AuthMiddleware struct {
	secret []byte
	log    *logger.Logger
}

// NewAuthMiddleware builds the middleware from the shared HMAC secret.
func NewAuthMiddleware(secret string, log *logger.Logger) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret), log: log}
}

// Enabled reports whether token validation is active.
func (a *AuthMiddleware) Enabled() bool {
	return len(a.secret) > 0
}

// Wrap enforces bearer authentication on next.
func (a *AuthMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return a.secret, nil
		})
		if err != nil || !token.Valid {
			a.log.Warn("", "", "rejected request with invalid token", map[string]interface{}{
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
			})
			http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
			return
		}

		subject := ""
		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, err := claims.GetSubject(); err == nil {
				subject = sub
			}
		}

		ctx := context.WithValue(r.Context(), subjectKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
