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
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"concord/platform/shared/logger"
)

// RateLimiter enforces a per-client sliding-window request limit. Redis
// makes the window consistent across replicas; without Redis the limiter
// falls back to an in-memory window, which is per-process only. Redis
// errors fail open: losing rate limiting is better than losing the API.
type RateLimiter struct {
	client *redis.Client
	limit  int
	log    *logger.Logger

	mu     sync.Mutex
	memory map[string][]time.Time
}

// NewRateLimiter connects to Redis when an address is configured. A
// connection failure degrades to the in-memory window.
func NewRateLimiter(cfg RateLimitConfig, log *logger.Logger) *RateLimiter {
	limiter := &RateLimiter{
		limit:  cfg.RequestsPerMinute,
		log:    log,
		memory: make(map[string][]time.Time),
	}
	if limiter.limit <= 0 {
		limiter.limit = 60
	}

	if cfg.RedisAddr == "" {
		return limiter
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		log.Warn("", "", "redis unavailable, rate limiting is per-process only", map[string]interface{}{
			"addr":  cfg.RedisAddr,
			"error": err.Error(),
		})
		_ = client.Close()
		return limiter
	}

	limiter.client = client
	return limiter
}

// Allow reports whether clientID may make another request in the current
// one-minute window.
func (r *RateLimiter) Allow(ctx context.Context, clientID string) bool {
	if r.client == nil {
		return r.allowInMemory(clientID)
	}

	now := time.Now()
	key := "ratelimit:" + clientID

	pipe := r.client.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now.Add(-time.Minute).UnixNano()))
	countCmd := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, &redis.Z{
		Score:  float64(now.UnixNano()),
		Member: fmt.Sprintf("%d", now.UnixNano()),
	})
	pipe.Expire(ctx, key, 2*time.Minute)

	if _, err := pipe.Exec(ctx); err != nil {
		r.log.Warn("", "", "redis rate limit check failed, failing open", map[string]interface{}{
			"client": clientID,
			"error":  err.Error(),
		})
		return true
	}

	return countCmd.Val() < int64(r.limit)
}

func (r *RateLimiter) allowInMemory(clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-time.Minute)
	window := r.memory[clientID]
	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= r.limit {
		r.memory[clientID] = kept
		return false
	}
	r.memory[clientID] = append(kept, time.Now())
	return true
}

// Healthy reports whether the limiter's backing store is reachable. The
// in-memory fallback is always healthy.
func (r *RateLimiter) Healthy(ctx context.Context) bool {
	if r.client == nil {
		return true
	}
	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	return r.client.Ping(pingCtx).Err() == nil
}

// Close releases the Redis connection.
func (r *RateLimiter) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
